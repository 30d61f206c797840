package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/grcflow/internal/config"
)

func testMessage() Message {
	return Message{
		EventID:   "evt-1",
		EventType: "task_escalated",
		TenantID:  "tenant-1",
		Recipient: "user.alice",
		Subject:   "Overdue task escalated",
		Body:      "Task passed its due date.",
	}
}

// --- Log channel ---

func TestLogChannel(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ch := NewLogChannel(zap.New(core), true)

	require.NoError(t, ch.Send(context.Background(), testMessage()))
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "user.alice", fields["recipient"])
	assert.Equal(t, "evt-1", fields["event_id"])
	assert.True(t, ch.Enabled())
}

// --- Webhook channel ---

func webhookConfig(url string) config.WebhookConfig {
	return config.WebhookConfig{
		Enabled: true,
		URL:     url,
		Timeout: time.Second,
		Headers: map[string]string{"X-Api-Key": "secret"},
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 2,
			Timeout:          time.Minute,
			MaxRequests:      1,
		},
	}
}

func TestWebhookChannel_delivers(t *testing.T) {
	var got Message
	var apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("X-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(webhookConfig(srv.URL), nil)
	require.NoError(t, ch.Send(context.Background(), testMessage()))
	assert.Equal(t, testMessage(), got)
	assert.Equal(t, "secret", apiKey)
}

func TestWebhookChannel_breakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(webhookConfig(srv.URL), nil)
	for range 2 {
		assert.Error(t, ch.Send(context.Background(), testMessage()))
	}
	assert.Equal(t, gobreaker.StateOpen, ch.BreakerState())

	err := ch.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(2), hits.Load(), "open breaker short-circuits the call")
}

func TestWebhookChannel_rejectionDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(webhookConfig(srv.URL), nil)
	for range 3 {
		err := ch.Send(context.Background(), testMessage())
		assert.ErrorIs(t, err, ErrGatewayRejected)
	}
	assert.Equal(t, gobreaker.StateClosed, ch.BreakerState())
}

// --- NATS channel ---

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(subj string, data []byte, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.subjects = append(p.subjects, subj)
	p.payloads = append(p.payloads, data)
	return &nats.PubAck{Stream: "GRCFLOW_NOTIFICATIONS", Sequence: uint64(len(p.subjects))}, nil
}

func TestNATSChannel_publishesPerRecipientSubject(t *testing.T) {
	pub := &fakePublisher{}
	ch := NewNATSChannel(pub, "grcflow.notifications", true)

	require.NoError(t, ch.Send(context.Background(), testMessage()))
	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "grcflow.notifications.tenant-1.user_alice", pub.subjects[0])

	var got Message
	require.NoError(t, json.Unmarshal(pub.payloads[0], &got))
	assert.Equal(t, testMessage(), got)
}

func TestNATSChannel_publishError(t *testing.T) {
	ch := NewNATSChannel(&fakePublisher{err: nats.ErrNoResponders}, "grcflow.notifications", true)
	err := ch.Send(context.Background(), testMessage())
	assert.ErrorIs(t, err, nats.ErrNoResponders)
}

func TestNATSChannel_Subject(t *testing.T) {
	ch := NewNATSChannel(nil, "p", true)
	assert.Equal(t, "p.t1.a_b_c_d", ch.Subject("t1", "a.b*c>d"))
	assert.Equal(t, "p._._", ch.Subject("", ""))
}
