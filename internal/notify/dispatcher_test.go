package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/grcflow/model"
)

type fakeChannel struct {
	name     string
	disabled bool
	failures int // fail the first N sends; -1 fails every send

	mu   sync.Mutex
	sent []Message
	hits int
}

func (c *fakeChannel) Name() string  { return c.name }
func (c *fakeChannel) Enabled() bool { return !c.disabled }

func (c *fakeChannel) Send(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits++
	if c.failures < 0 || c.hits <= c.failures {
		return errors.New(c.name + " gateway down")
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) delivered() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sent...)
}

type countingRecorder struct {
	mu         sync.Mutex
	deliveries map[string]int // key: channel/outcome
	dropped    int
	backlog    int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{deliveries: make(map[string]int)}
}

func (r *countingRecorder) Delivery(channel, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries[channel+"/"+outcome]++
}

func (r *countingRecorder) RecipientDropped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped++
}

func (r *countingRecorder) OutboxBacklog(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backlog = n
}

type brokenPreferences struct{}

func (brokenPreferences) Channels(context.Context, string, string) ([]string, error) {
	return nil, errors.New("preference service offline")
}

func escalatedEvent(recipients ...string) model.Event {
	return model.Event{
		ID:         "evt-1",
		Type:       model.EventTaskEscalated,
		TenantID:   "tenant-1",
		InstanceID: "inst-1",
		TaskID:     "task-1",
		Recipients: recipients,
		Payload: map[string]any{
			"type_id":          "risk_assessment",
			"task_name":        "Gather risk data",
			"escalation_level": 1,
			"escalated_to":     "user-manager",
		},
		OccurredAt: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC),
		Status:     model.OutboxPending,
	}
}

func fastRetry(n int) DispatcherOption {
	return WithRetry(n, time.Millisecond)
}

func outcomesOf(attempts []model.DeliveryAttempt, recipient string) []string {
	var out []string
	for _, a := range attempts {
		if a.Recipient == recipient {
			out = append(out, a.Channel+":"+a.Outcome)
		}
	}
	return out
}

func TestDispatcher_oneChannelFailsOtherDelivers(t *testing.T) {
	chat := &fakeChannel{name: "chat", failures: -1}
	email := &fakeChannel{name: "email"}
	log := NewMemoryDeliveryLog()
	rec := newCountingRecorder()
	prefs := NewStaticPreferences(map[string][]string{"user-alice": {"chat", "email"}}, nil)
	d := NewDispatcher(prefs, log, []Channel{chat, email}, fastRetry(2), WithRecorder(rec))

	res, err := d.Notify(context.Background(), escalatedEvent("user-alice"))
	require.NoError(t, err, "a single failing channel must not fail the dispatch")

	require.Len(t, res.Recipients, 1)
	rr := res.Recipients[0]
	assert.True(t, rr.Delivered)
	assert.False(t, rr.Dropped)
	assert.ElementsMatch(t, []ChannelOutcome{
		{Channel: "chat", Outcome: model.DeliveryFailed, Attempts: 2, Error: "chat gateway down"},
		{Channel: "email", Outcome: model.DeliveryDelivered, Attempts: 1},
	}, rr.Channels)

	require.Len(t, email.delivered(), 1)
	assert.Equal(t, "Overdue task escalated: Gather risk data", email.delivered()[0].Subject)

	attempts, err := log.List(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"chat:" + model.DeliveryFailed,
		"chat:" + model.DeliveryFailed,
		"email:" + model.DeliveryDelivered,
	}, outcomesOf(attempts, "user-alice"))

	assert.Equal(t, 1, rec.deliveries["email/"+model.DeliveryDelivered])
	assert.Equal(t, 2, rec.deliveries["chat/"+model.DeliveryFailed])
	assert.Zero(t, rec.dropped)
}

func TestDispatcher_retrySucceeds(t *testing.T) {
	flaky := &fakeChannel{name: "chat", failures: 2}
	log := NewMemoryDeliveryLog()
	d := NewDispatcher(NewStaticPreferences(nil, []string{"chat"}), log, []Channel{flaky}, fastRetry(3))

	res, err := d.Notify(context.Background(), escalatedEvent("user-alice"))
	require.NoError(t, err)
	assert.True(t, res.Recipients[0].Delivered)
	assert.Equal(t, 3, res.Recipients[0].Channels[0].Attempts)

	attempts, err := log.List(context.Background(), "evt-1")
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, model.DeliveryDelivered, attempts[2].Outcome)
	assert.Equal(t, 3, attempts[2].Attempt)
}

func TestDispatcher_totalFailureDropsRecipient(t *testing.T) {
	chat := &fakeChannel{name: "chat", failures: -1}
	log := NewMemoryDeliveryLog()
	rec := newCountingRecorder()
	d := NewDispatcher(NewStaticPreferences(nil, []string{"chat"}), log, []Channel{chat}, fastRetry(2), WithRecorder(rec))

	res, err := d.Notify(context.Background(), escalatedEvent("user-alice"))
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrDeliveryFailed))
	assert.Equal(t, []string{"user-alice"}, res.Dropped())
	assert.Equal(t, 2, chat.hits, "retries are bounded")

	attempts, err := log.List(context.Background(), "evt-1")
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	last := attempts[2]
	assert.Equal(t, model.DeliveryDropped, last.Outcome)
	assert.Empty(t, last.Channel)
	assert.Equal(t, 1, rec.dropped)
}

func TestDispatcher_partialRecipientFailure(t *testing.T) {
	chat := &fakeChannel{name: "chat", failures: -1}
	email := &fakeChannel{name: "email"}
	prefs := NewStaticPreferences(map[string][]string{
		"user-alice":            {"chat"},
		"tenant-1:user-manager": {"email"},
	}, nil)
	d := NewDispatcher(prefs, NewMemoryDeliveryLog(), []Channel{chat, email}, fastRetry(1))

	res, err := d.Notify(context.Background(), escalatedEvent("user-alice", "user-manager"))
	require.NoError(t, err, "one reachable recipient keeps the event delivered")
	assert.Equal(t, []string{"user-alice"}, res.Dropped())
	require.Len(t, email.delivered(), 1)
	assert.Equal(t, "user-manager", email.delivered()[0].Recipient)
}

func TestDispatcher_noRecipients(t *testing.T) {
	chat := &fakeChannel{name: "chat"}
	d := NewDispatcher(NewStaticPreferences(nil, []string{"chat"}), NewMemoryDeliveryLog(), []Channel{chat})

	res, err := d.Notify(context.Background(), escalatedEvent())
	require.NoError(t, err)
	assert.Empty(t, res.Recipients)
	assert.Zero(t, chat.hits)
}

func TestDispatcher_noEnabledChannelIsSkipped(t *testing.T) {
	off := &fakeChannel{name: "chat", disabled: true}
	log := NewMemoryDeliveryLog()
	prefs := NewStaticPreferences(map[string][]string{"user-alice": {"chat", "sms"}}, nil)
	d := NewDispatcher(prefs, log, []Channel{off})

	res, err := d.Notify(context.Background(), escalatedEvent("user-alice"))
	require.NoError(t, err)
	assert.False(t, res.Recipients[0].Dropped)
	assert.Zero(t, off.hits)

	attempts, err := log.List(context.Background(), "evt-1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, model.DeliverySkipped, attempts[0].Outcome)
}

func TestDispatcher_preferenceFailureTriesAllChannels(t *testing.T) {
	chat := &fakeChannel{name: "chat"}
	email := &fakeChannel{name: "email"}
	d := NewDispatcher(brokenPreferences{}, NewMemoryDeliveryLog(), []Channel{chat, email})

	_, err := d.Notify(context.Background(), escalatedEvent("user-alice"))
	require.NoError(t, err)
	assert.Len(t, chat.delivered(), 1)
	assert.Len(t, email.delivered(), 1)
}

func TestRender(t *testing.T) {
	subject, body, err := Render(escalatedEvent("user-alice"))
	require.NoError(t, err)
	assert.Equal(t, "Overdue task escalated: Gather risk data", subject)
	assert.Contains(t, body, "level 1 (user-manager)")

	subject, body, err = Render(model.Event{Type: "custom_event", InstanceID: "inst-9"})
	require.NoError(t, err)
	assert.Equal(t, "custom event", subject)
	assert.Contains(t, body, "inst-9")
}
