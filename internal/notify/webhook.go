package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pitabwire/grcflow/internal/config"
)

// WebhookChannel posts notifications as JSON to a gateway that relays them
// to e-mail or chat. A circuit breaker stops calls to a gateway that keeps
// failing until its timeout elapses.
type WebhookChannel struct {
	url     string
	headers map[string]string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	enabled bool
}

// ErrGatewayRejected is returned when the gateway answers with a 4xx status.
// Rejections do not count against the circuit breaker.
var ErrGatewayRejected = errors.New("webhook gateway rejected notification")

// NewWebhookChannel creates a webhook channel from configuration.
func NewWebhookChannel(cfg config.WebhookConfig, logger *zap.Logger) *WebhookChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	threshold := cfg.CircuitBreaker.FailureThreshold
	if threshold < 1 {
		threshold = 5
	}

	return &WebhookChannel{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
		enabled: cfg.Enabled,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "notify-webhook",
			MaxRequests: cfg.CircuitBreaker.MaxRequests,
			Timeout:     cfg.CircuitBreaker.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(threshold)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
	}
}

func (c *WebhookChannel) Name() string  { return "webhook" }
func (c *WebhookChannel) Enabled() bool { return c.enabled }

// BreakerState reports the circuit breaker state.
func (c *WebhookChannel) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// Send posts msg to the gateway.
func (c *WebhookChannel) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("webhook: marshal message: %w", err)
	}

	status, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("webhook: gateway unavailable: %w", err)
		}
		return err
	}
	if code := status.(int); code >= 400 {
		return fmt.Errorf("%w: status %d", ErrGatewayRejected, code)
	}
	return nil
}

// post performs one request. Transport errors and 5xx responses are breaker
// failures; any other status is returned for the caller to classify.
func (c *WebhookChannel) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook: request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 500 {
		return resp.StatusCode, fmt.Errorf("webhook: gateway error: status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
