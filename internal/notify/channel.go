// Package notify fans domain events out to per-recipient delivery channels
// and relays the durable outbox to them.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Message is one rendered notification for one recipient.
type Message struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	TenantID  string `json:"tenant_id"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// Channel is a delivery adapter. Send reports success or failure for a
// single recipient; it never retries on its own.
type Channel interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, msg Message) error
}

// LogChannel writes notifications to the service log.
type LogChannel struct {
	logger  *zap.Logger
	enabled bool
}

// NewLogChannel creates a log channel.
func NewLogChannel(logger *zap.Logger, enabled bool) *LogChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogChannel{logger: logger, enabled: enabled}
}

func (c *LogChannel) Name() string  { return "log" }
func (c *LogChannel) Enabled() bool { return c.enabled }

// Send logs the message at info level.
func (c *LogChannel) Send(_ context.Context, msg Message) error {
	c.logger.Info("notification",
		zap.String("event_id", msg.EventID),
		zap.String("event_type", msg.EventType),
		zap.String("tenant_id", msg.TenantID),
		zap.String("recipient", msg.Recipient),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
	)
	return nil
}
