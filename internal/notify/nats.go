package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pitabwire/grcflow/internal/config"
)

// Publisher is the subset of a JetStream context the NATS channel uses.
type Publisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSChannel publishes notifications to a JetStream stream on the subject
// <prefix>.<tenant>.<recipient>, where downstream gateways subscribe.
type NATSChannel struct {
	js      Publisher
	conn    *nats.Conn
	prefix  string
	enabled bool
}

// NewNATSChannel wraps an existing publisher. Used by tests and by callers
// that manage their own connection.
func NewNATSChannel(js Publisher, prefix string, enabled bool) *NATSChannel {
	return &NATSChannel{js: js, prefix: prefix, enabled: enabled}
}

// DialNATSChannel connects to NATS, ensures the notification stream exists,
// and returns a channel publishing to it.
func DialNATSChannel(cfg config.NATSChannelConfig, logger *zap.Logger) (*NATSChannel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("grcflow-notify"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	streamCfg := &nats.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	}
	if _, err := js.StreamInfo(cfg.Stream); err != nil {
		if _, err := js.AddStream(streamCfg); err != nil {
			nc.Close()
			return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
		}
	} else if _, err := js.UpdateStream(streamCfg); err != nil {
		nc.Close()
		return nil, fmt.Errorf("update stream %s: %w", cfg.Stream, err)
	}

	logger.Info("nats notification channel connected",
		zap.String("url", cfg.URL),
		zap.String("stream", cfg.Stream),
	)
	ch := NewNATSChannel(js, cfg.SubjectPrefix, cfg.Enabled)
	ch.conn = nc
	return ch, nil
}

func (c *NATSChannel) Name() string  { return "nats" }
func (c *NATSChannel) Enabled() bool { return c.enabled }

// Send publishes msg and waits for the stream acknowledgement.
func (c *NATSChannel) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("nats: marshal message: %w", err)
	}
	subject := c.Subject(msg.TenantID, msg.Recipient)
	if _, err := c.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(msg.EventID+":"+msg.Recipient)); err != nil {
		return fmt.Errorf("nats: publish to %s: %w", subject, err)
	}
	return nil
}

// Subject returns the subject a recipient's notifications are published on.
func (c *NATSChannel) Subject(tenantID, recipient string) string {
	return c.prefix + "." + subjectToken(tenantID) + "." + subjectToken(recipient)
}

// Close drains the underlying connection, if the channel owns one.
func (c *NATSChannel) Close() {
	if c.conn != nil {
		_ = c.conn.Drain()
	}
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}
