package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/grcflow/model"
)

// Recorder receives delivery measurements.
type Recorder interface {
	Delivery(channel, outcome string)
	RecipientDropped()
	OutboxBacklog(n int)
}

type nopRecorder struct{}

func (nopRecorder) Delivery(string, string) {}
func (nopRecorder) RecipientDropped() {}
func (nopRecorder) OutboxBacklog(int) {}

// ChannelOutcome is the final outcome of one channel for one recipient.
type ChannelOutcome struct {
	Channel  string `json:"channel"`
	Outcome  string `json:"outcome"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// RecipientResult collects the channel outcomes of one recipient.
type RecipientResult struct {
	Recipient string           `json:"recipient"`
	Channels  []ChannelOutcome `json:"channels"`
	Delivered bool             `json:"delivered"`
	Dropped   bool             `json:"dropped"`
}

// Result is the multi-status result of one dispatch.
type Result struct {
	EventID    string            `json:"event_id"`
	Recipients []RecipientResult `json:"recipients"`
}

// Dropped returns the recipients no channel reached.
func (r Result) Dropped() []string {
	var out []string
	for _, rr := range r.Recipients {
		if rr.Dropped {
			out = append(out, rr.Recipient)
		}
	}
	return out
}

// Dispatcher resolves each recipient's channels and delivers to every one
// of them independently.
type Dispatcher struct {
	channels    map[string]Channel
	prefs       PreferenceStore
	log         DeliveryLog
	recorder    Recorder
	logger      *zap.Logger
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithRecorder sets the delivery recorder.
func WithRecorder(r Recorder) DispatcherOption {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithRetry sets how many times a channel is tried per recipient and the
// base delay between tries. The delay doubles after each failure.
func WithRetry(maxAttempts int, backoff time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxAttempts = maxAttempts
		d.backoff = backoff
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(prefs PreferenceStore, log DeliveryLog, channels []Channel, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		channels:    make(map[string]Channel, len(channels)),
		prefs:       prefs,
		log:         log,
		recorder:    nopRecorder{},
		logger:      zap.NewNop(),
		maxAttempts: 3,
		backoff:     500 * time.Millisecond,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, c := range channels {
		d.channels[c.Name()] = c
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.maxAttempts < 1 {
		d.maxAttempts = 1
	}
	return d
}

// Notify delivers evt to each of its recipients. A failing channel never
// blocks the others. A recipient that no channel reaches after the bounded
// retries is dropped with an explicit delivery record. Notify returns
// DELIVERY_FAILED only when every recipient with a channel was dropped.
func (d *Dispatcher) Notify(ctx context.Context, evt model.Event) (Result, error) {
	res := Result{EventID: evt.ID}
	if len(evt.Recipients) == 0 {
		return res, nil
	}

	subject, body, err := Render(evt)
	if err != nil {
		return res, err
	}

	results := make([]RecipientResult, len(evt.Recipients))
	var wg sync.WaitGroup
	for i, recipient := range evt.Recipients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = d.deliverTo(ctx, evt, Message{
				EventID:   evt.ID,
				EventType: evt.Type,
				TenantID:  evt.TenantID,
				Recipient: recipient,
				Subject:   subject,
				Body:      body,
			})
		}()
	}
	wg.Wait()
	res.Recipients = results

	attempted, dropped := 0, 0
	for _, rr := range results {
		if len(rr.Channels) == 0 {
			continue
		}
		attempted++
		if rr.Dropped {
			dropped++
		}
	}
	if attempted > 0 && dropped == attempted {
		return res, model.NewDeliveryFailedError(
			fmt.Sprintf("event %s: no channel reached any of %d recipients", evt.ID, attempted))
	}
	return res, nil
}

func (d *Dispatcher) deliverTo(ctx context.Context, evt model.Event, msg Message) RecipientResult {
	rr := RecipientResult{Recipient: msg.Recipient}

	names, err := d.prefs.Channels(ctx, evt.TenantID, msg.Recipient)
	if err != nil {
		// Without preferences every configured channel is tried.
		d.logger.Warn("preference lookup failed",
			zap.String("tenant_id", evt.TenantID),
			zap.String("recipient", msg.Recipient),
			zap.Error(err),
		)
		names = d.channelNames()
	}

	var targets []Channel
	for _, name := range names {
		c, ok := d.channels[name]
		if !ok || !c.Enabled() {
			continue
		}
		targets = append(targets, c)
	}
	if len(targets) == 0 {
		d.record(ctx, evt, msg.Recipient, "", model.DeliverySkipped, "no enabled channel", 0)
		return rr
	}

	outcomes := make([]ChannelOutcome, len(targets))
	var g errgroup.Group
	for i, c := range targets {
		g.Go(func() error {
			outcomes[i] = d.sendWithRetry(ctx, evt, c, msg)
			return nil
		})
	}
	_ = g.Wait()
	rr.Channels = outcomes

	for _, o := range outcomes {
		if o.Outcome == model.DeliveryDelivered {
			rr.Delivered = true
			break
		}
	}
	if !rr.Delivered {
		rr.Dropped = true
		d.recorder.RecipientDropped()
		d.record(ctx, evt, msg.Recipient, "", model.DeliveryDropped, "all channels failed", d.maxAttempts)
		d.logger.Warn("notification dropped for recipient",
			zap.String("event_id", evt.ID),
			zap.String("event_type", evt.Type),
			zap.String("recipient", msg.Recipient),
		)
	}
	return rr
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, evt model.Event, c Channel, msg Message) ChannelOutcome {
	out := ChannelOutcome{Channel: c.Name()}
	delay := d.backoff
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				out.Outcome = model.DeliveryFailed
				out.Error = ctx.Err().Error()
				return out
			case <-time.After(delay):
			}
			delay *= 2
		}

		out.Attempts = attempt
		err := c.Send(ctx, msg)
		if err == nil {
			out.Outcome = model.DeliveryDelivered
			out.Error = ""
			d.recorder.Delivery(c.Name(), model.DeliveryDelivered)
			d.record(ctx, evt, msg.Recipient, c.Name(), model.DeliveryDelivered, "", attempt)
			d.logger.Debug("notification delivered",
				zap.String("event_id", evt.ID),
				zap.String("recipient", msg.Recipient),
				zap.String("channel", c.Name()),
			)
			return out
		}

		out.Outcome = model.DeliveryFailed
		out.Error = err.Error()
		d.recorder.Delivery(c.Name(), model.DeliveryFailed)
		d.record(ctx, evt, msg.Recipient, c.Name(), model.DeliveryFailed, err.Error(), attempt)
		d.logger.Warn("notification channel failed",
			zap.String("event_id", evt.ID),
			zap.String("recipient", msg.Recipient),
			zap.String("channel", c.Name()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return out
}

func (d *Dispatcher) record(ctx context.Context, evt model.Event, recipient, channel, outcome, errMsg string, attempt int) {
	err := d.log.Record(ctx, model.DeliveryAttempt{
		EventID:     evt.ID,
		EventType:   evt.Type,
		TenantID:    evt.TenantID,
		Recipient:   recipient,
		Channel:     channel,
		Outcome:     outcome,
		Error:       errMsg,
		Attempt:     attempt,
		AttemptedAt: d.now(),
	})
	if err != nil {
		d.logger.Error("delivery log write failed", zap.String("event_id", evt.ID), zap.Error(err))
	}
}

func (d *Dispatcher) channelNames() []string {
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	return names
}
