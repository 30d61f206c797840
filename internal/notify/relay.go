package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/grcflow/internal/observability"
	"github.com/pitabwire/grcflow/internal/workflow"
	"github.com/pitabwire/grcflow/model"
)

// Notifier delivers one event.
type Notifier interface {
	Notify(ctx context.Context, evt model.Event) (Result, error)
}

// RelayConfig tunes the outbox relay.
type RelayConfig struct {
	Interval    time.Duration
	BatchSize   int
	QueueSize   int
	MaxAttempts int
}

// Relay moves committed outbox events to the dispatcher. Published events
// are delivered right away by Run; a periodic sweep picks up whatever was
// not, including events from a previous process. An event that keeps
// failing is marked dropped once it reaches MaxAttempts.
type Relay struct {
	outbox   workflow.Outbox
	notifier Notifier
	cfg      RelayConfig
	recorder Recorder
	logger   *zap.Logger

	queue chan model.Event

	mu     sync.Mutex
	queued map[string]struct{} // key: event ID
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayLogger sets the relay logger.
func WithRelayLogger(l *zap.Logger) RelayOption {
	return func(r *Relay) { r.logger = l }
}

// WithRelayRecorder sets the backlog recorder.
func WithRelayRecorder(rec Recorder) RelayOption {
	return func(r *Relay) { r.recorder = rec }
}

// NewRelay creates an outbox relay.
func NewRelay(outbox workflow.Outbox, notifier Notifier, cfg RelayConfig, opts ...RelayOption) *Relay {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1024
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	r := &Relay{
		outbox:   outbox,
		notifier: notifier,
		cfg:      cfg,
		recorder: nopRecorder{},
		logger:   zap.NewNop(),
		queue:    make(chan model.Event, cfg.QueueSize),
		queued:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Publish queues committed events for immediate delivery. It never blocks;
// events that do not fit stay in the outbox for the next sweep.
func (r *Relay) Publish(_ context.Context, events []model.Event) {
	for _, evt := range events {
		r.mu.Lock()
		if _, ok := r.queued[evt.ID]; ok {
			r.mu.Unlock()
			continue
		}
		select {
		case r.queue <- evt:
			r.queued[evt.ID] = struct{}{}
		default:
			r.logger.Debug("relay queue full, deferring to sweep", zap.String("event_id", evt.ID))
		}
		r.mu.Unlock()
	}
}

// Run delivers queued events and sweeps the outbox until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	var tick <-chan time.Time
	if r.cfg.Interval > 0 {
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	r.logger.Info("notification relay started", zap.Duration("interval", r.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-r.queue:
			r.deliver(ctx, evt)
			r.mu.Lock()
			delete(r.queued, evt.ID)
			r.mu.Unlock()
		case <-tick:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("outbox sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep delivers one batch of pending outbox events that are not already
// queued and returns how many it handled.
func (r *Relay) Sweep(ctx context.Context) (int, error) {
	pending, err := r.outbox.PendingEvents(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	r.recorder.OutboxBacklog(len(pending))

	handled := 0
	for _, evt := range pending {
		r.mu.Lock()
		_, inQueue := r.queued[evt.ID]
		r.mu.Unlock()
		if inQueue {
			continue
		}
		r.deliver(ctx, evt)
		handled++
	}
	return handled, nil
}

func (r *Relay) deliver(ctx context.Context, evt model.Event) {
	ctx, span := observability.StartSpan(ctx, "notify.deliver",
		observability.AttrEventID.String(evt.ID),
		observability.AttrEventType.String(evt.Type),
		observability.AttrTenantID.String(evt.TenantID),
		observability.AttrInstanceID.String(evt.InstanceID),
	)
	res, err := r.notifier.Notify(ctx, evt)
	observability.EndSpanWithError(span, err)
	if err == nil {
		if dropped := res.Dropped(); len(dropped) > 0 {
			r.logger.Warn("event delivered partially",
				zap.String("event_id", evt.ID),
				zap.Strings("dropped", dropped),
			)
		}
		if err := r.outbox.MarkDispatched(ctx, evt.ID); err != nil {
			r.logger.Error("mark event dispatched failed", zap.String("event_id", evt.ID), zap.Error(err))
		}
		return
	}

	attempts, markErr := r.outbox.MarkFailed(ctx, evt.ID, err.Error())
	if markErr != nil {
		r.logger.Error("record dispatch failure failed", zap.String("event_id", evt.ID), zap.Error(markErr))
		return
	}
	if attempts < r.cfg.MaxAttempts {
		r.logger.Warn("event dispatch failed, will retry",
			zap.String("event_id", evt.ID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return
	}
	if err := r.outbox.MarkDropped(ctx, evt.ID, err.Error()); err != nil {
		r.logger.Error("mark event dropped failed", zap.String("event_id", evt.ID), zap.Error(err))
		return
	}
	r.logger.Warn("event dropped after max attempts",
		zap.String("event_id", evt.ID),
		zap.String("event_type", evt.Type),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
}
