// Package escalation raises overdue tasks to a superior on a fixed schedule,
// independently of caller requests.
package escalation

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/grcflow/internal/config"
	"github.com/pitabwire/grcflow/internal/observability"
	"github.com/pitabwire/grcflow/internal/workflow"
	"github.com/pitabwire/grcflow/model"
)

// OverdueFinder lists open tasks past their due date.
type OverdueFinder interface {
	FindOverdueTasks(ctx context.Context, filter model.OverdueFilter) ([]model.WorkflowTask, error)
}

// Escalator applies one escalation step to a task.
type Escalator interface {
	Escalate(ctx context.Context, tenantID, taskID string, p workflow.EscalateParams) (string, model.WorkflowTask, error)
}

// Recorder receives escalation outcomes.
type Recorder interface {
	EscalationOutcome(tenantID, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) EscalationOutcome(string, string) {}

// Result summarizes one scan.
type Result struct {
	Scanned      int
	Raised       int
	Intervention int
	Skipped      int
	Failed       int
}

// Scheduler scans for overdue tasks and escalates them.
type Scheduler struct {
	finder   OverdueFinder
	tasks    Escalator
	cfg      config.EscalationConfig
	resolver TargetResolver
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	lastRun map[string]time.Time // key: tenant ID
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithRecorder sets the outcome recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithResolver replaces the configured superior directory.
func WithResolver(r TargetResolver) Option {
	return func(s *Scheduler) { s.resolver = r }
}

// NewScheduler creates a new escalation scheduler.
func NewScheduler(finder OverdueFinder, tasks Escalator, cfg config.EscalationConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		finder:   finder,
		tasks:    tasks,
		cfg:      cfg,
		resolver: NewDirectoryResolver(cfg),
		recorder: nopRecorder{},
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
		lastRun:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks at the smallest configured tenant interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.cfg.TickInterval()
	if interval <= 0 {
		s.logger.Warn("escalation scheduler disabled: no interval configured")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("escalation scheduler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Error("escalation scan failed", zap.Error(err))
			}
		}
	}
}

// Tick performs one scan over every overdue task, BatchSize tasks per store
// query. Tenants whose own interval has not elapsed since their previous scan
// are left out of the query.
func (s *Scheduler) Tick(ctx context.Context) (res Result, err error) {
	ctx, span := observability.StartSpan(ctx, "escalation.tick")
	defer func() {
		span.SetAttributes(
			attribute.Int("escalation.scanned", res.Scanned),
			attribute.Int("escalation.raised", res.Raised),
		)
		observability.EndSpanWithError(span, err)
	}()

	now := s.now()
	filter := model.OverdueFilter{
		Cutoff:      now,
		SkipTenants: s.waitingTenants(now),
		Limit:       s.cfg.BatchSize,
	}

	scanned := make(map[string]bool)
	defer func() {
		s.mu.Lock()
		for tenant := range scanned {
			s.lastRun[tenant] = now
		}
		s.mu.Unlock()
	}()

	for {
		page, err := s.finder.FindOverdueTasks(ctx, filter)
		if err != nil {
			return res, err
		}
		for _, t := range page {
			scanned[t.TenantID] = true
			s.escalate(ctx, t, &res)
		}
		if filter.Limit <= 0 || len(page) < filter.Limit {
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		last := page[len(page)-1]
		filter.AfterDueAt, filter.AfterID = last.DueAt, last.ID
	}
}

func (s *Scheduler) escalate(ctx context.Context, t model.WorkflowTask, res *Result) {
	res.Scanned++
	ctx, span := observability.StartSpan(ctx, "escalation.task",
		observability.AttrTenantID.String(t.TenantID),
		observability.AttrInstanceID.String(t.InstanceID),
		observability.AttrTaskID.String(t.ID),
	)

	tc := s.cfg.ForTenant(t.TenantID)
	target := s.resolver.Resolve(t.TenantID, t)
	outcome, task, err := s.tasks.Escalate(ctx, t.TenantID, t.ID, workflow.EscalateParams{
		Target:   target,
		MaxLevel: tc.MaxLevels,
	})
	span.SetAttributes(attribute.String("escalation.outcome", string(outcome)))
	observability.EndSpanWithError(span, err)
	if err != nil {
		if model.IsRetryable(err) {
			// The task moved under us; the next scan sees its new state.
			res.Skipped++
			return
		}
		res.Failed++
		s.logger.Warn("task escalation failed",
			zap.String("tenant_id", t.TenantID),
			zap.String("task_id", t.ID),
			zap.Error(err),
		)
		return
	}

	s.recorder.EscalationOutcome(t.TenantID, outcome)
	switch outcome {
	case workflow.EscalationRaised:
		res.Raised++
		s.logger.Info("task escalated",
			zap.String("tenant_id", t.TenantID),
			zap.String("task_id", t.ID),
			zap.Int("level", task.EscalationLevel),
			zap.String("escalated_to", target),
		)
	case workflow.EscalationIntervention:
		res.Intervention++
		s.logger.Warn("task needs manual intervention",
			zap.String("tenant_id", t.TenantID),
			zap.String("task_id", t.ID),
			zap.Int("level", task.EscalationLevel),
		)
	default:
		res.Skipped++
	}
}

// waitingTenants returns the tenants scanned less than their interval ago.
func (s *Scheduler) waitingTenants(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for tenant, last := range s.lastRun {
		if now.Sub(last) < s.cfg.ForTenant(tenant).Interval {
			out = append(out, tenant)
		}
	}
	return out
}
