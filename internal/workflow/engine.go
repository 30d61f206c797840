// Package workflow implements the workflow runtime: the instance manager
// (Engine), task lifecycle (TaskManager), multi-level approvals
// (ApprovalCoordinator), and the persistence contract they share.
package workflow

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/grcflow/internal/definition"
	"github.com/pitabwire/grcflow/internal/observability"
	"github.com/pitabwire/grcflow/model"
)

const (
	defaultTaskDue = 72 * time.Hour

	// maxMergeAttempts bounds retries of mutations whose only conflict
	// source is a concurrent write to the parent instance.
	maxMergeAttempts = 3
)

// Engine manages the lifecycle of workflow instances against the registry of
// workflow types.
type Engine struct {
	registry   *definition.Registry
	store      Store
	bridge     ExternalProcessBridge
	sink       EventSink
	observer   Observer
	logger     *zap.Logger
	now        func() time.Time
	defaultDue time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBridge enables delegation to an external execution engine.
func WithBridge(b ExternalProcessBridge) Option {
	return func(e *Engine) { e.bridge = b }
}

// WithEventSink sets the receiver of committed events.
func WithEventSink(s EventSink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithObserver sets the lifecycle metrics receiver.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithDefaultTaskDue sets the due window for tasks created without one.
func WithDefaultTaskDue(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.defaultDue = d
		}
	}
}

// NewEngine creates a new workflow engine.
func NewEngine(registry *definition.Registry, store Store, opts ...Option) *Engine {
	e := &Engine{
		registry:   registry,
		store:      store,
		observer:   nopObserver{},
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
		defaultDue: defaultTaskDue,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the workflow type registry.
func (e *Engine) Registry() *definition.Registry { return e.registry }

// unit collects what a single unit of work produces.
type unit struct {
	tx          Tx
	now         time.Time
	events      []model.Event
	afterCommit []func()
}

func (u *unit) emit(typ string, inst model.WorkflowInstance, taskID string, recipients []string, payload map[string]any) {
	p := map[string]any{
		"type_id":             inst.TypeID,
		"state":               inst.CurrentState,
		"status":              inst.Status,
		"subject_entity_type": inst.SubjectEntityType,
		"subject_entity_id":   inst.SubjectEntityID,
	}
	maps.Copy(p, payload)
	u.events = append(u.events, model.Event{
		ID:         newID(),
		Type:       typ,
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		TaskID:     taskID,
		Recipients: compactRecipients(recipients),
		Payload:    p,
		OccurredAt: u.now,
		Status:     model.OutboxPending,
	})
}

func (u *unit) after(fn func()) {
	u.afterCommit = append(u.afterCommit, fn)
}

// run executes fn in one unit of work, writes its events to the outbox, and
// hands them to the sink once committed.
func (e *Engine) run(ctx context.Context, fn func(u *unit) error) error {
	var u *unit
	err := e.store.InTx(ctx, func(tx Tx) error {
		u = &unit{tx: tx, now: e.now()}
		if err := fn(u); err != nil {
			return err
		}
		return tx.AppendEvents(ctx, u.events...)
	})
	if err != nil {
		return err
	}
	for _, fn := range u.afterCommit {
		fn()
	}
	if e.sink != nil && len(u.events) > 0 {
		e.sink.Publish(ctx, u.events)
	}
	return nil
}

// Start creates a new instance of typeID in its initial state and
// materializes the initial task set.
func (e *Engine) Start(
	ctx context.Context,
	rctx *model.RequestContext,
	typeID string,
	subject model.Subject,
	variables map[string]any,
) (_ model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.start",
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrSubjectID.String(rctx.SubjectID),
		observability.AttrTypeID.String(typeID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	m, err := e.registry.Lookup(typeID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	now := e.now()
	inst := model.WorkflowInstance{
		ID:                newID(),
		TypeID:            typeID,
		TenantID:          rctx.TenantID,
		SubjectEntityType: subject.EntityType,
		SubjectEntityID:   subject.EntityID,
		CurrentState:      m.InitialState(),
		Status:            model.InstanceStatusActive,
		InitiatedBy:       rctx.SubjectID,
		Variables:         maps.Clone(variables),
		CreatedAt:         now,
		UpdatedAt:         now,
		Version:           1,
	}
	if a := m.Approval(); a != nil && inst.CurrentState == a.PendingState {
		inst.ApprovalInProgress = true
	}
	span.SetAttributes(observability.AttrInstanceID.String(inst.ID))

	err = e.run(ctx, func(u *unit) error {
		if err := u.tx.CreateInstance(ctx, inst); err != nil {
			return err
		}
		u.emit(model.EventInstanceStarted, inst, "", []string{inst.InitiatedBy}, nil)
		u.after(func() { e.observer.InstanceStarted(typeID) })
		return e.enterState(ctx, u, m, inst)
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	e.logger.Info("workflow instance started",
		zap.String("instance_id", inst.ID),
		zap.String("type_id", typeID),
		zap.String("tenant_id", inst.TenantID),
		zap.String("state", inst.CurrentState),
	)
	return inst, nil
}

// Transition applies the named transition to the instance's current state.
// Transitions driven by a running approval chain are rejected; they are
// applied by the ApprovalCoordinator.
func (e *Engine) Transition(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	name string,
	reason string,
) (model.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	return e.transitionFrom(ctx, rctx, inst, name, reason)
}

// TransitionAt is Transition guarded by the caller's view of the instance:
// it fails with CONCURRENCY_CONFLICT unless the stored version equals
// expectedVersion.
func (e *Engine) TransitionAt(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	expectedVersion int,
	name string,
	reason string,
) (model.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Version != expectedVersion {
		return model.WorkflowInstance{}, model.NewConcurrencyConflictError("workflow instance", instanceID)
	}
	return e.transitionFrom(ctx, rctx, inst, name, reason)
}

func (e *Engine) transitionFrom(
	ctx context.Context,
	rctx *model.RequestContext,
	inst model.WorkflowInstance,
	name string,
	reason string,
) (model.WorkflowInstance, error) {
	m, err := e.registry.Lookup(inst.TypeID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if !inst.IsActive() {
		return model.WorkflowInstance{}, model.NewInstanceAlreadyTerminalError(inst.ID, inst.Status)
	}
	if a := m.Approval(); a != nil && inst.ApprovalInProgress && inst.CurrentState == a.PendingState && m.IsApprovalOutcome(name) {
		return model.WorkflowInstance{}, model.NewApprovalInProgressError(inst.ID)
	}

	from := inst.CurrentState
	err = e.run(ctx, func(u *unit) error {
		return e.applyTransition(ctx, u, m, &inst, name, rctx.SubjectID, reason)
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	e.logger.Info("workflow instance transitioned",
		zap.String("instance_id", inst.ID),
		zap.String("type_id", inst.TypeID),
		zap.String("transition", name),
		zap.String("from", from),
		zap.String("to", inst.CurrentState),
		zap.String("status", inst.Status),
	)
	return inst, nil
}

// applyTransition moves inst along transition name inside u. The instance
// update, the transition record, cancellation of the left phase's tasks, and
// creation of the next phase's tasks all belong to the same unit of work.
func (e *Engine) applyTransition(
	ctx context.Context,
	u *unit,
	m *definition.Machine,
	inst *model.WorkflowInstance,
	name string,
	actor string,
	reason string,
) error {
	if !inst.IsActive() {
		return model.NewInstanceAlreadyTerminalError(inst.ID, inst.Status)
	}
	to, ok := m.Resolve(inst.CurrentState, name)
	if !ok {
		return model.NewIllegalTransitionError(inst.TypeID, inst.CurrentState, name)
	}

	from := inst.CurrentState
	terminal := m.IsTerminal(to)
	inst.CurrentState = to
	inst.UpdatedAt = u.now
	if a := m.Approval(); a != nil {
		if from == a.PendingState {
			inst.ApprovalInProgress = false
			inst.ApprovalLevel = 0
		}
		if to == a.PendingState {
			inst.ApprovalInProgress = true
			inst.ApprovalLevel = 0
		}
	}
	if terminal {
		completed := u.now
		inst.Status = model.InstanceStatusCompleted
		inst.CompletedAt = &completed
	}

	if err := u.tx.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	if err := u.tx.AppendTransition(ctx, model.TransitionRecord{
		ID:          newID(),
		InstanceID:  inst.ID,
		TenantID:    inst.TenantID,
		Transition:  name,
		FromState:   from,
		ToState:     to,
		TriggeredBy: actor,
		Reason:      reason,
		OccurredAt:  u.now,
	}); err != nil {
		return err
	}

	open, err := u.tx.ListOpenTasks(ctx, inst.TenantID, inst.ID)
	if err != nil {
		return err
	}
	for _, t := range open {
		if terminal || t.State == from {
			if err := e.cancelTask(ctx, u, t, fmt.Sprintf("instance left state %s", from)); err != nil {
				return err
			}
		}
	}

	u.emit(model.EventStateChanged, *inst, "", []string{inst.InitiatedBy}, map[string]any{
		"transition":   name,
		"from":         from,
		"to":           to,
		"triggered_by": actor,
		"reason":       reason,
	})
	typeID := inst.TypeID
	u.after(func() { e.observer.InstanceTransitioned(typeID, from, to) })

	if terminal {
		u.emit(model.EventInstanceCompleted, *inst, "", []string{inst.InitiatedBy}, nil)
		u.after(func() { e.observer.InstanceEnded(typeID, model.InstanceStatusCompleted) })
		return nil
	}
	return e.enterState(ctx, u, m, *inst)
}

// enterState materializes the task set of the instance's current state and,
// when the approval chain is running, the task of its pending level.
func (e *Engine) enterState(ctx context.Context, u *unit, m *definition.Machine, inst model.WorkflowInstance) error {
	for _, tmpl := range m.TasksFor(inst.CurrentState) {
		t := e.newTask(u.now, inst, tmpl.Name, definition.ResolveAssignee(tmpl.Assignee, inst), tmpl.DueIn, tmpl.Priority)
		if err := e.createTask(ctx, u, inst, t); err != nil {
			return err
		}
	}
	if a := m.Approval(); a != nil && inst.ApprovalInProgress && inst.CurrentState == a.PendingState {
		return e.openApprovalLevel(ctx, u, m, inst)
	}
	return nil
}

func (e *Engine) openApprovalLevel(ctx context.Context, u *unit, m *definition.Machine, inst model.WorkflowInstance) error {
	level, ok := m.Level(inst.ApprovalLevel)
	if !ok {
		return fmt.Errorf("approval level %d of %q is not defined", inst.ApprovalLevel, inst.TypeID)
	}
	t := e.newTask(u.now, inst, level.Name+" approval", definition.ResolveAssignee(level.Assignee, inst), level.DueIn, level.Priority)
	t.ApprovalLevel = level.Name
	return e.createTask(ctx, u, inst, t)
}

func (e *Engine) newTask(now time.Time, inst model.WorkflowInstance, name, assignee, dueIn string, priority int) model.WorkflowTask {
	if priority <= 0 {
		priority = model.DefaultTaskPriority
	}
	return model.WorkflowTask{
		ID:         newID(),
		InstanceID: inst.ID,
		TenantID:   inst.TenantID,
		Name:       name,
		State:      inst.CurrentState,
		AssignedTo: assignee,
		Status:     model.TaskStatusPending,
		Priority:   priority,
		DueAt:      definition.DueAt(now, dueIn, e.defaultDue),
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
}

func (e *Engine) createTask(ctx context.Context, u *unit, inst model.WorkflowInstance, t model.WorkflowTask) error {
	if err := u.tx.CreateTask(ctx, t); err != nil {
		return err
	}
	u.emit(model.EventTaskCreated, inst, t.ID, []string{t.AssignedTo}, map[string]any{
		"task_name": t.Name,
		"due_at":    t.DueAt,
		"priority":  t.Priority,
	})
	u.after(func() { e.observer.TaskChanged(model.EventTaskCreated) })
	return nil
}

func (e *Engine) cancelTask(ctx context.Context, u *unit, t model.WorkflowTask, notes string) error {
	t.Status = model.TaskStatusCancelled
	t.UpdatedAt = u.now
	if err := u.tx.UpdateTask(ctx, &t); err != nil {
		return err
	}
	if t.EscalationLevel > 0 {
		if _, err := u.tx.ResolveEscalations(ctx, t.ID, u.now, "task cancelled: "+notes); err != nil {
			return err
		}
	}
	return nil
}

// Cancel stops an active instance and cancels its open tasks. Records already
// written stay in the audit trail.
func (e *Engine) Cancel(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	reason string,
) (model.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if !inst.IsActive() {
		return model.WorkflowInstance{}, model.NewInstanceAlreadyTerminalError(inst.ID, inst.Status)
	}

	err = e.run(ctx, func(u *unit) error {
		inst.Status = model.InstanceStatusCancelled
		inst.ApprovalInProgress = false
		inst.UpdatedAt = u.now
		if err := u.tx.UpdateInstance(ctx, &inst); err != nil {
			return err
		}

		open, err := u.tx.ListOpenTasks(ctx, inst.TenantID, inst.ID)
		if err != nil {
			return err
		}
		recipients := []string{inst.InitiatedBy}
		for _, t := range open {
			recipients = append(recipients, t.AssignedTo)
			if err := e.cancelTask(ctx, u, t, "instance cancelled"); err != nil {
				return err
			}
		}
		u.emit(model.EventInstanceCancelled, inst, "", recipients, map[string]any{
			"reason":       reason,
			"cancelled_by": rctx.SubjectID,
		})
		typeID := inst.TypeID
		u.after(func() { e.observer.InstanceEnded(typeID, model.InstanceStatusCancelled) })
		return nil
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	e.logger.Info("workflow instance cancelled",
		zap.String("instance_id", inst.ID),
		zap.String("type_id", inst.TypeID),
		zap.String("state", inst.CurrentState),
		zap.String("reason", reason),
	)
	return inst, nil
}

// Archive stamps archived_at on a finished instance. Archiving twice is a
// no-op.
func (e *Engine) Archive(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.IsActive() {
		return model.WorkflowInstance{}, model.NewConflictError(
			fmt.Sprintf("workflow instance %q is still active and cannot be archived", instanceID),
		)
	}
	if inst.ArchivedAt != nil {
		return inst, nil
	}
	err = e.run(ctx, func(u *unit) error {
		archived := u.now
		inst.ArchivedAt = &archived
		inst.UpdatedAt = u.now
		return u.tx.UpdateInstance(ctx, &inst)
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	return inst, nil
}

// Get returns an instance.
func (e *Engine) Get(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.WorkflowInstance, error) {
	return e.store.GetInstance(ctx, rctx.TenantID, instanceID)
}

// List returns the tenant's instances matching filters.
func (e *Engine) List(ctx context.Context, rctx *model.RequestContext, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	return e.store.ListInstances(ctx, rctx.TenantID, filters)
}

// History returns the accepted transitions of an instance in order.
func (e *Engine) History(ctx context.Context, rctx *model.RequestContext, instanceID string) ([]model.TransitionRecord, error) {
	return e.store.ListTransitions(ctx, rctx.TenantID, instanceID)
}

// AvailableTransitions returns the transitions the caller may request now.
// Finished instances have none; transitions reserved for a running approval
// chain are omitted.
func (e *Engine) AvailableTransitions(ctx context.Context, rctx *model.RequestContext, instanceID string) ([]string, error) {
	inst, err := e.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return nil, err
	}
	if !inst.IsActive() {
		return []string{}, nil
	}
	m, err := e.registry.Lookup(inst.TypeID)
	if err != nil {
		return nil, err
	}
	names := m.Available(inst.CurrentState)
	if inst.ApprovalInProgress {
		names = slices.DeleteFunc(names, m.IsApprovalOutcome)
	}
	return names, nil
}

// retryOnConflict runs fn until it succeeds, fails with anything other than
// CONCURRENCY_CONFLICT, or exhausts attempts.
func retryOnConflict(attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); !model.IsRetryable(err) {
			return err
		}
	}
	return err
}

func newID() string { return uuid.New().String() }

func compactRecipients(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		if r != "" && !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}
