package workflow

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/grcflow/model"
)

// MemoryStore is an in-memory Store. Units of work are serialized: InTx holds
// the write lock for the duration of fn and applies staged writes on success.
type MemoryStore struct {
	mu          sync.RWMutex
	instances   map[string]model.WorkflowInstance   // key: instance ID
	tasks       map[string]model.WorkflowTask       // key: task ID
	transitions map[string][]model.TransitionRecord // key: instance ID
	approvals   map[string][]model.ApprovalRecord   // key: instance ID
	escalations map[string][]model.EscalationRecord // key: task ID
	events      map[string]model.Event              // key: event ID
	eventOrder  []string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:   make(map[string]model.WorkflowInstance),
		tasks:       make(map[string]model.WorkflowTask),
		transitions: make(map[string][]model.TransitionRecord),
		approvals:   make(map[string][]model.ApprovalRecord),
		escalations: make(map[string][]model.EscalationRecord),
		events:      make(map[string]model.Event),
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// InTx runs fn against a staging area and applies it if fn returns nil.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:           s,
		instances:   make(map[string]model.WorkflowInstance),
		tasks:       make(map[string]model.WorkflowTask),
		escalations: make(map[string][]model.EscalationRecord),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// GetInstance retrieves an instance by ID, scoped to tenant.
func (s *MemoryStore) GetInstance(_ context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceID]
	if !ok || inst.TenantID != tenantID {
		return model.WorkflowInstance{}, model.NewInstanceNotFoundError(instanceID)
	}
	return cloneInstance(inst), nil
}

// ListInstances returns a tenant's instances, newest first.
func (s *MemoryStore) ListInstances(_ context.Context, tenantID string, f model.InstanceFilters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.TenantID != tenantID {
			continue
		}
		if f.TypeID != "" && inst.TypeID != f.TypeID {
			continue
		}
		if f.Status != "" && inst.Status != f.Status {
			continue
		}
		if f.SubjectEntityID != "" && inst.SubjectEntityID != f.SubjectEntityID {
			continue
		}
		result = append(result, cloneInstance(inst))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return paginate(result, f.Offset, f.Limit), nil
}

// GetTask retrieves a task by ID, scoped to tenant.
func (s *MemoryStore) GetTask(_ context.Context, tenantID, taskID string) (model.WorkflowTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok || task.TenantID != tenantID {
		return model.WorkflowTask{}, model.NewTaskNotFoundError(taskID)
	}
	return task, nil
}

// ListTasks returns a tenant's tasks ordered by due date then priority.
func (s *MemoryStore) ListTasks(_ context.Context, tenantID string, f model.TaskFilters) ([]model.WorkflowTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowTask
	for _, t := range s.tasks {
		if t.TenantID != tenantID || !matchTask(t, f) {
			continue
		}
		result = append(result, t)
	}
	sortTasks(result)
	return paginate(result, f.Offset, f.Limit), nil
}

// FindOverdueTasks returns open tasks due before the cutoff across all
// tenants, skipping tasks already flagged for intervention.
func (s *MemoryStore) FindOverdueTasks(_ context.Context, f model.OverdueFilter) ([]model.WorkflowTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowTask
	for _, t := range s.tasks {
		if !t.IsOverdue(f.Cutoff) || t.NeedsIntervention || slices.Contains(f.SkipTenants, t.TenantID) {
			continue
		}
		if f.AfterID != "" && !dueAfter(t, f.AfterDueAt, f.AfterID) {
			continue
		}
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool {
		return dueAfter(result[j], result[i].DueAt, result[i].ID)
	})
	return paginate(result, 0, f.Limit), nil
}

// dueAfter reports whether t sorts after (dueAt, id).
func dueAfter(t model.WorkflowTask, dueAt time.Time, id string) bool {
	if !t.DueAt.Equal(dueAt) {
		return t.DueAt.After(dueAt)
	}
	return t.ID > id
}

// ListTransitions returns an instance's transition history in order.
func (s *MemoryStore) ListTransitions(_ context.Context, tenantID, instanceID string) ([]model.TransitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if inst, ok := s.instances[instanceID]; !ok || inst.TenantID != tenantID {
		return nil, model.NewInstanceNotFoundError(instanceID)
	}
	return slices.Clone(s.transitions[instanceID]), nil
}

// ListApprovals returns an instance's approval decisions in order.
func (s *MemoryStore) ListApprovals(_ context.Context, tenantID, instanceID string) ([]model.ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if inst, ok := s.instances[instanceID]; !ok || inst.TenantID != tenantID {
		return nil, model.NewInstanceNotFoundError(instanceID)
	}
	return slices.Clone(s.approvals[instanceID]), nil
}

// ListEscalations returns a task's escalation records in order.
func (s *MemoryStore) ListEscalations(_ context.Context, tenantID, taskID string) ([]model.EscalationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tasks[taskID]; !ok || t.TenantID != tenantID {
		return nil, model.NewTaskNotFoundError(taskID)
	}
	return slices.Clone(s.escalations[taskID]), nil
}

// PendingEvents returns undispatched outbox events, oldest first.
func (s *MemoryStore) PendingEvents(_ context.Context, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []model.Event
	for _, id := range s.eventOrder {
		evt := s.events[id]
		if evt.Status != model.OutboxPending {
			continue
		}
		result = append(result, evt)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// MarkDispatched marks an outbox event delivered.
func (s *MemoryStore) MarkDispatched(_ context.Context, eventID string) error {
	return s.updateEvent(eventID, func(e *model.Event) {
		e.Status = model.OutboxDispatched
		e.Attempts++
		e.LastError = ""
	})
}

// MarkFailed records a failed dispatch attempt.
func (s *MemoryStore) MarkFailed(_ context.Context, eventID, reason string) (int, error) {
	var attempts int
	err := s.updateEvent(eventID, func(e *model.Event) {
		e.Attempts++
		e.LastError = reason
		attempts = e.Attempts
	})
	return attempts, err
}

// MarkDropped gives up on an outbox event.
func (s *MemoryStore) MarkDropped(_ context.Context, eventID, reason string) error {
	return s.updateEvent(eventID, func(e *model.Event) {
		e.Status = model.OutboxDropped
		e.LastError = reason
	})
}

// Event returns an outbox event by ID. For testing.
func (s *MemoryStore) Event(eventID string) (model.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evt, ok := s.events[eventID]
	return evt, ok
}

// Events returns every outbox event in insertion order. For testing.
func (s *MemoryStore) Events() []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Event, 0, len(s.eventOrder))
	for _, id := range s.eventOrder {
		out = append(out, s.events[id])
	}
	return out
}

func (s *MemoryStore) updateEvent(eventID string, fn func(*model.Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt, ok := s.events[eventID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("event %q not found", eventID))
	}
	fn(&evt)
	s.events[eventID] = evt
	return nil
}

// memTx stages writes until commit. The store's write lock is held by InTx.
type memTx struct {
	s           *MemoryStore
	instances   map[string]model.WorkflowInstance
	tasks       map[string]model.WorkflowTask
	escalations map[string][]model.EscalationRecord
	transitions []model.TransitionRecord
	approvals   []model.ApprovalRecord
	events      []model.Event
}

func (tx *memTx) instance(id string) (model.WorkflowInstance, bool) {
	if inst, ok := tx.instances[id]; ok {
		return inst, true
	}
	inst, ok := tx.s.instances[id]
	return inst, ok
}

func (tx *memTx) task(id string) (model.WorkflowTask, bool) {
	if t, ok := tx.tasks[id]; ok {
		return t, true
	}
	t, ok := tx.s.tasks[id]
	return t, ok
}

func (tx *memTx) CreateInstance(_ context.Context, inst model.WorkflowInstance) error {
	if _, exists := tx.instance(inst.ID); exists {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	tx.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (tx *memTx) UpdateInstance(_ context.Context, inst *model.WorkflowInstance) error {
	existing, ok := tx.instance(inst.ID)
	if !ok {
		return model.NewInstanceNotFoundError(inst.ID)
	}
	if existing.Version != inst.Version {
		return model.NewConcurrencyConflictError("workflow instance", inst.ID)
	}
	inst.Version++
	tx.instances[inst.ID] = cloneInstance(*inst)
	return nil
}

func (tx *memTx) ListOpenTasks(_ context.Context, tenantID, instanceID string) ([]model.WorkflowTask, error) {
	seen := make(map[string]bool)
	var result []model.WorkflowTask
	collect := func(t model.WorkflowTask) {
		if seen[t.ID] {
			return
		}
		seen[t.ID] = true
		if t.TenantID == tenantID && t.InstanceID == instanceID && t.IsOpen() {
			result = append(result, t)
		}
	}
	for _, t := range tx.tasks {
		collect(t)
	}
	for _, t := range tx.s.tasks {
		collect(t)
	}
	sortTasks(result)
	return result, nil
}

func (tx *memTx) CreateTask(_ context.Context, task model.WorkflowTask) error {
	if _, exists := tx.task(task.ID); exists {
		return model.NewConflictError(fmt.Sprintf("task %q already exists", task.ID))
	}
	tx.tasks[task.ID] = task
	return nil
}

func (tx *memTx) UpdateTask(_ context.Context, task *model.WorkflowTask) error {
	existing, ok := tx.task(task.ID)
	if !ok {
		return model.NewTaskNotFoundError(task.ID)
	}
	if existing.Version != task.Version {
		return model.NewConcurrencyConflictError("task", task.ID)
	}
	task.Version++
	tx.tasks[task.ID] = *task
	return nil
}

func (tx *memTx) AppendTransition(_ context.Context, rec model.TransitionRecord) error {
	tx.transitions = append(tx.transitions, rec)
	return nil
}

func (tx *memTx) AppendApproval(_ context.Context, rec model.ApprovalRecord) error {
	tx.approvals = append(tx.approvals, rec)
	return nil
}

func (tx *memTx) stagedEscalations(taskID string) []model.EscalationRecord {
	if recs, ok := tx.escalations[taskID]; ok {
		return recs
	}
	recs := slices.Clone(tx.s.escalations[taskID])
	tx.escalations[taskID] = recs
	return recs
}

func (tx *memTx) AppendEscalation(_ context.Context, rec model.EscalationRecord) error {
	tx.escalations[rec.TaskID] = append(tx.stagedEscalations(rec.TaskID), rec)
	return nil
}

func (tx *memTx) ResolveEscalations(_ context.Context, taskID string, at time.Time, notes string) (int, error) {
	recs := tx.stagedEscalations(taskID)
	n := 0
	for i := range recs {
		if recs[i].ResolvedAt != nil {
			continue
		}
		resolved := at
		recs[i].ResolvedAt = &resolved
		recs[i].ResolutionNotes = notes
		n++
	}
	return n, nil
}

func (tx *memTx) AppendEvents(_ context.Context, events ...model.Event) error {
	tx.events = append(tx.events, events...)
	return nil
}

func (tx *memTx) commit() {
	s := tx.s
	maps.Copy(s.instances, tx.instances)
	maps.Copy(s.tasks, tx.tasks)
	maps.Copy(s.escalations, tx.escalations)
	for _, r := range tx.transitions {
		s.transitions[r.InstanceID] = append(s.transitions[r.InstanceID], r)
	}
	for _, r := range tx.approvals {
		s.approvals[r.InstanceID] = append(s.approvals[r.InstanceID], r)
	}
	for _, e := range tx.events {
		if e.Status == "" {
			e.Status = model.OutboxPending
		}
		s.events[e.ID] = e
		s.eventOrder = append(s.eventOrder, e.ID)
	}
}

func cloneInstance(inst model.WorkflowInstance) model.WorkflowInstance {
	inst.Variables = maps.Clone(inst.Variables)
	return inst
}

func matchTask(t model.WorkflowTask, f model.TaskFilters) bool {
	if f.InstanceID != "" && t.InstanceID != f.InstanceID {
		return false
	}
	if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo && t.EscalatedTo != f.AssignedTo {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.State != "" && t.State != f.State {
		return false
	}
	if f.OpenOnly && !t.IsOpen() {
		return false
	}
	return true
}

func sortTasks(tasks []model.WorkflowTask) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if !a.DueAt.Equal(b.DueAt) {
			return a.DueAt.Before(b.DueAt)
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
