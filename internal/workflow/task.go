package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/grcflow/model"
)

// TaskManager owns the task lifecycle: pending -> claimed -> completed, with
// reassignment, escalation, and cancellation along the way.
type TaskManager struct {
	e *Engine
}

// NewTaskManager creates a task manager on top of an engine.
func NewTaskManager(e *Engine) *TaskManager {
	return &TaskManager{e: e}
}

// CreateTaskParams describes an ad-hoc task.
type CreateTaskParams struct {
	InstanceID string    `json:"instance_id"`
	Name       string    `json:"name"`
	AssignedTo string    `json:"assigned_to,omitempty"`
	DueAt      time.Time `json:"due_at,omitempty"`
	Priority   int       `json:"priority,omitempty"`
}

// Escalation outcomes reported by Escalate.
const (
	EscalationRaised       = "raised"
	EscalationIntervention = "intervention"
	EscalationSkipped      = "skipped"
)

// EscalateParams configures one escalation step.
type EscalateParams struct {
	Target   string
	MaxLevel int
	Reason   string
}

// Create adds a task to an active instance. The task is bound to the
// instance's current state and is cancelled when the instance leaves it.
func (m *TaskManager) Create(ctx context.Context, rctx *model.RequestContext, p CreateTaskParams) (model.WorkflowTask, error) {
	if p.Name == "" {
		return model.WorkflowTask{}, model.NewBadRequestError("task name is required")
	}
	if p.Priority < 0 {
		return model.WorkflowTask{}, model.NewBadRequestError("task priority must be positive")
	}

	var task model.WorkflowTask
	err := retryOnConflict(maxMergeAttempts, func() error {
		inst, err := m.e.store.GetInstance(ctx, rctx.TenantID, p.InstanceID)
		if err != nil {
			return err
		}
		if !inst.IsActive() {
			return model.NewInstanceAlreadyTerminalError(inst.ID, inst.Status)
		}
		return m.e.run(ctx, func(u *unit) error {
			task = m.e.newTask(u.now, inst, p.Name, p.AssignedTo, "", p.Priority)
			if !p.DueAt.IsZero() {
				task.DueAt = p.DueAt.UTC()
			}
			// The version bump makes a concurrent transition out of this
			// state lose, so no task outlives its phase.
			inst.UpdatedAt = u.now
			if err := u.tx.UpdateInstance(ctx, &inst); err != nil {
				return err
			}
			return m.e.createTask(ctx, u, inst, task)
		})
	})
	if err != nil {
		return model.WorkflowTask{}, err
	}
	return task, nil
}

// Claim assigns a pending task to the caller. Of two concurrent claims only
// one succeeds; the other fails with TASK_NOT_PENDING.
func (m *TaskManager) Claim(ctx context.Context, rctx *model.RequestContext, taskID string) (model.WorkflowTask, error) {
	task, err := m.e.store.GetTask(ctx, rctx.TenantID, taskID)
	if err != nil {
		return model.WorkflowTask{}, err
	}
	if task.Status != model.TaskStatusPending {
		return model.WorkflowTask{}, model.NewTaskNotPendingError(task.ID, task.Status)
	}

	err = m.e.run(ctx, func(u *unit) error {
		task.Status = model.TaskStatusClaimed
		task.AssignedTo = rctx.SubjectID
		task.UpdatedAt = u.now
		if err := u.tx.UpdateTask(ctx, &task); err != nil {
			return err
		}
		u.emit(model.EventTaskClaimed, m.instanceRef(task), task.ID, []string{task.AssignedTo}, map[string]any{
			"task_name": task.Name,
		})
		u.after(func() { m.e.observer.TaskChanged(model.EventTaskClaimed) })
		return nil
	})
	if model.IsCode(err, model.ErrConcurrencyConflict) {
		current, gerr := m.e.store.GetTask(ctx, rctx.TenantID, taskID)
		if gerr == nil && current.Status != model.TaskStatusPending {
			return model.WorkflowTask{}, model.NewTaskNotPendingError(current.ID, current.Status)
		}
		return model.WorkflowTask{}, err
	}
	if err != nil {
		return model.WorkflowTask{}, err
	}
	return task, nil
}

// Complete finishes an open task and merges outputs into the instance
// variables. Completing a task that is already completed fails with
// TASK_NOT_CLAIMABLE.
func (m *TaskManager) Complete(
	ctx context.Context,
	rctx *model.RequestContext,
	taskID string,
	outputs map[string]any,
) (model.WorkflowTask, error) {
	var task model.WorkflowTask
	err := retryOnConflict(maxMergeAttempts, func() error {
		var err error
		task, err = m.e.store.GetTask(ctx, rctx.TenantID, taskID)
		if err != nil {
			return err
		}
		if !task.IsOpen() {
			return model.NewTaskNotClaimableError(task.ID, task.Status)
		}
		inst, err := m.e.store.GetInstance(ctx, rctx.TenantID, task.InstanceID)
		if err != nil {
			return err
		}
		if !inst.IsActive() {
			return model.NewInstanceAlreadyTerminalError(inst.ID, inst.Status)
		}

		return m.e.run(ctx, func(u *unit) error {
			if len(outputs) > 0 {
				inst.MergeVariables(outputs)
				inst.UpdatedAt = u.now
				if err := u.tx.UpdateInstance(ctx, &inst); err != nil {
					return err
				}
			}

			completed := u.now
			task.Status = model.TaskStatusCompleted
			task.CompletedBy = rctx.SubjectID
			task.CompletedAt = &completed
			task.NeedsIntervention = false
			task.UpdatedAt = u.now
			if err := u.tx.UpdateTask(ctx, &task); err != nil {
				return err
			}
			if _, err := u.tx.ResolveEscalations(ctx, task.ID, u.now, "resolved by task completion"); err != nil {
				return err
			}

			u.emit(model.EventTaskCompleted, inst, task.ID, []string{inst.InitiatedBy, task.AssignedTo}, map[string]any{
				"task_name":    task.Name,
				"completed_by": task.CompletedBy,
			})
			u.after(func() { m.e.observer.TaskChanged(model.EventTaskCompleted) })
			return nil
		})
	})
	if err != nil {
		return model.WorkflowTask{}, err
	}

	m.e.logger.Debug("task completed",
		zap.String("task_id", task.ID),
		zap.String("instance_id", task.InstanceID),
		zap.String("completed_by", task.CompletedBy),
	)
	return task, nil
}

// Reassign hands an open task to another user. A claimed task returns to
// pending; an escalated task stays escalated until acknowledged.
func (m *TaskManager) Reassign(
	ctx context.Context,
	rctx *model.RequestContext,
	taskID string,
	assignee string,
	reason string,
) (model.WorkflowTask, error) {
	if assignee == "" {
		return model.WorkflowTask{}, model.NewBadRequestError("assignee is required")
	}
	task, err := m.e.store.GetTask(ctx, rctx.TenantID, taskID)
	if err != nil {
		return model.WorkflowTask{}, err
	}
	if !task.IsOpen() {
		return model.WorkflowTask{}, model.NewTaskNotReassignableError(task.ID, task.Status)
	}

	previous := task.AssignedTo
	err = m.e.run(ctx, func(u *unit) error {
		task.AssignedTo = assignee
		if task.Status == model.TaskStatusClaimed {
			task.Status = model.TaskStatusPending
		}
		task.UpdatedAt = u.now
		if err := u.tx.UpdateTask(ctx, &task); err != nil {
			return err
		}
		u.emit(model.EventTaskReassigned, m.instanceRef(task), task.ID, []string{assignee, previous}, map[string]any{
			"task_name":     task.Name,
			"previous":      previous,
			"assigned_to":   assignee,
			"reassigned_by": rctx.SubjectID,
			"reason":        reason,
		})
		u.after(func() { m.e.observer.TaskChanged(model.EventTaskReassigned) })
		return nil
	})
	if err != nil {
		return model.WorkflowTask{}, err
	}
	return task, nil
}

// Escalate raises the escalation level of an overdue task by one, up to
// p.MaxLevel. A task already at the maximum is flagged for intervention
// once and otherwise left alone.
func (m *TaskManager) Escalate(
	ctx context.Context,
	tenantID string,
	taskID string,
	p EscalateParams,
) (string, model.WorkflowTask, error) {
	maxLevel := max(p.MaxLevel, 1)
	task, err := m.e.store.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return "", model.WorkflowTask{}, err
	}
	if !task.IsOverdue(m.e.now()) {
		return EscalationSkipped, task, nil
	}
	if task.EscalationLevel >= maxLevel && task.NeedsIntervention {
		return EscalationSkipped, task, nil
	}

	outcome := EscalationRaised
	err = m.e.run(ctx, func(u *unit) error {
		task.UpdatedAt = u.now
		if task.EscalationLevel >= maxLevel {
			outcome = EscalationIntervention
			task.NeedsIntervention = true
			if err := u.tx.UpdateTask(ctx, &task); err != nil {
				return err
			}
			u.emit(model.EventEscalationInterventionRequired, m.instanceRef(task), task.ID,
				[]string{p.Target, task.EscalatedTo, task.AssignedTo}, map[string]any{
					"task_name":        task.Name,
					"escalation_level": task.EscalationLevel,
					"due_at":           task.DueAt,
				})
			return nil
		}

		task.EscalationLevel++
		task.Status = model.TaskStatusEscalated
		task.EscalatedTo = p.Target
		if err := u.tx.UpdateTask(ctx, &task); err != nil {
			return err
		}
		reason := p.Reason
		if reason == "" {
			reason = fmt.Sprintf("task overdue since %s", task.DueAt.Format(time.RFC3339))
		}
		if err := u.tx.AppendEscalation(ctx, model.EscalationRecord{
			ID:          newID(),
			TaskID:      task.ID,
			InstanceID:  task.InstanceID,
			TenantID:    task.TenantID,
			Level:       task.EscalationLevel,
			EscalatedTo: p.Target,
			Reason:      reason,
			EscalatedAt: u.now,
		}); err != nil {
			return err
		}
		u.emit(model.EventTaskEscalated, m.instanceRef(task), task.ID, []string{task.AssignedTo, p.Target}, map[string]any{
			"task_name":        task.Name,
			"escalation_level": task.EscalationLevel,
			"escalated_to":     p.Target,
			"due_at":           task.DueAt,
			"reason":           reason,
		})
		u.after(func() { m.e.observer.TaskChanged(model.EventTaskEscalated) })
		return nil
	})
	if err != nil {
		return "", model.WorkflowTask{}, err
	}
	return outcome, task, nil
}

// AcknowledgeEscalation resolves a task's open escalations and returns it to
// the work queue, optionally with a new due date. The escalation level is
// kept.
func (m *TaskManager) AcknowledgeEscalation(
	ctx context.Context,
	rctx *model.RequestContext,
	taskID string,
	notes string,
	newDueAt *time.Time,
) (model.WorkflowTask, error) {
	task, err := m.e.store.GetTask(ctx, rctx.TenantID, taskID)
	if err != nil {
		return model.WorkflowTask{}, err
	}
	if task.Status != model.TaskStatusEscalated {
		return model.WorkflowTask{}, model.NewConflictError(
			fmt.Sprintf("task %q is %s, not escalated", task.ID, task.Status),
		)
	}
	if newDueAt != nil && !newDueAt.After(m.e.now()) {
		return model.WorkflowTask{}, model.NewBadRequestError("new due date must be in the future")
	}

	err = m.e.run(ctx, func(u *unit) error {
		if task.AssignedTo != "" {
			task.Status = model.TaskStatusClaimed
		} else {
			task.Status = model.TaskStatusPending
		}
		task.NeedsIntervention = false
		if newDueAt != nil {
			task.DueAt = newDueAt.UTC()
		}
		task.UpdatedAt = u.now
		if err := u.tx.UpdateTask(ctx, &task); err != nil {
			return err
		}
		if notes == "" {
			notes = "acknowledged by " + rctx.SubjectID
		}
		_, err := u.tx.ResolveEscalations(ctx, task.ID, u.now, notes)
		return err
	})
	if err != nil {
		return model.WorkflowTask{}, err
	}
	return task, nil
}

// Get returns a task.
func (m *TaskManager) Get(ctx context.Context, rctx *model.RequestContext, taskID string) (model.WorkflowTask, error) {
	return m.e.store.GetTask(ctx, rctx.TenantID, taskID)
}

// List returns the tenant's tasks matching filters. Filtering by assignee
// also matches tasks escalated to that user.
func (m *TaskManager) List(ctx context.Context, rctx *model.RequestContext, filters model.TaskFilters) ([]model.WorkflowTask, error) {
	return m.e.store.ListTasks(ctx, rctx.TenantID, filters)
}

// ListByInstance returns every task of an instance.
func (m *TaskManager) ListByInstance(ctx context.Context, rctx *model.RequestContext, instanceID string) ([]model.WorkflowTask, error) {
	if _, err := m.e.store.GetInstance(ctx, rctx.TenantID, instanceID); err != nil {
		return nil, err
	}
	return m.e.store.ListTasks(ctx, rctx.TenantID, model.TaskFilters{InstanceID: instanceID})
}

// Escalations returns a task's escalation records.
func (m *TaskManager) Escalations(ctx context.Context, rctx *model.RequestContext, taskID string) ([]model.EscalationRecord, error) {
	return m.e.store.ListEscalations(ctx, rctx.TenantID, taskID)
}

// instanceRef is the minimal instance view used to address task events.
func (m *TaskManager) instanceRef(t model.WorkflowTask) model.WorkflowInstance {
	return model.WorkflowInstance{
		ID:           t.InstanceID,
		TenantID:     t.TenantID,
		CurrentState: t.State,
		Status:       model.InstanceStatusActive,
	}
}
