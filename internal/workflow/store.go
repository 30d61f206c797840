package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/grcflow/model"
)

// Store is the persistence collaborator of the workflow core. Reads outside a
// unit of work go through the Reader methods; every mutation runs inside InTx
// so that the entity update, its audit rows, the tasks it spawns, and the
// outbox events it produces commit together or not at all.
type Store interface {
	Reader
	Outbox

	// InTx runs fn in a single unit of work. The work commits when fn
	// returns nil and is discarded otherwise. fn must only use tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}

// Reader exposes tenant-scoped queries.
type Reader interface {
	// GetInstance returns INSTANCE_NOT_FOUND if the instance doesn't exist or
	// belongs to a different tenant.
	GetInstance(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error)
	ListInstances(ctx context.Context, tenantID string, filters model.InstanceFilters) ([]model.WorkflowInstance, error)

	// GetTask returns TASK_NOT_FOUND if the task doesn't exist or belongs to
	// a different tenant.
	GetTask(ctx context.Context, tenantID, taskID string) (model.WorkflowTask, error)
	ListTasks(ctx context.Context, tenantID string, filters model.TaskFilters) ([]model.WorkflowTask, error)

	// FindOverdueTasks returns open tasks of every tenant whose due date is
	// before the filter cutoff, ordered by due date then ID.
	FindOverdueTasks(ctx context.Context, filter model.OverdueFilter) ([]model.WorkflowTask, error)

	ListTransitions(ctx context.Context, tenantID, instanceID string) ([]model.TransitionRecord, error)
	ListApprovals(ctx context.Context, tenantID, instanceID string) ([]model.ApprovalRecord, error)
	ListEscalations(ctx context.Context, tenantID, taskID string) ([]model.EscalationRecord, error)
}

// Tx is a unit of work. Callers read entities through Reader before the unit
// starts; update methods then use optimistic concurrency: the stored version
// must equal the version carried by the argument, otherwise they fail with
// CONCURRENCY_CONFLICT. On success the argument's Version is advanced.
type Tx interface {
	CreateInstance(ctx context.Context, inst model.WorkflowInstance) error
	UpdateInstance(ctx context.Context, inst *model.WorkflowInstance) error

	ListOpenTasks(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowTask, error)
	CreateTask(ctx context.Context, task model.WorkflowTask) error
	UpdateTask(ctx context.Context, task *model.WorkflowTask) error

	AppendTransition(ctx context.Context, rec model.TransitionRecord) error
	AppendApproval(ctx context.Context, rec model.ApprovalRecord) error
	AppendEscalation(ctx context.Context, rec model.EscalationRecord) error

	// ResolveEscalations stamps every unresolved escalation record of the
	// task and returns how many were resolved.
	ResolveEscalations(ctx context.Context, taskID string, at time.Time, notes string) (int, error)

	// AppendEvents writes events to the outbox.
	AppendEvents(ctx context.Context, events ...model.Event) error
}

// Outbox gives the notification relay access to undelivered events.
type Outbox interface {
	// PendingEvents returns up to limit undispatched events, oldest first.
	PendingEvents(ctx context.Context, limit int) ([]model.Event, error)
	MarkDispatched(ctx context.Context, eventID string) error
	// MarkFailed records a failed dispatch attempt and returns the new
	// attempt count.
	MarkFailed(ctx context.Context, eventID, reason string) (int, error)
	MarkDropped(ctx context.Context, eventID, reason string) error
}
