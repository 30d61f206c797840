package model

import "time"

// Workflow instance status constants.
const (
	InstanceStatusActive    = "active"
	InstanceStatusCompleted = "completed"
	InstanceStatusCancelled = "cancelled"
)

// Workflow task status constants.
const (
	TaskStatusPending   = "pending"
	TaskStatusClaimed   = "claimed"
	TaskStatusCompleted = "completed"
	TaskStatusCancelled = "cancelled"
	TaskStatusEscalated = "escalated"
)

// Approval decision constants.
const (
	DecisionApproved          = "approved"
	DecisionRejected          = "rejected"
	DecisionRevisionRequested = "revision_requested"
)

// DefaultTaskPriority is used when a task is created without a priority.
// Priority 1 is the highest.
const DefaultTaskPriority = 3

// Subject identifies the business record a workflow instance acts on.
type Subject struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

// WorkflowInstance is one running occurrence of a workflow type.
type WorkflowInstance struct {
	ID                string         `json:"id"`
	TypeID            string         `json:"type_id"`
	TenantID          string         `json:"tenant_id"`
	SubjectEntityType string         `json:"subject_entity_type"`
	SubjectEntityID   string         `json:"subject_entity_id"`
	CurrentState      string         `json:"current_state"`
	Status            string         `json:"status"`
	InitiatedBy       string         `json:"initiated_by"`
	Variables         map[string]any `json:"variables,omitempty"`

	// Approval chain position. ApprovalLevel is only meaningful while
	// ApprovalInProgress is true.
	ApprovalLevel      int  `json:"approval_level"`
	ApprovalInProgress bool `json:"approval_in_progress"`

	// External process hand-off, empty when nothing is delegated.
	ExternalProcessKey    string `json:"external_process_key,omitempty"`
	ExternalProcessHandle string `json:"external_process_handle,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
	Version     int        `json:"version"`
}

// IsActive reports whether the instance still accepts transitions.
func (i WorkflowInstance) IsActive() bool {
	return i.Status == InstanceStatusActive
}

// MergeVariables copies vars into the instance variables. Later writes win.
func (i *WorkflowInstance) MergeVariables(vars map[string]any) {
	if len(vars) == 0 {
		return
	}
	if i.Variables == nil {
		i.Variables = make(map[string]any, len(vars))
	}
	for k, v := range vars {
		i.Variables[k] = v
	}
}

// WorkflowTask is a unit of human work tied to an instance's current phase.
type WorkflowTask struct {
	ID                string     `json:"id"`
	InstanceID        string     `json:"instance_id"`
	TenantID          string     `json:"tenant_id"`
	Name              string     `json:"name"`
	State             string     `json:"state"`
	ApprovalLevel     string     `json:"approval_level,omitempty"`
	AssignedTo        string     `json:"assigned_to,omitempty"`
	Status            string     `json:"status"`
	Priority          int        `json:"priority"`
	DueAt             time.Time  `json:"due_at"`
	EscalationLevel   int        `json:"escalation_level"`
	EscalatedTo       string     `json:"escalated_to,omitempty"`
	NeedsIntervention bool       `json:"needs_intervention"`
	CompletedBy       string     `json:"completed_by,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	Version           int        `json:"version"`
}

// IsOpen reports whether the task can still be worked on.
func (t WorkflowTask) IsOpen() bool {
	switch t.Status {
	case TaskStatusPending, TaskStatusClaimed, TaskStatusEscalated:
		return true
	}
	return false
}

// IsOverdue reports whether the task is open and past its due date.
func (t WorkflowTask) IsOverdue(now time.Time) bool {
	return t.IsOpen() && !t.DueAt.IsZero() && t.DueAt.Before(now)
}

// ApprovalRecord is one approval decision. Append-only.
type ApprovalRecord struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	TenantID   string    `json:"tenant_id"`
	LevelName  string    `json:"level_name"`
	ApproverID string    `json:"approver_id"`
	Decision   string    `json:"decision"`
	Comment    string    `json:"comment,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}

// TransitionRecord is one accepted state transition. Append-only.
type TransitionRecord struct {
	ID          string    `json:"id"`
	InstanceID  string    `json:"instance_id"`
	TenantID    string    `json:"tenant_id"`
	Transition  string    `json:"transition"`
	FromState   string    `json:"from_state"`
	ToState     string    `json:"to_state"`
	TriggeredBy string    `json:"triggered_by"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// EscalationRecord is raised by the escalation scheduler for an overdue task.
type EscalationRecord struct {
	ID              string     `json:"id"`
	TaskID          string     `json:"task_id"`
	InstanceID      string     `json:"instance_id"`
	TenantID        string     `json:"tenant_id"`
	Level           int        `json:"level"`
	EscalatedTo     string     `json:"escalated_to,omitempty"`
	Reason          string     `json:"reason"`
	EscalatedAt     time.Time  `json:"escalated_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
}

// InstanceFilters narrows instance listings.
type InstanceFilters struct {
	TypeID          string
	Status          string
	SubjectEntityID string
	Limit           int
	Offset          int
}

// OverdueFilter selects tasks for an escalation scan. Tasks flagged for
// intervention are never selected; acknowledging the escalation clears the
// flag. AfterDueAt and AfterID form a keyset cursor over (due_at, id).
type OverdueFilter struct {
	Cutoff      time.Time
	SkipTenants []string
	AfterDueAt  time.Time
	AfterID     string
	Limit       int
}

// TaskFilters narrows task listings.
type TaskFilters struct {
	InstanceID string
	AssignedTo string
	Status     string
	State      string
	OpenOnly   bool
	Limit      int
	Offset     int
}
