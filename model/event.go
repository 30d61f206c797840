package model

import "time"

// Domain event types emitted after every state-affecting operation.
const (
	EventInstanceStarted                = "instance_started"
	EventStateChanged                   = "state_changed"
	EventInstanceCompleted              = "instance_completed"
	EventInstanceCancelled              = "instance_cancelled"
	EventTaskCreated                    = "task_created"
	EventTaskClaimed                    = "task_claimed"
	EventTaskCompleted                  = "task_completed"
	EventTaskReassigned                 = "task_reassigned"
	EventTaskEscalated                  = "task_escalated"
	EventApprovalDecided                = "approval_decided"
	EventEscalationInterventionRequired = "escalation_intervention_required"
)

// Outbox status constants.
const (
	OutboxPending    = "pending"
	OutboxDispatched = "dispatched"
	OutboxDropped    = "dropped"
)

// Event is a domain event. Events are written to the outbox in the same unit
// of work as the mutation that produced them, then dispatched.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	TenantID   string         `json:"tenant_id"`
	InstanceID string         `json:"instance_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	Recipients []string       `json:"recipients"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`

	// Outbox bookkeeping.
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// Delivery outcome constants.
const (
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
	DeliveryDropped   = "dropped"
	DeliverySkipped   = "skipped"
)

// DeliveryAttempt records one channel attempt for one recipient of an event.
type DeliveryAttempt struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	TenantID    string    `json:"tenant_id"`
	Recipient   string    `json:"recipient"`
	Channel     string    `json:"channel,omitempty"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	Attempt     int       `json:"attempt"`
	AttemptedAt time.Time `json:"attempted_at"`
}
