package escalation

import (
	"github.com/pitabwire/grcflow/internal/config"
	"github.com/pitabwire/grcflow/model"
)

// TargetResolver picks who an overdue task is escalated to.
type TargetResolver interface {
	Resolve(tenantID string, task model.WorkflowTask) string
}

// DirectoryResolver walks the configured superior map: the first escalation
// goes to the assignee's superior, each later one to the superior of the
// previous target. Without a superior the tenant default target is used.
type DirectoryResolver struct {
	cfg config.EscalationConfig
}

// NewDirectoryResolver creates a resolver over the escalation configuration.
func NewDirectoryResolver(cfg config.EscalationConfig) *DirectoryResolver {
	return &DirectoryResolver{cfg: cfg}
}

// Resolve returns the escalation target for the task's next level.
func (r *DirectoryResolver) Resolve(tenantID string, task model.WorkflowTask) string {
	tc := r.cfg.ForTenant(tenantID)
	from := task.AssignedTo
	if task.EscalationLevel > 0 && task.EscalatedTo != "" {
		from = task.EscalatedTo
	}
	if superior := tc.Superiors[from]; superior != "" {
		return superior
	}
	if task.EscalatedTo != "" && tc.DefaultTarget == "" {
		return task.EscalatedTo
	}
	return tc.DefaultTarget
}
