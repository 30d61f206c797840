package workflow

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/grcflow/internal/definition"
	"github.com/pitabwire/grcflow/model"
)

// ApprovalCoordinator runs the ordered approval chain of workflow types that
// declare one. While a chain is running the instance sits in the chain's
// pending state and one task per level is opened in turn.
type ApprovalCoordinator struct {
	e *Engine
}

// NewApprovalCoordinator creates an approval coordinator on top of an engine.
func NewApprovalCoordinator(e *Engine) *ApprovalCoordinator {
	return &ApprovalCoordinator{e: e}
}

// Decision is one approver's verdict on the pending level.
type Decision struct {
	Level    string `json:"level"`
	Decision string `json:"decision"`
	Comment  string `json:"comment,omitempty"`
}

// ApprovalStatus summarizes an instance's approval chain.
type ApprovalStatus struct {
	InProgress   bool                   `json:"in_progress"`
	PendingLevel string                 `json:"pending_level,omitempty"`
	Levels       []string               `json:"levels"`
	Records      []model.ApprovalRecord `json:"records"`
}

// Submit starts the approval chain at its first level. An instance outside
// the pending state is moved there by the first submit transition legal from
// its current state.
func (c *ApprovalCoordinator) Submit(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.WorkflowInstance, error) {
	inst, m, chain, err := c.load(ctx, rctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.ApprovalInProgress {
		return model.WorkflowInstance{}, model.NewApprovalInProgressError(inst.ID)
	}

	err = c.e.run(ctx, func(u *unit) error {
		if inst.CurrentState == chain.PendingState {
			inst.ApprovalInProgress = true
			inst.ApprovalLevel = 0
			inst.UpdatedAt = u.now
			if err := u.tx.UpdateInstance(ctx, &inst); err != nil {
				return err
			}
			return c.e.openApprovalLevel(ctx, u, m, inst)
		}
		for _, name := range chain.SubmitTransitions {
			if _, ok := m.Resolve(inst.CurrentState, name); ok {
				return c.e.applyTransition(ctx, u, m, &inst, name, rctx.SubjectID, "submitted for approval")
			}
		}
		return model.NewIllegalTransitionError(inst.TypeID, inst.CurrentState, strings.Join(chain.SubmitTransitions, "|"))
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	c.e.logger.Info("approval chain started",
		zap.String("instance_id", inst.ID),
		zap.String("type_id", inst.TypeID),
		zap.Int("levels", len(chain.Levels)),
	)
	return inst, nil
}

// Decide records a decision for the pending level. Approval advances to the
// next level or, after the last one, applies the approved transition.
// Rejection and revision requests end the chain immediately.
func (c *ApprovalCoordinator) Decide(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	d Decision,
) (model.WorkflowInstance, error) {
	switch d.Decision {
	case model.DecisionApproved, model.DecisionRejected, model.DecisionRevisionRequested:
	default:
		return model.WorkflowInstance{}, model.NewBadRequestError(
			"decision must be one of approved, rejected or revision_requested",
		)
	}

	inst, m, chain, err := c.load(ctx, rctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if !inst.ApprovalInProgress || inst.CurrentState != chain.PendingState {
		return model.WorkflowInstance{}, model.NewApprovalLevelMismatchError(inst.ID, d.Level, "")
	}
	current, ok := m.Level(inst.ApprovalLevel)
	if !ok || current.Name != d.Level {
		return model.WorkflowInstance{}, model.NewApprovalLevelMismatchError(inst.ID, d.Level, current.Name)
	}

	err = c.e.run(ctx, func(u *unit) error {
		if err := u.tx.AppendApproval(ctx, model.ApprovalRecord{
			ID:         newID(),
			InstanceID: inst.ID,
			TenantID:   inst.TenantID,
			LevelName:  current.Name,
			ApproverID: rctx.SubjectID,
			Decision:   d.Decision,
			Comment:    d.Comment,
			DecidedAt:  u.now,
		}); err != nil {
			return err
		}
		if err := c.closeLevelTasks(ctx, u, inst, current.Name, rctx.SubjectID); err != nil {
			return err
		}
		u.emit(model.EventApprovalDecided, inst, "", []string{inst.InitiatedBy}, map[string]any{
			"level":      current.Name,
			"decision":   d.Decision,
			"comment":    d.Comment,
			"decided_by": rctx.SubjectID,
		})
		typeID, decision := inst.TypeID, d.Decision
		u.after(func() { c.e.observer.ApprovalDecided(typeID, decision) })

		switch d.Decision {
		case model.DecisionRejected:
			return c.e.applyTransition(ctx, u, m, &inst, chain.RejectedTransition, rctx.SubjectID, d.Comment)
		case model.DecisionRevisionRequested:
			return c.e.applyTransition(ctx, u, m, &inst, chain.RevisionTransition, rctx.SubjectID, d.Comment)
		}
		if _, ok := m.Level(inst.ApprovalLevel + 1); !ok {
			return c.e.applyTransition(ctx, u, m, &inst, chain.ApprovedTransition, rctx.SubjectID, d.Comment)
		}
		inst.ApprovalLevel++
		inst.UpdatedAt = u.now
		if err := u.tx.UpdateInstance(ctx, &inst); err != nil {
			return err
		}
		return c.e.openApprovalLevel(ctx, u, m, inst)
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	c.e.logger.Info("approval decided",
		zap.String("instance_id", inst.ID),
		zap.String("level", current.Name),
		zap.String("decision", d.Decision),
		zap.String("state", inst.CurrentState),
	)
	return inst, nil
}

// Status returns the chain position and the recorded decisions.
func (c *ApprovalCoordinator) Status(ctx context.Context, rctx *model.RequestContext, instanceID string) (ApprovalStatus, error) {
	inst, err := c.e.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return ApprovalStatus{}, err
	}
	m, err := c.e.registry.Lookup(inst.TypeID)
	if err != nil {
		return ApprovalStatus{}, err
	}
	chain := m.Approval()
	if chain == nil {
		return ApprovalStatus{}, model.NewApprovalNotConfiguredError(inst.TypeID)
	}
	records, err := c.e.store.ListApprovals(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return ApprovalStatus{}, err
	}
	status := ApprovalStatus{
		InProgress: inst.ApprovalInProgress,
		Levels:     chain.LevelNames(),
		Records:    records,
	}
	if status.Records == nil {
		status.Records = []model.ApprovalRecord{}
	}
	if level, ok := m.Level(inst.ApprovalLevel); ok && inst.ApprovalInProgress {
		status.PendingLevel = level.Name
	}
	return status, nil
}

func (c *ApprovalCoordinator) load(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
) (model.WorkflowInstance, *definition.Machine, *model.ApprovalChainDefinition, error) {
	inst, err := c.e.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return inst, nil, nil, err
	}
	m, err := c.e.registry.Lookup(inst.TypeID)
	if err != nil {
		return inst, nil, nil, err
	}
	chain := m.Approval()
	if chain == nil {
		return inst, nil, nil, model.NewApprovalNotConfiguredError(inst.TypeID)
	}
	if !inst.IsActive() {
		return inst, nil, nil, model.NewInstanceAlreadyTerminalError(inst.ID, inst.Status)
	}
	return inst, m, chain, nil
}

// closeLevelTasks completes the open task of the decided level on behalf of
// the approver.
func (c *ApprovalCoordinator) closeLevelTasks(ctx context.Context, u *unit, inst model.WorkflowInstance, level, approver string) error {
	open, err := u.tx.ListOpenTasks(ctx, inst.TenantID, inst.ID)
	if err != nil {
		return err
	}
	for _, t := range open {
		if t.ApprovalLevel != level {
			continue
		}
		completed := u.now
		t.Status = model.TaskStatusCompleted
		t.CompletedBy = approver
		t.CompletedAt = &completed
		t.NeedsIntervention = false
		t.UpdatedAt = u.now
		if err := u.tx.UpdateTask(ctx, &t); err != nil {
			return err
		}
		if _, err := u.tx.ResolveEscalations(ctx, t.ID, u.now, "resolved by approval decision"); err != nil {
			return err
		}
	}
	return nil
}
