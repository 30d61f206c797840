package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/grcflow/model"
)

// ExternalErrorVariable receives the failure reported by an external process
// that ended unsuccessfully.
const ExternalErrorVariable = "external_process_error"

// Delegate starts processKey on the external engine with the instance
// variables and records the returned handle on the instance. Bridge failures
// surface as ENGINE_UNAVAILABLE and leave the instance untouched.
func (e *Engine) Delegate(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	processKey string,
) (model.WorkflowInstance, error) {
	if e.bridge == nil {
		return model.WorkflowInstance{}, model.NewEngineUnavailableError("no external process engine is configured")
	}
	if processKey == "" {
		return model.WorkflowInstance{}, model.NewBadRequestError("process key is required")
	}
	inst, err := e.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if !inst.IsActive() {
		return model.WorkflowInstance{}, model.NewInstanceAlreadyTerminalError(inst.ID, inst.Status)
	}
	if inst.ExternalProcessHandle != "" {
		return model.WorkflowInstance{}, model.NewConflictError("workflow instance already has a running external process")
	}

	handle, err := e.bridge.Start(ctx, processKey, inst.Variables)
	if err != nil {
		return model.WorkflowInstance{}, e.bridgeFailure("start", inst.ID, err)
	}
	e.observer.BridgeCall("start", "ok")

	// The instance may have changed while the process was starting.
	err = e.mutateInstance(ctx, rctx, instanceID, func(u *unit, inst *model.WorkflowInstance) error {
		if !inst.IsActive() {
			return model.NewInstanceAlreadyTerminalError(inst.ID, inst.Status)
		}
		if inst.ExternalProcessHandle != "" {
			return model.NewConflictError("workflow instance already has a running external process")
		}
		inst.ExternalProcessKey = processKey
		inst.ExternalProcessHandle = handle
		return nil
	})
	if err != nil {
		e.logger.Warn("external process started but not recorded",
			zap.String("instance_id", instanceID),
			zap.String("process_key", processKey),
			zap.String("orphaned_handle", handle),
			zap.Error(err),
		)
		return model.WorkflowInstance{}, err
	}

	e.logger.Info("workflow delegated to external process",
		zap.String("instance_id", instanceID),
		zap.String("process_key", processKey),
		zap.String("handle", handle),
	)
	return e.store.GetInstance(ctx, rctx.TenantID, instanceID)
}

// SyncExternal polls the delegated process. Once it has ended, its output is
// merged into the instance variables and the hand-off is cleared.
func (e *Engine) SyncExternal(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
) (ExternalStatus, error) {
	if e.bridge == nil {
		return ExternalStatus{}, model.NewEngineUnavailableError("no external process engine is configured")
	}
	inst, err := e.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return ExternalStatus{}, err
	}
	if !inst.IsActive() {
		return ExternalStatus{}, model.NewInstanceAlreadyTerminalError(inst.ID, inst.Status)
	}
	if inst.ExternalProcessHandle == "" {
		return ExternalStatus{}, model.NewBadRequestError("workflow instance has no external process")
	}
	handle := inst.ExternalProcessHandle

	status, err := e.bridge.Status(ctx, handle)
	if err != nil {
		return ExternalStatus{}, e.bridgeFailure("status", inst.ID, err)
	}
	e.observer.BridgeCall("status", "ok")
	if status.State != ExternalEnded {
		return status, nil
	}

	err = e.mutateInstance(ctx, rctx, instanceID, func(u *unit, inst *model.WorkflowInstance) error {
		if !inst.IsActive() {
			return model.NewInstanceAlreadyTerminalError(inst.ID, inst.Status)
		}
		if inst.ExternalProcessHandle != handle {
			return model.NewConflictError("external process hand-off changed during sync")
		}
		inst.MergeVariables(status.Output)
		if status.Error != "" {
			inst.MergeVariables(map[string]any{ExternalErrorVariable: status.Error})
		}
		inst.ExternalProcessKey = ""
		inst.ExternalProcessHandle = ""
		return nil
	})
	if err != nil {
		return ExternalStatus{}, err
	}
	return status, nil
}

// CompleteExternalTask completes a task owned by the external engine.
func (e *Engine) CompleteExternalTask(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	taskHandle string,
	variables map[string]any,
) error {
	if e.bridge == nil {
		return model.NewEngineUnavailableError("no external process engine is configured")
	}
	if taskHandle == "" {
		return model.NewBadRequestError("task handle is required")
	}
	inst, err := e.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return err
	}
	if !inst.IsActive() {
		return model.NewInstanceAlreadyTerminalError(inst.ID, inst.Status)
	}
	if err := e.bridge.CompleteTask(ctx, taskHandle, variables); err != nil {
		return e.bridgeFailure("complete_task", inst.ID, err)
	}
	e.observer.BridgeCall("complete_task", "ok")
	return nil
}

// mutateInstance applies fn to a fresh copy of the instance and persists it,
// retrying when another writer got there first.
func (e *Engine) mutateInstance(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	fn func(u *unit, inst *model.WorkflowInstance) error,
) error {
	return retryOnConflict(maxMergeAttempts, func() error {
		inst, err := e.store.GetInstance(ctx, rctx.TenantID, instanceID)
		if err != nil {
			return err
		}
		return e.run(ctx, func(u *unit) error {
			if err := fn(u, &inst); err != nil {
				return err
			}
			inst.UpdatedAt = u.now
			return u.tx.UpdateInstance(ctx, &inst)
		})
	})
}

func (e *Engine) bridgeFailure(op, instanceID string, err error) error {
	e.observer.BridgeCall(op, "error")
	e.logger.Warn("external process engine call failed",
		zap.String("op", op),
		zap.String("instance_id", instanceID),
		zap.Error(err),
	)
	if model.IsCode(err, model.ErrEngineUnavailable) {
		return err
	}
	return model.NewEngineUnavailableError(err.Error())
}
