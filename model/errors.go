package model

import (
	"errors"
	"fmt"
)

// Generic error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Definition and lookup error codes.
const (
	ErrUnknownWorkflowType = "UNKNOWN_WORKFLOW_TYPE"
	ErrInvalidDefinition   = "INVALID_DEFINITION"
	ErrInstanceNotFound    = "INSTANCE_NOT_FOUND"
	ErrTaskNotFound        = "TASK_NOT_FOUND"
)

// State error codes. These signal a caller mistake and are never retried.
const (
	ErrInstanceAlreadyTerminal = "INSTANCE_ALREADY_TERMINAL"
	ErrIllegalTransition       = "ILLEGAL_TRANSITION"
	ErrTaskNotPending          = "TASK_NOT_PENDING"
	ErrTaskNotClaimable        = "TASK_NOT_CLAIMABLE"
	ErrTaskNotReassignable     = "TASK_NOT_REASSIGNABLE"
	ErrApprovalLevelMismatch   = "APPROVAL_LEVEL_MISMATCH"
	ErrApprovalNotConfigured   = "APPROVAL_NOT_CONFIGURED"
	ErrApprovalInProgress      = "APPROVAL_IN_PROGRESS"
)

// Concurrency and external dependency error codes.
const (
	ErrConcurrencyConflict = "CONCURRENCY_CONFLICT"
	ErrEngineUnavailable   = "ENGINE_UNAVAILABLE"
	ErrDeliveryFailed      = "DELIVERY_FAILED"
)

// ErrorEnvelope is the standard error value returned by the workflow core and
// rendered by the HTTP transport. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code carried by err, or "" if err does not wrap
// an ErrorEnvelope.
func CodeOf(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ""
}

// IsCode reports whether err wraps an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether the caller should re-read state and retry.
func IsRetryable(err error) bool {
	return IsCode(err, ErrConcurrencyConflict)
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewUnknownWorkflowTypeError returns an UNKNOWN_WORKFLOW_TYPE error.
func NewUnknownWorkflowTypeError(typeID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownWorkflowType,
		Message: fmt.Sprintf("workflow type %q is not registered", typeID),
	}
}

// NewInvalidDefinitionError returns an INVALID_DEFINITION error. Each detail
// names the offending path of the definition.
func NewInvalidDefinitionError(typeID string, details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidDefinition,
		Message: fmt.Sprintf("workflow type %q is invalid", typeID),
		Details: details,
	}
}

// NewInstanceNotFoundError returns an INSTANCE_NOT_FOUND error.
func NewInstanceNotFoundError(instanceID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInstanceNotFound,
		Message: fmt.Sprintf("workflow instance %q not found", instanceID),
	}
}

// NewTaskNotFoundError returns a TASK_NOT_FOUND error.
func NewTaskNotFoundError(taskID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTaskNotFound,
		Message: fmt.Sprintf("task %q not found", taskID),
	}
}

// NewInstanceAlreadyTerminalError returns an INSTANCE_ALREADY_TERMINAL error.
func NewInstanceAlreadyTerminalError(instanceID, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInstanceAlreadyTerminal,
		Message: fmt.Sprintf("workflow instance %q is %s", instanceID, status),
	}
}

// NewIllegalTransitionError returns an ILLEGAL_TRANSITION error.
func NewIllegalTransitionError(typeID, state, transition string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrIllegalTransition,
		Message: fmt.Sprintf("transition %q is not allowed from state %q of %q", transition, state, typeID),
	}
}

// NewTaskNotPendingError returns a TASK_NOT_PENDING error.
func NewTaskNotPendingError(taskID, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTaskNotPending,
		Message: fmt.Sprintf("task %q is %s, not pending", taskID, status),
	}
}

// NewTaskNotClaimableError returns a TASK_NOT_CLAIMABLE error.
func NewTaskNotClaimableError(taskID, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTaskNotClaimable,
		Message: fmt.Sprintf("task %q is already %s", taskID, status),
	}
}

// NewTaskNotReassignableError returns a TASK_NOT_REASSIGNABLE error.
func NewTaskNotReassignableError(taskID, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTaskNotReassignable,
		Message: fmt.Sprintf("task %q cannot be reassigned while %s", taskID, status),
	}
}

// NewApprovalLevelMismatchError returns an APPROVAL_LEVEL_MISMATCH error.
func NewApprovalLevelMismatchError(instanceID, got, want string) *ErrorEnvelope {
	msg := fmt.Sprintf("approval level %q does not match pending level %q of instance %q", got, want, instanceID)
	if want == "" {
		msg = fmt.Sprintf("instance %q has no pending approval level", instanceID)
	}
	return &ErrorEnvelope{Code: ErrApprovalLevelMismatch, Message: msg}
}

// NewApprovalNotConfiguredError returns an APPROVAL_NOT_CONFIGURED error.
func NewApprovalNotConfiguredError(typeID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrApprovalNotConfigured,
		Message: fmt.Sprintf("workflow type %q has no approval chain", typeID),
	}
}

// NewApprovalInProgressError returns an APPROVAL_IN_PROGRESS error.
func NewApprovalInProgressError(instanceID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrApprovalInProgress,
		Message: fmt.Sprintf("approval chain of instance %q is already running", instanceID),
	}
}

// NewConcurrencyConflictError returns a CONCURRENCY_CONFLICT error.
func NewConcurrencyConflictError(entity, id string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrConcurrencyConflict,
		Message: fmt.Sprintf("%s %q was modified concurrently; re-read and retry", entity, id),
	}
}

// NewEngineUnavailableError returns an ENGINE_UNAVAILABLE error.
func NewEngineUnavailableError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrEngineUnavailable, Message: msg}
}

// NewDeliveryFailedError returns a DELIVERY_FAILED error.
func NewDeliveryFailedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrDeliveryFailed, Message: msg}
}
