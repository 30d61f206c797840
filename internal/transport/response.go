// Package transport contains the HTTP router, middleware chain, and request
// handlers of the workflow API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/grcflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:              http.StatusBadRequest,
	model.ErrUnauthorized:            http.StatusUnauthorized,
	model.ErrForbidden:               http.StatusForbidden,
	model.ErrNotFound:                http.StatusNotFound,
	model.ErrConflict:                http.StatusConflict,
	model.ErrValidationError:         http.StatusUnprocessableEntity,
	model.ErrInternalError:           http.StatusInternalServerError,
	model.ErrUnknownWorkflowType:     http.StatusNotFound,
	model.ErrInvalidDefinition:       http.StatusUnprocessableEntity,
	model.ErrInstanceNotFound:        http.StatusNotFound,
	model.ErrTaskNotFound:            http.StatusNotFound,
	model.ErrInstanceAlreadyTerminal: http.StatusConflict,
	model.ErrIllegalTransition:       http.StatusUnprocessableEntity,
	model.ErrTaskNotPending:          http.StatusConflict,
	model.ErrTaskNotClaimable:        http.StatusConflict,
	model.ErrTaskNotReassignable:     http.StatusConflict,
	model.ErrApprovalLevelMismatch:   http.StatusConflict,
	model.ErrApprovalNotConfigured:   http.StatusUnprocessableEntity,
	model.ErrApprovalInProgress:      http.StatusConflict,
	model.ErrConcurrencyConflict:     http.StatusConflict,
	model.ErrEngineUnavailable:       http.StatusServiceUnavailable,
	model.ErrDeliveryFailed:          http.StatusBadGateway,
}

// StatusFor returns the HTTP status an error is rendered with.
func StatusFor(err error) int {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		return http.StatusInternalServerError
	}
	if status := statusForCode[ee.Code]; status != 0 {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the matching
// HTTP status code. Errors that do not wrap an *ErrorEnvelope are rendered
// as a generic 500 so infrastructure detail never reaches the caller.
func WriteError(w http.ResponseWriter, err error) {
	writeErrorTrace(w, err, "")
}

func writeErrorTrace(w http.ResponseWriter, err error, traceID string) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	out := *ee
	if out.TraceID == "" {
		out.TraceID = traceID
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, StatusFor(ee), errorResponse{Error: &out})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}
