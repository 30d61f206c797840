package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/grcflow/internal/workflow"
)

func (h *handlers) submitForApproval(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.caller(w, r)
	if !ok {
		return
	}
	inst, err := h.approvals.Submit(r.Context(), rctx, chi.URLParam(r, "instanceID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	setETag(w, inst)
	WriteJSON(w, http.StatusOK, inst)
}

func (h *handlers) decide(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.caller(w, r)
	if !ok {
		return
	}
	var d workflow.Decision
	if err := decodeBody(r, &d, true); err != nil {
		h.fail(w, r, err)
		return
	}

	inst, err := h.approvals.Decide(r.Context(), rctx, chi.URLParam(r, "instanceID"), d)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	setETag(w, inst)
	WriteJSON(w, http.StatusOK, inst)
}

func (h *handlers) approvalStatus(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.caller(w, r)
	if !ok {
		return
	}
	status, err := h.approvals.Status(r.Context(), rctx, chi.URLParam(r, "instanceID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}
