package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (h *handlers) delegate(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body struct {
		ProcessKey string `json:"process_key"`
	}
	if err := decodeBody(r, &body, true); err != nil {
		h.fail(w, r, err)
		return
	}

	inst, err := h.engine.Delegate(r.Context(), rctx, chi.URLParam(r, "instanceID"), body.ProcessKey)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	setETag(w, inst)
	WriteJSON(w, http.StatusOK, inst)
}

func (h *handlers) syncExternal(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.caller(w, r)
	if !ok {
		return
	}
	status, err := h.engine.SyncExternal(r.Context(), rctx, chi.URLParam(r, "instanceID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// completeExternalTask forwards a task completion to the external engine.
// Task handles are opaque and may contain '/', so they travel in the body.
func (h *handlers) completeExternalTask(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body struct {
		TaskHandle string         `json:"task_handle"`
		Variables  map[string]any `json:"variables"`
	}
	if err := decodeBody(r, &body, true); err != nil {
		h.fail(w, r, err)
		return
	}

	err := h.engine.CompleteExternalTask(r.Context(), rctx, chi.URLParam(r, "instanceID"), body.TaskHandle, body.Variables)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}
