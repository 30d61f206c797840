package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/grcflow/model"
)

func (h *handlers) startInstance(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body struct {
		TypeID    string         `json:"type_id"`
		Subject   model.Subject  `json:"subject"`
		Variables map[string]any `json:"variables"`
	}
	if err := decodeBody(r, &body, true); err != nil {
		h.fail(w, r, err)
		return
	}
	if body.TypeID == "" {
		h.fail(w, r, model.NewBadRequestError("type_id is required"))
		return
	}

	inst, err := h.engine.Start(r.Context(), rctx, body.TypeID, body.Subject, body.Variables)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	setETag(w, inst)
	WriteJSON(w, http.StatusCreated, inst)
}

func (h *handlers) listInstances(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filters := model.InstanceFilters{
		TypeID:          q.Get("type_id"),
		Status:          q.Get("status"),
		SubjectEntityID: q.Get("subject_entity_id"),
		Limit:           pageLimit(r),
		Offset:          queryInt(r, "offset", 0),
	}

	instances, err := h.engine.List(r.Context(), rctx, filters)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, newList(instances, filters.Limit, filters.Offset))
}

func (h *handlers) getInstance(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.caller(w, r)
	if !ok {
		return
	}
	inst, err := h.engine.Get(r.Context(), rctx, chi.URLParam(r, "instanceID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	setETag(w, inst)
	WriteJSON(w, http.StatusOK, inst)
}

// transition applies a named transition. With If-Match the request only
// succeeds against the version the caller last read.
func (h *handlers) transition(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body struct {
		Transition string `json:"transition"`
		Reason     string `json:"reason"`
	}
	if err := decodeBody(r, &body, true); err != nil {
		h.fail(w, r, err)
		return
	}
	if body.Transition == "" {
		h.fail(w, r, model.NewBadRequestError("transition is required"))
		return
	}
	version, guarded, err := parseIfMatch(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	instanceID := chi.URLParam(r, "instanceID")
	var inst model.WorkflowInstance
	if guarded {
		inst, err = h.engine.TransitionAt(r.Context(), rctx, instanceID, version, body.Transition, body.Reason)
	} else {
		inst, err = h.engine.Transition(r.Context(), rctx, instanceID, body.Transition, body.Reason)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	setETag(w, inst)
	WriteJSON(w, http.StatusOK, inst)
}

func (h *handlers) availableTransitions(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.caller(w, r)
	if !ok {
		return
	}
	names, err := h.engine.AvailableTransitions(r.Context(), rctx, chi.URLParam(r, "instanceID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string][]string{"transitions": names})
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.caller(w, r)
	if !ok {
		return
	}
	records, err := h.engine.History(r.Context(), rctx, chi.URLParam(r, "instanceID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, newList(records, 0, 0))
}

func (h *handlers) cancelInstance(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body, false); err != nil {
		h.fail(w, r, err)
		return
	}

	inst, err := h.engine.Cancel(r.Context(), rctx, chi.URLParam(r, "instanceID"), body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	setETag(w, inst)
	WriteJSON(w, http.StatusOK, inst)
}

func (h *handlers) archiveInstance(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.caller(w, r)
	if !ok {
		return
	}
	inst, err := h.engine.Archive(r.Context(), rctx, chi.URLParam(r, "instanceID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	setETag(w, inst)
	WriteJSON(w, http.StatusOK, inst)
}
