package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/grcflow/internal/workflow"
	"github.com/pitabwire/grcflow/model"
)

func (h *handlers) createTask(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.caller(w, r)
	if !ok {
		return
	}
	var params workflow.CreateTaskParams
	if err := decodeBody(r, &params, true); err != nil {
		h.fail(w, r, err)
		return
	}
	params.InstanceID = chi.URLParam(r, "instanceID")

	task, err := h.tasks.Create(r.Context(), rctx, params)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, task)
}

func (h *handlers) instanceTasks(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.caller(w, r)
	if !ok {
		return
	}
	tasks, err := h.tasks.ListByInstance(r.Context(), rctx, chi.URLParam(r, "instanceID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, newList(tasks, 0, 0))
}

// listTasks serves work queues. assigned_to=me names the caller.
func (h *handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filters := model.TaskFilters{
		InstanceID: q.Get("instance_id"),
		AssignedTo: q.Get("assigned_to"),
		Status:     q.Get("status"),
		State:      q.Get("state"),
		OpenOnly:   q.Get("open") == "true",
		Limit:      pageLimit(r),
		Offset:     queryInt(r, "offset", 0),
	}
	if filters.AssignedTo == "me" {
		filters.AssignedTo = rctx.SubjectID
	}

	tasks, err := h.tasks.List(r.Context(), rctx, filters)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, newList(tasks, filters.Limit, filters.Offset))
}

func (h *handlers) getTask(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.caller(w, r)
	if !ok {
		return
	}
	task, err := h.tasks.Get(r.Context(), rctx, chi.URLParam(r, "taskID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, task)
}

func (h *handlers) claimTask(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.caller(w, r)
	if !ok {
		return
	}
	task, err := h.tasks.Claim(r.Context(), rctx, chi.URLParam(r, "taskID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, task)
}

func (h *handlers) completeTask(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body struct {
		Outputs map[string]any `json:"outputs"`
	}
	if err := decodeBody(r, &body, false); err != nil {
		h.fail(w, r, err)
		return
	}

	task, err := h.tasks.Complete(r.Context(), rctx, chi.URLParam(r, "taskID"), body.Outputs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, task)
}

func (h *handlers) reassignTask(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body struct {
		Assignee string `json:"assignee"`
		Reason   string `json:"reason"`
	}
	if err := decodeBody(r, &body, true); err != nil {
		h.fail(w, r, err)
		return
	}

	task, err := h.tasks.Reassign(r.Context(), rctx, chi.URLParam(r, "taskID"), body.Assignee, body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, task)
}

func (h *handlers) acknowledgeEscalation(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body struct {
		Notes    string     `json:"notes"`
		NewDueAt *time.Time `json:"new_due_at"`
	}
	if err := decodeBody(r, &body, false); err != nil {
		h.fail(w, r, err)
		return
	}

	task, err := h.tasks.AcknowledgeEscalation(r.Context(), rctx, chi.URLParam(r, "taskID"), body.Notes, body.NewDueAt)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, task)
}

func (h *handlers) taskEscalations(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.caller(w, r)
	if !ok {
		return
	}
	taskID := chi.URLParam(r, "taskID")
	if _, err := h.tasks.Get(r.Context(), rctx, taskID); err != nil {
		h.fail(w, r, err)
		return
	}
	records, err := h.tasks.Escalations(r.Context(), rctx, taskID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, newList(records, 0, 0))
}
