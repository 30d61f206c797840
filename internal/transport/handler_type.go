package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type typeSummary struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	InitialState   string   `json:"initial_state"`
	TerminalStates []string `json:"terminal_states"`
	HasApproval    bool     `json:"has_approval"`
}

func (h *handlers) listTypes(w http.ResponseWriter, _ *http.Request) {
	machines := h.engine.Registry().All()
	out := make([]typeSummary, 0, len(machines))
	for _, m := range machines {
		def := m.Definition()
		out = append(out, typeSummary{
			ID:             def.ID,
			Name:           def.Name,
			Description:    def.Description,
			InitialState:   def.InitialState,
			TerminalStates: def.TerminalStates,
			HasApproval:    def.Approval != nil,
		})
	}
	WriteJSON(w, http.StatusOK, newList(out, 0, 0))
}

func (h *handlers) getType(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.Registry().Lookup(chi.URLParam(r, "typeID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, m.Definition())
}
