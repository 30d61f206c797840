package definition

import (
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/grcflow/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	TypeID  string `json:"type_id,omitempty"`
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validation error codes.
const (
	CodeRequired             = "REQUIRED"
	CodeDuplicateID          = "DUPLICATE_ID"
	CodeDuplicateState       = "DUPLICATE_STATE"
	CodeUndefinedState       = "UNDEFINED_STATE"
	CodeAmbiguousTransition  = "AMBIGUOUS_TRANSITION"
	CodeTerminalHasExit      = "TERMINAL_HAS_TRANSITIONS"
	CodeUnreachableTerminal  = "UNREACHABLE_TERMINAL"
	CodeInvalidDuration      = "INVALID_DURATION"
	CodeInvalidAssignee      = "INVALID_ASSIGNEE"
	CodeInvalidPriority      = "INVALID_PRIORITY"
	CodeInvalidApprovalChain = "INVALID_APPROVAL_CHAIN"
)

// Validator checks workflow-type definitions structurally and for the graph
// properties a state machine must satisfy.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks every workflow type in every file, including uniqueness of
// type ids across files.
func (v *Validator) Validate(files []model.DefinitionFile) []VError {
	var errs []VError
	seen := make(map[string]string)
	for i, f := range files {
		for j, w := range f.Workflows {
			prefix := fmt.Sprintf("%s:workflows[%d]", sourceLabel(f, i), j)
			errs = append(errs, v.ValidateType(prefix, w)...)
			if w.ID == "" {
				continue
			}
			if first, dup := seen[w.ID]; dup {
				errs = append(errs, VError{
					TypeID:  w.ID,
					Path:    prefix + ".id",
					Code:    CodeDuplicateID,
					Message: fmt.Sprintf("workflow type %q already declared at %s", w.ID, first),
				})
				continue
			}
			seen[w.ID] = prefix
		}
	}
	return errs
}

func sourceLabel(f model.DefinitionFile, i int) string {
	if f.SourceFile != "" {
		return f.SourceFile
	}
	return fmt.Sprintf("files[%d]", i)
}

// ValidateType checks a single workflow type definition.
func (v *Validator) ValidateType(prefix string, w model.WorkflowTypeDefinition) []VError {
	var errs []VError
	add := func(path, code, msg string) {
		errs = append(errs, VError{TypeID: w.ID, Path: prefix + path, Code: code, Message: msg})
	}

	if w.ID == "" {
		add(".id", CodeRequired, "id is required")
	}
	if len(w.States) == 0 {
		add(".states", CodeRequired, "at least one state is required")
	}

	states := make(map[string]bool, len(w.States))
	for i, s := range w.States {
		if s == "" {
			add(fmt.Sprintf(".states[%d]", i), CodeRequired, "state name is required")
			continue
		}
		if states[s] {
			add(fmt.Sprintf(".states[%d]", i), CodeDuplicateState, fmt.Sprintf("state %q declared twice", s))
		}
		states[s] = true
	}

	if w.InitialState == "" {
		add(".initial_state", CodeRequired, "initial_state is required")
	} else if !states[w.InitialState] {
		add(".initial_state", CodeUndefinedState, fmt.Sprintf("initial_state %q is not a declared state", w.InitialState))
	}

	terminal := make(map[string]bool, len(w.TerminalStates))
	if len(w.TerminalStates) == 0 {
		add(".terminal_states", CodeRequired, "at least one terminal state is required")
	}
	for i, s := range w.TerminalStates {
		if !states[s] {
			add(fmt.Sprintf(".terminal_states[%d]", i), CodeUndefinedState, fmt.Sprintf("terminal state %q is not a declared state", s))
			continue
		}
		terminal[s] = true
	}
	if terminal[w.InitialState] {
		add(".initial_state", CodeTerminalHasExit, fmt.Sprintf("initial_state %q must not be terminal", w.InitialState))
	}

	table := make(map[transitionKey]string, len(w.Transitions))
	edges := make(map[string][]string)
	for i, tr := range w.Transitions {
		tp := fmt.Sprintf(".transitions[%d]", i)
		if tr.Name == "" {
			add(tp+".name", CodeRequired, "transition name is required")
		}
		if !states[tr.From] {
			add(tp+".from", CodeUndefinedState, fmt.Sprintf("state %q is not declared", tr.From))
		}
		if !states[tr.To] {
			add(tp+".to", CodeUndefinedState, fmt.Sprintf("state %q is not declared", tr.To))
		}
		if terminal[tr.From] {
			add(tp+".from", CodeTerminalHasExit, fmt.Sprintf("terminal state %q cannot have outgoing transitions", tr.From))
		}
		k := transitionKey{tr.From, tr.Name}
		if prev, dup := table[k]; dup {
			add(tp, CodeAmbiguousTransition,
				fmt.Sprintf("transition %q from %q already maps to %q", tr.Name, tr.From, prev))
			continue
		}
		table[k] = tr.To
		edges[tr.From] = append(edges[tr.From], tr.To)
	}

	if states[w.InitialState] {
		reached := reachable(w.InitialState, edges)
		for i, s := range w.TerminalStates {
			if terminal[s] && !reached[s] {
				add(fmt.Sprintf(".terminal_states[%d]", i), CodeUnreachableTerminal,
					fmt.Sprintf("terminal state %q is unreachable from %q", s, w.InitialState))
			}
		}
	}

	for i, t := range w.Tasks {
		tp := fmt.Sprintf(".tasks[%d]", i)
		if t.Name == "" {
			add(tp+".name", CodeRequired, "task name is required")
		}
		if !states[t.State] {
			add(tp+".state", CodeUndefinedState, fmt.Sprintf("state %q is not declared", t.State))
		} else if terminal[t.State] {
			add(tp+".state", CodeTerminalHasExit, fmt.Sprintf("tasks cannot be attached to terminal state %q", t.State))
		}
		errs = append(errs, checkWorkItem(w.ID, prefix+tp, t.Assignee, t.DueIn, t.Priority)...)
	}

	if w.Approval != nil {
		errs = append(errs, v.validateApproval(prefix+".approval", w, table, terminal)...)
	}
	return errs
}

func (v *Validator) validateApproval(
	prefix string,
	w model.WorkflowTypeDefinition,
	table map[transitionKey]string,
	terminal map[string]bool,
) []VError {
	var errs []VError
	a := w.Approval
	add := func(path, code, msg string) {
		errs = append(errs, VError{TypeID: w.ID, Path: prefix + path, Code: code, Message: msg})
	}

	if len(a.Levels) == 0 {
		add(".levels", CodeRequired, "at least one approval level is required")
	}
	levels := make(map[string]bool, len(a.Levels))
	for i, l := range a.Levels {
		lp := fmt.Sprintf(".levels[%d]", i)
		if l.Name == "" {
			add(lp+".name", CodeRequired, "level name is required")
		} else if levels[l.Name] {
			add(lp+".name", CodeInvalidApprovalChain, fmt.Sprintf("level %q declared twice", l.Name))
		}
		levels[l.Name] = true
		errs = append(errs, checkWorkItem(w.ID, prefix+lp, l.Assignee, l.DueIn, l.Priority)...)
	}

	if a.PendingState == "" {
		add(".pending_state", CodeRequired, "pending_state is required")
		return errs
	}
	if terminal[a.PendingState] {
		add(".pending_state", CodeInvalidApprovalChain, "pending_state must not be terminal")
	}

	if len(a.SubmitTransitions) == 0 {
		add(".submit_transitions", CodeRequired, "at least one submit transition is required")
	}
	for i, name := range a.SubmitTransitions {
		found := false
		for k, to := range table {
			if k.Name != name {
				continue
			}
			found = true
			if to != a.PendingState {
				add(fmt.Sprintf(".submit_transitions[%d]", i), CodeInvalidApprovalChain,
					fmt.Sprintf("submit transition %q from %q leads to %q, not %q", name, k.From, to, a.PendingState))
			}
		}
		if !found {
			add(fmt.Sprintf(".submit_transitions[%d]", i), CodeInvalidApprovalChain,
				fmt.Sprintf("submit transition %q is not in the transition table", name))
		}
	}

	outcome := func(path, name string, wantTerminal *bool) {
		if name == "" {
			add(path, CodeRequired, "transition name is required")
			return
		}
		to, ok := table[transitionKey{a.PendingState, name}]
		if !ok {
			add(path, CodeInvalidApprovalChain,
				fmt.Sprintf("transition %q is not allowed from pending_state %q", name, a.PendingState))
			return
		}
		if wantTerminal != nil && terminal[to] != *wantTerminal {
			want := "terminal"
			if !*wantTerminal {
				want = "non-terminal"
			}
			add(path, CodeInvalidApprovalChain, fmt.Sprintf("transition %q must lead to a %s state", name, want))
		}
	}
	yes, no := true, false
	outcome(".approved_transition", a.ApprovedTransition, nil)
	outcome(".rejected_transition", a.RejectedTransition, &yes)
	outcome(".revision_transition", a.RevisionTransition, &no)
	return errs
}

func checkWorkItem(typeID, prefix, assignee, dueIn string, priority int) []VError {
	var errs []VError
	if dueIn != "" {
		if d, err := time.ParseDuration(dueIn); err != nil || d <= 0 {
			errs = append(errs, VError{TypeID: typeID, Path: prefix + ".due_in", Code: CodeInvalidDuration,
				Message: fmt.Sprintf("due_in %q is not a positive duration", dueIn)})
		}
	}
	if strings.HasPrefix(assignee, "$") && assignee != AssigneeInitiator &&
		(!strings.HasPrefix(assignee, AssigneeVarPrefix) || len(assignee) == len(AssigneeVarPrefix)) {
		errs = append(errs, VError{TypeID: typeID, Path: prefix + ".assignee", Code: CodeInvalidAssignee,
			Message: fmt.Sprintf("assignee expression %q must be %s or %s<name>", assignee, AssigneeInitiator, AssigneeVarPrefix)})
	}
	if priority < 0 {
		errs = append(errs, VError{TypeID: typeID, Path: prefix + ".priority", Code: CodeInvalidPriority,
			Message: "priority must be 1 (highest) or greater"})
	}
	return errs
}

// reachable returns the set of states reachable from start, start included.
func reachable(start string, edges map[string][]string) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, next := range edges[s] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

// toFieldErrors converts validation errors to envelope details.
func toFieldErrors(errs []VError) []model.FieldError {
	out := make([]model.FieldError, len(errs))
	for i, e := range errs {
		out[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return out
}
