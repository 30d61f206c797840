package definition

import (
	"slices"
	"strings"
	"time"

	"github.com/pitabwire/grcflow/model"
)

// Assignee expressions accepted by task templates and approval levels.
const (
	AssigneeInitiator = "$initiator"
	AssigneeVarPrefix = "$var:"
)

type transitionKey struct {
	From string
	Name string
}

// Machine is the compiled, read-only form of a workflow type definition. All
// methods are safe for concurrent use.
type Machine struct {
	def      model.WorkflowTypeDefinition
	terminal map[string]bool
	table    map[transitionKey]string
	exits    map[string][]string
	tasks    map[string][]model.TaskTemplate
	levels   map[string]int
}

func compile(def model.WorkflowTypeDefinition) *Machine {
	m := &Machine{
		def:      def,
		terminal: make(map[string]bool, len(def.TerminalStates)),
		table:    make(map[transitionKey]string, len(def.Transitions)),
		exits:    make(map[string][]string),
		tasks:    make(map[string][]model.TaskTemplate),
		levels:   make(map[string]int),
	}
	for _, s := range def.TerminalStates {
		m.terminal[s] = true
	}
	for _, tr := range def.Transitions {
		m.table[transitionKey{tr.From, tr.Name}] = tr.To
		m.exits[tr.From] = append(m.exits[tr.From], tr.Name)
	}
	for from := range m.exits {
		slices.Sort(m.exits[from])
	}
	for _, t := range def.Tasks {
		m.tasks[t.State] = append(m.tasks[t.State], t)
	}
	if def.Approval != nil {
		for i, l := range def.Approval.Levels {
			m.levels[l.Name] = i
		}
	}
	return m
}

// ID returns the workflow type id.
func (m *Machine) ID() string { return m.def.ID }

// Definition returns the source definition.
func (m *Machine) Definition() model.WorkflowTypeDefinition { return m.def }

// InitialState returns the state new instances start in.
func (m *Machine) InitialState() string { return m.def.InitialState }

// IsTerminal reports whether s is a terminal state.
func (m *Machine) IsTerminal(s string) bool { return m.terminal[s] }

// Resolve returns the target of transition name from state from.
func (m *Machine) Resolve(from, name string) (string, bool) {
	to, ok := m.table[transitionKey{from, name}]
	return to, ok
}

// Available returns the sorted names of the transitions allowed from state.
func (m *Machine) Available(state string) []string {
	return slices.Clone(m.exits[state])
}

// TasksFor returns the task templates materialized on entering state.
func (m *Machine) TasksFor(state string) []model.TaskTemplate {
	return m.tasks[state]
}

// Approval returns the approval chain, or nil if the type has none.
func (m *Machine) Approval() *model.ApprovalChainDefinition {
	return m.def.Approval
}

// Level returns the approval level at index i.
func (m *Machine) Level(i int) (model.ApprovalLevelDefinition, bool) {
	if m.def.Approval == nil || i < 0 || i >= len(m.def.Approval.Levels) {
		return model.ApprovalLevelDefinition{}, false
	}
	return m.def.Approval.Levels[i], true
}

// LevelIndex returns the position of the named approval level.
func (m *Machine) LevelIndex(name string) (int, bool) {
	i, ok := m.levels[name]
	return i, ok
}

// IsApprovalOutcome reports whether name is one of the transitions the
// approval chain drives from its pending state.
func (m *Machine) IsApprovalOutcome(name string) bool {
	a := m.def.Approval
	if a == nil {
		return false
	}
	return name == a.ApprovedTransition || name == a.RejectedTransition || name == a.RevisionTransition
}

// ResolveAssignee evaluates an assignee expression against an instance.
// Unresolvable expressions yield "" and the task is created unassigned.
func ResolveAssignee(expr string, inst model.WorkflowInstance) string {
	switch {
	case expr == AssigneeInitiator:
		return inst.InitiatedBy
	case strings.HasPrefix(expr, AssigneeVarPrefix):
		v, ok := inst.Variables[strings.TrimPrefix(expr, AssigneeVarPrefix)]
		if !ok {
			return ""
		}
		s, _ := v.(string)
		return s
	default:
		return expr
	}
}

// DueAt computes a due date from a duration string, falling back to def.
func DueAt(now time.Time, dueIn string, def time.Duration) time.Time {
	if d, err := time.ParseDuration(dueIn); err == nil && d > 0 {
		return now.Add(d)
	}
	return now.Add(def)
}
