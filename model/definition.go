package model

// DefinitionFile is the root structure of a workflow definition file. Each
// file declares one or more workflow types.
type DefinitionFile struct {
	Version   string                   `yaml:"version"   json:"version"`
	Workflows []WorkflowTypeDefinition `yaml:"workflows" json:"workflows"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// WorkflowTypeDefinition declares the finite state machine of one workflow
// type. It is immutable once loaded.
type WorkflowTypeDefinition struct {
	ID             string                   `yaml:"id"              json:"id"`
	Name           string                   `yaml:"name"            json:"name"`
	Description    string                   `yaml:"description"     json:"description,omitempty"`
	States         []string                 `yaml:"states"          json:"states"`
	InitialState   string                   `yaml:"initial_state"   json:"initial_state"`
	TerminalStates []string                 `yaml:"terminal_states" json:"terminal_states"`
	Transitions    []TransitionDefinition   `yaml:"transitions"     json:"transitions"`
	Tasks          []TaskTemplate           `yaml:"tasks"           json:"tasks,omitempty"`
	Approval       *ApprovalChainDefinition `yaml:"approval"        json:"approval,omitempty"`
}

// TransitionDefinition is one row of the transition table.
type TransitionDefinition struct {
	From string `yaml:"from" json:"from"`
	Name string `yaml:"name" json:"name"`
	To   string `yaml:"to"   json:"to"`
}

// TaskTemplate describes a task materialized when an instance enters State.
//
// Assignee is a literal user id, "$initiator", or "$var:<name>" resolved from
// the instance variables. DueIn is a Go duration string.
type TaskTemplate struct {
	State    string `yaml:"state"    json:"state"`
	Name     string `yaml:"name"     json:"name"`
	Assignee string `yaml:"assignee" json:"assignee,omitempty"`
	DueIn    string `yaml:"due_in"   json:"due_in,omitempty"`
	Priority int    `yaml:"priority" json:"priority,omitempty"`
}

// ApprovalChainDefinition declares an ordered multi-level approval chain.
type ApprovalChainDefinition struct {
	Levels             []ApprovalLevelDefinition `yaml:"levels"              json:"levels"`
	PendingState       string                    `yaml:"pending_state"       json:"pending_state"`
	SubmitTransitions  []string                  `yaml:"submit_transitions"  json:"submit_transitions"`
	ApprovedTransition string                    `yaml:"approved_transition" json:"approved_transition"`
	RejectedTransition string                    `yaml:"rejected_transition" json:"rejected_transition"`
	RevisionTransition string                    `yaml:"revision_transition" json:"revision_transition"`
}

// ApprovalLevelDefinition is one level of an approval chain.
type ApprovalLevelDefinition struct {
	Name     string `yaml:"name"     json:"name"`
	Assignee string `yaml:"assignee" json:"assignee,omitempty"`
	DueIn    string `yaml:"due_in"   json:"due_in,omitempty"`
	Priority int    `yaml:"priority" json:"priority,omitempty"`
}

// LevelNames returns the level names in chain order.
func (a *ApprovalChainDefinition) LevelNames() []string {
	if a == nil {
		return nil
	}
	names := make([]string, len(a.Levels))
	for i, l := range a.Levels {
		names[i] = l.Name
	}
	return names
}
