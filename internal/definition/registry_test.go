package definition

import (
	"sync"
	"testing"

	"github.com/pitabwire/grcflow/model"
)

func builtinRegistry(t *testing.T) *Registry {
	t.Helper()
	files, err := NewLoader().LoadBuiltin()
	if err != nil {
		t.Fatalf("LoadBuiltin() error = %v", err)
	}
	reg, errs := Build(files)
	if len(errs) > 0 {
		t.Fatalf("Build() errors = %v", errs)
	}
	return reg
}

func TestRegistry_Lookup(t *testing.T) {
	reg := builtinRegistry(t)
	m, err := reg.Lookup("risk_assessment")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if m.InitialState() != "NotStarted" {
		t.Errorf("InitialState = %q, want NotStarted", m.InitialState())
	}
	if to, ok := m.Resolve("NotStarted", "beginGathering"); !ok || to != "DataGathering" {
		t.Errorf("Resolve(NotStarted, beginGathering) = %q, %v", to, ok)
	}
	if _, ok := m.Resolve("DataGathering", "close"); ok {
		t.Error("close must not be allowed from DataGathering")
	}
	if !m.IsTerminal("Completed") || m.IsTerminal("Analysis") {
		t.Error("IsTerminal mismatch")
	}
}

func TestRegistry_Lookup_unknown(t *testing.T) {
	reg := builtinRegistry(t)
	_, err := reg.Lookup("does_not_exist")
	if !model.IsCode(err, model.ErrUnknownWorkflowType) {
		t.Fatalf("Lookup() error = %v, want UNKNOWN_WORKFLOW_TYPE", err)
	}
}

func TestRegistry_All_sorted(t *testing.T) {
	reg := builtinRegistry(t)
	all := reg.All()
	if len(all) != reg.Len() || len(all) != 10 {
		t.Fatalf("All() = %d machines, want 10", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].ID() >= all[i].ID() {
			t.Errorf("All() not sorted at %d: %q >= %q", i, all[i-1].ID(), all[i].ID())
		}
	}
}

func TestRegistry_Define(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Define(validType()); err != nil {
		t.Fatalf("Define() error = %v", err)
	}
	before := reg.Checksum()

	err := reg.Define(validType())
	if !model.IsCode(err, model.ErrInvalidDefinition) {
		t.Fatalf("Define(duplicate) error = %v, want INVALID_DEFINITION", err)
	}
	if reg.Checksum() != before {
		t.Error("failed Define must not change the registry")
	}

	bad := validType()
	bad.ID = "broken"
	bad.Transitions = append(bad.Transitions, model.TransitionDefinition{From: "Draft", Name: "submit", To: "Approved"})
	err = reg.Define(bad)
	if !model.IsCode(err, model.ErrInvalidDefinition) {
		t.Fatalf("Define(ambiguous) error = %v, want INVALID_DEFINITION", err)
	}
	if _, err := reg.Lookup("broken"); err == nil {
		t.Error("rejected type must not be registered")
	}
}

func TestBuild_rejects_invalid_set(t *testing.T) {
	bad := validType()
	bad.InitialState = "Nowhere"
	_, errs := Build([]model.DefinitionFile{{Workflows: []model.WorkflowTypeDefinition{bad}}})
	if len(errs) == 0 {
		t.Fatal("Build() should reject an invalid definition")
	}
}

func TestMachine_Available(t *testing.T) {
	reg := builtinRegistry(t)
	m, _ := reg.Lookup("approval")
	got := m.Available("PendingApproval")
	want := []string{"approve", "reject", "requestRevision"}
	if len(got) != len(want) {
		t.Fatalf("Available() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Available()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if len(m.Available("Approved")) != 0 {
		t.Error("terminal state must have no available transitions")
	}
}

func TestMachine_Approval(t *testing.T) {
	reg := builtinRegistry(t)
	m, _ := reg.Lookup("approval")
	if i, ok := m.LevelIndex("Compliance"); !ok || i != 1 {
		t.Errorf("LevelIndex(Compliance) = %d, %v", i, ok)
	}
	if l, ok := m.Level(2); !ok || l.Name != "Executive" {
		t.Errorf("Level(2) = %+v, %v", l, ok)
	}
	if _, ok := m.Level(3); ok {
		t.Error("Level(3) should not exist")
	}
	if !m.IsApprovalOutcome("requestRevision") || m.IsApprovalOutcome("submit") {
		t.Error("IsApprovalOutcome mismatch")
	}
}

func TestResolveAssignee(t *testing.T) {
	inst := model.WorkflowInstance{
		InitiatedBy: "alice",
		Variables:   map[string]any{"manager": "bob", "count": 3},
	}
	tests := []struct {
		expr, want string
	}{
		{AssigneeInitiator, "alice"},
		{"$var:manager", "bob"},
		{"$var:missing", ""},
		{"$var:count", ""},
		{"carol", "carol"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ResolveAssignee(tt.expr, inst); got != tt.want {
			t.Errorf("ResolveAssignee(%q) = %q, want %q", tt.expr, got, tt.want)
		}
	}
}

func TestRegistry_concurrent_lookup(t *testing.T) {
	reg := builtinRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Lookup("audit"); err != nil {
				t.Errorf("Lookup() error = %v", err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w := validType()
		w.ID = "concurrent_type"
		_ = reg.Define(w)
	}()
	wg.Wait()
}
