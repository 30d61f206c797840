package definition

import (
	"crypto/sha256"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pitabwire/grcflow/model"
)

// snapshot is an immutable set of compiled machines indexed by type id.
type snapshot struct {
	machines  map[string]*Machine
	checksums map[string]string
	checksum  string
}

// Registry is a read-optimized, thread-safe store of workflow types. Lookups
// are lock-free; writers serialize and publish a fresh snapshot.
type Registry struct {
	snap      atomic.Pointer[snapshot]
	mu        sync.Mutex
	validator *Validator
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{validator: NewValidator()}
	r.snap.Store(&snapshot{machines: map[string]*Machine{}, checksums: map[string]string{}})
	return r
}

// Build validates every workflow type in files and returns a Registry holding
// all of them. Any validation error rejects the whole set.
func Build(files []model.DefinitionFile) (*Registry, []VError) {
	r := NewRegistry()
	if errs := r.validator.Validate(files); len(errs) > 0 {
		return nil, errs
	}
	next := &snapshot{machines: map[string]*Machine{}, checksums: map[string]string{}}
	for _, f := range files {
		for _, w := range f.Workflows {
			next.machines[w.ID] = compile(w)
			next.checksums[w.ID] = f.Checksum
		}
	}
	next.checksum = combinedChecksum(next.checksums)
	r.snap.Store(next)
	return r, nil
}

// Define registers a single workflow type. It fails with INVALID_DEFINITION if
// the definition violates any state machine invariant or the id is taken.
func (r *Registry) Define(def model.WorkflowTypeDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	errs := r.validator.ValidateType("workflow", def)
	cur := r.snap.Load()
	if _, dup := cur.machines[def.ID]; dup && def.ID != "" {
		errs = append(errs, VError{
			TypeID:  def.ID,
			Path:    "workflow.id",
			Code:    CodeDuplicateID,
			Message: fmt.Sprintf("workflow type %q is already registered", def.ID),
		})
	}
	if len(errs) > 0 {
		return model.NewInvalidDefinitionError(def.ID, toFieldErrors(errs))
	}

	next := &snapshot{
		machines:  maps.Clone(cur.machines),
		checksums: maps.Clone(cur.checksums),
	}
	next.machines[def.ID] = compile(def)
	next.checksums[def.ID] = fmt.Sprintf("%x", sha256.Sum256([]byte(fmt.Sprintf("%+v", def))))
	next.checksum = combinedChecksum(next.checksums)
	r.snap.Store(next)
	return nil
}

// Lookup returns the machine for typeID or UNKNOWN_WORKFLOW_TYPE.
func (r *Registry) Lookup(typeID string) (*Machine, error) {
	m, ok := r.snap.Load().machines[typeID]
	if !ok {
		return nil, model.NewUnknownWorkflowTypeError(typeID)
	}
	return m, nil
}

// All returns every registered machine ordered by type id.
func (r *Registry) All() []*Machine {
	s := r.snap.Load()
	ids := slices.Sorted(maps.Keys(s.machines))
	out := make([]*Machine, len(ids))
	for i, id := range ids {
		out[i] = s.machines[id]
	}
	return out
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	return len(r.snap.Load().machines)
}

// Checksum returns the combined checksum of all registered definitions.
func (r *Registry) Checksum() string {
	return r.snap.Load().checksum
}

func combinedChecksum(parts map[string]string) string {
	keys := slices.Sorted(maps.Keys(parts))
	joined := make([]string, len(keys))
	for i, k := range keys {
		joined[i] = k + "=" + parts[k]
	}
	return fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(joined, ":"))))
}
