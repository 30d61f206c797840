package workflow

import (
	"context"

	"github.com/pitabwire/grcflow/model"
)

// EventSink receives outbox events after the unit of work that produced them
// has committed. Publish must not block on delivery; undelivered events stay
// in the outbox for the periodic relay sweep.
type EventSink interface {
	Publish(ctx context.Context, events []model.Event)
}

// Observer receives lifecycle measurements.
type Observer interface {
	InstanceStarted(typeID string)
	InstanceTransitioned(typeID, from, to string)
	InstanceEnded(typeID, status string)
	TaskChanged(event string)
	ApprovalDecided(typeID, decision string)
	BridgeCall(op, outcome string)
}

type nopObserver struct{}

func (nopObserver) InstanceStarted(string) {}
func (nopObserver) InstanceTransitioned(string, string, string) {}
func (nopObserver) InstanceEnded(string, string) {}
func (nopObserver) TaskChanged(string) {}
func (nopObserver) ApprovalDecided(string, string) {}
func (nopObserver) BridgeCall(string, string) {}

// External process states reported by an ExternalProcessBridge.
const (
	ExternalRunning = "running"
	ExternalEnded   = "ended"
)

// ExternalStatus is the state of a delegated external process.
type ExternalStatus struct {
	State  string         `json:"state"`
	Output map[string]any `json:"output,omitempty"`
	// Error is set when the external process ended unsuccessfully.
	Error string `json:"error,omitempty"`
}

// ExternalProcessBridge hands the richer part of a workflow to an external
// long-running execution engine. Implementations are treated as unreliable:
// failures must surface as ENGINE_UNAVAILABLE and never affect the internal
// state machine.
type ExternalProcessBridge interface {
	Start(ctx context.Context, processKey string, variables map[string]any) (handle string, err error)
	CompleteTask(ctx context.Context, taskHandle string, variables map[string]any) error
	Status(ctx context.Context, handle string) (ExternalStatus, error)
}
