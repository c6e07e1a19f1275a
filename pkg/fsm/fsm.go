package fsm

import (
	"github.com/cuemby/quorum/pkg/types"
)

// StateMachine is the replicated application state. The consensus node owns
// the instance and calls it only from the apply path, strictly in log order.
// Configuration and no-op entries never reach Apply; the node consumes them
// internally.
//
// Apply failures are surfaced to the waiting client (if any) as
// ApplicationFailed and logged; the node still advances lastApplied past the
// failed index so the cluster stays live.
type StateMachine interface {
	// Apply consumes one committed command and returns the reply bytes
	// delivered to the waiting client future.
	Apply(index types.LogIndex, command []byte) ([]byte, error)

	// Query serves a linearizable read request against current state. The
	// node calls it only after the read's freshness point has been applied.
	Query(request []byte) ([]byte, error)

	// Snapshot serializes the full state.
	Snapshot() ([]byte, error)

	// Restore replaces the state from a snapshot payload.
	Restore(state []byte) error
}
