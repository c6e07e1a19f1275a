package waiter

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/quorum/pkg/clock"
	"github.com/cuemby/quorum/pkg/log"
	"github.com/cuemby/quorum/pkg/types"
)

// pendingOp is one client operation waiting on a log index.
type pendingOp struct {
	fulfill  func([]byte)
	reject   func(error)
	deadline time.Time
}

// CommitWaiter bridges the consensus layer to waiting client futures: a
// registry of log index → pending operations, fulfilled after the entry is
// applied, rejected on leadership loss, shutdown, or deadline expiry.
//
// Each operation's callbacks fire exactly once, on the goroutine that
// resolves it — the node's apply path for fulfillment, the canceller's for
// rejection. Callbacks must not re-enter the waiter. Once a cancel call has
// returned, none of the operations it rejected will fire again.
type CommitWaiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	pending map[types.LogIndex][]*pendingOp
	logger  zerolog.Logger
}

// New creates an empty waiter on the given clock.
func New(c clock.Clock, nodeID types.NodeID) *CommitWaiter {
	return &CommitWaiter{
		clock:   c,
		pending: make(map[types.LogIndex][]*pendingOp),
		logger:  log.WithComponent("commit_waiter").With().Str("node_id", string(nodeID)).Logger(),
	}
}

// Register adds a pending operation at index. Multiple operations may wait
// on the same index; all observe the same applied result.
func (w *CommitWaiter) Register(index types.LogIndex, fulfill func([]byte), reject func(error), timeout time.Duration) {
	op := &pendingOp{
		fulfill:  fulfill,
		reject:   reject,
		deadline: w.clock.Now().Add(timeout),
	}
	w.mu.Lock()
	w.pending[index] = append(w.pending[index], op)
	w.mu.Unlock()
}

// NotifyApplied drives the state machine for index via resultFn exactly once
// and resolves every operation registered there: fulfilled with the apply
// result, or rejected with ApplicationFailed if resultFn errors. The node
// calls this in strict log-index order, so operations resolve in log order.
func (w *CommitWaiter) NotifyApplied(index types.LogIndex, resultFn func(types.LogIndex) ([]byte, error)) {
	w.mu.Lock()
	ops := w.pending[index]
	delete(w.pending, index)
	w.mu.Unlock()

	result, err := resultFn(index)
	if err != nil {
		appErr := &types.ApplicationFailedError{Index: index, Cause: err}
		w.logger.Error().Uint64("index", uint64(index)).Err(err).Msg("state machine apply failed")
		for _, op := range ops {
			op.reject(appErr)
		}
		return
	}
	for _, op := range ops {
		op.fulfill(result)
	}
}

// CancelLeadershipLost rejects every pending operation with LeadershipLost.
// Called when the node steps down before the operations' entries committed.
func (w *CommitWaiter) CancelLeadershipLost(oldTerm, newTerm types.Term) {
	err := &types.LeadershipLostError{OldTerm: oldTerm, NewTerm: newTerm}
	n := w.cancelWhere(func(*pendingOp) bool { return true }, err)
	if n > 0 {
		w.logger.Info().
			Int("cancelled", n).
			Uint64("old_term", uint64(oldTerm)).
			Uint64("new_term", uint64(newTerm)).
			Msg("rejected pending operations on leadership loss")
	}
}

// CancelAll rejects every pending operation with the given reason.
func (w *CommitWaiter) CancelAll(reason error) {
	w.cancelWhere(func(*pendingOp) bool { return true }, reason)
}

// CancelTimedOut rejects operations past their deadline and returns how many
// were cancelled. The node calls this periodically from its tick.
func (w *CommitWaiter) CancelTimedOut() int {
	now := w.clock.Now()
	return w.cancelWhere(func(op *pendingOp) bool { return op.deadline.Before(now) || op.deadline.Equal(now) }, types.ErrCommitTimeout)
}

// PendingCount returns the number of registered operations.
func (w *CommitWaiter) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, ops := range w.pending {
		n += len(ops)
	}
	return n
}

// HasPending reports whether any operation is registered.
func (w *CommitWaiter) HasPending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending) > 0
}

func (w *CommitWaiter) cancelWhere(match func(*pendingOp) bool, reason error) int {
	var cancelled []*pendingOp
	w.mu.Lock()
	for index, ops := range w.pending {
		var kept []*pendingOp
		for _, op := range ops {
			if match(op) {
				cancelled = append(cancelled, op)
			} else {
				kept = append(kept, op)
			}
		}
		if len(kept) == 0 {
			delete(w.pending, index)
		} else {
			w.pending[index] = kept
		}
	}
	w.mu.Unlock()

	for _, op := range cancelled {
		op.reject(reason)
	}
	return len(cancelled)
}
