package membership

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/quorum/pkg/clock"
	"github.com/cuemby/quorum/pkg/future"
	"github.com/cuemby/quorum/pkg/log"
	"github.com/cuemby/quorum/pkg/types"
)

// Phase is the synchronizer's position in a configuration change.
type Phase string

const (
	// Idle means no change is in flight.
	Idle Phase = "idle"

	// WaitingJoint means the transitional C_old,new entry is appended and
	// awaiting commit under both majorities.
	WaitingJoint Phase = "waiting_joint"

	// WaitingFinal means the final configuration entry is appended and
	// awaiting commit under the target majority.
	WaitingFinal Phase = "waiting_final"
)

// AppendFunc appends a configuration entry to the leader's log and returns
// its index. The node supplies it; it is invoked with the node's state lock
// held, so the append is atomic with the leader's view of its log.
type AppendFunc func(cfg *types.ClusterConfiguration) (types.LogIndex, error)

// Synchronizer drives two-phase joint-consensus membership changes for the
// leader. Changes are strictly serialized: a second StartChange while one is
// in flight fails immediately with ErrChangeInProgress.
//
// All entry points except the internal deadline timer are called with the
// owning node's state lock held; the synchronizer's own lock nests inside it.
type Synchronizer struct {
	mu     sync.Mutex
	clock  clock.Clock
	append AppendFunc
	logger zerolog.Logger

	phase      Phase
	target     *types.ClusterConfiguration
	jointIndex types.LogIndex
	finalIndex types.LogIndex
	promise    *future.Promise[bool]
	timer      clock.Timer
}

// New creates an idle synchronizer.
func New(c clock.Clock, nodeID types.NodeID, append AppendFunc) *Synchronizer {
	return &Synchronizer{
		clock:  c,
		append: append,
		logger: log.WithComponent("membership").With().Str("node_id", string(nodeID)).Logger(),
		phase:  Idle,
	}
}

// Phase returns the current phase.
func (s *Synchronizer) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// StartChange begins a change from current to target. It appends the joint
// configuration C_old,new (target's nodes with the current nodes recorded as
// the old set) and resolves the returned future once the final configuration
// commits, or fails it on cancellation or deadline expiry.
func (s *Synchronizer) StartChange(current, target *types.ClusterConfiguration, timeout time.Duration) *future.Future[bool] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != Idle {
		return future.Failed[bool](types.ErrChangeInProgress)
	}

	joint := &types.ClusterConfiguration{
		Nodes:    append([]types.NodeID(nil), target.Nodes...),
		OldNodes: append([]types.NodeID(nil), current.Nodes...),
		IsJoint:  true,
	}

	index, err := s.append(joint)
	if err != nil {
		return future.Failed[bool](err)
	}

	s.phase = WaitingJoint
	s.target = target.Clone()
	s.jointIndex = index
	s.promise = future.NewPromise[bool]()
	s.timer = s.clock.AfterFunc(timeout, s.onDeadline)

	s.logger.Info().
		Uint64("joint_index", uint64(index)).
		Msg("configuration change started, joint entry appended")

	return s.promise.Future()
}

// ResumeFinalPhase is the leadership-inheritance path: a newly elected
// leader that finds a committed joint configuration in its log appends the
// final configuration and drives the inherited change to completion. No
// client future is attached; the returned future observes the outcome.
func (s *Synchronizer) ResumeFinalPhase(joint *types.ClusterConfiguration, timeout time.Duration) *future.Future[bool] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != Idle {
		return future.Failed[bool](types.ErrChangeInProgress)
	}

	target := &types.ClusterConfiguration{Nodes: append([]types.NodeID(nil), joint.Nodes...)}
	index, err := s.append(target)
	if err != nil {
		return future.Failed[bool](err)
	}

	s.phase = WaitingFinal
	s.target = target
	s.finalIndex = index
	s.promise = future.NewPromise[bool]()
	s.timer = s.clock.AfterFunc(timeout, s.onDeadline)

	s.logger.Info().
		Uint64("final_index", uint64(index)).
		Msg("inherited joint configuration, final entry appended")

	return s.promise.Future()
}

// NotifyCommitted advances the phase machine when a configuration entry
// commits. The node calls it from the apply path for every committed
// configuration entry.
func (s *Synchronizer) NotifyCommitted(cfg *types.ClusterConfiguration, index types.LogIndex) {
	s.mu.Lock()

	switch {
	case s.phase == WaitingJoint && index == s.jointIndex && cfg.IsJoint:
		final := s.target.Clone()
		final.OldNodes = nil
		final.IsJoint = false
		finalIndex, err := s.append(final)
		if err != nil {
			s.failLocked(PhaseError(s.phase), "failed to append final configuration: "+err.Error())
			s.mu.Unlock()
			return
		}
		s.phase = WaitingFinal
		s.finalIndex = finalIndex
		s.logger.Info().
			Uint64("joint_index", uint64(index)).
			Uint64("final_index", uint64(finalIndex)).
			Msg("joint configuration committed, final entry appended")
		s.mu.Unlock()

	case s.phase == WaitingFinal && index == s.finalIndex && !cfg.IsJoint:
		promise := s.promise
		s.resetLocked()
		s.logger.Info().
			Uint64("final_index", uint64(index)).
			Msg("configuration change complete")
		s.mu.Unlock()
		promise.Complete(true)

	default:
		s.mu.Unlock()
	}
}

// Cancel aborts an in-flight change, failing its future with the phase it
// was in. Safe to call when idle.
func (s *Synchronizer) Cancel(reason string) {
	s.mu.Lock()
	if s.phase == Idle {
		s.mu.Unlock()
		return
	}
	phase := s.phase
	promise := s.promise
	s.resetLocked()
	s.mu.Unlock()

	s.logger.Warn().Str("phase", string(phase)).Str("reason", reason).Msg("configuration change cancelled")
	promise.Fail(&types.ConfigurationChangeError{Phase: PhaseError(phase), Reason: reason})
}

func (s *Synchronizer) onDeadline() {
	s.mu.Lock()
	if s.phase == Idle {
		s.mu.Unlock()
		return
	}
	phase := s.phase
	promise := s.promise
	s.resetLocked()
	s.mu.Unlock()

	s.logger.Warn().Str("phase", string(phase)).Msg("configuration change timed out")
	promise.Fail(&types.ConfigurationChangeError{Phase: PhaseError(phase), Reason: "deadline expired"})
}

func (s *Synchronizer) failLocked(phase types.ConfigurationChangePhase, reason string) {
	promise := s.promise
	s.resetLocked()
	// Deliver without the lock: Fail may run client callbacks inline.
	go promise.Fail(&types.ConfigurationChangeError{Phase: phase, Reason: reason})
}

func (s *Synchronizer) resetLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.phase = Idle
	s.target = nil
	s.jointIndex = 0
	s.finalIndex = 0
	s.promise = nil
}

// PhaseError maps a synchronizer phase to the error phase surfaced to
// clients.
func PhaseError(p Phase) types.ConfigurationChangePhase {
	if p == WaitingFinal {
		return types.PhaseFinal
	}
	return types.PhaseJoint
}
