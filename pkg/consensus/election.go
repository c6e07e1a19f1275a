package consensus

import (
	"github.com/cuemby/quorum/pkg/events"
	"github.com/cuemby/quorum/pkg/future"
	"github.com/cuemby/quorum/pkg/membership"
	"github.com/cuemby/quorum/pkg/metrics"
	"github.com/cuemby/quorum/pkg/retry"
	"github.com/cuemby/quorum/pkg/types"
)

// voteResult pairs a peer's vote response with its identity so joint-quorum
// evaluation knows which voters answered.
type voteResult struct {
	from types.NodeID
	resp *types.RequestVoteResponse
}

// onElectionTimeout fires when no valid leader traffic arrived within the
// election window: start (or restart) an election.
func (n *Node) onElectionTimeout() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped || n.role == types.RoleLeader {
		return
	}
	if !n.latestConfig.Contains(n.id) && !n.latestConfig.IsJoint {
		// A removed node must not start elections; keep waiting quietly so a
		// later configuration can re-admit it.
		n.resetElectionTimerLocked()
		return
	}
	n.startElectionLocked()
}

// startElectionLocked transitions to Candidate in a fresh term and solicits
// votes from every peer. Called with the node lock held; the vote collection
// is subscribed off the lock because synchronous transports can settle it
// inline.
func (n *Node) startElectionLocked() {
	// A previous election's stragglers must never count toward this one.
	cancelAsync(n.voteFuts)
	n.voteFuts = nil

	n.role = types.RoleCandidate
	n.currentTerm++
	n.votedFor = n.id
	n.leaderID = ""
	if n.persistLocked() != nil {
		return
	}
	n.resetElectionTimerLocked()

	term := n.currentTerm
	cfg := n.latestConfig.Clone()
	req := &types.RequestVoteRequest{
		Term:         term,
		CandidateID:  n.id,
		LastLogIndex: n.lastLogIndexLocked(),
		LastLogTerm:  n.lastLogTermLocked(),
	}

	n.logger.Info().
		Uint64("term", uint64(term)).
		Msg("election timer fired, becoming candidate")
	metrics.ElectionsTotal.WithLabelValues("started").Inc()
	n.publishEvent(events.EventElectionStarted, "election timer fired")

	var futs []*future.Future[voteResult]
	for _, peer := range cfg.Members() {
		if peer == n.id {
			continue
		}
		futs = append(futs, n.sendVoteAsync(peer, req))
	}
	n.voteFuts = futs

	// The candidate counts its own vote; the quorum predicate evaluates
	// granted votes against the active configuration (both sets when joint).
	satisfied := func(results []voteResult) bool {
		granted := map[types.NodeID]bool{n.id: true}
		for _, r := range results {
			if r.resp.VoteGranted && r.resp.Term == term {
				granted[r.from] = true
			}
		}
		return cfg.HasQuorum(granted)
	}

	go func() {
		coll := future.CollectQuorum(n.collector, futs, satisfied, n.cfg.RequestVoteTimeout)
		coll.Subscribe(func(results []voteResult, err error) {
			if err != nil {
				// No quorum this round; stay candidate, the election timer
				// will fire again.
				metrics.ElectionsTotal.WithLabelValues("no_quorum").Inc()
				return
			}
			n.mu.Lock()
			defer n.mu.Unlock()
			if n.stopped || n.role != types.RoleCandidate || n.currentTerm != term {
				return
			}
			n.becomeLeaderLocked()
		})
	}()
}

// sendVoteAsync issues one RequestVote through the retry engine. A response
// carrying a higher term steps the candidate down immediately.
func (n *Node) sendVoteAsync(peer types.NodeID, req *types.RequestVoteRequest) *future.Future[voteResult] {
	p := future.NewPromise[voteResult]()
	timeout := n.engine.EffectiveTimeout(retry.OpRequestVote, n.cfg.RequestVoteTimeout)

	go func() {
		resp, err := retry.Execute(n.engine, n.stopCtx, retry.OpRequestVote, func() (*types.RequestVoteResponse, error) {
			return n.trans.SendRequestVote(peer, req, timeout).Await(n.stopCtx)
		})
		if err != nil {
			metrics.RPCsTotal.WithLabelValues(retry.OpRequestVote, "error").Inc()
			p.Fail(err)
			return
		}
		metrics.RPCsTotal.WithLabelValues(retry.OpRequestVote, "ok").Inc()
		n.observeTerm(resp.Term)
		p.Complete(voteResult{from: peer, resp: resp})
	}()

	return p.Future()
}

// becomeLeaderLocked assumes leadership: initialize per-peer replication
// state, append the no-op that lets prior-term entries commit, arm the
// heartbeat, and resume an inherited joint configuration change if one is
// already committed.
func (n *Node) becomeLeaderLocked() {
	n.role = types.RoleLeader
	n.leaderID = n.id
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}

	n.peers = make(map[types.NodeID]*peerState)
	next := n.lastLogIndexLocked() + 1
	for _, id := range n.latestConfig.Members() {
		if id == n.id {
			continue
		}
		n.peers[id] = &peerState{id: id, nextIndex: next, matchIndex: 0}
	}

	n.logger.Info().
		Uint64("term", uint64(n.currentTerm)).
		Int("peers", len(n.peers)).
		Msg("became leader")
	metrics.ElectionsTotal.WithLabelValues("won").Inc()
	n.publishEvent(events.EventLeaderElected, "won election")

	noop := types.LogEntry{
		Index: n.lastLogIndexLocked() + 1,
		Term:  n.currentTerm,
		Type:  types.EntryNoop,
	}
	if _, err := n.logStore.Append([]types.LogEntry{noop}); err != nil {
		n.haltLocked(err)
		return
	}

	// An inherited joint configuration that already committed needs a new
	// final entry; one that never committed is simply replicated onward (or
	// overwritten) like any other entry.
	if n.latestConfig.IsJoint && n.latestConfigIndex <= n.commitIndex && n.syncer.Phase() == membership.Idle {
		n.syncer.ResumeFinalPhase(n.latestConfig, n.cfg.InstallSnapshotTimeout)
	}

	n.advanceCommitLocked()
	n.publishMetricsLocked()
	n.scheduleHeartbeatLocked()
	n.broadcastLocked()
}

// scheduleHeartbeatLocked arms the next heartbeat tick.
func (n *Node) scheduleHeartbeatLocked() {
	if n.heartbeatTimer != nil {
		n.heartbeatTimer.Stop()
	}
	n.heartbeatTimer = n.clk.AfterFunc(n.cfg.HeartbeatInterval, n.onHeartbeatTick)
}

// onHeartbeatTick drives periodic replication, deadline sweeps, and metric
// publication while leader.
func (n *Node) onHeartbeatTick() {
	n.mu.Lock()
	if n.stopped || n.role != types.RoleLeader {
		n.mu.Unlock()
		return
	}
	n.scheduleHeartbeatLocked()
	n.sweepReadsLocked()
	n.publishMetricsLocked()
	n.broadcastLocked()
	n.mu.Unlock()

	if cancelled := n.waiter.CancelTimedOut(); cancelled > 0 {
		n.logger.Debug().Int("cancelled", cancelled).Msg("rejected timed out client operations")
	}
}

// observeTerm steps down if a term beyond ours appears in any RPC traffic.
func (n *Node) observeTerm(term types.Term) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observeTermLocked(term)
}

func (n *Node) observeTermLocked(term types.Term) bool {
	if term <= n.currentTerm || n.stopped {
		return false
	}
	n.stepDownLocked(term, "")
	return true
}

// stepDownLocked reverts to follower. When newTerm is higher the term
// advances and the vote clears (persisted before anything else observes it);
// leadership-scoped state — pending client ops, an in-flight membership
// change, read rounds, vote collections — is rejected or cancelled.
func (n *Node) stepDownLocked(newTerm types.Term, newLeader types.NodeID) {
	oldTerm := n.currentTerm
	wasLeader := n.role == types.RoleLeader

	n.role = types.RoleFollower
	if newTerm > n.currentTerm {
		n.currentTerm = newTerm
		n.votedFor = ""
	}
	n.leaderID = newLeader
	if newTerm > oldTerm {
		if n.persistLocked() != nil {
			return
		}
	}

	if n.heartbeatTimer != nil {
		n.heartbeatTimer.Stop()
		n.heartbeatTimer = nil
	}
	cancelAsync(n.voteFuts)
	n.voteFuts = nil
	n.peers = make(map[types.NodeID]*peerState)

	if wasLeader {
		n.logger.Info().
			Uint64("old_term", uint64(oldTerm)).
			Uint64("new_term", uint64(n.currentTerm)).
			Msg("stepping down")
		n.publishEvent(events.EventLeaderSteppedDown, "observed newer term or left configuration")

		cancelAsync(n.readRoundFuts)
		n.readRoundFuts = nil
		n.readRound = nil
		reads := n.pendingReads
		n.pendingReads = nil
		term := n.currentTerm

		// Reject outside the lock-free callbacks' view: these deliver
		// client-visible errors and must not run with stale role state.
		go func() {
			err := &types.LeadershipLostError{OldTerm: oldTerm, NewTerm: term}
			for _, r := range reads {
				r.promise.Fail(err)
			}
			n.waiter.CancelLeadershipLost(oldTerm, term)
			n.syncer.Cancel("leadership lost")
		}()
	}

	n.resetElectionTimerLocked()
	n.publishMetricsLocked()
}
