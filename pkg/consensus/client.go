package consensus

import (
	"time"

	"github.com/cuemby/quorum/pkg/future"
	"github.com/cuemby/quorum/pkg/retry"
	"github.com/cuemby/quorum/pkg/types"
)

// heartbeatResult pairs a heartbeat response with the responding peer for
// quorum evaluation in linearizable read rounds.
type heartbeatResult struct {
	from types.NodeID
	resp *types.AppendEntriesResponse
}

// SubmitCommand replicates an opaque state machine command. The returned
// future resolves with the state machine's reply once the entry commits and
// applies; it fails with NotLeader, LeadershipLost, CommitTimeout, or
// ApplicationFailed.
//
// Log order and apply order are identical: concurrent submissions may settle
// in any wall-clock order, but their state machine effects occur strictly in
// log order.
func (n *Node) SubmitCommand(command []byte, timeout time.Duration) *future.Future[[]byte] {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return future.Failed[[]byte](types.ErrNodeStopped)
	}
	if n.role != types.RoleLeader {
		return future.Failed[[]byte](&types.NotLeaderError{NodeID: n.id, LeaderHint: n.leaderID})
	}

	index := n.lastLogIndexLocked() + 1
	entry := types.LogEntry{
		Index:   index,
		Term:    n.currentTerm,
		Type:    types.EntryCommand,
		Command: command,
	}
	if _, err := n.logStore.Append([]types.LogEntry{entry}); err != nil {
		n.haltLocked(err)
		return future.Failed[[]byte](err)
	}

	p := future.NewPromise[[]byte]()
	n.waiter.Register(index,
		func(result []byte) { p.Complete(result) },
		func(err error) { p.Fail(err) },
		timeout,
	)

	n.logger.Debug().
		Uint64("index", uint64(index)).
		Int("bytes", len(command)).
		Msg("command appended")

	// A single-node cluster commits on local append alone.
	n.advanceCommitLocked()
	n.broadcastLocked()
	return p.Future()
}

// ReadState serves a linearizable read: confirm leadership with a heartbeat
// quorum, then answer from the state machine no earlier than the commit
// point observed at call time. Concurrent reads coalesce onto one heartbeat
// round.
func (n *Node) ReadState(request []byte, timeout time.Duration) *future.Future[[]byte] {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return future.Failed[[]byte](types.ErrNodeStopped)
	}
	if n.role != types.RoleLeader {
		hint := n.leaderID
		n.mu.Unlock()
		return future.Failed[[]byte](&types.NotLeaderError{NodeID: n.id, LeaderHint: hint})
	}

	p := future.NewPromise[[]byte]()
	term := n.currentTerm
	readIndex := n.commitIndex
	deadline := n.clk.Now().Add(timeout)

	round := n.readRound
	fresh := round == nil
	if fresh {
		round = n.startReadRoundLocked(timeout)
	}
	n.mu.Unlock()

	if fresh {
		// Clear the coalescing slot once the round settles, whatever the
		// outcome.
		round.Subscribe(func([]heartbeatResult, error) {
			n.mu.Lock()
			if n.readRound == round {
				n.readRound = nil
				n.readRoundFuts = nil
			}
			n.mu.Unlock()
		})
	}

	round.Subscribe(func(_ []heartbeatResult, err error) {
		if err != nil {
			n.mu.Lock()
			role, cur := n.role, n.currentTerm
			n.mu.Unlock()
			if role != types.RoleLeader || cur != term {
				p.Fail(&types.LeadershipLostError{OldTerm: term, NewTerm: cur})
			} else {
				p.Fail(types.ErrReadTimeout)
			}
			return
		}

		n.mu.Lock()
		if n.stopped || n.role != types.RoleLeader || n.currentTerm != term {
			cur := n.currentTerm
			n.mu.Unlock()
			p.Fail(&types.LeadershipLostError{OldTerm: term, NewTerm: cur})
			return
		}
		if n.lastApplied >= readIndex {
			result, qerr := n.machine.Query(request)
			n.mu.Unlock()
			if qerr != nil {
				p.Fail(qerr)
			} else {
				p.Complete(result)
			}
			return
		}
		// Quorum confirmed but the freshness point is not applied yet; the
		// apply path resolves us.
		n.pendingReads = append(n.pendingReads, &pendingRead{
			readIndex: readIndex,
			request:   request,
			promise:   p,
			deadline:  deadline,
		})
		n.mu.Unlock()
	})

	return p.Future()
}

// startReadRoundLocked broadcasts a one-shot heartbeat round distinct from
// the periodic heartbeat timer, so its completion is attributable to the
// read that started it.
func (n *Node) startReadRoundLocked(timeout time.Duration) *future.Future[[]heartbeatResult] {
	term := n.currentTerm
	cfg := n.latestConfig.Clone()
	commit := n.commitIndex

	var futs []*future.Future[heartbeatResult]
	for _, peer := range cfg.Members() {
		if peer == n.id {
			continue
		}
		futs = append(futs, n.sendReadHeartbeatAsync(peer, term, commit))
	}
	n.readRoundFuts = futs

	satisfied := func(results []heartbeatResult) bool {
		acked := map[types.NodeID]bool{n.id: true}
		for _, r := range results {
			if r.resp.Term == term {
				acked[r.from] = true
			}
		}
		return cfg.HasQuorum(acked)
	}

	round := future.CollectQuorum(n.collector, futs, satisfied, timeout)
	n.readRound = round
	return round
}

// sendReadHeartbeatAsync issues an empty AppendEntries whose only purpose is
// proving this term's leadership. PrevLogIndex 0 always passes the
// consistency check, so any current-term response is an acknowledgment.
func (n *Node) sendReadHeartbeatAsync(peer types.NodeID, term types.Term, commit types.LogIndex) *future.Future[heartbeatResult] {
	p := future.NewPromise[heartbeatResult]()
	req := &types.AppendEntriesRequest{
		Term:         term,
		LeaderID:     n.id,
		LeaderCommit: commit,
	}
	timeout := n.engine.EffectiveTimeout(retry.OpHeartbeat, n.cfg.RPCTimeout)

	go func() {
		resp, err := retry.Execute(n.engine, n.stopCtx, retry.OpHeartbeat, func() (*types.AppendEntriesResponse, error) {
			return n.trans.SendAppendEntries(peer, req, timeout).Await(n.stopCtx)
		})
		if err != nil {
			p.Fail(err)
			return
		}
		n.observeTerm(resp.Term)
		p.Complete(heartbeatResult{from: peer, resp: resp})
	}()

	return p.Future()
}

// resolveReadsLocked completes reads whose freshness point has been applied.
// Delivery happens off the lock: client callbacks run inline on completion.
func (n *Node) resolveReadsLocked() {
	if len(n.pendingReads) == 0 {
		return
	}
	var ready, waiting []*pendingRead
	for _, r := range n.pendingReads {
		if n.lastApplied >= r.readIndex {
			ready = append(ready, r)
		} else {
			waiting = append(waiting, r)
		}
	}
	if len(ready) == 0 {
		return
	}
	n.pendingReads = waiting

	results := make([][]byte, len(ready))
	errs := make([]error, len(ready))
	for i, r := range ready {
		results[i], errs[i] = n.machine.Query(r.request)
	}
	go func() {
		for i, r := range ready {
			if errs[i] != nil {
				r.promise.Fail(errs[i])
			} else {
				r.promise.Complete(results[i])
			}
		}
	}()
}

// sweepReadsLocked rejects reads past their deadline.
func (n *Node) sweepReadsLocked() {
	if len(n.pendingReads) == 0 {
		return
	}
	now := n.clk.Now()
	var expired, waiting []*pendingRead
	for _, r := range n.pendingReads {
		if r.deadline.Before(now) || r.deadline.Equal(now) {
			expired = append(expired, r)
		} else {
			waiting = append(waiting, r)
		}
	}
	if len(expired) == 0 {
		return
	}
	n.pendingReads = waiting
	go func() {
		for _, r := range expired {
			r.promise.Fail(types.ErrReadTimeout)
		}
	}()
}

// AddServer grows the cluster through a joint-consensus change. The future
// resolves true once the final configuration commits.
func (n *Node) AddServer(id types.NodeID, timeout time.Duration) *future.Future[bool] {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return future.Failed[bool](types.ErrNodeStopped)
	}
	if n.role != types.RoleLeader {
		return future.Failed[bool](&types.NotLeaderError{NodeID: n.id, LeaderHint: n.leaderID})
	}
	current := n.latestConfig
	if current.IsJoint {
		return future.Failed[bool](types.ErrChangeInProgress)
	}
	if current.Contains(id) {
		return future.Completed(true)
	}

	target := current.Clone()
	target.Nodes = append(target.Nodes, id)

	fut := n.syncer.StartChange(current, target, timeout)
	n.broadcastLocked()
	return fut
}

// RemoveServer shrinks the cluster through a joint-consensus change. When
// the leader removes itself it steps down only after the final configuration
// commits.
func (n *Node) RemoveServer(id types.NodeID, timeout time.Duration) *future.Future[bool] {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return future.Failed[bool](types.ErrNodeStopped)
	}
	if n.role != types.RoleLeader {
		return future.Failed[bool](&types.NotLeaderError{NodeID: n.id, LeaderHint: n.leaderID})
	}
	current := n.latestConfig
	if current.IsJoint {
		return future.Failed[bool](types.ErrChangeInProgress)
	}
	if !current.Contains(id) {
		return future.Completed(true)
	}

	target := &types.ClusterConfiguration{}
	for _, member := range current.Nodes {
		if member != id {
			target.Nodes = append(target.Nodes, member)
		}
	}

	fut := n.syncer.StartChange(current, target, timeout)
	n.broadcastLocked()
	return fut
}
