package consensus

import (
	"github.com/cuemby/quorum/pkg/events"
	"github.com/cuemby/quorum/pkg/membership"
	"github.com/cuemby/quorum/pkg/metrics"
	"github.com/cuemby/quorum/pkg/retry"
	"github.com/cuemby/quorum/pkg/types"
)

// broadcastLocked kicks every peer's replication stream. Each stream runs on
// its own goroutine with at most one request in flight.
func (n *Node) broadcastLocked() {
	for _, p := range n.peers {
		if !p.inFlight {
			p.inFlight = true
			go n.replicate(p.id)
		}
	}
}

// replicate is one peer's replication stream. It sends AppendEntries (or a
// snapshot when the peer is behind the compaction boundary) until the peer is
// caught up, then exits; the next broadcast revives it.
func (n *Node) replicate(peer types.NodeID) {
	for {
		n.mu.Lock()
		p, ok := n.peers[peer]
		if !ok || n.stopped || n.role != types.RoleLeader {
			if ok {
				p.inFlight = false
			}
			n.mu.Unlock()
			return
		}

		req, needSnapshot, err := n.buildAppendLocked(p)
		if err != nil {
			p.inFlight = false
			n.mu.Unlock()
			return
		}
		term := n.currentTerm
		n.mu.Unlock()

		if needSnapshot {
			ok := n.sendSnapshot(peer, term)
			n.mu.Lock()
			pp, present := n.peers[peer]
			if !present || n.stopped || n.role != types.RoleLeader || !ok {
				if present {
					pp.inFlight = false
				}
				n.mu.Unlock()
				return
			}
			n.mu.Unlock()
			continue
		}

		timeout := n.engine.EffectiveTimeout(retry.OpAppendEntries, n.cfg.AppendEntriesTimeout)
		op := retry.OpAppendEntries
		if len(req.Entries) == 0 {
			op = retry.OpHeartbeat
			timeout = n.engine.EffectiveTimeout(retry.OpHeartbeat, n.cfg.RPCTimeout)
		}

		resp, err := retry.Execute(n.engine, n.stopCtx, op, func() (*types.AppendEntriesResponse, error) {
			return n.trans.SendAppendEntries(peer, req, timeout).Await(n.stopCtx)
		})
		if err != nil {
			metrics.RPCsTotal.WithLabelValues(op, "error").Inc()
			n.mu.Lock()
			if p, ok := n.peers[peer]; ok {
				p.inFlight = false
			}
			n.mu.Unlock()
			return
		}
		metrics.RPCsTotal.WithLabelValues(op, "ok").Inc()

		n.mu.Lock()
		p, ok = n.peers[peer]
		if !ok || n.stopped || n.role != types.RoleLeader || n.currentTerm != term {
			if ok {
				p.inFlight = false
			}
			n.mu.Unlock()
			return
		}

		if resp.Term > n.currentTerm {
			p.inFlight = false
			n.stepDownLocked(resp.Term, "")
			n.mu.Unlock()
			return
		}

		if resp.Success {
			match := req.PrevLogIndex + types.LogIndex(len(req.Entries))
			if match > p.matchIndex {
				p.matchIndex = match
			}
			p.nextIndex = match + 1
			n.advanceCommitLocked()
			if p.nextIndex > n.lastLogIndexLocked() {
				// Caught up.
				p.inFlight = false
				n.mu.Unlock()
				return
			}
			n.mu.Unlock()
			continue
		}

		// Semantic rejection: back off nextIndex, never through the retry
		// engine. The conflict hint skips a whole diverging term.
		if resp.ConflictIndex > 0 {
			p.nextIndex = resp.ConflictIndex
		} else if p.nextIndex > 1 {
			p.nextIndex--
		}
		if p.nextIndex < 1 {
			p.nextIndex = 1
		}
		n.mu.Unlock()
	}
}

// buildAppendLocked assembles the next AppendEntries for a peer, or reports
// that the peer is behind the snapshot boundary and needs a snapshot.
func (n *Node) buildAppendLocked(p *peerState) (*types.AppendEntriesRequest, bool, error) {
	prevIndex := p.nextIndex - 1

	if prevIndex < n.snapMeta.LastIncludedIndex {
		return nil, true, nil
	}

	prevTerm, err := n.termAtLocked(prevIndex)
	if err != nil {
		if errorsIsCompacted(err) {
			return nil, true, nil
		}
		n.haltLocked(err)
		return nil, false, err
	}

	var entries []types.LogEntry
	last := n.lastLogIndexLocked()
	if p.nextIndex <= last {
		hi := last + 1
		if max := p.nextIndex + types.LogIndex(n.cfg.MaxEntriesPerAppend); hi > max {
			hi = max
		}
		entries, err = n.logStore.Slice(p.nextIndex, hi)
		if err != nil {
			if errorsIsCompacted(err) {
				return nil, true, nil
			}
			n.haltLocked(err)
			return nil, false, err
		}
	}

	return &types.AppendEntriesRequest{
		Term:         n.currentTerm,
		LeaderID:     n.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}, false, nil
}

// advanceCommitLocked finds the highest index replicated on a quorum whose
// entry is from the current term, then applies everything up to it. Prior
// term entries only commit through a later current-term entry — the no-op a
// leader appends on election exists for exactly this.
func (n *Node) advanceCommitLocked() {
	if n.role != types.RoleLeader {
		return
	}

	last := n.lastLogIndexLocked()
	for idx := last; idx > n.commitIndex; idx-- {
		term, err := n.termAtLocked(idx)
		if err != nil {
			return
		}
		if term != n.currentTerm {
			// Entries from earlier terms cannot be counted directly.
			return
		}

		acked := map[types.NodeID]bool{n.id: true}
		for _, p := range n.peers {
			if p.matchIndex >= idx {
				acked[p.id] = true
			}
		}
		if n.latestConfig.HasQuorum(acked) {
			n.commitIndex = idx
			n.applyCommittedLocked()
			return
		}
	}
}

// applyCommittedLocked applies entries in strict log order up to commitIndex,
// resolving client operations and configuration phases as it goes.
func (n *Node) applyCommittedLocked() {
	for n.lastApplied < n.commitIndex {
		idx := n.lastApplied + 1
		entry, err := n.logStore.Entry(idx)
		if err != nil {
			if errorsIsCompacted(err) {
				// Covered by a snapshot we already restored.
				n.lastApplied = idx
				continue
			}
			n.haltLocked(err)
			return
		}

		switch entry.Type {
		case types.EntryCommand:
			timer := metrics.NewTimer()
			command := entry.Command
			n.waiter.NotifyApplied(idx, func(i types.LogIndex) ([]byte, error) {
				return n.machine.Apply(i, command)
			})
			timer.ObserveDuration(metrics.ApplyDuration)
			n.bytesSinceSnapshot += int64(len(command))

		case types.EntryConfiguration:
			n.commConfig = entry.Configuration.Clone()
			n.handleConfigCommittedLocked(entry.Configuration, idx)

		case types.EntryNoop:
			// Nothing to apply; its commitment is its purpose.
		}

		n.lastApplied = idx
	}

	n.resolveReadsLocked()
	n.maybeSnapshotLocked()
	n.publishMetricsLocked()
}

// handleConfigCommittedLocked advances the membership change machine and
// enforces self-removal step-down.
func (n *Node) handleConfigCommittedLocked(cfg *types.ClusterConfiguration, index types.LogIndex) {
	n.logger.Info().
		Uint64("index", uint64(index)).
		Bool("joint", cfg.IsJoint).
		Int("nodes", len(cfg.Nodes)).
		Msg("configuration committed")

	if cfg.IsJoint {
		n.publishEvent(events.EventConfigurationJoint, "joint configuration committed")
	} else {
		n.publishEvent(events.EventMembershipChanged, "final configuration committed")
	}

	n.syncer.NotifyCommitted(cfg, index)

	if n.role == types.RoleLeader {
		// A committed joint entry with no change in flight is an inherited
		// change; drive it to its final phase.
		if cfg.IsJoint && n.syncer.Phase() == membership.Idle {
			n.syncer.ResumeFinalPhase(cfg, n.cfg.InstallSnapshotTimeout)
		}

		// The leader removes itself only once the final configuration is
		// committed.
		if !cfg.IsJoint && !cfg.Contains(n.id) {
			n.logger.Info().Msg("removed from configuration, stepping down")
			n.stepDownLocked(n.currentTerm, "")
		}
	}
}
