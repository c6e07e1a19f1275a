package consensus

import (
	"encoding/json"

	"github.com/cuemby/quorum/pkg/events"
	"github.com/cuemby/quorum/pkg/metrics"
	"github.com/cuemby/quorum/pkg/types"
)

// HandleRequestVote grants the vote iff the candidate's term is current, no
// conflicting vote was cast this term, and the candidate's log is at least
// as up-to-date (last term, then last index).
func (n *Node) HandleRequestVote(req *types.RequestVoteRequest) *types.RequestVoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return &types.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}
	}

	if req.Term < n.currentTerm {
		return &types.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}
	}
	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term, "")
		if n.stopped {
			return &types.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}
		}
	}

	upToDate := req.LastLogTerm > n.lastLogTermLocked() ||
		(req.LastLogTerm == n.lastLogTermLocked() && req.LastLogIndex >= n.lastLogIndexLocked())
	canVote := n.votedFor == "" || n.votedFor == req.CandidateID

	if !canVote || !upToDate {
		n.logger.Debug().
			Str("candidate", string(req.CandidateID)).
			Uint64("term", uint64(req.Term)).
			Bool("can_vote", canVote).
			Bool("up_to_date", upToDate).
			Msg("vote denied")
		return &types.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}
	}

	n.votedFor = req.CandidateID
	if n.persistLocked() != nil {
		return &types.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}
	}
	n.resetElectionTimerLocked()

	n.logger.Info().
		Str("candidate", string(req.CandidateID)).
		Uint64("term", uint64(req.Term)).
		Msg("vote granted")
	return &types.RequestVoteResponse{Term: n.currentTerm, VoteGranted: true}
}

// HandleAppendEntries is the follower side of replication: term checks, the
// log consistency check with conflict hints, conflict truncation, append,
// and commit advancement, with durability before each acknowledgment.
func (n *Node) HandleAppendEntries(req *types.AppendEntriesRequest) *types.AppendEntriesResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return &types.AppendEntriesResponse{Term: n.currentTerm, Success: false}
	}

	// 1. A stale leader gets our term and no timer reset.
	if req.Term < n.currentTerm {
		return &types.AppendEntriesResponse{Term: n.currentTerm, Success: false}
	}

	// 2-3. The request is from the current term's leader: follow it and
	// reset the election window.
	if req.Term > n.currentTerm || n.role != types.RoleFollower {
		n.stepDownLocked(req.Term, req.LeaderID)
		if n.stopped {
			return &types.AppendEntriesResponse{Term: n.currentTerm, Success: false}
		}
	}
	n.leaderID = req.LeaderID
	n.resetElectionTimerLocked()

	// 4. Log consistency check with conflict acceleration.
	if req.PrevLogIndex > 0 {
		lastIndex := n.lastLogIndexLocked()
		if req.PrevLogIndex > lastIndex {
			// Log too short: the leader should resume at our end.
			return &types.AppendEntriesResponse{
				Term:          n.currentTerm,
				Success:       false,
				ConflictIndex: lastIndex + 1,
			}
		}
		prevTerm, err := n.termAtLocked(req.PrevLogIndex)
		if err != nil {
			if errorsIsCompacted(err) {
				// The prev index is inside our snapshot; everything up to the
				// snapshot boundary matches by Leader Completeness.
				prevTerm = req.PrevLogTerm
			} else {
				n.haltLocked(err)
				return &types.AppendEntriesResponse{Term: n.currentTerm, Success: false}
			}
		}
		if prevTerm != req.PrevLogTerm {
			conflictIndex, conflictTerm := n.findConflictLocked(req.PrevLogIndex, prevTerm)
			return &types.AppendEntriesResponse{
				Term:          n.currentTerm,
				Success:       false,
				ConflictIndex: conflictIndex,
				ConflictTerm:  conflictTerm,
			}
		}
	}

	// 5. Conflict truncation and append. Re-sent prefixes are skipped so the
	// operation is idempotent.
	var lastNew types.LogIndex = req.PrevLogIndex
	for i, entry := range req.Entries {
		existingTerm, err := n.termAtLocked(entry.Index)
		switch {
		case errorsIsCompacted(err):
			// Below the snapshot boundary: already committed and applied.
			lastNew = entry.Index
			continue
		case err == nil && existingTerm == entry.Term:
			// Already have it.
			lastNew = entry.Index
			continue
		case err == nil:
			// Conflicting entry: truncate from here, then append the rest.
			if terr := n.logStore.TruncateSuffix(entry.Index); terr != nil {
				n.haltLocked(terr)
				return &types.AppendEntriesResponse{Term: n.currentTerm, Success: false}
			}
		case !errorsIsCompacted(err) && entry.Index <= n.lastLogIndexLocked():
			n.haltLocked(err)
			return &types.AppendEntriesResponse{Term: n.currentTerm, Success: false}
		}

		rest := req.Entries[i:]
		if _, aerr := n.logStore.Append(rest); aerr != nil {
			n.haltLocked(aerr)
			return &types.AppendEntriesResponse{Term: n.currentTerm, Success: false}
		}
		for _, e := range rest {
			if e.Type == types.EntryConfiguration {
				n.adoptConfigurationLocked(e.Configuration, e.Index)
			}
		}
		lastNew = rest[len(rest)-1].Index
		break
	}

	// 6-7. Commit advancement and in-order apply.
	if req.LeaderCommit > n.commitIndex {
		commit := req.LeaderCommit
		if lastNew < commit {
			commit = lastNew
		}
		if commit > n.commitIndex {
			n.commitIndex = commit
			n.applyCommittedLocked()
		}
	}

	// 8.
	return &types.AppendEntriesResponse{Term: n.currentTerm, Success: true}
}

// findConflictLocked locates the first index of the conflicting term so the
// leader can skip the whole term on back-off.
func (n *Node) findConflictLocked(prevIndex types.LogIndex, conflictTerm types.Term) (types.LogIndex, types.Term) {
	first := n.logStore.FirstIndex()
	index := prevIndex
	for index > first {
		t, err := n.termAtLocked(index - 1)
		if err != nil || t != conflictTerm {
			break
		}
		index--
	}
	return index, conflictTerm
}

// HandleInstallSnapshot assembles snapshot chunks by offset and installs the
// snapshot once complete. A restart at offset 0 discards any partial buffer,
// so interrupted transfers are always safe to restart.
func (n *Node) HandleInstallSnapshot(req *types.InstallSnapshotRequest) *types.InstallSnapshotResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return &types.InstallSnapshotResponse{Term: n.currentTerm}
	}

	if req.Term < n.currentTerm {
		return &types.InstallSnapshotResponse{Term: n.currentTerm}
	}
	if req.Term > n.currentTerm || n.role != types.RoleFollower {
		n.stepDownLocked(req.Term, req.LeaderID)
		if n.stopped {
			return &types.InstallSnapshotResponse{Term: n.currentTerm}
		}
	}
	n.leaderID = req.LeaderID
	n.resetElectionTimerLocked()

	if req.Offset == 0 {
		n.snapBuffer = n.snapBuffer[:0]
		n.snapBufferIndex = req.LastIncludedIndex
	}
	if req.LastIncludedIndex != n.snapBufferIndex || req.Offset != uint64(len(n.snapBuffer)) {
		// Out-of-sequence chunk: drop it; the leader restarts from 0.
		return &types.InstallSnapshotResponse{Term: n.currentTerm}
	}
	n.snapBuffer = append(n.snapBuffer, req.Data...)

	if !req.Done {
		return &types.InstallSnapshotResponse{Term: n.currentTerm}
	}

	payload := n.snapBuffer
	n.snapBuffer = nil
	n.snapBufferIndex = 0

	// A snapshot that does not move us forward is stale; acknowledge and
	// keep our state.
	if req.LastIncludedIndex <= n.commitIndex {
		n.logger.Debug().
			Uint64("last_included", uint64(req.LastIncludedIndex)).
			Uint64("commit_index", uint64(n.commitIndex)).
			Msg("ignoring stale snapshot")
		return &types.InstallSnapshotResponse{Term: n.currentTerm}
	}

	var snap types.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		n.logger.Error().Err(err).Msg("malformed snapshot payload")
		return &types.InstallSnapshotResponse{Term: n.currentTerm}
	}

	if err := n.installSnapshotLocked(&snap); err != nil {
		return &types.InstallSnapshotResponse{Term: n.currentTerm}
	}

	n.logger.Info().
		Uint64("last_included", uint64(snap.Meta.LastIncludedIndex)).
		Msg("snapshot installed")
	metrics.SnapshotsTotal.WithLabelValues("installed").Inc()
	n.publishEvent(events.EventSnapshotInstalled, "snapshot transfer complete")
	return &types.InstallSnapshotResponse{Term: n.currentTerm}
}

// installSnapshotLocked persists the snapshot, discards the covered log
// prefix, and reloads the state machine from it.
func (n *Node) installSnapshotLocked(snap *types.Snapshot) error {
	if err := n.stateStore.SaveSnapshot(snap); err != nil {
		n.haltLocked(err)
		return err
	}

	// A log entry at the snapshot boundary with a different term means our
	// whole suffix diverged; drop it with the prefix.
	boundaryTerm, err := n.termAtLocked(snap.Meta.LastIncludedIndex)
	diverged := err == nil && boundaryTerm != snap.Meta.LastIncludedTerm
	if err := n.logStore.DiscardPrefix(snap.Meta.LastIncludedIndex); err != nil {
		n.haltLocked(err)
		return err
	}
	if diverged {
		if err := n.logStore.TruncateSuffix(snap.Meta.LastIncludedIndex + 1); err != nil {
			n.haltLocked(err)
			return err
		}
	}

	if err := n.machine.Restore(snap.State); err != nil {
		n.logger.Error().Err(err).Msg("state machine restore failed")
		return err
	}

	n.snapMeta = snap.Meta
	n.commitIndex = snap.Meta.LastIncludedIndex
	n.lastApplied = snap.Meta.LastIncludedIndex
	n.bytesSinceSnapshot = 0
	if snap.Meta.Configuration != nil {
		n.adoptConfigurationLocked(snap.Meta.Configuration, snap.Meta.LastIncludedIndex)
		n.commConfig = snap.Meta.Configuration.Clone()
	}
	n.publishMetricsLocked()
	return nil
}
