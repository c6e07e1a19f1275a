package consensus

import (
	"encoding/json"

	"github.com/cuemby/quorum/pkg/events"
	"github.com/cuemby/quorum/pkg/metrics"
	"github.com/cuemby/quorum/pkg/retry"
	"github.com/cuemby/quorum/pkg/types"
)

// maybeSnapshotLocked captures a snapshot once enough command bytes have been
// applied since the last one, then discards the covered log prefix.
func (n *Node) maybeSnapshotLocked() {
	if n.bytesSinceSnapshot < n.cfg.SnapshotThresholdBytes || n.lastApplied == 0 {
		return
	}
	if n.lastApplied <= n.snapMeta.LastIncludedIndex {
		return
	}

	term, err := n.termAtLocked(n.lastApplied)
	if err != nil {
		return
	}
	state, err := n.machine.Snapshot()
	if err != nil {
		n.logger.Error().Err(err).Msg("state machine snapshot failed")
		return
	}

	snap := &types.Snapshot{
		Meta: types.SnapshotMeta{
			LastIncludedIndex: n.lastApplied,
			LastIncludedTerm:  term,
			Configuration:     n.commConfig.Clone(),
		},
		State: state,
	}
	if err := n.stateStore.SaveSnapshot(snap); err != nil {
		n.haltLocked(err)
		return
	}
	if err := n.logStore.DiscardPrefix(n.lastApplied); err != nil {
		n.haltLocked(err)
		return
	}

	n.snapMeta = snap.Meta
	n.bytesSinceSnapshot = 0
	n.logger.Info().
		Uint64("last_included", uint64(snap.Meta.LastIncludedIndex)).
		Int("state_bytes", len(state)).
		Msg("snapshot captured, log prefix discarded")
	metrics.SnapshotsTotal.WithLabelValues("captured").Inc()
	n.publishEvent(events.EventSnapshotCaptured, "log size threshold crossed")
}

// sendSnapshot streams the current snapshot to a peer in chunks, restarting
// from offset 0 on any failure. Reports whether the transfer completed and
// the peer's replication state advanced.
func (n *Node) sendSnapshot(peer types.NodeID, term types.Term) bool {
	// One transfer per peer at a time.
	n.mu.Lock()
	if n.snapshotting[peer] {
		n.mu.Unlock()
		return false
	}
	n.snapshotting[peer] = true
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.snapshotting, peer)
		n.mu.Unlock()
	}()

	snap, err := n.stateStore.LoadSnapshot()
	if err != nil || snap == nil {
		return false
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		n.logger.Error().Err(err).Msg("failed to encode snapshot for transfer")
		return false
	}

	chunkSize := int(n.cfg.SnapshotChunkSize)
	timeout := n.engine.EffectiveTimeout(retry.OpInstallSnapshot, n.cfg.InstallSnapshotTimeout)

	n.logger.Info().
		Str("peer", string(peer)).
		Uint64("last_included", uint64(snap.Meta.LastIncludedIndex)).
		Int("bytes", len(payload)).
		Msg("sending snapshot")

	for offset := 0; ; {
		end := offset + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		req := &types.InstallSnapshotRequest{
			Term:              term,
			LeaderID:          n.id,
			LastIncludedIndex: snap.Meta.LastIncludedIndex,
			LastIncludedTerm:  snap.Meta.LastIncludedTerm,
			Offset:            uint64(offset),
			Data:              payload[offset:end],
			Done:              end == len(payload),
		}

		resp, err := retry.Execute(n.engine, n.stopCtx, retry.OpInstallSnapshot, func() (*types.InstallSnapshotResponse, error) {
			return n.trans.SendInstallSnapshot(peer, req, timeout).Await(n.stopCtx)
		})
		if err != nil {
			metrics.RPCsTotal.WithLabelValues(retry.OpInstallSnapshot, "error").Inc()
			return false
		}
		metrics.RPCsTotal.WithLabelValues(retry.OpInstallSnapshot, "ok").Inc()

		if resp.Term > term {
			n.observeTerm(resp.Term)
			return false
		}

		if req.Done {
			break
		}
		offset = end
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped || n.role != types.RoleLeader || n.currentTerm != term {
		return false
	}
	if p, ok := n.peers[peer]; ok {
		if snap.Meta.LastIncludedIndex > p.matchIndex {
			p.matchIndex = snap.Meta.LastIncludedIndex
		}
		p.nextIndex = snap.Meta.LastIncludedIndex + 1
	}
	n.advanceCommitLocked()
	metrics.SnapshotsTotal.WithLabelValues("sent").Inc()
	return true
}
