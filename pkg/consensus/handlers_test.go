package consensus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/quorum/pkg/clock"
	"github.com/cuemby/quorum/pkg/fsm"
	"github.com/cuemby/quorum/pkg/storage"
	"github.com/cuemby/quorum/pkg/transport"
	"github.com/cuemby/quorum/pkg/types"
)

// newHandlerNode builds a started node on a manual clock, so no timer ever
// fires and handlers can be driven directly.
func newHandlerNode(t *testing.T, id types.NodeID, peers ...types.NodeID) (*Node, *storage.InmemLogStore, *storage.InmemStateStore) {
	t.Helper()
	clk := clock.NewManualClock()
	net := transport.NewInmemNetwork(clk)
	logStore := storage.NewInmemLogStore()
	stateStore := storage.NewInmemStateStore()

	node, err := NewNode(Options{
		ID:         id,
		LogStore:   logStore,
		StateStore: stateStore,
		Machine:    fsm.NewKVStateMachine(),
		Transport:  net.Transport(id),
		Clock:      clk,
		Bootstrap:  &types.ClusterConfiguration{Nodes: append([]types.NodeID{id}, peers...)},
	})
	require.NoError(t, err)
	require.NoError(t, node.Start())
	t.Cleanup(node.Stop)
	return node, logStore, stateStore
}

func entry(index types.LogIndex, term types.Term, key, value string) types.LogEntry {
	cmd, _ := json.Marshal(fsm.Command{Op: "set", Key: key, Value: []byte(value)})
	return types.LogEntry{Index: index, Term: term, Type: types.EntryCommand, Command: cmd}
}

// TestHandleRequestVote tests the vote-grant decision table
func TestHandleRequestVote(t *testing.T) {
	t.Run("stale term rejected", func(t *testing.T) {
		node, _, _ := newHandlerNode(t, "a", "b", "c")
		node.HandleAppendEntries(&types.AppendEntriesRequest{Term: 5, LeaderID: "b"})

		resp := node.HandleRequestVote(&types.RequestVoteRequest{Term: 4, CandidateID: "c"})
		assert.False(t, resp.VoteGranted)
		assert.Equal(t, types.Term(5), resp.Term)
	})

	t.Run("higher term grants and persists", func(t *testing.T) {
		node, _, stateStore := newHandlerNode(t, "a", "b", "c")

		resp := node.HandleRequestVote(&types.RequestVoteRequest{Term: 3, CandidateID: "b"})
		assert.True(t, resp.VoteGranted)
		assert.Equal(t, types.Term(3), resp.Term)

		persisted, err := stateStore.Load()
		require.NoError(t, err)
		assert.Equal(t, types.Term(3), persisted.CurrentTerm)
		assert.Equal(t, types.NodeID("b"), persisted.VotedFor)
	})

	t.Run("second candidate same term rejected", func(t *testing.T) {
		node, _, _ := newHandlerNode(t, "a", "b", "c")

		assert.True(t, node.HandleRequestVote(&types.RequestVoteRequest{Term: 3, CandidateID: "b"}).VoteGranted)
		assert.False(t, node.HandleRequestVote(&types.RequestVoteRequest{Term: 3, CandidateID: "c"}).VoteGranted)
		// Re-requesting by the original candidate succeeds.
		assert.True(t, node.HandleRequestVote(&types.RequestVoteRequest{Term: 3, CandidateID: "b"}).VoteGranted)
	})

	t.Run("stale log rejected", func(t *testing.T) {
		node, _, _ := newHandlerNode(t, "a", "b", "c")
		node.HandleAppendEntries(&types.AppendEntriesRequest{
			Term:     2,
			LeaderID: "b",
			Entries:  []types.LogEntry{entry(1, 2, "k", "v")},
		})

		// Candidate with an older last term loses.
		resp := node.HandleRequestVote(&types.RequestVoteRequest{
			Term: 3, CandidateID: "c", LastLogIndex: 5, LastLogTerm: 1,
		})
		assert.False(t, resp.VoteGranted)

		// Same last term, shorter log loses.
		resp = node.HandleRequestVote(&types.RequestVoteRequest{
			Term: 4, CandidateID: "c", LastLogIndex: 0, LastLogTerm: 2,
		})
		assert.False(t, resp.VoteGranted)

		// Same last term, equal-or-longer log wins.
		resp = node.HandleRequestVote(&types.RequestVoteRequest{
			Term: 5, CandidateID: "c", LastLogIndex: 1, LastLogTerm: 2,
		})
		assert.True(t, resp.VoteGranted)
	})
}

// TestHandleAppendEntries tests the replication decision table
func TestHandleAppendEntries(t *testing.T) {
	t.Run("stale term rejected", func(t *testing.T) {
		node, _, _ := newHandlerNode(t, "a", "b", "c")
		node.HandleAppendEntries(&types.AppendEntriesRequest{Term: 5, LeaderID: "b"})

		resp := node.HandleAppendEntries(&types.AppendEntriesRequest{Term: 4, LeaderID: "c"})
		assert.False(t, resp.Success)
		assert.Equal(t, types.Term(5), resp.Term)
	})

	t.Run("empty heartbeat on empty log succeeds", func(t *testing.T) {
		node, logStore, _ := newHandlerNode(t, "a", "b", "c")

		resp := node.HandleAppendEntries(&types.AppendEntriesRequest{Term: 1, LeaderID: "b"})
		assert.True(t, resp.Success)
		assert.Equal(t, types.LogIndex(0), logStore.LastIndex())
		assert.Equal(t, types.LogIndex(0), node.Status().CommitIndex)
	})

	t.Run("appends apply on commit", func(t *testing.T) {
		node, logStore, _ := newHandlerNode(t, "a", "b", "c")

		resp := node.HandleAppendEntries(&types.AppendEntriesRequest{
			Term:         1,
			LeaderID:     "b",
			Entries:      []types.LogEntry{entry(1, 1, "x", "1"), entry(2, 1, "y", "2")},
			LeaderCommit: 1,
		})
		assert.True(t, resp.Success)
		assert.Equal(t, types.LogIndex(2), logStore.LastIndex())

		st := node.Status()
		assert.Equal(t, types.LogIndex(1), st.CommitIndex)
		assert.Equal(t, types.LogIndex(1), st.LastApplied)

		// Commit trails the shipped entries, never leads them.
		resp = node.HandleAppendEntries(&types.AppendEntriesRequest{
			Term: 1, LeaderID: "b", PrevLogIndex: 2, PrevLogTerm: 1, LeaderCommit: 10,
		})
		assert.True(t, resp.Success)
		assert.Equal(t, types.LogIndex(2), node.Status().CommitIndex)
	})

	t.Run("resending an appended prefix is a no-op", func(t *testing.T) {
		node, logStore, _ := newHandlerNode(t, "a", "b", "c")
		req := &types.AppendEntriesRequest{
			Term:     1,
			LeaderID: "b",
			Entries:  []types.LogEntry{entry(1, 1, "x", "1"), entry(2, 1, "y", "2")},
		}

		assert.True(t, node.HandleAppendEntries(req).Success)
		assert.True(t, node.HandleAppendEntries(req).Success)
		assert.Equal(t, types.LogIndex(2), logStore.LastIndex())

		got, err := logStore.Entry(2)
		require.NoError(t, err)
		assert.Equal(t, types.Term(1), got.Term)
	})

	t.Run("short log returns conflict hint", func(t *testing.T) {
		node, _, _ := newHandlerNode(t, "a", "b", "c")
		node.HandleAppendEntries(&types.AppendEntriesRequest{
			Term: 1, LeaderID: "b", Entries: []types.LogEntry{entry(1, 1, "x", "1")},
		})

		resp := node.HandleAppendEntries(&types.AppendEntriesRequest{
			Term: 1, LeaderID: "b", PrevLogIndex: 5, PrevLogTerm: 1,
		})
		assert.False(t, resp.Success)
		assert.Equal(t, types.LogIndex(2), resp.ConflictIndex, "resume at our log end")
	})

	t.Run("term mismatch truncates conflicting suffix", func(t *testing.T) {
		node, logStore, _ := newHandlerNode(t, "a", "b", "c")
		node.HandleAppendEntries(&types.AppendEntriesRequest{
			Term:     1,
			LeaderID: "b",
			Entries:  []types.LogEntry{entry(1, 1, "x", "1"), entry(2, 1, "y", "2"), entry(3, 1, "z", "3")},
		})

		// A term-2 leader whose log shares only index 1 rewrites the rest.
		resp := node.HandleAppendEntries(&types.AppendEntriesRequest{
			Term:         2,
			LeaderID:     "c",
			PrevLogIndex: 1,
			PrevLogTerm:  1,
			Entries:      []types.LogEntry{{Index: 2, Term: 2, Type: types.EntryNoop}},
		})
		assert.True(t, resp.Success)
		assert.Equal(t, types.LogIndex(2), logStore.LastIndex())

		got, err := logStore.Entry(2)
		require.NoError(t, err)
		assert.Equal(t, types.Term(2), got.Term)
		assert.Equal(t, types.EntryNoop, got.Type)
	})

	t.Run("conflicting prev term reports first index of that term", func(t *testing.T) {
		node, _, _ := newHandlerNode(t, "a", "b", "c")
		node.HandleAppendEntries(&types.AppendEntriesRequest{
			Term:     1,
			LeaderID: "b",
			Entries:  []types.LogEntry{entry(1, 1, "a", "1"), entry(2, 1, "b", "2"), entry(3, 1, "c", "3")},
		})

		resp := node.HandleAppendEntries(&types.AppendEntriesRequest{
			Term: 2, LeaderID: "c", PrevLogIndex: 3, PrevLogTerm: 2,
		})
		assert.False(t, resp.Success)
		assert.Equal(t, types.LogIndex(1), resp.ConflictIndex, "whole term-1 run is suspect")
		assert.Equal(t, types.Term(1), resp.ConflictTerm)
	})
}

// TestHandleInstallSnapshot tests chunk assembly and install semantics
func TestHandleInstallSnapshot(t *testing.T) {
	machineState := func(t *testing.T, kv map[string][]byte) []byte {
		t.Helper()
		data, err := json.Marshal(kv)
		require.NoError(t, err)
		return data
	}

	buildPayload := func(t *testing.T, index types.LogIndex, term types.Term) []byte {
		t.Helper()
		snap := types.Snapshot{
			Meta: types.SnapshotMeta{
				LastIncludedIndex: index,
				LastIncludedTerm:  term,
				Configuration:     &types.ClusterConfiguration{Nodes: []types.NodeID{"a", "b", "c"}},
			},
			State: machineState(t, map[string][]byte{"snap": []byte("shot")}),
		}
		payload, err := json.Marshal(snap)
		require.NoError(t, err)
		return payload
	}

	t.Run("chunked install", func(t *testing.T) {
		node, logStore, stateStore := newHandlerNode(t, "a", "b", "c")
		payload := buildPayload(t, 10, 2)

		half := len(payload) / 2
		resp := node.HandleInstallSnapshot(&types.InstallSnapshotRequest{
			Term: 2, LeaderID: "b", LastIncludedIndex: 10, LastIncludedTerm: 2,
			Offset: 0, Data: payload[:half],
		})
		assert.Equal(t, types.Term(2), resp.Term)

		node.HandleInstallSnapshot(&types.InstallSnapshotRequest{
			Term: 2, LeaderID: "b", LastIncludedIndex: 10, LastIncludedTerm: 2,
			Offset: uint64(half), Data: payload[half:], Done: true,
		})

		st := node.Status()
		assert.Equal(t, types.LogIndex(10), st.CommitIndex)
		assert.Equal(t, types.LogIndex(10), st.LastApplied)
		assert.Equal(t, types.LogIndex(0), logStore.LastIndex(), "log fully compacted")

		stored, err := stateStore.LoadSnapshot()
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, types.LogIndex(10), stored.Meta.LastIncludedIndex)

		// Replication resumes above the snapshot boundary.
		resp = node.HandleInstallSnapshot(&types.InstallSnapshotRequest{
			Term: 2, LeaderID: "b", LastIncludedIndex: 10, LastIncludedTerm: 2,
			Offset: 0, Data: payload, Done: true,
		})
		assert.Equal(t, types.Term(2), resp.Term, "stale snapshot acknowledged without reinstall")
	})

	t.Run("restart at offset zero discards partial buffer", func(t *testing.T) {
		node, _, _ := newHandlerNode(t, "a", "b", "c")
		payload := buildPayload(t, 4, 1)

		node.HandleInstallSnapshot(&types.InstallSnapshotRequest{
			Term: 1, LeaderID: "b", LastIncludedIndex: 4, LastIncludedTerm: 1,
			Offset: 0, Data: payload[:3],
		})
		// The leader restarts the transfer from scratch.
		node.HandleInstallSnapshot(&types.InstallSnapshotRequest{
			Term: 1, LeaderID: "b", LastIncludedIndex: 4, LastIncludedTerm: 1,
			Offset: 0, Data: payload, Done: true,
		})

		assert.Equal(t, types.LogIndex(4), node.Status().LastApplied)
	})

	t.Run("stale snapshot leaves state untouched", func(t *testing.T) {
		node, logStore, _ := newHandlerNode(t, "a", "b", "c")
		node.HandleAppendEntries(&types.AppendEntriesRequest{
			Term:         1,
			LeaderID:     "b",
			Entries:      []types.LogEntry{entry(1, 1, "x", "1"), entry(2, 1, "y", "2")},
			LeaderCommit: 2,
		})
		require.Equal(t, types.LogIndex(2), node.Status().CommitIndex)

		payload := buildPayload(t, 1, 1)
		resp := node.HandleInstallSnapshot(&types.InstallSnapshotRequest{
			Term: 1, LeaderID: "b", LastIncludedIndex: 1, LastIncludedTerm: 1,
			Offset: 0, Data: payload, Done: true,
		})
		assert.Equal(t, types.Term(1), resp.Term)
		assert.Equal(t, types.LogIndex(2), node.Status().CommitIndex)
		assert.Equal(t, types.LogIndex(2), logStore.LastIndex())
	})
}
