package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/quorum/pkg/types"
)

// TestGRPCRoundTrip tests the hand-written service descriptor and JSON codec
// over a loopback connection
func TestGRPCRoundTrip(t *testing.T) {
	server := NewGRPCTransport("b", "127.0.0.1:0", nil)
	require.NoError(t, server.Start())
	defer server.Close()
	server.SetHandler(&echoHandler{term: 9})

	client := NewGRPCTransport("a", "127.0.0.1:0", map[types.NodeID]string{
		"b": server.Addr(),
	})
	defer client.Close()

	vote, err := client.SendRequestVote("b", &types.RequestVoteRequest{
		Term: 9, CandidateID: "a", LastLogIndex: 4, LastLogTerm: 2,
	}, 2*time.Second).Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.Term(9), vote.Term)
	assert.True(t, vote.VoteGranted)

	appendResp, err := client.SendAppendEntries("b", &types.AppendEntriesRequest{
		Term:     9,
		LeaderID: "a",
		Entries: []types.LogEntry{
			{Index: 1, Term: 9, Type: types.EntryCommand, Command: []byte("payload")},
		},
		LeaderCommit: 1,
	}, 2*time.Second).Await(context.Background())
	require.NoError(t, err)
	assert.True(t, appendResp.Success)

	snapResp, err := client.SendInstallSnapshot("b", &types.InstallSnapshotRequest{
		Term: 9, LeaderID: "a", LastIncludedIndex: 3, LastIncludedTerm: 2,
		Offset: 0, Data: []byte("chunk"), Done: true,
	}, 2*time.Second).Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.Term(9), snapResp.Term)
}

// TestGRPCUnknownPeer tests the unreachable classification for peers missing
// from the address book
func TestGRPCUnknownPeer(t *testing.T) {
	client := NewGRPCTransport("a", "127.0.0.1:0", nil)
	defer client.Close()

	_, err := client.SendRequestVote("ghost", &types.RequestVoteRequest{Term: 1}, time.Second).Await(context.Background())
	var tErr *Error
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, KindUnreachable, tErr.Kind)
}

// TestGRPCNoHandler tests that inbound RPCs without a handler map to an
// unavailable (retryable) failure
func TestGRPCNoHandler(t *testing.T) {
	server := NewGRPCTransport("b", "127.0.0.1:0", nil)
	require.NoError(t, server.Start())
	defer server.Close()

	client := NewGRPCTransport("a", "127.0.0.1:0", map[types.NodeID]string{
		"b": server.Addr(),
	})
	defer client.Close()

	_, err := client.SendRequestVote("b", &types.RequestVoteRequest{Term: 1}, 2*time.Second).Await(context.Background())
	var tErr *Error
	require.ErrorAs(t, err, &tErr)
	assert.True(t, tErr.Retryable())
}
