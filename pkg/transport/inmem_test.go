package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/quorum/pkg/clock"
	"github.com/cuemby/quorum/pkg/types"
)

// echoHandler answers every RPC with its own term.
type echoHandler struct {
	term types.Term
}

func (h *echoHandler) HandleRequestVote(req *types.RequestVoteRequest) *types.RequestVoteResponse {
	return &types.RequestVoteResponse{Term: h.term, VoteGranted: true}
}

func (h *echoHandler) HandleAppendEntries(req *types.AppendEntriesRequest) *types.AppendEntriesResponse {
	return &types.AppendEntriesResponse{Term: h.term, Success: true}
}

func (h *echoHandler) HandleInstallSnapshot(req *types.InstallSnapshotRequest) *types.InstallSnapshotResponse {
	return &types.InstallSnapshotResponse{Term: h.term}
}

// TestInmemDelivery tests request dispatch to the registered handler
func TestInmemDelivery(t *testing.T) {
	net := NewInmemNetwork(clock.NewManualClock())
	a := net.Transport("a")
	b := net.Transport("b")
	b.SetHandler(&echoHandler{term: 4})

	fut := a.SendRequestVote("b", &types.RequestVoteRequest{Term: 4, CandidateID: "a"}, time.Second)
	resp, err := fut.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.Term(4), resp.Term)
	assert.True(t, resp.VoteGranted)
}

// TestInmemUnreachable tests failures for absent and handler-less peers
func TestInmemUnreachable(t *testing.T) {
	net := NewInmemNetwork(clock.NewManualClock())
	a := net.Transport("a")

	_, err := a.SendAppendEntries("ghost", &types.AppendEntriesRequest{}, time.Second).Await(context.Background())
	var tErr *Error
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, KindUnreachable, tErr.Kind)
	assert.True(t, tErr.Retryable())

	// A registered transport with no handler is equally unreachable.
	net.Transport("c")
	_, err = a.SendAppendEntries("c", &types.AppendEntriesRequest{}, time.Second).Await(context.Background())
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, KindUnreachable, tErr.Kind)
}

// TestInmemDisconnect tests disconnect and reconnect
func TestInmemDisconnect(t *testing.T) {
	net := NewInmemNetwork(clock.NewManualClock())
	a := net.Transport("a")
	b := net.Transport("b")
	b.SetHandler(&echoHandler{term: 1})

	net.Disconnect("b")
	_, err := a.SendAppendEntries("b", &types.AppendEntriesRequest{}, time.Second).Await(context.Background())
	assert.Error(t, err)

	net.Reconnect("b")
	_, err = a.SendAppendEntries("b", &types.AppendEntriesRequest{}, time.Second).Await(context.Background())
	assert.NoError(t, err)
}

// TestInmemPartition tests symmetric partitions and healing
func TestInmemPartition(t *testing.T) {
	net := NewInmemNetwork(clock.NewManualClock())
	a := net.Transport("a")
	b := net.Transport("b")
	c := net.Transport("c")
	for _, tr := range []*InmemTransport{a, b, c} {
		tr.SetHandler(&echoHandler{term: 1})
	}

	net.Partition([]types.NodeID{"a"}, []types.NodeID{"b", "c"})

	_, err := a.SendAppendEntries("b", &types.AppendEntriesRequest{}, time.Second).Await(context.Background())
	assert.Error(t, err, "across the partition")

	_, err = b.SendAppendEntries("c", &types.AppendEntriesRequest{}, time.Second).Await(context.Background())
	assert.NoError(t, err, "within a partition group")

	net.Heal()
	_, err = a.SendAppendEntries("b", &types.AppendEntriesRequest{}, time.Second).Await(context.Background())
	assert.NoError(t, err)
}

// TestInmemClosed tests sends on a closed endpoint
func TestInmemClosed(t *testing.T) {
	net := NewInmemNetwork(clock.NewManualClock())
	a := net.Transport("a")
	net.Transport("b").SetHandler(&echoHandler{term: 1})

	require.NoError(t, a.Close())
	_, err := a.SendInstallSnapshot("b", &types.InstallSnapshotRequest{}, time.Second).Await(context.Background())

	var tErr *Error
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, KindClosed, tErr.Kind)
	assert.False(t, tErr.Retryable())
}
