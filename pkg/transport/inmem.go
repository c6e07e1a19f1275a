package transport

import (
	"sync"
	"time"

	"github.com/cuemby/quorum/pkg/clock"
	"github.com/cuemby/quorum/pkg/future"
	"github.com/cuemby/quorum/pkg/types"
)

// InmemNetwork is a simulated network connecting InmemTransports. Tests
// partition it, disconnect nodes, and drive timeouts through the shared
// clock.
type InmemNetwork struct {
	mu         sync.RWMutex
	clock      clock.Clock
	transports map[types.NodeID]*InmemTransport
	discon     map[types.NodeID]bool
	groups     map[types.NodeID]int // partition group per node; default group 0
}

// NewInmemNetwork creates an empty network on the given clock.
func NewInmemNetwork(c clock.Clock) *InmemNetwork {
	return &InmemNetwork{
		clock:      c,
		transports: make(map[types.NodeID]*InmemTransport),
		discon:     make(map[types.NodeID]bool),
		groups:     make(map[types.NodeID]int),
	}
}

// Transport creates (or returns) the transport endpoint for id.
func (n *InmemNetwork) Transport(id types.NodeID) *InmemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.transports[id]; ok {
		return t
	}
	t := &InmemTransport{id: id, network: n}
	n.transports[id] = t
	return t
}

// Disconnect drops all traffic to and from id until Reconnect.
func (n *InmemNetwork) Disconnect(id types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.discon[id] = true
}

// Reconnect restores traffic for id.
func (n *InmemNetwork) Reconnect(id types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.discon, id)
}

// Partition splits the network: nodes in the same group can talk, nodes in
// different groups cannot. Nodes not named stay in group 0.
func (n *InmemNetwork) Partition(groups ...[]types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups = make(map[types.NodeID]int)
	for i, group := range groups {
		for _, id := range group {
			n.groups[id] = i + 1
		}
	}
}

// Heal removes all partitions.
func (n *InmemNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups = make(map[types.NodeID]int)
}

func (n *InmemNetwork) reachable(from, to types.NodeID) (*InmemTransport, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.discon[from] || n.discon[to] {
		return nil, false
	}
	if n.groups[from] != n.groups[to] {
		return nil, false
	}
	t, ok := n.transports[to]
	if !ok {
		return nil, false
	}
	return t, t.getHandler() != nil
}

// InmemTransport is one node's endpoint on an InmemNetwork.
type InmemTransport struct {
	id      types.NodeID
	network *InmemNetwork

	mu      sync.RWMutex
	handler Handler
	closed  bool
}

func (t *InmemTransport) LocalID() types.NodeID {
	return t.id
}

func (t *InmemTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *InmemTransport) getHandler() Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handler
}

func (t *InmemTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.handler = nil
	return nil
}

func (t *InmemTransport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *InmemTransport) SendRequestVote(target types.NodeID, req *types.RequestVoteRequest, timeout time.Duration) *future.Future[*types.RequestVoteResponse] {
	return send(t, target, "request_vote", req, timeout,
		func(h Handler, r *types.RequestVoteRequest) *types.RequestVoteResponse { return h.HandleRequestVote(r) })
}

func (t *InmemTransport) SendAppendEntries(target types.NodeID, req *types.AppendEntriesRequest, timeout time.Duration) *future.Future[*types.AppendEntriesResponse] {
	return send(t, target, "append_entries", req, timeout,
		func(h Handler, r *types.AppendEntriesRequest) *types.AppendEntriesResponse {
			return h.HandleAppendEntries(r)
		})
}

func (t *InmemTransport) SendInstallSnapshot(target types.NodeID, req *types.InstallSnapshotRequest, timeout time.Duration) *future.Future[*types.InstallSnapshotResponse] {
	return send(t, target, "install_snapshot", req, timeout,
		func(h Handler, r *types.InstallSnapshotRequest) *types.InstallSnapshotResponse {
			return h.HandleInstallSnapshot(r)
		})
}

// send delivers the request synchronously on the caller's goroutine: the
// simulated network either answers instantly or fails instantly, which keeps
// ManualClock tests deterministic. The timeout parameter is part of the
// Transport contract but a zero-latency network never trips it.
func send[Req any, Resp any](t *InmemTransport, target types.NodeID, op string, req Req, _ time.Duration, dispatch func(Handler, Req) Resp) *future.Future[Resp] {
	p := future.NewPromise[Resp]()

	if t.isClosed() {
		p.Fail(&Error{Kind: KindClosed, Op: op, Peer: target})
		return p.Future()
	}

	dst, ok := t.network.reachable(t.id, target)
	if !ok {
		p.Fail(&Error{Kind: KindUnreachable, Op: op, Peer: target})
		return p.Future()
	}

	h := dst.getHandler()
	if h == nil {
		p.Fail(&Error{Kind: KindUnreachable, Op: op, Peer: target})
		return p.Future()
	}
	resp := dispatch(h, req)

	// The reply must also cross the (possibly now partitioned) network.
	if _, ok := t.network.reachable(t.id, target); !ok {
		p.Fail(&Error{Kind: KindUnreachable, Op: op, Peer: target})
		return p.Future()
	}
	p.Complete(resp)
	return p.Future()
}
