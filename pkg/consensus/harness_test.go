package consensus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/quorum/pkg/clock"
	"github.com/cuemby/quorum/pkg/config"
	"github.com/cuemby/quorum/pkg/fsm"
	"github.com/cuemby/quorum/pkg/storage"
	"github.com/cuemby/quorum/pkg/transport"
	"github.com/cuemby/quorum/pkg/types"
)

// cluster is the end-to-end test harness: real nodes over a simulated
// network, driven by the wall clock with short timings.
type cluster struct {
	t        *testing.T
	net      *transport.InmemNetwork
	cfg      *config.Config
	nodes    map[types.NodeID]*Node
	machines map[types.NodeID]*fsm.KVStateMachine
	logs     map[types.NodeID]*storage.InmemLogStore
	states   map[types.NodeID]*storage.InmemStateStore
	ids      []types.NodeID
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.HeartbeatInterval = 25 * time.Millisecond
	cfg.ElectionTimeoutMin = 100 * time.Millisecond
	cfg.ElectionTimeoutMax = 200 * time.Millisecond
	cfg.RPCTimeout = 250 * time.Millisecond
	cfg.AppendEntriesTimeout = 250 * time.Millisecond
	cfg.RequestVoteTimeout = 150 * time.Millisecond
	cfg.InstallSnapshotTimeout = 2 * time.Second
	return cfg
}

func newCluster(t *testing.T, cfg *config.Config, ids ...types.NodeID) *cluster {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	c := &cluster{
		t:        t,
		net:      transport.NewInmemNetwork(clock.NewSystemClock()),
		cfg:      cfg,
		nodes:    make(map[types.NodeID]*Node),
		machines: make(map[types.NodeID]*fsm.KVStateMachine),
		logs:     make(map[types.NodeID]*storage.InmemLogStore),
		states:   make(map[types.NodeID]*storage.InmemStateStore),
		ids:      ids,
	}
	bootstrap := &types.ClusterConfiguration{Nodes: ids}
	for _, id := range ids {
		c.addNode(id, bootstrap)
	}
	t.Cleanup(func() {
		for _, n := range c.nodes {
			n.Stop()
		}
	})
	return c
}

// addNode starts a node on the cluster's network. A nil bootstrap creates a
// blank node that waits to be adopted through a membership change.
func (c *cluster) addNode(id types.NodeID, bootstrap *types.ClusterConfiguration) *Node {
	c.t.Helper()
	c.machines[id] = fsm.NewKVStateMachine()
	c.logs[id] = storage.NewInmemLogStore()
	c.states[id] = storage.NewInmemStateStore()

	node, err := NewNode(Options{
		ID:         id,
		Config:     c.cfg,
		LogStore:   c.logs[id],
		StateStore: c.states[id],
		Machine:    c.machines[id],
		Transport:  c.net.Transport(id),
		Clock:      clock.NewSystemClock(),
		Bootstrap:  bootstrap,
	})
	require.NoError(c.t, err)
	require.NoError(c.t, node.Start())
	c.nodes[id] = node
	return node
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// waitLeader blocks until some node considers itself leader and returns it.
func (c *cluster) waitLeader(exclude ...types.NodeID) *Node {
	c.t.Helper()
	skip := make(map[types.NodeID]bool)
	for _, id := range exclude {
		skip[id] = true
	}
	var leader *Node
	waitFor(c.t, 10*time.Second, "leader election", func() bool {
		for id, n := range c.nodes {
			if skip[id] {
				continue
			}
			if n.Status().Role == types.RoleLeader {
				leader = n
				return true
			}
		}
		return false
	})
	return leader
}

// waitApplied blocks until every listed node has applied through index.
func (c *cluster) waitApplied(index types.LogIndex, ids ...types.NodeID) {
	c.t.Helper()
	if len(ids) == 0 {
		ids = c.ids
	}
	waitFor(c.t, 10*time.Second, "apply convergence", func() bool {
		for _, id := range ids {
			if c.nodes[id].Status().LastApplied < index {
				return false
			}
		}
		return true
	})
}

func setCmd(t *testing.T, key, value string) []byte {
	t.Helper()
	data, err := json.Marshal(fsm.Command{Op: "set", Key: key, Value: []byte(value)})
	require.NoError(t, err)
	return data
}

func getQuery(t *testing.T, key string) []byte {
	t.Helper()
	data, err := json.Marshal(fsm.Query{Op: "get", Key: key})
	require.NoError(t, err)
	return data
}

// set submits a write through the leader and waits for its reply.
func (c *cluster) set(leader *Node, key, value string) {
	c.t.Helper()
	fut := leader.SubmitCommand(setCmd(c.t, key, value), 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reply, err := fut.Await(ctx)
	require.NoError(c.t, err)
	require.Equal(c.t, []byte(value), reply)
}
