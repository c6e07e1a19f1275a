package consensus

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/quorum/pkg/clock"
	"github.com/cuemby/quorum/pkg/config"
	"github.com/cuemby/quorum/pkg/events"
	"github.com/cuemby/quorum/pkg/fsm"
	"github.com/cuemby/quorum/pkg/future"
	"github.com/cuemby/quorum/pkg/log"
	"github.com/cuemby/quorum/pkg/membership"
	"github.com/cuemby/quorum/pkg/metrics"
	"github.com/cuemby/quorum/pkg/retry"
	"github.com/cuemby/quorum/pkg/storage"
	"github.com/cuemby/quorum/pkg/transport"
	"github.com/cuemby/quorum/pkg/types"
	"github.com/cuemby/quorum/pkg/waiter"
)

// Options assembles a consensus node from its collaborators. The node owns
// the stores and the state machine; concurrent writers are not allowed at
// those interfaces.
type Options struct {
	ID         types.NodeID
	Config     *config.Config
	LogStore   storage.LogStore
	StateStore storage.StateStore
	Machine    fsm.StateMachine
	Transport  transport.Transport
	Clock      clock.Clock

	// Bootstrap is the initial cluster configuration, used only when
	// neither the log nor a snapshot carries one.
	Bootstrap *types.ClusterConfiguration

	// Events, when set, receives consensus lifecycle events. Publishing
	// never blocks the node.
	Events *events.Broker
}

// peerState is the leader's volatile per-peer replication state. Each peer
// has at most one AppendEntries (or snapshot transfer) in flight, enforced by
// inFlight; responses for a peer are therefore processed in request order.
type peerState struct {
	id         types.NodeID
	nextIndex  types.LogIndex
	matchIndex types.LogIndex
	inFlight   bool
}

// pendingRead is a linearizable read whose heartbeat quorum arrived before
// the read's freshness point was applied.
type pendingRead struct {
	readIndex types.LogIndex
	request   []byte
	promise   *future.Promise[[]byte]
	deadline  time.Time
}

// Node is the consensus state machine: one member of a replicated cluster.
//
// All mutable state is serialized under one mutex (the per-node-mutex
// realization of the serial-access contract). The node never calls the
// transport while holding it; RPC handlers, timer callbacks and client entry
// points each take it on entry.
type Node struct {
	id     types.NodeID
	cfg    *config.Config
	logger zerolog.Logger

	logStore   storage.LogStore
	stateStore storage.StateStore
	machine    fsm.StateMachine
	trans      transport.Transport
	clk        clock.Clock

	engine    *retry.Engine
	collector *future.Collector
	waiter    *waiter.CommitWaiter
	syncer    *membership.Synchronizer
	broker    *events.Broker

	stopCtx    context.Context
	stopCancel context.CancelFunc

	rngMu sync.Mutex
	rng   *rand.Rand

	mu          sync.Mutex
	role        types.Role
	currentTerm types.Term
	votedFor    types.NodeID
	leaderID    types.NodeID

	commitIndex types.LogIndex
	lastApplied types.LogIndex
	snapMeta    types.SnapshotMeta

	latestConfig      *types.ClusterConfiguration
	latestConfigIndex types.LogIndex
	commConfig        *types.ClusterConfiguration

	peers map[types.NodeID]*peerState

	electionTimer  clock.Timer
	heartbeatTimer clock.Timer

	// voteFuts is the in-flight election's response collection.
	voteFuts []*future.Future[voteResult]

	// readRound coalesces concurrent linearizable reads onto one heartbeat
	// broadcast; readRoundFuts are its constituent futures.
	readRound     *future.Future[[]heartbeatResult]
	readRoundFuts []*future.Future[heartbeatResult]
	pendingReads  []*pendingRead

	// bytesSinceSnapshot approximates log growth since the last capture.
	bytesSinceSnapshot int64

	// snapBuffer assembles an inbound chunked snapshot transfer.
	snapBuffer      []byte
	snapBufferIndex types.LogIndex

	// snapshotting serializes snapshot transfers per peer.
	snapshotting map[types.NodeID]bool

	started bool
	stopped bool
	fatal   error
}

// NewNode validates the configuration and assembles a node. Start must be
// called before it participates in the cluster.
func NewNode(opts Options) (*Node, error) {
	if opts.ID == "" {
		return nil, &types.InvalidConfigurationError{Field: "id", Reason: "must not be empty"}
	}
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.LogStore == nil || opts.StateStore == nil || opts.Machine == nil || opts.Transport == nil {
		return nil, &types.InvalidConfigurationError{Field: "stores", Reason: "log store, state store, state machine and transport are required"}
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystemClock()
	}

	engine, err := retry.NewEngine(opts.Clock, opts.Config.RetryPolicies)
	if err != nil {
		return nil, err
	}
	if opts.Config.AdaptiveTimeout.Enabled {
		for _, op := range []string{retry.OpHeartbeat, retry.OpAppendEntries, retry.OpRequestVote, retry.OpInstallSnapshot} {
			if err := engine.EnableAdaptiveTimeouts(op, opts.Config.AdaptiveTimeout); err != nil {
				return nil, err
			}
		}
	}

	h := fnv.New64a()
	h.Write([]byte(opts.ID))
	stopCtx, stopCancel := context.WithCancel(context.Background())

	n := &Node{
		id:           opts.ID,
		cfg:          opts.Config,
		logger:       log.WithComponent("consensus").With().Str("node_id", string(opts.ID)).Logger(),
		logStore:     opts.LogStore,
		stateStore:   opts.StateStore,
		machine:      opts.Machine,
		trans:        opts.Transport,
		clk:          opts.Clock,
		engine:       engine,
		collector:    future.NewCollector(opts.Clock),
		waiter:       waiter.New(opts.Clock, opts.ID),
		stopCtx:      stopCtx,
		stopCancel:   stopCancel,
		rng:          rand.New(rand.NewSource(opts.Clock.Now().UnixNano() ^ int64(h.Sum64()))),
		broker:       opts.Events,
		role:         types.RoleFollower,
		peers:        make(map[types.NodeID]*peerState),
		snapshotting: make(map[types.NodeID]bool),
	}
	n.syncer = membership.New(opts.Clock, opts.ID, n.appendConfigurationLocked)

	if opts.Bootstrap != nil {
		n.latestConfig = opts.Bootstrap.Clone()
		n.commConfig = opts.Bootstrap.Clone()
	} else {
		n.latestConfig = &types.ClusterConfiguration{}
		n.commConfig = &types.ClusterConfiguration{}
	}

	return n, nil
}

// Start recovers persistent state, registers the RPC handlers and arms the
// election timer.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return fmt.Errorf("node already started")
	}

	state, err := n.stateStore.Load()
	if err != nil {
		return err
	}
	n.currentTerm = state.CurrentTerm
	n.votedFor = state.VotedFor

	snap, err := n.stateStore.LoadSnapshot()
	if err != nil {
		return err
	}
	if snap != nil {
		if err := n.machine.Restore(snap.State); err != nil {
			return fmt.Errorf("failed to restore snapshot: %w", err)
		}
		n.snapMeta = snap.Meta
		n.commitIndex = snap.Meta.LastIncludedIndex
		n.lastApplied = snap.Meta.LastIncludedIndex
		if snap.Meta.Configuration != nil {
			n.latestConfig = snap.Meta.Configuration.Clone()
			n.commConfig = snap.Meta.Configuration.Clone()
		}
	}

	// The latest configuration entry in the log supersedes the snapshot's.
	if first, last := n.logStore.FirstIndex(), n.logStore.LastIndex(); first > 0 {
		entries, err := n.logStore.Slice(first, last+1)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Type == types.EntryConfiguration {
				n.latestConfig = e.Configuration.Clone()
				n.latestConfigIndex = e.Index
				if e.Index <= n.commitIndex {
					n.commConfig = e.Configuration.Clone()
				}
			}
		}
	}

	n.trans.SetHandler(n)
	n.started = true
	n.resetElectionTimerLocked()

	n.logger.Info().
		Uint64("term", uint64(n.currentTerm)).
		Uint64("commit_index", uint64(n.commitIndex)).
		Uint64("last_log_index", uint64(n.logStore.LastIndex())).
		Msg("node started")
	n.publishMetricsLocked()
	return nil
}

// Stop halts the node. Pending client operations are rejected with
// ErrNodeStopped; the transport is left to its owner to close.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	n.role = types.RoleFollower
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	if n.heartbeatTimer != nil {
		n.heartbeatTimer.Stop()
	}
	cancelAsync(n.voteFuts)
	n.voteFuts = nil
	cancelAsync(n.readRoundFuts)
	n.readRoundFuts = nil
	n.readRound = nil
	reads := n.pendingReads
	n.pendingReads = nil
	n.mu.Unlock()

	n.stopCancel()
	for _, r := range reads {
		r.promise.Fail(types.ErrNodeStopped)
	}
	n.waiter.CancelAll(types.ErrNodeStopped)
	n.syncer.Cancel("node stopped")
	n.logger.Info().Msg("node stopped")
}

// Status returns a point-in-time view of the node's consensus state.
func (n *Node) Status() types.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return types.Status{
		ID:            n.id,
		Role:          n.role,
		Term:          n.currentTerm,
		LeaderID:      n.leaderID,
		CommitIndex:   n.commitIndex,
		LastApplied:   n.lastApplied,
		LastLogIndex:  n.lastLogIndexLocked(),
		Configuration: n.latestConfig.Clone(),
	}
}

// Err returns the fatal storage error that halted the node, if any.
func (n *Node) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fatal
}

// persistLocked writes the term/vote pair durably. Called before any
// externally observable action that depends on the new values.
func (n *Node) persistLocked() error {
	err := n.stateStore.Save(types.PersistentState{
		CurrentTerm: n.currentTerm,
		VotedFor:    n.votedFor,
	})
	if err != nil {
		n.haltLocked(err)
	}
	return err
}

// publishEvent emits a lifecycle event when a broker is attached. Safe under
// the node lock: Publish never blocks.
func (n *Node) publishEvent(typ events.EventType, message string) {
	if n.broker != nil {
		n.broker.Publish(events.NewEvent(typ, n.id, n.currentTerm, message))
	}
}

// haltLocked records a fatal storage failure and freezes the node.
func (n *Node) haltLocked(err error) {
	if n.stopped {
		return
	}
	n.logger.Error().Err(err).Msg("fatal storage failure, halting")
	n.publishEvent(events.EventNodeHalted, err.Error())
	n.fatal = err
	n.stopped = true
	n.role = types.RoleFollower
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	if n.heartbeatTimer != nil {
		n.heartbeatTimer.Stop()
	}
	n.stopCancel()
}

// lastLogIndexLocked accounts for a log fully compacted into a snapshot.
func (n *Node) lastLogIndexLocked() types.LogIndex {
	if last := n.logStore.LastIndex(); last > 0 {
		return last
	}
	return n.snapMeta.LastIncludedIndex
}

// lastLogTermLocked mirrors lastLogIndexLocked.
func (n *Node) lastLogTermLocked() types.Term {
	if n.logStore.LastIndex() > 0 {
		return n.logStore.LastTerm()
	}
	return n.snapMeta.LastIncludedTerm
}

// termAtLocked returns the term of the entry at index, consulting the
// snapshot boundary for compacted indices. The boundary checks run before
// the store is touched: a log fully compacted into a snapshot holds no
// entries at all, and only the snapshot metadata knows where it ends.
func (n *Node) termAtLocked(index types.LogIndex) (types.Term, error) {
	if index == 0 {
		return 0, nil
	}
	if index == n.snapMeta.LastIncludedIndex {
		return n.snapMeta.LastIncludedTerm, nil
	}
	if index < n.snapMeta.LastIncludedIndex {
		return 0, types.ErrCompacted
	}
	if index > n.lastLogIndexLocked() {
		return 0, fmt.Errorf("no entry at index %d: log ends at %d", index, n.lastLogIndexLocked())
	}
	entry, err := n.logStore.Entry(index)
	if err != nil {
		return 0, err
	}
	return entry.Term, nil
}

// randomElectionTimeout picks uniformly from the configured window.
func (n *Node) randomElectionTimeout() time.Duration {
	span := n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin
	if span <= 0 {
		return n.cfg.ElectionTimeoutMin
	}
	n.rngMu.Lock()
	jit := time.Duration(n.rng.Int63n(int64(span)))
	n.rngMu.Unlock()
	return n.cfg.ElectionTimeoutMin + jit
}

func (n *Node) resetElectionTimerLocked() {
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	n.electionTimer = n.clk.AfterFunc(n.randomElectionTimeout(), n.onElectionTimeout)
}

// appendConfigurationLocked appends a configuration entry on behalf of the
// membership synchronizer and adopts it immediately for quorum decisions.
func (n *Node) appendConfigurationLocked(cfg *types.ClusterConfiguration) (types.LogIndex, error) {
	if n.role != types.RoleLeader {
		return 0, &types.NotLeaderError{NodeID: n.id, LeaderHint: n.leaderID}
	}
	index := n.lastLogIndexLocked() + 1
	entry := types.LogEntry{
		Index:         index,
		Term:          n.currentTerm,
		Type:          types.EntryConfiguration,
		Configuration: cfg.Clone(),
	}
	if _, err := n.logStore.Append([]types.LogEntry{entry}); err != nil {
		n.haltLocked(err)
		return 0, err
	}
	n.adoptConfigurationLocked(cfg, index)

	// Commit advancement is deferred to its own goroutine: this append can
	// run inside the synchronizer's lock, and an inline cascade (a
	// single-node cluster commits on local append) would re-enter it before
	// the appended index is recorded.
	go n.kickCommit()
	return index, nil
}

// kickCommit advances commit and replication after an out-of-band append.
func (n *Node) kickCommit() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped || n.role != types.RoleLeader {
		return
	}
	n.advanceCommitLocked()
	n.broadcastLocked()
}

// adoptConfigurationLocked makes cfg the active configuration for elections
// and commit decisions (configurations take effect when appended, not when
// committed) and reconciles the leader's peer set.
func (n *Node) adoptConfigurationLocked(cfg *types.ClusterConfiguration, index types.LogIndex) {
	n.latestConfig = cfg.Clone()
	n.latestConfigIndex = index

	if n.role == types.RoleLeader {
		members := n.latestConfig.Members()
		seen := make(map[types.NodeID]bool, len(members))
		for _, id := range members {
			seen[id] = true
			if id == n.id {
				continue
			}
			if _, ok := n.peers[id]; !ok {
				n.peers[id] = &peerState{
					id:         id,
					nextIndex:  n.lastLogIndexLocked() + 1,
					matchIndex: 0,
				}
			}
		}
		for id := range n.peers {
			if !seen[id] {
				delete(n.peers, id)
			}
		}
	}
	n.publishMetricsLocked()
}

func (n *Node) publishMetricsLocked() {
	if n.role == types.RoleLeader {
		metrics.IsLeader.Set(1)
	} else {
		metrics.IsLeader.Set(0)
	}
	metrics.CurrentTerm.Set(float64(n.currentTerm))
	metrics.Peers.Set(float64(len(n.latestConfig.Members())))
	metrics.LogIndex.Set(float64(n.lastLogIndexLocked()))
	metrics.CommitIndex.Set(float64(n.commitIndex))
	metrics.AppliedIndex.Set(float64(n.lastApplied))
	metrics.PendingOperations.Set(float64(n.waiter.PendingCount()))
}

// errorsIsCompacted reports whether err is the log-compaction sentinel.
func errorsIsCompacted(err error) bool {
	return errors.Is(err, types.ErrCompacted)
}

// cancelAsync cancels a drained-off collection on its own goroutine. The
// node holds its mutex at every call site, and Cancel blocks on in-flight
// deliveries whose callbacks may want that same mutex; cancelling off-lock
// breaks the cycle. Late deliveries are harmless — every completion callback
// re-checks role and term under the lock.
func cancelAsync[T any](futs []*future.Future[T]) {
	if len(futs) == 0 {
		return
	}
	go func() {
		for _, f := range futs {
			f.Cancel()
		}
	}()
}
