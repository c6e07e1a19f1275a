/*
Package consensus implements the replicated state machine engine: a Raft
node driving leader election, log replication, commit advancement,
snapshotting, joint-consensus membership changes, and client request
completion.

# Architecture

	┌───────────────────── CONSENSUS NODE ─────────────────────┐
	│                                                           │
	│  client API           inbound RPCs          timers        │
	│  SubmitCommand        HandleRequestVote     election      │
	│  ReadState            HandleAppendEntries   heartbeat     │
	│  Add/RemoveServer     HandleInstallSnapshot               │
	│        │                     │                  │         │
	│        ▼                     ▼                  ▼         │
	│  ┌─────────────────────────────────────────────────────┐  │
	│  │        role state machine (one mutex)               │  │
	│  │  Follower ⇄ Candidate → Leader                      │  │
	│  │  term / vote / log / commitIndex / lastApplied      │  │
	│  └──────┬──────────────┬───────────────┬──────────────┘  │
	│         │              │               │                  │
	│    LogStore       per-peer          CommitWaiter          │
	│    StateStore     replication       Membership-           │
	│    StateMachine   streams via       Synchronizer          │
	│                   Transport +                             │
	│                   RetryEngine +                           │
	│                   FutureCollector                         │
	│                                                           │
	└───────────────────────────────────────────────────────────┘

All mutable node state is serialized under a single mutex; the node never
calls the transport while holding it. Outbound RPCs run concurrently across
peers, but each peer's replication stream keeps at most one request in
flight, so responses are processed in request order. Applies happen strictly
by increasing log index, and the CommitWaiter resolves client futures in the
same order.

Commit advancement follows the current-term rule: only an entry from the
leader's own term can be counted against the quorum, so a new leader appends
a no-op immediately and commits earlier-term entries through it. Joint
configurations require majorities in both the old and new node sets for
elections and commits alike.

Storage failures are fatal: the node halts, surfaces the error through Err,
and rejects further work. Transport failures are absorbed by the retry
engine and degrade into election or read timeouts rather than node failures.
*/
package consensus
