/*
Package storage provides the durable backends of the consensus node: the
replicated log and the term/vote/snapshot state.

Two implementations ship for each interface. The in-memory variants back
tests and embedders that accept volatility; the BoltDB variants provide the
production guarantee that every mutation is fsynced before it returns, which
the consensus node relies on as its persistence barrier.

	┌──────────────────── DURABLE STATE ───────────────────────┐
	│                                                           │
	│  quorum-log.db                                            │
	│    log bucket: big-endian index → LogEntry JSON           │
	│      - Append / TruncateSuffix / DiscardPrefix            │
	│      - first/last/term cached in memory across restarts   │
	│                                                           │
	│  quorum-state.db                                          │
	│    state bucket:    persistent_state → {term, voted_for}  │
	│    snapshot bucket: meta + payload (zero or one snapshot) │
	│                                                           │
	└───────────────────────────────────────────────────────────┘

Reads below the first retained index return types.ErrCompacted; the entries
now live only in the snapshot. Any other storage failure wraps into
types.StorageError, which the node treats as fatal.
*/
package storage
