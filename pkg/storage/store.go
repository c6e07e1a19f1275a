package storage

import (
	"github.com/cuemby/quorum/pkg/types"
)

// LogStore is the ordered append-only log of replicated entries, indexed
// from 1. All mutations are durable before they return. Writers are
// serialized by the owning node; concurrent readers see a point-in-time view.
type LogStore interface {
	// Append appends entries contiguously and returns the index of the last
	// appended entry. The first entry's index must be LastIndex()+1, or, when
	// DiscardPrefix has emptied the log, the index after the discarded prefix.
	Append(entries []types.LogEntry) (types.LogIndex, error)

	// Entry returns the entry at index. Returns types.ErrCompacted below
	// FirstIndex.
	Entry(index types.LogIndex) (types.LogEntry, error)

	// Slice returns entries in [lo, hi). Returns types.ErrCompacted if lo is
	// below FirstIndex.
	Slice(lo, hi types.LogIndex) ([]types.LogEntry, error)

	// TruncateSuffix durably deletes all entries with index >= from.
	TruncateSuffix(from types.LogIndex) error

	// DiscardPrefix durably deletes all entries with index <= through, used
	// after the entries are captured in a snapshot.
	DiscardPrefix(through types.LogIndex) error

	// FirstIndex returns the lowest retained index, or 0 for an empty log.
	FirstIndex() types.LogIndex

	// LastIndex returns the highest index, or 0 for an empty log.
	LastIndex() types.LogIndex

	// LastTerm returns the term of the last entry, or 0 for an empty log.
	LastTerm() types.Term
}

// StateStore persists the node's term/vote pair and the latest snapshot.
// Save must be atomic and durable before return: the consensus node calls it
// before any externally observable action that depends on the new values.
type StateStore interface {
	Load() (types.PersistentState, error)
	Save(state types.PersistentState) error

	// SaveSnapshot atomically replaces the stored snapshot.
	SaveSnapshot(snap *types.Snapshot) error

	// LoadSnapshot returns the stored snapshot, or nil if none exists.
	LoadSnapshot() (*types.Snapshot, error)
}
