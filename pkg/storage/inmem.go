package storage

import (
	"fmt"
	"sync"

	"github.com/cuemby/quorum/pkg/types"
)

// InmemLogStore is a mutex-guarded in-memory LogStore for tests and
// embedders that accept volatility.
type InmemLogStore struct {
	mu      sync.RWMutex
	first   types.LogIndex
	entries []types.LogEntry
}

// NewInmemLogStore returns an empty in-memory log.
func NewInmemLogStore() *InmemLogStore {
	return &InmemLogStore{first: 1}
}

func (s *InmemLogStore) Append(entries []types.LogEntry) (types.LogIndex, error) {
	if len(entries) == 0 {
		return s.LastIndex(), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	want := s.lastIndexLocked() + 1
	if want == 1 {
		want = s.first
	}
	if entries[0].Index != want {
		return 0, &types.StorageError{
			Op:    "append",
			Cause: fmt.Errorf("non-contiguous append: got index %d, want %d", entries[0].Index, want),
		}
	}
	s.entries = append(s.entries, entries...)
	return s.lastIndexLocked(), nil
}

func (s *InmemLogStore) Entry(index types.LogIndex) (types.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < s.first {
		return types.LogEntry{}, types.ErrCompacted
	}
	last := s.lastIndexLocked()
	if index > last {
		return types.LogEntry{}, &types.StorageError{
			Op:    "entry",
			Cause: fmt.Errorf("index %d beyond last index %d", index, last),
		}
	}
	return s.entries[index-s.first], nil
}

func (s *InmemLogStore) Slice(lo, hi types.LogIndex) ([]types.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if lo < s.first {
		return nil, types.ErrCompacted
	}
	last := s.lastIndexLocked()
	if hi > last+1 {
		hi = last + 1
	}
	if lo >= hi {
		return nil, nil
	}
	out := make([]types.LogEntry, hi-lo)
	copy(out, s.entries[lo-s.first:hi-s.first])
	return out, nil
}

func (s *InmemLogStore) TruncateSuffix(from types.LogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from < s.first {
		s.entries = nil
		return nil
	}
	if from > s.lastIndexLocked() {
		return nil
	}
	s.entries = s.entries[:from-s.first]
	return nil
}

func (s *InmemLogStore) DiscardPrefix(through types.LogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if through < s.first {
		return nil
	}
	last := s.lastIndexLocked()
	if through >= last {
		s.entries = nil
	} else {
		kept := make([]types.LogEntry, last-through)
		copy(kept, s.entries[through+1-s.first:])
		s.entries = kept
	}
	s.first = through + 1
	return nil
}

func (s *InmemLogStore) FirstIndex() types.LogIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return 0
	}
	return s.first
}

func (s *InmemLogStore) LastIndex() types.LogIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndexLocked()
}

func (s *InmemLogStore) LastTerm() types.Term {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return 0
	}
	return s.entries[len(s.entries)-1].Term
}

func (s *InmemLogStore) lastIndexLocked() types.LogIndex {
	if len(s.entries) == 0 {
		return 0
	}
	return s.first + types.LogIndex(len(s.entries)) - 1
}

// InmemStateStore is an in-memory StateStore for tests.
type InmemStateStore struct {
	mu       sync.Mutex
	state    types.PersistentState
	snapshot *types.Snapshot
}

// NewInmemStateStore returns an empty in-memory state store.
func NewInmemStateStore() *InmemStateStore {
	return &InmemStateStore{}
}

func (s *InmemStateStore) Load() (types.PersistentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *InmemStateStore) Save(state types.PersistentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	return nil
}

func (s *InmemStateStore) SaveSnapshot(snap *types.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	cp.State = append([]byte(nil), snap.State...)
	cp.Meta.Configuration = snap.Meta.Configuration.Clone()
	s.snapshot = &cp
	return nil
}

func (s *InmemStateStore) LoadSnapshot() (*types.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil, nil
	}
	cp := *s.snapshot
	cp.State = append([]byte(nil), s.snapshot.State...)
	cp.Meta.Configuration = s.snapshot.Meta.Configuration.Clone()
	return &cp, nil
}
