package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/quorum/pkg/types"
)

var (
	// Bucket names
	bucketLog      = []byte("log")
	bucketState    = []byte("state")
	bucketSnapshot = []byte("snapshot")

	keyPersistentState = []byte("persistent_state")
	keySnapshotMeta    = []byte("meta")
	keySnapshotPayload = []byte("payload")
)

// BoltLogStore implements LogStore on BoltDB. Entries are JSON values keyed
// by big-endian index so bucket order equals log order; every mutation runs
// in one fsynced transaction.
type BoltLogStore struct {
	db *bolt.DB

	mu    sync.RWMutex
	first types.LogIndex
	last  types.LogIndex
	term  types.Term // term of the entry at last
}

// NewBoltLogStore opens (or creates) the log database in dataDir.
func NewBoltLogStore(dataDir string) (*BoltLogStore, error) {
	dbPath := filepath.Join(dataDir, "quorum-log.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open log database: %w", err)
	}

	s := &BoltLogStore{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketLog)
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketLog, err)
		}
		c := b.Cursor()
		if k, _ := c.First(); k != nil {
			s.first = indexFromKey(k)
		}
		if k, v := c.Last(); k != nil {
			s.last = indexFromKey(k)
			var entry types.LogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to decode last log entry: %w", err)
			}
			s.term = entry.Term
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *BoltLogStore) Close() error {
	return s.db.Close()
}

func (s *BoltLogStore) Append(entries []types.LogEntry) (types.LogIndex, error) {
	if len(entries) == 0 {
		return s.LastIndex(), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	want := s.last + 1
	if s.last == 0 && s.first > 0 {
		want = s.first
	}
	if s.last == 0 && s.first == 0 {
		want = entries[0].Index // fresh store adopts the caller's base index
	}
	if entries[0].Index != want {
		return 0, &types.StorageError{
			Op:    "append",
			Cause: fmt.Errorf("non-contiguous append: got index %d, want %d", entries[0].Index, want),
		}
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		for _, entry := range entries {
			data, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if err := b.Put(keyForIndex(entry.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, &types.StorageError{Op: "append", Cause: err}
	}

	if s.first == 0 {
		s.first = entries[0].Index
	}
	s.last = entries[len(entries)-1].Index
	s.term = entries[len(entries)-1].Term
	return s.last, nil
}

func (s *BoltLogStore) Entry(index types.LogIndex) (types.LogEntry, error) {
	s.mu.RLock()
	first, last := s.first, s.last
	s.mu.RUnlock()
	if first == 0 || index < first {
		return types.LogEntry{}, types.ErrCompacted
	}
	if index > last {
		return types.LogEntry{}, &types.StorageError{
			Op:    "entry",
			Cause: fmt.Errorf("index %d beyond last index %d", index, last),
		}
	}

	var entry types.LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLog).Get(keyForIndex(index))
		if data == nil {
			return fmt.Errorf("log entry %d not found", index)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return types.LogEntry{}, &types.StorageError{Op: "entry", Cause: err}
	}
	return entry, nil
}

func (s *BoltLogStore) Slice(lo, hi types.LogIndex) ([]types.LogEntry, error) {
	s.mu.RLock()
	first, last := s.first, s.last
	s.mu.RUnlock()
	if first == 0 {
		return nil, nil
	}
	if lo < first {
		return nil, types.ErrCompacted
	}
	if hi > last+1 {
		hi = last + 1
	}
	if lo >= hi {
		return nil, nil
	}

	out := make([]types.LogEntry, 0, hi-lo)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		for i := lo; i < hi; i++ {
			data := b.Get(keyForIndex(i))
			if data == nil {
				return fmt.Errorf("log entry %d not found", i)
			}
			var entry types.LogEntry
			if err := json.Unmarshal(data, &entry); err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, &types.StorageError{Op: "slice", Cause: err}
	}
	return out, nil
}

func (s *BoltLogStore) TruncateSuffix(from types.LogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == 0 || from > s.last {
		return nil
	}
	if from < s.first {
		from = s.first
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		for i := from; i <= s.last; i++ {
			if err := b.Delete(keyForIndex(i)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &types.StorageError{Op: "truncate_suffix", Cause: err}
	}

	if from == s.first {
		s.first, s.last, s.term = 0, 0, 0
		return nil
	}
	s.last = from - 1
	entry, err := s.entryTx(s.last)
	if err != nil {
		return err
	}
	s.term = entry.Term
	return nil
}

func (s *BoltLogStore) DiscardPrefix(through types.LogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.first == 0 || through < s.first {
		return nil
	}
	end := through
	if end > s.last {
		end = s.last
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		for i := s.first; i <= end; i++ {
			if err := b.Delete(keyForIndex(i)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &types.StorageError{Op: "discard_prefix", Cause: err}
	}

	if through >= s.last {
		s.first, s.last, s.term = 0, 0, 0
	} else {
		s.first = through + 1
	}
	return nil
}

func (s *BoltLogStore) FirstIndex() types.LogIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.first
}

func (s *BoltLogStore) LastIndex() types.LogIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *BoltLogStore) LastTerm() types.Term {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.term
}

func (s *BoltLogStore) entryTx(index types.LogIndex) (types.LogEntry, error) {
	var entry types.LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLog).Get(keyForIndex(index))
		if data == nil {
			return fmt.Errorf("log entry %d not found", index)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return types.LogEntry{}, &types.StorageError{Op: "entry", Cause: err}
	}
	return entry, nil
}

func keyForIndex(index types.LogIndex) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(index))
	return key
}

func indexFromKey(key []byte) types.LogIndex {
	return types.LogIndex(binary.BigEndian.Uint64(key))
}

// BoltStateStore implements StateStore on BoltDB, one record for the
// term/vote pair and one for the latest snapshot.
type BoltStateStore struct {
	db *bolt.DB
}

// NewBoltStateStore opens (or creates) the state database in dataDir.
func NewBoltStateStore(dataDir string) (*BoltStateStore, error) {
	dbPath := filepath.Join(dataDir, "quorum-state.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketState, bucketSnapshot} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStateStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStateStore) Close() error {
	return s.db.Close()
}

func (s *BoltStateStore) Load() (types.PersistentState, error) {
	var state types.PersistentState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketState).Get(keyPersistentState)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return types.PersistentState{}, &types.StorageError{Op: "load", Cause: err}
	}
	return state, nil
}

func (s *BoltStateStore) Save(state types.PersistentState) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketState).Put(keyPersistentState, data)
	})
	if err != nil {
		return &types.StorageError{Op: "save", Cause: err}
	}
	return nil
}

func (s *BoltStateStore) SaveSnapshot(snap *types.Snapshot) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshot)
		meta, err := json.Marshal(snap.Meta)
		if err != nil {
			return err
		}
		if err := b.Put(keySnapshotMeta, meta); err != nil {
			return err
		}
		return b.Put(keySnapshotPayload, snap.State)
	})
	if err != nil {
		return &types.StorageError{Op: "save_snapshot", Cause: err}
	}
	return nil
}

func (s *BoltStateStore) LoadSnapshot() (*types.Snapshot, error) {
	var snap *types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshot)
		meta := b.Get(keySnapshotMeta)
		if meta == nil {
			return nil
		}
		snap = &types.Snapshot{}
		if err := json.Unmarshal(meta, &snap.Meta); err != nil {
			return err
		}
		payload := b.Get(keySnapshotPayload)
		snap.State = append([]byte(nil), payload...)
		return nil
	})
	if err != nil {
		return nil, &types.StorageError{Op: "load_snapshot", Cause: err}
	}
	return snap, nil
}
