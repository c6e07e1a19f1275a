package fsm

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuemby/quorum/pkg/types"
)

// Command represents one KV state change carried in the replicated log.
type Command struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// Query is a KV read request.
type Query struct {
	Op  string `json:"op"`
	Key string `json:"key,omitempty"`
}

// KVStateMachine is a JSON-command key/value state machine. It backs the
// quorum binary and the test harnesses; embedders replace it with their own
// StateMachine.
type KVStateMachine struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewKVStateMachine returns an empty KV machine.
func NewKVStateMachine() *KVStateMachine {
	return &KVStateMachine{data: make(map[string][]byte)}
}

// Apply applies a KV command
func (m *KVStateMachine) Apply(index types.LogIndex, command []byte) ([]byte, error) {
	var cmd Command
	if err := json.Unmarshal(command, &cmd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal command: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch cmd.Op {
	case "set":
		m.data[cmd.Key] = append([]byte(nil), cmd.Value...)
		return cmd.Value, nil

	case "delete":
		prev := m.data[cmd.Key]
		delete(m.data, cmd.Key)
		return prev, nil

	default:
		return nil, fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Query serves KV reads
func (m *KVStateMachine) Query(request []byte) ([]byte, error) {
	var q Query
	if err := json.Unmarshal(request, &q); err != nil {
		return nil, fmt.Errorf("failed to unmarshal query: %w", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	switch q.Op {
	case "get":
		return append([]byte(nil), m.data[q.Key]...), nil

	case "keys":
		keys := make([]string, 0, len(m.data))
		for k := range m.data {
			keys = append(keys, k)
		}
		return json.Marshal(keys)

	default:
		return nil, fmt.Errorf("unknown query: %s", q.Op)
	}
}

// Snapshot serializes the full map as JSON
func (m *KVStateMachine) Snapshot() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m.data)
}

// Restore replaces the map from a snapshot payload
func (m *KVStateMachine) Restore(state []byte) error {
	data := make(map[string][]byte)
	if len(state) > 0 {
		if err := json.Unmarshal(state, &data); err != nil {
			return fmt.Errorf("failed to restore snapshot: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data
	return nil
}

// Get reads a key directly, bypassing consensus. Test helper.
func (m *KVStateMachine) Get(key string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[key]
}
