package types

// NodeID is the stable identifier of a cluster member. IDs are opaque to the
// consensus core; they only need to be comparable and stable across restarts.
type NodeID string

// Term is a Raft election epoch. Zero is the pre-election sentinel; terms
// only ever increase.
type Term uint64

// LogIndex addresses an entry in the replicated log. Valid indices start at
// 1; 0 means "before the log".
type LogIndex uint64

// EntryType discriminates the payload carried by a log entry.
type EntryType string

const (
	// EntryCommand is an opaque state machine command.
	EntryCommand EntryType = "command"

	// EntryConfiguration carries a cluster membership change.
	EntryConfiguration EntryType = "configuration"

	// EntryNoop is appended by a freshly elected leader so that entries from
	// earlier terms can be committed through it.
	EntryNoop EntryType = "noop"
)

// LogEntry is one record in the replicated log.
type LogEntry struct {
	Index LogIndex  `json:"index"`
	Term  Term      `json:"term"`
	Type  EntryType `json:"type"`

	// Command holds the state machine command for EntryCommand entries.
	Command []byte `json:"command,omitempty"`

	// Configuration holds the membership change for EntryConfiguration entries.
	Configuration *ClusterConfiguration `json:"configuration,omitempty"`
}

// ClusterConfiguration describes the voting membership of the cluster. When
// IsJoint is set the configuration is the transitional C_old,new of a joint
// consensus change and decisions require majorities in both Nodes and OldNodes.
type ClusterConfiguration struct {
	Nodes    []NodeID `json:"nodes"`
	OldNodes []NodeID `json:"old_nodes,omitempty"`
	IsJoint  bool     `json:"is_joint"`
}

// Contains reports whether id is a voter in the new node set.
func (c *ClusterConfiguration) Contains(id NodeID) bool {
	for _, n := range c.Nodes {
		if n == id {
			return true
		}
	}
	return false
}

// Members returns the union of Nodes and OldNodes, the set of peers a leader
// must replicate to while this configuration is active.
func (c *ClusterConfiguration) Members() []NodeID {
	seen := make(map[NodeID]bool, len(c.Nodes)+len(c.OldNodes))
	var out []NodeID
	for _, n := range c.Nodes {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	for _, n := range c.OldNodes {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// HasQuorum reports whether the given acknowledging set forms a decision
// quorum under this configuration. Joint configurations require a majority of
// Nodes and a majority of OldNodes.
func (c *ClusterConfiguration) HasQuorum(acked map[NodeID]bool) bool {
	if !majority(c.Nodes, acked) {
		return false
	}
	if c.IsJoint && !majority(c.OldNodes, acked) {
		return false
	}
	return true
}

// Equal reports whether two configurations describe the same membership.
func (c *ClusterConfiguration) Equal(other *ClusterConfiguration) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.IsJoint != other.IsJoint {
		return false
	}
	return sameSet(c.Nodes, other.Nodes) && sameSet(c.OldNodes, other.OldNodes)
}

// Clone returns a deep copy.
func (c *ClusterConfiguration) Clone() *ClusterConfiguration {
	if c == nil {
		return nil
	}
	out := &ClusterConfiguration{IsJoint: c.IsJoint}
	out.Nodes = append([]NodeID(nil), c.Nodes...)
	out.OldNodes = append([]NodeID(nil), c.OldNodes...)
	return out
}

func majority(set []NodeID, acked map[NodeID]bool) bool {
	if len(set) == 0 {
		return true
	}
	count := 0
	for _, n := range set {
		if acked[n] {
			count++
		}
	}
	return count >= len(set)/2+1
}

func sameSet(a, b []NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[NodeID]bool, len(a))
	for _, n := range a {
		seen[n] = true
	}
	for _, n := range b {
		if !seen[n] {
			return false
		}
	}
	return true
}

// SnapshotMeta identifies the log position a snapshot covers.
type SnapshotMeta struct {
	LastIncludedIndex LogIndex              `json:"last_included_index"`
	LastIncludedTerm  Term                  `json:"last_included_term"`
	Configuration     *ClusterConfiguration `json:"configuration"`
}

// Snapshot is a point-in-time capture of the state machine together with the
// log position it covers.
type Snapshot struct {
	Meta  SnapshotMeta `json:"meta"`
	State []byte       `json:"state"`
}

// PersistentState is the durable per-node consensus state. It must be written
// before any externally observable action that depends on the new values.
type PersistentState struct {
	CurrentTerm Term   `json:"current_term"`
	VotedFor    NodeID `json:"voted_for,omitempty"`
}

// Role is the consensus role of a node.
type Role string

const (
	RoleFollower  Role = "follower"
	RoleCandidate Role = "candidate"
	RoleLeader    Role = "leader"
)

// Status is a point-in-time snapshot of a node's consensus state, served to
// operators and the metrics collector.
type Status struct {
	ID            NodeID                `json:"id"`
	Role          Role                  `json:"role"`
	Term          Term                  `json:"term"`
	LeaderID      NodeID                `json:"leader_id,omitempty"`
	CommitIndex   LogIndex              `json:"commit_index"`
	LastApplied   LogIndex              `json:"last_applied"`
	LastLogIndex  LogIndex              `json:"last_log_index"`
	Configuration *ClusterConfiguration `json:"configuration"`
}
