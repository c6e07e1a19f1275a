package config

import (
	"time"

	"github.com/cuemby/quorum/pkg/retry"
	"github.com/cuemby/quorum/pkg/types"
)

// Config holds every timing, sizing and retry knob of a consensus node. It is
// immutable after the node is constructed; retry policies are the one
// exception, updated through the engine's thread-safe path.
type Config struct {
	ElectionTimeoutMin time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `yaml:"election_timeout_max"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`

	RPCTimeout             time.Duration `yaml:"rpc_timeout"`
	AppendEntriesTimeout   time.Duration `yaml:"append_entries_timeout"`
	RequestVoteTimeout     time.Duration `yaml:"request_vote_timeout"`
	InstallSnapshotTimeout time.Duration `yaml:"install_snapshot_timeout"`

	MaxEntriesPerAppend    int   `yaml:"max_entries_per_append"`
	SnapshotThresholdBytes int64 `yaml:"snapshot_threshold_bytes"`
	SnapshotChunkSize      int64 `yaml:"snapshot_chunk_size"`

	RetryPolicies   map[string]retry.Policy `yaml:"retry_policies"`
	AdaptiveTimeout retry.AdaptiveConfig    `yaml:"adaptive_timeout"`
}

// DefaultConfig returns a configuration tuned for LAN deployments.
func DefaultConfig() *Config {
	return &Config{
		ElectionTimeoutMin:     300 * time.Millisecond,
		ElectionTimeoutMax:     600 * time.Millisecond,
		HeartbeatInterval:      100 * time.Millisecond,
		RPCTimeout:             time.Second,
		AppendEntriesTimeout:   time.Second,
		RequestVoteTimeout:     500 * time.Millisecond,
		InstallSnapshotTimeout: 10 * time.Second,
		MaxEntriesPerAppend:    64,
		SnapshotThresholdBytes: 8 << 20,
		SnapshotChunkSize:      256 << 10,
		RetryPolicies:          retry.DefaultPolicies(),
		AdaptiveTimeout: retry.AdaptiveConfig{
			Enabled:          false,
			MinTimeout:       50 * time.Millisecond,
			MaxTimeout:       5 * time.Second,
			AdaptationFactor: 2.0,
			SampleWindowSize: 10,
		},
	}
}

// Validate checks every field and cross-field rule, returning an
// InvalidConfigurationError naming the first offending field.
func (c *Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return &types.InvalidConfigurationError{
			Field:  "heartbeat_interval",
			Reason: "must be greater than zero",
		}
	}
	if c.ElectionTimeoutMin <= 0 {
		return &types.InvalidConfigurationError{
			Field:  "election_timeout_min",
			Reason: "must be greater than zero",
		}
	}
	if c.ElectionTimeoutMax < c.ElectionTimeoutMin {
		return &types.InvalidConfigurationError{
			Field:  "election_timeout_max",
			Reason: "must be at least election_timeout_min",
		}
	}
	if c.ElectionTimeoutMin < 3*c.HeartbeatInterval {
		return &types.InvalidConfigurationError{
			Field:  "election_timeout_min",
			Reason: "must be at least 3x heartbeat_interval",
		}
	}
	for field, d := range map[string]time.Duration{
		"rpc_timeout":              c.RPCTimeout,
		"append_entries_timeout":   c.AppendEntriesTimeout,
		"request_vote_timeout":     c.RequestVoteTimeout,
		"install_snapshot_timeout": c.InstallSnapshotTimeout,
	} {
		if d <= 0 {
			return &types.InvalidConfigurationError{
				Field:  field,
				Reason: "must be greater than zero",
			}
		}
	}
	if c.MaxEntriesPerAppend < 1 {
		return &types.InvalidConfigurationError{
			Field:  "max_entries_per_append",
			Reason: "must be at least 1",
		}
	}
	if c.SnapshotChunkSize <= 0 {
		return &types.InvalidConfigurationError{
			Field:  "snapshot_chunk_size",
			Reason: "must be greater than zero",
		}
	}
	if c.SnapshotChunkSize > c.SnapshotThresholdBytes {
		return &types.InvalidConfigurationError{
			Field:  "snapshot_chunk_size",
			Reason: "must not exceed snapshot_threshold_bytes",
		}
	}
	for name, p := range c.RetryPolicies {
		if err := p.Validate("retry_policies." + name); err != nil {
			return err
		}
	}
	if err := c.AdaptiveTimeout.Validate(); err != nil {
		return err
	}
	return nil
}
