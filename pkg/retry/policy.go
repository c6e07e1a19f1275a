package retry

import (
	"time"

	"github.com/cuemby/quorum/pkg/types"
)

// Operation names the engine ships default policies for. Each RPC class gets
// its own backoff profile: heartbeats give up fast, snapshot transfers are
// the most persistent.
const (
	OpHeartbeat       = "heartbeat"
	OpAppendEntries   = "append_entries"
	OpRequestVote     = "request_vote"
	OpInstallSnapshot = "install_snapshot"
)

// Policy configures exponential backoff with jitter for one operation class.
type Policy struct {
	InitialDelay      time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay" json:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	JitterFactor      float64       `yaml:"jitter_factor" json:"jitter_factor"`
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
}

// Validate checks the policy's invariants, naming the offending field.
func (p Policy) Validate(name string) error {
	if p.InitialDelay <= 0 {
		return &types.InvalidConfigurationError{
			Field:  name + ".initial_delay",
			Reason: "must be greater than zero",
		}
	}
	if p.MaxDelay < p.InitialDelay {
		return &types.InvalidConfigurationError{
			Field:  name + ".max_delay",
			Reason: "must be at least initial_delay",
		}
	}
	if p.BackoffMultiplier <= 1.0 {
		return &types.InvalidConfigurationError{
			Field:  name + ".backoff_multiplier",
			Reason: "must be greater than 1.0",
		}
	}
	if p.JitterFactor < 0 || p.JitterFactor > 1 {
		return &types.InvalidConfigurationError{
			Field:  name + ".jitter_factor",
			Reason: "must be within [0, 1]",
		}
	}
	if p.MaxAttempts < 1 {
		return &types.InvalidConfigurationError{
			Field:  name + ".max_attempts",
			Reason: "must be at least 1",
		}
	}
	return nil
}

// Delay returns the backoff before the given retry, attempt counting from 1.
// The exponential curve is capped at MaxDelay; jitter is applied by the
// engine so this stays deterministic for tests.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= p.BackoffMultiplier
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// DefaultPolicies returns the per-RPC-class defaults. Heartbeats use the
// shortest delays and fewest attempts, install-snapshot the longest and most;
// append-entries and request-vote sit between.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		OpHeartbeat: {
			InitialDelay:      10 * time.Millisecond,
			MaxDelay:          100 * time.Millisecond,
			BackoffMultiplier: 1.5,
			JitterFactor:      0.1,
			MaxAttempts:       2,
		},
		OpRequestVote: {
			InitialDelay:      50 * time.Millisecond,
			MaxDelay:          500 * time.Millisecond,
			BackoffMultiplier: 2.0,
			JitterFactor:      0.2,
			MaxAttempts:       3,
		},
		OpAppendEntries: {
			InitialDelay:      50 * time.Millisecond,
			MaxDelay:          time.Second,
			BackoffMultiplier: 2.0,
			JitterFactor:      0.2,
			MaxAttempts:       5,
		},
		OpInstallSnapshot: {
			InitialDelay:      100 * time.Millisecond,
			MaxDelay:          5 * time.Second,
			BackoffMultiplier: 2.0,
			JitterFactor:      0.3,
			MaxAttempts:       10,
		},
	}
}
