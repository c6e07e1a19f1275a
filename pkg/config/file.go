package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config with human-readable duration strings ("150ms",
// "5s") for the YAML surface.
type fileConfig struct {
	ElectionTimeoutMin string `yaml:"election_timeout_min"`
	ElectionTimeoutMax string `yaml:"election_timeout_max"`
	HeartbeatInterval  string `yaml:"heartbeat_interval"`

	RPCTimeout             string `yaml:"rpc_timeout"`
	AppendEntriesTimeout   string `yaml:"append_entries_timeout"`
	RequestVoteTimeout     string `yaml:"request_vote_timeout"`
	InstallSnapshotTimeout string `yaml:"install_snapshot_timeout"`

	MaxEntriesPerAppend    int   `yaml:"max_entries_per_append"`
	SnapshotThresholdBytes int64 `yaml:"snapshot_threshold_bytes"`
	SnapshotChunkSize      int64 `yaml:"snapshot_chunk_size"`

	RetryPolicies map[string]filePolicy `yaml:"retry_policies"`

	AdaptiveTimeout fileAdaptive `yaml:"adaptive_timeout"`
}

type filePolicy struct {
	InitialDelay      string  `yaml:"initial_delay"`
	MaxDelay          string  `yaml:"max_delay"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	JitterFactor      float64 `yaml:"jitter_factor"`
	MaxAttempts       int     `yaml:"max_attempts"`
}

type fileAdaptive struct {
	Enabled          bool    `yaml:"enabled"`
	MinTimeout       string  `yaml:"min_timeout"`
	MaxTimeout       string  `yaml:"max_timeout"`
	AdaptationFactor float64 `yaml:"adaptation_factor"`
	SampleWindowSize int     `yaml:"sample_window_size"`
}

// LoadFile reads a YAML configuration file, applying defaults for absent
// fields, and validates the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := applyFile(cfg, &fc); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, fc *fileConfig) error {
	durs := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{fc.ElectionTimeoutMin, &cfg.ElectionTimeoutMin, "election_timeout_min"},
		{fc.ElectionTimeoutMax, &cfg.ElectionTimeoutMax, "election_timeout_max"},
		{fc.HeartbeatInterval, &cfg.HeartbeatInterval, "heartbeat_interval"},
		{fc.RPCTimeout, &cfg.RPCTimeout, "rpc_timeout"},
		{fc.AppendEntriesTimeout, &cfg.AppendEntriesTimeout, "append_entries_timeout"},
		{fc.RequestVoteTimeout, &cfg.RequestVoteTimeout, "request_vote_timeout"},
		{fc.InstallSnapshotTimeout, &cfg.InstallSnapshotTimeout, "install_snapshot_timeout"},
	}
	for _, d := range durs {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	if fc.MaxEntriesPerAppend != 0 {
		cfg.MaxEntriesPerAppend = fc.MaxEntriesPerAppend
	}
	if fc.SnapshotThresholdBytes != 0 {
		cfg.SnapshotThresholdBytes = fc.SnapshotThresholdBytes
	}
	if fc.SnapshotChunkSize != 0 {
		cfg.SnapshotChunkSize = fc.SnapshotChunkSize
	}

	for name, fp := range fc.RetryPolicies {
		p := cfg.RetryPolicies[name]
		if fp.InitialDelay != "" {
			d, err := time.ParseDuration(fp.InitialDelay)
			if err != nil {
				return fmt.Errorf("failed to parse retry_policies.%s.initial_delay: %w", name, err)
			}
			p.InitialDelay = d
		}
		if fp.MaxDelay != "" {
			d, err := time.ParseDuration(fp.MaxDelay)
			if err != nil {
				return fmt.Errorf("failed to parse retry_policies.%s.max_delay: %w", name, err)
			}
			p.MaxDelay = d
		}
		if fp.BackoffMultiplier != 0 {
			p.BackoffMultiplier = fp.BackoffMultiplier
		}
		if fp.JitterFactor != 0 {
			p.JitterFactor = fp.JitterFactor
		}
		if fp.MaxAttempts != 0 {
			p.MaxAttempts = fp.MaxAttempts
		}
		cfg.RetryPolicies[name] = p
	}

	fa := fc.AdaptiveTimeout
	if fa.Enabled {
		a := cfg.AdaptiveTimeout
		a.Enabled = true
		if fa.AdaptationFactor != 0 {
			a.AdaptationFactor = fa.AdaptationFactor
		}
		if fa.SampleWindowSize != 0 {
			a.SampleWindowSize = fa.SampleWindowSize
		}
		var err error
		if fa.MinTimeout != "" {
			if a.MinTimeout, err = time.ParseDuration(fa.MinTimeout); err != nil {
				return fmt.Errorf("failed to parse adaptive_timeout.min_timeout: %w", err)
			}
		}
		if fa.MaxTimeout != "" {
			if a.MaxTimeout, err = time.ParseDuration(fa.MaxTimeout); err != nil {
				return fmt.Errorf("failed to parse adaptive_timeout.max_timeout: %w", err)
			}
		}
		cfg.AdaptiveTimeout = a
	}

	return nil
}
