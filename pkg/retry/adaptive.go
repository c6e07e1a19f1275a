package retry

import (
	"sync"
	"time"

	"github.com/cuemby/quorum/pkg/types"
)

// AdaptiveConfig tunes latency-driven RPC timeouts.
type AdaptiveConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	MinTimeout       time.Duration `yaml:"min_timeout" json:"min_timeout"`
	MaxTimeout       time.Duration `yaml:"max_timeout" json:"max_timeout"`
	AdaptationFactor float64       `yaml:"adaptation_factor" json:"adaptation_factor"`
	SampleWindowSize int           `yaml:"sample_window_size" json:"sample_window_size"`
}

// Validate checks the adaptive timeout invariants.
func (c AdaptiveConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.MinTimeout <= 0 {
		return &types.InvalidConfigurationError{
			Field:  "adaptive_timeout.min_timeout",
			Reason: "must be greater than zero",
		}
	}
	if c.MaxTimeout < c.MinTimeout {
		return &types.InvalidConfigurationError{
			Field:  "adaptive_timeout.max_timeout",
			Reason: "must be at least min_timeout",
		}
	}
	if c.AdaptationFactor <= 1.0 {
		return &types.InvalidConfigurationError{
			Field:  "adaptive_timeout.adaptation_factor",
			Reason: "must be greater than 1.0",
		}
	}
	if c.SampleWindowSize < 1 {
		return &types.InvalidConfigurationError{
			Field:  "adaptive_timeout.sample_window_size",
			Reason: "must be at least 1",
		}
	}
	return nil
}

// AdaptiveTracker keeps a sliding window of successful response latencies and
// derives an effective timeout from their average. Until the window has
// filled, the effective timeout stays at the configured minimum; only
// successes feed the window, so a flapping peer cannot inflate it.
type AdaptiveTracker struct {
	mu      sync.Mutex
	cfg     AdaptiveConfig
	samples []time.Duration
}

// NewAdaptiveTracker validates cfg and returns a tracker.
func NewAdaptiveTracker(cfg AdaptiveConfig) (*AdaptiveTracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &AdaptiveTracker{cfg: cfg}, nil
}

// Record adds one successful response latency to the window, evicting the
// oldest sample once the window is full.
func (t *AdaptiveTracker) Record(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, d)
	if len(t.samples) > t.cfg.SampleWindowSize {
		t.samples = t.samples[1:]
	}
}

// EffectiveTimeout returns clamp(avg_latency * adaptation_factor,
// min_timeout, max_timeout), or min_timeout while the window is still
// filling.
func (t *AdaptiveTracker) EffectiveTimeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.samples) < t.cfg.SampleWindowSize {
		return t.cfg.MinTimeout
	}
	var total time.Duration
	for _, s := range t.samples {
		total += s
	}
	avg := total / time.Duration(len(t.samples))
	timeout := time.Duration(float64(avg) * t.cfg.AdaptationFactor)
	if timeout < t.cfg.MinTimeout {
		timeout = t.cfg.MinTimeout
	}
	if timeout > t.cfg.MaxTimeout {
		timeout = t.cfg.MaxTimeout
	}
	return timeout
}

// Reset clears the window, dropping the timeout back to the minimum.
func (t *AdaptiveTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = nil
}
