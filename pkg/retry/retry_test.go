package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/quorum/pkg/clock"
	"github.com/cuemby/quorum/pkg/types"
)

// transientError is a test double for a retryable transport failure.
type transientError struct{ retryable bool }

func (e *transientError) Error() string   { return "transient test failure" }
func (e *transientError) Retryable() bool { return e.retryable }

// TestPolicyValidate tests the per-field validation grid
func TestPolicyValidate(t *testing.T) {
	valid := Policy{
		InitialDelay:      10 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.2,
		MaxAttempts:       3,
	}
	require.NoError(t, valid.Validate("p"))

	tests := []struct {
		name   string
		mutate func(*Policy)
		field  string
	}{
		{"zero initial delay", func(p *Policy) { p.InitialDelay = 0 }, "p.initial_delay"},
		{"max below initial", func(p *Policy) { p.MaxDelay = p.InitialDelay - 1 }, "p.max_delay"},
		{"multiplier at one", func(p *Policy) { p.BackoffMultiplier = 1.0 }, "p.backoff_multiplier"},
		{"negative jitter", func(p *Policy) { p.JitterFactor = -0.1 }, "p.jitter_factor"},
		{"jitter above one", func(p *Policy) { p.JitterFactor = 1.1 }, "p.jitter_factor"},
		{"zero attempts", func(p *Policy) { p.MaxAttempts = 0 }, "p.max_attempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			err := p.Validate("p")
			require.Error(t, err)

			var icErr *types.InvalidConfigurationError
			require.ErrorAs(t, err, &icErr)
			assert.Equal(t, tt.field, icErr.Field)
		})
	}
}

// TestPolicyDelay tests the exponential curve and its cap
func TestPolicyDelay(t *testing.T) {
	p := Policy{
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2.0,
		MaxAttempts:       10,
	}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, 800*time.Millisecond, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(5), "capped at max_delay")
	assert.Equal(t, time.Second, p.Delay(20))
}

// TestDefaultPolicyOrdering tests that snapshot transfers are the most
// persistent class and heartbeats the least
func TestDefaultPolicyOrdering(t *testing.T) {
	d := DefaultPolicies()
	hb := d[OpHeartbeat]
	ae := d[OpAppendEntries]
	rv := d[OpRequestVote]
	is := d[OpInstallSnapshot]

	assert.GreaterOrEqual(t, is.MaxAttempts, ae.MaxAttempts)
	assert.GreaterOrEqual(t, is.MaxAttempts, rv.MaxAttempts)
	assert.GreaterOrEqual(t, is.MaxAttempts, hb.MaxAttempts)
	assert.LessOrEqual(t, hb.MaxAttempts, ae.MaxAttempts)
	assert.LessOrEqual(t, hb.InitialDelay, ae.InitialDelay)
	assert.GreaterOrEqual(t, is.MaxDelay, ae.MaxDelay)

	for name, p := range d {
		assert.NoError(t, p.Validate(name))
	}
}

// TestExecuteRetriesTransientFailures tests retry-until-success
func TestExecuteRetriesTransientFailures(t *testing.T) {
	clk := clock.NewManualClock()
	e, err := NewEngine(clk, nil)
	require.NoError(t, err)

	attempts := 0
	done := make(chan struct{})
	var got int
	var execErr error
	go func() {
		got, execErr = Execute(e, context.Background(), OpAppendEntries, func() (int, error) {
			attempts++
			if attempts < 3 {
				return 0, &transientError{retryable: true}
			}
			return 42, nil
		})
		close(done)
	}()

	// Two backoff sleeps stand between the failures and the success.
	for i := 0; i < 2; i++ {
		waitFor(t, func() bool { return clk.PendingTimers() > 0 })
		clk.Advance(2 * time.Second)
	}

	<-done
	require.NoError(t, execErr)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, attempts)
}

// TestExecuteStopsAtAttemptCap tests exhaustion returns the last error
func TestExecuteStopsAtAttemptCap(t *testing.T) {
	clk := clock.NewManualClock()
	e, err := NewEngine(clk, map[string]Policy{
		"op": {InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 2, MaxAttempts: 3},
	})
	require.NoError(t, err)

	attempts := 0
	done := make(chan struct{})
	var execErr error
	go func() {
		_, execErr = Execute(e, context.Background(), "op", func() (int, error) {
			attempts++
			return 0, &transientError{retryable: true}
		})
		close(done)
	}()

	for i := 0; i < 2; i++ {
		waitFor(t, func() bool { return clk.PendingTimers() > 0 })
		clk.Advance(time.Second)
	}

	<-done
	require.Error(t, execErr)
	assert.Equal(t, 3, attempts)
}

// TestExecuteNonRetryableReturnsImmediately tests classification by kind
func TestExecuteNonRetryableReturnsImmediately(t *testing.T) {
	clk := clock.NewManualClock()
	e, err := NewEngine(clk, nil)
	require.NoError(t, err)

	attempts := 0
	_, execErr := Execute(e, context.Background(), OpAppendEntries, func() (int, error) {
		attempts++
		return 0, &transientError{retryable: false}
	})
	require.Error(t, execErr)
	assert.Equal(t, 1, attempts)

	// Plain errors carry no kind and are never retried either.
	attempts = 0
	_, execErr = Execute(e, context.Background(), OpAppendEntries, func() (int, error) {
		attempts++
		return 0, errors.New("no kind")
	})
	require.Error(t, execErr)
	assert.Equal(t, 1, attempts)
}

// TestIsRetryable tests classification helpers
func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&transientError{retryable: true}))
	assert.False(t, IsRetryable(&transientError{retryable: false}))
	assert.False(t, IsRetryable(errors.New("plain")))
}

// TestAdaptiveTrackerWindow tests that the effective timeout stays at the
// minimum until the window fills, then tracks the clamped average
func TestAdaptiveTrackerWindow(t *testing.T) {
	cfg := AdaptiveConfig{
		Enabled:          true,
		MinTimeout:       50 * time.Millisecond,
		MaxTimeout:       time.Second,
		AdaptationFactor: 2.0,
		SampleWindowSize: 3,
	}
	tr, err := NewAdaptiveTracker(cfg)
	require.NoError(t, err)

	assert.Equal(t, cfg.MinTimeout, tr.EffectiveTimeout())

	tr.Record(100 * time.Millisecond)
	tr.Record(100 * time.Millisecond)
	assert.Equal(t, cfg.MinTimeout, tr.EffectiveTimeout(), "window not yet full")

	tr.Record(100 * time.Millisecond)
	assert.Equal(t, 200*time.Millisecond, tr.EffectiveTimeout(), "avg 100ms x factor 2")

	// The window slides: three huge samples push the timeout to the cap.
	for i := 0; i < 3; i++ {
		tr.Record(10 * time.Second)
	}
	assert.Equal(t, cfg.MaxTimeout, tr.EffectiveTimeout())

	// Tiny samples clamp up to the minimum.
	for i := 0; i < 3; i++ {
		tr.Record(time.Millisecond)
	}
	assert.Equal(t, cfg.MinTimeout, tr.EffectiveTimeout())

	tr.Reset()
	assert.Equal(t, cfg.MinTimeout, tr.EffectiveTimeout())
}

// TestAdaptiveConfigValidate tests adaptive invariant checks
func TestAdaptiveConfigValidate(t *testing.T) {
	bad := AdaptiveConfig{Enabled: true, MinTimeout: time.Second, MaxTimeout: time.Millisecond, AdaptationFactor: 2, SampleWindowSize: 3}
	err := bad.Validate()
	require.Error(t, err)

	var icErr *types.InvalidConfigurationError
	require.ErrorAs(t, err, &icErr)
	assert.Equal(t, "adaptive_timeout.max_timeout", icErr.Field)

	disabled := AdaptiveConfig{Enabled: false}
	assert.NoError(t, disabled.Validate())
}

// TestSetPolicyValidates tests the runtime policy update path
func TestSetPolicyValidates(t *testing.T) {
	clk := clock.NewManualClock()
	e, err := NewEngine(clk, nil)
	require.NoError(t, err)

	assert.Error(t, e.SetPolicy("heartbeat", Policy{}))

	p := Policy{InitialDelay: time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 3, MaxAttempts: 7}
	require.NoError(t, e.SetPolicy("heartbeat", p))
	assert.Equal(t, 7, e.Policy("heartbeat").MaxAttempts)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
