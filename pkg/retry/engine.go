package retry

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/quorum/pkg/clock"
	"github.com/cuemby/quorum/pkg/log"
)

// retryable is implemented by errors that know whether they are transient.
// Transport errors implement it; protocol signals and client errors do not
// and are therefore never retried. Classification is by error kind only,
// never by message content.
type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// Engine executes operations under named retry policies. Policies can be
// replaced at runtime (the update path is thread-safe but expected to be
// rare); successful response latencies feed the optional adaptive timeout
// trackers.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]Policy
	trackers map[string]*AdaptiveTracker

	clock  clock.Clock
	logger zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewEngine creates an engine with the given policies (DefaultPolicies() if
// nil) on the given clock.
func NewEngine(c clock.Clock, policies map[string]Policy) (*Engine, error) {
	if policies == nil {
		policies = DefaultPolicies()
	}
	for name, p := range policies {
		if err := p.Validate("retry_policies." + name); err != nil {
			return nil, err
		}
	}
	cloned := make(map[string]Policy, len(policies))
	for name, p := range policies {
		cloned[name] = p
	}
	return &Engine{
		policies: cloned,
		trackers: make(map[string]*AdaptiveTracker),
		clock:    c,
		logger:   log.WithComponent("retry"),
		rng:      rand.New(rand.NewSource(c.Now().UnixNano())),
	}, nil
}

// Policy returns the policy registered for op, falling back to the
// append_entries policy for unknown names.
func (e *Engine) Policy(op string) Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.policies[op]; ok {
		return p
	}
	return e.policies[OpAppendEntries]
}

// SetPolicy replaces the policy for op after validating it.
func (e *Engine) SetPolicy(op string, p Policy) error {
	if err := p.Validate("retry_policies." + op); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[op] = p
	return nil
}

// EnableAdaptiveTimeouts attaches an adaptive tracker to op. Successful
// samples recorded by Execute feed it.
func (e *Engine) EnableAdaptiveTimeouts(op string, cfg AdaptiveConfig) error {
	t, err := NewAdaptiveTracker(cfg)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trackers[op] = t
	return nil
}

// EffectiveTimeout returns the adaptive timeout for op, or fallback when no
// tracker is attached.
func (e *Engine) EffectiveTimeout(op string, fallback time.Duration) time.Duration {
	e.mu.RLock()
	t := e.trackers[op]
	e.mu.RUnlock()
	if t == nil {
		return fallback
	}
	return t.EffectiveTimeout()
}

// Jitter spreads d uniformly across [d*(1-j), d*(1+j)].
func (e *Engine) jitter(d time.Duration, factor float64) time.Duration {
	if factor == 0 || d <= 0 {
		return d
	}
	e.rngMu.Lock()
	r := e.rng.Float64()
	e.rngMu.Unlock()
	spread := 1 - factor + 2*factor*r
	return time.Duration(float64(d) * spread)
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	fired := make(chan struct{})
	t := e.clock.AfterFunc(d, func() { close(fired) })
	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}

func (e *Engine) recordSample(op string, d time.Duration) {
	e.mu.RLock()
	t := e.trackers[op]
	e.mu.RUnlock()
	if t != nil {
		t.Record(d)
	}
}

// Execute runs fn under the policy registered for op. Transient failures are
// retried with exponential backoff and jitter until the attempt cap;
// non-retryable failures return immediately. Successful attempts record a
// latency sample for adaptive timeouts.
func Execute[T any](e *Engine, ctx context.Context, op string, fn func() (T, error)) (T, error) {
	policy := e.Policy(op)
	var lastErr error
	for attempt := 1; ; attempt++ {
		start := e.clock.Now()
		v, err := fn()
		if err == nil {
			e.recordSample(op, e.clock.Now().Sub(start))
			return v, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			var zero T
			return zero, err
		}
		if attempt >= policy.MaxAttempts {
			e.logger.Warn().
				Str("op", op).
				Int("attempts", attempt).
				Err(err).
				Msg("retries exhausted")
			var zero T
			return zero, lastErr
		}

		delay := e.jitter(policy.Delay(attempt), policy.JitterFactor)
		e.logger.Debug().
			Str("op", op).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("retrying after transient failure")
		if serr := e.sleep(ctx, delay); serr != nil {
			var zero T
			return zero, serr
		}
	}
}
