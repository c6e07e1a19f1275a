package future

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/quorum/pkg/clock"
)

// ErrCollectTimeout marks a constituent future that had not settled when a
// collection's deadline expired.
var ErrCollectTimeout = errors.New("collection timed out")

// MajorityNotReachedError fails a majority collection whose deadline expired
// before enough futures succeeded.
type MajorityNotReachedError struct {
	Need      int
	Succeeded int
}

func (e *MajorityNotReachedError) Error() string {
	return fmt.Sprintf("majority not reached: needed %d successful responses, got %d", e.Need, e.Succeeded)
}

// Try holds the outcome of one constituent future in an all-with-timeout
// collection: a value or an error, never both.
type Try[T any] struct {
	Val T
	Err error
}

// Collector aggregates groups of peer-response futures. Timeouts are driven
// by the injected clock so tests can run collections deterministically.
type Collector struct {
	clock clock.Clock
}

// NewCollector creates a collector on the given clock.
func NewCollector(c clock.Clock) *Collector {
	return &Collector{clock: c}
}

// CollectMajority completes as soon as need of the given futures have
// produced successful responses, returning them in completion order. If the
// timeout expires or too many futures fail first, it fails with
// MajorityNotReachedError. Stragglers are cancelled either way.
func CollectMajority[T any](c *Collector, futs []*Future[T], need int, timeout time.Duration) *Future[[]T] {
	return collect(c, futs, timeout,
		func(succeeded []T) bool { return len(succeeded) >= need },
		func(succeeded int) error { return &MajorityNotReachedError{Need: need, Succeeded: succeeded} },
	)
}

// CollectQuorum is CollectMajority with a caller-supplied satisfaction
// predicate, for decisions where which responders answered matters (joint
// consensus needs majorities in two overlapping sets, not a bare count).
// The predicate runs under the collector's lock and must not block.
func CollectQuorum[T any](c *Collector, futs []*Future[T], satisfied func([]T) bool, timeout time.Duration) *Future[[]T] {
	return collect(c, futs, timeout, satisfied,
		func(succeeded int) error { return &MajorityNotReachedError{Need: -1, Succeeded: succeeded} },
	)
}

func collect[T any](c *Collector, futs []*Future[T], timeout time.Duration, satisfied func([]T) bool, failure func(succeeded int) error) *Future[[]T] {
	p := NewPromise[[]T]()

	var (
		mu        sync.Mutex
		succeeded []T
		settled   int
		finished  bool
	)

	finish := func(ok bool) {
		// Caller holds mu.
		if finished {
			return
		}
		finished = true
		results := append([]T(nil), succeeded...)
		nOK := len(succeeded)
		mu.Unlock()
		if ok {
			p.Complete(results)
		} else {
			p.Fail(failure(nOK))
		}
		for _, f := range futs {
			f.Cancel()
		}
		mu.Lock()
	}

	if satisfiedNow := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return satisfied(nil)
	}(); satisfiedNow {
		// Degenerate quorum (e.g. single-node cluster needs no peers).
		mu.Lock()
		finish(true)
		mu.Unlock()
		return p.Future()
	}

	timer := c.clock.AfterFunc(timeout, func() {
		mu.Lock()
		finish(false)
		mu.Unlock()
	})
	p.Future().Subscribe(func([]T, error) { timer.Stop() })

	for _, f := range futs {
		f.Subscribe(func(v T, err error) {
			mu.Lock()
			defer mu.Unlock()
			if finished {
				return
			}
			settled++
			if err == nil {
				succeeded = append(succeeded, v)
				if satisfied(succeeded) {
					finish(true)
					return
				}
			}
			if settled == len(futs) {
				// Everything answered and the quorum never formed.
				finish(false)
			}
		})
	}

	return p.Future()
}

// CollectAllWithTimeout waits until every future settles or the timeout
// expires, then completes with one Try per future in input order. Futures
// still pending at the deadline yield ErrCollectTimeout.
func CollectAllWithTimeout[T any](c *Collector, futs []*Future[T], timeout time.Duration) *Future[[]Try[T]] {
	p := NewPromise[[]Try[T]]()

	if len(futs) == 0 {
		p.Complete(nil)
		return p.Future()
	}

	var (
		mu       sync.Mutex
		results  = make([]Try[T], len(futs))
		pending  = make([]bool, len(futs))
		settled  int
		finished bool
	)
	for i := range pending {
		pending[i] = true
	}

	finish := func() {
		// Caller holds mu.
		if finished {
			return
		}
		finished = true
		for i := range results {
			if pending[i] {
				results[i] = Try[T]{Err: ErrCollectTimeout}
			}
		}
		out := append([]Try[T](nil), results...)
		mu.Unlock()
		p.Complete(out)
		for _, f := range futs {
			f.Cancel()
		}
		mu.Lock()
	}

	timer := c.clock.AfterFunc(timeout, func() {
		mu.Lock()
		finish()
		mu.Unlock()
	})
	p.Future().Subscribe(func([]Try[T], error) { timer.Stop() })

	for i, f := range futs {
		i := i
		f.Subscribe(func(v T, err error) {
			mu.Lock()
			defer mu.Unlock()
			if finished || !pending[i] {
				return
			}
			pending[i] = false
			results[i] = Try[T]{Val: v, Err: err}
			settled++
			if settled == len(futs) {
				finish()
			}
		})
	}

	return p.Future()
}

// CancelCollection cancels every future in the slice and empties it. Safe on
// an empty or partially completed collection; when it returns, no callback
// registered on any of the futures will fire.
func CancelCollection[T any](futs *[]*Future[T]) {
	for _, f := range *futs {
		f.Cancel()
	}
	*futs = (*futs)[:0]
}
