package future

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCompleteOnce tests that a future settles exactly once
func TestCompleteOnce(t *testing.T) {
	p := NewPromise[int]()
	assert.True(t, p.Complete(1))
	assert.False(t, p.Complete(2))
	assert.False(t, p.Fail(errors.New("late")))

	v, err := p.Future().Result()
	assert.NoError(t, err)
	assert.Equal(t, 1, v)
}

// TestSubscribeAfterSettle tests inline delivery on settled futures
func TestSubscribeAfterSettle(t *testing.T) {
	p := NewPromise[string]()
	p.Complete("done")

	var got string
	p.Future().Subscribe(func(v string, err error) { got = v })
	assert.Equal(t, "done", got)
}

// TestSubscribeBeforeSettle tests delivery on completion
func TestSubscribeBeforeSettle(t *testing.T) {
	p := NewPromise[string]()
	var got string
	var gotErr error
	p.Future().Subscribe(func(v string, err error) { got, gotErr = v, err })

	p.Complete("later")
	assert.Equal(t, "later", got)
	assert.NoError(t, gotErr)
}

// TestCancelReleasesCallbacks tests that no callback fires after Cancel
// returns
func TestCancelReleasesCallbacks(t *testing.T) {
	p := NewPromise[int]()
	fired := false
	p.Future().Subscribe(func(int, error) { fired = true })

	p.Future().Cancel()
	assert.False(t, p.Complete(42), "completing a cancelled future must fail")
	assert.False(t, fired)

	// Subscribing after cancellation is a no-op too.
	p.Future().Subscribe(func(int, error) { fired = true })
	assert.False(t, fired)

	_, err := p.Future().Result()
	assert.ErrorIs(t, err, ErrCancelled)
}

// TestAwait tests blocking consumption
func TestAwait(t *testing.T) {
	p := NewPromise[int]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Complete(7)
	}()

	v, err := p.Future().Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

// TestAwaitContextCancelled tests that Await honors the context
func TestAwaitContextCancelled(t *testing.T) {
	p := NewPromise[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Future().Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
