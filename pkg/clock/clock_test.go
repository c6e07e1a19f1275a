package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestManualClockAdvance tests that due callbacks fire in deadline order
func TestManualClockAdvance(t *testing.T) {
	c := NewManualClock()
	var fired []string

	c.AfterFunc(30*time.Millisecond, func() { fired = append(fired, "c") })
	c.AfterFunc(10*time.Millisecond, func() { fired = append(fired, "a") })
	c.AfterFunc(20*time.Millisecond, func() { fired = append(fired, "b") })

	c.Advance(15 * time.Millisecond)
	assert.Equal(t, []string{"a"}, fired)

	c.Advance(20 * time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, 0, c.PendingTimers())
}

// TestManualClockStop tests that stopped timers never fire
func TestManualClockStop(t *testing.T) {
	c := NewManualClock()
	fired := false
	timer := c.AfterFunc(10*time.Millisecond, func() { fired = true })

	assert.True(t, timer.Stop())
	c.Advance(time.Second)
	assert.False(t, fired)

	// Stopping twice reports false.
	assert.False(t, timer.Stop())
}

// TestManualClockRescheduling tests that callbacks can schedule more timers
// within the advanced window
func TestManualClockRescheduling(t *testing.T) {
	c := NewManualClock()
	var fired []string

	c.AfterFunc(10*time.Millisecond, func() {
		fired = append(fired, "first")
		c.AfterFunc(10*time.Millisecond, func() { fired = append(fired, "second") })
	})

	c.Advance(25 * time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, fired)
	assert.Equal(t, c.Now(), time.Unix(0, 0).Add(25*time.Millisecond))
}

// TestSystemClockAfterFunc smoke tests the production clock
func TestSystemClockAfterFunc(t *testing.T) {
	c := NewSystemClock()
	ch := make(chan struct{})
	c.AfterFunc(time.Millisecond, func() { close(ch) })
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}
