package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBrokerDistribution tests fan-out to multiple subscribers
func TestBrokerDistribution(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()

	b.Publish(NewEvent(EventLeaderElected, "a", 3, "won election"))

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventLeaderElected, ev.Type)
			assert.Equal(t, uint64(3), uint64(ev.Term))
			assert.NotEmpty(t, ev.ID)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

// TestUnsubscribeClosesChannel tests subscription teardown
func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, open := <-sub
	require.False(t, open)
}

// TestPublishNeverBlocks tests that a full buffer drops rather than stalls
func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroker() // never started: eventCh drains nowhere
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Publish(NewEvent(EventElectionStarted, "a", 1, "tick"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full broker")
	}
}
