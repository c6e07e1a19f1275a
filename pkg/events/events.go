package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/quorum/pkg/types"
)

// EventType represents the type of event
type EventType string

const (
	EventLeaderElected      EventType = "leader.elected"
	EventLeaderSteppedDown  EventType = "leader.stepped_down"
	EventMembershipChanged  EventType = "membership.changed"
	EventSnapshotCaptured   EventType = "snapshot.captured"
	EventSnapshotInstalled  EventType = "snapshot.installed"
	EventNodeHalted         EventType = "node.halted"
	EventElectionStarted    EventType = "election.started"
	EventConfigurationJoint EventType = "configuration.joint"
)

// Event represents a consensus event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	NodeID    types.NodeID
	Term      types.Term
	Message   string
}

// NewEvent builds an event with a fresh id and timestamp
func NewEvent(typ EventType, node types.NodeID, term types.Term, message string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: time.Now(),
		NodeID:    node,
		Term:      term,
		Message:   message,
	}
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers. Publishing never blocks the
// consensus path: a full broker buffer drops the event.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	default:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}
