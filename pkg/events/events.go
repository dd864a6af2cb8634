package events

import (
	"sync"
	"time"
)

// EventType represents the kind of state change being published.
type EventType string

const (
	// TaskInserted fires whenever a new task is created, so the broker loop
	// can attempt an immediate lease for its topic instead of waiting for
	// the next poll interval.
	TaskInserted EventType = "task.inserted"
	// ConsumerReady fires whenever a consumer's readiness token is set,
	// for the same reason as TaskInserted but on the consumer side.
	ConsumerReady EventType = "consumer.ready"
	// ConsumerPruned fires when the health pruner removes a consumer that
	// failed its health check.
	ConsumerPruned EventType = "consumer.pruned"
	// TaskTerminal fires when an update leaves a task Succeeded or Failed.
	TaskTerminal EventType = "task.terminal"
)

// Event is one state change broadcast to subscribers.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages event subscriptions and distribution.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers. While the internal buffer
// (100 events) is full, Publish blocks until the distribution loop makes
// room or the broker is stopped.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
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
			// subscriber buffer full, drop rather than block broadcast
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
