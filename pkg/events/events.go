package events

import (
	"sync"
	"time"

	"github.com/veldtbot/veldt/pkg/types"
)

// Well-known event names delivered to templates. The gateway proxy may emit
// further names; the dispatcher only requires that attachments declare the
// names they subscribe to.
const (
	EventMessage    = "MESSAGE"
	EventMemberJoin = "MEMBER_JOIN"
	EventModAction  = "MOD_ACTION"
	EventStartup    = "STARTUP"
	EventKeyExpiry  = "KEY_EXPIRY"
	EventExpiry     = "EXPIRY"

	// EventExecutionFault is published by the engine itself when a template
	// execution faults, so operator surfaces can forward the error.
	EventExecutionFault = "EXECUTION_FAULT"
)

// Event is a normalized inbound event: one name, one tenant, one payload.
type Event struct {
	Name      string
	Tenant    types.Tenant
	Timestamp time.Time
	Payload   map[string]any
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution between the gateway
// proxy collaborator and the dispatcher.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers
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
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
