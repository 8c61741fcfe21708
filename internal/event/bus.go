package event

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/orchsync/internal/logging"
	"github.com/Iron-Ham/orchsync/internal/protocol"
)

// Notification is a raw payload received on a topic.
type Notification struct {
	Topic      protocol.Topic
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Handler receives notifications for a topic.
type Handler func(Notification)

// Unsubscribe releases a subscription. Calling it more than once is a no-op.
type Unsubscribe func() error

// Subscriber is the notification transport the sync layer listens on.
// Subscribe may fail per topic; a failure on one topic says nothing about
// the others.
type Subscriber interface {
	Subscribe(topic protocol.Topic, handler Handler) (Unsubscribe, error)
}

// subscription represents a registered handler.
type subscription struct {
	id      string
	topic   protocol.Topic
	handler Handler
}

// wildcard is the pseudo-topic used by SubscribeAll.
const wildcard protocol.Topic = "*"

// Bus is an in-process synchronous topic transport. The websocket client
// fans incoming frames out through a Bus, and tests drive the sync layer
// by publishing to one directly.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[protocol.Topic][]subscription
	logger        *logging.Logger
	now           func() time.Time
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusLogger sets the logger used to report handler panics.
func WithBusLogger(logger *logging.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock overrides the clock used to stamp published notifications.
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBus creates a new bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subscriptions: make(map[protocol.Topic][]subscription),
		logger:        logging.NopLogger(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for topic. It implements Subscriber and
// never fails.
func (b *Bus) Subscribe(topic protocol.Topic, handler Handler) (Unsubscribe, error) {
	id := b.add(topic, handler)
	return b.unsubscriber(id), nil
}

// SubscribeAll registers a handler for every published topic.
func (b *Bus) SubscribeAll(handler Handler) Unsubscribe {
	return b.unsubscriber(b.add(wildcard, handler))
}

func (b *Bus) add(topic protocol.Topic, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	b.subscriptions[topic] = append(b.subscriptions[topic], subscription{
		id:      id,
		topic:   topic,
		handler: handler,
	})
	return id
}

func (b *Bus) unsubscriber(id string) Unsubscribe {
	var once sync.Once
	return func() error {
		once.Do(func() { b.remove(id) })
		return nil
	}
}

// remove deletes a subscription by ID and reports whether it existed.
func (b *Bus) remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.id == id {
				// Copy so in-flight Publish snapshots are unaffected.
				next := make([]subscription, 0, len(subs)-1)
				next = append(next, subs[:i]...)
				next = append(next, subs[i+1:]...)
				if len(next) == 0 {
					delete(b.subscriptions, topic)
				} else {
					b.subscriptions[topic] = next
				}
				return true
			}
		}
	}
	return false
}

// Publish stamps payload with the current time and delivers it.
func (b *Bus) Publish(topic protocol.Topic, payload []byte) {
	b.Deliver(Notification{
		Topic:      topic,
		Payload:    json.RawMessage(payload),
		ReceivedAt: b.now(),
	})
}

// Deliver dispatches n to all handlers for its topic, then to wildcard
// handlers, each group in registration order. A panicking handler is
// logged and does not stop delivery to the rest.
func (b *Bus) Deliver(n Notification) {
	b.mu.RLock()
	specific := b.subscriptions[n.Topic]
	wild := b.subscriptions[wildcard]
	b.mu.RUnlock()

	for _, sub := range specific {
		b.safeCall(sub.handler, n)
	}
	for _, sub := range wild {
		b.safeCall(sub.handler, n)
	}
}

// safeCall invokes a handler and recovers from any panic.
func (b *Bus) safeCall(handler Handler, n Notification) {
	var catcher panics.Catcher
	catcher.Try(func() { handler(n) })
	if r := catcher.Recovered(); r != nil {
		b.logger.WithChannel(string(n.Topic)).Error("notification handler panicked",
			"panic", r.Value,
			"stack", string(r.Stack),
		)
	}
}

// Clear removes all subscriptions.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = make(map[protocol.Topic][]subscription)
}

// SubscriptionCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subscriptions {
		count += len(subs)
	}
	return count
}

// Topics returns the topics that currently have at least one subscriber,
// excluding wildcard subscriptions.
func (b *Bus) Topics() []protocol.Topic {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]protocol.Topic, 0, len(b.subscriptions))
	for topic := range b.subscriptions {
		if topic != wildcard {
			topics = append(topics, topic)
		}
	}
	return topics
}
