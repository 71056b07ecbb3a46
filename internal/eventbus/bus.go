package eventbus

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Handler receives every envelope published on the topic it is
// subscribed to. Handlers run synchronously on the publisher's
// goroutine; returned errors are logged by the bus and never reach
// the publisher.
type Handler func(env Envelope) error

// Bus orchestrates topic-based publish/subscribe messaging.
//
// Delivery is synchronous and in subscription order. The subscriber
// table is guarded by a single mutex; handlers always execute outside
// the lock, so a handler may publish, subscribe, or unsubscribe
// without deadlocking the bus.
type Bus struct {
	logger *log.Logger
	closed atomic.Bool
	nextID uint64

	mu          sync.Mutex
	subscribers map[Topic][]*subscription
	byID        map[uint64]Topic
}

type subscription struct {
	id      uint64
	topic   Topic
	name    string
	handler Handler
}

// New constructs an empty bus.
func New(opts ...BusOption) *Bus {
	bus := &Bus{
		logger:      log.Default(),
		subscribers: make(map[Topic][]*subscription),
		byID:        make(map[uint64]Topic),
	}
	for _, opt := range opts {
		opt(bus)
	}
	return bus
}

// BusOption customises bus behaviour.
type BusOption func(*Bus)

// WithLogger overrides the logger used for handler failure reports.
func WithLogger(logger *log.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// SubscriptionOption customises individual subscriptions.
type SubscriptionOption func(*subscription)

// WithSubscriberName records a human friendly identifier used in logs
// when the handler fails.
func WithSubscriberName(name string) SubscriptionOption {
	return func(s *subscription) {
		s.name = name
	}
}

// Subscribe registers handler for the given topic and returns the
// subscription id used for Unsubscribe. Subscription order is
// preserved for delivery; the same handler may be subscribed to one
// topic multiple times and each registration gets a distinct id.
// If b is nil the call is a no-op and returns 0.
func (b *Bus) Subscribe(topic Topic, handler Handler, opts ...SubscriptionOption) uint64 {
	if b == nil || topic == "" || handler == nil {
		return 0
	}

	sub := &subscription{
		id:      atomic.AddUint64(&b.nextID, 1),
		topic:   topic,
		handler: handler,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.byID[sub.id] = topic
	b.mu.Unlock()

	return sub.id
}

// Unsubscribe removes the subscription with the given id. It returns
// true when the id was found. Calling it from inside a handler that is
// currently receiving a delivery is safe: the in-flight delivery uses
// a snapshot taken at publish time, so an entry removed mid-delivery
// that has not yet been invoked is still invoked for the current
// message, and skipped for all subsequent publishes.
func (b *Bus) Unsubscribe(id uint64) bool {
	if b == nil || id == 0 {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	topic, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)

	subs := b.subscribers[topic]
	for i, sub := range subs {
		if sub.id == id {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subscribers, topic)
	} else {
		b.subscribers[topic] = subs
	}
	return true
}

// Publish delivers payload to every handler subscribed to topic at the
// moment of the call. See PublishEnvelope for the delivery contract.
func (b *Bus) Publish(topic Topic, payload any) {
	if b == nil {
		return
	}
	b.PublishEnvelope(Envelope{Topic: topic, Payload: payload})
}

// PublishEnvelope snapshots the topic's subscriber list under the bus
// lock, releases the lock, and invokes each handler in subscription
// order on the caller's goroutine. Handlers registered during the
// delivery do not receive the current message. A handler error or
// panic is logged and delivery continues with the remaining handlers;
// nothing propagates to the publisher. Re-entrant publishes complete
// fully before the outer delivery resumes.
func (b *Bus) PublishEnvelope(env Envelope) {
	if b == nil || env.Topic == "" || b.closed.Load() {
		return
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.Source == "" {
		env.Source = SourceUnknown
	}

	b.mu.Lock()
	subs := b.subscribers[env.Topic]
	var snapshot []*subscription
	if len(subs) > 0 {
		snapshot = make([]*subscription, len(subs))
		copy(snapshot, subs)
	}
	b.mu.Unlock()

	for _, sub := range snapshot {
		b.dispatch(sub, env)
	}
}

func (b *Bus) dispatch(sub *subscription, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logHandlerFailure(sub, env.Topic, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := sub.handler(env); err != nil {
		b.logHandlerFailure(sub, env.Topic, err)
	}
}

func (b *Bus) logHandlerFailure(sub *subscription, topic Topic, err error) {
	if b.logger == nil {
		return
	}
	name := sub.name
	if name == "" {
		name = fmt.Sprintf("subscription-%d", sub.id)
	}
	b.logger.Printf("[eventbus] handler %s failed on topic %s: %v", name, topic, err)
}

// Topics returns the topics that currently have at least one
// subscriber, sorted. Intended for diagnostics and tests.
func (b *Bus) Topics() []string {
	if b == nil {
		return nil
	}

	b.mu.Lock()
	out := make([]string, 0, len(b.subscribers))
	for topic := range b.subscribers {
		out = append(out, string(topic))
	}
	b.mu.Unlock()

	sort.Strings(out)
	return out
}

// Shutdown stops accepting publishes and empties the routing tables.
// If b is nil the call is a no-op.
func (b *Bus) Shutdown() {
	if b == nil {
		return
	}
	b.closed.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()
	for topic := range b.subscribers {
		delete(b.subscribers, topic)
	}
	for id := range b.byID {
		delete(b.byID, id)
	}
}
