package swarmevent

import (
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Subscriber receives events delivered by a Bus.
type Subscriber func(Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus is a single session's event bus. Unlike the teacher's global
// internal/event.Bus, one Bus is created per swarmsession.Session and
// discarded with it; there is no package-level singleton here because
// sessions must not leak events into each other.
//
// As in the teacher, watermill's gochannel backs the bus for its
// at-least-once in-process delivery guarantees and to keep the dependency
// exercised, while a direct-call subscriber list preserves Go type
// information for in-process listeners (the SSE handlers in
// internal/server).
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	subscribers map[EventType][]subscriberEntry
	global      []subscriberEntry

	nextID uint64
	closed bool
}

// New creates a bus for a single session.
func New() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		subscribers: make(map[EventType][]subscriberEntry),
	}
}

func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers fn for events of the given type. The returned func
// unsubscribes.
func (b *Bus) Subscribe(t EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.newID()
	b.subscribers[t] = append(b.subscribers[t], subscriberEntry{id, fn})
	return func() { b.unsubscribe(t, id) }
}

// SubscribeAll registers fn for every event published on this bus.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.newID()
	b.global = append(b.global, subscriberEntry{id, fn})
	return func() { b.unsubscribeGlobal(id) }
}

func (b *Bus) unsubscribe(t EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[t]
	for i, e := range subs {
		if e.id == id {
			b.subscribers[t] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.global {
		if e.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			return
		}
	}
}

func (b *Bus) recipients(t EventType) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	subs := make([]Subscriber, 0, len(b.subscribers[t])+len(b.global))
	for _, e := range b.subscribers[t] {
		subs = append(subs, e.fn)
	}
	for _, e := range b.global {
		subs = append(subs, e.fn)
	}
	return subs
}

// Publish delivers ev to subscribers asynchronously, one goroutine each, so
// a slow or blocked subscriber (an SSE client behind a dead-slow connection)
// cannot stall the worker that produced the event.
func (b *Bus) Publish(ev Event) {
	for _, sub := range b.recipients(ev.Type) {
		go sub(ev)
	}
}

// PublishSync delivers ev to subscribers in the caller's goroutine. Used in
// tests and for the few call sites (session completion, plan generation)
// that need delivery to have happened before they return.
func (b *Bus) PublishSync(ev Event) {
	for _, sub := range b.recipients(ev.Type) {
		sub(ev)
	}
}

// Close stops the bus and releases its watermill pub/sub. Subsequent
// Subscribe/Publish calls are no-ops.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subscribers = make(map[EventType][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()
	return b.pubsub.Close()
}

// PubSub exposes the underlying watermill GoChannel for components (e.g. a
// future distributed relay backend) that need topic-based routing instead
// of the direct-call subscriber list.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}
