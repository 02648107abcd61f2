package swarmevent

// Queue is a bounded, non-blocking subscriber channel. A Session Manager
// subscriber (an SSE client, or the CLI's live-state viewer) owns one Queue;
// Offer never blocks the publisher, it drops the oldest buffered event
// instead, so one slow subscriber cannot stall the orchestration engine.
type Queue struct {
	ch chan Event
}

// NewQueue creates a Queue with the given capacity. Capacity 0 falls back
// to the default of 100 events, matching the subscriber_queue_capacity
// default in the orchestration config.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 100
	}
	return &Queue{ch: make(chan Event, capacity)}
}

// Offer attempts a non-blocking send. If the queue is full, the oldest
// queued event is dropped to make room — recency beats completeness for a
// live SSE stream that a heartbeat keeps alive regardless.
func (q *Queue) Offer(ev Event) {
	select {
	case q.ch <- ev:
		return
	default:
	}
	select {
	case <-q.ch:
	default:
	}
	select {
	case q.ch <- ev:
	default:
	}
}

// C returns the receive side, for range loops and select statements in SSE
// handlers.
func (q *Queue) C() <-chan Event {
	return q.ch
}

// Subscribe wires a Queue to a Bus as an all-events listener and returns the
// unsubscribe function alongside it.
func Subscribe(bus *Bus, capacity int) (*Queue, func()) {
	q := NewQueue(capacity)
	unsub := bus.SubscribeAll(func(ev Event) { q.Offer(ev) })
	return q, unsub
}
