package router

import (
	"context"
	"sync"
)

// QueuedEvent is one unit of pending work.
type QueuedEvent struct {
	Key     string
	Payload any

	ctx    context.Context
	result chan error // buffered, size 1; nil for fire-and-forget
}

// eventQueue is a thread-safe FIFO of queued events.
//
// The queue is unbounded so that cascading dispatches from effects never
// block the drain loop that produced them.
type eventQueue struct {
	mu     sync.Mutex
	events []QueuedEvent
	closed bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]QueuedEvent, 0, 64),
	}
}

// Enqueue adds an event to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e QueuedEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)
	return true
}

// TryDequeue removes and returns the front event without blocking.
func (q *eventQueue) TryDequeue() (QueuedEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return QueuedEvent{}, false
	}

	e := q.events[0]

	// Nil out the slot so the payload and context can be collected.
	q.events[0] = QueuedEvent{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close rejects further enqueues. Events already queued stay dequeueable.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Closed reports whether Close was called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
