// Package router serializes dispatched events through a single FIFO queue.
//
// Exactly one drain goroutine runs at a time. It pops one event, runs it to
// completion (including every effect it triggers), and only then pops the
// next. Events dispatched from inside the loop queue behind the current one.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrClosed is returned for events dispatched after Close.
	ErrClosed = errors.New("router closed")

	// ErrInLoop is returned by Flush when called from inside the drain loop,
	// where waiting for the queue to empty would wait on itself.
	ErrInLoop = errors.New("flush called from inside the event loop")
)

// Handler processes one event. The returned error is delivered to the
// dispatcher waiting on it.
type Handler func(ctx context.Context, eventKey string, payload any) error

type loopKey struct{}

// InLoop reports whether ctx belongs to an event being processed by a
// router's drain loop.
func InLoop(ctx context.Context) bool {
	v, _ := ctx.Value(loopKey{}).(bool)
	return v
}

// Router is the FIFO event queue.
//
// Thread-safety: Dispatch, Enqueue, Flush, and Close are safe from any
// goroutine. The handler only ever runs on the drain goroutine.
type Router struct {
	handle Handler
	queue  *eventQueue

	mu       sync.Mutex
	draining bool
	idle     chan struct{} // closed whenever no drain is running
}

// New creates a router that hands events to h.
func New(h Handler) *Router {
	idle := make(chan struct{})
	close(idle)
	return &Router{
		handle: h,
		queue:  newEventQueue(),
		idle:   idle,
	}
}

// Dispatch enqueues an event and returns a channel that receives its
// result once it has been processed. The channel is buffered, so callers may
// ignore it.
//
// ctx is carried into the handler with its cancellation stripped: once
// enqueued, an event always runs.
func (r *Router) Dispatch(ctx context.Context, eventKey string, payload any) <-chan error {
	result := make(chan error, 1)
	if !r.enqueue(ctx, eventKey, payload, result) {
		result <- ErrClosed
	}
	return result
}

// Enqueue adds a fire-and-forget event. A rethrown error is logged rather
// than delivered. Returns false after Close.
func (r *Router) Enqueue(ctx context.Context, eventKey string, payload any) bool {
	return r.enqueue(ctx, eventKey, payload, nil)
}

func (r *Router) enqueue(ctx context.Context, eventKey string, payload any, result chan error) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	ok := r.queue.Enqueue(QueuedEvent{
		Key:     eventKey,
		Payload: payload,
		ctx:     ctx,
		result:  result,
	})
	if !ok {
		slog.Warn("dispatch after close ignored", "event", eventKey)
		return false
	}
	r.kick()
	return true
}

// kick starts a drain goroutine unless one is already running.
func (r *Router) kick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.draining {
		return
	}
	r.draining = true
	r.idle = make(chan struct{})
	go r.drain()
}

func (r *Router) drain() {
	for {
		ev, ok := r.queue.TryDequeue()
		if !ok {
			r.mu.Lock()
			// An enqueue that raced with the failed dequeue is blocked in
			// kick on r.mu; recheck so it is not stranded.
			if r.queue.Len() > 0 {
				r.mu.Unlock()
				continue
			}
			r.draining = false
			close(r.idle)
			r.mu.Unlock()
			return
		}
		r.process(ev)
	}
}

func (r *Router) process(ev QueuedEvent) {
	ctx := context.WithValue(context.WithoutCancel(ev.ctx), loopKey{}, true)

	err := r.invoke(ctx, ev)
	if ev.result != nil {
		ev.result <- err
		return
	}
	if err != nil {
		slog.Error("dispatched event failed", "event", ev.Key, "error", err)
	}
}

func (r *Router) invoke(ctx context.Context, ev QueuedEvent) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("event %s: handler panicked: %v", ev.Key, rec)
		}
	}()
	return r.handle(ctx, ev.Key, ev.Payload)
}

// Flush waits until the queue is empty and no drain is running, including
// events enqueued while waiting. ctx bounds the wait only.
func (r *Router) Flush(ctx context.Context) error {
	if InLoop(ctx) {
		return ErrInLoop
	}
	for {
		r.mu.Lock()
		draining, idle := r.draining, r.idle
		r.mu.Unlock()

		if !draining {
			if r.queue.Len() == 0 {
				return nil
			}
			r.kick()
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
	}
}

// Len returns the number of events waiting to be processed.
func (r *Router) Len() int {
	return r.queue.Len()
}

// Close rejects further dispatches. Events already queued still run; call
// Flush to wait for them.
func (r *Router) Close() {
	r.queue.Close()
}

// Closed reports whether Close was called.
func (r *Router) Closed() bool {
	return r.queue.Closed()
}
