package engine

import (
	"sync"

	"github.com/roach88/cartsync/internal/identity"
)

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventTypeIdentity carries a new identity signal.
	EventTypeIdentity EventType = iota + 1
	// EventTypeRefresh re-hydrates the cart for the last observed identity.
	EventTypeRefresh
)

func (t EventType) String() string {
	switch t {
	case EventTypeIdentity:
		return "identity"
	case EventTypeRefresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// Event is one unit of work for the Run loop.
type Event struct {
	Type   EventType
	Signal identity.Signal
}

// IdentityEvent wraps a signal for Enqueue.
func IdentityEvent(sig identity.Signal) Event {
	return Event{Type: EventTypeIdentity, Signal: sig}
}

// RefreshEvent requests a re-hydration for the current identity.
func RefreshEvent() Event {
	return Event{Type: EventTypeRefresh}
}

// eventQueue is a thread-safe, unbounded FIFO queue for events.
//
// Identity signals may be published from any goroutine (an auth callback,
// an HTTP handler) while the Engine's Run loop dequeues.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // buffered, size 1
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front event without blocking.
// Returns (Event{}, false) if the queue is empty.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]

	// Release the signal's user pointer for GC.
	q.events[0] = Event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
// The channel is closed when the queue is closed.
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    // Try TryDequeue
//	}
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close signals that no more events will be enqueued and wakes waiters.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
