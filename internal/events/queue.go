package events

import (
	"context"
	"sync"
	"time"

	"github.com/memextech/headless-terminal-mcp/internal/protocol"
)

// Queue is an unbounded FIFO of events. Push never blocks; Pop blocks until
// an event is available, the context ends, or the queue is closed. It is
// meant for many producers and a single consumer.
type Queue struct {
	mu     sync.Mutex
	items  []protocol.Event
	head   int
	closed bool

	notify chan struct{}
	done   chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends ev. Events pushed after Close are discarded.
func (q *Queue) Push(ev protocol.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.items = append(q.items, ev)

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest event. ok is false when ctx ended or
// the queue was closed before an event became available. An ended ctx wins
// over queued events.
func (q *Queue) Pop(ctx context.Context) (ev protocol.Event, ok bool) {
	for {
		if ctx.Err() != nil {
			return protocol.Event{}, false
		}
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return protocol.Event{}, false
		}
		if q.head < len(q.items) {
			ev = q.items[q.head]
			q.items[q.head] = protocol.Event{}
			q.head++
			q.compact()
			q.mu.Unlock()
			return ev, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
			return protocol.Event{}, false
		case <-ctx.Done():
			return protocol.Event{}, false
		}
	}
}

// PopTimeout is Pop bounded by timeout instead of a context.
func (q *Queue) PopTimeout(timeout time.Duration) (protocol.Event, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return q.Pop(ctx)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Drain removes and returns every queued event without blocking.
func (q *Queue) Drain() []protocol.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]protocol.Event, len(q.items)-q.head)
	copy(out, q.items[q.head:])
	q.items = nil
	q.head = 0
	return out
}

// Close discards queued events and releases a blocked Pop. It is safe to
// call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.head = 0
	close(q.done)
}

// compact reclaims the consumed prefix once it dominates the backing array.
// Callers hold q.mu.
func (q *Queue) compact() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
}
