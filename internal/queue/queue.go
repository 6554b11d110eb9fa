// Package queue implements the bounded FIFO that connects connection
// handlers (producers) to the worker pool (consumers).
package queue

import (
	"context"
	"net"
	"time"
)

// Message is one inbound line awaiting processing. It is consumed exactly
// once by a worker and then discarded. The system sentinel sender (a nil
// conn) never matches a live connection.
type Message struct {
	Sender     net.Conn
	Content    string
	EnqueuedAt time.Time
}

// Queue is a bounded multi-producer/multi-consumer FIFO. Push never
// blocks: a full queue rejects the message and the caller counts it as
// dropped. Pop blocks until a message arrives or the context is
// cancelled.
type Queue struct {
	ch chan Message
}

// New creates a queue with the given capacity.
func New(capacity int) *Queue {
	return &Queue{ch: make(chan Message, capacity)}
}

// Push enqueues m, returning false immediately if the queue is full.
func (q *Queue) Push(m Message) bool {
	select {
	case q.ch <- m:
		return true
	default:
		return false
	}
}

// Pop dequeues the oldest message, blocking until one is available. The
// second return is false when ctx was cancelled instead.
func (q *Queue) Pop(ctx context.Context) (Message, bool) {
	select {
	case m := <-q.ch:
		return m, true
	case <-ctx.Done():
		return Message{}, false
	}
}

// Depth returns the instantaneous number of queued messages.
func (q *Queue) Depth() int { return len(q.ch) }

// Capacity returns the fixed queue capacity.
func (q *Queue) Capacity() int { return cap(q.ch) }
