package tunnel

import (
	"context"
	"net"
	"sync"
)

// DefaultQueueSize bounds the signal queue and the PendingQueue.
const DefaultQueueSize = 100

// PendingQueue is a bounded FIFO of data connections waiting to be paired.
// Push blocks while the queue is full. Connections carry no identity; the
// n-th connection popped is paired with the n-th waiting client.
type PendingQueue struct {
	ch        chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func NewPendingQueue(size int) *PendingQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &PendingQueue{ch: make(chan net.Conn, size), done: make(chan struct{})}
}

// Push enqueues c, blocking while the queue is full. On error the caller
// still owns c.
func (q *PendingQueue) Push(ctx context.Context, c net.Conn) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- c:
	}
	// Lost a race with Close: whatever is left is ours to clean up.
	select {
	case <-q.done:
		q.drain()
	default:
	}
	return nil
}

// Pop dequeues the oldest connection, blocking until one arrives.
func (q *PendingQueue) Pop(ctx context.Context) (net.Conn, error) {
	select {
	case <-q.done:
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case c := <-q.ch:
		return c, nil
	}
}

// Len returns the number of queued connections.
func (q *PendingQueue) Len() int { return len(q.ch) }

// Close stops the queue and closes every connection still in it.
func (q *PendingQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
	q.drain()
}

func (q *PendingQueue) drain() {
	for {
		select {
		case c := <-q.ch:
			_ = c.Close()
		default:
			return
		}
	}
}

// signalQueue carries one notification per accepted client to the control
// writer. Notify blocks while the queue is full, which holds up the client
// accept loop.
type signalQueue struct {
	ch chan struct{}
}

func newSignalQueue(size int) *signalQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &signalQueue{ch: make(chan struct{}, size)}
}

func (q *signalQueue) Notify(ctx context.Context) error {
	select {
	case q.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
