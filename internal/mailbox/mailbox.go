// Package mailbox provides the unbounded FIFO that feeds a single-consumer
// event loop.
package mailbox

import (
	"sync"

	"github.com/eapache/queue"
)

// Mailbox is an unbounded multi-producer, single-consumer FIFO. Post never
// blocks; the consumer waits on Ready and drains with Take.
type Mailbox[T any] struct {
	mu     sync.Mutex
	q      *queue.Queue
	ready  chan struct{}
	closed bool
}

// New creates an empty mailbox.
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		q:     queue.New(),
		ready: make(chan struct{}, 1),
	}
}

// Post appends v. It returns false once the mailbox is closed.
func (m *Mailbox[T]) Post(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.q.Add(v)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready is signalled after a Post. One signal may cover several items.
func (m *Mailbox[T]) Ready() <-chan struct{} {
	return m.ready
}

// Take removes the oldest item.
func (m *Mailbox[T]) Take() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	if m.q.Length() == 0 {
		return zero, false
	}
	v, _ := m.q.Remove().(T)
	return v, true
}

// Len returns the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.q.Length()
}

// Close rejects further posts. Queued items can still be taken.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}
