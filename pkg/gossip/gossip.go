package gossip

import (
	"sync"
	"time"
)

// Scheduler runs f once after d. Implementations must not run f on the
// caller's goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, f func())
}

// SystemScheduler schedules on the runtime timer heap.
type SystemScheduler struct{}

func (SystemScheduler) AfterFunc(d time.Duration, f func()) { time.AfterFunc(d, f) }

// Mailbox is an unbounded FIFO feeding a single consumer goroutine. Put never
// blocks, so handlers of one component can post to another without risking
// a cycle of full channels.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	ready  chan struct{}
	closed bool
}

func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{ready: make(chan struct{}, 1)}
}

// Put appends v and wakes the consumer. It returns false after Close.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready is signalled at least once after every Put.
func (m *Mailbox[T]) Ready() <-chan struct{} { return m.ready }

// Drain removes and returns everything queued, oldest first.
func (m *Mailbox[T]) Drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close drops queued items and rejects further Puts.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.items = nil
}
