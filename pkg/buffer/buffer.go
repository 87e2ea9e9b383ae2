// Package buffer implements a bounded FIFO used as the landing area between
// adapter I/O goroutines and callers.
package buffer

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of entries a buffer holds unless told otherwise.
const DefaultCapacity = 1024

// Buffer is a thread-safe bounded queue. Push never waits, Pop waits up to a
// caller supplied timeout for an entry to show up.
type Buffer[T any] struct {
	mu    sync.Mutex
	queue []T
	max   int
	// signal holds one token while the queue is non-empty
	signal chan struct{}
}

func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer[T]{
		queue:  make([]T, 0, min(capacity, 64)),
		max:    capacity,
		signal: make(chan struct{}, 1),
	}
}

// Push appends v at the tail. It returns false without blocking when the
// buffer is full. The timeout is accepted for symmetry with Pop and ignored.
func (b *Buffer[T]) Push(v T, _ time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) >= b.max {
		return false
	}
	b.queue = append(b.queue, v)
	b.notify()
	return true
}

// Pop removes and returns the head of the queue, waiting at most timeout for
// one to arrive. ok is false on timeout.
func (b *Buffer[T]) Pop(timeout time.Duration) (v T, ok bool) {
	if v, ok = b.tryPop(); ok {
		return v, true
	}
	if timeout <= 0 {
		return v, false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-b.signal:
			if v, ok = b.tryPop(); ok {
				return v, true
			}
		case <-timer.C:
			return b.tryPop()
		}
	}
}

// Available returns a snapshot of the number of queued entries.
func (b *Buffer[T]) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Clear discards everything in the queue.
func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.queue)
	b.queue = b.queue[:0]
	select {
	case <-b.signal:
	default:
	}
}

// Cap returns the configured capacity.
func (b *Buffer[T]) Cap() int {
	return b.max
}

func (b *Buffer[T]) tryPop() (v T, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return v, false
	}
	v = b.queue[0]
	var zero T
	b.queue[0] = zero
	b.queue = b.queue[1:]
	if len(b.queue) > 0 {
		b.notify()
	} else {
		// drop a stale token so the next Pop waits properly
		select {
		case <-b.signal:
		default:
		}
	}
	return v, true
}

// notify must be called with mu held.
func (b *Buffer[T]) notify() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}
