// Package queue provides the bounded hand-off between pipeline stages.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Ring is a fixed-capacity FIFO. Push never blocks: when the ring is full the
// oldest element is overwritten and counted as dropped. Pop waits a bounded
// time for an element. One producer and one consumer per ring.
type Ring[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int
	size  int
	ready chan struct{}

	pushed  atomic.Uint64
	dropped atomic.Uint64
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		buf:   make([]T, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Push appends v and reports whether an older element had to be dropped.
func (r *Ring[T]) Push(v T) (dropped bool) {
	r.mu.Lock()
	if r.size == len(r.buf) {
		var zero T
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
		r.size--
		dropped = true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	r.mu.Unlock()

	r.pushed.Add(1)
	if dropped {
		r.dropped.Add(1)
	}
	select {
	case r.ready <- struct{}{}:
	default:
	}
	return dropped
}

// TryPop returns the oldest element without waiting.
func (r *Ring[T]) TryPop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

// Pop waits up to timeout for an element. A timeout or a cancelled ctx yields
// (zero, false); neither is an error for the caller.
func (r *Ring[T]) Pop(ctx context.Context, timeout time.Duration) (T, bool) {
	if v, ok := r.TryPop(); ok {
		return v, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-r.ready:
			if v, ok := r.TryPop(); ok {
				return v, true
			}
		case <-timer.C:
			return r.TryPop()
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *Ring[T]) Cap() int { return len(r.buf) }

// Dropped counts elements overwritten because the ring was full.
func (r *Ring[T]) Dropped() uint64 { return r.dropped.Load() }

func (r *Ring[T]) Pushed() uint64 { return r.pushed.Load() }
