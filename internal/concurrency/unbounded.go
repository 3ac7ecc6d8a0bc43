// File: internal/concurrency/unbounded.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Unbounded is a closeable unbounded MPMC queue built on eapache/queue's
// amortised O(1) ring. Used off the hot path where drops are not
// acceptable and backpressure is handled elsewhere.

package concurrency

import (
	"context"
	"errors"
	"sync"

	"github.com/eapache/queue"
)

// ErrQueueClosed is returned by Pop after Close once the queue drains.
var ErrQueueClosed = errors.New("concurrency: queue closed")

// Unbounded never rejects a push.
type Unbounded[T any] struct {
	mu     sync.Mutex
	q      *queue.Queue
	notify chan struct{}
	closed bool
}

// NewUnbounded creates an empty open queue.
func NewUnbounded[T any]() *Unbounded[T] {
	return &Unbounded[T]{
		q:      queue.New(),
		notify: make(chan struct{}, 1),
	}
}

// Push appends v. Pushing to a closed queue is a no-op.
func (u *Unbounded[T]) Push(v T) {
	u.mu.Lock()
	if !u.closed {
		u.q.Add(v)
	}
	u.mu.Unlock()
	select {
	case u.notify <- struct{}{}:
	default:
	}
}

// TryPop removes the head without blocking.
func (u *Unbounded[T]) TryPop() (T, bool) {
	var zero T
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.q.Length() == 0 {
		return zero, false
	}
	return u.q.Remove().(T), true
}

// Pop blocks until an element arrives, ctx is cancelled, or the queue is
// closed and drained.
func (u *Unbounded[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		u.mu.Lock()
		if u.q.Length() > 0 {
			v := u.q.Remove().(T)
			rest := u.q.Length()
			u.mu.Unlock()
			if rest > 0 {
				// Pass the baton so a sibling waiter is not stranded by
				// the collapsed notification token.
				select {
				case u.notify <- struct{}{}:
				default:
				}
			}
			return v, nil
		}
		closed := u.closed
		u.mu.Unlock()
		if closed {
			select {
			case u.notify <- struct{}{}:
			default:
			}
			return zero, ErrQueueClosed
		}
		select {
		case <-u.notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len returns the current element count.
func (u *Unbounded[T]) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.q.Length()
}

// Close rejects further pushes and releases blocked Pop callers once the
// remaining elements drain.
func (u *Unbounded[T]) Close() {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
	select {
	case u.notify <- struct{}{}:
	default:
	}
}
