// File: internal/concurrency/spsc.go
// Package concurrency implements lock-free ring buffers.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// SPSC is a bounded single-producer/single-consumer ring with a snapshot
// discipline on the consumer side: the consumer drains against a tail value
// captured once per cycle and never chases a moving producer.

package concurrency

import "sync/atomic"

// SPSC is a bounded lock-free ring. Exactly one goroutine may produce and
// exactly one may consume. head is written only by the consumer, tail only
// by the producer.
type SPSC[T any] struct {
	data []T
	mask uint64
	head atomic.Uint64
	_    [64]byte // Padding for hot/cold separation
	tail atomic.Uint64
	_    [64]byte // Padding to separate tail from other data
}

// NewSPSC allocates a ring of power-of-two size.
func NewSPSC[T any](size uint64) *SPSC[T] {
	if size == 0 || size&(size-1) != 0 {
		panic("spsc: size must be power of two")
	}
	return &SPSC[T]{
		data: make([]T, size),
		mask: size - 1,
	}
}

// TryEnqueue adds an item; returns false when the ring is full.
// Producer side only.
func (r *SPSC[T]) TryEnqueue(item T) bool {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail-head >= uint64(len(r.data)) {
		return false
	}
	r.data[tail&r.mask] = item
	r.tail.Store(tail + 1)
	return true
}

// SnapshotTail captures the producer tail once for a drain cycle.
// Consumer side only.
func (r *SPSC[T]) SnapshotTail() uint64 {
	return r.tail.Load()
}

// TryDequeueUntil removes the oldest item if its position is strictly below
// the snapshot. Consumer side only.
func (r *SPSC[T]) TryDequeueUntil(snapshot uint64) (T, bool) {
	head := r.head.Load()
	if head >= snapshot {
		var zero T
		return zero, false
	}
	item := r.data[head&r.mask]
	r.head.Store(head + 1)
	return item, true
}

// DrainUntil dequeues items strictly below the snapshot into dst, at most
// len(dst) of them, and returns the count. Consumer side only.
func (r *SPSC[T]) DrainUntil(snapshot uint64, dst []T) int {
	n := 0
	for n < len(dst) {
		item, ok := r.TryDequeueUntil(snapshot)
		if !ok {
			break
		}
		dst[n] = item
		n++
	}
	return n
}

// IsEmpty reports whether the consumer has caught up with the producer.
func (r *SPSC[T]) IsEmpty() bool {
	return r.head.Load() >= r.tail.Load()
}

// Len returns the number of buffered items.
func (r *SPSC[T]) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Cap returns the fixed capacity.
func (r *SPSC[T]) Cap() int {
	return len(r.data)
}

// Clear advances the consumer past everything published so far.
// Consumer side only.
func (r *SPSC[T]) Clear() {
	r.head.Store(r.tail.Load())
}

// Reset zeroes both indices. Only legal when neither side is active,
// i.e. during pooled-connection reuse after the reactor has detached.
func (r *SPSC[T]) Reset() {
	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.head.Store(0)
	r.tail.Store(0)
}
