// File: internal/concurrency/seqring.go
// Package concurrency implements lock-free ring buffers.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// SeqRing is a bounded multi-producer/single-consumer queue using per-slot
// sequence numbers, based on the pattern by Dmitry Vyukov. Producers reserve
// slots with CAS (TryEnqueue) or a fetch-add ticket with spin-backoff
// (EnqueueSpin) for contexts that must not drop.

package concurrency

import (
	"runtime"
	"sync/atomic"
)

const cacheLinePad = 64

type seqCell[T any] struct {
	sequence atomic.Uint64
	data     T
}

// SeqRing is a bounded MPSC queue with sequence-per-slot publication.
type SeqRing[T any] struct {
	head uint64
	_    [cacheLinePad]byte
	tail atomic.Uint64
	_    [cacheLinePad]byte
	mask  uint64
	cells []seqCell[T]
}

// NewSeqRing creates a queue with capacity rounded up to a power of two.
func NewSeqRing[T any](capacity int) *SeqRing[T] {
	if capacity < 2 {
		capacity = 2
	}
	size := 1
	for size < capacity {
		size <<= 1
	}
	q := &SeqRing[T]{
		mask:  uint64(size - 1),
		cells: make([]seqCell[T], size),
	}
	for i := range q.cells {
		q.cells[i].sequence.Store(uint64(i))
	}
	return q
}

// TryEnqueue adds val; returns false if full. Safe from any goroutine.
func (q *SeqRing[T]) TryEnqueue(val T) bool {
	for {
		tail := q.tail.Load()
		c := &q.cells[tail&q.mask]
		seq := c.sequence.Load()
		dif := int64(seq) - int64(tail)

		if dif == 0 {
			if q.tail.CompareAndSwap(tail, tail+1) {
				c.data = val
				c.sequence.Store(tail + 1)
				return true
			}
		} else if dif < 0 {
			return false // full
		}
		// tail moved, retry
	}
}

// EnqueueSpin reserves a ticket with fetch-add and spins until the slot
// frees up. Use only where loss is not an option and the consumer is live;
// the ticket cannot be returned once taken.
func (q *SeqRing[T]) EnqueueSpin(val T) {
	ticket := q.tail.Add(1) - 1
	c := &q.cells[ticket&q.mask]
	backoff := 1
	for c.sequence.Load() != ticket {
		for i := 0; i < backoff; i++ {
			runtime.Gosched()
		}
		if backoff < 64 {
			backoff <<= 1
		}
	}
	c.data = val
	c.sequence.Store(ticket + 1)
}

// TryDequeue removes the oldest item. Single consumer only.
func (q *SeqRing[T]) TryDequeue() (T, bool) {
	c := &q.cells[q.head&q.mask]
	seq := c.sequence.Load()
	if int64(seq)-int64(q.head+1) < 0 {
		var zero T
		return zero, false // empty or slot still being written
	}
	item := c.data
	c.sequence.Store(q.head + q.mask + 1)
	q.head++
	return item, true
}

// Len returns an approximate number of queued items.
func (q *SeqRing[T]) Len() int {
	n := int(q.tail.Load() - q.head)
	if n < 0 {
		return 0
	}
	return n
}

// Cap returns the fixed capacity.
func (q *SeqRing[T]) Cap() int {
	return len(q.cells)
}
