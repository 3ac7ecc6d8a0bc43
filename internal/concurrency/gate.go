// File: internal/concurrency/gate.go
// Package concurrency implements lock-free ring buffers.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Gate is a reusable single-waiter completion primitive. A consumer arms the
// gate and blocks; a producer wins the right to signal by CAS-disarming it.
// The armed flag transfer is the load-bearing part: whichever side flips
// 1 -> 0 owns the signal, the loser falls back to its pending path.

package concurrency

import (
	"context"
	"sync/atomic"
)

// Gate admits at most one suspended waiter at a time.
type Gate struct {
	armed atomic.Uint32
	ch    chan struct{}
}

// NewGate creates an unarmed gate.
func NewGate() *Gate {
	return &Gate{ch: make(chan struct{}, 1)}
}

// Arm transitions unarmed -> armed. Returns false if a waiter is already
// armed, which is a contract violation on the caller's side.
func (g *Gate) Arm() bool {
	return g.armed.CompareAndSwap(0, 1)
}

// Disarm transitions armed -> unarmed from the producer side. The winner
// must follow up with Signal; a false return means no waiter was armed.
func (g *Gate) Disarm() bool {
	return g.armed.CompareAndSwap(1, 0)
}

// IsArmed reports whether a waiter is currently suspended or arming.
func (g *Gate) IsArmed() bool {
	return g.armed.Load() == 1
}

// Signal wakes the waiter. Must only be called after winning Disarm, so at
// most one token is ever in flight.
func (g *Gate) Signal() {
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until Signal or ctx cancellation. On cancellation the waiter
// takes back signalling responsibility: if the CAS fails a signal is already
// in flight and is drained so the gate stays reusable.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		if g.armed.CompareAndSwap(1, 0) {
			return ctx.Err()
		}
		// Producer already disarmed; consume its signal.
		<-g.ch
		return ctx.Err()
	}
}

// Reset drains any stale token and clears the armed flag. Only legal when
// no waiter is suspended.
func (g *Gate) Reset() {
	select {
	case <-g.ch:
	default:
	}
	g.armed.Store(0)
}
