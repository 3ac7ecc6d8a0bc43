// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - connection state machine.
//
// A Conn is owned by exactly one reactor for its active life. Inbound
// items flow reactor -> handler through a single-producer ring; outbound
// bytes flow handler -> reactor through the write slab. The armed/pending
// flags and the generation counter carry the cross-thread handshakes.

package reactor

import (
	"context"
	"sync/atomic"

	"github.com/momentics/hioload-uring/api"
	"github.com/momentics/hioload-uring/internal/concurrency"
)

// Conn is one accepted TCP connection.
type Conn struct {
	fd        int32
	reactorID int

	// generation strictly increases on every teardown. Tokens captured
	// under an older generation are dead.
	generation atomic.Uint64

	// Inbound side: reactor produces, handler consumes.
	inbound  *concurrency.SPSC[api.RingItem]
	readGate *concurrency.Gate
	pending  atomic.Uint32
	closed   atomic.Uint32
	errCode  atomic.Uint32

	// Outbound side. tail is handler-owned; head and inFlight are touched
	// by the reactor only while flushInProgress is set, which is the
	// release/acquire edge between the two sides.
	wbuf            []byte
	head            uint32
	tail            uint32
	inFlight        uint32
	flushInProgress atomic.Uint32
	sendInflight    bool // reactor thread only
	flushGate       *concurrency.Gate

	// Owning reactor's queues.
	returns *concurrency.MonoRing[uint16]
	flushQ  *concurrency.SeqRing[int32]
}

// newConn builds an unbound connection with the given inbound ring
// capacity and write slab.
func newConn(ringCap int, wbuf []byte) *Conn {
	return &Conn{
		fd:        -1,
		inbound:   concurrency.NewSPSC[api.RingItem](uint64(ringCap)),
		readGate:  concurrency.NewGate(),
		flushGate: concurrency.NewGate(),
		wbuf:      wbuf,
	}
}

// bind attaches the connection to a live descriptor and its owning
// reactor. Called on the reactor thread before the connection is
// published.
func (c *Conn) bind(fd int32, reactorID int, returns *concurrency.MonoRing[uint16], flushQ *concurrency.SeqRing[int32]) {
	c.fd = fd
	c.reactorID = reactorID
	c.returns = returns
	c.flushQ = flushQ
	c.closed.Store(0)
	c.errCode.Store(uint32(api.ErrCodeOK))
	c.pending.Store(0)
	c.flushInProgress.Store(0)
	c.sendInflight = false
	c.head, c.tail, c.inFlight = 0, 0, 0
	c.inbound.Clear()
	c.readGate.Reset()
	c.flushGate.Reset()
}

// Fd returns the client descriptor.
func (c *Conn) Fd() int32 { return c.fd }

// ReactorID returns the owning reactor's index.
func (c *Conn) ReactorID() int { return c.reactorID }

// Generation returns the current reuse generation.
func (c *Conn) Generation() uint64 { return c.generation.Load() }

// IsClosed reports whether teardown has been observed.
func (c *Conn) IsClosed() bool { return c.closed.Load() == 1 }

// ErrCode returns the terminal error code, ErrCodeOK while live.
func (c *Conn) ErrCode() api.ErrorCode { return api.ErrorCode(c.errCode.Load()) }

// Status reports the externally observable connection state. A closed
// connection with undrained inbound items is still closing: the handler
// may drain and return those buffers before discarding it.
func (c *Conn) Status() api.ConnStatus {
	if c.closed.Load() == 0 {
		return api.ConnActive
	}
	if !c.inbound.IsEmpty() {
		return api.ConnClosing
	}
	return api.ConnClosed
}

func (c *Conn) snapshot() api.ReadSnapshot {
	return api.ReadSnapshot{
		Tail:   c.inbound.SnapshotTail(),
		Closed: c.closed.Load() == 1,
		Err:    api.ErrorCode(c.errCode.Load()),
	}
}

// Read blocks until at least one inbound item is drainable or the
// connection closes, and returns the snapshot bounding this read cycle.
// At most one Read may be outstanding per connection.
func (c *Conn) Read(ctx context.Context) (api.ReadSnapshot, error) {
	// Synchronous fast paths.
	if c.closed.Load() == 1 {
		return c.snapshot(), nil
	}
	if c.pending.CompareAndSwap(1, 0) {
		return c.snapshot(), nil
	}
	if !c.inbound.IsEmpty() {
		return c.snapshot(), nil
	}

	gen := c.generation.Load()
	if !c.readGate.Arm() {
		return api.ReadSnapshot{}, api.ErrReaderArmed
	}
	// Re-check after arming: the producer may have raced past the fast
	// paths. Winning the disarm CAS here reclaims the signal.
	if !c.inbound.IsEmpty() || c.closed.Load() == 1 || c.pending.Load() == 1 {
		if c.readGate.Disarm() {
			c.pending.Store(0)
			return c.snapshot(), nil
		}
	}
	if err := c.readGate.Wait(ctx); err != nil {
		c.pending.Store(0)
		return api.ReadSnapshot{Closed: true, Err: api.ErrCodeShutdown}, err
	}
	if c.generation.Load() != gen {
		return api.ReadSnapshot{Closed: true, Err: api.ErrCodeShutdown}, nil
	}
	return c.snapshot(), nil
}

// ResetRead prepares the gate for the next cycle. Items published while
// the handler was draining become an immediate pending return.
func (c *Conn) ResetRead() {
	c.readGate.Reset()
	if !c.inbound.IsEmpty() {
		c.pending.Store(1)
	}
}

// TryDequeue drains one item published strictly below the snapshot.
func (c *Conn) TryDequeue(snap api.ReadSnapshot) (api.RingItem, bool) {
	return c.inbound.TryDequeueUntil(snap.Tail)
}

// DrainUpTo invokes fn for every item below the snapshot and returns the
// count.
func (c *Conn) DrainUpTo(snap api.ReadSnapshot, fn func(api.RingItem)) int {
	n := 0
	for {
		item, ok := c.inbound.TryDequeueUntil(snap.Tail)
		if !ok {
			return n
		}
		fn(item)
		n++
	}
}

// ReturnBuffer hands a buffer id back to the owning reactor. Safe from
// any goroutine; every dequeued item must be returned exactly once.
func (c *Conn) ReturnBuffer(bid uint16) {
	for !c.returns.Enqueue(bid) {
		// Sized at 2x the buffer group, so this only spins under a
		// protocol violation upstream.
	}
}

// WriteCapacity returns the bytes still available in the slab.
func (c *Conn) WriteCapacity() int {
	if c.flushInProgress.Load() == 1 {
		return 0
	}
	return len(c.wbuf) - int(c.tail)
}

// Write copies p into the write slab at the current cursor.
func (c *Conn) Write(p []byte) error {
	if c.closed.Load() == 1 {
		return api.ErrConnClosed
	}
	if c.flushInProgress.Load() == 1 {
		return api.ErrFlushInProgress
	}
	if int(c.tail)+len(p) > len(c.wbuf) {
		return api.ErrSlabFull
	}
	copy(c.wbuf[c.tail:], p)
	c.tail += uint32(len(p))
	return nil
}

// Span returns a writable slice of up to hint bytes at the cursor for
// zero-copy encoding. Commit with Advance.
func (c *Conn) Span(hint int) ([]byte, error) {
	if c.closed.Load() == 1 {
		return nil, api.ErrConnClosed
	}
	if c.flushInProgress.Load() == 1 {
		return nil, api.ErrFlushInProgress
	}
	free := len(c.wbuf) - int(c.tail)
	if free == 0 || hint <= 0 {
		return nil, api.ErrSlabFull
	}
	if hint > free {
		hint = free
	}
	return c.wbuf[c.tail : int(c.tail)+hint], nil
}

// Advance commits n bytes previously obtained through Span. Committing
// past the slab end is a programming fault.
func (c *Conn) Advance(n int) {
	if n < 0 || int(c.tail)+n > len(c.wbuf) {
		panic(&api.ContractViolation{Op: "Advance", Detail: "commit is negative or exceeds the write slab"})
	}
	c.tail += uint32(n)
}

// Flush sends everything between head and tail and blocks until the
// kernel has drained it. An empty slab completes immediately.
func (c *Conn) Flush(ctx context.Context) error {
	if c.closed.Load() == 1 {
		return api.ErrConnClosed
	}
	if c.tail == c.head {
		return nil
	}
	if !c.flushGate.Arm() {
		return api.ErrFlushInProgress
	}
	if !c.flushInProgress.CompareAndSwap(0, 1) {
		c.flushGate.Reset()
		return api.ErrFlushInProgress
	}
	gen := c.generation.Load()
	c.inFlight = c.tail
	c.flushQ.EnqueueSpin(c.fd)

	if err := c.flushGate.Wait(ctx); err != nil {
		return err
	}
	if c.generation.Load() != gen || c.closed.Load() == 1 {
		return api.ErrConnClosed
	}
	return nil
}

// ---- reactor (producer) side ----

// enqueueItem publishes one received chunk. Ring overflow is fatal for
// the connection; the caller observes the closed flag and tears down.
func (c *Conn) enqueueItem(item api.RingItem) bool {
	if !c.inbound.TryEnqueue(item) {
		c.markClosed(api.ErrCodeRingOverflow)
		return false
	}
	if c.readGate.Disarm() {
		c.readGate.Signal()
	} else {
		c.pending.Store(1)
	}
	return true
}

// markClosed flips the connection to the closed state and releases any
// suspended reader.
func (c *Conn) markClosed(code api.ErrorCode) {
	c.errCode.CompareAndSwap(uint32(api.ErrCodeOK), uint32(code))
	c.closed.Store(1)
	if c.readGate.Disarm() {
		c.readGate.Signal()
	}
	if c.flushGate.Disarm() {
		c.flushGate.Signal()
	}
}

// completeFlush resets the slab cursors and wakes the flush waiter.
// Reactor thread only.
func (c *Conn) completeFlush() {
	c.head, c.tail, c.inFlight = 0, 0, 0
	c.sendInflight = false
	c.flushInProgress.Store(0)
	if c.flushGate.Disarm() {
		c.flushGate.Signal()
	}
}

// Clear tears the connection down for pool reuse, releasing any
// suspended waiters with a closed result.
func (c *Conn) Clear() {
	c.generation.Add(1)
	c.markClosed(api.ErrCodeShutdown)
	c.reset()
}

// FastClear is Clear for connections known to have no suspended waiters.
func (c *Conn) FastClear() {
	c.generation.Add(1)
	c.closed.Store(1)
	c.reset()
}

func (c *Conn) reset() {
	c.head, c.tail, c.inFlight = 0, 0, 0
	c.sendInflight = false
	c.flushInProgress.Store(0)
	c.pending.Store(0)
	c.inbound.Clear()
}
