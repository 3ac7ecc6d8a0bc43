// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

// conn_test.go: Tests for the connection state machine: read handshake,
// write slab cursors, flush lifecycle, and generation-keyed teardown.
package reactor

import (
	"context"
	"testing"
	"time"
	"unsafe"

	"github.com/momentics/hioload-uring/api"
	"github.com/momentics/hioload-uring/internal/concurrency"
)

func newTestConn(t *testing.T) (*Conn, *concurrency.MonoRing[uint16], *concurrency.SeqRing[int32]) {
	t.Helper()
	returns := concurrency.NewMonoRing[uint16](64)
	flushQ := concurrency.NewSeqRing[int32](16)
	c := newConn(16, make([]byte, 256))
	c.bind(7, 0, returns, flushQ)
	return c, returns, flushQ
}

func testItem(b []byte) api.RingItem {
	return api.RingItem{Ptr: unsafe.Pointer(&b[0]), Len: uint32(len(b)), BufferID: 3}
}

// TestConn_ReadFastPathPending returns immediately when the reactor
// produced while no reader was armed.
func TestConn_ReadFastPathPending(t *testing.T) {
	c, _, _ := newTestConn(t)
	if !c.enqueueItem(testItem([]byte("abc"))) {
		t.Fatal("enqueueItem failed")
	}
	// No reader was armed, so the producer set pending.
	snap, err := c.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if snap.Closed {
		t.Fatal("unexpected closed snapshot")
	}
	item, ok := c.TryDequeue(snap)
	if !ok || string(item.Bytes()) != "abc" {
		t.Fatalf("TryDequeue = %q (ok=%v)", item.Bytes(), ok)
	}
	c.ReturnBuffer(item.BufferID)
}

// TestConn_ReadWakesOnProduce suspends a reader and wakes it from the
// producer side.
func TestConn_ReadWakesOnProduce(t *testing.T) {
	c, _, _ := newTestConn(t)
	done := make(chan api.ReadSnapshot, 1)
	go func() {
		snap, err := c.Read(context.Background())
		if err != nil {
			t.Errorf("Read: %v", err)
		}
		done <- snap
	}()
	// Wait for the reader to arm before producing.
	for !c.readGate.IsArmed() {
		time.Sleep(50 * time.Microsecond)
	}
	c.enqueueItem(testItem([]byte("x")))
	select {
	case snap := <-done:
		if _, ok := c.TryDequeue(snap); !ok {
			t.Fatal("woken reader found no item below snapshot")
		}
	case <-time.After(time.Second):
		t.Fatal("reader was not woken by produce")
	}
}

// TestConn_SecondReaderRejected enforces the single-waiter contract.
func TestConn_SecondReaderRejected(t *testing.T) {
	c, _, _ := newTestConn(t)
	go func() { _, _ = c.Read(context.Background()) }()
	for !c.readGate.IsArmed() {
		time.Sleep(50 * time.Microsecond)
	}
	if _, err := c.Read(context.Background()); err != api.ErrReaderArmed {
		t.Fatalf("expected ErrReaderArmed, got %v", err)
	}
	c.markClosed(api.ErrCodeShutdown)
}

// TestConn_SnapshotBoundsCycle verifies items enqueued after the snapshot
// surface only in the next cycle, with ResetRead turning them into an
// immediate pending return.
func TestConn_SnapshotBoundsCycle(t *testing.T) {
	c, _, _ := newTestConn(t)
	c.enqueueItem(testItem([]byte("1")))
	snap, err := c.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	// Late item: must not be visible below snap.
	c.enqueueItem(testItem([]byte("2")))
	n := 0
	for {
		if _, ok := c.TryDequeue(snap); !ok {
			break
		}
		n++
	}
	if n != 1 {
		t.Fatalf("drained %d items below snapshot, want 1", n)
	}
	c.ResetRead()
	snap2, err := c.Read(context.Background())
	if err != nil {
		t.Fatalf("second Read: %v", err)
	}
	if _, ok := c.TryDequeue(snap2); !ok {
		t.Fatal("late item missing from next cycle")
	}
}

// TestConn_GenerationInvalidatesWaiter tears the connection down under a
// suspended reader; the stale token must yield a closed result.
func TestConn_GenerationInvalidatesWaiter(t *testing.T) {
	c, _, _ := newTestConn(t)
	done := make(chan api.ReadSnapshot, 1)
	go func() {
		snap, _ := c.Read(context.Background())
		done <- snap
	}()
	for !c.readGate.IsArmed() {
		time.Sleep(50 * time.Microsecond)
	}
	c.Clear()
	select {
	case snap := <-done:
		if !snap.Closed {
			t.Fatal("stale-generation waiter must observe closed")
		}
	case <-time.After(time.Second):
		t.Fatal("Clear did not release the suspended reader")
	}
}

// TestConn_ReadCancellation releases the waiter on context cancel and
// leaves the gate reusable.
func TestConn_ReadCancellation(t *testing.T) {
	c, _, _ := newTestConn(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Read(ctx)
		done <- err
	}()
	for !c.readGate.IsArmed() {
		time.Sleep(50 * time.Microsecond)
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// Gate must be reusable: the next produce/read cycle works.
	c.enqueueItem(testItem([]byte("z")))
	if snap, err := c.Read(context.Background()); err != nil || snap.Closed {
		t.Fatalf("Read after cancel: snap=%+v err=%v", snap, err)
	}
}

// TestConn_WriteSlabCursors covers Write, Span/Advance, and exhaustion.
func TestConn_WriteSlabCursors(t *testing.T) {
	c, _, _ := newTestConn(t)
	if err := c.Write(make([]byte, 200)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	span, err := c.Span(100)
	if err != nil {
		t.Fatalf("Span: %v", err)
	}
	if len(span) != 56 {
		t.Fatalf("Span len = %d, want remaining 56", len(span))
	}
	copy(span, "tail")
	c.Advance(4)
	if err := c.Write(make([]byte, 60)); err != api.ErrSlabFull {
		t.Fatalf("expected ErrSlabFull, got %v", err)
	}
	if got := c.WriteCapacity(); got != 52 {
		t.Fatalf("WriteCapacity = %d, want 52", got)
	}
}

// TestConn_FlushLifecycle runs the full handler/reactor flush handshake
// with the reactor side simulated inline.
func TestConn_FlushLifecycle(t *testing.T) {
	c, _, flushQ := newTestConn(t)

	// Empty slab: completes synchronously.
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("empty Flush: %v", err)
	}

	if err := c.Write([]byte("payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- c.Flush(context.Background()) }()

	// Simulated reactor: wait for the flush request, then drain it.
	var fd int32
	for {
		v, ok := flushQ.TryDequeue()
		if ok {
			fd = v
			break
		}
		time.Sleep(50 * time.Microsecond)
	}
	if fd != c.Fd() {
		t.Fatalf("flush queue fd = %d, want %d", fd, c.Fd())
	}
	if c.inFlight != 7 {
		t.Fatalf("inFlight = %d, want 7", c.inFlight)
	}
	// Writes are rejected while the flush is in progress.
	if err := c.Write([]byte("x")); err != api.ErrFlushInProgress {
		t.Fatalf("expected ErrFlushInProgress, got %v", err)
	}
	c.head = c.inFlight
	c.completeFlush()

	if err := <-done; err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if c.head != 0 || c.tail != 0 || c.inFlight != 0 {
		t.Fatalf("cursors not reset: head=%d tail=%d inFlight=%d", c.head, c.tail, c.inFlight)
	}
	if err := c.Write([]byte("again")); err != nil {
		t.Fatalf("Write after flush: %v", err)
	}
}

// TestConn_DoubleFlushRejected enforces one flush at a time.
func TestConn_DoubleFlushRejected(t *testing.T) {
	c, _, flushQ := newTestConn(t)
	_ = c.Write([]byte("abc"))
	go func() { _ = c.Flush(context.Background()) }()
	for c.flushInProgress.Load() != 1 {
		time.Sleep(50 * time.Microsecond)
	}
	if err := c.Flush(context.Background()); err != api.ErrFlushInProgress {
		t.Fatalf("expected ErrFlushInProgress, got %v", err)
	}
	if _, ok := flushQ.TryDequeue(); !ok {
		t.Fatal("flush request missing from queue")
	}
	c.head = c.inFlight
	c.completeFlush()
}

// TestConn_RingOverflowCloses marks the connection closed when the
// handler cannot keep up.
func TestConn_RingOverflowCloses(t *testing.T) {
	c, _, _ := newTestConn(t)
	buf := []byte("v")
	for i := 0; i < 16; i++ {
		if !c.enqueueItem(testItem(buf)) {
			t.Fatalf("enqueue %d failed before capacity", i)
		}
	}
	if c.enqueueItem(testItem(buf)) {
		t.Fatal("overflow enqueue must fail")
	}
	if !c.IsClosed() || c.ErrCode() != api.ErrCodeRingOverflow {
		t.Fatalf("closed=%v code=%v, want overflow close", c.IsClosed(), c.ErrCode())
	}
}

// TestConn_ReturnBufferReachesReactorQueue routes ids into the owning
// reactor's return ring.
func TestConn_ReturnBufferReachesReactorQueue(t *testing.T) {
	c, returns, _ := newTestConn(t)
	c.ReturnBuffer(42)
	c.ReturnBuffer(43)
	var got []uint16
	returns.ConsumeUpTo(returns.SnapshotTail(), func(bid uint16) { got = append(got, bid) })
	if len(got) != 2 || got[0] != 42 || got[1] != 43 {
		t.Fatalf("return queue drained %v, want [42 43]", got)
	}
}

// TestConn_StatusTransitions walks active, closing with undrained
// items, and fully closed.
func TestConn_StatusTransitions(t *testing.T) {
	c, _, _ := newTestConn(t)
	if got := c.Status(); got != api.ConnActive {
		t.Fatalf("Status = %v, want active", got)
	}
	c.enqueueItem(testItem([]byte("tail")))
	c.markClosed(api.ErrCodeRemoteClosed)
	if got := c.Status(); got != api.ConnClosing {
		t.Fatalf("Status = %v, want closing while items remain", got)
	}
	snap := c.snapshot()
	item, ok := c.TryDequeue(snap)
	if !ok {
		t.Fatal("undrained item missing after close")
	}
	c.ReturnBuffer(item.BufferID)
	if got := c.Status(); got != api.ConnClosed {
		t.Fatalf("Status = %v, want closed after drain", got)
	}
}

// TestConn_AdvancePastSpanPanics treats cursor overrun as a programming
// fault.
func TestConn_AdvancePastSpanPanics(t *testing.T) {
	c, _, _ := newTestConn(t)
	defer func() {
		if _, ok := recover().(*api.ContractViolation); !ok {
			t.Fatal("expected ContractViolation panic")
		}
	}()
	c.Advance(len(c.wbuf) + 1)
}

// TestConn_BindResetsState reuses one object across two lives.
func TestConn_BindResetsState(t *testing.T) {
	c, returns, flushQ := newTestConn(t)
	c.enqueueItem(testItem([]byte("old")))
	_ = c.Write([]byte("old"))
	gen := c.Generation()
	c.Clear()
	if c.Generation() != gen+1 {
		t.Fatalf("generation %d, want %d", c.Generation(), gen+1)
	}

	c.bind(9, 1, returns, flushQ)
	if c.IsClosed() || c.Fd() != 9 || c.ReactorID() != 1 {
		t.Fatal("bind did not reset identity")
	}
	snap := c.snapshot()
	if _, ok := c.TryDequeue(snap); ok {
		t.Fatal("stale item visible after rebind")
	}
	if err := c.Write([]byte("new")); err != nil {
		t.Fatalf("Write after rebind: %v", err)
	}
}
