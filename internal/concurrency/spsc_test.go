// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

// spsc_test.go: Tests for the snapshot-bounded SPSC ring.
package concurrency

import (
	"runtime"
	"sync"
	"testing"
)

// TestSPSC_FillDrain checks the basic enqueue/dequeue contract.
func TestSPSC_FillDrain(t *testing.T) {
	r := NewSPSC[int](16)
	for i := 0; i < 16; i++ {
		if !r.TryEnqueue(i) {
			t.Fatalf("TryEnqueue failed at %d", i)
		}
	}
	if r.TryEnqueue(99) {
		t.Error("expected enqueue to fail on full ring")
	}
	snap := r.SnapshotTail()
	for i := 0; i < 16; i++ {
		v, ok := r.TryDequeueUntil(snap)
		if !ok || v != i {
			t.Fatalf("expected %d, got %d (ok=%v)", i, v, ok)
		}
	}
	if !r.IsEmpty() {
		t.Error("expected empty ring after full cycle")
	}
}

// TestSPSC_SnapshotBoundary verifies items enqueued after the snapshot are
// not visible in the current drain cycle.
func TestSPSC_SnapshotBoundary(t *testing.T) {
	r := NewSPSC[int](8)
	r.TryEnqueue(1)
	r.TryEnqueue(2)
	snap := r.SnapshotTail()
	r.TryEnqueue(3)

	var got []int
	for {
		v, ok := r.TryDequeueUntil(snap)
		if !ok {
			break
		}
		got = append(got, v)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("snapshot drain returned %v, want [1 2]", got)
	}
	// The late item surfaces under a fresh snapshot.
	v, ok := r.TryDequeueUntil(r.SnapshotTail())
	if !ok || v != 3 {
		t.Fatalf("expected 3 under new snapshot, got %d (ok=%v)", v, ok)
	}
}

// TestSPSC_ProducerConsumer streams items across goroutines and checks
// order preservation.
func TestSPSC_ProducerConsumer(t *testing.T) {
	r := NewSPSC[int](128)
	const items = 100000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < items; i++ {
			for !r.TryEnqueue(i) {
				runtime.Gosched()
			}
		}
	}()
	next := 0
	for next < items {
		snap := r.SnapshotTail()
		for {
			v, ok := r.TryDequeueUntil(snap)
			if !ok {
				break
			}
			if v != next {
				t.Fatalf("out of order: expected %d, got %d", next, v)
			}
			next++
		}
		runtime.Gosched()
	}
	wg.Wait()
}

// TestSPSC_Clear advances the consumer past published items.
func TestSPSC_Clear(t *testing.T) {
	r := NewSPSC[int](8)
	r.TryEnqueue(1)
	r.TryEnqueue(2)
	r.Clear()
	if !r.IsEmpty() {
		t.Error("expected empty after Clear")
	}
	if !r.TryEnqueue(7) {
		t.Error("enqueue after Clear failed")
	}
	v, ok := r.TryDequeueUntil(r.SnapshotTail())
	if !ok || v != 7 {
		t.Fatalf("expected 7, got %d (ok=%v)", v, ok)
	}
}

func TestSPSC_PowerOfTwoPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for non power-of-two size")
		}
	}()
	NewSPSC[int](12)
}
