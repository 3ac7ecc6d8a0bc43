// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

// bufstate_test.go: Tests for incremental buffer consumption bookkeeping.
package uring

import "testing"

// TestBufStates_SingleShot covers the non-incremental shape: one
// completion per buffer, returned once.
func TestBufStates_SingleShot(t *testing.T) {
	s := NewBufStates(4)
	if off := s.OnRecv(2, 100, false); off != 0 {
		t.Fatalf("first datum offset = %d, want 0", off)
	}
	if !s.OnReturn(2) {
		t.Fatal("single-reference buffer must republish on return")
	}
	// State must be reset for the next cycle.
	if off := s.OnRecv(2, 50, false); off != 0 {
		t.Fatalf("offset after republish = %d, want 0", off)
	}
}

// TestBufStates_IncrementalSlices verifies offsets accumulate across
// piecewise completions and republication waits for both conditions.
func TestBufStates_IncrementalSlices(t *testing.T) {
	s := NewBufStates(2)
	if off := s.OnRecv(0, 300, true); off != 0 {
		t.Fatalf("slice 1 offset = %d, want 0", off)
	}
	if off := s.OnRecv(0, 200, true); off != 300 {
		t.Fatalf("slice 2 offset = %d, want 300", off)
	}
	if off := s.OnRecv(0, 12, false); off != 500 {
		t.Fatalf("slice 3 offset = %d, want 500", off)
	}

	// Returns in arbitrary order: only the last one republishes.
	if s.OnReturn(0) {
		t.Fatal("republished with 2 refs outstanding")
	}
	if s.OnReturn(0) {
		t.Fatal("republished with 1 ref outstanding")
	}
	if !s.OnReturn(0) {
		t.Fatal("final return must republish")
	}
	if s.Outstanding(0) != 0 {
		t.Fatalf("outstanding = %d, want 0", s.Outstanding(0))
	}
}

// TestBufStates_ReturnBeforeKernelDone holds republication until the
// kernel releases the buffer even when the application returned first.
func TestBufStates_ReturnBeforeKernelDone(t *testing.T) {
	s := NewBufStates(1)
	s.OnRecv(0, 64, true)
	if s.OnReturn(0) {
		t.Fatal("republished while kernel still owns the remainder")
	}
	// Kernel finishes with a payload-free terminal completion.
	s.OnKernelDone(0)
	s.OnRecv(0, 0, false)
	if !s.OnReturn(0) {
		t.Fatal("return after kernel release must republish")
	}
}

// TestBufStates_Reset drops all state at once.
func TestBufStates_Reset(t *testing.T) {
	s := NewBufStates(3)
	s.OnRecv(1, 10, true)
	s.OnRecv(1, 10, true)
	s.Reset()
	if off := s.OnRecv(1, 5, false); off != 0 {
		t.Fatalf("offset after Reset = %d, want 0", off)
	}
	if !s.OnReturn(1) {
		t.Fatal("fresh cycle after Reset must republish on single return")
	}
}
