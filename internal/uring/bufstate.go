// File: internal/uring/bufstate.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// BufStates tracks incremental provided-buffer consumption. Under
// IOU_PBUF_RING_INC a single buffer yields several completions, each
// covering the next slice of the buffer; the kernel keeps ownership of the
// remainder while CQE_F_BUF_MORE is set. A buffer may be republished only
// once the kernel has finished with it and every outstanding application
// reference has been returned.

package uring

// bufState is the per-buffer tri-state.
type bufState struct {
	offset     uint32
	refs       int32
	kernelDone bool
}

// BufStates holds consumption state for one buffer group.
type BufStates struct {
	states []bufState
}

// NewBufStates creates tracking state for n buffers, all idle.
func NewBufStates(n int) *BufStates {
	return &BufStates{states: make([]bufState, n)}
}

// OnRecv records a completion that consumed n bytes of buffer bid.
// bufMore mirrors CQE_F_BUF_MORE. Returns the offset within the buffer at
// which this datum begins.
func (s *BufStates) OnRecv(bid uint16, n uint32, bufMore bool) uint32 {
	st := &s.states[bid]
	off := st.offset
	st.offset += n
	st.refs++
	st.kernelDone = !bufMore
	return off
}

// OnKernelDone marks the kernel as finished with bid without consuming
// bytes. Used when a terminal completion carries the buffer flag but no
// payload.
func (s *BufStates) OnKernelDone(bid uint16) {
	s.states[bid].kernelDone = true
}

// OnReturn drops one application reference to bid and reports whether the
// buffer is now republishable. On a true return the state is reset for the
// next cycle.
func (s *BufStates) OnReturn(bid uint16) bool {
	st := &s.states[bid]
	st.refs--
	if st.refs == 0 && st.kernelDone {
		st.offset = 0
		st.kernelDone = false
		return true
	}
	return false
}

// Outstanding returns the number of application references still held on
// bid.
func (s *BufStates) Outstanding(bid uint16) int32 {
	return s.states[bid].refs
}

// Reset returns every buffer to the idle state. Only legal when no
// completions are in flight.
func (s *BufStates) Reset() {
	for i := range s.states {
		s.states[i] = bufState{}
	}
}
