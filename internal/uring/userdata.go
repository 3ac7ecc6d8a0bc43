// File: internal/uring/userdata.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Completion routing. Every SQE carries a packed user_data word: the
// operation kind in the upper 32 bits, the socket fd in the lower 32.

package uring

// Kind identifies which submission a completion belongs to.
type Kind uint32

const (
	KindAccept Kind = iota + 1
	KindRecv
	KindSend
	KindClose
	KindCancel
	KindWake
)

// String returns the kind name for diagnostics.
func (k Kind) String() string {
	switch k {
	case KindAccept:
		return "accept"
	case KindRecv:
		return "recv"
	case KindSend:
		return "send"
	case KindClose:
		return "close"
	case KindCancel:
		return "cancel"
	case KindWake:
		return "wake"
	default:
		return "unknown"
	}
}

// PackUserData encodes kind and fd into a user_data word.
func PackUserData(k Kind, fd int32) uint64 {
	return uint64(k)<<32 | uint64(uint32(fd))
}

// UnpackUserData splits a user_data word back into kind and fd.
func UnpackUserData(ud uint64) (Kind, int32) {
	return Kind(ud >> 32), int32(uint32(ud))
}
