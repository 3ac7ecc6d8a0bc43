// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations for the io_uring engine core.

package api

import "unsafe"

// RingItem is one received chunk handed from a reactor to a handler.
// Ptr points into the owning reactor's buffer-ring slab and is valid only
// until BufferID is returned via Conn.ReturnBuffer.
type RingItem struct {
	Ptr      unsafe.Pointer
	Len      uint32
	BufferID uint16
}

// Bytes exposes the chunk as a byte slice without copying. The slice aliases
// reactor-owned memory and must not outlive the buffer return.
func (it RingItem) Bytes() []byte {
	if it.Ptr == nil || it.Len == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(it.Ptr), int(it.Len))
}

// ReadSnapshot is the result of one read cycle. Items at SPSC positions
// strictly below Tail are drainable in this cycle; items produced at or after
// Tail belong to the next one.
type ReadSnapshot struct {
	Tail   uint64
	Closed bool
	Err    ErrorCode
}

// ConnStatus enumerates the externally observable state of a connection.
type ConnStatus int

const (
	ConnUnknown ConnStatus = iota
	ConnActive
	ConnClosing
	ConnClosed
)

func (s ConnStatus) String() string {
	switch s {
	case ConnActive:
		return "active"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}
