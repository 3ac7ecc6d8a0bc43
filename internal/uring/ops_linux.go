//go:build linux

// File: internal/uring/ops_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// SQE preparation helpers for the operations the engine submits.

package uring

import "unsafe"

// PrepNop prepares a no-op completion.
func PrepNop(sqe *SQE, userData uint64) {
	sqe.Opcode = OpNop
	sqe.Fd = -1
	sqe.UserData = userData
}

// PrepAcceptMultishot prepares a multishot accept on a listening socket.
// One completion is posted per inbound connection until the kernel clears
// CQE_F_MORE.
func PrepAcceptMultishot(sqe *SQE, fd int32, userData uint64) {
	sqe.Opcode = OpAccept
	sqe.Fd = fd
	sqe.Ioprio = acceptMultishot
	sqe.UserData = userData
}

// PrepRecvMultishot prepares a multishot receive with provided-buffer
// selection from group bgid. The kernel picks a buffer per datum and
// reports it via the completion flags.
func PrepRecvMultishot(sqe *SQE, fd int32, bgid uint16, userData uint64) {
	sqe.Opcode = OpRecv
	sqe.Fd = fd
	sqe.Ioprio = recvMultishot
	sqe.Flags = SQEBufferSelect
	sqe.BufIG = bgid
	sqe.UserData = userData
}

// PrepSend prepares a send of buf on fd. The buffer must stay live until
// the completion arrives.
func PrepSend(sqe *SQE, fd int32, buf []byte, userData uint64) {
	sqe.Opcode = OpSend
	sqe.Fd = fd
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	sqe.Len = uint32(len(buf))
	sqe.UserData = userData
}

// PrepSendRaw is PrepSend for a raw pointer into an unmanaged slab.
func PrepSendRaw(sqe *SQE, fd int32, addr unsafe.Pointer, n uint32, userData uint64) {
	sqe.Opcode = OpSend
	sqe.Fd = fd
	sqe.Addr = uint64(uintptr(addr))
	sqe.Len = n
	sqe.UserData = userData
}

// PrepClose prepares an asynchronous close of fd.
func PrepClose(sqe *SQE, fd int32, userData uint64) {
	sqe.Opcode = OpClose
	sqe.Fd = fd
	sqe.UserData = userData
}

// PrepCancel prepares cancellation of the submission identified by
// targetUserData.
func PrepCancel(sqe *SQE, targetUserData, userData uint64) {
	sqe.Opcode = OpAsyncCancel
	sqe.Fd = -1
	sqe.Addr = targetUserData
	sqe.UserData = userData
}
