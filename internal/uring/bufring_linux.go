//go:build linux

// File: internal/uring/bufring_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// BufRing is a registered provided-buffer ring plus its backing slab. The
// kernel consumes buffers from the ring for multishot receives; the owner
// republishes them by id once the application is done reading.
//
// The shared ring layout overlays io_uring_buf entries; the tail the
// kernel reads lives in the resv field of entry zero (offset 14).

package uring

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BufRing owns one registered provided-buffer group.
type BufRing struct {
	ring    *Ring
	bgid    uint16
	entries uint16
	mask    uint16
	bufSize uint32

	slab    []byte
	ringMem []byte
	bufs    []ringBuf

	// Shared word covering bytes 12..15 of entry zero: low half is that
	// entry's bid, high half is the tail the kernel reads. A 32-bit store
	// keeps the publish atomic on the little-endian targets we support.
	tailWord *uint32

	// Local tail: entries staged by Add but not yet published.
	tail uint16

	incremental bool
}

// NewBufRing allocates the slab, maps the shared ring, and registers it
// with the kernel under bgid. entries must be a power of two. With
// incremental set the kernel consumes each buffer piecewise and the
// engine tracks per-buffer progress.
func NewBufRing(ring *Ring, bgid uint16, entries uint16, bufSize uint32, incremental bool) (*BufRing, error) {
	if entries == 0 || entries&(entries-1) != 0 {
		return nil, fmt.Errorf("uring: buffer ring entries %d is not a power of two", entries)
	}
	slab, err := unix.Mmap(-1, 0, int(entries)*int(bufSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("mmap buffer slab: %w", err)
	}
	ringMem, err := unix.Mmap(-1, 0, int(entries)*int(unsafe.Sizeof(ringBuf{})),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		_ = unix.Munmap(slab)
		return nil, fmt.Errorf("mmap buffer ring: %w", err)
	}

	b := &BufRing{
		ring:        ring,
		bgid:        bgid,
		entries:     entries,
		mask:        entries - 1,
		bufSize:     bufSize,
		slab:        slab,
		ringMem:     ringMem,
		bufs:        unsafe.Slice((*ringBuf)(unsafe.Pointer(&ringMem[0])), entries),
		tailWord:    (*uint32)(unsafe.Pointer(&ringMem[12])),
		incremental: incremental,
	}

	reg := bufReg{
		ringAddr:    uint64(uintptr(unsafe.Pointer(&ringMem[0]))),
		ringEntries: uint32(entries),
		bgid:        bgid,
	}
	if incremental {
		reg.flags = PBufRingIncremental
	}
	if err := ring.Register(regPBufRing, unsafe.Pointer(&reg), 1); err != nil {
		if incremental && unwrapErrno(err) == syscall.EINVAL {
			err = fmt.Errorf("incremental buffer consumption not supported by this kernel: %w", err)
		}
		_ = unix.Munmap(ringMem)
		_ = unix.Munmap(slab)
		return nil, err
	}

	// Hand every buffer to the kernel up front.
	for bid := uint16(0); bid < entries; bid++ {
		b.Add(bid)
	}
	b.Publish()
	return b, nil
}

// Bgid returns the registered buffer group id.
func (b *BufRing) Bgid() uint16 { return b.bgid }

// Entries returns the ring capacity.
func (b *BufRing) Entries() uint16 { return b.entries }

// BufSize returns the size of each buffer in the slab.
func (b *BufRing) BufSize() uint32 { return b.bufSize }

// Incremental reports whether the group was registered for piecewise
// consumption.
func (b *BufRing) Incremental() bool { return b.incremental }

// Add stages buffer bid for republication. Not visible to the kernel
// until Publish.
func (b *BufRing) Add(bid uint16) {
	e := &b.bufs[b.tail&b.mask]
	e.addr = uint64(uintptr(unsafe.Pointer(&b.slab[int(bid)*int(b.bufSize)])))
	e.len = b.bufSize
	e.bid = bid
	b.tail++
}

// Publish makes all staged buffers visible to the kernel.
func (b *BufRing) Publish() {
	// Release-store so the kernel observes filled entries before the tail.
	bid := atomic.LoadUint32(b.tailWord) & 0xffff
	atomic.StoreUint32(b.tailWord, bid|uint32(b.tail)<<16)
}

// BufPtr returns the base address of buffer bid within the slab.
func (b *BufRing) BufPtr(bid uint16) unsafe.Pointer {
	return unsafe.Pointer(&b.slab[int(bid)*int(b.bufSize)])
}

// BufBytes returns n bytes of buffer bid starting at off.
func (b *BufRing) BufBytes(bid uint16, off, n uint32) []byte {
	base := int(bid) * int(b.bufSize)
	return b.slab[base+int(off) : base+int(off)+int(n)]
}

// Close unregisters the group and releases both mappings.
func (b *BufRing) Close() error {
	reg := bufReg{bgid: b.bgid}
	err := b.ring.Register(unregPBufRing, unsafe.Pointer(&reg), 1)
	if b.ringMem != nil {
		_ = unix.Munmap(b.ringMem)
		b.ringMem = nil
	}
	if b.slab != nil {
		_ = unix.Munmap(b.slab)
		b.slab = nil
	}
	return err
}

func unwrapErrno(err error) syscall.Errno {
	for err != nil {
		if errno, ok := err.(syscall.Errno); ok {
			return errno
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0
		}
		err = u.Unwrap()
	}
	return 0
}
