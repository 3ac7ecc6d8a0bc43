//go:build linux

// File: internal/uring/ring_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Ring wraps one io_uring instance: setup, the three mmap regions, SQE
// acquisition, submission, and CQE harvesting. A Ring is owned by exactly
// one goroutine; only the SQPOLL wakeup check touches kernel-shared flags.

package uring

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"
)

// Config controls ring creation.
type Config struct {
	// Entries is the SQ size. Must be a power of two.
	Entries uint32
	// CQEntries overrides the CQ size when non-zero (IORING_SETUP_CQSIZE).
	CQEntries uint32
	// Flags are IORING_SETUP_* bits beyond the ones implied above.
	Flags uint32
	// SQThreadCPU pins the SQPOLL kernel thread when SetupSQPoll|SetupSQAff
	// are set.
	SQThreadCPU uint32
	// SQThreadIdle is the SQPOLL idle timeout in milliseconds.
	SQThreadIdle uint32
}

// Ring is a single io_uring instance with its three mapped regions.
type Ring struct {
	fd         int
	sqEntries  uint32
	cqEntries  uint32
	features   uint32
	setupFlags uint32

	// SQ ring region.
	sqMem     []byte
	sqHead    *uint32
	sqTail    *uint32
	sqMask    uint32
	sqFlags   *uint32
	sqDropped *uint32
	sqArray   []uint32

	// Local tail: SQEs handed out but not yet published to sqTail.
	sqeTail uint32

	// CQ ring region (aliases sqMem under IORING_FEAT_SINGLE_MMAP).
	cqMem      []byte
	cqHead     *uint32
	cqTail     *uint32
	cqMask     uint32
	cqOverflow *uint32
	cqes       []CQE

	// SQE array region.
	sqesMem []byte
	sqes    []SQE
}

// New creates an io_uring instance and maps its rings.
func New(cfg Config) (*Ring, error) {
	if cfg.Entries == 0 || cfg.Entries&(cfg.Entries-1) != 0 {
		return nil, fmt.Errorf("uring: entries %d is not a power of two", cfg.Entries)
	}
	var p params
	p.flags = cfg.Flags
	if cfg.CQEntries != 0 {
		p.flags |= SetupCQSize
		p.cqEntries = cfg.CQEntries
	}
	if cfg.Flags&SetupSQPoll != 0 {
		p.sqThreadIdle = cfg.SQThreadIdle
		if cfg.Flags&SetupSQAff != 0 {
			p.sqThreadCPU = cfg.SQThreadCPU
		}
	}

	rfd, _, errno := syscall.Syscall(sysIOURingSetup,
		uintptr(cfg.Entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	r := &Ring{
		fd:         int(rfd),
		sqEntries:  p.sqEntries,
		cqEntries:  p.cqEntries,
		features:   p.features,
		setupFlags: p.flags,
	}
	if err := r.mapRings(&p); err != nil {
		_ = syscall.Close(r.fd)
		return nil, err
	}

	// The index array never changes once filled: slot i always points at
	// SQE i. Filling it up front turns submission into pure tail math.
	for i := range r.sqArray {
		r.sqArray[i] = uint32(i)
	}
	return r, nil
}

func (r *Ring) mapRings(p *params) error {
	sqSize := int(p.sqOff.array) + int(p.sqEntries)*4
	cqSize := int(p.cqOff.cqes) + int(p.cqEntries)*int(unsafe.Sizeof(CQE{}))
	if p.features&featSingleMMap != 0 {
		if cqSize > sqSize {
			sqSize = cqSize
		}
	}

	sqMem, err := mmapRing(r.fd, sqSize, offSQRing)
	if err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}
	r.sqMem = sqMem
	r.sqHead = (*uint32)(unsafe.Pointer(&sqMem[p.sqOff.head]))
	r.sqTail = (*uint32)(unsafe.Pointer(&sqMem[p.sqOff.tail]))
	r.sqMask = *(*uint32)(unsafe.Pointer(&sqMem[p.sqOff.ringMask]))
	r.sqFlags = (*uint32)(unsafe.Pointer(&sqMem[p.sqOff.flags]))
	r.sqDropped = (*uint32)(unsafe.Pointer(&sqMem[p.sqOff.dropped]))
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Pointer(&sqMem[p.sqOff.array])), p.sqEntries)

	if p.features&featSingleMMap != 0 {
		r.cqMem = sqMem
	} else {
		cqMem, err := mmapRing(r.fd, cqSize, offCQRing)
		if err != nil {
			_ = unmapRing(sqMem)
			return fmt.Errorf("mmap cq ring: %w", err)
		}
		r.cqMem = cqMem
	}
	r.cqHead = (*uint32)(unsafe.Pointer(&r.cqMem[p.cqOff.head]))
	r.cqTail = (*uint32)(unsafe.Pointer(&r.cqMem[p.cqOff.tail]))
	r.cqMask = *(*uint32)(unsafe.Pointer(&r.cqMem[p.cqOff.ringMask]))
	r.cqOverflow = (*uint32)(unsafe.Pointer(&r.cqMem[p.cqOff.overflow]))
	r.cqes = unsafe.Slice((*CQE)(unsafe.Pointer(&r.cqMem[p.cqOff.cqes])), p.cqEntries)

	sqesSize := int(p.sqEntries) * int(unsafe.Sizeof(SQE{}))
	sqesMem, err := mmapRing(r.fd, sqesSize, offSQEs)
	if err != nil {
		r.unmapAll()
		return fmt.Errorf("mmap sqes: %w", err)
	}
	r.sqesMem = sqesMem
	r.sqes = unsafe.Slice((*SQE)(unsafe.Pointer(&sqesMem[0])), p.sqEntries)
	return nil
}

// Fd returns the ring file descriptor.
func (r *Ring) Fd() int { return r.fd }

// SQEntries returns the kernel-granted SQ size.
func (r *Ring) SQEntries() uint32 { return r.sqEntries }

// CQEntries returns the kernel-granted CQ size.
func (r *Ring) CQEntries() uint32 { return r.cqEntries }

// HasExtArg reports whether timed waits via EnterExtArg are available.
func (r *Ring) HasExtArg() bool { return r.features&featExtArg != 0 }

// GetSQE hands out the next free submission entry, zeroed, or nil when the
// SQ is full. The entry becomes visible to the kernel on the next Submit.
func (r *Ring) GetSQE() *SQE {
	head := atomic.LoadUint32(r.sqHead)
	if r.sqeTail-head >= r.sqEntries {
		return nil
	}
	sqe := &r.sqes[r.sqeTail&r.sqMask]
	r.sqeTail++
	*sqe = SQE{}
	return sqe
}

// SQSpace returns the number of SQEs that can still be handed out before
// the next Submit.
func (r *Ring) SQSpace() uint32 {
	return r.sqEntries - (r.sqeTail - atomic.LoadUint32(r.sqHead))
}

// flushSQ publishes handed-out SQEs to the kernel-visible tail and returns
// how many are pending.
func (r *Ring) flushSQ() uint32 {
	tail := atomic.LoadUint32(r.sqTail)
	if tail != r.sqeTail {
		atomic.StoreUint32(r.sqTail, r.sqeTail)
		tail = r.sqeTail
	}
	return tail - atomic.LoadUint32(r.sqHead)
}

// Submit publishes pending SQEs and enters the kernel if needed. With
// SQPOLL the enter is skipped unless the poller thread went idle.
func (r *Ring) Submit() (int, error) {
	return r.submit(0, 0, nil)
}

// SubmitAndWait publishes pending SQEs and blocks until at least waitNr
// completions are available.
func (r *Ring) SubmitAndWait(waitNr uint32) (int, error) {
	return r.submit(waitNr, EnterGetEvents, nil)
}

// SubmitAndWaitTimeout is SubmitAndWait bounded by d. Returns
// syscall.ETIME when the wait expires with no completion. Requires
// IORING_FEAT_EXT_ARG.
func (r *Ring) SubmitAndWaitTimeout(waitNr uint32, d time.Duration) (int, error) {
	ts := kernelTimespec{
		sec:  int64(d / time.Second),
		nsec: int64(d % time.Second),
	}
	arg := geteventsArg{ts: uint64(uintptr(unsafe.Pointer(&ts)))}
	return r.submit(waitNr, EnterGetEvents|EnterExtArg, &arg)
}

func (r *Ring) submit(waitNr, flags uint32, arg *geteventsArg) (int, error) {
	submitted := r.flushSQ()

	enter := flags
	if r.setupFlags&SetupSQPoll != 0 {
		if atomic.LoadUint32(r.sqFlags)&sqNeedWakeup != 0 {
			enter |= EnterSQWakeup
		} else if flags&EnterGetEvents == 0 {
			// Poller is awake and we are not waiting: no syscall needed.
			return int(submitted), nil
		}
	}
	if submitted == 0 && enter == 0 {
		return 0, nil
	}

	var argp, argsz uintptr
	if arg != nil {
		argp = uintptr(unsafe.Pointer(arg))
		argsz = unsafe.Sizeof(*arg)
	}
	n, _, errno := syscall.Syscall6(sysIOURingEnter,
		uintptr(r.fd), uintptr(submitted), uintptr(waitNr),
		uintptr(enter), argp, argsz)
	if errno != 0 {
		if errno == syscall.ETIME || errno == syscall.EINTR {
			return int(n), errno
		}
		return int(n), fmt.Errorf("io_uring_enter: %w", errno)
	}
	return int(n), nil
}

// PeekBatch copies up to len(dst) ready completions without consuming
// them. Pair with Advance once the events have been dispatched.
func (r *Ring) PeekBatch(dst []CQE) int {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	n := int(tail - head)
	if n == 0 {
		return 0
	}
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = r.cqes[(head+uint32(i))&r.cqMask]
	}
	return n
}

// Advance marks n completions as consumed.
func (r *Ring) Advance(n int) {
	if n > 0 {
		atomic.AddUint32(r.cqHead, uint32(n))
	}
}

// CQReady returns the number of unconsumed completions.
func (r *Ring) CQReady() uint32 {
	return atomic.LoadUint32(r.cqTail) - atomic.LoadUint32(r.cqHead)
}

// CQOverflow returns the kernel's dropped-completion counter.
func (r *Ring) CQOverflow() uint32 {
	return atomic.LoadUint32(r.cqOverflow)
}

// Register wraps io_uring_register for buffer ring (un)registration.
func (r *Ring) Register(opcode uint32, arg unsafe.Pointer, nrArgs uint32) error {
	_, _, errno := syscall.Syscall6(sysIOURingRegister,
		uintptr(r.fd), uintptr(opcode), uintptr(arg), uintptr(nrArgs), 0, 0)
	if errno != 0 {
		return fmt.Errorf("io_uring_register(%d): %w", opcode, errno)
	}
	return nil
}

// Close unmaps the rings and closes the fd.
func (r *Ring) Close() error {
	r.unmapAll()
	if r.sqesMem != nil {
		_ = unmapRing(r.sqesMem)
		r.sqesMem = nil
	}
	if r.fd >= 0 {
		err := syscall.Close(r.fd)
		r.fd = -1
		return err
	}
	return nil
}

func (r *Ring) unmapAll() {
	if r.cqMem != nil && &r.cqMem[0] != &r.sqMem[0] {
		_ = unmapRing(r.cqMem)
	}
	r.cqMem = nil
	if r.sqMem != nil {
		_ = unmapRing(r.sqMem)
		r.sqMem = nil
	}
}

func mmapRing(fd, size int, offset uint64) ([]byte, error) {
	addr, _, errno := syscall.Syscall6(syscall.SYS_MMAP,
		0, uintptr(size),
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_POPULATE,
		uintptr(fd), uintptr(offset))
	if errno != 0 {
		return nil, errno
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func unmapRing(b []byte) error {
	_, _, errno := syscall.Syscall(syscall.SYS_MUNMAP,
		uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)), 0)
	if errno != 0 {
		return errno
	}
	return nil
}
