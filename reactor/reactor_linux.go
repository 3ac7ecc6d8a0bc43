//go:build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux io_uring reactor. One reactor owns one kernel ring, one
// provided-buffer group, and a set of connections. The loop is the sole
// submitter to the ring; everything crossing into it arrives through the
// acceptor queue, the buffer-return queue, or the flush queue.

package reactor

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-uring/affinity"
	"github.com/momentics/hioload-uring/api"
	"github.com/momentics/hioload-uring/control"
	"github.com/momentics/hioload-uring/internal/concurrency"
	"github.com/momentics/hioload-uring/internal/uring"
)

// Config sizes one reactor.
type Config struct {
	ID              int
	SQEntries       uint32
	CQEntries       uint32
	BufRingEntries  uint16
	BufSize         uint32
	Incremental     bool
	ConnRingCap     int
	WriteSlabSize   uint32
	CQBatch         int
	WaitTimeout     time.Duration
	SQPoll          bool
	SQPollIdleMs    uint32
	SQPollCPU       int
	PinCPU          int // -1 leaves the thread unpinned
	SingleIssuer    bool
	TaskrunDeferred bool
}

// Reactor drives one event loop thread.
type Reactor struct {
	cfg Config
	log *logrus.Entry

	ring      *uring.Ring
	bufRing   *uring.BufRing
	bufStates *uring.BufStates

	conns map[int32]*Conn
	free  []*Conn

	newFds  *concurrency.Unbounded[int32]
	returns *concurrency.MonoRing[uint16]
	flushQ  *concurrency.SeqRing[int32]

	sink    func(*Conn)
	running *uint32 // engine-owned flag, read with atomics
	done    chan struct{}

	cqBatch       []uring.CQE
	republishable int

	// Counters exported through PublishMetrics from another goroutine.
	accepted   atomic.Uint64
	received   atomic.Uint64
	sent       atomic.Uint64
	closedEOF  atomic.Uint64
	closedErr  atomic.Uint64
	overflowed atomic.Uint64
	liveConns  atomic.Int64
}

// New creates a reactor, its ring, and its registered buffer group.
func New(cfg Config, running *uint32, sink func(*Conn), log *logrus.Entry) (*Reactor, error) {
	flags := uint32(0)
	if cfg.SingleIssuer {
		flags |= uring.SetupSingleIssuer
	}
	if cfg.TaskrunDeferred {
		flags |= uring.SetupDeferTaskrun | uring.SetupCoopTaskrun
	}
	if cfg.SQPoll {
		flags |= uring.SetupSQPoll
		if cfg.SQPollCPU >= 0 {
			flags |= uring.SetupSQAff
		}
	}
	ring, err := uring.New(uring.Config{
		Entries:      cfg.SQEntries,
		CQEntries:    cfg.CQEntries,
		Flags:        flags,
		SQThreadCPU:  uint32(max(cfg.SQPollCPU, 0)),
		SQThreadIdle: cfg.SQPollIdleMs,
	})
	if err != nil {
		return nil, fmt.Errorf("reactor %d: %w", cfg.ID, err)
	}
	if !ring.HasExtArg() {
		_ = ring.Close()
		return nil, fmt.Errorf("reactor %d: kernel lacks timed-wait support", cfg.ID)
	}
	bufRing, err := uring.NewBufRing(ring, uint16(cfg.ID), cfg.BufRingEntries, cfg.BufSize, cfg.Incremental)
	if err != nil {
		_ = ring.Close()
		return nil, fmt.Errorf("reactor %d: %w", cfg.ID, err)
	}

	r := &Reactor{
		cfg:     cfg,
		log:     log.WithField("reactor", cfg.ID),
		ring:    ring,
		bufRing: bufRing,
		conns:   make(map[int32]*Conn),
		newFds:  concurrency.NewUnbounded[int32](),
		// Sized 2x the buffer group so returns can never outrun capacity
		// even with every buffer outstanding plus a full republish pass.
		returns: concurrency.NewMonoRing[uint16](uint64(nextPow2(int(cfg.BufRingEntries) * 2))),
		flushQ:  concurrency.NewSeqRing[int32](nextPow2(cfg.ConnRingCap)),
		sink:    sink,
		running: running,
		done:    make(chan struct{}),
		cqBatch: make([]uring.CQE, cfg.CQBatch),
	}
	if cfg.Incremental {
		r.bufStates = uring.NewBufStates(int(cfg.BufRingEntries))
	}
	return r, nil
}

// ID returns the reactor index.
func (r *Reactor) ID() int { return r.cfg.ID }

// Bgid returns the reactor's buffer group id.
func (r *Reactor) Bgid() uint16 { return r.bufRing.Bgid() }

// SubmitFd hands a freshly accepted descriptor to this reactor.
func (r *Reactor) SubmitFd(fd int32) { r.newFds.Push(fd) }

// Lookup resolves a descriptor to its live connection. Loop thread only.
func (r *Reactor) Lookup(fd int32) *Conn { return r.conns[fd] }

// Done is closed when the loop thread has exited and released its ring.
func (r *Reactor) Done() <-chan struct{} { return r.done }

// Run executes the event loop until the engine clears the running flag.
// It locks the calling goroutine to its OS thread.
func (r *Reactor) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(r.done)
	if r.cfg.PinCPU >= 0 {
		if err := affinity.SetAffinity(r.cfg.PinCPU); err != nil {
			r.log.WithError(err).Warn("cpu pin failed")
		}
	}
	r.log.WithFields(logrus.Fields{
		"sq":          r.ring.SQEntries(),
		"cq":          r.ring.CQEntries(),
		"buffers":     r.cfg.BufRingEntries,
		"incremental": r.cfg.Incremental,
	}).Info("reactor started")

	for atomic.LoadUint32(r.running) == 1 {
		r.drainNewFds()
		r.drainReturns()
		r.drainFlushes()
		r.processCompletions()

		_, err := r.ring.SubmitAndWaitTimeout(1, r.cfg.WaitTimeout)
		if err != nil && err != syscall.ETIME && err != syscall.EINTR {
			r.log.WithError(err).Error("ring enter failed")
			break
		}
	}
	r.shutdown()
}

// drainNewFds binds queued descriptors and arms their first receive.
func (r *Reactor) drainNewFds() {
	for {
		fd, ok := r.newFds.TryPop()
		if !ok {
			return
		}
		c := r.getConn()
		c.bind(fd, r.cfg.ID, r.returns, r.flushQ)
		r.conns[fd] = c
		r.liveConns.Add(1)
		if !r.armRecv(fd) {
			r.teardown(c, api.ErrCodeInternal)
			continue
		}
		r.accepted.Add(1)
		r.sink(c)
	}
}

// drainReturns republishes returned buffers, one tail publish per pass.
func (r *Reactor) drainReturns() {
	n := r.returns.ConsumeUpTo(r.returns.SnapshotTail(), func(bid uint16) {
		if r.bufStates != nil {
			if r.bufStates.OnReturn(bid) {
				r.bufRing.Add(bid)
				r.republishable++
			}
			return
		}
		r.bufRing.Add(bid)
		r.republishable++
	})
	if n > 0 && r.republishable > 0 {
		r.bufRing.Publish()
		r.republishable = 0
	}
}

// drainFlushes turns queued flush requests into send submissions.
func (r *Reactor) drainFlushes() {
	for {
		fd, ok := r.flushQ.TryDequeue()
		if !ok {
			return
		}
		c := r.conns[fd]
		if c == nil {
			continue
		}
		if c.IsClosed() {
			c.completeFlush()
			continue
		}
		r.prepareSend(c)
	}
}

// prepareSend submits the unsent window of the connection's write slab.
func (r *Reactor) prepareSend(c *Conn) {
	sqe := r.getSQE()
	if sqe == nil {
		r.teardown(c, api.ErrCodeInternal)
		return
	}
	uring.PrepSendRaw(sqe, c.fd,
		unsafe.Pointer(&c.wbuf[c.head]), c.inFlight-c.head,
		uring.PackUserData(uring.KindSend, c.fd))
	c.sendInflight = true
}

// processCompletions dispatches CQ entries in batches of at most
// len(cqBatch). It peeks again while a batch comes back full, so one call
// may dispatch several batches; it returns after the first short batch.
func (r *Reactor) processCompletions() {
	for {
		n := r.ring.PeekBatch(r.cqBatch)
		if n == 0 {
			return
		}
		for i := 0; i < n; i++ {
			cqe := &r.cqBatch[i]
			kind, fd := uring.UnpackUserData(cqe.UserData)
			switch kind {
			case uring.KindRecv:
				r.onRecv(fd, cqe)
			case uring.KindSend:
				r.onSend(fd, cqe)
			default:
				// Close and cancel results are diagnostics only.
			}
		}
		r.ring.Advance(n)
		if r.republishable > 0 {
			r.bufRing.Publish()
			r.republishable = 0
		}
		if n < len(r.cqBatch) {
			return
		}
	}
}

func (r *Reactor) onRecv(fd int32, cqe *uring.CQE) {
	c := r.conns[fd]
	if c == nil {
		// Raced with teardown; the provided buffer still must go back.
		if cqe.HasBuffer() {
			r.reclaimBuffer(cqe)
		}
		return
	}
	if cqe.Res <= 0 {
		if cqe.HasBuffer() {
			r.reclaimBuffer(cqe)
		}
		if cqe.More() {
			// Kernel will post the terminal completion; defer teardown.
			return
		}
		if cqe.Res == 0 {
			r.closedEOF.Add(1)
			r.teardown(c, api.ErrCodeRemoteClosed)
		} else if -cqe.Res == int32(syscall.ENOBUFS) {
			// Buffer group exhausted: re-arm right away and rely on
			// buffer returns to restore capacity.
			if !r.armRecv(fd) {
				r.teardown(c, api.ErrCodeInternal)
			}
		} else {
			r.closedErr.Add(1)
			r.teardown(c, api.ErrCodeRecvFailed)
		}
		return
	}

	bid := cqe.BufferID()
	length := uint32(cqe.Res)
	var off uint32
	if r.bufStates != nil {
		off = r.bufStates.OnRecv(bid, length, cqe.BufMore())
	}
	item := api.RingItem{
		Ptr:      r.bufRing.BufPtr(bid),
		Len:      length,
		BufferID: bid,
	}
	if off != 0 {
		item.Ptr = unsafe.Pointer(uintptr(item.Ptr) + uintptr(off))
	}
	r.received.Add(1)
	if !c.enqueueItem(item) {
		r.overflowed.Add(1)
		r.teardown(c, api.ErrCodeRingOverflow)
		return
	}
	if !cqe.More() {
		if !r.armRecv(fd) {
			r.teardown(c, api.ErrCodeInternal)
		}
	}
}

func (r *Reactor) onSend(fd int32, cqe *uring.CQE) {
	c := r.conns[fd]
	if c == nil {
		return
	}
	if cqe.Res <= 0 {
		r.closedErr.Add(1)
		r.teardown(c, api.ErrCodeSendFailed)
		return
	}
	c.head += uint32(cqe.Res)
	r.sent.Add(uint64(cqe.Res))
	if c.head < c.inFlight {
		r.prepareSend(c)
		return
	}
	c.completeFlush()
}

// reclaimBuffer returns a kernel-provided buffer that has no consumer.
func (r *Reactor) reclaimBuffer(cqe *uring.CQE) {
	bid := cqe.BufferID()
	if r.bufStates != nil {
		n := uint32(0)
		if cqe.Res > 0 {
			n = uint32(cqe.Res)
		}
		r.bufStates.OnRecv(bid, n, cqe.BufMore())
		if !r.bufStates.OnReturn(bid) {
			return
		}
	}
	r.bufRing.Add(bid)
	r.republishable++
}

// armRecv submits a multishot receive selecting from this reactor's
// buffer group.
func (r *Reactor) armRecv(fd int32) bool {
	sqe := r.getSQE()
	if sqe == nil {
		return false
	}
	uring.PrepRecvMultishot(sqe, fd, r.bufRing.Bgid(),
		uring.PackUserData(uring.KindRecv, fd))
	return true
}

// getSQE fetches a submission slot, flushing the ring once if full.
func (r *Reactor) getSQE() *uring.SQE {
	if sqe := r.ring.GetSQE(); sqe != nil {
		return sqe
	}
	if _, err := r.ring.Submit(); err != nil {
		r.log.WithError(err).Error("submit during sq drain failed")
		return nil
	}
	return r.ring.GetSQE()
}

// teardown closes a connection and recycles its object.
func (r *Reactor) teardown(c *Conn, code api.ErrorCode) {
	fd := c.fd
	c.markClosed(code)
	delete(r.conns, fd)
	r.liveConns.Add(-1)
	if sqe := r.getSQE(); sqe != nil {
		uring.PrepClose(sqe, fd, uring.PackUserData(uring.KindClose, fd))
	} else {
		_ = syscall.Close(int(fd))
	}
	c.FastClear()
	r.free = append(r.free, c)
}

// getConn reuses a pooled connection or allocates a fresh one.
func (r *Reactor) getConn() *Conn {
	if n := len(r.free); n > 0 {
		c := r.free[n-1]
		r.free = r.free[:n-1]
		return c
	}
	return newConn(r.cfg.ConnRingCap, allocSlab(int(r.cfg.WriteSlabSize)))
}

// shutdown closes every connection, then the buffer ring, then the
// kernel ring. Ordering matters: the group must be unregistered while
// the ring fd is still live.
func (r *Reactor) shutdown() {
	for fd, c := range r.conns {
		c.markClosed(api.ErrCodeShutdown)
		_ = syscall.Close(int(fd))
		delete(r.conns, fd)
		r.liveConns.Add(-1)
		c.FastClear()
		r.free = append(r.free, c)
	}
	for _, c := range r.free {
		freeSlab(c.wbuf)
		c.wbuf = nil
	}
	r.free = nil
	if err := r.bufRing.Close(); err != nil {
		r.log.WithError(err).Warn("buffer ring close failed")
	}
	if err := r.ring.Close(); err != nil {
		r.log.WithError(err).Warn("ring close failed")
	}
	r.log.Info("reactor stopped")
}

// PublishMetrics exports loop counters into the shared registry.
func (r *Reactor) PublishMetrics(reg *control.MetricsRegistry) {
	prefix := fmt.Sprintf("reactor.%d.", r.cfg.ID)
	reg.Set(prefix+"accepted", r.accepted.Load())
	reg.Set(prefix+"received_chunks", r.received.Load())
	reg.Set(prefix+"sent_bytes", r.sent.Load())
	reg.Set(prefix+"closed_eof", r.closedEOF.Load())
	reg.Set(prefix+"closed_error", r.closedErr.Load())
	reg.Set(prefix+"ring_overflows", r.overflowed.Load())
	reg.Set(prefix+"cq_overflow", r.ring.CQOverflow())
	reg.Set(prefix+"live_conns", r.liveConns.Load())
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
