//go:build linux

// File: reactor/acceptor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Accept thread. Owns the listening socket and a small private ring with
// one multishot accept armed; new descriptors are dealt to reactors
// round-robin. Accept bursts are rare, so the wait timeout is much longer
// than the reactors'.

package reactor

import (
	"fmt"
	"net"
	"runtime"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-uring/internal/uring"
)

// AcceptorConfig sizes the accept thread.
type AcceptorConfig struct {
	Addr        string
	Backlog     int
	SQEntries   uint32
	WaitTimeout time.Duration
}

// Acceptor owns the listener and deals descriptors to reactors.
type Acceptor struct {
	cfg      AcceptorConfig
	log      *logrus.Entry
	ring     *uring.Ring
	lfd      int32
	reactors []*Reactor
	next     int
	running  *uint32
	done     chan struct{}

	accepted uint64
	failures uint64
}

// NewAcceptor binds and listens on cfg.Addr. IPv6 listeners are
// dual-stack.
func NewAcceptor(cfg AcceptorConfig, reactors []*Reactor, running *uint32, log *logrus.Entry) (*Acceptor, error) {
	lfd, err := listen(cfg.Addr, cfg.Backlog)
	if err != nil {
		return nil, err
	}
	ring, err := uring.New(uring.Config{Entries: cfg.SQEntries})
	if err != nil {
		_ = unix.Close(lfd)
		return nil, fmt.Errorf("acceptor ring: %w", err)
	}
	return &Acceptor{
		cfg:      cfg,
		log:      log.WithField("component", "acceptor"),
		ring:     ring,
		lfd:      int32(lfd),
		reactors: reactors,
		running:  running,
		done:     make(chan struct{}),
	}, nil
}

// Done is closed when the accept thread has exited.
func (a *Acceptor) Done() <-chan struct{} { return a.done }

// Accepted returns the total accepted connection count.
func (a *Acceptor) Accepted() uint64 { return atomic.LoadUint64(&a.accepted) }

// Run executes the accept loop until the engine clears the running flag.
func (a *Acceptor) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(a.done)

	a.armAccept()
	a.log.WithField("addr", a.cfg.Addr).Info("acceptor started")

	cqes := make([]uring.CQE, 64)
	for atomic.LoadUint32(a.running) == 1 {
		n := a.ring.PeekBatch(cqes)
		for i := 0; i < n; i++ {
			a.onAccept(&cqes[i])
		}
		a.ring.Advance(n)

		_, err := a.ring.SubmitAndWaitTimeout(1, a.cfg.WaitTimeout)
		if err != nil && err != syscall.ETIME && err != syscall.EINTR {
			a.log.WithError(err).Error("ring enter failed")
			break
		}
	}
	_ = unix.Close(int(a.lfd))
	if err := a.ring.Close(); err != nil {
		a.log.WithError(err).Warn("ring close failed")
	}
	a.log.Info("acceptor stopped")
}

func (a *Acceptor) onAccept(cqe *uring.CQE) {
	if cqe.Res < 0 {
		// Per-completion failures (ECONNABORTED, EMFILE) are tolerated.
		atomic.AddUint64(&a.failures, 1)
		a.log.WithField("errno", -cqe.Res).Warn("accept failed")
	} else {
		fd := cqe.Res
		if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			a.log.WithError(err).WithField("fd", fd).Warn("TCP_NODELAY failed")
		}
		atomic.AddUint64(&a.accepted, 1)
		a.reactors[a.next].SubmitFd(fd)
		a.next = (a.next + 1) % len(a.reactors)
	}
	if !cqe.More() {
		a.armAccept()
	}
}

func (a *Acceptor) armAccept() {
	sqe := a.ring.GetSQE()
	if sqe == nil {
		// A 64-entry SQ with a single multishot armed cannot fill.
		_, _ = a.ring.Submit()
		sqe = a.ring.GetSQE()
		if sqe == nil {
			a.log.Error("no sqe for multishot accept")
			return
		}
	}
	uring.PrepAcceptMultishot(sqe, a.lfd, uring.PackUserData(uring.KindAccept, a.lfd))
}

// listen creates, binds, and listens a close-on-exec TCP socket; the socket
// stays in blocking mode. An IPv6 address yields a dual-stack listener.
func listen(addr string, backlog int) (int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, fmt.Errorf("acceptor: bad address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return -1, fmt.Errorf("acceptor: bad port %q", portStr)
	}

	var ip net.IP
	if host != "" {
		ip = net.ParseIP(host)
		if ip == nil {
			return -1, fmt.Errorf("acceptor: bad host %q", host)
		}
	}

	v6 := ip == nil || ip.To4() == nil
	family := unix.AF_INET
	if v6 {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("acceptor: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("acceptor: SO_REUSEADDR: %w", err)
	}

	var sa unix.Sockaddr
	if v6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("acceptor: IPV6_V6ONLY: %w", err)
		}
		sa6 := &unix.SockaddrInet6{Port: port}
		if ip != nil {
			copy(sa6.Addr[:], ip.To16())
		}
		sa = sa6
	} else {
		sa4 := &unix.SockaddrInet4{Port: port}
		copy(sa4.Addr[:], ip.To4())
		sa = sa4
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("acceptor: bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("acceptor: listen: %w", err)
	}
	return fd, nil
}
