//go:build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stub reactor for platforms without io_uring.

package reactor

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-uring/api"
)

// Config mirrors the Linux reactor configuration so callers compile
// everywhere; construction always fails off Linux.
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
	PinCPU          int
	SingleIssuer    bool
	TaskrunDeferred bool
}

// Reactor is unavailable off Linux.
type Reactor struct{}

// New reports the platform limitation.
func New(cfg Config, running *uint32, sink func(*Conn), log *logrus.Entry) (*Reactor, error) {
	return nil, api.ErrNotSupported
}
