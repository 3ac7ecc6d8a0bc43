//go:build !linux

// File: facade/engine_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stub engine for platforms without io_uring.

package facade

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-uring/api"
	"github.com/momentics/hioload-uring/control"
	"github.com/momentics/hioload-uring/reactor"
)

// Engine is unavailable off Linux.
type Engine struct{}

// New reports the platform limitation.
func New(cfg *Config, log *logrus.Logger) (*Engine, error) {
	return nil, api.ErrNotSupported
}

// Start is a stub.
func (e *Engine) Start() error { return api.ErrNotSupported }

// Accept is a stub.
func (e *Engine) Accept(ctx context.Context) (*reactor.Conn, error) {
	return nil, api.ErrNotSupported
}

// Metrics is a stub.
func (e *Engine) Metrics() *control.MetricsRegistry { return nil }

// Probes is a stub.
func (e *Engine) Probes() *control.DebugProbes { return nil }

// Stop is a stub.
func (e *Engine) Stop(ctx context.Context) error { return api.ErrNotSupported }

// Shutdown implements api.GracefulShutdown.
func (e *Engine) Shutdown() error { return api.ErrNotSupported }
