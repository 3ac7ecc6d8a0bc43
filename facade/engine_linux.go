//go:build linux

// File: facade/engine_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Engine aggregates the acceptor thread, the reactor threads, and the
// accept channel behind one facade. It implements api.GracefulShutdown.

package facade

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-uring/api"
	"github.com/momentics/hioload-uring/control"
	"github.com/momentics/hioload-uring/internal/concurrency"
	"github.com/momentics/hioload-uring/reactor"
)

// Engine is the main facade type.
type Engine struct {
	cfg *Config
	log *logrus.Entry

	running  uint32
	reactors []*reactor.Reactor
	acceptor *reactor.Acceptor
	accepts  *concurrency.Unbounded[*reactor.Conn]
	metrics  *control.MetricsRegistry
	probes   *control.DebugProbes

	metricsStop chan struct{}
	metricsDone chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
}

// New validates cfg and builds an unstarted engine.
func New(cfg *Config, log *logrus.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	e := &Engine{
		cfg:         cfg,
		log:         log.WithField("component", "engine"),
		accepts:     concurrency.NewUnbounded[*reactor.Conn](),
		metrics:     control.NewMetricsRegistry(),
		probes:      control.NewDebugProbes(),
		metricsStop: make(chan struct{}),
		metricsDone: make(chan struct{}),
	}
	control.RegisterPlatformProbes(e.probes)
	e.probes.RegisterProbe("engine.config", func() any { return *e.cfg })
	e.probes.RegisterProbe("engine.accept_backlog", func() any { return e.accepts.Len() })
	e.probes.RegisterProbe("engine.metrics", func() any { return e.metrics.GetSnapshot() })
	return e, nil
}

// Start creates the rings, binds the listener, and launches all threads.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return api.NewError(api.ErrCodeInternal, "engine already started")
	}

	atomic.StoreUint32(&e.running, 1)
	sink := func(c *reactor.Conn) { e.accepts.Push(c) }

	ncpu := runtime.NumCPU()
	for i := 0; i < e.cfg.NumReactors; i++ {
		rcfg := reactor.Config{
			ID:              i,
			SQEntries:       e.cfg.SQEntries,
			CQEntries:       e.cfg.CQEntries,
			BufRingEntries:  e.cfg.BufRingEntries,
			BufSize:         e.cfg.BufSize,
			Incremental:     e.cfg.Incremental,
			ConnRingCap:     e.cfg.ConnRingCapacity,
			WriteSlabSize:   e.cfg.WriteSlabSize,
			CQBatch:         e.cfg.CQBatch,
			WaitTimeout:     e.cfg.ReactorWaitTimeout,
			SQPoll:          e.cfg.SQPoll,
			SQPollIdleMs:    e.cfg.SQPollIdleMs,
			SQPollCPU:       -1,
			PinCPU:          -1,
			SingleIssuer:    !e.cfg.SQPoll,
			TaskrunDeferred: !e.cfg.SQPoll,
		}
		if e.cfg.CPUAffinity {
			rcfg.PinCPU = i % ncpu
		}
		r, err := reactor.New(rcfg, &e.running, sink, e.log.Logger.WithField("component", "reactor"))
		if err != nil {
			e.closeReactorsLocked()
			return err
		}
		e.reactors = append(e.reactors, r)
	}

	acc, err := reactor.NewAcceptor(reactor.AcceptorConfig{
		Addr:        e.cfg.ListenAddr,
		Backlog:     e.cfg.Backlog,
		SQEntries:   e.cfg.AcceptorSQEntries,
		WaitTimeout: e.cfg.AcceptorWaitTimeout,
	}, e.reactors, &e.running, e.log.Logger.WithField("component", "engine"))
	if err != nil {
		e.closeReactorsLocked()
		return err
	}
	e.acceptor = acc

	for _, r := range e.reactors {
		go r.Run()
	}
	go acc.Run()
	if e.cfg.EnableMetrics {
		go e.publishMetrics()
	} else {
		close(e.metricsDone)
	}

	e.started = true
	e.log.WithFields(logrus.Fields{
		"addr":     e.cfg.ListenAddr,
		"reactors": e.cfg.NumReactors,
	}).Info("engine started")
	return nil
}

// Accept blocks until a new connection is published by a reactor. A
// connection torn down between publication and dequeue is skipped.
func (e *Engine) Accept(ctx context.Context) (*reactor.Conn, error) {
	for {
		c, err := e.accepts.Pop(ctx)
		if err == concurrency.ErrQueueClosed {
			return nil, api.ErrEngineClosed
		}
		if err != nil {
			return nil, err
		}
		if c.IsClosed() {
			continue
		}
		return c, nil
	}
}

// Metrics returns the engine's metrics registry.
func (e *Engine) Metrics() *control.MetricsRegistry { return e.metrics }

// Probes returns the debug probe registry for runtime inspection.
func (e *Engine) Probes() *control.DebugProbes { return e.probes }

// Stop clears the running flag and waits for all threads to exit.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	atomic.StoreUint32(&e.running, 0)
	e.accepts.Close()
	close(e.metricsStop)

	wait := func(done <-chan struct{}, what string) error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("engine stop: %s: %w", what, ctx.Err())
		}
	}
	if err := wait(e.acceptor.Done(), "acceptor"); err != nil {
		return err
	}
	for _, r := range e.reactors {
		if err := wait(r.Done(), "reactor"); err != nil {
			return err
		}
	}
	if err := wait(e.metricsDone, "metrics"); err != nil {
		return err
	}
	e.log.Info("engine stopped")
	return nil
}

// Shutdown implements api.GracefulShutdown with a bounded drain window.
func (e *Engine) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return e.Stop(ctx)
}

func (e *Engine) publishMetrics() {
	defer close(e.metricsDone)
	t := time.NewTicker(e.cfg.MetricsInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			for _, r := range e.reactors {
				r.PublishMetrics(e.metrics)
			}
			e.metrics.Set("acceptor.accepted", e.acceptor.Accepted())
			e.metrics.Set("engine.accept_backlog", e.accepts.Len())
		case <-e.metricsStop:
			return
		}
	}
}

func (e *Engine) closeReactorsLocked() {
	// Reactors that never ran still own a ring and a buffer group; let
	// their loops run one shutdown pass.
	atomic.StoreUint32(&e.running, 0)
	for _, r := range e.reactors {
		go r.Run()
		<-r.Done()
	}
	e.reactors = nil
}
