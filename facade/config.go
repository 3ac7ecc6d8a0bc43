// File: facade/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Engine configuration. All fields are immutable per run; tuning happens
// before Start and validation catches inconsistent combinations early.

package facade

import (
	"fmt"
	"runtime"
	"time"
)

// Config holds parameters immutable per run.
type Config struct {
	ListenAddr          string        // TCP address for the listener
	Backlog             int           // listen(2) backlog
	NumReactors         int           // Number of reactor threads
	SQEntries           uint32        // SQ size per reactor ring (power of two)
	CQEntries           uint32        // CQ size per reactor ring (0 = kernel default)
	BufRingEntries      uint16        // Provided buffers per reactor (power of two)
	BufSize             uint32        // Size of each provided buffer
	Incremental         bool          // Incremental provided-buffer consumption
	ConnRingCapacity    int           // Per-connection inbound ring (power of two)
	WriteSlabSize       uint32        // Per-connection write slab
	CQBatch             int           // Max completions handled per loop pass
	ReactorWaitTimeout  time.Duration // Reactor submit-and-wait bound
	AcceptorWaitTimeout time.Duration // Acceptor submit-and-wait bound
	AcceptorSQEntries   uint32        // Acceptor ring SQ size
	SQPoll              bool          // Kernel-side submission polling
	SQPollIdleMs        uint32        // SQPOLL idle before the poller sleeps
	CPUAffinity         bool          // Pin reactor threads round-robin
	EnableMetrics       bool          // Periodic export into the registry
	MetricsInterval     time.Duration // Export period
}

// DefaultConfig returns defaults good for typical echo-class workloads.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:          ":8080",
		Backlog:             1024,
		NumReactors:         runtime.NumCPU(),
		SQEntries:           1024,
		CQEntries:           4096,
		BufRingEntries:      1024,
		BufSize:             32 * 1024,
		Incremental:         false,
		ConnRingCapacity:    1024,
		WriteSlabSize:       16 * 1024,
		CQBatch:             4096,
		ReactorWaitTimeout:  time.Millisecond,
		AcceptorWaitTimeout: 100 * time.Millisecond,
		AcceptorSQEntries:   64,
		SQPoll:              false,
		SQPollIdleMs:        1000,
		CPUAffinity:         true,
		EnableMetrics:       true,
		MetricsInterval:     time.Second,
	}
}

// Validate rejects configurations the engine cannot honor.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: ListenAddr is empty")
	}
	if c.NumReactors < 1 {
		return fmt.Errorf("config: NumReactors %d < 1", c.NumReactors)
	}
	if err := requirePow2("SQEntries", uint64(c.SQEntries)); err != nil {
		return err
	}
	if c.CQEntries != 0 {
		if err := requirePow2("CQEntries", uint64(c.CQEntries)); err != nil {
			return err
		}
		if c.CQEntries < c.SQEntries {
			return fmt.Errorf("config: CQEntries %d < SQEntries %d", c.CQEntries, c.SQEntries)
		}
	}
	if err := requirePow2("BufRingEntries", uint64(c.BufRingEntries)); err != nil {
		return err
	}
	if err := requirePow2("ConnRingCapacity", uint64(c.ConnRingCapacity)); err != nil {
		return err
	}
	if err := requirePow2("AcceptorSQEntries", uint64(c.AcceptorSQEntries)); err != nil {
		return err
	}
	if c.BufSize == 0 {
		return fmt.Errorf("config: BufSize is zero")
	}
	if c.WriteSlabSize == 0 {
		return fmt.Errorf("config: WriteSlabSize is zero")
	}
	if c.CQBatch < 1 {
		return fmt.Errorf("config: CQBatch %d < 1", c.CQBatch)
	}
	if c.ReactorWaitTimeout <= 0 || c.AcceptorWaitTimeout <= 0 {
		return fmt.Errorf("config: wait timeouts must be positive")
	}
	if c.Backlog < 1 {
		return fmt.Errorf("config: Backlog %d < 1", c.Backlog)
	}
	return nil
}

func requirePow2(name string, v uint64) error {
	if v == 0 || v&(v-1) != 0 {
		return fmt.Errorf("config: %s %d is not a power of two", name, v)
	}
	return nil
}
