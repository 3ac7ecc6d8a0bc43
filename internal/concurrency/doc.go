// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Concurrency primitives backing the reactor/handler boundary: an SPSC
// ring with snapshot-bounded drains, a monotonic MPSC ring for buffer
// returns, a sequenced MPSC ring for flush requests, a single-waiter
// gate for blocking reads and flushes, and a closeable unbounded queue
// for accept handoff.
package concurrency
