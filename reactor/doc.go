// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor implements the io_uring event loops of the engine: a
// dedicated acceptor loop distributing inbound sockets round-robin, and
// per-core reactor loops that own a ring, a provided buffer group, and
// the connection state machines bound to them.
package reactor
