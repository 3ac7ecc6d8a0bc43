//go:build linux

// File: reactor/slab_linux.go
// Author: momentics <momentics@gmail.com>
//
// Unmanaged write-slab allocation. Page-backed so the slabs stay out of
// the Go heap and keep 64-byte alignment for the send path.

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocSlab maps an anonymous region of size bytes.
func allocSlab(size int) []byte {
	b, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		panic(fmt.Sprintf("reactor: write slab mmap(%d): %v", size, err))
	}
	return b
}

// freeSlab releases a slab obtained from allocSlab.
func freeSlab(b []byte) {
	if b != nil {
		_ = unix.Munmap(b)
	}
}
