// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key material outside the Go heap.
//
// A [Buffer] is an anonymous mmap region marked MADV_DONTDUMP and, when
// the process is allowed to, locked into RAM with mlock. Tandem keeps
// secure-channel private keys, derived session keys, password hashes,
// and token signing seeds in Buffers so that closing a session wipes
// them deterministically instead of waiting on the garbage collector.
package secret

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer holds sensitive bytes in an mmap region that is zeroed and
// unmapped on Close. Reading a closed Buffer panics.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	length int
	locked bool
	closed bool
}

// New allocates a zero-filled buffer of size bytes.
//
// mlock is attempted but not required: unprivileged processes and CI
// containers commonly run with RLIMIT_MEMLOCK at 64KiB, and a session
// engine holding a few dozen keys must keep working there. Locked
// reports whether the region is pinned.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap failed: %w", err)
	}

	locked := true
	if err := unix.Mlock(data); err != nil {
		if !errors.Is(err, unix.EPERM) && !errors.Is(err, unix.ENOMEM) {
			unix.Munmap(data)
			return nil, fmt.Errorf("secret: mlock failed: %w", err)
		}
		locked = false
	}

	if err := unix.Madvise(data, unix.MADV_DONTDUMP); err != nil {
		if locked {
			unix.Munlock(data)
		}
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: madvise(MADV_DONTDUMP) failed: %w", err)
	}

	return &Buffer{data: data, length: size, locked: locked}, nil
}

// NewFromBytes copies source into a new Buffer and zeroes source.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: cannot create buffer from empty source")
	}

	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.data, source)
	Zero(source)
	return buffer, nil
}

// Zero overwrites data with zeros.
func Zero(data []byte) {
	for index := range data {
		data[index] = 0
	}
}

// Bytes returns the secret, aliased into the mmap region. Do not retain
// the slice past Close.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.data[:b.length]
}

// String returns a heap copy of the secret. Only use it where an API
// demands a string.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: read from closed buffer")
	}
	return string(b.data[:b.length])
}

// Equal compares the secret with other in constant time.
func (b *Buffer) Equal(other []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: read from closed buffer")
	}
	return subtle.ConstantTimeCompare(b.data[:b.length], other) == 1
}

// Len returns the size of the secret.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Locked reports whether the region is pinned in RAM.
func (b *Buffer) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked
}

// Closed reports whether Close has been called.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close zeroes the contents, then unlocks and unmaps the region.
// Close is idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	Zero(b.data)

	var firstError error
	if b.locked {
		if err := unix.Munlock(b.data); err != nil {
			firstError = fmt.Errorf("secret: munlock failed: %w", err)
		}
	}
	if err := unix.Munmap(b.data); err != nil && firstError == nil {
		firstError = fmt.Errorf("secret: munmap failed: %w", err)
	}
	b.data = nil
	return firstError
}
