// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"sync/atomic"
)

// Allocator hands out reference-counted buffers and tracks how many
// are still live. It does not pool memory; its job is accounting.
type Allocator struct {
	liveBuffers atomic.Int64
	liveBytes   atomic.Int64
	allocated   atomic.Int64
}

// NewAllocator returns an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Alloc returns a zeroed buffer of n bytes with one reference.
func (a *Allocator) Alloc(n int) *Buffer {
	return a.track(make([]byte, n))
}

// Wrap takes ownership of data and returns it as a buffer with one
// reference. The caller must not retain data.
func (a *Allocator) Wrap(data []byte) *Buffer {
	return a.track(data)
}

func (a *Allocator) track(data []byte) *Buffer {
	buffer := &Buffer{allocator: a, data: data}
	buffer.refs.Store(1)
	a.liveBuffers.Add(1)
	a.liveBytes.Add(int64(len(data)))
	a.allocated.Add(int64(len(data)))
	return buffer
}

// Live returns the number of unreleased buffers and their total size.
func (a *Allocator) Live() (buffers, bytes int64) {
	return a.liveBuffers.Load(), a.liveBytes.Load()
}

// TotalAllocated returns the cumulative bytes handed out.
func (a *Allocator) TotalAllocated() int64 {
	return a.allocated.Load()
}

// Buffer is an immutable byte slice shared by reference count. The
// memory is returned to the allocator's accounting when the last
// reference is released.
type Buffer struct {
	allocator *Allocator
	data      []byte
	refs      atomic.Int32
}

// Bytes returns the buffer contents. The slice is valid until the
// caller's reference is released.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the buffer size.
func (b *Buffer) Len() int { return len(b.data) }

// Retain adds a reference and returns b.
func (b *Buffer) Retain() *Buffer {
	if b.refs.Add(1) <= 1 {
		panic("storage: Retain on released buffer")
	}
	return b
}

// Release drops one reference. Releasing more times than the buffer
// was retained panics.
func (b *Buffer) Release() {
	remaining := b.refs.Add(-1)
	switch {
	case remaining == 0:
		b.allocator.liveBuffers.Add(-1)
		b.allocator.liveBytes.Add(-int64(len(b.data)))
		b.data = nil
	case remaining < 0:
		panic(fmt.Sprintf("storage: buffer released %d times too many", -remaining))
	}
}
