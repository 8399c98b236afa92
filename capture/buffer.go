// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package capture

import (
	"sync/atomic"
)

// Buffer is the encoded capture buffer.
//
// Buffer has a single writer, the interrupt path of a Device, and any
// number of lock-free readers. Record bytes are stored before the length
// is published, so Bytes always returns complete records. There is no
// consistent snapshot across Bytes, LastValue and LastDuration.
type Buffer struct {
	data []byte

	n   atomic.Uint32 // number of valid bytes
	val atomic.Uint32 // level of the current, open interval
	dur atomic.Uint64 // samples accumulated in the current interval
}

// NewBuffer creates a new encoded buffer with the provided capacity in bytes.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// Bytes returns the encoded records written so far.
// The returned slice must not be modified.
func (buf *Buffer) Bytes() []byte {
	n := buf.n.Load()
	return buf.data[:n:n]
}

// Len returns the number of encoded bytes.
func (buf *Buffer) Len() int { return int(buf.n.Load()) }

// Cap returns the capacity of the buffer.
func (buf *Buffer) Cap() int { return len(buf.data) }

// LastValue returns the level of the interval still being measured.
func (buf *Buffer) LastValue() uint8 { return uint8(buf.val.Load()) }

// LastDuration returns the number of samples accumulated in the interval
// still being measured.
func (buf *Buffer) LastDuration() uint64 { return buf.dur.Load() }

func (buf *Buffer) free() int {
	return len(buf.data) - int(buf.n.Load())
}

func (buf *Buffer) append(p []byte) {
	n := buf.n.Load()
	copy(buf.data[n:], p)
	buf.n.Store(n + uint32(len(p)))
}

func (buf *Buffer) reset() {
	buf.n.Store(0)
	buf.dur.Store(0)
}
