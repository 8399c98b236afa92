// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmap provides memory-mapped windows over device memory.
package mmap // import "github.com/go-lpc/qla/internal/mmap"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

var (
	errClosed = errors.New("mmap: closed")
)

// Handle is a window over memory-mapped data.
type Handle struct {
	data []byte
	raw  []byte // mapping to release on Close
}

// HandleFrom wraps an existing mapping.
func HandleFrom(data []byte) *Handle {
	return newHandle(data, data)
}

func newHandle(data, raw []byte) *Handle {
	h := &Handle{data: data, raw: raw}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h
}

// Map maps size bytes of the file fd, starting at offset off.
// off does not need to be page-aligned.
func Map(fd int, off int64, size int) (*Handle, error) {
	if off < 0 || size <= 0 {
		return nil, fmt.Errorf("mmap: invalid region (off=%d, size=%d)", off, size)
	}
	var (
		page  = int64(unix.Getpagesize())
		base  = off &^ (page - 1)
		delta = int(off - base)
	)
	raw, err := unix.Mmap(
		fd, base, delta+size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not mmap 0x%x (%d bytes): %w", off, size, err)
	}
	if len(raw) != delta+size {
		_ = unix.Munmap(raw)
		return nil, fmt.Errorf("mmap: invalid mmap'd data: %d", len(raw))
	}
	return newHandle(raw[delta:delta+size:delta+size], raw), nil
}

// Anon creates an anonymous, zero-filled, mapping of size bytes.
func Anon(size int) (*Handle, error) {
	raw, err := unix.Mmap(
		-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not create anonymous mapping: %w", err)
	}
	return newHandle(raw, raw), nil
}

// Close closes the mmap handle.
func (h *Handle) Close() error {
	if h == nil {
		return os.ErrInvalid
	}

	if h.data == nil {
		return nil
	}
	raw := h.raw
	h.data = nil
	h.raw = nil
	runtime.SetFinalizer(h, nil)

	return unix.Munmap(raw)
}

// Len returns the length of the underlying memory-mapped file.
func (h *Handle) Len() int {
	return len(h.data)
}

// At returns the byte at index i.
func (h *Handle) At(i int) byte {
	return h.data[i]
}

// ReadAt implements the io.ReaderAt interface.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid ReadAt offset %d", off)
	}
	n := copy(p, h.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the io.WriterAt interface.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid WriteAt offset %d", off)
	}
	n := copy(h.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

var (
	_ io.ReaderAt = (*Handle)(nil)
	_ io.WriterAt = (*Handle)(nil)
	_ io.Closer   = (*Handle)(nil)
)
