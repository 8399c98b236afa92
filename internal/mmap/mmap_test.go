// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmap // import "github.com/go-lpc/qla/internal/mmap"

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestHandle(t *testing.T) {
	t.Run("nil-handle", func(t *testing.T) {
		var h *Handle

		_, err := h.ReadAt(nil, 0)
		if !errors.Is(err, os.ErrInvalid) {
			t.Fatalf("invalid read-at error: %+v", err)
		}

		_, err = h.WriteAt(nil, 0)
		if !errors.Is(err, os.ErrInvalid) {
			t.Fatalf("invalid write-at error: %+v", err)
		}

		err = h.Close()
		if !errors.Is(err, os.ErrInvalid) {
			t.Fatalf("invalid close error: %+v", err)
		}
	})
	t.Run("nil-data", func(t *testing.T) {
		var h Handle

		_, err := h.ReadAt(nil, 0)
		if !errors.Is(err, errClosed) {
			t.Fatalf("invalid read-at error: %+v", err)
		}

		_, err = h.WriteAt(nil, 0)
		if !errors.Is(err, errClosed) {
			t.Fatalf("invalid write-at error: %+v", err)
		}

		err = h.Close()
		if err != nil {
			t.Fatalf("error closing nil-data handle: %+v", err)
		}
	})
}

func TestHandleFrom(t *testing.T) {
	h := HandleFrom([]byte{0, 1, 2, 3})

	if got, want := h.Len(), 4; got != want {
		t.Fatalf("invalid len: got=%d, want=%d", got, want)
	}

	if got, want := h.At(1), byte(1); got != want {
		t.Fatalf("invalid value: got=%d, want=%d", got, want)
	}

	_, err := h.WriteAt(nil, -1)
	if got, want := err.Error(), "mmap: invalid WriteAt offset -1"; got != want {
		t.Fatalf("invalid error: %+v", err)
	}

	_, err = h.ReadAt(nil, -1)
	if got, want := err.Error(), "mmap: invalid ReadAt offset -1"; got != want {
		t.Fatalf("invalid error: %+v", err)
	}

}

func TestAnon(t *testing.T) {
	h, err := Anon(64)
	if err != nil {
		t.Fatalf("could not create anonymous mapping: %+v", err)
	}
	defer h.Close()

	if got, want := h.Len(), 64; got != want {
		t.Fatalf("invalid len: got=%d, want=%d", got, want)
	}

	_, err = h.WriteAt([]byte{1, 2, 3}, 10)
	if err != nil {
		t.Fatalf("could not write: %+v", err)
	}
	if got, want := h.At(11), byte(2); got != want {
		t.Fatalf("invalid value: got=%d, want=%d", got, want)
	}

	err = h.Close()
	if err != nil {
		t.Fatalf("could not close mapping: %+v", err)
	}
	_, err = h.ReadAt(make([]byte, 1), 0)
	if !errors.Is(err, errClosed) {
		t.Fatalf("invalid read-at error: %+v", err)
	}
}

func TestMap(t *testing.T) {
	const size = 3 * 4096
	fname := filepath.Join(t.TempDir(), "mem.raw")
	raw := make([]byte, size)
	for i := range raw {
		raw[i] = byte(i)
	}
	err := os.WriteFile(fname, raw, 0644)
	if err != nil {
		t.Fatalf("could not create memory file: %+v", err)
	}

	f, err := os.OpenFile(fname, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("could not open memory file: %+v", err)
	}
	defer f.Close()

	const off = 4096 + 0xC00
	h, err := Map(int(f.Fd()), off, 16)
	if err != nil {
		t.Fatalf("could not map memory file: %+v", err)
	}
	defer h.Close()

	if got, want := h.Len(), 16; got != want {
		t.Fatalf("invalid len: got=%d, want=%d", got, want)
	}
	if got, want := h.At(0), raw[off]; got != want {
		t.Fatalf("invalid value: got=%d, want=%d", got, want)
	}

	_, err = h.WriteAt([]byte{0xff}, 1)
	if err != nil {
		t.Fatalf("could not write: %+v", err)
	}
	err = h.Close()
	if err != nil {
		t.Fatalf("could not unmap memory file: %+v", err)
	}

	buf := make([]byte, 1)
	_, err = f.ReadAt(buf, off+1)
	if err != nil {
		t.Fatalf("could not read back memory file: %+v", err)
	}
	if got, want := buf[0], byte(0xff); got != want {
		t.Fatalf("invalid shared value: got=0x%x, want=0x%x", got, want)
	}

	_, err = Map(int(f.Fd()), -1, 16)
	if err == nil {
		t.Fatalf("expected an error")
	}
}
