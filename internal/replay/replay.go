// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package replay feeds recorded sample words to a simulated capture device.
//
// Sample files are flat sequences of little-endian 32-bit words, as read
// from the FPGA data port.
package replay // import "github.com/go-lpc/qla/internal/replay"

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-lpc/qla/capture"
)

// Chunk is the default number of samples handed to the device at once.
const Chunk = capture.HalfSize / 4

// Reader reads sample words.
type Reader struct {
	r    *bufio.Reader
	xbuf [4]byte
}

// NewReader returns a reader of the sample words in r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Read reads up to len(dst) sample words.
// Read returns io.EOF when no more complete word is available.
func (r *Reader) Read(dst []uint32) (int, error) {
	for i := range dst {
		_, err := io.ReadFull(r.r, r.xbuf[:])
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				err = io.EOF
			}
			if i > 0 && errors.Is(err, io.EOF) {
				return i, nil
			}
			return i, err
		}
		dst[i] = binary.LittleEndian.Uint32(r.xbuf[:])
	}
	return len(dst), nil
}

// Write writes sample words to w.
func Write(w io.Writer, samples []uint32) error {
	buf := make([]byte, 4*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint32(buf[4*i:], v)
	}
	_, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("replay: could not write samples: %w", err)
	}
	return nil
}

// Feed replays the samples of r through sim, chunk samples at a time.
//
// Feed returns the number of samples transferred. It stops at the end of
// the samples, when ctx is done, or when the device stops sampling
// (buffer exhausted, stopped, halted). The fatal error of the device, if
// any, is returned.
func Feed(ctx context.Context, sim *capture.Simulator, r io.Reader, chunk int) (int64, error) {
	if chunk <= 0 {
		chunk = Chunk
	}
	var (
		n   int64
		src = NewReader(r)
		buf = make([]uint32, chunk)
	)
	for {
		select {
		case <-ctx.Done():
			return n, nil
		default:
		}

		m, err := src.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, fmt.Errorf("replay: could not read samples: %w", err)
		}

		k, err := sim.Feed(buf[:m])
		n += int64(k)
		if err != nil {
			return n, err
		}
		if k < m || sim.Device().State() != capture.Running {
			return n, nil
		}
	}
}
