// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package capture

import (
	"encoding/binary"
)

// Status is the outcome of the encoding of a half-buffer.
type Status uint8

const (
	Done      Status = iota // the whole half-buffer was consumed
	Throttled               // the encoded buffer is full
)

func (st Status) String() string {
	switch st {
	case Done:
		return "done"
	case Throttled:
		return "throttled"
	default:
		return "unknown"
	}
}

// encoder is the run-length encoder feeding a Buffer.
// The duration of the open interval is carried across half-buffers in
// the buffer's last duration.
type encoder struct {
	lay Layout
	buf *Buffer
	ref uint32 // masked value of the open interval

	xbuf [maxRecord]byte
}

func (enc *encoder) encodeHalf(data []uint32) (Status, error) {
	var (
		mask  = enc.lay.Mask
		count = enc.buf.dur.Load()
		i     = 0
	)
	for {
		k := FindEdge(data[i:], mask, enc.ref)
		count += uint64(k)
		i += k
		if i == len(data) {
			enc.buf.dur.Store(count)
			return Done, nil
		}

		word := data[i]
		if word&enc.lay.Reserved != 0 {
			enc.buf.dur.Store(count)
			return Done, newFatal(ErrSyncLost, "lost the H_L sync: word=0x%08x", word)
		}

		if enc.buf.free() < maxRecord {
			enc.buf.dur.Store(count)
			return Throttled, nil
		}

		n := binary.PutUvarint(enc.xbuf[:], count<<4|uint64(enc.buf.val.Load()))
		enc.buf.append(enc.xbuf[:n])

		// the edge word opens the next interval.
		count = 0
		enc.ref = word & mask
		enc.buf.val.Store(uint32(enc.lay.Level(word)))
	}
}
