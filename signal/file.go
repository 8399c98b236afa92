// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package signal

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-lpc/qla/internal/crc16"
	"golang.org/x/xerrors"
)

var magic = [4]byte{'Q', 'L', 'A', 0x01}

const maxData = 1 << 26 // maximum size of the encoded records of a capture file

// Capture is a frozen copy of a capture buffer.
type Capture struct {
	Data    []byte // encoded records
	Value   uint8  // level of the open interval
	Elapsed uint64 // duration of the open interval, in samples
}

func (c Capture) Bytes() []byte        { return c.Data }
func (c Capture) LastValue() uint8     { return c.Value }
func (c Capture) LastDuration() uint64 { return c.Elapsed }

// Snapshot copies the current content of src.
func Snapshot(src Source) Capture {
	var (
		val = src.LastValue()
		dur = src.LastDuration()
		raw = src.Bytes()
	)
	return Capture{
		Data:    append([]byte(nil), raw...),
		Value:   val,
		Elapsed: dur,
	}
}

// Encoder writes captures to an output stream.
// Encoder computes the CRC-16 checksum on the fly and appends it
// at the end of each capture.
type Encoder struct {
	w   io.Writer
	buf []byte
	err error
	crc crc16.Hash16
}

// NewEncoder returns a new Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w:   w,
		buf: make([]byte, 8),
		crc: crc16.New(nil),
	}
}

// Encode writes the capture to the stream.
func (enc *Encoder) Encode(c Capture) error {
	if uint64(len(c.Data)) > 1<<32-1 {
		return fmt.Errorf("signal: capture too big (%d bytes)", len(c.Data))
	}
	enc.crc.Reset()

	enc.write(magic[:])
	enc.writeU8(c.Value)
	enc.writeU64(c.Elapsed)
	enc.writeU32(uint32(len(c.Data)))
	enc.write(c.Data)
	enc.writeU16(enc.crc.Sum16())

	if enc.err != nil {
		return fmt.Errorf("signal: could not encode capture: %w", enc.err)
	}
	return nil
}

func (enc *Encoder) write(p []byte) {
	if enc.err != nil {
		return
	}
	_, enc.err = enc.w.Write(p)
	_, _ = enc.crc.Write(p) // can not fail.
}

func (enc *Encoder) writeU8(v uint8) {
	enc.buf[0] = v
	enc.write(enc.buf[:1])
}

func (enc *Encoder) writeU16(v uint16) {
	binary.BigEndian.PutUint16(enc.buf[:2], v)
	enc.write(enc.buf[:2])
}

func (enc *Encoder) writeU32(v uint32) {
	binary.BigEndian.PutUint32(enc.buf[:4], v)
	enc.write(enc.buf[:4])
}

func (enc *Encoder) writeU64(v uint64) {
	binary.BigEndian.PutUint64(enc.buf[:8], v)
	enc.write(enc.buf[:8])
}

// Decoder reads and validates captures from an input stream.
type Decoder struct {
	r   io.Reader
	buf []byte
	err error
	crc crc16.Hash16
}

// NewDecoder creates a decoder that reads and validates captures from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:   r,
		buf: make([]byte, 8),
		crc: crc16.New(nil),
	}
}

// Decode reads the next capture from the stream.
// Decode returns io.EOF when no capture is left.
func (dec *Decoder) Decode(c *Capture) error {
	dec.crc.Reset()

	var hdr [4]byte
	dec.read(hdr[:])
	if dec.err != nil {
		if xerrors.Is(dec.err, io.EOF) {
			return io.EOF
		}
		return xerrors.Errorf("signal: could not read capture header: %w", dec.err)
	}
	if hdr != magic {
		return xerrors.Errorf("signal: invalid capture header (got=%q, want=%q)", hdr[:], magic[:])
	}

	val := dec.readU8()
	dur := dec.readU64()
	n := dec.readU32()
	if dec.err != nil {
		return xerrors.Errorf("signal: could not read capture header: %w", dec.unexpected())
	}
	if val > 0xf {
		return xerrors.Errorf("signal: invalid last value 0x%x", val)
	}
	if n > maxData {
		return xerrors.Errorf("signal: invalid records size %d (max=%d)", n, maxData)
	}

	data := make([]byte, n)
	dec.read(data)
	if dec.err != nil {
		return xerrors.Errorf("signal: could not read %d bytes of records: %w", n, dec.unexpected())
	}

	crc := dec.crc.Sum16()
	got := dec.readU16()
	if dec.err != nil {
		return xerrors.Errorf("signal: could not read capture checksum: %w", dec.unexpected())
	}
	if got != crc {
		return xerrors.Errorf("signal: inconsistent CRC: recv=0x%04x, comp=0x%04x", got, crc)
	}

	err := validate(data)
	if err != nil {
		return err
	}

	c.Data = data
	c.Value = val
	c.Elapsed = dur
	return nil
}

func (dec *Decoder) unexpected() error {
	if xerrors.Is(dec.err, io.EOF) {
		dec.err = io.ErrUnexpectedEOF
	}
	return dec.err
}

func (dec *Decoder) read(p []byte) {
	if dec.err != nil {
		return
	}
	_, dec.err = io.ReadFull(dec.r, p)
	if dec.err == nil {
		_, _ = dec.crc.Write(p) // can not fail.
	}
}

func (dec *Decoder) readU8() uint8 {
	dec.read(dec.buf[:1])
	return dec.buf[0]
}

func (dec *Decoder) readU16() uint16 {
	dec.read(dec.buf[:2])
	return binary.BigEndian.Uint16(dec.buf[:2])
}

func (dec *Decoder) readU32() uint32 {
	dec.read(dec.buf[:4])
	return binary.BigEndian.Uint32(dec.buf[:4])
}

func (dec *Decoder) readU64() uint64 {
	dec.read(dec.buf[:8])
	return binary.BigEndian.Uint64(dec.buf[:8])
}

// validate checks data is a sequence of complete records.
func validate(data []byte) error {
	for off := 0; off < len(data); {
		_, n := binary.Uvarint(data[off:])
		if n <= 0 {
			return xerrors.Errorf("signal: invalid record at byte %d: %w", off, ErrCorrupt)
		}
		off += n
	}
	return nil
}

var (
	_ Source = (*Capture)(nil)
	_ Source = Capture{}
)
