// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package signal

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
)

func TestCodec(t *testing.T) {
	caps := []Capture{
		newCapture([][2]uint64{{0, 0}, {10, 1}, {5, 3}}, 2, 7),
		newCapture(nil, 0, 0),
		newCapture([][2]uint64{{1 << 59, 0xf}}, 0xa, 1<<40),
	}

	buf := new(bytes.Buffer)
	enc := NewEncoder(buf)
	for i, c := range caps {
		err := enc.Encode(c)
		if err != nil {
			t.Fatalf("could not encode capture #%d: %+v", i, err)
		}
	}

	dec := NewDecoder(bytes.NewReader(buf.Bytes()))
	for i, want := range caps {
		var got Capture
		err := dec.Decode(&got)
		if err != nil {
			t.Fatalf("could not decode capture #%d: %+v", i, err)
		}
		if len(want.Data) == 0 {
			want.Data = []byte{}
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid capture #%d:\ngot= %#v\nwant=%#v", i, got, want)
		}
	}

	var c Capture
	err := dec.Decode(&c)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, io.EOF)
	}
}

func TestDecoderErrors(t *testing.T) {
	encode := func(c Capture) []byte {
		buf := new(bytes.Buffer)
		err := NewEncoder(buf).Encode(c)
		if err != nil {
			t.Fatalf("could not encode capture: %+v", err)
		}
		return buf.Bytes()
	}

	valid := encode(newCapture([][2]uint64{{10, 1}, {5, 3}}, 2, 7))

	for _, tc := range []struct {
		name string
		raw  []byte
		want string
		err  error
	}{
		{
			name: "bad-magic",
			raw:  append([]byte("QLB\x01"), valid[4:]...),
			want: "invalid capture header",
		},
		{
			name: "short-header",
			raw:  valid[:8],
			want: "could not read capture header",
			err:  io.ErrUnexpectedEOF,
		},
		{
			name: "short-data",
			raw:  valid[:len(valid)-3],
			want: "could not read 3 bytes of records",
			err:  io.ErrUnexpectedEOF,
		},
		{
			name: "short-crc",
			raw:  valid[:len(valid)-1],
			want: "could not read capture checksum",
			err:  io.ErrUnexpectedEOF,
		},
		{
			name: "bad-crc",
			raw: func() []byte {
				raw := append([]byte(nil), valid...)
				raw[len(raw)-1] ^= 0xff
				return raw
			}(),
			want: "inconsistent CRC",
		},
		{
			name: "bad-value",
			raw:  encode(Capture{Value: 0x10}),
			want: "invalid last value 0x10",
		},
		{
			name: "bad-records",
			raw:  encode(Capture{Data: []byte{0x10, 0x80}}),
			want: "invalid record at byte 1",
			err:  ErrCorrupt,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var c Capture
			err := NewDecoder(bytes.NewReader(tc.raw)).Decode(&c)
			if err == nil {
				t.Fatalf("expected an error")
			}
			if got := err.Error(); !strings.Contains(got, tc.want) {
				t.Fatalf("invalid error: got=%q, want=%q", got, tc.want)
			}
			if tc.err != nil && !errors.Is(err, tc.err) {
				t.Fatalf("invalid error: got=%+v, want=%+v", err, tc.err)
			}
		})
	}
}

type failingWriter struct{ n int }

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.n <= 0 {
		return 0, io.ErrShortWrite
	}
	w.n--
	return len(p), nil
}

func TestEncoderError(t *testing.T) {
	enc := NewEncoder(&failingWriter{n: 2})
	err := enc.Encode(newCapture([][2]uint64{{10, 1}}, 0, 0))
	if !errors.Is(err, io.ErrShortWrite) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, io.ErrShortWrite)
	}
}

func TestSnapshot(t *testing.T) {
	src := &growing{}
	src.add(10, 1)
	src.add(3, 2)
	src.mu.Lock()
	src.dur = 42
	src.mu.Unlock()

	snap := Snapshot(src)
	src.add(7, 4)

	want := newCapture([][2]uint64{{10, 0}, {3, 1}}, 2, 42)
	if !reflect.DeepEqual(snap, want) {
		t.Fatalf("invalid snapshot:\ngot= %#v\nwant=%#v", snap, want)
	}
}
