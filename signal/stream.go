// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package signal decodes captured transitions into timed events.
package signal // import "github.com/go-lpc/qla/signal"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-lpc/qla/capture"
)

// Frequency is the sampling frequency of event times, in Hz.
const Frequency = capture.SampleRate

// ErrCorrupt is returned when the encoded records can not be decoded.
var ErrCorrupt = errors.New("signal: corrupt record")

// Time converts a number of samples into a duration.
func Time(samples uint64) time.Duration {
	return time.Duration(samples) * (time.Second / Frequency)
}

// Source is a growing sequence of encoded records.
//
// Bytes must only grow, and always end on a record boundary.
// LastValue and LastDuration describe the interval still open after the
// last record.
type Source interface {
	Bytes() []byte
	LastValue() uint8
	LastDuration() uint64
}

// Event is a time interval during which the levels of all channels are
// constant. Times are in samples since the start of the capture.
type Event struct {
	Start  uint64
	End    uint64
	Levels uint8 // bit i is the level of channel i
}

// Duration returns the duration of the event, in samples.
func (evt Event) Duration() uint64 { return evt.End - evt.Start }

// Level returns the level of channel ch.
func (evt Event) Level(ch int) bool { return evt.Levels&(1<<ch) != 0 }

func (evt Event) String() string {
	return fmt.Sprintf("[%d, %d) 0b%04b", evt.Start, evt.End, evt.Levels)
}

type span struct {
	beg uint64
	dur uint64
	lvl uint8
}

// Stream decodes the events of a Source.
//
// A Stream has a cursor placed before or on an event. Reads move the cursor
// and pick up the records appended to the source in the meantime.
type Stream struct {
	src Source

	spans []span
	off   int    // number of decoded bytes
	end   uint64 // end of the last decoded record
	cur   int    // index of the event under the cursor
	err   error
}

// NewStream returns a stream decoding src, with the cursor on the first event.
func NewStream(src Source) *Stream {
	return &Stream{src: src}
}

// Err returns the first decoding error.
func (s *Stream) Err() error { return s.err }

func (s *Stream) sync() {
	if s.err != nil {
		return
	}
	raw := s.src.Bytes()
	for s.off < len(raw) {
		v, n := binary.Uvarint(raw[s.off:])
		switch {
		case n == 0:
			// incomplete record. wait for more data.
			return
		case n < 0:
			s.err = fmt.Errorf("signal: could not decode record at byte %d: %w", s.off, ErrCorrupt)
			return
		}
		s.off += n
		dur := v >> 4
		if dur == 0 {
			continue
		}
		s.spans = append(s.spans, span{beg: s.end, dur: dur, lvl: uint8(v & 0xf)})
		s.end += dur
	}
}

// tail returns the open interval after the last record.
func (s *Stream) tail() (Event, bool) {
	dur := s.src.LastDuration()
	if dur == 0 {
		return Event{}, false
	}
	return Event{Start: s.end, End: s.end + dur, Levels: s.src.LastValue()}, true
}

func (s *Stream) len() int {
	n := len(s.spans)
	if _, ok := s.tail(); ok {
		n++
	}
	return n
}

func (s *Stream) event(i int) Event {
	if i < len(s.spans) {
		sp := s.spans[i]
		return Event{Start: sp.beg, End: sp.beg + sp.dur, Levels: sp.lvl}
	}
	evt, _ := s.tail()
	return evt
}

// Len returns the number of events decoded so far.
func (s *Stream) Len() int {
	s.sync()
	return s.len()
}

// Duration returns the number of samples covered by the stream.
func (s *Stream) Duration() uint64 {
	s.sync()
	return s.end + s.src.LastDuration()
}

// Seek places the cursor on the event containing time t, or after the
// last event when t is past the end of the stream.
func (s *Stream) Seek(t uint64) {
	s.sync()
	i := sort.Search(len(s.spans), func(i int) bool {
		sp := s.spans[i]
		return t < sp.beg+sp.dur
	})
	if i == len(s.spans) {
		if evt, ok := s.tail(); ok && t < evt.End {
			s.cur = i
			return
		}
		s.cur = s.len()
		return
	}
	s.cur = i
}

// ReadForwards returns the event under the cursor and moves the cursor to
// the next event. ReadForwards returns false at the end of the stream.
func (s *Stream) ReadForwards(evt *Event) bool {
	s.sync()
	if s.cur >= s.len() {
		return false
	}
	*evt = s.event(s.cur)
	s.cur++
	return true
}

// ReadBackwards moves the cursor to the previous event and returns it.
// ReadBackwards returns false at the start of the stream.
func (s *Stream) ReadBackwards(evt *Event) bool {
	s.sync()
	if s.cur <= 0 {
		return false
	}
	if n := s.len(); s.cur > n {
		s.cur = n
	}
	s.cur--
	*evt = s.event(s.cur)
	return true
}
