// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package timing measures pulse widths of captured channels.
package timing // import "github.com/go-lpc/qla/internal/timing"

import (
	"fmt"

	"github.com/go-lpc/qla/capture"
	"github.com/go-lpc/qla/signal"
	"go-hep.org/x/hep/hbook"
)

const nbins = 100

// Pulses returns the widths, in samples, of the complete high pulses of
// channel ch. Pulses still open at the start or at the end of the stream
// are ignored.
func Pulses(s *signal.Stream, ch int) ([]uint64, error) {
	if ch < 0 || ch >= capture.NumChannels {
		return nil, fmt.Errorf("timing: invalid channel %d", ch)
	}

	var (
		evt   signal.Event
		out   []uint64
		high  = false
		open  = false // a pulse started after a low level
		start uint64
	)
	s.Seek(0)
	for s.ReadForwards(&evt) {
		lvl := evt.Level(ch)
		switch {
		case lvl && !high:
			start = evt.Start
			open = evt.Start > 0
		case !lvl && high:
			if open {
				out = append(out, evt.Start-start)
			}
			open = false
		}
		high = lvl
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("timing: could not decode stream: %w", err)
	}
	return out, nil
}

// Widths returns the histogram of the widths of the high pulses of channel
// ch, in microseconds.
func Widths(s *signal.Stream, ch int) (*hbook.H1D, error) {
	ws, err := Pulses(s, ch)
	if err != nil {
		return nil, err
	}

	max := 1.0
	for _, w := range ws {
		if v := us(w); v > max {
			max = v
		}
	}

	h := hbook.NewH1D(nbins, 0, 1.01*max)
	h.Annotation()["name"] = fmt.Sprintf("width-%c", 'A'+ch)
	h.Annotation()["title"] = fmt.Sprintf("channel %c high pulse width [us]", 'A'+ch)
	for _, w := range ws {
		h.Fill(us(w), 1)
	}
	return h, nil
}

// Summary describes the activity of one channel.
type Summary struct {
	Channel int
	Pulses  int64   // number of complete high pulses
	Mean    float64 // mean pulse width [us]
	StdDev  float64 // standard deviation of the pulse width [us]
	Duty    float64 // fraction of the stream spent high
}

// Summarize returns the summary of every channel of the stream.
func Summarize(s *signal.Stream) ([]Summary, error) {
	var (
		out  = make([]Summary, capture.NumChannels)
		high [capture.NumChannels]uint64
		evt  signal.Event
	)
	s.Seek(0)
	for s.ReadForwards(&evt) {
		for ch := range high {
			if evt.Level(ch) {
				high[ch] += evt.Duration()
			}
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("timing: could not decode stream: %w", err)
	}

	total := s.Duration()
	for ch := range out {
		h, err := Widths(s, ch)
		if err != nil {
			return nil, err
		}
		out[ch] = Summary{
			Channel: ch,
			Pulses:  h.Entries(),
		}
		if h.Entries() > 0 {
			out[ch].Mean = h.XMean()
		}
		if h.Entries() > 1 {
			out[ch].StdDev = h.XStdDev()
		}
		if total > 0 {
			out[ch].Duty = float64(high[ch]) / float64(total)
		}
	}
	return out, nil
}

func us(samples uint64) float64 {
	return float64(samples) * 1e6 / signal.Frequency
}
