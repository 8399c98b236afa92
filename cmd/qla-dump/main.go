// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// qla-dump decodes and displays capture files.
//
// Usage: qla-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]
//
// Example:
//
//	$> qla-dump ./testdata/run.qla
//	=== capture #0 ===
//	records:        12 bytes
//	duration:      768 samples (1.536ms)
//	events:          4
//	  [0, 16) 0b0000
//	  [16, 32) 0b0010
//	[...]
//	channel A: pulses=0 mean=0us stddev=0us duty=0.000
//	[...]
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/go-lpc/qla/capture"
	"github.com/go-lpc/qla/internal/timing"
	qsig "github.com/go-lpc/qla/signal"
	"go-hep.org/x/hep/hbook"
)

func main() {
	log.SetPrefix("qla-dump: ")
	log.SetFlags(0)

	var (
		hist = flag.String("hist", "", "path to YODA file where to store pulse width histograms")
		max  = flag.Int("n", -1, "maximum number of events to display per capture (-1: all)")
	)

	flag.Usage = func() {
		fmt.Printf(`qla-dump decodes and displays capture files.

Usage: qla-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]

Example:

 $> qla-dump ./testdata/run.qla
 $> qla-dump -hist widths.yoda ./testdata/run.qla

Options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		log.Fatalf("missing path to input capture file")
	}

	var hs []*hbook.H1D
	for _, fname := range flag.Args() {
		o, err := process(os.Stdout, fname, *max)
		if err != nil {
			log.Fatalf("could not dump file %q: %+v", fname, err)
		}
		hs = append(hs, o...)
	}

	if *hist != "" {
		err := writeYODA(*hist, hs)
		if err != nil {
			log.Fatalf("could not write histograms: %+v", err)
		}
	}
}

func process(w io.Writer, fname string, max int) ([]*hbook.H1D, error) {
	wbuf := bufio.NewWriter(w)
	defer wbuf.Flush()

	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("could not open %q: %w", fname, err)
	}
	defer f.Close()

	var (
		hs  []*hbook.H1D
		dec = qsig.NewDecoder(bufio.NewReader(f))
	)
loop:
	for i := 0; ; i++ {
		var c qsig.Capture
		err := dec.Decode(&c)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break loop
			}
			return nil, fmt.Errorf("could not decode capture: %w", err)
		}

		s := qsig.NewStream(c)
		fmt.Fprintf(wbuf, "=== capture #%d ===\n", i)
		fmt.Fprintf(wbuf, "records:  % 8d bytes\n", len(c.Data))
		fmt.Fprintf(wbuf, "duration: % 8d samples (%v)\n", s.Duration(), qsig.Time(s.Duration()))
		fmt.Fprintf(wbuf, "events:   % 8d\n", s.Len())

		var evt qsig.Event
		s.Seek(0)
		for j := 0; s.ReadForwards(&evt); j++ {
			if max >= 0 && j >= max {
				fmt.Fprintf(wbuf, "  [...]\n")
				break
			}
			fmt.Fprintf(wbuf, "  %v\n", evt)
		}
		if err := s.Err(); err != nil {
			return nil, fmt.Errorf("could not read events of capture #%d: %w", i, err)
		}

		sum, err := timing.Summarize(s)
		if err != nil {
			return nil, fmt.Errorf("could not summarize capture #%d: %w", i, err)
		}
		for _, v := range sum {
			fmt.Fprintf(wbuf, "channel %c: pulses=%d mean=%gus stddev=%gus duty=%.3f\n",
				'A'+v.Channel, v.Pulses, v.Mean, v.StdDev, v.Duty,
			)
		}

		for ch := 0; ch < capture.NumChannels; ch++ {
			h, err := timing.Widths(s, ch)
			if err != nil {
				return nil, fmt.Errorf("could not histogram capture #%d: %w", i, err)
			}
			h.Annotation()["name"] = fmt.Sprintf("capture-%d-%s", i, h.Name())
			hs = append(hs, h)
		}
	}

	return hs, nil
}

func writeYODA(fname string, hs []*hbook.H1D) error {
	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("could not create YODA file: %w", err)
	}
	defer f.Close()

	for _, h := range hs {
		raw, err := h.MarshalYODA()
		if err != nil {
			return fmt.Errorf("could not marshal histogram %q: %w", h.Name(), err)
		}
		_, err = f.Write(raw)
		if err != nil {
			return fmt.Errorf("could not write histogram %q: %w", h.Name(), err)
		}
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("could not close YODA file: %w", err)
	}
	return nil
}
