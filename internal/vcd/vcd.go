// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vcd writes signal streams in the Value Change Dump format.
package vcd // import "github.com/go-lpc/qla/internal/vcd"

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-lpc/qla/signal"
)

const header = `$version DSO Quad Logic Analyzer $end
$timescale 2us $end
$scope module logic $end
$var wire 1 A ChannelA $end
$var wire 1 B ChannelB $end
$var wire 1 C ChannelC $end
$var wire 1 D ChannelD $end
$upscope $end
$enddefinitions $end
$dumpvars 0A 0B 0C 0D $end
`

// Write writes all the events of s, from the start of the stream, to w.
func Write(w io.Writer, s *signal.Stream) error {
	bw := bufio.NewWriter(w)
	_, err := bw.WriteString(header)
	if err != nil {
		return fmt.Errorf("vcd: could not write header: %w", err)
	}

	var (
		evt signal.Event
		bit = func(ch int) int {
			if evt.Level(ch) {
				return 1
			}
			return 0
		}
	)
	s.Seek(0)
	for s.ReadForwards(&evt) {
		_, err = fmt.Fprintf(bw, "#%d %dA %dB %dC %dD\n",
			evt.Start, bit(0), bit(1), bit(2), bit(3),
		)
		if err != nil {
			return fmt.Errorf("vcd: could not write event: %w", err)
		}
	}
	if err := s.Err(); err != nil {
		return fmt.Errorf("vcd: could not decode stream: %w", err)
	}

	_, err = fmt.Fprintf(bw, "#%d\n", evt.End)
	if err != nil {
		return fmt.Errorf("vcd: could not write trailer: %w", err)
	}

	err = bw.Flush()
	if err != nil {
		return fmt.Errorf("vcd: could not flush: %w", err)
	}
	return nil
}

// NextName returns the first name built from pattern (e.g. "WAVES%03d.VCD")
// that does not exist yet in dir.
func NextName(dir, pattern string) (string, error) {
	for i := 0; i < 1000; i++ {
		name := filepath.Join(dir, fmt.Sprintf(pattern, i))
		_, err := os.Stat(name)
		switch {
		case os.IsNotExist(err):
			return name, nil
		case err != nil:
			return "", fmt.Errorf("vcd: could not stat %q: %w", name, err)
		}
	}
	return "", fmt.Errorf("vcd: no free file name for %q in %q", pattern, dir)
}
