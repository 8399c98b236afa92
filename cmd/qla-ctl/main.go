// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command qla-ctl is an interactive shell to navigate capture files.
//
// Usage: qla-ctl FILE
//
// Example:
//
//	$> qla-ctl ./run.qla
//	qla> status
//	capture #0/1: 4 events, 64 samples (128µs)
//	qla> next 2
//	[0, 16) 0b0000
//	[16, 32) 0b0010
//	qla> seek 100us
//	qla> prev
//	[32, 48) 0b0000
package main // import "github.com/go-lpc/qla/cmd/qla-ctl"

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-lpc/qla/internal/timing"
	"github.com/go-lpc/qla/internal/vcd"
	qsig "github.com/go-lpc/qla/signal"
	"github.com/peterh/liner"
)

func main() {
	log.SetPrefix("qla-ctl: ")
	log.SetFlags(0)

	flag.Parse()

	if flag.NArg() != 1 {
		log.Fatalf("missing path to input capture file")
	}

	sh, err := newShell(flag.Arg(0))
	if err != nil {
		log.Fatalf("could not open capture file: %+v", err)
	}

	err = run(sh)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(sh *shell) error {
	term := liner.NewLiner()
	defer term.Close()

	term.SetCtrlCAborts(true)
	term.SetCompleter(func(line string) []string {
		var out []string
		for _, cmd := range sh.cmds {
			if strings.HasPrefix(cmd.name, strings.ToLower(line)) {
				out = append(out, cmd.name)
			}
		}
		return out
	})

	for {
		line, err := term.Prompt("qla> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				fmt.Println()
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		err = sh.exec(os.Stdout, line)
		switch {
		case errors.Is(err, errQuit):
			return nil
		case err != nil:
			fmt.Printf("error: %v\n", err)
		}
	}
}

var errQuit = errors.New("quit")

type command struct {
	name string
	help string
	fct  func(w io.Writer, args []string) error
}

type shell struct {
	fname string
	caps  []qsig.Capture
	cur   int
	s     *qsig.Stream

	cmds []command
}

func newShell(fname string) (*shell, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("could not open %q: %w", fname, err)
	}
	defer f.Close()

	sh := &shell{fname: fname}
	dec := qsig.NewDecoder(f)
	for {
		var c qsig.Capture
		err := dec.Decode(&c)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("could not decode capture #%d: %w", len(sh.caps), err)
		}
		sh.caps = append(sh.caps, c)
	}
	if len(sh.caps) == 0 {
		return nil, fmt.Errorf("no capture in %q", fname)
	}
	sh.s = qsig.NewStream(sh.caps[0])

	sh.cmds = []command{
		{"capture", "capture N: select capture N", sh.cmdCapture},
		{"help", "help: display this help", sh.cmdHelp},
		{"next", "next [N]: display the N next events", sh.cmdNext},
		{"prev", "prev [N]: display the N previous events", sh.cmdPrev},
		{"quit", "quit: leave the shell", sh.cmdQuit},
		{"seek", "seek T: move the cursor to time T (samples, or duration like 1.5ms)", sh.cmdSeek},
		{"status", "status: display the current capture and cursor", sh.cmdStatus},
		{"summary", "summary: display pulse statistics of all channels", sh.cmdSummary},
		{"vcd", "vcd FILE: export the current capture to a VCD file", sh.cmdVCD},
	}
	return sh, nil
}

func (sh *shell) exec(w io.Writer, line string) error {
	toks := strings.Fields(line)
	if len(toks) == 0 {
		return nil
	}
	name := strings.ToLower(toks[0])
	if name == "exit" {
		name = "quit"
	}
	for _, cmd := range sh.cmds {
		if cmd.name == name {
			return cmd.fct(w, toks[1:])
		}
	}
	return fmt.Errorf("unknown command %q (try \"help\")", toks[0])
}

func (sh *shell) cmdCapture(w io.Writer, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("capture: missing capture number")
	}
	i, err := strconv.Atoi(args[0])
	if err != nil || i < 0 || i >= len(sh.caps) {
		return fmt.Errorf("capture: invalid capture number %q (%d captures)", args[0], len(sh.caps))
	}
	sh.cur = i
	sh.s = qsig.NewStream(sh.caps[i])
	return sh.cmdStatus(w, nil)
}

func (sh *shell) cmdHelp(w io.Writer, args []string) error {
	for _, cmd := range sh.cmds {
		fmt.Fprintf(w, "  %s\n", cmd.help)
	}
	return nil
}

func count(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid number of events %q", args[0])
	}
	return n, nil
}

func (sh *shell) cmdNext(w io.Writer, args []string) error {
	n, err := count(args)
	if err != nil {
		return err
	}
	var evt qsig.Event
	for i := 0; i < n && sh.s.ReadForwards(&evt); i++ {
		fmt.Fprintf(w, "%v\n", evt)
	}
	return sh.s.Err()
}

func (sh *shell) cmdPrev(w io.Writer, args []string) error {
	n, err := count(args)
	if err != nil {
		return err
	}
	var evt qsig.Event
	for i := 0; i < n && sh.s.ReadBackwards(&evt); i++ {
		fmt.Fprintf(w, "%v\n", evt)
	}
	return sh.s.Err()
}

func (sh *shell) cmdQuit(w io.Writer, args []string) error {
	return errQuit
}

// parseTime parses a time given in samples or as a duration.
func parseTime(s string) (uint64, error) {
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return v, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return uint64(d / qsig.Time(1)), nil
}

func (sh *shell) cmdSeek(w io.Writer, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("seek: missing time")
	}
	t, err := parseTime(args[0])
	if err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	sh.s.Seek(t)
	return nil
}

func (sh *shell) cmdStatus(w io.Writer, args []string) error {
	var (
		n   = sh.s.Len()
		dur = sh.s.Duration()
	)
	fmt.Fprintf(w, "capture #%d/%d: %d events, %d samples (%v)\n",
		sh.cur, len(sh.caps), n, dur, qsig.Time(dur),
	)
	return nil
}

func (sh *shell) cmdSummary(w io.Writer, args []string) error {
	sum, err := timing.Summarize(qsig.NewStream(sh.caps[sh.cur]))
	if err != nil {
		return err
	}
	for _, v := range sum {
		fmt.Fprintf(w, "channel %c: pulses=%d mean=%gus stddev=%gus duty=%.3f\n",
			'A'+v.Channel, v.Pulses, v.Mean, v.StdDev, v.Duty,
		)
	}
	return nil
}

func (sh *shell) cmdVCD(w io.Writer, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("vcd: missing output file name")
	}
	f, err := os.Create(args[0])
	if err != nil {
		return fmt.Errorf("vcd: could not create output file: %w", err)
	}
	defer f.Close()

	err = vcd.Write(f, qsig.NewStream(sh.caps[sh.cur]))
	if err != nil {
		return err
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("vcd: could not close output file: %w", err)
	}
	fmt.Fprintf(w, "wrote %q\n", args[0])
	return nil
}
