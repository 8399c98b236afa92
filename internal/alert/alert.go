// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package alert holds reporters notified when a capture device halts.
package alert // import "github.com/go-lpc/qla/internal/alert"

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/go-lpc/qla/capture"
)

// Text formats the diagnostic message of a fatal error.
func Text(f *capture.Fatal) string {
	o := new(strings.Builder)
	fmt.Fprintf(o, "fatal error: %s\n", f.Msg)
	fmt.Fprintf(o, "cause: %v\n", f.Err)
	fmt.Fprintf(o, "func:  %s\n", f.Func())
	fmt.Fprintf(o, "pc:    0x%08x\n", f.PC)
	return o.String()
}

type logger struct {
	msg *log.Logger
}

// Log returns a reporter printing fatal errors to msg.
func Log(msg *log.Logger) capture.Reporter {
	return logger{msg}
}

func (r logger) Report(f *capture.Fatal) {
	r.msg.Printf("device halted in %s (pc=0x%x): %s: %v", f.Func(), f.PC, f.Msg, f.Err)
}

// Console writes fatal errors to a debug console.
type Console struct {
	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

// NewConsole returns a reporter writing fatal errors to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (con *Console) Report(f *capture.Fatal) {
	con.mu.Lock()
	defer con.mu.Unlock()

	// the console is best effort: there is nobody to report to.
	_, _ = io.WriteString(con.w, strings.ReplaceAll(Text(f), "\n", "\r\n"))
}

// Close closes the underlying device, if any.
func (con *Console) Close() error {
	if con.c == nil {
		return nil
	}
	err := con.c.Close()
	if err != nil {
		return fmt.Errorf("alert: could not close console: %w", err)
	}
	return nil
}

type multi []capture.Reporter

// Multi returns a reporter forwarding fatal errors to all the provided
// reporters, in order.
func Multi(reps ...capture.Reporter) capture.Reporter {
	var o multi
	for _, r := range reps {
		if r == nil {
			continue
		}
		o = append(o, r)
	}
	return o
}

func (rs multi) Report(f *capture.Fatal) {
	for _, r := range rs {
		r.Report(f)
	}
}

var (
	_ capture.Reporter = (*logger)(nil)
	_ capture.Reporter = (*Console)(nil)
	_ capture.Reporter = (*multi)(nil)
)
