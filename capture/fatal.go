// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package capture

import (
	"errors"
	"fmt"
	"log"
	"runtime"
)

var (
	ErrSyncLost = errors.New("capture: lost the H_L sync")
	ErrTransfer = errors.New("capture: DMA transfer error")
	ErrOverrun  = errors.New("capture: ping-pong buffer overrun")
	ErrBus      = errors.New("capture: peripheral bus error")

	ErrHalted = errors.New("capture: device halted")
)

// Fatal describes an unrecoverable acquisition failure.
// A Device reporting a Fatal is halted for good.
type Fatal struct {
	Err error   // one of ErrSyncLost, ErrTransfer, ErrOverrun or ErrBus
	Msg string  // diagnostic message
	PC  uintptr // program counter of the detection site
}

func newFatal(err error, format string, args ...interface{}) *Fatal {
	pc, _, _, _ := runtime.Caller(1)
	return &Fatal{
		Err: err,
		Msg: fmt.Sprintf(format, args...),
		PC:  pc,
	}
}

func (f *Fatal) Error() string {
	return fmt.Sprintf("%s (pc=0x%x): %v", f.Msg, f.PC, f.Err)
}

func (f *Fatal) Unwrap() error { return f.Err }

// Func returns the name of the function where the failure was detected.
func (f *Fatal) Func() string {
	fct := runtime.FuncForPC(f.PC)
	if fct == nil {
		return "???"
	}
	return fct.Name()
}

// Reporter is notified once when a Device halts.
//
// Report is called with the device's dispatch lock held and must not call
// back into the device.
type Reporter interface {
	Report(f *Fatal)
}

type logReporter struct {
	msg *log.Logger
}

func (r logReporter) Report(f *Fatal) {
	r.msg.Printf("fatal error in %s: %v", f.Func(), f)
}

var (
	_ error    = (*Fatal)(nil)
	_ Reporter = (*logReporter)(nil)
)
