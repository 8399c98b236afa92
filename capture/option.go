// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package capture

import (
	"log"
	"os"
)

type config struct {
	lay  Layout
	cap  int    // capacity of the encoded buffer
	fifo uint32 // bus address of the ping-pong buffer

	msg *log.Logger
	rep Reporter
}

func newConfig() config {
	return config{
		lay:  DSOQuad,
		cap:  DefaultCapacity,
		fifo: defFIFO,
		msg:  log.New(os.Stdout, "capture: ", 0),
	}
}

// Option configures a Device.
type Option func(*config)

// WithLayout sets the bit layout of the sample words.
func WithLayout(lay Layout) Option {
	return func(cfg *config) {
		cfg.lay = lay
	}
}

// WithCapacity sets the size, in bytes, of the encoded buffer.
func WithCapacity(n int) Option {
	return func(cfg *config) {
		cfg.cap = n
	}
}

// WithFIFOAddr sets the bus address of the ping-pong buffer the copy-DMA
// channel writes to.
func WithFIFOAddr(addr uint32) Option {
	return func(cfg *config) {
		cfg.fifo = addr
	}
}

// WithLogger sets the logger of the device.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithReporter sets the reporter notified when the device halts.
// By default, fatal errors are logged.
func WithReporter(rep Reporter) Option {
	return func(cfg *config) {
		cfg.rep = rep
	}
}
