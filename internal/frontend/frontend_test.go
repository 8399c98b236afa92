// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frontend

import (
	"errors"
	"io"
	"log"
	"strings"
	"testing"
)

type fakeBus struct {
	addr   uint8
	regs   map[uint8]uint8
	stuck  map[uint8]uint8 // registers ignoring writes
	fail   error
	closed bool
}

func newFakeBus(addr uint8) *fakeBus {
	return &fakeBus{
		addr:  addr,
		regs:  make(map[uint8]uint8),
		stuck: make(map[uint8]uint8),
	}
}

func (bus *fakeBus) ReadReg(addr, reg uint8) (uint8, error) {
	if addr != bus.addr {
		return 0, errors.New("no such device")
	}
	if v, ok := bus.stuck[reg]; ok {
		return v, nil
	}
	return bus.regs[reg], nil
}

func (bus *fakeBus) WriteReg(addr, reg, v uint8) error {
	if addr != bus.addr {
		return errors.New("no such device")
	}
	if bus.fail != nil {
		return bus.fail
	}
	bus.regs[reg] = v
	return nil
}

func (bus *fakeBus) Close() error {
	bus.closed = true
	return nil
}

func newTestFrontend(bus *fakeBus) *Frontend {
	fe := newFrontend(bus, bus.addr)
	fe.msg = log.New(io.Discard, "", 0)
	return fe
}

func TestSetThresholds(t *testing.T) {
	bus := newFakeBus(0x48)
	fe := newTestFrontend(bus)

	want := Thresholds{A: 0x42, B: 0xc0}
	err := fe.SetThresholds(want)
	if err != nil {
		t.Fatalf("could not set thresholds: %+v", err)
	}

	if got, want := bus.regs[regThrA], uint8(0x42); got != want {
		t.Fatalf("invalid DAC-A: got=0x%x, want=0x%x", got, want)
	}
	if got, want := bus.regs[regThrB], uint8(0xc0); got != want {
		t.Fatalf("invalid DAC-B: got=0x%x, want=0x%x", got, want)
	}

	got, err := fe.Thresholds()
	if err != nil {
		t.Fatalf("could not read thresholds: %+v", err)
	}
	if got != want {
		t.Fatalf("invalid thresholds: got=%+v, want=%+v", got, want)
	}

	err = fe.Close()
	if err != nil {
		t.Fatalf("could not close frontend: %+v", err)
	}
	if !bus.closed {
		t.Fatalf("bus not closed")
	}
}

func TestSetThresholdsErrors(t *testing.T) {
	errBus := errors.New("bus error")
	for _, tc := range []struct {
		name string
		bus  func() *fakeBus
		want string
	}{
		{
			name: "write",
			bus: func() *fakeBus {
				bus := newFakeBus(0x48)
				bus.fail = errBus
				return bus
			},
			want: "could not write threshold of channel A",
		},
		{
			name: "mismatch",
			bus: func() *fakeBus {
				bus := newFakeBus(0x48)
				bus.stuck[regThrB] = 0xff
				return bus
			},
			want: "threshold mismatch for channel B: got=255, want=2",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fe := newTestFrontend(tc.bus())
			err := fe.SetThresholds(Thresholds{A: 1, B: 2})
			if err == nil {
				t.Fatalf("expected an error")
			}
			if got := err.Error(); !strings.Contains(got, tc.want) {
				t.Fatalf("invalid error: got=%q, want=%q", got, tc.want)
			}
		})
	}
}
