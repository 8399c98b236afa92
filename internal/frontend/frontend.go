// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package frontend programs the analog front-end of the logic analyzer.
//
// Channels A and B go through comparators whose thresholds are set by a
// dual 8-bit DAC sitting on the SMBus.
package frontend // import "github.com/go-lpc/qla/internal/frontend"

import (
	"fmt"
	"log"
	"os"

	"github.com/go-daq/smbus"
)

const (
	regThrA = 0x00 // DAC register for channel A
	regThrB = 0x01 // DAC register for channel B
)

// Thresholds holds the comparator thresholds, in DAC counts.
type Thresholds struct {
	A uint8 `mapstructure:"a"`
	B uint8 `mapstructure:"b"`
}

type conn interface {
	ReadReg(addr, reg uint8) (uint8, error)
	WriteReg(addr, reg, v uint8) error
	Close() error
}

// Frontend is a handle to the threshold DAC.
type Frontend struct {
	msg  *log.Logger
	addr uint8
	bus  conn
}

// Open opens the threshold DAC at address addr on the provided SMBus.
func Open(bus int, addr uint8) (*Frontend, error) {
	c, err := smbus.Open(bus, addr)
	if err != nil {
		return nil, fmt.Errorf("frontend: could not open SMBus %d (addr=0x%x): %w", bus, addr, err)
	}
	return newFrontend(c, addr), nil
}

func newFrontend(c conn, addr uint8) *Frontend {
	return &Frontend{
		msg:  log.New(os.Stdout, "frontend: ", 0),
		addr: addr,
		bus:  c,
	}
}

// Close releases the underlying SMBus connection.
func (fe *Frontend) Close() error {
	err := fe.bus.Close()
	if err != nil {
		return fmt.Errorf("frontend: could not close SMBus: %w", err)
	}
	return nil
}

// SetThresholds programs both comparator thresholds and verifies them.
func (fe *Frontend) SetThresholds(thr Thresholds) error {
	for _, v := range []struct {
		ch  byte
		reg uint8
		val uint8
	}{
		{'A', regThrA, thr.A},
		{'B', regThrB, thr.B},
	} {
		err := fe.bus.WriteReg(fe.addr, v.reg, v.val)
		if err != nil {
			return fmt.Errorf("frontend: could not write threshold of channel %c: %w", v.ch, err)
		}
		got, err := fe.bus.ReadReg(fe.addr, v.reg)
		if err != nil {
			return fmt.Errorf("frontend: could not read back threshold of channel %c: %w", v.ch, err)
		}
		if got != v.val {
			return fmt.Errorf(
				"frontend: threshold mismatch for channel %c: got=%d, want=%d",
				v.ch, got, v.val,
			)
		}
	}
	fe.msg.Printf("thresholds: A=%d, B=%d", thr.A, thr.B)
	return nil
}

// Thresholds reads back the current comparator thresholds.
func (fe *Frontend) Thresholds() (Thresholds, error) {
	var (
		thr Thresholds
		err error
	)
	thr.A, err = fe.bus.ReadReg(fe.addr, regThrA)
	if err != nil {
		return thr, fmt.Errorf("frontend: could not read threshold of channel A: %w", err)
	}
	thr.B, err = fe.bus.ReadReg(fe.addr, regThrB)
	if err != nil {
		return thr, fmt.Errorf("frontend: could not read threshold of channel B: %w", err)
	}
	return thr, nil
}
