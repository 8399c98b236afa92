// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package capture

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Memory is a window of the peripheral bus.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Window maps Size bytes of the peripheral bus, starting at address Base,
// onto Mem.
type Window struct {
	Base uint32
	Size uint32
	Mem  Memory
}

func (win Window) contains(addr, size uint32) bool {
	return win.Base <= addr && uint64(addr)+uint64(size) <= uint64(win.Base)+uint64(win.Size)
}

type reg32 struct {
	r func() uint32
	w func(v uint32)
}

// bus performs 32-bit register accesses over a set of windows.
// The first failing access is kept in err and turns later accesses into no-ops.
type bus struct {
	wins []Window

	err  error
	xbuf [4]byte
}

func (bus *bus) window(addr, size uint32) (Window, error) {
	for _, win := range bus.wins {
		if win.contains(addr, size) {
			return win, nil
		}
	}
	return Window{}, fmt.Errorf("capture: no bus window for 0x%08x (%d bytes): %w", addr, size, ErrBus)
}

func (bus *bus) readU32(r io.ReaderAt, off int64) uint32 {
	if bus.err != nil {
		return 0
	}
	_, bus.err = r.ReadAt(bus.xbuf[:4], off)
	if bus.err != nil {
		bus.err = fmt.Errorf("capture: could not read register 0x%x: %w", off, bus.err)
		return 0
	}
	return binary.LittleEndian.Uint32(bus.xbuf[:4])
}

func (bus *bus) writeU32(w io.WriterAt, off int64, v uint32) {
	if bus.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(bus.xbuf[:4], v)
	_, bus.err = w.WriteAt(bus.xbuf[:4], off)
	if bus.err != nil {
		bus.err = fmt.Errorf("capture: could not write register 0x%x: %w", off, bus.err)
		return
	}
}

// reg binds the register at base+off.
func (bus *bus) reg(base uint32, off int64) (reg32, error) {
	addr := base + uint32(off)
	win, err := bus.window(addr, 4)
	if err != nil {
		return reg32{}, err
	}
	off = int64(addr - win.Base)
	return reg32{
		r: func() uint32 {
			return bus.readU32(win.Mem, off)
		},
		w: func(v uint32) {
			bus.writeU32(win.Mem, off, v)
		},
	}, nil
}
