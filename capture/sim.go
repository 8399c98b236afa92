// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package capture

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/go-lpc/qla/capture/internal/regs"
	"github.com/go-lpc/qla/internal/mmap"
)

// Simulator models the acquisition MCU peripherals in host memory.
//
// Samples handed to Feed are copied into the ping-pong buffer the way the
// copy-DMA channel does, raising the half and full transfer flags and
// delivering the interrupt to the device while it is enabled.
type Simulator struct {
	mu   sync.Mutex // serializes accesses to the simulated peripherals
	dev  *Device
	wins []Window // unlocked views

	tim  *mmap.Handle
	dma  *mmap.Handle
	gpio *mmap.Handle
	fsmc *mmap.Handle
	nvic *mmap.Handle
	sram *mmap.Handle

	pos  int // next ping-pong word written by the copy-DMA channel
	xbuf [4]byte
}

// NewSimulator creates a simulated capture device.
func NewSimulator(opts ...Option) (*Simulator, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var (
		sim     = &Simulator{}
		err     error
		closers []io.Closer
	)
	defer func() {
		if err != nil {
			for _, c := range closers {
				_ = c.Close()
			}
		}
	}()

	for _, v := range []struct {
		h    **mmap.Handle
		size int
	}{
		{&sim.tim, regs.TIM1_SPAN},
		{&sim.dma, regs.DMA1_SPAN},
		{&sim.gpio, regs.GPIOC_SPAN},
		{&sim.fsmc, regs.FSMC_SPAN},
		{&sim.nvic, regs.NVIC_SPAN},
		{&sim.sram, sramSpan},
	} {
		*v.h, err = mmap.Anon(v.size)
		if err != nil {
			return nil, fmt.Errorf("capture: could not allocate simulated peripheral: %w", err)
		}
		closers = append(closers, *v.h)
	}

	sim.wins = []Window{
		{Base: regs.TIM1_BASE, Size: regs.TIM1_SPAN, Mem: sim.tim},
		{Base: regs.DMA1_BASE, Size: regs.DMA1_SPAN, Mem: &dmaMem{sim: sim}},
		{Base: regs.GPIOC_BASE, Size: regs.GPIOC_SPAN, Mem: sim.gpio},
		{Base: regs.FSMC_BASE, Size: regs.FSMC_SPAN, Mem: sim.fsmc},
		{Base: regs.NVIC_BASE, Size: regs.NVIC_SPAN, Mem: &nvicMem{mem: sim.nvic}},
		{Base: cfg.fifo, Size: sramSpan, Mem: sim.sram},
	}

	wins := make([]Window, len(sim.wins))
	for i, win := range sim.wins {
		wins[i] = win
		wins[i].Mem = &lockedMem{mu: &sim.mu, mem: win.Mem}
	}

	sim.dev, err = newDevice(cfg, wins)
	if err != nil {
		return nil, err
	}
	sim.dev.closers = closers

	return sim, nil
}

// Device returns the simulated device.
func (sim *Simulator) Device() *Device { return sim.dev }

// Close closes the simulated device and releases the simulated peripherals.
func (sim *Simulator) Close() error {
	return sim.dev.Close()
}

// Feed hands samples to the copy-DMA channel.
//
// Feed returns the number of samples transferred. Transfers stop when the
// sampling timer or the copy-DMA channel is disabled. The error of the
// interrupt handler, if any, is returned.
func (sim *Simulator) Feed(samples []uint32) (int, error) {
	n := 0
	for n < len(samples) {
		sim.mu.Lock()
		if !sim.sampling() {
			sim.mu.Unlock()
			return n, nil
		}

		end := HalfSize
		if sim.pos >= HalfSize {
			end = fifoSize
		}
		m := end - sim.pos
		if rem := len(samples) - n; rem < m {
			m = rem
		}
		for _, v := range samples[n : n+m] {
			binary.LittleEndian.PutUint32(sim.xbuf[:], v)
			_, _ = sim.sram.WriteAt(sim.xbuf[:], int64(4*sim.pos))
			sim.pos++
		}
		n += m

		irq := false
		if sim.pos == end {
			flag := uint32(regs.DMA_ISR_HTIF4)
			if end == fifoSize {
				flag = regs.DMA_ISR_TCIF4
				sim.pos = 0
			}
			sim.setISR(flag | regs.DMA_ISR_GIF4)
			irq = sim.enabled()
		}
		sim.mu.Unlock()

		if irq {
			err := sim.dev.Interrupt()
			if err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// Pend sets DMA status flags without delivering the interrupt.
func (sim *Simulator) Pend(flags uint32) {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	sim.setISR(flags)
}

// Raise delivers the copy-DMA interrupt, if it is enabled.
func (sim *Simulator) Raise() error {
	sim.mu.Lock()
	irq := sim.enabled()
	sim.mu.Unlock()

	if !irq {
		return nil
	}
	return sim.dev.Interrupt()
}

// Reg returns the value of the simulated register at addr.
func (sim *Simulator) Reg(addr uint32) (uint32, error) {
	sim.mu.Lock()
	defer sim.mu.Unlock()

	for _, win := range sim.wins {
		if !win.contains(addr, 4) {
			continue
		}
		_, err := win.Mem.ReadAt(sim.xbuf[:], int64(addr-win.Base))
		if err != nil {
			return 0, fmt.Errorf("capture: could not read register 0x%08x: %w", addr, err)
		}
		return binary.LittleEndian.Uint32(sim.xbuf[:]), nil
	}
	return 0, fmt.Errorf("capture: no simulated register at 0x%08x: %w", addr, ErrBus)
}

func (sim *Simulator) u32(h *mmap.Handle, off int64) uint32 {
	var buf [4]byte
	_, _ = h.ReadAt(buf[:], off)
	return binary.LittleEndian.Uint32(buf[:])
}

func (sim *Simulator) putU32(h *mmap.Handle, off int64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, _ = h.WriteAt(buf[:], off)
}

func (sim *Simulator) setISR(flags uint32) {
	sim.putU32(sim.dma, regs.DMA_ISR, sim.u32(sim.dma, regs.DMA_ISR)|flags)
}

func (sim *Simulator) sampling() bool {
	return sim.u32(sim.tim, regs.TIM_CR1)&regs.TIM_CR1_CEN != 0 &&
		sim.u32(sim.dma, regs.DMA_CCR(4))&regs.DMA_CCR_EN != 0
}

func (sim *Simulator) enabled() bool {
	off, bit := regs.NVIC_IRQ(regs.DMA1_CH4_IRQ)
	return sim.u32(sim.nvic, regs.NVIC_ISER+off)&bit != 0
}

// lockedMem serializes device accesses with the simulator.
type lockedMem struct {
	mu  *sync.Mutex
	mem Memory
}

func (m *lockedMem) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mem.ReadAt(p, off)
}

func (m *lockedMem) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mem.WriteAt(p, off)
}

// dmaMem models the DMA controller: IFCR clears ISR flags, and reloading
// the copy channel counter rewinds it to the start of the ping-pong buffer.
type dmaMem struct {
	sim *Simulator
}

func (m *dmaMem) ReadAt(p []byte, off int64) (int, error) {
	if off == regs.DMA_IFCR {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	return m.sim.dma.ReadAt(p, off)
}

func (m *dmaMem) WriteAt(p []byte, off int64) (int, error) {
	switch {
	case off == regs.DMA_ISR:
		// read-only.
		return len(p), nil
	case off == regs.DMA_IFCR && len(p) == 4:
		v := binary.LittleEndian.Uint32(p)
		isr := m.sim.u32(m.sim.dma, regs.DMA_ISR)
		m.sim.putU32(m.sim.dma, regs.DMA_ISR, isr&^v)
		return len(p), nil
	case off == regs.DMA_CNDTR(4):
		m.sim.pos = 0
	}
	return m.sim.dma.WriteAt(p, off)
}

// nvicMem models the write-1-to-set and write-1-to-clear enable banks.
type nvicMem struct {
	mem *mmap.Handle
}

func (m *nvicMem) bank(off int64) (int64, int) {
	switch {
	case off >= regs.NVIC_ISER && off < regs.NVIC_ICER:
		return off, +1
	case off >= regs.NVIC_ICER && off < regs.NVIC_ICER+0x80:
		return off - regs.NVIC_ICER, -1
	default:
		return off, 0
	}
}

func (m *nvicMem) ReadAt(p []byte, off int64) (int, error) {
	off, _ = m.bank(off)
	return m.mem.ReadAt(p, off)
}

func (m *nvicMem) WriteAt(p []byte, off int64) (int, error) {
	pos, op := m.bank(off)
	if op == 0 || len(p) != 4 {
		return m.mem.WriteAt(p, off)
	}

	var buf [4]byte
	_, err := m.mem.ReadAt(buf[:], pos)
	if err != nil {
		return 0, err
	}
	var (
		cur = binary.LittleEndian.Uint32(buf[:])
		v   = binary.LittleEndian.Uint32(p)
	)
	switch op {
	case +1:
		cur |= v
	case -1:
		cur &^= v
	}
	binary.LittleEndian.PutUint32(buf[:], cur)
	return m.mem.WriteAt(buf[:], pos)
}

var (
	_ Memory = (*lockedMem)(nil)
	_ Memory = (*dmaMem)(nil)
	_ Memory = (*nvicMem)(nil)
)
