// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package capture

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-lpc/qla/capture/internal/regs"
	"github.com/go-lpc/qla/internal/mmap"
)

// State is the state of a capture session.
type State uint32

const (
	Idle      State = iota // never armed
	Armed                  // being configured
	Running                // sampling
	Suspended              // encoded buffer full, interrupt masked
	Stopped                // stopped by the operator
	Halted                 // fatal error, terminal
)

func (st State) String() string {
	switch st {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Stopped:
		return "stopped"
	case Halted:
		return "halted"
	default:
		return fmt.Sprintf("State(%d)", uint32(st))
	}
}

// Stats holds the timing statistics of the current session.
type Stats struct {
	Halves  uint64        // number of half-buffers processed
	Late    uint64        // number of half-buffers processed over budget
	MaxTime time.Duration // longest processing time of a half-buffer
	Budget  time.Duration // time available to process a half-buffer
}

// Device is a capture device.
//
// Interrupt must be called by the copy-DMA interrupt source. Start, Stop
// and Interrupt exclude each other. Buf, State, Stats and Fatal can be
// used concurrently with all of them.
type Device struct {
	msg *log.Logger
	cfg config

	mu    sync.Mutex // dispatch lock, held by Interrupt, Start and Stop
	state atomic.Uint32
	fatal atomic.Pointer[Fatal]

	bus  bus
	regs pins
	sram Window // ping-pong buffer and H_L toggle table

	buf *Buffer
	enc encoder

	xfifo [HalfSize * 4]byte
	fifo  [HalfSize]uint32

	stats struct {
		halves atomic.Uint64
		late   atomic.Uint64
		max    atomic.Int64
	}

	closers []io.Closer
}

type pins struct {
	tim struct {
		cr1, cr2, cnt, sr  reg32
		psc, arr           reg32
		ccmr1, ccmr2, dier reg32
		ccr1, ccr2, ccr4   reg32
	}
	dma struct {
		isr, ifcr reg32
		ch3       dmaChan // H_L toggle
		ch4       dmaChan // sample copy
	}
	gpio struct {
		bsrr reg32
	}
	fsmc struct {
		bcr1, btr1, btr2 reg32
	}
	nvic struct {
		iser, icer, ipr reg32
	}
	hl [2]reg32
}

type dmaChan struct {
	ccr, cndtr, cpar, cmar reg32
}

// New creates a capture device accessing its peripherals through the
// provided bus windows.
func New(wins []Window, opts ...Option) (*Device, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return newDevice(cfg, wins)
}

// Open creates a capture device accessing its peripherals through the
// physical memory device devmem (usually /dev/mem).
func Open(devmem string, opts ...Option) (*Device, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	f, err := os.OpenFile(devmem, os.O_RDWR|os.O_SYNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("capture: could not open %q: %w", devmem, err)
	}

	var (
		closers = []io.Closer{f}
		wins    []Window
	)
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i].Close()
			}
		}
	}()

	for _, region := range []struct {
		name string
		base uint32
		span uint32
	}{
		{"tim1", regs.TIM1_BASE, regs.TIM1_SPAN},
		{"dma1", regs.DMA1_BASE, regs.DMA1_SPAN},
		{"gpioc", regs.GPIOC_BASE, regs.GPIOC_SPAN},
		{"fsmc", regs.FSMC_BASE, regs.FSMC_SPAN},
		{"nvic", regs.NVIC_BASE, regs.NVIC_SPAN},
		{"sram", cfg.fifo, sramSpan},
	} {
		var h *mmap.Handle
		h, err = mmap.Map(int(f.Fd()), int64(region.base), int(region.span))
		if err != nil {
			return nil, fmt.Errorf("capture: could not map %s: %w", region.name, err)
		}
		closers = append(closers, h)
		wins = append(wins, Window{Base: region.base, Size: region.span, Mem: h})
	}

	dev, err := newDevice(cfg, wins)
	if err != nil {
		return nil, err
	}
	dev.closers = closers
	return dev, nil
}

func newDevice(cfg config, wins []Window) (*Device, error) {
	err := cfg.lay.Validate()
	if err != nil {
		return nil, err
	}
	if cfg.cap < maxRecord {
		return nil, fmt.Errorf("capture: invalid buffer capacity %d (min=%d)", cfg.cap, maxRecord)
	}
	if uint64(cfg.cap) > math.MaxUint32 {
		return nil, fmt.Errorf("capture: invalid buffer capacity %d (max=%d)", cfg.cap, uint64(math.MaxUint32))
	}
	if cfg.rep == nil {
		cfg.rep = logReporter{cfg.msg}
	}

	dev := &Device{
		msg: cfg.msg,
		cfg: cfg,
		buf: NewBuffer(cfg.cap),
	}
	dev.bus.wins = append([]Window(nil), wins...)
	dev.enc = encoder{lay: cfg.lay, buf: dev.buf}

	err = dev.bind()
	if err != nil {
		return nil, fmt.Errorf("capture: could not bind registers: %w", err)
	}

	return dev, nil
}

func (dev *Device) bind() error {
	var err error
	bind := func(base uint32, off int64) reg32 {
		if err != nil {
			return reg32{}
		}
		var reg reg32
		reg, err = dev.bus.reg(base, off)
		return reg
	}
	bindChan := func(ch int) dmaChan {
		return dmaChan{
			ccr:   bind(regs.DMA1_BASE, regs.DMA_CCR(ch)),
			cndtr: bind(regs.DMA1_BASE, regs.DMA_CNDTR(ch)),
			cpar:  bind(regs.DMA1_BASE, regs.DMA_CPAR(ch)),
			cmar:  bind(regs.DMA1_BASE, regs.DMA_CMAR(ch)),
		}
	}

	tim := &dev.regs.tim
	tim.cr1 = bind(regs.TIM1_BASE, regs.TIM_CR1)
	tim.cr2 = bind(regs.TIM1_BASE, regs.TIM_CR2)
	tim.cnt = bind(regs.TIM1_BASE, regs.TIM_CNT)
	tim.sr = bind(regs.TIM1_BASE, regs.TIM_SR)
	tim.psc = bind(regs.TIM1_BASE, regs.TIM_PSC)
	tim.arr = bind(regs.TIM1_BASE, regs.TIM_ARR)
	tim.ccmr1 = bind(regs.TIM1_BASE, regs.TIM_CCMR1)
	tim.ccmr2 = bind(regs.TIM1_BASE, regs.TIM_CCMR2)
	tim.dier = bind(regs.TIM1_BASE, regs.TIM_DIER)
	tim.ccr1 = bind(regs.TIM1_BASE, regs.TIM_CCR1)
	tim.ccr2 = bind(regs.TIM1_BASE, regs.TIM_CCR2)
	tim.ccr4 = bind(regs.TIM1_BASE, regs.TIM_CCR4)

	dma := &dev.regs.dma
	dma.isr = bind(regs.DMA1_BASE, regs.DMA_ISR)
	dma.ifcr = bind(regs.DMA1_BASE, regs.DMA_IFCR)
	dma.ch3 = bindChan(3)
	dma.ch4 = bindChan(4)

	dev.regs.gpio.bsrr = bind(regs.GPIOC_BASE, regs.GPIO_BSRR)

	dev.regs.fsmc.bcr1 = bind(regs.FSMC_BASE, regs.FSMC_BCR1)
	dev.regs.fsmc.btr1 = bind(regs.FSMC_BASE, regs.FSMC_BTR1)
	dev.regs.fsmc.btr2 = bind(regs.FSMC_BASE, regs.FSMC_BTR2)

	iser, _ := regs.NVIC_IRQ(regs.DMA1_CH4_IRQ)
	ipr, _ := regs.NVIC_PRIO(regs.DMA1_CH4_IRQ)
	dev.regs.nvic.iser = bind(regs.NVIC_BASE, regs.NVIC_ISER+iser)
	dev.regs.nvic.icer = bind(regs.NVIC_BASE, regs.NVIC_ICER+iser)
	dev.regs.nvic.ipr = bind(regs.NVIC_BASE, ipr)

	dev.regs.hl[0] = bind(dev.cfg.fifo, hlTable)
	dev.regs.hl[1] = bind(dev.cfg.fifo, hlTable+4)
	if err != nil {
		return err
	}

	dev.sram, err = dev.bus.window(dev.cfg.fifo, sramSpan)
	if err != nil {
		return err
	}
	dev.sram.Mem = &offsetMem{mem: dev.sram.Mem, off: int64(dev.cfg.fifo - dev.sram.Base)}
	return nil
}

// offsetMem shifts accesses to a window by off bytes.
type offsetMem struct {
	mem Memory
	off int64
}

func (m *offsetMem) ReadAt(p []byte, off int64) (int, error)  { return m.mem.ReadAt(p, m.off+off) }
func (m *offsetMem) WriteAt(p []byte, off int64) (int, error) { return m.mem.WriteAt(p, m.off+off) }

// Buf returns the encoded buffer of the device.
func (dev *Device) Buf() *Buffer { return dev.buf }

// Layout returns the sample layout of the device.
func (dev *Device) Layout() Layout { return dev.cfg.lay }

// State returns the state of the capture session.
func (dev *Device) State() State { return State(dev.state.Load()) }

// Fatal returns the error that halted the device, if any.
func (dev *Device) Fatal() *Fatal { return dev.fatal.Load() }

// Stats returns the timing statistics of the current session.
func (dev *Device) Stats() Stats {
	return Stats{
		Halves:  dev.stats.halves.Load(),
		Late:    dev.stats.late.Load(),
		MaxTime: time.Duration(dev.stats.max.Load()),
		Budget:  Budget,
	}
}

// Start arms the capture hardware and starts a new session.
// The content of the encoded buffer is discarded.
func (dev *Device) Start() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.fatal.Load() != nil {
		return fmt.Errorf("capture: could not start: %w", ErrHalted)
	}

	dev.state.Store(uint32(Armed))
	dev.bus.err = nil

	_, irq := regs.NVIC_IRQ(regs.DMA1_CH4_IRQ)
	dev.regs.nvic.icer.w(irq)

	tim := &dev.regs.tim
	tim.cr1.w(0)
	tim.cr2.w(0)
	tim.cnt.w(0)
	tim.sr.w(0)
	tim.psc.w(regs.TIM1_PSC)
	tim.arr.w(regs.TIM1_ARR)
	tim.ccmr1.w(0)
	tim.ccmr2.w(0)
	tim.dier.w(regs.TIM_DIER_CC2DE | regs.TIM_DIER_CC4DE)
	tim.ccr1.w(0)
	tim.ccr2.w(0)
	tim.ccr4.w(regs.TIM1_CCR4)

	dev.buf.reset()
	dev.stats.halves.Store(0)
	dev.stats.late.Store(0)
	dev.stats.max.Store(0)

	dev.regs.hl[0].w(1 << (16 + regs.GPIO_HL_PIN))
	dev.regs.hl[1].w(1 << regs.GPIO_HL_PIN)

	ch3 := &dev.regs.dma.ch3
	ch3.ccr.w(0)
	ch3.cndtr.w(2)
	ch3.cpar.w(regs.GPIOC_BASE + regs.GPIO_BSRR)
	ch3.cmar.w(dev.cfg.fifo + hlTable)
	ch3.ccr.w(regs.DMA_CH3_CCR)
	dev.regs.gpio.bsrr.w(1 << regs.GPIO_HL_PIN)

	ch4 := &dev.regs.dma.ch4
	ch4.ccr.w(0)
	ch4.cndtr.w(fifoSize * 4 / 2)
	ch4.cpar.w(regs.FPGA_DATA)
	ch4.cmar.w(dev.cfg.fifo)
	ch4.ccr.w(regs.DMA_CH4_CCR)

	fsmc := &dev.regs.fsmc
	fsmc.btr1.w(regs.FSMC_BTR_FAST)
	fsmc.btr2.w(regs.FSMC_BTR_FAST)
	fsmc.bcr1.w(fsmc.bcr1.r() | regs.FSMC_BCR1_CBURSTRW)

	dev.regs.dma.ifcr.w(regs.DMA_IFCR_CH4)

	_, shift := regs.NVIC_PRIO(regs.DMA1_CH4_IRQ)
	dev.regs.nvic.ipr.w(dev.regs.nvic.ipr.r() &^ (0xff << shift))
	dev.regs.nvic.iser.w(irq)

	if dev.bus.err != nil {
		err := dev.bus.err
		dev.disable()
		dev.state.Store(uint32(Stopped))
		return fmt.Errorf("capture: could not configure capture: %w", err)
	}

	dev.state.Store(uint32(Running))
	tim.cr1.w(tim.cr1.r() | regs.TIM_CR1_CEN)
	if dev.bus.err != nil {
		err := dev.bus.err
		dev.disable()
		dev.state.Store(uint32(Stopped))
		return fmt.Errorf("capture: could not start timer: %w", err)
	}

	return nil
}

// Stop stops the current session.
// The encoded buffer stays readable until the next Start.
func (dev *Device) Stop() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	switch dev.State() {
	case Idle, Stopped, Halted:
		return nil
	}

	dev.bus.err = nil
	dev.disable()
	dev.regs.dma.ch3.ccr.w(dev.regs.dma.ch3.ccr.r() &^ regs.DMA_CCR_EN)
	dev.regs.dma.ch4.ccr.w(dev.regs.dma.ch4.ccr.r() &^ regs.DMA_CCR_EN)
	dev.state.Store(uint32(Stopped))
	if dev.bus.err != nil {
		return fmt.Errorf("capture: could not stop capture: %w", dev.bus.err)
	}
	return nil
}

// disable masks the copy-DMA interrupt and stops the sampling timer.
func (dev *Device) disable() {
	err := dev.bus.err
	dev.bus.err = nil
	_, irq := regs.NVIC_IRQ(regs.DMA1_CH4_IRQ)
	dev.regs.nvic.icer.w(irq)
	dev.regs.tim.cr1.w(dev.regs.tim.cr1.r() &^ regs.TIM_CR1_CEN)
	if err != nil {
		dev.bus.err = err
	}
}

// Interrupt services the copy-DMA interrupt.
//
// Interrupt returns a *Fatal when the device halts, and the same *Fatal
// on every later call.
func (dev *Device) Interrupt() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if f := dev.fatal.Load(); f != nil {
		return f
	}
	if dev.State() != Running {
		return nil
	}

	dev.bus.err = nil
	isr := dev.regs.dma.isr.r()
	if dev.bus.err != nil {
		return dev.halt(newFatal(ErrBus, "could not read DMA status: %v", dev.bus.err))
	}

	const (
		ht = regs.DMA_ISR_HTIF4
		tc = regs.DMA_ISR_TCIF4
	)
	switch {
	case isr&regs.DMA_ISR_TEIF4 != 0:
		return dev.halt(newFatal(ErrTransfer, "DMA channel 4 transfer error"))
	case isr&ht != 0 && isr&tc != 0:
		return dev.halt(newFatal(ErrOverrun, "both halves of the ping-pong buffer pending"))
	case isr&ht != 0:
		return dev.process(0, ht, tc)
	case isr&tc != 0:
		return dev.process(HalfSize, tc, ht)
	}
	return nil
}

// process encodes the half-buffer starting at word beg, acknowledges flag
// and checks the other half has not completed in the meantime.
func (dev *Device) process(beg int, flag, other uint32) error {
	start := time.Now()

	_, err := dev.sram.Mem.ReadAt(dev.xfifo[:], int64(4*beg))
	if err != nil {
		return dev.halt(newFatal(ErrBus, "could not read ping-pong buffer: %v", err))
	}
	for i := range dev.fifo {
		dev.fifo[i] = binary.LittleEndian.Uint32(dev.xfifo[4*i:])
	}

	st, err := dev.enc.encodeHalf(dev.fifo[:])
	if err != nil {
		return dev.halt(err.(*Fatal))
	}

	dev.account(time.Since(start))

	if st == Throttled {
		_, irq := regs.NVIC_IRQ(regs.DMA1_CH4_IRQ)
		dev.regs.nvic.icer.w(irq)
		if dev.bus.err != nil {
			return dev.halt(newFatal(ErrBus, "could not mask copy-DMA interrupt: %v", dev.bus.err))
		}
		dev.state.Store(uint32(Suspended))
		dev.msg.Printf("encoded buffer full (%d bytes): capture suspended", dev.buf.Len())
		return nil
	}

	dev.regs.dma.ifcr.w(flag)
	isr := dev.regs.dma.isr.r()
	if dev.bus.err != nil {
		return dev.halt(newFatal(ErrBus, "could not acknowledge DMA flag: %v", dev.bus.err))
	}
	if isr&other != 0 {
		return dev.halt(newFatal(ErrOverrun, "ping-pong buffer overrun (isr=0x%08x)", isr))
	}
	return nil
}

func (dev *Device) account(dt time.Duration) {
	dev.stats.halves.Add(1)
	if int64(dt) > dev.stats.max.Load() {
		dev.stats.max.Store(int64(dt))
	}
	if dt > Budget {
		if dev.stats.late.Add(1) == 1 {
			dev.msg.Printf("half-buffer processed in %v (budget: %v)", dt, Budget)
		}
	}
}

// halt stops the acquisition for good and reports f.
func (dev *Device) halt(f *Fatal) error {
	dev.bus.err = nil
	dev.disable()
	dev.state.Store(uint32(Halted))
	dev.fatal.Store(f)
	dev.cfg.rep.Report(f)
	return f
}

// Close stops the device and releases its resources.
func (dev *Device) Close() error {
	err := dev.Stop()
	if err != nil {
		dev.msg.Printf("could not stop device: %+v", err)
	}

	var errs []error
	for i := len(dev.closers) - 1; i >= 0; i-- {
		e := dev.closers[i].Close()
		if e != nil {
			errs = append(errs, e)
		}
	}
	dev.closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("capture: could not close device: %w", errs[0])
	}
	return nil
}
