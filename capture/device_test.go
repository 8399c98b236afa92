// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package capture

import (
	"encoding/binary"
	"errors"
	"io"
	"log"
	"math"
	"reflect"
	"sync"
	"testing"

	"github.com/go-lpc/qla/capture/internal/regs"
	"github.com/go-lpc/qla/internal/mmap"
)

type fatalRecorder struct {
	mu sync.Mutex
	fs []*Fatal
}

func (rec *fatalRecorder) Report(f *Fatal) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.fs = append(rec.fs, f)
}

func (rec *fatalRecorder) reports() []*Fatal {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]*Fatal(nil), rec.fs...)
}

func newTestSim(t *testing.T, opts ...Option) (*Simulator, *fatalRecorder) {
	t.Helper()
	rec := new(fatalRecorder)
	opts = append([]Option{
		WithLogger(log.New(io.Discard, "capture: ", 0)),
		WithReporter(rec),
	}, opts...)

	sim, err := NewSimulator(opts...)
	if err != nil {
		t.Fatalf("could not create simulator: %+v", err)
	}
	t.Cleanup(func() {
		_ = sim.Close()
	})
	return sim, rec
}

func TestDeviceStart(t *testing.T) {
	sim, _ := newTestSim(t)
	dev := sim.Device()

	if got, want := dev.State(), Idle; got != want {
		t.Fatalf("invalid initial state: got=%v, want=%v", got, want)
	}

	err := dev.Start()
	if err != nil {
		t.Fatalf("could not start capture: %+v", err)
	}

	if got, want := dev.State(), Running; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}

	for _, tc := range []struct {
		name string
		addr uint32
		want uint32
	}{
		{"TIM1.CR1", regs.TIM1_BASE + regs.TIM_CR1, regs.TIM_CR1_CEN},
		{"TIM1.PSC", regs.TIM1_BASE + regs.TIM_PSC, 11},
		{"TIM1.ARR", regs.TIM1_BASE + regs.TIM_ARR, 5},
		{"TIM1.DIER", regs.TIM1_BASE + regs.TIM_DIER, 0x1400},
		{"TIM1.CCR4", regs.TIM1_BASE + regs.TIM_CCR4, 2},
		{"DMA1.CH3.CCR", regs.DMA1_BASE + uint32(regs.DMA_CCR(3)), 0x3AB1},
		{"DMA1.CH3.CNDTR", regs.DMA1_BASE + uint32(regs.DMA_CNDTR(3)), 2},
		{"DMA1.CH3.CPAR", regs.DMA1_BASE + uint32(regs.DMA_CPAR(3)), 0x40011010},
		{"DMA1.CH3.CMAR", regs.DMA1_BASE + uint32(regs.DMA_CMAR(3)), defFIFO + hlTable},
		{"DMA1.CH4.CCR", regs.DMA1_BASE + uint32(regs.DMA_CCR(4)), 0x35AF},
		{"DMA1.CH4.CNDTR", regs.DMA1_BASE + uint32(regs.DMA_CNDTR(4)), 512},
		{"DMA1.CH4.CPAR", regs.DMA1_BASE + uint32(regs.DMA_CPAR(4)), 0x64000000},
		{"DMA1.CH4.CMAR", regs.DMA1_BASE + uint32(regs.DMA_CMAR(4)), defFIFO},
		{"DMA1.ISR", regs.DMA1_BASE + regs.DMA_ISR, 0},
		{"GPIOC.BSRR", regs.GPIOC_BASE + regs.GPIO_BSRR, 1 << 5},
		{"FSMC.BTR1", regs.FSMC_BASE + regs.FSMC_BTR1, 0x10100110},
		{"FSMC.BTR2", regs.FSMC_BASE + regs.FSMC_BTR2, 0x10100110},
		{"FSMC.BCR1", regs.FSMC_BASE + regs.FSMC_BCR1, 1 << 19},
		{"NVIC.ISER0", regs.NVIC_BASE + regs.NVIC_ISER, 1 << 14},
		{"NVIC.IPR3", regs.NVIC_BASE + regs.NVIC_IPR + 12, 0},
		{"HL[0]", defFIFO + hlTable, 1 << 21},
		{"HL[1]", defFIFO + hlTable + 4, 1 << 5},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := sim.Reg(tc.addr)
			if err != nil {
				t.Fatalf("could not read register: %+v", err)
			}
			if got != tc.want {
				t.Fatalf("invalid register value: got=0x%x, want=0x%x", got, tc.want)
			}
		})
	}
}

func TestDeviceCapture(t *testing.T) {
	sim, rec := newTestSim(t)
	dev := sim.Device()

	err := dev.Start()
	if err != nil {
		t.Fatalf("could not start capture: %+v", err)
	}

	runs := []record{
		{dur: 10, lvl: 0x0},
		{dur: 200, lvl: 0x1},
		{dur: 1, lvl: 0x3},
		{dur: 1, lvl: 0x2},
		{dur: 500, lvl: 0xf},
		{dur: 3, lvl: 0x8},
	}
	data := samples(runs)
	pad := HalfSize - len(data)%HalfSize
	runs[len(runs)-1].dur += uint64(pad)
	data = samples(runs)

	for beg := 0; beg < len(data); beg += 37 {
		end := beg + 37
		if end > len(data) {
			end = len(data)
		}
		n, err := sim.Feed(data[beg:end])
		if err != nil {
			t.Fatalf("could not feed samples: %+v", err)
		}
		if n != end-beg {
			t.Fatalf("invalid number of samples fed: got=%d, want=%d", n, end-beg)
		}
	}

	got := decodeRecords(t, dev.Buf().Bytes())
	got = append(got, record{dur: dev.Buf().LastDuration(), lvl: dev.Buf().LastValue()})
	if !reflect.DeepEqual(got, runs) {
		t.Fatalf("invalid capture:\ngot= %v\nwant=%v", got, runs)
	}

	stats := dev.Stats()
	if got, want := stats.Halves, uint64(len(data)/HalfSize); got != want {
		t.Fatalf("invalid number of halves: got=%d, want=%d", got, want)
	}
	if stats.MaxTime <= 0 {
		t.Fatalf("invalid max processing time: %v", stats.MaxTime)
	}
	if got, want := stats.Budget, Budget; got != want {
		t.Fatalf("invalid budget: got=%v, want=%v", got, want)
	}
	if len(rec.reports()) != 0 {
		t.Fatalf("unexpected fatal reports: %v", rec.reports())
	}

	isr, err := sim.Reg(regs.DMA1_BASE + regs.DMA_ISR)
	if err != nil {
		t.Fatalf("could not read DMA status: %+v", err)
	}
	if isr&(regs.DMA_ISR_HTIF4|regs.DMA_ISR_TCIF4) != 0 {
		t.Fatalf("pending DMA flags: 0x%x", isr)
	}
}

func TestDeviceRestart(t *testing.T) {
	sim, _ := newTestSim(t)
	dev := sim.Device()

	err := dev.Start()
	if err != nil {
		t.Fatalf("could not start capture: %+v", err)
	}
	data := samples([]record{{dur: 100, lvl: 0}, {dur: 28, lvl: 0x4}})
	_, err = sim.Feed(data)
	if err != nil {
		t.Fatalf("could not feed samples: %+v", err)
	}
	if dev.Buf().Len() == 0 {
		t.Fatalf("no data captured")
	}

	err = dev.Stop()
	if err != nil {
		t.Fatalf("could not stop capture: %+v", err)
	}
	if got, want := dev.State(), Stopped; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}
	n, err := sim.Feed(data)
	if err != nil {
		t.Fatalf("could not feed samples: %+v", err)
	}
	if n != 0 {
		t.Fatalf("stopped device accepted %d samples", n)
	}

	err = dev.Start()
	if err != nil {
		t.Fatalf("could not restart capture: %+v", err)
	}
	if got, want := dev.Buf().Len(), 0; got != want {
		t.Fatalf("invalid bytes after restart: got=%d, want=%d", got, want)
	}
	if got, want := dev.Buf().LastDuration(), uint64(0); got != want {
		t.Fatalf("invalid last duration after restart: got=%d, want=%d", got, want)
	}
	if got, want := dev.Buf().LastValue(), uint8(0x4); got != want {
		t.Fatalf("invalid last value after restart: got=%d, want=%d", got, want)
	}
}

func TestDeviceThrottle(t *testing.T) {
	const capacity = 16
	sim, rec := newTestSim(t, WithCapacity(capacity))
	dev := sim.Device()

	err := dev.Start()
	if err != nil {
		t.Fatalf("could not start capture: %+v", err)
	}

	data := make([]uint32, 4*HalfSize)
	for i := range data {
		data[i] = word(uint8(i % 2))
	}
	n, err := sim.Feed(data)
	if err != nil {
		t.Fatalf("could not feed samples: %+v", err)
	}
	if n != len(data) {
		t.Fatalf("invalid number of samples fed: got=%d, want=%d", n, len(data))
	}

	if got, want := dev.State(), Suspended; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}
	if got := dev.Buf().Len(); got > capacity {
		t.Fatalf("buffer overflow: got=%d, capacity=%d", got, capacity)
	}
	if got, want := dev.Stats().Halves, uint64(1); got != want {
		t.Fatalf("invalid number of halves: got=%d, want=%d", got, want)
	}
	if len(rec.reports()) != 0 {
		t.Fatalf("unexpected fatal reports: %v", rec.reports())
	}

	iser, err := sim.Reg(regs.NVIC_BASE + regs.NVIC_ISER)
	if err != nil {
		t.Fatalf("could not read NVIC: %+v", err)
	}
	if iser&(1<<regs.DMA1_CH4_IRQ) != 0 {
		t.Fatalf("copy-DMA interrupt still enabled")
	}

	err = dev.Start()
	if err != nil {
		t.Fatalf("could not restart capture: %+v", err)
	}
	if got, want := dev.State(), Running; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}
}

func TestDeviceFatal(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags uint32
		want  error
	}{
		{
			name:  "transfer-error",
			flags: regs.DMA_ISR_TEIF4 | regs.DMA_ISR_GIF4,
			want:  ErrTransfer,
		},
		{
			name:  "transfer-error-with-half",
			flags: regs.DMA_ISR_TEIF4 | regs.DMA_ISR_HTIF4,
			want:  ErrTransfer,
		},
		{
			name:  "both-halves",
			flags: regs.DMA_ISR_HTIF4 | regs.DMA_ISR_TCIF4,
			want:  ErrOverrun,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sim, rec := newTestSim(t)
			dev := sim.Device()

			err := dev.Start()
			if err != nil {
				t.Fatalf("could not start capture: %+v", err)
			}

			sim.Pend(tc.flags)
			err = sim.Raise()
			if !errors.Is(err, tc.want) {
				t.Fatalf("invalid error: got=%+v, want=%+v", err, tc.want)
			}

			if got, want := dev.State(), Halted; got != want {
				t.Fatalf("invalid state: got=%v, want=%v", got, want)
			}
			if got, want := dev.Stats().Halves, uint64(0); got != want {
				t.Fatalf("halves processed: got=%d, want=%d", got, want)
			}
			if got, want := dev.Buf().LastDuration(), uint64(0); got != want {
				t.Fatalf("samples processed: got=%d, want=%d", got, want)
			}

			f := dev.Fatal()
			if f == nil {
				t.Fatalf("missing fatal error")
			}
			if got := dev.Interrupt(); got != error(f) {
				t.Fatalf("invalid error after halt: got=%+v, want=%+v", got, f)
			}
			if err := dev.Start(); !errors.Is(err, ErrHalted) {
				t.Fatalf("invalid start error: got=%+v, want=%+v", err, ErrHalted)
			}
			if err := dev.Stop(); err != nil {
				t.Fatalf("could not stop halted device: %+v", err)
			}
			if got, want := len(rec.reports()), 1; got != want {
				t.Fatalf("invalid number of reports: got=%d, want=%d", got, want)
			}

			cr1, err := sim.Reg(regs.TIM1_BASE + regs.TIM_CR1)
			if err != nil {
				t.Fatalf("could not read timer: %+v", err)
			}
			if cr1&regs.TIM_CR1_CEN != 0 {
				t.Fatalf("timer still running after halt")
			}
		})
	}
}

func TestDeviceSyncLost(t *testing.T) {
	sim, rec := newTestSim(t)
	dev := sim.Device()

	err := dev.Start()
	if err != nil {
		t.Fatalf("could not start capture: %+v", err)
	}

	data := make([]uint32, 2*HalfSize)
	data[HalfSize+5] = 0x80 | 0x02000000
	_, err = sim.Feed(data)
	if !errors.Is(err, ErrSyncLost) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrSyncLost)
	}
	if got, want := dev.State(), Halted; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}
	if fs := rec.reports(); len(fs) != 1 || !errors.Is(fs[0], ErrSyncLost) {
		t.Fatalf("invalid reports: %v", fs)
	}
	if got, want := dev.Buf().LastDuration(), uint64(HalfSize+5); got != want {
		t.Fatalf("invalid last duration: got=%d, want=%d", got, want)
	}
}

func TestDeviceSpurious(t *testing.T) {
	sim, _ := newTestSim(t)
	dev := sim.Device()

	err := dev.Interrupt()
	if err != nil {
		t.Fatalf("interrupt on idle device: %+v", err)
	}

	err = dev.Start()
	if err != nil {
		t.Fatalf("could not start capture: %+v", err)
	}

	err = sim.Raise()
	if err != nil {
		t.Fatalf("spurious interrupt: %+v", err)
	}
	if got, want := dev.State(), Running; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}
}

// racyDMA sets the transfer-complete flag as soon as the half-transfer
// flag is acknowledged.
type racyDMA struct {
	mem *mmap.Handle
}

func (m *racyDMA) ReadAt(p []byte, off int64) (int, error) { return m.mem.ReadAt(p, off) }

func (m *racyDMA) WriteAt(p []byte, off int64) (int, error) {
	if off != regs.DMA_IFCR {
		return m.mem.WriteAt(p, off)
	}
	var buf [4]byte
	_, _ = m.mem.ReadAt(buf[:], regs.DMA_ISR)
	isr := binary.LittleEndian.Uint32(buf[:]) &^ binary.LittleEndian.Uint32(p)
	if binary.LittleEndian.Uint32(p) == regs.DMA_IFCR_CHTIF4 {
		isr |= regs.DMA_ISR_TCIF4
	}
	binary.LittleEndian.PutUint32(buf[:], isr)
	return m.mem.WriteAt(buf[:], regs.DMA_ISR)
}

func TestDeviceOverrunAfterProcessing(t *testing.T) {
	var (
		dma  = &racyDMA{mem: mmap.HandleFrom(make([]byte, regs.DMA1_SPAN))}
		wins = []Window{
			{Base: regs.TIM1_BASE, Size: regs.TIM1_SPAN, Mem: mmap.HandleFrom(make([]byte, regs.TIM1_SPAN))},
			{Base: regs.DMA1_BASE, Size: regs.DMA1_SPAN, Mem: dma},
			{Base: regs.GPIOC_BASE, Size: regs.GPIOC_SPAN, Mem: mmap.HandleFrom(make([]byte, regs.GPIOC_SPAN))},
			{Base: regs.FSMC_BASE, Size: regs.FSMC_SPAN, Mem: mmap.HandleFrom(make([]byte, regs.FSMC_SPAN))},
			{Base: regs.NVIC_BASE, Size: regs.NVIC_SPAN, Mem: mmap.HandleFrom(make([]byte, regs.NVIC_SPAN))},
			{Base: 0x20000000, Size: 0x2000, Mem: mmap.HandleFrom(make([]byte, 0x2000))},
		}
		rec = new(fatalRecorder)
	)

	dev, err := New(
		wins,
		WithLogger(log.New(io.Discard, "", 0)),
		WithReporter(rec),
		WithFIFOAddr(0x20000100),
	)
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}

	err = dev.Start()
	if err != nil {
		t.Fatalf("could not start capture: %+v", err)
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], regs.DMA_ISR_HTIF4)
	_, _ = dma.mem.WriteAt(buf[:], regs.DMA_ISR)

	err = dev.Interrupt()
	if !errors.Is(err, ErrOverrun) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrOverrun)
	}
	if got, want := dev.Stats().Halves, uint64(1); got != want {
		t.Fatalf("invalid number of halves: got=%d, want=%d", got, want)
	}
	if got, want := dev.Buf().LastDuration(), uint64(HalfSize); got != want {
		t.Fatalf("invalid last duration: got=%d, want=%d", got, want)
	}
	if got, want := len(rec.reports()), 1; got != want {
		t.Fatalf("invalid number of reports: got=%d, want=%d", got, want)
	}
}

func TestDeviceMissingWindow(t *testing.T) {
	wins := []Window{
		{Base: regs.TIM1_BASE, Size: regs.TIM1_SPAN, Mem: mmap.HandleFrom(make([]byte, regs.TIM1_SPAN))},
	}
	_, err := New(wins, WithLogger(log.New(io.Discard, "", 0)))
	if !errors.Is(err, ErrBus) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrBus)
	}
}

func TestDeviceInvalidConfig(t *testing.T) {
	_, err := NewSimulator(WithCapacity(4))
	if err == nil {
		t.Fatalf("expected an error")
	}

	_, err = NewSimulator(WithLayout(Layout{}))
	if err == nil {
		t.Fatalf("expected an error")
	}

	huge := uint64(math.MaxUint32) + 1
	_, err = NewSimulator(WithCapacity(int(huge)))
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func TestStateString(t *testing.T) {
	for _, tc := range []struct {
		st   State
		want string
	}{
		{Idle, "idle"},
		{Armed, "armed"},
		{Running, "running"},
		{Suspended, "suspended"},
		{Stopped, "stopped"},
		{Halted, "halted"},
		{State(42), "State(42)"},
	} {
		if got := tc.st.String(); got != tc.want {
			t.Fatalf("invalid state string: got=%q, want=%q", got, tc.want)
		}
	}
}
