// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regs holds the register map of the acquisition MCU peripherals.
package regs // import "github.com/go-lpc/qla/capture/internal/regs"

// TIM1 advanced-control timer.
const (
	TIM1_BASE = 0x40012C00
	TIM1_SPAN = 0x400

	TIM_CR1   = 0x00
	TIM_CR2   = 0x04
	TIM_SMCR  = 0x08
	TIM_DIER  = 0x0C
	TIM_SR    = 0x10
	TIM_EGR   = 0x14
	TIM_CCMR1 = 0x18
	TIM_CCMR2 = 0x1C
	TIM_CCER  = 0x20
	TIM_CNT   = 0x24
	TIM_PSC   = 0x28
	TIM_ARR   = 0x2C
	TIM_CCR1  = 0x34
	TIM_CCR2  = 0x38
	TIM_CCR3  = 0x3C
	TIM_CCR4  = 0x40

	TIM_CR1_CEN    = 1 << 0
	TIM_DIER_CC2DE = 1 << 10
	TIM_DIER_CC4DE = 1 << 12
)

// DMA1 controller.
const (
	DMA1_BASE = 0x40020000
	DMA1_SPAN = 0x400

	DMA_ISR  = 0x00
	DMA_IFCR = 0x04

	dmaCCR   = 0x08
	dmaCNDTR = 0x0C
	dmaCPAR  = 0x10
	dmaCMAR  = 0x14
	dmaChan  = 20

	DMA_CCR_EN = 1 << 0

	DMA_ISR_GIF4  = 1 << 12
	DMA_ISR_TCIF4 = 1 << 13
	DMA_ISR_HTIF4 = 1 << 14
	DMA_ISR_TEIF4 = 1 << 15

	DMA_IFCR_CGIF4  = DMA_ISR_GIF4
	DMA_IFCR_CTCIF4 = DMA_ISR_TCIF4
	DMA_IFCR_CHTIF4 = DMA_ISR_HTIF4
	DMA_IFCR_CTEIF4 = DMA_ISR_TEIF4

	DMA_IFCR_CH4 = DMA_IFCR_CGIF4 | DMA_IFCR_CTCIF4 | DMA_IFCR_CHTIF4 | DMA_IFCR_CTEIF4

	// CCR values of the sync-toggle (3) and sample-copy (4) channels.
	DMA_CH3_CCR = 0x3AB1
	DMA_CH4_CCR = 0x35AF
)

// DMA_CCR returns the offset of the configuration register of channel ch (1-based).
func DMA_CCR(ch int) int64 { return dmaCCR + dmaChan*int64(ch-1) }

// DMA_CNDTR returns the offset of the transfer counter of channel ch (1-based).
func DMA_CNDTR(ch int) int64 { return dmaCNDTR + dmaChan*int64(ch-1) }

// DMA_CPAR returns the offset of the peripheral address of channel ch (1-based).
func DMA_CPAR(ch int) int64 { return dmaCPAR + dmaChan*int64(ch-1) }

// DMA_CMAR returns the offset of the memory address of channel ch (1-based).
func DMA_CMAR(ch int) int64 { return dmaCMAR + dmaChan*int64(ch-1) }

// GPIOC port.
const (
	GPIOC_BASE = 0x40011000
	GPIOC_SPAN = 0x400

	GPIO_BSRR = 0x10

	// H_L synchronisation line.
	GPIO_HL_PIN = 5
)

// FSMC bank 1 (FPGA and LCD interface).
const (
	FSMC_BASE = 0xA0000000
	FSMC_SPAN = 0x1000

	FSMC_BCR1 = 0x00
	FSMC_BTR1 = 0x04
	FSMC_BCR2 = 0x08
	FSMC_BTR2 = 0x0C

	FSMC_BCR1_CBURSTRW = 1 << 19
	FSMC_BTR_FAST      = 0x10100110
)

// FPGA_DATA is the memory-mapped sample port of the FPGA.
const FPGA_DATA = 0x64000000

// NVIC.
const (
	NVIC_BASE = 0xE000E100
	NVIC_SPAN = 0x400

	NVIC_ISER = 0x000
	NVIC_ICER = 0x080
	NVIC_IPR  = 0x300

	DMA1_CH4_IRQ = 14
)

// NVIC_IRQ returns the enable bit and word offset of irq in the ISER/ICER banks.
func NVIC_IRQ(irq int) (off int64, bit uint32) {
	return 4 * int64(irq/32), 1 << (irq % 32)
}

// NVIC_PRIO returns the offset of the IPR word holding irq and the shift of its byte.
func NVIC_PRIO(irq int) (off int64, shift uint) {
	return NVIC_IPR + 4*int64(irq/4), 8 * uint(irq%4)
}

// TIM1 runs at 72 MHz: two timer cycles per sample give 500 kHz.
const (
	TIM1_PSC  = 11
	TIM1_ARR  = 5
	TIM1_CCR4 = 2
)
