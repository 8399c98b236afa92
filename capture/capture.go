// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package capture implements the real-time acquisition path of the
// quad-channel logic analyzer.
//
// Samples are copied by DMA into a ping-pong buffer. Each time a half of
// that buffer is complete, the copy-DMA interrupt runs the edge scanner
// over it and appends every level transition to an encoded Buffer, as a
// base-128 varint of duration<<4 | level.
package capture // import "github.com/go-lpc/qla/capture"

import (
	"encoding/binary"
	"time"
)

const (
	fifoSize = 256 // words in the ping-pong buffer

	// HalfSize is the number of sample words in one half of the ping-pong buffer.
	HalfSize = fifoSize / 2

	// SampleRate is the fixed sampling frequency, in Hz.
	SampleRate = 500000

	// Budget is the time available to process one half-buffer before
	// the DMA engine starts overwriting it.
	Budget = HalfSize * time.Second / SampleRate

	// DefaultCapacity is the default size, in bytes, of the encoded buffer.
	DefaultCapacity = 16384

	// NumChannels is the number of digital channels.
	NumChannels = 4

	maxRecord = binary.MaxVarintLen64
)

// Sample memory holds the ping-pong buffer followed by the H_L toggle table.
const (
	hlTable  = fifoSize * 4
	sramSpan = hlTable + 2*4

	defFIFO = uint32(0x20000C00)
)
