// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package capture

import (
	"fmt"
)

// Layout describes the bits of a sample word.
type Layout struct {
	Mask     uint32              // bits inspected for edge detection
	Reserved uint32              // bits that must be zero on a confirmed edge
	Channels [NumChannels]uint32 // bit of channel A, B, C and D
}

// DSOQuad is the sample layout of the DSO Quad FPGA.
// Channels A and B are the comparator outputs of the analog inputs,
// C and D the digital inputs.
var DSOQuad = Layout{
	Mask:     0x00038080,
	Reserved: 0xff000000,
	Channels: [NumChannels]uint32{0x00000080, 0x00008000, 0x00010000, 0x00020000},
}

// Level returns the 4-bit level of word: bit i is set when channel i is high.
func (lay Layout) Level(word uint32) uint8 {
	var v uint8
	for i, bit := range lay.Channels {
		if word&bit != 0 {
			v |= 1 << i
		}
	}
	return v
}

// Validate checks the consistency of the layout.
func (lay Layout) Validate() error {
	if lay.Mask == 0 {
		return fmt.Errorf("capture: invalid layout: empty edge mask")
	}
	if lay.Mask&lay.Reserved != 0 {
		return fmt.Errorf(
			"capture: invalid layout: reserved bits 0x%08x overlap edge mask 0x%08x",
			lay.Reserved, lay.Mask,
		)
	}
	for i, bit := range lay.Channels {
		switch {
		case bit == 0:
			return fmt.Errorf("capture: invalid layout: no bit for channel %c", 'A'+i)
		case bit&(bit-1) != 0:
			return fmt.Errorf("capture: invalid layout: channel %c spans bits 0x%08x", 'A'+i, bit)
		case bit&lay.Mask == 0:
			return fmt.Errorf(
				"capture: invalid layout: channel %c (0x%08x) outside edge mask 0x%08x",
				'A'+i, bit, lay.Mask,
			)
		}
	}
	return nil
}
