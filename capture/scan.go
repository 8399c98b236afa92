// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package capture

// FindEdge returns the index of the first word of data whose masked bits
// differ from ref, or len(data) when there is none.
//
// FindEdge is the hot loop of the acquisition.
func FindEdge(data []uint32, mask, ref uint32) int {
	i := 0
	for ; len(data)-i >= 4; i += 4 {
		w := data[i : i+4 : i+4]
		if w[0]&mask != ref {
			return i
		}
		if w[1]&mask != ref {
			return i + 1
		}
		if w[2]&mask != ref {
			return i + 2
		}
		if w[3]&mask != ref {
			return i + 3
		}
	}
	for ; i < len(data); i++ {
		if data[i]&mask != ref {
			return i
		}
	}
	return len(data)
}
