// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package alert

import (
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// OpenSerial opens a debug console on the named serial port.
func OpenSerial(name string, baud int) (*Console, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("alert: could not open serial port %q: %w", name, err)
	}

	con := NewConsole(port)
	con.c = port
	return con, nil
}
