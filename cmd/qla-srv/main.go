// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command qla-srv starts a TDAQ server driving a logic analyzer.
//
// Usage: qla-srv [TDAQ-OPTIONS] NAME [CONFIG-FILE]
//
// The capture device is memory-mapped from the [capture] devmem device, or
// simulated when devmem is empty. A simulated device replays the raw
// samples of the [capture] source file.
//
// Each run is written to a capture file in the [capture] dir directory and
// recorded in the [catalog] database, if any. Snapshots of the capture are
// published on the /capture output.
package main // import "github.com/go-lpc/qla/cmd/qla-srv"

import (
	"context"
	"log"
	"os"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
)

func main() {
	cmd := flags.New()

	srv := newServer(cmd.Args[0])
	if len(cmd.Args) > 1 {
		srv.cfgFile = cmd.Args[1]
	}

	proc := tdaq.New(cmd, os.Stdout)
	proc.CmdHandle("/config", srv.OnConfig)
	proc.CmdHandle("/init", srv.OnInit)
	proc.CmdHandle("/reset", srv.OnReset)
	proc.CmdHandle("/start", srv.OnStart)
	proc.CmdHandle("/stop", srv.OnStop)
	proc.CmdHandle("/quit", srv.OnQuit)

	proc.OutputHandle("/capture", srv.capture)

	proc.RunHandle(srv.run)

	err := proc.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}
