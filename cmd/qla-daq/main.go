// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command qla-daq runs a stand-alone capture.
//
// qla-daq replays raw sample words through a simulated capture device and
// writes the encoded capture to a file. The capture stops at the end of the
// samples, when the encoded buffer is full, on a fatal error, or on SIGINT.
//
// Usage: qla-daq [OPTIONS] SAMPLES-FILE
//
// Example:
//
//	$> qla-daq -o run.qla ./testdata/samples.raw
//	qla-daq: replayed 768 samples
//	qla-daq: state: running, records: 12 bytes, samples: 768
package main // import "github.com/go-lpc/qla/cmd/qla-daq"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/go-lpc/qla/capture"
	"github.com/go-lpc/qla/internal/config"
	"github.com/go-lpc/qla/internal/replay"
	qsig "github.com/go-lpc/qla/signal"
	"github.com/sbinet/pmon"
)

var (
	stop = make(chan os.Signal, 1)
)

func main() {
	log.SetPrefix("qla-daq: ")
	log.SetFlags(0)

	var (
		cfgFile = flag.String("cfg", "", "path to TOML configuration file")
		oname   = flag.String("o", "out.qla", "path to output capture file")
		chunk   = flag.Int("chunk", replay.Chunk, "number of samples transferred at once")
		doMon   = flag.Bool("pmon", false, "enable pmon monitoring")
		doFreq  = flag.Duration("freq", 1*time.Second, "pmon frequency")
	)

	flag.Usage = func() {
		fmt.Printf(`qla-daq runs a stand-alone capture.

Usage: qla-daq [OPTIONS] SAMPLES-FILE

Example:

 $> qla-daq -o run.qla ./testdata/samples.raw

Options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	code := 0
	defer func() { os.Exit(code) }()

	if flag.NArg() != 1 {
		flag.Usage()
		log.Fatalf("missing path to input samples file")
	}

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatalf("could not load configuration: %+v", err)
	}

	if *doMon {
		p, err := pmon.Monitor(os.Getpid())
		if err != nil {
			log.Fatalf("could not start monitoring: %+v", err)
		}
		f, err := os.Create(*oname + "-pmon.log")
		if err != nil {
			log.Fatalf("could not create pmon log file: %+v", err)
		}
		defer f.Close()
		p.W = f
		p.Freq = *doFreq

		go func() {
			err := p.Run()
			if err != nil {
				log.Printf("could not run pmon: %+v", err)
			}
		}()
		defer func() {
			err := p.Kill()
			if err != nil {
				log.Printf("could not stop monitoring: %+v", err)
			}
		}()
	}

	err = run(cfg, *oname, flag.Arg(0), *chunk, stop)
	if err != nil {
		log.Printf("could not run capture: %+v", err)
		code = 1
	}
}

func run(cfg config.Config, oname, fname string, chunk int, stop chan os.Signal) error {
	signal.Notify(stop, os.Interrupt)
	defer signal.Stop(stop)

	src, err := os.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open samples file: %w", err)
	}
	defer src.Close()

	opts, err := cfg.Options()
	if err != nil {
		return fmt.Errorf("could not configure device: %w", err)
	}
	rep, alerts, err := newReporter(cfg)
	if err != nil {
		return fmt.Errorf("could not create alert reporter: %w", err)
	}
	defer alerts.Close()

	opts = append(opts, capture.WithReporter(rep))
	sim, err := capture.NewSimulator(opts...)
	if err != nil {
		return fmt.Errorf("could not create simulated device: %w", err)
	}
	defer sim.Close()

	dev := sim.Device()
	err = dev.Start()
	if err != nil {
		return fmt.Errorf("could not start capture: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			log.Printf("interrupted")
			cancel()
		case <-ctx.Done():
		}
	}()

	n, ferr := replay.Feed(ctx, sim, src, chunk)
	log.Printf("replayed %d samples", n)

	state := dev.State()
	err = dev.Stop()
	if err != nil {
		return fmt.Errorf("could not stop capture: %w", err)
	}

	c := qsig.Snapshot(dev.Buf())
	err = write(oname, c)
	if err != nil {
		return err
	}

	s := qsig.NewStream(c)
	st := dev.Stats()
	log.Printf(
		"state: %v, records: %d bytes, samples: %d",
		state, len(c.Data), s.Duration(),
	)
	log.Printf(
		"half-buffers: %d, late: %d, max: %v (budget: %v)",
		st.Halves, st.Late, st.MaxTime, st.Budget,
	)

	var fatal *capture.Fatal
	if errors.As(ferr, &fatal) {
		return fmt.Errorf("capture halted: %w", fatal)
	}
	return ferr
}

var newReporter = config.Config.Reporter

func write(oname string, c qsig.Capture) error {
	f, err := os.Create(oname)
	if err != nil {
		return fmt.Errorf("could not create output file: %w", err)
	}
	defer f.Close()

	err = qsig.NewEncoder(f).Encode(c)
	if err != nil {
		return fmt.Errorf("could not encode capture: %w", err)
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("could not close output file: %w", err)
	}
	return nil
}
