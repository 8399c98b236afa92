// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/qla"
	"github.com/go-lpc/qla/capture"
	"github.com/go-lpc/qla/catalog"
	"github.com/go-lpc/qla/internal/config"
	"github.com/go-lpc/qla/internal/frontend"
	"github.com/go-lpc/qla/internal/replay"
	qsig "github.com/go-lpc/qla/signal"
)

type server struct {
	name    string
	cfgFile string
	freq    time.Duration // snapshot publication period

	mu  sync.Mutex
	cfg config.Config
	fe  *frontend.Frontend
	db  *catalog.DB

	dev     *capture.Device
	sim     *capture.Simulator // nil when driving the hardware
	console io.Closer
	src     *os.File
	samples *replay.Reader
	chunk   []uint32
	eof     bool

	start time.Time
	runs  int
	snaps chan []byte
}

func newServer(name string) *server {
	return &server{
		name:  name,
		freq:  1 * time.Second,
		cfg:   config.Default(),
		chunk: make([]uint32, replay.Chunk),
		snaps: make(chan []byte, 16),
	}
}

func (srv *server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	vers, _ := qla.Version()
	ctx.Msg.Infof("qla-srv %q (version=%q)", srv.name, vers)
	err := srv.configure()
	if err != nil {
		ctx.Msg.Errorf("could not configure: %+v", err)
		return err
	}
	return nil
}

func (srv *server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	err := srv.initialize()
	if err != nil {
		ctx.Msg.Errorf("could not initialize: %+v", err)
		return err
	}
	return nil
}

func (srv *server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	err := srv.reset()
	if err != nil {
		ctx.Msg.Errorf("could not reset: %+v", err)
		return err
	}
	return nil
}

func (srv *server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	err := srv.startRun()
	if err != nil {
		ctx.Msg.Errorf("could not start run: %+v", err)
		return err
	}
	return nil
}

func (srv *server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command...")
	sess, err := srv.stopRun(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("could not stop run: %+v", err)
		return err
	}
	ctx.Msg.Infof(
		"run stopped: state=%s, records=%d bytes, samples=%d, file=%q",
		sess.Status, sess.Bytes, sess.Samples, sess.File,
	)
	return nil
}

func (srv *server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	err := srv.quit()
	if err != nil {
		ctx.Msg.Errorf("could not quit: %+v", err)
		return err
	}
	return nil
}

func (srv *server) capture(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case raw := <-srv.snaps:
		dst.Body = raw
	}
	return nil
}

func (srv *server) run(ctx tdaq.Context) error {
	var (
		pub  = time.NewTicker(srv.freq)
		poll = time.NewTicker(capture.Budget / 2)
	)
	defer pub.Stop()
	defer poll.Stop()

	for {
		select {
		case <-ctx.Ctx.Done():
			return nil
		case <-pub.C:
			raw, err := srv.snapshot()
			if err != nil {
				ctx.Msg.Errorf("could not create snapshot: %+v", err)
				continue
			}
			select {
			case srv.snaps <- raw:
			default:
				ctx.Msg.Debugf("dropping snapshot (consumer too slow)")
			}
		case <-poll.C:
			err := srv.step()
			if err != nil {
				ctx.Msg.Errorf("capture failed: %+v", err)
			}
		}
	}
}

func (srv *server) configure() error {
	cfg, err := config.Load(srv.cfgFile)
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()

	srv.closeFrontend()
	srv.closeCatalog()
	srv.cfg = cfg

	if cfg.Frontend.Addr != 0 {
		fe, err := frontend.Open(cfg.Frontend.Bus, cfg.Frontend.Addr)
		if err != nil {
			return fmt.Errorf("could not open front-end: %w", err)
		}
		srv.fe = fe

		err = fe.SetThresholds(cfg.Frontend.Thresholds)
		if err != nil {
			return fmt.Errorf("could not program thresholds: %w", err)
		}
	}

	if cfg.Catalog.DSN != "" {
		db, err := catalog.Open(cfg.Catalog.DSN)
		if err != nil {
			return fmt.Errorf("could not open catalog: %w", err)
		}
		srv.db = db
	}

	return nil
}

func (srv *server) initialize() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	err := srv.closeDevice()
	if err != nil {
		return err
	}

	opts, err := srv.cfg.Options()
	if err != nil {
		return fmt.Errorf("could not configure device: %w", err)
	}
	rep, console, err := srv.cfg.Reporter()
	if err != nil {
		return fmt.Errorf("could not create alert reporter: %w", err)
	}
	srv.console = console
	opts = append(opts, capture.WithReporter(rep))

	switch devmem := srv.cfg.Capture.DevMem; devmem {
	case "":
		sim, err := capture.NewSimulator(opts...)
		if err != nil {
			return fmt.Errorf("could not create simulated device: %w", err)
		}
		srv.sim = sim
		srv.dev = sim.Device()

		if fname := srv.cfg.Capture.Source; fname != "" {
			f, err := os.Open(fname)
			if err != nil {
				return fmt.Errorf("could not open samples file: %w", err)
			}
			srv.src = f
			srv.samples = replay.NewReader(f)
		}
	default:
		dev, err := capture.Open(devmem, opts...)
		if err != nil {
			return fmt.Errorf("could not open device: %w", err)
		}
		srv.dev = dev
	}

	return nil
}

func (srv *server) reset() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	srv.runs = 0
	return srv.closeDevice()
}

func (srv *server) startRun() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.dev == nil {
		return fmt.Errorf("device not initialized")
	}

	err := srv.dev.Start()
	if err != nil {
		return err
	}
	srv.start = time.Now()
	srv.runs++
	return nil
}

// step moves the acquisition forward: simulated devices are fed the next
// chunk of samples, the hardware is polled for a pending half-buffer.
func (srv *server) step() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.dev == nil || srv.dev.State() != capture.Running {
		return nil
	}

	if srv.sim == nil {
		return srv.dev.Interrupt()
	}

	if srv.samples == nil || srv.eof {
		return nil
	}
	n, err := srv.samples.Read(srv.chunk)
	if err != nil {
		if errors.Is(err, io.EOF) {
			srv.eof = true
			return nil
		}
		return fmt.Errorf("could not read samples: %w", err)
	}
	_, err = srv.sim.Feed(srv.chunk[:n])
	return err
}

func (srv *server) snapshot() ([]byte, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.dev == nil {
		return nil, fmt.Errorf("device not initialized")
	}

	buf := new(bytes.Buffer)
	err := qsig.NewEncoder(buf).Encode(qsig.Snapshot(srv.dev.Buf()))
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (srv *server) stopRun(ctx context.Context) (catalog.Session, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	var sess catalog.Session
	if srv.dev == nil {
		return sess, fmt.Errorf("device not initialized")
	}

	status := capture.Stopped
	if srv.dev.State() == capture.Suspended {
		status = capture.Suspended
	}
	err := srv.dev.Stop()
	if err != nil {
		return sess, err
	}

	c := qsig.Snapshot(srv.dev.Buf())
	sess = catalog.Session{
		Start:   srv.start,
		Bytes:   int64(len(c.Data)),
		Samples: qsig.NewStream(c).Duration(),
		Status:  status.String(),
		File: filepath.Join(
			srv.cfg.Capture.Dir,
			fmt.Sprintf("%s-%s-%03d.qla", srv.name, srv.start.UTC().Format("20060102-150405"), srv.runs),
		),
	}
	if f := srv.dev.Fatal(); f != nil {
		sess.Status = f.Error()
	}

	err = writeCapture(sess.File, c)
	if err != nil {
		return sess, err
	}

	if srv.db != nil {
		id, err := srv.db.Record(ctx, sess)
		if err != nil {
			return sess, fmt.Errorf("could not record session: %w", err)
		}
		sess.ID = id
	}

	return sess, nil
}

func writeCapture(fname string, c qsig.Capture) error {
	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("could not create capture file: %w", err)
	}
	defer f.Close()

	err = qsig.NewEncoder(f).Encode(c)
	if err != nil {
		return fmt.Errorf("could not encode capture: %w", err)
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("could not close capture file: %w", err)
	}
	return nil
}

func (srv *server) quit() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	err := srv.closeDevice()
	srv.closeFrontend()
	srv.closeCatalog()
	return err
}

func (srv *server) closeDevice() error {
	var err error
	if srv.dev != nil {
		err = srv.dev.Close()
		srv.dev = nil
		srv.sim = nil
	}
	if srv.console != nil {
		_ = srv.console.Close()
		srv.console = nil
	}
	if srv.src != nil {
		_ = srv.src.Close()
		srv.src = nil
		srv.samples = nil
	}
	srv.eof = false
	if err != nil {
		return fmt.Errorf("could not close device: %w", err)
	}
	return nil
}

func (srv *server) closeFrontend() {
	if srv.fe == nil {
		return
	}
	err := srv.fe.Close()
	if err != nil {
		log.Printf("could not close front-end: %+v", err)
	}
	srv.fe = nil
}

func (srv *server) closeCatalog() {
	if srv.db == nil {
		return
	}
	err := srv.db.Close()
	if err != nil {
		log.Printf("could not close catalog: %+v", err)
	}
	srv.db = nil
}
