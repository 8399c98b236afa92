// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// qla-vcd converts capture files to Value Change Dump files.
//
// Usage: qla-vcd [OPTIONS] FILE1 [FILE2 [FILE3 ...]]
//
// Each capture of FILE.qla is written to FILE.vcd, FILE-1.vcd, FILE-2.vcd...
// With -waves, captures are written to the first free WAVESnnn.VCD files
// of the output directory.
//
// Example:
//
//	$> qla-vcd -o ./out run1.qla run2.qla
//	qla-vcd: converted "run1.qla" (1 capture(s))
//	qla-vcd: converted "run2.qla" (1 capture(s))
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-lpc/qla/internal/vcd"
	qsig "github.com/go-lpc/qla/signal"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.SetPrefix("qla-vcd: ")
	log.SetFlags(0)

	var (
		odir  = flag.String("o", ".", "output directory")
		waves = flag.Bool("waves", false, "name output files WAVESnnn.VCD")
		njobs = flag.Int("j", 4, "number of files converted concurrently")
	)

	flag.Usage = func() {
		fmt.Printf(`qla-vcd converts capture files to Value Change Dump files.

Usage: qla-vcd [OPTIONS] FILE1 [FILE2 [FILE3 ...]]

Example:

 $> qla-vcd -o ./out run1.qla run2.qla

Options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		log.Fatalf("missing path to input capture file")
	}

	cnv := converter{dir: *odir, waves: *waves}
	err := cnv.run(flag.Args(), *njobs)
	if err != nil {
		log.Fatalf("could not convert files: %+v", err)
	}
}

type converter struct {
	dir   string
	waves bool

	mu sync.Mutex // serializes output file creation
}

func (cnv *converter) run(fnames []string, njobs int) error {
	var grp errgroup.Group
	if njobs > 0 {
		grp.SetLimit(njobs)
	}
	for _, fname := range fnames {
		fname := fname
		grp.Go(func() error {
			n, err := cnv.convert(fname)
			if err != nil {
				return fmt.Errorf("could not convert %q: %w", fname, err)
			}
			log.Printf("converted %q (%d capture(s))", fname, n)
			return nil
		})
	}
	return grp.Wait()
}

func (cnv *converter) convert(fname string) (int, error) {
	f, err := os.Open(fname)
	if err != nil {
		return 0, fmt.Errorf("could not open input file: %w", err)
	}
	defer f.Close()

	dec := qsig.NewDecoder(f)
	for i := 0; ; i++ {
		var c qsig.Capture
		err := dec.Decode(&c)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return i, nil
			}
			return i, fmt.Errorf("could not decode capture #%d: %w", i, err)
		}

		o, err := cnv.create(fname, i)
		if err != nil {
			return i, err
		}

		err = vcd.Write(o, qsig.NewStream(c))
		if err != nil {
			_ = o.Close()
			return i, fmt.Errorf("could not write capture #%d: %w", i, err)
		}

		err = o.Close()
		if err != nil {
			return i, fmt.Errorf("could not close output file %q: %w", o.Name(), err)
		}
	}
}

func (cnv *converter) create(fname string, i int) (*os.File, error) {
	cnv.mu.Lock()
	defer cnv.mu.Unlock()

	var oname string
	switch {
	case cnv.waves:
		name, err := vcd.NextName(cnv.dir, "WAVES%03d.VCD")
		if err != nil {
			return nil, err
		}
		oname = name
	default:
		base := strings.TrimSuffix(filepath.Base(fname), filepath.Ext(fname))
		if i > 0 {
			base += fmt.Sprintf("-%d", i)
		}
		oname = filepath.Join(cnv.dir, base+".vcd")
	}

	o, err := os.Create(oname)
	if err != nil {
		return nil, fmt.Errorf("could not create output file: %w", err)
	}
	return o, nil
}
