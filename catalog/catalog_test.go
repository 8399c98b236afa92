// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package catalog

import (
	"context"
	"database/sql/driver"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/qla/internal/fakedb"
)

func init() {
	drvName = "fakedb"
}

func TestOpen(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open catalog: %+v", err)
	}
	defer db.Close()
}

func TestRecord(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open catalog: %+v", err)
	}
	defer db.Close()

	start := time.Date(2020, 12, 16, 17, 32, 59, 0, time.UTC)
	execs, err := fakedb.Run(context.Background(), fakedb.Rows{}, func(ctx context.Context) error {
		id, err := db.Record(ctx, Session{
			Start:   start,
			Bytes:   1024,
			Samples: 500000,
			Status:  "stopped",
			File:    "WAVES000.qla",
		})
		if err != nil {
			return err
		}
		if got, want := id, int64(1); got != want {
			t.Fatalf("invalid session id: got=%d, want=%d", got, want)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("could not record session: %+v", err)
	}

	if got, want := len(execs), 1; got != want {
		t.Fatalf("invalid number of statements: got=%d, want=%d", got, want)
	}
	if !strings.HasPrefix(execs[0].Query, "INSERT INTO sessions") {
		t.Fatalf("invalid statement: %q", execs[0].Query)
	}
	want := []driver.Value{start, int64(1024), int64(500000), "stopped", "WAVES000.qla"}
	if got := execs[0].Args; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid arguments:\ngot= %#v\nwant=%#v", got, want)
	}
}

func TestSessions(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open catalog: %+v", err)
	}
	defer db.Close()

	t0 := time.Date(2020, 12, 16, 17, 32, 59, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	_, err = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"id", "start", "bytes", "samples", "status", "file"},
		Values: [][]driver.Value{
			{int64(2), t1, int64(10), int64(1000), "halted", ""},
			{int64(1), t0, int64(1024), int64(500000), "stopped", "WAVES000.qla"},
		},
	}, func(ctx context.Context) error {
		got, err := db.Sessions(ctx)
		if err != nil {
			return err
		}
		want := []Session{
			{ID: 2, Start: t1, Bytes: 10, Samples: 1000, Status: "halted"},
			{ID: 1, Start: t0, Bytes: 1024, Samples: 500000, Status: "stopped", File: "WAVES000.qla"},
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid sessions:\ngot= %+v\nwant=%+v", got, want)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("could not retrieve sessions: %+v", err)
	}
}

func TestErrors(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open catalog: %+v", err)
	}
	defer db.Close()

	errDB := errors.New("db is down")
	err = fakedb.Fail(context.Background(), errDB, func(ctx context.Context) error {
		_, err := db.Record(ctx, Session{})
		if !errors.Is(err, errDB) {
			t.Fatalf("invalid record error: got=%+v, want=%+v", err, errDB)
		}
		_, err = db.Sessions(ctx)
		if !errors.Is(err, errDB) {
			t.Fatalf("invalid sessions error: got=%+v, want=%+v", err, errDB)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("error: %+v", err)
	}
}
