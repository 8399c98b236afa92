// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package catalog records capture sessions in a MySQL database.
package catalog // import "github.com/go-lpc/qla/catalog"

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

const timeout = 5 * time.Second

var (
	drvName = "mysql"
)

// Session describes one armed-to-stop capture of a device.
type Session struct {
	ID      int64
	Start   time.Time
	Bytes   int64  // size of the encoded records
	Samples uint64 // number of samples covered by the capture
	Status  string // final state of the device, or the fatal error
	File    string // capture file, if any
}

// DB exposes convenience methods to record and retrieve capture sessions.
type DB struct {
	db  *sql.DB
	dsn string
}

// Open opens a connection to the sessions database described by dsn,
// e.g. "user:pwd@tcp(localhost)/qla?parseTime=true".
func Open(dsn string) (*DB, error) {
	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: could not open db: %w", err)
	}

	err = ping(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db, dsn: dsn}, nil
}

func ping(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("catalog: could not ping db: %w", err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Record inserts a new session and returns its identifier.
func (db *DB) Record(ctx context.Context, s Session) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := db.db.ExecContext(
		ctx,
		"INSERT INTO sessions (start, bytes, samples, status, file) VALUES (?, ?, ?, ?, ?)",
		s.Start.UTC(), s.Bytes, s.Samples, s.Status, s.File,
	)
	if err != nil {
		return 0, fmt.Errorf("catalog: could not insert session: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("catalog: could not retrieve session id: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return id, fmt.Errorf("catalog: context error while recording session: %w", err)
	}

	return id, nil
}

// Sessions returns all the recorded sessions, most recent first.
func (db *DB) Sessions(ctx context.Context) ([]Session, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := db.db.QueryContext(
		ctx,
		"SELECT id, start, bytes, samples, status, file FROM sessions ORDER BY start DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: could not query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		err = rows.Scan(&s.ID, &s.Start, &s.Bytes, &s.Samples, &s.Status, &s.File)
		if err != nil {
			return nil, fmt.Errorf("catalog: could not get session: %w", err)
		}
		out = append(out, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: could not scan db for sessions: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("catalog: context error while retrieving sessions: %w", err)
	}

	return out, nil
}
