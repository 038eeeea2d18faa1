// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package persist stores the delivery state and the run history in a
// SQLite database.
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/matta/inboxsheet/internal/state"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var (
	createTableSql = []string{
		// The delivery_state table holds the encoded delivery
		// state.  There is one row per state name; the program
		// only ever uses stateName.
		//
		// Field: data
		//
		//   The JSON encoding produced by the state package.  It
		//   is replaced as a whole, inside a transaction.
		//
		// Field: updated_at
		//
		//   UTC time of the last write, in timeLayout.
		`
CREATE TABLE IF NOT EXISTS delivery_state (
name TEXT NOT NULL PRIMARY KEY,
data BLOB NOT NULL,
updated_at TEXT NOT NULL
);`,
		// The sync_runs table holds one row per completed or
		// aborted run.  Rows are never updated.
		//
		// Field: error
		//
		//   Empty when the run completed.
		`
CREATE TABLE IF NOT EXISTS sync_runs (
run_id TEXT NOT NULL PRIMARY KEY,
started_at TEXT NOT NULL,
finished_at TEXT NOT NULL,
listed INTEGER NOT NULL,
skipped INTEGER NOT NULL,
fetched INTEGER NOT NULL,
filtered INTEGER NOT NULL,
delivered INTEGER NOT NULL,
failed INTEGER NOT NULL,
error TEXT NOT NULL
);`,
	}
)

const stateName = "default"

// timeLayout is fixed width so that stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DB is a SQLite backed state.DurableStore.
type DB struct {
	db  *sqlx.DB
	log *slog.Logger
	now func() time.Time
}

var _ state.DurableStore = (*DB)(nil)

type Tx struct {
	tx *sqlx.Tx
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger for schema and open messages.
func WithLogger(l *slog.Logger) Option {
	return func(db *DB) {
		if l != nil {
			db.log = l
		}
	}
}

// WithClock replaces time.Now for updated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(db *DB) {
		if now != nil {
			db.now = now
		}
	}
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens or creates the database at path and ensures its schema.
func Open(ctx context.Context, path string, opts ...Option) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  A second run started
	// by cron while another is flushing should wait, not fail.
	var busyTimeout = int(time.Minute) / int(time.Millisecond)

	d := &DB{
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)},
		"_journal_mode": {"WAL"},
	})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	d.log.Debug("opening database", "dsn", dsn)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db, d.log); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}
	d.db = db
	return d, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{tx}, nil
}

func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

func initSchema(ctx context.Context, db *sqlx.DB, log *slog.Logger) error {
	for _, sql := range createTableSql {
		log.Debug("SQL Exec", "sql", sql)
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}
	return nil
}

// ReadBytes returns the stored delivery state, or state.ErrNotFound
// when nothing has been written yet.
func (db *DB) ReadBytes(ctx context.Context) ([]byte, error) {
	var data []byte
	err := db.db.GetContext(ctx, &data,
		`SELECT data FROM delivery_state WHERE name = ?`, stateName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "db select failed for delivery state")
	}
	return data, nil
}

// AtomicWriteBytes replaces the stored delivery state.  The write is
// a single transaction: readers see either the old or the new state.
func (db *DB) AtomicWriteBytes(ctx context.Context, data []byte) (err error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	if err = tx.PutState(ctx, data, db.now()); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit failed for delivery state")
	}
	return nil
}

func (tx *Tx) PutState(ctx context.Context, data []byte, at time.Time) error {
	const q = `
INSERT INTO delivery_state (name, data, updated_at) VALUES (?, ?, ?)
ON CONFLICT (name) DO UPDATE SET
data = excluded.data, updated_at = excluded.updated_at
`
	if _, err := tx.tx.ExecContext(ctx, q, stateName, data,
		at.UTC().Format(timeLayout)); err != nil {
		return errors.Wrap(err, "db upsert failed for delivery state")
	}
	return nil
}

// runRow is the sync_runs form of a state.RunSummary.
type runRow struct {
	RunID      string `db:"run_id"`
	StartedAt  string `db:"started_at"`
	FinishedAt string `db:"finished_at"`
	Listed     int    `db:"listed"`
	Skipped    int    `db:"skipped"`
	Fetched    int    `db:"fetched"`
	Filtered   int    `db:"filtered"`
	Delivered  int    `db:"delivered"`
	Failed     int    `db:"failed"`
	Error      string `db:"error"`
}

func toRunRow(sum state.RunSummary) runRow {
	return runRow{
		RunID:      sum.RunID,
		StartedAt:  sum.StartedAt.UTC().Format(timeLayout),
		FinishedAt: sum.FinishedAt.UTC().Format(timeLayout),
		Listed:     sum.Listed,
		Skipped:    sum.Skipped,
		Fetched:    sum.Fetched,
		Filtered:   sum.Filtered,
		Delivered:  sum.Delivered,
		Failed:     sum.Failed,
		Error:      sum.Error,
	}
}

func (r runRow) summary() (state.RunSummary, error) {
	started, err := time.Parse(timeLayout, r.StartedAt)
	if err != nil {
		return state.RunSummary{}, errors.Wrapf(err, "run %s: bad started_at", r.RunID)
	}
	finished, err := time.Parse(timeLayout, r.FinishedAt)
	if err != nil {
		return state.RunSummary{}, errors.Wrapf(err, "run %s: bad finished_at", r.RunID)
	}
	return state.RunSummary{
		RunID:      r.RunID,
		StartedAt:  started,
		FinishedAt: finished,
		Listed:     r.Listed,
		Skipped:    r.Skipped,
		Fetched:    r.Fetched,
		Filtered:   r.Filtered,
		Delivered:  r.Delivered,
		Failed:     r.Failed,
		Error:      r.Error,
	}, nil
}

// RecordRun appends sum to the run history.  Recording the same run
// twice is a no-op.
func (db *DB) RecordRun(ctx context.Context, sum state.RunSummary) error {
	if sum.RunID == "" {
		return errors.New("RecordRun: empty run id")
	}
	const q = `
INSERT OR IGNORE INTO sync_runs
(run_id, started_at, finished_at, listed, skipped, fetched, filtered, delivered, failed, error)
VALUES
(:run_id, :started_at, :finished_at, :listed, :skipped, :fetched, :filtered, :delivered, :failed, :error)
`
	if _, err := db.db.NamedExecContext(ctx, q, toRunRow(sum)); err != nil {
		return errors.Wrapf(err, "db insert failed for run %s", sum.RunID)
	}
	return nil
}

// RecentRuns returns up to limit runs, most recent first.
func (db *DB) RecentRuns(ctx context.Context, limit int) ([]state.RunSummary, error) {
	var rows []runRow
	err := db.db.SelectContext(ctx, &rows,
		`SELECT * FROM sync_runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "db select failed for sync_runs")
	}
	runs := make([]state.RunSummary, 0, len(rows))
	for _, r := range rows {
		sum, err := r.summary()
		if err != nil {
			return nil, err
		}
		runs = append(runs, sum)
	}
	return runs, nil
}
