// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ledger is the durable store behind the engine: a single SQLite
// file in WAL mode holding the append-only activity log, erasure requests,
// release records, privacy budget rows, salt epochs, and an optional
// day-sketch blob cache. The activity log is authoritative; everything a
// sketch knows can be rebuilt from it.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	StatusPending = "pending"
	StatusDone    = "done"
)

const tsFormat = time.RFC3339Nano

const schema = `
CREATE TABLE IF NOT EXISTS activity_log (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    user_key  TEXT NOT NULL,
    user_root TEXT NOT NULL,
    day       TEXT NOT NULL,
    op        TEXT NOT NULL CHECK (op IN ('+', '-')),
    ts        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_day  ON activity_log(day);
CREATE INDEX IF NOT EXISTS idx_activity_root ON activity_log(user_root);

CREATE TABLE IF NOT EXISTS erasure_log (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    user_key     TEXT NOT NULL,
    day          TEXT NOT NULL,
    status       TEXT NOT NULL CHECK (status IN ('pending', 'done')),
    created_at   TEXT NOT NULL,
    completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_erasure_status ON erasure_log(status);

CREATE TABLE IF NOT EXISTS releases (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    metric    TEXT NOT NULL,
    day       TEXT NOT NULL,
    month     TEXT NOT NULL,
    epsilon   REAL NOT NULL,
    delta     REAL NOT NULL,
    mechanism TEXT NOT NULL,
    raw       REAL NOT NULL,
    estimate  INTEGER NOT NULL,
    ci_low    REAL NOT NULL,
    ci_high   REAL NOT NULL,
    seed      INTEGER NOT NULL,
    ts        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_releases_month ON releases(metric, month);

CREATE TABLE IF NOT EXISTS budget (
    metric        TEXT NOT NULL,
    month         TEXT NOT NULL,
    naive_spent   REAL NOT NULL DEFAULT 0,
    release_count INTEGER NOT NULL DEFAULT 0,
    rdp_blob      TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY (metric, month)
);

CREATE TABLE IF NOT EXISTS salt_epochs (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    secret         BLOB NOT NULL,
    effective_date TEXT NOT NULL,
    rotation_days  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS day_sketch_blob (
    day  TEXT NOT NULL,
    impl TEXT NOT NULL,
    blob BLOB NOT NULL,
    PRIMARY KEY (day, impl)
);
`

// ActivityRow is one append-only audit record. UserKey is the epoch-scoped
// pseudonym that feeds sketches; UserRoot is the epoch-independent identity
// used to locate a user's days when an erasure arrives.
type ActivityRow struct {
	UserKey  string
	UserRoot string
	Day      string
	Op       string
	TS       time.Time
}

// ErasureRow tracks one retroactive deletion request.
type ErasureRow struct {
	ID          int64
	UserRoot    string
	Day         string
	Status      string
	CreatedAt   time.Time
	CompletedAt time.Time // zero until done
}

// ReleaseRow is one published noisy count.
type ReleaseRow struct {
	Metric    string
	Day       string
	Month     string
	Epsilon   float64
	Delta     float64
	Mechanism string
	Raw       float64
	Estimate  int64
	CILow     float64
	CIHigh    float64
	Seed      int64
	TS        time.Time
}

// BudgetRow is the per (metric, month) accountant state. RDPBlob is a JSON
// object mapping order to the summed epsilon contributions.
type BudgetRow struct {
	Metric       string
	Month        string
	NaiveSpent   float64
	ReleaseCount int
	RDPBlob      string
}

// EpochRow mirrors the salt_epochs table.
type EpochRow struct {
	ID            int64
	Secret        []byte
	EffectiveDate string
	RotationDays  int
}

// Ledger wraps the SQLite handle. All writes of one pipeline operation go
// through a single transaction obtained from Begin.
type Ledger struct {
	db   *sql.DB
	path string
}

// Open creates DATA_DIR/ledgers/ledger.db (and parents) and applies the
// schema. WAL journaling plus a busy timeout keeps the single-writer pipeline
// durable without blocking concurrent readers.
func Open(dataDir string) (*Ledger, error) {
	dir := filepath.Join(dataDir, "ledgers")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create ledgers dir")
	}
	path := filepath.Join(dir, "ledger.db")
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open ledger")
	}
	// A single connection sidesteps SQLITE_BUSY between the pipeline's
	// transaction and read paths.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	return &Ledger{db: db, path: path}, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error { return l.db.Close() }

// Path reports the backing file location.
func (l *Ledger) Path() string { return l.path }

// Tx is one atomic unit of ledger work.
type Tx struct {
	tx  *sql.Tx
	ctx context.Context
}

// Begin opens a write transaction. Callers must Commit or Rollback; the
// pipeline defers a Rollback so failures leave no partial state.
func (l *Ledger) Begin(ctx context.Context) (*Tx, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin ledger tx")
	}
	return &Tx{tx: tx, ctx: ctx}, nil
}

// Commit finalizes the transaction.
func (t *Tx) Commit() error { return errors.Wrap(t.tx.Commit(), "commit ledger tx") }

// Rollback aborts the transaction; safe to call after Commit.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return errors.Wrap(err, "rollback ledger tx")
	}
	return nil
}

// AppendActivity inserts audit rows in order.
func (t *Tx) AppendActivity(rows []ActivityRow) error {
	stmt, err := t.tx.PrepareContext(t.ctx,
		`INSERT INTO activity_log (user_key, user_root, day, op, ts) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare activity insert")
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.ExecContext(t.ctx, r.UserKey, r.UserRoot, r.Day, r.Op, r.TS.UTC().Format(tsFormat)); err != nil {
			return errors.Wrapf(err, "insert activity (%s, %s)", r.Day, r.Op)
		}
	}
	return nil
}

// DaysForRoot returns the distinct days with a surviving '+' for the given
// root identity: days where the newest row for (root, day) is an insert.
func (t *Tx) DaysForRoot(userRoot string) ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
        SELECT day FROM activity_log a
        WHERE user_root = ? AND id = (
            SELECT MAX(id) FROM activity_log b
            WHERE b.user_root = a.user_root AND b.day = a.day
        ) AND op = '+'
        ORDER BY day ASC`, userRoot)
	if err != nil {
		return nil, errors.Wrap(err, "query days for root")
	}
	defer rows.Close()
	return scanStrings(rows)
}

// AllDaysForRoot returns every distinct day carrying any activity row for the
// root identity. Erasure replay marks all of them for rebuild.
func (t *Tx) AllDaysForRoot(userRoot string) ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT DISTINCT day FROM activity_log WHERE user_root = ? ORDER BY day ASC`, userRoot)
	if err != nil {
		return nil, errors.Wrap(err, "query all days for root")
	}
	defer rows.Close()
	return scanStrings(rows)
}

// InsertErasure appends a pending erasure request and returns its id.
func (t *Tx) InsertErasure(userRoot, day string, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO erasure_log (user_key, day, status, created_at) VALUES (?, ?, ?, ?)`,
		userRoot, day, StatusPending, now.UTC().Format(tsFormat))
	if err != nil {
		return 0, errors.Wrap(err, "insert erasure")
	}
	id, err := res.LastInsertId()
	return id, errors.Wrap(err, "erasure id")
}

// MarkErasureDone flips a request to done. No rollback from done.
func (t *Tx) MarkErasureDone(id int64, now time.Time) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE erasure_log SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		StatusDone, now.UTC().Format(tsFormat), id, StatusPending)
	return errors.Wrapf(err, "mark erasure %d done", id)
}

// PendingErasures lists requests awaiting replay, oldest first.
func (t *Tx) PendingErasures() ([]ErasureRow, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
        SELECT id, user_key, day, status, created_at, COALESCE(completed_at, '')
        FROM erasure_log WHERE status = ? ORDER BY id ASC`, StatusPending)
	if err != nil {
		return nil, errors.Wrap(err, "query pending erasures")
	}
	defer rows.Close()
	var out []ErasureRow
	for rows.Next() {
		var r ErasureRow
		var created, completed string
		if err := rows.Scan(&r.ID, &r.UserRoot, &r.Day, &r.Status, &created, &completed); err != nil {
			return nil, errors.Wrap(err, "scan erasure")
		}
		if r.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		if completed != "" {
			if r.CompletedAt, err = parseTS(completed); err != nil {
				return nil, err
			}
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate erasures")
}

// OpKey is one activity event as the window store consumes it.
type OpKey struct {
	Op      string
	UserKey string
}

// DayActivity streams a day's audit rows in insertion order.
func (t *Tx) DayActivity(day string) ([]OpKey, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT op, user_key FROM activity_log WHERE day = ? ORDER BY id ASC`, day)
	if err != nil {
		return nil, errors.Wrapf(err, "query activity for %s", day)
	}
	defer rows.Close()
	var out []OpKey
	for rows.Next() {
		var r OpKey
		if err := rows.Scan(&r.Op, &r.UserKey); err != nil {
			return nil, errors.Wrap(err, "scan activity")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate activity")
}

// NewestActivityDay reports the latest day carrying any activity, or ok=false
// on an empty ledger. The rotation conflict check uses it.
func (t *Tx) NewestActivityDay() (string, bool, error) {
	var day sql.NullString
	err := t.tx.QueryRowContext(t.ctx, `SELECT MAX(day) FROM activity_log`).Scan(&day)
	if err != nil {
		return "", false, errors.Wrap(err, "query newest activity day")
	}
	return day.String, day.Valid && day.String != "", nil
}

// InsertRelease records a published count.
func (t *Tx) InsertRelease(r ReleaseRow) error {
	_, err := t.tx.ExecContext(t.ctx, `
        INSERT INTO releases (metric, day, month, epsilon, delta, mechanism, raw, estimate, ci_low, ci_high, seed, ts)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Metric, r.Day, r.Month, r.Epsilon, r.Delta, r.Mechanism,
		r.Raw, r.Estimate, r.CILow, r.CIHigh, r.Seed, r.TS.UTC().Format(tsFormat))
	return errors.Wrap(err, "insert release")
}

// MonthReleases lists the (epsilon, delta) pairs of a month's releases in
// publication order, for the advanced composition bound.
func (t *Tx) MonthReleases(metric, month string) ([][2]float64, error) {
	return monthReleases(t.ctx, t.tx, metric, month)
}

// MonthReleasesRead is the shared-lock variant for budget snapshots.
func (l *Ledger) MonthReleasesRead(ctx context.Context, metric, month string) ([][2]float64, error) {
	return monthReleases(ctx, l.db, metric, month)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func monthReleases(ctx context.Context, q querier, metric, month string) ([][2]float64, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT epsilon, delta FROM releases WHERE metric = ? AND month = ? ORDER BY id ASC`,
		metric, month)
	if err != nil {
		return nil, errors.Wrap(err, "query month releases")
	}
	defer rows.Close()
	var out [][2]float64
	for rows.Next() {
		var pair [2]float64
		if err := rows.Scan(&pair[0], &pair[1]); err != nil {
			return nil, errors.Wrap(err, "scan release")
		}
		out = append(out, pair)
	}
	return out, errors.Wrap(rows.Err(), "iterate releases")
}

// GetBudget reads the accountant row inside the transaction, defaulting to a
// zero row when the month has no releases yet.
func (t *Tx) GetBudget(metric, month string) (BudgetRow, error) {
	row := BudgetRow{Metric: metric, Month: month, RDPBlob: "{}"}
	err := t.tx.QueryRowContext(t.ctx, `
        SELECT naive_spent, release_count, rdp_blob FROM budget WHERE metric = ? AND month = ?`,
		metric, month).Scan(&row.NaiveSpent, &row.ReleaseCount, &row.RDPBlob)
	if err == sql.ErrNoRows {
		return row, nil
	}
	return row, errors.Wrap(err, "query budget")
}

// UpsertBudget writes the accountant row.
func (t *Tx) UpsertBudget(row BudgetRow) error {
	_, err := t.tx.ExecContext(t.ctx, `
        INSERT INTO budget (metric, month, naive_spent, release_count, rdp_blob)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (metric, month) DO UPDATE SET
            naive_spent = excluded.naive_spent,
            release_count = excluded.release_count,
            rdp_blob = excluded.rdp_blob`,
		row.Metric, row.Month, row.NaiveSpent, row.ReleaseCount, row.RDPBlob)
	return errors.Wrap(err, "upsert budget")
}

// ResetBudget zeroes a month's accountant state and drops its release rows so
// the composed bounds reset with the naive sum.
func (t *Tx) ResetBudget(metric, month string) error {
	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM releases WHERE metric = ? AND month = ?`, metric, month); err != nil {
		return errors.Wrap(err, "delete month releases")
	}
	if _, err := t.tx.ExecContext(t.ctx, `
        INSERT INTO budget (metric, month, naive_spent, release_count, rdp_blob)
        VALUES (?, ?, 0, 0, '{}')
        ON CONFLICT (metric, month) DO UPDATE SET
            naive_spent = 0, release_count = 0, rdp_blob = '{}'`,
		metric, month); err != nil {
		return errors.Wrap(err, "zero budget")
	}
	return nil
}

// GetBudgetRead is the shared-lock variant of GetBudget for snapshots.
func (l *Ledger) GetBudgetRead(ctx context.Context, metric, month string) (BudgetRow, error) {
	row := BudgetRow{Metric: metric, Month: month, RDPBlob: "{}"}
	err := l.db.QueryRowContext(ctx, `
        SELECT naive_spent, release_count, rdp_blob FROM budget WHERE metric = ? AND month = ?`,
		metric, month).Scan(&row.NaiveSpent, &row.ReleaseCount, &row.RDPBlob)
	if err == sql.ErrNoRows {
		return row, nil
	}
	return row, errors.Wrap(err, "query budget")
}

// ListEpochs returns every salt epoch, oldest first.
func (l *Ledger) ListEpochs(ctx context.Context) ([]EpochRow, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, secret, effective_date, rotation_days FROM salt_epochs ORDER BY effective_date ASC, id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "query salt epochs")
	}
	defer rows.Close()
	var out []EpochRow
	for rows.Next() {
		var e EpochRow
		if err := rows.Scan(&e.ID, &e.Secret, &e.EffectiveDate, &e.RotationDays); err != nil {
			return nil, errors.Wrap(err, "scan salt epoch")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate salt epochs")
}

// AppendEpoch adds a salt epoch row and returns its id.
func (t *Tx) AppendEpoch(secret []byte, effectiveDate string, rotationDays int) (int64, error) {
	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO salt_epochs (secret, effective_date, rotation_days) VALUES (?, ?, ?)`,
		secret, effectiveDate, rotationDays)
	if err != nil {
		return 0, errors.Wrap(err, "insert salt epoch")
	}
	id, err := res.LastInsertId()
	return id, errors.Wrap(err, "salt epoch id")
}

// GetSketchBlob fetches a cached day sketch, ok=false on a miss.
func (t *Tx) GetSketchBlob(day, impl string) ([]byte, bool, error) {
	var blob []byte
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT blob FROM day_sketch_blob WHERE day = ? AND impl = ?`, day, impl).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "query sketch blob")
	}
	return blob, true, nil
}

// PutSketchBlob caches a day sketch. The cache is advisory; the activity log
// stays authoritative.
func (t *Tx) PutSketchBlob(day, impl string, blob []byte) error {
	_, err := t.tx.ExecContext(t.ctx, `
        INSERT INTO day_sketch_blob (day, impl, blob) VALUES (?, ?, ?)
        ON CONFLICT (day, impl) DO UPDATE SET blob = excluded.blob`,
		day, impl, blob)
	return errors.Wrap(err, "put sketch blob")
}

// DeleteSketchBlobs invalidates every cached sketch for a day.
func (t *Tx) DeleteSketchBlobs(day string) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM day_sketch_blob WHERE day = ?`, day)
	return errors.Wrap(err, "delete sketch blobs")
}

// Backup writes a consistent copy of the ledger to destPath via VACUUM INTO.
func (l *Ledger) Backup(ctx context.Context, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return errors.Wrap(err, "create backup dir")
	}
	if _, err := os.Stat(destPath); err == nil {
		return errors.Errorf("backup target %s already exists", destPath)
	}
	_, err := l.db.ExecContext(ctx, `VACUUM INTO ?`, destPath)
	return errors.Wrap(err, "vacuum into backup")
}

func parseTS(s string) (time.Time, error) {
	ts, err := time.Parse(tsFormat, s)
	return ts, errors.Wrapf(err, "parse timestamp %q", s)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, errors.Wrap(err, "scan row")
		}
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "iterate rows")
}
