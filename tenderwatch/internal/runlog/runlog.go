// Package runlog journals runs and per-candidate records into an SQLite
// database under the output root. It implements engine.Journal and serves
// the history queries of the CLI and the MCP tools.
package runlog

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/licita/tenderwatch/internal/engine"
	"github.com/hazyhaar/licita/tenderwatch/tender"
)

// ErrNotFound is returned for unknown run ids.
var ErrNotFound = errors.New("runlog: run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id        TEXT PRIMARY KEY,
	company_id    TEXT NOT NULL,
	started_at    TEXT NOT NULL,
	finished_at   TEXT,
	success       INTEGER,
	results       INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	outcome       BLOB
);
CREATE INDEX IF NOT EXISTS runs_company ON runs(company_id, started_at);
CREATE TABLE IF NOT EXISTS records (
	run_id      TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	tender_id   TEXT NOT NULL,
	title       TEXT NOT NULL,
	source_url  TEXT NOT NULL,
	status      TEXT NOT NULL,
	zip_path    TEXT,
	files       INTEGER NOT NULL,
	error       TEXT,
	started_at  TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	PRIMARY KEY (run_id, tender_id)
);`

// Journal is an SQLite-backed engine.Journal.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	db, err := openDB(path, schema)
	if err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// Begin records a run start.
func (j *Journal) Begin(ctx context.Context, runID, companyID string, started time.Time) error {
	return exec(ctx, j.db,
		`INSERT INTO runs (run_id, company_id, started_at) VALUES (?, ?, ?)`,
		runID, companyID, ts(started))
}

// Record stores one candidate's terminal state. A repeated tender id within
// a run replaces the earlier row.
func (j *Journal) Record(ctx context.Context, runID string, rec engine.Record) error {
	return exec(ctx, j.db, `
INSERT OR REPLACE INTO records
	(run_id, tender_id, title, source_url, status, zip_path, files, error, started_at, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, rec.TenderID, rec.Title, rec.SourceURL, string(rec.Status),
		nullable(rec.ZipPath), rec.Files, nullable(rec.Error),
		ts(rec.Started), rec.Duration.Milliseconds())
}

// Finish stores the run's outcome.
func (j *Journal) Finish(ctx context.Context, runID string, o tender.Outcome, finished time.Time) error {
	var buf bytes.Buffer
	if err := tender.Encode(&buf, o); err != nil {
		return err
	}
	var msg any
	if o.ErrorMessage != nil {
		msg = *o.ErrorMessage
	}
	return exec(ctx, j.db, `
UPDATE runs SET finished_at = ?, success = ?, results = ?, error_message = ?, outcome = ?
WHERE run_id = ?`,
		ts(finished), o.Success, len(o.Tenders), msg, buf.Bytes(), runID)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Run summarizes one journaled run.
type Run struct {
	ID        string
	CompanyID string
	Started   time.Time
	Finished  time.Time // zero while the run is in flight or was killed
	Success   bool
	Results   int
	Error     string
}

// Filter narrows Runs.
type Filter struct {
	CompanyID string // empty for every company
	Limit     int    // default 20
}

// Runs lists runs, newest first.
func (j *Journal) Runs(ctx context.Context, f Filter) ([]Run, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT run_id, company_id, started_at, finished_at, success, results, error_message
FROM runs
WHERE ? = '' OR company_id = ?
ORDER BY started_at DESC
LIMIT ?`, f.CompanyID, f.CompanyID, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("runlog: runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var (
			r                Run
			started          string
			finished, errMsg sql.NullString
			success          sql.NullBool
		)
		if err := rows.Scan(&r.ID, &r.CompanyID, &started, &finished, &success, &r.Results, &errMsg); err != nil {
			return nil, fmt.Errorf("runlog: runs: %w", err)
		}
		r.Started, _ = time.Parse(time.RFC3339Nano, started)
		if finished.Valid {
			r.Finished, _ = time.Parse(time.RFC3339Nano, finished.String)
		}
		r.Success = success.Valid && success.Bool
		r.Error = errMsg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Records returns the candidate records of a run in the order they ended.
func (j *Journal) Records(ctx context.Context, runID string) ([]engine.Record, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT tender_id, title, source_url, status, zip_path, files, error, started_at, duration_ms
FROM records WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("runlog: records: %w", err)
	}
	defer rows.Close()
	var out []engine.Record
	for rows.Next() {
		var (
			rec         engine.Record
			status      string
			zip, errMsg sql.NullString
			started     string
			ms          int64
		)
		if err := rows.Scan(&rec.TenderID, &rec.Title, &rec.SourceURL, &status, &zip, &rec.Files, &errMsg, &started, &ms); err != nil {
			return nil, fmt.Errorf("runlog: records: %w", err)
		}
		rec.Status = engine.Status(status)
		rec.ZipPath = zip.String
		rec.Error = errMsg.String
		rec.Started, _ = time.Parse(time.RFC3339Nano, started)
		rec.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Outcome returns the stored outcome of a finished run.
func (j *Journal) Outcome(ctx context.Context, runID string) (tender.Outcome, error) {
	var blob []byte
	err := j.db.QueryRowContext(ctx, `SELECT outcome FROM runs WHERE run_id = ?`, runID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return tender.Outcome{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return tender.Outcome{}, fmt.Errorf("runlog: outcome: %w", err)
	}
	if len(blob) == 0 {
		return tender.Outcome{}, fmt.Errorf("runlog: run %s has not finished", runID)
	}
	return tender.Decode(blob)
}
