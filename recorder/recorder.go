// Package recorder keeps a SQLite history of streaming runs: one row per run
// and one row per processed sample with its prediction, target and running
// normalized error.
package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/n0madic/go-online-rls/transport"
)

const schema = `
	CREATE TABLE IF NOT EXISTS runs (
		run_id            TEXT PRIMARY KEY,
		name              TEXT,
		summary           TEXT,
		started_at        BIGINT,
		finished_at       BIGINT,
		samples           BIGINT DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS samples (
		run_id            TEXT,
		step              BIGINT,
		prediction        TEXT,
		target            TEXT,
		score             TEXT,
		recorded_at       BIGINT,
		PRIMARY KEY (run_id, step),
		FOREIGN KEY(run_id) REFERENCES runs(run_id)
	);
`

// Recorder wraps the history database.
type Recorder struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection keeps :memory: databases shared and serializes writes
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Recorder{db: db}, nil
}

// Close closes the database.
func (r *Recorder) Close() error { return r.db.Close() }

// Run is a handle for writing the samples of one run.
type Run struct {
	ID  string
	rec *Recorder
}

// StartRun registers a new run and returns its handle.
func (r *Recorder) StartRun(ctx context.Context, name, summary string) (*Run, error) {
	id := uuid.NewString()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, name, summary, started_at) VALUES (?, ?, ?, ?)`,
		id, name, summary, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return &Run{ID: id, rec: r}, nil
}

// Record stores one processed sample.
func (run *Run) Record(ctx context.Context, step uint64, yhat, y, score []float64) error {
	_, err := run.rec.db.ExecContext(ctx,
		`INSERT INTO samples (run_id, step, prediction, target, score, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, int64(step), transport.FormatLine(yhat), transport.FormatLine(y), transport.FormatLine(score),
		time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record step %d: %w", step, err)
	}
	return nil
}

// Finish stamps the run with its end time and sample count.
func (run *Run) Finish(ctx context.Context, samples uint64) error {
	_, err := run.rec.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, samples = ? WHERE run_id = ?`,
		time.Now().UnixMilli(), int64(samples), run.ID)
	return err
}

// RunInfo describes a recorded run.
type RunInfo struct {
	ID         string
	Name       string
	Summary    string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	Samples    int64
}

// Runs lists all runs, most recent first.
func (r *Recorder) Runs(ctx context.Context) ([]RunInfo, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT run_id, name, summary, started_at, finished_at, samples FROM runs ORDER BY started_at DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		var (
			info     RunInfo
			started  int64
			finished sql.NullInt64
			samples  sql.NullInt64
		)
		if err := rows.Scan(&info.ID, &info.Name, &info.Summary, &started, &finished, &samples); err != nil {
			return nil, err
		}
		info.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			info.FinishedAt = time.UnixMilli(finished.Int64)
		}
		info.Samples = samples.Int64
		out = append(out, info)
	}
	return out, rows.Err()
}

// Point is one value of a recorded score curve.
type Point struct {
	Step  uint64
	Value float64
}

// ErrUnknownRun is returned by History for a run id with no samples.
var ErrUnknownRun = errors.New("unknown run")

// History returns the normalized error curve of output dimension dim.
func (r *Recorder) History(ctx context.Context, runID string, dim int) ([]Point, error) {
	if dim < 0 {
		return nil, fmt.Errorf("dimension %d out of range", dim)
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT step, score FROM samples WHERE run_id = ? ORDER BY step`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var (
			step  int64
			score string
		)
		if err := rows.Scan(&step, &score); err != nil {
			return nil, err
		}
		values, err := transport.ParseLine(score)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", step, err)
		}
		if dim >= len(values) {
			return nil, fmt.Errorf("dimension %d out of range, run has %d outputs", dim, len(values))
		}
		out = append(out, Point{Step: uint64(step), Value: values[dim]})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return out, nil
}
