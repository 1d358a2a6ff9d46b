// Package store persists probe runs in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/chazu/exitprobe/report"
	"github.com/chazu/exitprobe/snapshot"
)

// ErrRunNotFound indicates the requested run doesn't exist
var ErrRunNotFound = errors.New("run not found")

// Status classifies a finished run.
type Status string

const (
	// StatusComplete: the stream ended with DONE and carried at least one
	// snapshot, or no target was set.
	StatusComplete Status = "complete"

	// StatusNoEvidence: the stream was well formed but the target never
	// exited during any test.
	StatusNoEvidence Status = "no-evidence"

	// StatusIncomplete: the stream broke, was malformed or lacked DONE.
	StatusIncomplete Status = "incomplete"
)

// Run is one controller invocation and everything the agent reported.
type Run struct {
	ID       uuid.UUID
	Target   string
	Status   Status
	Code     report.ExitCode
	Detail   string // why the run is incomplete, if it is
	Started  time.Time
	Finished time.Time
	Tests    []Test
}

// Test is the report for one test, in arrival order.
type Test struct {
	Name      string
	Snapshots []snapshot.Snapshot
}

// Summary is a run without its tests.
type Summary struct {
	ID        uuid.UUID
	Target    string
	Status    Status
	Code      report.ExitCode
	Started   time.Time
	Tests     int
	Snapshots int
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	target TEXT NOT NULL,
	status TEXT NOT NULL,
	code INTEGER NOT NULL,
	detail TEXT NOT NULL,
	started INTEGER NOT NULL,
	finished INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS tests (
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	name TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS snapshots (
	run_id TEXT NOT NULL,
	test_seq INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	site INTEGER NOT NULL,
	kind INTEGER NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (run_id, test_seq, seq),
	FOREIGN KEY (run_id, test_seq) REFERENCES tests(run_id, seq) ON DELETE CASCADE
);
`

// Store is a SQLite result database.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (s *Store, err error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if s == nil {
			db.Close()
		}
	}()
	// One connection keeps ":memory:" a single database and serializes
	// writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// SaveRun writes run and its tests in one transaction. A zero ID is replaced
// with a fresh one.
func (s *Store) SaveRun(ctx context.Context, run *Run) (err error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("saving run: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	id := run.ID.String()
	if _, err = tx.ExecContext(ctx,
		"INSERT INTO runs (id, target, status, code, detail, started, finished) VALUES (?, ?, ?, ?, ?, ?, ?)",
		id, run.Target, string(run.Status), int32(run.Code), run.Detail,
		run.Started.UnixNano(), run.Finished.UnixNano(),
	); err != nil {
		return fmt.Errorf("saving run %s: %w", id, err)
	}

	for i, t := range run.Tests {
		if _, err = tx.ExecContext(ctx,
			"INSERT INTO tests (run_id, seq, name) VALUES (?, ?, ?)", id, i, t.Name,
		); err != nil {
			return fmt.Errorf("saving test %s: %w", t.Name, err)
		}
		for j := range t.Snapshots {
			snap := &t.Snapshots[j]
			var data []byte
			if data, err = snapshot.Encode(snap); err != nil {
				return fmt.Errorf("encoding snapshot %d of %s: %w", j, t.Name, err)
			}
			if _, err = tx.ExecContext(ctx,
				"INSERT INTO snapshots (run_id, test_seq, seq, site, kind, data) VALUES (?, ?, ?, ?, ?, ?)",
				id, i, j, snap.Site, int(snap.Kind), data,
			); err != nil {
				return fmt.Errorf("saving snapshot %d of %s: %w", j, t.Name, err)
			}
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("saving run %s: %w", id, err)
	}
	return nil
}

// Run loads a run with all its tests and snapshots.
func (s *Store) Run(ctx context.Context, id uuid.UUID) (*Run, error) {
	run := &Run{ID: id}
	var status string
	var code int32
	var started, finished int64
	err := s.db.QueryRowContext(ctx,
		"SELECT target, status, code, detail, started, finished FROM runs WHERE id = ?", id.String(),
	).Scan(&run.Target, &status, &code, &run.Detail, &started, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("querying run: %w", err)
	}
	run.Status = Status(status)
	run.Code = report.ExitCode(code)
	run.Started = time.Unix(0, started)
	run.Finished = time.Unix(0, finished)

	rows, err := s.db.QueryContext(ctx, "SELECT name FROM tests WHERE run_id = ? ORDER BY seq", id.String())
	if err != nil {
		return nil, fmt.Errorf("querying tests: %w", err)
	}
	for rows.Next() {
		var t Test
		if err := rows.Scan(&t.Name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning test: %w", err)
		}
		run.Tests = append(run.Tests, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying tests: %w", err)
	}

	rows, err = s.db.QueryContext(ctx,
		"SELECT test_seq, data FROM snapshots WHERE run_id = ? ORDER BY test_seq, seq", id.String())
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var seq int
		var data []byte
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		if seq < 0 || seq >= len(run.Tests) {
			return nil, fmt.Errorf("snapshot for unknown test %d", seq)
		}
		snap, err := snapshot.Decode(data)
		if err != nil {
			return nil, err
		}
		run.Tests[seq].Snapshots = append(run.Tests[seq].Snapshots, snap)
	}
	return run, rows.Err()
}

// Runs lists the most recent runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.target, r.status, r.code, r.started,
			(SELECT COUNT(*) FROM tests t WHERE t.run_id = r.id),
			(SELECT COUNT(*) FROM snapshots n WHERE n.run_id = r.id)
		FROM runs r ORDER BY r.started DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var id, status string
		var code int32
		var started int64
		if err := rows.Scan(&id, &sum.Target, &status, &code, &started, &sum.Tests, &sum.Snapshots); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if sum.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("run id %q: %w", id, err)
		}
		sum.Status = Status(status)
		sum.Code = report.ExitCode(code)
		sum.Started = time.Unix(0, started)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// DeleteRun removes a run and everything it reported.
func (s *Store) DeleteRun(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id.String())
	if err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}
