// Package querystore persists the history of filter queries submitted
// against projections using SQLite.
package querystore

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

// RunStatus is the outcome of a query run.
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// timeLayout has a fixed width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Run is one submitted query.
type Run struct {
	ID           string    `json:"run_id"`
	ProjectionID string    `json:"projection_id"`
	Query        string    `json:"query"`
	Status       RunStatus `json:"status"`
	Matched      int       `json:"matched"`
	OverlayRows  int       `json:"overlay_rows"`
	DurationMs   int64     `json:"duration_ms"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store provides persistent storage for query runs.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens or creates the store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create directory for sqlite")
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite")
	}
	// A single connection keeps :memory: databases alive and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to enable WAL")
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate")
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS query_runs (
		run_id TEXT PRIMARY KEY,
		projection_id TEXT NOT NULL,
		query TEXT NOT NULL,
		status TEXT NOT NULL,
		matched INTEGER DEFAULT 0,
		overlay_rows INTEGER DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_query_runs_projection ON query_runs(projection_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record inserts a run.
func (s *Store) Record(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO query_runs (run_id, projection_id, query, status, matched, overlay_rows, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.ProjectionID,
		run.Query,
		string(run.Status),
		run.Matched,
		run.OverlayRows,
		run.DurationMs,
		run.Error,
		run.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert query run")
	}
	return nil
}

// UpdateOverlayRows records how many rows the overlay held for a run.
func (s *Store) UpdateOverlayRows(runID string, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE query_runs SET overlay_rows = ? WHERE run_id = ?`, rows, runID)
	return errors.Wrap(err, "failed to update query run")
}

// Get returns one run, or nil if it does not exist.
func (s *Store) Get(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, projection_id, query, status, matched, overlay_rows, duration_ms, error, created_at
		FROM query_runs WHERE run_id = ?
	`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListByProjection returns the most recent runs for a projection, newest first.
func (s *Store) ListByProjection(projectionID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT run_id, projection_id, query, status, matched, overlay_rows, duration_ms, error, created_at
		FROM query_runs
		WHERE projection_id = ?
		ORDER BY created_at DESC, run_id DESC
		LIMIT ?
	`, projectionID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list query runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, errors.Wrap(rows.Err(), "failed to list query runs")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run       Run
		status    string
		createdAt string
	)
	err := row.Scan(
		&run.ID,
		&run.ProjectionID,
		&run.Query,
		&status,
		&run.Matched,
		&run.OverlayRows,
		&run.DurationMs,
		&run.Error,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &run, nil
}
