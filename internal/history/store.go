// Package history keeps a SQLite log of completed and failed transfers.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Roelanb/limsnode/internal/storage"
	"github.com/Roelanb/limsnode/internal/transfer"
)

// Entry is one transfer outcome.
type Entry struct {
	ID           int64         `json:"id"`
	At           time.Time     `json:"at"`
	Session      string        `json:"session"`
	Experiment   string        `json:"experiment,omitempty"`
	Path         string        `json:"path"`
	TargetPath   string        `json:"targetPath,omitempty"`
	Size         int64         `json:"size"`
	Checksum     string        `json:"checksum,omitempty"`
	Colocated    bool          `json:"colocated,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
	TransferTime time.Duration `json:"transferTime"`
	Error        string        `json:"error,omitempty"`
}

// FromResult converts a successful transfer.
func FromResult(session, experiment string, r transfer.Result) Entry {
	return Entry{
		Session:      session,
		Experiment:   experiment,
		Path:         r.Path,
		TargetPath:   r.TargetPath,
		Size:         r.Size,
		Checksum:     r.Checksum,
		Colocated:    r.Colocated,
		Elapsed:      r.Elapsed,
		TransferTime: r.TransferTime,
	}
}

// FromError converts a failed transfer.
func FromError(session, experiment string, fe storage.FileError) Entry {
	return Entry{Session: session, Experiment: experiment, Path: fe.Path, Error: fe.Err.Error()}
}

// Store persists entries.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("history path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

const schema = `CREATE TABLE IF NOT EXISTS transfers (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    at TEXT NOT NULL,
    session TEXT NOT NULL,
    experiment TEXT,
    path TEXT NOT NULL,
    target_path TEXT,
    size INTEGER NOT NULL DEFAULT 0,
    checksum TEXT,
    colocated INTEGER NOT NULL DEFAULT 0,
    elapsed_ns INTEGER NOT NULL DEFAULT 0,
    transfer_ns INTEGER NOT NULL DEFAULT 0,
    error TEXT
);
CREATE INDEX IF NOT EXISTS idx_transfers_experiment ON transfers(experiment);`

func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends entries in one transaction. A zero At is stamped now.
func (s *Store) Record(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	now := time.Now().UTC()
	for _, e := range entries {
		at := e.At
		if at.IsZero() {
			at = now
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO transfers (at, session, experiment, path, target_path, size, checksum, colocated, elapsed_ns, transfer_ns, error)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			at.UTC().Format(time.RFC3339Nano),
			e.Session,
			nullable(e.Experiment),
			e.Path,
			nullable(e.TargetPath),
			e.Size,
			nullable(e.Checksum),
			e.Colocated,
			int64(e.Elapsed),
			int64(e.TransferTime),
			nullable(e.Error),
		)
		if err != nil {
			return fmt.Errorf("insert transfer %s: %w", e.Path, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Recent returns up to n entries, newest first. An empty experiment matches
// all experiments.
func (s *Store) Recent(ctx context.Context, experiment string, n int) ([]Entry, error) {
	if n <= 0 {
		n = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, session, experiment, path, target_path, size, checksum, colocated, elapsed_ns, transfer_ns, error
         FROM transfers WHERE (? = '' OR experiment = ?) ORDER BY id DESC LIMIT ?`,
		experiment, experiment, n)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e                              Entry
			at                             string
			exp, target, checksum, errText sql.NullString
			elapsed, transferTime          int64
		)
		if err := rows.Scan(&e.ID, &at, &e.Session, &exp, &e.Path, &target, &e.Size, &checksum, &e.Colocated, &elapsed, &transferTime, &errText); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.Experiment = exp.String
		e.TargetPath = target.String
		e.Checksum = checksum.String
		e.Error = errText.String
		e.Elapsed = time.Duration(elapsed)
		e.TransferTime = time.Duration(transferTime)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Totals sums transferred bytes and failures for an experiment. An empty
// experiment sums everything.
func (s *Store) Totals(ctx context.Context, experiment string) (bytes int64, files, failures int, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN error IS NULL THEN size ELSE 0 END), 0),
                COALESCE(SUM(CASE WHEN error IS NULL THEN 1 ELSE 0 END), 0),
                COALESCE(SUM(CASE WHEN error IS NULL THEN 0 ELSE 1 END), 0)
         FROM transfers WHERE (? = '' OR experiment = ?)`, experiment, experiment)
	if err := row.Scan(&bytes, &files, &failures); err != nil {
		return 0, 0, 0, fmt.Errorf("sum transfers: %w", err)
	}
	return bytes, files, failures, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
