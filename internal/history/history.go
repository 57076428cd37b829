// Package history keeps a SQLite ledger of completed conversion and edit
// jobs so past runs can be inspected after the fact.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mkelsey/cbx/internal/convert"
)

// Entry is one recorded job outcome.
type Entry struct {
	JobID       string
	Operation   string
	SourcePath  string
	TargetPath  string
	Success     bool
	Kind        string
	Message     string
	BackupPath  string
	RolledBack  bool
	StartedAt   time.Time
	CompletedAt time.Time
}

// Store wraps the ledger database.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the ledger at path and ensures the
// schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("history database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_log (
  id           TEXT PRIMARY KEY,
  operation    TEXT NOT NULL,
  source_path  TEXT NOT NULL,
  target_path  TEXT,
  success      INTEGER NOT NULL,
  kind         TEXT,
  message      TEXT,
  backup_path  TEXT,
  rolled_back  INTEGER NOT NULL DEFAULT 0,
  started_at   TEXT NOT NULL,
  completed_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_job_log_completed ON job_log(completed_at);`,
		`CREATE INDEX IF NOT EXISTS idx_job_log_source ON job_log(source_path);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap history schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record persists one terminal job outcome. Implements convert.Recorder.
func (s *Store) Record(ctx context.Context, operation string, res convert.Result, started, completed time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_log
  (id, operation, source_path, target_path, success, kind, message, backup_path, rolled_back, started_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.JobID, operation, res.SourcePath, res.TargetPath,
		boolToInt(res.Success), string(res.Kind), res.Message, res.BackupPath,
		boolToInt(res.RolledBack),
		started.UTC().Format(time.RFC3339), completed.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("record job %s: %w", res.JobID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, operation, source_path, COALESCE(target_path, ''), success,
       COALESCE(kind, ''), COALESCE(message, ''), COALESCE(backup_path, ''),
       rolled_back, started_at, completed_at
FROM job_log
ORDER BY completed_at DESC, id
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var success, rolledBack int
		var started, completed string
		if err := rows.Scan(&e.JobID, &e.Operation, &e.SourcePath, &e.TargetPath,
			&success, &e.Kind, &e.Message, &e.BackupPath, &rolledBack,
			&started, &completed); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Success = success != 0
		e.RolledBack = rolledBack != 0
		e.StartedAt, _ = time.Parse(time.RFC3339, started)
		e.CompletedAt, _ = time.Parse(time.RFC3339, completed)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ForSource returns all recorded outcomes for one source path, newest first.
func (s *Store) ForSource(ctx context.Context, sourcePath string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, operation, source_path, COALESCE(target_path, ''), success,
       COALESCE(kind, ''), COALESCE(message, ''), COALESCE(backup_path, ''),
       rolled_back, started_at, completed_at
FROM job_log
WHERE source_path = ?
ORDER BY completed_at DESC, id`, sourcePath)
	if err != nil {
		return nil, fmt.Errorf("query history for %s: %w", sourcePath, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var success, rolledBack int
		var started, completed string
		if err := rows.Scan(&e.JobID, &e.Operation, &e.SourcePath, &e.TargetPath,
			&success, &e.Kind, &e.Message, &e.BackupPath, &rolledBack,
			&started, &completed); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Success = success != 0
		e.RolledBack = rolledBack != 0
		e.StartedAt, _ = time.Parse(time.RFC3339, started)
		e.CompletedAt, _ = time.Parse(time.RFC3339, completed)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
