// Package cache is the sqlite-backed run cache behind resume. One row per
// executed task, keyed by session id and task fingerprint; a later run in
// the same session can skip tasks whose fingerprint already completed.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createTaskRunsTable = `
CREATE TABLE IF NOT EXISTS task_runs (
    session_id  TEXT NOT NULL,
    task_hash   TEXT NOT NULL,
    task_id     TEXT NOT NULL,
    name        TEXT NOT NULL,
    status      TEXT NOT NULL,
    exit_code   INTEGER,
    work_dir    TEXT NOT NULL,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL,
    PRIMARY KEY (session_id, task_hash)
)`

// ErrNotFound is returned when no cache row matches a lookup.
var ErrNotFound = errors.New("cache entry not found")

// Entry is one cached task run.
type Entry struct {
	SessionID  string    `json:"session_id"`
	Hash       string    `json:"hash"`
	TaskID     string    `json:"task_id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	WorkDir    string    `json:"work_dir"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Stats holds aggregate cache contents.
type Stats struct {
	Total         int            `json:"total"`
	Sessions      int            `json:"sessions"`
	CountByStatus map[string]int `json:"count_by_status"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Cache defines the persistence operations behind resume.
type Cache interface {
	Put(ctx context.Context, e Entry) error
	Get(ctx context.Context, sessionID, hash string) (*Entry, error)
	Stats(ctx context.Context) (*Stats, error)
	Clear(ctx context.Context, sessionID string) (int64, error)
	Close() error
}

// Compile-time interface satisfaction check.
var _ Cache = (*SQLiteCache)(nil)

// SQLiteCache implements Cache using SQLite.
type SQLiteCache struct {
	db *sql.DB
}

// New opens the SQLite database at dbPath and runs migrations.
func New(dbPath string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createTaskRunsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create task_runs table: %w", err)
	}

	return &SQLiteCache{db: db}, nil
}

// Close closes the underlying database connection.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

// Put inserts or replaces the row for (session, hash). Re-running a task
// with the same fingerprint overwrites its earlier outcome.
func (c *SQLiteCache) Put(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO task_runs (
			session_id, task_hash, task_id, name, status,
			exit_code, work_dir, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, task_hash) DO UPDATE SET
			task_id     = excluded.task_id,
			name        = excluded.name,
			status      = excluded.status,
			exit_code   = excluded.exit_code,
			work_dir    = excluded.work_dir,
			duration_ms = excluded.duration_ms,
			created_at  = excluded.created_at`,
		e.SessionID, e.Hash, e.TaskID, e.Name, e.Status,
		e.ExitCode, e.WorkDir, e.DurationMS, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task run: %w", err)
	}
	return nil
}

// Get retrieves the cached run for (session, hash).
func (c *SQLiteCache) Get(ctx context.Context, sessionID, hash string) (*Entry, error) {
	e := &Entry{}
	err := c.db.QueryRowContext(ctx,
		`SELECT session_id, task_hash, task_id, name, status,
			exit_code, work_dir, duration_ms, created_at
		FROM task_runs WHERE session_id = ? AND task_hash = ?`,
		sessionID, hash,
	).Scan(
		&e.SessionID, &e.Hash, &e.TaskID, &e.Name, &e.Status,
		&e.ExitCode, &e.WorkDir, &e.DurationMS, &e.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task run: %w", err)
	}
	return e, nil
}

// Stats returns aggregate counts over the whole cache.
func (c *SQLiteCache) Stats(ctx context.Context) (*Stats, error) {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &Stats{CountByStatus: make(map[string]int)}
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(DISTINCT session_id) FROM task_runs",
	).Scan(&stats.Total, &stats.Sessions); err != nil {
		return nil, fmt.Errorf("count task runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM task_runs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM task_runs WHERE duration_ms > 0",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// Clear removes every row of a session and reports how many were dropped.
func (c *SQLiteCache) Clear(ctx context.Context, sessionID string) (int64, error) {
	result, err := c.db.ExecContext(ctx,
		"DELETE FROM task_runs WHERE session_id = ?", sessionID)
	if err != nil {
		return 0, fmt.Errorf("clear session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}
