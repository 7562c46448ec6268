// Package state provides SQLite-based checkpoint persistence. The scheduler
// periodically writes the in-flight assignment set so a restart can resume
// without losing track of outstanding work.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps an SQLite connection with checkpoint operations.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (creating if needed) the checkpoint database at path. Parent
// directories are created and WAL mode is enabled for concurrent reads.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// migrate applies pending schema migrations.
func (db *DB) migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Checkpoints},
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Checkpoints = `
CREATE TABLE IF NOT EXISTS checkpoints (
	task_id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	status TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	dispatch_token TEXT,
	assigned_at TEXT NOT NULL,
	written_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_agent_id ON checkpoints(agent_id);
`

// Entry is one in-flight assignment captured in a checkpoint.
type Entry struct {
	// TaskID is the in-flight task.
	TaskID string
	// AgentID is the agent the task is assigned to.
	AgentID string
	// Status is the task's status at checkpoint time (assigned or running).
	Status string
	// RetryCount is the task's retry counter.
	RetryCount int
	// DispatchToken is the attempt's idempotency key.
	DispatchToken string
	// AssignedAt is when the assignment was made.
	AssignedAt time.Time
}

// Save atomically replaces the checkpoint with the given in-flight set.
func (db *DB) Save(entries []Entry) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM checkpoints"); err != nil {
		tx.Rollback()
		return fmt.Errorf("clear checkpoints: %w", err)
	}

	now := formatTime(time.Now())
	for _, e := range entries {
		_, err := tx.Exec(`
			INSERT INTO checkpoints (task_id, agent_id, status, retry_count, dispatch_token, assigned_at, written_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, e.TaskID, e.AgentID, e.Status, e.RetryCount, e.DispatchToken, formatTime(e.AssignedAt), now)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert checkpoint for %s: %w", e.TaskID, err)
		}
	}

	return tx.Commit()
}

// Load returns the last saved in-flight set.
func (db *DB) Load() ([]Entry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.Query(`
		SELECT task_id, agent_id, status, retry_count, dispatch_token, assigned_at
		FROM checkpoints
	`)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var token sql.NullString
		var assignedAt string
		if err := rows.Scan(&e.TaskID, &e.AgentID, &e.Status, &e.RetryCount, &token, &assignedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		e.DispatchToken = token.String
		if t, err := parseTime(assignedAt); err == nil {
			e.AssignedAt = t
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
