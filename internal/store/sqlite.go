package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// SQLite is the durable Store backed by an SQLite database file.
type SQLite struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// Compile-time verification that SQLite implements Store.
var _ Store = (*SQLite)(nil)

// Open opens an SQLite store at the given path.
// It creates parent directories if they don't exist.
// WAL mode is enabled for concurrent reads.
func Open(path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create db directory: %v", ErrStorage, err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrStorage, err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: enable WAL mode: %v", ErrStorage, err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: enable foreign keys: %v", ErrStorage, err)
	}

	s := &SQLite{
		conn: conn,
		path: path,
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// Path returns the path to the database file.
func (s *SQLite) Path() string {
	return s.path
}

// Migrate applies all pending schema migrations.
func (s *SQLite) Migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("%w: create schema_version table: %v", ErrStorage, err)
	}

	var currentVersion int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("%w: get schema version: %v", ErrStorage, err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Tasks},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("%w: begin transaction: %v", ErrStorage, err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: apply migration v%d: %v", ErrStorage, m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: record migration v%d: %v", ErrStorage, m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: commit migration v%d: %v", ErrStorage, m.version, err)
		}
	}

	return nil
}

const migrationV1Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	payload BLOB,
	agent_id TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 1,
	state TEXT NOT NULL DEFAULT 'pending',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	retries INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	last_error TEXT
);

CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks(updated_at);
`

// Put upserts a task record.
func (s *SQLite) Put(t *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(`
		INSERT INTO tasks (id, payload, agent_id, priority, state, created_at, updated_at, retries, max_retries, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			agent_id = excluded.agent_id,
			priority = excluded.priority,
			state = excluded.state,
			updated_at = excluded.updated_at,
			retries = excluded.retries,
			max_retries = excluded.max_retries,
			last_error = excluded.last_error
	`, t.ID, t.Payload, t.AgentID, t.Priority, string(t.State),
		formatTime(t.Metadata.CreatedAt), formatTime(t.Metadata.UpdatedAt),
		t.Metadata.Retries, t.Metadata.MaxRetries, t.Metadata.LastError)
	if err != nil {
		return fmt.Errorf("%w: put task %s: %v", ErrStorage, t.ID, err)
	}
	return nil
}

// Get retrieves a task by ID. Returns nil, nil if the task does not exist.
func (s *SQLite) Get(id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.conn.QueryRow(`
		SELECT id, payload, agent_id, priority, state, created_at, updated_at, retries, max_retries, last_error
		FROM tasks WHERE id = ?
	`, id)

	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get task %s: %v", ErrStorage, id, err)
	}
	return t, nil
}

// List returns all persisted tasks.
func (s *SQLite) List() ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.Query(`
		SELECT id, payload, agent_id, priority, state, created_at, updated_at, retries, max_retries, last_error
		FROM tasks
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list tasks: %v", ErrStorage, err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan task: %v", ErrStorage, err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list tasks: %v", ErrStorage, err)
	}
	return tasks, nil
}

// Delete removes a task by ID. Deleting an absent ID is a no-op.
func (s *SQLite) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn.Exec("DELETE FROM tasks WHERE id = ?", id); err != nil {
		return fmt.Errorf("%w: delete task %s: %v", ErrStorage, id, err)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*models.Task, error) {
	var t models.Task
	var state, createdAt, updatedAt string
	var lastError sql.NullString

	err := sc.Scan(&t.ID, &t.Payload, &t.AgentID, &t.Priority, &state,
		&createdAt, &updatedAt, &t.Metadata.Retries, &t.Metadata.MaxRetries, &lastError)
	if err != nil {
		return nil, err
	}

	t.State = models.TaskState(state)
	t.Metadata.CreatedAt, _ = parseTime(createdAt)
	t.Metadata.UpdatedAt, _ = parseTime(updatedAt)
	if lastError.Valid {
		t.Metadata.LastError = lastError.String
	}
	return &t, nil
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
