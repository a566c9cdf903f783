// Package store provides durable task storage on SQLite or PostgreSQL.
// All mutations are serialised through a single writer; readers use a
// separate read-only pool and never block on writes.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/JoshuaAFerguson/APEX-sub021/internal/db"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/db/dialect"
)

// Store persists tasks, subtasks, and the active session pointer.
type Store struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool

	// mu serialises read-modify-write sequences (transition validation,
	// usage accumulation) above the single writer connection.
	mu sync.Mutex

	closeOnce sync.Once
	closeErr  error

	now func() time.Time
}

// New creates a store over an existing writer/reader pair (shared ownership).
func New(writer, reader *sqlx.DB) (*Store, error) {
	return newStore(writer, reader, false)
}

// NewOwned creates a store that owns and will close the given connections.
func NewOwned(writer, reader *sqlx.DB) (*Store, error) {
	return newStore(writer, reader, true)
}

// OpenSQLite opens (creating if needed) the SQLite database at path and
// returns a store owning the writer and read-only reader pool.
func OpenSQLite(path string) (*Store, error) {
	writer, err := db.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	reader, err := db.OpenSQLiteReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return NewOwned(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3))
}

// OpenPostgres opens a PostgreSQL-backed store. The same pool serves
// reads and writes; postgres handles concurrent writers natively.
func OpenPostgres(dsn string, maxConns, minConns int) (*Store, error) {
	conn, err := db.OpenPostgres(dsn, maxConns, minConns)
	if err != nil {
		return nil, err
	}
	sx := sqlx.NewDb(conn, dialect.PGX)
	return NewOwned(sx, sx)
}

func newStore(writer, reader *sqlx.DB, ownsDB bool) (*Store, error) {
	s := &Store{db: writer, ro: reader, ownsDB: ownsDB, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// SetNowFunc overrides the store's clock. Tests use this to pin
// resume-after comparisons to a virtual time.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.now = now
}

// Close releases the backing connections; idempotent.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if !s.ownsDB {
			return
		}
		s.closeErr = s.db.Close()
		if s.ro != s.db {
			if err := s.ro.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}

// DB returns the underlying writer sql.DB instance for shared access.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// migration is one forward-only schema step. Versions are applied in
// ascending order and recorded in schema_migrations.
type migration struct {
	version int
	apply   func(driver string) []string
}

var migrations = []migration{
	{
		version: 1,
		apply: func(driver string) []string {
			ts := dialect.Timestamp(driver)
			return []string{
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tasks (
					id TEXT PRIMARY KEY,
					description TEXT NOT NULL,
					acceptance_criteria TEXT NOT NULL DEFAULT '',
					workflow TEXT NOT NULL,
					autonomy TEXT NOT NULL DEFAULT 'autonomous',
					priority TEXT NOT NULL DEFAULT 'normal',
					status TEXT NOT NULL DEFAULT 'pending',
					project_path TEXT NOT NULL DEFAULT '',
					branch TEXT NOT NULL DEFAULT '',
					current_stage TEXT NOT NULL DEFAULT '',
					current_agent TEXT NOT NULL DEFAULT '',
					pause_reason TEXT,
					resume_after %[1]s,
					retry_count INTEGER NOT NULL DEFAULT 0,
					max_retries INTEGER NOT NULL DEFAULT 0,
					input_tokens BIGINT NOT NULL DEFAULT 0,
					output_tokens BIGINT NOT NULL DEFAULT 0,
					total_tokens BIGINT NOT NULL DEFAULT 0,
					estimated_cost BIGINT NOT NULL DEFAULT 0,
					created_at %[1]s NOT NULL,
					updated_at %[1]s NOT NULL,
					paused_at %[1]s,
					completed_at %[1]s
				)`, ts),
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS subtasks (
					id TEXT PRIMARY KEY,
					task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
					description TEXT NOT NULL,
					status TEXT NOT NULL DEFAULT 'pending',
					created_at %[1]s NOT NULL,
					updated_at %[1]s NOT NULL,
					completed_at %[1]s
				)`, ts),
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sessions (
					id INTEGER PRIMARY KEY CHECK (id = 1),
					task_id TEXT,
					started_at %[1]s
				)`, ts),
				`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
				`CREATE INDEX IF NOT EXISTS idx_tasks_status_pause ON tasks(status, pause_reason)`,
				`CREATE INDEX IF NOT EXISTS idx_subtasks_task_id ON subtasks(task_id)`,
			}
		},
	},
}

// initSchema creates the migrations table and applies any pending
// forward migrations.
func (s *Store) initSchema() error {
	ts := dialect.Timestamp(s.db.DriverName())
	if _, err := s.db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at %s NOT NULL
	)`, ts)); err != nil {
		return err
	}

	var current sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&current); err != nil {
		return err
	}

	for _, m := range migrations {
		if current.Valid && m.version <= int(current.Int64) {
			continue
		}
		for _, stmt := range m.apply(s.db.DriverName()) {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
		}
		if _, err := s.db.Exec(s.db.Rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`), m.version, s.now()); err != nil {
			return fmt.Errorf("migration %d: record: %w", m.version, err)
		}
	}
	return nil
}
