// Package store is the client's durable local database.
//
// It holds the teacher's branches, roster entries and attendance marks, plus
// the pending-operations queue that feeds the sync driver. Every mutation made
// through the Record* helpers writes the record and its queued operation in a
// single SQLite transaction, so a crash never leaves the two out of step.
//
// Architecture:
//   - Database file: ~/.rollbook/rollbook.db (configurable)
//   - WAL mode: the daemon reads the queue while CLI commands write
//   - Tables: meta, branches, roster_entries, attendance_marks, pending_ops
//
// Records are never hard-deleted; deletion sets a flag so that the delete can
// itself be queued and reconciled.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

var (
	// ErrNotFound is returned when a record lookup matches nothing.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateRollNo is returned when a roll number is already taken by a
	// live roster entry in the same branch.
	ErrDuplicateRollNo = errors.New("roll number already in use")

	// ErrDuplicateBranch is returned by CreateBranch when the owner already has
	// a live branch with that name.
	ErrDuplicateBranch = errors.New("branch already exists")

	// ErrOwnerMismatch is returned when a record belongs to another principal.
	ErrOwnerMismatch = errors.New("record belongs to another owner")
)

// Store wraps the SQLite connection.
type Store struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// Open creates or opens the local database at path and prepares the schema.
//
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// One writer owns the file; a small pool is plenty.
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path, now: time.Now}

	if err := s.InitSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// SetClock overrides the wall clock used for created_at/updated_at columns.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS branches (
		local_id INTEGER PRIMARY KEY AUTOINCREMENT,
		server_id TEXT,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS roster_entries (
		local_id INTEGER PRIMARY KEY AUTOINCREMENT,
		server_id TEXT,
		owner TEXT NOT NULL,
		branch_id INTEGER NOT NULL REFERENCES branches(local_id),
		roll_no INTEGER NOT NULL CHECK (roll_no > 0),
		name TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		client_updated_at TEXT NOT NULL,
		server_updated_at TEXT
	);

	CREATE TABLE IF NOT EXISTS attendance_marks (
		local_id INTEGER PRIMARY KEY AUTOINCREMENT,
		server_id TEXT,
		owner TEXT NOT NULL,
		branch_id INTEGER NOT NULL REFERENCES branches(local_id),
		roster_local_id INTEGER NOT NULL REFERENCES roster_entries(local_id),
		roster_server_id TEXT,
		date TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('present', 'absent')),
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		client_updated_at TEXT NOT NULL,
		server_updated_at TEXT
	);

	CREATE TABLE IF NOT EXISTS pending_ops (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		entity TEXT NOT NULL,
		record_id INTEGER NOT NULL,
		action TEXT NOT NULL,
		payload TEXT NOT NULL,  -- JSON, protocol.StudentData or protocol.AttendanceData
		client_updated_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		needs_attention INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		server_updated_at TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_branches_owner_name
		ON branches(owner, name);

	-- Roll numbers are unique among live entries only
	CREATE UNIQUE INDEX IF NOT EXISTS idx_roster_live_roll
		ON roster_entries(owner, branch_id, roll_no) WHERE deleted = 0;
	CREATE INDEX IF NOT EXISTS idx_roster_server ON roster_entries(server_id);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_marks_key
		ON attendance_marks(owner, branch_id, roster_local_id, date);
	CREATE INDEX IF NOT EXISTS idx_marks_roster ON attendance_marks(roster_local_id);

	CREATE INDEX IF NOT EXISTS idx_pending_ready ON pending_ops(needs_attention, seq);
	CREATE INDEX IF NOT EXISTS idx_pending_record ON pending_ops(entity, record_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	// The installation id seeds op_id derivation; it must never change.
	_, err := s.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO meta (key, value) VALUES ('device_id', ?)`,
		uuid.NewString())
	if err != nil {
		return fmt.Errorf("failed to initialize device id: %w", err)
	}
	return nil
}

// Tx is a write transaction. All queue and record mutations made through one
// Tx commit or roll back together.
type Tx struct {
	tx  *sql.Tx
	now time.Time
}

// Update runs fn inside a transaction, committing if fn returns nil.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx, now: s.now().UTC()}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeviceID returns the installation id.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	return s.getMeta(ctx, "device_id")
}

// SelectedBranch returns the owner's selected branch, or ErrNotFound.
func (s *Store) SelectedBranch(ctx context.Context, owner string) (*Branch, error) {
	v, err := s.getMeta(ctx, "selected_branch:"+owner)
	if err != nil {
		return nil, err
	}
	var id int64
	if _, err := fmt.Sscanf(v, "%d", &id); err != nil {
		return nil, fmt.Errorf("corrupt selected branch %q: %w", v, err)
	}
	return s.GetBranch(ctx, owner, id)
}

// SelectBranch persists the owner's selected branch.
func (s *Store) SelectBranch(ctx context.Context, owner string, branchID int64) error {
	if _, err := s.GetBranch(ctx, owner, branchID); err != nil {
		return err
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		"selected_branch:"+owner, fmt.Sprintf("%d", branchID))
	if err != nil {
		return fmt.Errorf("failed to select branch: %w", err)
	}
	return nil
}

func (s *Store) getMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return v, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
