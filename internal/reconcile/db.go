package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Supported values for Open's driver argument.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DB is the authoritative store. Queries are written with ? placeholders and
// rebound for the underlying driver.
type DB struct {
	*sqlx.DB
	driver string
}

// Open connects to the authoritative store and creates the schema.
//
// For DriverSQLite, dsn is a file path (or any "file:" URI). For
// DriverPostgres it is a lib/pq connection string.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// A single connection serializes writers instead of failing with SQLITE_BUSY.
		conn.SetMaxOpenConns(1)
	}

	if err := ping(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	db := &DB{DB: conn, driver: driver}
	if err := db.InitSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

func sqliteDSN(dsn string) string {
	if strings.HasPrefix(dsn, "file:") {
		return dsn
	}
	return "file:" + dsn + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(wal)"
}

// ping waits for the database to accept connections, backing off a little
// more after each failed attempt.
func ping(ctx context.Context, conn *sqlx.DB) error {
	const maxAttempts = 20
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = conn.PingContext(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("database ping cancelled: %w", ctx.Err())
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	return fmt.Errorf("database ping timeout: %w", err)
}

// Driver reports the driver name the store was opened with.
func (db *DB) Driver() string {
	return db.driver
}

// InitSchema creates the authoritative tables if they don't exist. Idempotent.
//
// Every timestamp column holds a fixed-width UTC string (see formatTime), so
// lexical and chronological order agree on both drivers.
func (db *DB) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS branches (
			id TEXT PRIMARY KEY,
			teacher_id TEXT NOT NULL,
			name TEXT NOT NULL,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (teacher_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS students (
			id TEXT PRIMARY KEY,
			teacher_id TEXT NOT NULL,
			branch_id TEXT NOT NULL REFERENCES branches(id),
			roll_no INTEGER NOT NULL CHECK (roll_no > 0),
			name TEXT NOT NULL,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			synced_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS attendance (
			id TEXT PRIMARY KEY,
			teacher_id TEXT NOT NULL,
			branch_id TEXT NOT NULL REFERENCES branches(id),
			student_id TEXT NOT NULL REFERENCES students(id),
			date TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('present', 'absent')),
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			synced_at TEXT NOT NULL,
			UNIQUE (teacher_id, student_id, date)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_ledger (
			teacher_id TEXT NOT NULL,
			op_id TEXT NOT NULL,
			entity TEXT NOT NULL,
			action TEXT NOT NULL,
			outcome TEXT NOT NULL,
			entity_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			processed_at TEXT NOT NULL,
			PRIMARY KEY (teacher_id, op_id)
		)`,
		// Roll numbers are unique among live entries only.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_students_live_roll
			ON students(teacher_id, branch_id, roll_no) WHERE deleted = FALSE`,
		`CREATE INDEX IF NOT EXISTS idx_students_teacher ON students(teacher_id)`,
		`CREATE INDEX IF NOT EXISTS idx_attendance_branch_date ON attendance(teacher_id, branch_id, date)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// serverTimeLayout is fixed-width so stored timestamps sort lexically.
const serverTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(serverTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
