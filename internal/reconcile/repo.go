package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// errNoRow is returned by the lookups below when nothing matches.
var errNoRow = errors.New("no matching row")

type branchRow struct {
	ID        string `db:"id"`
	TeacherID string `db:"teacher_id"`
	Name      string `db:"name"`
	Deleted   bool   `db:"deleted"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

type studentRow struct {
	ID        string `db:"id"`
	TeacherID string `db:"teacher_id"`
	BranchID  string `db:"branch_id"`
	RollNo    int    `db:"roll_no"`
	Name      string `db:"name"`
	Deleted   bool   `db:"deleted"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
	SyncedAt  string `db:"synced_at"`
}

type attendanceRow struct {
	ID        string `db:"id"`
	TeacherID string `db:"teacher_id"`
	BranchID  string `db:"branch_id"`
	StudentID string `db:"student_id"`
	Date      string `db:"date"`
	Status    string `db:"status"`
	Deleted   bool   `db:"deleted"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
	SyncedAt  string `db:"synced_at"`
}

type ledgerRow struct {
	TeacherID   string `db:"teacher_id"`
	OpID        string `db:"op_id"`
	Entity      string `db:"entity"`
	Action      string `db:"action"`
	Outcome     string `db:"outcome"`
	EntityID    string `db:"entity_id"`
	Reason      string `db:"reason"`
	ProcessedAt string `db:"processed_at"`
}

// repo runs the reconciler's queries against either the DB or an open
// transaction. All SQL uses ? placeholders and goes through Rebind.
type repo struct {
	q sqlx.ExtContext
}

func (r repo) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	err := sqlx.GetContext(ctx, r.q, dest, r.q.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return errNoRow
	}
	return err
}

func (r repo) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return r.q.ExecContext(ctx, r.q.Rebind(query), args...)
}

// claimOp inserts the ledger row for opID. It reports false when the op was
// already processed for this teacher.
func (r repo) claimOp(ctx context.Context, l ledgerRow) (bool, error) {
	res, err := r.exec(ctx, `
		INSERT INTO sync_ledger (teacher_id, op_id, entity, action, outcome, entity_id, reason, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (teacher_id, op_id) DO NOTHING`,
		l.TeacherID, l.OpID, l.Entity, l.Action, l.Outcome, l.EntityID, l.Reason, l.ProcessedAt)
	if err != nil {
		return false, fmt.Errorf("failed to claim op %s: %w", l.OpID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read ledger insert result: %w", err)
	}
	return n == 1, nil
}

func (r repo) settleOp(ctx context.Context, teacherID, opID, outcome, entityID, reason string) error {
	_, err := r.exec(ctx, `
		UPDATE sync_ledger SET outcome = ?, entity_id = ?, reason = ?
		WHERE teacher_id = ? AND op_id = ?`,
		outcome, entityID, reason, teacherID, opID)
	if err != nil {
		return fmt.Errorf("failed to record outcome of op %s: %w", opID, err)
	}
	return nil
}

func (r repo) ledgerEntry(ctx context.Context, teacherID, opID string) (*ledgerRow, error) {
	var l ledgerRow
	err := r.get(ctx, &l, `SELECT * FROM sync_ledger WHERE teacher_id = ? AND op_id = ?`, teacherID, opID)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ensureBranch returns the teacher's branch called name, creating or
// reviving it.
func (r repo) ensureBranch(ctx context.Context, teacherID, name, now string) (*branchRow, error) {
	_, err := r.exec(ctx, `
		INSERT INTO branches (id, teacher_id, name, deleted, created_at, updated_at)
		VALUES (?, ?, ?, FALSE, ?, ?)
		ON CONFLICT (teacher_id, name) DO NOTHING`,
		uuid.NewString(), teacherID, name, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure branch %q: %w", name, err)
	}
	b, err := r.branchByName(ctx, teacherID, name)
	if err != nil {
		return nil, err
	}
	if b.Deleted {
		if _, err := r.exec(ctx,
			`UPDATE branches SET deleted = FALSE, updated_at = ? WHERE id = ?`, now, b.ID); err != nil {
			return nil, fmt.Errorf("failed to revive branch %q: %w", name, err)
		}
		b.Deleted = false
		b.UpdatedAt = now
	}
	return b, nil
}

func (r repo) branchByName(ctx context.Context, teacherID, name string) (*branchRow, error) {
	var b branchRow
	if err := r.get(ctx, &b, `SELECT * FROM branches WHERE teacher_id = ? AND name = ?`, teacherID, name); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r repo) branchByID(ctx context.Context, id string) (*branchRow, error) {
	var b branchRow
	if err := r.get(ctx, &b, `SELECT * FROM branches WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r repo) studentByID(ctx context.Context, id string) (*studentRow, error) {
	var s studentRow
	if err := r.get(ctx, &s, `SELECT * FROM students WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &s, nil
}

// studentByKey prefers the live entry holding rollNo; failing that it returns
// the most recently created deleted one.
func (r repo) studentByKey(ctx context.Context, teacherID, branchID string, rollNo int) (*studentRow, error) {
	var s studentRow
	err := r.get(ctx, &s, `
		SELECT * FROM students WHERE teacher_id = ? AND branch_id = ? AND roll_no = ?
		ORDER BY deleted ASC, created_at DESC
		LIMIT 1`,
		teacherID, branchID, rollNo)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// rollNoHolder returns the id of the live entry other than excludeID that
// holds rollNo, or "" when there is none.
func (r repo) rollNoHolder(ctx context.Context, teacherID, branchID string, rollNo int, excludeID string) (string, error) {
	var id string
	err := r.get(ctx, &id, `
		SELECT id FROM students
		WHERE teacher_id = ? AND branch_id = ? AND roll_no = ? AND deleted = FALSE AND id <> ?
		LIMIT 1`,
		teacherID, branchID, rollNo, excludeID)
	if errors.Is(err, errNoRow) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to check roll number %d: %w", rollNo, err)
	}
	return id, nil
}

func (r repo) insertStudent(ctx context.Context, s *studentRow) error {
	_, err := r.exec(ctx, `
		INSERT INTO students (id, teacher_id, branch_id, roll_no, name, deleted, created_at, updated_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.TeacherID, s.BranchID, s.RollNo, s.Name, s.Deleted, s.CreatedAt, s.UpdatedAt, s.SyncedAt)
	if err != nil {
		return fmt.Errorf("failed to insert student: %w", err)
	}
	return nil
}

func (r repo) updateStudent(ctx context.Context, s *studentRow) error {
	_, err := r.exec(ctx, `
		UPDATE students SET branch_id = ?, roll_no = ?, name = ?, deleted = ?, updated_at = ?, synced_at = ?
		WHERE id = ?`,
		s.BranchID, s.RollNo, s.Name, s.Deleted, s.UpdatedAt, s.SyncedAt, s.ID)
	if err != nil {
		return fmt.Errorf("failed to update student %s: %w", s.ID, err)
	}
	return nil
}

func (r repo) attendanceByID(ctx context.Context, id string) (*attendanceRow, error) {
	var a attendanceRow
	if err := r.get(ctx, &a, `SELECT * FROM attendance WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r repo) attendanceByKey(ctx context.Context, teacherID, studentID, date string) (*attendanceRow, error) {
	var a attendanceRow
	err := r.get(ctx, &a, `
		SELECT * FROM attendance WHERE teacher_id = ? AND student_id = ? AND date = ?`,
		teacherID, studentID, date)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r repo) insertAttendance(ctx context.Context, a *attendanceRow) error {
	_, err := r.exec(ctx, `
		INSERT INTO attendance (id, teacher_id, branch_id, student_id, date, status, deleted, created_at, updated_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TeacherID, a.BranchID, a.StudentID, a.Date, a.Status, a.Deleted, a.CreatedAt, a.UpdatedAt, a.SyncedAt)
	if err != nil {
		return fmt.Errorf("failed to insert attendance: %w", err)
	}
	return nil
}

func (r repo) updateAttendance(ctx context.Context, a *attendanceRow) error {
	_, err := r.exec(ctx, `
		UPDATE attendance SET status = ?, deleted = ?, updated_at = ?, synced_at = ?
		WHERE id = ?`,
		a.Status, a.Deleted, a.UpdatedAt, a.SyncedAt, a.ID)
	if err != nil {
		return fmt.Errorf("failed to update attendance %s: %w", a.ID, err)
	}
	return nil
}
