package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rollbook/rollbook/internal/protocol"
)

const markColumns = `local_id, server_id, owner, branch_id, roster_local_id, roster_server_id,
	date, status, deleted, created_at, updated_at, client_updated_at, server_updated_at`

// MarkInput describes an attendance mark create or update.
type MarkInput struct {
	Owner         string
	BranchID      int64
	Date          string
	Status        protocol.Status
	RosterLocalID int64

	// RosterServerID defaults to the roster entry's current server id.
	RosterServerID string

	ClientUpdatedAt time.Time
}

// UpsertAttendanceMark creates or updates the mark keyed on
// (owner, branch, roster entry, date), reviving it if soft-deleted.
func (t *Tx) UpsertAttendanceMark(ctx context.Context, in MarkInput) (mark *AttendanceMark, created bool, err error) {
	if in.Status != protocol.StatusPresent && in.Status != protocol.StatusAbsent {
		return nil, false, fmt.Errorf("invalid status %q", in.Status)
	}
	if _, err := time.Parse(protocol.DateLayout, in.Date); err != nil {
		return nil, false, fmt.Errorf("invalid date %q: %w", in.Date, err)
	}

	entry, err := t.getRosterEntry(ctx, in.RosterLocalID)
	if err != nil {
		return nil, false, fmt.Errorf("roster entry %d: %w", in.RosterLocalID, err)
	}
	if entry.Owner != in.Owner {
		return nil, false, ErrOwnerMismatch
	}
	rosterServerID := in.RosterServerID
	if rosterServerID == "" {
		rosterServerID = entry.ServerID
	}

	row := t.tx.QueryRowContext(ctx, `
		SELECT `+markColumns+` FROM attendance_marks
		WHERE owner = ? AND branch_id = ? AND roster_local_id = ? AND date = ?`,
		in.Owner, in.BranchID, in.RosterLocalID, in.Date)
	existing, err := scanMark(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := formatTime(t.now)
	clientTS := formatTime(in.ClientUpdatedAt)

	if existing == nil {
		res, err := t.tx.ExecContext(ctx, `
			INSERT INTO attendance_marks (
				owner, branch_id, roster_local_id, roster_server_id, date, status, deleted,
				created_at, updated_at, client_updated_at
			) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			in.Owner, in.BranchID, in.RosterLocalID, nullString(rosterServerID),
			in.Date, string(in.Status), now, now, clientTS)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert attendance mark: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, false, fmt.Errorf("failed to read attendance mark id: %w", err)
		}
		mark, err = t.getMark(ctx, id)
		return mark, true, err
	}

	_, err = t.tx.ExecContext(ctx, `
		UPDATE attendance_marks SET
			roster_server_id = ?, status = ?, deleted = 0, updated_at = ?, client_updated_at = ?
		WHERE local_id = ?`,
		nullString(rosterServerID), string(in.Status), now, clientTS, existing.LocalID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update attendance mark %d: %w", existing.LocalID, err)
	}
	mark, err = t.getMark(ctx, existing.LocalID)
	return mark, false, err
}

// SoftDeleteAttendanceMark marks the mark deleted.
func (t *Tx) SoftDeleteAttendanceMark(ctx context.Context, owner string, localID int64, clientUpdatedAt time.Time) (*AttendanceMark, error) {
	existing, err := t.getMark(ctx, localID)
	if err != nil {
		return nil, err
	}
	if existing.Owner != owner {
		return nil, ErrOwnerMismatch
	}

	_, err = t.tx.ExecContext(ctx, `
		UPDATE attendance_marks SET deleted = 1, updated_at = ?, client_updated_at = ?
		WHERE local_id = ?`,
		formatTime(t.now), formatTime(clientUpdatedAt), localID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete attendance mark %d: %w", localID, err)
	}
	return t.getMark(ctx, localID)
}

func (t *Tx) getMark(ctx context.Context, localID int64) (*AttendanceMark, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+markColumns+` FROM attendance_marks WHERE local_id = ?`, localID)
	return scanMark(row)
}

// GetAttendanceMark returns a mark by local id, including deleted ones.
func (s *Store) GetAttendanceMark(ctx context.Context, owner string, localID int64) (*AttendanceMark, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+markColumns+` FROM attendance_marks WHERE local_id = ?`, localID)
	m, err := scanMark(row)
	if err != nil {
		return nil, err
	}
	if m.Owner != owner {
		return nil, ErrOwnerMismatch
	}
	return m, nil
}

// FindAttendanceMark returns the live mark for a roster entry on date.
func (s *Store) FindAttendanceMark(ctx context.Context, owner string, branchID, rosterLocalID int64, date string) (*AttendanceMark, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+markColumns+` FROM attendance_marks
		WHERE owner = ? AND branch_id = ? AND roster_local_id = ? AND date = ? AND deleted = 0`,
		owner, branchID, rosterLocalID, date)
	return scanMark(row)
}

// ListAttendance returns a branch's live marks for date.
func (s *Store) ListAttendance(ctx context.Context, owner string, branchID int64, date string) ([]*AttendanceMark, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+markColumns+` FROM attendance_marks
		WHERE owner = ? AND branch_id = ? AND date = ? AND deleted = 0
		ORDER BY roster_local_id ASC`, owner, branchID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to list attendance: %w", err)
	}
	defer rows.Close()

	var marks []*AttendanceMark
	for rows.Next() {
		m, err := scanMark(rows)
		if err != nil {
			return nil, err
		}
		marks = append(marks, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attendance: %w", err)
	}
	return marks, nil
}

func scanMark(row rowScanner) (*AttendanceMark, error) {
	var m AttendanceMark
	var serverID, rosterServerID, serverUpdatedAt sql.NullString
	var status, createdAt, updatedAt, clientUpdatedAt string

	err := row.Scan(
		&m.LocalID, &serverID, &m.Owner, &m.BranchID, &m.RosterLocalID, &rosterServerID,
		&m.Date, &status, &m.Deleted, &createdAt, &updatedAt, &clientUpdatedAt, &serverUpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan attendance mark: %w", err)
	}

	m.ServerID = serverID.String
	m.RosterServerID = rosterServerID.String
	m.ServerUpdatedAt = serverUpdatedAt.String
	m.Status = protocol.Status(status)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	m.ClientUpdatedAt = parseTime(clientUpdatedAt)
	return &m, nil
}
