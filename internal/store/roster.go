package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const rosterColumns = `local_id, server_id, owner, branch_id, roll_no, name, deleted,
	created_at, updated_at, client_updated_at, server_updated_at`

// RosterInput describes a roster entry create or update.
type RosterInput struct {
	// LocalID selects the entry to update. Zero means look the entry up by
	// (Owner, BranchID, RollNo) and create it if absent.
	LocalID int64

	Owner    string
	BranchID int64
	RollNo   int
	Name     string

	// ServerID is set when the authoritative id is already known.
	ServerID string

	ClientUpdatedAt time.Time
}

// UpsertRosterEntry inserts or updates a roster entry. An entry found
// soft-deleted is revived. created reports whether a new row was inserted.
func (t *Tx) UpsertRosterEntry(ctx context.Context, in RosterInput) (entry *RosterEntry, created bool, err error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, false, fmt.Errorf("name is required")
	}
	if in.RollNo <= 0 {
		return nil, false, fmt.Errorf("roll number must be positive (got %d)", in.RollNo)
	}
	branch, err := t.getBranch(ctx, in.BranchID)
	if err != nil {
		return nil, false, fmt.Errorf("branch %d: %w", in.BranchID, err)
	}
	if branch.Owner != in.Owner {
		return nil, false, ErrOwnerMismatch
	}

	var existing *RosterEntry
	if in.LocalID != 0 {
		existing, err = t.getRosterEntry(ctx, in.LocalID)
		if err != nil {
			return nil, false, err
		}
		if existing.Owner != in.Owner {
			return nil, false, ErrOwnerMismatch
		}
	} else {
		// Prefer the live row; otherwise revive the most recent deleted one.
		row := t.tx.QueryRowContext(ctx, `
			SELECT `+rosterColumns+` FROM roster_entries
			WHERE owner = ? AND branch_id = ? AND roll_no = ?
			ORDER BY deleted ASC, local_id DESC
			LIMIT 1`, in.Owner, in.BranchID, in.RollNo)
		existing, err = scanRosterEntry(row)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}

	// Another live entry must not hold the target roll number.
	var clash int64
	excludeID := int64(0)
	if existing != nil {
		excludeID = existing.LocalID
	}
	err = t.tx.QueryRowContext(ctx, `
		SELECT local_id FROM roster_entries
		WHERE owner = ? AND branch_id = ? AND roll_no = ? AND deleted = 0 AND local_id != ?
		LIMIT 1`, in.Owner, in.BranchID, in.RollNo, excludeID).Scan(&clash)
	if err == nil {
		return nil, false, fmt.Errorf("roll %d: %w", in.RollNo, ErrDuplicateRollNo)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to check roll number: %w", err)
	}

	now := formatTime(t.now)
	clientTS := formatTime(in.ClientUpdatedAt)

	if existing == nil {
		res, err := t.tx.ExecContext(ctx, `
			INSERT INTO roster_entries (
				server_id, owner, branch_id, roll_no, name, deleted,
				created_at, updated_at, client_updated_at
			) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			nullString(in.ServerID), in.Owner, in.BranchID, in.RollNo, in.Name,
			now, now, clientTS)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert roster entry: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, false, fmt.Errorf("failed to read roster entry id: %w", err)
		}
		entry, err = t.getRosterEntry(ctx, id)
		return entry, true, err
	}

	serverID := existing.ServerID
	if in.ServerID != "" {
		serverID = in.ServerID
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE roster_entries SET
			server_id = ?, branch_id = ?, roll_no = ?, name = ?, deleted = 0,
			updated_at = ?, client_updated_at = ?
		WHERE local_id = ?`,
		nullString(serverID), in.BranchID, in.RollNo, in.Name,
		now, clientTS, existing.LocalID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update roster entry %d: %w", existing.LocalID, err)
	}
	entry, err = t.getRosterEntry(ctx, existing.LocalID)
	return entry, false, err
}

// SoftDeleteRosterEntry marks the entry deleted. Attendance marks referring to
// it are left alone; callers decide whether to delete those too.
func (t *Tx) SoftDeleteRosterEntry(ctx context.Context, owner string, localID int64, clientUpdatedAt time.Time) (*RosterEntry, error) {
	existing, err := t.getRosterEntry(ctx, localID)
	if err != nil {
		return nil, err
	}
	if existing.Owner != owner {
		return nil, ErrOwnerMismatch
	}

	_, err = t.tx.ExecContext(ctx, `
		UPDATE roster_entries SET deleted = 1, updated_at = ?, client_updated_at = ?
		WHERE local_id = ?`,
		formatTime(t.now), formatTime(clientUpdatedAt), localID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete roster entry %d: %w", localID, err)
	}
	return t.getRosterEntry(ctx, localID)
}

func (t *Tx) getRosterEntry(ctx context.Context, localID int64) (*RosterEntry, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+rosterColumns+` FROM roster_entries WHERE local_id = ?`, localID)
	return scanRosterEntry(row)
}

// GetRosterEntry returns a roster entry by local id, including deleted ones.
func (s *Store) GetRosterEntry(ctx context.Context, owner string, localID int64) (*RosterEntry, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+rosterColumns+` FROM roster_entries WHERE local_id = ?`, localID)
	e, err := scanRosterEntry(row)
	if err != nil {
		return nil, err
	}
	if e.Owner != owner {
		return nil, ErrOwnerMismatch
	}
	return e, nil
}

// FindRosterEntry returns the live entry with rollNo in the branch.
func (s *Store) FindRosterEntry(ctx context.Context, owner string, branchID int64, rollNo int) (*RosterEntry, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+rosterColumns+` FROM roster_entries
		WHERE owner = ? AND branch_id = ? AND roll_no = ? AND deleted = 0`,
		owner, branchID, rollNo)
	return scanRosterEntry(row)
}

// ListRoster returns a branch's roster ordered by roll number.
func (s *Store) ListRoster(ctx context.Context, owner string, branchID int64, includeDeleted bool) ([]*RosterEntry, error) {
	query := `SELECT ` + rosterColumns + ` FROM roster_entries WHERE owner = ? AND branch_id = ?`
	if !includeDeleted {
		query += ` AND deleted = 0`
	}
	query += ` ORDER BY roll_no ASC, local_id ASC`

	rows, err := s.conn.QueryContext(ctx, query, owner, branchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roster: %w", err)
	}
	defer rows.Close()

	var entries []*RosterEntry
	for rows.Next() {
		e, err := scanRosterEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating roster: %w", err)
	}
	return entries, nil
}

func scanRosterEntry(row rowScanner) (*RosterEntry, error) {
	var e RosterEntry
	var serverID, serverUpdatedAt sql.NullString
	var createdAt, updatedAt, clientUpdatedAt string

	err := row.Scan(
		&e.LocalID, &serverID, &e.Owner, &e.BranchID, &e.RollNo, &e.Name, &e.Deleted,
		&createdAt, &updatedAt, &clientUpdatedAt, &serverUpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan roster entry: %w", err)
	}

	e.ServerID = serverID.String
	e.ServerUpdatedAt = serverUpdatedAt.String
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	e.ClientUpdatedAt = parseTime(clientUpdatedAt)
	return &e, nil
}
