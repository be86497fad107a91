package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const branchColumns = `local_id, server_id, owner, name, deleted, created_at, updated_at`

// EnsureBranch returns the owner's branch called name, creating it (or
// un-deleting it) if needed. Branches are created locally first and learn their
// server id on the next sync.
func (t *Tx) EnsureBranch(ctx context.Context, owner, name string) (*Branch, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("branch name is required")
	}

	now := formatTime(t.now)
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO branches (owner, name, deleted, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(owner, name) DO UPDATE SET
			deleted = 0,
			updated_at = CASE WHEN branches.deleted = 1 THEN excluded.updated_at ELSE branches.updated_at END
	`, owner, name, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert branch %q: %w", name, err)
	}

	row := t.tx.QueryRowContext(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE owner = ? AND name = ?`, owner, name)
	return scanBranch(row)
}

// EnsureBranch runs Tx.EnsureBranch in its own transaction.
func (s *Store) EnsureBranch(ctx context.Context, owner, name string) (*Branch, error) {
	var b *Branch
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		b, err = tx.EnsureBranch(ctx, owner, name)
		return err
	})
	return b, err
}

// CreateBranch is EnsureBranch for explicit creation: a live branch with the
// same name is an error rather than a match.
func (s *Store) CreateBranch(ctx context.Context, owner, name string) (*Branch, error) {
	var b *Branch
	err := s.Update(ctx, func(tx *Tx) error {
		var live int
		err := tx.tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM branches WHERE owner = ? AND name = ? AND deleted = 0`,
			owner, strings.TrimSpace(name)).Scan(&live)
		if err != nil {
			return fmt.Errorf("failed to check branch %q: %w", name, err)
		}
		if live > 0 {
			return fmt.Errorf("%q: %w", name, ErrDuplicateBranch)
		}
		b, err = tx.EnsureBranch(ctx, owner, name)
		return err
	})
	return b, err
}

// FindBranch returns the owner's live branch called name.
func (s *Store) FindBranch(ctx context.Context, owner, name string) (*Branch, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE owner = ? AND name = ? AND deleted = 0`,
		owner, strings.TrimSpace(name))
	return scanBranch(row)
}

// GetBranch returns the owner's branch by local id.
func (s *Store) GetBranch(ctx context.Context, owner string, localID int64) (*Branch, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE local_id = ?`, localID)
	b, err := scanBranch(row)
	if err != nil {
		return nil, err
	}
	if b.Owner != owner {
		return nil, ErrOwnerMismatch
	}
	return b, nil
}

func (t *Tx) getBranch(ctx context.Context, localID int64) (*Branch, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE local_id = ?`, localID)
	return scanBranch(row)
}

// ListBranches returns the owner's live branches ordered by name.
func (s *Store) ListBranches(ctx context.Context, owner string) ([]*Branch, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE owner = ? AND deleted = 0 ORDER BY name ASC`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer rows.Close()

	var branches []*Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating branches: %w", err)
	}
	return branches, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBranch(row rowScanner) (*Branch, error) {
	var b Branch
	var serverID sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&b.LocalID, &serverID, &b.Owner, &b.Name, &b.Deleted, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan branch: %w", err)
	}
	b.ServerID = serverID.String
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}
