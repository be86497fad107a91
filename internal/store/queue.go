package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rollbook/rollbook/internal/protocol"
)

const opColumns = `seq, entity, record_id, action, payload, client_updated_at, created_at,
	attempts, needs_attention, last_error, server_updated_at`

// EnqueueOperation appends an operation to the queue. Call it on the same Tx as
// the record mutation it represents.
func (t *Tx) EnqueueOperation(ctx context.Context, kind protocol.EntityKind, recordID int64, action protocol.Action, payload interface{}, clientUpdatedAt time.Time) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO pending_ops (entity, record_id, action, payload, client_updated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(kind), recordID, string(action), string(data),
		formatTime(clientUpdatedAt), formatTime(t.now))
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s %s: %w", kind, action, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue sequence: %w", err)
	}
	return seq, nil
}

// EnqueueOperation runs Tx.EnqueueOperation in its own transaction. Prefer the
// Tx form: enqueueing after the record write has already committed risks the
// operation being lost if the process dies in between.
func (s *Store) EnqueueOperation(ctx context.Context, kind protocol.EntityKind, recordID int64, action protocol.Action, payload interface{}, clientUpdatedAt time.Time) (int64, error) {
	var seq int64
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		seq, err = tx.EnqueueOperation(ctx, kind, recordID, action, payload, clientUpdatedAt)
		return err
	})
	return seq, err
}

// DrainQueueBatch returns up to limit pending operations, oldest first.
// Operations flagged as needing attention are excluded.
func (s *Store) DrainQueueBatch(ctx context.Context, limit int) ([]*QueuedOperation, error) {
	return s.DrainQueueAfter(ctx, 0, limit)
}

// DrainQueueAfter is DrainQueueBatch starting after sequence afterSeq.
func (s *Store) DrainQueueAfter(ctx context.Context, afterSeq int64, limit int) ([]*QueuedOperation, error) {
	query := `SELECT ` + opColumns + ` FROM pending_ops
		WHERE needs_attention = 0 AND seq > ?
		ORDER BY seq ASC`
	args := []interface{}{afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to drain queue: %w", err)
	}
	defer rows.Close()
	return scanOperations(rows)
}

// GetOperations returns the listed operations that still exist, in sequence order.
func (s *Store) GetOperations(ctx context.Context, seqs []int64) ([]*QueuedOperation, error) {
	if len(seqs) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(seqs)
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+opColumns+` FROM pending_ops WHERE seq IN (`+placeholders+`) ORDER BY seq ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load operations: %w", err)
	}
	defer rows.Close()
	return scanOperations(rows)
}

// RemoveOperations deletes the listed operations from the queue.
func (s *Store) RemoveOperations(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	placeholders, args := inClause(seqs)
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM pending_ops WHERE seq IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("failed to remove operations: %w", err)
	}
	return nil
}

// BumpAttempt increments an operation's retry counter and returns the new value.
func (s *Store) BumpAttempt(ctx context.Context, seq int64, lastError string) (int, error) {
	var attempts int
	err := s.conn.QueryRowContext(ctx, `
		UPDATE pending_ops SET attempts = attempts + 1, last_error = ?
		WHERE seq = ?
		RETURNING attempts`, nullString(lastError), seq).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to bump attempt for operation %d: %w", seq, err)
	}
	return attempts, nil
}

// MarkNeedsAttention flags an operation so drains skip it until a person
// requeues or discards it.
func (s *Store) MarkNeedsAttention(ctx context.Context, seq int64, reason, serverUpdatedAt string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE pending_ops SET needs_attention = 1, last_error = ?, server_updated_at = ?
		WHERE seq = ?`, nullString(reason), nullString(serverUpdatedAt), seq)
	if err != nil {
		return fmt.Errorf("failed to flag operation %d: %w", seq, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// QueueFilter configures ListOperations.
type QueueFilter struct {
	// NeedsAttention restricts results to flagged (true) or pending (false)
	// operations; nil returns both.
	NeedsAttention *bool
	Limit          int
}

// ListOperations returns queued operations matching filter, oldest first.
func (s *Store) ListOperations(ctx context.Context, filter QueueFilter) ([]*QueuedOperation, error) {
	query := `SELECT ` + opColumns + ` FROM pending_ops`
	var args []interface{}
	if filter.NeedsAttention != nil {
		query += ` WHERE needs_attention = ?`
		args = append(args, *filter.NeedsAttention)
	}
	query += ` ORDER BY seq ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()
	return scanOperations(rows)
}

// QueueStats summarizes the queue.
type QueueStats struct {
	Pending        int
	NeedsAttention int
}

// Stats returns queue counts.
func (s *Store) Stats(ctx context.Context) (QueueStats, error) {
	var st QueueStats
	err := s.conn.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN needs_attention = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN needs_attention = 1 THEN 1 ELSE 0 END), 0)
		FROM pending_ops`).Scan(&st.Pending, &st.NeedsAttention)
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return st, nil
}

// RequeueOperation replaces a flagged operation with a fresh copy carrying a
// new clock. The copy gets a new sequence number, and therefore a new op_id,
// so the server treats it as a new write instead of a replay.
func (s *Store) RequeueOperation(ctx context.Context, seq int64, clientUpdatedAt time.Time) (int64, error) {
	var newSeq int64
	err := s.Update(ctx, func(tx *Tx) error {
		row := tx.tx.QueryRowContext(ctx, `SELECT `+opColumns+` FROM pending_ops WHERE seq = ?`, seq)
		op, err := scanOperation(row)
		if err != nil {
			return err
		}

		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM pending_ops WHERE seq = ?`, seq); err != nil {
			return fmt.Errorf("failed to remove operation %d: %w", seq, err)
		}
		newSeq, err = tx.EnqueueOperation(ctx, op.Entity, op.RecordID, op.Action, op.Payload, clientUpdatedAt)
		if err != nil {
			return err
		}

		// The record's own clock follows the re-applied intent.
		table := "roster_entries"
		if op.Entity == protocol.EntityAttendance {
			table = "attendance_marks"
		}
		_, err = tx.tx.ExecContext(ctx,
			`UPDATE `+table+` SET client_updated_at = ?, updated_at = ? WHERE local_id = ?`,
			formatTime(clientUpdatedAt), formatTime(tx.now), op.RecordID)
		if err != nil {
			return fmt.Errorf("failed to touch %s %d: %w", op.Entity, op.RecordID, err)
		}
		return nil
	})
	return newSeq, err
}

// DiscardOperation drops an operation without sending it.
func (s *Store) DiscardOperation(ctx context.Context, seq int64) error {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM pending_ops WHERE seq = ?`, seq)
	if err != nil {
		return fmt.Errorf("failed to discard operation %d: %w", seq, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanOperations(rows *sql.Rows) ([]*QueuedOperation, error) {
	var ops []*QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}
	return ops, nil
}

func scanOperation(row rowScanner) (*QueuedOperation, error) {
	var op QueuedOperation
	var entity, action, payload, clientUpdatedAt, createdAt string
	var lastError, serverUpdatedAt sql.NullString

	err := row.Scan(
		&op.Seq, &entity, &op.RecordID, &action, &payload, &clientUpdatedAt, &createdAt,
		&op.Attempts, &op.NeedsAttention, &lastError, &serverUpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}

	op.Entity = protocol.EntityKind(entity)
	op.Action = protocol.Action(action)
	op.Payload = json.RawMessage(payload)
	op.ClientUpdatedAt = parseTime(clientUpdatedAt)
	op.CreatedAt = parseTime(createdAt)
	op.LastError = lastError.String
	op.ServerUpdatedAt = serverUpdatedAt.String
	return &op, nil
}

func inClause(ids []int64) (string, []interface{}) {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}
