package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rollbook/rollbook/internal/protocol"
)

// AttachServerID records the authoritative id the server assigned to a local
// record and propagates it into everything still waiting on it:
//
//   - queued operations on the same record (a later update or delete)
//   - for roster entries, attendance marks pointing at the entry and queued
//     attendance operations whose payload lacks the student's server id
//
// The propagation is what lets a dependent attendance create, queued while the
// student was still local-only, carry a resolvable student_id when it is sent.
func (s *Store) AttachServerID(ctx context.Context, kind protocol.EntityKind, localID int64, serverID, serverUpdatedAt string) error {
	if serverID == "" {
		return fmt.Errorf("server id is required")
	}
	return s.Update(ctx, func(tx *Tx) error {
		switch kind {
		case protocol.EntityStudent:
			return tx.attachStudentID(ctx, localID, serverID, serverUpdatedAt)
		case protocol.EntityAttendance:
			return tx.attachMarkID(ctx, localID, serverID, serverUpdatedAt)
		default:
			return fmt.Errorf("unsupported entity %q", kind)
		}
	})
}

func (t *Tx) attachStudentID(ctx context.Context, localID int64, serverID, serverUpdatedAt string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE roster_entries SET server_id = ?, server_updated_at = COALESCE(?, server_updated_at)
		WHERE local_id = ?`, serverID, nullString(serverUpdatedAt), localID)
	if err != nil {
		return fmt.Errorf("failed to attach server id to roster entry %d: %w", localID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("roster entry %d: %w", localID, ErrNotFound)
	}

	if _, err := t.tx.ExecContext(ctx, `
		UPDATE attendance_marks SET roster_server_id = ?
		WHERE roster_local_id = ? AND (roster_server_id IS NULL OR roster_server_id = '')`,
		serverID, localID); err != nil {
		return fmt.Errorf("failed to propagate server id to attendance marks: %w", err)
	}

	err = t.rewritePayloads(ctx,
		`entity = 'student' AND record_id = ?`, []interface{}{localID},
		func(raw json.RawMessage) (interface{}, bool, error) {
			var data protocol.StudentData
			if err := json.Unmarshal(raw, &data); err != nil {
				return nil, false, err
			}
			if data.ID != "" {
				return nil, false, nil
			}
			data.ID = serverID
			return data, true, nil
		})
	if err != nil {
		return err
	}

	return t.rewritePayloads(ctx,
		`entity = 'attendance' AND json_extract(payload, '$.student_local_id') = ?`, []interface{}{localID},
		func(raw json.RawMessage) (interface{}, bool, error) {
			var data protocol.AttendanceData
			if err := json.Unmarshal(raw, &data); err != nil {
				return nil, false, err
			}
			if data.StudentID != "" {
				return nil, false, nil
			}
			data.StudentID = serverID
			return data, true, nil
		})
}

func (t *Tx) attachMarkID(ctx context.Context, localID int64, serverID, serverUpdatedAt string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE attendance_marks SET server_id = ?, server_updated_at = COALESCE(?, server_updated_at)
		WHERE local_id = ?`, serverID, nullString(serverUpdatedAt), localID)
	if err != nil {
		return fmt.Errorf("failed to attach server id to attendance mark %d: %w", localID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("attendance mark %d: %w", localID, ErrNotFound)
	}

	return t.rewritePayloads(ctx,
		`entity = 'attendance' AND record_id = ?`, []interface{}{localID},
		func(raw json.RawMessage) (interface{}, bool, error) {
			var data protocol.AttendanceData
			if err := json.Unmarshal(raw, &data); err != nil {
				return nil, false, err
			}
			if data.ID != "" {
				return nil, false, nil
			}
			data.ID = serverID
			return data, true, nil
		})
}

// AttachBranchServerID records the authoritative id of the owner's branch.
func (s *Store) AttachBranchServerID(ctx context.Context, owner, name, serverID string) error {
	if serverID == "" {
		return nil
	}
	_, err := s.conn.ExecContext(ctx, `
		UPDATE branches SET server_id = ?
		WHERE owner = ? AND name = ? AND (server_id IS NULL OR server_id != ?)`,
		serverID, owner, name, serverID)
	if err != nil {
		return fmt.Errorf("failed to attach server id to branch %q: %w", name, err)
	}
	return nil
}

// rewritePayloads applies patch to the payload of every queued operation
// matching where. patch reports whether it changed anything.
func (t *Tx) rewritePayloads(ctx context.Context, where string, args []interface{}, patch func(json.RawMessage) (interface{}, bool, error)) error {
	rows, err := t.tx.QueryContext(ctx, `SELECT seq, payload FROM pending_ops WHERE `+where, args...)
	if err != nil {
		return fmt.Errorf("failed to select queued payloads: %w", err)
	}

	type pending struct {
		seq     int64
		payload string
	}
	var matched []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.seq, &p.payload); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan queued payload: %w", err)
		}
		matched = append(matched, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("error iterating queued payloads: %w", err)
	}
	rows.Close()

	for _, p := range matched {
		updated, changed, err := patch(json.RawMessage(p.payload))
		if err != nil {
			return fmt.Errorf("failed to decode payload of operation %d: %w", p.seq, err)
		}
		if !changed {
			continue
		}
		data, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("failed to encode payload of operation %d: %w", p.seq, err)
		}
		if _, err := t.tx.ExecContext(ctx,
			`UPDATE pending_ops SET payload = ? WHERE seq = ?`, string(data), p.seq); err != nil {
			return fmt.Errorf("failed to rewrite payload of operation %d: %w", p.seq, err)
		}
	}
	return nil
}
