package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rollbook/rollbook/internal/protocol"
)

// Recorded identifies the operation a Record* call queued.
type Recorded struct {
	Seq    int64
	Action protocol.Action
}

// RecordRosterEntry upserts a roster entry and queues the matching create or
// update in one transaction.
func (s *Store) RecordRosterEntry(ctx context.Context, in RosterInput) (*RosterEntry, Recorded, error) {
	var entry *RosterEntry
	var rec Recorded
	err := s.Update(ctx, func(tx *Tx) error {
		ts := tx.clock(in.ClientUpdatedAt)
		in.ClientUpdatedAt = ts

		var created bool
		var err error
		entry, created, err = tx.UpsertRosterEntry(ctx, in)
		if err != nil {
			return err
		}

		rec.Action = protocol.ActionUpdate
		if created {
			rec.Action = protocol.ActionCreate
		}
		payload, err := tx.studentPayload(ctx, entry)
		if err != nil {
			return err
		}
		rec.Seq, err = tx.EnqueueOperation(ctx, protocol.EntityStudent, entry.LocalID, rec.Action, payload, ts)
		return err
	})
	if err != nil {
		return nil, Recorded{}, err
	}
	return entry, rec, nil
}

// RecordRosterDelete soft-deletes a roster entry and queues the delete.
// Attendance marks are not touched.
func (s *Store) RecordRosterDelete(ctx context.Context, owner string, localID int64, clientUpdatedAt time.Time) (*RosterEntry, Recorded, error) {
	var entry *RosterEntry
	rec := Recorded{Action: protocol.ActionDelete}
	err := s.Update(ctx, func(tx *Tx) error {
		ts := tx.clock(clientUpdatedAt)

		var err error
		entry, err = tx.SoftDeleteRosterEntry(ctx, owner, localID, ts)
		if err != nil {
			return err
		}
		payload, err := tx.studentPayload(ctx, entry)
		if err != nil {
			return err
		}
		payload.Name = ""
		rec.Seq, err = tx.EnqueueOperation(ctx, protocol.EntityStudent, entry.LocalID, rec.Action, payload, ts)
		return err
	})
	if err != nil {
		return nil, Recorded{}, err
	}
	return entry, rec, nil
}

// RecordAttendance upserts an attendance mark and queues the matching create
// or update. When in.BranchID is zero the roster entry's branch is used.
func (s *Store) RecordAttendance(ctx context.Context, in MarkInput) (*AttendanceMark, Recorded, error) {
	var mark *AttendanceMark
	var rec Recorded
	err := s.Update(ctx, func(tx *Tx) error {
		ts := tx.clock(in.ClientUpdatedAt)
		in.ClientUpdatedAt = ts

		entry, err := tx.getRosterEntry(ctx, in.RosterLocalID)
		if err != nil {
			return fmt.Errorf("roster entry %d: %w", in.RosterLocalID, err)
		}
		if in.BranchID == 0 {
			in.BranchID = entry.BranchID
		}
		if in.BranchID != entry.BranchID {
			return fmt.Errorf("roster entry %d is not in branch %d", entry.LocalID, in.BranchID)
		}
		if entry.Deleted {
			return fmt.Errorf("roster entry %d is deleted", entry.LocalID)
		}

		var created bool
		mark, created, err = tx.UpsertAttendanceMark(ctx, in)
		if err != nil {
			return err
		}

		rec.Action = protocol.ActionUpdate
		if created {
			rec.Action = protocol.ActionCreate
		}
		payload, err := tx.attendancePayload(ctx, mark, entry)
		if err != nil {
			return err
		}
		rec.Seq, err = tx.EnqueueOperation(ctx, protocol.EntityAttendance, mark.LocalID, rec.Action, payload, ts)
		return err
	})
	if err != nil {
		return nil, Recorded{}, err
	}
	return mark, rec, nil
}

// RecordAttendanceDelete soft-deletes a mark and queues the delete.
func (s *Store) RecordAttendanceDelete(ctx context.Context, owner string, localID int64, clientUpdatedAt time.Time) (*AttendanceMark, Recorded, error) {
	var mark *AttendanceMark
	rec := Recorded{Action: protocol.ActionDelete}
	err := s.Update(ctx, func(tx *Tx) error {
		ts := tx.clock(clientUpdatedAt)

		var err error
		mark, err = tx.SoftDeleteAttendanceMark(ctx, owner, localID, ts)
		if err != nil {
			return err
		}
		entry, err := tx.getRosterEntry(ctx, mark.RosterLocalID)
		if err != nil {
			return fmt.Errorf("roster entry %d: %w", mark.RosterLocalID, err)
		}
		payload, err := tx.attendancePayload(ctx, mark, entry)
		if err != nil {
			return err
		}
		payload.Status = ""
		rec.Seq, err = tx.EnqueueOperation(ctx, protocol.EntityAttendance, mark.LocalID, rec.Action, payload, ts)
		return err
	})
	if err != nil {
		return nil, Recorded{}, err
	}
	return mark, rec, nil
}

func (t *Tx) studentPayload(ctx context.Context, e *RosterEntry) (*protocol.StudentData, error) {
	b, err := t.getBranch(ctx, e.BranchID)
	if err != nil {
		return nil, fmt.Errorf("branch %d: %w", e.BranchID, err)
	}
	return &protocol.StudentData{
		ID:       e.ServerID,
		LocalID:  e.LocalID,
		Branch:   b.Name,
		BranchID: b.ServerID,
		RollNo:   e.RollNo,
		Name:     e.Name,
	}, nil
}

func (t *Tx) attendancePayload(ctx context.Context, m *AttendanceMark, e *RosterEntry) (*protocol.AttendanceData, error) {
	b, err := t.getBranch(ctx, m.BranchID)
	if err != nil {
		return nil, fmt.Errorf("branch %d: %w", m.BranchID, err)
	}
	studentID := m.RosterServerID
	if studentID == "" {
		studentID = e.ServerID
	}
	return &protocol.AttendanceData{
		ID:             m.ServerID,
		LocalID:        m.LocalID,
		Branch:         b.Name,
		StudentID:      studentID,
		StudentLocalID: e.LocalID,
		RollNo:         e.RollNo,
		Date:           m.Date,
		Status:         m.Status,
	}, nil
}

// clock returns ts, or the transaction time when ts is zero.
func (t *Tx) clock(ts time.Time) time.Time {
	if ts.IsZero() {
		return t.now
	}
	return ts.UTC()
}
