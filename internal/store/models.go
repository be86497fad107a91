package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rollbook/rollbook/internal/protocol"
)

// Branch is a class or section the owner's roster is grouped under.
type Branch struct {
	LocalID   int64
	ServerID  string
	Owner     string
	Name      string
	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RosterEntry is one student on a branch's roster.
type RosterEntry struct {
	LocalID         int64
	ServerID        string // empty until first successful sync
	Owner           string
	BranchID        int64
	RollNo          int
	Name            string
	Deleted         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ClientUpdatedAt time.Time
	ServerUpdatedAt string
}

// AttendanceMark records one student's status on one date.
type AttendanceMark struct {
	LocalID         int64
	ServerID        string
	Owner           string
	BranchID        int64
	RosterLocalID   int64
	RosterServerID  string
	Date            string // protocol.DateLayout
	Status          protocol.Status
	Deleted         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ClientUpdatedAt time.Time
	ServerUpdatedAt string
}

// QueuedOperation is a pending mutation awaiting reconciliation.
type QueuedOperation struct {
	Seq             int64
	Entity          protocol.EntityKind
	RecordID        int64
	Action          protocol.Action
	Payload         json.RawMessage
	ClientUpdatedAt time.Time
	CreatedAt       time.Time
	Attempts        int
	NeedsAttention  bool
	LastError       string
	ServerUpdatedAt string
}

// StudentPayload decodes the payload of a student operation.
func (op *QueuedOperation) StudentPayload() (*protocol.StudentData, error) {
	if op.Entity != protocol.EntityStudent {
		return nil, fmt.Errorf("operation %d is %s, not student", op.Seq, op.Entity)
	}
	var data protocol.StudentData
	if err := json.Unmarshal(op.Payload, &data); err != nil {
		return nil, fmt.Errorf("failed to decode payload of operation %d: %w", op.Seq, err)
	}
	return &data, nil
}

// AttendancePayload decodes the payload of an attendance operation.
func (op *QueuedOperation) AttendancePayload() (*protocol.AttendanceData, error) {
	if op.Entity != protocol.EntityAttendance {
		return nil, fmt.Errorf("operation %d is %s, not attendance", op.Seq, op.Entity)
	}
	var data protocol.AttendanceData
	if err := json.Unmarshal(op.Payload, &data); err != nil {
		return nil, fmt.Errorf("failed to decode payload of operation %d: %w", op.Seq, err)
	}
	return &data, nil
}

// AwaitingDependency reports whether the operation references a roster entry
// whose server id is not yet known. Such operations must not be sent.
func (op *QueuedOperation) AwaitingDependency() bool {
	if op.Entity != protocol.EntityAttendance {
		return false
	}
	data, err := op.AttendancePayload()
	if err != nil {
		return false
	}
	return data.StudentID == ""
}

// Wire converts the queue row into its wire envelope using the op_id derived
// from deviceID.
func (op *QueuedOperation) Wire(deviceID string) protocol.Operation {
	return protocol.Operation{
		OpID:            protocol.DeriveOpID(deviceID, op.Seq, op.Entity, op.RecordID),
		Entity:          op.Entity,
		Action:          op.Action,
		ClientUpdatedAt: protocol.FormatTime(op.ClientUpdatedAt),
		Data:            op.Payload,
	}
}
