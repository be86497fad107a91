// Package protocol defines the wire format shared by the rollbook client and
// the reconciliation endpoint.
//
// A sync request is a batch of operations. Each operation is an envelope
// carrying an entity discriminant ("student" or "attendance") plus a raw data
// object whose schema depends on that discriminant:
//
//	{ "op_id": "…", "entity": "student", "action": "create",
//	  "client_updated_at": "2026-10-16T08:30:00Z",
//	  "data": { "local_id": 3, "branch": "7B", "roll_no": 7, "name": "Asha" } }
//
// Decode turns the envelope into a typed Decoded value after validating both
// the envelope and the payload, so no store code ever sees an untyped map.
package protocol

import (
	"encoding/json"
	"time"
)

// EntityKind is the discriminant of an operation's payload.
type EntityKind string

const (
	EntityStudent    EntityKind = "student"
	EntityAttendance EntityKind = "attendance"
)

// Action is the mutation an operation represents.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Status is an attendance mark value.
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
)

// DateLayout is the calendar-date format used for attendance marks.
const DateLayout = "2006-01-02"

// TimeLayout is the timestamp format written on the wire. Parsing accepts any
// RFC 3339 timestamp, with or without fractional seconds.
const TimeLayout = time.RFC3339Nano

// Operation is one queued mutation as sent to the server.
type Operation struct {
	OpID            string          `json:"op_id"`
	Entity          EntityKind      `json:"entity"`
	Action          Action          `json:"action"`
	ClientUpdatedAt string          `json:"client_updated_at"`
	Data            json.RawMessage `json:"data"`
}

// StudentData is the payload of a roster entry operation.
type StudentData struct {
	// ID is the authoritative id, empty until the entry has been synced once.
	ID       string `json:"id,omitempty"`
	LocalID  int64  `json:"local_id"`
	Branch   string `json:"branch" validate:"required,max=120"`
	BranchID string `json:"branch_id,omitempty"`
	RollNo   int    `json:"roll_no" validate:"gt=0"`
	Name     string `json:"name,omitempty" validate:"max=200"`
}

// AttendanceData is the payload of an attendance mark operation.
type AttendanceData struct {
	ID      string `json:"id,omitempty"`
	LocalID int64  `json:"local_id"`
	Branch  string `json:"branch" validate:"required,max=120"`

	// StudentID is the roster entry's authoritative id. It is empty while the
	// referenced entry has not been synced; the client back-fills it before the
	// operation is sent.
	StudentID      string `json:"student_id,omitempty"`
	StudentLocalID int64  `json:"student_local_id"`
	RollNo         int    `json:"roll_no,omitempty"`
	Date           string `json:"date" validate:"required,calendar_date"`
	Status         Status `json:"status,omitempty" validate:"omitempty,oneof=present absent"`
}

// SyncRequest is the body of POST /sync.
type SyncRequest struct {
	Operations []Operation `json:"operations"`
}

// Verdict is the server's outcome for one operation.
type Verdict struct {
	OpID   string     `json:"op_id"`
	Entity EntityKind `json:"entity"`
	Action Action     `json:"action"`

	// ID is the authoritative id of the affected record (applied, and skipped
	// when the earlier application is known).
	ID string `json:"id,omitempty"`

	// BranchID is the authoritative id of the record's branch.
	BranchID string `json:"branch_id,omitempty"`

	Reason string `json:"reason,omitempty"`

	// Previous is set on skipped verdicts to the outcome recorded when the
	// op_id was first processed.
	Previous Outcome `json:"previous,omitempty"`

	ServerUpdatedAt string `json:"server_updated_at,omitempty"`
}

// SyncResponse is the body returned by POST /sync.
type SyncResponse struct {
	Applied    []Verdict `json:"applied"`
	Skipped    []Verdict `json:"skipped"`
	Rejected   []Verdict `json:"rejected"`
	ServerTime string    `json:"server_time"`
}

// Outcome names the bucket a verdict lands in.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeRejected Outcome = "rejected"
)

// ErrorBody is the JSON body of non-2xx responses.
type ErrorBody struct {
	Message string `json:"message"`
}

// FormatTime renders t in the wire layout, normalized to UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a wire timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
