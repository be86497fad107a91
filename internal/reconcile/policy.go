package reconcile

import "time"

// NewerWins is the last-write-wins rule: an incoming write replaces the
// stored state only when its clock is strictly after the stored clock. Equal
// timestamps keep the stored state, so an exact replay never rewrites a row.
func NewerWins(incoming, stored time.Time) bool {
	return incoming.After(stored)
}

// Rejection reasons reported in verdicts.
const (
	ReasonStudentNotFound    = "student not found"
	ReasonStudentForeign     = "student does not belong to teacher"
	ReasonStudentDeleted     = "student is deleted"
	ReasonAttendanceNotFound = "attendance not found"
	ReasonBranchNotFound     = "branch not found"
	ReasonRollNoTaken        = "roll number already in use"
	ReasonStale              = "stale: server has a newer or equal version"
	ReasonClockAhead         = "client clock ahead of server"
	ReasonUnsupported        = "unsupported entity or action"
	ReasonServerError        = "internal server error"
)
