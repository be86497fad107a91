package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rollbook/rollbook/internal/protocol"
)

// ErrNoPrincipal is returned when Reconcile is called without a teacher id.
var ErrNoPrincipal = errors.New("principal is required")

// Options configures a Reconciler.
type Options struct {
	// Logger receives per-batch summaries and storage errors. Nil means a
	// default logger writing to stderr.
	Logger *log.Logger

	// MaxClockSkew rejects operations whose client clock is further ahead of
	// server time than this. Zero disables the check.
	MaxClockSkew time.Duration

	// Now overrides the server clock.
	Now func() time.Time
}

type reconciler struct {
	db      *DB
	logger  *log.Logger
	maxSkew time.Duration
	now     func() time.Time
}

// New creates a Reconciler backed by db.
func New(db *DB, opts Options) Reconciler {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &reconciler{
		db:      db,
		logger:  opts.Logger,
		maxSkew: opts.MaxClockSkew,
		now:     opts.Now,
	}
}

// Reconcile implements Reconciler.Reconcile.
func (r *reconciler) Reconcile(ctx context.Context, teacherID string, ops []protocol.Operation) (*protocol.SyncResponse, error) {
	if teacherID == "" {
		return nil, ErrNoPrincipal
	}

	resp := &protocol.SyncResponse{
		Applied:  []protocol.Verdict{},
		Skipped:  []protocol.Verdict{},
		Rejected: []protocol.Verdict{},
	}
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		outcome, v := r.apply(ctx, teacherID, op)
		switch outcome {
		case protocol.OutcomeApplied:
			resp.Applied = append(resp.Applied, v)
		case protocol.OutcomeSkipped:
			resp.Skipped = append(resp.Skipped, v)
		default:
			resp.Rejected = append(resp.Rejected, v)
		}
	}
	resp.ServerTime = protocol.FormatTime(r.now())

	r.logger.Printf("teacher %s: %d ops, %d applied, %d skipped, %d rejected",
		teacherID, len(ops), len(resp.Applied), len(resp.Skipped), len(resp.Rejected))
	return resp, nil
}

// apply processes one operation in its own transaction. The ledger row and the
// operation's writes commit together; a storage error rolls both back so the
// client's retry is processed afresh.
func (r *reconciler) apply(ctx context.Context, teacherID string, op protocol.Operation) (protocol.Outcome, protocol.Verdict) {
	d, err := op.Decode()
	if err != nil {
		return protocol.OutcomeRejected, protocol.Verdict{
			OpID:   op.OpID,
			Entity: op.Entity,
			Action: op.Action,
			Reason: protocol.Reason(err),
		}
	}

	now := r.now().UTC()
	if r.maxSkew > 0 && d.ClientUpdatedAt.After(now.Add(r.maxSkew)) {
		return rejected(d.Verdict(), ReasonClockAhead)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return r.serverError(d, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()
	rp := repo{q: tx}

	claimed, err := rp.claimOp(ctx, ledgerRow{
		TeacherID:   teacherID,
		OpID:        d.OpID,
		Entity:      string(d.Entity),
		Action:      string(d.Action),
		Outcome:     "pending",
		ProcessedAt: formatTime(now),
	})
	if err != nil {
		return r.serverError(d, err)
	}
	if !claimed {
		_ = tx.Rollback()
		return r.skipped(ctx, teacherID, d)
	}

	var outcome protocol.Outcome
	var v protocol.Verdict
	switch d.Entity {
	case protocol.EntityStudent:
		outcome, v, err = r.applyStudent(ctx, rp, teacherID, d, now)
	case protocol.EntityAttendance:
		outcome, v, err = r.applyAttendance(ctx, rp, teacherID, d, now)
	default:
		outcome, v = rejected(d.Verdict(), ReasonUnsupported)
	}
	if err != nil {
		return r.serverError(d, err)
	}

	if err := rp.settleOp(ctx, teacherID, d.OpID, string(outcome), v.ID, v.Reason); err != nil {
		return r.serverError(d, err)
	}
	if err := tx.Commit(); err != nil {
		return r.serverError(d, fmt.Errorf("failed to commit: %w", err))
	}
	return outcome, v
}

// skipped builds the verdict for a replayed op_id from its ledger entry.
func (r *reconciler) skipped(ctx context.Context, teacherID string, d *protocol.Decoded) (protocol.Outcome, protocol.Verdict) {
	v := d.Verdict()
	v.Reason = "duplicate op_id"

	rp := repo{q: r.db}
	l, err := rp.ledgerEntry(ctx, teacherID, d.OpID)
	if err != nil {
		r.logger.Printf("WARNING: ledger lookup for %s failed: %v", d.OpID, err)
		return protocol.OutcomeSkipped, v
	}
	v.Previous = protocol.Outcome(l.Outcome)
	v.ID = l.EntityID
	if l.Outcome == string(protocol.OutcomeRejected) && l.Reason != "" {
		v.Reason = "duplicate op_id (previously rejected: " + l.Reason + ")"
	}
	if l.EntityID == "" {
		return protocol.OutcomeSkipped, v
	}

	// Report the record's current state so a client that lost the original
	// response can still back-fill.
	switch d.Entity {
	case protocol.EntityStudent:
		if s, err := rp.studentByID(ctx, l.EntityID); err == nil {
			v.BranchID = s.BranchID
			v.ServerUpdatedAt = s.UpdatedAt
		}
	case protocol.EntityAttendance:
		if a, err := rp.attendanceByID(ctx, l.EntityID); err == nil {
			v.BranchID = a.BranchID
			v.ServerUpdatedAt = a.UpdatedAt
		}
	}
	return protocol.OutcomeSkipped, v
}

func (r *reconciler) serverError(d *protocol.Decoded, err error) (protocol.Outcome, protocol.Verdict) {
	r.logger.Printf("ERROR: op %s (%s %s): %v", d.OpID, d.Entity, d.Action, err)
	return rejected(d.Verdict(), ReasonServerError)
}

func (r *reconciler) applyStudent(ctx context.Context, rp repo, teacherID string, d *protocol.Decoded, now time.Time) (protocol.Outcome, protocol.Verdict, error) {
	data := d.Student
	v := d.Verdict()
	clientTS := formatTime(d.ClientUpdatedAt)
	nowTS := formatTime(now)

	if d.Action == protocol.ActionDelete {
		s, reason, err := r.locateStudent(ctx, rp, teacherID, data, nil)
		if err != nil {
			return "", v, err
		}
		if reason != "" {
			o, v := rejected(v, reason)
			return o, v, nil
		}
		if s == nil || s.Deleted {
			o, v := rejected(v, ReasonStudentNotFound)
			return o, v, nil
		}
		if o, v, stale := staleCheck(v, d.ClientUpdatedAt, s.UpdatedAt, s.ID); stale {
			return o, v, nil
		}

		s.Deleted = true
		s.UpdatedAt = clientTS
		s.SyncedAt = nowTS
		if err := rp.updateStudent(ctx, s); err != nil {
			return "", v, err
		}
		return protocol.OutcomeApplied, applied(v, s.ID, s.BranchID, s.UpdatedAt), nil
	}

	branch, err := rp.ensureBranch(ctx, teacherID, data.Branch, nowTS)
	if err != nil {
		return "", v, err
	}
	s, reason, err := r.locateStudent(ctx, rp, teacherID, data, branch)
	if err != nil {
		return "", v, err
	}
	if reason != "" {
		o, v := rejected(v, reason)
		return o, v, nil
	}

	if s == nil {
		s = &studentRow{
			ID:        uuid.NewString(),
			TeacherID: teacherID,
			BranchID:  branch.ID,
			RollNo:    data.RollNo,
			Name:      data.Name,
			CreatedAt: nowTS,
			UpdatedAt: clientTS,
			SyncedAt:  nowTS,
		}
		if err := rp.insertStudent(ctx, s); err != nil {
			return "", v, err
		}
		return protocol.OutcomeApplied, applied(v, s.ID, s.BranchID, s.UpdatedAt), nil
	}

	if o, v, stale := staleCheck(v, d.ClientUpdatedAt, s.UpdatedAt, s.ID); stale {
		return o, v, nil
	}

	if s.Deleted || s.BranchID != branch.ID || s.RollNo != data.RollNo {
		holder, err := rp.rollNoHolder(ctx, teacherID, branch.ID, data.RollNo, s.ID)
		if err != nil {
			return "", v, err
		}
		if holder != "" {
			o, v := rejected(v, ReasonRollNoTaken)
			return o, v, nil
		}
	}

	s.BranchID = branch.ID
	s.RollNo = data.RollNo
	s.Name = data.Name
	s.Deleted = false
	s.UpdatedAt = clientTS
	s.SyncedAt = nowTS
	if err := rp.updateStudent(ctx, s); err != nil {
		return "", v, err
	}
	return protocol.OutcomeApplied, applied(v, s.ID, s.BranchID, s.UpdatedAt), nil
}

// locateStudent finds the roster entry an operation targets: by id when the
// client knows it, otherwise by (teacher, branch, roll number). A nil branch
// means look the branch up by name without creating it. A non-empty reason
// is a deterministic rejection.
func (r *reconciler) locateStudent(ctx context.Context, rp repo, teacherID string, data *protocol.StudentData, branch *branchRow) (*studentRow, string, error) {
	if data.ID != "" {
		s, err := rp.studentByID(ctx, data.ID)
		switch {
		case err == nil && s.TeacherID != teacherID:
			return nil, ReasonStudentForeign, nil
		case err == nil:
			return s, "", nil
		case !errors.Is(err, errNoRow):
			return nil, "", err
		}
	}

	if branch == nil {
		b, err := rp.branchByName(ctx, teacherID, data.Branch)
		if errors.Is(err, errNoRow) {
			return nil, "", nil
		}
		if err != nil {
			return nil, "", err
		}
		branch = b
	}

	s, err := rp.studentByKey(ctx, teacherID, branch.ID, data.RollNo)
	if errors.Is(err, errNoRow) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return s, "", nil
}

func (r *reconciler) applyAttendance(ctx context.Context, rp repo, teacherID string, d *protocol.Decoded, now time.Time) (protocol.Outcome, protocol.Verdict, error) {
	data := d.Attendance
	v := d.Verdict()
	clientTS := formatTime(d.ClientUpdatedAt)
	nowTS := formatTime(now)

	if data.StudentID == "" {
		o, v := rejected(v, ReasonStudentNotFound)
		return o, v, nil
	}
	student, err := rp.studentByID(ctx, data.StudentID)
	switch {
	case errors.Is(err, errNoRow):
		o, v := rejected(v, ReasonStudentNotFound)
		return o, v, nil
	case err != nil:
		return "", v, err
	case student.TeacherID != teacherID:
		o, v := rejected(v, ReasonStudentForeign)
		return o, v, nil
	case student.Deleted:
		o, v := rejected(v, ReasonStudentDeleted)
		return o, v, nil
	}

	var mark *attendanceRow
	if data.ID != "" {
		mark, err = rp.attendanceByID(ctx, data.ID)
		switch {
		case errors.Is(err, errNoRow):
			mark = nil
		case err != nil:
			return "", v, err
		case mark.TeacherID != teacherID:
			o, v := rejected(v, ReasonAttendanceNotFound)
			return o, v, nil
		case mark.StudentID != student.ID:
			// The id belongs to another student's mark; go by natural key.
			mark = nil
		}
	}
	if mark == nil {
		mark, err = rp.attendanceByKey(ctx, teacherID, student.ID, data.Date)
		if errors.Is(err, errNoRow) {
			mark = nil
		} else if err != nil {
			return "", v, err
		}
	}

	if d.Action == protocol.ActionDelete {
		if mark == nil || mark.Deleted {
			o, v := rejected(v, ReasonAttendanceNotFound)
			return o, v, nil
		}
		if o, v, stale := staleCheck(v, d.ClientUpdatedAt, mark.UpdatedAt, mark.ID); stale {
			return o, v, nil
		}
		mark.Deleted = true
		mark.UpdatedAt = clientTS
		mark.SyncedAt = nowTS
		if err := rp.updateAttendance(ctx, mark); err != nil {
			return "", v, err
		}
		return protocol.OutcomeApplied, applied(v, mark.ID, mark.BranchID, mark.UpdatedAt), nil
	}

	if mark == nil {
		mark = &attendanceRow{
			ID:        uuid.NewString(),
			TeacherID: teacherID,
			BranchID:  student.BranchID,
			StudentID: student.ID,
			Date:      data.Date,
			Status:    string(data.Status),
			CreatedAt: nowTS,
			UpdatedAt: clientTS,
			SyncedAt:  nowTS,
		}
		if err := rp.insertAttendance(ctx, mark); err != nil {
			return "", v, err
		}
		return protocol.OutcomeApplied, applied(v, mark.ID, mark.BranchID, mark.UpdatedAt), nil
	}

	if o, v, stale := staleCheck(v, d.ClientUpdatedAt, mark.UpdatedAt, mark.ID); stale {
		return o, v, nil
	}
	mark.Status = string(data.Status)
	mark.Deleted = false
	mark.UpdatedAt = clientTS
	mark.SyncedAt = nowTS
	if err := rp.updateAttendance(ctx, mark); err != nil {
		return "", v, err
	}
	return protocol.OutcomeApplied, applied(v, mark.ID, mark.BranchID, mark.UpdatedAt), nil
}

// staleCheck applies NewerWins. When the incoming write loses it returns the
// rejection verdict carrying the stored clock.
func staleCheck(v protocol.Verdict, incoming time.Time, storedTS, id string) (protocol.Outcome, protocol.Verdict, bool) {
	stored, err := parseTime(storedTS)
	if err == nil && NewerWins(incoming, stored) {
		return "", v, false
	}
	v.ID = id
	v.ServerUpdatedAt = storedTS
	o, v := rejected(v, ReasonStale)
	return o, v, true
}

func rejected(v protocol.Verdict, reason string) (protocol.Outcome, protocol.Verdict) {
	v.Reason = reason
	return protocol.OutcomeRejected, v
}

func applied(v protocol.Verdict, id, branchID, updatedAt string) protocol.Verdict {
	v.ID = id
	v.BranchID = branchID
	v.ServerUpdatedAt = updatedAt
	return v
}
