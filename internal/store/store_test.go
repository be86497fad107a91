package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rollbook/rollbook/internal/protocol"
)

const owner = "teacher-1"

// testStore opens a fresh database under t.TempDir and closes it on cleanup.
func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "rollbook.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testBranch(t *testing.T, s *Store, name string) *Branch {
	t.Helper()
	b, err := s.EnsureBranch(context.Background(), owner, name)
	if err != nil {
		t.Fatalf("EnsureBranch(%q) failed: %v", name, err)
	}
	return b
}

func at(sec int) time.Time {
	return time.Date(2026, 10, 16, 8, 0, sec, 0, time.UTC)
}

func TestOpen_CreatesTables(t *testing.T) {
	s := testStore(t)

	tables := []string{"meta", "branches", "roster_entries", "attendance_marks", "pending_ops"}
	for _, table := range tables {
		var count int
		err := s.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s does not exist", table)
		}
	}
}

func TestInitSchema_KeepsDeviceID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first, err := s.DeviceID(ctx)
	if err != nil {
		t.Fatalf("DeviceID() failed: %v", err)
	}
	if err := s.InitSchema(ctx); err != nil {
		t.Fatalf("second InitSchema() failed: %v", err)
	}
	second, err := s.DeviceID(ctx)
	if err != nil {
		t.Fatalf("DeviceID() failed: %v", err)
	}
	if first == "" || first != second {
		t.Errorf("device id changed: %q -> %q", first, second)
	}
}

func TestReopen_PersistsQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rollbook.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	b, err := s.EnsureBranch(ctx, owner, "7B")
	if err != nil {
		t.Fatalf("EnsureBranch() failed: %v", err)
	}
	if _, _, err := s.RecordRosterEntry(ctx, RosterInput{Owner: owner, BranchID: b.LocalID, RollNo: 7, Name: "Asha"}); err != nil {
		t.Fatalf("RecordRosterEntry() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	ops, err := s.DrainQueueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DrainQueueBatch() failed: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("got %d queued ops after reopen, want 1", len(ops))
	}
}

func TestBranches(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := testBranch(t, s, "7B")
	again := testBranch(t, s, " 7B ")
	if a.LocalID != again.LocalID {
		t.Errorf("EnsureBranch created a second branch: %d vs %d", a.LocalID, again.LocalID)
	}

	if _, err := s.CreateBranch(ctx, owner, "7B"); !errors.Is(err, ErrDuplicateBranch) {
		t.Errorf("CreateBranch(dup) error = %v, want ErrDuplicateBranch", err)
	}
	if _, err := s.CreateBranch(ctx, owner, "8A"); err != nil {
		t.Fatalf("CreateBranch() failed: %v", err)
	}

	branches, err := s.ListBranches(ctx, owner)
	if err != nil {
		t.Fatalf("ListBranches() failed: %v", err)
	}
	if len(branches) != 2 || branches[0].Name != "7B" || branches[1].Name != "8A" {
		t.Errorf("ListBranches() = %+v", branches)
	}

	if _, err := s.GetBranch(ctx, "someone-else", a.LocalID); !errors.Is(err, ErrOwnerMismatch) {
		t.Errorf("GetBranch(other owner) error = %v, want ErrOwnerMismatch", err)
	}
}

func TestSelectedBranch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.SelectedBranch(ctx, owner); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SelectedBranch() before select error = %v, want ErrNotFound", err)
	}

	b := testBranch(t, s, "7B")
	if err := s.SelectBranch(ctx, owner, b.LocalID); err != nil {
		t.Fatalf("SelectBranch() failed: %v", err)
	}
	got, err := s.SelectedBranch(ctx, owner)
	if err != nil {
		t.Fatalf("SelectedBranch() failed: %v", err)
	}
	if got.LocalID != b.LocalID {
		t.Errorf("SelectedBranch() = %d, want %d", got.LocalID, b.LocalID)
	}

	if err := s.SelectBranch(ctx, owner, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("SelectBranch(missing) error = %v, want ErrNotFound", err)
	}
}

func TestUpsertRosterEntry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	b := testBranch(t, s, "7B")

	tests := []struct {
		name    string
		in      RosterInput
		wantErr error
	}{
		{"empty name", RosterInput{Owner: owner, BranchID: b.LocalID, RollNo: 1, Name: "  "}, nil},
		{"zero roll", RosterInput{Owner: owner, BranchID: b.LocalID, RollNo: 0, Name: "A"}, nil},
		{"negative roll", RosterInput{Owner: owner, BranchID: b.LocalID, RollNo: -3, Name: "A"}, nil},
		{"foreign branch", RosterInput{Owner: "other", BranchID: b.LocalID, RollNo: 1, Name: "A"}, ErrOwnerMismatch},
		{"missing branch", RosterInput{Owner: owner, BranchID: 42, RollNo: 1, Name: "A"}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Update(ctx, func(tx *Tx) error {
				_, _, err := tx.UpsertRosterEntry(ctx, tt.in)
				return err
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestUpsertRosterEntry_KeyLookupAndRevive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	b := testBranch(t, s, "7B")

	var first *RosterEntry
	err := s.Update(ctx, func(tx *Tx) error {
		var created bool
		var err error
		first, created, err = tx.UpsertRosterEntry(ctx, RosterInput{Owner: owner, BranchID: b.LocalID, RollNo: 7, Name: "Asha", ClientUpdatedAt: at(0)})
		if err != nil {
			return err
		}
		if !created {
			t.Error("first upsert should create")
		}

		// Same key without a local id updates in place.
		second, created, err := tx.UpsertRosterEntry(ctx, RosterInput{Owner: owner, BranchID: b.LocalID, RollNo: 7, Name: "Asha K", ClientUpdatedAt: at(1)})
		if err != nil {
			return err
		}
		if created || second.LocalID != first.LocalID || second.Name != "Asha K" {
			t.Errorf("second upsert = %+v (created=%v)", second, created)
		}

		if _, err := tx.SoftDeleteRosterEntry(ctx, owner, first.LocalID, at(2)); err != nil {
			return err
		}

		revived, created, err := tx.UpsertRosterEntry(ctx, RosterInput{Owner: owner, BranchID: b.LocalID, RollNo: 7, Name: "Asha", ClientUpdatedAt: at(3)})
		if err != nil {
			return err
		}
		if created || revived.LocalID != first.LocalID || revived.Deleted {
			t.Errorf("revive = %+v (created=%v)", revived, created)
		}
		if !revived.ClientUpdatedAt.Equal(at(3)) {
			t.Errorf("ClientUpdatedAt = %v, want %v", revived.ClientUpdatedAt, at(3))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
}

func TestUpsertRosterEntry_DuplicateRoll(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	b := testBranch(t, s, "7B")

	if _, _, err := s.RecordRosterEntry(ctx, RosterInput{Owner: owner, BranchID: b.LocalID, RollNo: 1, Name: "A"}); err != nil {
		t.Fatalf("RecordRosterEntry() failed: %v", err)
	}
	other, _, err := s.RecordRosterEntry(ctx, RosterInput{Owner: owner, BranchID: b.LocalID, RollNo: 2, Name: "B"})
	if err != nil {
		t.Fatalf("RecordRosterEntry() failed: %v", err)
	}

	// Moving entry 2 onto roll 1 collides with a live entry.
	_, _, err = s.RecordRosterEntry(ctx, RosterInput{LocalID: other.LocalID, Owner: owner, BranchID: b.LocalID, RollNo: 1, Name: "B"})
	if !errors.Is(err, ErrDuplicateRollNo) {
		t.Fatalf("error = %v, want ErrDuplicateRollNo", err)
	}

	// The failed call must not have queued anything.
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if st.Pending != 2 {
		t.Errorf("Pending = %d, want 2", st.Pending)
	}
}

func TestRecordRosterEntry_QueuesCreateThenUpdate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	b := testBranch(t, s, "7B")

	entry, rec, err := s.RecordRosterEntry(ctx, RosterInput{Owner: owner, BranchID: b.LocalID, RollNo: 7, Name: "Asha", ClientUpdatedAt: at(0)})
	if err != nil {
		t.Fatalf("RecordRosterEntry() failed: %v", err)
	}
	if rec.Action != protocol.ActionCreate {
		t.Errorf("first action = %s, want create", rec.Action)
	}
	_, rec, err = s.RecordRosterEntry(ctx, RosterInput{LocalID: entry.LocalID, Owner: owner, BranchID: b.LocalID, RollNo: 7, Name: "Asha K", ClientUpdatedAt: at(5)})
	if err != nil {
		t.Fatalf("RecordRosterEntry() failed: %v", err)
	}
	if rec.Action != protocol.ActionUpdate {
		t.Errorf("second action = %s, want update", rec.Action)
	}

	ops, err := s.DrainQueueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DrainQueueBatch() failed: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("got %d ops, want 2", len(ops))
	}
	if ops[0].Seq >= ops[1].Seq {
		t.Errorf("ops not oldest-first: %d, %d", ops[0].Seq, ops[1].Seq)
	}
	data, err := ops[1].StudentPayload()
	if err != nil {
		t.Fatalf("StudentPayload() failed: %v", err)
	}
	if data.Name != "Asha K" || data.Branch != "7B" || data.RollNo != 7 || data.LocalID != entry.LocalID {
		t.Errorf("payload = %+v", data)
	}
	if !ops[1].ClientUpdatedAt.Equal(at(5)) {
		t.Errorf("ClientUpdatedAt = %v, want %v", ops[1].ClientUpdatedAt, at(5))
	}
}

func TestRecordRosterDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	b := testBranch(t, s, "7B")

	entry, _, err := s.RecordRosterEntry(ctx, RosterInput{Owner: owner, BranchID: b.LocalID, RollNo: 7, Name: "Asha"})
	if err != nil {
		t.Fatalf("RecordRosterEntry() failed: %v", err)
	}
	deleted, rec, err := s.RecordRosterDelete(ctx, owner, entry.LocalID, at(9))
	if err != nil {
		t.Fatalf("RecordRosterDelete() failed: %v", err)
	}
	if !deleted.Deleted || rec.Action != protocol.ActionDelete {
		t.Errorf("deleted = %+v, action = %s", deleted, rec.Action)
	}

	// Still readable, never hard-deleted.
	got, err := s.GetRosterEntry(ctx, owner, entry.LocalID)
	if err != nil {
		t.Fatalf("GetRosterEntry() failed: %v", err)
	}
	if !got.Deleted {
		t.Error("entry should be soft-deleted")
	}
	live, err := s.ListRoster(ctx, owner, b.LocalID, false)
	if err != nil {
		t.Fatalf("ListRoster() failed: %v", err)
	}
	if len(live) != 0 {
		t.Errorf("ListRoster() returned %d live entries, want 0", len(live))
	}

	if _, _, err := s.RecordRosterDelete(ctx, "other", entry.LocalID, at(10)); !errors.Is(err, ErrOwnerMismatch) {
		t.Errorf("delete by other owner error = %v, want ErrOwnerMismatch", err)
	}
}

func TestRecordAttendance(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	b := testBranch(t, s, "7B")

	entry, _, err := s.RecordRosterEntry(ctx, RosterInput{Owner: owner, BranchID: b.LocalID, RollNo: 7, Name: "Asha"})
	if err != nil {
		t.Fatalf("RecordRosterEntry() failed: %v", err)
	}

	tests := []struct {
		name    string
		in      MarkInput
		wantErr bool
	}{
		{"bad status", MarkInput{Owner: owner, RosterLocalID: entry.LocalID, Date: "2026-10-16", Status: "late"}, true},
		{"bad date", MarkInput{Owner: owner, RosterLocalID: entry.LocalID, Date: "16/10/2026", Status: protocol.StatusPresent}, true},
		{"missing entry", MarkInput{Owner: owner, RosterLocalID: 99, Date: "2026-10-16", Status: protocol.StatusPresent}, true},
		{"other owner", MarkInput{Owner: "other", RosterLocalID: entry.LocalID, Date: "2026-10-16", Status: protocol.StatusPresent}, true},
		{"present", MarkInput{Owner: owner, RosterLocalID: entry.LocalID, Date: "2026-10-16", Status: protocol.StatusPresent}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := s.RecordAttendance(ctx, tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("RecordAttendance() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	mark, rec, err := s.RecordAttendance(ctx, MarkInput{Owner: owner, RosterLocalID: entry.LocalID, Date: "2026-10-16", Status: protocol.StatusAbsent})
	if err != nil {
		t.Fatalf("RecordAttendance() failed: %v", err)
	}
	if rec.Action != protocol.ActionUpdate || mark.Status != protocol.StatusAbsent {
		t.Errorf("second mark = %+v action %s, want update to absent", mark, rec.Action)
	}

	marks, err := s.ListAttendance(ctx, owner, b.LocalID, "2026-10-16")
	if err != nil {
		t.Fatalf("ListAttendance() failed: %v", err)
	}
	if len(marks) != 1 {
		t.Errorf("got %d marks, want 1 (unique per entry and date)", len(marks))
	}

	if _, _, err := s.RecordAttendanceDelete(ctx, owner, mark.LocalID, time.Time{}); err != nil {
		t.Fatalf("RecordAttendanceDelete() failed: %v", err)
	}
	if _, err := s.FindAttendanceMark(ctx, owner, b.LocalID, entry.LocalID, "2026-10-16"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindAttendanceMark() after delete error = %v, want ErrNotFound", err)
	}

	ops, err := s.ListOperations(ctx, QueueFilter{})
	if err != nil {
		t.Fatalf("ListOperations() failed: %v", err)
	}
	var actions []protocol.Action
	for _, op := range ops {
		if op.Entity == protocol.EntityAttendance {
			actions = append(actions, op.Action)
		}
	}
	want := []protocol.Action{protocol.ActionCreate, protocol.ActionUpdate, protocol.ActionDelete}
	if len(actions) != len(want) {
		t.Fatalf("attendance actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("actions[%d] = %s, want %s", i, actions[i], want[i])
		}
	}
}

func TestRecordAttendance_DeletedEntry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	b := testBranch(t, s, "7B")

	entry, _, err := s.RecordRosterEntry(ctx, RosterInput{Owner: owner, BranchID: b.LocalID, RollNo: 7, Name: "Asha"})
	if err != nil {
		t.Fatalf("RecordRosterEntry() failed: %v", err)
	}
	if _, _, err := s.RecordRosterDelete(ctx, owner, entry.LocalID, time.Time{}); err != nil {
		t.Fatalf("RecordRosterDelete() failed: %v", err)
	}
	if _, _, err := s.RecordAttendance(ctx, MarkInput{Owner: owner, RosterLocalID: entry.LocalID, Date: "2026-10-16", Status: protocol.StatusPresent}); err == nil {
		t.Error("expected error marking a deleted entry")
	}
}

func TestAttachServerID_PropagatesToDependents(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	b := testBranch(t, s, "7B")

	entry, studentRec, err := s.RecordRosterEntry(ctx, RosterInput{Owner: owner, BranchID: b.LocalID, RollNo: 7, Name: "Asha"})
	if err != nil {
		t.Fatalf("RecordRosterEntry() failed: %v", err)
	}
	mark, markRec, err := s.RecordAttendance(ctx, MarkInput{Owner: owner, RosterLocalID: entry.LocalID, Date: "2026-10-16", Status: protocol.StatusPresent})
	if err != nil {
		t.Fatalf("RecordAttendance() failed: %v", err)
	}

	ops, err := s.GetOperations(ctx, []int64{markRec.Seq})
	if err != nil || len(ops) != 1 {
		t.Fatalf("GetOperations() = %v, %v", ops, err)
	}
	if !ops[0].AwaitingDependency() {
		t.Fatal("attendance op should await the student's server id")
	}

	if err := s.AttachServerID(ctx, protocol.EntityStudent, entry.LocalID, "srv-student", "2026-10-16T08:00:00Z"); err != nil {
		t.Fatalf("AttachServerID() failed: %v", err)
	}

	got, err := s.GetRosterEntry(ctx, owner, entry.LocalID)
	if err != nil {
		t.Fatalf("GetRosterEntry() failed: %v", err)
	}
	if got.ServerID != "srv-student" || got.ServerUpdatedAt != "2026-10-16T08:00:00Z" {
		t.Errorf("entry = %+v", got)
	}

	gotMark, err := s.GetAttendanceMark(ctx, owner, mark.LocalID)
	if err != nil {
		t.Fatalf("GetAttendanceMark() failed: %v", err)
	}
	if gotMark.RosterServerID != "srv-student" {
		t.Errorf("mark RosterServerID = %q, want srv-student", gotMark.RosterServerID)
	}

	ops, err = s.GetOperations(ctx, []int64{studentRec.Seq, markRec.Seq})
	if err != nil || len(ops) != 2 {
		t.Fatalf("GetOperations() = %v, %v", ops, err)
	}
	sd, err := ops[0].StudentPayload()
	if err != nil {
		t.Fatalf("StudentPayload() failed: %v", err)
	}
	if sd.ID != "srv-student" {
		t.Errorf("queued student payload id = %q", sd.ID)
	}
	if ops[1].AwaitingDependency() {
		t.Error("attendance op still awaiting dependency after back-fill")
	}
	ad, err := ops[1].AttendancePayload()
	if err != nil {
		t.Fatalf("AttendancePayload() failed: %v", err)
	}
	if ad.StudentID != "srv-student" {
		t.Errorf("queued attendance student_id = %q", ad.StudentID)
	}

	// Later mutations carry the id from the start.
	_, rec, err := s.RecordAttendance(ctx, MarkInput{Owner: owner, RosterLocalID: entry.LocalID, Date: "2026-10-17", Status: protocol.StatusAbsent})
	if err != nil {
		t.Fatalf("RecordAttendance() failed: %v", err)
	}
	ops, _ = s.GetOperations(ctx, []int64{rec.Seq})
	if len(ops) != 1 || ops[0].AwaitingDependency() {
		t.Error("new attendance op should already carry the student id")
	}
}

func TestAttachServerID_Attendance(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	b := testBranch(t, s, "7B")

	entry, _, _ := s.RecordRosterEntry(ctx, RosterInput{Owner: owner, BranchID: b.LocalID, RollNo: 7, Name: "Asha"})
	mark, _, err := s.RecordAttendance(ctx, MarkInput{Owner: owner, RosterLocalID: entry.LocalID, Date: "2026-10-16", Status: protocol.StatusPresent})
	if err != nil {
		t.Fatalf("RecordAttendance() failed: %v", err)
	}
	_, upd, err := s.RecordAttendance(ctx, MarkInput{Owner: owner, RosterLocalID: entry.LocalID, Date: "2026-10-16", Status: protocol.StatusAbsent})
	if err != nil {
		t.Fatalf("RecordAttendance() failed: %v", err)
	}

	if err := s.AttachServerID(ctx, protocol.EntityAttendance, mark.LocalID, "srv-mark", ""); err != nil {
		t.Fatalf("AttachServerID() failed: %v", err)
	}
	ops, _ := s.GetOperations(ctx, []int64{upd.Seq})
	if len(ops) != 1 {
		t.Fatal("update op missing")
	}
	ad, _ := ops[0].AttendancePayload()
	if ad.ID != "srv-mark" {
		t.Errorf("queued update id = %q, want srv-mark", ad.ID)
	}

	if err := s.AttachServerID(ctx, protocol.EntityAttendance, 999, "x", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("AttachServerID(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.AttachServerID(ctx, protocol.EntityStudent, entry.LocalID, "", ""); err == nil {
		t.Error("AttachServerID with empty id should fail")
	}
}

func TestAttachBranchServerID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	b := testBranch(t, s, "7B")

	if err := s.AttachBranchServerID(ctx, owner, "7B", "srv-branch"); err != nil {
		t.Fatalf("AttachBranchServerID() failed: %v", err)
	}
	got, err := s.GetBranch(ctx, owner, b.LocalID)
	if err != nil {
		t.Fatalf("GetBranch() failed: %v", err)
	}
	if got.ServerID != "srv-branch" {
		t.Errorf("ServerID = %q, want srv-branch", got.ServerID)
	}
}
