package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rollbook/rollbook/internal/api"
	"github.com/rollbook/rollbook/internal/auth"
	"github.com/rollbook/rollbook/internal/protocol"
	"github.com/rollbook/rollbook/internal/reconcile"
	"github.com/rollbook/rollbook/internal/store"
	"github.com/rollbook/rollbook/internal/telemetry"
)

const owner = "teacher-1"

var quiet = log.New(io.Discard, "", 0)

// transportFunc adapts a function to a Transport.
type transportFunc func(ctx context.Context, ops []protocol.Operation) (*protocol.SyncResponse, error)

func (f transportFunc) Send(ctx context.Context, ops []protocol.Operation) (*protocol.SyncResponse, error) {
	return f(ctx, ops)
}

// clock is a settable time source shared by the store and the driver.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// testServer starts the real sync endpoint backed by a fresh sqlite database
// and returns its URL and a token for owner.
func testServer(t *testing.T, maxBatch int) (string, string) {
	t.Helper()
	ctx := context.Background()
	db, err := reconcile.Open(ctx, reconcile.DriverSQLite, filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("reconcile.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	authority, err := auth.NewAuthority("test-secret")
	if err != nil {
		t.Fatalf("NewAuthority() failed: %v", err)
	}
	srv := api.NewServer(&api.Options{
		DisableReqLogs: true,
		MaxBatch:       maxBatch,
		Authority:      authority,
		Reconciler:     reconcile.New(db, reconcile.Options{Logger: quiet}),
		Logger:         quiet,
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	token, err := authority.Issue(owner, "", time.Hour)
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}
	return ts.URL, token
}

func httpTransport(t *testing.T, url, token string) Transport {
	t.Helper()
	tr, err := NewHTTPTransport(url, token, 5*time.Second)
	if err != nil {
		t.Fatalf("NewHTTPTransport() failed: %v", err)
	}
	return tr
}

func newDriver(t *testing.T, opts Options) Driver {
	t.Helper()
	opts.Owner = owner
	opts.Logger = quiet
	d, err := New(opts)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return d
}

// recordEvents collects every event emitted on bus.
func recordEvents(bus *telemetry.Bus) *[]telemetry.Event {
	var events []telemetry.Event
	bus.OnSyncEvent(func(ev telemetry.Event) { events = append(events, ev) })
	return &events
}

func addStudent(t *testing.T, s *store.Store, branch string, roll int, name string) *store.RosterEntry {
	t.Helper()
	ctx := context.Background()
	b, err := s.EnsureBranch(ctx, owner, branch)
	if err != nil {
		t.Fatalf("EnsureBranch() failed: %v", err)
	}
	entry, _, err := s.RecordRosterEntry(ctx, store.RosterInput{
		Owner: owner, BranchID: b.LocalID, RollNo: roll, Name: name,
	})
	if err != nil {
		t.Fatalf("RecordRosterEntry() failed: %v", err)
	}
	return entry
}

func queueLen(t *testing.T, s *store.Store) int {
	t.Helper()
	ops, err := s.ListOperations(context.Background(), store.QueueFilter{})
	if err != nil {
		t.Fatalf("ListOperations() failed: %v", err)
	}
	return len(ops)
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		name     string
		backoff  Backoff
		attempts int
		want     time.Duration
	}{
		{"defaults first", Backoff{}, 0, time.Second},
		{"defaults doubled", Backoff{}, 1, 2 * time.Second},
		{"defaults five", Backoff{}, 5, 32 * time.Second},
		{"defaults capped", Backoff{}, 6, time.Minute},
		{"huge attempts capped", Backoff{}, 1000, time.Minute},
		{"custom", Backoff{Base: 100 * time.Millisecond, Max: time.Second}, 3, 800 * time.Millisecond},
		{"custom capped", Backoff{Base: 100 * time.Millisecond, Max: time.Second}, 4, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.backoff.Delay(tt.attempts); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempts, got, tt.want)
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("New() without store succeeded")
	}
	if _, err := New(Options{Store: testStore(t)}); err == nil {
		t.Error("New() without transport succeeded")
	}
}

func TestRun_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	url, token := testServer(t, 0)
	bus := telemetry.NewBus()
	events := recordEvents(bus)

	entry := addStudent(t, s, "7B", 7, "Asha")
	d := newDriver(t, Options{Store: s, Transport: httpTransport(t, url, token), Bus: bus})

	res, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Queued != 1 || res.Applied != 1 || res.Requests != 1 {
		t.Errorf("Run() = %+v, want 1 queued, 1 applied, 1 request", res)
	}
	if n := queueLen(t, s); n != 0 {
		t.Errorf("queue has %d operations after sync, want 0", n)
	}

	got, err := s.GetRosterEntry(ctx, owner, entry.LocalID)
	if err != nil {
		t.Fatalf("GetRosterEntry() failed: %v", err)
	}
	if got.ServerID == "" {
		t.Error("roster entry has no server id after sync")
	}
	b, err := s.FindBranch(ctx, owner, "7B")
	if err != nil {
		t.Fatalf("FindBranch() failed: %v", err)
	}
	if b.ServerID == "" {
		t.Error("branch has no server id after sync")
	}

	if len(*events) != 2 {
		t.Fatalf("got %d events, want start and end", len(*events))
	}
	if (*events)[0].Type != telemetry.EventStart || (*events)[0].Queued != 1 {
		t.Errorf("first event = %+v", (*events)[0])
	}
	end := (*events)[1]
	if end.Type != telemetry.EventEnd || end.Applied != 1 || end.Rejected != 0 {
		t.Errorf("end event = %+v", end)
	}
	if got := telemetry.Describe(end); got != "Synced: 1 ok, 0 rejected" {
		t.Errorf("status = %q", got)
	}
}

func TestRun_DependentAttendance(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	url, token := testServer(t, 0)

	entry := addStudent(t, s, "7B", 7, "Asha")
	mark, _, err := s.RecordAttendance(ctx, store.MarkInput{
		Owner: owner, RosterLocalID: entry.LocalID, Date: "2026-10-16", Status: protocol.StatusPresent,
	})
	if err != nil {
		t.Fatalf("RecordAttendance() failed: %v", err)
	}

	d := newDriver(t, Options{Store: s, Transport: httpTransport(t, url, token)})
	res, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Applied != 2 || res.Rejected != 0 || res.Deferred != 0 {
		t.Errorf("Run() = %+v, want 2 applied", res)
	}
	if res.Requests != 2 {
		t.Errorf("Requests = %d, want the attendance sent in a follow-up request", res.Requests)
	}

	got, err := s.GetAttendanceMark(ctx, owner, mark.LocalID)
	if err != nil {
		t.Fatalf("GetAttendanceMark() failed: %v", err)
	}
	if got.ServerID == "" || got.RosterServerID == "" {
		t.Errorf("mark ids not back-filled: %+v", got)
	}
	if n := queueLen(t, s); n != 0 {
		t.Errorf("queue has %d operations, want 0", n)
	}
}

func TestRun_EmptyQueueIsUpToDate(t *testing.T) {
	s := testStore(t)
	bus := telemetry.NewBus()
	events := recordEvents(bus)
	var calls int32
	tr := transportFunc(func(context.Context, []protocol.Operation) (*protocol.SyncResponse, error) {
		atomic.AddInt32(&calls, 1)
		return &protocol.SyncResponse{}, nil
	})
	d := newDriver(t, Options{Store: s, Transport: tr, Bus: bus})

	for i := 0; i < 2; i++ {
		res, err := d.Run(context.Background())
		if err != nil {
			t.Fatalf("Run() #%d failed: %v", i+1, err)
		}
		if res.Requests != 0 {
			t.Errorf("Run() #%d made %d requests", i+1, res.Requests)
		}
	}
	if calls != 0 {
		t.Errorf("transport called %d times", calls)
	}
	if len(*events) != 2 {
		t.Fatalf("got %d events, want one per run", len(*events))
	}
	for _, ev := range *events {
		if ev.Type != telemetry.EventEnd || telemetry.Describe(ev) != "Up to date" {
			t.Errorf("event = %+v, want an up-to-date end event", ev)
		}
	}
}

func TestRun_Offline(t *testing.T) {
	s := testStore(t)
	addStudent(t, s, "7B", 1, "Asha")
	bus := telemetry.NewBus()
	events := recordEvents(bus)
	tr := transportFunc(func(context.Context, []protocol.Operation) (*protocol.SyncResponse, error) {
		t.Fatal("transport used while offline")
		return nil, nil
	})
	d := newDriver(t, Options{Store: s, Transport: tr, Bus: bus, Detector: Static(false)})

	_, err := d.Run(context.Background())
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("Run() error = %v, want ErrOffline", err)
	}
	if n := queueLen(t, s); n != 1 {
		t.Errorf("queue has %d operations, want 1", n)
	}
	if len(*events) != 0 {
		t.Errorf("offline run emitted %d events", len(*events))
	}
}

func TestRun_Chunking(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	url, token := testServer(t, 20)
	for roll := 1; roll <= 50; roll++ {
		addStudent(t, s, "7B", roll, fmt.Sprintf("Student %d", roll))
	}

	d := newDriver(t, Options{Store: s, Transport: httpTransport(t, url, token), BatchSize: 20})
	res, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Queued != 50 || res.Applied != 50 {
		t.Errorf("Run() = %+v, want 50 queued and applied", res)
	}
	if res.Requests != 3 {
		t.Errorf("Requests = %d, want 3", res.Requests)
	}
	if n := queueLen(t, s); n != 0 {
		t.Errorf("queue has %d operations, want 0", n)
	}
}

func TestRun_BatchTooLargeIsTransient(t *testing.T) {
	s := testStore(t)
	url, token := testServer(t, 2)
	for roll := 1; roll <= 3; roll++ {
		addStudent(t, s, "7B", roll, "x")
	}

	d := newDriver(t, Options{Store: s, Transport: httpTransport(t, url, token), BatchSize: 3})
	_, err := d.Run(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("Run() error = %v, want a 413 StatusError", err)
	}
	if n := queueLen(t, s); n != 3 {
		t.Errorf("queue has %d operations, want 3", n)
	}
}

func TestRun_TransportFailureBacksOff(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	clk := newClock()
	addStudent(t, s, "7B", 1, "Asha")
	bus := telemetry.NewBus()
	events := recordEvents(bus)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message":"maintenance"}`))
	}))
	defer failing.Close()

	d := newDriver(t, Options{
		Store:     s,
		Transport: httpTransport(t, failing.URL, "token"),
		Bus:       bus,
		Now:       clk.Now,
	})

	_, err := d.Run(ctx)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Run() error = %v, want ErrTransport", err)
	}
	ops, err := s.ListOperations(ctx, store.QueueFilter{})
	if err != nil {
		t.Fatalf("ListOperations() failed: %v", err)
	}
	if len(ops) != 1 || ops[0].Attempts != 1 {
		t.Fatalf("queue = %+v, want one op with 1 attempt", ops)
	}
	last := (*events)[len(*events)-1]
	if last.Type != telemetry.EventError || last.Message == "" {
		t.Errorf("last event = %+v, want an error event", last)
	}

	// Inside the 2s backoff the op is not resent, and the indicator keeps
	// showing queued work.
	var status telemetry.Status
	stop := status.Watch(bus)
	res, err := d.Run(ctx)
	stop()
	if err != nil {
		t.Fatalf("Run() during backoff failed: %v", err)
	}
	if res.Waiting != 1 || res.Requests != 0 {
		t.Errorf("Run() during backoff = %+v, want 1 waiting and no requests", res)
	}
	if got := status.Text(); got != "Pending: 1 waiting to retry" {
		t.Errorf("Text() during backoff = %q", got)
	}

	clk.Advance(3 * time.Second)
	if _, err := d.Run(ctx); !errors.Is(err, ErrTransport) {
		t.Fatalf("Run() after backoff error = %v, want ErrTransport", err)
	}
	ops, _ = s.ListOperations(ctx, store.QueueFilter{})
	if ops[0].Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", ops[0].Attempts)
	}
}

func TestRun_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	clk := newClock()
	addStudent(t, s, "7B", 1, "Asha")
	tr := transportFunc(func(context.Context, []protocol.Operation) (*protocol.SyncResponse, error) {
		return nil, fmt.Errorf("%w: connection refused", ErrTransport)
	})
	d := newDriver(t, Options{Store: s, Transport: tr, MaxAttempts: 2, Now: clk.Now})

	for i := 0; i < 2; i++ {
		if _, err := d.Run(ctx); !errors.Is(err, ErrTransport) {
			t.Fatalf("Run() #%d error = %v", i+1, err)
		}
		clk.Advance(time.Minute)
	}

	flagged, err := s.ListOperations(ctx, store.QueueFilter{NeedsAttention: boolPtr(true)})
	if err != nil {
		t.Fatalf("ListOperations() failed: %v", err)
	}
	if len(flagged) != 1 {
		t.Fatalf("got %d flagged operations, want 1", len(flagged))
	}
	res, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run() after giving up failed: %v", err)
	}
	if res.Queued != 0 {
		t.Errorf("flagged operation still drained: %+v", res)
	}
}

func TestRun_VerdictHandling(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	a := addStudent(t, s, "7B", 1, "Asha")
	b := addStudent(t, s, "7B", 2, "Bilal")
	c := addStudent(t, s, "7B", 3, "Chen")
	bus := telemetry.NewBus()
	events := recordEvents(bus)

	tr := transportFunc(func(_ context.Context, ops []protocol.Operation) (*protocol.SyncResponse, error) {
		if len(ops) != 3 {
			t.Fatalf("sent %d operations, want 3", len(ops))
		}
		return &protocol.SyncResponse{
			Rejected: []protocol.Verdict{{
				OpID: ops[0].OpID, Entity: ops[0].Entity, Action: ops[0].Action,
				Reason: "stale: server has a newer or equal version", ServerUpdatedAt: "2026-10-16T09:00:00Z",
			}},
			Skipped: []protocol.Verdict{
				{OpID: ops[1].OpID, Entity: ops[1].Entity, Action: ops[1].Action, Previous: protocol.OutcomeApplied, ID: "srv-b"},
				{OpID: ops[2].OpID, Entity: ops[2].Entity, Action: ops[2].Action, Previous: protocol.OutcomeRejected, Reason: "roll number already in use"},
			},
		}, nil
	})
	d := newDriver(t, Options{Store: s, Transport: tr, Bus: bus})

	res, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Skipped != 1 || res.Rejected != 2 || res.Flagged != 2 {
		t.Errorf("Run() = %+v, want 1 skipped, 2 rejected, 2 flagged", res)
	}

	gotB, _ := s.GetRosterEntry(ctx, owner, b.LocalID)
	if gotB.ServerID != "srv-b" {
		t.Errorf("skipped verdict id not back-filled: %q", gotB.ServerID)
	}

	flagged, err := s.ListOperations(ctx, store.QueueFilter{NeedsAttention: boolPtr(true)})
	if err != nil {
		t.Fatalf("ListOperations() failed: %v", err)
	}
	if len(flagged) != 2 {
		t.Fatalf("got %d flagged operations, want 2", len(flagged))
	}
	byRecord := map[int64]*store.QueuedOperation{}
	for _, op := range flagged {
		byRecord[op.RecordID] = op
	}
	if op := byRecord[a.LocalID]; op == nil || op.ServerUpdatedAt != "2026-10-16T09:00:00Z" {
		t.Errorf("stale rejection not recorded: %+v", op)
	}
	if op := byRecord[c.LocalID]; op == nil || op.LastError != "roll number already in use" {
		t.Errorf("previously rejected skip not flagged: %+v", op)
	}

	end := (*events)[len(*events)-1]
	if got := telemetry.Describe(end); got != "Synced: 1 ok, 2 rejected" {
		t.Errorf("status = %q", got)
	}
}

func TestRun_DeferredOnlyIsNotUpToDate(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	entry := addStudent(t, s, "7B", 7, "Asha")
	if _, _, err := s.RecordAttendance(ctx, store.MarkInput{
		Owner: owner, RosterLocalID: entry.LocalID, Date: "2026-10-16", Status: protocol.StatusPresent,
	}); err != nil {
		t.Fatalf("RecordAttendance() failed: %v", err)
	}
	bus := telemetry.NewBus()
	var status telemetry.Status
	status.Watch(bus)

	tr := transportFunc(func(_ context.Context, ops []protocol.Operation) (*protocol.SyncResponse, error) {
		resp := &protocol.SyncResponse{}
		for _, op := range ops {
			if op.Entity != protocol.EntityStudent {
				t.Fatalf("sent %s operation before its student was known", op.Entity)
			}
			resp.Rejected = append(resp.Rejected, protocol.Verdict{
				OpID: op.OpID, Entity: op.Entity, Action: op.Action, Reason: "roll number already in use",
			})
		}
		return resp, nil
	})
	d := newDriver(t, Options{Store: s, Transport: tr, Bus: bus})

	res, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Rejected != 1 || res.Deferred != 1 {
		t.Errorf("Run() = %+v, want 1 rejected and 1 deferred", res)
	}
	if got := status.Text(); got != "Synced: 0 ok, 1 rejected, 1 pending" {
		t.Errorf("Text() after first run = %q", got)
	}

	res, err = d.Run(ctx)
	if err != nil {
		t.Fatalf("second Run() failed: %v", err)
	}
	if res.Requests != 0 || res.Deferred != 1 {
		t.Errorf("second Run() = %+v, want no requests and 1 deferred", res)
	}
	if got := status.Text(); got != "Pending: 1 waiting on a student" {
		t.Errorf("Text() with only deferred work = %q", got)
	}
}

func TestRun_MissingVerdictIsRetried(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	addStudent(t, s, "7B", 1, "Asha")
	tr := transportFunc(func(context.Context, []protocol.Operation) (*protocol.SyncResponse, error) {
		return &protocol.SyncResponse{}, nil
	})
	d := newDriver(t, Options{Store: s, Transport: tr})

	if _, err := d.Run(ctx); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	ops, _ := s.ListOperations(ctx, store.QueueFilter{})
	if len(ops) != 1 || ops[0].Attempts != 1 {
		t.Errorf("queue = %+v, want the op kept with 1 attempt", ops)
	}
}

func TestRun_SingleFlight(t *testing.T) {
	s := testStore(t)
	addStudent(t, s, "7B", 1, "Asha")

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	tr := transportFunc(func(_ context.Context, ops []protocol.Operation) (*protocol.SyncResponse, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(entered)
		}
		<-release
		resp := &protocol.SyncResponse{}
		for _, op := range ops {
			resp.Applied = append(resp.Applied, protocol.Verdict{OpID: op.OpID, Entity: op.Entity, Action: op.Action, ID: "srv-1"})
		}
		return resp, nil
	})
	d := newDriver(t, Options{Store: s, Transport: tr})

	results := make([]*Result, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = d.Run(context.Background())
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = d.Run(context.Background())
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Run() #%d failed: %v", i+1, err)
		}
	}
	if calls != 1 {
		t.Errorf("transport called %d times, want 1", calls)
	}
	if results[0] != results[1] {
		t.Error("concurrent callers did not share the in-flight result")
	}
}

func TestHTTPTransport_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"unauthorized"}`))
			return
		}
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	tests := []struct {
		name     string
		token    string
		wantCode int
	}{
		{"unauthorized", "bad", http.StatusUnauthorized},
		{"undecodable body", "good", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := httpTransport(t, srv.URL, tt.token)
			_, err := tr.Send(context.Background(), nil)
			if !errors.Is(err, ErrTransport) {
				t.Fatalf("Send() error = %v, want ErrTransport", err)
			}
			var se *StatusError
			if tt.wantCode == 0 {
				if errors.As(err, &se) {
					t.Errorf("Send() returned status error %v", se)
				}
				return
			}
			if !errors.As(err, &se) || se.Code != tt.wantCode || se.Message != "unauthorized" {
				t.Errorf("Send() error = %v, want %d unauthorized", err, tt.wantCode)
			}
		})
	}
}

func TestNewHTTPTransport_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "localhost:8080", "ftp://example.com", "http://"} {
		if _, err := NewHTTPTransport(u, "", 0); err == nil {
			t.Errorf("NewHTTPTransport(%q) succeeded", u)
		}
	}
}

func TestProbe(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	if !NewProbe(up.URL, time.Second).Online(context.Background()) {
		t.Error("Online() = false for a healthy server")
	}
	up.Close()
	if NewProbe(up.URL, time.Second).Online(context.Background()) {
		t.Error("Online() = true for a closed server")
	}
	if NewProbe("not a url", time.Second).Online(context.Background()) {
		t.Error("Online() = true for an invalid url")
	}
}

func boolPtr(b bool) *bool { return &b }
