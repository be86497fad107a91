package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rollbook/rollbook/internal/protocol"
	"github.com/rollbook/rollbook/internal/store"
	"github.com/rollbook/rollbook/internal/telemetry"
)

// Defaults applied by New.
const (
	DefaultBatchSize   = 50
	DefaultMaxAttempts = 10
)

// Options configures a Driver.
type Options struct {
	Store     *store.Store
	Transport Transport

	// Detector gates every run. Nil means always online.
	Detector Detector

	// Bus receives start, end and error events. May be nil.
	Bus *telemetry.Bus

	// Owner is the principal the local branches belong to; used when
	// back-filling branch server ids.
	Owner string

	BatchSize   int
	Backoff     Backoff
	MaxAttempts int

	// Logger defaults to stderr with a "[sync] " prefix.
	Logger *log.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// driver implements the Driver interface.
type driver struct {
	opts   Options
	logger *log.Logger
	flight singleflight.Group
	retry  *retrySchedule
}

// New creates a Driver. The store must already have its schema initialized.
func New(opts Options) (Driver, error) {
	if opts.Store == nil {
		return nil, errors.New("syncer: store is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("syncer: transport is required")
	}
	if opts.Detector == nil {
		opts.Detector = Static(true)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &driver{
		opts:   opts,
		logger: logger,
		retry:  newRetrySchedule(),
	}, nil
}

// Run implements Driver.Run. Joined callers share the first caller's context.
func (d *driver) Run(ctx context.Context) (*Result, error) {
	v, err, _ := d.flight.Do("run", func() (interface{}, error) {
		return d.run(ctx)
	})
	res, _ := v.(*Result)
	if res == nil {
		res = &Result{}
	}
	return res, err
}

// pass holds the state of one run.
type pass struct {
	deviceID string
	res      *Result
}

func (d *driver) run(ctx context.Context) (*Result, error) {
	if !d.opts.Detector.Online(ctx) {
		return &Result{}, ErrOffline
	}

	deviceID, err := d.opts.Store.DeviceID(ctx)
	if err != nil {
		return d.fail(&Result{}, fmt.Errorf("failed to read device id: %w", err))
	}
	p := &pass{deviceID: deviceID, res: &Result{}}

	ready, deferred, err := d.collect(ctx, p.res)
	if err != nil {
		return d.fail(p.res, err)
	}
	p.res.Queued = len(ready) + len(deferred)
	if p.res.Queued == 0 {
		d.emit(telemetry.Event{Type: telemetry.EventEnd, Waiting: p.res.Waiting})
		return p.res, nil
	}

	d.logger.Printf("Syncing %d operations (%d waiting on a student id)", p.res.Queued, len(deferred))
	d.emit(telemetry.Event{Type: telemetry.EventStart, Queued: p.res.Queued})

	for len(ready) > 0 {
		if err := d.ship(ctx, p, ready); err != nil {
			p.res.Deferred = len(deferred)
			return d.fail(p.res, err)
		}
		ready, deferred, err = d.resolveDeferred(ctx, deferred)
		if err != nil {
			return d.fail(p.res, err)
		}
	}
	p.res.Deferred = len(deferred)

	d.logger.Printf("Sync complete: applied=%d skipped=%d rejected=%d deferred=%d",
		p.res.Applied, p.res.Skipped, p.res.Rejected, p.res.Deferred)
	d.emit(telemetry.Event{
		Type:     telemetry.EventEnd,
		Queued:   p.res.Queued,
		Applied:  p.res.Applied,
		Skipped:  p.res.Skipped,
		Rejected: p.res.Rejected,
		Waiting:  p.res.Waiting,
		Deferred: p.res.Deferred,
	})
	return p.res, nil
}

// collect pages through the queue and splits the eligible operations into
// those that can be sent now and attendance operations still waiting on a
// student's server id. Operations in backoff are counted and left alone.
func (d *driver) collect(ctx context.Context, res *Result) (ready, deferred []*store.QueuedOperation, err error) {
	now := d.opts.Now()
	var after int64
	for {
		page, err := d.opts.Store.DrainQueueAfter(ctx, after, d.opts.BatchSize)
		if err != nil {
			return nil, nil, err
		}
		for _, op := range page {
			after = op.Seq
			switch {
			case !d.retry.ready(op.Seq, now):
				res.Waiting++
			case op.AwaitingDependency():
				deferred = append(deferred, op)
			default:
				ready = append(ready, op)
			}
		}
		if len(page) < d.opts.BatchSize {
			break
		}
	}
	return ready, deferred, nil
}

// resolveDeferred re-reads deferred operations after a back-fill and returns
// the ones that can now be sent.
func (d *driver) resolveDeferred(ctx context.Context, deferred []*store.QueuedOperation) (ready, still []*store.QueuedOperation, err error) {
	if len(deferred) == 0 {
		return nil, nil, nil
	}
	seqs := make([]int64, len(deferred))
	for i, op := range deferred {
		seqs[i] = op.Seq
	}
	fresh, err := d.opts.Store.GetOperations(ctx, seqs)
	if err != nil {
		return nil, nil, err
	}
	for _, op := range fresh {
		switch {
		case op.NeedsAttention:
		case op.AwaitingDependency():
			still = append(still, op)
		default:
			ready = append(ready, op)
		}
	}
	return ready, still, nil
}

// ship sends ops in batches, students first.
func (d *driver) ship(ctx context.Context, p *pass, ops []*store.QueuedOperation) error {
	sort.SliceStable(ops, func(i, j int) bool {
		return entityRank(ops[i].Entity) < entityRank(ops[j].Entity)
	})

	for start := 0; start < len(ops); start += d.opts.BatchSize {
		end := start + d.opts.BatchSize
		if end > len(ops) {
			end = len(ops)
		}
		if err := d.sendBatch(ctx, p, ops[start:end]); err != nil {
			if errors.Is(err, ErrTransport) {
				if ferr := d.recordFailure(ctx, p.res, ops[start:], err); ferr != nil {
					d.logger.Printf("ERROR: %v", ferr)
				}
			}
			return err
		}
	}
	return nil
}

func entityRank(kind protocol.EntityKind) int {
	if kind == protocol.EntityStudent {
		return 0
	}
	return 1
}

func (d *driver) sendBatch(ctx context.Context, p *pass, batch []*store.QueuedOperation) error {
	wire := make([]protocol.Operation, len(batch))
	byOpID := make(map[string]*store.QueuedOperation, len(batch))
	for i, op := range batch {
		wire[i] = op.Wire(p.deviceID)
		byOpID[wire[i].OpID] = op
	}

	p.res.Requests++
	resp, err := d.opts.Transport.Send(ctx, wire)
	if err != nil {
		return err
	}

	var done []int64
	settle := func(v protocol.Verdict) error {
		op, ok := byOpID[v.OpID]
		if !ok {
			d.logger.Printf("WARNING: verdict for unknown op_id %s", v.OpID)
			return nil
		}
		delete(byOpID, v.OpID)
		if err := d.backfill(ctx, op, v); err != nil {
			return err
		}
		done = append(done, op.Seq)
		return nil
	}
	flag := func(v protocol.Verdict) error {
		op, ok := byOpID[v.OpID]
		if !ok {
			d.logger.Printf("WARNING: verdict for unknown op_id %s", v.OpID)
			return nil
		}
		delete(byOpID, v.OpID)
		d.logger.Printf("Operation %d (%s %s) rejected: %s", op.Seq, op.Entity, op.Action, v.Reason)
		if err := d.opts.Store.MarkNeedsAttention(ctx, op.Seq, v.Reason, v.ServerUpdatedAt); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		d.retry.clear(op.Seq)
		p.res.Flagged++
		return nil
	}

	for _, v := range resp.Applied {
		if err := settle(v); err != nil {
			return err
		}
		p.res.Applied++
	}
	for _, v := range resp.Skipped {
		if v.Previous == protocol.OutcomeRejected {
			if err := flag(v); err != nil {
				return err
			}
			p.res.Rejected++
			continue
		}
		if err := settle(v); err != nil {
			return err
		}
		p.res.Skipped++
	}
	for _, v := range resp.Rejected {
		if err := flag(v); err != nil {
			return err
		}
		p.res.Rejected++
	}

	if err := d.opts.Store.RemoveOperations(ctx, done); err != nil {
		return err
	}
	d.retry.clear(done...)

	if len(byOpID) > 0 {
		missing := make([]*store.QueuedOperation, 0, len(byOpID))
		for _, op := range byOpID {
			missing = append(missing, op)
		}
		sort.Slice(missing, func(i, j int) bool { return missing[i].Seq < missing[j].Seq })
		d.logger.Printf("WARNING: server returned no verdict for %d operations", len(missing))
		return d.recordFailure(ctx, p.res, missing, errors.New("no verdict returned"))
	}
	return nil
}

// backfill copies the server ids carried by a verdict into the local store.
func (d *driver) backfill(ctx context.Context, op *store.QueuedOperation, v protocol.Verdict) error {
	if v.ID != "" {
		err := d.opts.Store.AttachServerID(ctx, op.Entity, op.RecordID, v.ID, v.ServerUpdatedAt)
		if errors.Is(err, store.ErrNotFound) {
			d.logger.Printf("WARNING: local %s %d no longer exists", op.Entity, op.RecordID)
		} else if err != nil {
			return err
		}
	}
	if v.BranchID != "" {
		name, err := branchName(op)
		if err != nil {
			return err
		}
		if err := d.opts.Store.AttachBranchServerID(ctx, d.opts.Owner, name, v.BranchID); err != nil {
			return err
		}
	}
	return nil
}

func branchName(op *store.QueuedOperation) (string, error) {
	if op.Entity == protocol.EntityStudent {
		data, err := op.StudentPayload()
		if err != nil {
			return "", err
		}
		return data.Branch, nil
	}
	data, err := op.AttendancePayload()
	if err != nil {
		return "", err
	}
	return data.Branch, nil
}

// recordFailure bumps the attempt counter of every op and schedules its
// retry, flagging those that have used up their attempts.
func (d *driver) recordFailure(ctx context.Context, res *Result, ops []*store.QueuedOperation, cause error) error {
	now := d.opts.Now()
	msg := cause.Error()
	for _, op := range ops {
		attempts, err := d.opts.Store.BumpAttempt(ctx, op.Seq, msg)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if attempts >= d.opts.MaxAttempts {
			reason := fmt.Sprintf("gave up after %d attempts: %s", attempts, msg)
			if err := d.opts.Store.MarkNeedsAttention(ctx, op.Seq, reason, ""); err != nil {
				return err
			}
			d.retry.clear(op.Seq)
			res.Flagged++
			continue
		}
		d.retry.postpone(op.Seq, now.Add(d.opts.Backoff.Delay(attempts)))
	}
	return nil
}

func (d *driver) fail(res *Result, err error) (*Result, error) {
	d.logger.Printf("ERROR: sync failed: %v", err)
	d.emit(telemetry.Event{
		Type:     telemetry.EventError,
		Queued:   res.Queued,
		Applied:  res.Applied,
		Skipped:  res.Skipped,
		Rejected: res.Rejected,
		Message:  errorMessage(err),
	})
	return res, err
}

func errorMessage(err error) string {
	var se *StatusError
	switch {
	case errors.As(err, &se):
		return "Sync failed: " + se.Error()
	case errors.Is(err, ErrTransport):
		return "Sync failed: server unreachable"
	default:
		return "Sync failed: " + err.Error()
	}
}

func (d *driver) emit(ev telemetry.Event) {
	if d.opts.Bus == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = d.opts.Now().UTC()
	}
	d.opts.Bus.Emit(ev)
}
