// Package loadtest drives concurrent simulated devices against a sync
// endpoint.
//
// Every device edits the same set of roster entries with its own clock, so the
// server sees interleaved, out-of-order writes to each record. After all
// devices finish, the run checks over the wire that each record holds the
// newest write and that replayed operations are recognised as duplicates.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rollbook/rollbook/internal/protocol"
	"github.com/rollbook/rollbook/internal/syncer"
)

// Config sizes a load run. Zero fields take the defaults noted.
type Config struct {
	Devices        int    // default 10
	EditsPerDevice int    // default 50
	Students       int    // distinct roll numbers contested, default 20
	BatchSize      int    // operations per request, default 25
	Branch         string // default "loadtest"
	Seed           int64  // default 42

	// Base is the clock origin for generated edits. Default: now, truncated
	// to the second.
	Base time.Time
}

func (c Config) withDefaults() Config {
	if c.Devices <= 0 {
		c.Devices = 10
	}
	if c.EditsPerDevice <= 0 {
		c.EditsPerDevice = 50
	}
	if c.Students <= 0 {
		c.Students = 20
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.Branch == "" {
		c.Branch = "loadtest"
	}
	if c.Seed == 0 {
		c.Seed = 42
	}
	if c.Base.IsZero() {
		c.Base = time.Now().UTC().Truncate(time.Second)
	}
	return c
}

// LatencyStats captures request latency across all devices.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration
	P95       time.Duration
	P99       time.Duration
	Requests  int
	Durations []time.Duration
}

// Report is the outcome of a run.
type Report struct {
	Latency *LatencyStats

	Sent     int
	Applied  int
	Skipped  int
	Rejected int
	Replayed int

	// Errors are failed requests.
	Errors []error

	// Mismatches describe records that did not converge on the newest write
	// and replays that were not recognised.
	Mismatches []string
}

// Converged reports whether every check passed.
func (r *Report) Converged() bool {
	return len(r.Errors) == 0 && len(r.Mismatches) == 0
}

// Plan is the generated workload.
type Plan struct {
	// Devices holds each device's operations in send order.
	Devices [][]protocol.Operation

	// Newest is the winning client clock for each roll number.
	Newest map[int]time.Time
}

// NewPlan generates a workload. Every edit gets a distinct clock so the
// winner of each record is unambiguous; clocks are shuffled across devices
// so arrival order never matches clock order.
func NewPlan(cfg Config) *Plan {
	cfg = cfg.withDefaults()
	rng := rand.New(rand.NewSource(cfg.Seed))

	total := cfg.Devices * cfg.EditsPerDevice
	offsets := rng.Perm(total)

	plan := &Plan{
		Devices: make([][]protocol.Operation, cfg.Devices),
		Newest:  make(map[int]time.Time),
	}
	for d := 0; d < cfg.Devices; d++ {
		ops := make([]protocol.Operation, 0, cfg.EditsPerDevice)
		for j := 0; j < cfg.EditsPerDevice; j++ {
			roll := 1 + rng.Intn(cfg.Students)
			at := cfg.Base.Add(time.Duration(offsets[d*cfg.EditsPerDevice+j]) * time.Millisecond)
			ops = append(ops, studentOp(cfg.Branch, roll, fmt.Sprintf("device %d edit %d", d, j), at))
			if at.After(plan.Newest[roll]) {
				plan.Newest[roll] = at
			}
		}
		plan.Devices[d] = ops
	}
	return plan
}

func studentOp(branch string, roll int, name string, at time.Time) protocol.Operation {
	data, _ := json.Marshal(protocol.StudentData{Branch: branch, RollNo: roll, Name: name})
	return protocol.Operation{
		OpID:            uuid.NewString(),
		Entity:          protocol.EntityStudent,
		Action:          protocol.ActionUpdate,
		ClientUpdatedAt: protocol.FormatTime(at),
		Data:            data,
	}
}

// Run executes a workload. transport is called once per device plus once for
// verification; each call may return the same Transport.
func Run(ctx context.Context, transport func(device int) syncer.Transport, cfg Config) (*Report, error) {
	cfg = cfg.withDefaults()
	plan := NewPlan(cfg)

	var mu sync.Mutex
	report := &Report{}
	var durations []time.Duration

	var wg sync.WaitGroup
	for d, ops := range plan.Devices {
		wg.Add(1)
		go func(device int, ops []protocol.Operation) {
			defer wg.Done()
			t := transport(device)

			send := func(batch []protocol.Operation) *protocol.SyncResponse {
				start := time.Now()
				resp, err := t.Send(ctx, batch)
				elapsed := time.Since(start)

				mu.Lock()
				defer mu.Unlock()
				durations = append(durations, elapsed)
				if err != nil {
					report.Errors = append(report.Errors, fmt.Errorf("device %d: %w", device, err))
					return nil
				}
				return resp
			}

			for start := 0; start < len(ops); start += cfg.BatchSize {
				batch := ops[start:min(start+cfg.BatchSize, len(ops))]
				resp := send(batch)
				if resp == nil {
					continue
				}
				mu.Lock()
				report.Sent += len(batch)
				report.Applied += len(resp.Applied)
				report.Skipped += len(resp.Skipped)
				report.Rejected += len(resp.Rejected)
				mu.Unlock()
			}

			// Replaying the first batch must only ever produce duplicates.
			replay := ops[:min(cfg.BatchSize, len(ops))]
			resp := send(replay)
			if resp == nil {
				return
			}
			mu.Lock()
			report.Replayed += len(replay)
			if len(resp.Skipped) != len(replay) {
				report.Mismatches = append(report.Mismatches, fmt.Sprintf(
					"device %d: replay of %d ops gave %d skipped, %d applied, %d rejected",
					device, len(replay), len(resp.Skipped), len(resp.Applied), len(resp.Rejected)))
			}
			mu.Unlock()
		}(d, ops)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report.Latency = computeLatencyStats(durations)

	mismatches, err := verify(ctx, transport(len(plan.Devices)), cfg, plan.Newest)
	if err != nil {
		return report, err
	}
	report.Mismatches = append(report.Mismatches, mismatches...)
	return report, nil
}

// verify sends one edit per record with a clock older than any generated
// edit. Each must be rejected as stale, and the stored clock carried by the
// rejection must be the newest generated one.
func verify(ctx context.Context, t syncer.Transport, cfg Config, newest map[int]time.Time) ([]string, error) {
	rolls := make([]int, 0, len(newest))
	for roll := range newest {
		rolls = append(rolls, roll)
	}
	sort.Ints(rolls)

	stale := cfg.Base.Add(-time.Hour)
	byOpID := make(map[string]int, len(rolls))
	probes := make([]protocol.Operation, 0, len(rolls))
	for _, roll := range rolls {
		op := studentOp(cfg.Branch, roll, "probe", stale)
		byOpID[op.OpID] = roll
		probes = append(probes, op)
	}

	var mismatches []string
	for start := 0; start < len(probes); start += cfg.BatchSize {
		resp, err := t.Send(ctx, probes[start:min(start+cfg.BatchSize, len(probes))])
		if err != nil {
			return mismatches, fmt.Errorf("failed to verify: %w", err)
		}
		for _, v := range resp.Applied {
			mismatches = append(mismatches, fmt.Sprintf("roll %d: stale probe was applied", byOpID[v.OpID]))
		}
		for _, v := range resp.Skipped {
			mismatches = append(mismatches, fmt.Sprintf("roll %d: fresh probe reported as duplicate", byOpID[v.OpID]))
		}
		for _, v := range resp.Rejected {
			roll := byOpID[v.OpID]
			stored, err := protocol.ParseTime(v.ServerUpdatedAt)
			if err != nil {
				mismatches = append(mismatches, fmt.Sprintf("roll %d: rejected without a stored clock (%s)", roll, v.Reason))
				continue
			}
			if !stored.Equal(newest[roll]) {
				mismatches = append(mismatches, fmt.Sprintf("roll %d: stored clock %s, newest edit %s",
					roll, protocol.FormatTime(stored), protocol.FormatTime(newest[roll])))
			}
		}
	}
	return mismatches, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Requests:  len(durations),
		Durations: sorted,
	}
}

// Print writes the latency statistics to w.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Requests:      %d\n", s.Requests)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
