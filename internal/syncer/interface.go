package syncer

import "context"

// Driver ships queued operations to the server and reconciles the results
// into the local store.
type Driver interface {
	// Run performs one sync pass over the queue.
	//
	// If the Detector reports offline, Run returns ErrOffline without touching
	// the queue or emitting events. An empty queue emits a single end event
	// with zero counts.
	//
	// Only one pass runs at a time. A call made while a pass is in flight
	// waits for that pass and returns its Result and error instead of
	// starting another.
	//
	// Per-operation outcomes never fail the run: applied and skipped
	// operations are removed, rejected ones are flagged for attention. Run
	// returns an error wrapping ErrTransport when a request fails, after the
	// attempt counters of the unsent operations have been bumped.
	//
	// Example:
	//   res, err := driver.Run(ctx)
	//   if errors.Is(err, syncer.ErrOffline) {
	//       return nil // try again later
	//   }
	Run(ctx context.Context) (*Result, error)
}

// Result summarizes one sync pass.
type Result struct {
	// Queued is the number of operations eligible when the pass started.
	Queued int

	// Requests is the number of POSTs made.
	Requests int

	Applied  int
	Skipped  int
	Rejected int

	// Deferred operations are still waiting on a student's server id.
	Deferred int

	// Waiting operations were left alone because their backoff had not
	// elapsed.
	Waiting int

	// Flagged operations were newly marked as needing attention.
	Flagged int
}

// Settled is the number of operations the server accepted as applied,
// now or in an earlier request.
func (r *Result) Settled() int {
	return r.Applied + r.Skipped
}
