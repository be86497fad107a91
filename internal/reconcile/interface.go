// Package reconcile applies batches of client operations to the authoritative
// store with last-write-wins conflict resolution and replay protection.
//
// Each operation is processed on its own: decode and validate, claim its op_id
// in the teacher's dedupe ledger, then dispatch by entity. The ledger claim and
// the record writes share one transaction, so an op is either fully processed
// (and any replay reports skipped) or not at all.
package reconcile

import (
	"context"

	"github.com/rollbook/rollbook/internal/protocol"
)

// Reconciler is the server side of the sync protocol.
type Reconciler interface {
	// Reconcile applies ops for teacherID in order and returns one verdict
	// per operation.
	//
	// A failing operation never aborts the batch: validation failures,
	// referential problems, stale writes and storage errors are all reported
	// as rejected verdicts. An error is returned only when teacherID is empty
	// or ctx is cancelled between operations; operations processed before the
	// cancellation stay committed.
	//
	// Example:
	//   resp, err := rec.Reconcile(ctx, "teacher-1", req.Operations)
	Reconcile(ctx context.Context, teacherID string, ops []protocol.Operation) (*protocol.SyncResponse, error)
}
