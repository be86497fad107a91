// Package syncer ships the local operation queue to the sync endpoint and
// applies the server's verdicts back to the local store.
//
// Overview
//
// Every local mutation is recorded in the store together with a queued
// operation. The driver drains those operations, converts them to wire
// envelopes and POSTs them in batches:
//
//	store.pending_ops ──► Driver.Run ──► Transport.Send ──► POST /sync
//	        ▲                                                   │
//	        └──── back-fill server ids, remove, flag ◄── verdicts ┘
//
// A run is a no-op when the connectivity Detector reports offline. Only one
// run is in flight per Driver; concurrent callers wait for it and share its
// Result.
//
// Ordering
//
// Student operations are sent ahead of attendance operations. Attendance
// operations whose payload still lacks the student's server id are held back
// until the student's verdict has been applied, then sent in a follow-up
// request within the same run.
//
// Failures
//
// A transport failure leaves the queue untouched apart from the attempt
// counter, and the operation is not retried before its backoff elapses:
//
//	delay = min(BackoffMax, BackoffBase * 2^attempts)
//
// After MaxAttempts transient failures, or immediately on a rejected verdict,
// the operation is flagged as needing attention and excluded from later runs
// until it is requeued or discarded.
//
// Usage
//
//	transport, err := syncer.NewHTTPTransport("http://localhost:8080", token, 15*time.Second)
//	if err != nil {
//	    return err
//	}
//	driver, err := syncer.New(syncer.Options{
//	    Store:     st,
//	    Transport: transport,
//	    Detector:  syncer.NewProbe("http://localhost:8080", 3*time.Second),
//	    Bus:       bus,
//	    Owner:     "teacher-1",
//	})
//	if err != nil {
//	    return err
//	}
//	res, err := driver.Run(ctx)
package syncer
