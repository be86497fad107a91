package syncer

import (
	"sync"
	"time"
)

// Default retry parameters.
const (
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 60 * time.Second
)

// Backoff computes capped exponential retry delays.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns min(Max, Base * 2^attempts).
func (b Backoff) Delay(attempts int) time.Duration {
	base, limit := b.Base, b.Max
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if limit <= 0 {
		limit = DefaultBackoffMax
	}
	d := base
	for i := 0; i < attempts; i++ {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// retrySchedule remembers when each failed operation may be sent again.
type retrySchedule struct {
	mu    sync.Mutex
	after map[int64]time.Time
}

func newRetrySchedule() *retrySchedule {
	return &retrySchedule{after: make(map[int64]time.Time)}
}

func (r *retrySchedule) postpone(seq int64, until time.Time) {
	r.mu.Lock()
	r.after[seq] = until
	r.mu.Unlock()
}

func (r *retrySchedule) ready(seq int64, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.after[seq]
	return !ok || !now.Before(until)
}

func (r *retrySchedule) clear(seqs ...int64) {
	r.mu.Lock()
	for _, seq := range seqs {
		delete(r.after, seq)
	}
	r.mu.Unlock()
}
