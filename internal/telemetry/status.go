package telemetry

import (
	"fmt"
	"sync"
)

// Status tracks the most recent sync state as a one-line indicator.
type Status struct {
	mu   sync.RWMutex
	last Event
	seen bool
}

// Watch subscribes s to bus and returns the unsubscribe function.
func (s *Status) Watch(bus *Bus) func() {
	return bus.OnSyncEvent(s.Observe)
}

// Observe records ev as the latest state.
func (s *Status) Observe(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = ev
	s.seen = true
}

// Last returns the most recent event and whether any has been observed.
func (s *Status) Last() (Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.seen
}

// Text renders the indicator shown to the user.
func (s *Status) Text() string {
	ev, ok := s.Last()
	if !ok {
		return "Up to date"
	}
	return Describe(ev)
}

// Describe renders a single event the way the status indicator shows it.
func Describe(ev Event) string {
	switch ev.Type {
	case EventStart:
		return fmt.Sprintf("Syncing (%d)", ev.Queued)
	case EventError:
		if ev.Message == "" {
			return "Sync failed"
		}
		return ev.Message
	case EventEnd:
		pending := ev.Waiting + ev.Deferred
		if ev.Applied == 0 && ev.Rejected == 0 && ev.Skipped == 0 {
			switch {
			case ev.Waiting > 0:
				return fmt.Sprintf("Pending: %d waiting to retry", pending)
			case pending > 0:
				return fmt.Sprintf("Pending: %d waiting on a student", pending)
			}
			return "Up to date"
		}
		text := fmt.Sprintf("Synced: %d ok, %d rejected", ev.Applied+ev.Skipped, ev.Rejected)
		if pending > 0 {
			text += fmt.Sprintf(", %d pending", pending)
		}
		return text
	}
	return string(ev.Type)
}
