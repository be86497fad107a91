// Package telemetry broadcasts sync lifecycle events to interested listeners:
// the CLI status line, the daemon's log and the websocket feed.
package telemetry

import (
	"sync"
	"time"
)

// EventType identifies a point in a sync run's lifecycle.
type EventType string

const (
	// EventStart is emitted when a run begins shipping operations.
	EventStart EventType = "start"

	// EventEnd is emitted when a run completes, including runs that found
	// nothing to send.
	EventEnd EventType = "end"

	// EventError is emitted when a run fails on transport or storage.
	EventError EventType = "error"
)

// Event is one sync lifecycle notification.
type Event struct {
	Type     EventType `json:"type"`
	Queued   int       `json:"queued"`
	Applied  int       `json:"applied,omitempty"`
	Rejected int       `json:"rejected,omitempty"`
	Skipped  int       `json:"skipped,omitempty"`

	// Waiting and Deferred count operations still queued after an end event:
	// those in backoff and those waiting on a student's server id.
	Waiting  int `json:"waiting,omitempty"`
	Deferred int `json:"deferred,omitempty"`

	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// Listener receives events. It is called synchronously on the emitting
// goroutine and must not block.
type Listener func(Event)

type subscription struct {
	id int
	fn Listener
}

// Bus fans events out to registered listeners. The zero value is ready to use.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   []subscription
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// OnSyncEvent registers fn and returns a function that unregisters it.
// Calling the returned function more than once is harmless.
func (b *Bus) OnSyncEvent(fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers ev to every listener in registration order. A zero At is
// stamped with the current time. Listeners run outside the lock so they may
// unsubscribe themselves.
func (b *Bus) Emit(ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		s.fn(ev)
	}
}

// Len returns the number of registered listeners.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
