package fetch

import (
	"time"

	"grouparchive/backend/internal/remote"
)

// EventType names a progress event.
type EventType string

const (
	EventState      EventType = "state"
	EventPage       EventType = "page"
	EventSuspended  EventType = "suspended"
	EventAttachment EventType = "attachment"
	EventFinished   EventType = "finished"
)

// Event is one progress notification of a run.
type Event struct {
	RunID  string        `json:"run_id"`
	Type   EventType     `json:"type"`
	State  State         `json:"state,omitempty"`
	Page   int           `json:"page,omitempty"`
	Cursor remote.Cursor `json:"cursor,omitempty"`
	Wait   time.Duration `json:"wait,omitempty"`
	// Detail carries a short human-readable note, like a skip reason.
	Detail  string    `json:"detail,omitempty"`
	Outcome *Outcome  `json:"outcome,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// EventSink receives run events. Publish is called from the run goroutine
// and from download workers, so it must be safe for concurrent use and
// must not block for long.
type EventSink interface {
	Publish(ev Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ev Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }

type nopSink struct{}

func (nopSink) Publish(Event) {}
