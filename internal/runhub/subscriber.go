package runhub

import "grouparchive/backend/internal/fetch"

// Subscriber is one consumer of a run's events, typically a WebSocket.
type Subscriber interface {
	// GetRunID returns the run the subscriber follows.
	GetRunID() string
	// GetSendChannel returns the channel the hub delivers events on.
	GetSendChannel() chan<- fetch.Event
	// Run starts the subscriber's pumps.
	Run()
	// Close stops delivery. The hub calls it exactly once.
	Close()
}
