// Package runhub fans fetch run events out to live subscribers, optionally
// across processes through Redis Pub/Sub.
package runhub

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"grouparchive/backend/internal/fetch"
	"grouparchive/backend/internal/storage"
)

// Bus is the cross-process transport. storage.Service implements it.
type Bus interface {
	PublishRunEvent(ctx context.Context, runID string, payload []byte) error
	SubscribeToRunEvents(ctx context.Context) *redis.PubSub
}

// Hub owns the subscriber registry. All registry changes happen on the Run
// goroutine.
type Hub struct {
	RegisterCh   chan Subscriber
	UnregisterCh chan Subscriber

	subscribers map[string]map[Subscriber]bool
	eventCh     chan fetch.Event
	bus         Bus
	log         zerolog.Logger
	done        chan struct{}
}

// NewHub returns a hub. With a nil bus events are delivered in-process only.
func NewHub(bus Bus, log zerolog.Logger) *Hub {
	return &Hub{
		RegisterCh:   make(chan Subscriber),
		UnregisterCh: make(chan Subscriber),
		subscribers:  make(map[string]map[Subscriber]bool),
		eventCh:      make(chan fetch.Event, 256),
		bus:          bus,
		log:          log.With().Str("component", "runhub").Logger(),
		done:         make(chan struct{}),
	}
}

// Publish implements fetch.EventSink. With a bus the event goes through
// Redis and comes back through the listener, so every instance sees it once.
func (h *Hub) Publish(ev fetch.Event) {
	if h.bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			h.log.Error().Err(err).Msg("Failed to encode run event")
			return
		}
		err = h.bus.PublishRunEvent(context.Background(), ev.RunID, payload)
		if err == nil {
			return
		}
		h.log.Warn().Err(err).Str("run_id", ev.RunID).Msg("Failed to publish run event, delivering locally")
	}
	h.deliver(ev)
}

func (h *Hub) deliver(ev fetch.Event) {
	select {
	case h.eventCh <- ev:
	case <-h.done:
	}
}

// StartPubSubListener feeds events published by any instance into the hub.
func (h *Hub) StartPubSubListener(ctx context.Context) {
	if h.bus == nil {
		return
	}
	pubsub := h.bus.SubscribeToRunEvents(ctx)
	// Wait for the subscription to be confirmed so no early event is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		h.log.Error().Err(err).Msg("Failed to subscribe to run events")
		pubsub.Close()
		return
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev fetch.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					h.log.Warn().Err(err).Str("channel", msg.Channel).Msg("Error unmarshalling run event")
					continue
				}
				if ev.RunID == "" {
					ev.RunID = strings.TrimPrefix(msg.Channel, storage.RunEventChannelPrefix)
				}
				h.deliver(ev)
			}
		}
	}()
}

// Run processes registrations and events until ctx is done, then closes
// every remaining subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for runID := range h.subscribers {
			h.closeRun(runID)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case sub := <-h.RegisterCh:
			runID := sub.GetRunID()
			if h.subscribers[runID] == nil {
				h.subscribers[runID] = make(map[Subscriber]bool)
			}
			h.subscribers[runID][sub] = true
			h.log.Debug().Str("run_id", runID).Msg("Subscriber registered")

		case sub := <-h.UnregisterCh:
			h.remove(sub)

		case ev := <-h.eventCh:
			for sub := range h.subscribers[ev.RunID] {
				select {
				case sub.GetSendChannel() <- ev:
				default:
					// Slow subscribers are dropped rather than stalling the hub.
					h.log.Warn().Str("run_id", ev.RunID).Msg("Subscriber too slow, disconnecting")
					h.remove(sub)
				}
			}
			if ev.Type == fetch.EventFinished {
				h.closeRun(ev.RunID)
			}
		}
	}
}

// Register adds sub to its run's audience. If the hub already stopped the
// subscriber is closed instead and false is returned.
func (h *Hub) Register(sub Subscriber) bool {
	select {
	case h.RegisterCh <- sub:
		return true
	case <-h.done:
		sub.Close()
		return false
	}
}

// Unregister removes sub unless the hub already stopped.
func (h *Hub) Unregister(sub Subscriber) {
	select {
	case h.UnregisterCh <- sub:
	case <-h.done:
	}
}

func (h *Hub) remove(sub Subscriber) {
	runID := sub.GetRunID()
	subs := h.subscribers[runID]
	if !subs[sub] {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.subscribers, runID)
	}
	sub.Close()
}

func (h *Hub) closeRun(runID string) {
	for sub := range h.subscribers[runID] {
		sub.Close()
	}
	delete(h.subscribers, runID)
}
