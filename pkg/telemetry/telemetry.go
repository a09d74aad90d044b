package telemetry

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is a published orchestration event as seen by live subscribers
// such as the API stream or the CLI.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	TraceID   string         `json:"trace_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Hub fan-outs events to any number of subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	closed      bool
}

// NewHub constructs a telemetry hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]chan Event)}
}

// Publish notifies all subscribers of an event. Non-blocking; drops if buffer full.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			// Slow subscribers lose events rather than stall a plan.
		}
	}
}

// Subscribe returns a channel that will receive future events and a cleanup func.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch, id := h.SubscribeWithID()
	return ch, func() { h.Unsubscribe(id) }
}

// SubscribeWithID registers a subscriber and returns its ID.
func (h *Hub) SubscribeWithID() (<-chan Event, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		empty := make(chan Event)
		close(empty)
		return empty, ""
	}
	id := ulid.Make().String()
	ch := make(chan Event, 64)
	h.subscribers[id] = ch
	return ch, id
}

// Unsubscribe removes a subscriber. Unknown IDs are ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(ch)
	}
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close unsubscribes all listeners and prevents future publications.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}
