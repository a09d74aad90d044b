// Package trace records the canonical orchestration events for each trace
// and derives golden signals from them.
package trace

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/foreman/pkg/telemetry"
)

// EventType names a canonical event. The values are part of the external
// contract and must not change.
type EventType string

const (
	EventPlanCreated       EventType = "plan_created"
	EventRouteDecision     EventType = "route_decision"
	EventToolCallStart     EventType = "tool_call_start"
	EventToolCallComplete  EventType = "tool_call_complete"
	EventToolCallError     EventType = "tool_call_error"
	EventBudgetWarning     EventType = "budget_warning"
	EventBudgetExceeded    EventType = "budget_exceeded"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalReceived  EventType = "approval_received"
	EventApprovalTimeout   EventType = "approval_timeout"
)

// Event is one recorded occurrence within a trace.
type Event struct {
	ID        string         `json:"id"`
	TraceID   string         `json:"trace_id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Sink accepts events. Components depend on this rather than on Emitter.
type Sink interface {
	Emit(ctx context.Context, traceID string, typ EventType, attrs map[string]any) Event
}

// Emitter stores redacted events per trace and forwards them to live
// subscribers, metrics and the active span.
type Emitter struct {
	mu        sync.RWMutex
	events    map[string][]Event
	order     []string
	maxTraces int

	hub     *telemetry.Hub
	metrics *telemetry.Metrics
	terms   []string
	scrub   func(string) string
	now     func() time.Time
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithHub publishes every event to hub.
func WithHub(hub *telemetry.Hub) Option {
	return func(e *Emitter) { e.hub = hub }
}

// WithMetrics counts events on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Emitter) { e.metrics = m }
}

// WithSensitiveKeys replaces the default redaction terms.
func WithSensitiveKeys(terms []string) Option {
	return func(e *Emitter) { e.terms = terms }
}

// WithScrubber rewrites every string value after key redaction. It is how
// secrets embedded in free text, such as error messages, are hidden.
func WithScrubber(fn func(string) string) Option {
	return func(e *Emitter) { e.scrub = fn }
}

// WithTraceRetention keeps at most n traces, dropping the oldest first. Zero
// keeps everything.
func WithTraceRetention(n int) Option {
	return func(e *Emitter) { e.maxTraces = max(n, 0) }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) { e.now = now }
}

// NewEmitter creates an event emitter.
func NewEmitter(opts ...Option) *Emitter {
	e := &Emitter{
		events: make(map[string][]Event),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit records an event. Attributes are redacted before they are stored or
// leave the process.
func (e *Emitter) Emit(ctx context.Context, traceID string, typ EventType, attrs map[string]any) Event {
	ev := Event{
		ID:        ulid.Make().String(),
		TraceID:   traceID,
		Type:      typ,
		Timestamp: e.now(),
		Attrs:     RedactWith(attrs, e.terms),
	}
	if e.scrub != nil {
		scrubStrings(ev.Attrs, e.scrub)
	}

	e.mu.Lock()
	if _, seen := e.events[traceID]; !seen {
		e.evictLocked()
		e.order = append(e.order, traceID)
	}
	e.events[traceID] = append(e.events[traceID], ev)
	e.mu.Unlock()

	if e.hub != nil {
		e.hub.Publish(telemetry.Event{
			ID:        ev.ID,
			Type:      string(ev.Type),
			TraceID:   ev.TraceID,
			Timestamp: ev.Timestamp,
			Data:      ev.Attrs,
		})
	}
	e.metrics.ObserveEvent(string(typ))

	if span := oteltrace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(string(typ), oteltrace.WithAttributes(
			attribute.String("trace_id", traceID),
			attribute.String("event_id", ev.ID),
		))
	}
	return ev
}

// Events returns the trace's events in emission order.
func (e *Emitter) Events(traceID string) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Event(nil), e.events[traceID]...)
}

// EventsOfType filters a trace's events by type.
func (e *Emitter) EventsOfType(traceID string, typ EventType) []Event {
	var out []Event
	for _, ev := range e.Events(traceID) {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Traces lists the trace IDs with recorded events.
func (e *Emitter) Traces() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.events))
	for id := range e.events {
		out = append(out, id)
	}
	return out
}

// Forget drops a trace's events.
func (e *Emitter) Forget(traceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.events[traceID]; !ok {
		return
	}
	delete(e.events, traceID)
	for i, id := range e.order {
		if id == traceID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// evictLocked makes room for one more trace. e.mu must be held.
func (e *Emitter) evictLocked() {
	if e.maxTraces == 0 {
		return
	}
	for len(e.events) >= e.maxTraces && len(e.order) > 0 {
		delete(e.events, e.order[0])
		e.order = e.order[1:]
	}
}

// GoldenSignals summarizes a trace's tool calls.
func (e *Emitter) GoldenSignals(traceID string) Signals {
	return ComputeSignals(e.Events(traceID))
}

// scrubStrings rewrites string values in place. m is a fresh copy made by
// redaction, so the caller's map is untouched.
func scrubStrings(m map[string]any, fn func(string) string) {
	for k, v := range m {
		switch val := v.(type) {
		case string:
			m[k] = fn(val)
		case map[string]any:
			scrubStrings(val, fn)
		case []any:
			for i, item := range val {
				if s, ok := item.(string); ok {
					val[i] = fn(s)
				}
			}
		}
	}
}
