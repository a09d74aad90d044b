package trace

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/odvcencio/foreman/pkg/telemetry"
)

// stepClock advances by one step each call.
func stepClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	cur := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := cur
		cur = cur.Add(step)
		return t
	}
}

func TestEmitter_EmitAndQuery(t *testing.T) {
	e := NewEmitter()
	ctx := context.Background()

	e.Emit(ctx, "t-1", EventPlanCreated, map[string]any{"plan_id": "p"})
	e.Emit(ctx, "t-2", EventPlanCreated, nil)
	e.Emit(ctx, "t-1", EventRouteDecision, map[string]any{"worker": "w-1", "token": "x"})

	events := e.Events("t-1")
	require.Len(t, events, 2)
	assert.Equal(t, EventPlanCreated, events[0].Type)
	assert.Equal(t, EventRouteDecision, events[1].Type)
	assert.NotEmpty(t, events[0].ID)
	assert.NotEqual(t, events[0].ID, events[1].ID)
	assert.Equal(t, RedactedValue, events[1].Attrs["token"])
	assert.Len(t, e.EventsOfType("t-1", EventRouteDecision), 1)
	assert.ElementsMatch(t, []string{"t-1", "t-2"}, e.Traces())

	e.Forget("t-2")
	assert.Empty(t, e.Events("t-2"))
}

func TestEmitter_Scrubber(t *testing.T) {
	e := NewEmitter(WithScrubber(func(s string) string {
		if s == "leak" {
			return "[hidden]"
		}
		return s
	}))
	in := map[string]any{
		"error":  "leak",
		"nested": map[string]any{"msg": "leak"},
		"list":   []any{"ok", "leak"},
		"step":   2,
	}
	ev := e.Emit(context.Background(), "t-s", EventToolCallError, in)

	assert.Equal(t, "[hidden]", ev.Attrs["error"])
	assert.Equal(t, "[hidden]", ev.Attrs["nested"].(map[string]any)["msg"])
	assert.Equal(t, []any{"ok", "[hidden]"}, ev.Attrs["list"])
	assert.Equal(t, 2, ev.Attrs["step"])
	assert.Equal(t, "leak", in["error"])
	assert.Equal(t, "leak", in["nested"].(map[string]any)["msg"])
}

func TestEmitter_PublishesAndCounts(t *testing.T) {
	hub := telemetry.NewHub()
	defer hub.Close()
	metrics := telemetry.NewMetrics()
	ch, unsub := hub.Subscribe()
	defer unsub()

	e := NewEmitter(WithHub(hub), WithMetrics(metrics))
	e.Emit(context.Background(), "t", EventBudgetWarning, map[string]any{"password": "p"})

	select {
	case ev := <-ch:
		assert.Equal(t, "budget_warning", ev.Type)
		assert.Equal(t, RedactedValue, ev.Data["password"], "hub subscribers only see redacted data")
	case <-time.After(time.Second):
		t.Fatal("no event on hub")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Events.WithLabelValues("budget_warning")))
}

func TestEmitter_SpanEvent(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	ctx, span := tp.Tracer("test").Start(context.Background(), "plan.execute")

	NewEmitter().Emit(ctx, "t", EventToolCallStart, map[string]any{"call_id": "c"})
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "tool_call_start", spans[0].Events()[0].Name)
}

func TestEmitter_ConcurrentTracesAreDisjoint(t *testing.T) {
	e := NewEmitter()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				e.Emit(context.Background(), id, EventToolCallStart, nil)
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		events := e.Events(string(rune('a' + i)))
		assert.Len(t, events, 50)
		for _, ev := range events {
			assert.Equal(t, string(rune('a'+i)), ev.TraceID)
		}
	}
}

func TestEmitter_TraceRetention(t *testing.T) {
	e := NewEmitter(WithTraceRetention(2))
	ctx := context.Background()

	e.Emit(ctx, "a", EventPlanCreated, nil)
	e.Emit(ctx, "b", EventPlanCreated, nil)
	e.Emit(ctx, "a", EventToolCallStart, nil)
	e.Emit(ctx, "c", EventPlanCreated, nil)

	assert.Empty(t, e.Events("a"), "oldest trace is dropped")
	assert.Len(t, e.Events("b"), 1)
	assert.Len(t, e.Events("c"), 1)

	e.Forget("b")
	e.Emit(ctx, "b", EventPlanCreated, nil)
	e.Emit(ctx, "d", EventPlanCreated, nil)
	assert.Empty(t, e.Events("c"))
	assert.Len(t, e.Events("b"), 1, "a forgotten trace starts over at the back")
	assert.Len(t, e.Events("d"), 1)
	assert.ElementsMatch(t, []string{"b", "d"}, e.Traces())
}

func TestGoldenSignals(t *testing.T) {
	e := NewEmitter(WithClock(stepClock(time.Unix(0, 0), 10*time.Millisecond)))
	ctx := context.Background()

	// call a: start at 0ms, complete at 10ms
	e.Emit(ctx, "t", EventToolCallStart, map[string]any{"call_id": "a"})
	e.Emit(ctx, "t", EventToolCallComplete, map[string]any{"call_id": "a"})
	// call b: start 20ms, error 30ms
	e.Emit(ctx, "t", EventToolCallStart, map[string]any{"call_id": "b"})
	e.Emit(ctx, "t", EventToolCallError, map[string]any{"call_id": "b"})
	// call c: start 40ms, interleaved noise, complete 70ms
	e.Emit(ctx, "t", EventToolCallStart, map[string]any{"call_id": "c"})
	e.Emit(ctx, "t", EventRouteDecision, nil)
	e.Emit(ctx, "t", EventBudgetWarning, nil)
	e.Emit(ctx, "t", EventToolCallComplete, map[string]any{"call_id": "c"})

	s := e.GoldenSignals("t")
	assert.InDelta(t, 2.0/3.0, s.SuccessRate, 1e-9)
	assert.InDelta(t, 1.0/3.0, s.ErrorRate, 1e-9)
	assert.Equal(t, 10*time.Millisecond, s.LatencyP50)
	assert.Equal(t, 30*time.Millisecond, s.LatencyP95)
	assert.Equal(t, 30*time.Millisecond, s.LatencyP99)
	assert.Equal(t, 8, s.TotalEvents)
}

func TestGoldenSignals_Empty(t *testing.T) {
	s := NewEmitter().GoldenSignals("missing")
	assert.Zero(t, s.SuccessRate)
	assert.Zero(t, s.ErrorRate)
	assert.Zero(t, s.LatencyP99)
	assert.Zero(t, s.TotalEvents)
}

func TestGoldenSignals_UnpairedEnd(t *testing.T) {
	s := ComputeSignals([]Event{
		{Type: EventToolCallError, Attrs: map[string]any{"call_id": "x"}},
	})
	assert.Equal(t, 1.0, s.ErrorRate)
	assert.Zero(t, s.LatencyP50)
}

func TestPercentile_NearestRank(t *testing.T) {
	var d []time.Duration
	for i := 1; i <= 100; i++ {
		d = append(d, time.Duration(i)*time.Millisecond)
	}
	assert.Equal(t, 50*time.Millisecond, percentile(d, 50))
	assert.Equal(t, 95*time.Millisecond, percentile(d, 95))
	assert.Equal(t, 99*time.Millisecond, percentile(d, 99))
	assert.Equal(t, time.Duration(0), percentile(nil, 50))
}

func TestSignals_JSON(t *testing.T) {
	raw, err := json.Marshal(Signals{SuccessRate: 1, LatencyP50: 1500 * time.Microsecond, TotalEvents: 2})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, 1.5, m["latency_p50_ms"])
	assert.EqualValues(t, 2, m["total_events"])
	assert.EqualValues(t, 1, m["success_rate"])
}
