package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/foreman/pkg/audit"
	"github.com/odvcencio/foreman/pkg/bus"
	ferrors "github.com/odvcencio/foreman/pkg/errors"
	"github.com/odvcencio/foreman/pkg/plan"
	"github.com/odvcencio/foreman/pkg/telemetry"
	"github.com/odvcencio/foreman/pkg/trace"
)

type fixture struct {
	gate    *Gate
	events  *trace.Emitter
	trail   *audit.Trail
	metrics *telemetry.Metrics
}

func newFixture(opts ...Option) *fixture {
	f := &fixture{
		events:  trace.NewEmitter(),
		trail:   audit.NewTrail(audit.NewMemoryStore(), nil),
		metrics: telemetry.NewMetrics(),
	}
	base := []Option{WithSink(f.events), WithRecorder(f.trail), WithMetrics(f.metrics)}
	f.gate = NewGate(append(base, opts...)...)
	return f
}

// waitPending blocks until n requests are pending.
func waitPending(t *testing.T, g *Gate, n int) []Request {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p := g.Pending(); len(p) == n {
			return p
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected %d pending requests", n)
	return nil
}

func TestRequiresDefaultTiers(t *testing.T) {
	g := NewGate()
	assert.False(t, g.Requires(plan.RiskLow))
	assert.False(t, g.Requires(plan.RiskMedium))
	assert.True(t, g.Requires(plan.RiskHigh))
	assert.True(t, g.Requires(plan.RiskCritical))

	g = NewGate(WithTiers(plan.RiskMedium))
	assert.True(t, g.Requires(plan.RiskMedium))
	assert.False(t, g.Requires(plan.RiskHigh))
}

func TestApproveDecision(t *testing.T) {
	f := newFixture()
	done := make(chan Outcome, 1)
	go func() {
		out, err := f.gate.RequestApproval(context.Background(), Request{
			ID: "a1", TraceID: "t1", Action: "restart_service", RiskTier: plan.RiskHigh,
			Parameters: map[string]any{"service": "api", "api_key": "hunter2"},
		})
		assert.NoError(t, err)
		done <- out
	}()

	pending := waitPending(t, f.gate, 1)
	assert.Equal(t, "[REDACTED]", pending[0].Parameters["api_key"])
	require.NoError(t, f.gate.Decide("a1", Decision{Approve: true, Approver: "alice", Feedback: "go ahead"}))

	out := <-done
	assert.Equal(t, StatusApproved, out.Status)
	assert.True(t, out.Approved)
	assert.Equal(t, "alice", out.Approver)

	assert.Len(t, f.events.EventsOfType("t1", trace.EventApprovalRequested), 1)
	received := f.events.EventsOfType("t1", trace.EventApprovalReceived)
	require.Len(t, received, 1)
	assert.Equal(t, "go ahead", received[0].Attrs["feedback"])

	recs, err := f.trail.ByTrace(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, audit.TypeApproval, recs[1].Type)
	assert.Contains(t, recs[1].Reason, "approved by alice: go ahead")
	assert.Equal(t, []string{"reject"}, recs[1].Alternatives)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Approvals.WithLabelValues("approved")))

	err = f.gate.Decide("a1", Decision{Approve: false, Approver: "bob"})
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeApprovalResolved))
	err = f.gate.Decide("nope", Decision{})
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeApprovalNotFound))
}

func TestTimeoutRejectsByDefault(t *testing.T) {
	f := newFixture()
	start := time.Now()
	out, err := f.gate.RequestApproval(context.Background(), Request{
		TraceID: "t2", Action: "drop_table", RiskTier: plan.RiskCritical, Timeout: 30 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, StatusExpired, out.Status)
	assert.False(t, out.Approved)

	timeouts := f.events.EventsOfType("t2", trace.EventApprovalTimeout)
	require.Len(t, timeouts, 1)
	assert.Empty(t, f.events.EventsOfType("t2", trace.EventApprovalReceived))
	assert.Empty(t, f.gate.Pending())

	err = f.gate.Decide(out.RequestID, Decision{Approve: true})
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeApprovalResolved))
}

func TestTimeoutFallbackApprove(t *testing.T) {
	f := newFixture()
	out, err := f.gate.RequestApproval(context.Background(), Request{
		TraceID: "t3", Action: "scale", RiskTier: plan.RiskHigh, Timeout: 10 * time.Millisecond, FallbackApprove: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, out.Status)
	assert.True(t, out.Approved)

	recs, err := f.trail.ByTrace(context.Background(), "t3")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Contains(t, recs[1].Reason, "approved by fallback")
}

func TestContextCancelRejects(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		waitPending(t, f.gate, 1)
		cancel()
	}()
	out, err := f.gate.RequestApproval(ctx, Request{TraceID: "t4", Action: "deploy", RiskTier: plan.RiskHigh})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, "cancelled", out.Feedback)

	recs, err := f.trail.ByTrace(context.Background(), "t4")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestConcurrentRequestsAreIndependent(t *testing.T) {
	f := newFixture()
	var wg sync.WaitGroup
	results := make(map[string]Outcome)
	var mu sync.Mutex
	for _, id := range []string{"slow", "fast"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			timeout := time.Second
			if id == "slow" {
				timeout = 50 * time.Millisecond
			}
			out, err := f.gate.RequestApproval(context.Background(), Request{ID: id, TraceID: id, Action: "x", Timeout: timeout})
			assert.NoError(t, err)
			mu.Lock()
			results[id] = out
			mu.Unlock()
		}(id)
	}
	waitPending(t, f.gate, 2)
	require.NoError(t, f.gate.Decide("fast", Decision{Approve: true, Approver: "ops"}))
	wg.Wait()

	assert.Equal(t, StatusApproved, results["fast"].Status)
	assert.Equal(t, StatusExpired, results["slow"].Status)
}

func TestBusRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus()
	defer b.Close()

	f := newFixture()
	detach, err := f.gate.AttachBus(ctx, b)
	require.NoError(t, err)
	defer detach()

	relay, err := NewRelay(ctx, b)
	require.NoError(t, err)
	defer relay.Close()

	done := make(chan Outcome, 1)
	go func() {
		out, err := f.gate.RequestApproval(ctx, Request{ID: "r1", TraceID: "t5", Action: "deploy", Timeout: 2 * time.Second})
		assert.NoError(t, err)
		done <- out
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(relay.Pending()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	require.Len(t, relay.Pending(), 1)
	require.NoError(t, relay.Decide("r1", Decision{Approve: false, Approver: "remote", Feedback: "not now"}))

	select {
	case out := <-done:
		assert.Equal(t, StatusRejected, out.Status)
		assert.Equal(t, "not now", out.Feedback)
	case <-time.After(2 * time.Second):
		t.Fatal("decision did not arrive over the bus")
	}

	err = relay.Decide("r1", Decision{Approve: true})
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeApprovalNotFound))
}

func TestResolvedRetention(t *testing.T) {
	f := newFixture(WithResolvedRetention(1))
	var ids []string
	for _, traceID := range []string{"r1", "r2"} {
		out, err := f.gate.RequestApproval(context.Background(), Request{
			TraceID: traceID, Action: "drop_table", RiskTier: plan.RiskCritical, Timeout: 5 * time.Millisecond,
		})
		require.NoError(t, err)
		ids = append(ids, out.RequestID)
	}

	err := f.gate.Decide(ids[0], Decision{Approve: true})
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeApprovalNotFound), "evicted from history")
	err = f.gate.Decide(ids[1], Decision{Approve: true})
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeApprovalResolved))
}
