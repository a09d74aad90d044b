package budget

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/foreman/pkg/telemetry"
	"github.com/odvcencio/foreman/pkg/trace"
)

func newEnforcer() (*Enforcer, *trace.Emitter) {
	em := trace.NewEmitter()
	return NewEnforcer(em, nil, nil), em
}

func charge(tool string) Charge {
	return Charge{Tool: tool, Cost: 0.10, Tokens: 100}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy(" Block ")
	require.NoError(t, err)
	assert.Equal(t, PolicyBlock, p)
	_, err = ParsePolicy("ignore")
	assert.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	b := New("b", Ceiling{Calls: 3}, "")
	assert.Equal(t, PolicyBlock, b.Policy)
	assert.Equal(t, DefaultWarnThreshold, b.WarnThreshold)

	b = New("b", Ceiling{}, PolicyWarn, WithWarnThreshold(1.5))
	assert.Equal(t, DefaultWarnThreshold, b.WarnThreshold, "out of range threshold falls back")
}

// call_ceiling=2 under block: two charges pass, the second crosses the
// warning threshold, the third is refused.
func TestGuard_CallCeilingBlock(t *testing.T) {
	e, em := newEnforcer()
	ctx := context.Background()
	b := New("b", Ceiling{Calls: 2}, PolicyBlock)

	v1 := e.Guard(ctx, b, "t", charge("a"))
	require.Equal(t, Allow, v1.Decision)
	e.Commit(context.Background(), v1.Reservation, Charge{})

	v2 := e.Guard(ctx, b, "t", charge("b"))
	require.Equal(t, Warn, v2.Decision)
	require.NotNil(t, v2.Reservation)
	e.Commit(context.Background(), v2.Reservation, Charge{})

	v3 := e.Guard(ctx, b, "t", charge("c"))
	assert.Equal(t, Block, v3.Decision)
	assert.Nil(t, v3.Reservation)
	assert.Equal(t, "global", v3.Scope)
	assert.Contains(t, v3.Reason, "calls")

	assert.EqualValues(t, 2, b.Committed().Calls)
	assert.Len(t, em.EventsOfType("t", trace.EventBudgetWarning), 1)
	exceeded := em.EventsOfType("t", trace.EventBudgetExceeded)
	require.Len(t, exceeded, 1)
	assert.Equal(t, "calls", exceeded[0].Attrs["dimension"])
	assert.EqualValues(t, 2, exceeded[0].Attrs["calls_used"])
}

func TestGuard_WarningEmittedOnce(t *testing.T) {
	e, em := newEnforcer()
	b := New("b", Ceiling{Calls: 10}, PolicyBlock)
	for i := 0; i < 10; i++ {
		v := e.Guard(context.Background(), b, "t", charge("x"))
		require.NotEqual(t, Block, v.Decision)
		e.Commit(context.Background(), v.Reservation, Charge{})
	}
	assert.Len(t, em.EventsOfType("t", trace.EventBudgetWarning), 1)
}

func TestGuard_WarnPolicyOverrun(t *testing.T) {
	e, em := newEnforcer()
	b := New("b", Ceiling{Cost: 0.15}, PolicyWarn)

	v1 := e.Guard(context.Background(), b, "t", charge("x"))
	require.NotEqual(t, Block, v1.Decision)
	v2 := e.Guard(context.Background(), b, "t", charge("x"))
	assert.Equal(t, Warn, v2.Decision)
	require.NotNil(t, v2.Reservation, "warn policy still reserves")
	assert.InDelta(t, 0.20, b.Used().Cost, 1e-9)
	assert.Len(t, em.EventsOfType("t", trace.EventBudgetExceeded), 1)
}

func TestGuard_DomainAndToolSubCeilings(t *testing.T) {
	e, _ := newEnforcer()
	ctx := context.Background()
	b := New("b", Ceiling{Calls: 100}, PolicyBlock,
		WithDomainCeiling("market", Ceiling{Calls: 1}),
		WithToolCeiling("trade", Ceiling{Cost: 0.05}),
	)

	v := e.Guard(ctx, b, "t", Charge{Tool: "quote", Domain: "market"})
	require.NotEqual(t, Block, v.Decision)
	e.Commit(context.Background(), v.Reservation, Charge{})

	v = e.Guard(ctx, b, "t", Charge{Tool: "quote", Domain: "market"})
	assert.Equal(t, Block, v.Decision)
	assert.Equal(t, "domain:market", v.Scope)

	v = e.Guard(ctx, b, "t", Charge{Tool: "news", Domain: "research"})
	assert.NotEqual(t, Block, v.Decision, "other domains are unaffected")

	v = e.Guard(ctx, b, "t", Charge{Tool: "trade", Cost: 0.10})
	assert.Equal(t, Block, v.Decision)
	assert.Equal(t, "tool:trade", v.Scope)
}

func TestCommitAndRelease(t *testing.T) {
	e, _ := newEnforcer()
	b := New("b", Ceiling{Cost: 1}, PolicyBlock)

	v := e.Guard(context.Background(), b, "t", Charge{Tool: "x", Cost: 0.4, Tokens: 10})
	assert.InDelta(t, 0.4, b.Used().Cost, 1e-9)
	assert.Zero(t, b.Committed().Cost)

	e.Commit(context.Background(), v.Reservation, Charge{Cost: 0.3})
	e.Commit(context.Background(), v.Reservation, Charge{Cost: 0.9})
	assert.InDelta(t, 0.3, b.Committed().Cost, 1e-9, "actual cost replaces the estimate; second commit ignored")
	assert.EqualValues(t, 10, b.Committed().Tokens, "zero actual tokens fall back to estimate")

	v = e.Guard(context.Background(), b, "t", Charge{Tool: "x", Cost: 0.5})
	e.Release(v.Reservation)
	e.Release(v.Reservation)
	assert.InDelta(t, 0.3, b.Used().Cost, 1e-9)
	assert.EqualValues(t, 1, b.Used().Calls)

	assert.NotPanics(t, func() {
		e.Commit(context.Background(), nil, Charge{})
		e.Release(nil)
	})
}

// Tools that report more than their estimate must not leave a block budget
// silently over its ceiling.
func TestCommit_ReportedOverrunBlocks(t *testing.T) {
	e, em := newEnforcer()
	ctx := context.Background()
	b := New("b", Ceiling{Cost: 5}, PolicyBlock)

	v := e.Guard(ctx, b, "t", Charge{Tool: "x", Cost: 1})
	require.Equal(t, Allow, v.Decision)
	assert.Equal(t, Allow, e.Commit(ctx, v.Reservation, Charge{Cost: 4}).Decision)
	assert.Len(t, em.EventsOfType("t", trace.EventBudgetWarning), 1, "reported usage crossed the warning threshold")

	v = e.Guard(ctx, b, "t", Charge{Tool: "y", Cost: 1})
	require.NotEqual(t, Block, v.Decision)
	got := e.Commit(ctx, v.Reservation, Charge{Cost: 4})
	assert.Equal(t, Block, got.Decision)
	assert.Equal(t, "global", got.Scope)
	assert.Contains(t, got.Reason, "reported usage")
	assert.InDelta(t, 8.0, b.Committed().Cost, 1e-9, "spent usage is still recorded")

	exceeded := em.EventsOfType("t", trace.EventBudgetExceeded)
	require.Len(t, exceeded, 1)
	assert.Equal(t, "cost", exceeded[0].Attrs["dimension"])

	assert.Equal(t, Block, e.Guard(ctx, b, "t", Charge{Tool: "x", Cost: 0.1}).Decision)
}

func TestCommit_ReportedOverrunWarns(t *testing.T) {
	e, em := newEnforcer()
	ctx := context.Background()
	b := New("b", Ceiling{Calls: 10}, PolicyWarn, WithToolCeiling("llm", Ceiling{Tokens: 100}))

	v := e.Guard(ctx, b, "t", Charge{Tool: "llm", Tokens: 50})
	got := e.Commit(ctx, v.Reservation, Charge{Tokens: 150})
	assert.Equal(t, Warn, got.Decision)
	assert.Equal(t, "tool:llm", got.Scope)
	assert.Len(t, em.EventsOfType("t", trace.EventBudgetExceeded), 1)

	v = e.Guard(ctx, b, "t", Charge{Tool: "other", Tokens: 50})
	assert.Equal(t, Allow, e.Commit(ctx, v.Reservation, Charge{Tokens: 40}).Decision, "under the estimate is never an overrun")
}

func TestGuard_ReservesLargestReportedDraw(t *testing.T) {
	e, em := newEnforcer()
	ctx := context.Background()
	b := New("b", Ceiling{Cost: 5}, PolicyBlock)

	v := e.Guard(ctx, b, "t", Charge{Tool: "x", Cost: 1})
	require.Equal(t, Allow, v.Decision)
	require.Equal(t, Allow, e.Commit(ctx, v.Reservation, Charge{Cost: 4}).Decision)

	v = e.Guard(ctx, b, "t", Charge{Tool: "x", Cost: 1})
	assert.Equal(t, Block, v.Decision, "x has drawn 4 per call before")
	assert.Nil(t, v.Reservation)
	assert.InDelta(t, 4.0, b.Committed().Cost, 1e-9)
	assert.Len(t, em.EventsOfType("t", trace.EventBudgetExceeded), 1, "refused at admission")

	v = e.Guard(ctx, b, "t", Charge{Tool: "y", Cost: 1})
	assert.Equal(t, Allow, v.Decision, "other tools keep their own estimate")
	assert.InDelta(t, 1.0, v.Reservation.Charge.Cost, 1e-9)
}

func TestReservationHeadroom(t *testing.T) {
	e, _ := newEnforcer()
	ctx := context.Background()
	b := New("b", Ceiling{Cost: 5, Calls: 3}, PolicyBlock, WithToolCeiling("trade", Ceiling{Tokens: 100}))

	v1 := e.Guard(ctx, b, "t", Charge{Tool: "trade", Cost: 1, Tokens: 30})
	assert.Equal(t, Usage{Cost: 5, Calls: 3, Tokens: 100}, v1.Reservation.Headroom(), "own reservation counts as available")
	e.Commit(ctx, v1.Reservation, Charge{})

	v2 := e.Guard(ctx, b, "t", Charge{Tool: "trade", Cost: 1, Tokens: 30})
	assert.Equal(t, Usage{Cost: 4, Calls: 2, Tokens: 70}, v2.Reservation.Headroom())
	e.Commit(ctx, v2.Reservation, Charge{})
	assert.Equal(t, Usage{Cost: 3, Calls: 1, Tokens: 40}, v2.Reservation.Headroom())

	v3 := e.Guard(ctx, New("u", Ceiling{}, PolicyBlock), "t", Charge{Tool: "x", Cost: 1})
	assert.Equal(t, Usage{Cost: -1, Calls: -1, Tokens: -1}, v3.Reservation.Headroom(), "unlimited dimensions")

	var none *Reservation
	assert.Equal(t, Usage{Cost: -1, Calls: -1, Tokens: -1}, none.Headroom())
}

func TestGuard_NilBudget(t *testing.T) {
	e, _ := newEnforcer()
	v := e.Guard(context.Background(), nil, "t", charge("x"))
	assert.Equal(t, Allow, v.Decision)
}

// Under block, usage never passes the ceiling even when many goroutines
// race on the same budget.
func TestGuard_ConcurrentNeverExceedsCeiling(t *testing.T) {
	e, _ := newEnforcer()
	b := New("shared", Ceiling{Calls: 25}, PolicyBlock)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := e.Guard(context.Background(), b, "t", charge("x"))
			if v.Decision != Block {
				admitted.Add(1)
				e.Commit(context.Background(), v.Reservation, Charge{})
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 25, admitted.Load())
	assert.EqualValues(t, 25, b.Committed().Calls)
}

func TestFits(t *testing.T) {
	b := New("b", Ceiling{Cost: 1}, PolicyBlock, WithToolCeiling("big", Ceiling{Tokens: 10}))

	ok, _ := b.Fits(Charge{Tool: "small", Cost: 0.5})
	assert.True(t, ok)

	ok, reason := b.Fits(Charge{Tool: "small", Cost: 2})
	assert.False(t, ok)
	assert.Equal(t, "cost ceiling", reason)

	ok, reason = b.Fits(Charge{Tool: "big", Tokens: 11})
	assert.False(t, ok)
	assert.Contains(t, reason, "tool big")
}

func TestUtilization(t *testing.T) {
	e, _ := newEnforcer()
	b := New("b", Ceiling{Calls: 4, Cost: 10}, PolicyBlock,
		WithDomainCeiling("market", Ceiling{Calls: 2}),
		WithDomainCeiling("idle", Ceiling{Calls: 5}),
	)
	v := e.Guard(context.Background(), b, "t", Charge{Tool: "quote", Domain: "market", Cost: 1})
	e.Commit(context.Background(), v.Reservation, Charge{})

	u := b.Utilization()
	assert.Equal(t, "calls", u.Total.Dimension)
	assert.Equal(t, 1.0, u.Total.Used)
	assert.Equal(t, 4.0, u.Total.Limit)
	assert.Equal(t, 0.25, u.Total.Pct)
	assert.Equal(t, 0.1, u.Dimensions["cost"].Pct)
	assert.Zero(t, u.Dimensions["tokens"].Pct)

	assert.Equal(t, 0.5, u.ByDomain["market"].Pct)
	assert.Equal(t, 0.0, u.ByDomain["idle"].Used)
	assert.Equal(t, 1.0, u.ByTool["quote"].Used)
	assert.Zero(t, u.ByTool["quote"].Limit)
}

func TestUtilization_PublishesGauges(t *testing.T) {
	m := telemetry.NewMetrics()
	e := NewEnforcer(nil, m, nil)
	b := New("b-9", Ceiling{Calls: 4}, PolicyBlock)

	v := e.Guard(context.Background(), b, "t", charge("x"))
	e.Commit(context.Background(), v.Reservation, Charge{})

	assert.Equal(t, 0.25, testutil.ToFloat64(m.BudgetUtilization.WithLabelValues("b-9", "calls")))
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "allow", Allow.String())
	assert.Equal(t, "warn", Warn.String())
	assert.Equal(t, "block", Block.String())
	assert.Equal(t, "unknown", Decision(9).String())
}
