package budget

import (
	"context"
	"fmt"

	"github.com/odvcencio/foreman/pkg/logging"
	"github.com/odvcencio/foreman/pkg/telemetry"
	"github.com/odvcencio/foreman/pkg/trace"
)

// Decision is the enforcer's answer for one charge.
type Decision int

const (
	Allow Decision = iota
	Warn
	Block
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Warn:
		return "warn"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// Verdict is the result of Guard. Reservation is nil when blocked.
type Verdict struct {
	Decision    Decision
	Reason      string
	Scope       string
	Reservation *Reservation
}

// Reservation holds estimated usage until it is committed or released.
type Reservation struct {
	ID     uint64
	Budget *Budget
	Charge Charge

	traceID string
	settled bool
}

// Headroom reports what the reserved charge may still draw under every
// ceiling it falls under, counting its own unsettled reservation as
// available. A negative field means the dimension is unlimited.
func (r *Reservation) Headroom() Usage {
	room := Usage{Cost: -1, Calls: -1, Tokens: -1}
	if r == nil || r.Budget == nil {
		return room
	}
	b := r.Budget
	b.mu.Lock()
	defer b.mu.Unlock()

	var own Usage
	if !r.settled {
		own = r.Charge.usage()
	}
	narrow := func(t *tally, c Ceiling) {
		free := Usage{Cost: c.Cost, Calls: c.Calls, Tokens: c.Tokens}.sub(t.inUse().sub(own))
		if c.Cost > 0 && (room.Cost < 0 || free.Cost < room.Cost) {
			room.Cost = max(free.Cost, 0)
		}
		if c.Calls > 0 && (room.Calls < 0 || free.Calls < room.Calls) {
			room.Calls = max(free.Calls, 0)
		}
		if c.Tokens > 0 && (room.Tokens < 0 || free.Tokens < room.Tokens) {
			room.Tokens = max(free.Tokens, 0)
		}
	}
	narrow(&b.total, b.Ceiling)
	if d := r.Charge.Domain; d != "" {
		if c, ok := b.Domains[d]; ok {
			narrow(b.domainTally(d), c)
		}
	}
	if c, ok := b.Tools[r.Charge.Tool]; ok {
		narrow(b.toolTally(r.Charge.Tool), c)
	}
	return room
}

// Enforcer admits charges against budgets and reports threshold crossings.
type Enforcer struct {
	sink    trace.Sink
	metrics *telemetry.Metrics
	logger  *logging.Logger
}

// NewEnforcer creates an enforcer. Any argument may be nil.
func NewEnforcer(sink trace.Sink, metrics *telemetry.Metrics, logger *logging.Logger) *Enforcer {
	return &Enforcer{sink: sink, metrics: metrics, logger: logging.OrDiscard(logger).Component("budget")}
}

type overrun struct {
	scope     string
	dimension string
}

// Guard checks a charge against the global ceiling and any matching domain
// or tool sub-ceiling. The check and the reservation happen under the
// budget's lock, so concurrent plans sharing a budget cannot both slip
// under the last unit of headroom.
func (e *Enforcer) Guard(ctx context.Context, b *Budget, traceID string, ch Charge) Verdict {
	if b == nil {
		return Verdict{Decision: Allow, Scope: "none"}
	}
	b.mu.Lock()
	ch = b.calibrate(ch)
	u := ch.usage()
	over := b.findOverrun(ch, u)

	if over != nil && b.Policy == PolicyBlock {
		used := b.total.inUse()
		b.mu.Unlock()

		reason := fmt.Sprintf("%s %s ceiling would be exceeded", over.scope, over.dimension)
		e.emit(ctx, traceID, trace.EventBudgetExceeded, b, ch, over, used)
		e.logger.WithTrace(traceID).Warn("budget blocked charge",
			"budget_id", b.ID, "tool", ch.Tool, "scope", over.scope, "dimension", over.dimension)
		return Verdict{Decision: Block, Reason: reason, Scope: over.scope}
	}

	b.nextResID++
	res := &Reservation{ID: b.nextResID, Budget: b, Charge: ch, traceID: traceID}
	b.total.reserved = b.total.reserved.add(u)
	if ch.Domain != "" {
		t := b.domainTally(ch.Domain)
		t.reserved = t.reserved.add(u)
	}
	tt := b.toolTally(ch.Tool)
	tt.reserved = tt.reserved.add(u)

	peak, peakDim, peakScope := b.peakRatio()
	crossed := !b.warned && peak >= b.WarnThreshold
	if crossed {
		b.warned = true
	}
	used := b.total.inUse()
	b.mu.Unlock()

	e.publishGauges(b)

	verdict := Verdict{Decision: Allow, Scope: "global", Reservation: res}
	if over != nil {
		e.emit(ctx, traceID, trace.EventBudgetExceeded, b, ch, over, used)
		verdict.Decision = Warn
		verdict.Scope = over.scope
		verdict.Reason = fmt.Sprintf("%s %s ceiling exceeded under warn policy", over.scope, over.dimension)
	} else if peak >= b.WarnThreshold {
		verdict.Decision = Warn
		verdict.Scope = peakScope
		verdict.Reason = fmt.Sprintf("%s %s utilization at %.0f%%", peakScope, peakDim, peak*100)
	}
	if crossed {
		e.emit(ctx, traceID, trace.EventBudgetWarning, b, ch, &overrun{scope: peakScope, dimension: peakDim}, used)
	}
	return verdict
}

// calibrate raises ch to the largest draw its tool has reported. b.mu must
// be held.
func (b *Budget) calibrate(ch Charge) Charge {
	if seen, ok := b.observed[ch.Tool]; ok {
		ch.Cost = max(ch.Cost, seen.Cost)
		ch.Tokens = max(ch.Tokens, seen.Tokens)
	}
	return ch
}

// observe must be called with b.mu held.
func (b *Budget) observe(tool string, realized Usage) {
	seen := b.observed[tool]
	b.observed[tool] = Usage{Cost: max(seen.Cost, realized.Cost), Tokens: max(seen.Tokens, realized.Tokens)}
}

// findOverrun must be called with b.mu held.
func (b *Budget) findOverrun(ch Charge, u Usage) *overrun {
	if dim, ok := exceeds(b.total.inUse(), u, b.Ceiling); ok {
		return &overrun{scope: "global", dimension: dim}
	}
	if ch.Domain != "" {
		if c, ok := b.Domains[ch.Domain]; ok {
			if dim, over := exceeds(b.domainTally(ch.Domain).inUse(), u, c); over {
				return &overrun{scope: "domain:" + ch.Domain, dimension: dim}
			}
		}
	}
	if c, ok := b.Tools[ch.Tool]; ok {
		if dim, over := exceeds(b.toolTally(ch.Tool).inUse(), u, c); over {
			return &overrun{scope: "tool:" + ch.Tool, dimension: dim}
		}
	}
	return nil
}

// peakRatio must be called with b.mu held.
func (b *Budget) peakRatio() (float64, string, string) {
	var peak float64
	var dim, scope string
	consider := func(s string, u Usage, c Ceiling) {
		for d, r := range ratios(u, c) {
			if r > peak || (r == peak && dim == "") {
				peak, dim, scope = r, d, s
			}
		}
	}
	consider("global", b.total.inUse(), b.Ceiling)
	for name, c := range b.Domains {
		if t, ok := b.byDomain[name]; ok {
			consider("domain:"+name, t.inUse(), c)
		}
	}
	for name, c := range b.Tools {
		if t, ok := b.byTool[name]; ok {
			consider("tool:"+name, t.inUse(), c)
		}
	}
	return peak, dim, scope
}

// Commit converts a reservation into realized usage. Zero cost or tokens in
// actual fall back to the reserved estimate. Settling twice is a no-op.
//
// Usage reported above the estimate is checked against every ceiling the
// charge falls under. An overrun emits budget_exceeded and comes back as
// Block under the block policy, Warn otherwise; the usage is recorded either
// way since it has already been spent.
func (e *Enforcer) Commit(ctx context.Context, res *Reservation, actual Charge) Verdict {
	if res == nil || res.Budget == nil {
		return Verdict{Decision: Allow, Scope: "none"}
	}
	b := res.Budget
	est := res.Charge.usage()
	realized := est
	if actual.Cost > 0 {
		realized.Cost = actual.Cost
	}
	if actual.Tokens > 0 {
		realized.Tokens = actual.Tokens
	}
	extra := Usage{Cost: max(realized.Cost-est.Cost, 0), Tokens: max(realized.Tokens-est.Tokens, 0)}

	b.mu.Lock()
	if res.settled {
		b.mu.Unlock()
		return Verdict{Decision: Allow, Scope: "global"}
	}
	res.settled = true
	var over *overrun
	if extra.Cost > 0 || extra.Tokens > 0 {
		over = b.findOverrun(res.Charge, extra)
	}
	b.settle(res.Charge, est, realized)
	b.observe(res.Charge.Tool, realized)
	peak, peakDim, peakScope := b.peakRatio()
	crossed := !b.warned && peak >= b.WarnThreshold
	if crossed {
		b.warned = true
	}
	used := b.total.inUse()
	b.mu.Unlock()

	e.publishGauges(b)
	if crossed {
		e.emit(ctx, res.traceID, trace.EventBudgetWarning, b, res.Charge, &overrun{scope: peakScope, dimension: peakDim}, used)
	}
	if over == nil {
		return Verdict{Decision: Allow, Scope: "global"}
	}

	e.emit(ctx, res.traceID, trace.EventBudgetExceeded, b, res.Charge, over, used)
	e.logger.WithTrace(res.traceID).Warn("reported usage passed a ceiling",
		"budget_id", b.ID, "tool", res.Charge.Tool, "scope", over.scope, "dimension", over.dimension,
		"estimated_cost", est.Cost, "reported_cost", realized.Cost)
	v := Verdict{
		Decision: Warn,
		Scope:    over.scope,
		Reason:   fmt.Sprintf("%s %s ceiling exceeded by reported usage", over.scope, over.dimension),
	}
	if b.Policy == PolicyBlock {
		v.Decision = Block
	}
	return v
}

// Release returns a reservation's headroom without recording usage.
func (e *Enforcer) Release(res *Reservation) {
	if res == nil || res.Budget == nil {
		return
	}
	b := res.Budget

	b.mu.Lock()
	if res.settled {
		b.mu.Unlock()
		return
	}
	res.settled = true
	b.settle(res.Charge, res.Charge.usage(), Usage{})
	b.mu.Unlock()

	e.publishGauges(b)
}

// settle must be called with b.mu held.
func (b *Budget) settle(ch Charge, reserved, committed Usage) {
	apply := func(t *tally) {
		t.reserved = t.reserved.sub(reserved)
		t.committed = t.committed.add(committed)
	}
	apply(&b.total)
	if ch.Domain != "" {
		apply(b.domainTally(ch.Domain))
	}
	apply(b.toolTally(ch.Tool))
}

func (e *Enforcer) emit(ctx context.Context, traceID string, typ trace.EventType, b *Budget, ch Charge, o *overrun, used Usage) {
	if e.sink == nil {
		return
	}
	e.sink.Emit(ctx, traceID, typ, map[string]any{
		"budget_id":   b.ID,
		"policy":      string(b.Policy),
		"scope":       o.scope,
		"dimension":   o.dimension,
		"tool":        ch.Tool,
		"domain":      ch.Domain,
		"calls_used":  used.Calls,
		"cost_used":   used.Cost,
		"tokens_used": used.Tokens,
	})
}

func (e *Enforcer) publishGauges(b *Budget) {
	if e.metrics == nil {
		return
	}
	u := b.Utilization()
	for dim, g := range u.Dimensions {
		e.metrics.SetBudgetUtilization(b.ID, dim, g.Pct)
	}
}
