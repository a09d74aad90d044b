// Package approval suspends gated steps until a human approves or rejects
// them. A request waits on its own goroutine only; unrelated plans keep
// running while it is pending.
package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/foreman/pkg/audit"
	ferrors "github.com/odvcencio/foreman/pkg/errors"
	"github.com/odvcencio/foreman/pkg/logging"
	"github.com/odvcencio/foreman/pkg/plan"
	"github.com/odvcencio/foreman/pkg/telemetry"
	"github.com/odvcencio/foreman/pkg/trace"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// DefaultTimeout applies when neither the request nor the gate sets one.
const DefaultTimeout = 5 * time.Minute

// DefaultResolvedRetention is how many settled requests a gate remembers
// so late decisions can be answered with APPROVAL_RESOLVED.
const DefaultResolvedRetention = 4096

// Request describes an action awaiting sign-off.
type Request struct {
	ID              string         `json:"id"`
	TraceID         string         `json:"trace_id"`
	PlanID          string         `json:"plan_id,omitempty"`
	Step            int            `json:"step"`
	Action          string         `json:"action"`
	RiskTier        plan.RiskTier  `json:"risk_tier"`
	Consequences    string         `json:"consequences,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	Timeout         time.Duration  `json:"timeout"`
	FallbackApprove bool           `json:"fallback_approve,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ExpiresAt       time.Time      `json:"expires_at"`
}

// Decision is an external verdict on a request.
type Decision struct {
	Approve  bool   `json:"approve"`
	Approver string `json:"approver"`
	Feedback string `json:"feedback,omitempty"`
}

// Outcome is how a request was resolved. Approved may be true for an
// expired request when the profile allows fallback approval.
type Outcome struct {
	RequestID string    `json:"request_id"`
	Status    Status    `json:"status"`
	Approved  bool      `json:"approved"`
	Approver  string    `json:"approver,omitempty"`
	Feedback  string    `json:"feedback,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Decider is what an approver console talks to: the Gate in-process or a
// Relay across the bus.
type Decider interface {
	Pending() []Request
	Decide(id string, d Decision) error
}

type waiter struct {
	req  Request
	ch   chan Outcome
	done bool
}

// Gate holds pending approval requests.
type Gate struct {
	mu          sync.Mutex
	pending     map[string]*waiter
	resolved    map[string]Status
	history     []string
	maxResolved int

	tiers           map[plan.RiskTier]bool
	defaultTimeout  time.Duration
	fallbackApprove bool

	sink     trace.Sink
	recorder audit.Recorder
	metrics  *telemetry.Metrics
	logger   *logging.Logger
	now      func() time.Time

	busMu    sync.Mutex
	announce func(ctx context.Context, req Request)
}

// Option configures a Gate.
type Option func(*Gate)

// WithTiers sets the risk tiers that need sign-off.
func WithTiers(tiers ...plan.RiskTier) Option {
	return func(g *Gate) {
		g.tiers = make(map[plan.RiskTier]bool, len(tiers))
		for _, t := range tiers {
			g.tiers[t] = true
		}
	}
}

// WithResolvedRetention bounds how many settled requests are remembered.
// Older ones answer late decisions with APPROVAL_NOT_FOUND.
func WithResolvedRetention(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.maxResolved = n
		}
	}
}

// WithDefaultTimeout sets the wait used when a request has none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.defaultTimeout = d
		}
	}
}

// WithFallbackApprove makes expired requests approve unless the request
// overrides it.
func WithFallbackApprove(v bool) Option {
	return func(g *Gate) { g.fallbackApprove = v }
}

func WithSink(s trace.Sink) Option            { return func(g *Gate) { g.sink = s } }
func WithRecorder(r audit.Recorder) Option    { return func(g *Gate) { g.recorder = r } }
func WithMetrics(m *telemetry.Metrics) Option { return func(g *Gate) { g.metrics = m } }
func WithLogger(l *logging.Logger) Option     { return func(g *Gate) { g.logger = l } }
func WithClock(now func() time.Time) Option   { return func(g *Gate) { g.now = now } }

// NewGate creates a gate. High and critical tiers require approval unless
// WithTiers says otherwise.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		pending:        make(map[string]*waiter),
		resolved:       make(map[string]Status),
		tiers:          map[plan.RiskTier]bool{plan.RiskHigh: true, plan.RiskCritical: true},
		defaultTimeout: DefaultTimeout,
		maxResolved:    DefaultResolvedRetention,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrDiscard(g.logger).Component("approval")
	return g
}

// Requires reports whether tier needs sign-off.
func (g *Gate) Requires(tier plan.RiskTier) bool {
	return g.tiers[tier]
}

// FallbackApprove reports the gate-wide fallback setting.
func (g *Gate) FallbackApprove() bool {
	return g.fallbackApprove
}

// RequestApproval registers req and blocks until it is decided, expires, or
// ctx ends. Only the calling goroutine waits.
func (g *Gate) RequestApproval(ctx context.Context, req Request) (Outcome, error) {
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}
	if req.Timeout <= 0 {
		req.Timeout = g.defaultTimeout
	}
	req.CreatedAt = g.now()
	req.ExpiresAt = req.CreatedAt.Add(req.Timeout)
	req.Parameters = trace.Redact(req.Parameters)

	w := &waiter{req: req, ch: make(chan Outcome, 1)}
	g.mu.Lock()
	if _, dup := g.pending[req.ID]; dup {
		g.mu.Unlock()
		return Outcome{}, ferrors.New(ferrors.ErrCodeInvalidInput, fmt.Sprintf("approval %s already pending", req.ID))
	}
	g.pending[req.ID] = w
	g.mu.Unlock()

	if err := g.audit(ctx, req.TraceID, req.Action,
		fmt.Sprintf("approval %s requested for %s (risk %s): %s", req.ID, req.Action, req.RiskTier, req.Consequences),
		nil); err != nil {
		g.mu.Lock()
		delete(g.pending, req.ID)
		g.mu.Unlock()
		return Outcome{}, err
	}
	g.emit(ctx, req.TraceID, trace.EventApprovalRequested, map[string]any{
		"approval_id": req.ID,
		"plan_id":     req.PlanID,
		"step":        req.Step,
		"tool":        req.Action,
		"risk_tier":   string(req.RiskTier),
		"timeout_ms":  req.Timeout.Milliseconds(),
	})
	g.busMu.Lock()
	announce := g.announce
	g.busMu.Unlock()
	if announce != nil {
		announce(ctx, req)
	}

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	var out Outcome
	select {
	case out = <-w.ch:
	case <-timer.C:
		out = g.expire(w, Outcome{
			RequestID: req.ID,
			Status:    StatusExpired,
			Approved:  req.FallbackApprove || g.fallbackApprove,
			Approver:  "system",
			Feedback:  "timeout",
		})
	case <-ctx.Done():
		out = g.expire(w, Outcome{
			RequestID: req.ID,
			Status:    StatusRejected,
			Approver:  "system",
			Feedback:  "cancelled",
		})
	}
	return out, g.finish(context.WithoutCancel(ctx), req, out)
}

// expire resolves w locally unless a decision won the race, in which case
// that decision is returned.
func (g *Gate) expire(w *waiter, out Outcome) Outcome {
	out.DecidedAt = g.now()
	if g.settle(w, out, false) {
		return out
	}
	return <-w.ch
}

// settle marks w resolved exactly once.
func (g *Gate) settle(w *waiter, out Outcome, notify bool) bool {
	g.mu.Lock()
	if w.done {
		g.mu.Unlock()
		return false
	}
	w.done = true
	delete(g.pending, w.req.ID)
	g.resolved[w.req.ID] = out.Status
	g.history = append(g.history, w.req.ID)
	for len(g.history) > g.maxResolved {
		delete(g.resolved, g.history[0])
		g.history = g.history[1:]
	}
	g.mu.Unlock()
	if notify {
		w.ch <- out
	}
	return true
}

// Decide resolves a pending request.
func (g *Gate) Decide(id string, d Decision) error {
	g.mu.Lock()
	w, ok := g.pending[id]
	if !ok {
		status, seen := g.resolved[id]
		g.mu.Unlock()
		if seen {
			return ferrors.New(ferrors.ErrCodeApprovalResolved, fmt.Sprintf("approval %s already %s", id, status)).
				WithContext("approval_id", id)
		}
		return ferrors.New(ferrors.ErrCodeApprovalNotFound, fmt.Sprintf("approval %s not found", id)).
			WithContext("approval_id", id)
	}
	g.mu.Unlock()

	status := StatusRejected
	if d.Approve {
		status = StatusApproved
	}
	out := Outcome{
		RequestID: id,
		Status:    status,
		Approved:  d.Approve,
		Approver:  d.Approver,
		Feedback:  d.Feedback,
		DecidedAt: g.now(),
	}
	if !g.settle(w, out, true) {
		g.mu.Lock()
		status := g.resolved[id]
		g.mu.Unlock()
		return ferrors.New(ferrors.ErrCodeApprovalResolved, fmt.Sprintf("approval %s already %s", id, status)).
			WithContext("approval_id", id)
	}
	return nil
}

// Pending lists open requests, oldest first.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	out := make([]Request, 0, len(g.pending))
	for _, w := range g.pending {
		out = append(out, w.req)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// finish records the resolution.
func (g *Gate) finish(ctx context.Context, req Request, out Outcome) error {
	if out.Status == StatusExpired {
		g.emit(ctx, req.TraceID, trace.EventApprovalTimeout, map[string]any{
			"approval_id":      req.ID,
			"tool":             req.Action,
			"timeout_ms":       req.Timeout.Milliseconds(),
			"fallback_approve": out.Approved,
		})
	} else {
		g.emit(ctx, req.TraceID, trace.EventApprovalReceived, map[string]any{
			"approval_id": req.ID,
			"tool":        req.Action,
			"status":      string(out.Status),
			"approver":    out.Approver,
			"feedback":    out.Feedback,
		})
	}
	g.metrics.ApprovalResolved(string(out.Status))
	g.logger.WithTrace(req.TraceID).ApprovalResolved(req.ID, string(out.Status), out.Approver)

	verdict, other := "rejected", "approve"
	if out.Approved {
		verdict, other = "approved", "reject"
	}
	reason := fmt.Sprintf("approval %s %s by %s", req.ID, verdict, out.Approver)
	if out.Status == StatusExpired {
		reason = fmt.Sprintf("approval %s expired after %s; %s by fallback", req.ID, req.Timeout, verdict)
	}
	if out.Feedback != "" {
		reason += ": " + out.Feedback
	}
	return g.audit(ctx, req.TraceID, req.Action, reason, []string{other})
}

func (g *Gate) audit(ctx context.Context, traceID, target, reason string, alternatives []string) error {
	if g.recorder == nil {
		return nil
	}
	_, err := g.recorder.Record(ctx, audit.Record{
		TraceID:      traceID,
		Type:         audit.TypeApproval,
		Target:       target,
		Reason:       reason,
		Alternatives: alternatives,
	})
	return err
}

func (g *Gate) emit(ctx context.Context, traceID string, typ trace.EventType, attrs map[string]any) {
	if g.sink != nil {
		g.sink.Emit(ctx, traceID, typ, attrs)
	}
}
