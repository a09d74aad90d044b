// Package routing picks the worker that serves each plan step.
package routing

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/odvcencio/foreman/pkg/audit"
	ferrors "github.com/odvcencio/foreman/pkg/errors"
	"github.com/odvcencio/foreman/pkg/logging"
	"github.com/odvcencio/foreman/pkg/tool"
	"github.com/odvcencio/foreman/pkg/trace"
)

// Strategy selects how workers are chosen.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyCapability Strategy = "capability"
)

// ParseStrategy converts a string to a strategy. Empty means round robin.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyRoundRobin, "":
		return StrategyRoundRobin, nil
	case StrategyCapability:
		return StrategyCapability, nil
	default:
		return "", fmt.Errorf("unknown routing strategy: %s (valid: round_robin, capability)", s)
	}
}

// Request identifies the step being routed.
type Request struct {
	TraceID  string
	PlanID   string
	Step     int
	Tool     string
	Requires []string
}

// Decision is the chosen worker plus the ones passed over.
type Decision struct {
	Worker       tool.Worker
	Strategy     Strategy
	Reason       string
	Alternatives []string
}

//go:generate mockgen -package=routing -destination=mock_recorder_test.go github.com/odvcencio/foreman/pkg/audit Recorder

// Authority routes steps to workers. The rotation counter is private to the
// instance and shared by every plan it serves.
type Authority struct {
	strategy Strategy
	counter  atomic.Uint64
	recorder audit.Recorder
	sink     trace.Sink
	logger   *logging.Logger
}

// NewAuthority creates a router. recorder and sink may be nil.
func NewAuthority(strategy Strategy, recorder audit.Recorder, sink trace.Sink, logger *logging.Logger) *Authority {
	if strategy == "" {
		strategy = StrategyRoundRobin
	}
	return &Authority{
		strategy: strategy,
		recorder: recorder,
		sink:     sink,
		logger:   logging.OrDiscard(logger).Component("routing"),
	}
}

// Strategy returns the configured strategy.
func (a *Authority) Strategy() Strategy {
	return a.strategy
}

// Route picks one of candidates for req, audits the choice and emits
// route_decision.
func (a *Authority) Route(ctx context.Context, req Request, candidates []tool.Worker) (Decision, error) {
	eligible := make([]tool.Worker, 0, len(candidates))
	for _, w := range candidates {
		if w.Has(req.Requires) {
			eligible = append(eligible, w)
		}
	}
	if len(eligible) == 0 {
		reason := fmt.Sprintf("no worker for %s", req.Tool)
		if len(candidates) > 0 {
			reason = fmt.Sprintf("no worker for %s has capabilities [%s]", req.Tool, strings.Join(req.Requires, ", "))
		}
		return Decision{}, ferrors.New(ferrors.ErrCodeRoutingFailed, reason).
			WithContext("tool", req.Tool).
			WithContext("step", req.Step).
			WithRemediation("Register a worker for this tool or relax its capability requirements.")
	}

	var chosen tool.Worker
	var reason string
	switch a.strategy {
	case StrategyCapability:
		chosen = eligible[0]
		reason = fmt.Sprintf("%s is the first worker declaring [%s]", chosen.ID, strings.Join(req.Requires, ", "))
	default:
		slot := (a.counter.Add(1) - 1) % uint64(len(eligible))
		chosen = eligible[slot]
		reason = fmt.Sprintf("round robin slot %d of %d", slot, len(eligible))
	}

	alternatives := make([]string, 0, len(candidates)-1)
	for _, w := range candidates {
		if w.ID != chosen.ID {
			alternatives = append(alternatives, w.ID)
		}
	}
	d := Decision{Worker: chosen, Strategy: a.strategy, Reason: reason, Alternatives: alternatives}

	if a.recorder != nil {
		if _, err := a.recorder.Record(ctx, audit.Record{
			TraceID:      req.TraceID,
			Type:         audit.TypeRoute,
			Target:       chosen.ID,
			Reason:       fmt.Sprintf("step %d (%s): %s", req.Step, req.Tool, reason),
			Alternatives: alternatives,
		}); err != nil {
			return Decision{}, err
		}
	}
	if a.sink != nil {
		a.sink.Emit(ctx, req.TraceID, trace.EventRouteDecision, map[string]any{
			"plan_id":      req.PlanID,
			"step":         req.Step,
			"tool":         req.Tool,
			"worker":       chosen.ID,
			"strategy":     string(a.strategy),
			"alternatives": alternatives,
		})
	}
	a.logger.WithTrace(req.TraceID).Debug("step routed", "step", req.Step, "tool", req.Tool, "worker", chosen.ID)
	return d, nil
}
