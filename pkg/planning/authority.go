// Package planning turns a goal and a tool catalog into an ordered,
// budget-checked plan.
package planning

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/odvcencio/foreman/pkg/audit"
	"github.com/odvcencio/foreman/pkg/budget"
	ferrors "github.com/odvcencio/foreman/pkg/errors"
	"github.com/odvcencio/foreman/pkg/logging"
	"github.com/odvcencio/foreman/pkg/plan"
	"github.com/odvcencio/foreman/pkg/tool"
	"github.com/odvcencio/foreman/pkg/trace"
)

// Config weights the scoring formula.
type Config struct {
	MaxSteps     int     `yaml:"max_steps"`
	RiskWeight   float64 `yaml:"risk_weight"`
	BudgetWeight float64 `yaml:"budget_weight"`
}

// DefaultConfig returns the default weights.
func DefaultConfig() Config {
	return Config{MaxSteps: 5, RiskWeight: 0.05, BudgetWeight: 0.1}
}

// Request is the input to CreatePlan.
type Request struct {
	Goal       string
	TraceID    string
	Profile    string
	Budget     *budget.Budget
	Candidates []tool.Descriptor
	// Inputs overrides descriptor defaults per tool name.
	Inputs map[string]map[string]any
}

// Authority builds plans.
type Authority struct {
	cfg      Config
	scorer   Scorer
	recorder audit.Recorder
	sink     trace.Sink
	logger   *logging.Logger
}

// Option configures an Authority.
type Option func(*Authority)

// WithScorer replaces the lexical scorer.
func WithScorer(s Scorer) Option { return func(a *Authority) { a.scorer = s } }

// WithRecorder sets the audit destination.
func WithRecorder(r audit.Recorder) Option { return func(a *Authority) { a.recorder = r } }

// WithSink sets the event destination.
func WithSink(s trace.Sink) Option { return func(a *Authority) { a.sink = s } }

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(a *Authority) { a.logger = l } }

// NewAuthority creates a planner.
func NewAuthority(cfg Config, opts ...Option) *Authority {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultConfig().MaxSteps
	}
	a := &Authority{cfg: cfg, scorer: NewLexicalScorer()}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.OrDiscard(a.logger).Component("planning")
	return a
}

type candidate struct {
	desc  tool.Descriptor
	index int
	sim   float64
	score float64
}

// CreatePlan scores candidates against the goal and returns the top
// max_steps of them as a CREATED plan. Identical requests yield identical
// plans apart from the plan ID.
func (a *Authority) CreatePlan(ctx context.Context, req Request) (*plan.Plan, error) {
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return nil, &ValidationError{Problems: []string{"goal is empty"}}
	}
	if req.TraceID == "" {
		return nil, &ValidationError{Problems: []string{"trace ID is empty"}}
	}

	costCeiling := 0.0
	if req.Budget != nil {
		costCeiling = req.Budget.Ceiling.Cost
	}

	var kept, rejected []candidate
	for i, d := range req.Candidates {
		c := candidate{desc: d, index: i, sim: a.scorer.Similarity(goal, d)}
		if c.sim <= 0 {
			rejected = append(rejected, c)
			continue
		}
		c.score = c.sim - a.riskPenalty(d.RiskTier()) - a.budgetPenalty(d.Cost.Cost, costCeiling)
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		return nil, &ValidationError{Problems: []string{"no candidate tool matches goal"}}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].score != kept[j].score {
			return kept[i].score > kept[j].score
		}
		return kept[i].index < kept[j].index
	})
	if len(kept) > a.cfg.MaxSteps {
		rejected = append(rejected, kept[a.cfg.MaxSteps:]...)
		kept = kept[:a.cfg.MaxSteps]
	}

	steps := make([]*plan.Step, len(kept))
	for i, c := range kept {
		steps[i] = a.buildStep(i, goal, c, req.Inputs[c.desc.Name])
	}

	if b := req.Budget; b != nil && b.Policy == budget.PolicyBlock {
		if ok, reason := b.Fits(steps[0].Charge()); !ok {
			return nil, ferrors.New(ferrors.ErrCodeBudgetInsufficient,
				fmt.Sprintf("first step %s exceeds the budget: %s", steps[0].Tool, reason)).
				WithContext("budget_id", b.ID).
				WithUserMessage("The budget cannot cover even the first step of this plan.").
				WithRemediation("Raise the budget ceiling or narrow the goal.")
		}
	}

	p := plan.New(goal, req.TraceID, req.Profile, steps, req.Budget)

	chosen := make([]string, len(kept))
	for i, c := range kept {
		chosen[i] = fmt.Sprintf("%s=%.3f", c.desc.Name, c.score)
	}
	alternatives := make([]string, len(rejected))
	for i, c := range rejected {
		alternatives[i] = c.desc.Name
	}
	if a.recorder != nil {
		if _, err := a.recorder.Record(ctx, audit.Record{
			TraceID:      req.TraceID,
			Type:         audit.TypePlan,
			Target:       p.ID,
			Reason:       fmt.Sprintf("selected %s for goal %q", strings.Join(chosen, ", "), goal),
			Alternatives: alternatives,
		}); err != nil {
			return nil, err
		}
	}
	if a.sink != nil {
		a.sink.Emit(ctx, req.TraceID, trace.EventPlanCreated, map[string]any{
			"plan_id": p.ID,
			"goal":    goal,
			"steps":   len(steps),
			"tools":   p.Tools(),
			"profile": req.Profile,
		})
	}
	a.logger.WithPlan(p.ID, req.TraceID).Info("plan created", "steps", len(steps), "rejected", len(rejected))
	return p, nil
}

func (a *Authority) buildStep(index int, goal string, c candidate, overrides map[string]any) *plan.Step {
	input := make(map[string]any, len(c.desc.Defaults)+len(overrides)+1)
	for k, v := range c.desc.Defaults {
		input[k] = v
	}
	if _, wantsGoal := c.desc.InputSchema.Properties["goal"]; wantsGoal {
		input["goal"] = goal
	}
	for k, v := range overrides {
		input[k] = v
	}

	s := plan.NewStep(index, c.desc.Name, input)
	s.Score = c.score
	s.RiskTier = c.desc.RiskTier()
	s.Estimate = c.desc.Cost
	s.Requires = append([]string(nil), c.desc.Capabilities...)
	if c.desc.Domain != "" {
		s.Metadata["domain"] = c.desc.Domain
	}
	s.Metadata["side_effect"] = string(c.desc.SideEffect)

	reason := fmt.Sprintf("similarity %.3f, score %.3f", c.sim, c.score)
	if ls, ok := a.scorer.(*LexicalScorer); ok {
		if matched := ls.Matched(goal, c.desc); len(matched) > 0 {
			reason += fmt.Sprintf(", matched %s", strings.Join(matched, ", "))
		}
	}
	s.Reason = reason
	return s
}

var tierRank = map[plan.RiskTier]float64{
	plan.RiskLow:      0,
	plan.RiskMedium:   1,
	plan.RiskHigh:     2,
	plan.RiskCritical: 3,
}

func (a *Authority) riskPenalty(t plan.RiskTier) float64 {
	return a.cfg.RiskWeight * tierRank[t]
}

func (a *Authority) budgetPenalty(cost, ceiling float64) float64 {
	if ceiling <= 0 || cost <= 0 {
		return 0
	}
	return a.cfg.BudgetWeight * cost / ceiling
}
