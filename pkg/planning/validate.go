package planning

import (
	"fmt"
	"strings"

	"github.com/odvcencio/foreman/pkg/budget"
	ferrors "github.com/odvcencio/foreman/pkg/errors"
	"github.com/odvcencio/foreman/pkg/plan"
	"github.com/odvcencio/foreman/pkg/tool"
)

// ValidationError lists every problem found with a goal or plan. It unwraps
// to a USER-mode PLAN_INVALID error.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "plan invalid: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ferrors.New(ferrors.ErrCodePlanInvalid, e.Error()).
		WithUserMessage("The request could not be planned: " + strings.Join(e.Problems, "; ") + ".")
}

// Allowlist decides which tools a profile may use.
type Allowlist interface {
	Allows(profile, tool string) bool
}

// Catalog resolves the descriptor behind a tool name. *tool.Registry
// satisfies it.
type Catalog interface {
	Get(name string) (tool.Descriptor, bool)
}

// ValidatePlan checks p before execution. A nil allowlist permits every tool.
func ValidatePlan(p *plan.Plan, allow Allowlist) error {
	return ValidateAgainst(p, allow, nil)
}

// ValidateAgainst is ValidatePlan plus per-step checks against catalog:
// every tool must be registered and every step input must satisfy its
// tool's input schema. A nil catalog skips those checks.
func ValidateAgainst(p *plan.Plan, allow Allowlist, catalog Catalog) error {
	if p == nil {
		return &ValidationError{Problems: []string{"plan is nil"}}
	}
	var problems []string
	if p.ID == "" {
		problems = append(problems, "plan ID is empty")
	}
	if p.TraceID == "" {
		problems = append(problems, "trace ID is empty")
	}
	if strings.TrimSpace(p.Goal) == "" {
		problems = append(problems, "goal is empty")
	}
	if len(p.Steps) == 0 {
		problems = append(problems, "plan has no steps")
	}
	for i, s := range p.Steps {
		if s == nil {
			problems = append(problems, fmt.Sprintf("step %d is nil", i))
			continue
		}
		if s.Index != i {
			problems = append(problems, fmt.Sprintf("step %d has index %d", i, s.Index))
		}
		if strings.TrimSpace(s.Tool) == "" {
			problems = append(problems, fmt.Sprintf("step %d has no tool", i))
			continue
		}
		if allow != nil && !allow.Allows(p.Profile, s.Tool) {
			problems = append(problems, fmt.Sprintf("tool %s is not allowed for profile %q", s.Tool, p.Profile))
		}
		if catalog == nil {
			continue
		}
		desc, ok := catalog.Get(s.Tool)
		if !ok {
			problems = append(problems, fmt.Sprintf("step %d: tool %s is not registered", i, s.Tool))
			continue
		}
		for _, problem := range tool.ValidateInput(desc.InputSchema, s.Input) {
			problems = append(problems, fmt.Sprintf("step %d (%s): %s", i, s.Tool, problem))
		}
	}
	if b := p.Budget; b != nil && b.Policy == budget.PolicyBlock && len(p.Steps) > 0 && p.Steps[0] != nil {
		if ok, reason := b.Fits(p.Steps[0].Charge()); !ok {
			problems = append(problems, fmt.Sprintf("first step exceeds the budget: %s", reason))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
