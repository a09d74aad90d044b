package plan

import (
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/foreman/pkg/budget"
	ferrors "github.com/odvcencio/foreman/pkg/errors"
)

// StepStatus tracks a single step through execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// RiskTier grades how much damage a step can do if it goes wrong.
type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

// ParseRiskTier converts a string to a risk tier.
func ParseRiskTier(s string) (RiskTier, error) {
	switch RiskTier(strings.ToLower(strings.TrimSpace(s))) {
	case RiskLow:
		return RiskLow, nil
	case RiskMedium:
		return RiskMedium, nil
	case RiskHigh:
		return RiskHigh, nil
	case RiskCritical:
		return RiskCritical, nil
	default:
		return "", fmt.Errorf("unknown risk tier: %s (valid: low, medium, high, critical)", s)
	}
}

// Estimate is the expected resource draw of one invocation.
type Estimate struct {
	Cost   float64 `json:"cost" yaml:"cost"`
	Tokens int64   `json:"tokens" yaml:"tokens"`
}

// StatusChange is one entry in a step's append-only history.
type StatusChange struct {
	Status StepStatus `json:"status"`
	Note   string     `json:"note,omitempty"`
	At     time.Time  `json:"at"`
}

// Step is one tool invocation within a plan.
type Step struct {
	Index    int
	Tool     string
	Input    map[string]any
	Reason   string
	Metadata map[string]string
	Requires []string
	Worker   string
	Estimate Estimate
	RiskTier RiskTier
	Score    float64

	status  StepStatus
	history []StatusChange
}

// NewStep creates a pending step.
func NewStep(index int, tool string, input map[string]any) *Step {
	return &Step{
		Index:    index,
		Tool:     tool,
		Input:    input,
		Metadata: map[string]string{},
		status:   StepPending,
	}
}

// Domain returns the step's domain tag, used for budget sub-ceilings.
func (s *Step) Domain() string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata["domain"]
}

// Charge is the budget draw the step is estimated to make.
func (s *Step) Charge() budget.Charge {
	return budget.Charge{
		Tool:   s.Tool,
		Domain: s.Domain(),
		Cost:   s.Estimate.Cost,
		Tokens: s.Estimate.Tokens,
	}
}

func (s *Step) setStatus(next StepStatus, note string) error {
	if s.status == "" {
		s.status = StepPending
	}
	if s.status.IsTerminal() {
		return ferrors.New(ferrors.ErrCodeInvalidTransition,
			fmt.Sprintf("step %d already %s", s.Index, s.status))
	}
	s.status = next
	s.history = append(s.history, StatusChange{Status: next, Note: note, At: time.Now().UTC()})
	return nil
}

type stepView struct {
	Index    int               `json:"index"`
	Tool     string            `json:"tool"`
	Input    map[string]any    `json:"input,omitempty"`
	Reason   string            `json:"reason"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Requires []string          `json:"requires,omitempty"`
	Worker   string            `json:"worker,omitempty"`
	Estimate Estimate          `json:"estimate"`
	RiskTier RiskTier          `json:"risk_tier"`
	Score    float64           `json:"score"`
	Status   StepStatus        `json:"status"`
	History  []StatusChange    `json:"history,omitempty"`
}

func (s *Step) view() stepView {
	status := s.status
	if status == "" {
		status = StepPending
	}
	return stepView{
		Index:    s.Index,
		Tool:     s.Tool,
		Input:    s.Input,
		Reason:   s.Reason,
		Metadata: s.Metadata,
		Requires: s.Requires,
		Worker:   s.Worker,
		Estimate: s.Estimate,
		RiskTier: s.RiskTier,
		Score:    s.Score,
		Status:   status,
		History:  s.history,
	}
}
