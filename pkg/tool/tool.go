// Package tool is the boundary between the engine and the tools it invokes.
// The engine only sees descriptors, workers and the Invoke call.
package tool

import (
	"context"
	"fmt"
	"strings"

	"github.com/odvcencio/foreman/pkg/budget"
	"github.com/odvcencio/foreman/pkg/plan"
)

// SideEffect describes what invoking a tool does to the outside world.
type SideEffect string

const (
	SideEffectReadOnly SideEffect = "read_only"
	SideEffectPropose  SideEffect = "propose"
	SideEffectExecute  SideEffect = "execute"
)

// ParseSideEffect converts a string to a side effect class.
func ParseSideEffect(s string) (SideEffect, error) {
	switch SideEffect(strings.ToLower(strings.TrimSpace(s))) {
	case SideEffectReadOnly, "":
		return SideEffectReadOnly, nil
	case SideEffectPropose:
		return SideEffectPropose, nil
	case SideEffectExecute:
		return SideEffectExecute, nil
	default:
		return "", fmt.Errorf("unknown side effect: %s (valid: read_only, propose, execute)", s)
	}
}

// Property describes one input parameter.
type Property struct {
	Type        string   `json:"type" yaml:"type"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Enum        []string `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// Schema is the input contract of a tool.
type Schema struct {
	Required   []string            `json:"required,omitempty" yaml:"required,omitempty"`
	Properties map[string]Property `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Descriptor is everything the planner and router know about a tool.
type Descriptor struct {
	Name         string            `json:"name" yaml:"name"`
	Description  string            `json:"description" yaml:"description"`
	Domain       string            `json:"domain,omitempty" yaml:"domain,omitempty"`
	InputSchema  Schema            `json:"input_schema" yaml:"input_schema"`
	SideEffect   SideEffect        `json:"side_effect" yaml:"side_effect"`
	Irreversible bool              `json:"irreversible,omitempty" yaml:"irreversible,omitempty"`
	Cost         plan.Estimate     `json:"cost" yaml:"cost"`
	Capabilities []string          `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Defaults     map[string]any    `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// RiskTier grades a descriptor by its side effects.
func (d Descriptor) RiskTier() plan.RiskTier {
	switch d.SideEffect {
	case SideEffectExecute:
		if d.Irreversible {
			return plan.RiskCritical
		}
		return plan.RiskHigh
	case SideEffectPropose:
		if d.Irreversible {
			return plan.RiskHigh
		}
		return plan.RiskMedium
	default:
		return plan.RiskLow
	}
}

// Call is one invocation request.
type Call struct {
	ID      string
	TraceID string
	PlanID  string
	Step    int
	Tool    string
	Worker  string
	Attempt int
	Input   map[string]any

	// Headroom is what this call may spend before a ceiling applies.
	// Negative fields are unlimited.
	Headroom budget.Usage
}

// Result is a tool's output plus the usage it actually incurred. Zero usage
// means the estimate stands.
type Result struct {
	Output map[string]any `json:"output"`
	Cost   float64        `json:"cost,omitempty"`
	Tokens int64          `json:"tokens,omitempty"`
}

// Tool is implemented by external tool adapters.
//
//go:generate mockgen -package=tool -destination=mock_tool_test.go github.com/odvcencio/foreman/pkg/tool Tool
type Tool interface {
	Invoke(ctx context.Context, call Call) (*Result, error)
}

// Func adapts a function to the Tool interface.
type Func func(ctx context.Context, call Call) (*Result, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, call Call) (*Result, error) {
	return f(ctx, call)
}

// Worker is one instance able to serve a tool.
type Worker struct {
	ID           string
	Capabilities []string
	Tool         Tool
}

// Has reports whether the worker's capabilities are a superset of required.
func (w Worker) Has(required []string) bool {
	if len(required) == 0 {
		return true
	}
	caps := make(map[string]struct{}, len(w.Capabilities))
	for _, c := range w.Capabilities {
		caps[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := caps[r]; !ok {
			return false
		}
	}
	return true
}
