// Package plan holds the orchestration domain model: plans, their ordered
// steps, and the lifecycle state machine both move through.
package plan

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/foreman/pkg/budget"
	ferrors "github.com/odvcencio/foreman/pkg/errors"
)

// Stage is a position in the plan lifecycle.
type Stage string

const (
	StageCreated   Stage = "CREATED"
	StageRouted    Stage = "ROUTED"
	StageExecuting Stage = "EXECUTING"
	StageCompleted Stage = "COMPLETED"
	StageFailed    Stage = "FAILED"
	StageCancelled Stage = "CANCELLED"
)

var allowedTransitions = map[Stage][]Stage{
	StageCreated:   {StageRouted, StageCancelled},
	StageRouted:    {StageExecuting, StageCancelled},
	StageExecuting: {StageCompleted, StageFailed, StageCancelled},
}

// IsTerminal reports whether no further transitions are possible.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s Stage) CanTransitionTo(next Stage) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StageChange records one lifecycle transition.
type StageChange struct {
	From Stage     `json:"from"`
	To   Stage     `json:"to"`
	At   time.Time `json:"at"`
}

// Plan is an ordered sequence of steps toward a goal. Only the stage, its
// timestamps and step status histories change after creation.
type Plan struct {
	ID      string
	Goal    string
	TraceID string
	Profile string
	Steps   []*Step
	Budget  *budget.Budget

	mu          sync.RWMutex
	stage       Stage
	history     []StageChange
	createdAt   time.Time
	routedAt    *time.Time
	startedAt   *time.Time
	completedAt *time.Time
}

// New creates a plan in the CREATED stage.
func New(goal, traceID, profile string, steps []*Step, b *budget.Budget) *Plan {
	return &Plan{
		ID:        uuid.NewString(),
		Goal:      goal,
		TraceID:   traceID,
		Profile:   profile,
		Steps:     steps,
		Budget:    b,
		stage:     StageCreated,
		createdAt: time.Now().UTC(),
	}
}

// Stage returns the current lifecycle stage.
func (p *Plan) Stage() Stage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stage
}

// Transition moves the plan to next. Re-applying the current stage is a
// no-op; anything else must be a legal forward edge.
func (p *Plan) Transition(next Stage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stage == next {
		return nil
	}
	if p.stage.IsTerminal() || !p.stage.CanTransitionTo(next) {
		return ferrors.New(ferrors.ErrCodeInvalidTransition,
			fmt.Sprintf("plan cannot move from %s to %s", p.stage, next)).
			WithContext("plan_id", p.ID)
	}

	now := time.Now().UTC()
	switch {
	case next == StageRouted:
		p.routedAt = &now
	case next == StageExecuting:
		p.startedAt = &now
	case next.IsTerminal():
		p.completedAt = &now
	}
	p.history = append(p.history, StageChange{From: p.stage, To: next, At: now})
	p.stage = next
	return nil
}

// StageHistory returns a copy of the transitions applied so far.
func (p *Plan) StageHistory() []StageChange {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]StageChange(nil), p.history...)
}

// Timestamps returns the lifecycle timestamps. Unset stages are nil.
func (p *Plan) Timestamps() (created time.Time, routed, started, completed *time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.createdAt, p.routedAt, p.startedAt, p.completedAt
}

// SetStepStatus records a status change for the step at index i.
func (p *Plan) SetStepStatus(i int, status StepStatus, note string) error {
	if i < 0 || i >= len(p.Steps) {
		return ferrors.New(ferrors.ErrCodeInvalidInput, fmt.Sprintf("step %d out of range", i))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Steps[i].setStatus(status, note)
}

// StepStatus returns the current status of the step at index i.
func (p *Plan) StepStatus(i int) StepStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Steps[i].status
}

// StepHistory returns a copy of the status history for step i.
func (p *Plan) StepHistory(i int) []StatusChange {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]StatusChange(nil), p.Steps[i].history...)
}

// AssignWorker records the routing decision for step i.
func (p *Plan) AssignWorker(i int, worker string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Steps[i].Worker = worker
}

// Tools lists step tool names in order.
func (p *Plan) Tools() []string {
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Tool
	}
	return out
}

type planView struct {
	ID          string        `json:"id"`
	Goal        string        `json:"goal"`
	TraceID     string        `json:"trace_id"`
	Profile     string        `json:"profile,omitempty"`
	Stage       Stage         `json:"stage"`
	Steps       []stepView    `json:"steps"`
	History     []StageChange `json:"history,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	RoutedAt    *time.Time    `json:"routed_at,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// MarshalJSON renders a consistent snapshot of the plan.
func (p *Plan) MarshalJSON() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	v := planView{
		ID:          p.ID,
		Goal:        p.Goal,
		TraceID:     p.TraceID,
		Profile:     p.Profile,
		Stage:       p.stage,
		History:     p.history,
		CreatedAt:   p.createdAt,
		RoutedAt:    p.routedAt,
		StartedAt:   p.startedAt,
		CompletedAt: p.completedAt,
	}
	for _, s := range p.Steps {
		v.Steps = append(v.Steps, s.view())
	}
	return json.Marshal(v)
}
