package coordinator

import (
	"time"

	"github.com/odvcencio/foreman/pkg/budget"
	"github.com/odvcencio/foreman/pkg/plan"
	"github.com/odvcencio/foreman/pkg/recovery"
	"github.com/odvcencio/foreman/pkg/trace"
)

// Status is the caller-facing outcome of an execution.
type Status string

const (
	StatusCompleted      Status = "completed"
	StatusPartialFailure Status = "partial_failure"
	StatusCancelled      Status = "cancelled"
)

// Result is what ExecutePlan hands back. Partial is set whenever the plan
// did not complete.
type Result struct {
	PlanID    string                  `json:"plan_id"`
	TraceID   string                  `json:"trace_id"`
	RequestID string                  `json:"request_id,omitempty"`
	Status    Status                  `json:"status"`
	Stage     plan.Stage              `json:"stage"`
	Completed []recovery.StepOutput   `json:"completed"`
	Skipped   []int                   `json:"skipped,omitempty"`
	Partial   *recovery.PartialResult `json:"partial,omitempty"`
	Events    []trace.Event           `json:"events"`
	Signals   trace.Signals           `json:"signals"`
	Budget    *budget.Utilization     `json:"budget,omitempty"`
	Duration  time.Duration           `json:"duration"`

	// Err is the cause of a partial failure or cancellation.
	Err error `json:"-"`
}

// CompletedIndexes lists the indexes of the steps that finished.
func (r *Result) CompletedIndexes() []int {
	out := make([]int, len(r.Completed))
	for i, o := range r.Completed {
		out[i] = o.Index
	}
	return out
}

// FailedIndex is the index of the step that stopped the plan, or -1.
func (r *Result) FailedIndex() int {
	if r.Partial == nil || r.Partial.Failed == nil {
		return -1
	}
	return r.Partial.Failed.Index
}
