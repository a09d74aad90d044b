// Package recovery preserves the progress of a plan that failed midway and
// recommends what to do next.
package recovery

import (
	"fmt"
	"strings"
	"sync"
	"time"

	ferrors "github.com/odvcencio/foreman/pkg/errors"
	"github.com/odvcencio/foreman/pkg/logging"
	"github.com/odvcencio/foreman/pkg/plan"
)

// Recommendation is the suggested next action after a partial failure.
type Recommendation string

const (
	RecommendRetry      Recommendation = "retry_from_failure_point"
	RecommendUsePartial Recommendation = "use_partial"
	RecommendAbort      Recommendation = "abort"
)

// StepOutput is the result of one completed step.
type StepOutput struct {
	Index  int            `json:"index"`
	Tool   string         `json:"tool"`
	Worker string         `json:"worker,omitempty"`
	Output map[string]any `json:"output,omitempty"`
}

// FailedStep describes where the plan stopped.
type FailedStep struct {
	Index int    `json:"index"`
	Tool  string `json:"tool"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

// PartialResult is the user-facing record of a plan that did not finish.
type PartialResult struct {
	PlanID         string              `json:"plan_id"`
	TraceID        string              `json:"trace_id"`
	Goal           string              `json:"goal"`
	Completed      []StepOutput        `json:"completed"`
	Failed         *FailedStep         `json:"failed,omitempty"`
	Remaining      []int               `json:"remaining,omitempty"`
	Mode           ferrors.FailureMode `json:"failure_mode"`
	Recommendation Recommendation      `json:"recommendation"`
	Explanation    string              `json:"explanation"`
	Data           map[string]any      `json:"data,omitempty"`
	CapturedAt     time.Time           `json:"captured_at"`
}

// Summary is a one-line description of the result.
func (r *PartialResult) Summary() string {
	failed := "none"
	if r.Failed != nil {
		failed = fmt.Sprintf("step %d (%s)", r.Failed.Index, r.Failed.Tool)
	}
	return fmt.Sprintf("%d completed, failed at %s, mode %s, recommend %s",
		len(r.Completed), failed, r.Mode, r.Recommendation)
}

// Tracker captures partial results and optionally persists them.
type Tracker struct {
	mu      sync.RWMutex
	results map[string]*PartialResult
	store   *Store
	logger  *logging.Logger
	now     func() time.Time
}

// NewTracker creates a tracker. store may be nil.
func NewTracker(store *Store, logger *logging.Logger) *Tracker {
	return &Tracker{
		results: make(map[string]*PartialResult),
		store:   store,
		logger:  logging.OrDiscard(logger).Component("recovery"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Capture snapshots the plan's progress. Outputs and data are deep-copied so
// later changes by the caller do not leak into the result. failed may be nil
// when the plan stopped between steps.
func (t *Tracker) Capture(p *plan.Plan, outputs []StepOutput, failed *plan.Step, cause error, data map[string]any) *PartialResult {
	completed := make([]StepOutput, len(outputs))
	for i, o := range outputs {
		completed[i] = StepOutput{Index: o.Index, Tool: o.Tool, Worker: o.Worker, Output: copyMap(o.Output)}
	}

	mode := ferrors.ModeOf(cause)
	res := &PartialResult{
		Completed:      completed,
		Mode:           mode,
		Recommendation: Recommend(mode, len(completed)),
		Explanation:    explain(cause),
		Data:           copyMap(data),
		CapturedAt:     t.now(),
	}
	if p != nil {
		res.PlanID, res.TraceID, res.Goal = p.ID, p.TraceID, p.Goal
		done := make(map[int]bool, len(completed))
		for _, o := range completed {
			done[o.Index] = true
		}
		for _, s := range p.Steps {
			if done[s.Index] || (failed != nil && s.Index == failed.Index) {
				continue
			}
			res.Remaining = append(res.Remaining, s.Index)
		}
	}
	if failed != nil {
		fs := &FailedStep{Index: failed.Index, Tool: failed.Tool}
		if cause != nil {
			fs.Error = cause.Error()
			fs.Code = string(ferrors.GetCode(cause))
		}
		res.Failed = fs
	}

	t.mu.Lock()
	t.results[res.PlanID] = res
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.Save(res); err != nil {
			t.logger.WithPlan(res.PlanID, res.TraceID).Warn("partial result not persisted", "error", err.Error())
		}
	}
	t.logger.WithPlan(res.PlanID, res.TraceID).Info("partial result captured",
		"completed", len(completed), "mode", string(mode), "recommendation", string(res.Recommendation))
	return res
}

// Get returns the last result captured for a plan.
func (t *Tracker) Get(planID string) (*PartialResult, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.results[planID]
	return r, ok
}

// Recommend maps a failure mode and progress to a next action.
func Recommend(mode ferrors.FailureMode, completed int) Recommendation {
	switch mode {
	case ferrors.ModeSystem:
		return RecommendRetry
	case ferrors.ModeResource, ferrors.ModePolicy, ferrors.ModeAgent:
		if completed > 0 {
			return RecommendUsePartial
		}
		return RecommendAbort
	default:
		return RecommendAbort
	}
}

func explain(cause error) string {
	if cause == nil {
		return "the plan stopped before finishing"
	}
	msg := ferrors.Explain(cause)
	// never leak multi-line internals
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	case []byte:
		return append([]byte(nil), val...)
	default:
		return val
	}
}
