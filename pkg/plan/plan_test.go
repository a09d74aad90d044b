package plan

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/odvcencio/foreman/pkg/errors"
)

func newTestPlan() *Plan {
	steps := []*Step{
		NewStep(0, "search", map[string]any{"q": "x"}),
		NewStep(1, "summarize", nil),
	}
	return New("find x", "trace-1", "default", steps, nil)
}

func TestNew(t *testing.T) {
	p := newTestPlan()
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, StageCreated, p.Stage())
	created, routed, started, completed := p.Timestamps()
	assert.False(t, created.IsZero())
	assert.Nil(t, routed)
	assert.Nil(t, started)
	assert.Nil(t, completed)
	assert.Equal(t, []string{"search", "summarize"}, p.Tools())
}

func TestTransition_HappyPath(t *testing.T) {
	p := newTestPlan()

	require.NoError(t, p.Transition(StageRouted))
	require.NoError(t, p.Transition(StageExecuting))
	require.NoError(t, p.Transition(StageCompleted))

	_, routed, started, completed := p.Timestamps()
	require.NotNil(t, routed)
	require.NotNil(t, started)
	require.NotNil(t, completed)
	assert.False(t, started.Before(*routed))
	assert.Len(t, p.StageHistory(), 3)
}

func TestTransition_Idempotent(t *testing.T) {
	p := newTestPlan()
	require.NoError(t, p.Transition(StageRouted))
	require.NoError(t, p.Transition(StageRouted))
	assert.Len(t, p.StageHistory(), 1)
}

func TestTransition_Rejected(t *testing.T) {
	tests := []struct {
		name string
		path []Stage
		bad  Stage
	}{
		{"skip routing", nil, StageExecuting},
		{"backwards", []Stage{StageRouted, StageExecuting}, StageRouted},
		{"complete before executing", []Stage{StageRouted}, StageCompleted},
		{"after completion", []Stage{StageRouted, StageExecuting, StageCompleted}, StageFailed},
		{"after cancel", []Stage{StageCancelled}, StageRouted},
		{"fail from created", nil, StageFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPlan()
			for _, s := range tt.path {
				require.NoError(t, p.Transition(s))
			}
			before := p.Stage()
			err := p.Transition(tt.bad)
			require.Error(t, err)
			assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeInvalidTransition))
			assert.Equal(t, before, p.Stage())
		})
	}
}

func TestTransition_CancelFromAnyActiveStage(t *testing.T) {
	for _, path := range [][]Stage{nil, {StageRouted}, {StageRouted, StageExecuting}} {
		p := newTestPlan()
		for _, s := range path {
			require.NoError(t, p.Transition(s))
		}
		require.NoError(t, p.Transition(StageCancelled))
		_, _, _, completed := p.Timestamps()
		assert.NotNil(t, completed)
	}
}

// Stages only ever move forward along the lifecycle ordering, even when many
// goroutines race to apply transitions.
func TestTransition_MonotonicUnderRace(t *testing.T) {
	order := map[Stage]int{
		StageCreated: 0, StageRouted: 1, StageExecuting: 2,
		StageCompleted: 3, StageFailed: 3, StageCancelled: 3,
	}
	targets := []Stage{StageRouted, StageExecuting, StageCompleted, StageFailed, StageCancelled}

	for round := 0; round < 20; round++ {
		p := newTestPlan()
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_ = p.Transition(targets[i%len(targets)])
			}(i)
		}
		wg.Wait()

		for _, ch := range p.StageHistory() {
			assert.Less(t, order[ch.From], order[ch.To], "%s -> %s", ch.From, ch.To)
			assert.False(t, ch.From.IsTerminal())
		}
	}
}

func TestStepStatus_AppendOnly(t *testing.T) {
	p := newTestPlan()

	require.NoError(t, p.SetStepStatus(0, StepRunning, "attempt 1"))
	require.NoError(t, p.SetStepStatus(0, StepCompleted, ""))
	assert.Equal(t, StepCompleted, p.StepStatus(0))

	err := p.SetStepStatus(0, StepFailed, "late")
	require.Error(t, err)
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeInvalidTransition))

	hist := p.StepHistory(0)
	require.Len(t, hist, 2)
	assert.Equal(t, StepRunning, hist[0].Status)
	assert.Equal(t, "attempt 1", hist[0].Note)

	assert.Error(t, p.SetStepStatus(5, StepRunning, ""))
	assert.Equal(t, StepPending, p.StepStatus(1))
}

func TestStepDomain(t *testing.T) {
	s := NewStep(0, "quote", nil)
	assert.Equal(t, "", s.Domain())
	s.Metadata["domain"] = "market"
	assert.Equal(t, "market", s.Domain())
	assert.Equal(t, "", (&Step{}).Domain())
}

func TestParseRiskTier(t *testing.T) {
	tier, err := ParseRiskTier(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, tier)

	_, err = ParseRiskTier("severe")
	assert.Error(t, err)
}

func TestMarshalJSON(t *testing.T) {
	p := newTestPlan()
	p.AssignWorker(0, "w-1")
	require.NoError(t, p.Transition(StageRouted))

	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "ROUTED", decoded["stage"])
	assert.Equal(t, "trace-1", decoded["trace_id"])
	steps := decoded["steps"].([]any)
	require.Len(t, steps, 2)
	assert.Equal(t, "w-1", steps[0].(map[string]any)["worker"])
	assert.Equal(t, "pending", steps[1].(map[string]any)["status"])
}

func TestExecutionContext_WithTrace(t *testing.T) {
	ec := ExecutionContext{RequestID: "r"}
	got := ec.WithTrace("t")
	assert.Equal(t, "t", got.TraceID)
	assert.Equal(t, "", ec.TraceID, "original must not change")
	assert.Equal(t, "keep", ExecutionContext{TraceID: "keep"}.WithTrace("t").TraceID)
}
