package trace

import (
	"encoding/json"
	"math"
	"sort"
	"time"
)

// Signals are the golden signals of one trace.
type Signals struct {
	SuccessRate       float64
	ErrorRate         float64
	LatencyP50        time.Duration
	LatencyP95        time.Duration
	LatencyP99        time.Duration
	TotalEvents       int
	BudgetUtilization float64
}

// MarshalJSON reports latencies in milliseconds.
func (s Signals) MarshalJSON() ([]byte, error) {
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	return json.Marshal(struct {
		SuccessRate       float64 `json:"success_rate"`
		ErrorRate         float64 `json:"error_rate"`
		LatencyP50        float64 `json:"latency_p50_ms"`
		LatencyP95        float64 `json:"latency_p95_ms"`
		LatencyP99        float64 `json:"latency_p99_ms"`
		TotalEvents       int     `json:"total_events"`
		BudgetUtilization float64 `json:"budget_utilization"`
	}{
		SuccessRate:       s.SuccessRate,
		ErrorRate:         s.ErrorRate,
		LatencyP50:        ms(s.LatencyP50),
		LatencyP95:        ms(s.LatencyP95),
		LatencyP99:        ms(s.LatencyP99),
		TotalEvents:       s.TotalEvents,
		BudgetUtilization: s.BudgetUtilization,
	})
}

// ComputeSignals derives success/error rates over finished tool calls and
// latency percentiles over start/end pairs matched by call_id.
func ComputeSignals(events []Event) Signals {
	s := Signals{TotalEvents: len(events)}

	starts := make(map[string]time.Time)
	var ok, failed int
	var latencies []time.Duration

	for _, ev := range events {
		callID, _ := ev.Attrs["call_id"].(string)
		switch ev.Type {
		case EventToolCallStart:
			if callID != "" {
				starts[callID] = ev.Timestamp
			}
		case EventToolCallComplete, EventToolCallError:
			if ev.Type == EventToolCallComplete {
				ok++
			} else {
				failed++
			}
			if started, found := starts[callID]; found {
				latencies = append(latencies, ev.Timestamp.Sub(started))
				delete(starts, callID)
			}
		}
	}

	if total := ok + failed; total > 0 {
		s.SuccessRate = float64(ok) / float64(total)
		s.ErrorRate = float64(failed) / float64(total)
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	s.LatencyP50 = percentile(latencies, 50)
	s.LatencyP95 = percentile(latencies, 95)
	s.LatencyP99 = percentile(latencies, 99)
	return s
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
