package tool

import (
	"time"

	ferrors "github.com/odvcencio/foreman/pkg/errors"
	"github.com/odvcencio/foreman/pkg/telemetry"
)

// Outcome labels used for tool call metrics.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Instrument records call duration by outcome.
func Instrument(metrics *telemetry.Metrics) Middleware {
	return func(next Executor) Executor {
		return func(ctx *ExecutionContext) (*Result, error) {
			if ctx == nil {
				return next(ctx)
			}
			if ctx.StartTime.IsZero() {
				ctx.StartTime = time.Now()
			}
			res, err := next(ctx)
			metrics.ObserveToolCall(ctx.Call.Tool, outcomeOf(err), time.Since(ctx.StartTime))
			return res, err
		}
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case ferrors.IsCode(err, ferrors.ErrCodeToolTimeout):
		return OutcomeTimeout
	default:
		return OutcomeError
	}
}
