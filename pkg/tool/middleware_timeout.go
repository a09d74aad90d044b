package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	ferrors "github.com/odvcencio/foreman/pkg/errors"
)

// Timeout bounds each call with a per-tool or default timeout. When the
// call's own deadline fires, the error becomes a retryable TOOL_TIMEOUT; an
// expired parent context is passed through untouched so the plan deadline
// keeps its own meaning.
func Timeout(defaultTimeout time.Duration, perTool map[string]time.Duration) Middleware {
	return func(next Executor) Executor {
		return func(ctx *ExecutionContext) (*Result, error) {
			if ctx == nil {
				return next(ctx)
			}
			timeout := defaultTimeout
			if t, ok := perTool[ctx.Call.Tool]; ok {
				timeout = t
			}
			if timeout <= 0 {
				return next(ctx)
			}

			base := ctx.Context
			if base == nil {
				base = context.Background()
			}
			timeoutCtx, cancel := context.WithTimeout(base, timeout)
			defer cancel()

			ctx.Context = timeoutCtx
			res, err := next(ctx)
			ctx.Context = base

			if base.Err() == nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
				if err == nil {
					err = context.DeadlineExceeded
				}
				return nil, ferrors.Wrap(err, ferrors.ErrCodeToolTimeout,
					fmt.Sprintf("tool %s exceeded %s", ctx.Call.Tool, timeout)).
					WithRetryable(true).
					WithContext("attempt", ctx.Call.Attempt)
			}
			return res, err
		}
	}
}
