package tool

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	ferrors "github.com/odvcencio/foreman/pkg/errors"
)

// RateLimit throttles calls per tool name. Calls wait for a token; if the
// wait cannot finish before the context ends the call fails with a
// retryable RATE_LIMITED error.
func RateLimit(perSecond float64, burst int) Middleware {
	if perSecond <= 0 {
		return func(next Executor) Executor { return next }
	}
	if burst < 1 {
		burst = 1
	}
	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)
	limiterFor := func(tool string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[tool]
		if !ok {
			l = rate.NewLimiter(rate.Limit(perSecond), burst)
			limiters[tool] = l
		}
		return l
	}

	return func(next Executor) Executor {
		return func(ctx *ExecutionContext) (*Result, error) {
			if ctx == nil || ctx.Context == nil {
				return next(ctx)
			}
			if err := limiterFor(ctx.Call.Tool).Wait(ctx.Context); err != nil {
				if errors.Is(ctx.Context.Err(), context.Canceled) {
					return nil, ctx.Context.Err()
				}
				return nil, ferrors.Wrap(err, ferrors.ErrCodeRateLimited, "tool rate limit").
					WithContext("tool", ctx.Call.Tool).
					WithRetryable(true)
			}
			return next(ctx)
		}
	}
}
