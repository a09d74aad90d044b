package tool

import (
	"context"
	"time"
)

// ExecutionContext carries request metadata through the middleware chain.
type ExecutionContext struct {
	Context    context.Context
	Call       Call
	Descriptor Descriptor
	Tool       Tool
	StartTime  time.Time
	Metadata   map[string]any
}

// Executor is the function signature for tool execution.
type Executor func(ctx *ExecutionContext) (*Result, error)

// Middleware wraps an Executor with additional behavior.
type Middleware func(next Executor) Executor

// Chain composes middlewares in order (first middleware is outermost).
func Chain(middlewares ...Middleware) Middleware {
	return func(final Executor) Executor {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// Invoker is the terminal executor: it calls the tool.
func Invoker(ctx *ExecutionContext) (*Result, error) {
	base := ctx.Context
	if base == nil {
		base = context.Background()
	}
	return ctx.Tool.Invoke(base, ctx.Call)
}
