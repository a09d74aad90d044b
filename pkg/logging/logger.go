package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Logger is a structured logger for foreman components
type Logger struct {
	*slog.Logger
}

// New creates a JSON logger writing to w. A nil writer means stdout.
func New(component string, level slog.Level, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})

	logger := slog.New(handler).With(
		slog.String("component", component),
		slog.String("system", "foreman"),
	)
	return &Logger{Logger: logger}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(io.Discard, nil))}
}

// OrDiscard returns l, or a discard logger when l is nil.
func OrDiscard(l *Logger) *Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// ParseLevel maps a config string to a slog level. Unknown values are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component returns a child logger for another component.
func (l *Logger) Component(name string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("component", name))}
}

// WithContext attaches the active span's IDs, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	return &Logger{
		Logger: l.Logger.With(
			slog.String("otel_trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		),
	}
}

// WithTrace returns a logger carrying the orchestration trace ID.
func (l *Logger) WithTrace(traceID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("trace_id", traceID))}
}

// WithPlan returns a logger carrying plan fields.
func (l *Logger) WithPlan(planID, traceID string) *Logger {
	return &Logger{
		Logger: l.Logger.With(
			slog.String("plan_id", planID),
			slog.String("trace_id", traceID),
		),
	}
}

// PlanFinished logs the end of a plan execution
func (l *Logger) PlanFinished(planID, status string, completed, total int, d time.Duration) {
	l.Info("plan finished",
		slog.String("plan_id", planID),
		slog.String("status", status),
		slog.Int("completed", completed),
		slog.Int("total", total),
		slog.Duration("duration", d),
	)
}

// StepFailed logs a step that exhausted its recovery options
func (l *Logger) StepFailed(index int, tool, mode string, err error) {
	l.Warn("step failed",
		slog.Int("step", index),
		slog.String("tool", tool),
		slog.String("mode", mode),
		slog.String("error", err.Error()),
	)
}

// BudgetBlocked logs a step refused by the budget enforcer
func (l *Logger) BudgetBlocked(index int, tool, scope, reason string) {
	l.Warn("budget blocked step",
		slog.Int("step", index),
		slog.String("tool", tool),
		slog.String("scope", scope),
		slog.String("reason", reason),
	)
}

// ApprovalResolved logs the outcome of an approval request
func (l *Logger) ApprovalResolved(id, status, approver string) {
	l.Info("approval resolved",
		slog.String("approval_id", id),
		slog.String("status", status),
		slog.String("approver", approver),
	)
}

// RetryScheduled logs a pending retry
func (l *Logger) RetryScheduled(tool string, attempt int, delay time.Duration, err error) {
	l.Debug("retry scheduled",
		slog.String("tool", tool),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("error", err.Error()),
	)
}
