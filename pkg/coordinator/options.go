package coordinator

import (
	"fmt"
	"strings"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/foreman/pkg/approval"
	"github.com/odvcencio/foreman/pkg/audit"
	"github.com/odvcencio/foreman/pkg/budget"
	"github.com/odvcencio/foreman/pkg/logging"
	"github.com/odvcencio/foreman/pkg/planning"
	"github.com/odvcencio/foreman/pkg/recovery"
	"github.com/odvcencio/foreman/pkg/reliability"
	"github.com/odvcencio/foreman/pkg/routing"
	"github.com/odvcencio/foreman/pkg/telemetry"
	"github.com/odvcencio/foreman/pkg/tool"
	"github.com/odvcencio/foreman/pkg/trace"
)

// BlockAction is what happens to a step the budget refuses.
type BlockAction string

const (
	// BlockStop fails the step and halts the plan.
	BlockStop BlockAction = "stop"
	// BlockSkip marks the step skipped and moves on.
	BlockSkip BlockAction = "skip"
)

// ParseBlockAction converts a string to a block action.
func ParseBlockAction(s string) (BlockAction, error) {
	switch BlockAction(strings.ToLower(strings.TrimSpace(s))) {
	case BlockStop, "":
		return BlockStop, nil
	case BlockSkip:
		return BlockSkip, nil
	default:
		return "", fmt.Errorf("unknown budget block action: %s (valid: stop, skip)", s)
	}
}

// Profile is the per-caller execution policy.
type Profile struct {
	AllowedTools    []string `yaml:"allowed_tools"`
	FallbackApprove bool     `yaml:"fallback_approve"`
	RequireApproval []string `yaml:"require_approval"`
}

// DefaultRetainPlans bounds the finished plans a coordinator remembers.
const DefaultRetainPlans = 256

// Options wires a Coordinator. Registry is required; every other
// collaborator gets a working default. The default Gate holds high and
// critical steps for approval and denies them when nobody answers.
type Options struct {
	Registry  *tool.Registry
	Router    *routing.Authority
	Enforcer  *budget.Enforcer
	Gate      *approval.Gate
	Retry     reliability.Policy
	Tracker   *recovery.Tracker
	Recorder  audit.Recorder
	Events    *trace.Emitter
	Metrics   *telemetry.Metrics
	Logger    *logging.Logger
	Tracer    oteltrace.Tracer
	Allowlist planning.Allowlist
	Profiles  map[string]Profile

	ToolTimeout        time.Duration
	ToolTimeouts       map[string]time.Duration
	ApprovalTimeout    time.Duration
	PlanTimeout        time.Duration
	MaxConcurrentPlans int
	OnBudgetBlock      BlockAction
	RateLimit          float64
	RateBurst          int

	// RetainPlans is how many finished plans stay queryable through Plan,
	// BudgetUtilization and GoldenSignals. Defaults to DefaultRetainPlans.
	RetainPlans int

	// Middleware runs inside the built-in chain, just before the tool.
	Middleware []tool.Middleware
}

func (o *Options) defaults() {
	if o.Registry == nil {
		o.Registry = tool.NewRegistry()
	}
	if o.Events == nil {
		o.Events = trace.NewEmitter(trace.WithMetrics(o.Metrics))
	}
	if o.Recorder == nil {
		o.Recorder = audit.NewTrail(audit.NewMemoryStore(), o.Logger)
	}
	if o.Router == nil {
		o.Router = routing.NewAuthority(routing.StrategyRoundRobin, o.Recorder, o.Events, o.Logger)
	}
	if o.Gate == nil {
		o.Gate = approval.NewGate(
			approval.WithSink(o.Events),
			approval.WithRecorder(o.Recorder),
			approval.WithMetrics(o.Metrics),
			approval.WithLogger(o.Logger),
		)
	}
	if o.Enforcer == nil {
		o.Enforcer = budget.NewEnforcer(o.Events, o.Metrics, o.Logger)
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = reliability.DefaultPolicy()
	}
	if o.Tracker == nil {
		o.Tracker = recovery.NewTracker(nil, o.Logger)
	}
	if o.Tracer == nil {
		o.Tracer = telemetry.Tracer()
	}
	if o.OnBudgetBlock == "" {
		o.OnBudgetBlock = BlockStop
	}
	if o.RetainPlans <= 0 {
		o.RetainPlans = DefaultRetainPlans
	}
}
