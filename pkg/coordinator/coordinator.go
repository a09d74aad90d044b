// Package coordinator drives plans through budget, routing, approval and
// invocation, one step at a time, with many plans in flight at once.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/foreman/pkg/approval"
	"github.com/odvcencio/foreman/pkg/audit"
	"github.com/odvcencio/foreman/pkg/budget"
	ferrors "github.com/odvcencio/foreman/pkg/errors"
	"github.com/odvcencio/foreman/pkg/logging"
	"github.com/odvcencio/foreman/pkg/plan"
	"github.com/odvcencio/foreman/pkg/planning"
	"github.com/odvcencio/foreman/pkg/recovery"
	"github.com/odvcencio/foreman/pkg/reliability"
	"github.com/odvcencio/foreman/pkg/routing"
	"github.com/odvcencio/foreman/pkg/telemetry"
	"github.com/odvcencio/foreman/pkg/tool"
	"github.com/odvcencio/foreman/pkg/trace"
)

var (
	// ErrCancelled is the cancellation cause recorded by Cancel.
	ErrCancelled = errors.New("plan cancelled")

	errPlanDeadline = errors.New("plan deadline exceeded")
)

// Coordinator executes plans. It is safe for concurrent use; each plan runs
// on its caller's goroutine and shares only the router counter and budget
// counters with its siblings.
type Coordinator struct {
	registry  *tool.Registry
	router    *routing.Authority
	enforcer  *budget.Enforcer
	gate      *approval.Gate
	retry     reliability.Policy
	tracker   *recovery.Tracker
	recorder  audit.Recorder
	events    *trace.Emitter
	metrics   *telemetry.Metrics
	logger    *logging.Logger
	tracer    oteltrace.Tracer
	allowlist planning.Allowlist
	profiles  map[string]Profile
	exec      tool.Executor

	approvalTimeout time.Duration
	planTimeout     time.Duration
	maxConcurrent   int
	onBlock         BlockAction
	retain          int

	mu       sync.Mutex
	running  map[string]context.CancelCauseFunc
	plans    map[string]*plan.Plan
	latest   map[string]string
	finished []string
}

// New creates a coordinator from opts.
func New(opts Options) *Coordinator {
	opts.defaults()
	c := &Coordinator{
		registry:        opts.Registry,
		router:          opts.Router,
		enforcer:        opts.Enforcer,
		gate:            opts.Gate,
		retry:           opts.Retry,
		tracker:         opts.Tracker,
		recorder:        opts.Recorder,
		events:          opts.Events,
		metrics:         opts.Metrics,
		logger:          logging.OrDiscard(opts.Logger).Component("coordinator"),
		tracer:          opts.Tracer,
		allowlist:       opts.Allowlist,
		profiles:        opts.Profiles,
		approvalTimeout: opts.ApprovalTimeout,
		planTimeout:     opts.PlanTimeout,
		maxConcurrent:   opts.MaxConcurrentPlans,
		onBlock:         opts.OnBudgetBlock,
		retain:          opts.RetainPlans,
		running:         make(map[string]context.CancelCauseFunc),
		plans:           make(map[string]*plan.Plan),
		latest:          make(map[string]string),
	}

	chain := []tool.Middleware{
		tool.Instrument(opts.Metrics),
		tool.RateLimit(opts.RateLimit, opts.RateBurst),
		tool.Timeout(opts.ToolTimeout, opts.ToolTimeouts),
		tool.Validation(func(name string, problems []string) {
			c.logger.Warn("tool input rejected", "tool", name, "problems", problems)
		}),
	}
	chain = append(chain, opts.Middleware...)
	c.exec = tool.Chain(chain...)(tool.Invoker)
	return c
}

// run is the per-execution state. Only the executing goroutine touches it.
type run struct {
	plan    *plan.Plan
	ec      plan.ExecutionContext
	profile Profile
	log     *logging.Logger
	outputs []recovery.StepOutput
	skipped []int
	data    map[string]any

	reservation *budget.Reservation
}

// ExecutePlan runs p to a terminal stage. Validation failures are returned
// as errors before anything is invoked; every other outcome, including
// partial failure and cancellation, is reported through the Result.
func (c *Coordinator) ExecutePlan(ctx context.Context, p *plan.Plan, ec plan.ExecutionContext) (*Result, error) {
	if err := planning.ValidateAgainst(p, c.allowlist, c.registry); err != nil {
		return nil, err
	}
	ec = ec.WithTrace(p.TraceID)
	if ec.TraceID != p.TraceID {
		return nil, ferrors.New(ferrors.ErrCodePlanInvalid,
			fmt.Sprintf("execution trace %s does not match plan trace %s", ec.TraceID, p.TraceID)).
			WithContext("plan_id", p.ID)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if c.planTimeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeoutCause(runCtx, c.planTimeout, errPlanDeadline)
		defer stop()
	}
	if err := c.register(p, cancel); err != nil {
		return nil, err
	}
	defer c.unregister(p.ID)

	runCtx, span := c.tracer.Start(runCtx, "plan.execute", oteltrace.WithAttributes(
		telemetry.AttrPlanID.String(p.ID),
		telemetry.AttrTraceID.String(p.TraceID),
	))
	defer span.End()

	r := &run{
		plan:    p,
		ec:      ec,
		profile: c.profiles[p.Profile],
		log:     c.logger.WithPlan(p.ID, p.TraceID).WithContext(runCtx),
		data:    map[string]any{},
	}
	if ec.RequestID != "" {
		r.log = &logging.Logger{Logger: r.log.With("request_id", ec.RequestID)}
	}
	start := time.Now()

	for _, next := range []plan.Stage{plan.StageRouted, plan.StageExecuting} {
		if err := p.Transition(next); err != nil {
			return nil, err
		}
	}

	var cause error
	var failed *plan.Step
	for _, s := range p.Steps {
		if err := c.interruption(runCtx); err != nil {
			cause = err
			break
		}
		if err := c.executeStep(runCtx, r, s); err != nil {
			if interrupted := c.interruption(runCtx); interrupted != nil {
				err = interrupted
			}
			cause, failed = err, s
			if p.StepStatus(s.Index) == plan.StepCompleted {
				failed = nil
			}
			break
		}
	}

	res := c.finish(context.WithoutCancel(runCtx), r, cause, failed, time.Since(start))
	c.retire(p)
	span.SetAttributes(telemetry.AttrOutcome.String(string(res.Status)))
	if cause != nil {
		span.SetAttributes(telemetry.AttrFailMode.String(string(ferrors.ModeOf(cause))))
		span.RecordError(cause)
		span.SetStatus(codes.Error, string(res.Status))
	}
	return res, nil
}

// executeStep runs one step. A nil return means the plan continues, which
// includes a step skipped under the skip policy.
func (c *Coordinator) executeStep(ctx context.Context, r *run, s *plan.Step) error {
	p := r.plan

	verdict := c.enforcer.Guard(ctx, p.Budget, p.TraceID, s.Charge())
	if verdict.Decision == budget.Block {
		return c.blocked(ctx, r, s, verdict)
	}
	reservation := verdict.Reservation
	settled := false
	defer func() {
		if !settled {
			c.enforcer.Release(reservation)
		}
	}()

	if err := p.SetStepStatus(s.Index, plan.StepRunning, verdict.Decision.String()); err != nil {
		return err
	}

	desc, ok := c.registry.Get(s.Tool)
	if !ok {
		return c.stepFailed(r, s, ferrors.New(ferrors.ErrCodeToolNotFound,
			fmt.Sprintf("tool %s is not registered", s.Tool)).WithContext("step", s.Index))
	}

	decision, err := c.router.Route(ctx, routing.Request{
		TraceID:  p.TraceID,
		PlanID:   p.ID,
		Step:     s.Index,
		Tool:     s.Tool,
		Requires: s.Requires,
	}, c.registry.Workers(s.Tool))
	if err != nil {
		return c.stepFailed(r, s, err)
	}
	p.AssignWorker(s.Index, decision.Worker.ID)

	if c.needsApproval(r, s) {
		if err := c.awaitApproval(ctx, r, s, desc, decision.Worker); err != nil {
			return c.stepFailed(r, s, err)
		}
	}

	r.reservation = reservation
	out, err := c.invoke(ctx, r, s, desc, decision.Worker)
	r.reservation = nil
	if err != nil {
		return c.stepFailed(r, s, err)
	}

	spent := c.enforcer.Commit(ctx, reservation, budget.Charge{Tool: s.Tool, Domain: s.Domain(), Cost: out.Cost, Tokens: out.Tokens})
	settled = true
	if err := p.SetStepStatus(s.Index, plan.StepCompleted, decision.Worker.ID); err != nil {
		return err
	}
	r.outputs = append(r.outputs, recovery.StepOutput{
		Index:  s.Index,
		Tool:   s.Tool,
		Worker: decision.Worker.ID,
		Output: out.Output,
	})
	if spent.Decision == budget.Block {
		return c.overspent(ctx, r, s, spent)
	}
	return nil
}

// overspent handles a completed step whose reported usage took a block
// budget past a ceiling. The step's output is kept; under the stop action
// the plan halts before anything else draws on the budget.
func (c *Coordinator) overspent(ctx context.Context, r *run, s *plan.Step, v budget.Verdict) error {
	p := r.plan
	r.log.BudgetBlocked(s.Index, s.Tool, v.Scope, v.Reason)
	if c.onBlock == BlockSkip {
		c.decide(ctx, p.TraceID, s.Tool, fmt.Sprintf("step %d overspent: %s; later steps are skipped", s.Index, v.Reason), []string{string(BlockStop)})
		return nil
	}
	c.decide(ctx, p.TraceID, s.Tool, fmt.Sprintf("plan halted after step %d: %s", s.Index, v.Reason), []string{string(BlockSkip)})
	return ferrors.New(ferrors.ErrCodeBudgetExceeded,
		fmt.Sprintf("step %d (%s) reported usage past the budget: %s", s.Index, s.Tool, v.Reason)).
		WithContext("scope", v.Scope).
		WithContext("budget_id", p.Budget.ID).
		WithContext("step", s.Index).
		WithUserMessage(fmt.Sprintf("The %s step cost more than the remaining budget.", s.Tool)).
		WithRemediation("Raise the budget ceiling or correct the tool's cost estimate, then resume from the next step.")
}

// blocked handles a refused charge according to the block action.
func (c *Coordinator) blocked(ctx context.Context, r *run, s *plan.Step, v budget.Verdict) error {
	p := r.plan
	r.log.BudgetBlocked(s.Index, s.Tool, v.Scope, v.Reason)

	if c.onBlock == BlockSkip {
		if err := p.SetStepStatus(s.Index, plan.StepSkipped, v.Reason); err != nil {
			return err
		}
		r.skipped = append(r.skipped, s.Index)
		c.decide(ctx, p.TraceID, s.Tool, fmt.Sprintf("step %d skipped: %s", s.Index, v.Reason), []string{string(BlockStop)})
		return nil
	}

	c.decide(ctx, p.TraceID, s.Tool, fmt.Sprintf("step %d halted: %s", s.Index, v.Reason), []string{string(BlockSkip)})
	err := ferrors.New(ferrors.ErrCodeBudgetExceeded,
		fmt.Sprintf("step %d (%s) blocked: %s", s.Index, s.Tool, v.Reason)).
		WithContext("scope", v.Scope).
		WithContext("budget_id", p.Budget.ID).
		WithUserMessage(fmt.Sprintf("The budget ran out before the %s step could run.", s.Tool)).
		WithRemediation("Raise the budget ceiling or narrow the goal, then retry from the failed step.")
	return c.stepFailed(r, s, err)
}

// stepFailed classifies err, records it on the step and returns it. Bare
// errors from tools are AGENT faults unless retries already ran out, in
// which case they were transient and the fault is SYSTEM.
func (c *Coordinator) stepFailed(r *run, s *plan.Step, err error) error {
	if _, ok := ferrors.As(err); !ok && !errors.Is(err, context.Canceled) {
		fe := ferrors.Wrap(err, ferrors.ErrCodeToolExecution, fmt.Sprintf("tool %s failed", s.Tool))
		var exhausted *reliability.Exhausted
		if errors.As(err, &exhausted) {
			fe = ferrors.Wrap(err, ferrors.ErrCodeTransport, fmt.Sprintf("tool %s kept failing", s.Tool)).
				WithContext("attempts", exhausted.Attempts)
		}
		err = fe.WithContext("step", s.Index)
	}
	status := plan.StepFailed
	if ferrors.IsCode(err, ferrors.ErrCodePlanCancelled) || errors.Is(err, context.Canceled) {
		status = plan.StepCancelled
	}
	_ = r.plan.SetStepStatus(s.Index, status, err.Error())
	r.log.StepFailed(s.Index, s.Tool, string(ferrors.ModeOf(err)), err)
	return err
}

func (c *Coordinator) needsApproval(r *run, s *plan.Step) bool {
	if c.gate.Requires(s.RiskTier) {
		return true
	}
	for _, name := range r.profile.RequireApproval {
		if name == s.Tool {
			return true
		}
	}
	return false
}

// awaitApproval suspends this plan until the gate resolves the step.
func (c *Coordinator) awaitApproval(ctx context.Context, r *run, s *plan.Step, desc tool.Descriptor, w tool.Worker) error {
	out, err := c.gate.RequestApproval(ctx, approval.Request{
		TraceID:         r.plan.TraceID,
		PlanID:          r.plan.ID,
		Step:            s.Index,
		Action:          s.Tool,
		RiskTier:        s.RiskTier,
		Consequences:    consequences(desc, w),
		Parameters:      s.Input,
		Timeout:         c.approvalTimeout,
		FallbackApprove: r.profile.FallbackApprove,
	})
	if err != nil {
		return err
	}
	if out.Approved {
		r.data[fmt.Sprintf("approval_%d", s.Index)] = out.Approver
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	code := ferrors.ErrCodeApprovalRejected
	msg := fmt.Sprintf("approval for %s rejected by %s", s.Tool, out.Approver)
	if out.Status == approval.StatusExpired {
		code = ferrors.ErrCodeApprovalExpired
		msg = fmt.Sprintf("approval for %s expired", s.Tool)
	}
	if out.Feedback != "" {
		msg += ": " + out.Feedback
	}
	return ferrors.New(code, msg).
		WithContext("approval_id", out.RequestID).
		WithContext("step", s.Index).
		WithUserMessage(fmt.Sprintf("The %s step was not approved.", s.Tool)).
		WithRemediation("Request approval again or choose a lower-risk alternative.")
}

func consequences(desc tool.Descriptor, w tool.Worker) string {
	what := desc.Description
	if what == "" {
		what = desc.Name
	}
	s := fmt.Sprintf("%s on %s (%s)", what, w.ID, desc.SideEffect)
	if desc.Irreversible {
		s += ", irreversible"
	}
	return s
}

// invoke calls the tool through the middleware chain under the retry
// policy. Each attempt gets its own call ID and span.
func (c *Coordinator) invoke(ctx context.Context, r *run, s *plan.Step, desc tool.Descriptor, w tool.Worker) (*tool.Result, error) {
	policy := c.retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.metrics.RetryScheduled(s.Tool)
		r.log.RetryScheduled(s.Tool, attempt, delay, err)
	}

	var out *tool.Result
	err := policy.Execute(ctx, func(attempt int) error {
		res, err := c.attempt(ctx, r, s, desc, w, attempt)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) attempt(ctx context.Context, r *run, s *plan.Step, desc tool.Descriptor, w tool.Worker, attempt int) (*tool.Result, error) {
	p := r.plan
	call := tool.Call{
		ID:      ulid.Make().String(),
		TraceID: p.TraceID,
		PlanID:  p.ID,
		Step:    s.Index,
		Tool:    s.Tool,
		Worker:  w.ID,
		Attempt: attempt,
		Input:   s.Input,

		Headroom: r.reservation.Headroom(),
	}

	ctx, span := c.tracer.Start(ctx, "step.invoke", oteltrace.WithAttributes(
		telemetry.AttrPlanID.String(p.ID),
		telemetry.AttrStep.Int(s.Index),
		telemetry.AttrTool.String(s.Tool),
		telemetry.AttrWorker.String(w.ID),
		telemetry.AttrAttempt.Int(attempt),
	))
	defer span.End()

	attrs := func() map[string]any {
		return map[string]any{
			"call_id": call.ID,
			"plan_id": p.ID,
			"step":    s.Index,
			"tool":    s.Tool,
			"worker":  w.ID,
			"attempt": attempt,
		}
	}
	c.events.Emit(ctx, p.TraceID, trace.EventToolCallStart, attrs())

	start := time.Now()
	out, err := c.exec(&tool.ExecutionContext{
		Context:    ctx,
		Call:       call,
		Descriptor: desc,
		Tool:       w.Tool,
		StartTime:  start,
	})
	elapsed := time.Since(start)

	done := attrs()
	done["duration_ms"] = elapsed.Milliseconds()
	if err != nil {
		done["error"] = err.Error()
		done["code"] = string(ferrors.GetCode(err))
		done["failure_mode"] = string(ferrors.ModeOf(err))
		done["retryable"] = reliability.Classify(err) == reliability.Transient
		c.events.Emit(ctx, p.TraceID, trace.EventToolCallError, done)
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool call failed")
		return nil, err
	}
	if out == nil {
		out = &tool.Result{}
	}
	done["cost"] = out.Cost
	done["tokens_used"] = out.Tokens
	c.events.Emit(ctx, p.TraceID, trace.EventToolCallComplete, done)
	span.SetAttributes(telemetry.AttrOutcome.String(tool.OutcomeSuccess))
	return out, nil
}

// interruption reports why ctx ended, as a classified error, or nil.
func (c *Coordinator) interruption(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, errPlanDeadline) || errors.Is(cause, context.DeadlineExceeded) {
		return ferrors.Wrap(cause, ferrors.ErrCodePlanTimeout,
			fmt.Sprintf("plan did not finish within %s", c.planTimeout)).
			WithUserMessage("The plan ran out of time.").
			WithRemediation("Raise the plan timeout or split the goal into smaller plans.")
	}
	return ferrors.Wrap(cause, ferrors.ErrCodePlanCancelled, "plan cancelled").
		WithUserMessage("The plan was cancelled.")
}

// finish moves the plan to its terminal stage and assembles the result.
func (c *Coordinator) finish(ctx context.Context, r *run, cause error, failed *plan.Step, elapsed time.Duration) *Result {
	p := r.plan
	res := &Result{
		PlanID:    p.ID,
		TraceID:   p.TraceID,
		RequestID: r.ec.RequestID,
		Completed: r.outputs,
		Skipped:   r.skipped,
		Duration:  elapsed,
		Err:       cause,
	}
	if res.Completed == nil {
		res.Completed = []recovery.StepOutput{}
	}

	stage := plan.StageCompleted
	res.Status = StatusCompleted
	switch {
	case cause == nil:
	case ferrors.IsCode(cause, ferrors.ErrCodePlanCancelled):
		stage, res.Status = plan.StageCancelled, StatusCancelled
	default:
		stage, res.Status = plan.StageFailed, StatusPartialFailure
	}
	if err := p.Transition(stage); err != nil {
		r.log.Error("terminal transition rejected", "stage", string(stage), "error", err.Error())
	}
	res.Stage = p.Stage()

	if cause != nil {
		res.Partial = c.tracker.Capture(p, r.outputs, failed, cause, r.data)
		for _, i := range res.Partial.Remaining {
			c.decide(ctx, p.TraceID, p.Steps[i].Tool, fmt.Sprintf("step %d not run: plan %s", i, stage), nil)
		}
	}
	c.decide(ctx, p.TraceID, p.ID, outcomeReason(res, len(p.Steps), cause), alternativesFor(res))

	res.Events = c.events.Events(p.TraceID)
	res.Signals = c.events.GoldenSignals(p.TraceID)
	if p.Budget != nil {
		u := p.Budget.Utilization()
		res.Budget = &u
		res.Signals.BudgetUtilization = u.Total.Pct
	}

	c.metrics.PlanFinished(string(res.Status))
	r.log.PlanFinished(p.ID, string(res.Status), len(r.outputs), len(p.Steps), elapsed)
	return res
}

func outcomeReason(res *Result, total int, cause error) string {
	switch res.Status {
	case StatusCompleted:
		return fmt.Sprintf("%s: %d of %d steps completed, %d skipped", plan.StageCompleted, len(res.Completed), total, len(res.Skipped))
	case StatusCancelled:
		return fmt.Sprintf("%s after %d of %d steps: %v", plan.StageCancelled, len(res.Completed), total, cause)
	}
	at := "before any step"
	if i := res.FailedIndex(); i >= 0 {
		at = fmt.Sprintf("at step %d", i)
	} else if n := len(res.Completed); n > 0 {
		at = fmt.Sprintf("after step %d", res.Completed[n-1].Index)
	}
	return fmt.Sprintf("%s %s (%s %s): recommend %s", plan.StageFailed, at,
		ferrors.ModeOf(cause), ferrors.GetCode(cause), res.Partial.Recommendation)
}

func alternativesFor(res *Result) []string {
	if res.Partial == nil {
		return nil
	}
	var out []string
	for _, rec := range []recovery.Recommendation{recovery.RecommendRetry, recovery.RecommendUsePartial, recovery.RecommendAbort} {
		if rec != res.Partial.Recommendation {
			out = append(out, string(rec))
		}
	}
	return out
}

// decide writes a plan decision. Failures are logged; the outcome they
// describe has already happened.
func (c *Coordinator) decide(ctx context.Context, traceID, target, reason string, alternatives []string) {
	if _, err := c.recorder.Record(ctx, audit.Record{
		TraceID:      traceID,
		Type:         audit.TypePlan,
		Target:       target,
		Reason:       reason,
		Alternatives: alternatives,
	}); err != nil {
		c.logger.WithTrace(traceID).Error("plan decision not recorded", "target", target, "error", err.Error())
	}
}

func (c *Coordinator) register(p *plan.Plan, cancel context.CancelCauseFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.running[p.ID]; busy {
		return ferrors.New(ferrors.ErrCodePlanInvalid, fmt.Sprintf("plan %s is already executing", p.ID))
	}
	c.running[p.ID] = cancel
	c.plans[p.ID] = p
	c.latest[p.TraceID] = p.ID
	return nil
}

func (c *Coordinator) unregister(planID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, planID)
}

// retire keeps a finished plan queryable until more than retain newer plans
// have finished. The oldest is then dropped, along with its trace events
// unless a later plan has claimed the trace.
func (c *Coordinator) retire(p *plan.Plan) {
	c.mu.Lock()
	c.finished = append(c.finished, p.ID)
	var forget []string
	for len(c.finished) > c.retain {
		id := c.finished[0]
		c.finished = c.finished[1:]
		old, ok := c.plans[id]
		if !ok {
			continue
		}
		delete(c.plans, id)
		if c.latest[old.TraceID] == id {
			delete(c.latest, old.TraceID)
			forget = append(forget, old.TraceID)
		}
	}
	c.mu.Unlock()

	for _, traceID := range forget {
		c.events.Forget(traceID)
	}
}

// Cancel aborts the named plan, including its in-flight tool call. It
// reports whether the plan was running.
func (c *Coordinator) Cancel(planID string) bool {
	c.mu.Lock()
	cancel, ok := c.running[planID]
	c.mu.Unlock()
	if ok {
		cancel(ErrCancelled)
	}
	return ok
}

// Running lists the IDs of plans currently executing.
func (c *Coordinator) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.running))
	for id := range c.running {
		out = append(out, id)
	}
	return out
}

// Job is one plan submitted to ExecuteAll.
type Job struct {
	Plan    *plan.Plan
	Context plan.ExecutionContext
}

// ExecuteAll runs jobs concurrently, at most MaxConcurrentPlans at a time.
// Results line up with jobs. A failing job never cancels its siblings; the
// returned error is the first validation error, if any.
func (c *Coordinator) ExecuteAll(ctx context.Context, jobs []Job) ([]*Result, error) {
	results := make([]*Result, len(jobs))
	var g errgroup.Group
	if c.maxConcurrent > 0 {
		g.SetLimit(c.maxConcurrent)
	}
	for i, job := range jobs {
		g.Go(func() error {
			res, err := c.ExecutePlan(ctx, job.Plan, job.Context)
			results[i] = res
			return err
		})
	}
	return results, g.Wait()
}

// Trace returns the canonical events of a trace in emission order.
func (c *Coordinator) Trace(traceID string) []trace.Event {
	return c.events.Events(traceID)
}

// GoldenSignals summarizes a trace. Budget utilization is filled in from
// the budget of the most recent plan seen for the trace.
func (c *Coordinator) GoldenSignals(traceID string) trace.Signals {
	s := c.events.GoldenSignals(traceID)
	c.mu.Lock()
	p, ok := c.plans[c.latest[traceID]]
	c.mu.Unlock()
	if ok && p.Budget != nil {
		s.BudgetUtilization = p.Budget.Utilization().Total.Pct
	}
	return s
}

// BudgetUtilization snapshots the budget of a plan this coordinator ran.
func (c *Coordinator) BudgetUtilization(planID string) (budget.Utilization, bool) {
	c.mu.Lock()
	p, ok := c.plans[planID]
	c.mu.Unlock()
	if !ok || p.Budget == nil {
		return budget.Utilization{}, false
	}
	return p.Budget.Utilization(), true
}

// Plan returns a plan this coordinator ran or is running.
func (c *Coordinator) Plan(planID string) (*plan.Plan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.plans[planID]
	return p, ok
}
