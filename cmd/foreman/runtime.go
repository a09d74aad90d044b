package main

import (
	"context"
	"errors"
	"flag"
	"os"

	"github.com/odvcencio/foreman/pkg/approval"
	"github.com/odvcencio/foreman/pkg/audit"
	"github.com/odvcencio/foreman/pkg/budget"
	"github.com/odvcencio/foreman/pkg/bus"
	"github.com/odvcencio/foreman/pkg/config"
	"github.com/odvcencio/foreman/pkg/coordinator"
	"github.com/odvcencio/foreman/pkg/logging"
	"github.com/odvcencio/foreman/pkg/planning"
	"github.com/odvcencio/foreman/pkg/recovery"
	"github.com/odvcencio/foreman/pkg/routing"
	"github.com/odvcencio/foreman/pkg/security"
	"github.com/odvcencio/foreman/pkg/telemetry"
	"github.com/odvcencio/foreman/pkg/tool"
	"github.com/odvcencio/foreman/pkg/trace"
)

// loadConfigFn is swapped by tests.
var loadConfigFn = func(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "", "path to a config file (default: ~/.foreman and ./.foreman)")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := loadConfigFn(path)
	if err != nil {
		return nil, withExitCode(err, exitUsage)
	}
	return cfg, nil
}

// engine is the assembled orchestration stack of one process.
type engine struct {
	cfg      *config.Config
	logger   *logging.Logger
	metrics  *telemetry.Metrics
	hub      *telemetry.Hub
	events   *trace.Emitter
	trail    *audit.Trail
	bus      bus.MessageBus
	gate     *approval.Gate
	registry *tool.Registry
	allow    *security.Allowlist
	planner  *planning.Authority
	partials *recovery.Store
	coord    *coordinator.Coordinator

	closers []func(context.Context) error
}

// newEngine wires every component from cfg. Close releases what it opened.
func newEngine(ctx context.Context, cfg *config.Config) (_ *engine, err error) {
	e := &engine{
		cfg:     cfg,
		logger:  logging.New("foreman", logging.ParseLevel(cfg.Logging.Level), os.Stderr),
		metrics: telemetry.NewMetrics(),
		hub:     telemetry.NewHub(),
	}
	defer func() {
		if err != nil {
			_ = e.Close(context.Background())
		}
	}()
	e.closers = append(e.closers, func(context.Context) error { e.hub.Close(); return nil })

	tracer := telemetry.Tracer()
	if cfg.Telemetry.Tracing {
		tp, err := telemetry.NewTracerProvider(cfg.Telemetry.ServiceName, version, os.Stderr)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, tp.Shutdown)
		tracer = telemetry.Tracer()
	}

	e.events = trace.NewEmitter(
		trace.WithMetrics(e.metrics),
		trace.WithHub(e.hub),
		trace.WithScrubber(security.ScrubSecrets),
		trace.WithTraceRetention(cfg.Execution.RetainPlans+cfg.Execution.MaxConcurrentPlans),
	)

	store, err := audit.Open(audit.Backend(cfg.Audit.Backend), cfg.Audit.Path)
	if err != nil {
		return nil, err
	}
	e.trail = audit.NewTrail(store, e.logger)
	e.closers = append(e.closers, func(context.Context) error { return e.trail.Close() })

	e.bus, err = bus.Open(cfg.Bus)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, func(context.Context) error { return e.bus.Close() })

	e.gate = approval.NewGate(
		approval.WithTiers(cfg.ApprovalTiers()...),
		approval.WithDefaultTimeout(cfg.Approval.Timeout),
		approval.WithFallbackApprove(cfg.Approval.FallbackApprove),
		approval.WithSink(e.events),
		approval.WithRecorder(e.trail),
		approval.WithMetrics(e.metrics),
		approval.WithLogger(e.logger),
	)
	detach, err := e.gate.AttachBus(ctx, e.bus)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, func(context.Context) error { detach(); return nil })

	e.registry = tool.NewRegistry()
	if cfg.Tools.Catalog != "" {
		descs, err := config.LoadCatalog(cfg.Tools.Catalog)
		if err != nil {
			return nil, err
		}
		for _, d := range descs {
			if err := e.registry.Register(d); err != nil {
				return nil, err
			}
		}
	}

	e.allow = security.NewAllowlist(cfg.ProfileTools())
	if len(cfg.Profiles) == 0 {
		e.allow.SetDefault([]string{security.Wildcard})
	}

	e.planner = planning.NewAuthority(cfg.Planning,
		planning.WithRecorder(e.trail),
		planning.WithSink(e.events),
		planning.WithLogger(e.logger),
	)

	strategy, err := routing.ParseStrategy(cfg.Routing.Strategy)
	if err != nil {
		return nil, err
	}
	e.partials = recovery.NewStore(cfg.Recovery.Dir)

	opts := cfg.CoordinatorOptions()
	opts.Registry = e.registry
	opts.Router = routing.NewAuthority(strategy, e.trail, e.events, e.logger)
	opts.Enforcer = budget.NewEnforcer(e.events, e.metrics, e.logger)
	opts.Gate = e.gate
	opts.Tracker = recovery.NewTracker(e.partials, e.logger)
	opts.Recorder = e.trail
	opts.Events = e.events
	opts.Metrics = e.metrics
	opts.Logger = e.logger
	opts.Tracer = tracer
	opts.Allowlist = e.allow
	e.coord = coordinator.New(opts)

	return e, nil
}

// Close releases resources in reverse order of acquisition.
func (e *engine) Close(ctx context.Context) error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
