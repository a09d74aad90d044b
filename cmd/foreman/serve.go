package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/odvcencio/foreman/pkg/api"
	"github.com/odvcencio/foreman/pkg/approval"
	"github.com/odvcencio/foreman/pkg/security"
)

const shutdownGrace = 10 * time.Second

func runServeCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	bind := fs.String("bind", "", "address to bind the control API (default: api.bind)")
	relay := fs.Bool("relay", false, "decide approvals announced on the bus by other processes instead of this one")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*bind) != "" {
		cfg.API.Bind = *bind
		if err := cfg.Validate(); err != nil {
			return withExitCode(err, exitUsage)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	var decider approval.Decider = eng.gate
	if *relay {
		r, err := approval.NewRelay(ctx, eng.bus)
		if err != nil {
			return err
		}
		defer r.Close()
		decider = r
	}

	var tokens *security.TokenManager
	if cfg.API.JWTSecret != "" {
		tokens = security.NewTokenManager(cfg.API.JWTSecret)
	} else {
		eng.logger.Warn("api.jwt_secret is empty; approval decisions are disabled")
	}

	srv := api.NewServer(api.ServerConfig{
		Address:   cfg.API.Bind,
		Approvals: decider,
		Audit:     eng.trail,
		Traces:    eng.coord,
		Metrics:   eng.metrics,
		Hub:       eng.hub,
		Tokens:    tokens,
		Logger:    eng.logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	eng.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	for _, id := range eng.coord.Running() {
		eng.coord.Cancel(id)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return <-errCh
}
