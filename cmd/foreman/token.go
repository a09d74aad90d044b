package main

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/odvcencio/foreman/pkg/security"
)

func runTokenCommand(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	subject := fs.String("subject", "", "approver name recorded in the audit trail")
	caps := fs.String("capabilities", security.CapabilityApprover, "comma-separated capabilities")
	ttl := fs.Duration("ttl", 0, "token lifetime (default: api.token_ttl)")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if strings.TrimSpace(*subject) == "" {
		return withExitCode(errors.New("token requires -subject"), exitUsage)
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if cfg.API.JWTSecret == "" {
		return withExitCode(errors.New("api.jwt_secret is not set (use FOREMAN_JWT_SECRET)"), exitUsage)
	}
	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = cfg.API.TokenTTL
	}

	var capabilities []string
	for _, c := range strings.Split(*caps, ",") {
		if c = strings.TrimSpace(c); c != "" {
			capabilities = append(capabilities, c)
		}
	}

	token, err := security.NewTokenManager(cfg.API.JWTSecret).GenerateToken(*subject, capabilities, lifetime)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}
