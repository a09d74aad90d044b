// Package config loads foreman configuration from YAML files and the
// environment.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/odvcencio/foreman/pkg/audit"
	"github.com/odvcencio/foreman/pkg/budget"
	"github.com/odvcencio/foreman/pkg/bus"
	"github.com/odvcencio/foreman/pkg/coordinator"
	ferrors "github.com/odvcencio/foreman/pkg/errors"
	"github.com/odvcencio/foreman/pkg/plan"
	"github.com/odvcencio/foreman/pkg/planning"
	"github.com/odvcencio/foreman/pkg/reliability"
	"github.com/odvcencio/foreman/pkg/routing"
)

// MinJWTSecretLength is required when the API listens beyond loopback.
const MinJWTSecretLength = 32

// Config is the complete foreman configuration.
type Config struct {
	Planning  planning.Config                `yaml:"planning"`
	Routing   RoutingConfig                  `yaml:"routing"`
	Budget    BudgetConfig                   `yaml:"budget"`
	Approval  ApprovalConfig                 `yaml:"approval"`
	Retry     RetryConfig                    `yaml:"retry"`
	Execution ExecutionConfig                `yaml:"execution"`
	Audit     AuditConfig                    `yaml:"audit"`
	Bus       bus.Config                     `yaml:"bus"`
	API       APIConfig                      `yaml:"api"`
	Telemetry TelemetryConfig                `yaml:"telemetry"`
	Logging   LoggingConfig                  `yaml:"logging"`
	Recovery  RecoveryConfig                 `yaml:"recovery"`
	Tools     ToolsConfig                    `yaml:"tools"`
	Profiles  map[string]coordinator.Profile `yaml:"profiles"`
}

// RoutingConfig selects the worker selection strategy.
type RoutingConfig struct {
	Strategy string `yaml:"strategy"`
}

// BudgetConfig is the default budget given to plans.
type BudgetConfig struct {
	Cost          float64                   `yaml:"cost"`
	Calls         int64                     `yaml:"calls"`
	Tokens        int64                     `yaml:"tokens"`
	Policy        string                    `yaml:"policy"`
	WarnThreshold float64                   `yaml:"warn_threshold"`
	Domains       map[string]budget.Ceiling `yaml:"domains"`
	Tools         map[string]budget.Ceiling `yaml:"tools"`
}

// ApprovalConfig configures the approval gate.
type ApprovalConfig struct {
	Tiers           []string      `yaml:"tiers"`
	Timeout         time.Duration `yaml:"timeout"`
	FallbackApprove bool          `yaml:"fallback_approve"`
}

// RetryConfig configures tool retries.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
}

// ExecutionConfig bounds plan execution.
type ExecutionConfig struct {
	ToolTimeout        time.Duration            `yaml:"tool_timeout"`
	ToolTimeouts       map[string]time.Duration `yaml:"tool_timeouts"`
	PlanTimeout        time.Duration            `yaml:"plan_timeout"`
	MaxConcurrentPlans int                      `yaml:"max_concurrent_plans"`
	RetainPlans        int                      `yaml:"retain_plans"`
	OnBudgetBlock      string                   `yaml:"on_budget_block"`
	RateLimit          float64                  `yaml:"rate_limit"`
	RateBurst          int                      `yaml:"rate_burst"`
}

// AuditConfig selects the decision store.
type AuditConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// APIConfig configures the control API.
type APIConfig struct {
	Bind      string        `yaml:"bind"`
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	Tracing     bool   `yaml:"tracing"`
	ServiceName string `yaml:"service_name"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// RecoveryConfig says where partial results are kept.
type RecoveryConfig struct {
	Dir string `yaml:"dir"`
}

// ToolsConfig points at the tool catalog used by the CLI.
type ToolsConfig struct {
	Catalog string `yaml:"catalog"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Planning: planning.DefaultConfig(),
		Routing:  RoutingConfig{Strategy: string(routing.StrategyRoundRobin)},
		Budget: BudgetConfig{
			Cost:          10,
			Calls:         50,
			Policy:        string(budget.PolicyBlock),
			WarnThreshold: budget.DefaultWarnThreshold,
		},
		Approval: ApprovalConfig{
			Tiers:   []string{string(plan.RiskHigh), string(plan.RiskCritical)},
			Timeout: 5 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Multiplier:  2,
		},
		Execution: ExecutionConfig{
			ToolTimeout:        30 * time.Second,
			PlanTimeout:        10 * time.Minute,
			MaxConcurrentPlans: 4,
			RetainPlans:        coordinator.DefaultRetainPlans,
			OnBudgetBlock:      string(coordinator.BlockStop),
		},
		Audit: AuditConfig{
			Backend: string(audit.BackendSQLite),
			Path:    defaultDataPath("audit.db"),
		},
		Bus: bus.DefaultConfig(),
		API: APIConfig{
			Bind:     "127.0.0.1:7420",
			TokenTTL: 24 * time.Hour,
		},
		Telemetry: TelemetryConfig{ServiceName: "foreman"},
		Logging:   LoggingConfig{Level: "info"},
		Recovery:  RecoveryConfig{Dir: defaultDataPath("partial")},
		Profiles:  map[string]coordinator.Profile{},
	}
}

func defaultDataPath(name string) string {
	if dir := strings.TrimSpace(os.Getenv("FOREMAN_DATA_DIR")); dir != "" {
		return filepath.Join(dir, name)
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".foreman", name)
	}
	return filepath.Join(home, ".foreman", name)
}

// Load reads configuration with the following precedence, later entries
// winning: built-in defaults, ~/.foreman/config.yaml, ./.foreman/config.yaml,
// then FOREMAN_* environment variables.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if home, err := os.UserHomeDir(); err == nil {
		loadEnvFile(filepath.Join(home, ".foreman", "config.env"))
		if err := loadAndMerge(cfg, filepath.Join(home, ".foreman", "config.yaml")); err != nil {
			return nil, err
		}
	}
	if err := loadAndMerge(cfg, filepath.Join(".foreman", "config.yaml")); err != nil {
		return nil, err
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath reads a single config file over the defaults. The file must
// exist.
func LoadFromPath(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrCodeConfigLoad, "config file not readable").
			WithContext("path", path)
	}
	cfg := DefaultConfig()
	if err := loadAndMerge(cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("FOREMAN_ROUTING_STRATEGY"); v != "" {
		c.Routing.Strategy = v
	}
	if v := os.Getenv("FOREMAN_BUDGET_POLICY"); v != "" {
		c.Budget.Policy = v
	}
	if v := os.Getenv("FOREMAN_BUDGET_COST"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return envError("FOREMAN_BUDGET_COST", v, err)
		}
		c.Budget.Cost = f
	}
	if v := os.Getenv("FOREMAN_BUDGET_CALLS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return envError("FOREMAN_BUDGET_CALLS", v, err)
		}
		c.Budget.Calls = n
	}
	if v := os.Getenv("FOREMAN_APPROVAL_TIERS"); v != "" {
		c.Approval.Tiers = splitCommaList(v)
	}
	if v := os.Getenv("FOREMAN_APPROVAL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return envError("FOREMAN_APPROVAL_TIMEOUT", v, err)
		}
		c.Approval.Timeout = d
	}
	if v, ok := envBool("FOREMAN_APPROVAL_FALLBACK"); ok {
		c.Approval.FallbackApprove = v
	}
	if v := os.Getenv("FOREMAN_RETRY_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envError("FOREMAN_RETRY_MAX_ATTEMPTS", v, err)
		}
		c.Retry.MaxAttempts = n
	}
	if v := os.Getenv("FOREMAN_PLAN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return envError("FOREMAN_PLAN_TIMEOUT", v, err)
		}
		c.Execution.PlanTimeout = d
	}
	if v := os.Getenv("FOREMAN_MAX_CONCURRENT_PLANS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envError("FOREMAN_MAX_CONCURRENT_PLANS", v, err)
		}
		c.Execution.MaxConcurrentPlans = n
	}
	if v := os.Getenv("FOREMAN_ON_BUDGET_BLOCK"); v != "" {
		c.Execution.OnBudgetBlock = v
	}
	if v := os.Getenv("FOREMAN_AUDIT_BACKEND"); v != "" {
		c.Audit.Backend = v
	}
	if v := os.Getenv("FOREMAN_AUDIT_PATH"); v != "" {
		c.Audit.Path = v
	}
	if v := os.Getenv("FOREMAN_NATS_URL"); v != "" {
		c.Bus.URL = v
	}
	if v := os.Getenv("FOREMAN_API_BIND"); v != "" {
		c.API.Bind = v
	}
	if v := os.Getenv("FOREMAN_JWT_SECRET"); v != "" {
		c.API.JWTSecret = v
	}
	if v, ok := envBool("FOREMAN_TRACING"); ok {
		c.Telemetry.Tracing = v
	}
	if v := os.Getenv("FOREMAN_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FOREMAN_RECOVERY_DIR"); v != "" {
		c.Recovery.Dir = v
	}
	if v := os.Getenv("FOREMAN_TOOL_CATALOG"); v != "" {
		c.Tools.Catalog = v
	}
	return nil
}

func envError(key, value string, err error) error {
	return ferrors.Wrap(err, ferrors.ErrCodeConfigInvalid, "invalid environment override").
		WithContext("variable", key).
		WithContext("value", value)
}

func splitCommaList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envBool(key string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return false, false
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// Validate checks the configuration for values the components would reject.
func (c *Config) Validate() error {
	invalid := func(field, msg string) *ferrors.Error {
		return ferrors.New(ferrors.ErrCodeConfigInvalid, msg).WithContext("field", field)
	}

	if c.Planning.MaxSteps < 1 {
		return invalid("planning.max_steps", "max_steps must be at least 1")
	}
	if c.Planning.RiskWeight < 0 || c.Planning.BudgetWeight < 0 {
		return invalid("planning", "weights must not be negative")
	}
	if _, err := routing.ParseStrategy(c.Routing.Strategy); err != nil {
		return invalid("routing.strategy", err.Error())
	}

	if _, err := budget.ParsePolicy(c.Budget.Policy); err != nil {
		return invalid("budget.policy", err.Error())
	}
	if c.Budget.Cost < 0 || c.Budget.Calls < 0 || c.Budget.Tokens < 0 {
		return invalid("budget", "ceilings must not be negative")
	}
	if c.Budget.WarnThreshold <= 0 || c.Budget.WarnThreshold > 1 {
		return invalid("budget.warn_threshold", "warn_threshold must be in (0, 1]")
	}

	for _, tier := range c.Approval.Tiers {
		if _, err := plan.ParseRiskTier(tier); err != nil {
			return invalid("approval.tiers", err.Error())
		}
	}
	if c.Approval.Timeout < 0 {
		return invalid("approval.timeout", "timeout must not be negative")
	}

	if c.Retry.MaxAttempts < 1 {
		return invalid("retry.max_attempts", "max_attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		return invalid("retry.multiplier", "multiplier must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return invalid("retry.jitter", "jitter must be in [0, 1)")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		return invalid("retry.base_delay", "base_delay exceeds max_delay")
	}

	if c.Execution.MaxConcurrentPlans < 1 {
		return invalid("execution.max_concurrent_plans", "max_concurrent_plans must be at least 1")
	}
	if _, err := coordinator.ParseBlockAction(c.Execution.OnBudgetBlock); err != nil {
		return invalid("execution.on_budget_block", err.Error())
	}
	if c.Execution.RateLimit < 0 {
		return invalid("execution.rate_limit", "rate_limit must not be negative")
	}

	switch audit.Backend(strings.ToLower(c.Audit.Backend)) {
	case audit.BackendMemory:
	case audit.BackendFile, audit.BackendSQLite:
		if strings.TrimSpace(c.Audit.Path) == "" {
			return invalid("audit.path", "path is required for the "+c.Audit.Backend+" backend")
		}
	default:
		return invalid("audit.backend", fmt.Sprintf("unknown audit backend %q (valid: file, sqlite, memory)", c.Audit.Backend))
	}

	if c.API.Bind != "" && !isLoopbackBindAddress(c.API.Bind) && len(c.API.JWTSecret) < MinJWTSecretLength {
		return invalid("api.jwt_secret", fmt.Sprintf("a jwt_secret of at least %d characters is required when binding %s", MinJWTSecretLength, c.API.Bind)).
			WithRemediation("set FOREMAN_JWT_SECRET or bind the API to 127.0.0.1")
	}

	for name, p := range c.Profiles {
		if strings.TrimSpace(name) == "" {
			return invalid("profiles", "profile names must not be empty")
		}
		for _, t := range p.RequireApproval {
			if !containsTool(p.AllowedTools, t) {
				return invalid("profiles."+name+".require_approval", fmt.Sprintf("tool %q is not in allowed_tools", t))
			}
		}
	}
	return nil
}

func containsTool(allowed []string, name string) bool {
	for _, a := range allowed {
		if a == name || a == "*" {
			return true
		}
	}
	return false
}

func isLoopbackBindAddress(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// BudgetCeiling returns the configured top-level ceiling.
func (c *Config) BudgetCeiling() budget.Ceiling {
	return budget.Ceiling{Cost: c.Budget.Cost, Calls: c.Budget.Calls, Tokens: c.Budget.Tokens}
}

// NewBudget builds a fresh budget from the budget section.
func (c *Config) NewBudget(id string) *budget.Budget {
	policy, err := budget.ParsePolicy(c.Budget.Policy)
	if err != nil {
		policy = budget.PolicyBlock
	}
	b := budget.New(id, c.BudgetCeiling(), policy)
	b.WarnThreshold = c.Budget.WarnThreshold
	for domain, ceil := range c.Budget.Domains {
		b.Domains[domain] = ceil
	}
	for name, ceil := range c.Budget.Tools {
		b.Tools[name] = ceil
	}
	return b
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() reliability.Policy {
	return reliability.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
		Multiplier:  c.Retry.Multiplier,
		Jitter:      c.Retry.Jitter,
	}
}

// ApprovalTiers parses the configured tiers. Invalid entries are skipped;
// Validate reports them.
func (c *Config) ApprovalTiers() []plan.RiskTier {
	tiers := make([]plan.RiskTier, 0, len(c.Approval.Tiers))
	for _, raw := range c.Approval.Tiers {
		if t, err := plan.ParseRiskTier(raw); err == nil {
			tiers = append(tiers, t)
		}
	}
	return tiers
}

// ProfileTools maps each profile to its allowed tools.
func (c *Config) ProfileTools() map[string][]string {
	out := make(map[string][]string, len(c.Profiles))
	for name, p := range c.Profiles {
		out[name] = append([]string(nil), p.AllowedTools...)
	}
	return out
}

// CoordinatorOptions fills the execution settings of coordinator.Options.
// Collaborators such as the registry and stores are left to the caller.
func (c *Config) CoordinatorOptions() coordinator.Options {
	action, _ := coordinator.ParseBlockAction(c.Execution.OnBudgetBlock)
	timeouts := make(map[string]time.Duration, len(c.Execution.ToolTimeouts))
	for name, d := range c.Execution.ToolTimeouts {
		timeouts[name] = d
	}
	return coordinator.Options{
		Retry:              c.RetryPolicy(),
		Profiles:           c.Profiles,
		ToolTimeout:        c.Execution.ToolTimeout,
		ToolTimeouts:       timeouts,
		ApprovalTimeout:    c.Approval.Timeout,
		PlanTimeout:        c.Execution.PlanTimeout,
		MaxConcurrentPlans: c.Execution.MaxConcurrentPlans,
		RetainPlans:        c.Execution.RetainPlans,
		OnBudgetBlock:      action,
		RateLimit:          c.Execution.RateLimit,
		RateBurst:          c.Execution.RateBurst,
	}
}
