// Package budget enforces call, cost and token ceilings on plan execution.
package budget

import (
	"fmt"
	"strings"
	"sync"
)

// Policy decides what happens when a charge would exceed a ceiling.
type Policy string

const (
	// PolicyWarn lets the charge through and signals the overrun.
	PolicyWarn Policy = "warn"
	// PolicyBlock refuses the charge; usage never passes the ceiling.
	PolicyBlock Policy = "block"
)

// ParsePolicy converts a string to a policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyWarn:
		return PolicyWarn, nil
	case PolicyBlock:
		return PolicyBlock, nil
	default:
		return "", fmt.Errorf("unknown budget policy: %s (valid: warn, block)", s)
	}
}

// DefaultWarnThreshold is the utilization at which budget_warning fires.
const DefaultWarnThreshold = 0.8

// Ceiling bounds usage. A zero field means unlimited.
type Ceiling struct {
	Cost   float64 `json:"cost" yaml:"cost"`
	Calls  int64   `json:"calls" yaml:"calls"`
	Tokens int64   `json:"tokens" yaml:"tokens"`
}

// IsZero reports whether no dimension is limited.
func (c Ceiling) IsZero() bool {
	return c.Cost == 0 && c.Calls == 0 && c.Tokens == 0
}

// Usage is consumption along every dimension.
type Usage struct {
	Cost   float64 `json:"cost"`
	Calls  int64   `json:"calls"`
	Tokens int64   `json:"tokens"`
}

func (u Usage) add(o Usage) Usage {
	return Usage{Cost: u.Cost + o.Cost, Calls: u.Calls + o.Calls, Tokens: u.Tokens + o.Tokens}
}

func (u Usage) sub(o Usage) Usage {
	return Usage{Cost: u.Cost - o.Cost, Calls: u.Calls - o.Calls, Tokens: u.Tokens - o.Tokens}
}

// Charge is the estimated draw of one tool invocation.
type Charge struct {
	Tool   string
	Domain string
	Cost   float64
	Tokens int64
}

func (c Charge) usage() Usage {
	return Usage{Cost: c.Cost, Calls: 1, Tokens: c.Tokens}
}

// Budget is a ceiling plus the usage drawn against it. A budget may be
// shared by several plans; all counters are guarded by one mutex.
//
// The budget remembers the largest cost and token draw each tool has
// reported. Later charges for that tool reserve at least as much, so a tool
// that under-estimates is refused before it runs again.
type Budget struct {
	ID            string
	Ceiling       Ceiling
	Policy        Policy
	WarnThreshold float64
	Domains       map[string]Ceiling
	Tools         map[string]Ceiling

	mu        sync.Mutex
	total     tally
	byDomain  map[string]*tally
	byTool    map[string]*tally
	warned    bool
	nextResID uint64
	observed  map[string]Usage
}

type tally struct {
	committed Usage
	reserved  Usage
}

func (t *tally) inUse() Usage {
	return t.committed.add(t.reserved)
}

// Option configures a Budget.
type Option func(*Budget)

// WithWarnThreshold overrides the 0.8 default.
func WithWarnThreshold(v float64) Option {
	return func(b *Budget) { b.WarnThreshold = v }
}

// WithDomainCeiling adds a sub-ceiling for steps tagged with domain.
func WithDomainCeiling(domain string, c Ceiling) Option {
	return func(b *Budget) { b.Domains[domain] = c }
}

// WithToolCeiling adds a sub-ceiling for a single tool.
func WithToolCeiling(tool string, c Ceiling) Option {
	return func(b *Budget) { b.Tools[tool] = c }
}

// New creates a budget.
func New(id string, ceiling Ceiling, policy Policy, opts ...Option) *Budget {
	if policy == "" {
		policy = PolicyBlock
	}
	b := &Budget{
		ID:            id,
		Ceiling:       ceiling,
		Policy:        policy,
		WarnThreshold: DefaultWarnThreshold,
		Domains:       map[string]Ceiling{},
		Tools:         map[string]Ceiling{},
		byDomain:      map[string]*tally{},
		byTool:        map[string]*tally{},
		observed:      map[string]Usage{},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.WarnThreshold <= 0 || b.WarnThreshold > 1 {
		b.WarnThreshold = DefaultWarnThreshold
	}
	return b
}

// Fits reports whether a single charge fits within every ceiling on an
// otherwise unused budget. Planning uses it to reject plans whose first
// step can never run.
func (b *Budget) Fits(ch Charge) (bool, string) {
	u := ch.usage()
	if dim, ok := exceeds(Usage{}, u, b.Ceiling); ok {
		return false, fmt.Sprintf("%s ceiling", dim)
	}
	if c, ok := b.Domains[ch.Domain]; ok && ch.Domain != "" {
		if dim, over := exceeds(Usage{}, u, c); over {
			return false, fmt.Sprintf("domain %s %s ceiling", ch.Domain, dim)
		}
	}
	if c, ok := b.Tools[ch.Tool]; ok {
		if dim, over := exceeds(Usage{}, u, c); over {
			return false, fmt.Sprintf("tool %s %s ceiling", ch.Tool, dim)
		}
	}
	return true, ""
}

// exceeds reports the first dimension where used+add passes the ceiling.
func exceeds(used, add Usage, c Ceiling) (string, bool) {
	next := used.add(add)
	switch {
	case c.Calls > 0 && next.Calls > c.Calls:
		return "calls", true
	case c.Cost > 0 && next.Cost > c.Cost+1e-9:
		return "cost", true
	case c.Tokens > 0 && next.Tokens > c.Tokens:
		return "tokens", true
	}
	return "", false
}

// ratios returns the utilization of each limited dimension.
func ratios(u Usage, c Ceiling) map[string]float64 {
	out := map[string]float64{}
	if c.Calls > 0 {
		out["calls"] = float64(u.Calls) / float64(c.Calls)
	}
	if c.Cost > 0 {
		out["cost"] = u.Cost / c.Cost
	}
	if c.Tokens > 0 {
		out["tokens"] = float64(u.Tokens) / float64(c.Tokens)
	}
	return out
}

func (b *Budget) domainTally(domain string) *tally {
	t, ok := b.byDomain[domain]
	if !ok {
		t = &tally{}
		b.byDomain[domain] = t
	}
	return t
}

func (b *Budget) toolTally(tool string) *tally {
	t, ok := b.byTool[tool]
	if !ok {
		t = &tally{}
		b.byTool[tool] = t
	}
	return t
}

// Used returns committed usage plus in-flight reservations.
func (b *Budget) Used() Usage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total.inUse()
}

// Committed returns realized usage only.
func (b *Budget) Committed() Usage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total.committed
}
