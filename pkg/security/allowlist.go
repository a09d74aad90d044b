package security

import "sync"

// Wildcard in a profile's tool list allows every tool.
const Wildcard = "*"

// Allowlist maps profiles to the tools they may run. Profiles that were
// never configured fall back to the default list; an unset default allows
// nothing.
type Allowlist struct {
	mu       sync.RWMutex
	profiles map[string]map[string]struct{}
	fallback map[string]struct{}
}

// NewAllowlist builds an allowlist from profile name to tool names.
func NewAllowlist(profiles map[string][]string) *Allowlist {
	a := &Allowlist{profiles: make(map[string]map[string]struct{})}
	for name, tools := range profiles {
		a.Set(name, tools)
	}
	return a
}

// Set replaces the tools of one profile.
func (a *Allowlist) Set(profile string, tools []string) {
	set := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		set[t] = struct{}{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.profiles[profile] = set
}

// SetDefault sets the list used by unknown profiles.
func (a *Allowlist) SetDefault(tools []string) {
	set := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		set[t] = struct{}{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fallback = set
}

// Allows reports whether profile may run tool.
func (a *Allowlist) Allows(profile, tool string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	set, ok := a.profiles[profile]
	if !ok {
		set = a.fallback
	}
	if _, all := set[Wildcard]; all {
		return true
	}
	_, allowed := set[tool]
	return allowed
}
