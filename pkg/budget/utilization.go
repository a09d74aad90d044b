package budget

// Gauge is usage against a limit along one dimension. Limit and Pct are
// zero when the dimension is unlimited.
type Gauge struct {
	Dimension string  `json:"dimension"`
	Used      float64 `json:"used"`
	Limit     float64 `json:"limit"`
	Pct       float64 `json:"pct"`
}

// Utilization is a snapshot of a budget.
type Utilization struct {
	BudgetID   string           `json:"budget_id"`
	Policy     Policy           `json:"policy"`
	Total      Gauge            `json:"total"`
	Dimensions map[string]Gauge `json:"dimensions"`
	ByDomain   map[string]Gauge `json:"by_domain"`
	ByTool     map[string]Gauge `json:"by_tool"`
}

// Utilization reports committed plus reserved usage. Total is the binding
// dimension, the one closest to its limit.
func (b *Budget) Utilization() Utilization {
	b.mu.Lock()
	defer b.mu.Unlock()

	u := b.total.inUse()
	out := Utilization{
		BudgetID:   b.ID,
		Policy:     b.Policy,
		Total:      binding(u, b.Ceiling),
		Dimensions: dimensions(u, b.Ceiling),
		ByDomain:   map[string]Gauge{},
		ByTool:     map[string]Gauge{},
	}
	for name, t := range b.byDomain {
		out.ByDomain[name] = binding(t.inUse(), b.Domains[name])
	}
	for name, c := range b.Domains {
		if _, seen := out.ByDomain[name]; !seen {
			out.ByDomain[name] = binding(Usage{}, c)
		}
	}
	for name, t := range b.byTool {
		out.ByTool[name] = binding(t.inUse(), b.Tools[name])
	}
	for name, c := range b.Tools {
		if _, seen := out.ByTool[name]; !seen {
			out.ByTool[name] = binding(Usage{}, c)
		}
	}
	return out
}

func dimensions(u Usage, c Ceiling) map[string]Gauge {
	gauge := func(dim string, used, limit float64) Gauge {
		g := Gauge{Dimension: dim, Used: used, Limit: limit}
		if limit > 0 {
			g.Pct = used / limit
		}
		return g
	}
	return map[string]Gauge{
		"calls":  gauge("calls", float64(u.Calls), float64(c.Calls)),
		"cost":   gauge("cost", u.Cost, c.Cost),
		"tokens": gauge("tokens", float64(u.Tokens), float64(c.Tokens)),
	}
}

// binding picks the limited dimension with the highest ratio. With no
// limits it reports calls, the one dimension every charge draws on.
func binding(u Usage, c Ceiling) Gauge {
	dims := dimensions(u, c)
	best := dims["calls"]
	found := false
	for _, name := range []string{"calls", "cost", "tokens"} {
		g := dims[name]
		if g.Limit == 0 {
			continue
		}
		if !found || g.Pct > best.Pct {
			best, found = g, true
		}
	}
	return best
}
