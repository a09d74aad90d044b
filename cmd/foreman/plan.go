package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"

	"github.com/odvcencio/foreman/pkg/budget"
	"github.com/odvcencio/foreman/pkg/plan"
	"github.com/odvcencio/foreman/pkg/planning"
)

type stepView struct {
	Index         int           `json:"index"`
	Tool          string        `json:"tool"`
	Reason        string        `json:"reason"`
	RiskTier      plan.RiskTier `json:"risk_tier"`
	Cost          float64       `json:"cost"`
	Tokens        int64         `json:"tokens"`
	Score         float64       `json:"score"`
	NeedsApproval bool          `json:"needs_approval"`
}

type planView struct {
	PlanID  string         `json:"plan_id"`
	TraceID string         `json:"trace_id"`
	Goal    string         `json:"goal"`
	Profile string         `json:"profile,omitempty"`
	Ceiling budget.Ceiling `json:"ceiling"`
	Cost    float64        `json:"estimated_cost"`
	Steps   []stepView     `json:"steps"`
}

func runPlanCommand(args []string) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	goal := fs.String("goal", "", "what the plan should achieve")
	profile := fs.String("profile", "", "execution profile whose tool allowlist applies")
	traceID := fs.String("trace", "", "trace ID to record decisions under (default: new UUID)")
	asJSON := fs.Bool("json", false, "print JSON even on a terminal")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if strings.TrimSpace(*goal) == "" && fs.NArg() > 0 {
		*goal = strings.Join(fs.Args(), " ")
	}
	if strings.TrimSpace(*goal) == "" {
		return withExitCode(errors.New("plan requires -goal"), exitUsage)
	}
	if *traceID == "" {
		*traceID = uuid.NewString()
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if cfg.Tools.Catalog == "" {
		return withExitCode(errors.New("no tool catalog configured (set tools.catalog or FOREMAN_TOOL_CATALOG)"), exitUsage)
	}

	ctx := context.Background()
	eng, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close(ctx)

	b := cfg.NewBudget("budget-" + *traceID)
	p, err := eng.planner.CreatePlan(ctx, planning.Request{
		Goal:       *goal,
		TraceID:    *traceID,
		Profile:    *profile,
		Budget:     b,
		Candidates: eng.registry.List(),
	})
	if err != nil {
		return err
	}
	if err := planning.ValidateAgainst(p, eng.allow, eng.registry); err != nil {
		return err
	}

	view := describePlan(eng, p)
	if *asJSON || !isInteractiveTerminal() {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}
	return printPlanTable(stdout, view)
}

func describePlan(eng *engine, p *plan.Plan) planView {
	view := planView{
		PlanID:  p.ID,
		TraceID: p.TraceID,
		Goal:    p.Goal,
		Profile: p.Profile,
		Steps:   make([]stepView, 0, len(p.Steps)),
	}
	if p.Budget != nil {
		view.Ceiling = p.Budget.Ceiling
	}
	prof := eng.cfg.Profiles[p.Profile]
	for _, s := range p.Steps {
		view.Cost += s.Estimate.Cost
		view.Steps = append(view.Steps, stepView{
			Index:         s.Index,
			Tool:          s.Tool,
			Reason:        s.Reason,
			RiskTier:      s.RiskTier,
			Cost:          s.Estimate.Cost,
			Tokens:        s.Estimate.Tokens,
			Score:         s.Score,
			NeedsApproval: eng.gate.Requires(s.RiskTier) || slices.Contains(prof.RequireApproval, s.Tool),
		})
	}
	return view
}

func printPlanTable(w io.Writer, v planView) error {
	fmt.Fprintf(w, "Plan %s (trace %s)\n", v.PlanID, v.TraceID)
	fmt.Fprintf(w, "Goal: %s\n", v.Goal)
	if v.Profile != "" {
		fmt.Fprintf(w, "Profile: %s\n", v.Profile)
	}
	fmt.Fprintf(w, "Estimated cost: %.4f (ceiling %s)\n\n", v.Cost, formatCeiling(v.Ceiling))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tTOOL\tRISK\tCOST\tSCORE\tAPPROVAL\tREASON")
	for _, s := range v.Steps {
		approval := ""
		if s.NeedsApproval {
			approval = "required"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.4f\t%.3f\t%s\t%s\n", s.Index, s.Tool, s.RiskTier, s.Cost, s.Score, approval, s.Reason)
	}
	return tw.Flush()
}

func formatCeiling(c budget.Ceiling) string {
	if c.IsZero() {
		return "unlimited"
	}
	var parts []string
	if c.Cost > 0 {
		parts = append(parts, fmt.Sprintf("cost %.2f", c.Cost))
	}
	if c.Calls > 0 {
		parts = append(parts, fmt.Sprintf("%d calls", c.Calls))
	}
	if c.Tokens > 0 {
		parts = append(parts, fmt.Sprintf("%d tokens", c.Tokens))
	}
	return strings.Join(parts, ", ")
}
