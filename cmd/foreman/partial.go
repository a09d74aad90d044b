package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/odvcencio/foreman/pkg/recovery"
)

func runPartialCommand(args []string) error {
	fs := flag.NewFlagSet("partial", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	prune := fs.Int("prune", -1, "keep only the newest N results")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	store := recovery.NewStore(cfg.Recovery.Dir)

	if *prune >= 0 {
		removed, err := store.Prune(*prune)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Removed %d partial results from %s\n", removed, store.Dir())
		return nil
	}

	if planID := fs.Arg(0); planID != "" {
		r, err := store.Load(planID)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	results, err := store.List()
	if err != nil {
		return err
	}
	if !isInteractiveTerminal() {
		enc := json.NewEncoder(stdout)
		for _, r := range results {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}
	if len(results) == 0 {
		fmt.Fprintln(stdout, "No partial results.")
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLAN\tCAPTURED\tGOAL\tSUMMARY")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.PlanID, r.CapturedAt.Format(time.RFC3339), r.Goal, r.Summary())
	}
	return tw.Flush()
}
