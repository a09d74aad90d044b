package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/odvcencio/foreman/pkg/audit"
)

func runAuditCommand(args []string) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	traceID := fs.String("trace", "", "only decisions of this trace")
	typ := fs.String("type", "", "decision type: plan, route or approval")
	from := fs.String("from", "", "earliest timestamp (RFC3339)")
	to := fs.String("to", "", "latest timestamp (RFC3339)")
	limit := fs.Int("limit", 100, "maximum records")
	asJSON := fs.Bool("json", false, "print JSON even on a terminal")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}

	filter := audit.Filter{TraceID: *traceID, Limit: *limit}
	if *typ != "" {
		filter.Type = audit.Type(strings.ToLower(*typ))
		if !filter.Type.Valid() {
			return withExitCode(fmt.Errorf("unknown decision type %q", *typ), exitUsage)
		}
	}
	var err error
	if filter.From, err = parseFlagTime("from", *from); err != nil {
		return err
	}
	if filter.To, err = parseFlagTime("to", *to); err != nil {
		return err
	}
	if filter.Limit < 1 {
		return withExitCode(errors.New("-limit must be positive"), exitUsage)
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	store, err := audit.Open(audit.Backend(cfg.Audit.Backend), cfg.Audit.Path)
	if err != nil {
		return err
	}
	trail := audit.NewTrail(store, nil)
	defer trail.Close()

	records, err := trail.Query(context.Background(), filter)
	if err != nil {
		return err
	}
	if *asJSON || !isInteractiveTerminal() {
		enc := json.NewEncoder(stdout)
		for _, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return nil
	}
	return printAuditTable(stdout, records)
}

func parseFlagTime(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, withExitCode(fmt.Errorf("-%s: %w", name, err), exitUsage)
	}
	return t, nil
}

func printAuditTable(w io.Writer, records []audit.Record) error {
	if len(records) == 0 {
		fmt.Fprintln(w, "No decisions recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tTRACE\tTYPE\tTARGET\tREASON")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			r.Seq, r.Timestamp.Format(time.RFC3339), r.TraceID, r.Type, r.Target, r.Reason)
	}
	return tw.Flush()
}
