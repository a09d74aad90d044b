package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"golang.org/x/term"

	ferrors "github.com/odvcencio/foreman/pkg/errors"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// stdout is swapped by tests.
var stdout io.Writer = os.Stdout

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printHelp(stdout)
		return 0
	}
	switch args[0] {
	case "--version", "-v", "version":
		printVersion(stdout)
		return 0
	case "--help", "-h", "help":
		printHelp(stdout)
		return 0
	case "serve":
		return runCommand(runServeCommand, args[1:])
	case "plan":
		return runCommand(runPlanCommand, args[1:])
	case "audit":
		return runCommand(runAuditCommand, args[1:])
	case "partial":
		return runCommand(runPartialCommand, args[1:])
	case "token":
		return runCommand(runTokenCommand, args[1:])
	default:
		if strings.HasPrefix(args[0], "-") {
			fmt.Fprintf(os.Stderr, "Error: unknown flag: %s\n", args[0])
		} else {
			fmt.Fprintf(os.Stderr, "Error: unknown command: %s\n", args[0])
		}
		fmt.Fprintln(os.Stderr, "Run 'foreman --help' for usage.")
		return 1
	}
}

func runCommand(handler func([]string) error, args []string) int {
	if err := handler(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if hint := errorHint(err); hint != "" {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
		}
		return exitCodeForError(err)
	}
	return 0
}

// errorHint returns the remediation of a structured error, if any.
func errorHint(err error) string {
	fe, ok := ferrors.As(err)
	if !ok || len(fe.Remediation) == 0 {
		return ""
	}
	return strings.Join(fe.Remediation, "; ")
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "foreman - deterministic tool orchestration")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  foreman <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve                      Run the control API (approvals, audit, traces, metrics)")
	fmt.Fprintln(w, "  plan -goal <text>          Build and validate a plan against the tool catalog")
	fmt.Fprintln(w, "  audit -trace <id>          Show recorded decisions")
	fmt.Fprintln(w, "  partial [plan-id]          Show preserved partial results")
	fmt.Fprintln(w, "  token -subject <name>      Issue an approver token")
	fmt.Fprintln(w, "  version                    Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Every command accepts -config <path>. Without it, ~/.foreman/config.yaml and")
	fmt.Fprintln(w, "./.foreman/config.yaml are merged, then FOREMAN_* variables are applied.")
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "foreman %s\n", version)
	if commit != "unknown" {
		fmt.Fprintf(w, "  Commit:     %s\n", commit)
	}
	if buildDate != "unknown" {
		fmt.Fprintf(w, "  Built:      %s\n", buildDate)
	}
	fmt.Fprintf(w, "  Go version: %s\n", runtime.Version())
}

// isInteractiveTerminal reports whether output goes to a person rather than
// a pipe, which selects tables over JSON.
func isInteractiveTerminal() bool {
	f, ok := stdout.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
