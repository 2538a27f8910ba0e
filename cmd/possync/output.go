package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/CharlySistemas23/possync"
	"github.com/spf13/cobra"
)

// outputAsJSON writes any value as formatted JSON to the command's stdout.
func outputAsJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError prints an error to stderr with the configured secret redacted.
func outputError(w io.Writer, err error) {
	printError(w, "%s", scrubSecret(err.Error()))
}

func scrubSecret(msg string) string {
	if f := rootCmd.PersistentFlags().Lookup("secret"); f != nil {
		if secret := f.Value.String(); secret != "" {
			msg = strings.ReplaceAll(msg, secret, "[REDACTED]")
		}
	}
	return msg
}

// reportJSON is the machine-readable drain report.
type reportJSON struct {
	possync.Report
	DurationMs int64 `json:"duration_ms"`
}

func outputReport(cmd *cobra.Command, r possync.Report) error {
	if outputJSON {
		return outputAsJSON(cmd, reportJSON{Report: r, DurationMs: r.Duration.Milliseconds()})
	}

	out := cmd.OutOrStdout()
	switch {
	case r.Aborted:
		printWarning(out, "Drain aborted, no sync identity available")
	case r.RateLimited:
		printWarning(out, "Rate limited by server, resuming at %s", r.ResumeAt.Local().Format(time.Kitchen))
	case r.Failed > 0:
		printWarning(out, "Drain finished with failures (took %s)", r.Duration.Round(time.Millisecond))
	default:
		printSuccess(out, "Drain complete (took %s)", r.Duration.Round(time.Millisecond))
	}

	printField(out, "Succeeded", fmt.Sprint(r.Succeeded))
	printField(out, "Failed", fmt.Sprint(r.Failed))
	printField(out, "Remaining", fmt.Sprint(r.Remaining))
	if r.Dropped > 0 {
		printField(out, "Dropped", fmt.Sprint(r.Dropped))
	}
	if r.Stale > 0 {
		printField(out, "Stale", fmt.Sprint(r.Stale))
	}

	for _, f := range r.Failures {
		state := "will retry"
		if f.Dropped {
			state = "dropped"
		}
		printMuted(out, "  %s %s: %s, %s (%s)", f.EntityType, shortID(f.EntityID), f.Kind, state, f.Error)
	}
	return nil
}

func outputQueue(cmd *cobra.Command, entries []possync.QueueEntry) error {
	if outputJSON {
		if entries == nil {
			entries = []possync.QueueEntry{}
		}
		return outputAsJSON(cmd, entries)
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		printInfo(out, "Queue is empty")
		return nil
	}

	fmt.Fprintf(out, "%d pending mutations:\n\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(out, "  %-7s %-14s %s", e.Op, e.EntityType, e.EntityID)
		if e.RetryCount > 0 {
			fmt.Fprintf(out, "  (retries: %d)", e.RetryCount)
		}
		fmt.Fprintln(out)
	}
	return nil
}

// printField prints an aligned label and value.
func printField(w io.Writer, label, value string) {
	printLabel(w, fmt.Sprintf("  %-16s", label+":"))
	fmt.Fprintln(w, value)
}

func shortID(id string) string {
	if len(id) > 13 {
		return id[:13]
	}
	return id
}
