package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jiocloud/nodeconverge/pkg/engine"
	"github.com/jiocloud/nodeconverge/pkg/policy"
	"github.com/jiocloud/nodeconverge/pkg/stores"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderReport prints one line per resource that did something, followed
// by the run summary.
func renderReport(w io.Writer, report *engine.Report) {
	for _, e := range report.Entries {
		switch e.Outcome {
		case engine.OutcomeInSync:
			if e.Refreshed {
				fmt.Fprintf(w, "  ~ %s refreshed\n", e.Reference)
			}
		case engine.OutcomeChanged:
			fmt.Fprintf(w, "  * %s %s\n", e.Reference, entryMessage(e, "changed"))
			renderChanges(w, e.Changes)
		case engine.OutcomePendingChange:
			fmt.Fprintf(w, "  + %s would change\n", e.Reference)
			renderChanges(w, e.Changes)
		case engine.OutcomeFailed:
			if e.Reason == engine.FailureReasonUpstream && e.Upstream != nil {
				fmt.Fprintf(w, "  ! %s skipped: %s failed\n", e.Reference, e.Upstream)
				continue
			}
			msg := "failed"
			if e.Error != nil {
				msg = e.Error.Message
			}
			fmt.Fprintf(w, "  ! %s %s\n", e.Reference, msg)
		case engine.OutcomeNotAttempted:
			fmt.Fprintf(w, "  - %s not attempted\n", e.Reference)
		}
	}

	s := report.Summary
	mode := ""
	if report.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(w, "\nRun %s %s%s in %s on %s\n", report.RunID, report.Status, mode,
		report.Duration.Round(time.Millisecond), report.Platform)
	fmt.Fprintf(w, "  %d resources: %d in sync, %d changed, %d pending, %d failed (%d upstream), %d not attempted, %d refreshed\n",
		s.Total, s.InSync, s.Changed, s.PendingChange, s.Failed, s.Upstream, s.NotAttempted, s.Refreshed)
}

func entryMessage(e engine.ReportEntry, fallback string) string {
	if e.Message != "" {
		return e.Message
	}
	return fallback
}

func renderChanges(w io.Writer, changes []engine.Change) {
	for _, c := range changes {
		switch c.Action {
		case engine.ChangeActionModify:
			fmt.Fprintf(w, "      %s: %v => %v\n", c.Path, c.Before, c.After)
		default:
			fmt.Fprintf(w, "      %s %s: %v\n", c.Action, c.Path, firstNonNil(c.After, c.Before))
		}
	}
}

func firstNonNil(values ...interface{}) interface{} {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func renderPolicy(w io.Writer, result *policy.Result) {
	if result == nil {
		return
	}
	for _, v := range result.Violations {
		fmt.Fprintf(w, "  ✗ %s\n", v)
		if v.Remediation != "" {
			fmt.Fprintf(w, "      %s\n", v.Remediation)
		}
	}
	for _, v := range result.Warnings {
		fmt.Fprintf(w, "  ⚠ %s\n", v)
	}
	for _, f := range result.Failures {
		fmt.Fprintf(w, "  ? %s could not be evaluated\n", f)
	}
	fmt.Fprintf(w, "Policy gate (%s): %d policies, %d violations, %d warnings\n",
		result.Mode, len(result.EvaluatedPolicies), len(result.Violations), len(result.Warnings))
}

func renderRuns(w io.Writer, runs []*stores.Run) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tDURATION\tCHANGED\tFAILED\tMANIFEST")
	for _, r := range runs {
		status := string(r.Status)
		if r.DryRun {
			status += " (dry)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID, status, r.StartedAt.Format("2006-01-02 15:04:05"),
			r.Duration.Round(time.Millisecond), r.Summary.Changed+r.Summary.PendingChange, r.Summary.Failed, r.Manifest)
	}
	return tw.Flush()
}

func renderRun(w io.Writer, run *stores.Run) error {
	fmt.Fprintf(w, "Run:      %s\n", run.ID)
	fmt.Fprintf(w, "Status:   %s\n", run.Status)
	fmt.Fprintf(w, "Dry run:  %t\n", run.DryRun)
	fmt.Fprintf(w, "Target:   %s (%s)\n", run.Target, run.Platform)
	fmt.Fprintf(w, "Manifest: %s\n", run.Manifest)
	fmt.Fprintf(w, "Started:  %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Duration: %s\n\n", run.Duration.Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tRESOURCE\tOUTCOME\tDETAIL")
	for _, r := range run.Results {
		detail := r.Message
		switch {
		case r.Upstream != "":
			detail = "upstream " + r.Upstream + " failed"
		case r.Error != "":
			detail = r.Error
		}
		outcome := string(r.Outcome)
		if r.Refreshed {
			outcome += ",refreshed"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.Position, r.Resource, outcome, strings.TrimSpace(detail))
	}
	return tw.Flush()
}
