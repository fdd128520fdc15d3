package engine

import (
	"time"
)

// Report is the order-stable result of one convergence run. It lists every
// catalog resource exactly once, in topological order.
type Report struct {
	// RunID is the unique identifier of the run.
	RunID string `json:"run_id"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// DryRun is true when nothing was applied.
	DryRun bool `json:"dry_run"`

	// Platform is the platform providers were resolved for.
	Platform Platform `json:"platform"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run completed.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration"`

	// Entries holds one entry per resource, in topological order.
	Entries []ReportEntry `json:"entries"`

	// Summary provides counts by outcome.
	Summary RunSummary `json:"summary"`
}

// ReportEntry is the result of one resource.
type ReportEntry struct {
	// Resource is the resource identity.
	Resource Identity `json:"resource"`

	// Reference is the "Type[title]" form of the identity.
	Reference string `json:"reference"`

	// State is the final state machine value.
	State ResourceState `json:"state"`

	// Outcome is the run outcome.
	Outcome Outcome `json:"outcome"`

	// Changed is true when the provider applied a change.
	Changed bool `json:"changed"`

	// Refreshed is true when a refresh was delivered.
	Refreshed bool `json:"refreshed"`

	// Reason distinguishes own failures from propagated ones.
	Reason FailureReason `json:"reason,omitempty"`

	// Upstream is the failed predecessor for upstream failures.
	Upstream *Identity `json:"upstream,omitempty"`

	// Error is the failure detail.
	Error *EngineError `json:"error,omitempty"`

	// Message is the provider's description of what was done.
	Message string `json:"message,omitempty"`

	// Changes lists the differences found between desired and observed state.
	Changes []Change `json:"changes,omitempty"`

	// Transitions is the sequence of states the resource went through.
	Transitions []ResourceState `json:"transitions"`

	// StartSeq and FinishSeq are run-wide sequence numbers of the moment the
	// resource left Pending and the moment it reached its final state.
	StartSeq  int `json:"start_seq"`
	FinishSeq int `json:"finish_seq"`

	// Duration is the time spent in provider calls for the resource.
	Duration time.Duration `json:"duration"`
}

// Passed reports whether the entry went through the given state.
func (e *ReportEntry) Passed(state ResourceState) bool {
	for _, s := range e.Transitions {
		if s == state {
			return true
		}
	}
	return false
}

// RunSummary provides counts of resources by outcome.
type RunSummary struct {
	Total         int `json:"total"`
	InSync        int `json:"in_sync"`
	Changed       int `json:"changed"`
	Failed        int `json:"failed"`
	Upstream      int `json:"upstream_failed"`
	Skipped       int `json:"skipped"`
	PendingChange int `json:"pending_change"`
	NotAttempted  int `json:"not_attempted"`
	Refreshed     int `json:"refreshed"`
}

// Entry returns the entry for a resource identity.
func (r *Report) Entry(id Identity) (*ReportEntry, bool) {
	for i := range r.Entries {
		if r.Entries[i].Resource == id {
			return &r.Entries[i], true
		}
	}
	return nil, false
}

// Lookup returns the entry for a "Type[title]" reference.
func (r *Report) Lookup(ref string) (*ReportEntry, bool) {
	id, err := ParseReference(ref)
	if err != nil {
		return nil, false
	}
	return r.Entry(id)
}

// Failed returns true if any resource failed.
func (r *Report) Failed() bool {
	return r.Summary.Failed > 0
}

// FailedEntries returns the entries whose own provider failed, which are
// the root causes of every upstream failure.
func (r *Report) FailedEntries() []ReportEntry {
	var out []ReportEntry
	for _, e := range r.Entries {
		if e.Outcome == OutcomeFailed && e.Reason == FailureReasonProvider {
			out = append(out, e)
		}
	}
	return out
}

func calculateRunSummary(entries []ReportEntry) RunSummary {
	summary := RunSummary{Total: len(entries)}
	for _, e := range entries {
		switch e.Outcome {
		case OutcomeInSync:
			summary.InSync++
		case OutcomeChanged:
			summary.Changed++
		case OutcomeFailed:
			summary.Failed++
			if e.Reason == FailureReasonUpstream {
				summary.Upstream++
			}
		case OutcomeSkipped:
			summary.Skipped++
		case OutcomePendingChange:
			summary.PendingChange++
		case OutcomeNotAttempted:
			summary.NotAttempted++
		}
		if e.Refreshed {
			summary.Refreshed++
		}
	}
	return summary
}
