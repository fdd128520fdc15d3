package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a convergence run.
type RunStatus string

const (
	// RunStatusPending indicates the run is queued but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates no resource failed.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates at least one resource failed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was aborted at a resource boundary.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// IsActive returns true if the run is currently active (pending or running).
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// ResourceState is the per-resource convergence state machine value.
type ResourceState string

const (
	// StatePending is the initial state of every resource.
	StatePending ResourceState = "pending"

	// StateEvaluating indicates the provider is observing current state.
	StateEvaluating ResourceState = "evaluating"

	// StateInSync indicates observed state already matches desired state.
	StateInSync ResourceState = "in_sync"

	// StateApplying indicates the provider is realizing desired state.
	StateApplying ResourceState = "applying"

	// StateRefreshing indicates a refresh is being delivered.
	StateRefreshing ResourceState = "refreshing"

	// StateConverged is the terminal success state.
	StateConverged ResourceState = "converged"

	// StateFailed is the terminal failure state.
	StateFailed ResourceState = "failed"

	// StateSkipped marks a refresh-only resource that was never notified.
	StateSkipped ResourceState = "skipped"
)

// validTransitions lists the allowed forward moves of the state machine.
var validTransitions = map[ResourceState][]ResourceState{
	StatePending:    {StateEvaluating, StateFailed, StateSkipped, StateRefreshing},
	StateEvaluating: {StateInSync, StateApplying, StateFailed, StateConverged},
	StateInSync:     {StateConverged},
	StateApplying:   {StateConverged, StateFailed},
	StateConverged:  {StateRefreshing},
	StateRefreshing: {StateConverged, StateFailed},
	// A skipped refresh-only resource may still fire on a deferred notification.
	StateSkipped: {StateRefreshing},
}

// CanTransition reports whether moving from s to next is allowed.
func (s ResourceState) CanTransition(next ResourceState) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for states a resource may finish a run in.
func (s ResourceState) IsTerminal() bool {
	return s == StateConverged || s == StateFailed || s == StateSkipped
}

// Validate checks if the resource state is valid.
func (s ResourceState) Validate() error {
	switch s {
	case StatePending, StateEvaluating, StateInSync, StateApplying,
		StateRefreshing, StateConverged, StateFailed, StateSkipped:
		return nil
	default:
		return fmt.Errorf("invalid resource state: %s", s)
	}
}

// Outcome is the per-resource result recorded in the run report.
type Outcome string

const (
	// OutcomeInSync indicates no side effect was needed.
	OutcomeInSync Outcome = "in_sync"

	// OutcomeChanged indicates the provider applied a change.
	OutcomeChanged Outcome = "changed"

	// OutcomeFailed indicates the resource failed or a dependency failed.
	OutcomeFailed Outcome = "failed"

	// OutcomeSkipped indicates a refresh-only resource that was never notified.
	OutcomeSkipped Outcome = "skipped"

	// OutcomePendingChange indicates a divergence found in dry-run mode.
	OutcomePendingChange Outcome = "pending_change"

	// OutcomeNotAttempted indicates the run was cancelled before the resource started.
	OutcomeNotAttempted Outcome = "not_attempted"
)

// IsSuccess returns true for outcomes that do not fail the run.
func (o Outcome) IsSuccess() bool {
	return o == OutcomeInSync || o == OutcomeChanged || o == OutcomeSkipped || o == OutcomePendingChange
}

// FailureReason distinguishes root-cause failures from propagated ones.
type FailureReason string

const (
	// FailureReasonProvider indicates the resource's own provider failed.
	FailureReasonProvider FailureReason = "provider"

	// FailureReasonUpstream indicates a predecessor failed.
	FailureReasonUpstream FailureReason = "upstream"
)

// EventType represents the type of event in the run timeline.
type EventType string

const (
	// EventTypeRunStarted indicates a run has started.
	EventTypeRunStarted EventType = "run_started"

	// EventTypeRunCompleted indicates a run has completed.
	EventTypeRunCompleted EventType = "run_completed"

	// EventTypeRunFailed indicates a run has failed.
	EventTypeRunFailed EventType = "run_failed"

	// EventTypeRunCancelled indicates a run was cancelled.
	EventTypeRunCancelled EventType = "run_cancelled"

	// EventTypeResourceEvaluating indicates a resource evaluation has started.
	EventTypeResourceEvaluating EventType = "resource_evaluating"

	// EventTypeResourceInSync indicates a resource needed no change.
	EventTypeResourceInSync EventType = "resource_in_sync"

	// EventTypeResourceChanged indicates a resource was changed.
	EventTypeResourceChanged EventType = "resource_changed"

	// EventTypeResourcePending indicates a divergence found in dry-run mode.
	EventTypeResourcePending EventType = "resource_pending_change"

	// EventTypeResourceFailed indicates a resource failed.
	EventTypeResourceFailed EventType = "resource_failed"

	// EventTypeResourceSkipped indicates a refresh-only resource was skipped.
	EventTypeResourceSkipped EventType = "resource_skipped"

	// EventTypeResourceRefreshed indicates a refresh was delivered.
	EventTypeResourceRefreshed EventType = "resource_refreshed"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeResourceFailed:
		return "error"
	case EventTypeRunCancelled:
		return "warning"
	default:
		return "info"
	}
}
