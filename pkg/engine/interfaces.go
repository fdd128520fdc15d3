package engine

import (
	"context"
	"time"
)

// EventPublisher publishes run timeline events.
type EventPublisher interface {
	// Publish publishes an event. Publishing errors never affect a run.
	Publish(ctx context.Context, event *Event) error
}

// EventFilter filters events for subscribers.
type EventFilter struct {
	// RunID filters events by run ID.
	RunID string `json:"run_id,omitempty"`

	// Resource filters events by resource reference.
	Resource string `json:"resource,omitempty"`

	// Types filters events by type.
	Types []EventType `json:"types,omitempty"`
}

// Matches reports whether an event passes the filter.
func (f EventFilter) Matches(event *Event) bool {
	if f.RunID != "" && event.RunID != f.RunID {
		return false
	}
	if f.Resource != "" && event.Resource != f.Resource {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == event.Type {
			return true
		}
	}
	return false
}

// RunRecorder persists finished run reports.
type RunRecorder interface {
	// RecordRun stores a run report. Failures are logged, never fatal.
	RecordRun(ctx context.Context, report *Report) error
}

// MetricsRecorder receives run and provider measurements.
type MetricsRecorder interface {
	// RecordRunStarted counts a started run.
	RecordRunStarted()

	// RecordRunCompleted records the final status and duration of a run.
	RecordRunCompleted(status RunStatus, duration time.Duration)

	// RecordResourceOutcome records the outcome of one resource.
	RecordResourceOutcome(resourceType string, outcome Outcome, duration time.Duration)

	// RecordProviderCall records one provider call.
	RecordProviderCall(resourceType, operation string, duration time.Duration, err error)
}

// ScheduleOptions contains options for a convergence run.
type ScheduleOptions struct {
	// MaxParallel is the maximum number of concurrent provider calls.
	// Values below 1 mean sequential execution.
	MaxParallel int `json:"max_parallel"`

	// DryRun evaluates every resource without applying anything.
	DryRun bool `json:"dry_run"`

	// ProviderTimeout bounds each individual provider call. Zero disables it.
	ProviderTimeout time.Duration `json:"provider_timeout"`

	// RunID overrides the generated run identifier.
	RunID string `json:"run_id,omitempty"`
}

type noopMetrics struct{}

func (noopMetrics) RecordRunStarted()                                    {}
func (noopMetrics) RecordRunCompleted(RunStatus, time.Duration)          {}
func (noopMetrics) RecordResourceOutcome(string, Outcome, time.Duration) {}
func (noopMetrics) RecordProviderCall(string, string, time.Duration, error) {
}
