package stores

import (
	"context"
	"errors"
	"time"

	"github.com/jiocloud/nodeconverge/pkg/engine"
)

// ErrNotFound is returned when a run or resource has no record.
var ErrNotFound = errors.New("not found")

// RunMeta describes where a run came from. It is not part of the report.
type RunMeta struct {
	Manifest string `json:"manifest"`
	Target   string `json:"target"`
}

// Run is a recorded convergence run.
type Run struct {
	ID          string            `json:"id"`
	Manifest    string            `json:"manifest"`
	Target      string            `json:"target"`
	Platform    string            `json:"platform"`
	Status      engine.RunStatus  `json:"status"`
	DryRun      bool              `json:"dry_run"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
	Duration    time.Duration     `json:"duration"`
	Summary     engine.RunSummary `json:"summary"`
	CreatedAt   time.Time         `json:"created_at"`

	// Results is only populated by GetRun.
	Results []ResourceResult `json:"results,omitempty"`
}

// ResourceResult is one report entry of a recorded run.
type ResourceResult struct {
	RunID     string               `json:"run_id"`
	Position  int                  `json:"position"`
	Resource  string               `json:"resource"`
	Type      string               `json:"type"`
	Title     string               `json:"title"`
	State     engine.ResourceState `json:"state"`
	Outcome   engine.Outcome       `json:"outcome"`
	Changed   bool                 `json:"changed"`
	Refreshed bool                 `json:"refreshed"`
	Reason    engine.FailureReason `json:"reason,omitempty"`
	Upstream  string               `json:"upstream,omitempty"`
	Error     string               `json:"error,omitempty"`
	Message   string               `json:"message,omitempty"`
	Changes   []engine.Change      `json:"changes,omitempty"`
	Duration  time.Duration        `json:"duration"`
}

// ResourceState is the latest recorded outcome of a resource.
type ResourceState struct {
	Resource    string         `json:"resource"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	LastRunID   string         `json:"last_run_id"`
	LastOutcome engine.Outcome `json:"last_outcome"`

	// LastChangedAt is when a run last changed the resource.
	LastChangedAt *time.Time `json:"last_changed_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Event is a persisted run timeline event.
type Event struct {
	ID        int64                  `json:"id"`
	EventID   string                 `json:"event_id"`
	RunID     string                 `json:"run_id"`
	Type      engine.EventType       `json:"type"`
	Level     string                 `json:"level"`
	Resource  string                 `json:"resource,omitempty"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventQuery filters GetEvents. Zero fields match everything.
type EventQuery struct {
	RunID    string
	Resource string
	Level    string
	Limit    int
	Offset   int
}

// Store defines the interface for the run history
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Runs
	RecordRun(ctx context.Context, report *engine.Report) error
	RecordRunWithMeta(ctx context.Context, report *engine.Report, meta RunMeta) error
	GetRun(ctx context.Context, id string) (*Run, error)
	LatestRun(ctx context.Context) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, keep int) (int64, error)

	// Resources
	ResourceHistory(ctx context.Context, resource string, limit int) ([]ResourceResult, error)
	GetResourceState(ctx context.Context, resource string) (*ResourceState, error)
	ListResourceStates(ctx context.Context) ([]*ResourceState, error)

	// Events
	Publish(ctx context.Context, event *engine.Event) error
	GetEvents(ctx context.Context, query EventQuery) ([]*Event, error)
}
