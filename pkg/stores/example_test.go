package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jiocloud/nodeconverge/pkg/engine"
	"github.com/jiocloud/nodeconverge/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a run history.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:",
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_Recorder records a run report the way the converger
// does at the end of a run.
func ExampleSQLiteStore_Recorder() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	svc := engine.NewIdentity("service", "contrail-api")
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	report := &engine.Report{
		RunID:       "run-001",
		Status:      engine.RunStatusSucceeded,
		Platform:    engine.Platform{Family: "debian", OS: "trusty"},
		StartedAt:   started,
		CompletedAt: started.Add(time.Second),
		Duration:    time.Second,
		Entries: []engine.ReportEntry{{
			Resource:  svc,
			Reference: svc.String(),
			State:     engine.StateConverged,
			Outcome:   engine.OutcomeChanged,
			Changed:   true,
		}},
		Summary: engine.RunSummary{Total: 1, Changed: 1},
	}

	recorder := store.Recorder(stores.RunMeta{Manifest: "contrail.cue", Target: "local"})
	if err := recorder.RecordRun(ctx, report); err != nil {
		log.Fatal(err)
	}

	run, err := store.LatestRun(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s %s changed=%d\n", run.ID, run.Status, run.Summary.Changed)
	for _, r := range run.Results {
		fmt.Printf("%s %s\n", r.Resource, r.Outcome)
	}
	// Output:
	// run-001 succeeded changed=1
	// Service[contrail-api] changed
}

// ExampleSQLiteStore_GetEvents demonstrates querying the persisted timeline.
func ExampleSQLiteStore_GetEvents() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	_ = store.Publish(ctx, &engine.Event{
		ID:        "evt-1",
		RunID:     "run-001",
		Type:      engine.EventTypeResourceFailed,
		Resource:  "Neutron_network[public]",
		Message:   "keystone unreachable",
		Timestamp: time.Now(),
	})

	events, err := store.GetEvents(ctx, stores.EventQuery{RunID: "run-001", Level: "error"})
	if err != nil {
		log.Fatal(err)
	}
	for _, e := range events {
		fmt.Printf("[%s] %s: %s\n", e.Level, e.Resource, e.Message)
	}
	// Output: [error] Neutron_network[public]: keystone unreachable
}
