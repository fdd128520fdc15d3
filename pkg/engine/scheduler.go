package engine

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Converger walks a compiled graph and converges every resource. Provider
// calls run on a bounded worker pool; all engine state is owned by a single
// coordinator goroutine.
type Converger struct {
	// registry resolves providers when a catalog is compiled by Run
	registry *Registry

	// platform is the target descriptor used for provider resolution
	platform Platform

	logger    zerolog.Logger
	publisher EventPublisher
	recorder  RunRecorder
	metrics   MetricsRecorder
	tracer    trace.Tracer
}

// NewConverger creates a converger for a platform.
func NewConverger(registry *Registry, platform Platform, logger zerolog.Logger) *Converger {
	return &Converger{
		registry: registry,
		platform: platform,
		logger:   logger.With().Str("component", "converger").Logger(),
		metrics:  noopMetrics{},
		tracer:   noop.NewTracerProvider().Tracer("converger"),
	}
}

// SetEventPublisher sets the publisher for run timeline events.
func (c *Converger) SetEventPublisher(p EventPublisher) { c.publisher = p }

// SetRecorder sets the store finished reports are recorded in.
func (c *Converger) SetRecorder(r RunRecorder) { c.recorder = r }

// SetMetrics sets the metrics recorder.
func (c *Converger) SetMetrics(m MetricsRecorder) {
	if m == nil {
		m = noopMetrics{}
	}
	c.metrics = m
}

// SetTracer sets the tracer used for run and provider call spans.
func (c *Converger) SetTracer(t trace.Tracer) {
	if t != nil {
		c.tracer = t
	}
}

// Run compiles the catalog and converges it. Structural errors are returned
// before anything is evaluated.
func (c *Converger) Run(ctx context.Context, catalog *Catalog, opts ScheduleOptions) (*Report, error) {
	g, err := Compile(catalog, c.registry, c.platform)
	if err != nil {
		return nil, err
	}
	return c.Converge(ctx, g, opts)
}

type taskKind int

const (
	// taskEvaluate observes the resource and applies it when divergent.
	taskEvaluate taskKind = iota

	// taskFire applies a notified refresh-only resource.
	taskFire

	// taskRefresh delivers a late refresh to a converged resource.
	taskRefresh
)

type task struct {
	node         int
	kind         taskKind
	refreshAfter bool
	dryRun       bool
	deferred     bool
	timeout      time.Duration
}

type taskResult struct {
	task      task
	steps     []ResourceState
	outcome   Outcome
	changes   []Change
	message   string
	refreshed bool
	err       *EngineError
	duration  time.Duration
}

// runState is the per-run engine state. Only the coordinator touches it.
type runState struct {
	graph   *Graph
	opts    ScheduleOptions
	runID   string
	states  []ResourceState
	entries []*ReportEntry

	// waiting counts unfinished scheduling predecessors per resource.
	waiting []int
	ready   *intMinHeap

	// notified marks resources that received a qualifying notification.
	notified []bool

	// deferredQueue holds late refreshes in arrival order.
	deferredQueue []task
	deferredTaken []bool

	seq         int
	internalErr error
}

// Converge walks a compiled graph. The returned report always covers every
// resource. A cancelled context stops dispatching at the next resource
// boundary; the report is returned together with the context error.
func (c *Converger) Converge(ctx context.Context, g *Graph, opts ScheduleOptions) (*Report, error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	workers := opts.MaxParallel
	if workers < 1 {
		workers = 1
	}

	ctx, span := c.tracer.Start(ctx, "converge.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.Int("run.resources", g.Len()),
		attribute.Bool("run.dry_run", opts.DryRun),
	))
	defer span.End()

	logger := c.logger.With().Str("run_id", runID).Logger()
	report := &Report{
		RunID:     runID,
		Status:    RunStatusRunning,
		DryRun:    opts.DryRun,
		Platform:  g.Platform(),
		StartedAt: time.Now(),
	}

	run := newRunState(g, opts, runID)
	c.metrics.RecordRunStarted()
	c.publishEvent(ctx, runID, "", EventTypeRunStarted, fmt.Sprintf("Run started with %d resources", g.Len()))
	logger.Info().Int("resources", g.Len()).Int("workers", workers).Bool("dry_run", opts.DryRun).Msg("Starting convergence run")

	// In-flight provider calls finish even when the run is cancelled.
	callCtx := context.WithoutCancel(ctx)

	tasks := make(chan task)
	results := make(chan taskResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				results <- c.execute(callCtx, g, t)
			}
		}()
	}

	inflight := 0
	cancelled := false
	for {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
			logger.Warn().Err(ctx.Err()).Int("in_flight", inflight).Msg("Run cancelled, waiting for in-flight resources")
		}

		for !cancelled && inflight < workers {
			t, ok := c.next(ctx, run, logger)
			if !ok {
				break
			}
			tasks <- t
			inflight++
		}

		if inflight == 0 {
			break
		}

		res := <-results
		inflight--
		c.complete(ctx, run, res, logger)
	}
	close(tasks)
	wg.Wait()

	for node, state := range run.states {
		if state == StatePending {
			entry := run.entries[node]
			entry.Outcome = OutcomeNotAttempted
			entry.State = StatePending
		}
	}

	report.Entries = make([]ReportEntry, 0, g.Len())
	for _, node := range g.order {
		report.Entries = append(report.Entries, *run.entries[node])
	}
	report.Summary = calculateRunSummary(report.Entries)
	report.CompletedAt = time.Now()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)

	switch {
	case cancelled:
		report.Status = RunStatusCancelled
	case report.Summary.Failed > 0:
		report.Status = RunStatusFailed
	default:
		report.Status = RunStatusSucceeded
	}

	for _, e := range report.Entries {
		c.metrics.RecordResourceOutcome(e.Resource.Type, e.Outcome, e.Duration)
	}
	c.metrics.RecordRunCompleted(report.Status, report.Duration)

	span.SetAttributes(attribute.String("run.status", string(report.Status)))
	switch report.Status {
	case RunStatusSucceeded:
		c.publishEvent(ctx, runID, "", EventTypeRunCompleted, "Run completed successfully")
	case RunStatusCancelled:
		c.publishEvent(ctx, runID, "", EventTypeRunCancelled, "Run cancelled")
	default:
		span.SetStatus(codes.Error, "resources failed")
		c.publishEvent(ctx, runID, "", EventTypeRunFailed,
			fmt.Sprintf("Run completed with %d failed resources", report.Summary.Failed))
	}

	logger.Info().
		Str("status", string(report.Status)).
		Int("changed", report.Summary.Changed).
		Int("in_sync", report.Summary.InSync).
		Int("failed", report.Summary.Failed).
		Int("skipped", report.Summary.Skipped).
		Dur("duration", report.Duration).
		Msg("Convergence run finished")

	if c.recorder != nil {
		if err := c.recorder.RecordRun(context.WithoutCancel(ctx), report); err != nil {
			logger.Warn().Err(err).Msg("Failed to record run")
		}
	}

	if run.internalErr != nil {
		return report, run.internalErr
	}
	if cancelled {
		return report, ctx.Err()
	}
	return report, nil
}

func newRunState(g *Graph, opts ScheduleOptions, runID string) *runState {
	n := g.Len()
	run := &runState{
		graph:         g,
		opts:          opts,
		runID:         runID,
		states:        make([]ResourceState, n),
		entries:       make([]*ReportEntry, n),
		waiting:       make([]int, n),
		ready:         &intMinHeap{},
		notified:      make([]bool, n),
		deferredTaken: make([]bool, n),
	}
	for i, r := range g.resources {
		run.states[i] = StatePending
		run.entries[i] = &ReportEntry{
			Resource:    r.ID(),
			Reference:   r.ID().String(),
			State:       StatePending,
			Transitions: []ResourceState{StatePending},
		}
		run.waiting[i] = len(g.gatePreds[i])
		if run.waiting[i] == 0 {
			heap.Push(run.ready, g.position[i])
		}
	}
	return run
}

// next returns the next task to hand to a worker. Resources that need no
// provider call (upstream failures, unnotified refresh-only resources) are
// resolved inline.
func (c *Converger) next(ctx context.Context, run *runState, logger zerolog.Logger) (task, bool) {
	g := run.graph
	for {
		if len(run.deferredQueue) > 0 {
			t := run.deferredQueue[0]
			run.deferredQueue = run.deferredQueue[1:]
			run.transition(t.node, StateRefreshing)
			t.timeout = run.opts.ProviderTimeout
			return t, true
		}

		if run.ready.Len() == 0 {
			return task{}, false
		}
		node := g.order[heap.Pop(run.ready).(int)]
		r := g.resources[node]
		entry := run.entries[node]
		run.seq++
		entry.StartSeq = run.seq
		dryRun := run.opts.DryRun || r.Noop()

		if upstream, failed := run.failedPredecessor(node); failed {
			run.transition(node, StateFailed)
			upID := g.resources[upstream].ID()
			entry.Outcome = OutcomeFailed
			entry.Reason = FailureReasonUpstream
			entry.Upstream = &upID
			entry.Error = NewUpstreamFailureError(r.ID(), upID)
			logger.Warn().Str("resource", entry.Reference).Str("upstream", upID.String()).Msg("Resource failed because a dependency failed")
			c.publishEvent(ctx, run.runID, entry.Reference, EventTypeResourceFailed, "Dependency failed: "+upID.String())
			finish(run, node)
			continue
		}

		if r.RefreshOnly() {
			if !run.notified[node] {
				run.transition(node, StateSkipped)
				entry.Outcome = OutcomeSkipped
				logger.Debug().Str("resource", entry.Reference).Msg("Refresh-only resource not notified, skipping")
				c.publishEvent(ctx, run.runID, entry.Reference, EventTypeResourceSkipped, "Not notified")
				finish(run, node)
				continue
			}
			run.transition(node, StateRefreshing)
			run.deferredTaken[node] = true
			return task{node: node, kind: taskFire, dryRun: dryRun, timeout: run.opts.ProviderTimeout}, true
		}

		run.transition(node, StateEvaluating)
		c.publishEvent(ctx, run.runID, entry.Reference, EventTypeResourceEvaluating, "Evaluating")
		return task{
			node:         node,
			kind:         taskEvaluate,
			refreshAfter: run.notified[node],
			dryRun:       dryRun,
			timeout:      run.opts.ProviderTimeout,
		}, true
	}
}

// failedPredecessor returns the earliest failed scheduling predecessor.
func (run *runState) failedPredecessor(node int) (int, bool) {
	g := run.graph
	found := -1
	for _, pred := range g.gatePreds[node] {
		if run.states[pred] != StateFailed {
			continue
		}
		if found < 0 || g.position[pred] < g.position[found] {
			found = pred
		}
	}
	return found, found >= 0
}

// complete applies a worker result: state transitions, notifications and
// release of successors.
func (c *Converger) complete(ctx context.Context, run *runState, res taskResult, logger zerolog.Logger) {
	node := res.task.node
	entry := run.entries[node]
	for _, step := range res.steps {
		run.transition(node, step)
	}

	entry.Duration += res.duration
	if res.refreshed {
		entry.Refreshed = true
		run.deferredTaken[node] = true
	}
	if res.message != "" {
		entry.Message = res.message
	}
	if len(res.changes) > 0 {
		entry.Changes = res.changes
	}

	if res.task.kind == taskRefresh {
		// A late refresh keeps the earlier outcome unless it fails.
		if res.err != nil {
			entry.Outcome = OutcomeFailed
			entry.Reason = FailureReasonProvider
			entry.Error = res.err
		}
	} else {
		entry.Outcome = res.outcome
		entry.Changed = res.outcome == OutcomeChanged
		if res.err != nil {
			entry.Reason = FailureReasonProvider
			entry.Error = res.err
		}
	}

	event := logger.Info()
	if res.err != nil {
		event = logger.Error().Err(res.err)
	}
	event.Str("resource", entry.Reference).
		Str("outcome", string(entry.Outcome)).
		Bool("refreshed", entry.Refreshed).
		Int("changes", len(res.changes)).
		Dur("duration", res.duration).
		Msg("Resource finished")
	c.publishEvent(ctx, run.runID, entry.Reference, outcomeEvent(res), resultMessage(res))

	if res.outcome == OutcomeChanged || res.outcome == OutcomePendingChange {
		c.notify(run, node, logger)
	}

	if res.task.deferred {
		run.seq++
		entry.FinishSeq = run.seq
		return
	}
	finish(run, node)
}

// notify records a change of node on every notification target.
func (c *Converger) notify(run *runState, node int, logger zerolog.Logger) {
	g := run.graph
	for _, target := range g.notifyTargets[node] {
		if !g.deferred[[2]int{node, target}] {
			run.notified[target] = true
			continue
		}
		if target == node || run.deferredTaken[target] {
			continue
		}

		r := g.resources[target]
		entry := run.entries[target]
		dryRun := run.opts.DryRun || r.Noop()
		switch {
		case r.RefreshOnly() && run.states[target] == StateSkipped:
			run.deferredTaken[target] = true
			run.deferredQueue = append(run.deferredQueue, task{node: target, kind: taskFire, dryRun: dryRun, deferred: true})
		case !r.RefreshOnly() && run.states[target] == StateConverged && entry.Outcome == OutcomeInSync && !dryRun:
			p, err := g.Provider(r.ID())
			if err != nil {
				continue
			}
			if _, ok := p.(Refresher); !ok {
				continue
			}
			run.deferredTaken[target] = true
			run.deferredQueue = append(run.deferredQueue, task{node: target, kind: taskRefresh, deferred: true})
		default:
			continue
		}
		logger.Debug().
			Str("resource", entry.Reference).
			Str("notifier", g.resources[node].ID().String()).
			Msg("Queued late refresh")
	}
}

// finish stamps the finish sequence number and releases successors.
func finish(run *runState, node int) {
	g := run.graph
	run.seq++
	run.entries[node].FinishSeq = run.seq
	for _, succ := range g.gateSuccs[node] {
		run.waiting[succ]--
		if run.waiting[succ] == 0 {
			heap.Push(run.ready, g.position[succ])
		}
	}
}

func (run *runState) transition(node int, to ResourceState) {
	from := run.states[node]
	if !from.CanTransition(to) {
		if run.internalErr == nil {
			run.internalErr = &EngineError{
				Class:    ErrorClassInternal,
				Code:     ErrCodeInvalidTransition,
				Message:  fmt.Sprintf("invalid transition %s -> %s", from, to),
				Resource: run.graph.resources[node].ID().String(),
			}
		}
		return
	}
	run.states[node] = to
	entry := run.entries[node]
	entry.State = to
	entry.Transitions = append(entry.Transitions, to)
}

// execute runs on a worker goroutine. It only calls the provider and
// reports the state steps taken; it never touches run state.
func (c *Converger) execute(ctx context.Context, g *Graph, t task) taskResult {
	r := g.resources[t.node]
	res := taskResult{task: t}
	start := time.Now()

	fail := func(err *EngineError) taskResult {
		res.steps = append(res.steps, StateFailed)
		res.outcome = OutcomeFailed
		res.err = err
		res.duration = time.Since(start)
		return res
	}

	p, perr := g.Provider(r.ID())
	if perr != nil {
		var engErr *EngineError
		if !errors.As(perr, &engErr) {
			engErr = NewNoProviderError(r.Type(), g.Platform()).WithResource(r.ID().String())
		}
		return fail(engErr)
	}

	switch t.kind {
	case taskFire:
		if t.dryRun {
			res.steps = append(res.steps, StateConverged)
			res.outcome = OutcomePendingChange
			res.message = "would fire on notification"
			break
		}
		var result *ApplyResult
		err := c.call(ctx, r, "apply", t.timeout, func(callCtx context.Context) error {
			var err error
			result, err = p.Apply(callCtx, r, nil)
			return err
		})
		if err != nil {
			return fail(err)
		}
		res.steps = append(res.steps, StateConverged)
		res.refreshed = true
		res.outcome = OutcomeChanged
		if result != nil {
			res.message = result.Message
			if !result.Changed {
				res.outcome = OutcomeInSync
			}
		}

	case taskRefresh:
		if err := c.refresh(ctx, p, r, t.timeout); err != nil {
			return fail(err)
		}
		res.steps = append(res.steps, StateConverged)
		res.refreshed = true

	default:
		var observed Attributes
		err := c.call(ctx, r, "current_state", t.timeout, func(callCtx context.Context) error {
			var err error
			observed, err = p.CurrentState(callCtx, r)
			return err
		})
		if err != nil {
			return fail(err)
		}

		inSync, changes := InSync(p, r, observed)
		res.changes = RedactChanges(r, changes)

		switch {
		case inSync:
			res.steps = append(res.steps, StateInSync, StateConverged)
			res.outcome = OutcomeInSync
		case t.dryRun:
			res.steps = append(res.steps, StateConverged)
			res.outcome = OutcomePendingChange
		default:
			res.steps = append(res.steps, StateApplying)
			var result *ApplyResult
			err := c.call(ctx, r, "apply", t.timeout, func(callCtx context.Context) error {
				var err error
				result, err = p.Apply(callCtx, r, observed)
				return err
			})
			if err != nil {
				return fail(err)
			}
			res.steps = append(res.steps, StateConverged)
			res.outcome = OutcomeChanged
			if result != nil {
				res.message = result.Message
				if !result.Changed {
					res.outcome = OutcomeInSync
				}
			}
		}

		// A resource that changed itself already picked up whatever its
		// notifiers changed.
		if t.refreshAfter && res.outcome == OutcomeInSync && !t.dryRun {
			if _, ok := p.(Refresher); ok {
				res.steps = append(res.steps, StateRefreshing)
				if err := c.refresh(ctx, p, r, t.timeout); err != nil {
					return fail(err)
				}
				res.steps = append(res.steps, StateConverged)
				res.refreshed = true
			}
		}
	}

	res.duration = time.Since(start)
	return res
}

func (c *Converger) refresh(ctx context.Context, p Provider, r *Resource, timeout time.Duration) *EngineError {
	refresher, ok := p.(Refresher)
	if !ok {
		return nil
	}
	return c.call(ctx, r, "refresh", timeout, func(callCtx context.Context) error {
		return refresher.Refresh(callCtx, r)
	})
}

// call invokes one provider operation with the per-call timeout, a span and
// metrics, and classifies its error.
func (c *Converger) call(ctx context.Context, r *Resource, operation string, timeout time.Duration, fn func(context.Context) error) *EngineError {
	callCtx := ctx
	cancel := func() {}
	if timeout = callTimeout(r, timeout); timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	callCtx, span := c.tracer.Start(callCtx, "provider."+operation, trace.WithAttributes(
		attribute.String("resource.type", r.Type()),
		attribute.String("resource.title", r.Title()),
	))
	defer span.End()

	start := time.Now()
	err := fn(callCtx)
	c.metrics.RecordProviderCall(r.Type(), operation, time.Since(start), err)
	if err == nil {
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return classifyError(r, operation, err, callCtx.Err())
}

// callTimeout returns the run-wide per-call timeout. Exec resources with a
// timeout attribute use the larger of the two.
func callTimeout(r *Resource, timeout time.Duration) time.Duration {
	if n, ok := r.attributes.Int("timeout"); ok && n > 0 && r.Type() == "exec" {
		if d := time.Duration(n) * time.Second; d > timeout {
			timeout = d
		}
	}
	return timeout
}

// classifyError converts a provider error into an EngineError.
func classifyError(r *Resource, operation string, err, ctxErr error) *EngineError {
	var engErr *EngineError
	if errors.As(err, &engErr) && engErr.Class != "" {
		// Providers may return shared error values. Fill in a copy.
		e := *engErr
		if e.Resource == "" {
			e.Resource = r.ID().String()
		}
		if e.Operation == "" {
			e.Operation = operation
		}
		return &e
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctxErr, context.DeadlineExceeded) {
		return NewProviderError(ErrCodeTimeout, r.ID(), operation, err)
	}

	switch operation {
	case "current_state":
		return NewProviderError(ErrCodeObservationFailure, r.ID(), operation, err)
	case "refresh":
		return NewProviderError(ErrCodeRefreshFailure, r.ID(), operation, err)
	default:
		return NewProviderError(ErrCodeApplyFailure, r.ID(), operation, err)
	}
}

func outcomeEvent(res taskResult) EventType {
	switch {
	case res.err != nil:
		return EventTypeResourceFailed
	case res.task.kind == taskRefresh:
		return EventTypeResourceRefreshed
	case res.outcome == OutcomeChanged:
		return EventTypeResourceChanged
	case res.outcome == OutcomePendingChange:
		return EventTypeResourcePending
	default:
		return EventTypeResourceInSync
	}
}

func resultMessage(res taskResult) string {
	switch {
	case res.err != nil:
		return res.err.Error()
	case res.message != "":
		return res.message
	default:
		return string(res.outcome)
	}
}

// publishEvent publishes a run timeline event.
func (c *Converger) publishEvent(ctx context.Context, runID, resource string, eventType EventType, message string) {
	if c.publisher == nil {
		return
	}

	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		Resource:  resource,
		Message:   message,
		Level:     eventType.Severity(),
	}

	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logger.Debug().Err(err).Str("event", string(eventType)).Msg("Failed to publish event")
	}
}
