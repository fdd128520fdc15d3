// Package engine provides the declarative resource convergence engine.
//
// # Overview
//
// A convergence run takes a catalog of desired-state declarations, derives the
// relationships between them, compares every resource with what is observed on
// the host and applies only the differences, in dependency order and at most
// once per resource:
//
//  1. Declare - Add resources to a Catalog; attributes are checked against a closed type schema
//  2. Compile - Derive ordering and notification edges, detect cycles, order topologically (Compile)
//  3. Resolve - Bind every resource type to a Provider for the target Platform (Registry)
//  4. Converge - Walk the graph, observe, compare, apply and refresh (Converger)
//  5. Report - Record one entry per resource in topological order (Report)
//
// # Relationships
//
// Relationship metaparameters reference other resources as "Type[title]":
//
//   - require: the referenced resource converges first (ordering)
//   - before: this resource converges first (ordering)
//   - subscribe: a change of the referenced resource refreshes this one (notification)
//   - notify: a change of this resource refreshes the referenced one (notification)
//
// Ordering edges must be acyclic. Notification edges never take part in cycle
// detection. A notification that points backwards in the schedule is marked
// deferred and delivered after its target already converged.
//
// # Resource State Machine
//
// Every resource starts Pending and only moves forward:
//
//	Pending -> Evaluating -> InSync -> Converged
//	Pending -> Evaluating -> Applying -> Converged | Failed
//	Converged -> Refreshing -> Converged | Failed
//	Pending -> Failed      (a predecessor failed)
//	Pending -> Skipped     (refresh-only, never notified)
//	Pending -> Refreshing  (refresh-only, notified)
//
// # Providers
//
// Providers implement resource management through the Provider interface:
//
//	type Provider interface {
//	    CurrentState(ctx context.Context, r *Resource) (Attributes, error)
//	    Apply(ctx context.Context, r *Resource, observed Attributes) (*ApplyResult, error)
//	}
//
// Optional Refresher and Comparer interfaces add refresh handling and a
// custom in-sync policy.
//
// # Error Classification
//
//   - Structural: duplicate resources, invalid attributes, unresolved references
//     and cycles. They are returned by Declare and Compile and abort the run.
//   - Provider: missing providers, timeouts, observation and apply failures.
//     They are captured in the report for the affected resource.
//   - Dependency: resources whose predecessor failed. The report names the
//     failed predecessor so the root cause is easy to find.
//
// # Concurrency
//
// The Converger dispatches provider calls to a bounded worker pool. A
// resource is dispatched only once all its predecessors are finished, and
// ready resources are dispatched in topological order. The per-run state is
// owned by a single coordinator goroutine.
package engine
