package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/jiocloud/nodeconverge/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block a run in enforce mode.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that always block a run, in any mode.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether the severity stops a run in enforce mode.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Mode controls what the gate does with blocking violations.
type Mode string

const (
	// ModeEnforce rejects catalogs with error or critical violations.
	ModeEnforce Mode = "enforce"

	// ModeWarn reports error violations without rejecting the catalog.
	// Critical violations still reject it.
	ModeWarn Mode = "warn"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are read from the
	// deny set of the module's package.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks the policies shipped with the engine.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was loaded.
	LoadedAt time.Time `json:"loaded_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the reference of the offending resource, if any.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Remediation provides a suggested fix.
	Remediation string `json:"remediation,omitempty"`
}

// String renders the violation on one line.
func (v Violation) String() string {
	if v.Resource == "" {
		return fmt.Sprintf("%s [%s]: %s", v.Policy, v.Severity, v.Message)
	}
	return fmt.Sprintf("%s [%s] %s: %s", v.Policy, v.Severity, v.Resource, v.Message)
}

// Result represents the result of gating one catalog.
type Result struct {
	// Allowed indicates if the run may proceed.
	Allowed bool `json:"allowed"`

	// Mode is the gate mode the result was computed in.
	Mode Mode `json:"mode"`

	// Violations lists error and critical violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists info and warning violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// Failures lists policies that could not be evaluated.
	Failures []string `json:"failures,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the catalog was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Err returns a *DeniedError when the catalog was rejected, nil otherwise.
func (r *Result) Err() error {
	if r.Allowed {
		return nil
	}
	return &DeniedError{Violations: r.Violations, Failures: r.Failures}
}

// DeniedError is returned when the gate rejects a catalog.
type DeniedError struct {
	Violations []Violation
	Failures   []string
}

// Error implements the error interface.
func (e *DeniedError) Error() string {
	parts := make([]string, 0, len(e.Violations)+len(e.Failures))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	for _, f := range e.Failures {
		parts = append(parts, "evaluation failed: "+f)
	}
	return fmt.Sprintf("catalog rejected by policy (%d violations): %s", len(e.Violations), strings.Join(parts, "; "))
}

// Input is the document policies see as input.
type Input struct {
	// Node describes the platform the catalog converges on.
	Node engine.Platform `json:"node"`

	// DryRun is set for plan runs.
	DryRun bool `json:"dry_run"`

	// Resources are the catalog resources in declaration order.
	Resources []InputResource `json:"resources"`

	// Edges are the derived relationship edges.
	Edges []InputEdge `json:"edges"`
}

// InputEdge is a relationship edge in reference form.
type InputEdge struct {
	From      string          `json:"from"`
	To        string          `json:"to"`
	Kind      engine.EdgeKind `json:"kind"`
	Attribute string          `json:"attribute"`
	Deferred  bool            `json:"deferred,omitempty"`
}

// InputResource is one resource as seen by policies. Sensitive attribute
// values are redacted.
type InputResource struct {
	Ref        string                 `json:"ref"`
	Type       string                 `json:"type"`
	Title      string                 `json:"title"`
	Index      int                    `json:"index"`
	Ensure     string                 `json:"ensure"`
	Attributes map[string]interface{} `json:"attributes"`
	Sensitive  []string               `json:"sensitive,omitempty"`
}
