package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for propagation and reporting.
type ErrorClass string

const (
	// ErrorClassStructural indicates a catalog that cannot be compiled.
	// Structural errors are fatal to the run and surface to the caller immediately.
	ErrorClassStructural ErrorClass = "structural"

	// ErrorClassProvider indicates a runtime failure scoped to one resource.
	// Examples: apply failures, observation failures, timeouts.
	ErrorClassProvider ErrorClass = "provider"

	// ErrorClassDependency indicates a resource failed because a predecessor failed.
	ErrorClassDependency ErrorClass = "dependency"

	// ErrorClassInternal indicates an engine invariant was violated.
	ErrorClassInternal ErrorClass = "internal"
)

// Error codes.
const (
	ErrCodeDuplicateResource   = "DUPLICATE_RESOURCE"
	ErrCodeInvalidAttribute    = "INVALID_ATTRIBUTE"
	ErrCodeUnresolvedReference = "UNRESOLVED_REFERENCE"
	ErrCodeCyclicDependency    = "CYCLIC_DEPENDENCY"
	ErrCodeCatalogSealed       = "CATALOG_SEALED"
	ErrCodeNoProvider          = "NO_PROVIDER"
	ErrCodeTimeout             = "PROVIDER_TIMEOUT"
	ErrCodeApplyFailure        = "APPLY_FAILURE"
	ErrCodeObservationFailure  = "OBSERVATION_FAILURE"
	ErrCodeRefreshFailure      = "REFRESH_FAILURE"
	ErrCodeUpstreamFailure     = "UPSTREAM_FAILURE"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the reference of the resource that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Attribute names the offending attribute for INVALID_ATTRIBUTE errors.
	Attribute string `json:"attribute,omitempty"`

	// Cycle is one concrete cycle for CYCLIC_DEPENDENCY errors.
	// The first identity is repeated at the end.
	Cycle []Identity `json:"cycle,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		fmt.Fprintf(&b, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	} else if e.Resource != "" {
		fmt.Fprintf(&b, " (resource=%s)", e.Resource)
	}
	if msg := e.unwrapMessage(); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDuplicateResourceError reports a second declaration of the same identity.
func NewDuplicateResourceError(id Identity) *EngineError {
	return &EngineError{
		Class:    ErrorClassStructural,
		Code:     ErrCodeDuplicateResource,
		Message:  "duplicate resource declaration",
		Resource: id.String(),
	}
}

// NewInvalidAttributeError reports a schema violation on one attribute.
func NewInvalidAttributeError(id Identity, attribute string, err error) *EngineError {
	return &EngineError{
		Class:     ErrorClassStructural,
		Code:      ErrCodeInvalidAttribute,
		Message:   fmt.Sprintf("invalid attribute %q", attribute),
		Resource:  id.String(),
		Attribute: attribute,
		Err:       err,
	}
}

// NewUnresolvedReferenceError reports a relationship to an undeclared resource.
func NewUnresolvedReferenceError(from Identity, attribute string, ref Identity) *EngineError {
	return (&EngineError{
		Class:     ErrorClassStructural,
		Code:      ErrCodeUnresolvedReference,
		Message:   fmt.Sprintf("%s references undeclared resource %s", attribute, ref),
		Resource:  from.String(),
		Attribute: attribute,
	}).WithDetail("reference", ref.String())
}

// NewCyclicDependencyError reports one concrete ordering cycle.
func NewCyclicDependencyError(cycle []Identity) *EngineError {
	return &EngineError{
		Class:   ErrorClassStructural,
		Code:    ErrCodeCyclicDependency,
		Message: "dependency cycle detected: " + formatCycle(cycle),
		Cycle:   cycle,
	}
}

// NewNoProviderError reports a resource type without a provider for the platform.
func NewNoProviderError(resourceType string, platform Platform) *EngineError {
	return &EngineError{
		Class:   ErrorClassProvider,
		Code:    ErrCodeNoProvider,
		Message: fmt.Sprintf("no provider registered for type %q on platform %s", resourceType, platform),
	}
}

// NewProviderError wraps a provider failure with the matching error code.
func NewProviderError(code string, id Identity, operation string, err error) *EngineError {
	return &EngineError{
		Class:     ErrorClassProvider,
		Code:      code,
		Message:   "provider call failed",
		Resource:  id.String(),
		Operation: operation,
		Err:       err,
	}
}

// NewUpstreamFailureError reports that a predecessor failed.
func NewUpstreamFailureError(id, upstream Identity) *EngineError {
	return (&EngineError{
		Class:    ErrorClassDependency,
		Code:     ErrCodeUpstreamFailure,
		Message:  "dependency failed: " + upstream.String(),
		Resource: id.String(),
	}).WithDetail("upstream", upstream.String())
}

// IsDuplicateResource returns true for DUPLICATE_RESOURCE errors.
func IsDuplicateResource(err error) bool { return hasCode(err, ErrCodeDuplicateResource) }

// IsInvalidAttribute returns true for INVALID_ATTRIBUTE errors.
func IsInvalidAttribute(err error) bool { return hasCode(err, ErrCodeInvalidAttribute) }

// IsUnresolvedReference returns true for UNRESOLVED_REFERENCE errors.
func IsUnresolvedReference(err error) bool { return hasCode(err, ErrCodeUnresolvedReference) }

// IsCyclicDependency returns true for CYCLIC_DEPENDENCY errors.
func IsCyclicDependency(err error) bool { return hasCode(err, ErrCodeCyclicDependency) }

// IsNoProvider returns true for NO_PROVIDER errors.
func IsNoProvider(err error) bool { return hasCode(err, ErrCodeNoProvider) }

// IsTimeout returns true for provider timeouts.
func IsTimeout(err error) bool { return hasCode(err, ErrCodeTimeout) }

// IsUpstreamFailure returns true for errors caused by a failed predecessor.
func IsUpstreamFailure(err error) bool { return hasCode(err, ErrCodeUpstreamFailure) }

// IsStructural returns true if the error prevents the catalog from compiling.
func IsStructural(err error) bool {
	var e *EngineError
	if errors.As(err, &e) && e != nil {
		return e.Class == ErrorClassStructural
	}
	return false
}

func hasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) && e != nil {
		return e.Code == code
	}
	return false
}

// formatCycle renders a cycle as "A -> B -> A".
func formatCycle(cycle []Identity) string {
	parts := make([]string, len(cycle))
	for i, id := range cycle {
		parts[i] = id.String()
	}
	return strings.Join(parts, " -> ")
}
