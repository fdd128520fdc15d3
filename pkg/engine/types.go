package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Identity uniquely identifies a resource within a catalog.
type Identity struct {
	// Type is the normalized (lower-case) resource type, e.g. "package".
	Type string `json:"type"`

	// Title is the resource title, e.g. "python-six".
	Title string `json:"title"`
}

// NewIdentity creates an identity, normalizing the type name.
func NewIdentity(resourceType, title string) Identity {
	return Identity{Type: strings.ToLower(strings.TrimSpace(resourceType)), Title: title}
}

// String renders the identity in reference form, e.g. "Package[python-six]".
func (id Identity) String() string {
	return fmt.Sprintf("%s[%s]", capitalizeType(id.Type), id.Title)
}

// capitalizeType renders "neutron_network" as "Neutron_network" and
// "consul_service" as "Consul_service", matching reference syntax.
func capitalizeType(t string) string {
	if t == "" {
		return t
	}
	return strings.ToUpper(t[:1]) + t[1:]
}

// ParseReference parses a reference of the form "Type[title]".
func ParseReference(ref string) (Identity, error) {
	ref = strings.TrimSpace(ref)
	open := strings.Index(ref, "[")
	if open <= 0 || !strings.HasSuffix(ref, "]") {
		return Identity{}, fmt.Errorf("malformed reference %q: expected Type[title]", ref)
	}
	title := ref[open+1 : len(ref)-1]
	if title == "" {
		return Identity{}, fmt.Errorf("malformed reference %q: empty title", ref)
	}
	return NewIdentity(ref[:open], title), nil
}

// Attributes maps attribute names to values. Values are primitives
// (string, bool, int64, float64), []interface{} or map[string]interface{}.
type Attributes map[string]interface{}

// Clone returns a deep copy of the attributes.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []interface{}:
		out := make([]interface{}, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	case []string:
		out := make([]interface{}, len(val))
		for i := range val {
			out[i] = val[i]
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case Attributes:
		return map[string]interface{}(val.Clone())
	default:
		return v
	}
}

// String returns the attribute as a string.
func (a Attributes) String(key string) (string, bool) {
	v, ok := a[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Bool returns the attribute as a bool.
func (a Attributes) Bool(key string) (bool, bool) {
	v, ok := a[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Int returns the attribute as an int64.
func (a Attributes) Int(key string) (int64, bool) {
	v, ok := a[key]
	if !ok {
		return 0, false
	}
	n, ok := toInt64(v)
	return n, ok
}

// Strings returns the attribute as a list of strings. A single string is
// returned as a one-element list.
func (a Attributes) Strings(key string) ([]string, bool) {
	v, ok := a[key]
	if !ok {
		return nil, false
	}
	return toStringList(v)
}

// Keys returns the attribute names in sorted order.
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Metaparameter names. They describe relationships and engine behaviour and
// never take part in state comparison.
const (
	AttrEnsure      = "ensure"
	AttrRequire     = "require"
	AttrBefore      = "before"
	AttrSubscribe   = "subscribe"
	AttrNotify      = "notify"
	AttrRefreshOnly = "refreshonly"
	AttrNoop        = "noop"
)

// IsMetaparameter reports whether name is a relationship or engine metaparameter.
func IsMetaparameter(name string) bool {
	switch name {
	case AttrRequire, AttrBefore, AttrSubscribe, AttrNotify, AttrNoop:
		return true
	default:
		return false
	}
}

// Resource is one declared unit of desired state.
type Resource struct {
	id         Identity
	attributes Attributes
	schema     *TypeSchema

	// index is the declaration order within the catalog.
	index int

	requires   []Identity
	befores    []Identity
	subscribes []Identity
	notifies   []Identity
}

// ID returns the resource identity.
func (r *Resource) ID() Identity { return r.id }

// Type returns the resource type.
func (r *Resource) Type() string { return r.id.Type }

// Title returns the resource title.
func (r *Resource) Title() string { return r.id.Title }

// Index returns the declaration order of the resource within its catalog.
func (r *Resource) Index() int { return r.index }

// Schema returns the type schema the resource was validated against.
func (r *Resource) Schema() *TypeSchema { return r.schema }

// Attributes returns a copy of all declared attributes, metaparameters included.
func (r *Resource) Attributes() Attributes { return r.attributes.Clone() }

// Desired returns a copy of the state attributes, without metaparameters.
func (r *Resource) Desired() Attributes {
	out := make(Attributes, len(r.attributes))
	for k, v := range r.attributes {
		if IsMetaparameter(k) {
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// Get returns a copy of a single attribute value.
func (r *Resource) Get(key string) (interface{}, bool) {
	v, ok := r.attributes[key]
	if !ok {
		return nil, false
	}
	return cloneValue(v), true
}

// GetString returns a string attribute.
func (r *Resource) GetString(key string) string {
	s, _ := r.attributes.String(key)
	return s
}

// Ensure returns the declared ensure value, or the schema default.
func (r *Resource) Ensure() string {
	if s, ok := r.attributes.String(AttrEnsure); ok {
		return s
	}
	if r.schema != nil {
		return r.schema.DefaultEnsure
	}
	return ""
}

// RefreshOnly reports whether the resource only runs on notification.
func (r *Resource) RefreshOnly() bool {
	b, _ := r.attributes.Bool(AttrRefreshOnly)
	return b
}

// Noop reports whether the resource must only be evaluated, never applied.
func (r *Resource) Noop() bool {
	b, _ := r.attributes.Bool(AttrNoop)
	return b
}

// IsSensitive reports whether the value of an attribute must be redacted.
// A declared secret flag hides the value attribute.
func (r *Resource) IsSensitive(name string) bool {
	if r.schema != nil && r.schema.Sensitive(name) {
		return true
	}
	if name == "value" {
		secret, _ := r.attributes.Bool("secret")
		return secret
	}
	return false
}

// Requires returns the identities listed in the require metaparameter.
func (r *Resource) Requires() []Identity { return append([]Identity(nil), r.requires...) }

// Befores returns the identities listed in the before metaparameter.
func (r *Resource) Befores() []Identity { return append([]Identity(nil), r.befores...) }

// Subscribes returns the identities listed in the subscribe metaparameter.
func (r *Resource) Subscribes() []Identity { return append([]Identity(nil), r.subscribes...) }

// Notifies returns the identities listed in the notify metaparameter.
func (r *Resource) Notifies() []Identity { return append([]Identity(nil), r.notifies...) }

// String returns the reference form of the resource identity.
func (r *Resource) String() string { return r.id.String() }

// Change represents a single attribute difference between desired and observed state.
type Change struct {
	// Path is the attribute name being changed (e.g., "cidr").
	Path string `json:"path"`

	// Before is the observed value.
	Before interface{} `json:"before,omitempty"`

	// After is the desired value.
	After interface{} `json:"after,omitempty"`

	// Action describes the change action (add, remove, modify).
	Action ChangeAction `json:"action"`
}

// ChangeAction represents the type of change being made.
type ChangeAction string

const (
	// ChangeActionAdd indicates a new attribute or resource is being added.
	ChangeActionAdd ChangeAction = "add"

	// ChangeActionRemove indicates an attribute or resource is being removed.
	ChangeActionRemove ChangeAction = "remove"

	// ChangeActionModify indicates an attribute value is being changed.
	ChangeActionModify ChangeAction = "modify"
)

// Event represents a timeline event during a convergence run.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the ID of the run this event belongs to.
	RunID string `json:"run_id"`

	// Resource is the reference of the resource, if applicable.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}
