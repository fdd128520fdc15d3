package engine

import (
	"encoding/json"
	"reflect"
	"sort"
)

// RedactedValue replaces sensitive attribute values in changes and reports.
const RedactedValue = "[redacted]"

// ComputeDiff compares the desired state of a resource with the observed
// state using the schema-driven comparison rules. An empty result means the
// resource is in sync.
func ComputeDiff(r *Resource, observed Attributes) []Change {
	schema := r.Schema()
	desired := r.Desired()
	changes := make([]Change, 0)

	if schema.HasEnsure() {
		want := r.Ensure()
		have := ObservedEnsure(observed)

		if want == "absent" || want == "purged" {
			if have != "absent" {
				changes = append(changes, Change{Path: AttrEnsure, Before: have, After: want, Action: ChangeActionRemove})
			}
			return changes
		}

		if have == "absent" {
			changes = append(changes, Change{Path: AttrEnsure, Before: have, After: want, Action: ChangeActionAdd})
			for _, name := range desired.Keys() {
				if schema.Compared(name) {
					changes = append(changes, redact(r, Change{Path: name, After: desired[name], Action: ChangeActionAdd}))
				}
			}
			return changes
		}

		if !EnsureSatisfied(want, have) {
			changes = append(changes, Change{Path: AttrEnsure, Before: have, After: want, Action: ChangeActionModify})
		}
	}

	for _, name := range desired.Keys() {
		if !schema.Compared(name) {
			continue
		}
		want := desired[name]
		have, ok := observed[name]
		if !ok || have == nil {
			changes = append(changes, redact(r, Change{Path: name, After: want, Action: ChangeActionAdd}))
			continue
		}
		if !ValuesEqual(schema.Attributes[name].Kind, want, have) {
			changes = append(changes, redact(r, Change{Path: name, Before: have, After: want, Action: ChangeActionModify}))
		}
	}

	return changes
}

// InSync decides whether a resource matches its observed state, preferring
// the provider's own policy when it implements Comparer.
func InSync(p Provider, r *Resource, observed Attributes) (bool, []Change) {
	if c, ok := p.(Comparer); ok {
		return c.InSync(r, observed)
	}
	changes := ComputeDiff(r, observed)
	return len(changes) == 0, changes
}

// ObservedEnsure returns the observed ensure value, treating a missing
// value as "absent" for empty observations and "present" otherwise.
func ObservedEnsure(observed Attributes) string {
	if s, ok := observed.String(AttrEnsure); ok && s != "" {
		return s
	}
	if len(observed) == 0 {
		return "absent"
	}
	return "present"
}

// EnsureSatisfied reports whether an observed ensure value satisfies the
// desired one. "present" and "installed" accept any existing state, and
// "file" and "present" are interchangeable.
func EnsureSatisfied(want, have string) bool {
	if want == have {
		return true
	}
	if have == "absent" || have == "purged" {
		return false
	}
	switch want {
	case "present", "installed":
		return true
	case "file":
		return have == "present"
	case "latest":
		// Without a provider policy any installed version satisfies latest.
		return true
	default:
		return false
	}
}

// ValuesEqual compares two attribute values under the rules of kind.
func ValuesEqual(kind ValueKind, a, b interface{}) bool {
	switch kind {
	case KindString:
		as, aok := a.(string)
		bs, bok := b.(string)
		return aok && bok && as == bs
	case KindScalar:
		as, aok := scalarString(a)
		bs, bok := scalarString(b)
		return aok && bok && as == bs
	case KindBool:
		ab, aok := toBool(a)
		bb, bok := toBool(b)
		return aok && bok && ab == bb
	case KindInt:
		an, aok := toInt64(a)
		bn, bok := toInt64(b)
		return aok && bok && an == bn
	case KindList:
		al, aok := toStringList(a)
		bl, bok := toStringList(b)
		return aok && bok && reflect.DeepEqual(al, bl)
	case KindSet:
		al, aok := toStringList(a)
		bl, bok := toStringList(b)
		if !aok || !bok {
			return false
		}
		return reflect.DeepEqual(uniqueSorted(al), uniqueSorted(bl))
	default:
		return jsonEqual(a, b)
	}
}

// jsonEqual compares two values after a JSON round trip, which normalizes
// numeric types and nested containers.
func jsonEqual(a, b interface{}) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}

	var aVal, bVal interface{}
	if err := json.Unmarshal(aj, &aVal); err != nil {
		return false
	}
	if err := json.Unmarshal(bj, &bVal); err != nil {
		return false
	}
	return reflect.DeepEqual(aVal, bVal)
}

func uniqueSorted(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if !seen[item] {
			seen[item] = true
			out = append(out, item)
		}
	}
	sort.Strings(out)
	return out
}

func redact(r *Resource, c Change) Change {
	if !r.IsSensitive(c.Path) {
		return c
	}
	if c.Before != nil {
		c.Before = RedactedValue
	}
	if c.After != nil {
		c.After = RedactedValue
	}
	return c
}

// RedactChanges hides the values of changes to sensitive attributes. It is
// used for changes reported by providers implementing Comparer.
func RedactChanges(r *Resource, changes []Change) []Change {
	out := make([]Change, len(changes))
	for i, c := range changes {
		out[i] = redact(r, c)
	}
	return out
}
