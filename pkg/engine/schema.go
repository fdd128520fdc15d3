package engine

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ValueKind is the type of an attribute value in a type schema.
type ValueKind string

const (
	// KindString accepts strings only.
	KindString ValueKind = "string"

	// KindScalar accepts strings, bools and numbers, normalized to a string.
	KindScalar ValueKind = "scalar"

	// KindBool accepts bools and the strings "true"/"false".
	KindBool ValueKind = "bool"

	// KindInt accepts integers and integral numeric strings.
	KindInt ValueKind = "int"

	// KindList accepts a list of strings whose order is significant.
	KindList ValueKind = "list"

	// KindSet accepts a list of strings compared without regard to order.
	KindSet ValueKind = "set"

	// KindMap accepts a nested mapping.
	KindMap ValueKind = "map"
)

// AttributeSpec describes one attribute of a resource type.
type AttributeSpec struct {
	// Kind is the value type.
	Kind ValueKind

	// Required marks an attribute that must be declared.
	Required bool

	// Enum restricts string values to a fixed set.
	Enum []string

	// Param marks an attribute that configures the provider rather than
	// describing observable state. Params never take part in comparison.
	Param bool

	// Sensitive values are redacted from changes, reports and logs.
	Sensitive bool

	// Check further validates a string value at declaration.
	Check func(string) error
}

// TypeSchema is the closed attribute schema of one resource type.
type TypeSchema struct {
	// Name is the resource type name.
	Name string

	// Attributes lists every accepted attribute, ensure included.
	Attributes map[string]AttributeSpec

	// EnsureValues is the ensure enum. Nil means the type has no ensure.
	EnsureValues []string

	// EnsureFreeform accepts any ensure value outside the enum, e.g. a package version.
	EnsureFreeform bool

	// DefaultEnsure applies when ensure is not declared.
	DefaultEnsure string

	// RequiredUnlessAbsent lists attributes only required when ensure is not absent.
	RequiredUnlessAbsent []string

	// ValidateTitle checks type-specific title syntax.
	ValidateTitle func(title string) error
}

// HasEnsure reports whether the type takes an ensure attribute.
func (s *TypeSchema) HasEnsure() bool {
	return s.EnsureValues != nil
}

// Compared reports whether the attribute takes part in state comparison.
func (s *TypeSchema) Compared(name string) bool {
	if name == AttrEnsure || IsMetaparameter(name) {
		return false
	}
	spec, ok := s.Attributes[name]
	return ok && !spec.Param
}

// Sensitive reports whether the attribute must be redacted.
func (s *TypeSchema) Sensitive(name string) bool {
	return s.Attributes[name].Sensitive
}

// Normalize validates attrs and returns a normalized deep copy.
// Relationship metaparameters are validated but left for the catalog to parse.
func (s *TypeSchema) Normalize(id Identity, attrs Attributes) (Attributes, error) {
	if s.ValidateTitle != nil {
		if err := s.ValidateTitle(id.Title); err != nil {
			return nil, NewInvalidAttributeError(id, "title", err)
		}
	}

	out := make(Attributes, len(attrs))
	for _, name := range attrs.Keys() {
		value := attrs[name]
		switch name {
		case AttrRequire, AttrBefore, AttrSubscribe, AttrNotify:
			refs, ok := toStringList(value)
			if !ok {
				return nil, NewInvalidAttributeError(id, name, fmt.Errorf("expected reference or list of references"))
			}
			list := make([]interface{}, 0, len(refs))
			for _, ref := range refs {
				if _, err := ParseReference(ref); err != nil {
					return nil, NewInvalidAttributeError(id, name, err)
				}
				list = append(list, ref)
			}
			out[name] = list
			continue
		case AttrNoop:
			b, ok := toBool(value)
			if !ok {
				return nil, NewInvalidAttributeError(id, name, fmt.Errorf("expected bool, got %T", value))
			}
			out[name] = b
			continue
		case AttrEnsure:
			if !s.HasEnsure() {
				return nil, NewInvalidAttributeError(id, name, fmt.Errorf("type %s has no ensure attribute", s.Name))
			}
			ensure, ok := value.(string)
			if !ok || ensure == "" {
				return nil, NewInvalidAttributeError(id, name, fmt.Errorf("expected non-empty string, got %T", value))
			}
			if !contains(s.EnsureValues, ensure) && !s.EnsureFreeform {
				return nil, NewInvalidAttributeError(id, name,
					fmt.Errorf("%q is not one of %s", ensure, strings.Join(s.EnsureValues, ", ")))
			}
			out[name] = ensure
			continue
		}

		spec, ok := s.Attributes[name]
		if !ok {
			return nil, NewInvalidAttributeError(id, name, fmt.Errorf("unknown attribute for type %s", s.Name))
		}
		normalized, err := normalizeValue(spec, value)
		if err != nil {
			return nil, NewInvalidAttributeError(id, name, err)
		}
		out[name] = normalized
	}

	ensure := s.DefaultEnsure
	if e, ok := out.String(AttrEnsure); ok {
		ensure = e
	}
	for _, name := range sortedKeys(s.Attributes) {
		if !s.Attributes[name].Required {
			continue
		}
		if _, ok := out[name]; !ok {
			return nil, NewInvalidAttributeError(id, name, fmt.Errorf("required attribute missing"))
		}
	}
	if ensure != "absent" {
		for _, name := range s.RequiredUnlessAbsent {
			if _, ok := out[name]; !ok {
				return nil, NewInvalidAttributeError(id, name, fmt.Errorf("required attribute missing"))
			}
		}
	}
	return out, nil
}

func normalizeValue(spec AttributeSpec, value interface{}) (interface{}, error) {
	switch spec.Kind {
	case KindString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", value)
		}
		if len(spec.Enum) > 0 && !contains(spec.Enum, s) {
			return nil, fmt.Errorf("%q is not one of %s", s, strings.Join(spec.Enum, ", "))
		}
		if spec.Check != nil {
			if err := spec.Check(s); err != nil {
				return nil, err
			}
		}
		return s, nil
	case KindScalar:
		s, ok := scalarString(value)
		if !ok {
			return nil, fmt.Errorf("expected scalar, got %T", value)
		}
		return s, nil
	case KindBool:
		b, ok := toBool(value)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", value)
		}
		return b, nil
	case KindInt:
		n, ok := toInt64(value)
		if !ok {
			return nil, fmt.Errorf("expected integer, got %v", value)
		}
		return n, nil
	case KindList, KindSet:
		items, ok := toStringList(value)
		if !ok {
			return nil, fmt.Errorf("expected list of strings, got %T", value)
		}
		list := make([]interface{}, len(items))
		for i, item := range items {
			list[i] = item
		}
		return list, nil
	case KindMap:
		switch m := value.(type) {
		case map[string]interface{}:
			return cloneValue(m), nil
		case Attributes:
			return cloneValue(m), nil
		default:
			return nil, fmt.Errorf("expected mapping, got %T", value)
		}
	default:
		return cloneValue(value), nil
	}
}

func toBool(v interface{}) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		switch strings.ToLower(val) {
		case "true", "yes":
			return true, true
		case "false", "no":
			return false, true
		}
	}
	return false, false
}

func toInt64(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case uint:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		if val > math.MaxInt64 {
			return 0, false
		}
		return int64(val), true
	case float32:
		return floatToInt(float64(val))
	case float64:
		return floatToInt(val)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func floatToInt(f float64) (int64, bool) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return int64(f), true
}

func toStringList(v interface{}) ([]string, bool) {
	switch val := v.(type) {
	case string:
		return []string{val}, true
	case []string:
		return append([]string(nil), val...), true
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func scalarString(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	}
	if n, ok := toInt64(v); ok {
		return strconv.FormatInt(n, 10), true
	}
	return "", false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]AttributeSpec) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SchemaSet is the closed set of resource types known to a catalog.
type SchemaSet map[string]*TypeSchema

// Lookup returns the schema for a (normalized) type name.
func (s SchemaSet) Lookup(resourceType string) (*TypeSchema, bool) {
	schema, ok := s[resourceType]
	return schema, ok
}

// Types returns the schema type names in sorted order.
func (s SchemaSet) Types() []string {
	types := make([]string, 0, len(s))
	for name := range s {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

var presentAbsent = []string{"present", "absent"}

// DefaultSchemas returns the resource types of a Neutron network node.
func DefaultSchemas() SchemaSet {
	return SchemaSet{
		"package": {
			Name:           "package",
			EnsureValues:   []string{"present", "absent", "installed", "latest", "purged"},
			EnsureFreeform: true,
			DefaultEnsure:  "present",
			Attributes: map[string]AttributeSpec{
				"version_policy": {Kind: KindString, Enum: []string{"pin", "recheck"}, Param: true},
				"provider":       {Kind: KindString, Enum: []string{"apt", "dnf", "yum", "zypper"}, Param: true},
			},
		},
		"file": {
			Name:          "file",
			EnsureValues:  []string{"present", "absent", "file", "directory"},
			DefaultEnsure: "file",
			Attributes: map[string]AttributeSpec{
				"path":    {Kind: KindString, Param: true},
				"content": {Kind: KindString},
				"source":  {Kind: KindString, Param: true},
				"mode":    {Kind: KindString, Check: validateFileMode},
				"owner":   {Kind: KindString},
				"group":   {Kind: KindString},
			},
		},
		"neutron_config": {
			Name:                 "neutron_config",
			EnsureValues:         presentAbsent,
			DefaultEnsure:        "present",
			RequiredUnlessAbsent: []string{"value"},
			ValidateTitle:        validateSectionKey,
			Attributes: map[string]AttributeSpec{
				"value":  {Kind: KindScalar},
				"path":   {Kind: KindString, Param: true},
				"secret": {Kind: KindBool, Param: true},
			},
		},
		"neutron_network": {
			Name:          "neutron_network",
			EnsureValues:  presentAbsent,
			DefaultEnsure: "present",
			Attributes: map[string]AttributeSpec{
				"router_external": {Kind: KindBool},
				"shared":          {Kind: KindBool},
				"admin_state_up":  {Kind: KindBool},
				"tenant_name":     {Kind: KindString},
			},
		},
		"neutron_subnet": {
			Name:                 "neutron_subnet",
			EnsureValues:         presentAbsent,
			DefaultEnsure:        "present",
			RequiredUnlessAbsent: []string{"cidr", "network_name"},
			Attributes: map[string]AttributeSpec{
				"cidr":             {Kind: KindString},
				"network_name":     {Kind: KindString},
				"gateway_ip":       {Kind: KindString},
				"enable_dhcp":      {Kind: KindBool},
				"allocation_pools": {Kind: KindList},
				"dns_nameservers":  {Kind: KindList},
				"host_routes":      {Kind: KindSet},
				"tenant_name":      {Kind: KindString},
			},
		},
		"contrail_rt": {
			Name:                 "contrail_rt",
			EnsureValues:         presentAbsent,
			DefaultEnsure:        "present",
			RequiredUnlessAbsent: []string{"rt_number", "router_asn"},
			Attributes: map[string]AttributeSpec{
				"rt_number":          {Kind: KindInt},
				"router_asn":         {Kind: KindInt},
				"import_targets":     {Kind: KindSet},
				"export_targets":     {Kind: KindSet},
				"api_server_address": {Kind: KindString, Required: true, Param: true},
				"api_server_port":    {Kind: KindInt, Param: true},
				"admin_user":         {Kind: KindString, Param: true},
				"admin_password":     {Kind: KindString, Param: true, Sensitive: true},
				"admin_tenant":       {Kind: KindString, Param: true},
			},
		},
		"consul_service": {
			Name:                 "consul_service",
			EnsureValues:         presentAbsent,
			DefaultEnsure:        "present",
			RequiredUnlessAbsent: []string{"port"},
			Attributes: map[string]AttributeSpec{
				"port":          {Kind: KindInt},
				"tags":          {Kind: KindSet},
				"address":       {Kind: KindString},
				"check_command": {Kind: KindString},
				"interval":      {Kind: KindString},
				"config_dir":    {Kind: KindString, Param: true},
			},
		},
		"exec": {
			Name: "exec",
			Attributes: map[string]AttributeSpec{
				"command":     {Kind: KindString, Required: true, Param: true},
				"refreshonly": {Kind: KindBool, Param: true},
				"unless":      {Kind: KindString, Param: true},
				"onlyif":      {Kind: KindString, Param: true},
				"creates":     {Kind: KindString, Param: true},
				"cwd":         {Kind: KindString, Param: true},
				"timeout":     {Kind: KindInt, Param: true},
				"environment": {Kind: KindList, Param: true},
				"path":        {Kind: KindString, Param: true},
			},
		},
		"class": {
			Name:       "class",
			Attributes: map[string]AttributeSpec{},
		},
	}
}

// validateFileMode accepts octal permission bits such as "644" or "0755".
func validateFileMode(mode string) error {
	m, err := strconv.ParseUint(mode, 8, 32)
	if err != nil || m > 07777 {
		return fmt.Errorf("mode %q must be octal permission bits", mode)
	}
	return nil
}

func validateSectionKey(title string) error {
	section, key, ok := strings.Cut(title, "/")
	if !ok || section == "" || key == "" {
		return fmt.Errorf("title %q must have the form SECTION/key", title)
	}
	return nil
}
