package engine

import (
	"testing"
)

func declareOne(t *testing.T, resourceType, title string, attrs Attributes) *Resource {
	t.Helper()
	return mustDeclare(t, NewCatalog(), resourceType, title, attrs)
}

func findChange(changes []Change, path string) (Change, bool) {
	for _, c := range changes {
		if c.Path == path {
			return c, true
		}
	}
	return Change{}, false
}

func TestComputeDiff_NewResource(t *testing.T) {
	r := declareOne(t, "neutron_subnet", "pub_subnet1", Attributes{
		"cidr":         "1.1.1.0/24",
		"network_name": "public",
	})

	changes := ComputeDiff(r, Attributes{"ensure": "absent"})
	if len(changes) != 3 {
		t.Fatalf("Expected 3 changes, got %d: %v", len(changes), changes)
	}
	if changes[0].Path != "ensure" || changes[0].Action != ChangeActionAdd {
		t.Errorf("Expected ensure add first, got %+v", changes[0])
	}
	if c, ok := findChange(changes, "cidr"); !ok || c.After != "1.1.1.0/24" {
		t.Errorf("Expected cidr add, got %+v", c)
	}
}

func TestComputeDiff_EmptyObservationIsAbsent(t *testing.T) {
	r := declareOne(t, "neutron_network", "public", Attributes{"router_external": true})

	changes := ComputeDiff(r, nil)
	c, ok := findChange(changes, "ensure")
	if !ok || c.Before != "absent" || c.After != "present" {
		t.Errorf("Expected ensure absent -> present, got %v", changes)
	}
}

func TestComputeDiff_InSync(t *testing.T) {
	r := declareOne(t, "neutron_network", "public", Attributes{"router_external": true})

	changes := ComputeDiff(r, Attributes{
		"ensure":          "present",
		"router_external": "True",
		"shared":          false,
	})
	if len(changes) != 0 {
		t.Errorf("Expected no changes, got %v", changes)
	}
}

func TestComputeDiff_Modify(t *testing.T) {
	r := declareOne(t, "neutron_subnet", "pub_subnet1", Attributes{
		"cidr":         "1.1.1.0/24",
		"network_name": "public",
		"gateway_ip":   "1.1.1.1",
	})

	changes := ComputeDiff(r, Attributes{
		"ensure":       "present",
		"cidr":         "1.1.1.0/24",
		"network_name": "public",
		"gateway_ip":   "1.1.1.254",
	})
	if len(changes) != 1 {
		t.Fatalf("Expected 1 change, got %d: %v", len(changes), changes)
	}
	c := changes[0]
	if c.Path != "gateway_ip" || c.Action != ChangeActionModify || c.Before != "1.1.1.254" || c.After != "1.1.1.1" {
		t.Errorf("Expected gateway_ip modify, got %+v", c)
	}
}

func TestComputeDiff_CIDRIsExactMatch(t *testing.T) {
	r := declareOne(t, "neutron_subnet", "pub_subnet1", Attributes{
		"cidr":         "1.1.1.0/24",
		"network_name": "public",
	})

	changes := ComputeDiff(r, Attributes{"cidr": "1.1.1.00/24", "network_name": "public"})
	if _, ok := findChange(changes, "cidr"); !ok {
		t.Error("Expected textually different cidr to diverge")
	}
}

func TestComputeDiff_Absent(t *testing.T) {
	r := declareOne(t, "package", "neutron-plugin-contrail", Attributes{"ensure": "absent"})

	if changes := ComputeDiff(r, Attributes{"ensure": "absent"}); len(changes) != 0 {
		t.Errorf("Expected absent package to be in sync, got %v", changes)
	}
	changes := ComputeDiff(r, Attributes{"ensure": "2.0-1"})
	if len(changes) != 1 || changes[0].Action != ChangeActionRemove {
		t.Errorf("Expected a remove change, got %v", changes)
	}
}

func TestComputeDiff_EnsureValues(t *testing.T) {
	tests := []struct {
		want   string
		have   string
		inSync bool
	}{
		{want: "present", have: "1.9.0-1", inSync: true},
		{want: "installed", have: "present", inSync: true},
		{want: "latest", have: "1.9.0-1", inSync: true},
		{want: "1.9.0-1", have: "1.9.0-1", inSync: true},
		{want: "1.9.0-1", have: "1.8.0-1", inSync: false},
		{want: "present", have: "absent", inSync: false},
		{want: "latest", have: "purged", inSync: false},
	}

	for _, tt := range tests {
		t.Run(tt.want+"/"+tt.have, func(t *testing.T) {
			r := declareOne(t, "package", "python-six", Attributes{"ensure": tt.want})
			changes := ComputeDiff(r, Attributes{"ensure": tt.have})
			if got := len(changes) == 0; got != tt.inSync {
				t.Errorf("Expected in sync %v, got changes %v", tt.inSync, changes)
			}
		})
	}
}

func TestComputeDiff_FileEnsure(t *testing.T) {
	r := declareOne(t, "file", "/etc/neutron/neutron.conf", nil)

	if changes := ComputeDiff(r, Attributes{"ensure": "present"}); len(changes) != 0 {
		t.Errorf("Expected present to satisfy file, got %v", changes)
	}
	if changes := ComputeDiff(r, Attributes{"ensure": "directory"}); len(changes) != 1 {
		t.Errorf("Expected directory not to satisfy file, got %v", changes)
	}
}

func TestComputeDiff_Sets(t *testing.T) {
	r := declareOne(t, "consul_service", "neutron", Attributes{
		"port": 9696,
		"tags": []interface{}{"real", "neutron", "real"},
	})

	if changes := ComputeDiff(r, Attributes{"port": 9696, "tags": []interface{}{"neutron", "real"}}); len(changes) != 0 {
		t.Errorf("Expected set comparison to ignore order and duplicates, got %v", changes)
	}
	if changes := ComputeDiff(r, Attributes{"port": 9696, "tags": []string{"neutron"}}); len(changes) != 1 {
		t.Errorf("Expected missing tag to diverge, got %v", changes)
	}
}

func TestComputeDiff_ListsAreOrdered(t *testing.T) {
	r := declareOne(t, "neutron_subnet", "pub_subnet1", Attributes{
		"cidr":            "1.1.1.0/24",
		"network_name":    "public",
		"dns_nameservers": []interface{}{"8.8.8.8", "8.8.4.4"},
	})

	changes := ComputeDiff(r, Attributes{
		"cidr":            "1.1.1.0/24",
		"network_name":    "public",
		"dns_nameservers": []interface{}{"8.8.4.4", "8.8.8.8"},
	})
	if _, ok := findChange(changes, "dns_nameservers"); !ok {
		t.Error("Expected reordered list to diverge")
	}
}

func TestComputeDiff_NumericNormalization(t *testing.T) {
	r := declareOne(t, "contrail_rt", "default-domain:services:public", Attributes{
		"rt_number":          10000,
		"router_asn":         64512,
		"api_server_address": "real.neutron.service.consul",
	})

	changes := ComputeDiff(r, Attributes{
		"ensure":     "present",
		"rt_number":  float64(10000),
		"router_asn": "64512",
	})
	if len(changes) != 0 {
		t.Errorf("Expected numeric forms to compare equal, got %v", changes)
	}
}

func TestComputeDiff_ParamsNotCompared(t *testing.T) {
	r := declareOne(t, "contrail_rt", "default-domain:services:public", Attributes{
		"rt_number":          10000,
		"router_asn":         64512,
		"api_server_address": "real.neutron.service.consul",
		"admin_password":     "s3cret",
	})

	changes := ComputeDiff(r, Attributes{"ensure": "present", "rt_number": 10000, "router_asn": 64512})
	if len(changes) != 0 {
		t.Errorf("Expected connection parameters to be ignored, got %v", changes)
	}
}

func TestComputeDiff_RedactsSecretValues(t *testing.T) {
	r := declareOne(t, "neutron_config", "keystone_authtoken/admin_password", Attributes{
		"value":  "s3cret",
		"secret": true,
	})

	changes := ComputeDiff(r, Attributes{"ensure": "present", "value": "old"})
	c, ok := findChange(changes, "value")
	if !ok {
		t.Fatalf("Expected value change, got %v", changes)
	}
	if c.Before != RedactedValue || c.After != RedactedValue {
		t.Errorf("Expected redacted values, got %+v", c)
	}
}

func TestInSync_UsesComparer(t *testing.T) {
	r := declareOne(t, "class", "neutron", nil)
	p := &comparingProvider{inSync: false, changes: []Change{{Path: "custom", Action: ChangeActionModify}}}

	inSync, changes := InSync(p, r, Attributes{})
	if inSync {
		t.Error("Expected provider policy to report divergence")
	}
	if len(changes) != 1 || changes[0].Path != "custom" {
		t.Errorf("Expected provider changes, got %v", changes)
	}

	inSync, _ = InSync(ProviderFunc{}, r, Attributes{})
	if !inSync {
		t.Error("Expected class without attributes to be in sync")
	}
}

func TestValuesEqual(t *testing.T) {
	tests := []struct {
		name string
		kind ValueKind
		a, b interface{}
		want bool
	}{
		{name: "string", kind: KindString, a: "a", b: "a", want: true},
		{name: "string type mismatch", kind: KindString, a: "1", b: 1, want: false},
		{name: "scalar number", kind: KindScalar, a: "10", b: 10, want: true},
		{name: "scalar bool", kind: KindScalar, a: "True", b: true, want: false},
		{name: "bool", kind: KindBool, a: "true", b: true, want: true},
		{name: "int float", kind: KindInt, a: int64(3), b: 3.0, want: true},
		{name: "int fraction", kind: KindInt, a: int64(3), b: 3.5, want: false},
		{name: "set", kind: KindSet, a: []interface{}{"b", "a"}, b: []string{"a", "b", "a"}, want: true},
		{name: "list", kind: KindList, a: []interface{}{"b", "a"}, b: []string{"a", "b"}, want: false},
		{name: "map", kind: KindMap, a: map[string]interface{}{"n": 1}, b: map[string]interface{}{"n": 1.0}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValuesEqual(tt.kind, tt.a, tt.b); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

type comparingProvider struct {
	ProviderFunc
	inSync  bool
	changes []Change
}

func (p *comparingProvider) InSync(r *Resource, observed Attributes) (bool, []Change) {
	return p.inSync, p.changes
}
