package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStarlarkEvaluator_Declare(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		wantErr   bool
		checkFunc func(*testing.T, *StarlarkResult)
	}{
		{
			name: "keyword attributes",
			script: `
declare("neutron_subnet", "pub_subnet1", cidr = "1.1.1.0/24", network_name = "public")
`,
			checkFunc: func(t *testing.T, result *StarlarkResult) {
				if len(result.Resources) != 1 {
					t.Fatalf("expected 1 resource, got %d", len(result.Resources))
				}
				decl := result.Resources[0]
				if decl.Type != "neutron_subnet" || decl.Title != "pub_subnet1" {
					t.Errorf("unexpected declaration %s", decl.Reference())
				}
				if decl.Attributes["cidr"] != "1.1.1.0/24" {
					t.Errorf("expected cidr 1.1.1.0/24, got %v", decl.Attributes["cidr"])
				}
				if decl.Source != "site.star:2" {
					t.Errorf("expected source site.star:2, got %q", decl.Source)
				}
			},
		},
		{
			name: "dict attributes with keyword override",
			script: `
declare("consul_service", "neutron", {"port": 80, "tags": ["real"]}, port = 9696)
`,
			checkFunc: func(t *testing.T, result *StarlarkResult) {
				attrs := result.Resources[0].Attributes
				if attrs["port"] != int64(9696) {
					t.Errorf("expected keyword to win, got %#v", attrs["port"])
				}
				if tags, ok := attrs["tags"].([]interface{}); !ok || len(tags) != 1 {
					t.Errorf("expected tags list, got %#v", attrs["tags"])
				}
			},
		},
		{
			name: "declare returns a reference",
			script: `
net = declare("neutron_network", "public", router_external = True)
declare("contrail_rt", "default-domain:services:public", require = net, rt_number = 10000, router_asn = 64512, api_server_address = "real.neutron.service.consul")
`,
			checkFunc: func(t *testing.T, result *StarlarkResult) {
				if result.Output["net"] != "Neutron_network[public]" {
					t.Errorf("expected net global to hold the reference, got %v", result.Output["net"])
				}
				if result.Resources[1].Attributes["require"] != "Neutron_network[public]" {
					t.Errorf("expected require reference, got %v", result.Resources[1].Attributes["require"])
				}
			},
		},
		{
			name: "ref builtin",
			script: `
server = ref("class", "neutron::server")
declare("package", "python-six", ensure = "latest", before = server)
`,
			checkFunc: func(t *testing.T, result *StarlarkResult) {
				if got := result.Resources[0].Attributes["before"]; got != "Class[neutron::server]" {
					t.Errorf("expected Class[neutron::server], got %v", got)
				}
			},
		},
		{
			name: "input globals and loops in functions",
			script: `
def tests(names):
    for n in names:
        declare("file", "/usr/lib/jiocloud/tests/" + n + ".sh", mode = "0755")

tests(scripts)
`,
			input: map[string]interface{}{"scripts": []string{"neutron", "floating_ip"}},
			checkFunc: func(t *testing.T, result *StarlarkResult) {
				if len(result.Resources) != 2 {
					t.Fatalf("expected 2 resources, got %d", len(result.Resources))
				}
				if result.Resources[1].Title != "/usr/lib/jiocloud/tests/floating_ip.sh" {
					t.Errorf("unexpected title %s", result.Resources[1].Title)
				}
				if _, ok := result.Output["tests"]; ok {
					t.Error("expected functions to be left out of the output")
				}
			},
		},
		{
			name: "struct values",
			script: `
node = struct(hostname = "node1", family = "debian")
_hidden = 1
`,
			checkFunc: func(t *testing.T, result *StarlarkResult) {
				node, ok := result.Output["node"].(map[string]interface{})
				if !ok || node["hostname"] != "node1" {
					t.Errorf("expected struct as map, got %#v", result.Output["node"])
				}
				if _, ok := result.Output["_hidden"]; ok {
					t.Error("expected private globals to be skipped")
				}
			},
		},
		{
			name:    "too few arguments",
			script:  `declare("package")`,
			wantErr: true,
		},
		{
			name:    "syntax error",
			script:  `declare("package", "x"`,
			wantErr: true,
		},
		{
			name:    "runtime error",
			script:  `x = 1 + "a"`,
			wantErr: true,
		},
		{
			name:    "unsupported attribute value",
			script:  `declare("package", "x", ensure = set(["a"]))`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, "site.star", tt.script, tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, result)
			}
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(50 * time.Millisecond)

	script := `
def spin():
    n = 0
    for i in range(1000000000):
        n += i
    return n

spin()
`
	start := time.Now()
	_, err := evaluator.Evaluate(context.Background(), "spin.star", script, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("expected timeout error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("expected cancellation to stop the script quickly, took %v", elapsed)
	}
}

func TestStarlarkEvaluator_Cancelled(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	script := `
def spin():
    for i in range(1000000000):
        pass

spin()
`
	_, err := evaluator.Evaluate(ctx, "spin.star", script, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestStarlarkEvaluator_Fixture(t *testing.T) {
	script, err := os.ReadFile(filepath.Join("testdata", "neutron.star"))
	if err != nil {
		t.Fatal(err)
	}

	evaluator := NewStarlarkEvaluator(5 * time.Second)
	result, err := evaluator.Evaluate(context.Background(), "neutron.star", string(script),
		map[string]interface{}{"public_cidr": "1.1.1.0/24"})
	if err != nil {
		t.Fatalf("failed to evaluate fixture: %v", err)
	}

	if len(result.Resources) != 10 {
		t.Fatalf("expected 10 resources, got %d", len(result.Resources))
	}
	if result.Output["name"] != "rjil::neutron" {
		t.Errorf("expected name global, got %v", result.Output["name"])
	}
	for _, decl := range result.Resources {
		if decl.Type == "neutron_config" && decl.Attributes["require"] != "Package[neutron-server]" {
			t.Errorf("expected %s to require Package[neutron-server], got %v", decl.Reference(), decl.Attributes["require"])
		}
	}
}

func TestToStarlarkValue(t *testing.T) {
	tests := []struct {
		name    string
		input   interface{}
		wantErr bool
	}{
		{name: "nil", input: nil},
		{name: "bool", input: true},
		{name: "int", input: 42},
		{name: "int64", input: int64(42)},
		{name: "float", input: 3.14},
		{name: "string", input: "hello"},
		{name: "string list", input: []string{"a", "b"}},
		{name: "list", input: []interface{}{1, "two", true}},
		{name: "string map", input: map[string]string{"hostname": "node1"}},
		{name: "map", input: map[string]interface{}{"nested": map[string]interface{}{"k": "v"}}},
		{name: "unsupported", input: struct{}{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			val, err := toStarlarkValue(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if val == nil {
				t.Error("expected non-nil value")
			}
		})
	}
}
