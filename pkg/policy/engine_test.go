package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jiocloud/nodeconverge/pkg/config"
	"github.com/jiocloud/nodeconverge/pkg/engine"
	"github.com/rs/zerolog"
)

type decl struct {
	typ   string
	title string
	attrs engine.Attributes
}

func compile(t *testing.T, decls ...decl) *engine.Graph {
	t.Helper()
	c := engine.NewCatalog()
	for _, d := range decls {
		if _, err := c.Declare(d.typ, d.title, d.attrs); err != nil {
			t.Fatalf("Failed to declare %s[%s]: %v", d.typ, d.title, err)
		}
	}
	g, err := engine.Compile(c, nil, engine.Platform{Family: "debian", OS: "trusty"})
	if err != nil {
		t.Fatalf("Failed to compile catalog: %v", err)
	}
	return g
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func findViolation(result *Result, policy, resource string) bool {
	all := append(append([]Violation(nil), result.Violations...), result.Warnings...)
	for _, v := range all {
		if v.Policy == policy && (resource == "" || v.Resource == resource) {
			return true
		}
	}
	return false
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{
		"consul-check",
		"contrail-credentials",
		"refreshonly-exec",
		"removal-order",
		"secret-config",
		"subnet-network-order",
		"unpinned-package",
	}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Expected policy %d to be %s, got %s", i, name, policies[i].Name)
		}
		if !policies[i].Builtin || !policies[i].Enabled {
			t.Errorf("Expected %s to be an enabled built-in", name)
		}
	}
	if eng.Mode() != ModeEnforce {
		t.Errorf("Expected enforce mode by default, got %s", eng.Mode())
	}
}

func TestEvaluate_BuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	network := decl{"neutron_network", "public", engine.Attributes{"router_external": true}}

	tests := []struct {
		name          string
		decls         []decl
		expectAllowed bool
		policy        string
		resource      string
	}{
		{
			name: "clean catalog",
			decls: []decl{
				{"package", "neutron-server", nil},
				{"neutron_config", "keystone_authtoken/admin_password", engine.Attributes{"value": "s3cret", "secret": true}},
				{"exec", "empty_neutron_conf", engine.Attributes{
					"command": "mv /etc/neutron/neutron.conf /etc/neutron/neutron.conf.bak", "refreshonly": true,
					"subscribe": "Package[neutron-server]",
				}},
			},
			expectAllowed: true,
		},
		{
			name: "credential not declared secret",
			decls: []decl{
				{"neutron_config", "keystone_authtoken/admin_password", engine.Attributes{"value": "s3cret"}},
			},
			policy:   "secret-config",
			resource: "Neutron_config[keystone_authtoken/admin_password]",
		},
		{
			name: "refreshonly exec nobody notifies",
			decls: []decl{
				{"exec", "reload", engine.Attributes{"command": "service neutron-server reload", "refreshonly": true}},
			},
			policy:   "refreshonly-exec",
			resource: "Exec[reload]",
		},
		{
			name: "refreshonly exec notified by a package",
			decls: []decl{
				{"exec", "reload", engine.Attributes{"command": "service neutron-server reload", "refreshonly": true}},
				{"package", "neutron-server", engine.Attributes{"notify": "Exec[reload]"}},
			},
			expectAllowed: true,
		},
		{
			name: "requiring a removed package",
			decls: []decl{
				{"package", "neutron-plugin-contrail", engine.Attributes{"ensure": "absent"}},
				{"neutron_config", "DEFAULT/core_plugin", engine.Attributes{
					"value": "neutron_plugin_contrail.plugins.opencontrail.contrail_plugin.NeutronPluginContrailCoreV2",
					"require": "Package[neutron-plugin-contrail]",
				}},
			},
			policy:   "removal-order",
			resource: "Neutron_config[DEFAULT/core_plugin]",
		},
		{
			name: "subnet not ordered after its network",
			decls: []decl{
				network,
				{"neutron_subnet", "pub_subnet1", engine.Attributes{"cidr": "1.1.1.0/24", "network_name": "public"}},
			},
			policy:   "subnet-network-order",
			resource: "Neutron_subnet[pub_subnet1]",
		},
		{
			name: "subnet ordered through a class",
			decls: []decl{
				network,
				{"class", "neutron::networks", engine.Attributes{"require": "Neutron_network[public]"}},
				{"neutron_subnet", "pub_subnet1", engine.Attributes{
					"cidr": "1.1.1.0/24", "network_name": "public", "require": "Class[neutron::networks]",
				}},
			},
			expectAllowed: true,
		},
		{
			name: "subnet on an undeclared network",
			decls: []decl{
				{"neutron_subnet", "pub_subnet1", engine.Attributes{"cidr": "1.1.1.0/24", "network_name": "external"}},
			},
			expectAllowed: true,
		},
		{
			name:          "latest package only warns",
			decls:         []decl{{"package", "python-six", engine.Attributes{"ensure": "latest"}}},
			expectAllowed: true,
			policy:        "unpinned-package",
			resource:      "Package[python-six]",
		},
		{
			name: "contrail password without user warns",
			decls: []decl{
				{"contrail_rt", "default-domain:services:public", engine.Attributes{
					"rt_number": 10000, "router_asn": 64512,
					"api_server_address": "real.neutron.service.consul", "admin_password": "pass",
				}},
			},
			expectAllowed: true,
			policy:        "contrail-credentials",
			resource:      "Contrail_rt[default-domain:services:public]",
		},
		{
			name:          "consul service without check",
			decls:         []decl{{"consul_service", "neutron", engine.Attributes{"port": 9696}}},
			expectAllowed: true,
			policy:        "consul-check",
			resource:      "Consul_service[neutron]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(ctx, compile(t, tt.decls...), EvaluateOptions{})
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}

			if result.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v (violations: %v)", tt.expectAllowed, result.Allowed, result.Violations)
			}
			if tt.policy != "" && !findViolation(result, tt.policy, tt.resource) {
				t.Errorf("Expected %s violation for %s, got violations %v warnings %v",
					tt.policy, tt.resource, result.Violations, result.Warnings)
			}
			if tt.policy == "" && len(result.Violations)+len(result.Warnings) != 0 {
				t.Errorf("Expected no findings, got violations %v warnings %v", result.Violations, result.Warnings)
			}
			if len(result.EvaluatedPolicies) != 7 {
				t.Errorf("Expected 7 evaluated policies, got %d", len(result.EvaluatedPolicies))
			}
		})
	}
}

func TestEvaluate_Modes(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	g := compile(t, decl{"neutron_config", "database/connection_password", engine.Attributes{"value": "pw"}})

	result, err := eng.Evaluate(ctx, g, EvaluateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Allowed {
		t.Fatal("Expected enforce mode to reject the catalog")
	}
	var denied *DeniedError
	if err := result.Err(); !errors.As(err, &denied) || len(denied.Violations) != 1 {
		t.Errorf("Expected DeniedError with one violation, got %v", err)
	}

	if err := eng.SetMode(ModeWarn); err != nil {
		t.Fatal(err)
	}
	result, err = eng.Evaluate(ctx, g, EvaluateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed || result.Err() != nil {
		t.Error("Expected warn mode to allow error violations")
	}
	if len(result.Violations) != 1 || result.Mode != ModeWarn {
		t.Errorf("Expected the violation to be reported in warn mode, got %+v", result)
	}

	// Critical violations block in every mode.
	err = eng.AddPolicy(ctx, Policy{
		Name:     "freeze",
		Severity: SeverityCritical,
		Enabled:  true,
		Rego:     "package site.freeze\n\nimport rego.v1\n\ndeny contains \"change freeze\" if { true }\n",
	})
	if err != nil {
		t.Fatalf("Failed to add policy: %v", err)
	}
	result, err = eng.Evaluate(ctx, g, EvaluateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Allowed {
		t.Error("Expected a critical violation to block in warn mode")
	}

	if err := eng.SetMode("audit"); err == nil {
		t.Error("Expected error for an unknown mode")
	}
}

func TestEvaluate_InputRedactsSensitiveValues(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	err := eng.AddPolicy(ctx, Policy{
		Name:    "echo",
		Enabled: true,
		Rego: `package site.echo

import rego.v1

deny contains msg if {
	some r in input.resources
	r.type == "neutron_config"
	msg := sprintf("%s=%v sensitive=%v", [r.ref, r.attributes.value, r.sensitive])
}`,
	})
	if err != nil {
		t.Fatal(err)
	}

	g := compile(t, decl{"neutron_config", "keystone_authtoken/admin_password", engine.Attributes{"value": "s3cret", "secret": true}})
	result, err := eng.Evaluate(ctx, g, EvaluateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	var msg string
	for _, w := range result.Warnings {
		if w.Policy == "echo" {
			msg = w.Message
		}
	}
	if !strings.Contains(msg, engine.RedactedValue) || strings.Contains(msg, "s3cret") {
		t.Errorf("Expected the secret to be redacted, got %q", msg)
	}
	if !strings.Contains(msg, `"value"`) {
		t.Errorf("Expected value listed as sensitive, got %q", msg)
	}
}

func TestBuildInput(t *testing.T) {
	g := compile(t,
		decl{"package", "neutron-server", nil},
		decl{"exec", "empty_neutron_conf", engine.Attributes{
			"command": "true", "refreshonly": true, "subscribe": "Package[neutron-server]",
		}},
	)

	input := BuildInput(g, true)
	if !input.DryRun || input.Node.Family != "debian" {
		t.Errorf("Unexpected input header %+v", input)
	}
	if len(input.Resources) != 2 || input.Resources[0].Ref != "Package[neutron-server]" {
		t.Fatalf("Unexpected resources %+v", input.Resources)
	}
	if input.Resources[0].Ensure != "present" {
		t.Errorf("Expected default ensure, got %q", input.Resources[0].Ensure)
	}
	if len(input.Edges) != 1 {
		t.Fatalf("Expected 1 edge, got %d", len(input.Edges))
	}
	edge := input.Edges[0]
	if edge.From != "Package[neutron-server]" || edge.To != "Exec[empty_neutron_conf]" || edge.Kind != engine.EdgeNotification {
		t.Errorf("Unexpected edge %+v", edge)
	}
}

func TestEvaluate_DryRunInput(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	err := eng.AddPolicy(ctx, Policy{
		Name:     "plan-only",
		Severity: SeverityError,
		Enabled:  true,
		Rego:     "package site.planonly\n\nimport rego.v1\n\ndeny contains \"apply disabled\" if { not input.dry_run }\n",
	})
	if err != nil {
		t.Fatal(err)
	}

	g := compile(t, decl{"class", "neutron", nil})

	plan, err := eng.Evaluate(ctx, g, EvaluateOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Allowed {
		t.Error("Expected dry runs to pass")
	}

	apply, err := eng.Evaluate(ctx, g, EvaluateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if apply.Allowed {
		t.Error("Expected apply runs to be rejected")
	}
}

func TestSetData_SensitivePatterns(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	g := compile(t, decl{"neutron_config", "DEFAULT/rabbit_userid", engine.Attributes{"value": "guest"}})

	result, err := eng.Evaluate(ctx, g, EvaluateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed {
		t.Fatalf("Expected rabbit_userid to pass the default patterns, got %v", result.Violations)
	}

	if err := eng.SetData(ctx, "sensitive_patterns", []interface{}{"^rabbit_"}); err != nil {
		t.Fatalf("Failed to set data: %v", err)
	}
	result, err = eng.Evaluate(ctx, g, EvaluateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !findViolation(result, "secret-config", "Neutron_config[DEFAULT/rabbit_userid]") {
		t.Errorf("Expected the new pattern to apply, got %v", result.Violations)
	}
}

func TestEvaluate_FailingPolicyFailsClosed(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	err := eng.AddPolicy(ctx, Policy{
		Name:    "conflict",
		Enabled: true,
		Rego:    "package site.conflict\n\nimport rego.v1\n\ndeny := x if { some x in [\"a\", \"b\"] }\n",
	})
	if err != nil {
		t.Fatal(err)
	}

	g := compile(t, decl{"class", "neutron", nil})
	result, err := eng.Evaluate(ctx, g, EvaluateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Failures) != 1 || !strings.HasPrefix(result.Failures[0], "conflict:") {
		t.Fatalf("Expected one evaluation failure, got %v", result.Failures)
	}
	if result.Allowed {
		t.Error("Expected enforce mode to reject when a policy cannot be evaluated")
	}
	if err := result.Err(); err == nil || !strings.Contains(err.Error(), "evaluation failed") {
		t.Errorf("Expected the failure in the denial, got %v", err)
	}
}

func TestEvaluate_Cancelled(t *testing.T) {
	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := eng.Evaluate(ctx, compile(t, decl{"class", "neutron", nil}), EvaluateOptions{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestAddPolicy_InvalidRego(t *testing.T) {
	eng := newTestEngine(t)
	err := eng.AddPolicy(context.Background(), Policy{Name: "broken", Rego: "package site.broken\n\ndeny contains if {"})
	if err == nil {
		t.Error("Expected error for invalid rego")
	}
	if _, err := eng.GetPolicy("broken"); err == nil {
		t.Error("Expected a broken policy not to be stored")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	g := compile(t, decl{"package", "python-six", engine.Attributes{"ensure": "latest"}})

	if err := eng.DisablePolicy("unpinned-package"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	p, err := eng.GetPolicy("unpinned-package")
	if err != nil {
		t.Fatal(err)
	}
	if p.Enabled {
		t.Error("Expected policy to be disabled")
	}

	result, err := eng.Evaluate(ctx, g, EvaluateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if findViolation(result, "unpinned-package", "") {
		t.Error("Expected disabled policy not to be evaluated")
	}

	if err := eng.EnablePolicy("unpinned-package"); err != nil {
		t.Fatal(err)
	}
	result, err = eng.Evaluate(ctx, g, EvaluateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !findViolation(result, "unpinned-package", "Package[python-six]") {
		t.Error("Expected enabled policy to report the package")
	}

	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected error for an unknown policy")
	}
}

func TestLoadAndReloadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "freeze.rego")
	writeFile(t, path, denyAllRego)

	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}
	if err := eng.DisablePolicy("consul-check"); err != nil {
		t.Fatal(err)
	}

	g := compile(t, decl{"class", "neutron", nil})
	result, err := eng.Evaluate(ctx, g, EvaluateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Allowed || !findViolation(result, "freeze", "") {
		t.Fatalf("Expected the loaded policy to reject, got %+v", result)
	}

	writeFile(t, path, "# Freeze lifted.\npackage site.denyall\n\nimport rego.v1\n\ndeny contains \"never\" if { input.never_set }\n")
	if err := eng.ReloadPolicies(ctx); err != nil {
		t.Fatalf("Failed to reload: %v", err)
	}

	result, err = eng.Evaluate(ctx, g, EvaluateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed {
		t.Errorf("Expected reloaded policy to allow, got %v", result.Violations)
	}
	p, err := eng.GetPolicy("consul-check")
	if err != nil {
		t.Fatal(err)
	}
	if p.Enabled {
		t.Error("Expected built-in enabled flags to survive a reload")
	}

	// A broken file keeps the previous set active.
	writeFile(t, path, "package site.denyall\n\ndeny contains if {")
	if err := eng.ReloadPolicies(ctx); err == nil {
		t.Error("Expected reload of a broken policy to fail")
	}
	if _, err := eng.GetPolicy("freeze"); err != nil {
		t.Errorf("Expected previous policies to stay active, got %v", err)
	}
}

func TestEvaluate_NeutronFixture(t *testing.T) {
	loader, err := config.NewLoader(engine.DefaultSchemas())
	if err != nil {
		t.Fatal(err)
	}
	fixture := filepath.Join("..", "config", "testdata", "neutron.cue")
	if _, err := os.Stat(fixture); err != nil {
		t.Skipf("fixture not available: %v", err)
	}
	_, catalog, err := loader.LoadCatalog(context.Background(), fixture)
	if err != nil {
		t.Fatalf("Failed to load fixture: %v", err)
	}
	g, err := engine.Compile(catalog, nil, engine.Platform{Family: "debian", OS: "trusty"})
	if err != nil {
		t.Fatalf("Failed to compile fixture: %v", err)
	}

	result, err := newTestEngine(t).Evaluate(context.Background(), g, EvaluateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed {
		t.Fatalf("Expected the neutron catalog to pass, got %v", result.Violations)
	}
	if !findViolation(result, "unpinned-package", "Package[python-six]") {
		t.Error("Expected a warning for Package[python-six]")
	}
	if !findViolation(result, "contrail-credentials", "Contrail_rt[default-domain:services:public]") {
		t.Error("Expected a warning for the route target credentials")
	}
}
