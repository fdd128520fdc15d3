package providers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jiocloud/nodeconverge/pkg/engine"
)

func neutronService(t *testing.T, attrs engine.Attributes) *engine.Resource {
	t.Helper()
	base := engine.Attributes{
		"tags":          []interface{}{"real"},
		"port":          9696,
		"check_command": "/usr/lib/nagios/plugins/check_http -I 127.0.0.1 -p 9696",
	}
	for k, v := range attrs {
		base[k] = v
	}
	return declare(t, "consul_service", "neutron", base)
}

func TestConsulService_Register(t *testing.T) {
	h := newFakeHost()
	p := NewConsulServiceProvider(h, "", nopLogger())
	r := neutronService(t, nil)

	changed, _ := converge(t, p, r)
	if !changed {
		t.Fatal("Expected service to be registered")
	}

	var def consulDefinition
	if err := json.Unmarshal([]byte(h.content("/etc/consul/neutron.json")), &def); err != nil {
		t.Fatalf("Expected valid definition, got: %v", err)
	}
	if def.Service.Name != "neutron" || def.Service.Port != 9696 || len(def.Service.Tags) != 1 || def.Service.Tags[0] != "real" {
		t.Errorf("Unexpected service: %+v", def.Service)
	}
	if def.Service.Check == nil || def.Service.Check.Interval != DefaultCheckInterval {
		t.Fatalf("Expected check with default interval, got %+v", def.Service.Check)
	}
	if def.Service.Check.command() != "/usr/lib/nagios/plugins/check_http -I 127.0.0.1 -p 9696" {
		t.Errorf("Unexpected check command %q", def.Service.Check.command())
	}
	if !h.ran("consul reload") {
		t.Error("Expected agent reload")
	}

	if changed, changes := converge(t, p, r); changed {
		t.Errorf("Expected registered service to be in sync, got %v", changes)
	}
}

func TestConsulService_Drift(t *testing.T) {
	h := newFakeHost()
	p := NewConsulServiceProvider(h, "/etc/consul.d", nopLogger())
	converge(t, p, neutronService(t, nil))

	changed, changes := converge(t, p, neutronService(t, engine.Attributes{"tags": []interface{}{"real", "canary"}}))
	if !changed || len(changes) != 1 || changes[0].Path != "tags" {
		t.Errorf("Expected tags change, got %v", changes)
	}

	tags := neutronService(t, engine.Attributes{"tags": []interface{}{"canary", "real", "real"}})
	if changed, _ := converge(t, p, tags); changed {
		t.Error("Expected tags to compare as a set")
	}
}

func TestConsulService_ScriptCheck(t *testing.T) {
	h := newFakeHost()
	_ = h.WriteFile(context.Background(), "/etc/consul/neutron.json",
		[]byte(`{"service": {"name": "neutron", "tags": ["real"], "port": 9696, "check": {"script": "/usr/lib/nagios/plugins/check_http -I 127.0.0.1 -p 9696", "interval": "10s"}}}`), 0644)
	p := NewConsulServiceProvider(h, "", nopLogger())

	if changed, changes := converge(t, p, neutronService(t, nil)); changed {
		t.Errorf("Expected legacy script check to be recognized, got %v", changes)
	}
}

func TestConsulService_DeregisterAndRefresh(t *testing.T) {
	h := newFakeHost()
	p := NewConsulServiceProvider(h, "", nopLogger())
	ctx := context.Background()
	converge(t, p, neutronService(t, nil))

	converge(t, p, neutronService(t, engine.Attributes{"ensure": "absent"}))
	if h.exists("/etc/consul/neutron.json") {
		t.Error("Expected definition to be removed")
	}

	h.respond("consul reload", "", 1)
	if err := p.Refresh(ctx, neutronService(t, nil)); err == nil {
		t.Error("Expected refresh error when reload fails")
	}

	p.ReloadCommand = ""
	if err := p.Refresh(ctx, neutronService(t, nil)); err != nil {
		t.Errorf("Expected no error with reloads disabled, got: %v", err)
	}
}

func TestConsulService_DefinitionPath(t *testing.T) {
	tests := []struct {
		name      string
		configDir string
		attrs     engine.Attributes
		want      string
	}{
		{name: "default directory", want: "/etc/consul/neutron.json"},
		{name: "provider directory", configDir: "/etc/consul.d", want: "/etc/consul.d/neutron.json"},
		{name: "resource directory", configDir: "/etc/consul.d", attrs: engine.Attributes{"config_dir": "/srv/consul"}, want: "/srv/consul/neutron.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newFakeHost()
			p := NewConsulServiceProvider(h, tt.configDir, nopLogger())
			converge(t, p, neutronService(t, tt.attrs))

			if !h.exists(tt.want) {
				t.Errorf("Expected definition at %s", tt.want)
			}
			if len(h.files) != 1 {
				t.Errorf("Expected exactly one definition file, got %d", len(h.files))
			}
		})
	}
}
