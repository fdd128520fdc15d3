package telemetry

import (
	"testing"

	"github.com/jiocloud/nodeconverge/pkg/config"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"no service name", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"stdout tracing", func(c *Config) { c.Tracing.Exporter = "stdout" }, false},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Exporter = "otlp" }, true},
		{"otlp", func(c *Config) { c.Tracing.Exporter = "otlp"; c.Tracing.Endpoint = "collector:4317" }, false},
		{"jaeger", func(c *Config) { c.Tracing.Exporter = "jaeger" }, true},
		{"sampling above one", func(c *Config) { c.Tracing.SamplingRate = 1.5 }, true},
		{"no event buffer", func(c *Config) { c.Events.BufferSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.TelemetrySettings{
		LogLevel:     "debug",
		LogFormat:    "json",
		MetricsAddr:  "127.0.0.1:9273",
		Tracing:      "otlp",
		OTLPEndpoint: "collector:4317",
	}, "compute-1")

	if cfg.Node != "compute-1" {
		t.Errorf("expected node compute-1, got %s", cfg.Node)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging %+v", cfg.Logging)
	}
	if cfg.Metrics.ListenAddress != "127.0.0.1:9273" {
		t.Errorf("unexpected metrics address %q", cfg.Metrics.ListenAddress)
	}
	if cfg.Tracing.Exporter != "otlp" || cfg.Tracing.Endpoint != "collector:4317" {
		t.Errorf("unexpected tracing %+v", cfg.Tracing)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("mapped config should be valid: %v", err)
	}

	empty := FromSettings(config.TelemetrySettings{}, "")
	if empty.Logging.Level != "info" || empty.Tracing.Exporter != "none" {
		t.Errorf("empty settings should keep defaults, got %+v", empty)
	}
}
