package telemetry

import (
	"fmt"
	"time"

	"github.com/jiocloud/nodeconverge/pkg/config"
)

// Config contains the telemetry configuration of a node agent.
type Config struct {
	// ServiceName identifies the agent in traces and metrics.
	ServiceName string

	// ServiceVersion is the version of the agent.
	ServiceVersion string

	// Node is the converged node, attached to every span.
	Node string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string

	// Format is console or json.
	Format string

	// Output is stdout, stderr or a file path.
	Output string

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool

	// TimeFormat is rfc3339, unix or unixms.
	TimeFormat string
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	// Exporter is none, stdout or otlp.
	Exporter string

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64

	MaxExportBatchSize int
	ExportTimeout      time.Duration

	// Insecure disables TLS for the OTLP connection.
	Insecure bool
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// ListenAddress serves Path when set; metrics are still collected
	// without it.
	ListenAddress string
	Path          string
	Namespace     string

	// Buckets are the latency buckets in seconds.
	Buckets []float64
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	// BufferSize is the queue length of the bus and of each subscription.
	BufferSize int
}

// DefaultConfig returns the configuration of an agent logging to stderr
// with tracing off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "nodeconverge",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Path:      "/metrics",
			Namespace: "nodeconverge",
			Buckets: []float64{
				0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
			},
		},
		Events: EventsConfig{
			BufferSize: 1024,
		},
	}
}

// FromSettings maps the telemetry section of a node configuration onto
// the defaults.
func FromSettings(s config.TelemetrySettings, node string) *Config {
	cfg := DefaultConfig()
	cfg.Node = node
	if s.LogLevel != "" {
		cfg.Logging.Level = s.LogLevel
	}
	if s.LogFormat != "" {
		cfg.Logging.Format = s.LogFormat
	}
	if s.Tracing != "" {
		cfg.Tracing.Exporter = s.Tracing
	}
	cfg.Tracing.Endpoint = s.OTLPEndpoint
	cfg.Metrics.ListenAddress = s.MetricsAddr
	return cfg
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	switch c.Tracing.Exporter {
	case "none", "stdout":
	case "otlp":
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("otlp tracing requires an endpoint")
		}
	default:
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}

	return nil
}
