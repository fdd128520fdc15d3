package telemetry

import (
	"context"
	"errors"
	"io"

	"github.com/jiocloud/nodeconverge/pkg/engine"
)

// Telemetry bundles logging, tracing, metrics and events of one agent.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventBus
	Config  *Config
}

// New creates every telemetry component from cfg. Spans of the stdout
// exporter go to traceOut.
func New(ctx context.Context, cfg *Config, traceOut io.Writer) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(ctx, cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Node, traceOut)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: NewMetrics(cfg.Metrics),
		Events:  NewEventBus(cfg.Events, logger.Zerolog()),
		Config:  cfg,
	}, nil
}

// Instrument attaches the event bus, metrics and tracer to a converger.
func (t *Telemetry) Instrument(c *engine.Converger) {
	c.SetEventPublisher(t.Events)
	c.SetMetrics(t.Metrics)
	c.SetTracer(t.Tracer.Tracer())
}

// Shutdown drains the event bus, flushes spans and closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Close(ctx),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}
