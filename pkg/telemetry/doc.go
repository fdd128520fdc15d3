// Package telemetry provides logging, metrics, tracing and run events for
// the convergence agent.
//
// New builds every component from a Config, usually derived from the node
// configuration with FromSettings:
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(nodeCfg.Telemetry, nodeCfg.Target), os.Stderr)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	conv := engine.NewConverger(registry, platform, tel.Logger.Zerolog())
//	tel.Instrument(conv)
//
// Instrument hands the converger three things:
//
//   - the EventBus as its engine.EventPublisher
//   - the Prometheus Metrics as its engine.MetricsRecorder
//   - an OpenTelemetry tracer for run and provider call spans
//
// # Events
//
// The EventBus queues events and delivers them from one goroutine in
// publication order, first to sinks registered with AddSink (the run
// history store, a LogSink) and then to subscriptions. A full queue drops
// the event and Publish reports ErrBufferFull; the converger only logs
// that. Subscriptions whose channel is full drop events and count them.
//
// # Metrics
//
// Metrics live on a private registry. Serve exposes them over HTTP when a
// listen address is configured:
//
//	nodeconverge_runs_started_total
//	nodeconverge_runs_completed_total{status}
//	nodeconverge_run_duration_seconds{status}
//	nodeconverge_active_runs
//	nodeconverge_resource_outcomes_total{type,outcome}
//	nodeconverge_resource_duration_seconds{type}
//	nodeconverge_provider_calls_total{type,operation}
//	nodeconverge_provider_call_duration_seconds{type,operation}
//	nodeconverge_provider_errors_total{type,operation}
//	nodeconverge_policy_violations_total{policy,severity}
//
// # Tracing
//
// The exporter is none, stdout or otlp. OTLP uses gRPC; Insecure disables
// TLS for collectors on the local network.
package telemetry
