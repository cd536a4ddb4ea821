// Package telemetry provides observability instrumentation for fnrelease.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and usage events into a unified
// system for monitoring release runs.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// Component loggers carry run and endpoint context:
//
//	logger := tel.Logger.NewComponentLogger("fabricator")
//	logger = logger.WithRunID(runID).WithEndpoint("api(us-central1)", "us-central1")
//	logger.WithError(err).Error("create failed")
//
// # Tracing and Metrics
//
// A release run gets one span; every remote call on an endpoint gets a child
// span plus call metrics:
//
//	ctx = telemetry.WithRunContext(ctx, runID)
//	defer telemetry.EndRunContext(ctx, runID, status, err)
//
//	err := telemetry.RecordEndpointOperation(ctx, label, region, "create", func(ctx context.Context) error {
//	    return createFunction(ctx)
//	})
//
// Key metrics exposed:
//
//   - fnrelease_runs_completed_total{status}
//   - fnrelease_plan_changes_total{kind}
//   - fnrelease_deploy_results_total{operation,platform,status}
//   - fnrelease_remote_calls_total{operation,status}
//   - fnrelease_queue_retries_total{queue}
//   - fnrelease_queue_stats{queue,stat}
//
// Metrics are served over HTTP only when MetricsConfig.ListenAddress is set.
//
// # Usage Events
//
// The reporter emits function_deploy, codebase_deploy and
// function_deploy_group events through EventPublisher.Track. Subscribers
// receive events in publish order:
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    store.AppendEvent(ctx, event)
//	}, telemetry.FilterByType(telemetry.EventTypeFunctionDeploy))
//
// Shutdown delivers every buffered event before returning.
package telemetry
