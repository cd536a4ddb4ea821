package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of one
// process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry validates cfg and builds every component.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tel := &Telemetry{Config: cfg}
	var err error
	if tel.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if tel.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment); err != nil {
		return nil, err
	}
	if tel.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, err
	}
	if tel.Events, err = NewEventPublisher(cfg.Events); err != nil {
		return nil, err
	}
	return tel, nil
}

// WithContext stores the telemetry and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryContextKey{}, t))
}

// FromTelemetryContext returns the telemetry stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown drains pending events and spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Events.Shutdown(ctx), t.Tracer.Shutdown(ctx))
}

// StartMetricsServer serves metrics when a listen address is configured.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// InstrumentedContext is one traced unit of work, such as applying a
// changeset. Ctx carries the span and a logger tagged with the operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation opens an instrumented unit of work. Without telemetry in
// ctx no span is started.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	ic := &InstrumentedContext{Ctx: ctx, Logger: FromContext(ctx), Timer: NewTimer()}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ic
	}

	ctx, ic.Span = tel.Tracer.StartSpan(ctx, operation, attrs...)
	ic.Logger = ic.Logger.WithOperation(operation)
	if sc := ic.Span.SpanContext(); sc.IsValid() {
		ic.Logger = ic.Logger.WithFields(map[string]interface{}{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		})
	}
	ic.Ctx = ic.Logger.WithContext(ctx)
	return ic
}

// End closes the span with the outcome err.
func (ic *InstrumentedContext) End(err error) {
	EndSpan(ic.Span, err)
}

type runKey struct{}

type runState struct {
	span  trace.Span
	timer *Timer
}

// WithRunContext opens a fabrication run: a root span, a run-tagged logger,
// the runs-started metric and a run.started event.
func WithRunContext(ctx context.Context, runID string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	ctx, span := tel.Tracer.StartRunSpan(ctx, runID)
	ctx = FromContext(ctx).WithRunID(runID).WithContext(ctx)

	tel.Metrics.RecordRunStarted()
	if err := tel.Events.PublishRunStarted(runID); err != nil {
		FromContext(ctx).WithError(err).Debug("run.started event not published")
	}

	return context.WithValue(ctx, runKey{}, &runState{span: span, timer: NewTimer()})
}

// EndRunContext closes the run opened by WithRunContext with its final
// status. A non-nil err marks the run as failed.
func EndRunContext(ctx context.Context, runID, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	var run runState
	if rs, ok := ctx.Value(runKey{}).(*runState); ok {
		run = *rs
	}
	if run.span != nil {
		run.span.SetAttributes(AttrRunStatus.String(status))
		EndSpan(run.span, err)
	}

	var duration time.Duration
	if run.timer != nil {
		duration = run.timer.Duration()
	}
	tel.Metrics.RecordRunCompleted(status, duration)
	if perr := tel.Events.PublishRunCompleted(runID, status, duration, err); perr != nil {
		FromContext(ctx).WithError(perr).Debug("run completion event not published")
	}
}

// RecordEndpointOperation runs fn as one remote call on an endpoint, inside
// an endpoint span, and records the call metric.
func RecordEndpointOperation(ctx context.Context, endpoint, region, operation string, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn(ctx)
	}

	ctx, span := tel.Tracer.StartEndpointSpan(ctx, endpoint, region, operation)
	timer := NewTimer()
	err := fn(ctx)
	EndSpan(span, err)

	status := "success"
	if err != nil {
		status = "error"
	}
	tel.Metrics.RecordRemoteCall(operation, status, timer.Duration())
	return err
}

