// Package observability wires OpenTelemetry tracing, metrics, and logging
// for the orchestrator: OTLP HTTP exporters configured from standard OTEL_*
// env vars, an Instruments struct of pre-created counters/histograms, and
// an Init that returns a shutdown func.
package observability

import (
	"context"
	"errors"

	"github.com/relaymesh/toolbroker/breaker"
	"github.com/relaymesh/toolbroker/downstream"
	"github.com/relaymesh/toolbroker/sandbox"
	"github.com/relaymesh/toolbroker/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/relaymesh/toolbroker/observability"

// Instruments holds every OTEL instrument the dispatcher pipeline and
// sandbox supervisor emit into, one per pipeline stage or sandbox concern.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	ToolCallsAdmitted  metric.Int64Counter
	ToolCallsRejected  metric.Int64Counter // attribute "reason"
	CircuitTransitions metric.Int64Counter // attribute "server", "state"
	SchemaCacheHits    metric.Int64Counter
	SchemaCacheMisses  metric.Int64Counter
	SchemaSingleFlight metric.Int64Counter
	RateLimiterAllow   metric.Int64Counter
	RateLimiterDeny    metric.Int64Counter

	DispatchLatency   metric.Float64Histogram
	DownstreamLatency metric.Float64Histogram
	SandboxDuration   metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes entirely from standard OTEL_* env vars.
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("orchestrator")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx), lp.Shutdown(ctx))
	}
	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	var err error
	inst := &Instruments{Tracer: tracer, Meter: meter, Logger: logger}

	if inst.ToolCallsAdmitted, err = meter.Int64Counter("dispatcher.tool_calls.admitted",
		metric.WithDescription("Tool calls that passed every pipeline stage")); err != nil {
		return nil, err
	}
	if inst.ToolCallsRejected, err = meter.Int64Counter("dispatcher.tool_calls.rejected",
		metric.WithDescription("Tool calls rejected at some pipeline stage")); err != nil {
		return nil, err
	}
	if inst.CircuitTransitions, err = meter.Int64Counter("breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions")); err != nil {
		return nil, err
	}
	if inst.SchemaCacheHits, err = meter.Int64Counter("schema.cache.hits"); err != nil {
		return nil, err
	}
	if inst.SchemaCacheMisses, err = meter.Int64Counter("schema.cache.misses"); err != nil {
		return nil, err
	}
	if inst.SchemaSingleFlight, err = meter.Int64Counter("schema.cache.singleflight_fetches"); err != nil {
		return nil, err
	}
	if inst.RateLimiterAllow, err = meter.Int64Counter("ratelimit.allow"); err != nil {
		return nil, err
	}
	if inst.RateLimiterDeny, err = meter.Int64Counter("ratelimit.deny"); err != nil {
		return nil, err
	}
	if inst.DispatchLatency, err = meter.Float64Histogram("dispatcher.latency",
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if inst.DownstreamLatency, err = meter.Float64Histogram("downstream.call.latency",
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if inst.SandboxDuration, err = meter.Float64Histogram("sandbox.execution.duration",
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return inst, nil
}

// breakerSink adapts Instruments to breaker.MetricsSink.
type breakerSink struct{ inst *Instruments }

func (s breakerSink) RecordTransition(server string, from, to breaker.State) {
	s.inst.CircuitTransitions.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("server", server), attribute.String("from", string(from)), attribute.String("to", string(to))))
}

// BreakerMetrics returns a breaker.MetricsSink backed by these instruments.
func (i *Instruments) BreakerMetrics() breaker.MetricsSink {
	return breakerSink{inst: i}
}

// schemaSink adapts Instruments to schema.MetricsSink.
type schemaSink struct{ inst *Instruments }

func (s schemaSink) RecordHit(string)  { s.inst.SchemaCacheHits.Add(context.Background(), 1) }
func (s schemaSink) RecordMiss(string) { s.inst.SchemaCacheMisses.Add(context.Background(), 1) }
func (s schemaSink) RecordSingleFlight(string) {
	s.inst.SchemaSingleFlight.Add(context.Background(), 1)
}

// SchemaMetrics returns a schema.MetricsSink backed by these instruments.
func (i *Instruments) SchemaMetrics() schema.MetricsSink {
	return schemaSink{inst: i}
}

// downstreamSink adapts Instruments to downstream.MetricsSink.
type downstreamSink struct{ inst *Instruments }

func (s downstreamSink) RecordCallLatency(serverName string, ms float64) {
	s.inst.DownstreamLatency.Record(context.Background(), ms, metric.WithAttributes(attribute.String("server", serverName)))
}

// DownstreamMetrics returns a downstream.MetricsSink backed by these
// instruments.
func (i *Instruments) DownstreamMetrics() downstream.MetricsSink {
	return downstreamSink{inst: i}
}

// sandboxSink adapts Instruments to sandbox.MetricsSink.
type sandboxSink struct{ inst *Instruments }

func (s sandboxSink) RecordDuration(engine string, ms float64) {
	s.inst.SandboxDuration.Record(context.Background(), ms, metric.WithAttributes(attribute.String("engine", engine)))
}

// SandboxMetrics returns a sandbox.MetricsSink backed by these instruments.
func (i *Instruments) SandboxMetrics() sandbox.MetricsSink {
	return sandboxSink{inst: i}
}
