// Package tracing emits OpenTelemetry spans for the agent loop: one span
// per agent run, one per LLM call, and one per tool call. Export is OTLP
// over HTTP, gated entirely by config.TelemetryConfig — with no endpoint
// configured, StartSpan still returns usable spans, they simply have no
// registered processor to export them anywhere.
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/ardenfield/nightdesk/internal/config"
)

const instrumentationName = "github.com/ardenfield/nightdesk/internal/agent"

// Tracer wraps an OTel tracer. The zero value is not usable; use NoopTracer
// or Init.
type Tracer struct {
	otel trace.Tracer
}

// ShutdownFunc flushes and closes the underlying exporter, if any.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// NoopTracer returns a Tracer backed by the global (unconfigured) OTel
// tracer provider. Spans are created and propagated normally but have
// nowhere to export to.
func NoopTracer() *Tracer {
	return &Tracer{otel: otel.Tracer(instrumentationName)}
}

// Init wires an OTLP exporter per cfg and registers it as the global
// tracer provider. With cfg.Enabled false or cfg.Endpoint empty it returns
// a no-op Tracer so call sites never need a nil check.
func Init(ctx context.Context, cfg config.TelemetryConfig) (*Tracer, ShutdownFunc, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return NoopTracer(), noopShutdown, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "nightdesk"
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{otel: provider.Tracer(instrumentationName)}, provider.Shutdown, nil
}

// newExporter always speaks OTLP/HTTP. cfg.Protocol is accepted for forward
// compatibility with a future gRPC exporter but otherwise ignored.
func newExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

// StartSpan starts a child span of whatever span is in ctx (if any) and
// returns the derived context along with the span. Callers end the span
// themselves, typically via EndSpan.
func (t *Tracer) StartSpan(ctx context.Context, name string, start time.Time, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	opts := []trace.SpanStartOption{trace.WithAttributes(attrs...)}
	if !start.IsZero() {
		opts = append(opts, trace.WithTimestamp(start))
	}
	return t.otel.Start(ctx, name, opts...)
}

// EndSpan records err (if any) on span and ends it at end.
func EndSpan(span trace.Span, end time.Time, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	opts := []trace.SpanEndOption{}
	if !end.IsZero() {
		opts = append(opts, trace.WithTimestamp(end))
	}
	span.End(opts...)
}
