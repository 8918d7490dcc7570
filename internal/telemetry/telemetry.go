// Package telemetry wires opt-in OpenTelemetry tracing for runs and tasks.
package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/msageha/taskexec/internal/config"
)

const instrumentationName = "github.com/msageha/taskexec"

// Setup registers a global tracer provider exporting over OTLP/HTTP. With no
// endpoint, or when disabled, it registers nothing and returns a no-op
// shutdown. The shutdown func flushes pending spans and should be deferred.
func Setup(ctx context.Context, cfg config.TelemetryConfig, serviceName string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if !cfg.Enabled || endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return noop, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

// Tracer returns the module tracer from the global provider. Without Setup
// this is the OpenTelemetry no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// TracerFrom returns a tracer from an explicit provider, or Tracer() for nil.
func TracerFrom(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		return Tracer()
	}
	return tp.Tracer(instrumentationName)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func TaskID(id string) attribute.KeyValue  { return attribute.String("taskexec.task_id", id) }
func RunID(id string) attribute.KeyValue   { return attribute.String("taskexec.run_id", id) }
func Phase(name string) attribute.KeyValue { return attribute.String("taskexec.phase", name) }
func Step(name string) attribute.KeyValue  { return attribute.String("taskexec.step", name) }
func PlanHash(h string) attribute.KeyValue { return attribute.String("taskexec.plan_hash", h) }
func Parallel(p bool) attribute.KeyValue   { return attribute.Bool("taskexec.parallel", p) }
