// Package telemetry wires OpenTelemetry tracing and the counters phaseline reports.
//
// Telemetry is off unless PHASELINE_OTEL_ENABLED=true; the exporter then honours the
// standard OTEL_EXPORTER_OTLP_* environment variables.
package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationScope = "phaseline"

// Attribute keys shared by spans and counters.
const (
	ProjectIDKey  = "phaseline.project.id"
	RuleIDKey     = "phaseline.rule.id"
	OccurrenceKey = "phaseline.occurrence"
	PhaseKey      = "phaseline.phase"
	OutcomeKey    = "phaseline.outcome"
	KindKey       = "phaseline.kind"
)

func Enabled() bool {
	return os.Getenv("PHASELINE_OTEL_ENABLED") == "true"
}

// Init installs an OTLP/HTTP tracer provider when enabled. The returned shutdown func is
// always safe to call.
func Init(ctx context.Context, serviceName, version string) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !Enabled() {
		return noop, nil
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return noop, fmt.Errorf("telemetry: resource: %w", err)
	}
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return noop, fmt.Errorf("telemetry: otlp exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}))
	return tp.Shutdown, nil
}

func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationScope)
}

func Meter() metric.Meter {
	return otel.Meter(instrumentationScope)
}

// nolint:spancheck
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.AddEvent("error_occurred", trace.WithAttributes(attrs...))
}

// Counters used across the engine and the automation runner. Instruments are created
// against the global meter provider, which is a no-op until one is installed.
type Counters struct {
	Sweeps         metric.Int64Counter
	RuleExecutions metric.Int64Counter
	PhaseAdvances  metric.Int64Counter
}

func NewCounters() Counters {
	m := Meter()
	sweeps, _ := m.Int64Counter("phaseline.sweeps", metric.WithDescription("Automation sweeps run"))
	execs, _ := m.Int64Counter("phaseline.rule_executions", metric.WithDescription("Rule executions by outcome"))
	advances, _ := m.Int64Counter("phaseline.phase_advances", metric.WithDescription("Phase transitions by kind"))
	return Counters{Sweeps: sweeps, RuleExecutions: execs, PhaseAdvances: advances}
}
