// Package observer provides OTEL-based observability for mirage sessions.
//
// Init sets up trace and metric providers with OTLP HTTP exporters configured
// via standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). NewTracer
// returns a mirage.Tracer that spans turns, LLM streams, and tool executions.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const scopeName = "github.com/nevindra/mirage/observer"

// Instruments holds the OTEL counters the server records against.
type Instruments struct {
	Meter metric.Meter

	Turns          metric.Int64Counter
	ToolExecutions metric.Int64Counter
	LLMErrors      metric.Int64Counter

	TurnDuration metric.Float64Histogram
}

// Init sets up OTEL trace and metric providers with OTLP HTTP exporters.
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("mirage")),
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

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)

	turns, err := meter.Int64Counter("session.turns",
		metric.WithDescription("Completed agent turns"),
		metric.WithUnit("{turn}"))
	if err != nil {
		return nil, err
	}

	toolExecutions, err := meter.Int64Counter("tool.executions",
		metric.WithDescription("Tool execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	llmErrors, err := meter.Int64Counter("llm.errors",
		metric.WithDescription("Failed LLM streams"),
		metric.WithUnit("{error}"))
	if err != nil {
		return nil, err
	}

	turnDuration, err := meter.Float64Histogram("session.turn.duration",
		metric.WithDescription("Agent turn duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Meter:          meter,
		Turns:          turns,
		ToolExecutions: toolExecutions,
		LLMErrors:      llmErrors,
		TurnDuration:   turnDuration,
	}, nil
}
