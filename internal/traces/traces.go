// Package traces wires OpenTelemetry tracing for settlement and planner flows.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/chainsettle/chainsettle"

// Init installs a batching OTLP/gRPC tracer provider. With an empty endpoint
// tracing stays a no-op. The returned function flushes and shuts down.
func Init(ctx context.Context, otlpEndpoint, version string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("chainsettle"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// StartSpan starts a span under the package tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// End records err (if any) on span and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func Chain(name string) attribute.KeyValue      { return attribute.String("chain", name) }
func EscrowID(id string) attribute.KeyValue     { return attribute.String("escrow.id", id) }
func SettlementID(id string) attribute.KeyValue { return attribute.String("settlement.id", id) }
func PlanID(id string) attribute.KeyValue       { return attribute.String("plan.id", id) }
func Stage(stage string) attribute.KeyValue     { return attribute.String("settlement.stage", stage) }
func Amount(amount string) attribute.KeyValue   { return attribute.String("amount", amount) }
func Rail(rail string) attribute.KeyValue       { return attribute.String("payout.rail", rail) }
func FragmentIndex(i int) attribute.KeyValue    { return attribute.Int("fragment.index", i) }
