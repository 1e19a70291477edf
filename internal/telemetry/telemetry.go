// Package telemetry wires OpenTelemetry tracing. Without an OTLP endpoint
// spans go to the global no-op provider.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	SpanRequest  = "gateway.request"
	SpanRoute    = "gateway.route"
	SpanUpstream = "gateway.upstream"
	SpanPrice    = "gateway.price"
)

var tracer trace.Tracer

func Init(ctx context.Context, serviceName, version, otlpEndpoint string) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		tracer = otel.Tracer(serviceName)
		slog.Info("telemetry disabled, no OTLP endpoint configured")
		return func(ctx context.Context) error { return nil }, nil
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
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer = tp.Tracer(serviceName)

	slog.Info("telemetry initialized", "endpoint", otlpEndpoint)

	return tp.Shutdown, nil
}

func Tracer() trace.Tracer {
	if tracer == nil {
		tracer = otel.Tracer("gateway")
	}
	return tracer
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

func AddRequestAttributes(span trace.Span, teamID, endpoint, model, requestID string) {
	span.SetAttributes(
		attribute.String("team.id", teamID),
		attribute.String("gateway.endpoint", endpoint),
		attribute.String("gateway.model", model),
		attribute.String("request.id", requestID),
	)
}

func AddUpstreamAttributes(span trace.Span, provider, upstreamModel string, attempt int) {
	span.SetAttributes(
		attribute.String("upstream.provider", provider),
		attribute.String("upstream.model", upstreamModel),
		attribute.Int("upstream.attempt", attempt),
	)
}

func AddTokenAttributes(span trace.Span, inputTokens, outputTokens int, estimated bool) {
	span.SetAttributes(
		attribute.Int("tokens.input", inputTokens),
		attribute.Int("tokens.output", outputTokens),
		attribute.Bool("tokens.estimated", estimated),
	)
}

func AddBillAttributes(span trace.Span, currency string, nanos int64) {
	span.SetAttributes(
		attribute.String("bill.currency", currency),
		attribute.Int64("bill.total_nanos", nanos),
	)
}

func AddErrorAttribute(span trace.Span, err error) {
	span.SetAttributes(
		attribute.String("error.message", err.Error()),
	)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
