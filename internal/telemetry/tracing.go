// Package telemetry configures OpenTelemetry tracing for the control
// plane.
//
// Spans follow the OTel GenAI semantic conventions where applicable:
//   - gen_ai.system — the LLM provider
//   - gen_ai.request.model — the model name
//   - gen_ai.usage.input_tokens — tokens consumed
//   - gen_ai.usage.output_tokens — tokens generated
//
// Custom span attributes use the `praetor.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "praetor.dev/control-plane"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (noop provider is
// used). Returns a shutdown function that must be called on application
// exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("praetor-control-plane"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartRunSpan creates the parent span for a run execution.
func StartRunSpan(ctx context.Context, runID, runbookID, mode string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "run.execute",
		trace.WithAttributes(
			attribute.String("praetor.run_id", runID),
			attribute.String("praetor.runbook_id", runbookID),
			attribute.String("praetor.mode", mode),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartPlanSpan creates a child span for a brain call, following GenAI
// conventions.
func StartPlanSpan(ctx context.Context, model, provider, stage string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gen_ai.chat",
		trace.WithAttributes(
			attribute.String("gen_ai.system", provider),
			attribute.String("gen_ai.request.model", model),
			attribute.String("praetor.stage", stage),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndPlanSpan enriches the brain span with usage data.
func EndPlanSpan(span trace.Span, inputTokens, outputTokens int64) {
	span.SetAttributes(
		attribute.Int64("gen_ai.usage.input_tokens", inputTokens),
		attribute.Int64("gen_ai.usage.output_tokens", outputTokens),
	)
	span.End()
}

// StartStepSpan creates a child span for one step's adapter call.
func StartStepSpan(ctx context.Context, step, tool, mode string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "run.step",
		trace.WithAttributes(
			attribute.String("praetor.step", step),
			attribute.String("praetor.tool", tool),
			attribute.String("praetor.adapter_mode", mode),
		),
	)
}

// EndStepSpan enriches the step span with its outcome.
func EndStepSpan(span trace.Span, status string, skipped bool, skipReason string) {
	span.SetAttributes(
		attribute.String("praetor.step_status", status),
		attribute.Bool("praetor.skipped", skipped),
	)
	if skipped {
		span.SetAttributes(attribute.String("praetor.skip_reason", skipReason))
	}
	span.End()
}
