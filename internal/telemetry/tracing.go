/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the engine.
//
// Spans cover the three long paths: webhook admission, execution runs,
// and connector invocations. Custom span attributes use the `soar.`
// prefix.
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

const tracerName = "cybersentinel.io/soar"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
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
			semconv.ServiceNameKey.String("cybersentinel-soar"),
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

// StartDeliverySpan creates the parent span for a webhook delivery.
func StartDeliverySpan(ctx context.Context, webhookID, sourceIP string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "webhook.deliver",
		trace.WithAttributes(
			attribute.String("soar.webhook_id", webhookID),
			attribute.String("soar.source_ip", sourceIP),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndDeliverySpan enriches the delivery span with the settled outcome.
func EndDeliverySpan(span trace.Span, status, reason string) {
	span.SetAttributes(attribute.String("soar.outcome", status))
	if reason != "" {
		span.SetAttributes(attribute.String("soar.reason", reason))
	}
	span.End()
}

// StartExecutionSpan creates the parent span for a playbook run. A run
// that parks for approval ends its span; the resumed run opens a new
// one.
func StartExecutionSpan(ctx context.Context, executionID, playbookID, source, severity string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "playbook.execute",
		trace.WithAttributes(
			attribute.String("soar.execution_id", executionID),
			attribute.String("soar.playbook_id", playbookID),
			attribute.String("soar.source", source),
			attribute.String("soar.severity", severity),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndExecutionSpan enriches the execution span with where the run left
// the record.
func EndExecutionSpan(span trace.Span, state string, steps int) {
	span.SetAttributes(
		attribute.String("soar.state", state),
		attribute.Int("soar.steps", steps),
	)
	span.End()
}

// StartStepSpan creates a child span for a connector invocation.
func StartStepSpan(ctx context.Context, stepID, stepType, connectorID, action string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "step.invoke",
		trace.WithAttributes(
			attribute.String("soar.step_id", stepID),
			attribute.String("soar.step_type", stepType),
			attribute.String("soar.connector_id", connectorID),
			attribute.String("soar.action_type", action),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndStepSpan enriches the step span with its result: "completed" or the
// step error code.
func EndStepSpan(span trace.Span, status string) {
	span.SetAttributes(attribute.String("soar.step_status", status))
	span.End()
}
