/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTestTracer installs an in-memory span exporter for test assertions.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(
		trace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestInitTraceProviderNoopWhenEmpty(t *testing.T) {
	shutdown, err := InitTraceProvider(context.Background(), "", "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Should be a no-op shutdown
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestStartDeliverySpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	_, span := StartDeliverySpan(ctx, "wh-edr", "203.0.113.7")
	EndDeliverySpan(span, "rejected", "RATE_LIMIT_EXCEEDED")

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "webhook.deliver" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "webhook.deliver")
	}

	attrs := spans[0].Attributes
	foundWebhook := false
	foundOutcome := false
	foundReason := false
	for _, a := range attrs {
		if string(a.Key) == "soar.webhook_id" && a.Value.AsString() == "wh-edr" {
			foundWebhook = true
		}
		if string(a.Key) == "soar.outcome" && a.Value.AsString() == "rejected" {
			foundOutcome = true
		}
		if string(a.Key) == "soar.reason" && a.Value.AsString() == "RATE_LIMIT_EXCEEDED" {
			foundReason = true
		}
	}
	if !foundWebhook {
		t.Error("missing soar.webhook_id attribute")
	}
	if !foundOutcome {
		t.Error("missing soar.outcome attribute")
	}
	if !foundReason {
		t.Error("missing soar.reason attribute")
	}
}

func TestDeliverySpanAcceptedHasNoReason(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartDeliverySpan(context.Background(), "wh-edr", "203.0.113.7")
	EndDeliverySpan(span, "accepted", "")

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "soar.reason" {
			t.Errorf("accepted delivery should carry no soar.reason, got %q", a.Value.AsString())
		}
	}
}

func TestStartStepSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	_, span := StartStepSpan(ctx, "isolate", "action", "edr", "isolate_host")
	EndStepSpan(span, "completed")

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "step.invoke" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "step.invoke")
	}

	attrs := spans[0].Attributes
	foundConnector := false
	foundAction := false
	foundStatus := false
	for _, a := range attrs {
		if string(a.Key) == "soar.connector_id" && a.Value.AsString() == "edr" {
			foundConnector = true
		}
		if string(a.Key) == "soar.action_type" && a.Value.AsString() == "isolate_host" {
			foundAction = true
		}
		if string(a.Key) == "soar.step_status" && a.Value.AsString() == "completed" {
			foundStatus = true
		}
	}
	if !foundConnector {
		t.Error("missing soar.connector_id")
	}
	if !foundAction {
		t.Error("missing soar.action_type")
	}
	if !foundStatus {
		t.Error("missing soar.step_status")
	}
}

func TestStepSpanFailureStatus(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartStepSpan(context.Background(), "isolate", "action", "edr", "isolate_host")
	EndStepSpan(span, "STEP_TIMEOUT")

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}

	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "soar.step_status" && a.Value.AsString() == "STEP_TIMEOUT" {
			found = true
		}
	}
	if !found {
		t.Error("missing soar.step_status attribute")
	}
}

func TestNestedSpans(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	ctx, execSpan := StartExecutionSpan(ctx, "EXE-20260314-000001", "PB-phish", "webhook", "high")
	_, stepSpan := StartStepSpan(ctx, "geo", "enrichment", "geoip", "lookup")
	EndStepSpan(stepSpan, "completed")
	EndExecutionSpan(execSpan, "COMPLETED", 1)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}

	// Step span should be a child of the execution span
	stepStub := spans[0] // Step ends first
	execStub := spans[1]

	if stepStub.Parent.TraceID() != execStub.SpanContext.TraceID() {
		t.Error("step span should share trace ID with execution span")
	}
	if !stepStub.Parent.SpanID().IsValid() {
		t.Error("step span should have a valid parent span ID")
	}
}
