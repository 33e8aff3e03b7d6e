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
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestStartTaskRequestSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	_, span := StartTaskRequestSpan(ctx, "agent-7", "gcc-13.1")
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "scheduler.build_task" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "scheduler.build_task")
	}

	foundAgent, foundToolchain := false, false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "brep.agent" && a.Value.AsString() == "agent-7" {
			foundAgent = true
		}
		if string(a.Key) == "brep.toolchain" && a.Value.AsString() == "gcc-13.1" {
			foundToolchain = true
		}
	}
	if !foundAgent {
		t.Error("missing brep.agent attribute")
	}
	if !foundToolchain {
		t.Error("missing brep.toolchain attribute")
	}
}

func TestSelectionSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	_, span := StartSelectionSpan(ctx, "")
	EndSelectionSpan(span, true, "libfoo", "linux-gcc")

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "scheduler.select" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "scheduler.select")
	}

	foundSelected, foundPkg := false, false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "brep.selected" && a.Value.AsBool() {
			foundSelected = true
		}
		if string(a.Key) == "brep.package" && a.Value.AsString() == "libfoo" {
			foundPkg = true
		}
	}
	if !foundSelected {
		t.Error("missing brep.selected attribute")
	}
	if !foundPkg {
		t.Error("missing brep.package attribute")
	}
}

func TestResultSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	_, span := StartResultSpan(ctx, "/libx/1.0/x86_64-linux-gnu/linux-gcc/default/gcc/13.1/123", "success")
	EndResultSpan(span, "built")

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "intake.build_result" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "intake.build_result")
	}

	foundState := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "brep.new_state" && a.Value.AsString() == "built" {
			foundState = true
		}
	}
	if !foundState {
		t.Error("missing brep.new_state attribute")
	}
}

func TestNestedSpans(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	ctx, reqSpan := StartTaskRequestSpan(ctx, "agent-7", "gcc-13.1")
	_, selSpan := StartSelectionSpan(ctx, "")
	selSpan.End()
	reqSpan.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}

	selStub := spans[0] // selection span ends first
	reqStub := spans[1]

	if selStub.Parent.TraceID() != reqStub.SpanContext.TraceID() {
		t.Error("selection span should share trace ID with request span")
	}
	if !selStub.Parent.SpanID().IsValid() {
		t.Error("selection span should have a valid parent span ID")
	}
}
