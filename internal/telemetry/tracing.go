/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the build
// control plane (scheduler, intake, loader).
//
// Custom span attributes use the `brep.` prefix.
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

const (
	tracerName = "brep.dev/control-plane"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // plaintext gRPC; TLS is not configured
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("brepd"),
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

// StartTaskRequestSpan creates the parent span for an agent task-request.
func StartTaskRequestSpan(ctx context.Context, agent, toolchain string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "scheduler.build_task",
		trace.WithAttributes(
			attribute.String("brep.agent", agent),
			attribute.String("brep.toolchain", toolchain),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartSelectionSpan creates a child span for the candidate-selection loop.
func StartSelectionSpan(ctx context.Context, tenant string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "scheduler.select",
		trace.WithAttributes(
			attribute.String("brep.tenant", tenant),
		),
	)
}

// EndSelectionSpan enriches the selection span with the outcome.
func EndSelectionSpan(span trace.Span, selected bool, pkg, targetConfig string) {
	span.SetAttributes(
		attribute.Bool("brep.selected", selected),
		attribute.String("brep.package", pkg),
		attribute.String("brep.target_config", targetConfig),
	)
	span.End()
}

// StartResultSpan creates the parent span for an agent result-request.
func StartResultSpan(ctx context.Context, session, status string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "intake.build_result",
		trace.WithAttributes(
			attribute.String("brep.session", session),
			attribute.String("brep.status", status),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndResultSpan enriches the result span with the transition outcome.
func EndResultSpan(span trace.Span, newState string) {
	span.SetAttributes(attribute.String("brep.new_state", newState))
	span.End()
}

// StartLoaderSpan creates a span covering one internal repository's load pass.
func StartLoaderSpan(ctx context.Context, repoName string, pass int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "loader.pass",
		trace.WithAttributes(
			attribute.String("brep.repository", repoName),
			attribute.Int("brep.pass", pass),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartNotifySpan creates a span for a tenant-service callback delivery.
func StartNotifySpan(ctx context.Context, tenant, event string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "notify.deliver",
		trace.WithAttributes(
			attribute.String("brep.tenant", tenant),
			attribute.String("brep.event", event),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndNotifySpan enriches the notify span with the delivery outcome.
func EndNotifySpan(span trace.Span, ok bool, attempts int) {
	span.SetAttributes(
		attribute.Bool("brep.delivered", ok),
		attribute.Int("brep.attempts", attempts),
	)
	span.End()
}
