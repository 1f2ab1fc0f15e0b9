// Package tracing wraps an OpenTelemetry tracer around session lifecycle
// events (session start, task dispatch, session completion), grounded on
// the teacher's OpenTelemetryTracer (engine/monitoring/monitoring.go) with
// its business-rule-evaluation vocabulary replaced by this engine's own
// session/task vocabulary.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Tracer records session and task spans. A nil *Tracer is valid and every
// method becomes a no-op, so callers that don't wire tracing never need a
// conditional.
type Tracer struct {
	tracer oteltrace.Tracer
}

// New sets the process-global TracerProvider (no exporter attached by
// default; a caller that wants OTLP/Jaeger/etc. export should set one on
// the returned provider via otel.SetTracerProvider before calling New, or
// extend this constructor) and returns a Tracer bound to serviceName.
func New(serviceName, environment string) *Tracer {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.DeploymentEnvironmentKey.String(environment),
		)),
	)
	otel.SetTracerProvider(tp)
	return &Tracer{tracer: otel.Tracer(serviceName)}
}

// StartSession opens a span covering one session's full lifetime (spec §3
// Session: pending -> running -> done|failed).
func (t *Tracer) StartSession(ctx context.Context, sessionID string, persona, topic string) (context.Context, oteltrace.Span) {
	if t == nil {
		return ctx, oteltrace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "session", oteltrace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("session.persona", persona),
		attribute.String("session.topic", topic),
	))
}

// RecordTask adds a task-dispatch event to the session span in ctx (spec
// §4.6: each session produces an ordered engine_path trace).
func (t *Tracer) RecordTask(ctx context.Context, engine string, latency time.Duration, bytes int64, outcome string) {
	if t == nil {
		return
	}
	span := oteltrace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent("task", oteltrace.WithAttributes(
		attribute.String("engine", engine),
		attribute.Int64("latency_microseconds", latency.Microseconds()),
		attribute.Int64("bytes", bytes),
		attribute.String("outcome", outcome),
	))
}

// RecordError marks the session span with an error, mirroring the
// teacher's RecordError but against this engine's own error taxonomy
// (spec §7: structured, non-panicking outcomes).
func (t *Tracer) RecordError(ctx context.Context, kind string, err error) {
	if t == nil || err == nil {
		return
	}
	span := oteltrace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetAttributes(
		attribute.String("error.type", kind),
		attribute.String("error.message", fmt.Sprintf("%v", err)),
	)
}

// EndSession closes the session span, recording whether it finished
// cleanly (done) or was aborted (failed).
func (t *Tracer) EndSession(span oteltrace.Span, success bool) {
	if t == nil {
		return
	}
	span.SetAttributes(attribute.Bool("session.success", success))
	span.End()
}
