package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TraceContext holds the OpenTelemetry identifiers of the active span, used
// to correlate log lines and execution traces with distributed traces.
type TraceContext struct {
	TraceID string
	SpanID  string
	Sampled bool
}

// GetTraceContext extracts the active span identifiers. It returns the zero
// value when ctx carries no valid span.
func GetTraceContext(ctx context.Context) TraceContext {
	if ctx == nil {
		return TraceContext{}
	}
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceContext{}
	}
	return TraceContext{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
		Sampled: sc.IsSampled(),
	}
}

// LogFields adds trace_id and span_id to fields when a span is active.
// fields may be nil.
func LogFields(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	tc := GetTraceContext(ctx)
	if tc.TraceID == "" {
		return fields
	}
	if fields == nil {
		fields = make(map[string]interface{}, 2)
	}
	fields["trace_id"] = tc.TraceID
	fields["span_id"] = tc.SpanID
	return fields
}

// RecordSpanError records err on the current span and marks it failed
func RecordSpanError(ctx context.Context, err error) {
	if ctx == nil || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
