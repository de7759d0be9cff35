package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "evengine"

// Span names. Invocation spans append the callback name.
const (
	spanDispatch   = "evengine.dispatch"
	spanInvokePfx  = "evengine.invoke."
	spanCatchUp    = "evengine.catchup"
	attrEventType  = "event.type"
	attrListener   = "listener"
	attrCallback   = "callback"
	attrStartupRun = "startup"
)

// SpanManager opens the spans around dispatch, invocation and catch-up.
// NewSpanManager traces through OpenTelemetry; NoopSpanManager{} disables tracing.
type SpanManager interface {
	StartDispatchSpan(ctx context.Context, eventType string) (context.Context, trace.Span)

	// StartInvocationSpan should be called with the dispatch span's context
	// so invocations nest under it.
	StartInvocationSpan(ctx context.Context, eventType, listener, callback string) (context.Context, trace.Span)

	StartCatchUpSpan(ctx context.Context, startup bool) (context.Context, trace.Span)

	EndSpanWithError(span trace.Span, err error)
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct {
	tracer trace.Tracer
}

// NewSpanManager traces with the global tracer provider, so install yours
// with otel.SetTracerProvider first.
func NewSpanManager() SpanManager {
	return &otelSpanManager{tracer: otel.Tracer(tracerName)}
}

func (m *otelSpanManager) start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

func (m *otelSpanManager) StartDispatchSpan(ctx context.Context, eventType string) (context.Context, trace.Span) {
	return m.start(ctx, spanDispatch, trace.SpanKindProducer,
		attribute.String(attrEventType, eventType))
}

func (m *otelSpanManager) StartInvocationSpan(ctx context.Context, eventType, listener, callback string) (context.Context, trace.Span) {
	return m.start(ctx, spanInvokePfx+callback, trace.SpanKindConsumer,
		attribute.String(attrEventType, eventType),
		attribute.String(attrListener, listener),
		attribute.String(attrCallback, callback))
}

func (m *otelSpanManager) StartCatchUpSpan(ctx context.Context, startup bool) (context.Context, trace.Span) {
	return m.start(ctx, spanCatchUp, trace.SpanKindInternal,
		attribute.Bool(attrStartupRun, startup))
}

func (*otelSpanManager) EndSpanWithError(span trace.Span, err error) { EndSpanWithError(span, err) }

func (*otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

// EndSpanWithError sets the span status from err and ends it. A nil span is ignored.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	defer span.End()
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// AddSpanEvent annotates the recording span in ctx, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}
