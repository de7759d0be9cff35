package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics discards every measurement.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordDispatch(context.Context, string, int)                            {}
func (NoopMetrics) RecordInvocation(context.Context, string, string, time.Duration, error) {}
func (NoopMetrics) RecordDuplicate(context.Context, string)                                {}
func (NoopMetrics) RecordRejected(context.Context, string)                                 {}
func (NoopMetrics) RecordClaimed(context.Context, string, bool, int)                       {}
func (NoopMetrics) RecordExpired(context.Context, int)                                     {}

// NoopSpanManager hands out non-recording spans and leaves ctx untouched.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

func (NoopSpanManager) StartDispatchSpan(ctx context.Context, _ string) (context.Context, trace.Span) {
	return ctx, noop.Span{}
}

func (NoopSpanManager) StartInvocationSpan(ctx context.Context, _, _, _ string) (context.Context, trace.Span) {
	return ctx, noop.Span{}
}

func (NoopSpanManager) StartCatchUpSpan(ctx context.Context, _ bool) (context.Context, trace.Span) {
	return ctx, noop.Span{}
}

func (NoopSpanManager) EndSpanWithError(trace.Span, error)                          {}
func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}
