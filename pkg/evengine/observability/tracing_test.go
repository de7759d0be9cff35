package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTracer routes the global tracer provider into memory until the
// test ends.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestDispatchAndInvocationSpans(t *testing.T) {
	exporter := installTracer(t)

	sm := NewSpanManager()
	ctx, dispatch := sm.StartDispatchSpan(context.Background(), "orders.Placed")
	_, invoke := sm.StartInvocationSpan(ctx, "orders.Placed", "audit", "OnPlaced")
	sm.EndSpanWithError(invoke, errors.New("boom"))
	sm.EndSpanWithError(dispatch, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	inv, disp := spans[0], spans[1]
	assert.Equal(t, "evengine.invoke.OnPlaced", inv.Name)
	assert.Equal(t, "evengine.dispatch", disp.Name)
	assert.Equal(t, disp.SpanContext.SpanID(), inv.Parent.SpanID())

	v, ok := attrValue(inv.Attributes, "listener")
	require.True(t, ok)
	assert.Equal(t, "audit", v.AsString())

	assert.Equal(t, codes.Error, inv.Status.Code)
	assert.Equal(t, "boom", inv.Status.Description)
	assert.Equal(t, codes.Ok, disp.Status.Code)
}

func TestCatchUpSpan(t *testing.T) {
	exporter := installTracer(t)

	sm := NewSpanManager()
	ctx, span := sm.StartCatchUpSpan(context.Background(), true)
	sm.AddSpanEvent(ctx, "claimed", attribute.Int("count", 3))
	EndSpanWithError(span, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	v, ok := attrValue(spans[0].Attributes, "startup")
	require.True(t, ok)
	assert.True(t, v.AsBool())
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "claimed", spans[0].Events[0].Name)
}

func TestEndSpanWithError_NilSpan(t *testing.T) {
	assert.NotPanics(t, func() { EndSpanWithError(nil, errors.New("x")) })
}
