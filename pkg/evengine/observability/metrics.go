package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records engine metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordDispatch records an event pushed to bindings invocations.
	RecordDispatch(ctx context.Context, eventType string, bindings int)

	// RecordInvocation records a listener invocation with its duration and error status.
	RecordInvocation(ctx context.Context, eventType, listener string, duration time.Duration, err error)

	// RecordDuplicate records an idempotent event suppressed by a pending duplicate.
	RecordDuplicate(ctx context.Context, eventType string)

	// RecordRejected records work refused by a saturated or closed pool.
	RecordRejected(ctx context.Context, pool string)

	// RecordClaimed records records re-dispatched by catch-up.
	RecordClaimed(ctx context.Context, eventType string, distributed bool, count int)

	// RecordExpired records records moved to EXPIRED.
	RecordExpired(ctx context.Context, count int)
}

type otelMetrics struct {
	dispatches  metric.Int64Counter
	invocations metric.Int64Counter
	latency     metric.Float64Histogram
	failures    metric.Int64Counter
	duplicates  metric.Int64Counter
	rejected    metric.Int64Counter
	claimed     metric.Int64Counter
	expired     metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// Instruments are created once per process so that several engines share them.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("evengine")
	m := &otelMetrics{}

	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.dispatches, "evengine.dispatches", "Number of events dispatched"},
		{&m.invocations, "evengine.invocations", "Number of listener invocations"},
		{&m.failures, "evengine.invocation.failures", "Number of failed listener invocations"},
		{&m.duplicates, "evengine.duplicates", "Number of idempotent events suppressed"},
		{&m.rejected, "evengine.rejected", "Number of submissions refused by a pool"},
		{&m.claimed, "evengine.catchup.claimed", "Number of records re-dispatched by catch-up"},
		{&m.expired, "evengine.expired", "Number of records expired"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	m.latency, err = meter.Float64Histogram("evengine.invocation.latency_ms",
		metric.WithDescription("Listener invocation latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder records through the global meter provider. It falls
// back to NoopMetrics when the instruments cannot be created.
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordDispatch(ctx context.Context, eventType string, bindings int) {
	m.dispatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Int("bindings", bindings),
	))
}

func (m *otelMetrics) RecordInvocation(ctx context.Context, eventType, listener string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("listener", listener),
	)
	m.invocations.Add(ctx, 1, attrs)
	m.latency.Record(ctx, Millis(duration), attrs)
	if err != nil {
		m.failures.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordDuplicate(ctx context.Context, eventType string) {
	m.duplicates.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *otelMetrics) RecordRejected(ctx context.Context, pool string) {
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("pool", pool)))
}

func (m *otelMetrics) RecordClaimed(ctx context.Context, eventType string, distributed bool, count int) {
	m.claimed.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Bool("distributed", distributed),
	))
}

func (m *otelMetrics) RecordExpired(ctx context.Context, count int) {
	m.expired.Add(ctx, int64(count))
}
