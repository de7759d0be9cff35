package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// installMeter points the global meter provider at a manual reader for the
// duration of the test.
func installMeter(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(mp)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		_ = mp.Shutdown(context.Background())
	})
	return reader
}

// collected indexes one collection by instrument name.
func collected(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	byName := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			byName[m.Name] = m
		}
	}
	return byName
}

// counterTotal sums every data point of an int64 counter.
func counterTotal(t *testing.T, all map[string]metricdata.Metrics, name string) int64 {
	t.Helper()
	m, ok := all[name]
	require.True(t, ok, "no metric %s", name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNewMetricsRecorder(t *testing.T) {
	installMeter(t)
	assert.IsType(t, &otelMetrics{}, NewMetricsRecorder())
}

func TestRecordInvocation(t *testing.T) {
	reader := installMeter(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordInvocation(ctx, "orders.Placed", "audit", 10*time.Millisecond, nil)
	m.RecordInvocation(ctx, "orders.Placed", "audit", 20*time.Millisecond, errors.New("boom"))

	all := collected(t, reader)
	assert.Equal(t, int64(2), counterTotal(t, all, "evengine.invocations"))
	assert.Equal(t, int64(1), counterTotal(t, all, "evengine.invocation.failures"))

	hist, ok := all["evengine.invocation.latency_ms"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)
	assert.InDelta(t, 30.0, hist.DataPoints[0].Sum, 0.001)
}

func TestRecordCounters(t *testing.T) {
	reader := installMeter(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordDispatch(ctx, "orders.Placed", 3)
	m.RecordDuplicate(ctx, "orders.Placed")
	m.RecordRejected(ctx, "global")
	m.RecordClaimed(ctx, "orders.Placed", true, 4)
	m.RecordClaimed(ctx, "orders.Placed", false, 2)
	m.RecordExpired(ctx, 5)

	all := collected(t, reader)
	for name, want := range map[string]int64{
		"evengine.dispatches":      1,
		"evengine.duplicates":      1,
		"evengine.rejected":        1,
		"evengine.catchup.claimed": 6,
		"evengine.expired":         5,
	} {
		assert.Equal(t, want, counterTotal(t, all, name), name)
	}
}
