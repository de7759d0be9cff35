package evengine

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/evengine/pkg/evengine/observability"
	"github.com/randalmurphal/evengine/pkg/evengine/store"
)

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the record store used in persistent mode.
//
// The engine does not close the store; the caller owns it.
func WithStore(s store.Store) Option {
	return func(e *Engine) {
		e.rawStore = s
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
// Pass nil to disable logging.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	engine := evengine.New(cfg, evengine.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics enables metrics. A nil recorder uses the OpenTelemetry
// recorder bound to the global meter provider.
//
// Metrics recorded:
//   - evengine.dispatches: events dispatched
//   - evengine.invocations, evengine.invocation.failures: listener runs
//   - evengine.invocation.latency_ms: listener latency
//   - evengine.duplicates: idempotent events suppressed
//   - evengine.rejected: submissions refused by a pool
//   - evengine.catchup.claimed, evengine.expired: poller activity
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(e *Engine) {
		if m == nil {
			m = observability.NewMetricsRecorder()
		}
		e.metrics = m
	}
}

// WithTracing enables tracing. A nil span manager uses the OpenTelemetry
// tracer bound to the global tracer provider.
//
// Span hierarchy:
//
//	evengine.dispatch
//	├── evengine.invoke.<callback>
//	└── evengine.invoke.<callback>
//	evengine.catchup
func WithTracing(sm observability.SpanManager) Option {
	return func(e *Engine) {
		if sm == nil {
			sm = observability.NewSpanManager()
		}
		e.spans = sm
	}
}

// WithClock overrides the time source for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}
