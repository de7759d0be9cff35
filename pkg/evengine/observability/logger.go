// Package observability provides structured logging, metrics, and tracing
// for the event engine.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds the node id to a logger.
func EnrichLogger(logger *slog.Logger, nodeID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(slog.String("node_id", nodeID))
}

// LogRegistrationError logs a rejected listener or callback.
func LogRegistrationError(logger *slog.Logger, err error) {
	if logger == nil {
		return
	}
	logger.Error("listener registration rejected",
		slog.String("error", err.Error()),
	)
}

// LogPolicyRejected logs an event type whose policy failed validation.
// Its events are not dispatched.
func LogPolicyRejected(logger *slog.Logger, eventType string, err error) {
	if logger == nil {
		return
	}
	logger.Error("event type policy rejected, type will be skipped",
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
	)
}

// LogDispatchSkipped logs an event that was not dispatched.
func LogDispatchSkipped(logger *slog.Logger, eventType, reason string) {
	if logger == nil {
		return
	}
	logger.Warn("dispatch skipped",
		slog.String("event_type", eventType),
		slog.String("reason", reason),
	)
}

// LogDuplicate logs an idempotent event suppressed by a pending duplicate.
func LogDuplicate(logger *slog.Logger, eventType, listener string) {
	if logger == nil {
		return
	}
	logger.Info("idempotent event already pending, skipping",
		slog.String("event_type", eventType),
		slog.String("listener", listener),
	)
}

// LogInvocationFailed logs a listener callback that returned an error or panicked.
func LogInvocationFailed(logger *slog.Logger, recordID, listener, callback string, err error) {
	if logger == nil {
		return
	}
	logger.Error("listener invocation failed",
		slog.String("record_id", recordID),
		slog.String("listener", listener),
		slog.String("callback", callback),
		slog.String("error", err.Error()),
	)
}

// LogInvocationComplete logs a finished invocation.
func LogInvocationComplete(logger *slog.Logger, recordID, listener string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("listener invocation completed",
		slog.String("record_id", recordID),
		slog.String("listener", listener),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogStoreError logs a failed store operation (non-fatal).
func LogStoreError(logger *slog.Logger, op, recordID string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("store operation failed",
		slog.String("operation", op),
		slog.String("record_id", recordID),
		slog.String("error", err.Error()),
	)
}

// LogNotClaimed logs a record catch-up left for another node.
func LogNotClaimed(logger *slog.Logger, recordID string, err error) {
	if logger == nil {
		return
	}
	logger.Debug("record left for another node",
		slog.String("record_id", recordID),
		slog.String("reason", err.Error()),
	)
}

// LogStoreRetry logs a transient store failure about to be retried.
func LogStoreRetry(logger *slog.Logger, scope string, attempt int, err error, wait time.Duration) {
	if logger == nil {
		return
	}
	logger.Debug("retrying store call",
		slog.String("scope", scope),
		slog.Int("attempt", attempt),
		slog.Duration("wait", wait),
		slog.String("error", err.Error()),
	)
}

// LogDowngrade logs a configuration that was relaxed at startup.
func LogDowngrade(logger *slog.Logger, reason string) {
	if logger == nil {
		return
	}
	logger.Error("persistence disabled",
		slog.String("reason", reason),
	)
}

// LogCatchUp logs a completed catch-up pass for one event type.
func LogCatchUp(logger *slog.Logger, eventType string, distributed bool, claimed int) {
	if logger == nil {
		return
	}
	logger.Info("catch-up completed",
		slog.String("event_type", eventType),
		slog.Bool("distributed", distributed),
		slog.Int("claimed", claimed),
	)
}

// LogLockBusy logs a catch-up pass skipped because another node holds the lock.
func LogLockBusy(logger *slog.Logger, holder string) {
	if logger == nil {
		return
	}
	logger.Debug("catch-up lock held elsewhere",
		slog.String("held_by", holder),
	)
}

// LogExpired logs an expiry sweep.
func LogExpired(logger *slog.Logger, count int) {
	if logger == nil {
		return
	}
	logger.Info("expired stale records",
		slog.Int("count", count),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	elapsed := done()
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}

// Millis converts d to fractional milliseconds.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// LogTaskPanic logs a panic that escaped a pool task.
func LogTaskPanic(logger *slog.Logger, pool string, err error) {
	if logger == nil {
		return
	}
	logger.Error("pool task panicked",
		slog.String("pool", pool),
		slog.String("error", err.Error()),
	)
}
