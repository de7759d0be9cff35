package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureLogger returns a JSON logger writing into a buffer at debug level.
func captureLogger() (*slog.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	h := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(h), buf
}

// lastEntry decodes the last JSON line written to buf.
func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}

func TestEnrichLogger(t *testing.T) {
	t.Run("adds node id", func(t *testing.T) {
		logger, buf := captureLogger()
		EnrichLogger(logger, "INSTANCE_a").Info("hello")

		entry := lastEntry(t, buf)
		assert.Equal(t, "INSTANCE_a", entry["node_id"])
	})

	t.Run("nil logger stays nil", func(t *testing.T) {
		assert.Nil(t, EnrichLogger(nil, "n1"))
	})
}

func TestLogInvocationFailed(t *testing.T) {
	logger, buf := captureLogger()
	LogInvocationFailed(logger, "rec-1", "audit", "OnPlaced", errors.New("boom"))

	entry := lastEntry(t, buf)
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "listener invocation failed", entry["msg"])
	assert.Equal(t, "rec-1", entry["record_id"])
	assert.Equal(t, "audit", entry["listener"])
	assert.Equal(t, "OnPlaced", entry["callback"])
	assert.Equal(t, "boom", entry["error"])
}

func TestLogCatchUp(t *testing.T) {
	logger, buf := captureLogger()
	LogCatchUp(logger, "orders.Placed", true, 7)

	entry := lastEntry(t, buf)
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "orders.Placed", entry["event_type"])
	assert.Equal(t, true, entry["distributed"])
	assert.EqualValues(t, 7, entry["claimed"])
}

func TestLogStoreError(t *testing.T) {
	logger, buf := captureLogger()
	LogStoreError(logger, "save", "rec-9", errors.New("disk full"))

	entry := lastEntry(t, buf)
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "save", entry["operation"])
	assert.Equal(t, "disk full", entry["error"])
}

func TestLogStoreRetry(t *testing.T) {
	logger, buf := captureLogger()
	LogStoreRetry(logger, "poller", 2, errors.New("database is locked"), 50*time.Millisecond)

	entry := lastEntry(t, buf)
	assert.Equal(t, "DEBUG", entry["level"])
	assert.Equal(t, "poller", entry["scope"])
	assert.EqualValues(t, 2, entry["attempt"])
	assert.EqualValues(t, 50*time.Millisecond, entry["wait"])
}

func TestLogHelpers_NilLogger(t *testing.T) {
	// None of these may panic.
	err := errors.New("x")
	LogRegistrationError(nil, err)
	LogPolicyRejected(nil, "t", err)
	LogDispatchSkipped(nil, "t", "r")
	LogDuplicate(nil, "t", "l")
	LogInvocationFailed(nil, "id", "l", "c", err)
	LogInvocationComplete(nil, "id", "l", 1)
	LogStoreError(nil, "op", "id", err)
	LogStoreRetry(nil, "s", 1, err, time.Millisecond)
	LogNotClaimed(nil, "id", err)
	LogDowngrade(nil, "r")
	LogCatchUp(nil, "t", false, 0)
	LogLockBusy(nil, "n")
	LogExpired(nil, 0)
	LogTaskPanic(nil, "p", err)
}

func TestTimedOperation(t *testing.T) {
	done := TimedOperation()
	time.Sleep(5 * time.Millisecond)
	elapsed := done()
	assert.GreaterOrEqual(t, elapsed, 5*time.Millisecond)
	assert.InDelta(t, 1.5, Millis(1500*time.Microsecond), 1e-9)
}
