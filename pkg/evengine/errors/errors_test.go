package errors

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/evengine/pkg/evengine/pool"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, Permanent},
		{"marked transient", MarkTransient(errors.New("flaky")), Transient},
		{"marked permanent", MarkPermanent(driver.ErrBadConn), Permanent},
		{"context canceled", context.Canceled, Permanent},
		{"deadline", fmt.Errorf("save: %w", context.DeadlineExceeded), Permanent},
		{"pool saturated", fmt.Errorf("submit: %w", pool.ErrSaturated), Transient},
		{"pool closed", pool.ErrClosed, Permanent},
		{"bad conn", driver.ErrBadConn, Transient},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), Transient},
		{"net timeout", timeoutErr{}, Transient},
		{"pq connection", &pq.Error{Code: "08006"}, Transient},
		{"pq deadlock", &pq.Error{Code: "40P01"}, Transient},
		{"pq unique violation", &pq.Error{Code: "23505"}, Permanent},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), Transient},
		{"op wrapped", Wrap(driver.ErrBadConn, "save"), Transient},
		{"unknown", errors.New("unknown"), Permanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
			assert.Equal(t, tt.want == Transient, IsRetryable(tt.err))
		})
	}
}

func TestCategoryString(t *testing.T) {
	assert.Equal(t, "transient", Transient.String())
	assert.Equal(t, "permanent", Permanent.String())
	assert.Equal(t, "unknown", Category(9).String())
}

func TestMark(t *testing.T) {
	assert.Nil(t, MarkTransient(nil))
	assert.Nil(t, MarkPermanent(nil))

	inner := errors.New("inner")
	assert.ErrorIs(t, MarkTransient(inner), inner)
	assert.Equal(t, "inner", MarkPermanent(inner).Error())
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "save"))

	inner := errors.New("boom")
	err := Wrap(inner, "save")
	assert.EqualError(t, err, "store save: boom")
	assert.ErrorIs(t, err, inner)
}

var fast = NewRetryConfig(WithMaxAttempts(3), WithInitialBackoff(time.Millisecond), WithJitter(0))

func TestRetry_FirstTry(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), fast, func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 1, calls)
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	var seen []int
	cfg := fast
	cfg.OnRetry = func(attempt int, err error, _ time.Duration) {
		assert.ErrorIs(t, err, driver.ErrBadConn)
		seen = append(seen, attempt)
	}

	calls := 0
	v, err := Retry(context.Background(), cfg, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, driver.ErrBadConn
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestRetry_PermanentStops(t *testing.T) {
	boom := errors.New("constraint")
	calls := 0
	_, err := Retry(context.Background(), fast, func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	assert.Same(t, boom, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_Exhausted(t *testing.T) {
	_, err := Retry(context.Background(), fast, func(context.Context) (int, error) {
		return 0, driver.ErrBadConn
	})
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.ErrorIs(t, err, driver.ErrBadConn)
	assert.Contains(t, err.Error(), "gave up after 3 attempts")
}

func TestRetry_SingleAttemptReturnsRawError(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), RetryConfig{}, func(context.Context) (int, error) {
		calls++
		return 0, driver.ErrBadConn
	})
	assert.Same(t, driver.ErrBadConn, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, fast, func(context.Context) (int, error) {
		t.Error("should not be called")
		return 0, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetry_CancelDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := NewRetryConfig(WithMaxAttempts(5), WithInitialBackoff(time.Hour), WithOnRetry(func(int, error, time.Duration) {
		cancel()
	}))
	_, err := Retry(ctx, cfg, func(context.Context) (int, error) {
		return 0, driver.ErrBadConn
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff(t *testing.T) {
	b := newBackoff(NewRetryConfig(
		WithInitialBackoff(10*time.Millisecond),
		WithMaxBackoff(35*time.Millisecond),
		WithMultiplier(2),
		WithJitter(0),
	))
	assert.Equal(t, 10*time.Millisecond, b.next())
	assert.Equal(t, 20*time.Millisecond, b.next())
	assert.Equal(t, 35*time.Millisecond, b.next())
	assert.Equal(t, 35*time.Millisecond, b.next())

	flat := newBackoff(RetryConfig{InitialBackoff: time.Millisecond, Multiplier: 0.5})
	assert.Equal(t, time.Millisecond, flat.next())
	assert.Equal(t, time.Millisecond, flat.next())

	jittered := newBackoff(RetryConfig{InitialBackoff: 100 * time.Millisecond, Jitter: 0.5})
	for range 20 {
		d := jittered.next()
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}
