package errorhandler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler() *ErrorHandler {
	return New(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"nil", nil, ""},
		{"stopped", ErrStopped, ErrorTypeCancellation},
		{"wrapped stopped", fmt.Errorf("download phase: %w", ErrStopped), ErrorTypeCancellation},
		{"context canceled", context.Canceled, ErrorTypeCancellation},
		{"no connectivity", fmt.Errorf("latency: %w", ErrNoConnectivity), ErrorTypeConnectivity},
		{"dial failure", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, ErrorTypeTransient},
		{"bad status", &StatusError{Endpoint: "/api/up", Code: 502}, ErrorTypeTransient},
		{"unexpected eof", io.ErrUnexpectedEOF, ErrorTypeTransient},
		{"anything else", errors.New("boom"), ErrorTypeUnexpected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsExpectedClose(t *testing.T) {
	assert.True(t, IsExpectedClose(io.EOF))
	assert.True(t, IsExpectedClose(context.Canceled))
	assert.True(t, IsExpectedClose(fmt.Errorf("read: %w", context.DeadlineExceeded)))
	assert.True(t, IsExpectedClose(net.ErrClosed))
	assert.False(t, IsExpectedClose(nil))
	assert.False(t, IsExpectedClose(errors.New("connection reset by peer")))
}

func TestRecordUpdatesStats(t *testing.T) {
	eh := newTestHandler()

	got := eh.Record(&StatusError{Endpoint: "/api/down", Code: 500}, "tester", "download")
	assert.Equal(t, ErrorTypeTransient, got)
	eh.Record(errors.New("boom"), "controller", "run")
	eh.RecordSuccess(ErrorTypeTransient)

	stats := eh.GetErrorStats()
	require.Contains(t, stats, ErrorTypeTransient)
	assert.Equal(t, 1, stats[ErrorTypeTransient].TotalCount)
	assert.Equal(t, 1, stats[ErrorTypeTransient].SuccessCount)
	assert.Equal(t, 1, stats[ErrorTypeUnexpected].TotalCount)
	assert.Equal(t, "boom", stats[ErrorTypeUnexpected].LastMessage)
}

func TestWaitUsesTransientBackoff(t *testing.T) {
	eh := newTestHandler()

	start := time.Now()
	require.NoError(t, eh.Wait(context.Background(), ErrorTypeTransient, 3))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 1, eh.GetErrorStats()[ErrorTypeTransient].RetryCount)
}

func TestWaitHonorsContext(t *testing.T) {
	eh := newTestHandler()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := eh.Wait(ctx, ErrorTypeTransient, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitWithoutPolicy(t *testing.T) {
	eh := newTestHandler()
	assert.Error(t, eh.Wait(context.Background(), ErrorTypeConnectivity, 0))
}

func TestWaitMaxRetries(t *testing.T) {
	eh := newTestHandler()
	eh.SetRetryPolicy(ErrorTypeUnexpected, &RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1})

	assert.NoError(t, eh.Wait(context.Background(), ErrorTypeUnexpected, 1))
	assert.Error(t, eh.Wait(context.Background(), ErrorTypeUnexpected, 2))
}

func TestCalculateRetryDelay(t *testing.T) {
	policy := &RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2}

	assert.Equal(t, 100*time.Millisecond, calculateRetryDelay(policy, 0))
	assert.Equal(t, 400*time.Millisecond, calculateRetryDelay(policy, 2))
	assert.Equal(t, time.Second, calculateRetryDelay(policy, 10))

	policy.Jitter = true
	for i := 0; i < 20; i++ {
		d := calculateRetryDelay(policy, 0)
		assert.InDelta(t, float64(100*time.Millisecond), float64(d), float64(10*time.Millisecond))
	}
}
