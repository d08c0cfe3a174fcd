package errorhandler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"time"
)

var (
	// ErrStopped signals a user-initiated stop. It is not a failure.
	ErrStopped = errors.New("stopped")
	// ErrNoConnectivity is returned when every latency probe failed
	ErrNoConnectivity = errors.New("no connectivity: every latency probe failed")
	// ErrAlreadyRunning is returned when a session is started while another is active
	ErrAlreadyRunning = errors.New("test already running")
)

// ErrorType represents the classes of failure a session can see
type ErrorType string

const (
	ErrorTypeCancellation ErrorType = "cancellation"
	ErrorTypeTransient    ErrorType = "transient"
	ErrorTypeConnectivity ErrorType = "connectivity"
	ErrorTypeUnexpected   ErrorType = "unexpected"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// RetryPolicy defines retry behavior for an error type
type RetryPolicy struct {
	MaxRetries    int           `json:"max_retries"` // 0 means retry for as long as the caller's context lives
	InitialDelay  time.Duration `json:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
	Jitter        bool          `json:"jitter"`
}

// ErrorStats tracks statistics for each error type
type ErrorStats struct {
	TotalCount   int       `json:"total_count"`
	RetryCount   int       `json:"retry_count"`
	SuccessCount int       `json:"success_count"`
	LastOccurred time.Time `json:"last_occurred"`
	LastSuccess  time.Time `json:"last_success"`
	LastMessage  string    `json:"last_message,omitempty"`
}

// ErrorHandler classifies errors, keeps per-type statistics and paces retries
type ErrorHandler struct {
	mu            sync.RWMutex
	retryPolicies map[ErrorType]*RetryPolicy
	errorStats    map[ErrorType]*ErrorStats
	logger        *slog.Logger
}

// New creates a new error handler with default policies
func New(logger *slog.Logger) *ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	eh := &ErrorHandler{
		retryPolicies: make(map[ErrorType]*RetryPolicy),
		errorStats:    make(map[ErrorType]*ErrorStats),
		logger:        logger.With(slog.String("component", "errorhandler")),
	}
	eh.setDefaultPolicies()
	return eh
}

// setDefaultPolicies sets the built-in retry policies
func (eh *ErrorHandler) setDefaultPolicies() {
	eh.retryPolicies[ErrorTypeTransient] = &RetryPolicy{
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
		BackoffFactor: 1.0,
	}
	// Cancellation, connectivity and unexpected errors are never retried.
}

// IsExpectedClose reports whether err is the normal result of a cancelled
// or finished transfer rather than a failure.
func IsExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrStopped) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, http.ErrBodyReadAfterClose)
}

// Classify maps an error onto the error taxonomy
func Classify(err error) ErrorType {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStopped), errors.Is(err, context.Canceled):
		return ErrorTypeCancellation
	case errors.Is(err, ErrNoConnectivity):
		return ErrorTypeConnectivity
	case isTransient(err):
		return ErrorTypeTransient
	default:
		return ErrorTypeUnexpected
	}
}

// isTransient reports whether err came from a single network operation
func isTransient(err error) bool {
	var netErr net.Error
	var opErr *net.OpError
	var statusErr *StatusError
	return errors.As(err, &netErr) || errors.As(err, &opErr) || errors.As(err, &statusErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}

// StatusError is returned when an endpoint answers with an unexpected status
type StatusError struct {
	Endpoint string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status code: %d", e.Endpoint, e.Code)
}

// severityOf returns the default severity for an error type
func severityOf(errorType ErrorType) ErrorSeverity {
	switch errorType {
	case ErrorTypeCancellation:
		return SeverityLow
	case ErrorTypeTransient:
		return SeverityMedium
	case ErrorTypeConnectivity:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Record classifies err, updates statistics and logs it. It returns the class.
func (eh *ErrorHandler) Record(err error, component, operation string) ErrorType {
	if err == nil {
		return ""
	}
	errorType := Classify(err)

	eh.mu.Lock()
	stats := eh.getOrCreateErrorStats(errorType)
	stats.TotalCount++
	stats.LastOccurred = time.Now()
	stats.LastMessage = err.Error()
	eh.mu.Unlock()

	attrs := []any{
		slog.String("error_type", string(errorType)),
		slog.String("severity", string(severityOf(errorType))),
		slog.String("source", component),
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	}
	switch severityOf(errorType) {
	case SeverityLow:
		eh.logger.Debug("operation cancelled", attrs...)
	case SeverityMedium:
		eh.logger.Warn("transient failure", attrs...)
	default:
		eh.logger.Error("operation failed", attrs...)
	}
	return errorType
}

// RecordSuccess records a successful operation for an error type
func (eh *ErrorHandler) RecordSuccess(errorType ErrorType) {
	eh.mu.Lock()
	defer eh.mu.Unlock()

	stats := eh.getOrCreateErrorStats(errorType)
	stats.SuccessCount++
	stats.LastSuccess = time.Now()
}

// Wait blocks for the retry delay of attempt under the policy for errorType.
// It returns an error when the policy forbids another attempt or ctx ends first.
func (eh *ErrorHandler) Wait(ctx context.Context, errorType ErrorType, attempt int) error {
	eh.mu.Lock()
	policy, exists := eh.retryPolicies[errorType]
	if !exists {
		eh.mu.Unlock()
		return fmt.Errorf("no retry policy for %s errors", errorType)
	}
	if policy.MaxRetries > 0 && attempt >= policy.MaxRetries {
		eh.mu.Unlock()
		return fmt.Errorf("max retries (%d) exceeded", policy.MaxRetries)
	}
	eh.getOrCreateErrorStats(errorType).RetryCount++
	delay := calculateRetryDelay(policy, attempt)
	eh.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetRetryPolicy sets a custom retry policy for an error type
func (eh *ErrorHandler) SetRetryPolicy(errorType ErrorType, policy *RetryPolicy) {
	eh.mu.Lock()
	defer eh.mu.Unlock()

	eh.retryPolicies[errorType] = policy
}

// GetErrorStats returns a copy of the statistics for all error types
func (eh *ErrorHandler) GetErrorStats() map[ErrorType]ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	result := make(map[ErrorType]ErrorStats, len(eh.errorStats))
	for errorType, stats := range eh.errorStats {
		result[errorType] = *stats
	}
	return result
}

// calculateRetryDelay calculates the delay before retry number retryCount
func calculateRetryDelay(policy *RetryPolicy, retryCount int) time.Duration {
	delay := policy.InitialDelay
	for i := 0; i < retryCount; i++ {
		delay = time.Duration(float64(delay) * policy.BackoffFactor)
		if delay > policy.MaxDelay {
			break
		}
	}
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}

	// ±10% jitter
	if policy.Jitter && delay > 0 {
		jitterAmount := int64(float64(delay) * 0.1)
		if jitterAmount > 0 {
			delay += time.Duration(rand.Int64N(2*jitterAmount) - jitterAmount)
		}
	}
	return delay
}

// getOrCreateErrorStats must be called with eh.mu held
func (eh *ErrorHandler) getOrCreateErrorStats(errorType ErrorType) *ErrorStats {
	if stats, exists := eh.errorStats[errorType]; exists {
		return stats
	}
	stats := &ErrorStats{}
	eh.errorStats[errorType] = stats
	return stats
}
