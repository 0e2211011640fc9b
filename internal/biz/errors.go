package biz

import (
	"errors"
	"fmt"
	"time"

	kerrors "github.com/go-kratos/kratos/v2/errors"
)

// CircuitOpenError is returned when a breaker rejects a call without
// invoking the wrapped operation. It carries the time the next probe will
// be allowed through; it is always surfaced to the caller, never retried
// internally.
type CircuitOpenError struct {
	ServiceName string
	NextAttempt time.Time
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s: retry after %s", e.ServiceName, e.NextAttempt.UTC().Format(time.RFC3339))
}

// RetryAfter returns how long until the next probe is allowed.
func (e *CircuitOpenError) RetryAfter(now time.Time) time.Duration {
	d := e.NextAttempt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// IsCircuitOpen reports whether err is (or wraps) a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var coe *CircuitOpenError
	return errors.As(err, &coe)
}

// ConfigValidationError rejects malformed thresholds or timeouts before any
// state mutation.
type ConfigValidationError struct {
	Reason string
}

// Error implements the error interface.
func (e *ConfigValidationError) Error() string {
	return "config validation failed: " + e.Reason
}

// ErrUnknownMetric is returned when a metric sample arrives for a name with
// no configured threshold.
var ErrUnknownMetric = errors.New("no threshold configured for metric")

// QuotaExceededError represents a quota denial from the external
// rate-limiter modules with retry information.
type QuotaExceededError struct {
	Key        string
	Current    int64
	Limit      int64
	RetryAfter int64 // seconds until retry is allowed
}

// Error implements the error interface.
func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s current=%d limit=%d retry_after=%ds",
		e.Key, e.Current, e.Limit, e.RetryAfter)
}

// newQuotaExceededError creates an HTTP 429 error for the admin surface.
func newQuotaExceededError(key string, current, limit, retryAfter int64) error {
	return kerrors.New(
		429, // HTTP 429 Too Many Requests
		"QUOTA_EXCEEDED",
		fmt.Sprintf("quota exceeded: %s current=%d limit=%d retry_after=%ds",
			key, current, limit, retryAfter),
	)
}
