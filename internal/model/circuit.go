package model

import (
	"fmt"
	"time"
)

// CircuitBreakerState is the state machine position of one breaker.
type CircuitBreakerState string

const (
	// CircuitClosed passes all calls through.
	CircuitClosed CircuitBreakerState = "closed"
	// CircuitOpen rejects calls until the cooldown elapses.
	CircuitOpen CircuitBreakerState = "open"
	// CircuitHalfOpen lets probe calls through to test recovery.
	CircuitHalfOpen CircuitBreakerState = "half_open"
)

// String returns the string representation of CircuitBreakerState.
func (s CircuitBreakerState) String() string {
	return string(s)
}

// CircuitState is the durable state of one breaker, keyed by service name.
// Invariant: NextAttempt is non-nil exactly when State is CircuitOpen.
type CircuitState struct {
	ServiceName  string
	State        CircuitBreakerState
	FailureCount int
	SuccessCount int
	LastFailure  *time.Time
	LastSuccess  *time.Time
	NextAttempt  *time.Time
	// Version is the optimistic-locking counter; bumped on every persisted
	// mutation so concurrent recordings cannot lose updates.
	Version   int64
	UpdatedAt time.Time
}

// CircuitConfig holds the per-dependency breaker thresholds and timeouts.
// Immutable after construction except through an explicit UpdateConfig.
type CircuitConfig struct {
	// FailureThreshold is the number of failures that opens a closed breaker.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker again.
	SuccessThreshold int
	// OpenTimeout is the cooldown before a probe is allowed through.
	OpenTimeout time.Duration
	// HalfOpenTimeout bounds how long the half-open probe marker lives.
	HalfOpenTimeout time.Duration
}

// Validate rejects malformed thresholds and timeouts before any state mutation.
func (c CircuitConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("circuit config: failure_threshold must be positive, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold <= 0 {
		return fmt.Errorf("circuit config: success_threshold must be positive, got %d", c.SuccessThreshold)
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("circuit config: open_timeout must be positive, got %s", c.OpenTimeout)
	}
	if c.HalfOpenTimeout <= 0 {
		return fmt.Errorf("circuit config: half_open_timeout must be positive, got %s", c.HalfOpenTimeout)
	}
	return nil
}

// CircuitStats summarizes the registry for the ops surface.
type CircuitStats struct {
	TotalCircuits int                         `json:"total_circuits"`
	ByState       map[CircuitBreakerState]int `json:"by_state"`
	TopFailures   []CircuitFailureEntry       `json:"top_failures"`
}

// CircuitFailureEntry is one row of the top-failures list.
type CircuitFailureEntry struct {
	ServiceName  string `json:"service_name"`
	FailureCount int    `json:"failure_count"`
}
