package biz

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"Wardline/internal/conf"
	"Wardline/internal/model"
	pkgerrors "Wardline/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
)

// Operation is a risky downstream call wrapped by a breaker. The breaker
// never enforces its own timeout on it; callers attach cancellation to ctx.
type Operation func(ctx context.Context) error

// CircuitBreakerRegistry owns one CircuitBreaker per dependency name.
// It is constructed once at startup and passed by reference, so tests can
// instantiate isolated registries instead of mutating shared process state.
type CircuitBreakerRegistry struct {
	repo      CircuitStateRepo
	incidents IncidentSink
	audit     AuditLogger
	defaults  model.CircuitConfig
	logger    *log.Helper

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker

	nowFn func() time.Time
}

// NewCircuitBreakerRegistry creates the registry with per-dependency
// defaults taken from configuration.
func NewCircuitBreakerRegistry(cfg *conf.Governance, repo CircuitStateRepo, incidents IncidentSink, audit AuditLogger, logger log.Logger) *CircuitBreakerRegistry {
	defaults := model.CircuitConfig{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		SuccessThreshold: cfg.Circuit.SuccessThreshold,
		OpenTimeout:      cfg.Circuit.OpenTimeout.AsDuration(),
		HalfOpenTimeout:  cfg.Circuit.HalfOpenTimeout.AsDuration(),
	}
	return &CircuitBreakerRegistry{
		repo:      repo,
		incidents: incidents,
		audit:     audit,
		defaults:  defaults,
		logger:    log.NewHelper(logger),
		breakers:  map[string]*CircuitBreaker{},
		nowFn:     time.Now,
	}
}

// GetOrCreate returns the breaker for a dependency name, creating it lazily.
// A nil config uses the registry defaults; config is validated before any
// state mutation.
func (r *CircuitBreakerRegistry) GetOrCreate(serviceName string, config *model.CircuitConfig) (*CircuitBreaker, error) {
	cfg := r.defaults
	if config != nil {
		cfg = *config
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigValidationError{Reason: err.Error()}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[serviceName]; ok {
		return b, nil
	}

	b := &CircuitBreaker{
		serviceName: serviceName,
		config:      cfg,
		repo:        r.repo,
		incidents:   r.incidents,
		audit:       r.audit,
		logger:      r.logger,
		nowFn:       r.nowFn,
	}
	r.breakers[serviceName] = b
	return b, nil
}

// List returns the persisted state of every known breaker.
func (r *CircuitBreakerRegistry) List(ctx context.Context) ([]*model.CircuitState, error) {
	return r.repo.List(ctx)
}

// Stats summarizes all known breakers: totals, count by state, and the
// services with the highest failure counts.
func (r *CircuitBreakerRegistry) Stats(ctx context.Context) (*model.CircuitStats, error) {
	states, err := r.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := &model.CircuitStats{
		TotalCircuits: len(states),
		ByState: map[model.CircuitBreakerState]int{
			model.CircuitClosed:   0,
			model.CircuitOpen:     0,
			model.CircuitHalfOpen: 0,
		},
	}
	persisted := make(map[string]bool, len(states))
	for _, st := range states {
		persisted[st.ServiceName] = true
		stats.ByState[st.State]++
		if st.FailureCount > 0 {
			stats.TopFailures = append(stats.TopFailures, model.CircuitFailureEntry{
				ServiceName:  st.ServiceName,
				FailureCount: st.FailureCount,
			})
		}
	}
	// Breakers registered but never executed have no persisted row yet;
	// they are still closed circuits and must show up in the totals.
	r.mu.Lock()
	for name := range r.breakers {
		if !persisted[name] {
			stats.TotalCircuits++
			stats.ByState[model.CircuitClosed]++
		}
	}
	r.mu.Unlock()

	sort.Slice(stats.TopFailures, func(i, j int) bool {
		return stats.TopFailures[i].FailureCount > stats.TopFailures[j].FailureCount
	})
	if len(stats.TopFailures) > 5 {
		stats.TopFailures = stats.TopFailures[:5]
	}
	return stats, nil
}

// CircuitBreaker wraps operations against one dependency with fail-fast
// protection. State is persisted on every transition before control returns
// to the caller, so other instances never observe stale state after a crash.
type CircuitBreaker struct {
	serviceName string

	mu     sync.RWMutex // guards config
	config model.CircuitConfig

	repo      CircuitStateRepo
	incidents IncidentSink
	audit     AuditLogger
	logger    *log.Helper
	nowFn     func() time.Time
}

// casRetries bounds the optimistic-locking retry loop on version conflicts.
const casRetries = 3

// Execute wraps one call. When the breaker is open it returns a
// *CircuitOpenError without invoking op; otherwise op runs and its own error
// is always re-surfaced to the caller after bookkeeping.
func (b *CircuitBreaker) Execute(ctx context.Context, op Operation) error {
	st, err := b.loadOrCreate(ctx)
	if err != nil {
		// Store unreachable: fail toward "closed, but uncertain". The call
		// proceeds and this invocation skips counter mutation.
		b.logger.Warnw("circuit state unavailable, proceeding without bookkeeping",
			"service", b.serviceName, "error", err)
		return op(ctx)
	}

	now := b.nowFn().UTC()

	if st.State == model.CircuitOpen {
		if st.NextAttempt != nil && now.Before(*st.NextAttempt) {
			return &CircuitOpenError{ServiceName: b.serviceName, NextAttempt: *st.NextAttempt}
		}
		// Cooldown elapsed: transition to half_open before the probe call.
		st, err = b.enterHalfOpen(ctx, st)
		if err != nil {
			var coe *CircuitOpenError
			if errors.As(err, &coe) {
				return err
			}
			b.logger.Warnw("half-open transition failed, proceeding without bookkeeping",
				"service", b.serviceName, "error", err)
			return op(ctx)
		}
	}

	opErr := op(ctx)

	// Caller cancellation is not a dependency verdict: once the context is
	// done, neither a wrapped ctx error nor a nil result from the op may
	// mutate breaker counters.
	if ctx.Err() != nil && (opErr == nil || errors.Is(opErr, ctx.Err())) {
		return opErr
	}

	if opErr != nil {
		b.recordFailure(ctx)
		return opErr
	}

	b.recordSuccess(ctx)
	return nil
}

// IsAvailable reports whether a call would currently be let through.
func (b *CircuitBreaker) IsAvailable(ctx context.Context) bool {
	st, err := b.loadOrCreate(ctx)
	if err != nil {
		// Closed-but-uncertain.
		return true
	}
	if st.State != model.CircuitOpen {
		return true
	}
	return st.NextAttempt == nil || !b.nowFn().UTC().Before(*st.NextAttempt)
}

// Open forces the breaker open with a fresh cooldown (manual override).
func (b *CircuitBreaker) Open(ctx context.Context) error {
	return b.mutate(ctx, func(st *model.CircuitState, now time.Time) {
		b.toOpen(ctx, st, now, "manual override")
	})
}

// Close forces the breaker closed and clears all counters (manual override).
func (b *CircuitBreaker) Close(ctx context.Context) error {
	err := b.mutate(ctx, func(st *model.CircuitState, now time.Time) {
		b.toClosed(ctx, st, "manual override")
	})
	if err != nil {
		return err
	}
	if perr := b.repo.ReleaseProbe(ctx, b.serviceName); perr != nil {
		b.logger.Warnw("failed to release probe marker", "service", b.serviceName, "error", perr)
	}
	return nil
}

// Reset is an alias of Close kept for the ops surface.
func (b *CircuitBreaker) Reset(ctx context.Context) error {
	return b.Close(ctx)
}

// UpdateConfig swaps the breaker thresholds after validation.
func (b *CircuitBreaker) UpdateConfig(config model.CircuitConfig) error {
	if err := config.Validate(); err != nil {
		return &ConfigValidationError{Reason: err.Error()}
	}
	b.mu.Lock()
	b.config = config
	b.mu.Unlock()
	return nil
}

// State returns the current persisted state.
func (b *CircuitBreaker) State(ctx context.Context) (*model.CircuitState, error) {
	return b.loadOrCreate(ctx)
}

func (b *CircuitBreaker) cfg() model.CircuitConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.config
}

// loadOrCreate fetches the state row, inserting the initial closed state on
// first use. A create race with another instance falls back to a re-read.
func (b *CircuitBreaker) loadOrCreate(ctx context.Context) (*model.CircuitState, error) {
	st, err := b.repo.Get(ctx, b.serviceName)
	if err == nil {
		return st, nil
	}
	if !pkgerrors.IsNotFoundError(err) {
		return nil, err
	}

	st = &model.CircuitState{
		ServiceName: b.serviceName,
		State:       model.CircuitClosed,
		UpdatedAt:   b.nowFn().UTC(),
	}
	if cerr := b.repo.Create(ctx, st); cerr != nil {
		if pkgerrors.IsDuplicateKeyError(cerr) {
			return b.repo.Get(ctx, b.serviceName)
		}
		return nil, cerr
	}
	return st, nil
}

// enterHalfOpen performs the open → half_open transition. The CAS admits a
// single winner per version; losers re-read and either proceed (someone else
// already flipped it) or keep rejecting while the breaker is still cooling.
func (b *CircuitBreaker) enterHalfOpen(ctx context.Context, st *model.CircuitState) (*model.CircuitState, error) {
	now := b.nowFn().UTC()

	st.State = model.CircuitHalfOpen
	st.SuccessCount = 0
	st.NextAttempt = nil
	st.UpdatedAt = now

	ok, err := b.repo.UpdateCAS(ctx, st, st.Version)
	if err != nil {
		return nil, err
	}
	if ok {
		st.Version++
		// Cross-instance marker so operators can see a probe is in flight.
		if _, perr := b.repo.AcquireProbe(ctx, b.serviceName, b.cfg().HalfOpenTimeout); perr != nil {
			b.logger.Warnw("failed to set probe marker (degraded mode)",
				"service", b.serviceName, "error", perr)
		}
		b.audit.LogCircuitTransition(ctx, b.serviceName, model.CircuitOpen, model.CircuitHalfOpen, nil)
		b.logger.Infow("circuit half-open, probing", "service", b.serviceName)
		return st, nil
	}

	// Lost the race: another observation already moved the state.
	fresh, err := b.repo.Get(ctx, b.serviceName)
	if err != nil {
		return nil, err
	}
	if fresh.State == model.CircuitOpen && fresh.NextAttempt != nil && now.Before(*fresh.NextAttempt) {
		return nil, &CircuitOpenError{ServiceName: b.serviceName, NextAttempt: *fresh.NextAttempt}
	}
	return fresh, nil
}

// recordSuccess applies success bookkeeping under the CAS retry loop.
func (b *CircuitBreaker) recordSuccess(ctx context.Context) {
	err := b.mutate(ctx, func(st *model.CircuitState, now time.Time) {
		st.LastSuccess = &now
		switch st.State {
		case model.CircuitClosed:
			// A success ends the failure streak.
			st.FailureCount = 0
		case model.CircuitHalfOpen:
			st.SuccessCount++
			if st.SuccessCount >= b.cfg().SuccessThreshold {
				b.toClosed(ctx, st, "probe threshold reached")
			}
		case model.CircuitOpen:
			// A straggler that raced past the rejection; keep the state.
		}
	})
	if err != nil {
		b.logger.Warnw("failed to record circuit success", "service", b.serviceName, "error", err)
	}
}

// recordFailure applies failure bookkeeping under the CAS retry loop.
func (b *CircuitBreaker) recordFailure(ctx context.Context) {
	err := b.mutate(ctx, func(st *model.CircuitState, now time.Time) {
		st.LastFailure = &now
		switch st.State {
		case model.CircuitClosed:
			st.FailureCount++
			if st.FailureCount >= b.cfg().FailureThreshold {
				b.toOpen(ctx, st, now, "failure threshold reached")
			}
		case model.CircuitHalfOpen:
			// Any failure while half-open reopens immediately.
			st.FailureCount++
			b.toOpen(ctx, st, now, "probe failed")
		case model.CircuitOpen:
			st.FailureCount++
		}
	})
	if err != nil {
		b.logger.Warnw("failed to record circuit failure", "service", b.serviceName, "error", err)
	}
}

// mutate runs the load-compute-save sequence under optimistic locking with
// bounded retry, so two concurrent observations cannot under-count.
func (b *CircuitBreaker) mutate(ctx context.Context, apply func(st *model.CircuitState, now time.Time)) error {
	var lastErr error
	for i := 0; i < casRetries; i++ {
		st, err := b.loadOrCreate(ctx)
		if err != nil {
			return err
		}

		now := b.nowFn().UTC()
		expected := st.Version
		apply(st, now)
		st.UpdatedAt = now

		ok, err := b.repo.UpdateCAS(ctx, st, expected)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		lastErr = errors.New("version conflict")
		backoff := time.Duration(i+1) * 10 * time.Millisecond
		b.logger.Debugw("circuit version conflict, retrying",
			"service", b.serviceName, "retry", i+1, "backoff", backoff)
		time.Sleep(backoff)
	}
	return lastErr
}

// toOpen flips the state to open with a fresh cooldown and emits the
// incident. next_attempt is set exactly while the state is open.
func (b *CircuitBreaker) toOpen(ctx context.Context, st *model.CircuitState, now time.Time, reason string) {
	from := st.State
	next := now.Add(b.cfg().OpenTimeout)
	st.State = model.CircuitOpen
	st.SuccessCount = 0
	st.NextAttempt = &next

	b.audit.LogCircuitTransition(ctx, b.serviceName, from, model.CircuitOpen, map[string]interface{}{
		"reason":        reason,
		"failure_count": st.FailureCount,
		"next_attempt":  next.Format(time.RFC3339),
	})
	b.incidents.Report(ctx, &model.Incident{
		Severity:       model.SeverityHigh,
		Scope:          "circuit",
		Metric:         b.serviceName,
		ObservedValue:  float64(st.FailureCount),
		ThresholdValue: float64(b.cfg().FailureThreshold),
		Status:         model.IncidentOpen,
		SuggestedActions: []string{
			"check downstream dependency health",
			"inspect recent error logs for " + b.serviceName,
		},
		CreatedAt: now,
	})
	b.logger.Warnw("circuit opened",
		"service", b.serviceName,
		"reason", reason,
		"failure_count", st.FailureCount,
		"next_attempt", next)
}

// toClosed flips the state to closed, clearing counters and the cooldown.
func (b *CircuitBreaker) toClosed(ctx context.Context, st *model.CircuitState, reason string) {
	from := st.State
	st.State = model.CircuitClosed
	st.FailureCount = 0
	st.SuccessCount = 0
	st.NextAttempt = nil

	b.audit.LogCircuitTransition(ctx, b.serviceName, from, model.CircuitClosed, map[string]interface{}{
		"reason": reason,
	})
	if from != model.CircuitClosed {
		b.incidents.Report(ctx, &model.Incident{
			Severity:      model.SeverityLow,
			Scope:         "circuit",
			Metric:        b.serviceName,
			Status:        model.IncidentResolved,
			ObservedValue: 0,
			CreatedAt:     b.nowFn().UTC(),
		})
	}
	b.logger.Infow("circuit closed", "service", b.serviceName, "reason", reason)
}
