package biz

import (
	"context"
	"time"

	"Wardline/internal/model"
)

// CircuitStateRepo defines the persistence interface for breaker state.
// Following Kratos v2 DDD architecture, interfaces are defined in biz layer.
// Implementation is in data layer (data.CircuitStateRepo).
type CircuitStateRepo interface {
	// Get returns the state for a service; a NotFound classified error when
	// the breaker has never been used.
	Get(ctx context.Context, serviceName string) (*model.CircuitState, error)

	// Create inserts the initial state row for a service.
	Create(ctx context.Context, state *model.CircuitState) error

	// UpdateCAS persists state only if the stored version still equals
	// expectedVersion. Returns false on version conflict so the caller can
	// reload and retry; concurrent recordings must never lose updates.
	UpdateCAS(ctx context.Context, state *model.CircuitState, expectedVersion int64) (bool, error)

	// List returns all known breaker states.
	List(ctx context.Context) ([]*model.CircuitState, error)

	// AcquireProbe atomically claims the cross-instance half-open probe
	// marker for a service. Returns false when another instance holds it.
	AcquireProbe(ctx context.Context, serviceName string, ttl time.Duration) (bool, error)

	// ReleaseProbe drops the half-open probe marker.
	ReleaseProbe(ctx context.Context, serviceName string) error
}

// BackpressureRepo defines the persistence interface for per-metric state.
type BackpressureRepo interface {
	Get(ctx context.Context, metricName string) (*model.BackpressureMetricState, error)
	Create(ctx context.Context, state *model.BackpressureMetricState) error
	// UpdateCAS persists state under an optimistic version check; false on conflict.
	UpdateCAS(ctx context.Context, state *model.BackpressureMetricState, expectedVersion int64) (bool, error)
	List(ctx context.Context) ([]*model.BackpressureMetricState, error)
}

// BudgetRepo defines the persistence interface for the monthly ledger and
// the append-only spend event stream.
type BudgetRepo interface {
	GetLedger(ctx context.Context, monthYear string) (*model.BudgetLedger, error)
	CreateLedger(ctx context.Context, ledger *model.BudgetLedger) error

	// AddSpend accumulates an amount into the ledger with a single
	// server-side increment expression and returns the updated ledger, so
	// two concurrent spend events cannot under-count.
	AddSpend(ctx context.Context, monthYear string, amountUSD float64) (*model.BudgetLedger, error)

	// AppendSpendEvent records one append-only spend event.
	AppendSpendEvent(ctx context.Context, event *model.SpendEvent) error

	// Latch* conditionally set a latched flag; they return true only for the
	// caller that flipped it, so each escalation fires at most once per period.
	LatchAlert80(ctx context.Context, monthYear string) (bool, error)
	LatchAlert95(ctx context.Context, monthYear string) (bool, error)
	LatchDowngrade(ctx context.Context, monthYear string) (bool, error)
	LatchHardStop(ctx context.Context, monthYear string) (bool, error)
}

// ActionSink is the shared feature-toggle mechanism the serving pipeline
// polls to learn which mitigation actions are active. Writes are
// last-writer-wins per feature name.
type ActionSink interface {
	SetToggle(ctx context.Context, featureName string, enabled bool, conditions map[string]interface{}) error
	// GetToggle returns a NotFound classified error when the toggle has
	// never been written.
	GetToggle(ctx context.Context, featureName string) (*model.FeatureToggle, error)
}

// IncidentSink appends operator-visible incidents. Implementations must not
// block the calling controller.
type IncidentSink interface {
	Report(ctx context.Context, incident *model.Incident)
}

// AuditLogger records the timestamped audit trail of controller decisions.
type AuditLogger interface {
	LogCircuitTransition(ctx context.Context, serviceName string, from, to model.CircuitBreakerState, details map[string]interface{})
	LogActionsApplied(ctx context.Context, scope string, actions []model.EngagedAction)
	LogActionsReversed(ctx context.Context, scope string, actions []model.MitigationAction)
	LogBudgetEscalation(ctx context.Context, monthYear, event string, details map[string]interface{})
}

// MetricSource supplies the backpressure controller with the latest metric
// samples the serving pipeline publishes.
type MetricSource interface {
	Sample(ctx context.Context) (map[string]float64, error)
}

// QuotaChecker is the narrow boundary to the external rate-limiter/quota
// modules; the control plane consumes them only through check/consume.
type QuotaChecker interface {
	CheckQuota(ctx context.Context, key string, estimatedTokens int64) error
	ConsumeQuota(ctx context.Context, key string, tokens int64) error
}
