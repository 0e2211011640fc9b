package data

import (
	"context"
	"fmt"
	"time"

	"Wardline/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// CircuitStateRecord is the GORM model for circuit_states table
type CircuitStateRecord struct {
	ServiceName  string     `gorm:"primaryKey;column:service_name;type:varchar(128)"`
	State        string     `gorm:"column:state;type:varchar(16);not null"`
	FailureCount int        `gorm:"column:failure_count;not null;default:0"`
	SuccessCount int        `gorm:"column:success_count;not null;default:0"`
	LastFailure  *time.Time `gorm:"column:last_failure"`
	LastSuccess  *time.Time `gorm:"column:last_success"`
	NextAttempt  *time.Time `gorm:"column:next_attempt"`
	Version      int64      `gorm:"column:version;not null;default:0"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (CircuitStateRecord) TableName() string {
	return "circuit_states"
}

func (r *CircuitStateRecord) toModel() *model.CircuitState {
	return &model.CircuitState{
		ServiceName:  r.ServiceName,
		State:        model.CircuitBreakerState(r.State),
		FailureCount: r.FailureCount,
		SuccessCount: r.SuccessCount,
		LastFailure:  r.LastFailure,
		LastSuccess:  r.LastSuccess,
		NextAttempt:  r.NextAttempt,
		Version:      r.Version,
		UpdatedAt:    r.UpdatedAt,
	}
}

// CircuitStateRepo implements biz.CircuitStateRepo.
// State rows live in MySQL with optimistic-locking versions; the
// cross-instance half-open probe marker lives in Redis.
type CircuitStateRepo struct {
	db     *gorm.DB
	rdb    *redis.Client
	logger *log.Helper
}

// NewCircuitStateRepo creates a new circuit state repository
func NewCircuitStateRepo(data *Data, logger log.Logger) *CircuitStateRepo {
	return &CircuitStateRepo{
		db:     data.db,
		rdb:    data.rdb,
		logger: log.NewHelper(logger),
	}
}

// Get returns the persisted state for a service. The gorm not-found error is
// preserved in the chain so callers can distinguish "never seen" from outage.
func (r *CircuitStateRepo) Get(ctx context.Context, serviceName string) (*model.CircuitState, error) {
	var rec CircuitStateRecord
	if err := r.db.WithContext(ctx).Where("service_name = ?", serviceName).First(&rec).Error; err != nil {
		return nil, fmt.Errorf("failed to get circuit state for %s: %w", serviceName, err)
	}
	return rec.toModel(), nil
}

// Create inserts the initial state row for a service.
func (r *CircuitStateRepo) Create(ctx context.Context, state *model.CircuitState) error {
	rec := &CircuitStateRecord{
		ServiceName:  state.ServiceName,
		State:        state.State.String(),
		FailureCount: state.FailureCount,
		SuccessCount: state.SuccessCount,
		LastFailure:  state.LastFailure,
		LastSuccess:  state.LastSuccess,
		NextAttempt:  state.NextAttempt,
		Version:      state.Version,
		UpdatedAt:    time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create circuit state for %s: %w", state.ServiceName, err)
	}
	return nil
}

// UpdateCAS persists state only if the stored version still equals
// expectedVersion (optimistic locking). Returns false on version conflict.
func (r *CircuitStateRepo) UpdateCAS(ctx context.Context, state *model.CircuitState, expectedVersion int64) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&CircuitStateRecord{}).
		Where("service_name = ? AND version = ?", state.ServiceName, expectedVersion).
		Updates(map[string]interface{}{
			"state":         state.State.String(),
			"failure_count": state.FailureCount,
			"success_count": state.SuccessCount,
			"last_failure":  state.LastFailure,
			"last_success":  state.LastSuccess,
			"next_attempt":  state.NextAttempt,
			"version":       expectedVersion + 1,
			"updated_at":    time.Now(),
		})

	if result.Error != nil {
		return false, fmt.Errorf("failed to update circuit state for %s: %w", state.ServiceName, result.Error)
	}

	if result.RowsAffected == 0 {
		r.logger.Debugw("circuit state version conflict",
			"service_name", state.ServiceName,
			"expected_version", expectedVersion)
		return false, nil
	}

	return true, nil
}

// List returns all known breaker states.
func (r *CircuitStateRepo) List(ctx context.Context) ([]*model.CircuitState, error) {
	var recs []CircuitStateRecord
	if err := r.db.WithContext(ctx).Order("service_name").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list circuit states: %w", err)
	}

	states := make([]*model.CircuitState, 0, len(recs))
	for i := range recs {
		states = append(states, recs[i].toModel())
	}
	return states, nil
}

// AcquireProbe atomically claims the half-open probe marker in Redis using
// SETNX, so only one instance sends probe traffic per cooldown window.
func (r *CircuitStateRepo) AcquireProbe(ctx context.Context, serviceName string, ttl time.Duration) (bool, error) {
	if r.rdb == nil {
		return false, fmt.Errorf("redis client is nil")
	}

	probeKey := fmt.Sprintf("circuit:%s:probe", serviceName)

	acquired, err := r.rdb.SetNX(ctx, probeKey, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set probe marker: %w", err)
	}

	if acquired {
		r.logger.Debugw("probe marker acquired",
			"service_name", serviceName,
			"ttl", ttl)
	}

	return acquired, nil
}

// ReleaseProbe drops the half-open probe marker.
func (r *CircuitStateRepo) ReleaseProbe(ctx context.Context, serviceName string) error {
	if r.rdb == nil {
		return fmt.Errorf("redis client is nil")
	}

	probeKey := fmt.Sprintf("circuit:%s:probe", serviceName)
	if err := r.rdb.Del(ctx, probeKey).Err(); err != nil {
		return fmt.Errorf("failed to release probe marker: %w", err)
	}
	return nil
}
