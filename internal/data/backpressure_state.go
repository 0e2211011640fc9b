package data

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"Wardline/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// BackpressureStateRecord is the GORM model for backpressure_states table
type BackpressureStateRecord struct {
	MetricName     string    `gorm:"primaryKey;column:metric_name;type:varchar(64)"`
	CurrentValue   float64   `gorm:"column:current_value;not null;default:0"`
	ThresholdValue float64   `gorm:"column:threshold_value;not null;default:0"`
	IsActive       bool      `gorm:"column:is_active;not null;default:false"`
	ActionsTaken   string    `gorm:"column:actions_taken;type:json"` // JSON array of engaged actions
	Version        int64     `gorm:"column:version;not null;default:0"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (BackpressureStateRecord) TableName() string {
	return "backpressure_states"
}

func (r *BackpressureStateRecord) toModel() (*model.BackpressureMetricState, error) {
	st := &model.BackpressureMetricState{
		MetricName:     r.MetricName,
		CurrentValue:   r.CurrentValue,
		ThresholdValue: r.ThresholdValue,
		IsActive:       r.IsActive,
		Version:        r.Version,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.ActionsTaken != "" {
		if err := json.Unmarshal([]byte(r.ActionsTaken), &st.ActionsTaken); err != nil {
			return nil, fmt.Errorf("failed to unmarshal actions for %s: %w", r.MetricName, err)
		}
	}
	return st, nil
}

func marshalActions(actions []model.EngagedAction) (string, error) {
	if len(actions) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(actions)
	if err != nil {
		return "", fmt.Errorf("failed to marshal engaged actions: %w", err)
	}
	return string(raw), nil
}

// BackpressureRepo implements biz.BackpressureRepo with per-metric rows and
// optimistic-locking versions.
type BackpressureRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewBackpressureRepo creates a new backpressure state repository
func NewBackpressureRepo(db *gorm.DB, logger log.Logger) *BackpressureRepo {
	return &BackpressureRepo{
		db:     db,
		logger: log.NewHelper(logger),
	}
}

// Get returns the persisted state for a metric.
func (r *BackpressureRepo) Get(ctx context.Context, metricName string) (*model.BackpressureMetricState, error) {
	var rec BackpressureStateRecord
	if err := r.db.WithContext(ctx).Where("metric_name = ?", metricName).First(&rec).Error; err != nil {
		return nil, fmt.Errorf("failed to get backpressure state for %s: %w", metricName, err)
	}
	return rec.toModel()
}

// Create inserts the initial state row for a metric.
func (r *BackpressureRepo) Create(ctx context.Context, state *model.BackpressureMetricState) error {
	actions, err := marshalActions(state.ActionsTaken)
	if err != nil {
		return err
	}

	rec := &BackpressureStateRecord{
		MetricName:     state.MetricName,
		CurrentValue:   state.CurrentValue,
		ThresholdValue: state.ThresholdValue,
		IsActive:       state.IsActive,
		ActionsTaken:   actions,
		Version:        state.Version,
		UpdatedAt:      time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create backpressure state for %s: %w", state.MetricName, err)
	}
	return nil
}

// UpdateCAS persists state only if the stored version still equals
// expectedVersion (optimistic locking). Returns false on version conflict.
func (r *BackpressureRepo) UpdateCAS(ctx context.Context, state *model.BackpressureMetricState, expectedVersion int64) (bool, error) {
	actions, err := marshalActions(state.ActionsTaken)
	if err != nil {
		return false, err
	}

	result := r.db.WithContext(ctx).
		Model(&BackpressureStateRecord{}).
		Where("metric_name = ? AND version = ?", state.MetricName, expectedVersion).
		Updates(map[string]interface{}{
			"current_value":   state.CurrentValue,
			"threshold_value": state.ThresholdValue,
			"is_active":       state.IsActive,
			"actions_taken":   actions,
			"version":         expectedVersion + 1,
			"updated_at":      time.Now(),
		})

	if result.Error != nil {
		return false, fmt.Errorf("failed to update backpressure state for %s: %w", state.MetricName, result.Error)
	}

	if result.RowsAffected == 0 {
		r.logger.Debugw("backpressure state version conflict",
			"metric_name", state.MetricName,
			"expected_version", expectedVersion)
		return false, nil
	}

	return true, nil
}

// List returns all known metric states.
func (r *BackpressureRepo) List(ctx context.Context) ([]*model.BackpressureMetricState, error) {
	var recs []BackpressureStateRecord
	if err := r.db.WithContext(ctx).Order("metric_name").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list backpressure states: %w", err)
	}

	states := make([]*model.BackpressureMetricState, 0, len(recs))
	for i := range recs {
		st, err := recs[i].toModel()
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, nil
}
