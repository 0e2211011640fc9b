package data

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"Wardline/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// toggleCacheSize bounds the in-process toggle cache; the vocabulary is
	// a handful of features, so this is generous.
	toggleCacheSize = 64

	// toggleCacheTTL bounds how stale a cross-instance toggle read can be.
	toggleCacheTTL = 5 * time.Second
)

// FeatureToggleRecord is the GORM model for feature_toggles table
type FeatureToggleRecord struct {
	FeatureName string    `gorm:"primaryKey;column:feature_name;type:varchar(64)"`
	Enabled     bool      `gorm:"column:enabled;not null;default:false"`
	Conditions  string    `gorm:"column:conditions;type:json"` // JSON string
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (FeatureToggleRecord) TableName() string {
	return "feature_toggles"
}

// FeatureToggleRepo implements biz.ActionSink. Writes are last-writer-wins
// upserts; reads go through a short-TTL in-process cache since the serving
// pipeline polls toggles on every turn.
type FeatureToggleRepo struct {
	db     *gorm.DB
	cache  *expirable.LRU[string, *model.FeatureToggle]
	logger *log.Helper
}

// NewFeatureToggleRepo creates a new feature toggle repository
func NewFeatureToggleRepo(db *gorm.DB, logger log.Logger) *FeatureToggleRepo {
	return &FeatureToggleRepo{
		db:     db,
		cache:  expirable.NewLRU[string, *model.FeatureToggle](toggleCacheSize, nil, toggleCacheTTL),
		logger: log.NewHelper(logger),
	}
}

// SetToggle upserts a toggle row and invalidates the local cache entry.
func (r *FeatureToggleRepo) SetToggle(ctx context.Context, featureName string, enabled bool, conditions map[string]interface{}) error {
	condJSON := ""
	if len(conditions) > 0 {
		raw, err := json.Marshal(conditions)
		if err != nil {
			return fmt.Errorf("failed to marshal toggle conditions: %w", err)
		}
		condJSON = string(raw)
	}

	rec := &FeatureToggleRecord{
		FeatureName: featureName,
		Enabled:     enabled,
		Conditions:  condJSON,
		UpdatedAt:   time.Now(),
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "feature_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"enabled", "conditions", "updated_at"}),
		}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to set feature toggle %s: %w", featureName, err)
	}

	r.cache.Remove(featureName)

	r.logger.Debugw("feature toggle updated",
		"feature_name", featureName,
		"enabled", enabled)

	return nil
}

// GetToggle returns a toggle, preferring the local cache. The gorm not-found
// error is preserved in the chain for classification.
func (r *FeatureToggleRepo) GetToggle(ctx context.Context, featureName string) (*model.FeatureToggle, error) {
	if toggle, ok := r.cache.Get(featureName); ok {
		return toggle, nil
	}

	var rec FeatureToggleRecord
	if err := r.db.WithContext(ctx).Where("feature_name = ?", featureName).First(&rec).Error; err != nil {
		return nil, fmt.Errorf("failed to get feature toggle %s: %w", featureName, err)
	}

	toggle := &model.FeatureToggle{
		FeatureName: rec.FeatureName,
		Enabled:     rec.Enabled,
		UpdatedAt:   rec.UpdatedAt,
	}
	if rec.Conditions != "" {
		if err := json.Unmarshal([]byte(rec.Conditions), &toggle.Conditions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conditions for %s: %w", featureName, err)
		}
	}

	r.cache.Add(featureName, toggle)

	return toggle, nil
}
