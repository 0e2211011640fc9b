package data

import (
	"context"
	"encoding/json"
	"time"

	"Wardline/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// IncidentRecord is the GORM model for incidents table
type IncidentRecord struct {
	ID               int64     `gorm:"primaryKey;column:id;autoIncrement"`
	Severity         string    `gorm:"column:severity;type:varchar(16);not null"`
	Scope            string    `gorm:"column:scope;type:varchar(32);not null;index"`
	Metric           string    `gorm:"column:metric;type:varchar(128);not null"`
	ObservedValue    float64   `gorm:"column:observed_value;not null;default:0"`
	ThresholdValue   float64   `gorm:"column:threshold_value;not null;default:0"`
	Status           string    `gorm:"column:status;type:varchar(16);not null"`
	SuggestedActions string    `gorm:"column:suggested_actions;type:json"` // JSON array
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM
func (IncidentRecord) TableName() string {
	return "incidents"
}

// IncidentLogger implements biz.IncidentSink with an async channel so the
// controllers never block on incident persistence.
type IncidentLogger struct {
	db      *gorm.DB
	logChan chan *IncidentRecord
	logger  *log.Helper
}

// NewIncidentLogger creates a new incident logger with async channel
func NewIncidentLogger(db *gorm.DB, logger log.Logger) *IncidentLogger {
	il := &IncidentLogger{
		db:      db,
		logChan: make(chan *IncidentRecord, 1000), // Buffer size 1000 to prevent blocking
		logger:  log.NewHelper(logger),
	}

	// Start background goroutine for async writes
	go il.start()

	return il
}

// start processes incident records from the channel
func (il *IncidentLogger) start() {
	for rec := range il.logChan {
		ctx := context.Background()
		if err := il.db.WithContext(ctx).Create(rec).Error; err != nil {
			il.logger.Errorw("failed to write incident",
				"scope", rec.Scope,
				"metric", rec.Metric,
				"error", err)
		} else {
			il.logger.Debugw("incident written",
				"scope", rec.Scope,
				"metric", rec.Metric,
				"severity", rec.Severity)
		}
	}
}

// Report queues one incident. The channel send is non-blocking; a full
// buffer drops the record with a warning rather than stalling a controller.
func (il *IncidentLogger) Report(ctx context.Context, incident *model.Incident) {
	suggested := ""
	if len(incident.SuggestedActions) > 0 {
		raw, err := json.Marshal(incident.SuggestedActions)
		if err != nil {
			il.logger.Errorw("failed to marshal suggested actions", "error", err)
			return
		}
		suggested = string(raw)
	}

	rec := &IncidentRecord{
		Severity:         incident.Severity.String(),
		Scope:            incident.Scope,
		Metric:           incident.Metric,
		ObservedValue:    incident.ObservedValue,
		ThresholdValue:   incident.ThresholdValue,
		Status:           string(incident.Status),
		SuggestedActions: suggested,
	}

	select {
	case il.logChan <- rec:
		// Successfully queued
	default:
		il.logger.Warnw("incident channel full, dropping record",
			"scope", incident.Scope,
			"metric", incident.Metric,
			"severity", incident.Severity)
	}
}
