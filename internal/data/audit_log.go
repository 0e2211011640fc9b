package data

import (
	"context"
	"encoding/json"
	"time"

	"Wardline/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// Governance audit action types.
const (
	auditCircuitTransition = "circuit_transition"
	auditActionsApplied    = "actions_applied"
	auditActionsReversed   = "actions_reversed"
	auditBudgetEscalation  = "budget_escalation"
)

// GovernanceAuditLog is the GORM model for governance_audit_logs table
type GovernanceAuditLog struct {
	ID         int64     `gorm:"primaryKey;column:id"`
	Scope      string    `gorm:"column:scope;type:varchar(32);not null;index"`
	Subject    string    `gorm:"column:subject;type:varchar(128);not null"`
	ActionType string    `gorm:"column:action_type;type:varchar(50);not null"`
	Details    string    `gorm:"column:details;type:json"` // JSON string
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM
func (GovernanceAuditLog) TableName() string {
	return "governance_audit_logs"
}

// GovernanceAuditLogger implements biz.AuditLogger with an async channel.
type GovernanceAuditLogger struct {
	db      *gorm.DB
	logChan chan *GovernanceAuditLog
	logger  *log.Helper
}

// NewGovernanceAuditLogger creates a new audit logger with async channel
func NewGovernanceAuditLogger(db *gorm.DB, logger log.Logger) *GovernanceAuditLogger {
	al := &GovernanceAuditLogger{
		db:      db,
		logChan: make(chan *GovernanceAuditLog, 1000), // Buffer size 1000 to prevent blocking
		logger:  log.NewHelper(logger),
	}

	// Start background goroutine for async logging
	go al.start()

	return al
}

// start processes audit log events from channel
func (a *GovernanceAuditLogger) start() {
	for event := range a.logChan {
		ctx := context.Background()
		if err := a.db.WithContext(ctx).Create(event).Error; err != nil {
			a.logger.Errorw("failed to write audit log",
				"scope", event.Scope,
				"action_type", event.ActionType,
				"error", err)
		} else {
			a.logger.Debugw("audit log written",
				"scope", event.Scope,
				"action_type", event.ActionType)
		}
	}
}

// enqueue marshals details and queues the event without blocking the caller.
func (a *GovernanceAuditLogger) enqueue(scope, subject, actionType string, details map[string]interface{}) {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		a.logger.Errorw("failed to marshal audit log details", "error", err)
		return
	}

	event := &GovernanceAuditLog{
		Scope:      scope,
		Subject:    subject,
		ActionType: actionType,
		Details:    string(detailsJSON),
	}

	select {
	case a.logChan <- event:
		// Successfully queued
	default:
		a.logger.Warnw("audit log channel full, dropping event",
			"scope", scope,
			"action_type", actionType)
	}
}

// LogCircuitTransition logs one breaker state change.
func (a *GovernanceAuditLogger) LogCircuitTransition(ctx context.Context, serviceName string, from, to model.CircuitBreakerState, details map[string]interface{}) {
	merged := map[string]interface{}{
		"from": from.String(),
		"to":   to.String(),
	}
	for k, v := range details {
		merged[k] = v
	}
	a.enqueue("circuit", serviceName, auditCircuitTransition, merged)
}

// LogActionsApplied logs the mitigation actions one cycle engaged.
func (a *GovernanceAuditLogger) LogActionsApplied(ctx context.Context, scope string, actions []model.EngagedAction) {
	names := make([]string, 0, len(actions))
	for _, act := range actions {
		names = append(names, act.Action.String())
	}
	a.enqueue(scope, "", auditActionsApplied, map[string]interface{}{
		"actions": names,
	})
}

// LogActionsReversed logs the mitigation actions one recovery reversed.
func (a *GovernanceAuditLogger) LogActionsReversed(ctx context.Context, scope string, actions []model.MitigationAction) {
	names := make([]string, 0, len(actions))
	for _, act := range actions {
		names = append(names, act.String())
	}
	a.enqueue(scope, "", auditActionsReversed, map[string]interface{}{
		"actions": names,
	})
}

// LogBudgetEscalation logs one latched budget escalation event.
func (a *GovernanceAuditLogger) LogBudgetEscalation(ctx context.Context, monthYear, event string, details map[string]interface{}) {
	merged := map[string]interface{}{
		"event": event,
	}
	for k, v := range details {
		merged[k] = v
	}
	a.enqueue("budget", monthYear, auditBudgetEscalation, merged)
}
