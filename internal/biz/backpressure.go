package biz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Wardline/internal/conf"
	"Wardline/internal/model"
	pkgerrors "Wardline/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
)

// Severity ratio bands and the recovery hysteresis are fixed constants,
// shared across metrics.
const (
	ratioCritical = 2.0
	ratioHigh     = 1.5
	ratioMedium   = 1.2

	// recoveryFactor is the hysteresis band: recovery fires only below
	// 0.8 x threshold, so values oscillating near the threshold cannot flap.
	recoveryFactor = 0.8
)

// severityActionCount maps severity to how many actions of the fixed
// escalation order are engaged.
var severityActionCount = map[model.Severity]int{
	model.SeverityLow:      2,
	model.SeverityMedium:   3,
	model.SeverityHigh:     4,
	model.SeverityCritical: 5,
}

// BackpressureController ingests named metric samples, compares them against
// configured thresholds, and engages or reverses the severity-ordered
// mitigation actions.
type BackpressureController struct {
	repo       BackpressureRepo
	applier    *ActionApplier
	incidents  IncidentSink
	audit      AuditLogger
	thresholds map[string]float64
	logger     *log.Helper
	nowFn      func() time.Time
}

// NewBackpressureController creates the controller with per-metric
// thresholds taken from configuration.
func NewBackpressureController(cfg *conf.Governance, repo BackpressureRepo, applier *ActionApplier, incidents IncidentSink, audit AuditLogger, logger log.Logger) *BackpressureController {
	return &BackpressureController{
		repo:       repo,
		applier:    applier,
		incidents:  incidents,
		audit:      audit,
		thresholds: cfg.Backpressure.Thresholds,
		logger:     log.NewHelper(logger),
		nowFn:      time.Now,
	}
}

// severityFor maps the over-threshold ratio to a severity tier.
func severityFor(ratio float64) model.Severity {
	switch {
	case ratio >= ratioCritical:
		return model.SeverityCritical
	case ratio >= ratioHigh:
		return model.SeverityHigh
	case ratio >= ratioMedium:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// UpdateMetric records one metric observation and applies or reverses
// mitigation actions accordingly. Calling it twice with the same
// over-threshold value never double-applies an already-active action.
//
// A state-load failure logs and skips the cycle entirely, so a partial,
// inconsistent action set is never applied.
func (c *BackpressureController) UpdateMetric(ctx context.Context, name string, value float64, metadata map[string]interface{}) (*model.BackpressureUpdate, error) {
	threshold, ok := c.thresholds[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}

	st, err := c.loadOrCreate(ctx, name, threshold)
	if err != nil {
		c.logger.Errorw("backpressure state unavailable, skipping cycle",
			"metric", name, "error", err)
		return nil, err
	}

	now := c.nowFn().UTC()
	wasActive := st.IsActive

	st.CurrentValue = value
	st.ThresholdValue = threshold

	result := &model.BackpressureUpdate{
		MetricName:     name,
		CurrentValue:   value,
		ThresholdValue: threshold,
	}

	if value > threshold {
		severity := severityFor(value / threshold)
		result.Triggered = true
		result.Severity = severity
		st.IsActive = true

		applied := c.engage(ctx, st, severity, name, result)
		if len(applied) > 0 {
			c.audit.LogActionsApplied(ctx, name, applied)
		}
		if !wasActive || len(applied) > 0 {
			c.incidents.Report(ctx, &model.Incident{
				Severity:         severity,
				Scope:            "backpressure",
				Metric:           name,
				ObservedValue:    value,
				ThresholdValue:   threshold,
				Status:           model.IncidentOpen,
				SuggestedActions: suggestedFor(name),
				CreatedAt:        now,
			})
		}
	} else if len(st.ActionsTaken) > 0 && value < recoveryFactor*threshold {
		// Recovery: below the hysteresis band with actions still engaged.
		reversed := c.recover(ctx, st, result)
		result.Recovered = len(reversed) > 0 && len(st.ActionsTaken) == 0
		if len(reversed) > 0 {
			c.audit.LogActionsReversed(ctx, name, reversed)
			c.incidents.Report(ctx, &model.Incident{
				Severity:       model.SeverityLow,
				Scope:          "backpressure",
				Metric:         name,
				ObservedValue:  value,
				ThresholdValue: threshold,
				Status:         model.IncidentResolved,
				CreatedAt:      now,
			})
		}
		st.IsActive = len(st.ActionsTaken) > 0
	}
	// Values inside the hysteresis band leave the active set untouched.

	if err := c.save(ctx, st); err != nil {
		c.logger.Errorw("failed to persist backpressure state",
			"metric", name, "error", err)
		return result, err
	}

	return result, nil
}

// engage applies every selected action that is not already active. A failed
// action is recorded and never aborts the remaining actions of the cycle.
func (c *BackpressureController) engage(ctx context.Context, st *model.BackpressureMetricState, severity model.Severity, source string, result *model.BackpressureUpdate) []model.EngagedAction {
	active := map[model.MitigationAction]bool{}
	for _, a := range st.ActionsTaken {
		active[a.Action] = true
	}

	var applied []model.EngagedAction
	for _, action := range model.ActionOrder[:severityActionCount[severity]] {
		if active[action] {
			continue
		}
		engaged, err := c.applier.Apply(ctx, action, severity, "backpressure:"+source)
		if err != nil {
			if result.ActionErrors == nil {
				result.ActionErrors = map[model.MitigationAction]string{}
			}
			result.ActionErrors[action] = err.Error()
			c.logger.Errorw("mitigation action failed",
				"metric", source, "action", action.String(), "error", err)
			continue
		}
		st.ActionsTaken = append(st.ActionsTaken, engaged)
		applied = append(applied, engaged)
		result.ActionsApplied = append(result.ActionsApplied, action)
	}
	return applied
}

// recover reverses every engaged action. An action whose reversal fails
// stays in the active set so the next recovery cycle retries it.
func (c *BackpressureController) recover(ctx context.Context, st *model.BackpressureMetricState, result *model.BackpressureUpdate) []model.MitigationAction {
	var reversed []model.MitigationAction
	var remaining []model.EngagedAction
	for _, engaged := range st.ActionsTaken {
		if err := c.applier.Reverse(ctx, engaged); err != nil {
			if result.ActionErrors == nil {
				result.ActionErrors = map[model.MitigationAction]string{}
			}
			result.ActionErrors[engaged.Action] = err.Error()
			remaining = append(remaining, engaged)
			c.logger.Errorw("action reversal failed",
				"metric", st.MetricName, "action", engaged.Action.String(), "error", err)
			continue
		}
		reversed = append(reversed, engaged.Action)
		result.ActionsReversed = append(result.ActionsReversed, engaged.Action)
	}
	st.ActionsTaken = remaining
	return reversed
}

// State returns the persisted state of every monitored metric.
func (c *BackpressureController) State(ctx context.Context) ([]*model.BackpressureMetricState, error) {
	return c.repo.List(ctx)
}

// Stats summarizes the controller for the ops surface.
func (c *BackpressureController) Stats(ctx context.Context) (*model.BackpressureStats, error) {
	states, err := c.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	stats := &model.BackpressureStats{MetricsMonitored: len(c.thresholds)}
	for _, st := range states {
		if st.IsActive {
			stats.ActiveMetrics++
			stats.ActiveNames = append(stats.ActiveNames, st.MetricName)
		}
		stats.ActionsActive += len(st.ActionsTaken)
	}
	return stats, nil
}

func (c *BackpressureController) loadOrCreate(ctx context.Context, name string, threshold float64) (*model.BackpressureMetricState, error) {
	st, err := c.repo.Get(ctx, name)
	if err == nil {
		return st, nil
	}
	if !pkgerrors.IsNotFoundError(err) {
		return nil, err
	}

	st = &model.BackpressureMetricState{
		MetricName:     name,
		ThresholdValue: threshold,
		UpdatedAt:      c.nowFn().UTC(),
	}
	if cerr := c.repo.Create(ctx, st); cerr != nil {
		if pkgerrors.IsDuplicateKeyError(cerr) {
			return c.repo.Get(ctx, name)
		}
		return nil, cerr
	}
	return st, nil
}

// save persists state under optimistic locking with bounded retry.
func (c *BackpressureController) save(ctx context.Context, st *model.BackpressureMetricState) error {
	var lastErr error
	for i := 0; i < casRetries; i++ {
		ok, err := c.repo.UpdateCAS(ctx, st, st.Version)
		if err != nil {
			return err
		}
		if ok {
			st.Version++
			return nil
		}

		// Version conflict: another instance persisted first. Re-read for the
		// fresh version but keep our computed values; actions were applied
		// through the idempotent sink either way.
		fresh, err := c.repo.Get(ctx, st.MetricName)
		if err != nil {
			return err
		}
		st.Version = fresh.Version
		lastErr = errors.New("version conflict")
		time.Sleep(time.Duration(i+1) * 10 * time.Millisecond)
	}
	return lastErr
}

// suggestedFor offers the operator remediation hints per metric.
func suggestedFor(metric string) []string {
	switch metric {
	case "latency_p95":
		return []string{"check model provider status", "review turn queue backlog"}
	case "queue_depth":
		return []string{"scale serving workers", "verify turn completion rate"}
	case "token_queue":
		return []string{"review token cap settings", "check for oversized prompts"}
	default:
		return []string{"inspect metric source for " + metric}
	}
}
