package biz

import (
	"context"
	"fmt"
	"time"

	"Wardline/internal/conf"
	"Wardline/internal/model"
	pkgerrors "Wardline/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
)

// Alert fractions are latched per period; the downgrade and hard-stop
// fractions come from configuration.
const (
	alertRatio80 = 0.80
	alertRatio95 = 0.95
)

// BudgetGovernor accumulates spend events into the monthly ledger and
// escalates from alerts to forced model downgrade to a hard stop as the
// spend ratio crosses the configured fractions.
type BudgetGovernor struct {
	repo      BudgetRepo
	applier   *ActionApplier
	incidents IncidentSink
	audit     AuditLogger

	monthlyUSD         float64
	downgradeThreshold float64
	hardStopThreshold  float64
	allowDowngrade     bool
	primaryModel       string
	downgradeModel     string

	logger *log.Helper
	nowFn  func() time.Time
}

// NewBudgetGovernor creates the governor from configuration.
func NewBudgetGovernor(cfg *conf.Governance, repo BudgetRepo, applier *ActionApplier, incidents IncidentSink, audit AuditLogger, logger log.Logger) *BudgetGovernor {
	return &BudgetGovernor{
		repo:               repo,
		applier:            applier,
		incidents:          incidents,
		audit:              audit,
		monthlyUSD:         cfg.Budget.MonthlyUSD,
		downgradeThreshold: cfg.Budget.DowngradeThreshold,
		hardStopThreshold:  cfg.Budget.HardStopThreshold,
		allowDowngrade:     cfg.Budget.AllowDowngrade,
		primaryModel:       cfg.Budget.PrimaryModel,
		downgradeModel:     cfg.Budget.DowngradeModel,
		logger:             log.NewHelper(logger),
		nowFn:              time.Now,
	}
}

// periodKey returns the calendar period key, e.g. "2026-08".
func (g *BudgetGovernor) periodKey(now time.Time) string {
	return now.UTC().Format("2006-01")
}

// RecordSpending appends one spend event, accumulates it into the current
// period's ledger, and runs the escalation checks. Alert and hard-stop flags
// are latched: each fires at most once per period no matter how many
// subsequent events keep the ratio above its threshold.
func (g *BudgetGovernor) RecordSpending(ctx context.Context, amountUSD float64, category string, metadata map[string]interface{}) error {
	if amountUSD < 0 {
		return &ConfigValidationError{Reason: fmt.Sprintf("spend amount must be non-negative, got %f", amountUSD)}
	}

	now := g.nowFn().UTC()
	period := g.periodKey(now)

	if _, err := g.ensureLedger(ctx, period); err != nil {
		return fmt.Errorf("resolve ledger for %s: %w", period, err)
	}

	event := &model.SpendEvent{
		MonthYear: period,
		AmountUSD: amountUSD,
		Category:  category,
		Metadata:  metadata,
		CreatedAt: now,
	}
	if err := g.repo.AppendSpendEvent(ctx, event); err != nil {
		// The ledger increment is the source of truth; a lost event row is
		// an audit gap, not a spend-tracking failure.
		g.logger.Warnw("failed to append spend event", "period", period, "error", err)
	}

	ledger, err := g.repo.AddSpend(ctx, period, amountUSD)
	if err != nil {
		return fmt.Errorf("accumulate spend for %s: %w", period, err)
	}

	g.logger.Debugw("spend recorded",
		"period", period,
		"amount_usd", amountUSD,
		"category", category,
		"spent_usd", ledger.SpentUSD,
		"ratio", ledger.SpendRatio())

	g.escalate(ctx, ledger, now)
	return nil
}

// escalate runs the threshold checks in ascending severity. Each branch is
// guarded by the persisted latch, so concurrent spend recorders race for the
// latch rather than double-firing.
func (g *BudgetGovernor) escalate(ctx context.Context, ledger *model.BudgetLedger, now time.Time) {
	ratio := ledger.SpendRatio()
	period := ledger.MonthYear

	if ratio >= alertRatio80 && !ledger.AlertThreshold80 {
		if won, err := g.repo.LatchAlert80(ctx, period); err != nil {
			g.logger.Errorw("failed to latch 80% alert", "period", period, "error", err)
		} else if won {
			g.fireAlert(ctx, ledger, now, model.SeverityMedium, alertRatio80)
		}
	}

	if ratio >= alertRatio95 && !ledger.AlertThreshold95 {
		if won, err := g.repo.LatchAlert95(ctx, period); err != nil {
			g.logger.Errorw("failed to latch 95% alert", "period", period, "error", err)
		} else if won {
			g.fireAlert(ctx, ledger, now, model.SeverityHigh, alertRatio95)
		}
	}

	if ratio >= g.downgradeThreshold && g.allowDowngrade && !ledger.ModelDowngradeActive {
		if won, err := g.repo.LatchDowngrade(ctx, period); err != nil {
			g.logger.Errorw("failed to latch model downgrade", "period", period, "error", err)
		} else if won {
			g.engageDowngrade(ctx, ledger, now)
		}
	}

	if ratio >= g.hardStopThreshold && !ledger.HardStopTriggered {
		if won, err := g.repo.LatchHardStop(ctx, period); err != nil {
			g.logger.Errorw("failed to latch hard stop", "period", period, "error", err)
		} else if won {
			g.engageHardStop(ctx, ledger, now)
		}
	}
}

func (g *BudgetGovernor) fireAlert(ctx context.Context, ledger *model.BudgetLedger, now time.Time, severity model.Severity, fraction float64) {
	g.incidents.Report(ctx, &model.Incident{
		Severity:       severity,
		Scope:          "budget",
		Metric:         ledger.MonthYear,
		ObservedValue:  ledger.SpentUSD,
		ThresholdValue: ledger.BudgetUSD * fraction,
		Status:         model.IncidentOpen,
		SuggestedActions: []string{
			"review spend by category",
			"consider lowering the serving token cap",
		},
		CreatedAt: now,
	})
	g.audit.LogBudgetEscalation(ctx, ledger.MonthYear, fmt.Sprintf("alert_%.0f", fraction*100), map[string]interface{}{
		"spent_usd":  ledger.SpentUSD,
		"budget_usd": ledger.BudgetUSD,
	})
	g.logger.Warnw("budget alert fired",
		"period", ledger.MonthYear,
		"fraction", fraction,
		"spent_usd", ledger.SpentUSD,
		"budget_usd", ledger.BudgetUSD)
}

// engageDowngrade computes the downgrade plan and engages the shared
// downgrade_model action.
func (g *BudgetGovernor) engageDowngrade(ctx context.Context, ledger *model.BudgetLedger, now time.Time) {
	plan := g.downgradePlan(ledger, now)

	if _, err := g.applier.Apply(ctx, model.ActionDowngradeModel, model.SeverityHigh, "budget:"+ledger.MonthYear); err != nil {
		g.logger.Errorw("failed to engage model downgrade",
			"period", ledger.MonthYear, "error", err)
		// The latch stays set; the incident below still tells the operator.
	}

	g.incidents.Report(ctx, &model.Incident{
		Severity:       model.SeverityHigh,
		Scope:          "budget",
		Metric:         ledger.MonthYear,
		ObservedValue:  ledger.SpentUSD,
		ThresholdValue: ledger.BudgetUSD * g.downgradeThreshold,
		Status:         model.IncidentOpen,
		SuggestedActions: []string{
			fmt.Sprintf("model downgraded %s -> %s", plan.FromModel, plan.ToModel),
			fmt.Sprintf("estimated savings $%.2f (%s)", plan.EstimatedSavings, plan.QualityImpact),
		},
		CreatedAt: now,
	})
	g.audit.LogBudgetEscalation(ctx, ledger.MonthYear, "model_downgrade", map[string]interface{}{
		"from_model":        plan.FromModel,
		"to_model":          plan.ToModel,
		"estimated_savings": plan.EstimatedSavings,
	})
	g.logger.Warnw("model downgrade engaged",
		"period", ledger.MonthYear,
		"from", plan.FromModel,
		"to", plan.ToModel,
		"estimated_savings_usd", plan.EstimatedSavings)
}

// engageHardStop disables every non-essential feature unconditionally and
// emits the critical incident. Per-toggle failures stay visible in the
// incident rather than aborting the remaining toggles.
func (g *BudgetGovernor) engageHardStop(ctx context.Context, ledger *model.BudgetLedger, now time.Time) {
	failures := g.applier.HardStop(ctx, "budget:"+ledger.MonthYear)

	suggested := []string{
		"raise the monthly budget or wait for period rollover",
		"all non-essential features disabled",
	}
	for feature, msg := range failures {
		suggested = append(suggested, fmt.Sprintf("MANUAL ACTION: disabling %s failed: %s", feature, msg))
	}

	g.incidents.Report(ctx, &model.Incident{
		Severity:         model.SeverityCritical,
		Scope:            "budget",
		Metric:           ledger.MonthYear,
		ObservedValue:    ledger.SpentUSD,
		ThresholdValue:   ledger.BudgetUSD * g.hardStopThreshold,
		Status:           model.IncidentOpen,
		SuggestedActions: suggested,
		CreatedAt:        now,
	})
	g.audit.LogBudgetEscalation(ctx, ledger.MonthYear, "hard_stop", map[string]interface{}{
		"spent_usd":       ledger.SpentUSD,
		"budget_usd":      ledger.BudgetUSD,
		"toggle_failures": len(failures),
	})
	g.logger.Errorw("budget hard stop triggered",
		"period", ledger.MonthYear,
		"spent_usd", ledger.SpentUSD,
		"budget_usd", ledger.BudgetUSD)
}

// downgradePlan estimates what switching the remainder of the month to the
// fallback model saves.
func (g *BudgetGovernor) downgradePlan(ledger *model.BudgetLedger, now time.Time) *model.DowngradePlan {
	projected := g.project(ledger.SpentUSD, now)
	remaining := projected - ledger.SpentUSD
	if remaining < 0 {
		remaining = 0
	}
	return &model.DowngradePlan{
		FromModel: g.primaryModel,
		ToModel:   g.downgradeModel,
		// The fallback model runs at roughly 40% of primary per-token cost.
		EstimatedSavings: remaining * 0.6,
		QualityImpact:    "reduced depth on complex turns; simple turns unaffected",
	}
}

// IsOperationAllowed is the pre-flight admission check. It denies when the
// hard stop is latched or the estimated cost exceeds remaining budget.
//
// On any failure to read ledger state it FAILS OPEN and allows the
// operation: availability over strict enforcement, by explicit policy.
func (g *BudgetGovernor) IsOperationAllowed(ctx context.Context, estimatedCost float64) (*model.Admission, error) {
	period := g.periodKey(g.nowFn())

	ledger, err := g.repo.GetLedger(ctx, period)
	if err != nil {
		if pkgerrors.IsNotFoundError(err) {
			// No spend recorded this period yet.
			return &model.Admission{Allowed: true, RemainingBudget: g.monthlyUSD}, nil
		}
		g.logger.Warnw("ledger unavailable, failing open",
			"period", period, "error", err)
		return &model.Admission{
			Allowed:         true,
			Reason:          "budget state unavailable; failing open",
			RemainingBudget: g.monthlyUSD,
		}, nil
	}

	remaining := ledger.BudgetUSD - ledger.SpentUSD
	if remaining < 0 {
		remaining = 0
	}

	if ledger.HardStopTriggered {
		return &model.Admission{
			Allowed:         false,
			Reason:          "monthly budget hard stop is active",
			RemainingBudget: remaining,
		}, nil
	}

	if estimatedCost > remaining {
		return &model.Admission{
			Allowed:         false,
			Reason:          fmt.Sprintf("estimated cost $%.4f exceeds remaining budget $%.4f", estimatedCost, remaining),
			RemainingBudget: remaining,
		}, nil
	}

	return &model.Admission{Allowed: true, RemainingBudget: remaining}, nil
}

// BudgetStats returns the operator-facing snapshot with the end-of-month
// linear projection.
func (g *BudgetGovernor) BudgetStats(ctx context.Context) (*model.BudgetStats, error) {
	now := g.nowFn().UTC()
	period := g.periodKey(now)

	ledger, err := g.repo.GetLedger(ctx, period)
	if err != nil {
		if !pkgerrors.IsNotFoundError(err) {
			return nil, err
		}
		ledger = &model.BudgetLedger{MonthYear: period, BudgetUSD: g.monthlyUSD}
	}

	daysInMonth := time.Date(now.Year(), now.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
	daysElapsed := now.Day()

	remaining := ledger.BudgetUSD - ledger.SpentUSD
	if remaining < 0 {
		remaining = 0
	}

	ratio := ledger.SpendRatio()
	status := model.BudgetHealthy
	switch {
	case ratio >= alertRatio95:
		status = model.BudgetCritical
	case ratio >= alertRatio80:
		status = model.BudgetWarning
	}

	return &model.BudgetStats{
		MonthYear:      period,
		BudgetUSD:      ledger.BudgetUSD,
		SpentUSD:       ledger.SpentUSD,
		RemainingUSD:   remaining,
		SpendRatio:     ratio,
		ProjectedSpend: g.project(ledger.SpentUSD, now),
		DaysRemaining:  daysInMonth - daysElapsed,
		DailyAverage:   ledger.SpentUSD / float64(daysElapsed),
		Status:         status,
		HardStop:       ledger.HardStopTriggered,
		Downgraded:     ledger.ModelDowngradeActive,
	}, nil
}

// project extrapolates end-of-month spend linearly from days elapsed.
func (g *BudgetGovernor) project(spentUSD float64, now time.Time) float64 {
	daysInMonth := time.Date(now.Year(), now.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
	daysElapsed := now.Day()
	if daysElapsed == 0 {
		return spentUSD
	}
	return spentUSD / float64(daysElapsed) * float64(daysInMonth)
}

// ensureLedger resolves the period ledger, creating it at the first spend
// event of a new period. A create race with another instance re-reads.
func (g *BudgetGovernor) ensureLedger(ctx context.Context, period string) (*model.BudgetLedger, error) {
	ledger, err := g.repo.GetLedger(ctx, period)
	if err == nil {
		return ledger, nil
	}
	if !pkgerrors.IsNotFoundError(err) {
		return nil, err
	}

	ledger = &model.BudgetLedger{
		MonthYear: period,
		BudgetUSD: g.monthlyUSD,
		UpdatedAt: g.nowFn().UTC(),
	}
	if cerr := g.repo.CreateLedger(ctx, ledger); cerr != nil {
		if pkgerrors.IsDuplicateKeyError(cerr) {
			return g.repo.GetLedger(ctx, period)
		}
		return nil, cerr
	}
	g.logger.Infow("budget ledger opened", "period", period, "budget_usd", g.monthlyUSD)
	return ledger, nil
}
