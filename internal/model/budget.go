package model

import "time"

// BudgetLedger is the per-month spend record, keyed by MonthYear ("YYYY-MM").
// Alert and hard-stop flags are latched: once true they stay true for the
// period, so spend oscillating around a threshold cannot re-fire an alert.
// Prior-period ledgers are retained for audit and never mutated again.
type BudgetLedger struct {
	MonthYear            string
	BudgetUSD            float64
	SpentUSD             float64
	AlertThreshold80     bool
	AlertThreshold95     bool
	HardStopTriggered    bool
	ModelDowngradeActive bool
	UpdatedAt            time.Time
}

// SpendRatio returns spent/budget, 0 when the budget is unset.
func (l *BudgetLedger) SpendRatio() float64 {
	if l.BudgetUSD <= 0 {
		return 0
	}
	return l.SpentUSD / l.BudgetUSD
}

// SpendEvent is one append-only dollar-denominated spend record.
// Events are accumulated into the current ledger, never replayed or reversed.
type SpendEvent struct {
	ID        int64
	MonthYear string
	AmountUSD float64
	Category  string
	Metadata  map[string]interface{}
	CreatedAt time.Time
}

// BudgetStatus classifies the current spend ratio.
type BudgetStatus string

const (
	BudgetHealthy  BudgetStatus = "healthy"
	BudgetWarning  BudgetStatus = "warning"  // ratio >= 0.80
	BudgetCritical BudgetStatus = "critical" // ratio >= 0.95
)

// BudgetStats is the operator-facing snapshot of the current period.
type BudgetStats struct {
	MonthYear      string       `json:"month_year"`
	BudgetUSD      float64      `json:"budget_usd"`
	SpentUSD       float64      `json:"spent_usd"`
	RemainingUSD   float64      `json:"remaining_usd"`
	SpendRatio     float64      `json:"spend_ratio"`
	ProjectedSpend float64      `json:"projected_spend"`
	DaysRemaining  int          `json:"days_remaining"`
	DailyAverage   float64      `json:"daily_average"`
	Status         BudgetStatus `json:"status"`
	HardStop       bool         `json:"hard_stop"`
	Downgraded     bool         `json:"downgraded"`
}

// Admission is the result of a pre-flight budget check.
type Admission struct {
	Allowed         bool    `json:"allowed"`
	Reason          string  `json:"reason,omitempty"`
	RemainingBudget float64 `json:"remaining_budget"`
}

// DowngradePlan describes the model switch the governor engages when spend
// crosses the downgrade threshold.
type DowngradePlan struct {
	FromModel        string  `json:"from_model"`
	ToModel          string  `json:"to_model"`
	EstimatedSavings float64 `json:"estimated_savings_usd"`
	QualityImpact    string  `json:"quality_impact"`
}
