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

// BudgetLedgerRecord is the GORM model for budget_ledgers table
type BudgetLedgerRecord struct {
	MonthYear            string    `gorm:"primaryKey;column:month_year;type:varchar(7)"`
	BudgetUSD            float64   `gorm:"column:budget_usd;not null;default:0"`
	SpentUSD             float64   `gorm:"column:spent_usd;not null;default:0"`
	AlertThreshold80     bool      `gorm:"column:alert_threshold_80;not null;default:false"`
	AlertThreshold95     bool      `gorm:"column:alert_threshold_95;not null;default:false"`
	HardStopTriggered    bool      `gorm:"column:hard_stop_triggered;not null;default:false"`
	ModelDowngradeActive bool      `gorm:"column:model_downgrade_active;not null;default:false"`
	UpdatedAt            time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (BudgetLedgerRecord) TableName() string {
	return "budget_ledgers"
}

func (r *BudgetLedgerRecord) toModel() *model.BudgetLedger {
	return &model.BudgetLedger{
		MonthYear:            r.MonthYear,
		BudgetUSD:            r.BudgetUSD,
		SpentUSD:             r.SpentUSD,
		AlertThreshold80:     r.AlertThreshold80,
		AlertThreshold95:     r.AlertThreshold95,
		HardStopTriggered:    r.HardStopTriggered,
		ModelDowngradeActive: r.ModelDowngradeActive,
		UpdatedAt:            r.UpdatedAt,
	}
}

// SpendEventRecord is the GORM model for spend_events table
type SpendEventRecord struct {
	ID        int64     `gorm:"primaryKey;column:id;autoIncrement"`
	MonthYear string    `gorm:"column:month_year;type:varchar(7);not null;index"`
	AmountUSD float64   `gorm:"column:amount_usd;not null"`
	Category  string    `gorm:"column:category;type:varchar(64);not null"`
	Metadata  string    `gorm:"column:metadata;type:json"` // JSON string
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM
func (SpendEventRecord) TableName() string {
	return "spend_events"
}

// BudgetRepo implements biz.BudgetRepo. Spend accumulation uses a server-side
// increment and the escalation flags use conditional single-row updates, so
// concurrent recordings cannot under-count or double-fire.
type BudgetRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewBudgetRepo creates a new budget ledger repository
func NewBudgetRepo(db *gorm.DB, logger log.Logger) *BudgetRepo {
	return &BudgetRepo{
		db:     db,
		logger: log.NewHelper(logger),
	}
}

// GetLedger returns the ledger for a period.
func (r *BudgetRepo) GetLedger(ctx context.Context, monthYear string) (*model.BudgetLedger, error) {
	var rec BudgetLedgerRecord
	if err := r.db.WithContext(ctx).Where("month_year = ?", monthYear).First(&rec).Error; err != nil {
		return nil, fmt.Errorf("failed to get budget ledger for %s: %w", monthYear, err)
	}
	return rec.toModel(), nil
}

// CreateLedger inserts a fresh ledger row for a period.
func (r *BudgetRepo) CreateLedger(ctx context.Context, ledger *model.BudgetLedger) error {
	rec := &BudgetLedgerRecord{
		MonthYear:            ledger.MonthYear,
		BudgetUSD:            ledger.BudgetUSD,
		SpentUSD:             ledger.SpentUSD,
		AlertThreshold80:     ledger.AlertThreshold80,
		AlertThreshold95:     ledger.AlertThreshold95,
		HardStopTriggered:    ledger.HardStopTriggered,
		ModelDowngradeActive: ledger.ModelDowngradeActive,
		UpdatedAt:            time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create budget ledger for %s: %w", ledger.MonthYear, err)
	}
	return nil
}

// AddSpend accumulates an amount with a single server-side increment so two
// concurrent spend events cannot under-count, then returns the updated ledger.
func (r *BudgetRepo) AddSpend(ctx context.Context, monthYear string, amountUSD float64) (*model.BudgetLedger, error) {
	result := r.db.WithContext(ctx).
		Model(&BudgetLedgerRecord{}).
		Where("month_year = ?", monthYear).
		Updates(map[string]interface{}{
			"spent_usd":  gorm.Expr("spent_usd + ?", amountUSD),
			"updated_at": time.Now(),
		})

	if result.Error != nil {
		return nil, fmt.Errorf("failed to add spend for %s: %w", monthYear, result.Error)
	}

	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("failed to add spend for %s: %w", monthYear, gorm.ErrRecordNotFound)
	}

	return r.GetLedger(ctx, monthYear)
}

// AppendSpendEvent records one append-only spend event.
func (r *BudgetRepo) AppendSpendEvent(ctx context.Context, event *model.SpendEvent) error {
	metadata := ""
	if len(event.Metadata) > 0 {
		raw, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal spend event metadata: %w", err)
		}
		metadata = string(raw)
	}

	rec := &SpendEventRecord{
		MonthYear: event.MonthYear,
		AmountUSD: event.AmountUSD,
		Category:  event.Category,
		Metadata:  metadata,
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to append spend event for %s: %w", event.MonthYear, err)
	}
	return nil
}

// latchFlag flips a boolean column from false to true in one conditional
// update. RowsAffected tells the caller whether it won the flip.
func (r *BudgetRepo) latchFlag(ctx context.Context, monthYear, column string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&BudgetLedgerRecord{}).
		Where(fmt.Sprintf("month_year = ? AND %s = ?", column), monthYear, false).
		Updates(map[string]interface{}{
			column:       true,
			"updated_at": time.Now(),
		})

	if result.Error != nil {
		return false, fmt.Errorf("failed to latch %s for %s: %w", column, monthYear, result.Error)
	}

	return result.RowsAffected > 0, nil
}

// LatchAlert80 latches the 80 percent alert flag for a period.
func (r *BudgetRepo) LatchAlert80(ctx context.Context, monthYear string) (bool, error) {
	return r.latchFlag(ctx, monthYear, "alert_threshold_80")
}

// LatchAlert95 latches the 95 percent alert flag for a period.
func (r *BudgetRepo) LatchAlert95(ctx context.Context, monthYear string) (bool, error) {
	return r.latchFlag(ctx, monthYear, "alert_threshold_95")
}

// LatchDowngrade latches the model downgrade flag for a period.
func (r *BudgetRepo) LatchDowngrade(ctx context.Context, monthYear string) (bool, error) {
	return r.latchFlag(ctx, monthYear, "model_downgrade_active")
}

// LatchHardStop latches the hard stop flag for a period.
func (r *BudgetRepo) LatchHardStop(ctx context.Context, monthYear string) (bool, error) {
	return r.latchFlag(ctx, monthYear, "hard_stop_triggered")
}
