// Package biz contains business logic layer implementations.
// This layer holds the three governance controllers and their interfaces.
package biz

import (
	"Wardline/internal/data"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewActionApplier,
	NewCircuitBreakerRegistry,
	NewBackpressureController,
	NewBudgetGovernor,
	NewQuotaUseCase,
	// Import data layer providers
	data.NewCircuitStateRepo,
	data.NewBackpressureRepo,
	data.NewBudgetRepo,
	data.NewFeatureToggleRepo,
	data.NewIncidentLogger,
	data.NewGovernanceAuditLogger,
	data.NewQuotaRepo,
	data.NewRedisMetricSource,
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(CircuitStateRepo), new(*data.CircuitStateRepo)),
	wire.Bind(new(BackpressureRepo), new(*data.BackpressureRepo)),
	wire.Bind(new(BudgetRepo), new(*data.BudgetRepo)),
	wire.Bind(new(ActionSink), new(*data.FeatureToggleRepo)),
	wire.Bind(new(IncidentSink), new(*data.IncidentLogger)),
	wire.Bind(new(AuditLogger), new(*data.GovernanceAuditLogger)),
	wire.Bind(new(QuotaRepo), new(*data.QuotaRepo)),
	wire.Bind(new(MetricSource), new(*data.RedisMetricSource)),
	wire.Bind(new(QuotaChecker), new(*QuotaUseCase)),
)
