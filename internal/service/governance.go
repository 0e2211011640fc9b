// Package service exposes the governance controllers over the admin HTTP
// surface.
package service

import (
	"context"
	"errors"

	"Wardline/internal/biz"
	"Wardline/internal/model"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/google/wire"
)

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(NewGovernanceService)

// GovernanceService fronts the three controllers for operators and for the
// serving pipeline's pre-flight checks.
type GovernanceService struct {
	circuits     *biz.CircuitBreakerRegistry
	backpressure *biz.BackpressureController
	budget       *biz.BudgetGovernor
	quota        biz.QuotaChecker
	logger       *log.Helper
}

// NewGovernanceService creates a new GovernanceService instance.
func NewGovernanceService(
	circuits *biz.CircuitBreakerRegistry,
	backpressure *biz.BackpressureController,
	budget *biz.BudgetGovernor,
	quota biz.QuotaChecker,
	logger log.Logger,
) *GovernanceService {
	return &GovernanceService{
		circuits:     circuits,
		backpressure: backpressure,
		budget:       budget,
		quota:        quota,
		logger:       log.NewHelper(logger),
	}
}

// RegisterRoutes mounts the admin surface on the HTTP router.
func (s *GovernanceService) RegisterRoutes(r *http.Router) {
	r.GET("/v1/circuits", s.handleListCircuits)
	r.GET("/v1/circuits/stats", s.handleCircuitStats)
	r.GET("/v1/circuits/{service}", s.handleGetCircuit)
	r.POST("/v1/circuits/{service}/open", s.handleOpenCircuit)
	r.POST("/v1/circuits/{service}/close", s.handleCloseCircuit)
	r.POST("/v1/circuits/{service}/reset", s.handleResetCircuit)

	r.GET("/v1/backpressure", s.handleBackpressureState)
	r.GET("/v1/backpressure/stats", s.handleBackpressureStats)
	r.POST("/v1/backpressure/metrics", s.handlePushMetric)

	r.GET("/v1/budget", s.handleBudgetStats)
	r.POST("/v1/budget/spend", s.handleRecordSpend)
	r.POST("/v1/budget/admission", s.handleAdmission)
}

// --- circuits ---

func (s *GovernanceService) handleListCircuits(ctx http.Context) error {
	states, err := s.circuits.List(ctx)
	if err != nil {
		s.logger.Errorw("failed to list circuits", "error", err)
		return err
	}
	return ctx.Result(200, map[string]interface{}{"circuits": states})
}

func (s *GovernanceService) handleCircuitStats(ctx http.Context) error {
	stats, err := s.circuits.Stats(ctx)
	if err != nil {
		s.logger.Errorw("failed to compute circuit stats", "error", err)
		return err
	}
	return ctx.Result(200, stats)
}

func (s *GovernanceService) breakerFromPath(ctx http.Context) (*biz.CircuitBreaker, error) {
	name := ctx.Vars().Get("service")
	if name == "" {
		return nil, kerrors.BadRequest("MISSING_SERVICE", "service name is required")
	}
	return s.circuits.GetOrCreate(name, nil)
}

func (s *GovernanceService) handleGetCircuit(ctx http.Context) error {
	breaker, err := s.breakerFromPath(ctx)
	if err != nil {
		return err
	}
	state, err := breaker.State(ctx)
	if err != nil {
		return err
	}
	return ctx.Result(200, state)
}

func (s *GovernanceService) handleOpenCircuit(ctx http.Context) error {
	breaker, err := s.breakerFromPath(ctx)
	if err != nil {
		return err
	}
	s.logger.Infow("manual circuit open requested", "service", ctx.Vars().Get("service"))
	if err := breaker.Open(ctx); err != nil {
		return err
	}
	return ctx.Result(200, map[string]interface{}{"success": true})
}

func (s *GovernanceService) handleCloseCircuit(ctx http.Context) error {
	breaker, err := s.breakerFromPath(ctx)
	if err != nil {
		return err
	}
	s.logger.Infow("manual circuit close requested", "service", ctx.Vars().Get("service"))
	if err := breaker.Close(ctx); err != nil {
		return err
	}
	return ctx.Result(200, map[string]interface{}{"success": true})
}

func (s *GovernanceService) handleResetCircuit(ctx http.Context) error {
	breaker, err := s.breakerFromPath(ctx)
	if err != nil {
		return err
	}
	s.logger.Infow("manual circuit reset requested", "service", ctx.Vars().Get("service"))
	if err := breaker.Reset(ctx); err != nil {
		return err
	}
	return ctx.Result(200, map[string]interface{}{"success": true})
}

// --- backpressure ---

// PushMetricRequest is one metric observation pushed by the serving pipeline.
type PushMetricRequest struct {
	Metric   string                 `json:"metric"`
	Value    float64                `json:"value"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

func (s *GovernanceService) handleBackpressureState(ctx http.Context) error {
	states, err := s.backpressure.State(ctx)
	if err != nil {
		s.logger.Errorw("failed to read backpressure state", "error", err)
		return err
	}
	return ctx.Result(200, map[string]interface{}{"metrics": states})
}

func (s *GovernanceService) handleBackpressureStats(ctx http.Context) error {
	stats, err := s.backpressure.Stats(ctx)
	if err != nil {
		s.logger.Errorw("failed to compute backpressure stats", "error", err)
		return err
	}
	return ctx.Result(200, stats)
}

func (s *GovernanceService) handlePushMetric(ctx http.Context) error {
	var req PushMetricRequest
	if err := ctx.Bind(&req); err != nil {
		return kerrors.BadRequest("INVALID_BODY", err.Error())
	}
	if req.Metric == "" {
		return kerrors.BadRequest("MISSING_METRIC", "metric name is required")
	}

	update, err := s.backpressure.UpdateMetric(ctx, req.Metric, req.Value, req.Metadata)
	if err != nil {
		if errors.Is(err, biz.ErrUnknownMetric) {
			return kerrors.BadRequest("UNKNOWN_METRIC", "metric is not monitored: "+req.Metric)
		}
		s.logger.Errorw("failed to update metric", "metric", req.Metric, "error", err)
		return err
	}
	return ctx.Result(200, update)
}

// --- budget ---

// RecordSpendRequest is one dollar-denominated spend event.
type RecordSpendRequest struct {
	AmountUSD float64                `json:"amount_usd"`
	Category  string                 `json:"category"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// AdmissionRequest is the pre-flight check the serving pipeline runs before
// starting a turn.
type AdmissionRequest struct {
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	QuotaKey         string  `json:"quota_key,omitempty"`
	EstimatedTokens  int64   `json:"estimated_tokens,omitempty"`
}

func (s *GovernanceService) handleBudgetStats(ctx http.Context) error {
	stats, err := s.budget.BudgetStats(ctx)
	if err != nil {
		s.logger.Errorw("failed to compute budget stats", "error", err)
		return err
	}
	return ctx.Result(200, stats)
}

func (s *GovernanceService) handleRecordSpend(ctx http.Context) error {
	var req RecordSpendRequest
	if err := ctx.Bind(&req); err != nil {
		return kerrors.BadRequest("INVALID_BODY", err.Error())
	}

	if err := s.budget.RecordSpending(ctx, req.AmountUSD, req.Category, req.Metadata); err != nil {
		s.logger.Errorw("failed to record spending",
			"amount_usd", req.AmountUSD,
			"category", req.Category,
			"error", err)
		return err
	}
	return ctx.Result(200, map[string]interface{}{"success": true})
}

// handleAdmission combines the budget gate with the quota gate. Budget store
// outages fail open inside the governor; quota denial surfaces as 429.
func (s *GovernanceService) handleAdmission(ctx http.Context) error {
	var req AdmissionRequest
	if err := ctx.Bind(&req); err != nil {
		return kerrors.BadRequest("INVALID_BODY", err.Error())
	}

	admission, err := s.budget.IsOperationAllowed(ctx, req.EstimatedCostUSD)
	if err != nil {
		s.logger.Errorw("admission check failed", "error", err)
		return err
	}

	if admission.Allowed && req.QuotaKey != "" {
		if err := s.quota.CheckQuota(ctx, req.QuotaKey, req.EstimatedTokens); err != nil {
			return err
		}
	}

	return ctx.Result(200, admission)
}

// AdmitTurn is the in-process variant of the admission check, used by the
// gRPC surface and by tests.
func (s *GovernanceService) AdmitTurn(ctx context.Context, estimatedCostUSD float64, quotaKey string, estimatedTokens int64) (*model.Admission, error) {
	admission, err := s.budget.IsOperationAllowed(ctx, estimatedCostUSD)
	if err != nil {
		return nil, err
	}
	if admission.Allowed && quotaKey != "" {
		if err := s.quota.CheckQuota(ctx, quotaKey, estimatedTokens); err != nil {
			return nil, err
		}
	}
	return admission, nil
}
