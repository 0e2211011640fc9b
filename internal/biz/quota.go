package biz

import (
	"context"

	"github.com/go-kratos/kratos/v2/log"
)

// Fixed-window limits for the serving quota boundary. Per-caller plans live
// in the quota manager proper; the control plane only needs a coarse
// backstop in front of the admission check.
const (
	maxTurnsPerMinute  = 120
	maxTokensPerMinute = 250000
)

// QuotaUseCase implements the narrow QuotaChecker boundary on top of
// Redis fixed-window counters. Redis degradation: on counter failure it
// logs a warning and allows the request.
type QuotaUseCase struct {
	repo   QuotaRepo
	logger *log.Helper
}

// NewQuotaUseCase creates the quota boundary.
func NewQuotaUseCase(repo QuotaRepo, logger log.Logger) *QuotaUseCase {
	return &QuotaUseCase{
		repo:   repo,
		logger: log.NewHelper(logger),
	}
}

var _ QuotaChecker = (*QuotaUseCase)(nil)

// CheckQuota verifies the key has turn and token headroom for an estimated
// request. Returns an HTTP 429 error when a window is exhausted.
func (uc *QuotaUseCase) CheckQuota(ctx context.Context, key string, estimatedTokens int64) error {
	turns, err := uc.repo.IncrementTurns(ctx, key)
	if err != nil {
		uc.logger.Warnf("quota turn check failed for %s: %v (request allowed)", key, err)
		return nil
	}
	if turns > maxTurnsPerMinute {
		uc.logger.Warnw("turn quota exceeded", "key", key, "current", turns, "limit", maxTurnsPerMinute)
		return newQuotaExceededError(key, turns, maxTurnsPerMinute, 60)
	}

	if estimatedTokens <= 0 {
		return nil
	}

	tokens, err := uc.repo.GetTokenCount(ctx, key)
	if err != nil {
		uc.logger.Warnf("quota token check failed for %s: %v (request allowed)", key, err)
		return nil
	}
	if tokens+estimatedTokens > maxTokensPerMinute {
		uc.logger.Warnw("token quota exceeded",
			"key", key, "current", tokens, "estimated", estimatedTokens, "limit", maxTokensPerMinute)
		return newQuotaExceededError(key, tokens, maxTokensPerMinute, 60)
	}

	return nil
}

// ConsumeQuota records actual token usage after a turn completes.
// Best-effort: counter failure is logged and swallowed.
func (uc *QuotaUseCase) ConsumeQuota(ctx context.Context, key string, tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	if _, err := uc.repo.IncrementTokens(ctx, key, tokens); err != nil {
		uc.logger.Warnf("quota token consume failed for %s: %v", key, err)
		return nil
	}
	return nil
}
