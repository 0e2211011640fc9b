package data

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// quotaWindow is the fixed counting window for turn and token counters.
const quotaWindow = 60 * time.Second

// QuotaRepo implements biz.QuotaRepo with fixed-window Redis counters.
// Following Kratos v2 DDD architecture, interface is defined in biz layer.
type QuotaRepo struct {
	rdb    *redis.Client
	logger *log.Helper
}

// NewQuotaRepo creates a new quota repository.
func NewQuotaRepo(rdb *redis.Client, logger log.Logger) *QuotaRepo {
	return &QuotaRepo{
		rdb:    rdb,
		logger: log.NewHelper(logger),
	}
}

// IncrementTurns increments the turn counter for a key.
// Uses Redis INCR with automatic expiration on first increment.
// Returns the new count and any error.
func (r *QuotaRepo) IncrementTurns(ctx context.Context, key string) (int64, error) {
	if r.rdb == nil {
		return 0, fmt.Errorf("redis client is nil")
	}

	turnKey := getQuotaKey(key, "turns")

	count, err := r.rdb.Incr(ctx, turnKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment turns: %w", err)
	}

	// Set expiration on first increment
	if count == 1 {
		if err := r.rdb.Expire(ctx, turnKey, quotaWindow).Err(); err != nil {
			r.logger.Warnf("Failed to set turn counter expiration for %s: %v", key, err)
			// Don't return error, counter is still incremented
		}
	}

	return count, nil
}

// IncrementTokens increments the token counter for a key by n.
// Uses Redis INCRBY with automatic expiration on first increment.
func (r *QuotaRepo) IncrementTokens(ctx context.Context, key string, n int64) (int64, error) {
	if r.rdb == nil {
		return 0, fmt.Errorf("redis client is nil")
	}

	tokenKey := getQuotaKey(key, "tokens")

	// Get current count first to detect first increment
	_, err := r.rdb.Get(ctx, tokenKey).Result()
	isFirstIncrement := (err == redis.Nil)

	count, err := r.rdb.IncrBy(ctx, tokenKey, n).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment tokens: %w", err)
	}

	if isFirstIncrement {
		if err := r.rdb.Expire(ctx, tokenKey, quotaWindow).Err(); err != nil {
			r.logger.Warnf("Failed to set token counter expiration for %s: %v", key, err)
		}
	}

	return count, nil
}

// GetTokenCount retrieves the current token count for a key.
// Returns 0 if key doesn't exist.
func (r *QuotaRepo) GetTokenCount(ctx context.Context, key string) (int64, error) {
	if r.rdb == nil {
		return 0, fmt.Errorf("redis client is nil")
	}

	tokenKey := getQuotaKey(key, "tokens")

	count, err := r.rdb.Get(ctx, tokenKey).Result()
	if err == redis.Nil {
		// Key doesn't exist, return 0
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get token count: %w", err)
	}

	countInt, err := strconv.ParseInt(count, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse token count: %w", err)
	}

	return countInt, nil
}

// getQuotaKey generates a Redis key for quota counting.
// Format: quota:{key}:{type}
// Example: quota:tenant-a:turns or quota:tenant-a:tokens
func getQuotaKey(key, counterType string) string {
	return fmt.Sprintf("quota:%s:%s", key, counterType)
}
