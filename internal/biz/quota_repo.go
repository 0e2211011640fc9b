package biz

import (
	"context"
)

// QuotaRepo defines the counter operations behind the quota boundary.
// Following Kratos v2 DDD architecture, interfaces are defined in biz layer.
// Implementation is in data layer (data.QuotaRepo).
type QuotaRepo interface {
	// IncrementTurns bumps the fixed-window turn counter for a key and
	// returns the new count.
	IncrementTurns(ctx context.Context, key string) (int64, error)

	// IncrementTokens bumps the fixed-window token counter for a key by n
	// and returns the new count.
	IncrementTokens(ctx context.Context, key string, n int64) (int64, error)

	// GetTokenCount returns the current token counter, 0 when absent.
	GetTokenCount(ctx context.Context, key string) (int64, error)
}
