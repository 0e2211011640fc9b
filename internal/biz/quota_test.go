package biz

import (
	"context"
	"os"
	"testing"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memQuotaRepo struct {
	turns  map[string]int64
	tokens map[string]int64
	down   bool
}

func newMemQuotaRepo() *memQuotaRepo {
	return &memQuotaRepo{turns: map[string]int64{}, tokens: map[string]int64{}}
}

func (r *memQuotaRepo) IncrementTurns(_ context.Context, key string) (int64, error) {
	if r.down {
		return 0, errStoreDown
	}
	r.turns[key]++
	return r.turns[key], nil
}

func (r *memQuotaRepo) IncrementTokens(_ context.Context, key string, tokens int64) (int64, error) {
	if r.down {
		return 0, errStoreDown
	}
	r.tokens[key] += tokens
	return r.tokens[key], nil
}

func (r *memQuotaRepo) GetTokenCount(_ context.Context, key string) (int64, error) {
	if r.down {
		return 0, errStoreDown
	}
	return r.tokens[key], nil
}

func newTestQuota() (*QuotaUseCase, *memQuotaRepo) {
	repo := newMemQuotaRepo()
	return NewQuotaUseCase(repo, log.NewStdLogger(os.Stdout)), repo
}

func TestCheckQuotaTurnWindow(t *testing.T) {
	uc, _ := newTestQuota()
	ctx := context.Background()

	for i := 0; i < 120; i++ {
		require.NoError(t, uc.CheckQuota(ctx, "session-1", 0))
	}

	// The 121st turn in the window is rejected with a 429.
	err := uc.CheckQuota(ctx, "session-1", 0)
	require.Error(t, err)
	ke := kerrors.FromError(err)
	assert.Equal(t, int32(429), ke.Code)
	assert.Equal(t, "QUOTA_EXCEEDED", ke.Reason)

	// Other keys are unaffected.
	assert.NoError(t, uc.CheckQuota(ctx, "session-2", 0))
}

func TestCheckQuotaTokenHeadroom(t *testing.T) {
	uc, repo := newTestQuota()
	ctx := context.Background()

	repo.tokens["session-1"] = 249000

	assert.NoError(t, uc.CheckQuota(ctx, "session-1", 500))

	err := uc.CheckQuota(ctx, "session-1", 2000)
	require.Error(t, err)
	assert.Equal(t, "QUOTA_EXCEEDED", kerrors.FromError(err).Reason)

	// A zero estimate skips the token check entirely.
	assert.NoError(t, uc.CheckQuota(ctx, "session-1", 0))
}

func TestCheckQuotaAllowsOnCounterOutage(t *testing.T) {
	uc, repo := newTestQuota()
	repo.down = true

	assert.NoError(t, uc.CheckQuota(context.Background(), "session-1", 4000))
}

func TestConsumeQuota(t *testing.T) {
	uc, repo := newTestQuota()
	ctx := context.Background()

	require.NoError(t, uc.ConsumeQuota(ctx, "session-1", 1200))
	require.NoError(t, uc.ConsumeQuota(ctx, "session-1", 300))
	assert.Equal(t, int64(1500), repo.tokens["session-1"])

	// Non-positive usage is a no-op.
	require.NoError(t, uc.ConsumeQuota(ctx, "session-1", 0))
	assert.Equal(t, int64(1500), repo.tokens["session-1"])

	// Counter outage is swallowed.
	repo.down = true
	assert.NoError(t, uc.ConsumeQuota(ctx, "session-1", 100))
}
