package data

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test AcquireProbe - SETNX semantics across competing instances
func TestAcquireProbe(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	defer rdb.Close()

	repo := &CircuitStateRepo{
		rdb:    rdb,
		logger: log.NewHelper(log.NewStdLogger(os.Stdout)),
	}

	ctx := context.Background()

	acquired, err := repo.AcquireProbe(ctx, "model-provider", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)

	// A second claimant loses while the marker is held.
	acquired, err = repo.AcquireProbe(ctx, "model-provider", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired)

	// Markers are per service.
	acquired, err = repo.AcquireProbe(ctx, "asset-store", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)
}

// Test ReleaseProbe - marker can be reacquired after release
func TestReleaseProbe(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	defer rdb.Close()

	repo := &CircuitStateRepo{
		rdb:    rdb,
		logger: log.NewHelper(log.NewStdLogger(os.Stdout)),
	}

	ctx := context.Background()

	acquired, err := repo.AcquireProbe(ctx, "model-provider", 30*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, repo.ReleaseProbe(ctx, "model-provider"))

	acquired, err = repo.AcquireProbe(ctx, "model-provider", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)
}

// Test probe marker expiry - a crashed prober never wedges the breaker
func TestAcquireProbe_TTLExpiry(t *testing.T) {
	rdb, mr := setupTestRedis(t)
	defer rdb.Close()

	repo := &CircuitStateRepo{
		rdb:    rdb,
		logger: log.NewHelper(log.NewStdLogger(os.Stdout)),
	}

	ctx := context.Background()

	acquired, err := repo.AcquireProbe(ctx, "model-provider", 30*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	mr.FastForward(31 * time.Second)

	acquired, err = repo.AcquireProbe(ctx, "model-provider", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)
}

// Test nil Redis client
func TestProbe_NilClient(t *testing.T) {
	repo := &CircuitStateRepo{
		logger: log.NewHelper(log.NewStdLogger(os.Stdout)),
	}

	_, err := repo.AcquireProbe(context.Background(), "model-provider", time.Second)
	assert.Error(t, err)
	assert.Error(t, repo.ReleaseProbe(context.Background(), "model-provider"))
}
