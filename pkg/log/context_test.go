package log

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateRequestID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := GenerateRequestID()
		assert.Len(t, id, 10)
		for _, c := range id {
			assert.Contains(t, base36Chars, string(c))
		}
		seen[id] = true
	}
	// Collisions across 100 draws would indicate a broken generator.
	assert.Greater(t, len(seen), 95)
}

func TestWithRequestContext(t *testing.T) {
	ctx := WithRequestContext(context.Background(), "abc123def4")

	assert.Equal(t, "abc123def4", GetRequestID(ctx))

	reqCtx := GetRequestContext(ctx)
	assert.False(t, reqCtx.StartTime.IsZero())
	assert.NotNil(t, reqCtx.Metadata)
	assert.GreaterOrEqual(t, GetElapsedTime(ctx), int64(0))
}

func TestGetRequestContext_Missing(t *testing.T) {
	assert.Equal(t, "unknown", GetRequestID(context.Background()))

	var nilCtx context.Context
	assert.Equal(t, "unknown", GetRequestID(nilCtx))
}
