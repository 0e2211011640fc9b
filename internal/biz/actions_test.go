package biz

import (
	"context"
	"os"
	"testing"

	"Wardline/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApplier() (*ActionApplier, *memSink) {
	sink := newMemSink()
	return NewActionApplier(testGovernanceConf(), sink, log.NewStdLogger(os.Stdout)), sink
}

func TestApplyReduceInputTokens(t *testing.T) {
	a, sink := newTestApplier()
	ctx := context.Background()

	engaged, err := a.Apply(ctx, model.ActionReduceInputTokens, model.SeverityHigh, "backpressure:latency_p95")
	require.NoError(t, err)

	// High severity trims 10 percent off the 8192 baseline.
	assert.Equal(t, int64(8192), metaInt64(engaged.Metadata, "old_cap", -1))
	assert.Equal(t, int64(7372), metaInt64(engaged.Metadata, "new_cap", -1))
	assert.Equal(t, int64(7372), metaInt64(sink.toggle(ToggleTokenCap).Conditions, "cap", -1))

	// A second reduction compounds on the live cap, not the baseline.
	engaged2, err := a.Apply(ctx, model.ActionReduceInputTokens, model.SeverityCritical, "backpressure:latency_p95")
	require.NoError(t, err)
	assert.Equal(t, int64(7372), metaInt64(engaged2.Metadata, "old_cap", -1))
	assert.Equal(t, int64(5897), metaInt64(engaged2.Metadata, "new_cap", -1))
}

func TestReverseRestoresTokenCap(t *testing.T) {
	a, sink := newTestApplier()
	ctx := context.Background()

	engaged, err := a.Apply(ctx, model.ActionReduceInputTokens, model.SeverityCritical, "backpressure:latency_p95")
	require.NoError(t, err)
	assert.Equal(t, int64(6553), metaInt64(sink.toggle(ToggleTokenCap).Conditions, "cap", -1))

	require.NoError(t, a.Reverse(ctx, engaged))
	assert.Equal(t, int64(8192), metaInt64(sink.toggle(ToggleTokenCap).Conditions, "cap", -1))
}

func TestReverseSurvivesJSONRoundTrip(t *testing.T) {
	a, sink := newTestApplier()
	ctx := context.Background()

	engaged, err := a.Apply(ctx, model.ActionReduceInputTokens, model.SeverityHigh, "backpressure:latency_p95")
	require.NoError(t, err)

	// Persisted engagements come back with JSON-decoded numbers.
	engaged.Metadata["old_cap"] = float64(8192)

	require.NoError(t, a.Reverse(ctx, engaged))
	assert.Equal(t, int64(8192), metaInt64(sink.toggle(ToggleTokenCap).Conditions, "cap", -1))
}

func TestApplyDisableActions(t *testing.T) {
	a, sink := newTestApplier()
	ctx := context.Background()

	engaged, err := a.Apply(ctx, model.ActionDisableToolCalls, model.SeverityMedium, "backpressure:queue_depth")
	require.NoError(t, err)
	assert.False(t, sink.toggle(ToggleToolCalls).Enabled)
	assert.Equal(t, "5m0s", engaged.Metadata["disabled_for"])

	_, err = a.Apply(ctx, model.ActionDisableModSlices, model.SeverityCritical, "backpressure:queue_depth")
	require.NoError(t, err)
	assert.False(t, sink.toggle(ToggleModSlices).Enabled)

	require.NoError(t, a.Reverse(ctx, engaged))
	assert.True(t, sink.toggle(ToggleToolCalls).Enabled)
}

func TestApplyCompactSlicesAndDowngrade(t *testing.T) {
	a, sink := newTestApplier()
	ctx := context.Background()

	_, err := a.Apply(ctx, model.ActionSwitchCompactSlices, model.SeverityHigh, "backpressure:token_queue")
	require.NoError(t, err)
	assert.True(t, sink.toggle(ToggleCompactSlices).Enabled)

	engaged, err := a.Apply(ctx, model.ActionDowngradeModel, model.SeverityHigh, "budget:2026-08")
	require.NoError(t, err)
	assert.True(t, sink.toggle(ToggleModelDowngrade).Enabled)
	assert.Equal(t, "small-v3", engaged.Metadata["target_model"])
	assert.Equal(t, "small-v3", sink.toggle(ToggleModelDowngrade).Conditions["target_model"])
}

func TestApplyUnknownAction(t *testing.T) {
	a, _ := newTestApplier()

	_, err := a.Apply(context.Background(), model.MitigationAction("drain_queue"), model.SeverityLow, "test")
	assert.Error(t, err)
	assert.Error(t, a.Reverse(context.Background(), model.EngagedAction{Action: "drain_queue"}))
}

func TestHardStopDisablesNonEssentialFeatures(t *testing.T) {
	a, sink := newTestApplier()

	failures := a.HardStop(context.Background(), "budget:2026-08")
	assert.Empty(t, failures)

	for _, name := range []string{ToggleToolCalls, ToggleModSlices, TogglePreviewMode, ToggleAuthoringMode} {
		require.NotNil(t, sink.toggle(name), name)
		assert.False(t, sink.toggle(name).Enabled, name)
		assert.Equal(t, true, sink.toggle(name).Conditions["hard_stop"])
	}
}

func TestHardStopCollectsFailures(t *testing.T) {
	a, sink := newTestApplier()
	sink.failing[ToggleModSlices] = errStoreDown

	failures := a.HardStop(context.Background(), "budget:2026-08")
	require.Len(t, failures, 1)
	assert.Contains(t, failures[ToggleModSlices], "connection refused")

	// The remaining toggles still went down.
	assert.False(t, sink.toggle(ToggleToolCalls).Enabled)
	assert.False(t, sink.toggle(TogglePreviewMode).Enabled)
}

func TestMetaInt64(t *testing.T) {
	assert.Equal(t, int64(7), metaInt64(map[string]interface{}{"v": int64(7)}, "v", 0))
	assert.Equal(t, int64(7), metaInt64(map[string]interface{}{"v": 7}, "v", 0))
	assert.Equal(t, int64(7), metaInt64(map[string]interface{}{"v": float64(7)}, "v", 0))
	assert.Equal(t, int64(9), metaInt64(map[string]interface{}{"v": "oops"}, "v", 9))
	assert.Equal(t, int64(9), metaInt64(nil, "v", 9))
	assert.Equal(t, int64(9), metaInt64(map[string]interface{}{}, "missing", 9))
}
