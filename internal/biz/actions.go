package biz

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"Wardline/internal/conf"
	"Wardline/internal/model"
	pkgerrors "Wardline/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
)

// Feature toggle names the serving pipeline polls. Toggles are the shared
// action vocabulary: "is action X active" is one lookup regardless of which
// controller engaged it.
const (
	ToggleTokenCap       = "token_cap"
	ToggleToolCalls      = "tool_calls"
	ToggleModSlices      = "mod_slices"
	ToggleCompactSlices  = "compact_slices"
	ToggleModelDowngrade = "model_downgrade"
	TogglePreviewMode    = "preview_mode"
	ToggleAuthoringMode  = "authoring_mode"
)

// ActionApplier translates mitigation actions into action-sink writes.
// The token cap lives in a versioned toggle record rather than ambient
// process config, so the pipeline reads it per request and reversal restores
// the exact prior value.
type ActionApplier struct {
	sink            ActionSink
	baselineCap     int64
	downgradeTarget string
	logger          *log.Helper
	nowFn           func() time.Time
}

// NewActionApplier creates the shared applier used by the backpressure
// controller and the budget governor.
func NewActionApplier(cfg *conf.Governance, sink ActionSink, logger log.Logger) *ActionApplier {
	return &ActionApplier{
		sink:            sink,
		baselineCap:     cfg.Backpressure.TokenCapBaseline,
		downgradeTarget: cfg.Budget.DowngradeModel,
		logger:          log.NewHelper(logger),
		nowFn:           time.Now,
	}
}

// disableDurations scale tool/slice disablement with severity.
var disableDurations = map[model.Severity]time.Duration{
	model.SeverityLow:      1 * time.Minute,
	model.SeverityMedium:   5 * time.Minute,
	model.SeverityHigh:     15 * time.Minute,
	model.SeverityCritical: 30 * time.Minute,
}

// Apply engages one mitigation action and returns the engagement record
// carrying the metadata needed to reverse it exactly. Applying an action
// that is already engaged repeats the same idempotent write.
func (a *ActionApplier) Apply(ctx context.Context, action model.MitigationAction, severity model.Severity, source string) (model.EngagedAction, error) {
	engaged := model.EngagedAction{
		Action:    action,
		Severity:  severity,
		EnabledAt: a.nowFn().UTC(),
		Metadata:  map[string]interface{}{"source": source},
	}

	switch action {
	case model.ActionReduceInputTokens:
		oldCap := a.currentTokenCap(ctx)
		pct := 0.10
		if severity == model.SeverityCritical {
			pct = 0.20
		}
		newCap := int64(float64(oldCap) * (1 - pct))
		if newCap < 1 {
			newCap = 1
		}
		err := a.sink.SetToggle(ctx, ToggleTokenCap, true, map[string]interface{}{
			"cap":      newCap,
			"baseline": a.baselineCap,
			"source":   source,
		})
		if err != nil {
			return engaged, fmt.Errorf("reduce input tokens: %w", err)
		}
		engaged.Metadata["old_cap"] = oldCap
		engaged.Metadata["new_cap"] = newCap
		engaged.Metadata["reduction_pct"] = pct

	case model.ActionDisableToolCalls:
		if err := a.disableFeature(ctx, ToggleToolCalls, severity, source, engaged.Metadata); err != nil {
			return engaged, err
		}

	case model.ActionDisableModSlices:
		if err := a.disableFeature(ctx, ToggleModSlices, severity, source, engaged.Metadata); err != nil {
			return engaged, err
		}

	case model.ActionSwitchCompactSlices:
		err := a.sink.SetToggle(ctx, ToggleCompactSlices, true, map[string]interface{}{
			"source":   source,
			"severity": severity.String(),
		})
		if err != nil {
			return engaged, fmt.Errorf("switch compact slices: %w", err)
		}

	case model.ActionDowngradeModel:
		err := a.sink.SetToggle(ctx, ToggleModelDowngrade, true, map[string]interface{}{
			"target_model": a.downgradeTarget,
			"source":       source,
		})
		if err != nil {
			return engaged, fmt.Errorf("downgrade model: %w", err)
		}
		engaged.Metadata["target_model"] = a.downgradeTarget

	default:
		return engaged, fmt.Errorf("unknown mitigation action: %s", action)
	}

	a.logger.Infow("mitigation action applied",
		"action", action.String(),
		"severity", severity.String(),
		"source", source)

	return engaged, nil
}

// Reverse restores the configuration an engagement recorded. Reversing an
// action that is already reversed repeats the same idempotent write.
func (a *ActionApplier) Reverse(ctx context.Context, engaged model.EngagedAction) error {
	switch engaged.Action {
	case model.ActionReduceInputTokens:
		oldCap := metaInt64(engaged.Metadata, "old_cap", a.baselineCap)
		err := a.sink.SetToggle(ctx, ToggleTokenCap, true, map[string]interface{}{
			"cap":      oldCap,
			"baseline": a.baselineCap,
			"restored": true,
		})
		if err != nil {
			return fmt.Errorf("restore token cap: %w", err)
		}

	case model.ActionDisableToolCalls:
		if err := a.sink.SetToggle(ctx, ToggleToolCalls, true, map[string]interface{}{"restored": true}); err != nil {
			return fmt.Errorf("restore tool calls: %w", err)
		}

	case model.ActionDisableModSlices:
		if err := a.sink.SetToggle(ctx, ToggleModSlices, true, map[string]interface{}{"restored": true}); err != nil {
			return fmt.Errorf("restore mod slices: %w", err)
		}

	case model.ActionSwitchCompactSlices:
		if err := a.sink.SetToggle(ctx, ToggleCompactSlices, false, map[string]interface{}{"restored": true}); err != nil {
			return fmt.Errorf("restore full slices: %w", err)
		}

	case model.ActionDowngradeModel:
		if err := a.sink.SetToggle(ctx, ToggleModelDowngrade, false, map[string]interface{}{"restored": true}); err != nil {
			return fmt.Errorf("restore model: %w", err)
		}

	default:
		return fmt.Errorf("unknown mitigation action: %s", engaged.Action)
	}

	a.logger.Infow("mitigation action reversed", "action", engaged.Action.String())
	return nil
}

// HardStop disables every non-essential feature unconditionally. Each
// toggle write is attempted independently; failures are collected so partial
// application stays visible to the caller.
func (a *ActionApplier) HardStop(ctx context.Context, source string) map[string]string {
	failures := map[string]string{}
	for _, name := range []string{ToggleToolCalls, ToggleModSlices, TogglePreviewMode, ToggleAuthoringMode} {
		err := a.sink.SetToggle(ctx, name, false, map[string]interface{}{
			"hard_stop": true,
			"source":    source,
		})
		if err != nil {
			failures[name] = err.Error()
			a.logger.Errorw("hard stop toggle failed", "feature", name, "error", err)
			continue
		}
	}
	return failures
}

// disableFeature turns a feature off for a severity-scaled duration and
// records the feature on the engagement metadata for reversal.
func (a *ActionApplier) disableFeature(ctx context.Context, name string, severity model.Severity, source string, meta map[string]interface{}) error {
	duration := disableDurations[severity]
	err := a.sink.SetToggle(ctx, name, false, map[string]interface{}{
		"source":       source,
		"severity":     severity.String(),
		"disabled_for": duration.String(),
	})
	if err != nil {
		return fmt.Errorf("disable %s: %w", name, err)
	}
	meta["feature"] = name
	meta["disabled_for"] = duration.String()
	return nil
}

// currentTokenCap reads the live token cap, falling back to the configured
// baseline when the toggle has never been written or the sink is unreachable.
func (a *ActionApplier) currentTokenCap(ctx context.Context) int64 {
	toggle, err := a.sink.GetToggle(ctx, ToggleTokenCap)
	if err != nil {
		if !pkgerrors.IsNotFoundError(err) {
			a.logger.Warnw("token cap read failed, using baseline", "error", err)
		}
		return a.baselineCap
	}
	return metaInt64(toggle.Conditions, "cap", a.baselineCap)
}

// metaInt64 reads a numeric metadata value that may have round-tripped
// through JSON as float64.
func metaInt64(m map[string]interface{}, key string, def int64) int64 {
	if m == nil {
		return def
	}
	switch v := m[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	}
	return def
}
