package model

import "time"

// MitigationAction is a member of the fixed, severity-ordered action vocabulary
// shared by the backpressure controller and the budget governor.
// The declaration order is the escalation order.
type MitigationAction string

const (
	// ActionReduceInputTokens shrinks the serving token cap.
	ActionReduceInputTokens MitigationAction = "reduce_input_tokens"

	// ActionDisableToolCalls turns off tool-call execution for a duration.
	ActionDisableToolCalls MitigationAction = "disable_tool_calls"

	// ActionDisableModSlices turns off mod (user-content) slices.
	ActionDisableModSlices MitigationAction = "disable_mod_slices"

	// ActionSwitchCompactSlices switches prompt assembly to compact slices.
	ActionSwitchCompactSlices MitigationAction = "switch_compact_slices"

	// ActionDowngradeModel routes turns to the cheaper fallback model.
	ActionDowngradeModel MitigationAction = "downgrade_model"
)

// ActionOrder is the fixed escalation order. Severity tiers engage a prefix
// of this slice: low the first two, medium three, high four, critical all five.
var ActionOrder = []MitigationAction{
	ActionReduceInputTokens,
	ActionDisableToolCalls,
	ActionDisableModSlices,
	ActionSwitchCompactSlices,
	ActionDowngradeModel,
}

// String returns the string representation of MitigationAction.
func (a MitigationAction) String() string {
	return string(a)
}

// Severity classifies how far a metric has crossed its threshold or how
// severe an incident is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// String returns the string representation of Severity.
func (s Severity) String() string {
	return string(s)
}

// EngagedAction records one applied mitigation action together with the
// reversal metadata needed to restore the prior configuration exactly.
type EngagedAction struct {
	Action    MitigationAction       `json:"action"`
	Severity  Severity               `json:"severity"`
	EnabledAt time.Time              `json:"enabled_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}
