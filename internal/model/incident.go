package model

import "time"

// IncidentStatus tracks the lifecycle of an operator-visible incident.
type IncidentStatus string

const (
	IncidentOpen     IncidentStatus = "open"
	IncidentResolved IncidentStatus = "resolved"
)

// Incident is one append-only operator-visible record. Every threshold
// crossing and every hard stop produces one; no degradation action is silent.
type Incident struct {
	Severity         Severity       `json:"severity"`
	Scope            string         `json:"scope"`  // circuit | backpressure | budget
	Metric           string         `json:"metric"` // service, metric, or period key
	ObservedValue    float64        `json:"observed_value"`
	ThresholdValue   float64        `json:"threshold_value"`
	Status           IncidentStatus `json:"status"`
	SuggestedActions []string       `json:"suggested_actions,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// FeatureToggle is one row of the shared action sink. The serving pipeline
// polls toggles to learn which mitigation actions are active; writes are
// last-writer-wins per feature name.
type FeatureToggle struct {
	FeatureName string                 `json:"feature_name"`
	Enabled     bool                   `json:"enabled"`
	Conditions  map[string]interface{} `json:"conditions,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
}
