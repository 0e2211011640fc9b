package model

import "time"

// BackpressureMetricState is the durable state of one monitored metric,
// keyed by metric name (latency_p95, queue_depth, token_queue).
// IsActive is true exactly while the last observed value exceeded the
// threshold and no recovery has yet occurred.
type BackpressureMetricState struct {
	MetricName     string
	CurrentValue   float64
	ThresholdValue float64
	IsActive       bool
	// ActionsTaken holds the currently engaged actions with their reversal
	// metadata, in the order they were applied.
	ActionsTaken []EngagedAction
	Version      int64
	UpdatedAt    time.Time
}

// BackpressureUpdate is the outcome of one UpdateMetric cycle.
type BackpressureUpdate struct {
	MetricName      string             `json:"metric_name"`
	CurrentValue    float64            `json:"current_value"`
	ThresholdValue  float64            `json:"threshold_value"`
	Triggered       bool               `json:"triggered"`
	Recovered       bool               `json:"recovered"`
	Severity        Severity           `json:"severity,omitempty"`
	ActionsApplied  []MitigationAction `json:"actions_applied,omitempty"`
	ActionsReversed []MitigationAction `json:"actions_reversed,omitempty"`
	// ActionErrors records per-action failures; a failed action never aborts
	// the remaining actions of the same cycle.
	ActionErrors map[MitigationAction]string `json:"action_errors,omitempty"`
}

// BackpressureStats summarizes the controller for the ops surface.
type BackpressureStats struct {
	MetricsMonitored int      `json:"metrics_monitored"`
	ActiveMetrics    int      `json:"active_metrics"`
	ActionsActive    int      `json:"actions_active"`
	ActiveNames      []string `json:"active_names,omitempty"`
}
