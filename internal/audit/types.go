package audit

import "time"

// #region adaptation-record
// Action classifies how a feature's position changed between two plans.
type Action string

const (
	ActionPromoted   Action = "promoted"
	ActionDemoted    Action = "demoted"
	ActionMaintained Action = "maintained"
)

// AdaptationRecord is a single row in the adaptation_records table. Position
// 0 means hidden or absent.
type AdaptationRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	FeatureID   string    `json:"feature_id"`
	Action      Action    `json:"action"`
	OldPosition int       `json:"old_position"`
	NewPosition int       `json:"new_position"`
	Policy      string    `json:"policy"`
	CreatedAt   time.Time `json:"created_at"`
}

// #endregion adaptation-record

// #region learning-event
// EventType enumerates operator-visible learning events.
type EventType string

const (
	EventRegressionDetected EventType = "regression_detected"
	EventRollback           EventType = "rollback"
	EventStageAdvanced      EventType = "stage_advanced"
	EventStudyStarted       EventType = "study_started"
	EventStudyCompleted     EventType = "study_completed"
	EventShadowPlan         EventType = "shadow_plan"
	EventBiasAlert          EventType = "bias_alert"
	EventDriftAlert         EventType = "drift_alert"
	EventPriorsAggregated   EventType = "priors_aggregated"
	EventPlanDegraded       EventType = "plan_degraded"
)

// LearningEvent is a single row in the learning_events table. Detail holds a
// JSON document whose shape depends on Type.
type LearningEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	StudyID   string    `json:"study_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Severity  string    `json:"severity,omitempty"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// #endregion learning-event
