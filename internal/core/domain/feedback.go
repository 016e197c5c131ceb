package domain

import "time"

// FeedbackMode governs when (and whether) feedback functions run after a
// record is assembled.
type FeedbackMode string

const (
	// FeedbackModeNone disables feedback dispatch entirely.
	FeedbackModeNone FeedbackMode = "none"
	// FeedbackModeWithApp evaluates feedback inline, blocking the caller.
	FeedbackModeWithApp FeedbackMode = "with_app"
	// FeedbackModeWithAppThread evaluates in a background goroutine, still
	// inside this process.
	FeedbackModeWithAppThread FeedbackMode = "with_app_thread"
	// FeedbackModeDeferred writes a pending marker for an out-of-process
	// evaluator to pick up later.
	FeedbackModeDeferred FeedbackMode = "deferred"
)

// FeedbackDef describes one feedback function to run against records.
// Evaluation itself lives behind the FeedbackRunner port.
type FeedbackDef struct {
	FeedbackDefinitionID string         `json:"feedback_definition_id"`
	Name                 string         `json:"name"`
	Implementation       string         `json:"implementation,omitempty"`
	Selectors            map[string]any `json:"selectors,omitempty"`
}

// FeedbackStatus is the lifecycle state of one feedback evaluation.
type FeedbackStatus string

const (
	FeedbackStatusPending FeedbackStatus = "pending"
	FeedbackStatusRunning FeedbackStatus = "running"
	FeedbackStatusDone    FeedbackStatus = "done"
	FeedbackStatusFailed  FeedbackStatus = "failed"
)

// FeedbackResult is the outcome (or pending marker) of evaluating one
// feedback definition against one record.
type FeedbackResult struct {
	FeedbackResultID     string         `json:"feedback_result_id"`
	RecordID             string         `json:"record_id"`
	FeedbackDefinitionID string         `json:"feedback_definition_id"`
	Name                 string         `json:"name"`
	Status               FeedbackStatus `json:"status"`
	Error                string         `json:"error,omitempty"`
	Result               float64        `json:"result"`
	Calls                []any          `json:"calls,omitempty"`
	MultiResult          string         `json:"multi_result,omitempty"`
	LastTS               time.Time      `json:"last_ts"`
}
