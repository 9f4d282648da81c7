// Package events fans out drill state and log events to live subscribers.
//
// Delivery is best effort and there is no backlog: a subscriber only sees
// events published after it subscribed. Late subscribers re-fetch full state
// from the store (GET /api/drills/{id}/steps).
package events

import "github.com/harun/drillops/pkg/drill"

// EventType names a server to client message on an execution topic.
type EventType string

const (
	StepUpdate        EventType = "STEP_UPDATE"
	ScenarioUpdate    EventType = "SCENARIO_UPDATE"
	CriterionUpdate   EventType = "CRITERION_UPDATE"
	LevelStart        EventType = "LEVEL_START"
	ExecutionPaused   EventType = "EXECUTION_PAUSED_ON_FAILURE"
	ExecutionComplete EventType = "EXECUTION_COMPLETE"
	ExecutionError    EventType = "EXECUTION_ERROR"
	StepLogUpdate     EventType = "STEP_LOG_UPDATE"
)

// ExecutionEvent is the JSON frame sent on execution/{drillID}.
type ExecutionEvent struct {
	Type      EventType              `json:"type"`
	DrillID   string                 `json:"drill_id"`
	Seq       uint64                 `json:"seq"`
	Timestamp int64                  `json:"timestamp"`
	Step      *drill.StepRecord      `json:"step,omitempty"`
	Scenario  *drill.ScenarioRecord  `json:"scenario,omitempty"`
	Criterion *drill.CriterionRecord `json:"criterion,omitempty"`
	StepIDs   []string               `json:"step_ids,omitempty"`
	StepID    string                 `json:"step_id,omitempty"`
	Error     string                 `json:"error,omitempty"`
	LogChunk  string                 `json:"log_chunk,omitempty"`
	Stale     bool                   `json:"stale,omitempty"`
}

// Control is the terminal marker of a test run.
type Control string

const (
	TestRunComplete Control = "TEST_RUN_COMPLETE"
	TestRunFailed   Control = "TEST_RUN_FAILED"
	TestRunAborted  Control = "TEST_RUN_ABORTED"
)

const (
	TestRunLogType     = "log"
	TestRunControlType = "control"
	// TestRunErrorType replies to a rejected client command on one connection only.
	TestRunErrorType = "error"
)

// TestRunMessage is the JSON frame sent on scenario_test/{scenarioID}.
type TestRunMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Client to server command kinds.
const (
	CommandRetryStep = "RETRY_STEP"
	CommandSkipStep  = "SKIP_STEP"
	CommandAbortRun  = "ABORT_RUN"
)

// ClientCommand is an inbound message on either topic.
type ClientCommand struct {
	Type       string `json:"type"`
	StepID     string `json:"step_id,omitempty"`
	ScenarioID string `json:"scenario_id,omitempty"`
}

const (
	executionPrefix    = "execution/"
	scenarioTestPrefix = "scenario_test/"
)

// ExecutionTopic is the topic carrying a drill's execution events.
func ExecutionTopic(drillID string) string {
	return executionPrefix + drillID
}

// ScenarioTestTopic is the topic carrying a scenario's test-run messages.
func ScenarioTestTopic(scenarioID string) string {
	return scenarioTestPrefix + scenarioID
}
