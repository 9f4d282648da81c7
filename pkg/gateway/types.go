package gateway

import (
	"time"

	"github.com/harun/drillops/pkg/drill"
	"github.com/harun/drillops/pkg/scheduler"
)

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID           string    `json:"id"`
	Topic        string    `json:"topic"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	Idle         bool      `json:"idle"`
}

// ExecuteRequest starts or resumes a drill.
type ExecuteRequest struct {
	ScenarioID string   `json:"scenario_id"`
	StepIDs    []string `json:"step_ids"`
}

// RetryRequest retries a failed step.
type RetryRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// OverrideRequest forces a step into a terminal status.
type OverrideRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// ConfirmRequest declares a scenario's final result.
type ConfirmRequest struct {
	FinalStatus string `json:"final_status"`
	Reason      string `json:"reason"`
}

// EvaluateRequest records a checkpoint criterion result.
type EvaluateRequest struct {
	Status    string `json:"status"`
	CheckedBy string `json:"checked_by"`
}

// StepsResponse is the full-state query late subscribers use.
type StepsResponse struct {
	DrillID string              `json:"drill_id"`
	Steps   []drill.StepRecord  `json:"steps"`
	Run     *scheduler.Snapshot `json:"run,omitempty"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}
