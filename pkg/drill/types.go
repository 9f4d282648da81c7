// Package drill defines the data model shared by the execution engine: steps,
// their execution statuses, and the records persisted per drill.
package drill

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a step within one drill.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "InProgress"
	StatusSuccess    Status = "Completed-Success"
	StatusFailure    Status = "Completed-Failure"
	StatusSkipped    Status = "Completed-Skipped"
)

// IsTerminal reports whether the status is one of the Completed-* states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusSkipped:
		return true
	}
	return false
}

// Satisfies reports whether a predecessor in this status unblocks its dependents.
func (s Status) Satisfies() bool {
	return s == StatusSuccess || s == StatusSkipped
}

// ParseStatus validates a status string received from an operator.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	switch s {
	case StatusPending, StatusInProgress, StatusSuccess, StatusFailure, StatusSkipped:
		return s, nil
	}
	return "", fmt.Errorf("unknown step status %q", raw)
}

const (
	// AssigneeAutomation marks records written by the remote command executor.
	AssigneeAutomation = "system:automation"
	// AssigneeOverride marks records written by an operator override.
	AssigneeOverride = "system:manual-override"
)

// Step is one unit of work in a scenario. Steps are immutable once a drill starts.
type Step struct {
	ID         string        `json:"id" yaml:"id"`
	ScenarioID string        `json:"scenario_id" yaml:"-"`
	Name       string        `json:"name" yaml:"name"`
	Command    string        `json:"command" yaml:"command"`
	TargetHost string        `json:"target_host" yaml:"host"`
	TargetUser string        `json:"target_user" yaml:"user"`
	DependsOn  []string      `json:"depends_on,omitempty" yaml:"depends_on"`
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"-"`
}

// StepRecord is the persisted execution state of a step, keyed by (DrillID, StepID).
type StepRecord struct {
	DrillID     string     `json:"drill_id"`
	StepID      string     `json:"step_id"`
	Status      Status     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ResultText  string     `json:"result_text"`
	Assignee    string     `json:"assignee,omitempty"`
}

// ScenarioRecord holds an operator-confirmed overall scenario result.
type ScenarioRecord struct {
	DrillID     string    `json:"drill_id"`
	ScenarioID  string    `json:"scenario_id"`
	FinalStatus string    `json:"final_status"`
	FinalReason string    `json:"final_reason"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// CriterionStatus is the outcome of a checkpoint evaluation.
type CriterionStatus string

const (
	CriterionPass CriterionStatus = "Pass"
	CriterionFail CriterionStatus = "Fail"
)

// ParseCriterionStatus validates a checkpoint outcome.
func ParseCriterionStatus(raw string) (CriterionStatus, error) {
	switch CriterionStatus(raw) {
	case CriterionPass, CriterionFail:
		return CriterionStatus(raw), nil
	}
	return "", fmt.Errorf("unknown criterion status %q", raw)
}

// CriterionRecord is a persisted checkpoint evaluation.
type CriterionRecord struct {
	DrillID     string          `json:"drill_id"`
	CriterionID string          `json:"criterion_id"`
	Status      CriterionStatus `json:"status"`
	CheckedBy   string          `json:"checked_by"`
	CheckedAt   time.Time       `json:"checked_at"`
}

// TimePtr returns a pointer to a UTC copy of t.
func TimePtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
