package cron

import "time"

// JobKind distinguishes drill schedules from maintenance jobs.
type JobKind string

const (
	JobKindDrill JobKind = "drill"
	JobKindSweep JobKind = "sweep"
)

// Schedule starts a whole scenario under a fresh drill id each time Expr fires.
type Schedule struct {
	Name       string `json:"name" mapstructure:"name"`
	ScenarioID string `json:"scenario_id" mapstructure:"scenario_id"`
	Expr       string `json:"cron" mapstructure:"cron"`
}

// JobState tracks runtime state of a job
type JobState struct {
	NextRunAt         time.Time `json:"next_run_at,omitempty"`
	LastRunAt         time.Time `json:"last_run_at,omitempty"`
	LastStatus        string    `json:"last_status,omitempty"` // "ok" or "error"
	LastError         string    `json:"last_error,omitempty"`
	LastDrillID       string    `json:"last_drill_id,omitempty"`
	Runs              int       `json:"runs"`
	ConsecutiveErrors int       `json:"consecutive_errors,omitempty"`
}

// Job is a registered schedule with its state.
type Job struct {
	Name       string   `json:"name"`
	Kind       JobKind  `json:"kind"`
	ScenarioID string   `json:"scenario_id,omitempty"`
	Expr       string   `json:"cron"`
	State      JobState `json:"state"`
}

// EventAction describes what happened to a job.
type EventAction string

const (
	EventActionStarted  EventAction = "started"
	EventActionFinished EventAction = "finished"
)

// Event is passed to ServiceOptions.OnEvent.
type Event struct {
	Action  EventAction `json:"action"`
	Job     string      `json:"job"`
	DrillID string      `json:"drill_id,omitempty"`
	Status  string      `json:"status,omitempty"`
	Error   string      `json:"error,omitempty"`
}
