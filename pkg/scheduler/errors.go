package scheduler

import "errors"

var (
	// ErrAlreadyActive is returned by Start when a non-failed run is already resident for the drill
	ErrAlreadyActive = errors.New("execution already active for drill")

	// ErrNotPaused is returned by retry and skip when the run is not paused on failure
	ErrNotPaused = errors.New("execution is not paused on failure")

	// ErrNoRun is returned when no run context exists for the drill
	ErrNoRun = errors.New("no active execution for drill")

	// ErrUnknownStep is returned when a step is not part of the drill's run graph
	ErrUnknownStep = errors.New("step is not part of the execution")

	// ErrAlreadyResolved is returned when a step has already released its dependents
	ErrAlreadyResolved = errors.New("step already resolved")

	// ErrStepRunning is returned when an operator action targets a step that is executing
	ErrStepRunning = errors.New("step is currently running")

	// ErrInvalidStatus is returned for an override or confirmation status that is not terminal
	ErrInvalidStatus = errors.New("invalid status")
)
