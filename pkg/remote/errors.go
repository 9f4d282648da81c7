package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig is returned when a step lacks a command, target user or target host
	ErrConfig = errors.New("step configuration incomplete")

	// ErrSpawn is returned when the remote command process could not be created
	ErrSpawn = errors.New("failed to spawn remote command")

	// ErrTimeout is returned when a step outlives its effective timeout and is killed
	ErrTimeout = errors.New("step timed out")

	// ErrRemoteExit is returned when the remote command exits with a nonzero code
	ErrRemoteExit = errors.New("remote command failed")

	// ErrAborted is returned when a step is killed because its run was cancelled
	ErrAborted = errors.New("step aborted")
)

// StepError describes why a step ended in Completed-Failure. Kind is one of
// the sentinel errors above.
type StepError struct {
	Kind     error
	StepID   string
	ExitCode int
	Detail   string
}

func (e *StepError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("step %s: %v", e.StepID, e.Kind)
	}
	return fmt.Sprintf("step %s: %v: %s", e.StepID, e.Kind, e.Detail)
}

func (e *StepError) Unwrap() error {
	return e.Kind
}
