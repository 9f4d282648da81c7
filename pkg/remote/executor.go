// Package remote runs step commands on target hosts and records their outcome.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/drillops/internal/observability"
	"github.com/harun/drillops/internal/tracing"
	"github.com/harun/drillops/pkg/drill"
	"github.com/harun/drillops/pkg/events"
	"github.com/harun/drillops/pkg/store"
)

const (
	// DefaultFallbackTimeout applies when neither the step nor settings define a timeout.
	DefaultFallbackTimeout = 5 * time.Minute

	// DefaultPersistRetries is the number of extra attempts for a failed record write.
	DefaultPersistRetries = 3

	// TimeoutMarker prefixes the result text line of a step killed by its timeout.
	TimeoutMarker = "[TIMEOUT]"
)

// Config configures an Executor.
type Config struct {
	Store    store.StepStore
	Settings store.Settings
	Emitter  *events.Emitter
	Command  CommandBuilder

	FallbackTimeout time.Duration
	PersistRetries  int
	RetryBackoff    time.Duration
	WaitDelay       time.Duration

	Logger zerolog.Logger
}

// Executor runs one step at a time per call; calls are independent and may run concurrently.
type Executor struct {
	store    store.StepStore
	settings store.Settings
	emitter  *events.Emitter
	command  CommandBuilder

	fallbackTimeout time.Duration
	persistRetries  int
	retryBackoff    time.Duration
	waitDelay       time.Duration

	logger zerolog.Logger
	now    func() time.Time
}

// Outcome is the terminal result of a step. Err is a *StepError when the step failed.
type Outcome struct {
	Record    drill.StepRecord
	Err       error
	Persisted bool
}

// Succeeded reports whether the step satisfies its dependents.
func (o Outcome) Succeeded() bool {
	return o.Record.Status.Satisfies()
}

// NewExecutor validates cfg and fills defaults.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Store == nil {
		return nil, errors.New("remote: step store is required")
	}
	if cfg.Emitter == nil {
		return nil, errors.New("remote: emitter is required")
	}
	if cfg.Command == nil {
		cfg.Command = SSHCommand("ssh", nil)
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = DefaultFallbackTimeout
	}
	if cfg.PersistRetries < 0 {
		cfg.PersistRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 2 * time.Second
	}

	return &Executor{
		store:           cfg.Store,
		settings:        cfg.Settings,
		emitter:         cfg.Emitter,
		command:         cfg.Command,
		fallbackTimeout: cfg.FallbackTimeout,
		persistRetries:  cfg.PersistRetries,
		retryBackoff:    cfg.RetryBackoff,
		waitDelay:       cfg.WaitDelay,
		logger:          cfg.Logger.With().Str("component", "executor").Logger(),
		now:             time.Now,
	}, nil
}

// Execute runs step for drillID to a terminal state. It persists and
// broadcasts the InProgress record, runs the command under its effective
// timeout, then persists and broadcasts the terminal record.
func (e *Executor) Execute(ctx context.Context, drillID string, step drill.Step) Outcome {
	ctx = tracing.WithStepID(tracing.WithScenarioID(tracing.NewDrillContext(ctx, drillID), step.ScenarioID), step.ID)
	ctx, span := tracing.StartSpan(ctx, "drill.step", attribute.String("drill.target_host", step.TargetHost))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, e.logger)
	persistCtx := context.WithoutCancel(ctx)

	startedAt := e.now()
	running := drill.StepRecord{
		DrillID:   drillID,
		StepID:    step.ID,
		Status:    drill.StatusInProgress,
		StartedAt: drill.TimePtr(startedAt),
		Assignee:  drill.AssigneeAutomation,
	}
	if saved, err := e.persist(persistCtx, logger, running); err != nil {
		e.emitter.Error(drillID, step.ID, fmt.Sprintf("failed to record step start: %v", err), true)
	} else {
		e.emitter.StepUpdate(drillID, saved)
	}

	timeout := e.resolveTimeout(ctx, logger, step)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	output, stepErr := e.run(ctx, logger, drillID, step, timeout, timer.C)

	final := running
	final.CompletedAt = drill.TimePtr(e.now())
	final.ResultText = output
	if stepErr == nil {
		final.Status = drill.StatusSuccess
	} else {
		final.Status = drill.StatusFailure
		final.ResultText = appendLine(output, failureLine(stepErr, timeout))
		span.SetStatus(codes.Error, stepErr.Error())
	}

	observability.RecordStep(string(final.Status), final.CompletedAt.Sub(startedAt))
	logger.Info().
		Str("status", string(final.Status)).
		Dur("duration", final.CompletedAt.Sub(startedAt)).
		Msg("Step finished")

	outcome := Outcome{Record: final}
	if stepErr != nil {
		outcome.Err = stepErr
	}

	saved, err := e.persist(persistCtx, logger, final)
	if err != nil {
		e.emitter.Error(drillID, step.ID, fmt.Sprintf("failed to record step result: %v", err), true)
		return outcome
	}
	outcome.Record = saved
	outcome.Persisted = true
	e.emitter.StepUpdate(drillID, saved)
	return outcome
}

// run validates the step, spawns its command and waits for the first of exit,
// timeout or cancellation. It returns the accumulated output.
func (e *Executor) run(ctx context.Context, logger zerolog.Logger, drillID string, step drill.Step, timeout time.Duration, expired <-chan time.Time) (string, *StepError) {
	if missing := MissingFields(step); len(missing) > 0 {
		logger.Warn().Strs("missing", missing).Msg("Step is not runnable")
		return "", &StepError{Kind: ErrConfig, StepID: step.ID, ExitCode: -1, Detail: "missing " + strings.Join(missing, ", ")}
	}

	var (
		mu  sync.Mutex
		out strings.Builder
	)
	onChunk := func(_ Stream, chunk []byte) {
		mu.Lock()
		out.Write(chunk)
		mu.Unlock()
		e.emitter.StepLog(drillID, step.ID, string(chunk))
	}
	output := func() string {
		mu.Lock()
		defer mu.Unlock()
		return out.String()
	}

	proc, err := Spawn(e.command(step.TargetHost, step.TargetUser, step.Command), onChunk, e.waitDelay)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to spawn step command")
		return output(), &StepError{Kind: ErrSpawn, StepID: step.ID, ExitCode: -1, Detail: err.Error()}
	}

	var cause error
	select {
	case <-proc.Done():
	case <-expired:
		if proc.Kill() {
			cause = ErrTimeout
			logger.Warn().Dur("timeout", timeout).Msg("Step timed out, process killed")
		}
	case <-ctx.Done():
		if proc.Kill() {
			cause = ErrAborted
			logger.Warn().Err(ctx.Err()).Msg("Step cancelled, process killed")
		}
	}
	<-proc.Done()

	res := proc.Result()
	switch res.State {
	case StateExited:
		if res.ExitCode == 0 {
			return output(), nil
		}
		return output(), &StepError{Kind: ErrRemoteExit, StepID: step.ID, ExitCode: res.ExitCode, Detail: fmt.Sprintf("exit code %d", res.ExitCode)}
	case StateKilled:
		if cause == nil {
			cause = ErrAborted
		}
		detail := "killed"
		if errors.Is(cause, ErrTimeout) {
			detail = fmt.Sprintf("no exit within %s", timeout)
		}
		return output(), &StepError{Kind: cause, StepID: step.ID, ExitCode: -1, Detail: detail}
	default:
		return output(), &StepError{Kind: ErrSpawn, StepID: step.ID, ExitCode: -1, Detail: fmt.Sprint(res.Err)}
	}
}

// resolveTimeout prefers the step override, then the settings default read
// fresh from the store, then the fallback.
func (e *Executor) resolveTimeout(ctx context.Context, logger zerolog.Logger, step drill.Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	if e.settings != nil {
		d, err := e.settings.DefaultStepTimeout(ctx)
		if err == nil && d > 0 {
			return d
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Warn().Err(err).Msg("Failed to read default step timeout, using fallback")
		}
	}
	return e.fallbackTimeout
}

func (e *Executor) persist(ctx context.Context, logger zerolog.Logger, rec drill.StepRecord) (drill.StepRecord, error) {
	var lastErr error
	for attempt := 0; attempt <= e.persistRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * e.retryBackoff)
		}
		saved, err := e.store.UpsertStepRecord(ctx, rec)
		if err == nil {
			return saved, nil
		}
		lastErr = err
		observability.RecordPersistFailure()
		logger.Error().
			Err(err).
			Int("attempt", attempt+1).
			Str("status", string(rec.Status)).
			Msg("Failed to persist step record")
	}
	return rec, lastErr
}

func failureLine(err *StepError, timeout time.Duration) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return fmt.Sprintf("%s command did not exit within %s and was killed", TimeoutMarker, timeout)
	case errors.Is(err, ErrRemoteExit):
		return fmt.Sprintf("Exit code: %d", err.ExitCode)
	case errors.Is(err, ErrConfig):
		return "Configuration error: " + err.Detail
	case errors.Is(err, ErrAborted):
		return "Aborted: process killed"
	default:
		return "Spawn error: " + err.Detail
	}
}

func appendLine(text, line string) string {
	if text == "" {
		return line
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return text + line
}
