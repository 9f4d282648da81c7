// Package scheduler drives drill execution level by level and applies
// operator interventions to live runs.
//
// One run context exists per drill id. It is created by the first Start,
// merged by later starts while paused on failure, and discarded when the run
// completes naturally. A paused run stays resident until an operator resolves it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/drillops/internal/observability"
	"github.com/harun/drillops/internal/tracing"
	"github.com/harun/drillops/pkg/drill"
	"github.com/harun/drillops/pkg/events"
	"github.com/harun/drillops/pkg/graph"
	"github.com/harun/drillops/pkg/remote"
	"github.com/harun/drillops/pkg/store"
)

// StepSource returns the ordered steps of a scenario.
type StepSource interface {
	ScenarioSteps(ctx context.Context, scenarioID string) ([]drill.Step, error)
}

// StepRunner executes one step to a terminal state.
type StepRunner interface {
	Execute(ctx context.Context, drillID string, step drill.Step) remote.Outcome
}

// CompletionFunc is called after a drill completes naturally.
type CompletionFunc func(ctx context.Context, drillID string)

// Config configures a Scheduler.
type Config struct {
	Steps      StepSource
	Store      store.Store
	Runner     StepRunner
	Emitter    *events.Emitter
	OnComplete CompletionFunc
	Logger     zerolog.Logger
}

// Scheduler owns the run contexts of every drill served by this process.
type Scheduler struct {
	steps      StepSource
	store      store.Store
	runner     StepRunner
	emitter    *events.Emitter
	onComplete CompletionFunc
	logger     zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu   sync.Mutex
	runs map[string]*runContext
	wg   sync.WaitGroup
}

// New creates a scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Steps == nil || cfg.Store == nil || cfg.Runner == nil || cfg.Emitter == nil {
		return nil, errors.New("scheduler: steps, store, runner and emitter are required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		steps:      cfg.Steps,
		store:      cfg.Store,
		runner:     cfg.Runner,
		emitter:    cfg.Emitter,
		onComplete: cfg.OnComplete,
		logger:     cfg.Logger.With().Str("component", "scheduler").Logger(),
		baseCtx:    ctx,
		cancel:     cancel,
		runs:       make(map[string]*runContext),
	}, nil
}

// Start begins or resumes execution of stepIDs (all steps when empty) of
// scenarioID under drillID. It is a no-op returning ErrAlreadyActive when a
// non-failed run is resident for the drill.
func (s *Scheduler) Start(ctx context.Context, drillID, scenarioID string, stepIDs []string) error {
	logger := tracing.LoggerFromContext(tracing.WithDrillID(ctx, drillID), s.logger)

	for {
		s.mu.Lock()
		rc := s.runs[drillID]
		s.mu.Unlock()

		if rc != nil {
			rc.mu.Lock()
			if rc.closed {
				rc.mu.Unlock()
				continue
			}
			if !rc.paused() {
				rc.mu.Unlock()
				logger.Debug().Msg("Start ignored, execution already active")
				return ErrAlreadyActive
			}
			rc.mu.Unlock()
		}

		steps, plan, err := s.plan(ctx, drillID, scenarioID, stepIDs)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to plan execution")
			s.emitter.Error(drillID, "", err.Error(), false)
			return err
		}
		if len(plan.Blocked) > 0 {
			logger.Warn().Strs("blocked", plan.Blocked).Msg("Steps blocked by unsatisfied dependencies outside the run")
			s.emitter.Error(drillID, "", "steps blocked by unsatisfied dependencies: "+strings.Join(plan.Blocked, ", "), false)
		}

		if rc == nil {
			rc = newRunContext(s.runContextFor(ctx, drillID, scenarioID), drillID, scenarioID)
			s.mu.Lock()
			if _, exists := s.runs[drillID]; exists {
				s.mu.Unlock()
				continue
			}
			s.runs[drillID] = rc
			observability.SetActiveRuns(len(s.runs))
			s.mu.Unlock()
		}

		rc.mu.Lock()
		if rc.closed {
			rc.mu.Unlock()
			continue
		}
		if len(rc.steps) > 0 && !rc.paused() {
			// Another caller resumed the run between the check and now.
			rc.mu.Unlock()
			return ErrAlreadyActive
		}
		rc.mergeLocked(steps, plan)
		logger.Info().
			Str("scenario_id", scenarioID).
			Strs("ready", plan.Ready).
			Int("steps", len(plan.Order)).
			Msg("Execution started")
		s.kickLocked(rc)
		rc.mu.Unlock()
		return nil
	}
}

func (s *Scheduler) plan(ctx context.Context, drillID, scenarioID string, stepIDs []string) ([]drill.Step, *graph.Plan, error) {
	steps, err := s.steps.ScenarioSteps(ctx, scenarioID)
	if err != nil {
		return nil, nil, fmt.Errorf("load scenario %s: %w", scenarioID, err)
	}

	ids := make([]string, len(steps))
	for i, step := range steps {
		ids[i] = step.ID
	}
	records, err := s.store.GetStepRecords(ctx, drillID, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("load step records: %w", err)
	}

	plan, err := graph.Build(steps, stepIDs, store.Statuses(records))
	if err != nil {
		return nil, nil, err
	}
	return steps, plan, nil
}

func (s *Scheduler) runContextFor(ctx context.Context, drillID, scenarioID string) context.Context {
	runCtx := tracing.MergeContext(s.baseCtx, ctx)
	runCtx = tracing.WithScenarioID(runCtx, scenarioID)
	return tracing.NewDrillContext(runCtx, drillID)
}

// kickLocked starts the drive loop unless one is already running for rc.
func (s *Scheduler) kickLocked(rc *runContext) {
	if rc.processing || rc.closed {
		return
	}
	rc.processing = true
	s.wg.Add(1)
	go s.drive(rc)
}

// drive pops whole levels off the queue until it drains. Levels are strictly
// sequential; steps within a level run concurrently with no cap.
func (s *Scheduler) drive(rc *runContext) {
	defer s.wg.Done()
	logger := tracing.LoggerFromContext(rc.ctx, s.logger)

	for {
		rc.mu.Lock()
		if rc.ctx.Err() != nil {
			rc.processing = false
			rc.mu.Unlock()
			logger.Info().Msg("Drive loop stopped by shutdown")
			return
		}
		level := make([]drill.Step, 0, len(rc.queue))
		for _, id := range rc.queue {
			if rc.running[id] {
				continue
			}
			rc.running[id] = true
			level = append(level, rc.steps[id])
		}
		rc.queue = nil

		if len(level) == 0 {
			rc.processing = false
			done := rc.completeLocked()
			if done {
				rc.closed = true
				s.removeRun(rc)
			}
			rc.mu.Unlock()
			if done {
				s.finish(rc)
			}
			return
		}
		rc.mu.Unlock()

		outcomes := s.runLevel(rc, level)

		rc.mu.Lock()
		var failedNow []string
		applied := make([]remote.Outcome, 0, len(outcomes))
		for _, out := range outcomes {
			// An operator may have decided the step between its exit and now.
			if !rc.settled[out.Record.StepID] {
				continue
			}
			delete(rc.settled, out.Record.StepID)
			applied = append(applied, out)
			if !out.Succeeded() {
				msg := string(out.Record.Status)
				if out.Err != nil {
					msg = out.Err.Error()
				}
				rc.failed[out.Record.StepID] = msg
				failedNow = append(failedNow, out.Record.StepID)
			}
		}
		// Failures are recorded first so that dependents unlocked by successful
		// siblings are parked rather than queued.
		for _, out := range applied {
			if out.Succeeded() {
				rc.releaseLocked(out.Record.StepID)
			}
		}
		failedMsgs := make(map[string]string, len(failedNow))
		for _, id := range failedNow {
			failedMsgs[id] = rc.failed[id]
		}
		rc.mu.Unlock()

		for _, id := range failedNow {
			logger.Warn().Str("step_id", id).Str("error", failedMsgs[id]).Msg("Execution paused on failure")
			s.emitter.Paused(rc.drillID, id, failedMsgs[id])
		}
	}
}

func (s *Scheduler) runLevel(rc *runContext, level []drill.Step) []remote.Outcome {
	ids := make([]string, len(level))
	for i, step := range level {
		ids[i] = step.ID
	}

	ctx, span := tracing.StartSpan(rc.ctx, "drill.level", attribute.StringSlice("drill.step_ids", ids))
	defer span.End()

	observability.RecordLevel()
	s.emitter.LevelStart(rc.drillID, ids)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Strs("step_ids", ids).Msg("Level started")

	outcomes := make([]remote.Outcome, len(level))
	var wg sync.WaitGroup
	for i, step := range level {
		wg.Add(1)
		go func(i int, step drill.Step) {
			defer wg.Done()
			outcomes[i] = s.runner.Execute(ctx, rc.drillID, step)
			// Runners that cannot name the step still report for the right one.
			outcomes[i].Record.StepID = step.ID

			rc.mu.Lock()
			delete(rc.running, step.ID)
			rc.settled[step.ID] = true
			rc.mu.Unlock()
		}(i, step)
	}
	wg.Wait()
	return outcomes
}

// removeRun drops rc from the registry. Callers hold rc.mu, so a Start that
// sees the context closed finds the registry already cleared.
func (s *Scheduler) removeRun(rc *runContext) {
	s.mu.Lock()
	if s.runs[rc.drillID] == rc {
		delete(s.runs, rc.drillID)
	}
	observability.SetActiveRuns(len(s.runs))
	s.mu.Unlock()
}

func (s *Scheduler) finish(rc *runContext) {
	logger := tracing.LoggerFromContext(rc.ctx, s.logger)
	logger.Info().Msg("Execution complete")
	s.emitter.Complete(rc.drillID)
	if s.onComplete != nil {
		s.onComplete(context.WithoutCancel(rc.ctx), rc.drillID)
	}
}

func (s *Scheduler) lookup(drillID string) (*runContext, error) {
	s.mu.Lock()
	rc := s.runs[drillID]
	s.mu.Unlock()
	if rc == nil {
		return nil, ErrNoRun
	}
	return rc, nil
}

// Snapshot returns the live state of a drill's run, if resident.
func (s *Scheduler) Snapshot(drillID string) (Snapshot, bool) {
	rc, err := s.lookup(drillID)
	if err != nil {
		return Snapshot{}, false
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return Snapshot{}, false
	}
	return rc.snapshotLocked(), true
}

// ActiveDrills lists resident drill ids.
func (s *Scheduler) ActiveDrills() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until no drive loop is running.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Shutdown cancels in-flight steps and waits for drive loops to exit.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
