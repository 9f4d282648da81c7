// Package testrun executes a scenario's steps sequentially as an isolated dry
// run, independent of the drill scheduler.
//
// Each run has a per-step and a whole-run timeout. Timeout, abort and normal
// completion all funnel into one cleanup that fires exactly once: it stops the
// run timer, unregisters the run, sends the terminal control message, kills the
// active process and closes subscriber connections after a grace delay.
package testrun

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/drillops/internal/observability"
	"github.com/harun/drillops/internal/tracing"
	"github.com/harun/drillops/pkg/drill"
	"github.com/harun/drillops/pkg/events"
	"github.com/harun/drillops/pkg/remote"
)

var (
	// ErrRunActive is returned when a test run is already active for the scenario
	ErrRunActive = errors.New("test run already active for scenario")

	// ErrNoActiveRun is returned when aborting a scenario without an active test run
	ErrNoActiveRun = errors.New("no active test run for scenario")
)

const (
	DefaultStepTimeout = 2 * time.Minute
	DefaultRunTimeout  = 15 * time.Minute
	DefaultCloseGrace  = 500 * time.Millisecond
)

// StepSource returns the ordered steps of a scenario.
type StepSource interface {
	ScenarioSteps(ctx context.Context, scenarioID string) ([]drill.Step, error)
}

// TopicCloser closes every subscriber of a topic.
type TopicCloser interface {
	CloseTopic(topic string) int
}

// Config configures a Manager.
type Config struct {
	Steps   StepSource
	Emitter *events.Emitter
	Topics  TopicCloser
	Command remote.CommandBuilder

	StepTimeout time.Duration
	RunTimeout  time.Duration
	CloseGrace  time.Duration
	WaitDelay   time.Duration

	Logger zerolog.Logger
}

// Manager is the registry of active test runs, one per scenario.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	mu   sync.Mutex
	runs map[string]*Run
	wg   sync.WaitGroup
}

// NewManager validates cfg and fills defaults.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Steps == nil || cfg.Emitter == nil || cfg.Topics == nil {
		return nil, errors.New("testrun: steps, emitter and topics are required")
	}
	if cfg.Command == nil {
		cfg.Command = remote.SSHCommand("ssh", nil)
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = DefaultCloseGrace
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 2 * time.Second
	}
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "testrun").Logger(),
		runs:   make(map[string]*Run),
	}, nil
}

// Start launches a test run of scenarioID.
func (m *Manager) Start(ctx context.Context, scenarioID string) (*Run, error) {
	m.mu.Lock()
	if _, ok := m.runs[scenarioID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRunActive, scenarioID)
	}
	m.mu.Unlock()

	steps, err := m.cfg.Steps.ScenarioSteps(ctx, scenarioID)
	if err != nil {
		return nil, fmt.Errorf("load scenario %s: %w", scenarioID, err)
	}

	runCtx := tracing.WithScenarioID(tracing.Detach(ctx), scenarioID)
	r := &Run{
		m:          m,
		scenarioID: scenarioID,
		steps:      steps,
		logger:     tracing.LoggerFromContext(runCtx, m.logger),
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
	}

	// Armed before the run is visible so every finish path can stop it.
	r.runTimer = time.AfterFunc(m.cfg.RunTimeout, func() {
		r.logger.Warn().Dur("timeout", m.cfg.RunTimeout).Msg("Test run timed out")
		r.log(fmt.Sprintf("Test run exceeded %s, aborting\n", m.cfg.RunTimeout))
		r.finish(events.TestRunFailed)
	})

	m.mu.Lock()
	if _, ok := m.runs[scenarioID]; ok {
		m.mu.Unlock()
		r.runTimer.Stop()
		return nil, fmt.Errorf("%w: %s", ErrRunActive, scenarioID)
	}
	m.runs[scenarioID] = r
	m.mu.Unlock()
	if r.isStopped() {
		m.remove(r)
	}

	r.logger.Info().Int("steps", len(steps)).Msg("Test run started")
	m.wg.Add(1)
	go r.loop()
	return r, nil
}

// Abort kills the active process of scenarioID's run and ends it as aborted.
func (m *Manager) Abort(scenarioID string) error {
	m.mu.Lock()
	r := m.runs[scenarioID]
	m.mu.Unlock()
	if r == nil {
		return fmt.Errorf("%w: %s", ErrNoActiveRun, scenarioID)
	}
	r.logger.Info().Msg("Test run abort requested")
	r.finish(events.TestRunAborted)
	return nil
}

// Active reports whether scenarioID has a running test run.
func (m *Manager) Active(scenarioID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runs[scenarioID]
	return ok
}

// Wait blocks until every run loop has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown aborts every active run and waits for their loops.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	runs := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.Unlock()

	for _, r := range runs {
		r.finish(events.TestRunAborted)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) remove(r *Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runs[r.scenarioID] == r {
		delete(m.runs, r.scenarioID)
	}
}

// Run is one active test run.
type Run struct {
	m          *Manager
	scenarioID string
	steps      []drill.Step
	logger     zerolog.Logger
	runTimer   *time.Timer

	mu      sync.Mutex
	proc    *remote.Process
	stopped bool
	result  events.Control

	once   sync.Once
	kills  atomic.Int32
	done   chan struct{}
	closed chan struct{}
}

// ScenarioID returns the scenario under test.
func (r *Run) ScenarioID() string { return r.scenarioID }

// Done is closed once the terminal control message has been sent.
func (r *Run) Done() <-chan struct{} { return r.done }

// Closed is closed once subscriber connections have been torn down.
func (r *Run) Closed() <-chan struct{} { return r.closed }

// Result returns the terminal control value, empty while the run is active.
func (r *Run) Result() events.Control {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Kills returns how many kill signals the run sent.
func (r *Run) Kills() int { return int(r.kills.Load()) }

func (r *Run) loop() {
	defer r.m.wg.Done()

	for i, step := range r.steps {
		if r.isStopped() {
			return
		}
		r.log(fmt.Sprintf("[%d/%d] %s\n", i+1, len(r.steps), stepLabel(step)))

		if !r.runStep(step) {
			return
		}
	}
	r.log("All steps completed\n")
	r.finish(events.TestRunComplete)
}

// runStep returns false when the run must not continue.
func (r *Run) runStep(step drill.Step) bool {
	if missing := remote.MissingFields(step); len(missing) > 0 {
		r.log(fmt.Sprintf("Configuration error: missing %s\n", strings.Join(missing, ", ")))
		r.finish(events.TestRunFailed)
		return false
	}

	proc, err := remote.Spawn(
		r.m.cfg.Command(step.TargetHost, step.TargetUser, step.Command),
		func(_ remote.Stream, chunk []byte) { r.log(string(chunk)) },
		r.m.cfg.WaitDelay,
	)
	if err != nil {
		r.log(fmt.Sprintf("Spawn error: %v\n", err))
		r.finish(events.TestRunFailed)
		return false
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		// The run ended while this step was being spawned.
		if proc.Kill() {
			r.kills.Add(1)
		}
		return false
	}
	r.proc = proc
	r.mu.Unlock()

	timeout := r.m.cfg.StepTimeout
	if step.Timeout > 0 {
		timeout = step.Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-proc.Done():
	case <-timer.C:
		r.log(fmt.Sprintf("%s step %s did not exit within %s\n", remote.TimeoutMarker, step.ID, timeout))
		r.finish(events.TestRunFailed)
		return false
	}

	if r.isStopped() {
		return false
	}

	res := proc.Result()
	if res.State == remote.StateExited && res.ExitCode == 0 {
		return true
	}
	if res.State == remote.StateExited {
		r.log(fmt.Sprintf("Step %s failed with exit code %d\n", step.ID, res.ExitCode))
	} else {
		r.log(fmt.Sprintf("Step %s failed: %v\n", step.ID, res.Err))
	}
	r.finish(events.TestRunFailed)
	return false
}

// finish is the single cleanup path. Only its first call has any effect.
func (r *Run) finish(result events.Control) bool {
	fired := false
	r.once.Do(func() {
		fired = true

		r.mu.Lock()
		r.stopped = true
		r.result = result
		proc := r.proc
		r.mu.Unlock()

		if r.runTimer != nil {
			r.runTimer.Stop()
		}
		r.m.remove(r)

		r.m.cfg.Emitter.TestRunControl(r.scenarioID, result)
		observability.RecordTestRun(string(result))
		r.logger.Info().Str("result", string(result)).Msg("Test run finished")

		if proc != nil && proc.Kill() {
			r.kills.Add(1)
		}
		close(r.done)

		time.AfterFunc(r.m.cfg.CloseGrace, func() {
			r.m.cfg.Topics.CloseTopic(events.ScenarioTestTopic(r.scenarioID))
			close(r.closed)
		})
	})
	return fired
}

func (r *Run) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *Run) log(data string) {
	if r.isStopped() {
		return
	}
	r.m.cfg.Emitter.TestRunLog(r.scenarioID, data)
}

func stepLabel(step drill.Step) string {
	if step.Name != "" {
		return fmt.Sprintf("%s (%s)", step.Name, step.ID)
	}
	return step.ID
}
