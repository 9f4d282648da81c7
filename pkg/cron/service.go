// Package cron fires scheduled drills and periodic maintenance on cron expressions.
package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/drillops/internal/tracing"
)

// DefaultSweepExpr is used when no maintenance expression is configured.
const DefaultSweepExpr = "@every 5m"

// SweepJobName is the name of the built-in maintenance job.
const SweepJobName = "sweep"

// ErrJobNotFound is returned when a job name is not registered.
var ErrJobNotFound = errors.New("job not found")

// DrillStarter starts a drill execution.
type DrillStarter interface {
	Start(ctx context.Context, drillID, scenarioID string, stepIDs []string) error
}

// Sweeper drops idle broadcast state and reports how much it removed.
type Sweeper interface {
	Sweep() int
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Schedules []Schedule
	SweepExpr string
	Starter   DrillStarter
	Sweeper   Sweeper
	OnEvent   func(Event)
	Logger    zerolog.Logger

	// NewDrillID overrides drill id generation.
	NewDrillID func(name string) string
}

// Service manages cron job scheduling and execution
type Service struct {
	cron    *cron.Cron
	options ServiceOptions
	logger  zerolog.Logger

	mu      sync.RWMutex
	jobs    map[string]*Job
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewService validates every schedule and registers it. Nothing fires until Start.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Starter == nil && len(opts.Schedules) > 0 {
		return nil, fmt.Errorf("drill starter is required when schedules are configured")
	}
	if opts.NewDrillID == nil {
		opts.NewDrillID = NewDrillID
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cron:    cron.New(cron.WithParser(parser)),
		options: opts,
		logger:  opts.Logger.With().Str("component", "cron").Logger(),
		jobs:    make(map[string]*Job),
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}

	for _, sc := range opts.Schedules {
		if sc.Name == "" || sc.ScenarioID == "" {
			cancel()
			return nil, fmt.Errorf("schedule %q: name and scenario_id are required", sc.Name)
		}
		if sc.Name == SweepJobName {
			cancel()
			return nil, fmt.Errorf("schedule name %q is reserved", SweepJobName)
		}
		if _, dup := s.jobs[sc.Name]; dup {
			cancel()
			return nil, fmt.Errorf("duplicate schedule %q", sc.Name)
		}
		job := &Job{Name: sc.Name, Kind: JobKindDrill, ScenarioID: sc.ScenarioID, Expr: sc.Expr}
		if err := s.register(job); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
	}

	if opts.Sweeper != nil {
		expr := opts.SweepExpr
		if expr == "" {
			expr = DefaultSweepExpr
		}
		if err := s.register(&Job{Name: SweepJobName, Kind: JobKindSweep, Expr: expr}); err != nil {
			cancel()
			return nil, fmt.Errorf("sweep: %w", err)
		}
	}

	s.logger.Info().Int("jobCount", len(s.jobs)).Msg("Cron service initialized")
	return s, nil
}

func (s *Service) register(job *Job) error {
	sched, err := Parse(job.Expr)
	if err != nil {
		return err
	}
	name := job.Name
	id := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(name) }))
	s.jobs[name] = job
	s.entries[name] = id
	return nil
}

// Start begins firing jobs.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info().Msg("Cron service started")
}

// Stop halts the scheduler and waits for running jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop().Done()
	select {
	case <-done:
		s.logger.Info().Msg("Cron service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jobs returns a snapshot of every job sorted by name.
func (s *Service) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Job, 0, len(s.jobs))
	for name, job := range s.jobs {
		j := *job
		if entry := s.cron.Entry(s.entries[name]); entry.Valid() {
			j.State.NextRunAt = entry.Next
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RunNow fires a job immediately and returns the drill id it started, if any.
func (s *Service) RunNow(name string) (string, error) {
	s.mu.RLock()
	_, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return s.fire(name)
}

func (s *Service) fire(name string) (string, error) {
	s.mu.RLock()
	job, ok := s.jobs[name]
	var kind JobKind
	var scenarioID string
	if ok {
		kind, scenarioID = job.Kind, job.ScenarioID
	}
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	s.emit(Event{Action: EventActionStarted, Job: name})

	var drillID string
	var err error
	switch kind {
	case JobKindSweep:
		removed := s.options.Sweeper.Sweep()
		s.logger.Debug().Int("removed", removed).Msg("Sweep complete")
	case JobKindDrill:
		drillID = s.options.NewDrillID(name)
		ctx := tracing.WithScenarioID(tracing.NewDrillContext(s.ctx, drillID), scenarioID)
		err = s.options.Starter.Start(ctx, drillID, scenarioID, nil)
		logger := tracing.LoggerFromContext(ctx, s.logger)
		if err != nil {
			logger.Error().Err(err).Str("job", name).Msg("Scheduled drill failed to start")
		} else {
			logger.Info().Str("job", name).Msg("Scheduled drill started")
		}
	}

	status := "ok"
	if err != nil {
		status = "error"
	}

	s.mu.Lock()
	job.State.LastRunAt = time.Now()
	job.State.LastStatus = status
	job.State.LastDrillID = drillID
	job.State.Runs++
	if err != nil {
		job.State.LastError = err.Error()
		job.State.ConsecutiveErrors++
	} else {
		job.State.LastError = ""
		job.State.ConsecutiveErrors = 0
	}
	s.mu.Unlock()

	ev := Event{Action: EventActionFinished, Job: name, DrillID: drillID, Status: status}
	if err != nil {
		ev.Error = err.Error()
	}
	s.emit(ev)
	return drillID, err
}

func (s *Service) emit(ev Event) {
	if s.options.OnEvent != nil {
		s.options.OnEvent(ev)
	}
}

// NewDrillID returns "<name>-<first 8 chars of a uuid>".
func NewDrillID(name string) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return name + "-" + id[:8]
}
