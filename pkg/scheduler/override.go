package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/drillops/internal/observability"
	"github.com/harun/drillops/internal/tracing"
	"github.com/harun/drillops/pkg/drill"
)

// Retry resets a step of a paused run to Pending and runs it again.
func (s *Scheduler) Retry(ctx context.Context, drillID, stepID, scenarioID string) error {
	rc, err := s.lookup(drillID)
	if err != nil {
		return err
	}

	rc.mu.Lock()
	if err := s.checkOperableLocked(rc, stepID, true); err != nil {
		rc.mu.Unlock()
		return err
	}
	if scenarioID == "" {
		scenarioID = rc.steps[stepID].ScenarioID
	}
	if scenarioID == "" {
		scenarioID = rc.scenarioID
	}

	reset := drill.StepRecord{DrillID: drillID, StepID: stepID, Status: drill.StatusPending}
	saved, err := s.store.UpsertStepRecord(ctx, reset)
	if err != nil {
		rc.mu.Unlock()
		return fmt.Errorf("reset step %s: %w", stepID, err)
	}
	s.emitter.StepUpdate(drillID, saved)
	rc.mu.Unlock()

	observability.RecordOperatorAudit(tracing.WithDrillID(ctx, drillID), "step_retry", "", "success",
		map[string]interface{}{"step_id": stepID, "scenario_id": scenarioID})

	return s.Start(ctx, drillID, scenarioID, []string{stepID})
}

// Skip marks a step of a paused run Completed-Skipped, releases its
// dependents and resumes processing.
func (s *Scheduler) Skip(ctx context.Context, drillID, stepID string) error {
	rc, err := s.lookup(drillID)
	if err != nil {
		return err
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if err := s.checkOperableLocked(rc, stepID, true); err != nil {
		return err
	}

	now := time.Now()
	rec := drill.StepRecord{
		DrillID:     drillID,
		StepID:      stepID,
		Status:      drill.StatusSkipped,
		CompletedAt: drill.TimePtr(now),
		ResultText:  "Skipped by operator",
		Assignee:    drill.AssigneeOverride,
	}
	saved, err := s.store.UpsertStepRecord(ctx, rec)
	if err != nil {
		return fmt.Errorf("skip step %s: %w", stepID, err)
	}
	s.emitter.StepUpdate(drillID, saved)

	s.resolveLocked(rc, stepID)

	observability.RecordOperatorAudit(tracing.WithDrillID(ctx, drillID), "step_skip", "", "success",
		map[string]interface{}{"step_id": stepID})
	return nil
}

// ForceOverride writes a terminal status for a step with reason as its result
// text. It works whether or not the run is paused. A satisfying status
// releases the step's dependents and resumes the run; Completed-Failure pauses it.
func (s *Scheduler) ForceOverride(ctx context.Context, drillID, stepID string, status drill.Status, reason, actor string) (drill.StepRecord, error) {
	if !status.IsTerminal() {
		return drill.StepRecord{}, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}

	rc, _ := s.lookup(drillID)
	if rc != nil {
		rc.mu.Lock()
		defer rc.mu.Unlock()
		if rc.closed {
			rc = nil
		} else if rc.running[stepID] {
			return drill.StepRecord{}, fmt.Errorf("%w: %s", ErrStepRunning, stepID)
		}
	}

	existing, err := s.store.GetStepRecords(ctx, drillID, []string{stepID})
	if err != nil {
		return drill.StepRecord{}, fmt.Errorf("load step %s: %w", stepID, err)
	}

	now := time.Now()
	rec := drill.StepRecord{
		DrillID:     drillID,
		StepID:      stepID,
		Status:      status,
		StartedAt:   existing[stepID].StartedAt,
		CompletedAt: drill.TimePtr(now),
		ResultText:  reason,
		Assignee:    drill.AssigneeOverride,
	}
	saved, err := s.store.UpsertStepRecord(ctx, rec)
	if err != nil {
		return drill.StepRecord{}, fmt.Errorf("override step %s: %w", stepID, err)
	}
	s.emitter.StepUpdate(drillID, saved)

	observability.RecordOperatorAudit(tracing.WithDrillID(ctx, drillID), "step_override", actor, "success",
		map[string]interface{}{"step_id": stepID, "status": string(status), "reason": reason})

	if rc == nil {
		return saved, nil
	}
	if _, known := rc.inDegree[stepID]; !known {
		return saved, nil
	}

	if status.Satisfies() {
		s.resolveLocked(rc, stepID)
		return saved, nil
	}

	rc.dropPendingLocked(stepID)
	rc.unreleaseLocked(stepID)
	rc.failed[stepID] = reason
	s.emitter.Paused(drillID, stepID, reason)
	return saved, nil
}

// ConfirmScenario records an operator-declared overall result for a scenario.
// It does not touch step-level state.
func (s *Scheduler) ConfirmScenario(ctx context.Context, drillID, scenarioID string, finalStatus drill.Status, reason string) (drill.ScenarioRecord, error) {
	if !finalStatus.IsTerminal() {
		return drill.ScenarioRecord{}, fmt.Errorf("%w: %s", ErrInvalidStatus, finalStatus)
	}

	saved, err := s.store.UpsertScenarioRecord(ctx, drill.ScenarioRecord{
		DrillID:     drillID,
		ScenarioID:  scenarioID,
		FinalStatus: string(finalStatus),
		FinalReason: reason,
		ConfirmedAt: time.Now().UTC(),
	})
	if err != nil {
		return drill.ScenarioRecord{}, fmt.Errorf("confirm scenario %s: %w", scenarioID, err)
	}
	s.emitter.ScenarioUpdate(drillID, saved)

	observability.RecordOperatorAudit(tracing.WithDrillID(ctx, drillID), "scenario_confirm", "", "success",
		map[string]interface{}{"scenario_id": scenarioID, "final_status": string(finalStatus)})
	return saved, nil
}

// EvaluateCriterion records a checkpoint result. Unlocking of downstream
// scenario groups is left to the caller.
func (s *Scheduler) EvaluateCriterion(ctx context.Context, drillID, criterionID string, status drill.CriterionStatus, checkedBy string) (drill.CriterionRecord, error) {
	if _, err := drill.ParseCriterionStatus(string(status)); err != nil {
		return drill.CriterionRecord{}, fmt.Errorf("%w: %v", ErrInvalidStatus, err)
	}

	saved, err := s.store.UpsertCriterionRecord(ctx, drill.CriterionRecord{
		DrillID:     drillID,
		CriterionID: criterionID,
		Status:      status,
		CheckedBy:   checkedBy,
		CheckedAt:   time.Now().UTC(),
	})
	if err != nil {
		return drill.CriterionRecord{}, fmt.Errorf("evaluate criterion %s: %w", criterionID, err)
	}
	s.emitter.CriterionUpdate(drillID, saved)

	observability.RecordOperatorAudit(tracing.WithDrillID(ctx, drillID), "criterion_evaluate", checkedBy, "success",
		map[string]interface{}{"criterion_id": criterionID, "status": string(status)})
	return saved, nil
}

// checkOperableLocked validates that stepID of rc can take an operator action.
func (s *Scheduler) checkOperableLocked(rc *runContext, stepID string, requirePaused bool) error {
	if rc.closed {
		return ErrNoRun
	}
	if requirePaused && !rc.paused() {
		return ErrNotPaused
	}
	if _, ok := rc.inDegree[stepID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
	}
	if rc.running[stepID] {
		return fmt.Errorf("%w: %s", ErrStepRunning, stepID)
	}
	if rc.released[stepID] {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, stepID)
	}
	return nil
}

// resolveLocked clears a step's failure, releases its dependents, and
// resumes the run if nothing else is unresolved.
func (s *Scheduler) resolveLocked(rc *runContext, stepID string) {
	delete(rc.failed, stepID)
	rc.dropPendingLocked(stepID)
	rc.releaseLocked(stepID)
	if !rc.paused() {
		rc.resumeHeldLocked()
	}
	s.kickLocked(rc)
}
