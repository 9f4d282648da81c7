package events

import (
	"sync/atomic"
	"time"

	"github.com/harun/drillops/pkg/drill"
)

// Emitter builds typed frames and hands them to a Publisher. Sequence numbers
// are monotonic across all drills served by one emitter.
type Emitter struct {
	pub Publisher
	seq atomic.Uint64
	now func() time.Time
}

// NewEmitter creates an emitter over pub.
func NewEmitter(pub Publisher) *Emitter {
	return &Emitter{pub: pub, now: time.Now}
}

func (e *Emitter) emit(drillID string, ev ExecutionEvent) {
	ev.DrillID = drillID
	ev.Seq = e.seq.Add(1)
	ev.Timestamp = e.now().UnixMilli()
	e.pub.Publish(ExecutionTopic(drillID), ev)
}

// StepUpdate publishes a persisted step record.
func (e *Emitter) StepUpdate(drillID string, rec drill.StepRecord) {
	e.emit(drillID, ExecutionEvent{Type: StepUpdate, StepID: rec.StepID, Step: &rec})
}

// StepLog publishes a chunk of a step's output.
func (e *Emitter) StepLog(drillID, stepID, chunk string) {
	e.emit(drillID, ExecutionEvent{Type: StepLogUpdate, StepID: stepID, LogChunk: chunk})
}

// LevelStart names the steps of a level about to run.
func (e *Emitter) LevelStart(drillID string, stepIDs []string) {
	ids := append([]string(nil), stepIDs...)
	e.emit(drillID, ExecutionEvent{Type: LevelStart, StepIDs: ids})
}

// Paused reports that stepID failed and the run waits for an operator.
func (e *Emitter) Paused(drillID, stepID, errMsg string) {
	e.emit(drillID, ExecutionEvent{Type: ExecutionPaused, StepID: stepID, Error: errMsg})
}

// Complete reports natural completion of a drill.
func (e *Emitter) Complete(drillID string) {
	e.emit(drillID, ExecutionEvent{Type: ExecutionComplete})
}

// Error reports a run-level problem. stale marks that persisted state may lag
// what observers were told.
func (e *Emitter) Error(drillID, stepID, msg string, stale bool) {
	e.emit(drillID, ExecutionEvent{Type: ExecutionError, StepID: stepID, Error: msg, Stale: stale})
}

// ScenarioUpdate publishes a confirmed scenario result.
func (e *Emitter) ScenarioUpdate(drillID string, rec drill.ScenarioRecord) {
	e.emit(drillID, ExecutionEvent{Type: ScenarioUpdate, Scenario: &rec})
}

// CriterionUpdate publishes a checkpoint evaluation.
func (e *Emitter) CriterionUpdate(drillID string, rec drill.CriterionRecord) {
	e.emit(drillID, ExecutionEvent{Type: CriterionUpdate, Criterion: &rec})
}

// TestRunLog sends output of a test run to its scenario topic.
func (e *Emitter) TestRunLog(scenarioID, data string) {
	e.pub.Publish(ScenarioTestTopic(scenarioID), TestRunMessage{Type: TestRunLogType, Data: data})
}

// TestRunControl sends the terminal control frame of a test run.
func (e *Emitter) TestRunControl(scenarioID string, c Control) {
	e.pub.Publish(ScenarioTestTopic(scenarioID), TestRunMessage{Type: TestRunControlType, Data: string(c)})
}
