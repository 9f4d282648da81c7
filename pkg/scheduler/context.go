package scheduler

import (
	"context"
	"slices"
	"sync"

	"github.com/harun/drillops/pkg/drill"
	"github.com/harun/drillops/pkg/graph"
)

// runContext is the in-memory scheduling state of one drill. Every field is
// guarded by mu.
type runContext struct {
	mu sync.Mutex

	drillID    string
	scenarioID string
	ctx        context.Context

	steps     map[string]drill.Step
	adjacency map[string][]string
	inDegree  map[string]int

	queue   []string
	running map[string]bool
	held    []string
	// settled holds steps of the current level that finished but whose
	// outcome has not been applied yet.
	settled map[string]bool

	// failed holds unresolved failures; the run is paused while it is non-empty.
	failed   map[string]string
	released map[string]bool

	processing bool
	closed     bool
}

func newRunContext(ctx context.Context, drillID, scenarioID string) *runContext {
	return &runContext{
		drillID:    drillID,
		scenarioID: scenarioID,
		ctx:        ctx,
		steps:      make(map[string]drill.Step),
		adjacency:  make(map[string][]string),
		inDegree:   make(map[string]int),
		running:    make(map[string]bool),
		settled:    make(map[string]bool),
		failed:     make(map[string]string),
		released:   make(map[string]bool),
	}
}

func (rc *runContext) paused() bool {
	return len(rc.failed) > 0
}

// mergeLocked folds plan into the context. Steps of the plan get fresh
// in-degrees and lose any prior failure or release.
func (rc *runContext) mergeLocked(steps []drill.Step, plan *graph.Plan) {
	for _, step := range steps {
		rc.steps[step.ID] = step
	}
	for _, id := range plan.Order {
		rc.inDegree[id] = plan.InDegree[id]
		delete(rc.failed, id)
		delete(rc.released, id)
		rc.dropPendingLocked(id)
	}
	for from, tos := range plan.Adjacency {
		for _, to := range tos {
			if !slices.Contains(rc.adjacency[from], to) {
				rc.adjacency[from] = append(rc.adjacency[from], to)
			}
		}
	}
	// Explicitly requested steps run even while other failures are unresolved.
	for _, id := range plan.Ready {
		if !rc.running[id] && !slices.Contains(rc.queue, id) {
			rc.queue = append(rc.queue, id)
		}
	}
	if !rc.paused() {
		rc.resumeHeldLocked()
	}
}

// enqueueLocked parks id while the run is paused, otherwise queues it.
func (rc *runContext) enqueueLocked(id string) {
	if rc.running[id] || rc.released[id] || slices.Contains(rc.queue, id) || slices.Contains(rc.held, id) {
		return
	}
	if rc.paused() {
		rc.held = append(rc.held, id)
		return
	}
	rc.queue = append(rc.queue, id)
}

func (rc *runContext) resumeHeldLocked() {
	held := rc.held
	rc.held = nil
	for _, id := range held {
		rc.enqueueLocked(id)
	}
}

// dropPendingLocked forgets any queued, parked or unapplied outcome of id.
func (rc *runContext) dropPendingLocked(id string) {
	rc.queue = slices.DeleteFunc(rc.queue, func(s string) bool { return s == id })
	rc.held = slices.DeleteFunc(rc.held, func(s string) bool { return s == id })
	delete(rc.settled, id)
}

// releaseLocked decrements the in-degree of id's dependents, at most once per
// step per run attempt. Dependents reaching zero are enqueued or parked.
func (rc *runContext) releaseLocked(id string) []string {
	if rc.released[id] {
		return nil
	}
	rc.released[id] = true

	var ready []string
	for _, dep := range rc.adjacency[id] {
		if _, ok := rc.inDegree[dep]; !ok || rc.released[dep] {
			continue
		}
		rc.inDegree[dep]--
		if rc.inDegree[dep] == 0 {
			ready = append(ready, dep)
			rc.enqueueLocked(dep)
		}
	}
	return ready
}

// unreleaseLocked takes back the release of id after it is forced to fail.
// Dependents that already ran or are running keep their state; the others
// get their in-degree back and leave the queue.
func (rc *runContext) unreleaseLocked(id string) {
	if !rc.released[id] {
		return
	}
	delete(rc.released, id)
	for _, dep := range rc.adjacency[id] {
		if _, ok := rc.inDegree[dep]; !ok || rc.released[dep] || rc.running[dep] || rc.settled[dep] {
			continue
		}
		if _, failed := rc.failed[dep]; failed {
			continue
		}
		rc.inDegree[dep]++
		rc.dropPendingLocked(dep)
	}
}

// completeLocked reports whether the run has naturally finished.
func (rc *runContext) completeLocked() bool {
	return len(rc.queue) == 0 && len(rc.running) == 0 && len(rc.held) == 0 && !rc.paused()
}

// Snapshot is a read-only view of a run context.
type Snapshot struct {
	DrillID    string            `json:"drill_id"`
	ScenarioID string            `json:"scenario_id"`
	Queue      []string          `json:"queue"`
	Running    []string          `json:"running"`
	Held       []string          `json:"held"`
	Failed     map[string]string `json:"failed"`
	InDegree   map[string]int    `json:"in_degree"`
	Paused     bool              `json:"paused"`
}

func (rc *runContext) snapshotLocked() Snapshot {
	snap := Snapshot{
		DrillID:    rc.drillID,
		ScenarioID: rc.scenarioID,
		Queue:      append([]string(nil), rc.queue...),
		Held:       append([]string(nil), rc.held...),
		Failed:     make(map[string]string, len(rc.failed)),
		InDegree:   make(map[string]int, len(rc.inDegree)),
		Paused:     rc.paused(),
	}
	for id := range rc.running {
		snap.Running = append(snap.Running, id)
	}
	slices.Sort(snap.Running)
	for k, v := range rc.failed {
		snap.Failed[k] = v
	}
	for k, v := range rc.inDegree {
		snap.InDegree[k] = v
	}
	return snap
}
