// Package graph turns a scenario's step list and dependency edges into an
// execution plan for a subset of those steps.
//
// Invariants:
//   - Only edges between steps of the same scenario are considered.
//   - Edges whose source lies inside the run subset contribute to adjacency and in-degree.
//   - Edges whose source lies outside the subset are resolved at build time from the
//     predecessor's persisted status: Completed-Success and Completed-Skipped satisfy them.
//   - A cycle among subset steps is rejected with ErrCycle.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/harun/drillops/pkg/drill"
)

var (
	// ErrCycle is returned when the requested subset contains a dependency cycle.
	ErrCycle = errors.New("dependency cycle")

	// ErrUnknownStep is returned when a requested step is not part of the scenario.
	ErrUnknownStep = errors.New("unknown step")
)

// CycleError lists the steps that could not be ordered because of a cycle.
type CycleError struct {
	Steps []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle among steps: %s", strings.Join(e.Steps, ", "))
}

// Unwrap lets errors.Is match ErrCycle.
func (e *CycleError) Unwrap() error {
	return ErrCycle
}

// Plan is the dependency graph restricted to one run subset.
type Plan struct {
	// Order holds the subset in scenario order.
	Order []string
	// Adjacency maps a step to the subset steps that depend on it.
	Adjacency map[string][]string
	// InDegree counts unsatisfied predecessors per subset step.
	InDegree map[string]int
	// Ready is the initial queue: subset steps with in-degree <= 0, in scenario order.
	Ready []string
	// Levels is the Kahn layering of the subset. Steps held back by predecessors
	// outside the subset are appended as one final level.
	Levels [][]string
	// Blocked lists steps waiting on predecessors outside the subset that are not satisfied.
	Blocked []string
}

// Build computes the plan for subset over steps. An empty subset selects every step.
// statuses supplies the persisted status of predecessors outside the subset; a
// missing entry counts as unsatisfied.
func Build(steps []drill.Step, subset []string, statuses map[string]drill.Status) (*Plan, error) {
	index := make(map[string]int, len(steps))
	for i, step := range steps {
		index[step.ID] = i
	}

	inSubset := make(map[string]bool, len(subset))
	if len(subset) == 0 {
		for _, step := range steps {
			inSubset[step.ID] = true
		}
	}
	for _, id := range subset {
		if _, ok := index[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStep, id)
		}
		inSubset[id] = true
	}

	plan := &Plan{
		Adjacency: make(map[string][]string),
		InDegree:  make(map[string]int),
	}
	for _, step := range steps {
		if inSubset[step.ID] {
			plan.Order = append(plan.Order, step.ID)
			plan.InDegree[step.ID] = 0
		}
	}

	// internal counts only edges inside the subset; it drives cycle detection.
	internal := make(map[string]int, len(plan.Order))
	external := make(map[string]bool)
	for _, id := range plan.Order {
		step := steps[index[id]]
		for _, dep := range dedupe(step.DependsOn) {
			if _, ok := index[dep]; !ok {
				continue
			}
			plan.InDegree[id]++
			if inSubset[dep] {
				plan.Adjacency[dep] = append(plan.Adjacency[dep], id)
				internal[id]++
				continue
			}
			if statuses[dep].Satisfies() {
				plan.InDegree[id]--
			} else {
				external[id] = true
			}
		}
	}

	for _, id := range plan.Order {
		if plan.InDegree[id] <= 0 {
			plan.Ready = append(plan.Ready, id)
		}
	}

	levels, leftover := kahn(plan.Order, plan.Adjacency, internal)
	if len(leftover) > 0 {
		return nil, &CycleError{Steps: leftover}
	}

	// Re-layer with external blockers so the preview matches what will actually run.
	var runnable [][]string
	blocked := make(map[string]bool)
	for _, level := range levels {
		var keep []string
		for _, id := range level {
			if external[id] || blockedBy(steps[index[id]], blocked) {
				blocked[id] = true
				continue
			}
			keep = append(keep, id)
		}
		if len(keep) > 0 {
			runnable = append(runnable, keep)
		}
	}
	for _, id := range plan.Order {
		if blocked[id] {
			plan.Blocked = append(plan.Blocked, id)
		}
	}
	if len(plan.Blocked) > 0 {
		runnable = append(runnable, plan.Blocked)
	}
	plan.Levels = runnable

	return plan, nil
}

// kahn layers nodes by satisfied in-subset dependencies and returns any nodes it could not place.
func kahn(order []string, adjacency map[string][]string, degree map[string]int) ([][]string, []string) {
	remaining := make(map[string]int, len(order))
	for _, id := range order {
		remaining[id] = degree[id]
	}

	position := make(map[string]int, len(order))
	for i, id := range order {
		position[id] = i
	}

	var current []string
	for _, id := range order {
		if remaining[id] == 0 {
			current = append(current, id)
		}
	}

	placed := make(map[string]bool, len(order))
	var levels [][]string
	for len(current) > 0 {
		levels = append(levels, current)
		var next []string
		for _, id := range current {
			placed[id] = true
			for _, dependent := range adjacency[id] {
				remaining[dependent]--
				if remaining[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return position[next[i]] < position[next[j]] })
		current = next
	}

	var leftover []string
	for _, id := range order {
		if !placed[id] {
			leftover = append(leftover, id)
		}
	}
	return levels, leftover
}

func blockedBy(step drill.Step, blocked map[string]bool) bool {
	for _, dep := range step.DependsOn {
		if blocked[dep] {
			return true
		}
	}
	return false
}

func dedupe(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
