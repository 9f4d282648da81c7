package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/drillops/pkg/drill"
)

func step(id string, deps ...string) drill.Step {
	return drill.Step{ID: id, ScenarioID: "sc-1", Command: "true", TargetHost: "h", TargetUser: "u", DependsOn: deps}
}

func diamond() []drill.Step {
	return []drill.Step{
		step("A"),
		step("B", "A"),
		step("C", "A"),
		step("D", "B", "C"),
	}
}

func TestBuild_FullScenario(t *testing.T) {
	plan, err := Build(diamond(), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C", "D"}, plan.Order)
	assert.Equal(t, []string{"A"}, plan.Ready)
	assert.Equal(t, map[string]int{"A": 0, "B": 1, "C": 1, "D": 2}, plan.InDegree)
	assert.ElementsMatch(t, []string{"B", "C"}, plan.Adjacency["A"])
	assert.Equal(t, [][]string{{"A"}, {"B", "C"}, {"D"}}, plan.Levels)
	assert.Empty(t, plan.Blocked)
}

func TestBuild_SubsetResolvesExternalPredecessors(t *testing.T) {
	t.Run("satisfied predecessors are decremented", func(t *testing.T) {
		statuses := map[string]drill.Status{
			"B": drill.StatusSuccess,
			"C": drill.StatusSkipped,
		}
		plan, err := Build(diamond(), []string{"D"}, statuses)
		require.NoError(t, err)

		assert.Equal(t, 0, plan.InDegree["D"])
		assert.Equal(t, []string{"D"}, plan.Ready)
		assert.Empty(t, plan.Blocked)
	})

	t.Run("failed predecessor keeps step blocked", func(t *testing.T) {
		statuses := map[string]drill.Status{
			"B": drill.StatusSuccess,
			"C": drill.StatusFailure,
		}
		plan, err := Build(diamond(), []string{"D"}, statuses)
		require.NoError(t, err)

		assert.Equal(t, 1, plan.InDegree["D"])
		assert.Empty(t, plan.Ready)
		assert.Equal(t, []string{"D"}, plan.Blocked)
		assert.Equal(t, [][]string{{"D"}}, plan.Levels)
	})

	t.Run("missing status counts as unsatisfied", func(t *testing.T) {
		plan, err := Build(diamond(), []string{"B", "D"}, nil)
		require.NoError(t, err)

		assert.Equal(t, 1, plan.InDegree["B"])
		assert.Equal(t, 2, plan.InDegree["D"])
		assert.Empty(t, plan.Ready)
		assert.Equal(t, []string{"B", "D"}, plan.Blocked)
	})
}

func TestBuild_RetrySingleStep(t *testing.T) {
	statuses := map[string]drill.Status{"A": drill.StatusSuccess}
	plan, err := Build(diamond(), []string{"C"}, statuses)
	require.NoError(t, err)

	assert.Equal(t, []string{"C"}, plan.Ready)
	assert.Empty(t, plan.Adjacency)
}

func TestBuild_Cycle(t *testing.T) {
	steps := []drill.Step{
		step("A"),
		step("B", "A", "C"),
		step("C", "B"),
	}

	_, err := Build(steps, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycle)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []string{"B", "C"}, cycleErr.Steps)
}

func TestBuild_SelfDependencyIsCycle(t *testing.T) {
	_, err := Build([]drill.Step{step("A", "A")}, nil, nil)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestBuild_UnknownSubsetStep(t *testing.T) {
	_, err := Build(diamond(), []string{"Z"}, nil)
	assert.ErrorIs(t, err, ErrUnknownStep)
}

func TestBuild_IgnoresEdgesOutsideScenario(t *testing.T) {
	plan, err := Build([]drill.Step{step("A", "other-scenario-step")}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, plan.Ready)
}

func TestBuild_DuplicateDependencyCountsOnce(t *testing.T) {
	plan, err := Build([]drill.Step{step("A"), step("B", "A", "A")}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, plan.InDegree["B"])
	assert.Equal(t, []string{"B"}, plan.Adjacency["A"])
}
