package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskexec/internal/model"
)

func phaseNames(phases []model.Phase) []string {
	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = p.Name
	}
	return names
}

func named(names ...string) []model.Phase {
	phases := make([]model.Phase, len(names))
	for i, n := range names {
		phases[i] = model.Phase{Name: n}
	}
	return phases
}

func TestDefaultOrderer(t *testing.T) {
	in := named("Polish", "User Story 10 - Export", "Setup", "User Story 2 - Search", "Foundational", "Integration", "US 1 login")
	got := phaseNames(DefaultOrderer{}.Order(in))
	assert.Equal(t, []string{
		"Setup",
		"Foundational",
		"US 1 login",
		"User Story 2 - Search",
		"User Story 10 - Export",
		"Polish",
		"Integration",
	}, got)
}

func TestFileOrder(t *testing.T) {
	in := named("b", "a", "Setup")
	assert.Equal(t, []string{"b", "a", "Setup"}, phaseNames(FileOrder.Order(in)))
}

func TestNaturalLess(t *testing.T) {
	assert.True(t, naturalLess("Story 2", "Story 10"))
	assert.False(t, naturalLess("Story 10", "Story 2"))
	assert.True(t, naturalLess("story 2 - b", "Story 10 - a"))
	assert.True(t, naturalLess("Alpha", "beta"))
}

func TestValidateDependencies(t *testing.T) {
	phases := []model.Phase{{
		Name: "A",
		Tasks: []model.Task{
			{ID: "T003", Dependencies: []string{"T002"}},
			{ID: "T001"},
			{ID: "T002", Dependencies: []string{"T001"}},
		},
	}}
	order, err := ValidateDependencies(phases)
	require.NoError(t, err)

	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["T001"], pos["T002"])
	assert.Less(t, pos["T002"], pos["T003"])
}

func TestValidateDependencies_Cycle(t *testing.T) {
	phases := []model.Phase{{
		Name: "A",
		Tasks: []model.Task{
			{ID: "T001", Dependencies: []string{"T003"}},
			{ID: "T002", Dependencies: []string{"T001"}},
			{ID: "T003", Dependencies: []string{"T002"}},
		},
	}}
	_, err := ValidateDependencies(phases)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrParse)
	assert.Contains(t, err.Error(), "circular dependency")
}
