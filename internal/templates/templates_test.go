package templates

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consultflow/backend/internal/repository"
	"consultflow/backend/pkg/models"
)

func TestDefault(t *testing.T) {
	tmpl := Default()

	assert.Equal(t, DefaultID, tmpl.ID)
	require.Len(t, tmpl.Steps, 6)
	want := []models.AgentKey{
		models.AgentProjectDefinition,
		models.AgentIssuesTree,
		models.AgentHypothesis,
		models.AgentExecution,
		models.AgentSummary,
		models.AgentPresentation,
	}
	for i, step := range tmpl.Steps {
		assert.Equal(t, i+1, step.StepOrder)
		assert.Equal(t, want[i], step.AgentKey)
	}

	issues := tmpl.Steps[1].Config.IssuesTree
	require.NotNil(t, issues)
	assert.Equal(t, 15, issues.MinNodes)
	assert.Equal(t, 3, issues.MinDepth)
	assert.Equal(t, 4.0, issues.CriticThreshold)
	require.NotNil(t, issues.MaxRevisions)
	assert.Equal(t, 2, *issues.MaxRevisions)
	require.NotNil(t, tmpl.Steps[3].Config.Scenario)
	assert.Equal(t, 0.2, tmpl.Steps[3].Config.Scenario.DefaultVolatility)
	assert.Nil(t, tmpl.Steps[3].Config.Retrieval)
	assert.True(t, tmpl.Steps[5].Config.RequireConfirmation)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"no name", "steps: [{agent: summary}]", "name is required"},
		{"no steps", "name: x", "no steps"},
		{"critic as step", "name: x\nsteps: [{agent: mece_critic}]", `unknown agent "mece_critic"`},
		{"misplaced section", "name: x\nsteps:\n  - agent: summary\n    config:\n      scenario: {default_volatility: 0.1}", "scenario section is not valid"},
		{"bad yaml", "name: [", "decode template"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSeed(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	require.NoError(t, store.UpsertAgentConfig(ctx, &models.AgentConfig{
		AgentKey:     models.AgentSummary,
		SystemPrompt: "operator prompt",
	}))
	prompts := map[models.AgentKey]string{
		models.AgentSummary:    "built-in summary",
		models.AgentIssuesTree: "built-in issues",
	}

	created, err := Seed(ctx, store, Default(), prompts)
	require.NoError(t, err)
	assert.True(t, created)

	stored, err := store.GetTemplate(ctx, DefaultID)
	require.NoError(t, err)
	assert.Len(t, stored.Steps, 6)

	summary, err := store.GetAgentConfig(ctx, models.AgentSummary)
	require.NoError(t, err)
	assert.Equal(t, "operator prompt", summary.SystemPrompt)
	issues, err := store.GetAgentConfig(ctx, models.AgentIssuesTree)
	require.NoError(t, err)
	assert.Equal(t, "built-in issues", issues.SystemPrompt)

	created, err = Seed(ctx, store, Default(), nil)
	require.NoError(t, err)
	assert.False(t, created)
}
