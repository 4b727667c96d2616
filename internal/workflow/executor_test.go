package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"consultflow/backend/internal/llm"
	"consultflow/backend/internal/repository"
	"consultflow/backend/internal/retrieval"
	"consultflow/backend/pkg/models"
)

type mockRetriever struct {
	mock.Mock
}

func (m *mockRetriever) Retrieve(ctx context.Context, projectID, query string, maxChunks int) ([]retrieval.Result, error) {
	args := m.Called(ctx, projectID, query, maxChunks)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]retrieval.Result), args.Error(1)
}

func TestExecutor_ProjectDefinition(t *testing.T) {
	f := newFixture(t, DefaultOptions(), reply{text: definitionJSON()}, reply{text: definitionJSON()})
	wf := f.startWorkflow(t, models.AgentProjectDefinition)
	ctx := context.Background()

	outcome, err := f.executor.Execute(ctx, f.run(t, wf.Steps[0]))
	require.NoError(t, err)
	assert.Equal(t, "Project Definition", outcome.Summary.Title)
	assert.Equal(t, 1, outcome.Summary.DeliverableVersion)
	assert.Equal(t, 1, outcome.Summary.Items)

	req := f.llm.request(0)
	assert.Equal(t, DefaultModel, req.Model)
	assert.Equal(t, DefaultMaxTokens, req.MaxTokens)
	assert.Contains(t, req.Messages[0].Content, "Project Objective: Enter the EU market")
	assert.Contains(t, req.Messages[0].Content, "budget $2M, 18 months")

	logs, err := f.store.ListRunLogs(ctx, wf.Steps[0].ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.RunSuccess, logs[0].Status)
	assert.Equal(t, DefaultModel, logs[0].ModelUsed)
	assert.Equal(t, outcome.Summary.RunLogID, logs[0].ID)

	again, err := f.executor.Execute(ctx, f.run(t, wf.Steps[0]))
	require.NoError(t, err)
	assert.Equal(t, 2, again.Summary.DeliverableVersion)

	delivs, err := f.store.ListDeliverables(ctx, wf.Steps[0].ID)
	require.NoError(t, err)
	assert.Len(t, delivs, 2)
}

func TestExecutor_ConfigPrecedence(t *testing.T) {
	f := newFixture(t, DefaultOptions(), reply{text: definitionJSON()})
	wf := f.startWorkflow(t, models.AgentProjectDefinition)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertAgentConfig(ctx, &models.AgentConfig{
		AgentKey:     models.AgentProjectDefinition,
		SystemPrompt: "operator prompt",
		Model:        "agent-model",
		MaxTokens:    2048,
	}))

	run := f.run(t, wf.Steps[0])
	run.Step.Config.Model = models.ModelParams{Name: "step-model"}
	run.Parameters = "Focus on Germany and France."

	_, err := f.executor.Execute(ctx, run)
	require.NoError(t, err)
	req := f.llm.request(0)
	assert.Equal(t, "step-model", req.Model)
	assert.Equal(t, "operator prompt", req.System)
	assert.Equal(t, 2048, req.MaxTokens)
	assert.Contains(t, req.Messages[0].Content, "Additional instructions from the engagement team:\nFocus on Germany and France.")
}

func TestExecutor_Retries(t *testing.T) {
	t.Run("truncated answer", func(t *testing.T) {
		f := newFixture(t, DefaultOptions(),
			reply{text: `{"decision_statement": "Enter`, truncated: true},
			reply{text: definitionJSON()},
		)
		wf := f.startWorkflow(t, models.AgentProjectDefinition)

		_, err := f.executor.Execute(context.Background(), f.run(t, wf.Steps[0]))
		require.NoError(t, err)
		require.Equal(t, 2, f.llm.calls())
		assert.Contains(t, f.llm.request(1).Messages[0].Content, truncatedRetryNote)
	})

	t.Run("transient provider error", func(t *testing.T) {
		f := newFixture(t, DefaultOptions(),
			reply{err: llm.NewTransientError(errors.New("503 service unavailable"))},
			reply{text: definitionJSON()},
		)
		wf := f.startWorkflow(t, models.AgentProjectDefinition)

		_, err := f.executor.Execute(context.Background(), f.run(t, wf.Steps[0]))
		require.NoError(t, err)
		assert.Equal(t, 2, f.llm.calls())
	})

	t.Run("fatal provider error", func(t *testing.T) {
		f := newFixture(t, DefaultOptions(), reply{err: llm.NewFatalError(errors.New("401 invalid api key"))})
		wf := f.startWorkflow(t, models.AgentProjectDefinition)
		ctx := context.Background()

		_, err := f.executor.Execute(ctx, f.run(t, wf.Steps[0]))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrModelUnavailable))
		assert.Equal(t, 1, f.llm.calls())

		logs, err := f.store.ListRunLogs(ctx, wf.Steps[0].ID)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, models.RunFailed, logs[0].Status)
		assert.Contains(t, logs[0].ErrorText, "401 invalid api key")
	})

	t.Run("invalid answer exhausts retries", func(t *testing.T) {
		f := newFixture(t, DefaultOptions(),
			reply{text: `{"decision_statement": ""}`},
			reply{text: `{"decision_statement": "Enter the EU"}`},
		)
		wf := f.startWorkflow(t, models.AgentProjectDefinition)
		ctx := context.Background()

		_, err := f.executor.Execute(ctx, f.run(t, wf.Steps[0]))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrModelOutputInvalid))
		assert.Contains(t, err.Error(), "governing_question is required")

		logs, err := f.store.ListRunLogs(ctx, wf.Steps[0].ID)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.JSONEq(t, `{"raw":"{\"decision_statement\": \"Enter the EU\"}"}`, string(logs[0].Output))

		delivs, err := f.store.ListDeliverables(ctx, wf.Steps[0].ID)
		require.NoError(t, err)
		assert.Empty(t, delivs)
	})
}

func TestExecutor_PersistenceFailure(t *testing.T) {
	mem := repository.NewMemoryStore()
	client := newScriptedLLM(reply{text: definitionJSON()})
	exec := NewExecutor(failingCommitStore{mem}, client, DefaultOptions())
	ctx := context.Background()

	project := &models.Project{Name: "EU", Objective: "Enter the EU market"}
	require.NoError(t, mem.CreateProject(ctx, project))
	step := &models.WorkflowInstanceStep{ID: "step-1", ProjectID: project.ID, StepOrder: 1, Name: "Define", AgentKey: models.AgentProjectDefinition}

	_, err := exec.Execute(ctx, &Run{Project: project, Step: step})
	require.Error(t, err)
	assert.Equal(t, KindPersistenceFailed, KindOf(err))

	logs, err := mem.ListRunLogs(ctx, step.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.RunFailed, logs[0].Status)
	assert.Contains(t, logs[0].ErrorText, "disk full")
	var out map[string]any
	require.NoError(t, json.Unmarshal(logs[0].Output, &out))
	assert.NotEmpty(t, out["decision_statement"], "the model output is kept on the run log")
}

func TestExecutor_VaultContext(t *testing.T) {
	t.Run("grounds the prompt", func(t *testing.T) {
		f := newFixture(t, DefaultOptions(), reply{text: definitionJSON()})
		r := &mockRetriever{}
		r.On("Retrieve", mock.Anything, f.project.ID, mock.AnythingOfType("string"), 10).Return([]retrieval.Result{
			{FileName: "market-study.pdf", Content: "EU SaaS spend grows 14% a year.", Strategy: retrieval.StrategyKeyword},
		}, nil)
		f.executor = NewExecutor(f.store, f.llm, DefaultOptions(), WithRetriever(r))
		wf := f.startWorkflow(t, models.AgentProjectDefinition)

		_, err := f.executor.Execute(context.Background(), f.run(t, wf.Steps[0]))
		require.NoError(t, err)
		prompt := f.llm.request(0).Messages[0].Content
		assert.Contains(t, prompt, "=== PROJECT VAULT CONTEXT ===")
		assert.Contains(t, prompt, "--- Source: market-study.pdf (chunk 1) ---\nEU SaaS spend grows 14% a year.")
		r.AssertExpectations(t)
	})

	t.Run("disabled on the step", func(t *testing.T) {
		f := newFixture(t, DefaultOptions(), reply{text: definitionJSON()})
		r := &mockRetriever{}
		f.executor = NewExecutor(f.store, f.llm, DefaultOptions(), WithRetriever(r))
		wf := f.startWorkflow(t, models.AgentProjectDefinition)

		run := f.run(t, wf.Steps[0])
		run.Step.Config.Retrieval = &models.RetrievalConfig{Enabled: false}
		_, err := f.executor.Execute(context.Background(), run)
		require.NoError(t, err)
		assert.NotContains(t, f.llm.request(0).Messages[0].Content, "PROJECT VAULT CONTEXT")
		r.AssertNotCalled(t, "Retrieve", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("retrieval failure is not fatal", func(t *testing.T) {
		f := newFixture(t, DefaultOptions(), reply{text: definitionJSON()})
		r := &mockRetriever{}
		r.On("Retrieve", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, retrieval.ErrEmbeddingUnavailable)
		f.executor = NewExecutor(f.store, f.llm, DefaultOptions(), WithRetriever(r))
		wf := f.startWorkflow(t, models.AgentProjectDefinition)

		_, err := f.executor.Execute(context.Background(), f.run(t, wf.Steps[0]))
		require.NoError(t, err)
	})
}

func TestExecutor_ExecutionWithoutPlan(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	wf := f.startWorkflow(t, models.AgentExecution)

	_, err := f.executor.Execute(context.Background(), f.run(t, wf.Steps[0]))
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, 0, f.llm.calls())
}

func TestExecutor_UnknownAgent(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	step := &models.WorkflowInstanceStep{ID: "s", ProjectID: f.project.ID, AgentKey: models.AgentMECECritic}

	_, err := f.executor.Execute(context.Background(), &Run{Project: f.project, Step: step})
	assert.Equal(t, KindInvalidTemplate, KindOf(err))
}
