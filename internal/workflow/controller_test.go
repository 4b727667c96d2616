package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consultflow/backend/internal/llm"
	"consultflow/backend/internal/repository"
	"consultflow/backend/pkg/models"
)

var consultingAgents = []models.AgentKey{
	models.AgentProjectDefinition,
	models.AgentIssuesTree,
	models.AgentHypothesis,
	models.AgentExecution,
	models.AgentSummary,
	models.AgentPresentation,
}

func (f *fixture) stepStatus(t *testing.T, id string) models.StepStatus {
	t.Helper()
	step, err := f.store.GetStep(context.Background(), id)
	require.NoError(t, err)
	return step.Status
}

func (f *fixture) stage(t *testing.T) models.ProjectStage {
	t.Helper()
	p, err := f.store.GetProject(context.Background(), f.project.ID)
	require.NoError(t, err)
	return p.Stage
}

func TestCanRun(t *testing.T) {
	step := func(order int, status models.StepStatus) *models.WorkflowInstanceStep {
		return &models.WorkflowInstanceStep{StepOrder: order, Status: status}
	}
	tests := []struct {
		name     string
		step     *models.WorkflowInstanceStep
		previous *models.WorkflowInstanceStep
		want     bool
	}{
		{"first step", step(1, models.StepNotStarted), nil, true},
		{"first step failed", step(1, models.StepFailed), nil, true},
		{"first step completed", step(1, models.StepCompleted), nil, false},
		{"running", step(2, models.StepRunning), step(1, models.StepApproved), false},
		{"previous completed", step(2, models.StepNotStarted), step(1, models.StepCompleted), true},
		{"previous approved", step(2, models.StepNotStarted), step(1, models.StepApproved), true},
		{"previous awaiting confirmation", step(2, models.StepNotStarted), step(1, models.StepAwaitingConfirmation), false},
		{"previous failed", step(2, models.StepNotStarted), step(1, models.StepFailed), false},
		{"missing predecessor", step(2, models.StepNotStarted), nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanRun(tt.step, tt.previous))
		})
	}
}

func TestController_CreateInstance(t *testing.T) {
	ctx := context.Background()

	t.Run("copies template steps", func(t *testing.T) {
		f := newFixture(t, DefaultOptions())
		wf := f.startWorkflow(t, consultingAgents...)
		assert.Equal(t, models.InstanceActive, wf.Instance.Status)
		assert.Equal(t, 0, wf.Instance.CurrentStepOrder)
		assert.Equal(t, 1, wf.Instance.TemplateVersion)
		require.Len(t, wf.Steps, 6)
		for i, s := range wf.Steps {
			assert.Equal(t, i+1, s.StepOrder)
			assert.Equal(t, models.StepNotStarted, s.Status)
		}

		again, err := f.controller.CreateInstance(ctx, f.project.ID, wf.Instance.TemplateID)
		require.NoError(t, err)
		assert.Equal(t, wf.Instance.ID, again.Instance.ID)
	})

	t.Run("unknown template", func(t *testing.T) {
		f := newFixture(t, DefaultOptions())
		_, err := f.controller.CreateInstance(ctx, f.project.ID, "missing")
		assert.Equal(t, KindTemplateNotFound, KindOf(err))
	})

	t.Run("unknown project", func(t *testing.T) {
		f := newFixture(t, DefaultOptions())
		_, err := f.controller.CreateInstance(ctx, "missing", "missing")
		assert.Equal(t, KindNotFound, KindOf(err))
	})

	invalid := []struct {
		name  string
		steps []*models.WorkflowTemplateStep
	}{
		{"gap in orders", []*models.WorkflowTemplateStep{
			{StepOrder: 1, Name: "Define", AgentKey: models.AgentProjectDefinition},
			{StepOrder: 3, Name: "Issues", AgentKey: models.AgentIssuesTree},
		}},
		{"critic as a step", []*models.WorkflowTemplateStep{
			{StepOrder: 1, Name: "Critic", AgentKey: models.AgentMECECritic},
		}},
		{"no steps", nil},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, DefaultOptions())
			tmpl := &models.WorkflowTemplate{Name: "Broken", Steps: tt.steps}
			require.NoError(t, f.store.CreateTemplate(ctx, tmpl))
			_, err := f.controller.CreateInstance(ctx, f.project.ID, tmpl.ID)
			assert.Equal(t, KindInvalidTemplate, KindOf(err), "got %v", err)
			_, err = f.store.GetInstanceByProject(ctx, f.project.ID)
			assert.ErrorIs(t, err, repository.ErrNotFound)
		})
	}
}

func TestController_RunStepPreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("out of order", func(t *testing.T) {
		f := newFixture(t, DefaultOptions())
		wf := f.startWorkflow(t, consultingAgents...)

		_, err := f.controller.RunStep(ctx, wf.Steps[1].ID, RunOptions{})
		assert.True(t, errors.Is(err, ErrInvalidStepTransition))
		assert.Equal(t, models.StepNotStarted, f.stepStatus(t, wf.Steps[1].ID))
		assert.Equal(t, 0, f.llm.calls())

		logs, err := f.store.ListRunLogs(ctx, wf.Steps[1].ID)
		require.NoError(t, err)
		assert.Empty(t, logs)
	})

	t.Run("already running", func(t *testing.T) {
		f := newFixture(t, DefaultOptions())
		wf := f.startWorkflow(t, consultingAgents...)
		ok, err := f.store.TransitionStep(ctx, wf.Steps[0].ID, []models.StepStatus{models.StepNotStarted}, models.StepRunning, models.StepPatch{})
		require.NoError(t, err)
		require.True(t, ok)

		_, err = f.controller.RunStep(ctx, wf.Steps[0].ID, RunOptions{})
		assert.True(t, errors.Is(err, ErrStepAlreadyRunning))
		assert.Equal(t, 0, f.llm.calls())
	})

	t.Run("completed step", func(t *testing.T) {
		f := newFixture(t, DefaultOptions(), reply{text: definitionJSON()})
		wf := f.startWorkflow(t, consultingAgents...)
		_, err := f.controller.RunStep(ctx, wf.Steps[0].ID, RunOptions{})
		require.NoError(t, err)

		_, err = f.controller.RunStep(ctx, wf.Steps[0].ID, RunOptions{})
		assert.True(t, errors.Is(err, ErrInvalidStepTransition))
		assert.Equal(t, 1, f.llm.calls())
	})

	t.Run("unknown step", func(t *testing.T) {
		f := newFixture(t, DefaultOptions())
		_, err := f.controller.RunStep(ctx, "missing", RunOptions{})
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestController_FailedStepCanBeRerun(t *testing.T) {
	f := newFixture(t, DefaultOptions(),
		reply{err: llm.NewFatalError(errors.New("401 invalid api key"))},
		reply{text: definitionJSON()},
	)
	wf := f.startWorkflow(t, consultingAgents...)
	ctx := context.Background()

	step, err := f.controller.RunStep(ctx, wf.Steps[0].ID, RunOptions{Operator: "analyst@example.com"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModelUnavailable))
	assert.Equal(t, models.StepFailed, step.Status)
	assert.Contains(t, step.ErrorText, "401 invalid api key")
	assert.Equal(t, models.StageCreated, f.stage(t))

	step, err = f.controller.RunStep(ctx, wf.Steps[0].ID, RunOptions{Operator: "analyst@example.com"})
	require.NoError(t, err)
	assert.Equal(t, models.StepCompleted, step.Status)
	assert.Empty(t, step.ErrorText)
	require.NotNil(t, step.OutputSummary)
	assert.Equal(t, "Project Definition", step.OutputSummary.Title)

	logs, err := f.controller.ListRunLogs(ctx, step.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.RunFailed, logs[0].Status)
	assert.Equal(t, models.RunSuccess, logs[1].Status)
	assert.Equal(t, "analyst@example.com", logs[1].Operator)
}

func TestController_Approval(t *testing.T) {
	f := newFixture(t, DefaultOptions(), reply{text: definitionJSON()})
	wf := f.startWorkflow(t, consultingAgents...)
	ctx := context.Background()
	id := wf.Steps[0].ID

	_, err := f.controller.ApproveStep(ctx, id)
	assert.True(t, errors.Is(err, ErrStepNotApprovable), "not started")

	_, err = f.controller.RunStep(ctx, id, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StageDefinitionDraft, f.stage(t))

	step, err := f.controller.ApproveStep(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StepApproved, step.Status)
	assert.Equal(t, models.StageDefinitionApproved, f.stage(t))

	delivs, err := f.controller.ListDeliverables(ctx, id)
	require.NoError(t, err)
	require.Len(t, delivs, 1)
	assert.True(t, delivs[0].Locked)

	_, err = f.controller.ApproveStep(ctx, id)
	assert.True(t, errors.Is(err, ErrStepNotApprovable), "approved twice")
	assert.Equal(t, models.StepApproved, f.stepStatus(t, id))
}

func TestController_ApprovalLockFailure(t *testing.T) {
	f := newFixture(t, DefaultOptions(), reply{text: definitionJSON()})
	wf := f.startWorkflow(t, consultingAgents...)
	ctx := context.Background()
	id := wf.Steps[0].ID
	_, err := f.controller.RunStep(ctx, id, RunOptions{})
	require.NoError(t, err)

	failing := NewController(lockFailingStore{f.store}, f.executor, f.critic)
	_, err = failing.ApproveStep(ctx, id)
	require.Error(t, err)
	assert.Equal(t, KindPersistenceFailed, KindOf(err))
	assert.Equal(t, models.StepCompleted, f.stepStatus(t, id))
	assert.Equal(t, models.StageDefinitionDraft, f.stage(t))
	delivs, err := f.controller.ListDeliverables(ctx, id)
	require.NoError(t, err)
	assert.False(t, delivs[0].Locked)

	step, err := f.controller.ApproveStep(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StepApproved, step.Status)
}

func TestController_RunStepChangedDuringRun(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	wf := f.startWorkflow(t, consultingAgents...)
	ctx := context.Background()
	id := wf.Steps[0].ID

	ctrl := NewController(f.store, interruptingRunner{f.store}, f.critic)
	step, err := ctrl.RunStep(ctx, id, RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidStepTransition))
	assert.Equal(t, models.StepFailed, step.Status)
	assert.Equal(t, InterruptedError, step.ErrorText)
	assert.Nil(t, step.OutputSummary)
	assert.Equal(t, models.StageCreated, f.stage(t))

	got, err := ctrl.GetWorkflow(ctx, f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Instance.CurrentStepOrder)
}

func TestController_Unapprove(t *testing.T) {
	f := newFixture(t, DefaultOptions(),
		reply{text: definitionJSON()},
		reply{text: treeJSON("EU")},
		reply{text: criticJSON(4, 4, 4, 5, 4)},
	)
	wf := f.startWorkflow(t, consultingAgents...)
	ctx := context.Background()
	first := wf.Steps[0].ID

	_, err := f.controller.RunStep(ctx, first, RunOptions{})
	require.NoError(t, err)
	_, err = f.controller.ApproveStep(ctx, first)
	require.NoError(t, err)

	step, err := f.controller.UnapproveStep(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, models.StepCompleted, step.Status)
	assert.Equal(t, models.StageDefinitionDraft, f.stage(t))
	delivs, err := f.controller.ListDeliverables(ctx, first)
	require.NoError(t, err)
	assert.False(t, delivs[0].Locked)

	_, err = f.controller.ApproveStep(ctx, first)
	require.NoError(t, err)
	_, err = f.controller.RunStep(ctx, wf.Steps[1].ID, RunOptions{})
	require.NoError(t, err)

	_, err = f.controller.UnapproveStep(ctx, first)
	assert.True(t, errors.Is(err, ErrInvalidStepTransition), "a later step has run")
	assert.Equal(t, models.StepApproved, f.stepStatus(t, first))
}

func TestController_RequireConfirmation(t *testing.T) {
	f := newFixture(t, DefaultOptions(), reply{text: definitionJSON()})
	ctx := context.Background()
	tmpl := &models.WorkflowTemplate{Name: "Confirmed", Steps: []*models.WorkflowTemplateStep{
		{StepOrder: 1, Name: "Define", AgentKey: models.AgentProjectDefinition, Config: models.StepConfig{RequireConfirmation: true}},
		{StepOrder: 2, Name: "Issues", AgentKey: models.AgentIssuesTree},
	}}
	require.NoError(t, f.store.CreateTemplate(ctx, tmpl))
	wf, err := f.controller.CreateInstance(ctx, f.project.ID, tmpl.ID)
	require.NoError(t, err)
	id := wf.Steps[0].ID

	step, err := f.controller.RunStep(ctx, id, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StepAwaitingConfirmation, step.Status)

	_, err = f.controller.ApproveStep(ctx, id)
	assert.True(t, errors.Is(err, ErrStepNotApprovable))
	_, err = f.controller.RunStep(ctx, wf.Steps[1].ID, RunOptions{})
	assert.True(t, errors.Is(err, ErrInvalidStepTransition))

	step, err = f.controller.ConfirmStep(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StepCompleted, step.Status)

	_, err = f.controller.ConfirmStep(ctx, id)
	assert.True(t, errors.Is(err, ErrInvalidStepTransition))

	_, err = f.controller.ApproveStep(ctx, id)
	require.NoError(t, err)
}

func TestController_CriticExhaustionFailsStep(t *testing.T) {
	f := newFixture(t, DefaultOptions(),
		reply{text: definitionJSON()},
		reply{text: treeJSON("a")}, reply{text: criticJSON(2, 3, 3, 3, 3)},
		reply{text: treeJSON("b")}, reply{text: criticJSON(3, 3, 3, 3, 3)},
		reply{text: treeJSON("c")}, reply{text: criticJSON(2, 2, 3, 3, 3)},
	)
	wf := f.startWorkflow(t, consultingAgents...)
	ctx := context.Background()

	_, err := f.controller.RunStep(ctx, wf.Steps[0].ID, RunOptions{})
	require.NoError(t, err)
	_, err = f.controller.ApproveStep(ctx, wf.Steps[0].ID)
	require.NoError(t, err)

	step, err := f.controller.RunStep(ctx, wf.Steps[1].ID, RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRevisionExhausted))
	assert.Equal(t, models.StepFailed, step.Status)
	assert.Contains(t, step.ErrorText, "RevisionExhausted")
	require.NotNil(t, step.OutputSummary)
	assert.NotEmpty(t, step.OutputSummary.DeliverableID)
	assert.Equal(t, 3, step.OutputSummary.CriticAttempts)
	assert.Equal(t, models.StageDefinitionApproved, f.stage(t))

	_, err = f.controller.RunStep(ctx, wf.Steps[2].ID, RunOptions{})
	assert.True(t, errors.Is(err, ErrInvalidStepTransition))
}

func TestController_Recover(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	wf := f.startWorkflow(t, consultingAgents...)
	ctx := context.Background()
	_, err := f.store.TransitionStep(ctx, wf.Steps[0].ID, []models.StepStatus{models.StepNotStarted}, models.StepRunning, models.StepPatch{})
	require.NoError(t, err)

	n, err := f.controller.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	step, err := f.controller.GetStep(ctx, wf.Steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepFailed, step.Status)
	assert.Equal(t, InterruptedError, step.ErrorText)
}

func TestExecutor_HypothesesAreAppendOnly(t *testing.T) {
	f := newFixture(t, DefaultOptions(), reply{text: hypothesesJSON()}, reply{text: hypothesesJSON()})
	wf := f.startWorkflow(t, models.AgentHypothesis)
	ctx := context.Background()

	for range 2 {
		_, err := f.executor.Execute(ctx, f.run(t, wf.Steps[0]))
		require.NoError(t, err)
	}
	v1, err := f.store.ListHypotheses(ctx, f.project.ID, 1)
	require.NoError(t, err)
	v2, err := f.store.ListHypotheses(ctx, f.project.ID, repository.Latest)
	require.NoError(t, err)
	require.Len(t, v1, 2)
	require.Len(t, v2, 2)
	assert.Equal(t, 2, v2[0].Version)
	assert.NotEqual(t, v1[0].ID, v2[0].ID)
}

// TestWorkflow_EndToEnd drives a full engagement through every step with a
// scripted model.
func TestWorkflow_EndToEnd(t *testing.T) {
	f := newFixture(t, DefaultOptions(),
		reply{text: definitionJSON()},
		reply{text: treeJSON("EU")},
		reply{text: criticJSON(4, 4, 4, 5, 4)},
		reply{text: hypothesesJSON()},
		reply{text: "Entering the EU through Germany returns a positive NPV within the $2M budget."},
		reply{text: slidesJSON()},
	)
	wf := f.startWorkflow(t, consultingAgents...)
	ctx := context.Background()

	runAndApprove := func(i int) *models.WorkflowInstanceStep {
		t.Helper()
		step, err := f.controller.RunStep(ctx, wf.Steps[i].ID, RunOptions{Operator: "partner@example.com"})
		require.NoError(t, err, "step %d", i+1)
		require.Equal(t, models.StepCompleted, step.Status)
		approved, err := f.controller.ApproveStep(ctx, step.ID)
		require.NoError(t, err)
		require.Equal(t, models.StepApproved, approved.Status)
		return step
	}

	runAndApprove(0)
	assert.Equal(t, models.StageDefinitionApproved, f.stage(t))

	issues := runAndApprove(1)
	assert.InDelta(t, 4.2, issues.OutputSummary.CriticScore, 1e-9)
	assert.Equal(t, 1, issues.OutputSummary.CriticAttempts)
	nodes, err := f.store.ListIssueNodes(ctx, f.project.ID, repository.Latest)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(nodes), 15)
	tree := models.IssueTreeDraft{}
	for _, n := range nodes {
		tree.Issues = append(tree.Issues, models.IssueDraftNode{ID: n.ID, ParentID: n.ParentID, Text: n.Text, Priority: n.Priority})
	}
	depth, err := validateTree(&tree, 15, 3)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, depth, 3)

	runAndApprove(2)
	assert.Contains(t, f.llm.request(3).Messages[0].Content, "- [ID:1] EU branch 1 (high)")
	hyps, err := f.store.ListHypotheses(ctx, f.project.ID, repository.Latest)
	require.NoError(t, err)
	require.Len(t, hyps, 2)
	require.NotNil(t, hyps[0].IssueNodeID)
	assert.Equal(t, "1", *hyps[0].IssueNodeID)
	assert.Nil(t, hyps[1].IssueNodeID, "unknown node references are dropped")
	plans, err := f.store.ListAnalysisPlans(ctx, f.project.ID, repository.Latest)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, 0.15, plans[1].Parameters.Volatility)

	calls := f.llm.calls()
	runAndApprove(3)
	assert.Equal(t, calls, f.llm.calls(), "execution makes no model call")
	runs, err := f.store.ListModelRuns(ctx, f.project.ID, repository.Latest)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, scenarioToolName, r.ToolName)
		assert.Greater(t, r.Outputs.Summary.OptimisticNPV, r.Outputs.Summary.PessimisticNPV)
	}

	runAndApprove(4)
	assert.Contains(t, f.llm.request(4).Messages[0].Content, "EU demand supports $5M revenue by year 2")
	narrative, err := f.store.GetNarrative(ctx, f.project.ID, repository.Latest)
	require.NoError(t, err)
	assert.Contains(t, narrative.SummaryText, "positive NPV")

	runAndApprove(5)
	slides, err := f.store.ListSlides(ctx, f.project.ID, repository.Latest)
	require.NoError(t, err)
	require.Len(t, slides, 2)
	assert.Equal(t, models.LayoutTitleBody, slides[1].Layout)
	assert.Equal(t, 1, slides[1].SlideIndex)
	var body map[string][]string
	require.NoError(t, json.Unmarshal(slides[1].Body, &body))
	assert.Equal(t, []string{"Enter Germany first"}, body["bullets"])

	got, err := f.controller.GetWorkflow(ctx, f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCompleted, got.Instance.Status)
	assert.Equal(t, 6, got.Instance.CurrentStepOrder)
	assert.Equal(t, models.StageComplete, f.stage(t))
	assert.Zero(t, f.llm.remaining())

	logs, err := f.controller.ListProjectRunLogs(ctx, f.project.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 6)
}
