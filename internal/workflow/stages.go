package workflow

import "consultflow/backend/pkg/models"

// draftStages is the project stage reached when an agent's step runs.
var draftStages = map[models.AgentKey]models.ProjectStage{
	models.AgentProjectDefinition: models.StageDefinitionDraft,
	models.AgentIssuesTree:        models.StageIssuesDraft,
	models.AgentHypothesis:        models.StageHypothesesDraft,
	models.AgentExecution:         models.StageExecutionDone,
	models.AgentSummary:           models.StageSummaryDraft,
	models.AgentPresentation:      models.StagePresentationDraft,
}

// approvedStages is the project stage reached when an agent's step is
// approved. The last step of an instance always ends in StageComplete.
var approvedStages = map[models.AgentKey]models.ProjectStage{
	models.AgentProjectDefinition: models.StageDefinitionApproved,
	models.AgentIssuesTree:        models.StageIssuesApproved,
	models.AgentHypothesis:        models.StageHypothesesApproved,
	models.AgentExecution:         models.StageExecutionApproved,
	models.AgentSummary:           models.StageSummaryApproved,
	models.AgentPresentation:      models.StageComplete,
}

// DraftStage returns the stage a project moves to when agent runs.
func DraftStage(agent models.AgentKey) (models.ProjectStage, bool) {
	s, ok := draftStages[agent]
	return s, ok
}

// ApprovedStage returns the stage a project moves to when agent's step is
// approved.
func ApprovedStage(agent models.AgentKey) (models.ProjectStage, bool) {
	s, ok := approvedStages[agent]
	return s, ok
}
