package models

import "time"

// ProjectStage tracks how far a project has progressed through its workflow.
type ProjectStage string

const (
	StageCreated            ProjectStage = "created"
	StageDefinitionDraft    ProjectStage = "definition_draft"
	StageDefinitionApproved ProjectStage = "definition_approved"
	StageIssuesDraft        ProjectStage = "issues_draft"
	StageIssuesApproved     ProjectStage = "issues_approved"
	StageHypothesesDraft    ProjectStage = "hypotheses_draft"
	StageHypothesesApproved ProjectStage = "hypotheses_approved"
	StageExecutionDone      ProjectStage = "execution_done"
	StageExecutionApproved  ProjectStage = "execution_approved"
	StageSummaryDraft       ProjectStage = "summary_draft"
	StageSummaryApproved    ProjectStage = "summary_approved"
	StagePresentationDraft  ProjectStage = "presentation_draft"
	StageComplete           ProjectStage = "complete"
)

// Project is the engagement a workflow instance runs for.
type Project struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Objective   string       `json:"objective"`
	Constraints string       `json:"constraints"`
	Stage       ProjectStage `json:"stage"`
	TemplateID  string       `json:"template_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}
