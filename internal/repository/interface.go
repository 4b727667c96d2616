package repository

import (
	"context"
	"errors"

	"consultflow/backend/pkg/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint rejects a write.
	ErrConflict = errors.New("conflict")
)

// Latest selects the newest version of a versioned collection.
const Latest = 0

// ProjectStore persists projects.
type ProjectStore interface {
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	UpdateProjectStage(ctx context.Context, id string, stage models.ProjectStage) error
}

// TemplateStore persists workflow templates. Updating a template stores it
// as the next version.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, tmpl *models.WorkflowTemplate) error
	UpdateTemplate(ctx context.Context, tmpl *models.WorkflowTemplate) error
	GetTemplate(ctx context.Context, id string) (*models.WorkflowTemplate, error)
	ListTemplates(ctx context.Context) ([]*models.WorkflowTemplate, error)
}

// AgentConfigStore persists operator overrides for agent prompts and models.
type AgentConfigStore interface {
	GetAgentConfig(ctx context.Context, key models.AgentKey) (*models.AgentConfig, error)
	UpsertAgentConfig(ctx context.Context, cfg *models.AgentConfig) error
}

// WorkflowReader reads instances and their steps.
type WorkflowReader interface {
	GetInstance(ctx context.Context, id string) (*models.WorkflowInstance, error)
	GetInstanceByProject(ctx context.Context, projectID string) (*models.WorkflowInstance, error)
	ListSteps(ctx context.Context, instanceID string) ([]*models.WorkflowInstanceStep, error)
	GetStep(ctx context.Context, id string) (*models.WorkflowInstanceStep, error)
}

// StepStatusWriter mutates instances and steps. Only the workflow
// controller holds one.
type StepStatusWriter interface {
	// CreateInstance stores an instance and its steps. ErrConflict means
	// the project already has an instance.
	CreateInstance(ctx context.Context, inst *models.WorkflowInstance, steps []*models.WorkflowInstanceStep) error
	// TransitionStep moves a step to `to` only if its status is one of
	// `from`, applying patch in the same write. It reports whether the
	// transition happened.
	TransitionStep(ctx context.Context, stepID string, from []models.StepStatus, to models.StepStatus, patch models.StepPatch) (bool, error)
	UpdateInstanceProgress(ctx context.Context, instanceID string, currentStepOrder int, status models.InstanceStatus) error
	SetDeliverablesLocked(ctx context.Context, stepID string, locked bool) error
	// FailRunningSteps marks every running step failed with errorText and
	// returns the steps it changed.
	FailRunningSteps(ctx context.Context, errorText string) ([]*models.WorkflowInstanceStep, error)
}

// CriticCheckpointer persists critic loop progress on a step.
type CriticCheckpointer interface {
	SaveCriticState(ctx context.Context, stepID string, state *models.CriticState) error
}

// ArtifactReader reads step outputs. Versioned collections take a version
// number or Latest and return an empty slice when nothing was written.
type ArtifactReader interface {
	ListDeliverables(ctx context.Context, stepID string) ([]*models.Deliverable, error)
	ListRunLogs(ctx context.Context, stepID string) ([]*models.RunLog, error)
	ListProjectRunLogs(ctx context.Context, projectID string) ([]*models.RunLog, error)
	ListIssueNodes(ctx context.Context, projectID string, version int) ([]*models.IssueNode, error)
	ListHypotheses(ctx context.Context, projectID string, version int) ([]*models.Hypothesis, error)
	ListAnalysisPlans(ctx context.Context, projectID string, version int) ([]*models.AnalysisPlan, error)
	ListModelRuns(ctx context.Context, projectID string, version int) ([]*models.ModelRun, error)
	GetNarrative(ctx context.Context, projectID string, version int) (*models.Narrative, error)
	ListSlides(ctx context.Context, projectID string, version int) ([]*models.Slide, error)
}

// StepOutput is everything one successful step run writes. The store
// assigns versions: max+1 per project for each non-empty collection and
// max+1 per step for the deliverable.
type StepOutput struct {
	ProjectID     string
	Deliverable   *models.Deliverable
	RunLog        *models.RunLog
	IssueNodes    []*models.IssueNode
	Hypotheses    []*models.Hypothesis
	AnalysisPlans []*models.AnalysisPlan
	ModelRuns     []*models.ModelRun
	Narrative     *models.Narrative
	Slides        []*models.Slide
}

// ArtifactWriter records run logs and step outputs. Only the step
// executor holds one.
type ArtifactWriter interface {
	StartRunLog(ctx context.Context, log *models.RunLog) error
	FinishRunLog(ctx context.Context, log *models.RunLog) error
	// CommitStepOutput writes out atomically. On error nothing is stored.
	CommitStepOutput(ctx context.Context, out *StepOutput) error
}

// VaultStore persists vault files and their chunks.
type VaultStore interface {
	CreateVaultFile(ctx context.Context, file *models.VaultFile) error
	GetVaultFile(ctx context.Context, id string) (*models.VaultFile, error)
	UpdateVaultFile(ctx context.Context, file *models.VaultFile) error
	ListVaultFiles(ctx context.Context, projectID string) ([]*models.VaultFile, error)
	ReplaceVaultChunks(ctx context.Context, fileID string, chunks []*models.VaultChunk) error
	// ListVaultChunks returns a project's chunks in upload order, then
	// chunk index.
	ListVaultChunks(ctx context.Context, projectID string) ([]*models.VaultChunk, error)
}

// Store is the full persistence surface. Components take the narrower
// interfaces above.
type Store interface {
	ProjectStore
	TemplateStore
	AgentConfigStore
	WorkflowReader
	StepStatusWriter
	CriticCheckpointer
	ArtifactReader
	ArtifactWriter
	VaultStore
	Ping(ctx context.Context) error
	Close()
}
