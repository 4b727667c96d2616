package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"consultflow/backend/internal/events"
	"consultflow/backend/internal/repository"
	"consultflow/backend/pkg/models"
)

// InterruptedError is recorded on steps that were running when the
// process stopped.
const InterruptedError = "interrupted: the server stopped while this step was running; run it again"

// ControllerStore is the persistence the controller needs. It is the only
// component holding a StepStatusWriter.
type ControllerStore interface {
	repository.ProjectStore
	GetTemplate(ctx context.Context, id string) (*models.WorkflowTemplate, error)
	repository.WorkflowReader
	repository.StepStatusWriter
	ListDeliverables(ctx context.Context, stepID string) ([]*models.Deliverable, error)
	ListRunLogs(ctx context.Context, stepID string) ([]*models.RunLog, error)
	ListProjectRunLogs(ctx context.Context, projectID string) ([]*models.RunLog, error)
}

// StepRunner executes one step run.
type StepRunner interface {
	Execute(ctx context.Context, run *Run) (*Outcome, error)
}

// Workflow is an instance with its ordered steps.
type Workflow struct {
	Instance *models.WorkflowInstance      `json:"instance"`
	Steps    []*models.WorkflowInstanceStep `json:"steps"`
}

// RunOptions are the caller-supplied inputs of a step run.
type RunOptions struct {
	Parameters string
	Operator   string
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithStepTimeout bounds a single step run. Zero means no bound.
func WithStepTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) { c.stepTimeout = d }
}

// WithControllerPublisher sets where lifecycle events go.
func WithControllerPublisher(p events.Publisher) ControllerOption {
	return func(c *Controller) { c.events = p }
}

// WithControllerLogger sets the logger.
func WithControllerLogger(l Logger) ControllerOption {
	return func(c *Controller) { c.logger = l }
}

// WithControllerRecorder sets the metrics recorder.
func WithControllerRecorder(r Recorder) ControllerOption {
	return func(c *Controller) { c.recorder = r }
}

// Controller owns workflow instances: it creates them from templates,
// enforces run and approval preconditions and is the only writer of step
// status.
type Controller struct {
	store       ControllerStore
	executor    StepRunner
	critic      StepRunner
	events      events.Publisher
	logger      Logger
	recorder    Recorder
	stepTimeout time.Duration
	now         func() time.Time
}

// NewController creates a Controller. critic runs issues tree steps and
// executor runs every other step.
func NewController(store ControllerStore, executor, critic StepRunner, options ...ControllerOption) *Controller {
	c := &Controller{
		store:    store,
		executor: executor,
		critic:   critic,
		events:   events.Nop{},
		logger:   nopLogger{},
		recorder: nopRecorder{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// CreateInstance starts the workflow of a project from a template. If the
// project already has an instance it is returned unchanged.
func (c *Controller) CreateInstance(ctx context.Context, projectID, templateID string) (*Workflow, error) {
	if _, err := c.store.GetProject(ctx, projectID); err != nil {
		return nil, notFound(err, "project", projectID)
	}
	if wf, err := c.GetWorkflow(ctx, projectID); err == nil {
		return wf, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	tmpl, err := c.store.GetTemplate(ctx, templateID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, newError(KindTemplateNotFound, err, "template %s not found", templateID)
	}
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", templateID, err)
	}
	tsteps, err := validateTemplate(tmpl)
	if err != nil {
		return nil, err
	}

	now := c.now()
	inst := &models.WorkflowInstance{
		ID:               uuid.New().String(),
		ProjectID:        projectID,
		TemplateID:       tmpl.ID,
		TemplateVersion:  tmpl.Version,
		CurrentStepOrder: 0,
		Status:           models.InstanceActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	steps := make([]*models.WorkflowInstanceStep, len(tsteps))
	for i, ts := range tsteps {
		steps[i] = &models.WorkflowInstanceStep{
			ID:          uuid.New().String(),
			InstanceID:  inst.ID,
			ProjectID:   projectID,
			StepOrder:   ts.StepOrder,
			Name:        ts.Name,
			AgentKey:    ts.AgentKey,
			Description: ts.Description,
			Status:      models.StepNotStarted,
			Config:      ts.Config,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	if err := c.store.CreateInstance(ctx, inst, steps); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return c.GetWorkflow(ctx, projectID)
		}
		return nil, fmt.Errorf("create workflow instance: %w", err)
	}
	c.logger.Info("Workflow instance created", "project_id", projectID, "template_id", tmpl.ID, "template_version", tmpl.Version, "steps", len(steps))
	return &Workflow{Instance: inst, Steps: steps}, nil
}

// validateTemplate returns the template steps in order after checking that
// orders run 1..n and every step names a known agent with a valid config.
func validateTemplate(tmpl *models.WorkflowTemplate) ([]*models.WorkflowTemplateStep, error) {
	if len(tmpl.Steps) == 0 {
		return nil, newError(KindInvalidTemplate, nil, "template %s has no steps", tmpl.ID)
	}
	steps := append([]*models.WorkflowTemplateStep(nil), tmpl.Steps...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
	for i, s := range steps {
		if s.StepOrder != i+1 {
			return nil, newError(KindInvalidTemplate, nil, "template %s step orders must be contiguous from 1, found %d at position %d", tmpl.ID, s.StepOrder, i+1)
		}
		if !s.AgentKey.IsStepAgent() {
			return nil, newError(KindInvalidTemplate, nil, "template %s step %d has unknown agent %q", tmpl.ID, s.StepOrder, s.AgentKey)
		}
		if err := s.Config.Validate(s.AgentKey); err != nil {
			return nil, newError(KindInvalidTemplate, err, "template %s step %d config", tmpl.ID, s.StepOrder)
		}
	}
	return steps, nil
}

// CanRun reports whether step may start: it must be not started or failed,
// and its predecessor (nil for the first step) completed or approved.
func CanRun(step, previous *models.WorkflowInstanceStep) bool {
	if step.Status != models.StepNotStarted && step.Status != models.StepFailed {
		return false
	}
	if previous == nil {
		return step.StepOrder == 1
	}
	return previous.Status == models.StepCompleted || previous.Status == models.StepApproved
}

// RunStep runs a step to completion and returns it in its final status.
// Precondition failures return before anything is written. The run is
// detached from ctx cancellation and bounded by the step timeout, so a
// disconnected caller finds the result by polling.
func (c *Controller) RunStep(ctx context.Context, stepID string, opts RunOptions) (*models.WorkflowInstanceStep, error) {
	step, err := c.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, notFound(err, "step", stepID)
	}
	if step.Status == models.StepRunning {
		return step, newError(KindStepAlreadyRunning, nil, "step %s is already running", stepID)
	}
	steps, err := c.store.ListSteps(ctx, step.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	previous := predecessor(steps, step)
	if !CanRun(step, previous) {
		return step, transitionError(step, previous)
	}
	project, err := c.store.GetProject(ctx, step.ProjectID)
	if err != nil {
		return nil, notFound(err, "project", step.ProjectID)
	}

	cleared := ""
	ok, err := c.store.TransitionStep(ctx, stepID, []models.StepStatus{models.StepNotStarted, models.StepFailed}, models.StepRunning, models.StepPatch{ErrorText: &cleared})
	if err != nil {
		return nil, fmt.Errorf("mark step running: %w", err)
	}
	if !ok {
		current, gerr := c.store.GetStep(ctx, stepID)
		if gerr == nil && current.Status == models.StepRunning {
			return current, newError(KindStepAlreadyRunning, nil, "step %s is already running", stepID)
		}
		return step, newError(KindInvalidStepTransition, nil, "step %s changed status before it could start", stepID)
	}
	step.Status = models.StepRunning
	step.ErrorText = ""

	runCtx := context.WithoutCancel(ctx)
	if c.stepTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, c.stepTimeout)
		defer cancel()
	}
	runCtx, span := tracer.Start(runCtx, "workflow.RunStep", trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.agent", string(step.AgentKey)),
		attribute.Int("step.order", step.StepOrder),
	))
	defer span.End()

	c.logger.Info("Running step", "project_id", project.ID, "step_id", step.ID, "agent", step.AgentKey, "operator", opts.Operator)
	runner := c.executor
	if step.AgentKey == models.AgentIssuesTree {
		runner = c.critic
	}
	started := c.now()
	outcome, runErr := runner.Execute(runCtx, &Run{Project: project, Step: step, Parameters: opts.Parameters, Operator: opts.Operator})
	elapsed := c.now().Sub(started)

	// Status writes must land even if the run used up its deadline.
	writeCtx := context.WithoutCancel(runCtx)
	if runErr != nil {
		c.recorder.ObserveStep(step.AgentKey, string(KindOf(runErr)), elapsed)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		c.logger.Warn("Step failed", "step_id", step.ID, "agent", step.AgentKey, "kind", KindOf(runErr), "error", runErr)
		errText := runErr.Error()
		patch := models.StepPatch{ErrorText: &errText}
		if outcome != nil {
			patch.OutputSummary = &outcome.Summary
		}
		if _, err := c.store.TransitionStep(writeCtx, stepID, []models.StepStatus{models.StepRunning}, models.StepFailed, patch); err != nil {
			c.logger.Error("Failed to mark step failed", "step_id", stepID, "error", err)
		}
		return c.reload(writeCtx, step), runErr
	}

	to := models.StepCompleted
	if step.Config.RequireConfirmation {
		to = models.StepAwaitingConfirmation
	}
	cleared = ""
	ok, err = c.store.TransitionStep(writeCtx, stepID, []models.StepStatus{models.StepRunning}, to, models.StepPatch{OutputSummary: &outcome.Summary, ErrorText: &cleared})
	if err != nil {
		return nil, newError(KindPersistenceFailed, err, "record step completion")
	}
	if !ok {
		current := c.reload(writeCtx, step)
		c.logger.Error("Step left running state during the run, result not applied",
			"step_id", stepID, "agent", step.AgentKey, "status", current.Status, "deliverable_id", outcome.Summary.DeliverableID)
		c.recorder.ObserveStep(step.AgentKey, string(KindInvalidStepTransition), elapsed)
		return current, newError(KindInvalidStepTransition, nil, "step %s changed status to %s while running", stepID, current.Status)
	}
	inst, err := c.store.GetInstance(writeCtx, step.InstanceID)
	if err != nil {
		return nil, newError(KindPersistenceFailed, err, "load workflow instance")
	}
	if err := c.store.UpdateInstanceProgress(writeCtx, inst.ID, step.StepOrder, inst.Status); err != nil {
		return nil, newError(KindPersistenceFailed, err, "advance workflow instance")
	}
	if stage, ok := DraftStage(step.AgentKey); ok {
		if err := c.store.UpdateProjectStage(writeCtx, project.ID, stage); err != nil {
			return nil, newError(KindPersistenceFailed, err, "update project stage")
		}
	}
	c.recorder.ObserveStep(step.AgentKey, "success", elapsed)
	c.logger.Info("Step finished", "step_id", step.ID, "agent", step.AgentKey, "status", to, "duration", elapsed)
	return c.reload(writeCtx, step), nil
}

func predecessor(steps []*models.WorkflowInstanceStep, step *models.WorkflowInstanceStep) *models.WorkflowInstanceStep {
	for _, s := range steps {
		if s.StepOrder == step.StepOrder-1 {
			return s
		}
	}
	return nil
}

func transitionError(step, previous *models.WorkflowInstanceStep) error {
	switch {
	case step.Status != models.StepNotStarted && step.Status != models.StepFailed:
		return newError(KindInvalidStepTransition, nil, "step %d (%s) is %s and cannot be run", step.StepOrder, step.Name, step.Status)
	case previous == nil:
		return newError(KindInvalidStepTransition, nil, "step %d (%s) has no predecessor", step.StepOrder, step.Name)
	}
	return newError(KindInvalidStepTransition, nil, "step %d (%s) needs step %d (%s) completed first, it is %s",
		step.StepOrder, step.Name, previous.StepOrder, previous.Name, previous.Status)
}

func (c *Controller) reload(ctx context.Context, step *models.WorkflowInstanceStep) *models.WorkflowInstanceStep {
	fresh, err := c.store.GetStep(ctx, step.ID)
	if err != nil {
		c.logger.Warn("Failed to reload step", "step_id", step.ID, "error", err)
		return step
	}
	return fresh
}

// ApproveStep accepts a completed step: it becomes approved, its
// deliverables are locked and the project stage advances. Approving the
// last step completes the instance.
func (c *Controller) ApproveStep(ctx context.Context, stepID string) (*models.WorkflowInstanceStep, error) {
	step, err := c.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, notFound(err, "step", stepID)
	}
	if step.Status != models.StepCompleted {
		return step, newError(KindStepNotApprovable, nil, "step %s is %s, only completed steps can be approved", stepID, step.Status)
	}
	// Deliverables are locked before the status moves so an approved step
	// never has unlocked deliverables.
	if err := c.store.SetDeliverablesLocked(ctx, stepID, true); err != nil {
		return step, newError(KindPersistenceFailed, err, "lock deliverables of step %s", stepID)
	}
	ok, err := c.store.TransitionStep(ctx, stepID, []models.StepStatus{models.StepCompleted}, models.StepApproved, models.StepPatch{})
	if err != nil || !ok {
		if uerr := c.store.SetDeliverablesLocked(context.WithoutCancel(ctx), stepID, false); uerr != nil {
			c.logger.Error("Failed to unlock deliverables after rejected approval", "step_id", stepID, "error", uerr)
		}
		if err != nil {
			return nil, fmt.Errorf("approve step: %w", err)
		}
		return c.reload(ctx, step), newError(KindStepNotApprovable, nil, "step %s changed status before it could be approved", stepID)
	}

	steps, err := c.store.ListSteps(ctx, step.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	stage, _ := ApprovedStage(step.AgentKey)
	if isLast(steps, step) {
		inst, err := c.store.GetInstance(ctx, step.InstanceID)
		if err != nil {
			return nil, fmt.Errorf("load workflow instance: %w", err)
		}
		if err := c.store.UpdateInstanceProgress(ctx, inst.ID, inst.CurrentStepOrder, models.InstanceCompleted); err != nil {
			return nil, fmt.Errorf("complete workflow instance: %w", err)
		}
		stage = models.StageComplete
	}
	if stage != "" {
		if err := c.store.UpdateProjectStage(ctx, step.ProjectID, stage); err != nil {
			return nil, fmt.Errorf("update project stage: %w", err)
		}
	}
	c.publish(step, events.KindStatus, fmt.Sprintf("Step %s approved.", step.Name))
	c.logger.Info("Step approved", "step_id", step.ID, "agent", step.AgentKey, "stage", stage)
	return c.reload(ctx, step), nil
}

// ConfirmStep accepts the output of a step that waits for confirmation,
// making it completed and approvable.
func (c *Controller) ConfirmStep(ctx context.Context, stepID string) (*models.WorkflowInstanceStep, error) {
	step, err := c.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, notFound(err, "step", stepID)
	}
	ok, err := c.store.TransitionStep(ctx, stepID, []models.StepStatus{models.StepAwaitingConfirmation}, models.StepCompleted, models.StepPatch{})
	if err != nil {
		return nil, fmt.Errorf("confirm step: %w", err)
	}
	if !ok {
		return step, newError(KindInvalidStepTransition, nil, "step %s is %s, only steps awaiting confirmation can be confirmed", stepID, step.Status)
	}
	c.publish(step, events.KindStatus, fmt.Sprintf("Step %s confirmed.", step.Name))
	return c.reload(ctx, step), nil
}

// UnapproveStep reopens an approved step for rework. It is refused once a
// later step has started, since that step consumed the approved output.
func (c *Controller) UnapproveStep(ctx context.Context, stepID string) (*models.WorkflowInstanceStep, error) {
	step, err := c.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, notFound(err, "step", stepID)
	}
	if step.Status != models.StepApproved {
		return step, newError(KindInvalidStepTransition, nil, "step %s is %s, only approved steps can be unapproved", stepID, step.Status)
	}
	steps, err := c.store.ListSteps(ctx, step.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	for _, s := range steps {
		if s.StepOrder > step.StepOrder && s.Status != models.StepNotStarted {
			return step, newError(KindInvalidStepTransition, nil, "step %d (%s) has already started", s.StepOrder, s.Name)
		}
	}
	ok, err := c.store.TransitionStep(ctx, stepID, []models.StepStatus{models.StepApproved}, models.StepCompleted, models.StepPatch{})
	if err != nil {
		return nil, fmt.Errorf("unapprove step: %w", err)
	}
	if !ok {
		return c.reload(ctx, step), newError(KindInvalidStepTransition, nil, "step %s changed status before it could be unapproved", stepID)
	}
	if err := c.store.SetDeliverablesLocked(ctx, stepID, false); err != nil {
		return nil, fmt.Errorf("unlock deliverables: %w", err)
	}
	inst, err := c.store.GetInstance(ctx, step.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("load workflow instance: %w", err)
	}
	if inst.Status == models.InstanceCompleted {
		if err := c.store.UpdateInstanceProgress(ctx, inst.ID, inst.CurrentStepOrder, models.InstanceActive); err != nil {
			return nil, fmt.Errorf("reopen workflow instance: %w", err)
		}
	}
	if stage, ok := DraftStage(step.AgentKey); ok {
		if err := c.store.UpdateProjectStage(ctx, step.ProjectID, stage); err != nil {
			return nil, fmt.Errorf("update project stage: %w", err)
		}
	}
	c.publish(step, events.KindStatus, fmt.Sprintf("Step %s reopened.", step.Name))
	return c.reload(ctx, step), nil
}

// Recover fails every step left running by a previous process so it can
// be run again. Critic checkpoints are kept, so an interrupted issues tree
// run resumes at its stored attempt.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	steps, err := c.store.FailRunningSteps(ctx, InterruptedError)
	if err != nil {
		return 0, fmt.Errorf("recover running steps: %w", err)
	}
	for _, s := range steps {
		c.logger.Warn("Recovered interrupted step", "step_id", s.ID, "project_id", s.ProjectID, "agent", s.AgentKey)
	}
	return len(steps), nil
}

// GetWorkflow returns the instance and ordered steps of a project.
func (c *Controller) GetWorkflow(ctx context.Context, projectID string) (*Workflow, error) {
	inst, err := c.store.GetInstanceByProject(ctx, projectID)
	if err != nil {
		return nil, notFound(err, "workflow for project", projectID)
	}
	steps, err := c.store.ListSteps(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	return &Workflow{Instance: inst, Steps: steps}, nil
}

// GetStep returns a single step.
func (c *Controller) GetStep(ctx context.Context, stepID string) (*models.WorkflowInstanceStep, error) {
	step, err := c.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, notFound(err, "step", stepID)
	}
	return step, nil
}

// ListDeliverables returns every deliverable version of a step.
func (c *Controller) ListDeliverables(ctx context.Context, stepID string) ([]*models.Deliverable, error) {
	if _, err := c.GetStep(ctx, stepID); err != nil {
		return nil, err
	}
	return c.store.ListDeliverables(ctx, stepID)
}

// ListRunLogs returns the run logs of a step, oldest first.
func (c *Controller) ListRunLogs(ctx context.Context, stepID string) ([]*models.RunLog, error) {
	if _, err := c.GetStep(ctx, stepID); err != nil {
		return nil, err
	}
	return c.store.ListRunLogs(ctx, stepID)
}

// ListProjectRunLogs returns the run logs of every step of a project.
func (c *Controller) ListProjectRunLogs(ctx context.Context, projectID string) ([]*models.RunLog, error) {
	if _, err := c.store.GetProject(ctx, projectID); err != nil {
		return nil, notFound(err, "project", projectID)
	}
	return c.store.ListProjectRunLogs(ctx, projectID)
}

func isLast(steps []*models.WorkflowInstanceStep, step *models.WorkflowInstanceStep) bool {
	for _, s := range steps {
		if s.StepOrder > step.StepOrder {
			return false
		}
	}
	return true
}

func (c *Controller) publish(step *models.WorkflowInstanceStep, kind events.Kind, msg string) {
	c.events.Publish(context.Background(), events.Event{
		Kind:      kind,
		ProjectID: step.ProjectID,
		StepID:    step.ID,
		Message:   msg,
		At:        c.now(),
	})
}
