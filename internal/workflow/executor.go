// Package workflow runs consulting workflow instances: the controller
// owning step status, the executor running one agent step, and the critic
// loop wrapping the issues tree step.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"consultflow/backend/internal/events"
	"consultflow/backend/internal/llm"
	"consultflow/backend/internal/repository"
	"consultflow/backend/internal/retrieval"
	"consultflow/backend/pkg/models"
)

var tracer = otel.Tracer("consultflow/workflow")

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Recorder receives step outcomes for metrics.
type Recorder interface {
	ObserveStep(agent models.AgentKey, outcome string, d time.Duration)
	ObserveModelCall(agent models.AgentKey, outcome string)
	ObserveCritique(score float64)
	ObserveCriticLoop(attempts int)
}

// Retriever returns vault chunks relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, projectID, query string, maxChunks int) ([]retrieval.Result, error)
}

// ExecutorStore is the persistence the executor needs. It can write
// artifacts but has no access to step status.
type ExecutorStore interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetAgentConfig(ctx context.Context, key models.AgentKey) (*models.AgentConfig, error)
	repository.ArtifactReader
	repository.ArtifactWriter
}

// Options are the engine-wide defaults a step config can override.
type Options struct {
	Model             string
	MaxTokens         int
	Temperature       *float64
	RetryCount        int
	CriticThreshold   float64
	MaxRevisions      int
	RetrievalChunks   int
	DefaultVolatility float64
}

func (o Options) withDefaults() Options {
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	if o.CriticThreshold <= 0 {
		o.CriticThreshold = defaultCriticThreshold
	}
	if o.MaxRevisions < 0 {
		o.MaxRevisions = defaultMaxRevisions
	}
	if o.RetrievalChunks <= 0 {
		o.RetrievalChunks = 10
	}
	if o.DefaultVolatility <= 0 {
		o.DefaultVolatility = 0.15
	}
	return o
}

// DefaultOptions returns the built-in engine defaults.
func DefaultOptions() Options {
	return Options{RetryCount: 1, MaxRevisions: defaultMaxRevisions}.withDefaults()
}

// Run is one requested execution of a step.
type Run struct {
	Project    *models.Project
	Step       *models.WorkflowInstanceStep
	Parameters string
	Operator   string
}

// Outcome is what a successful run produced.
type Outcome struct {
	Summary     models.OutputSummary
	Deliverable *models.Deliverable
	RunLog      *models.RunLog
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRetriever enables vault grounding.
func WithRetriever(r Retriever) ExecutorOption {
	return func(e *Executor) { e.retriever = r }
}

// WithPublisher sets where progress events go.
func WithPublisher(p events.Publisher) ExecutorOption {
	return func(e *Executor) { e.events = p }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) ExecutorOption {
	return func(e *Executor) { e.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// Executor runs a single agent step end to end.
type Executor struct {
	store     ExecutorStore
	client    llm.Client
	retriever Retriever
	events    events.Publisher
	recorder  Recorder
	logger    Logger
	opts      Options
	now       func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(store ExecutorStore, client llm.Client, opts Options, options ...ExecutorOption) *Executor {
	e := &Executor{
		store:    store,
		client:   client,
		events:   events.Nop{},
		recorder: nopRecorder{},
		logger:   nopLogger{},
		opts:     opts.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// stepResult is the agent-specific part of a run, before persistence.
type stepResult struct {
	title   string
	content any
	output  repository.StepOutput
	items   int
}

// Execute runs run.Step once. The run log is always finalized: success
// together with the artifacts, or failed with the error text.
func (e *Executor) Execute(ctx context.Context, run *Run) (*Outcome, error) {
	ctx, span := e.startSpan(ctx, "workflow.Execute", run)
	defer span.End()

	em := e.emitter(run)
	em.status(fmt.Sprintf("Starting %s agent...", run.Step.Name))

	cfg := e.resolve(ctx, run.Step.AgentKey, run.Step.Config)
	modelUsed := cfg.Model
	if run.Step.AgentKey == models.AgentExecution {
		modelUsed = scenarioToolName
	}
	log, err := e.startRunLog(ctx, run, modelUsed)
	if err != nil {
		return nil, e.endSpan(span, err)
	}

	var res *stepResult
	var raw string
	switch run.Step.AgentKey {
	case models.AgentProjectDefinition:
		res, raw, err = e.runProjectDefinition(ctx, run, cfg, em)
	case models.AgentHypothesis:
		res, raw, err = e.runHypothesis(ctx, run, cfg, em)
	case models.AgentExecution:
		res, err = e.runExecution(ctx, run, em)
	case models.AgentSummary:
		res, raw, err = e.runSummary(ctx, run, cfg, em)
	case models.AgentPresentation:
		res, raw, err = e.runPresentation(ctx, run, cfg, em)
	default:
		err = newError(KindInvalidTemplate, nil, "agent %q cannot run as a plain step", run.Step.AgentKey)
	}
	if err != nil {
		e.failRunLog(ctx, log, err, rawOutput(raw))
		em.fail(err)
		return nil, e.endSpan(span, err)
	}

	outcome, err := e.commit(ctx, run, log, res, models.RunSuccess)
	if err != nil {
		em.fail(err)
		return nil, e.endSpan(span, err)
	}
	em.complete(fmt.Sprintf("Analysis complete. Generated %s.", res.title), outcome.Summary)
	return outcome, nil
}

func (e *Executor) startRunLog(ctx context.Context, run *Run, modelUsed string) (*models.RunLog, error) {
	input, _ := json.Marshal(map[string]any{
		"step_id":    run.Step.ID,
		"agent_key":  run.Step.AgentKey,
		"parameters": e.parameters(run),
		"model":      modelUsed,
	})
	log := &models.RunLog{
		ID:        uuid.New().String(),
		ProjectID: run.Project.ID,
		StepID:    run.Step.ID,
		Stage:     run.Step.AgentKey,
		Input:     input,
		ModelUsed: modelUsed,
		Status:    models.RunPending,
		Operator:  run.Operator,
		StartedAt: e.now(),
	}
	if err := e.store.StartRunLog(ctx, log); err != nil {
		return nil, newError(KindPersistenceFailed, err, "start run log")
	}
	return log, nil
}

// failRunLog finalizes log as failed. output keeps whatever the model
// returned so it can be inspected without a new call.
func (e *Executor) failRunLog(ctx context.Context, log *models.RunLog, cause error, output json.RawMessage) {
	ctx = context.WithoutCancel(ctx)
	now := e.now()
	log.Status = models.RunFailed
	log.ErrorText = cause.Error()
	log.FinishedAt = &now
	if len(output) > 0 {
		log.Output = output
	}
	if err := e.store.FinishRunLog(ctx, log); err != nil {
		e.logger.Error("Failed to finalize run log", "run_log_id", log.ID, "error", err)
	}
}

// commit writes res and the finalized run log in one transaction. If that
// fails the run log is finalized failed with the output preserved.
func (e *Executor) commit(ctx context.Context, run *Run, log *models.RunLog, res *stepResult, status models.RunStatus) (*Outcome, error) {
	content, err := json.Marshal(res.content)
	if err != nil {
		return nil, newError(KindPersistenceFailed, err, "encode %s deliverable", run.Step.AgentKey)
	}
	now := e.now()
	out := res.output
	out.ProjectID = run.Project.ID
	out.Deliverable = &models.Deliverable{
		ID:        uuid.New().String(),
		ProjectID: run.Project.ID,
		StepID:    run.Step.ID,
		Title:     res.title,
		Content:   content,
	}
	log.Status = status
	log.Output = content
	log.FinishedAt = &now
	out.RunLog = log

	if err := e.store.CommitStepOutput(ctx, &out); err != nil {
		perr := newError(KindPersistenceFailed, err, "store %s output", run.Step.AgentKey)
		e.failRunLog(ctx, log, perr, content)
		return nil, perr
	}
	return &Outcome{
		Summary: models.OutputSummary{
			Title:              res.title,
			DeliverableID:      out.Deliverable.ID,
			DeliverableVersion: out.Deliverable.Version,
			RunLogID:           log.ID,
			Items:              res.items,
		},
		Deliverable: out.Deliverable,
		RunLog:      log,
	}, nil
}

// parameters returns the free-text run parameters, falling back to the
// ones stored on the step.
func (e *Executor) parameters(run *Run) string {
	if run.Parameters != "" {
		return run.Parameters
	}
	return run.Step.Config.Parameters
}

func (e *Executor) startSpan(ctx context.Context, name string, run *Run) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("project.id", run.Project.ID),
		attribute.String("step.id", run.Step.ID),
		attribute.String("step.agent", string(run.Step.AgentKey)),
	))
}

func (e *Executor) endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func rawOutput(text string) json.RawMessage {
	if text == "" {
		return nil
	}
	b, _ := json.Marshal(map[string]string{"raw": text})
	return b
}

// emitter publishes progress events for one run.
type emitter struct {
	ctx       context.Context
	publisher events.Publisher
	projectID string
	stepID    string
	now       func() time.Time
}

func (e *Executor) emitter(run *Run) *emitter {
	return &emitter{ctx: context.Background(), publisher: e.events, projectID: run.Project.ID, stepID: run.Step.ID, now: e.now}
}

func (em *emitter) publish(kind events.Kind, msg string, data any) {
	em.publisher.Publish(em.ctx, events.Event{
		Kind:      kind,
		ProjectID: em.projectID,
		StepID:    em.stepID,
		Message:   msg,
		Data:      data,
		At:        em.now(),
	})
}

func (em *emitter) status(msg string)             { em.publish(events.KindStatus, msg, nil) }
func (em *emitter) llm(msg string)                { em.publish(events.KindLLM, msg, nil) }
func (em *emitter) critic(msg string, data any)   { em.publish(events.KindCritic, msg, data) }
func (em *emitter) complete(msg string, data any) { em.publish(events.KindComplete, msg, data) }
func (em *emitter) fail(err error)                { em.publish(events.KindError, err.Error(), map[string]Kind{"kind": KindOf(err)}) }

type nopRecorder struct{}

func (nopRecorder) ObserveStep(models.AgentKey, string, time.Duration) {}
func (nopRecorder) ObserveModelCall(models.AgentKey, string)           {}
func (nopRecorder) ObserveCritique(float64)                            {}
func (nopRecorder) ObserveCriticLoop(int)                              {}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
