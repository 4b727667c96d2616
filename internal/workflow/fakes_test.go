package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"consultflow/backend/internal/events"
	"consultflow/backend/internal/llm"
	"consultflow/backend/internal/repository"
	"consultflow/backend/pkg/models"
)

type reply struct {
	text      string
	truncated bool
	err       error
}

// scriptedLLM answers completions from a fixed script in call order.
type scriptedLLM struct {
	mu       sync.Mutex
	replies  []reply
	requests []*llm.Request
}

func newScriptedLLM(replies ...reply) *scriptedLLM {
	return &scriptedLLM{replies: replies}
}

func (s *scriptedLLM) push(replies ...reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, replies...)
}

func (s *scriptedLLM) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.replies) == 0 {
		return nil, llm.NewFatalError(errors.New("script exhausted"))
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	if r.err != nil {
		return nil, r.err
	}
	return &llm.Response{Text: r.text, Model: req.Model, Truncated: r.truncated}, nil
}

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedLLM) request(i int) *llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func (s *scriptedLLM) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replies)
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Kind, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Kind
	}
	return out
}

// failingCommitStore rejects every step output commit.
type failingCommitStore struct {
	*repository.MemoryStore
}

func (failingCommitStore) CommitStepOutput(context.Context, *repository.StepOutput) error {
	return errors.New("disk full")
}

// lockFailingStore cannot lock deliverables.
type lockFailingStore struct {
	*repository.MemoryStore
}

func (s lockFailingStore) SetDeliverablesLocked(ctx context.Context, stepID string, locked bool) error {
	if locked {
		return errors.New("connection reset")
	}
	return s.MemoryStore.SetDeliverablesLocked(ctx, stepID, locked)
}

// interruptingRunner succeeds after the step was failed underneath it, the
// way Recover does when another process restarts.
type interruptingRunner struct {
	store *repository.MemoryStore
}

func (r interruptingRunner) Execute(ctx context.Context, _ *Run) (*Outcome, error) {
	if _, err := r.store.FailRunningSteps(ctx, InterruptedError); err != nil {
		return nil, err
	}
	return &Outcome{Summary: models.OutputSummary{Title: "late result", DeliverableID: "d-late"}}, nil
}

// fixture wires a memory store, a scripted model and the engine.
type fixture struct {
	store      *repository.MemoryStore
	llm        *scriptedLLM
	events     *recordingPublisher
	executor   *Executor
	critic     *CriticLoop
	controller *Controller
	project    *models.Project
}

func newFixture(t *testing.T, opts Options, replies ...reply) *fixture {
	t.Helper()
	f := &fixture{
		store:  repository.NewMemoryStore(),
		llm:    newScriptedLLM(replies...),
		events: &recordingPublisher{},
	}
	f.executor = NewExecutor(f.store, f.llm, opts, WithPublisher(f.events))
	f.critic = NewCriticLoop(f.executor, f.store)
	f.controller = NewController(f.store, f.executor, f.critic, WithControllerPublisher(f.events), WithStepTimeout(time.Minute))

	f.project = &models.Project{Name: "EU expansion", Objective: "Enter the EU market", Constraints: "budget $2M, 18 months"}
	require.NoError(t, f.store.CreateProject(context.Background(), f.project))
	return f
}

// startWorkflow creates a template from agents and instantiates it.
func (f *fixture) startWorkflow(t *testing.T, agents ...models.AgentKey) *Workflow {
	t.Helper()
	ctx := context.Background()
	tmpl := &models.WorkflowTemplate{Name: "Consulting engagement"}
	for i, a := range agents {
		tmpl.Steps = append(tmpl.Steps, &models.WorkflowTemplateStep{
			StepOrder: i + 1,
			Name:      string(a),
			AgentKey:  a,
		})
	}
	require.NoError(t, f.store.CreateTemplate(ctx, tmpl))
	wf, err := f.controller.CreateInstance(ctx, f.project.ID, tmpl.ID)
	require.NoError(t, err)
	return wf
}

func (f *fixture) run(t *testing.T, step *models.WorkflowInstanceStep) *Run {
	t.Helper()
	fresh, err := f.store.GetStep(context.Background(), step.ID)
	require.NoError(t, err)
	return &Run{Project: f.project, Step: fresh}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// treeJSON renders a three level tree: 3 branches with 2 sub-issues each
// and one leaf under every sub-issue, 15 nodes in total.
func treeJSON(label string) string {
	var issues []map[string]any
	for b := 1; b <= 3; b++ {
		bid := fmt.Sprintf("%d", b)
		issues = append(issues, map[string]any{"id": bid, "parentId": nil, "text": fmt.Sprintf("%s branch %d", label, b), "priority": "high"})
		for s := 1; s <= 2; s++ {
			sid := fmt.Sprintf("%d.%d", b, s)
			issues = append(issues, map[string]any{"id": sid, "parentId": bid, "text": fmt.Sprintf("%s question %s", label, sid), "priority": "medium"})
			issues = append(issues, map[string]any{"id": sid + ".1", "parentId": sid, "text": fmt.Sprintf("%s analysis %s.1", label, sid), "priority": "low"})
		}
	}
	return mustJSON(map[string]any{"issues": issues})
}

func criticJSON(overlap, coverage, mixed, balance, label int) string {
	return mustJSON(map[string]any{
		"verdict": "revise",
		"scores": map[string]int{
			"overlap":       overlap,
			"coverage":      coverage,
			"mixedLogics":   mixed,
			"branchBalance": balance,
			"labelQuality":  label,
		},
		"issues":               []string{"Branch 2 overlaps branch 3"},
		"revisionInstructions": "Separate demand and supply questions.",
	})
}

func definitionJSON() string {
	return mustJSON(map[string]any{
		"decision_statement": "Decide whether to enter the EU market within 18 months",
		"governing_question": "Should we enter the EU market with a $2M budget?",
		"success_metrics": []map[string]string{
			{"metric_name": "Revenue", "definition": "EU revenue in year 2", "threshold_or_target": "$5M"},
		},
		"alternatives": []string{"Enter Germany first", "Partner with a distributor"},
	})
}

func hypothesesJSON() string {
	return mustJSON(map[string]any{
		"hypotheses": []map[string]any{
			{"issueNodeId": "1", "statement": "EU demand supports $5M revenue by year 2", "metric": "revenue", "dataSource": "market study", "method": "scenario_calculator"},
			{"issueNodeId": "unknown", "statement": "Local partners cut go-to-market cost by 10%", "metric": "cost", "dataSource": "partner quotes", "method": "scenario_calculator"},
		},
		"analysisPlan": []map[string]any{
			{"hypothesisIndex": 0, "method": "scenario_calculator", "requiredDataset": "market sizing", "parameters": map[string]any{
				"baselineRevenue": 2000000, "growthRate": 0.12, "costReduction": 0.05, "timeHorizonYears": 3, "volatility": 0.2,
			}},
			{"hypothesisIndex": 1, "requiredDataset": "partner quotes", "parameters": map[string]any{
				"baselineRevenue": 2000000, "growthRate": 0.08, "costReduction": 0.1, "timeHorizonYears": 2,
			}},
		},
	})
}

func slidesJSON() string {
	return mustJSON(map[string]any{
		"slides": []map[string]any{
			{"layout": "title_slide", "title": "EU Market Entry", "subtitle": "Board review"},
			{"layout": "Title_Body", "title": "Recommendation", "body": map[string]any{"bullets": []string{"Enter Germany first"}}},
		},
	})
}
