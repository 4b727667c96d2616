package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"consultflow/backend/internal/llm"
	"consultflow/backend/internal/repository"
	"consultflow/backend/internal/retrieval"
	"consultflow/backend/pkg/models"
	"consultflow/backend/pkg/scenario"
)

const scenarioToolName = scenario.ToolName

// agentConfig is the effective prompt and model settings of one agent call.
type agentConfig struct {
	Agent       models.AgentKey
	System      string
	Model       string
	MaxTokens   int
	Temperature *float64
	RetryCount  int
}

// resolve layers the step config over the operator's agent config over the
// built-in defaults.
func (e *Executor) resolve(ctx context.Context, agent models.AgentKey, step models.StepConfig) agentConfig {
	cfg := agentConfig{
		Agent:       agent,
		System:      DefaultPrompts[agent],
		Model:       e.opts.Model,
		MaxTokens:   e.opts.MaxTokens,
		Temperature: e.opts.Temperature,
		RetryCount:  e.opts.RetryCount,
	}
	ac, err := e.store.GetAgentConfig(ctx, agent)
	switch {
	case err == nil:
		if ac.SystemPrompt != "" {
			cfg.System = ac.SystemPrompt
		}
		if ac.Model != "" {
			cfg.Model = ac.Model
		}
		if ac.MaxTokens > 0 {
			cfg.MaxTokens = ac.MaxTokens
		}
	case !errors.Is(err, repository.ErrNotFound):
		e.logger.Warn("Failed to load agent config, using defaults", "agent", agent, "error", err)
	}

	if step.SystemPrompt != "" {
		cfg.System = step.SystemPrompt
	}
	if step.Model.Name != "" {
		cfg.Model = step.Model.Name
	}
	if step.Model.MaxTokens > 0 {
		cfg.MaxTokens = step.Model.MaxTokens
	}
	if step.Model.Temperature != nil {
		cfg.Temperature = step.Model.Temperature
	}
	if step.RetryCount != nil {
		cfg.RetryCount = *step.RetryCount
	}
	return cfg
}

// generate calls the model and hands the answer to accept. Transient
// provider errors, truncated answers and rejected answers are retried up
// to cfg.RetryCount times. The last raw answer is returned for the run log.
func (e *Executor) generate(ctx context.Context, em *emitter, cfg agentConfig, prompt string, format llm.Format, accept func(text string) error) (string, error) {
	msgs := []llm.Message{{Role: llm.RoleUser, Content: prompt}}
	var last string
	var lastErr error
	for attempt := 0; attempt <= cfg.RetryCount; attempt++ {
		em.llm(fmt.Sprintf("Calling LLM with model %s...", cfg.Model))
		resp, err := e.client.Complete(ctx, &llm.Request{
			Model:       cfg.Model,
			System:      cfg.System,
			Messages:    msgs,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			Format:      format,
		})
		if err != nil {
			e.recorder.ObserveModelCall(cfg.Agent, "error")
			if llm.IsTransient(err) && attempt < cfg.RetryCount && ctx.Err() == nil {
				e.logger.Warn("Model call failed, retrying", "agent", cfg.Agent, "attempt", attempt+1, "error", err)
				continue
			}
			return last, newError(KindModelUnavailable, err, "%s model call failed", cfg.Agent)
		}
		last = resp.Text
		em.llm("LLM response received, parsing output...")

		if resp.Truncated && attempt < cfg.RetryCount {
			e.recorder.ObserveModelCall(cfg.Agent, "truncated")
			lastErr = errors.New("response was cut off at the token limit")
			msgs = []llm.Message{{Role: llm.RoleUser, Content: prompt + "\n\n" + truncatedRetryNote}}
			continue
		}
		if err := accept(resp.Text); err != nil {
			e.recorder.ObserveModelCall(cfg.Agent, "invalid")
			e.logger.Warn("Model output rejected", "agent", cfg.Agent, "attempt", attempt+1, "error", err)
			lastErr = err
			msgs = []llm.Message{
				{Role: llm.RoleUser, Content: prompt},
				{Role: llm.RoleAssistant, Content: resp.Text},
				{Role: llm.RoleUser, Content: fmt.Sprintf(invalidRetryNote, err)},
			}
			continue
		}
		e.recorder.ObserveModelCall(cfg.Agent, "ok")
		return resp.Text, nil
	}
	return last, newError(KindModelOutputInvalid, lastErr, "%s output rejected after %d attempts", cfg.Agent, cfg.RetryCount+1)
}

// userPrompt appends run parameters and the vault context block to body.
func (e *Executor) userPrompt(ctx context.Context, run *Run, em *emitter, body string) string {
	var b strings.Builder
	b.WriteString(body)
	if p := strings.TrimSpace(e.parameters(run)); p != "" {
		fmt.Fprintf(&b, "\n\nAdditional instructions from the engagement team:\n%s", p)
	}
	b.WriteString(e.vaultContext(ctx, run, em))
	return b.String()
}

// vaultContext retrieves grounding chunks for the step's task. Failures
// only cost the context.
func (e *Executor) vaultContext(ctx context.Context, run *Run, em *emitter) string {
	rc := run.Step.Config.Retrieval
	if e.retriever == nil || (rc != nil && !rc.Enabled) {
		return ""
	}
	maxChunks := e.opts.RetrievalChunks
	query := strings.TrimSpace(run.Step.Description + " " + run.Project.Objective)
	if rc != nil {
		if rc.MaxChunks > 0 {
			maxChunks = rc.MaxChunks
		}
		if rc.Query != "" {
			query = rc.Query
		}
	}
	results, err := e.retriever.Retrieve(ctx, run.Project.ID, query, maxChunks)
	if err != nil {
		e.logger.Warn("Vault retrieval failed, continuing without context", "project_id", run.Project.ID, "error", err)
		return ""
	}
	if len(results) == 0 {
		return ""
	}
	em.status(fmt.Sprintf("Grounding on %d vault chunks (%s).", len(results), results[0].Strategy))
	return retrieval.FormatContext(results)
}

func (e *Executor) runProjectDefinition(ctx context.Context, run *Run, cfg agentConfig, em *emitter) (*stepResult, string, error) {
	body := fmt.Sprintf("Project Objective: %s\n\nConstraints & Context: %s", run.Project.Objective, run.Project.Constraints)
	prompt := e.userPrompt(ctx, run, em, body)

	var def projectDefinition
	raw, err := e.generate(ctx, em, cfg, prompt, llm.FormatJSON, func(text string) error {
		d, err := decodeJSON[projectDefinition](text)
		if err != nil {
			return err
		}
		if err := d.validate(); err != nil {
			return err
		}
		def = d
		return nil
	})
	if err != nil {
		return nil, raw, err
	}
	return &stepResult{title: "Project Definition", content: def, items: len(def.SuccessMetrics)}, raw, nil
}

type planView struct {
	HypothesisIndex int            `json:"hypothesisIndex"`
	HypothesisID    string         `json:"hypothesisId"`
	Method          string         `json:"method"`
	Parameters      scenario.Input `json:"parameters"`
	RequiredDataset string         `json:"requiredDataset"`
}

func (e *Executor) runHypothesis(ctx context.Context, run *Run, cfg agentConfig, em *emitter) (*stepResult, string, error) {
	nodes, err := e.store.ListIssueNodes(ctx, run.Project.ID, repository.Latest)
	if err != nil {
		return nil, "", newError(KindPersistenceFailed, err, "load issues tree")
	}
	known := make(map[string]bool, len(nodes))
	lines := make([]string, 0, len(nodes))
	for _, n := range nodes {
		known[n.ID] = true
		lines = append(lines, fmt.Sprintf("- [ID:%s] %s (%s)", n.ID, n.Text, n.Priority))
	}
	if len(lines) == 0 {
		lines = append(lines, "(no issues tree recorded)")
	}
	body := fmt.Sprintf("Objective: %s\nConstraints: %s\n\nIssues:\n%s",
		run.Project.Objective, run.Project.Constraints, strings.Join(lines, "\n"))
	prompt := e.userPrompt(ctx, run, em, body)

	var set hypothesisSet
	raw, err := e.generate(ctx, em, cfg, prompt, llm.FormatJSON, func(text string) error {
		s, err := decodeJSON[hypothesisSet](text)
		if err != nil {
			return err
		}
		if err := s.validate(e.opts.DefaultVolatility); err != nil {
			return err
		}
		set = s
		return nil
	})
	if err != nil {
		return nil, raw, err
	}

	hyps := make([]*models.Hypothesis, len(set.Hypotheses))
	for i, h := range set.Hypotheses {
		hyp := &models.Hypothesis{
			ID:         uuid.New().String(),
			Statement:  strings.TrimSpace(h.Statement),
			Metric:     h.Metric,
			DataSource: h.DataSource,
			Method:     h.Method,
		}
		if id := strings.TrimSpace(h.IssueNodeID); known[id] {
			hyp.IssueNodeID = &id
		}
		hyps[i] = hyp
	}
	plans := make([]*models.AnalysisPlan, len(set.AnalysisPlan))
	views := make([]planView, len(set.AnalysisPlan))
	for i, p := range set.AnalysisPlan {
		method := p.Method
		if method == "" {
			method = scenarioToolName
		}
		in := p.Parameters.input(e.opts.DefaultVolatility)
		plans[i] = &models.AnalysisPlan{
			ID:              uuid.New().String(),
			HypothesisID:    hyps[p.HypothesisIndex].ID,
			Method:          method,
			Parameters:      in,
			RequiredDataset: p.RequiredDataset,
		}
		views[i] = planView{
			HypothesisIndex: p.HypothesisIndex,
			HypothesisID:    plans[i].HypothesisID,
			Method:          method,
			Parameters:      in,
			RequiredDataset: p.RequiredDataset,
		}
	}
	return &stepResult{
		title:   "Hypotheses & Analysis Plan",
		content: map[string]any{"hypotheses": set.Hypotheses, "analysisPlan": views},
		output:  repository.StepOutput{Hypotheses: hyps, AnalysisPlans: plans},
		items:   len(hyps),
	}, raw, nil
}

type executionResult struct {
	ToolName       string          `json:"toolName"`
	AnalysisPlanID string          `json:"analysisPlanId"`
	HypothesisID   string          `json:"hypothesisId"`
	Inputs         scenario.Input  `json:"inputs"`
	Outputs        scenario.Output `json:"outputs"`
}

// runExecution runs the scenario calculator once per entry of the latest
// analysis plan. It makes no model call.
func (e *Executor) runExecution(ctx context.Context, run *Run, em *emitter) (*stepResult, error) {
	plans, err := e.store.ListAnalysisPlans(ctx, run.Project.ID, repository.Latest)
	if err != nil {
		return nil, newError(KindPersistenceFailed, err, "load analysis plan")
	}
	if len(plans) == 0 {
		return nil, newError(KindNotFound, nil, "project %s has no analysis plan to execute", run.Project.ID)
	}
	var fallback float64
	if sc := run.Step.Config.Scenario; sc != nil {
		fallback = sc.DefaultVolatility
	}

	runs := make([]*models.ModelRun, 0, len(plans))
	results := make([]executionResult, 0, len(plans))
	for i, p := range plans {
		em.status(fmt.Sprintf("Running scenario %d of %d...", i+1, len(plans)))
		in := p.Parameters
		if in.Volatility == 0 && fallback > 0 {
			in.Volatility = fallback
		}
		out, err := scenario.Run(in)
		if err != nil {
			return nil, newError(KindModelOutputInvalid, err, "analysis plan entry %d", i+1)
		}
		runs = append(runs, &models.ModelRun{
			ID:             uuid.New().String(),
			AnalysisPlanID: p.ID,
			HypothesisID:   p.HypothesisID,
			ToolName:       scenarioToolName,
			Inputs:         in,
			Outputs:        out,
		})
		results = append(results, executionResult{
			ToolName:       scenarioToolName,
			AnalysisPlanID: p.ID,
			HypothesisID:   p.HypothesisID,
			Inputs:         in,
			Outputs:        out,
		})
	}
	return &stepResult{
		title:   "Scenario Analysis Results",
		content: results,
		output:  repository.StepOutput{ModelRuns: runs},
		items:   len(runs),
	}, nil
}

func (e *Executor) runSummary(ctx context.Context, run *Run, cfg agentConfig, em *emitter) (*stepResult, string, error) {
	findings, err := e.findings(ctx, run.Project.ID, false)
	if err != nil {
		return nil, "", err
	}
	body := fmt.Sprintf("Objective: %s\nConstraints: %s\n\nHypotheses & Results:\n%s",
		run.Project.Objective, run.Project.Constraints, findings)
	prompt := e.userPrompt(ctx, run, em, body)

	var text string
	raw, err := e.generate(ctx, em, cfg, prompt, llm.FormatText, func(answer string) error {
		text = strings.TrimSpace(answer)
		if text == "" {
			return errors.New("summary is empty")
		}
		return nil
	})
	if err != nil {
		return nil, raw, err
	}
	return &stepResult{
		title:   "Executive Summary",
		content: map[string]string{"summaryText": text},
		output:  repository.StepOutput{Narrative: &models.Narrative{ID: uuid.New().String(), SummaryText: text}},
		items:   1,
	}, raw, nil
}

func (e *Executor) runPresentation(ctx context.Context, run *Run, cfg agentConfig, em *emitter) (*stepResult, string, error) {
	summary := "No summary available"
	narrative, err := e.store.GetNarrative(ctx, run.Project.ID, repository.Latest)
	switch {
	case err == nil:
		summary = narrative.SummaryText
	case !errors.Is(err, repository.ErrNotFound):
		return nil, "", newError(KindPersistenceFailed, err, "load executive summary")
	}
	findings, err := e.findings(ctx, run.Project.ID, true)
	if err != nil {
		return nil, "", err
	}
	body := fmt.Sprintf("Project: %s\nObjective: %s\n\nExecutive Summary:\n%s\n\nHypotheses & Results:\n%s",
		run.Project.Name, run.Project.Objective, summary, findings)
	prompt := e.userPrompt(ctx, run, em, body)

	var deck slideDeck
	raw, err := e.generate(ctx, em, cfg, prompt, llm.FormatJSON, func(text string) error {
		d, err := decodeJSON[slideDeck](text)
		if err != nil {
			return err
		}
		if err := d.validate(); err != nil {
			return err
		}
		deck = d
		return nil
	})
	if err != nil {
		return nil, raw, err
	}

	slides := make([]*models.Slide, len(deck.Slides))
	for i, s := range deck.Slides {
		slides[i] = &models.Slide{
			ID:         uuid.New().String(),
			SlideIndex: i,
			Layout:     s.Layout,
			Title:      s.Title,
			Subtitle:   s.Subtitle,
			Body:       s.Body,
			NotesText:  s.NotesText,
		}
	}
	return &stepResult{
		title:   "Presentation Deck",
		content: deck,
		output:  repository.StepOutput{Slides: slides},
		items:   len(slides),
	}, raw, nil
}

// findings lists the latest hypotheses with the scenario results recorded
// for them.
func (e *Executor) findings(ctx context.Context, projectID string, compact bool) (string, error) {
	hyps, err := e.store.ListHypotheses(ctx, projectID, repository.Latest)
	if err != nil {
		return "", newError(KindPersistenceFailed, err, "load hypotheses")
	}
	runs, err := e.store.ListModelRuns(ctx, projectID, repository.Latest)
	if err != nil {
		return "", newError(KindPersistenceFailed, err, "load model runs")
	}
	byHypothesis := make(map[string]*models.ModelRun, len(runs))
	for _, r := range runs {
		if _, seen := byHypothesis[r.HypothesisID]; !seen {
			byHypothesis[r.HypothesisID] = r
		}
	}
	if len(hyps) == 0 {
		return "(no hypotheses recorded)", nil
	}

	var b strings.Builder
	for i, h := range hyps {
		results := "No results"
		if r, ok := byHypothesis[h.ID]; ok {
			s := r.Outputs.Summary
			results = fmt.Sprintf("Expected NPV: $%.2f (baseline $%.2f, optimistic $%.2f, pessimistic $%.2f), Risk-Adj Return: %.2f%%",
				s.ExpectedValue, s.BaselineNPV, s.OptimisticNPV, s.PessimisticNPV, s.RiskAdjustedReturn)
		}
		if i > 0 && !compact {
			b.WriteString("\n")
		}
		if compact {
			fmt.Fprintf(&b, "- %s (%s): %s\n", h.Statement, h.Metric, results)
		} else {
			fmt.Fprintf(&b, "Hypothesis: %s\nMetric: %s\nModel Results: %s\n", h.Statement, h.Metric, results)
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
