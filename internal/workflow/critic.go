package workflow

import (
	"context"
	"fmt"
	"strings"

	"consultflow/backend/internal/llm"
	"consultflow/backend/internal/repository"
	"consultflow/backend/pkg/models"
)

// CriticLoop runs the issues tree step: generate a tree, have the MECE
// critic score it and regenerate with the critic's instructions until the
// tree passes or the revision budget is spent. Progress is checkpointed on
// the step after every transition so an interrupted run resumes at the
// stored attempt.
type CriticLoop struct {
	exec        *Executor
	checkpoints repository.CriticCheckpointer
}

// NewCriticLoop creates a CriticLoop that generates through exec.
func NewCriticLoop(exec *Executor, checkpoints repository.CriticCheckpointer) *CriticLoop {
	return &CriticLoop{exec: exec, checkpoints: checkpoints}
}

type criticSettings struct {
	minNodes     int
	minDepth     int
	threshold    float64
	maxRevisions int
}

func (c *CriticLoop) settings(step *models.WorkflowInstanceStep) criticSettings {
	s := criticSettings{
		minNodes:     defaultMinNodes,
		minDepth:     defaultMinDepth,
		threshold:    c.exec.opts.CriticThreshold,
		maxRevisions: c.exec.opts.MaxRevisions,
	}
	if it := step.Config.IssuesTree; it != nil {
		if it.MinNodes > 0 {
			s.minNodes = it.MinNodes
		}
		if it.MinDepth > 0 {
			s.minDepth = it.MinDepth
		}
		if it.CriticThreshold > 0 {
			s.threshold = it.CriticThreshold
		}
		if it.MaxRevisions != nil {
			s.maxRevisions = *it.MaxRevisions
		}
	}
	return s
}

// Execute runs the loop for run.Step. When the budget is spent the best
// scoring tree is stored as the deliverable for review and the returned
// error is RevisionExhausted.
func (c *CriticLoop) Execute(ctx context.Context, run *Run) (*Outcome, error) {
	e := c.exec
	ctx, span := e.startSpan(ctx, "workflow.CriticLoop", run)
	defer span.End()

	em := e.emitter(run)
	em.status(fmt.Sprintf("Starting %s agent...", run.Step.Name))

	set := c.settings(run.Step)
	genCfg := e.resolve(ctx, models.AgentIssuesTree, run.Step.Config)
	criticCfg := e.resolve(ctx, models.AgentMECECritic, models.StepConfig{RetryCount: run.Step.Config.RetryCount})

	state := run.Step.Critic
	if state == nil || state.Phase.Terminal() || (state.Phase == models.CriticCritiquing && state.Current == nil) {
		state = &models.CriticState{Phase: models.CriticDrafting}
	} else {
		e.logger.Info("Resuming critic loop", "step_id", run.Step.ID, "phase", state.Phase, "attempt", state.Attempt)
		em.critic(fmt.Sprintf("Resuming at attempt %d (%s)", state.Attempt, state.Phase), nil)
	}

	log, err := e.startRunLog(ctx, run, genCfg.Model)
	if err != nil {
		return nil, e.endSpan(span, err)
	}

	maxAttempts := set.maxRevisions + 1
	if state.Phase == models.CriticDrafting && state.Attempt >= maxAttempts && state.Best != nil {
		state.Phase = models.CriticRevisionExhausted
	}
	for {
		switch state.Phase {
		case models.CriticDrafting:
			tree, raw, err := c.draft(ctx, run, genCfg, set, state, em)
			if err != nil {
				e.failRunLog(ctx, log, err, rawOutput(raw))
				em.fail(err)
				return nil, e.endSpan(span, err)
			}
			state.Attempt++
			state.Current = tree
			state.Phase = models.CriticCritiquing
			em.status(fmt.Sprintf("Generated %d issue nodes.", len(tree.Issues)))

		case models.CriticCritiquing:
			em.critic(fmt.Sprintf("Running MECE Critic evaluation (iteration %d)...", state.Attempt), nil)
			report, raw, err := c.critique(ctx, run, criticCfg, state.Current, set.threshold, em)
			if err != nil {
				e.failRunLog(ctx, log, err, rawOutput(raw))
				em.fail(err)
				return nil, e.endSpan(span, err)
			}
			e.recorder.ObserveCritique(report.OverallScore)
			state.History = append(state.History, models.CriticAttempt{Attempt: state.Attempt, Report: *report, At: e.now()})
			state.Feedback = report
			if state.Best == nil || report.OverallScore > state.BestScore {
				state.Best, state.BestScore, state.BestAttempt = state.Current, report.OverallScore, state.Attempt
			}
			em.critic(fmt.Sprintf("Critic verdict: %s, score: %.2f/5", report.Verdict, report.OverallScore), report)

			switch {
			case report.OverallScore >= set.threshold:
				state.Phase = models.CriticApproved
			case state.Attempt >= maxAttempts:
				state.Phase = models.CriticRevisionExhausted
			default:
				state.Phase = models.CriticDrafting
				em.critic("Revising tree based on critic feedback...", nil)
			}

		case models.CriticApproved, models.CriticRevisionExhausted:
			outcome, err := c.finish(ctx, run, log, state, em)
			return outcome, e.endSpan(span, err)

		default:
			err := newError(KindInvalidStepTransition, nil, "unknown critic phase %q", state.Phase)
			e.failRunLog(ctx, log, err, nil)
			return nil, e.endSpan(span, err)
		}

		if err := c.checkpoint(ctx, run.Step.ID, state); err != nil {
			e.failRunLog(ctx, log, err, nil)
			em.fail(err)
			return nil, e.endSpan(span, err)
		}
	}
}

func (c *CriticLoop) checkpoint(ctx context.Context, stepID string, state *models.CriticState) error {
	state.UpdatedAt = c.exec.now()
	if err := c.checkpoints.SaveCriticState(ctx, stepID, state); err != nil {
		return newError(KindPersistenceFailed, err, "checkpoint critic loop")
	}
	return nil
}

// draft generates the next tree. After a failed critique the previous
// tree and the critic's feedback go into the prompt.
func (c *CriticLoop) draft(ctx context.Context, run *Run, cfg agentConfig, set criticSettings, state *models.CriticState, em *emitter) (*models.IssueTreeDraft, string, error) {
	e := c.exec
	body := fmt.Sprintf("Objective: %s\nConstraints: %s", run.Project.Objective, run.Project.Constraints)
	if state.Feedback != nil && state.Current != nil {
		body += "\n\n" + revisionBlock(state, run.Project.Objective)
	}
	prompt := e.userPrompt(ctx, run, em, body)

	var tree models.IssueTreeDraft
	raw, err := e.generate(ctx, em, cfg, prompt, llm.FormatJSON, func(text string) error {
		t, err := decodeJSON[models.IssueTreeDraft](text)
		if err != nil {
			return err
		}
		normalizeTree(&t)
		if _, err := validateTree(&t, set.minNodes, set.minDepth); err != nil {
			return err
		}
		tree = t
		return nil
	})
	if err != nil {
		return nil, raw, err
	}
	return &tree, raw, nil
}

func revisionBlock(state *models.CriticState, objective string) string {
	f := state.Feedback
	var b strings.Builder
	fmt.Fprintf(&b, "---\nPREVIOUS TREE (needs revision):\n%s\n\n---\n", renderTree(state.Current, objective))
	fmt.Fprintf(&b, "MECE CRITIC FEEDBACK (iteration %d):\nOverall Score: %.2f/5\n", state.Attempt, f.OverallScore)
	fmt.Fprintf(&b, "Overlap: %d/5\nCoverage: %d/5\nMixed Logics: %d/5\nBranch Balance: %d/5\nLabel Quality: %d/5\n",
		f.Scores.Overlap, f.Scores.Coverage, f.Scores.MixedLogics, f.Scores.BranchBalance, f.Scores.LabelQuality)
	for _, issue := range f.Issues {
		fmt.Fprintf(&b, "- %s\n", issue)
	}
	fmt.Fprintf(&b, "\nREVISION INSTRUCTIONS:\n%s\n\n", f.RevisionInstructions)
	b.WriteString("Please produce a REVISED issues tree that addresses ALL the critic's feedback. Return the full tree in the same JSON format.")
	return b.String()
}

func (c *CriticLoop) critique(ctx context.Context, run *Run, cfg agentConfig, tree *models.IssueTreeDraft, threshold float64, em *emitter) (*models.CriticReport, string, error) {
	var report *models.CriticReport
	raw, err := c.exec.generate(ctx, em, cfg, renderTree(tree, run.Project.Objective), llm.FormatJSON, func(text string) error {
		p, err := decodeJSON[criticPayload](text)
		if err != nil {
			return err
		}
		r, err := p.report()
		if err != nil {
			return err
		}
		report = r
		return nil
	})
	if err != nil {
		return nil, raw, err
	}
	if report.OverallScore >= threshold {
		report.Verdict = "approved"
	} else {
		report.Verdict = "revise"
	}
	return report, raw, nil
}

type issuesDeliverable struct {
	Issues    []models.IssueDraftNode `json:"issues"`
	CriticLog []models.CriticAttempt  `json:"criticLog"`
	Score     float64                 `json:"score"`
	Attempt   int                     `json:"attempt"`
}

// finish commits the outcome of a terminal phase. An approved tree becomes
// the next issues tree version. An exhausted loop stores only the
// deliverable so later steps never build on a tree that failed review.
func (c *CriticLoop) finish(ctx context.Context, run *Run, log *models.RunLog, state *models.CriticState, em *emitter) (*Outcome, error) {
	e := c.exec
	attempts := state.Attempt
	e.recorder.ObserveCriticLoop(attempts)

	if state.Phase == models.CriticApproved {
		nodes := make([]*models.IssueNode, len(state.Current.Issues))
		for i, n := range state.Current.Issues {
			nodes[i] = &models.IssueNode{ID: n.ID, ParentID: n.ParentID, Text: n.Text, Priority: n.Priority}
		}
		res := &stepResult{
			title:   "Issues Tree",
			content: issuesDeliverable{Issues: state.Current.Issues, CriticLog: state.History, Score: state.Feedback.OverallScore, Attempt: attempts},
			output:  repository.StepOutput{IssueNodes: nodes},
			items:   len(nodes),
		}
		outcome, err := e.commit(ctx, run, log, res, models.RunSuccess)
		if err != nil {
			em.fail(err)
			return nil, err
		}
		outcome.Summary.CriticScore = state.Feedback.OverallScore
		outcome.Summary.CriticAttempts = attempts
		em.complete(fmt.Sprintf("Analysis complete. Generated %d issue nodes.", len(nodes)), outcome.Summary)
		return outcome, nil
	}

	exhausted := newError(KindRevisionExhausted, nil,
		"issues tree still below critic threshold after %d attempts; best score %.2f from attempt %d kept for review",
		attempts, state.BestScore, state.BestAttempt)
	log.ErrorText = exhausted.Error()
	res := &stepResult{
		title:   fmt.Sprintf("Issues Tree (best of %d, below critic threshold)", attempts),
		content: issuesDeliverable{Issues: state.Best.Issues, CriticLog: state.History, Score: state.BestScore, Attempt: state.BestAttempt},
		items:   len(state.Best.Issues),
	}
	outcome, err := e.commit(ctx, run, log, res, models.RunFailed)
	if err != nil {
		em.fail(err)
		return nil, err
	}
	outcome.Summary.CriticScore = state.BestScore
	outcome.Summary.CriticAttempts = attempts
	em.fail(exhausted)
	return outcome, exhausted
}
