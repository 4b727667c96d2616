package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"consultflow/backend/pkg/models"
)

// MemoryStore is an in-process implementation of Store. It backs the
// memory store mode and the orchestrator tests.
type MemoryStore struct {
	mu  sync.RWMutex
	now func() time.Time

	projects     map[string]*models.Project
	templates    map[string]*models.WorkflowTemplate
	agentConfigs map[models.AgentKey]*models.AgentConfig
	instances    map[string]*models.WorkflowInstance
	steps        map[string]*models.WorkflowInstanceStep

	deliverables  []*models.Deliverable
	runLogs       []*models.RunLog
	issueNodes    []*models.IssueNode
	hypotheses    []*models.Hypothesis
	analysisPlans []*models.AnalysisPlan
	modelRuns     []*models.ModelRun
	narratives    []*models.Narrative
	slides        []*models.Slide

	vaultFiles map[string]*models.VaultFile
	vaultOrder []string
	chunks     map[string][]*models.VaultChunk
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:          func() time.Time { return time.Now().UTC() },
		projects:     make(map[string]*models.Project),
		templates:    make(map[string]*models.WorkflowTemplate),
		agentConfigs: make(map[models.AgentKey]*models.AgentConfig),
		instances:    make(map[string]*models.WorkflowInstance),
		steps:        make(map[string]*models.WorkflowInstanceStep),
		vaultFiles:   make(map[string]*models.VaultFile),
		chunks:       make(map[string][]*models.VaultChunk),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}

// --- projects ---

func (s *MemoryStore) CreateProject(_ context.Context, p *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if _, ok := s.projects[p.ID]; ok {
		return fmt.Errorf("project %s: %w", p.ID, ErrConflict)
	}
	if p.Stage == "" {
		p.Stage = models.StageCreated
	}
	p.CreatedAt = s.now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProject(_ context.Context, id string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) UpdateProjectStage(_ context.Context, id string, stage models.ProjectStage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	p.Stage = stage
	p.UpdatedAt = s.now()
	return nil
}

// --- templates ---

func (s *MemoryStore) CreateTemplate(_ context.Context, t *models.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if _, ok := s.templates[t.ID]; ok {
		return fmt.Errorf("template %s: %w", t.ID, ErrConflict)
	}
	t.Version = 1
	t.CreatedAt = s.now()
	t.UpdatedAt = t.CreatedAt
	prepareTemplateSteps(t)
	s.templates[t.ID] = cloneTemplate(t)
	return nil
}

func (s *MemoryStore) UpdateTemplate(_ context.Context, t *models.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.templates[t.ID]
	if !ok {
		return fmt.Errorf("template %s: %w", t.ID, ErrNotFound)
	}
	t.Version = old.Version + 1
	t.CreatedAt = old.CreatedAt
	t.UpdatedAt = s.now()
	prepareTemplateSteps(t)
	s.templates[t.ID] = cloneTemplate(t)
	return nil
}

func (s *MemoryStore) GetTemplate(_ context.Context, id string) (*models.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	return cloneTemplate(t), nil
}

func (s *MemoryStore) ListTemplates(context.Context) ([]*models.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.WorkflowTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, cloneTemplate(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func prepareTemplateSteps(t *models.WorkflowTemplate) {
	for _, st := range t.Steps {
		if st.ID == "" {
			st.ID = uuid.New().String()
		}
		st.TemplateID = t.ID
	}
}

func cloneTemplate(t *models.WorkflowTemplate) *models.WorkflowTemplate {
	cp := *t
	cp.Steps = make([]*models.WorkflowTemplateStep, len(t.Steps))
	for i, st := range t.Steps {
		sc := *st
		cp.Steps[i] = &sc
	}
	return &cp
}

// --- agent configs ---

func (s *MemoryStore) GetAgentConfig(_ context.Context, key models.AgentKey) (*models.AgentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.agentConfigs[key]
	if !ok {
		return nil, fmt.Errorf("agent config %s: %w", key, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) UpsertAgentConfig(_ context.Context, c *models.AgentConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.UpdatedAt = s.now()
	cp := *c
	s.agentConfigs[c.AgentKey] = &cp
	return nil
}

// --- workflow ---

func (s *MemoryStore) CreateInstance(_ context.Context, inst *models.WorkflowInstance, steps []*models.WorkflowInstanceStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.instances {
		if existing.ProjectID == inst.ProjectID {
			return fmt.Errorf("instance for project %s: %w", inst.ProjectID, ErrConflict)
		}
	}
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	now := s.now()
	inst.CreatedAt, inst.UpdatedAt = now, now
	cp := *inst
	s.instances[inst.ID] = &cp
	for _, st := range steps {
		if st.ID == "" {
			st.ID = uuid.New().String()
		}
		st.InstanceID = inst.ID
		st.ProjectID = inst.ProjectID
		st.CreatedAt, st.UpdatedAt = now, now
		s.steps[st.ID] = cloneStep(st)
	}
	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, id string) (*models.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("workflow instance %s: %w", id, ErrNotFound)
	}
	cp := *inst
	return &cp, nil
}

func (s *MemoryStore) GetInstanceByProject(_ context.Context, projectID string) (*models.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inst := range s.instances {
		if inst.ProjectID == projectID {
			cp := *inst
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("workflow instance for project %s: %w", projectID, ErrNotFound)
}

func (s *MemoryStore) ListSteps(_ context.Context, instanceID string) ([]*models.WorkflowInstanceStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.WorkflowInstanceStep
	for _, st := range s.steps {
		if st.InstanceID == instanceID {
			out = append(out, cloneStep(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

func (s *MemoryStore) GetStep(_ context.Context, id string) (*models.WorkflowInstanceStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.steps[id]
	if !ok {
		return nil, fmt.Errorf("workflow step %s: %w", id, ErrNotFound)
	}
	return cloneStep(st), nil
}

func (s *MemoryStore) TransitionStep(_ context.Context, stepID string, from []models.StepStatus, to models.StepStatus, patch models.StepPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[stepID]
	if !ok {
		return false, fmt.Errorf("workflow step %s: %w", stepID, ErrNotFound)
	}
	if !slices.Contains(from, st.Status) {
		return false, nil
	}
	st.Status = to
	if patch.OutputSummary != nil {
		summary := *patch.OutputSummary
		st.OutputSummary = &summary
	}
	if patch.ErrorText != nil {
		st.ErrorText = *patch.ErrorText
	}
	st.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) UpdateInstanceProgress(_ context.Context, instanceID string, currentStepOrder int, status models.InstanceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return fmt.Errorf("workflow instance %s: %w", instanceID, ErrNotFound)
	}
	inst.CurrentStepOrder = currentStepOrder
	inst.Status = status
	inst.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SetDeliverablesLocked(_ context.Context, stepID string, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deliverables {
		if d.StepID == stepID {
			d.Locked = locked
		}
	}
	return nil
}

func (s *MemoryStore) FailRunningSteps(_ context.Context, errorText string) ([]*models.WorkflowInstanceStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowInstanceStep
	for _, st := range s.steps {
		if st.Status != models.StepRunning {
			continue
		}
		st.Status = models.StepFailed
		st.ErrorText = errorText
		st.UpdatedAt = s.now()
		out = append(out, cloneStep(st))
	}
	return out, nil
}

func (s *MemoryStore) SaveCriticState(_ context.Context, stepID string, state *models.CriticState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[stepID]
	if !ok {
		return fmt.Errorf("workflow step %s: %w", stepID, ErrNotFound)
	}
	cp, err := cloneCritic(state)
	if err != nil {
		return err
	}
	st.Critic = cp
	st.UpdatedAt = s.now()
	return nil
}

func cloneStep(st *models.WorkflowInstanceStep) *models.WorkflowInstanceStep {
	cp := *st
	if st.OutputSummary != nil {
		summary := *st.OutputSummary
		cp.OutputSummary = &summary
	}
	if st.Critic != nil {
		cp.Critic, _ = cloneCritic(st.Critic)
	}
	return &cp
}

func cloneCritic(state *models.CriticState) (*models.CriticState, error) {
	if state == nil {
		return nil, nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode critic state: %w", err)
	}
	var cp models.CriticState
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("decode critic state: %w", err)
	}
	return &cp, nil
}

// --- artifacts ---

func (s *MemoryStore) StartRunLog(_ context.Context, l *models.RunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.StartedAt.IsZero() {
		l.StartedAt = s.now()
	}
	cp := *l
	s.runLogs = append(s.runLogs, &cp)
	return nil
}

func (s *MemoryStore) FinishRunLog(_ context.Context, l *models.RunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishRunLog(l)
}

func (s *MemoryStore) finishRunLog(l *models.RunLog) error {
	for i, existing := range s.runLogs {
		if existing.ID == l.ID {
			if l.FinishedAt == nil {
				now := s.now()
				l.FinishedAt = &now
			}
			cp := *l
			s.runLogs[i] = &cp
			return nil
		}
	}
	return fmt.Errorf("run log %s: %w", l.ID, ErrNotFound)
}

func (s *MemoryStore) CommitStepOutput(_ context.Context, out *StepOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if out.RunLog != nil {
		found := false
		for _, existing := range s.runLogs {
			found = found || existing.ID == out.RunLog.ID
		}
		if !found {
			return fmt.Errorf("run log %s: %w", out.RunLog.ID, ErrNotFound)
		}
	}

	now := s.now()
	if len(out.IssueNodes) > 0 {
		v := nextVersion(s.issueNodes, out.ProjectID, func(n *models.IssueNode) (string, int) { return n.ProjectID, n.Version })
		for _, n := range out.IssueNodes {
			n.ProjectID, n.Version, n.CreatedAt = out.ProjectID, v, now
			cp := *n
			s.issueNodes = append(s.issueNodes, &cp)
		}
	}
	if len(out.Hypotheses) > 0 {
		v := nextVersion(s.hypotheses, out.ProjectID, func(h *models.Hypothesis) (string, int) { return h.ProjectID, h.Version })
		for _, h := range out.Hypotheses {
			h.ProjectID, h.Version, h.CreatedAt = out.ProjectID, v, now
			cp := *h
			s.hypotheses = append(s.hypotheses, &cp)
		}
	}
	if len(out.AnalysisPlans) > 0 {
		v := nextVersion(s.analysisPlans, out.ProjectID, func(p *models.AnalysisPlan) (string, int) { return p.ProjectID, p.Version })
		for _, p := range out.AnalysisPlans {
			p.ProjectID, p.Version, p.CreatedAt = out.ProjectID, v, now
			cp := *p
			s.analysisPlans = append(s.analysisPlans, &cp)
		}
	}
	if len(out.ModelRuns) > 0 {
		v := nextVersion(s.modelRuns, out.ProjectID, func(r *models.ModelRun) (string, int) { return r.ProjectID, r.Version })
		for _, r := range out.ModelRuns {
			r.ProjectID, r.Version, r.CreatedAt = out.ProjectID, v, now
			cp := *r
			s.modelRuns = append(s.modelRuns, &cp)
		}
	}
	if out.Narrative != nil {
		n := out.Narrative
		n.ProjectID = out.ProjectID
		n.Version = nextVersion(s.narratives, out.ProjectID, func(n *models.Narrative) (string, int) { return n.ProjectID, n.Version })
		n.CreatedAt = now
		cp := *n
		s.narratives = append(s.narratives, &cp)
	}
	if len(out.Slides) > 0 {
		v := nextVersion(s.slides, out.ProjectID, func(sl *models.Slide) (string, int) { return sl.ProjectID, sl.Version })
		for _, sl := range out.Slides {
			sl.ProjectID, sl.Version, sl.CreatedAt = out.ProjectID, v, now
			cp := *sl
			s.slides = append(s.slides, &cp)
		}
	}
	if d := out.Deliverable; d != nil {
		d.ProjectID = out.ProjectID
		d.Version = 1
		for _, existing := range s.deliverables {
			if existing.StepID == d.StepID && existing.Version >= d.Version {
				d.Version = existing.Version + 1
			}
		}
		d.CreatedAt = now
		cp := *d
		s.deliverables = append(s.deliverables, &cp)
	}
	if out.RunLog != nil {
		return s.finishRunLog(out.RunLog)
	}
	return nil
}

func (s *MemoryStore) ListDeliverables(_ context.Context, stepID string) ([]*models.Deliverable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.Deliverable{}
	for _, d := range s.deliverables {
		if d.StepID == stepID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *MemoryStore) ListRunLogs(_ context.Context, stepID string) ([]*models.RunLog, error) {
	return s.filterRunLogs(func(l *models.RunLog) bool { return l.StepID == stepID }), nil
}

func (s *MemoryStore) ListProjectRunLogs(_ context.Context, projectID string) ([]*models.RunLog, error) {
	return s.filterRunLogs(func(l *models.RunLog) bool { return l.ProjectID == projectID }), nil
}

func (s *MemoryStore) filterRunLogs(keep func(*models.RunLog) bool) []*models.RunLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.RunLog{}
	for _, l := range s.runLogs {
		if keep(l) {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out
}

func (s *MemoryStore) ListIssueNodes(_ context.Context, projectID string, version int) ([]*models.IssueNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectVersion(s.issueNodes, projectID, version, func(n *models.IssueNode) (string, int) { return n.ProjectID, n.Version }), nil
}

func (s *MemoryStore) ListHypotheses(_ context.Context, projectID string, version int) ([]*models.Hypothesis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectVersion(s.hypotheses, projectID, version, func(h *models.Hypothesis) (string, int) { return h.ProjectID, h.Version }), nil
}

func (s *MemoryStore) ListAnalysisPlans(_ context.Context, projectID string, version int) ([]*models.AnalysisPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectVersion(s.analysisPlans, projectID, version, func(p *models.AnalysisPlan) (string, int) { return p.ProjectID, p.Version }), nil
}

func (s *MemoryStore) ListModelRuns(_ context.Context, projectID string, version int) ([]*models.ModelRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectVersion(s.modelRuns, projectID, version, func(r *models.ModelRun) (string, int) { return r.ProjectID, r.Version }), nil
}

func (s *MemoryStore) GetNarrative(_ context.Context, projectID string, version int) (*models.Narrative, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := selectVersion(s.narratives, projectID, version, func(n *models.Narrative) (string, int) { return n.ProjectID, n.Version })
	if len(found) == 0 {
		return nil, fmt.Errorf("narrative for project %s: %w", projectID, ErrNotFound)
	}
	return found[0], nil
}

func (s *MemoryStore) ListSlides(_ context.Context, projectID string, version int) ([]*models.Slide, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := selectVersion(s.slides, projectID, version, func(sl *models.Slide) (string, int) { return sl.ProjectID, sl.Version })
	sort.SliceStable(out, func(i, j int) bool { return out[i].SlideIndex < out[j].SlideIndex })
	return out, nil
}

func nextVersion[T any](items []*T, projectID string, key func(*T) (string, int)) int {
	latest := 0
	for _, it := range items {
		if p, v := key(it); p == projectID && v > latest {
			latest = v
		}
	}
	return latest + 1
}

// selectVersion returns copies of the rows of one version, Latest meaning
// the highest stored.
func selectVersion[T any](items []*T, projectID string, version int, key func(*T) (string, int)) []*T {
	if version == Latest {
		version = nextVersion(items, projectID, key) - 1
	}
	out := []*T{}
	for _, it := range items {
		if p, v := key(it); p == projectID && v == version {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out
}

// --- vault ---

func (s *MemoryStore) CreateVaultFile(_ context.Context, f *models.VaultFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.Status == "" {
		f.Status = models.VaultPending
	}
	f.CreatedAt = s.now()
	f.UpdatedAt = f.CreatedAt
	cp := *f
	s.vaultFiles[f.ID] = &cp
	s.vaultOrder = append(s.vaultOrder, f.ID)
	return nil
}

func (s *MemoryStore) GetVaultFile(_ context.Context, id string) (*models.VaultFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.vaultFiles[id]
	if !ok {
		return nil, fmt.Errorf("vault file %s: %w", id, ErrNotFound)
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) UpdateVaultFile(_ context.Context, f *models.VaultFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vaultFiles[f.ID]; !ok {
		return fmt.Errorf("vault file %s: %w", f.ID, ErrNotFound)
	}
	f.UpdatedAt = s.now()
	cp := *f
	s.vaultFiles[f.ID] = &cp
	return nil
}

func (s *MemoryStore) ListVaultFiles(_ context.Context, projectID string) ([]*models.VaultFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.VaultFile{}
	for _, id := range s.vaultOrder {
		if f := s.vaultFiles[id]; f.ProjectID == projectID {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ReplaceVaultChunks(_ context.Context, fileID string, chunks []*models.VaultChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vaultFiles[fileID]; !ok {
		return fmt.Errorf("vault file %s: %w", fileID, ErrNotFound)
	}
	stored := make([]*models.VaultChunk, len(chunks))
	for i, c := range chunks {
		cp := *c
		cp.FileID = fileID
		stored[i] = &cp
	}
	s.chunks[fileID] = stored
	return nil
}

func (s *MemoryStore) ListVaultChunks(_ context.Context, projectID string) ([]*models.VaultChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.VaultChunk
	for _, id := range s.vaultOrder {
		if s.vaultFiles[id].ProjectID != projectID {
			continue
		}
		for _, c := range s.chunks[id] {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}
