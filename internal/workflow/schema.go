package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"consultflow/backend/internal/llm"
	"consultflow/backend/pkg/models"
	"consultflow/backend/pkg/scenario"
)

const (
	defaultMinNodes        = 15
	defaultMinDepth        = 3
	defaultCriticThreshold = 4.0
	defaultMaxRevisions    = 2
	minHypotheses          = 2
	maxHypotheses          = 4
)

var errNoJSON = errors.New("response contains no JSON object")

// decodeJSON extracts the JSON object from a model answer and decodes it.
func decodeJSON[T any](text string) (T, error) {
	var v T
	raw := llm.ExtractJSON(text)
	if raw == "" {
		return v, errNoJSON
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, fmt.Errorf("decode response: %w", err)
	}
	return v, nil
}

// --- project definition ---

type successMetric struct {
	MetricName        string `json:"metric_name"`
	Definition        string `json:"definition"`
	ThresholdOrTarget string `json:"threshold_or_target"`
}

type projectDefinition struct {
	DecisionStatement string            `json:"decision_statement"`
	GoverningQuestion string            `json:"governing_question"`
	DecisionOwner     string            `json:"decision_owner,omitempty"`
	DecisionDeadline  string            `json:"decision_deadline,omitempty"`
	SuccessMetrics    []successMetric   `json:"success_metrics"`
	Alternatives      []string          `json:"alternatives"`
	Constraints       map[string]string `json:"constraints,omitempty"`
	Assumptions       []string          `json:"assumptions,omitempty"`
	InitialHypothesis string            `json:"initial_hypothesis,omitempty"`
	KeyUncertainties  []string          `json:"key_uncertainties,omitempty"`
	InformationGaps   []string          `json:"information_gaps,omitempty"`
}

func (d *projectDefinition) validate() error {
	switch {
	case strings.TrimSpace(d.DecisionStatement) == "":
		return errors.New("decision_statement is required")
	case strings.TrimSpace(d.GoverningQuestion) == "":
		return errors.New("governing_question is required")
	case len(d.SuccessMetrics) == 0:
		return errors.New("at least one success metric is required")
	}
	for i, m := range d.SuccessMetrics {
		if strings.TrimSpace(m.MetricName) == "" {
			return fmt.Errorf("success_metrics[%d].metric_name is required", i)
		}
	}
	return nil
}

// --- issues tree ---

// normalizeTree trims labels, lower-cases priorities and clears empty
// parent references in place.
func normalizeTree(t *models.IssueTreeDraft) {
	for i := range t.Issues {
		n := &t.Issues[i]
		n.ID = strings.TrimSpace(n.ID)
		n.Text = strings.TrimSpace(n.Text)
		n.Priority = models.Priority(strings.ToLower(strings.TrimSpace(string(n.Priority))))
		if n.Priority == "" {
			n.Priority = models.PriorityMedium
		}
		if n.ParentID != nil {
			p := strings.TrimSpace(*n.ParentID)
			if p == "" || p == "null" {
				n.ParentID = nil
			} else {
				n.ParentID = &p
			}
		}
	}
}

// validateTree checks structure and size and returns the tree depth.
func validateTree(t *models.IssueTreeDraft, minNodes, minDepth int) (int, error) {
	if len(t.Issues) == 0 {
		return 0, errors.New("issues tree is empty")
	}
	parents := make(map[string]*string, len(t.Issues))
	for i, n := range t.Issues {
		switch {
		case n.ID == "":
			return 0, fmt.Errorf("issues[%d] has no id", i)
		case n.Text == "":
			return 0, fmt.Errorf("issue %s has no text", n.ID)
		case !n.Priority.Valid():
			return 0, fmt.Errorf("issue %s has invalid priority %q", n.ID, n.Priority)
		}
		if _, dup := parents[n.ID]; dup {
			return 0, fmt.Errorf("duplicate issue id %s", n.ID)
		}
		parents[n.ID] = n.ParentID
	}

	depth := 0
	for id := range parents {
		d := 1
		for cur := parents[id]; cur != nil; cur = parents[*cur] {
			if _, ok := parents[*cur]; !ok {
				return 0, fmt.Errorf("issue %s references unknown parent %s", id, *cur)
			}
			d++
			if d > len(parents) {
				return 0, fmt.Errorf("issue %s is part of a cycle", id)
			}
		}
		depth = max(depth, d)
	}

	if len(t.Issues) < minNodes {
		return depth, fmt.Errorf("issues tree has %d nodes, need at least %d", len(t.Issues), minNodes)
	}
	if depth < minDepth {
		return depth, fmt.Errorf("issues tree has %d levels, need at least %d", depth, minDepth)
	}
	return depth, nil
}

// renderTree formats a tree as an indented outline for prompts.
func renderTree(t *models.IssueTreeDraft, objective string) string {
	children := make(map[string][]models.IssueDraftNode)
	for _, n := range t.Issues {
		key := ""
		if n.ParentID != nil {
			key = *n.ParentID
		}
		children[key] = append(children[key], n)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Governing Question / Objective: %s\n\nIssues Tree (%d nodes):\n", objective, len(t.Issues))
	var walk func(parent string, indent int)
	walk = func(parent string, indent int) {
		for _, n := range children[parent] {
			fmt.Fprintf(&b, "%s- [%s] %s\n", strings.Repeat("  ", indent), strings.ToUpper(string(n.Priority)), n.Text)
			if indent < len(t.Issues) {
				walk(n.ID, indent+1)
			}
		}
	}
	walk("", 0)
	return strings.TrimRight(b.String(), "\n")
}

// --- critic ---

// criterionScore accepts a bare number or {"score": n, "details": "..."}.
type criterionScore int

func (c *criterionScore) UnmarshalJSON(b []byte) error {
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*c = criterionScore(math.Round(n))
		return nil
	}
	var obj struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("criterion score: %w", err)
	}
	*c = criterionScore(math.Round(obj.Score))
	return nil
}

type criticPayload struct {
	Verdict string `json:"verdict"`
	Scores  struct {
		Overlap       criterionScore `json:"overlap"`
		Coverage      criterionScore `json:"coverage"`
		MixedLogics   criterionScore `json:"mixedLogics"`
		BranchBalance criterionScore `json:"branchBalance"`
		LabelQuality  criterionScore `json:"labelQuality"`
	} `json:"scores"`
	Issues               []string `json:"issues"`
	RevisionInstructions string   `json:"revisionInstructions"`
}

func (p *criticPayload) report() (*models.CriticReport, error) {
	scores := models.CriticScores{
		Overlap:       int(p.Scores.Overlap),
		Coverage:      int(p.Scores.Coverage),
		MixedLogics:   int(p.Scores.MixedLogics),
		BranchBalance: int(p.Scores.BranchBalance),
		LabelQuality:  int(p.Scores.LabelQuality),
	}
	for _, s := range scores.All() {
		if s < 1 || s > 5 {
			return nil, fmt.Errorf("critic scores must be between 1 and 5, got %v", scores.All())
		}
	}
	return &models.CriticReport{
		Verdict:              p.Verdict,
		Scores:               scores,
		OverallScore:         OverallScore(scores),
		Issues:               p.Issues,
		RevisionInstructions: strings.TrimSpace(p.RevisionInstructions),
	}, nil
}

// OverallScore averages the criteria, rounded to two decimals. A 1 on any
// criterion is catastrophic and forces an overall score of 1.
func OverallScore(s models.CriticScores) float64 {
	all := s.All()
	sum := 0
	for _, v := range all {
		if v <= 1 {
			return 1
		}
		sum += v
	}
	return math.Round(float64(sum)/float64(len(all))*100) / 100
}

// --- hypotheses ---

type hypothesisDraft struct {
	IssueNodeID string `json:"issueNodeId"`
	Statement   string `json:"statement"`
	Metric      string `json:"metric"`
	DataSource  string `json:"dataSource"`
	Method      string `json:"method"`
}

type planParameters struct {
	BaselineRevenue  float64  `json:"baselineRevenue"`
	GrowthRate       float64  `json:"growthRate"`
	CostReduction    float64  `json:"costReduction"`
	TimeHorizonYears int      `json:"timeHorizonYears"`
	Volatility       *float64 `json:"volatility"`
}

func (p planParameters) input(defaultVolatility float64) scenario.Input {
	in := scenario.Input{
		BaselineRevenue:  p.BaselineRevenue,
		GrowthRate:       p.GrowthRate,
		CostReduction:    p.CostReduction,
		TimeHorizonYears: p.TimeHorizonYears,
		Volatility:       defaultVolatility,
	}
	if p.Volatility != nil {
		in.Volatility = *p.Volatility
	}
	return in
}

type planDraft struct {
	HypothesisIndex int            `json:"hypothesisIndex"`
	Method          string         `json:"method"`
	Parameters      planParameters `json:"parameters"`
	RequiredDataset string         `json:"requiredDataset"`
}

type hypothesisSet struct {
	Hypotheses   []hypothesisDraft `json:"hypotheses"`
	AnalysisPlan []planDraft       `json:"analysisPlan"`
}

func (s *hypothesisSet) validate(defaultVolatility float64) error {
	if n := len(s.Hypotheses); n < minHypotheses || n > maxHypotheses {
		return fmt.Errorf("expected %d-%d hypotheses, got %d", minHypotheses, maxHypotheses, n)
	}
	for i, h := range s.Hypotheses {
		if strings.TrimSpace(h.Statement) == "" {
			return fmt.Errorf("hypotheses[%d].statement is required", i)
		}
	}
	covered := make([]bool, len(s.Hypotheses))
	for i, p := range s.AnalysisPlan {
		if p.HypothesisIndex < 0 || p.HypothesisIndex >= len(s.Hypotheses) {
			return fmt.Errorf("analysisPlan[%d].hypothesisIndex %d is out of range", i, p.HypothesisIndex)
		}
		if err := p.Parameters.input(defaultVolatility).Validate(); err != nil {
			return fmt.Errorf("analysisPlan[%d].parameters: %w", i, err)
		}
		covered[p.HypothesisIndex] = true
	}
	for i, ok := range covered {
		if !ok {
			return fmt.Errorf("hypotheses[%d] has no analysis plan entry", i)
		}
	}
	return nil
}

// --- presentation ---

type slideDraft struct {
	SlideIndex int                `json:"slideIndex"`
	Layout     models.SlideLayout `json:"layout"`
	Title      string             `json:"title"`
	Subtitle   string             `json:"subtitle"`
	Body       json.RawMessage    `json:"body,omitempty"`
	BodyJSON   json.RawMessage    `json:"bodyJson,omitempty"`
	NotesText  string             `json:"notesText"`
}

type slideDeck struct {
	Slides []slideDraft `json:"slides"`
}

func (d *slideDeck) validate() error {
	if len(d.Slides) == 0 {
		return errors.New("slide deck is empty")
	}
	for i := range d.Slides {
		s := &d.Slides[i]
		s.Layout = models.SlideLayout(strings.ToLower(strings.TrimSpace(string(s.Layout))))
		if !s.Layout.Valid() {
			return fmt.Errorf("slides[%d] has invalid layout %q", i, s.Layout)
		}
		if strings.TrimSpace(s.Title) == "" {
			return fmt.Errorf("slides[%d].title is required", i)
		}
		if len(s.Body) == 0 && len(s.BodyJSON) > 0 {
			s.Body = s.BodyJSON
		}
		s.BodyJSON = nil
	}
	return nil
}
