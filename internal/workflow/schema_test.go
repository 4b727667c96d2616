package workflow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consultflow/backend/pkg/models"
)

func strPtr(s string) *string { return &s }

func TestOverallScore(t *testing.T) {
	tests := []struct {
		name   string
		scores models.CriticScores
		want   float64
	}{
		{"average", models.CriticScores{Overlap: 4, Coverage: 4, MixedLogics: 4, BranchBalance: 5, LabelQuality: 4}, 4.2},
		{"rounded", models.CriticScores{Overlap: 4, Coverage: 3, MixedLogics: 3, BranchBalance: 3, LabelQuality: 3}, 3.2},
		{"perfect", models.CriticScores{Overlap: 5, Coverage: 5, MixedLogics: 5, BranchBalance: 5, LabelQuality: 5}, 5},
		{"catastrophic criterion", models.CriticScores{Overlap: 5, Coverage: 1, MixedLogics: 5, BranchBalance: 5, LabelQuality: 5}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, OverallScore(tt.scores), 1e-9)
		})
	}
}

func TestCriticPayload(t *testing.T) {
	t.Run("object scores", func(t *testing.T) {
		p, err := decodeJSON[criticPayload](`{"verdict":"approved","scores":{"overlap":{"score":4,"details":"ok"},"coverage":4,"mixedLogics":4,"branchBalance":5,"labelQuality":4},"issues":[],"revisionInstructions":"  none "}`)
		require.NoError(t, err)
		r, err := p.report()
		require.NoError(t, err)
		assert.Equal(t, 4, r.Scores.Overlap)
		assert.InDelta(t, 4.2, r.OverallScore, 1e-9)
		assert.Equal(t, "none", r.RevisionInstructions)
	})

	t.Run("out of range", func(t *testing.T) {
		p, err := decodeJSON[criticPayload](criticJSON(6, 4, 4, 4, 4))
		require.NoError(t, err)
		_, err = p.report()
		assert.Error(t, err)
	})

	t.Run("missing score", func(t *testing.T) {
		p, err := decodeJSON[criticPayload](`{"scores":{"overlap":4}}`)
		require.NoError(t, err)
		_, err = p.report()
		assert.Error(t, err)
	})
}

func TestDecodeJSON_NoObject(t *testing.T) {
	_, err := decodeJSON[projectDefinition]("I could not produce a definition.")
	assert.True(t, errors.Is(err, errNoJSON))
}

func TestValidateTree(t *testing.T) {
	valid, err := decodeJSON[models.IssueTreeDraft](treeJSON("EU"))
	require.NoError(t, err)
	normalizeTree(&valid)
	depth, err := validateTree(&valid, 15, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	t.Run("too few nodes", func(t *testing.T) {
		_, err := validateTree(&valid, 20, 3)
		assert.ErrorContains(t, err, "need at least 20")
	})

	t.Run("too shallow", func(t *testing.T) {
		_, err := validateTree(&valid, 15, 4)
		assert.ErrorContains(t, err, "levels")
	})

	tests := []struct {
		name  string
		nodes []models.IssueDraftNode
		want  string
	}{
		{"empty", nil, "empty"},
		{"missing text", []models.IssueDraftNode{{ID: "1", Priority: models.PriorityHigh}}, "no text"},
		{"duplicate id", []models.IssueDraftNode{{ID: "1", Text: "a", Priority: models.PriorityHigh}, {ID: "1", Text: "b", Priority: models.PriorityLow}}, "duplicate"},
		{"unknown parent", []models.IssueDraftNode{{ID: "1", Text: "a", Priority: models.PriorityHigh, ParentID: strPtr("9")}}, "unknown parent"},
		{"cycle", []models.IssueDraftNode{
			{ID: "1", Text: "a", Priority: models.PriorityHigh, ParentID: strPtr("2")},
			{ID: "2", Text: "b", Priority: models.PriorityHigh, ParentID: strPtr("1")},
		}, "cycle"},
		{"bad priority", []models.IssueDraftNode{{ID: "1", Text: "a", Priority: "urgent"}}, "invalid priority"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validateTree(&models.IssueTreeDraft{Issues: tt.nodes}, 1, 1)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestNormalizeTree(t *testing.T) {
	tree := models.IssueTreeDraft{Issues: []models.IssueDraftNode{
		{ID: " 1 ", Text: " Market ", Priority: "HIGH", ParentID: strPtr("null")},
		{ID: "2", Text: "Demand", ParentID: strPtr(" 1 ")},
	}}
	normalizeTree(&tree)
	assert.Equal(t, "1", tree.Issues[0].ID)
	assert.Equal(t, "Market", tree.Issues[0].Text)
	assert.Equal(t, models.PriorityHigh, tree.Issues[0].Priority)
	assert.Nil(t, tree.Issues[0].ParentID)
	assert.Equal(t, models.PriorityMedium, tree.Issues[1].Priority)
	require.NotNil(t, tree.Issues[1].ParentID)
	assert.Equal(t, "1", *tree.Issues[1].ParentID)
}

func TestRenderTree(t *testing.T) {
	tree := models.IssueTreeDraft{Issues: []models.IssueDraftNode{
		{ID: "1", Text: "Market attractiveness", Priority: models.PriorityHigh},
		{ID: "1.1", Text: "Demand size", Priority: models.PriorityLow, ParentID: strPtr("1")},
	}}
	out := renderTree(&tree, "Enter the EU market")
	assert.Equal(t, "Governing Question / Objective: Enter the EU market\n\nIssues Tree (2 nodes):\n- [HIGH] Market attractiveness\n  - [LOW] Demand size", out)
}

func TestHypothesisSetValidate(t *testing.T) {
	valid, err := decodeJSON[hypothesisSet](hypothesesJSON())
	require.NoError(t, err)
	require.NoError(t, valid.validate(0.15))

	hyp := func(n int) []hypothesisDraft {
		out := make([]hypothesisDraft, n)
		for i := range out {
			out[i] = hypothesisDraft{Statement: fmt.Sprintf("hypothesis %d", i)}
		}
		return out
	}
	plan := func(idx int) planDraft {
		return planDraft{HypothesisIndex: idx, Parameters: planParameters{BaselineRevenue: 1000, TimeHorizonYears: 2}}
	}

	tests := []struct {
		name string
		set  hypothesisSet
		want string
	}{
		{"too few", hypothesisSet{Hypotheses: hyp(1), AnalysisPlan: []planDraft{plan(0)}}, "expected 2-4"},
		{"too many", hypothesisSet{Hypotheses: hyp(5)}, "expected 2-4"},
		{"index out of range", hypothesisSet{Hypotheses: hyp(2), AnalysisPlan: []planDraft{plan(0), plan(2)}}, "out of range"},
		{"uncovered hypothesis", hypothesisSet{Hypotheses: hyp(2), AnalysisPlan: []planDraft{plan(0)}}, "hypotheses[1] has no analysis plan"},
		{"invalid parameters", hypothesisSet{Hypotheses: hyp(2), AnalysisPlan: []planDraft{plan(0), {HypothesisIndex: 1}}}, "baselineRevenue"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorContains(t, tt.set.validate(0.15), tt.want)
		})
	}
}

func TestPlanParametersVolatilityDefault(t *testing.T) {
	in := planParameters{BaselineRevenue: 1000, TimeHorizonYears: 1}.input(0.15)
	assert.Equal(t, 0.15, in.Volatility)

	zero := 0.0
	in = planParameters{BaselineRevenue: 1000, TimeHorizonYears: 1, Volatility: &zero}.input(0.15)
	assert.Equal(t, 0.0, in.Volatility)
}

func TestSlideDeckValidate(t *testing.T) {
	deck, err := decodeJSON[slideDeck](`{"slides":[{"layout":" Metrics ","title":"Numbers","bodyJson":{"metrics":[]}}]}`)
	require.NoError(t, err)
	require.NoError(t, deck.validate())
	assert.Equal(t, models.LayoutMetrics, deck.Slides[0].Layout)
	assert.JSONEq(t, `{"metrics":[]}`, string(deck.Slides[0].Body))

	bad := slideDeck{Slides: []slideDraft{{Layout: "carousel", Title: "x"}}}
	assert.ErrorContains(t, bad.validate(), "invalid layout")
	assert.ErrorContains(t, (&slideDeck{}).validate(), "empty")
}

func TestProjectDefinitionValidate(t *testing.T) {
	def, err := decodeJSON[projectDefinition](definitionJSON())
	require.NoError(t, err)
	require.NoError(t, def.validate())

	def.SuccessMetrics = nil
	assert.ErrorContains(t, def.validate(), "success metric")
}
