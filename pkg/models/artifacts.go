package models

import (
	"encoding/json"
	"time"

	"consultflow/backend/pkg/scenario"
)

// RunStatus is the outcome recorded on a run log.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// Deliverable is a versioned, human-reviewable output of a step.
type Deliverable struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	StepID    string          `json:"step_id"`
	Title     string          `json:"title"`
	Content   json.RawMessage `json:"content"`
	Version   int             `json:"version"`
	Locked    bool            `json:"locked"`
	CreatedAt time.Time       `json:"created_at"`
}

// RunLog is the audit record of one step execution attempt.
type RunLog struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"project_id"`
	StepID     string          `json:"step_id"`
	Stage      AgentKey        `json:"stage"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ModelUsed  string          `json:"model_used"`
	Status     RunStatus       `json:"status"`
	ErrorText  string          `json:"error_text,omitempty"`
	Operator   string          `json:"operator,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Priority ranks an issue node.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// IssueNode is one node of a persisted issues tree version.
type IssueNode struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	ParentID  *string   `json:"parent_id,omitempty"`
	Text      string    `json:"text"`
	Priority  Priority  `json:"priority"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Hypothesis is a testable statement linked to an issue node.
type Hypothesis struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	IssueNodeID *string   `json:"issue_node_id,omitempty"`
	Statement   string    `json:"statement"`
	Metric      string    `json:"metric"`
	DataSource  string    `json:"data_source"`
	Method      string    `json:"method"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
}

// AnalysisPlan holds the scenario parameters that test one hypothesis.
type AnalysisPlan struct {
	ID              string         `json:"id"`
	ProjectID       string         `json:"project_id"`
	HypothesisID    string         `json:"hypothesis_id"`
	Method          string         `json:"method"`
	Parameters      scenario.Input `json:"parameters"`
	RequiredDataset string         `json:"required_dataset"`
	Version         int            `json:"version"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ModelRun records one scenario calculation.
type ModelRun struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id"`
	AnalysisPlanID string          `json:"analysis_plan_id"`
	HypothesisID   string          `json:"hypothesis_id"`
	ToolName       string          `json:"tool_name"`
	Inputs         scenario.Input  `json:"inputs"`
	Outputs        scenario.Output `json:"outputs"`
	Version        int             `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Narrative is the executive summary text.
type Narrative struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	SummaryText string    `json:"summary_text"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
}

// SlideLayout names a presentation slide layout.
type SlideLayout string

const (
	LayoutTitleSlide    SlideLayout = "title_slide"
	LayoutSectionHeader SlideLayout = "section_header"
	LayoutTitleBody     SlideLayout = "title_body"
	LayoutTwoColumn     SlideLayout = "two_column"
	LayoutMetrics       SlideLayout = "metrics"
)

// Valid reports whether l is a known layout.
func (l SlideLayout) Valid() bool {
	switch l {
	case LayoutTitleSlide, LayoutSectionHeader, LayoutTitleBody, LayoutTwoColumn, LayoutMetrics:
		return true
	}
	return false
}

// Slide is one slide of a presentation deck version.
type Slide struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"project_id"`
	SlideIndex int             `json:"slide_index"`
	Layout     SlideLayout     `json:"layout"`
	Title      string          `json:"title"`
	Subtitle   string          `json:"subtitle,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
	NotesText  string          `json:"notes_text,omitempty"`
	Version    int             `json:"version"`
	CreatedAt  time.Time       `json:"created_at"`
}
