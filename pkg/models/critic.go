package models

import "time"

// CriticPhase is the state of the issues tree critique loop.
type CriticPhase string

const (
	CriticDrafting          CriticPhase = "drafting"
	CriticCritiquing        CriticPhase = "critiquing"
	CriticApproved          CriticPhase = "approved_by_critic"
	CriticRevisionExhausted CriticPhase = "revision_exhausted"
)

// Terminal reports whether the loop has finished.
func (p CriticPhase) Terminal() bool {
	return p == CriticApproved || p == CriticRevisionExhausted
}

// IssueDraftNode is a node of an issues tree before it is persisted.
type IssueDraftNode struct {
	ID       string   `json:"id"`
	ParentID *string  `json:"parentId"`
	Text     string   `json:"text"`
	Priority Priority `json:"priority"`
}

// IssueTreeDraft is a generated issues tree.
type IssueTreeDraft struct {
	Issues []IssueDraftNode `json:"issues"`
}

// CriticScores holds the 1-5 score per MECE criterion.
type CriticScores struct {
	Overlap       int `json:"overlap"`
	Coverage      int `json:"coverage"`
	MixedLogics   int `json:"mixedLogics"`
	BranchBalance int `json:"branchBalance"`
	LabelQuality  int `json:"labelQuality"`
}

// All returns the scores in a fixed order.
func (s CriticScores) All() []int {
	return []int{s.Overlap, s.Coverage, s.MixedLogics, s.BranchBalance, s.LabelQuality}
}

// CriticReport is one critique of an issues tree.
type CriticReport struct {
	Verdict              string       `json:"verdict"`
	Scores               CriticScores `json:"scores"`
	OverallScore         float64      `json:"overallScore"`
	Issues               []string     `json:"issues,omitempty"`
	RevisionInstructions string       `json:"revisionInstructions,omitempty"`
}

// CriticAttempt records the critique of one generation.
type CriticAttempt struct {
	Attempt int          `json:"attempt"`
	Report  CriticReport `json:"report"`
	At      time.Time    `json:"at"`
}

// CriticState is the persisted checkpoint of the critique loop, stored
// alongside the issues tree step.
type CriticState struct {
	Phase       CriticPhase     `json:"phase"`
	Attempt     int             `json:"attempt"`
	Current     *IssueTreeDraft `json:"current,omitempty"`
	Feedback    *CriticReport   `json:"feedback,omitempty"`
	Best        *IssueTreeDraft `json:"best,omitempty"`
	BestScore   float64         `json:"best_score"`
	BestAttempt int             `json:"best_attempt"`
	History     []CriticAttempt `json:"history,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
