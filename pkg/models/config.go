package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ModelParams selects and tunes the model for a step.
type ModelParams struct {
	Name        string   `json:"name,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// RetrievalConfig controls vault grounding for a step.
type RetrievalConfig struct {
	Enabled   bool   `json:"enabled"`
	MaxChunks int    `json:"max_chunks,omitempty"`
	Query     string `json:"query,omitempty"`
}

// IssuesTreeConfig tunes the issues tree agent and its critic loop.
type IssuesTreeConfig struct {
	MinNodes        int     `json:"min_nodes,omitempty"`
	MinDepth        int     `json:"min_depth,omitempty"`
	CriticThreshold float64 `json:"critic_threshold,omitempty"`
	MaxRevisions    *int    `json:"max_revisions,omitempty"`
}

// ScenarioConfig tunes the execution step.
type ScenarioConfig struct {
	DefaultVolatility float64 `json:"default_volatility,omitempty"`
}

// StepConfig is the typed configuration of a template or instance step.
// Sections that do not apply to the step's agent must be nil; anything
// without a typed home goes into Extensions.
type StepConfig struct {
	Model               ModelParams                `json:"model,omitempty"`
	SystemPrompt        string                     `json:"system_prompt,omitempty"`
	RetryCount          *int                       `json:"retry_count,omitempty"`
	RequireConfirmation bool                       `json:"require_confirmation,omitempty"`
	Parameters          string                     `json:"parameters,omitempty"`
	Retrieval           *RetrievalConfig           `json:"retrieval,omitempty"`
	IssuesTree          *IssuesTreeConfig          `json:"issues_tree,omitempty"`
	Scenario            *ScenarioConfig            `json:"scenario,omitempty"`
	Extensions          map[string]json.RawMessage `json:"extensions,omitempty"`
}

// Validate checks the config against the agent it is bound to.
func (c StepConfig) Validate(agent AgentKey) error {
	if c.RetryCount != nil && (*c.RetryCount < 0 || *c.RetryCount > 5) {
		return fmt.Errorf("retry_count must be between 0 and 5")
	}
	if c.Model.MaxTokens < 0 {
		return fmt.Errorf("model.max_tokens must not be negative")
	}
	if t := c.Model.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("model.temperature must be between 0 and 2")
	}
	if c.IssuesTree != nil {
		if agent != AgentIssuesTree {
			return fmt.Errorf("issues_tree section is not valid for agent %q", agent)
		}
		if th := c.IssuesTree.CriticThreshold; th != 0 && (th < 1 || th > 5) {
			return fmt.Errorf("issues_tree.critic_threshold must be between 1 and 5")
		}
		if m := c.IssuesTree.MaxRevisions; m != nil && (*m < 0 || *m > 5) {
			return fmt.Errorf("issues_tree.max_revisions must be between 0 and 5")
		}
	}
	if c.Scenario != nil {
		if agent != AgentExecution {
			return fmt.Errorf("scenario section is not valid for agent %q", agent)
		}
		if v := c.Scenario.DefaultVolatility; v < 0 || v > 1 {
			return fmt.Errorf("scenario.default_volatility must be between 0 and 1")
		}
	}
	if c.Retrieval != nil && agent == AgentExecution {
		return fmt.Errorf("retrieval is not valid for agent %q", agent)
	}
	return nil
}

// AgentConfig is the operator-editable default prompt and model of an agent.
type AgentConfig struct {
	AgentKey     AgentKey  `json:"agent_key"`
	SystemPrompt string    `json:"system_prompt"`
	Model        string    `json:"model"`
	MaxTokens    int       `json:"max_tokens"`
	UpdatedAt    time.Time `json:"updated_at"`
}
