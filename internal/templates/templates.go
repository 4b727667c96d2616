// Package templates loads workflow templates from YAML and seeds the
// built-in consulting template.
package templates

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"consultflow/backend/internal/repository"
	"consultflow/backend/pkg/models"
)

//go:embed default.yaml
var defaultTemplate []byte

// DefaultID is the id of the built-in template.
const DefaultID = "consulting-default"

type templateFile struct {
	ID          string     `yaml:"id"`
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Steps       []stepFile `yaml:"steps"`
}

type stepFile struct {
	Name        string     `yaml:"name"`
	Agent       string     `yaml:"agent"`
	Description string     `yaml:"description"`
	Config      configFile `yaml:"config"`
}

type configFile struct {
	Model struct {
		Name        string   `yaml:"name"`
		MaxTokens   int      `yaml:"max_tokens"`
		Temperature *float64 `yaml:"temperature"`
	} `yaml:"model"`
	SystemPrompt        string `yaml:"system_prompt"`
	RetryCount          *int   `yaml:"retry_count"`
	RequireConfirmation bool   `yaml:"require_confirmation"`
	Parameters          string `yaml:"parameters"`
	Retrieval           *struct {
		Enabled   bool   `yaml:"enabled"`
		MaxChunks int    `yaml:"max_chunks"`
		Query     string `yaml:"query"`
	} `yaml:"retrieval"`
	IssuesTree *struct {
		MinNodes        int     `yaml:"min_nodes"`
		MinDepth        int     `yaml:"min_depth"`
		CriticThreshold float64 `yaml:"critic_threshold"`
		MaxRevisions    *int    `yaml:"max_revisions"`
	} `yaml:"issues_tree"`
	Scenario *struct {
		DefaultVolatility float64 `yaml:"default_volatility"`
	} `yaml:"scenario"`
}

// Parse decodes a YAML template and validates each step's config against
// its agent. Step order follows the document order, starting at 1.
func Parse(data []byte) (*models.WorkflowTemplate, error) {
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	if f.Name == "" {
		return nil, errors.New("template name is required")
	}
	if len(f.Steps) == 0 {
		return nil, errors.New("template has no steps")
	}

	tmpl := &models.WorkflowTemplate{
		ID:          f.ID,
		Name:        f.Name,
		Description: f.Description,
	}
	for i, s := range f.Steps {
		agent := models.AgentKey(s.Agent)
		if !agent.IsStepAgent() {
			return nil, fmt.Errorf("step %d: unknown agent %q", i+1, s.Agent)
		}
		cfg := s.Config.stepConfig()
		if err := cfg.Validate(agent); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, s.Agent, err)
		}
		tmpl.Steps = append(tmpl.Steps, &models.WorkflowTemplateStep{
			StepOrder:   i + 1,
			Name:        s.Name,
			AgentKey:    agent,
			Description: s.Description,
			Config:      cfg,
		})
	}
	return tmpl, nil
}

func (c configFile) stepConfig() models.StepConfig {
	cfg := models.StepConfig{
		Model: models.ModelParams{
			Name:        c.Model.Name,
			MaxTokens:   c.Model.MaxTokens,
			Temperature: c.Model.Temperature,
		},
		SystemPrompt:        c.SystemPrompt,
		RetryCount:          c.RetryCount,
		RequireConfirmation: c.RequireConfirmation,
		Parameters:          c.Parameters,
	}
	if r := c.Retrieval; r != nil {
		cfg.Retrieval = &models.RetrievalConfig{Enabled: r.Enabled, MaxChunks: r.MaxChunks, Query: r.Query}
	}
	if it := c.IssuesTree; it != nil {
		cfg.IssuesTree = &models.IssuesTreeConfig{
			MinNodes:        it.MinNodes,
			MinDepth:        it.MinDepth,
			CriticThreshold: it.CriticThreshold,
			MaxRevisions:    it.MaxRevisions,
		}
	}
	if sc := c.Scenario; sc != nil {
		cfg.Scenario = &models.ScenarioConfig{DefaultVolatility: sc.DefaultVolatility}
	}
	return cfg
}

// Default returns a fresh copy of the built-in consulting template.
func Default() *models.WorkflowTemplate {
	tmpl, err := Parse(defaultTemplate)
	if err != nil {
		panic("templates: built-in template is invalid: " + err.Error())
	}
	return tmpl
}

// Store is the persistence needed to seed templates and agent configs.
type Store interface {
	CreateTemplate(ctx context.Context, tmpl *models.WorkflowTemplate) error
	GetTemplate(ctx context.Context, id string) (*models.WorkflowTemplate, error)
	GetAgentConfig(ctx context.Context, key models.AgentKey) (*models.AgentConfig, error)
	UpsertAgentConfig(ctx context.Context, cfg *models.AgentConfig) error
}

// Seed creates tmpl unless a template with its id already exists, and
// stores prompts as agent configs for agents that have none yet. It
// reports whether the template was created.
func Seed(ctx context.Context, store Store, tmpl *models.WorkflowTemplate, prompts map[models.AgentKey]string) (bool, error) {
	for agent, prompt := range prompts {
		_, err := store.GetAgentConfig(ctx, agent)
		if err == nil {
			continue
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return false, err
		}
		if err := store.UpsertAgentConfig(ctx, &models.AgentConfig{AgentKey: agent, SystemPrompt: prompt}); err != nil {
			return false, fmt.Errorf("seed agent config %s: %w", agent, err)
		}
	}

	if tmpl.ID != "" {
		_, err := store.GetTemplate(ctx, tmpl.ID)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return false, err
		}
	}
	if err := store.CreateTemplate(ctx, tmpl); err != nil {
		return false, fmt.Errorf("seed template %s: %w", tmpl.Name, err)
	}
	return true, nil
}
