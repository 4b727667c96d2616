package models

import (
	"time"
)

// AgentKey names the agent kind that executes a step.
type AgentKey string

const (
	AgentProjectDefinition AgentKey = "project_definition"
	AgentIssuesTree        AgentKey = "issues_tree"
	AgentMECECritic        AgentKey = "mece_critic"
	AgentHypothesis        AgentKey = "hypothesis"
	AgentExecution         AgentKey = "execution"
	AgentSummary           AgentKey = "summary"
	AgentPresentation      AgentKey = "presentation"
)

// StepAgents lists the agent keys that may appear as template steps.
// The critic only runs inside the issues tree loop.
var StepAgents = []AgentKey{
	AgentProjectDefinition,
	AgentIssuesTree,
	AgentHypothesis,
	AgentExecution,
	AgentSummary,
	AgentPresentation,
}

// IsStepAgent reports whether k can be bound to a template step.
func (k AgentKey) IsStepAgent() bool {
	for _, a := range StepAgents {
		if a == k {
			return true
		}
	}
	return false
}

// StepStatus is the lifecycle state of a workflow instance step.
type StepStatus string

const (
	StepNotStarted           StepStatus = "not_started"
	StepRunning              StepStatus = "running"
	StepAwaitingConfirmation StepStatus = "awaiting_confirmation"
	StepCompleted            StepStatus = "completed"
	StepApproved             StepStatus = "approved"
	StepFailed               StepStatus = "failed"
)

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceActive    InstanceStatus = "active"
	InstanceCompleted InstanceStatus = "completed"
)

// WorkflowTemplate is a reusable, versioned ordered list of agent steps.
type WorkflowTemplate struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	Description string                  `json:"description"`
	Version     int                     `json:"version"`
	Steps       []*WorkflowTemplateStep `json:"steps"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// WorkflowTemplateStep is one step definition inside a template.
type WorkflowTemplateStep struct {
	ID          string     `json:"id"`
	TemplateID  string     `json:"template_id"`
	StepOrder   int        `json:"step_order"`
	Name        string     `json:"name"`
	AgentKey    AgentKey   `json:"agent_key"`
	Description string     `json:"description"`
	Config      StepConfig `json:"config"`
}

// WorkflowInstance binds a template to a project.
type WorkflowInstance struct {
	ID               string         `json:"id"`
	ProjectID        string         `json:"project_id"`
	TemplateID       string         `json:"template_id"`
	TemplateVersion  int            `json:"template_version"`
	CurrentStepOrder int            `json:"current_step_order"`
	Status           InstanceStatus `json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// OutputSummary describes the most recent successful output of a step.
type OutputSummary struct {
	Title              string  `json:"title"`
	DeliverableID      string  `json:"deliverable_id,omitempty"`
	DeliverableVersion int     `json:"deliverable_version,omitempty"`
	RunLogID           string  `json:"run_log_id,omitempty"`
	CriticScore        float64 `json:"critic_score,omitempty"`
	CriticAttempts     int     `json:"critic_attempts,omitempty"`
	Items              int     `json:"items,omitempty"`
}

// WorkflowInstanceStep is a step copied from a template into an instance.
type WorkflowInstanceStep struct {
	ID            string         `json:"id"`
	InstanceID    string         `json:"instance_id"`
	ProjectID     string         `json:"project_id"`
	StepOrder     int            `json:"step_order"`
	Name          string         `json:"name"`
	AgentKey      AgentKey       `json:"agent_key"`
	Description   string         `json:"description"`
	Status        StepStatus     `json:"status"`
	Config        StepConfig     `json:"config"`
	OutputSummary *OutputSummary `json:"output_summary,omitempty"`
	ErrorText     string         `json:"error_text,omitempty"`
	Critic        *CriticState   `json:"critic,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// StepPatch carries the optional fields written alongside a status change.
type StepPatch struct {
	OutputSummary *OutputSummary
	ErrorText     *string
}
