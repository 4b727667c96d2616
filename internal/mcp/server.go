// Package mcp exposes the workflow orchestrator as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"consultflow/backend/internal/auth"
	"consultflow/backend/internal/retrieval"
	"consultflow/backend/internal/workflow"
	"consultflow/backend/pkg/models"
	"consultflow/backend/pkg/scenario"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Operator is recorded on run logs for tool calls that carry no identity.
const Operator = "mcp"

// Workflows is the orchestrator surface the tools call.
type Workflows interface {
	RunStep(ctx context.Context, stepID string, opts workflow.RunOptions) (*models.WorkflowInstanceStep, error)
	ApproveStep(ctx context.Context, stepID string) (*models.WorkflowInstanceStep, error)
	GetWorkflow(ctx context.Context, projectID string) (*workflow.Workflow, error)
}

// Retriever searches a project's vault.
type Retriever interface {
	Retrieve(ctx context.Context, projectID, query string, maxChunks int) ([]retrieval.Result, error)
}

type Server struct {
	mcpServer *server.MCPServer
	workflows Workflows
	vault     Retriever
}

func NewServer(workflows Workflows, vault Retriever, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"consultflow",
			version,
			server.WithToolCapabilities(true),
		),
		workflows: workflows,
		vault:     vault,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_workflow",
			mcp.WithDescription("Get a project's workflow instance and the status of every step"),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("The ID of the project")),
		),
		s.handleGetWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"run_step",
			mcp.WithDescription("Run a workflow step and wait for it to finish. The previous step must be completed or approved."),
			mcp.WithString("step_id", mcp.Required(), mcp.Description("The ID of the step")),
			mcp.WithString("parameters", mcp.Description("Additional instructions for the agent")),
		),
		s.handleRunStep,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"approve_step",
			mcp.WithDescription("Approve a completed step and lock its deliverables"),
			mcp.WithString("step_id", mcp.Required(), mcp.Description("The ID of the step")),
		),
		s.handleApproveStep,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"search_vault",
			mcp.WithDescription("Search the documents uploaded to a project's vault"),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("The ID of the project")),
			mcp.WithString("query", mcp.Required(), mcp.Description("The query to search for")),
			mcp.WithNumber("max_chunks", mcp.Description("Maximum number of excerpts to return")),
		),
		s.handleSearchVault,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"run_scenario",
			mcp.WithDescription("Project revenue, costs and NPV under baseline, optimistic and pessimistic scenarios"),
			mcp.WithNumber("baselineRevenue", mcp.Required(), mcp.Description("Current annual revenue")),
			mcp.WithNumber("growthRate", mcp.Required(), mcp.Description("Annual growth rate, e.g. 0.12")),
			mcp.WithNumber("costReduction", mcp.Required(), mcp.Description("Share of costs removed, in [0, 1)")),
			mcp.WithNumber("timeHorizonYears", mcp.Required(), mcp.Description("Years to project, 1 to 50")),
			mcp.WithNumber("volatility", mcp.Description("Scenario spread in [0, 1], default 0.15")),
		),
		s.handleRunScenario,
	)
}

func (s *Server) handleGetWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID := request.GetString("project_id", "")
	if projectID == "" {
		return mcp.NewToolResultError("Missing required parameter: project_id"), nil
	}

	wf, err := s.workflows.GetWorkflow(ctx, projectID)
	if err != nil {
		return toolError("Failed to get workflow", err), nil
	}
	return jsonResult(wf)
}

func (s *Server) handleRunStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stepID := request.GetString("step_id", "")
	if stepID == "" {
		return mcp.NewToolResultError("Missing required parameter: step_id"), nil
	}

	operator, ok := auth.OperatorFromContext(ctx)
	if !ok {
		operator = Operator
	}
	step, err := s.workflows.RunStep(ctx, stepID, workflow.RunOptions{
		Parameters: request.GetString("parameters", ""),
		Operator:   operator,
	})
	if err != nil {
		return toolError("Failed to run step", err), nil
	}
	return jsonResult(step)
}

func (s *Server) handleApproveStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stepID := request.GetString("step_id", "")
	if stepID == "" {
		return mcp.NewToolResultError("Missing required parameter: step_id"), nil
	}

	step, err := s.workflows.ApproveStep(ctx, stepID)
	if err != nil {
		return toolError("Failed to approve step", err), nil
	}
	return jsonResult(step)
}

func (s *Server) handleSearchVault(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID := request.GetString("project_id", "")
	query := request.GetString("query", "")
	if projectID == "" || query == "" {
		return mcp.NewToolResultError("Missing required parameters: project_id and query"), nil
	}

	results, err := s.vault.Retrieve(ctx, projectID, query, int(request.GetFloat("max_chunks", 0)))
	if err != nil {
		return toolError("Failed to search vault", err), nil
	}
	if len(results) == 0 {
		return mcp.NewToolResultText("No vault documents matched the query."), nil
	}
	return mcp.NewToolResultText(retrieval.FormatContext(results)), nil
}

func (s *Server) handleRunScenario(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	for _, key := range []string{"baselineRevenue", "growthRate", "costReduction", "timeHorizonYears"} {
		if _, ok := args[key].(float64); !ok {
			return mcp.NewToolResultError("Missing required parameter: " + key), nil
		}
	}

	out, err := scenario.Run(scenario.Input{
		BaselineRevenue:  request.GetFloat("baselineRevenue", 0),
		GrowthRate:       request.GetFloat("growthRate", 0),
		CostReduction:    request.GetFloat("costReduction", 0),
		TimeHorizonYears: int(request.GetFloat("timeHorizonYears", 0)),
		Volatility:       request.GetFloat("volatility", scenario.DefaultVolatility),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(out)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func toolError(msg string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s (%s): %v", msg, workflow.KindOf(err), err))
}

// MountHTTPHandlers serves the MCP server over streamable HTTP at /mcp and
// over SSE at /mcp/sse with messages posted to /mcp/message.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))
	streamable := server.NewStreamableHTTPServer(mcpServer)

	mux.Handle("/mcp", streamable)
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
