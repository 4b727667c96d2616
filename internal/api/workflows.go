package api

import (
	"net/http"
	"strings"

	"consultflow/backend/internal/workflow"
	"consultflow/backend/pkg/models"

	"github.com/labstack/echo/v4"
)

// CreateProjectRequest is the body of POST /projects.
type CreateProjectRequest struct {
	Name        string `json:"name"`
	Objective   string `json:"objective"`
	Constraints string `json:"constraints"`
	TemplateID  string `json:"template_id"`
}

// CreateProject stores a new project
// (POST /api/v1/projects)
func (s *Server) CreateProject(c echo.Context) error {
	var req CreateProjectRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("Invalid request body: " + err.Error())
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Objective = strings.TrimSpace(req.Objective)
	if req.Name == "" || req.Objective == "" {
		return badRequest("name and objective are required")
	}

	project := &models.Project{
		Name:        req.Name,
		Objective:   req.Objective,
		Constraints: req.Constraints,
		TemplateID:  req.TemplateID,
	}
	if err := s.store.CreateProject(c.Request().Context(), project); err != nil {
		return err
	}
	s.logger.Info("Project created", "project_id", project.ID, "operator", operator(c))
	return c.JSON(http.StatusCreated, project)
}

// GetProject returns one project
// (GET /api/v1/projects/:projectId)
func (s *Server) GetProject(c echo.Context) error {
	project, err := s.store.GetProject(c.Request().Context(), c.Param("projectId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, project)
}

// CreateWorkflowRequest is the body of POST /projects/:projectId/workflow.
// TemplateID defaults to the project's template.
type CreateWorkflowRequest struct {
	TemplateID string `json:"template_id"`
}

// CreateWorkflow instantiates the project's workflow from a template. An
// existing instance is returned unchanged.
// (POST /api/v1/projects/:projectId/workflow)
func (s *Server) CreateWorkflow(c echo.Context) error {
	ctx := c.Request().Context()
	var req CreateWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("Invalid request body: " + err.Error())
	}
	projectID := c.Param("projectId")
	if req.TemplateID == "" {
		project, err := s.store.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		req.TemplateID = project.TemplateID
	}
	if req.TemplateID == "" {
		return badRequest("template_id is required")
	}

	wf, err := s.controller.CreateInstance(ctx, projectID, req.TemplateID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, wf)
}

// GetWorkflow returns the project's instance and its steps
// (GET /api/v1/projects/:projectId/workflow)
func (s *Server) GetWorkflow(c echo.Context) error {
	wf, err := s.controller.GetWorkflow(c.Request().Context(), c.Param("projectId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// GetStep returns one step
// (GET /api/v1/steps/:stepId)
func (s *Server) GetStep(c echo.Context) error {
	step, err := s.controller.GetStep(c.Request().Context(), c.Param("stepId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, step)
}

// RunStepRequest is the body of POST /steps/:stepId/run.
type RunStepRequest struct {
	Parameters string `json:"parameters"`
}

// RunStep runs a step and responds once it has finished. A failed run
// answers with the problem for its failure kind.
// (POST /api/v1/steps/:stepId/run)
func (s *Server) RunStep(c echo.Context) error {
	var req RunStepRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest("Invalid request body: " + err.Error())
		}
	}
	step, err := s.controller.RunStep(c.Request().Context(), c.Param("stepId"), workflow.RunOptions{
		Parameters: req.Parameters,
		Operator:   operator(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, step)
}

// ApproveStep locks a completed step's deliverables
// (POST /api/v1/steps/:stepId/approve)
func (s *Server) ApproveStep(c echo.Context) error {
	step, err := s.controller.ApproveStep(c.Request().Context(), c.Param("stepId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, step)
}

// ConfirmStep releases a step held for confirmation
// (POST /api/v1/steps/:stepId/confirm)
func (s *Server) ConfirmStep(c echo.Context) error {
	step, err := s.controller.ConfirmStep(c.Request().Context(), c.Param("stepId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, step)
}

// UnapproveStep reopens an approved step
// (POST /api/v1/steps/:stepId/unapprove)
func (s *Server) UnapproveStep(c echo.Context) error {
	step, err := s.controller.UnapproveStep(c.Request().Context(), c.Param("stepId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, step)
}

// ListDeliverables returns every deliverable version of a step
// (GET /api/v1/steps/:stepId/deliverables)
func (s *Server) ListDeliverables(c echo.Context) error {
	delivs, err := s.controller.ListDeliverables(c.Request().Context(), c.Param("stepId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, delivs)
}

// ListRunLogs returns the run logs of a step
// (GET /api/v1/steps/:stepId/run-logs)
func (s *Server) ListRunLogs(c echo.Context) error {
	logs, err := s.controller.ListRunLogs(c.Request().Context(), c.Param("stepId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, logs)
}

// ListProjectRunLogs returns the run logs of every step of a project
// (GET /api/v1/projects/:projectId/run-logs)
func (s *Server) ListProjectRunLogs(c echo.Context) error {
	logs, err := s.controller.ListProjectRunLogs(c.Request().Context(), c.Param("projectId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, logs)
}
