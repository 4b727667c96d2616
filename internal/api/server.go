// Package api contains the HTTP handlers for the workflow orchestrator.
package api

import (
	"context"
	"net/http"
	"time"

	"consultflow/backend/internal/auth"
	"consultflow/backend/internal/blob"
	"consultflow/backend/internal/events"
	"consultflow/backend/internal/repository"
	"consultflow/backend/internal/retrieval"
	"consultflow/backend/internal/workflow"
	"consultflow/backend/pkg/models"

	"github.com/labstack/echo/v4"
)

const defaultMaxUploadBytes = 25 << 20

// Logger is the logging surface the handlers use.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Store is the read side the handlers need beyond the controller.
type Store interface {
	repository.ProjectStore
	repository.VaultStore
	ListTemplates(ctx context.Context) ([]*models.WorkflowTemplate, error)
	Ping(ctx context.Context) error
}

// Vault ingests and searches project documents.
type Vault interface {
	IngestAsync(ctx context.Context, fileID string, raw []byte, mimeType string)
	Retrieve(ctx context.Context, projectID, query string, maxChunks int) ([]retrieval.Result, error)
}

// Server holds the dependencies for the API server.
type Server struct {
	controller     *workflow.Controller
	store          Store
	vault          Vault
	blobs          blob.Store
	broker         *events.Broker
	logger         Logger
	maxUploadBytes int64
	version        string
}

// Option configures a Server.
type Option func(*Server)

// WithMaxUploadBytes bounds vault uploads.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUploadBytes = n
		}
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(v string) Option { return func(s *Server) { s.version = v } }

// NewServer creates a new Server.
func NewServer(controller *workflow.Controller, store Store, vault Vault, blobs blob.Store, broker *events.Broker, logger Logger, opts ...Option) *Server {
	s := &Server{
		controller:     controller,
		store:          store,
		vault:          vault,
		blobs:          blobs,
		broker:         broker,
		logger:         logger,
		maxUploadBytes: defaultMaxUploadBytes,
		version:        "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterHandlers mounts the API routes on g. Reads need the
// workflow:read scope and anything that changes state needs workflow:write.
func RegisterHandlers(g *echo.Group, s *Server) {
	read := echo.WrapMiddleware(auth.RequireScope(auth.ScopeWorkflowRead))
	write := echo.WrapMiddleware(auth.RequireScope(auth.ScopeWorkflowWrite))

	g.GET("/health", s.Health)
	g.GET("/templates", s.ListTemplates, read)

	g.POST("/projects", s.CreateProject, write)
	g.GET("/projects/:projectId", s.GetProject, read)
	g.POST("/projects/:projectId/workflow", s.CreateWorkflow, write)
	g.GET("/projects/:projectId/workflow", s.GetWorkflow, read)
	g.GET("/projects/:projectId/run-logs", s.ListProjectRunLogs, read)

	g.GET("/steps/:stepId", s.GetStep, read)
	g.POST("/steps/:stepId/run", s.RunStep, write)
	g.GET("/steps/:stepId/run-stream", s.RunStream, write)
	g.POST("/steps/:stepId/approve", s.ApproveStep, write)
	g.POST("/steps/:stepId/confirm", s.ConfirmStep, write)
	g.POST("/steps/:stepId/unapprove", s.UnapproveStep, write)
	g.GET("/steps/:stepId/deliverables", s.ListDeliverables, read)
	g.GET("/steps/:stepId/run-logs", s.ListRunLogs, read)

	g.POST("/projects/:projectId/vault", s.UploadVaultFile, write)
	g.GET("/projects/:projectId/vault", s.ListVaultFiles, read)
	g.POST("/projects/:projectId/vault/search", s.SearchVault, read)
	g.GET("/vault/:fileId", s.GetVaultFile, read)
	g.POST("/vault/:fileId/reprocess", s.ReprocessVaultFile, write)

	g.POST("/tools/scenario", s.RunScenario, read)
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Store     string    `json:"store"`
}

// Health reports whether the store is reachable
// (GET /api/v1/health)
func (s *Server) Health(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "consultflow",
		Version:   s.version,
		Store:     "ok",
	}
	code := http.StatusOK
	if err := s.store.Ping(c.Request().Context()); err != nil {
		s.logger.Warn("health check: store unreachable", "error", err)
		status.Status = "degraded"
		status.Store = err.Error()
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// ListTemplates returns the latest version of every workflow template
// (GET /api/v1/templates)
func (s *Server) ListTemplates(c echo.Context) error {
	templates, err := s.store.ListTemplates(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, templates)
}

func operator(c echo.Context) string {
	op, _ := auth.OperatorFromContext(c.Request().Context())
	return op
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}
