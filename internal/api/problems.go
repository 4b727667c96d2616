package api

import (
	"errors"
	"net/http"

	"consultflow/backend/internal/workflow"

	"github.com/labstack/echo/v4"
)

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string        `json:"type"`
	Title    string        `json:"title"`
	Status   int           `json:"status"`
	Detail   string        `json:"detail"`
	Instance string        `json:"instance,omitempty"`
	Kind     workflow.Kind `json:"kind,omitempty"`
}

// StatusForKind maps a workflow failure kind onto an HTTP status.
func StatusForKind(kind workflow.Kind) int {
	switch kind {
	case workflow.KindNotFound, workflow.KindTemplateNotFound:
		return http.StatusNotFound
	case workflow.KindInvalidStepTransition, workflow.KindStepAlreadyRunning, workflow.KindStepNotApprovable:
		return http.StatusConflict
	case workflow.KindInvalidTemplate, workflow.KindModelOutputInvalid, workflow.KindRevisionExhausted,
		workflow.KindExtractionLimited:
		return http.StatusUnprocessableEntity
	case workflow.KindModelUnavailable, workflow.KindEmbeddingUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Problem builds the problem document for err. Echo errors keep their
// status; everything else is classified by workflow kind.
func Problem(err error, instance string) ProblemDetails {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		detail := http.StatusText(he.Code)
		if msg, ok := he.Message.(string); ok {
			detail = msg
		}
		return ProblemDetails{
			Type:     "about:blank",
			Title:    http.StatusText(he.Code),
			Status:   he.Code,
			Detail:   detail,
			Instance: instance,
		}
	}

	kind := workflow.KindOf(err)
	status := StatusForKind(kind)
	return ProblemDetails{
		Type:     "about:blank",
		Title:    string(kind),
		Status:   status,
		Detail:   err.Error(),
		Instance: instance,
		Kind:     kind,
	}
}

// ErrorHandler writes every handler error as application/problem+json.
func ErrorHandler(logger Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		problem := Problem(err, c.Request().URL.Path)
		if problem.Status >= http.StatusInternalServerError {
			logger.Error("request failed", "path", c.Request().URL.Path, "status", problem.Status, "error", err)
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(problem.Status)
			return
		}
		c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
		if werr := c.JSON(problem.Status, problem); werr != nil {
			logger.Error("write problem response", "error", werr)
		}
	}
}
