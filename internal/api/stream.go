package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"consultflow/backend/internal/events"
	"consultflow/backend/internal/workflow"
	"consultflow/backend/pkg/models"

	"github.com/labstack/echo/v4"
)

type runResult struct {
	step *models.WorkflowInstanceStep
	err  error
}

// RunStream runs a step and streams its progress as server-sent events.
// The stream ends with a "step" event carrying the final step, or an
// "error" event carrying the problem document. A client that disconnects
// does not cancel the run.
// (GET /api/v1/steps/:stepId/run-stream)
func (s *Server) RunStream(c echo.Context) error {
	stepID := c.Param("stepId")
	if _, err := s.controller.GetStep(c.Request().Context(), stepID); err != nil {
		return err
	}

	ch, cancel := s.broker.Subscribe(stepID)
	defer cancel()

	opts := workflow.RunOptions{Parameters: c.QueryParam("parameters"), Operator: operator(c)}
	done := make(chan runResult, 1)
	go func() {
		step, err := s.controller.RunStep(c.Request().Context(), stepID, opts)
		done <- runResult{step: step, err: err}
	}()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case ev := <-ch:
			if err := writeEvent(w, string(ev.Kind), ev); err != nil {
				return nil
			}
		case res := <-done:
			// events published before RunStep returned are already buffered
			for drained := false; !drained; {
				select {
				case ev := <-ch:
					if err := writeEvent(w, string(ev.Kind), ev); err != nil {
						return nil
					}
				default:
					drained = true
				}
			}
			if res.err != nil {
				_ = writeEvent(w, string(events.KindError), Problem(res.err, c.Request().URL.Path))
				return nil
			}
			_ = writeEvent(w, "step", res.step)
			return nil
		case <-ctx.Done():
			s.logger.Info("run stream closed by client", "step_id", stepID)
			return nil
		}
	}
}

func writeEvent(w *echo.Response, name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	w.Flush()
	return nil
}
