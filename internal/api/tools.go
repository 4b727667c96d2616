package api

import (
	"errors"
	"net/http"

	"consultflow/backend/pkg/scenario"

	"github.com/labstack/echo/v4"
)

// ScenarioRequest is the body of POST /tools/scenario. An omitted
// volatility uses the calculator default.
type ScenarioRequest struct {
	BaselineRevenue  float64  `json:"baselineRevenue"`
	GrowthRate       float64  `json:"growthRate"`
	CostReduction    float64  `json:"costReduction"`
	TimeHorizonYears int      `json:"timeHorizonYears"`
	Volatility       *float64 `json:"volatility"`
}

// Input converts the request into calculator input.
func (r ScenarioRequest) Input() scenario.Input {
	in := scenario.Input{
		BaselineRevenue:  r.BaselineRevenue,
		GrowthRate:       r.GrowthRate,
		CostReduction:    r.CostReduction,
		TimeHorizonYears: r.TimeHorizonYears,
		Volatility:       scenario.DefaultVolatility,
	}
	if r.Volatility != nil {
		in.Volatility = *r.Volatility
	}
	return in
}

// RunScenario runs the scenario calculator on its own
// (POST /api/v1/tools/scenario)
func (s *Server) RunScenario(c echo.Context) error {
	var req ScenarioRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("Invalid request body: " + err.Error())
	}
	out, err := scenario.Run(req.Input())
	if err != nil {
		if errors.Is(err, scenario.ErrInvalidInput) {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusOK, out)
}
