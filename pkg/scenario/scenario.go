// Package scenario projects revenue, costs and profit under baseline,
// optimistic and pessimistic assumptions and discounts them to NPV.
package scenario

import (
	"errors"
	"fmt"
	"math"
)

const (
	// ToolName identifies the calculator in model run records.
	ToolName = "scenario_calculator"

	// DefaultVolatility applies when an analysis plan omits volatility.
	DefaultVolatility = 0.15

	// DiscountRate is the annual rate used for NPV.
	DiscountRate = 0.10

	// BaseCostRatio is the share of revenue consumed by costs before reduction.
	BaseCostRatio = 0.7

	MaxTimeHorizonYears = 50
)

// Input holds the parameters of one analysis plan entry.
type Input struct {
	BaselineRevenue  float64 `json:"baselineRevenue"`
	GrowthRate       float64 `json:"growthRate"`
	CostReduction    float64 `json:"costReduction"`
	TimeHorizonYears int     `json:"timeHorizonYears"`
	Volatility       float64 `json:"volatility"`
}

// YearProjection is a single projected year.
type YearProjection struct {
	Year    int     `json:"year"`
	Revenue float64 `json:"revenue"`
	Costs   float64 `json:"costs"`
	Profit  float64 `json:"profit"`
}

// Summary aggregates the three scenarios.
type Summary struct {
	BaselineNPV        float64 `json:"baselineNPV"`
	OptimisticNPV      float64 `json:"optimisticNPV"`
	PessimisticNPV     float64 `json:"pessimisticNPV"`
	ExpectedValue      float64 `json:"expectedValue"`
	RiskAdjustedReturn float64 `json:"riskAdjustedReturn"`
}

// Output is the full calculation result.
type Output struct {
	Baseline    []YearProjection `json:"baseline"`
	Optimistic  []YearProjection `json:"optimistic"`
	Pessimistic []YearProjection `json:"pessimistic"`
	Summary     Summary          `json:"summary"`
}

// ErrInvalidInput is wrapped by every validation failure.
var ErrInvalidInput = errors.New("invalid scenario input")

// Validate checks that the input describes a computable projection.
func (in Input) Validate() error {
	switch {
	case in.BaselineRevenue <= 0 || math.IsNaN(in.BaselineRevenue) || math.IsInf(in.BaselineRevenue, 0):
		return fmt.Errorf("%w: baselineRevenue must be positive", ErrInvalidInput)
	case in.TimeHorizonYears < 1 || in.TimeHorizonYears > MaxTimeHorizonYears:
		return fmt.Errorf("%w: timeHorizonYears must be between 1 and %d", ErrInvalidInput, MaxTimeHorizonYears)
	case in.GrowthRate <= -1 || math.IsNaN(in.GrowthRate):
		return fmt.Errorf("%w: growthRate must be greater than -1", ErrInvalidInput)
	case in.CostReduction < 0 || in.CostReduction >= 1:
		return fmt.Errorf("%w: costReduction must be in [0, 1)", ErrInvalidInput)
	case in.Volatility < 0 || in.Volatility > 1:
		return fmt.Errorf("%w: volatility must be in [0, 1]", ErrInvalidInput)
	}
	return nil
}

// Run validates the input and computes the three scenarios.
func Run(in Input) (Output, error) {
	if err := in.Validate(); err != nil {
		return Output{}, err
	}

	v := in.Volatility
	baseline := project(in, 1, 1)
	optimistic := project(in, 1+v, 1-v/2)
	pessimistic := project(in, 1-v, 1+v/2)

	baselineNPV := round2(npv(baseline))
	optimisticNPV := round2(npv(optimistic))
	pessimisticNPV := round2(npv(pessimistic))
	expected := round2(0.25*optimisticNPV + 0.5*baselineNPV + 0.25*pessimisticNPV)

	return Output{
		Baseline:    baseline,
		Optimistic:  optimistic,
		Pessimistic: pessimistic,
		Summary: Summary{
			BaselineNPV:        baselineNPV,
			OptimisticNPV:      optimisticNPV,
			PessimisticNPV:     pessimisticNPV,
			ExpectedValue:      expected,
			RiskAdjustedReturn: round2((expected/in.BaselineRevenue - 1) * 100),
		},
	}, nil
}

// project compounds revenue with the growth rate scaled by growthFactor and
// derives costs from the base cost ratio scaled by costFactor.
func project(in Input, growthFactor, costFactor float64) []YearProjection {
	years := make([]YearProjection, 0, in.TimeHorizonYears)
	revenue := in.BaselineRevenue
	for y := 1; y <= in.TimeHorizonYears; y++ {
		revenue *= 1 + in.GrowthRate*growthFactor
		costs := revenue * BaseCostRatio * costFactor * (1 - in.CostReduction)
		years = append(years, YearProjection{
			Year:    y,
			Revenue: round2(revenue),
			Costs:   round2(costs),
			Profit:  round2(revenue - costs),
		})
	}
	return years
}

func npv(years []YearProjection) float64 {
	var total float64
	for i, y := range years {
		total += y.Profit / math.Pow(1+DiscountRate, float64(i+1))
	}
	return total
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
