package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrmushfiq/langroute/internal/shared/database"
	"github.com/mrmushfiq/langroute/internal/shared/models"
)

// ErrModelNotFound is returned when pricing is requested for an unknown model.
var ErrModelNotFound = errors.New("model not found")

// Breakdown is the cost of one completion, as returned to the caller.
type Breakdown struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	InputCost    float64 `json:"inputCost"`
	OutputCost   float64 `json:"outputCost"`
	TotalCost    float64 `json:"totalCost"`
}

// ModelSource looks models up by name.
type ModelSource interface {
	GetModel(ctx context.Context, name string) (*models.Model, error)
}

// Calculator prices completions from per-model rates.
type Calculator struct {
	models ModelSource
}

// NewCalculator creates a Calculator.
func NewCalculator(src ModelSource) *Calculator {
	return &Calculator{models: src}
}

// Calculate prices inputTokens and outputTokens for the named model.
func (c *Calculator) Calculate(ctx context.Context, model string, inputTokens, outputTokens int) (Breakdown, error) {
	m, err := c.models.GetModel(ctx, model)
	if errors.Is(err, database.ErrNotFound) {
		return Breakdown{}, fmt.Errorf("%w: %s", ErrModelNotFound, model)
	}
	if err != nil {
		return Breakdown{}, fmt.Errorf("load pricing for %s: %w", model, err)
	}
	return Compute(*m, inputTokens, outputTokens), nil
}

// Compute is the pricing arithmetic, in float64 USD.
func Compute(m models.Model, inputTokens, outputTokens int) Breakdown {
	inputCost := float64(inputTokens) / 1000 * m.InputCostPer1k
	outputCost := float64(outputTokens) / 1000 * m.OutputCostPer1k
	return Breakdown{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		InputCost:    inputCost,
		OutputCost:   outputCost,
		TotalCost:    inputCost + outputCost,
	}
}
