package providers

import (
	"fmt"

	"github.com/lodestar-ai/lodestar/internal/types"
)

// CostForUsage prices actual token usage against a model's per-1K rates.
func CostForUsage(models []types.ModelInfo, model string, usage types.Usage) (float64, error) {
	info, ok := FindModel(models, model)
	if !ok {
		return 0, fmt.Errorf("model %s not found in configuration", model)
	}

	inputCost := float64(usage.PromptTokens) * info.InputCostPer1K / 1000
	outputCost := float64(usage.CompletionTokens) * info.OutputCostPer1K / 1000
	return inputCost + outputCost, nil
}

// EstimateForModel projects the cost of a call from a prompt token count
// and an expected output size.
func EstimateForModel(models []types.ModelInfo, model string, promptTokens, outputTokens int) (*types.CostEstimate, error) {
	info, ok := FindModel(models, model)
	if !ok {
		return nil, fmt.Errorf("model %s not found in configuration", model)
	}

	if outputTokens <= 0 {
		outputTokens = 256
		if info.MaxOutputTokens > 0 && outputTokens > info.MaxOutputTokens {
			outputTokens = info.MaxOutputTokens
		}
	}

	inputCost := float64(promptTokens) * info.InputCostPer1K / 1000
	outputCost := float64(outputTokens) * info.OutputCostPer1K / 1000

	return &types.CostEstimate{
		InputTokens:  promptTokens,
		OutputTokens: outputTokens,
		TotalTokens:  promptTokens + outputTokens,
		InputCost:    inputCost,
		OutputCost:   outputCost,
		TotalCost:    inputCost + outputCost,
	}, nil
}
