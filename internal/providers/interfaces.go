package providers

import (
	"context"

	"github.com/lodestar-ai/lodestar/internal/types"
)

// Provider is the abstract backend capability the core routes across.
// Adapters own the wire protocol, auth, and timeout enforcement; the
// core only sees this surface.
type Provider interface {
	Name() string
	Kind() types.BackendKind

	Complete(ctx context.Context, req *types.CompletionRequest) (*types.Completion, error)
	CompleteStream(ctx context.Context, req *types.CompletionRequest) (<-chan *types.CompletionChunk, error)

	// ListModels returns the models this provider serves, from static
	// configuration. It never blocks.
	ListModels() []types.ModelInfo

	// TestConnection probes the backend. Used exclusively by the health
	// monitor; a failure here never reaches callers directly.
	TestConnection(ctx context.Context) error

	// CalculateCost prices actual usage for one of this provider's models.
	CalculateCost(model string, usage types.Usage) (float64, error)

	// EstimateCost projects the cost of a call before it is made.
	EstimateCost(model string, promptTokens, outputTokens int) (*types.CostEstimate, error)
}

// FindModel looks a model up by name or provider-side id.
func FindModel(models []types.ModelInfo, name string) (types.ModelInfo, bool) {
	for _, m := range models {
		if m.Name == name || m.ProviderModelID == name {
			return m, true
		}
	}
	return types.ModelInfo{}, false
}

// EstimateTokens is the shared rough token approximation used when the
// caller supplies no token count: 4 characters per token.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}
