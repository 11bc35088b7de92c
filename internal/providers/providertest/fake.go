package providertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lodestar-ai/lodestar/internal/providers"
	"github.com/lodestar-ai/lodestar/internal/types"
)

// Fake is a configurable in-memory provider for tests. Zero-value
// behavior: every call succeeds, returning a canned completion priced
// from the configured model table.
type Fake struct {
	NameVal string
	KindVal types.BackendKind
	Models  []types.ModelInfo

	// CompleteFn, StreamFn, and ProbeFn override the default behavior
	// when non-nil.
	CompleteFn func(ctx context.Context, req *types.CompletionRequest) (*types.Completion, error)
	StreamFn   func(ctx context.Context, req *types.CompletionRequest) (<-chan *types.CompletionChunk, error)
	ProbeFn    func(ctx context.Context) error

	mu            sync.Mutex
	completeCalls int
	probeCalls    int
}

var _ providers.Provider = (*Fake)(nil)

// New returns a fake named id serving a single model with symmetric
// per-1K pricing.
func New(id string, costPer1K float64) *Fake {
	return &Fake{
		NameVal: id,
		KindVal: types.BackendLocal,
		Models: []types.ModelInfo{{
			Name:             id + "-model",
			ProviderModelID:  id + "-model",
			InputCostPer1K:   costPer1K,
			OutputCostPer1K:  costPer1K,
			MaxContextWindow: 8192,
			MaxOutputTokens:  1024,
			QualityTier:      types.TierStandard,
		}},
	}
}

func (f *Fake) Name() string            { return f.NameVal }
func (f *Fake) Kind() types.BackendKind { return f.KindVal }

func (f *Fake) Complete(ctx context.Context, req *types.CompletionRequest) (*types.Completion, error) {
	f.mu.Lock()
	f.completeCalls++
	f.mu.Unlock()

	if f.CompleteFn != nil {
		return f.CompleteFn(ctx, req)
	}

	usage := types.Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20}
	cost, _ := f.CalculateCost(req.Model, usage)
	return &types.Completion{
		ID:           req.ID,
		Provider:     f.NameVal,
		Model:        req.Model,
		Content:      "ok from " + f.NameVal,
		FinishReason: "stop",
		Usage:        &usage,
		Cost:         cost,
		Created:      time.Now().Unix(),
	}, nil
}

func (f *Fake) CompleteStream(ctx context.Context, req *types.CompletionRequest) (<-chan *types.CompletionChunk, error) {
	if f.StreamFn != nil {
		return f.StreamFn(ctx, req)
	}

	ch := make(chan *types.CompletionChunk, 2)
	ch <- &types.CompletionChunk{ID: req.ID, Provider: f.NameVal, Model: req.Model, Delta: "ok"}
	ch <- &types.CompletionChunk{ID: req.ID, Provider: f.NameVal, Model: req.Model, Done: true}
	close(ch)
	return ch, nil
}

func (f *Fake) ListModels() []types.ModelInfo { return f.Models }

func (f *Fake) TestConnection(ctx context.Context) error {
	f.mu.Lock()
	f.probeCalls++
	f.mu.Unlock()

	if f.ProbeFn != nil {
		return f.ProbeFn(ctx)
	}
	return nil
}

func (f *Fake) CalculateCost(model string, usage types.Usage) (float64, error) {
	m, ok := providers.FindModel(f.Models, model)
	if !ok {
		return 0, fmt.Errorf("unknown model %q", model)
	}
	return float64(usage.PromptTokens)/1000*m.InputCostPer1K +
		float64(usage.CompletionTokens)/1000*m.OutputCostPer1K, nil
}

func (f *Fake) EstimateCost(model string, promptTokens, outputTokens int) (*types.CostEstimate, error) {
	m, ok := providers.FindModel(f.Models, model)
	if !ok {
		return nil, fmt.Errorf("unknown model %q", model)
	}
	if outputTokens <= 0 {
		outputTokens = 256
	}
	inputCost := float64(promptTokens) / 1000 * m.InputCostPer1K
	outputCost := float64(outputTokens) / 1000 * m.OutputCostPer1K
	return &types.CostEstimate{
		InputTokens:  promptTokens,
		OutputTokens: outputTokens,
		TotalTokens:  promptTokens + outputTokens,
		InputCost:    inputCost,
		OutputCost:   outputCost,
		TotalCost:    inputCost + outputCost,
	}, nil
}

// CompleteCalls reports how many completion calls the fake has served.
func (f *Fake) CompleteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completeCalls
}

// ProbeCalls reports how many health probes the fake has served.
func (f *Fake) ProbeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeCalls
}
