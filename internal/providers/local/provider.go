package local

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lodestar-ai/lodestar/internal/providers"
	openaiprovider "github.com/lodestar-ai/lodestar/internal/providers/openai"
	"github.com/lodestar-ai/lodestar/internal/types"
)

// Provider serves a local inference server (llama.cpp, Ollama, vLLM and
// friends) through its OpenAI-compatible endpoint. Local inference is
// free, so per-1K costs are usually zero and CalculateCost reflects
// whatever the model catalog says.
type Provider struct {
	inner *openaiprovider.Provider
}

// Config holds local inference server configuration.
type Config struct {
	BaseURL string            `yaml:"base_url"`
	APIKey  string            `yaml:"api_key"` // most local servers ignore this
	Models  []types.ModelInfo `yaml:"models"`
	Timeout time.Duration     `yaml:"timeout"`
}

// New creates a local provider instance.
func New(name string, config *Config, logger *logrus.Logger) *Provider {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = "local"
	}

	inner := openaiprovider.New(name, &openaiprovider.Config{
		APIKey:  apiKey,
		BaseURL: config.BaseURL,
		Models:  config.Models,
		Timeout: config.Timeout,
	}, logger)

	return &Provider{inner: inner}
}

func (p *Provider) Name() string            { return p.inner.Name() }
func (p *Provider) Kind() types.BackendKind { return types.BackendLocal }

func (p *Provider) ListModels() []types.ModelInfo { return p.inner.ListModels() }

func (p *Provider) Complete(ctx context.Context, req *types.CompletionRequest) (*types.Completion, error) {
	comp, err := p.inner.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	comp.Provider = p.Name()
	return comp, nil
}

func (p *Provider) CompleteStream(ctx context.Context, req *types.CompletionRequest) (<-chan *types.CompletionChunk, error) {
	return p.inner.CompleteStream(ctx, req)
}

func (p *Provider) TestConnection(ctx context.Context) error {
	return p.inner.TestConnection(ctx)
}

func (p *Provider) CalculateCost(model string, usage types.Usage) (float64, error) {
	return p.inner.CalculateCost(model, usage)
}

func (p *Provider) EstimateCost(model string, promptTokens, outputTokens int) (*types.CostEstimate, error) {
	return p.inner.EstimateCost(model, promptTokens, outputTokens)
}

var _ providers.Provider = (*Provider)(nil)
