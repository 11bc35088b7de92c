package anthropic

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/lodestar-ai/lodestar/internal/providers"
	"github.com/lodestar-ai/lodestar/internal/types"
)

// Provider implements providers.Provider for the Anthropic API.
type Provider struct {
	name   string
	client *anthropic.Client
	config *Config
	logger *logrus.Logger
}

// Config holds Anthropic-specific configuration.
type Config struct {
	APIKey     string            `yaml:"api_key"`
	BaseURL    string            `yaml:"base_url"`
	Models     []types.ModelInfo `yaml:"models"`
	Timeout    time.Duration     `yaml:"timeout"`
	ProbeModel string            `yaml:"probe_model"`
}

// New creates an Anthropic provider instance.
func New(name string, config *Config, logger *logrus.Logger) *Provider {
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	client := anthropic.NewClient(opts...)

	return &Provider{
		name:   name,
		client: &client,
		config: config,
		logger: logger,
	}
}

func (p *Provider) Name() string            { return p.name }
func (p *Provider) Kind() types.BackendKind { return types.BackendAnthropic }

// ListModels returns the configured model catalog.
func (p *Provider) ListModels() []types.ModelInfo {
	models := make([]types.ModelInfo, len(p.config.Models))
	copy(models, p.config.Models)
	return models
}

// Complete performs a single completion request.
func (p *Provider) Complete(ctx context.Context, req *types.CompletionRequest) (*types.Completion, error) {
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := p.client.Messages.New(ctx, p.buildRequest(req))
	if err != nil {
		return nil, p.wrapError(err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	usage := &types.Usage{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
		TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}

	cost, err := p.CalculateCost(req.Model, *usage)
	if err != nil {
		p.logger.WithError(err).WithField("model", req.Model).Warn("Cost calculation failed")
	}

	return &types.Completion{
		ID:           resp.ID,
		Provider:     p.name,
		Model:        req.Model,
		Content:      content.String(),
		FinishReason: string(resp.StopReason),
		Usage:        usage,
		Cost:         cost,
		Latency:      time.Since(start),
		Created:      time.Now().Unix(),
	}, nil
}

// CompleteStream performs a streaming completion request.
func (p *Provider) CompleteStream(ctx context.Context, req *types.CompletionRequest) (<-chan *types.CompletionChunk, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.buildRequest(req))

	chunks := make(chan *types.CompletionChunk, 32)

	go func() {
		defer close(chunks)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()

			delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			text, ok := delta.Delta.AsAny().(anthropic.TextDelta)
			if !ok {
				continue
			}

			chunk := &types.CompletionChunk{
				ID:       req.ID,
				Provider: p.name,
				Model:    req.Model,
				Delta:    text.Text,
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			p.logger.WithError(err).Warn("Stream receive failed")
		}

		select {
		case chunks <- &types.CompletionChunk{ID: req.ID, Provider: p.name, Model: req.Model, Done: true}:
		case <-ctx.Done():
		}
	}()

	return chunks, nil
}

// TestConnection probes the API with a minimal one-token message against
// the cheapest configured model.
func (p *Provider) TestConnection(ctx context.Context) error {
	probe := anthropic.MessageNewParams{
		Model: anthropic.Model(p.probeModel()),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
		MaxTokens: 1,
	}

	if _, err := p.client.Messages.New(ctx, probe); err != nil {
		return p.wrapError(err)
	}
	return nil
}

// CalculateCost prices actual usage.
func (p *Provider) CalculateCost(model string, usage types.Usage) (float64, error) {
	return providers.CostForUsage(p.config.Models, model, usage)
}

// EstimateCost projects the cost of a call before it is made.
func (p *Provider) EstimateCost(model string, promptTokens, outputTokens int) (*types.CostEstimate, error) {
	return providers.EstimateForModel(p.config.Models, model, promptTokens, outputTokens)
}

func (p *Provider) probeModel() string {
	if p.config.ProbeModel != "" {
		return p.config.ProbeModel
	}
	// Cheapest configured model keeps probe spend negligible.
	best := ""
	bestCost := 0.0
	for _, m := range p.config.Models {
		id := m.ProviderModelID
		if id == "" {
			id = m.Name
		}
		if best == "" || m.InputCostPer1K < bestCost {
			best = id
			bestCost = m.InputCostPer1K
		}
	}
	return best
}

// buildRequest converts the unified request to the Anthropic messages
// format. Anthropic requires max_tokens, so a default is applied.
func (p *Provider) buildRequest(req *types.CompletionRequest) anthropic.MessageNewParams {
	out := anthropic.MessageNewParams{
		Model: anthropic.Model(p.resolveModelID(req.Model)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		MaxTokens: 1024,
	}

	if req.System != "" {
		out.System = []anthropic.TextBlockParam{{Text: req.System, Type: "text"}}
	}
	if req.MaxTokens != nil {
		out.MaxTokens = int64(*req.MaxTokens)
	}
	if req.Temperature != nil {
		out.Temperature = anthropic.Float(float64(*req.Temperature))
	}
	if req.TopP != nil {
		out.TopP = anthropic.Float(float64(*req.TopP))
	}
	if len(req.Stop) > 0 {
		stop := make([]string, len(req.Stop))
		copy(stop, req.Stop)
		out.StopSequences = stop
	}

	return out
}

func (p *Provider) resolveModelID(model string) string {
	if info, ok := providers.FindModel(p.config.Models, model); ok && info.ProviderModelID != "" {
		return info.ProviderModelID
	}
	return model
}

// wrapError classifies SDK errors for the fallback executor.
func (p *Provider) wrapError(err error) error {
	pe := &types.ProviderError{
		Provider:  p.name,
		Transient: true,
		Err:       err,
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe.StatusCode = apiErr.StatusCode
		switch apiErr.StatusCode {
		case 400, 401, 403, 404, 422:
			pe.Transient = false
		}
		return pe
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		pe.Code = "network"
		return pe
	}

	return pe
}

var _ providers.Provider = (*Provider)(nil)
