package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/lodestar-ai/lodestar/internal/providers"
	"github.com/lodestar-ai/lodestar/internal/types"
)

// Provider implements providers.Provider for the OpenAI API and for any
// OpenAI-compatible endpoint reached through a custom base URL.
type Provider struct {
	name   string
	kind   types.BackendKind
	client *openai.Client
	config *Config
	logger *logrus.Logger
}

// Config holds OpenAI-specific configuration.
type Config struct {
	APIKey  string            `yaml:"api_key"`
	BaseURL string            `yaml:"base_url"`
	OrgID   string            `yaml:"org_id"`
	Models  []types.ModelInfo `yaml:"models"`
	Timeout time.Duration     `yaml:"timeout"`
}

// New creates an OpenAI provider instance.
func New(name string, config *Config, logger *logrus.Logger) *Provider {
	clientConfig := openai.DefaultConfig(config.APIKey)

	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.OrgID != "" {
		clientConfig.OrgID = config.OrgID
	}

	kind := types.BackendOpenAI
	if config.BaseURL != "" {
		kind = types.BackendCompatible
	}

	return &Provider{
		name:   name,
		kind:   kind,
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger,
	}
}

func (p *Provider) Name() string            { return p.name }
func (p *Provider) Kind() types.BackendKind { return p.kind }

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
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, p.wrapError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, &types.ProviderError{
			Provider:  p.name,
			Code:      "empty_response",
			Transient: true,
			Err:       fmt.Errorf("response contained no choices"),
		}
	}

	usage := &types.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}

	cost, err := p.CalculateCost(req.Model, *usage)
	if err != nil {
		p.logger.WithError(err).WithField("model", req.Model).Warn("Cost calculation failed")
	}

	return &types.Completion{
		ID:           resp.ID,
		Provider:     p.name,
		Model:        req.Model,
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage:        usage,
		Cost:         cost,
		Latency:      time.Since(start),
		Created:      resp.Created,
	}, nil
}

// CompleteStream performs a streaming completion request.
func (p *Provider) CompleteStream(ctx context.Context, req *types.CompletionRequest) (<-chan *types.CompletionChunk, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, p.wrapError(err)
	}

	chunks := make(chan *types.CompletionChunk, 32)

	go func() {
		defer close(chunks)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					p.logger.WithError(err).Warn("Stream receive failed")
				}
				select {
				case chunks <- &types.CompletionChunk{ID: req.ID, Provider: p.name, Model: req.Model, Done: true}:
				case <-ctx.Done():
				}
				return
			}

			if len(resp.Choices) == 0 {
				continue
			}

			chunk := &types.CompletionChunk{
				ID:       resp.ID,
				Provider: p.name,
				Model:    req.Model,
				Delta:    resp.Choices[0].Delta.Content,
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return chunks, nil
}

// TestConnection probes the models endpoint.
func (p *Provider) TestConnection(ctx context.Context) error {
	if _, err := p.client.ListModels(ctx); err != nil {
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

// buildRequest converts the unified request to the OpenAI chat format.
func (p *Provider) buildRequest(req *types.CompletionRequest, stream bool) openai.ChatCompletionRequest {
	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	out := openai.ChatCompletionRequest{
		Model:    p.resolveModelID(req.Model),
		Messages: messages,
		Stop:     req.Stop,
		Stream:   stream,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		out.TopP = *req.TopP
	}
	return out
}

func (p *Provider) resolveModelID(model string) string {
	if info, ok := providers.FindModel(p.config.Models, model); ok && info.ProviderModelID != "" {
		return info.ProviderModelID
	}
	return model
}

// wrapError classifies SDK errors so the fallback executor can decide
// whether to advance the chain.
func (p *Provider) wrapError(err error) error {
	pe := &types.ProviderError{
		Provider:  p.name,
		Transient: true,
		Err:       err,
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe.StatusCode = apiErr.HTTPStatusCode
		if code, ok := apiErr.Code.(string); ok {
			pe.Code = code
		}
		// Client-side errors will not be fixed by retrying on this
		// provider, and auth or hard-quota failures are provider
		// configuration problems.
		switch {
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			pe.Transient = false
		case apiErr.HTTPStatusCode == 400 || apiErr.HTTPStatusCode == 404 || apiErr.HTTPStatusCode == 422:
			pe.Transient = false
		case pe.Code == "insufficient_quota":
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
