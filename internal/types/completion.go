package types

import (
	"time"
)

// BackendKind identifies the class of inference backend behind a provider.
type BackendKind string

const (
	BackendLocal      BackendKind = "local"
	BackendOpenAI     BackendKind = "openai"
	BackendAnthropic  BackendKind = "anthropic"
	BackendCompatible BackendKind = "openai_compatible"
)

// CompletionRequest is the unified request shape passed to every provider.
type CompletionRequest struct {
	ID          string            `json:"id"`
	Model       string            `json:"model"`
	Prompt      string            `json:"prompt"`
	System      string            `json:"system,omitempty"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Temperature *float32          `json:"temperature,omitempty"`
	TopP        *float32          `json:"top_p,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Completion is the unified response shape returned by every provider.
type Completion struct {
	ID           string        `json:"id"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Content      string        `json:"content"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
	Cost         float64       `json:"cost"`
	Latency      time.Duration `json:"latency"`
	Created      int64         `json:"created"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionChunk is a single increment of a streaming completion.
type CompletionChunk struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Delta    string `json:"delta"`
	Done     bool   `json:"done"`
	Usage    *Usage `json:"usage,omitempty"`
}

// QualityTier is a static quality ranking for a model. Routing uses it to
// keep complex requests off low-tier models.
type QualityTier int

const (
	TierBasic    QualityTier = 1
	TierStandard QualityTier = 2
	TierPremium  QualityTier = 3
)

// ModelInfo describes one model a provider can serve.
type ModelInfo struct {
	Name             string      `json:"name" yaml:"name"`
	ProviderModelID  string      `json:"provider_model_id,omitempty" yaml:"provider_model_id"`
	InputCostPer1K   float64     `json:"input_cost_per_1k" yaml:"input_cost_per_1k"`
	OutputCostPer1K  float64     `json:"output_cost_per_1k" yaml:"output_cost_per_1k"`
	MaxContextWindow int         `json:"max_context_window" yaml:"max_context_window"`
	MaxOutputTokens  int         `json:"max_output_tokens" yaml:"max_output_tokens"`
	QualityTier      QualityTier `json:"quality_tier" yaml:"quality_tier"`
}

// CostEstimate is a pre-call cost projection for one provider/model pair.
type CostEstimate struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	InputCost    float64 `json:"input_cost"`
	OutputCost   float64 `json:"output_cost"`
	TotalCost    float64 `json:"total_cost"`
}
