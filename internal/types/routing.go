package types

import (
	"time"
)

// Complexity grades how demanding a request is. The intent classifier
// (an upstream collaborator) produces it; routing uses it to raise the
// minimum acceptable quality tier.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// MinQualityTier maps a complexity grade to the lowest model tier routing
// will accept for it.
func (c Complexity) MinQualityTier() QualityTier {
	switch c {
	case ComplexityMedium:
		return TierStandard
	case ComplexityComplex:
		return TierPremium
	default:
		return TierBasic
	}
}

// Priority selects the scoring weights used by the routing engine.
type Priority string

const (
	PriorityCost        Priority = "cost"
	PriorityQuality     Priority = "quality"
	PriorityPerformance Priority = "performance"
	PriorityBalanced    Priority = "balanced"
)

// RoutingContext carries everything the routing engine needs to pick a
// provider for one request.
type RoutingContext struct {
	Prompt        string     `json:"prompt"`
	PromptTokens  int        `json:"prompt_tokens,omitempty"` // 0 = estimate from prompt length
	Complexity    Complexity `json:"complexity"`
	Priority      Priority   `json:"priority"`
	MaxCost       *float64   `json:"max_cost,omitempty"`
	RequireFusion bool       `json:"require_fusion,omitempty"`
	MinAgreement  float64    `json:"min_agreement,omitempty"` // 0 = use the engine's configured floor
}

// ModelRef names one provider/model pair in a fallback chain.
type ModelRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// RoutingDecision is the routing engine's answer for one request. It is
// immutable once produced and consumed exactly once by the fallback
// executor or the fusion engine.
type RoutingDecision struct {
	Provider      string     `json:"provider"`
	Model         string     `json:"model"`
	Reasoning     []string   `json:"reasoning"`
	EstimatedCost float64    `json:"estimated_cost"`
	Confidence    float64    `json:"confidence"`
	Fallbacks     []ModelRef `json:"fallbacks"`
	Timestamp     time.Time  `json:"timestamp"`
}

// FusionResponse is one provider's answer inside a fused call.
type FusionResponse struct {
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	Content  string        `json:"content,omitempty"`
	Cost     float64       `json:"cost"`
	Latency  time.Duration `json:"latency"`
	Err      string        `json:"error,omitempty"`
}

// FusionResult is the reduced outcome of fanning one request out to
// several providers. Confidence is agreement cluster size over the number
// of providers invoked, capped at 0.5 when fewer than two answers arrive,
// so a lone answer can never read as consensus. BelowAgreement marks a
// result whose confidence fell short of the requested agreement floor;
// the result is still returned.
type FusionResult struct {
	Result         string           `json:"result"`
	Confidence     float64          `json:"confidence"`
	TotalCost      float64          `json:"total_cost"`
	Degraded       bool             `json:"degraded"`
	BelowAgreement bool             `json:"below_agreement"`
	Responses      []FusionResponse `json:"individual_responses"`
}
