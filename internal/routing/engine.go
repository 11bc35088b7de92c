package routing

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lodestar-ai/lodestar/internal/providers"
	"github.com/lodestar-ai/lodestar/internal/registry"
	"github.com/lodestar-ai/lodestar/internal/types"
)

// Engine scores every eligible provider/model pair for a request and
// picks the best one, with the runners-up as the fallback chain. It is
// stateless: all provider, budget, and health state lives in the
// registry, so one engine serves concurrent requests safely.
type Engine struct {
	registry *registry.Registry
	logger   *logrus.Logger
	cfg      Config
}

// Config bounds the fallback chain length.
type Config struct {
	MaxFallbacks int `yaml:"max_fallbacks"`
}

// DefaultConfig returns the production routing settings.
func DefaultConfig() Config {
	return Config{MaxFallbacks: 3}
}

// scoreWeights hold the blend of cost, quality, and performance applied
// to each candidate. Each priority leans 0.7 on its own dimension.
type scoreWeights struct {
	cost        float64
	quality     float64
	performance float64
}

func weightsFor(p types.Priority) scoreWeights {
	switch p {
	case types.PriorityCost:
		return scoreWeights{cost: 0.7, quality: 0.15, performance: 0.15}
	case types.PriorityQuality:
		return scoreWeights{cost: 0.15, quality: 0.7, performance: 0.15}
	case types.PriorityPerformance:
		return scoreWeights{cost: 0.15, quality: 0.15, performance: 0.7}
	default:
		third := 1.0 / 3.0
		return scoreWeights{cost: third, quality: third, performance: third}
	}
}

// candidate is one provider/model pair under consideration.
type candidate struct {
	providerID string
	model      types.ModelInfo
	estCost    float64
	avgLatency time.Duration
	score      float64
}

// NewEngine creates a routing engine over a registry.
func NewEngine(reg *registry.Registry, logger *logrus.Logger, cfg Config) *Engine {
	if cfg.MaxFallbacks <= 0 {
		cfg.MaxFallbacks = 3
	}
	return &Engine{registry: reg, logger: logger, cfg: cfg}
}

// Route picks the best provider/model pair for the request context. The
// decision carries the ordered fallback chain and a confidence score
// derived from the gap between the top two candidates.
func (e *Engine) Route(rc types.RoutingContext) (*types.RoutingDecision, error) {
	candidates, reasons, err := e.candidates(rc)
	if err != nil {
		return nil, err
	}

	weights := weightsFor(rc.Priority)
	scoreCandidates(candidates, weights)

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].providerID != candidates[j].providerID {
			return candidates[i].providerID < candidates[j].providerID
		}
		return candidates[i].model.Name < candidates[j].model.Name
	})

	best := candidates[0]

	fallbacks := make([]types.ModelRef, 0, e.cfg.MaxFallbacks)
	for _, c := range candidates[1:] {
		if len(fallbacks) == e.cfg.MaxFallbacks {
			break
		}
		fallbacks = append(fallbacks, types.ModelRef{Provider: c.providerID, Model: c.model.Name})
	}

	decision := &types.RoutingDecision{
		Provider:      best.providerID,
		Model:         best.model.Name,
		Reasoning:     append(reasons, e.describe(best, rc)...),
		EstimatedCost: best.estCost,
		Confidence:    confidence(candidates),
		Fallbacks:     fallbacks,
		Timestamp:     time.Now(),
	}

	e.logger.WithFields(logrus.Fields{
		"provider":       decision.Provider,
		"model":          decision.Model,
		"estimated_cost": decision.EstimatedCost,
		"confidence":     decision.Confidence,
		"fallbacks":      len(decision.Fallbacks),
		"priority":       rc.Priority,
		"complexity":     rc.Complexity,
	}).Info("Routing decision made")

	return decision, nil
}

// TopProviders returns up to n distinct providers for a fusion call,
// best first, using the same eligibility and scoring as Route.
func (e *Engine) TopProviders(rc types.RoutingContext, n int) ([]types.ModelRef, error) {
	decision, err := e.Route(rc)
	if err != nil {
		return nil, err
	}

	refs := []types.ModelRef{{Provider: decision.Provider, Model: decision.Model}}
	seen := map[string]bool{decision.Provider: true}
	for _, fb := range decision.Fallbacks {
		if len(refs) == n {
			break
		}
		if seen[fb.Provider] {
			continue
		}
		seen[fb.Provider] = true
		refs = append(refs, fb)
	}
	return refs, nil
}

// candidates collects every provider/model pair that survives the
// eligibility filters: provider usable, model tier sufficient for the
// complexity, estimated cost within MaxCost and budget headroom.
func (e *Engine) candidates(rc types.RoutingContext) ([]candidate, []string, error) {
	snaps := e.registry.Snapshots()
	if len(snaps) == 0 {
		return nil, nil, &types.NoEligibleProviderError{Reason: "no providers registered"}
	}

	promptTokens := rc.PromptTokens
	if promptTokens <= 0 {
		promptTokens = providers.EstimateTokens(rc.Prompt)
	}
	minTier := rc.Complexity.MinQualityTier()

	var out []candidate
	var reasons []string

	for _, snap := range snaps {
		if !e.registry.CanUse(snap.ID) {
			continue
		}

		headroom, limited := e.registry.Headroom(snap.ID)

		for _, model := range snap.Provider.ListModels() {
			if model.QualityTier < minTier {
				continue
			}

			est, err := snap.Provider.EstimateCost(model.Name, promptTokens, 0)
			if err != nil {
				e.logger.WithFields(logrus.Fields{
					"provider": snap.ID,
					"model":    model.Name,
				}).WithError(err).Warn("Cost estimate failed, skipping candidate")
				continue
			}

			if rc.MaxCost != nil && est.TotalCost > *rc.MaxCost {
				continue
			}
			if limited && est.TotalCost > headroom {
				continue
			}

			out = append(out, candidate{
				providerID: snap.ID,
				model:      model,
				estCost:    est.TotalCost,
				avgLatency: snap.AvgResponseTime,
			})
		}
	}

	if len(out) == 0 {
		return nil, nil, &types.NoEligibleProviderError{
			Reason: fmt.Sprintf("no provider satisfies complexity=%s within budget and cost limits", rc.Complexity),
		}
	}

	reasons = append(reasons, fmt.Sprintf("%d candidate models across %d providers", len(out), len(snaps)))
	return out, reasons, nil
}

// scoreCandidates assigns each candidate a weighted blend of three
// normalized dimensions. Cost and latency normalize against the worst
// candidate in this pass so scores are comparable within one request.
func scoreCandidates(cs []candidate, w scoreWeights) {
	var maxCost float64
	var maxLatency time.Duration
	for _, c := range cs {
		if c.estCost > maxCost {
			maxCost = c.estCost
		}
		if c.avgLatency > maxLatency {
			maxLatency = c.avgLatency
		}
	}

	for i := range cs {
		costScore := 1.0
		if maxCost > 0 {
			costScore = 1 - cs[i].estCost/maxCost
		}

		qualityScore := float64(cs[i].model.QualityTier) / float64(types.TierPremium)

		// Providers with no latency history sit at the midpoint rather
		// than being rewarded or punished for the unknown.
		perfScore := 0.5
		if maxLatency > 0 && cs[i].avgLatency > 0 {
			perfScore = 1 - float64(cs[i].avgLatency)/float64(maxLatency)
		}

		cs[i].score = w.cost*costScore + w.quality*qualityScore + w.performance*perfScore
	}
}

// confidence is the relative gap between the two best scores. A lone
// candidate gets 0.5: chosen, but with nothing to compare against.
func confidence(sorted []candidate) float64 {
	if len(sorted) < 2 {
		return 0.5
	}
	top := sorted[0].score
	if top <= 0 {
		return 0
	}
	gap := (top - sorted[1].score) / top
	if gap < 0 {
		gap = 0
	}
	if gap > 1 {
		gap = 1
	}
	return gap
}

func (e *Engine) describe(c candidate, rc types.RoutingContext) []string {
	reasons := []string{
		fmt.Sprintf("selected %s/%s (tier %d) at estimated $%.6f", c.providerID, c.model.Name, c.model.QualityTier, c.estCost),
	}
	if rc.Priority != "" {
		reasons = append(reasons, fmt.Sprintf("priority %s", rc.Priority))
	}
	if rc.MaxCost != nil {
		reasons = append(reasons, fmt.Sprintf("cost cap $%.6f honored", *rc.MaxCost))
	}
	return reasons
}
