package routing

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-ai/lodestar/internal/events"
	"github.com/lodestar-ai/lodestar/internal/providers/providertest"
	"github.com/lodestar-ai/lodestar/internal/registry"
	"github.com/lodestar-ai/lodestar/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(events.NewBus(testLogger()), testLogger())
}

func fakeWithModel(id string, tier types.QualityTier, inPer1K, outPer1K float64) *providertest.Fake {
	return &providertest.Fake{
		NameVal: id,
		KindVal: types.BackendLocal,
		Models: []types.ModelInfo{{
			Name:             id + "-model",
			ProviderModelID:  id + "-model",
			InputCostPer1K:   inPer1K,
			OutputCostPer1K:  outPer1K,
			MaxContextWindow: 8192,
			MaxOutputTokens:  1024,
			QualityTier:      tier,
		}},
	}
}

func TestRouteWithNoProviders(t *testing.T) {
	reg := newTestRegistry(t)
	engine := NewEngine(reg, testLogger(), DefaultConfig())

	_, err := engine.Route(types.RoutingContext{Prompt: "hello"})

	var noProvider *types.NoEligibleProviderError
	require.ErrorAs(t, err, &noProvider)
}

func TestCostPriorityPrefersCheapest(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Register("cheap", fakeWithModel("cheap", types.TierStandard, 0.001, 0.001)))
	require.NoError(t, reg.Register("pricey", fakeWithModel("pricey", types.TierStandard, 0.05, 0.05)))

	engine := NewEngine(reg, testLogger(), DefaultConfig())
	decision, err := engine.Route(types.RoutingContext{
		Prompt:   "summarize this paragraph",
		Priority: types.PriorityCost,
	})
	require.NoError(t, err)

	assert.Equal(t, "cheap", decision.Provider)
	assert.Equal(t, "cheap-model", decision.Model)
	assert.NotEmpty(t, decision.Reasoning)
	assert.Greater(t, decision.Confidence, 0.0)
}

func TestQualityPriorityPrefersPremiumTier(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Register("budget", fakeWithModel("budget", types.TierBasic, 0.001, 0.001)))
	require.NoError(t, reg.Register("premium", fakeWithModel("premium", types.TierPremium, 0.05, 0.05)))

	engine := NewEngine(reg, testLogger(), DefaultConfig())
	decision, err := engine.Route(types.RoutingContext{
		Prompt:   "prove this theorem",
		Priority: types.PriorityQuality,
	})
	require.NoError(t, err)

	assert.Equal(t, "premium", decision.Provider)
}

func TestComplexityRaisesTierFloor(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Register("basic", fakeWithModel("basic", types.TierBasic, 0.001, 0.001)))
	require.NoError(t, reg.Register("standard", fakeWithModel("standard", types.TierStandard, 0.01, 0.01)))
	require.NoError(t, reg.Register("premium", fakeWithModel("premium", types.TierPremium, 0.05, 0.05)))

	engine := NewEngine(reg, testLogger(), DefaultConfig())

	decision, err := engine.Route(types.RoutingContext{
		Prompt:     "design a distributed consensus protocol",
		Complexity: types.ComplexityComplex,
		Priority:   types.PriorityCost,
	})
	require.NoError(t, err)
	assert.Equal(t, "premium", decision.Provider)
	assert.Empty(t, decision.Fallbacks)

	decision, err = engine.Route(types.RoutingContext{
		Prompt:     "rewrite this sentence",
		Complexity: types.ComplexityMedium,
		Priority:   types.PriorityCost,
	})
	require.NoError(t, err)
	assert.Equal(t, "standard", decision.Provider)
	require.Len(t, decision.Fallbacks, 1)
	assert.Equal(t, "premium", decision.Fallbacks[0].Provider)
}

func TestMaxCostExcludesCandidates(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Register("cheap", fakeWithModel("cheap", types.TierStandard, 0.001, 0.001)))
	require.NoError(t, reg.Register("pricey", fakeWithModel("pricey", types.TierStandard, 1.0, 1.0)))

	engine := NewEngine(reg, testLogger(), DefaultConfig())

	maxCost := 0.01
	decision, err := engine.Route(types.RoutingContext{
		Prompt:   "quick question",
		Priority: types.PriorityQuality,
		MaxCost:  &maxCost,
	})
	require.NoError(t, err)

	assert.Equal(t, "cheap", decision.Provider)
	assert.Empty(t, decision.Fallbacks)
	assert.LessOrEqual(t, decision.EstimatedCost, maxCost)

	tiny := 0.0000001
	_, err = engine.Route(types.RoutingContext{Prompt: "quick question", MaxCost: &tiny})
	var noProvider *types.NoEligibleProviderError
	require.ErrorAs(t, err, &noProvider)
}

func TestBudgetHeadroomDivertsTraffic(t *testing.T) {
	reg := newTestRegistry(t)

	// p1's model prices a 1000-token prompt at exactly $3.
	require.NoError(t, reg.Register("p1", fakeWithModel("p1", types.TierStandard, 3.0, 0)))
	require.NoError(t, reg.Register("p2", fakeWithModel("p2", types.TierStandard, 5.0, 0)))
	require.NoError(t, reg.SetBudget(types.Budget{Provider: "p1", DailyLimit: 10, MonthlyLimit: 1000}))

	engine := NewEngine(reg, testLogger(), DefaultConfig())
	rc := types.RoutingContext{Prompt: "work", PromptTokens: 1000, Priority: types.PriorityCost}

	for i := 0; i < 3; i++ {
		decision, err := engine.Route(rc)
		require.NoError(t, err)
		assert.Equal(t, "p1", decision.Provider)
		require.NoError(t, reg.TrackUsage("p1", 3.0, 1000, time.Second, true))
	}

	stats, err := reg.UsageStats("p1")
	require.NoError(t, err)
	assert.InDelta(t, 9.0, stats.TotalCost, 1e-9)

	// $1 of headroom left cannot cover another $3 call.
	decision, err := engine.Route(rc)
	require.NoError(t, err)
	assert.Equal(t, "p2", decision.Provider)
}

func TestUnhealthyProviderIsSkipped(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Register("down", fakeWithModel("down", types.TierStandard, 0.001, 0.001)))
	require.NoError(t, reg.Register("up", fakeWithModel("up", types.TierStandard, 0.01, 0.01)))
	require.NoError(t, reg.SetHealthStatus("down", types.HealthStatus{State: types.HealthUnhealthy}))

	engine := NewEngine(reg, testLogger(), DefaultConfig())
	decision, err := engine.Route(types.RoutingContext{Prompt: "hello", Priority: types.PriorityCost})
	require.NoError(t, err)

	assert.Equal(t, "up", decision.Provider)
	assert.Empty(t, decision.Fallbacks)
}

func TestRouteIsDeterministic(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Register("beta", fakeWithModel("beta", types.TierStandard, 0.01, 0.01)))
	require.NoError(t, reg.Register("alpha", fakeWithModel("alpha", types.TierStandard, 0.01, 0.01)))

	engine := NewEngine(reg, testLogger(), DefaultConfig())
	rc := types.RoutingContext{Prompt: "same input", Priority: types.PriorityBalanced}

	first, err := engine.Route(rc)
	require.NoError(t, err)
	// Identical scores break ties on provider id.
	assert.Equal(t, "alpha", first.Provider)

	for i := 0; i < 5; i++ {
		again, err := engine.Route(rc)
		require.NoError(t, err)
		assert.Equal(t, first.Provider, again.Provider)
		assert.Equal(t, first.Model, again.Model)
		assert.Equal(t, first.Fallbacks, again.Fallbacks)
	}
}

func TestSingleCandidateConfidence(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Register("only", fakeWithModel("only", types.TierStandard, 0.01, 0.01)))

	engine := NewEngine(reg, testLogger(), DefaultConfig())
	decision, err := engine.Route(types.RoutingContext{Prompt: "hello"})
	require.NoError(t, err)

	assert.Equal(t, 0.5, decision.Confidence)
}

func TestFallbackChainIsCapped(t *testing.T) {
	reg := newTestRegistry(t)
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		require.NoError(t, reg.Register(id, fakeWithModel(id, types.TierStandard, 0.01, 0.01)))
	}

	engine := NewEngine(reg, testLogger(), Config{MaxFallbacks: 3})
	decision, err := engine.Route(types.RoutingContext{Prompt: "hello"})
	require.NoError(t, err)

	assert.Len(t, decision.Fallbacks, 3)
	for _, fb := range decision.Fallbacks {
		assert.NotEqual(t, decision.Provider, fb.Provider)
	}
}

func TestTopProvidersReturnsDistinctProviders(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Register("a", fakeWithModel("a", types.TierStandard, 0.001, 0.001)))
	require.NoError(t, reg.Register("b", fakeWithModel("b", types.TierStandard, 0.01, 0.01)))
	require.NoError(t, reg.Register("c", fakeWithModel("c", types.TierStandard, 0.1, 0.1)))

	engine := NewEngine(reg, testLogger(), DefaultConfig())
	refs, err := engine.TopProviders(types.RoutingContext{Prompt: "hello", Priority: types.PriorityCost}, 3)
	require.NoError(t, err)

	require.Len(t, refs, 3)
	seen := map[string]bool{}
	for _, ref := range refs {
		assert.False(t, seen[ref.Provider])
		seen[ref.Provider] = true
	}
	assert.Equal(t, "a", refs[0].Provider)
}
