package executor

import (
	"context"
	"errors"
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

type eventCounter struct {
	decisions int
	failures  []events.RequestFailed
}

func newFixture(t *testing.T, ids ...string) (*registry.Registry, *Executor, *eventCounter) {
	t.Helper()
	bus := events.NewBus(testLogger())
	reg := registry.New(bus, testLogger())
	for _, id := range ids {
		require.NoError(t, reg.Register(id, providertest.New(id, 0.01)))
	}

	counter := &eventCounter{}
	bus.Subscribe(events.KindRoutingDecision, func(events.Event) { counter.decisions++ })
	bus.Subscribe(events.KindRequestFailure, func(e events.Event) {
		counter.failures = append(counter.failures, e.(events.RequestFailed))
	})

	return reg, New(reg, bus, testLogger()), counter
}

func decisionFor(primary string, fallbacks ...string) *types.RoutingDecision {
	refs := make([]types.ModelRef, 0, len(fallbacks))
	for _, id := range fallbacks {
		refs = append(refs, types.ModelRef{Provider: id, Model: id + "-model"})
	}
	return &types.RoutingDecision{
		Provider:  primary,
		Model:     primary + "-model",
		Fallbacks: refs,
		Timestamp: time.Now(),
	}
}

func succeed(providerID, model string) *types.Completion {
	return &types.Completion{
		Provider: providerID,
		Model:    model,
		Content:  "ok",
		Usage:    &types.Usage{TotalTokens: 20},
		Cost:     0.001,
	}
}

func TestPrimarySucceeds(t *testing.T) {
	reg, x, counter := newFixture(t, "p1", "p2")

	invoked := 0
	comp, err := x.Execute(context.Background(), decisionFor("p1", "p2"), "single", func(_ context.Context, providerID, model string) (*types.Completion, error) {
		invoked++
		return succeed(providerID, model), nil
	})
	require.NoError(t, err)

	assert.Equal(t, "p1", comp.Provider)
	assert.Equal(t, 1, invoked)
	assert.Equal(t, 1, counter.decisions)
	assert.Empty(t, counter.failures)

	stats, err := reg.UsageStats("p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.SuccessfulRequests)
	assert.InDelta(t, 0.001, stats.TotalCost, 1e-9)
	assert.Equal(t, int64(20), stats.TotalTokensUsed)
}

func TestTransientFailureAdvancesToFallback(t *testing.T) {
	reg, x, counter := newFixture(t, "p1", "p2")

	comp, err := x.Execute(context.Background(), decisionFor("p1", "p2"), "single", func(_ context.Context, providerID, model string) (*types.Completion, error) {
		if providerID == "p1" {
			return nil, &types.ProviderError{Provider: "p1", Transient: true, Err: errors.New("503")}
		}
		return succeed(providerID, model), nil
	})
	require.NoError(t, err)

	assert.Equal(t, "p2", comp.Provider)
	require.Len(t, counter.failures, 1)
	assert.Equal(t, "p1", counter.failures[0].Provider)
	assert.True(t, counter.failures[0].Transient)
	assert.Equal(t, 1, counter.decisions)

	// The failed attempt still counts against p1, at zero cost.
	stats, err := reg.UsageStats("p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.FailedRequests)
	assert.Zero(t, stats.TotalCost)
}

func TestAllAttemptsFail(t *testing.T) {
	_, x, counter := newFixture(t, "p1", "p2", "p3")

	_, err := x.Execute(context.Background(), decisionFor("p1", "p2", "p3"), "single", func(_ context.Context, providerID, _ string) (*types.Completion, error) {
		return nil, &types.ProviderError{Provider: providerID, Transient: true, Err: errors.New("down")}
	})

	var allFailed *types.AllProvidersFailedError
	require.ErrorAs(t, err, &allFailed)
	require.Len(t, allFailed.Attempts, 3)
	assert.Equal(t, "p1", allFailed.Attempts[0].Provider)
	assert.Equal(t, "p2", allFailed.Attempts[1].Provider)
	assert.Equal(t, "p3", allFailed.Attempts[2].Provider)
	assert.Len(t, counter.failures, 3)
	assert.Equal(t, 1, counter.decisions)
}

func TestPermanentFailureOnPrimaryStillFallsBack(t *testing.T) {
	_, x, _ := newFixture(t, "p1", "p2")

	comp, err := x.Execute(context.Background(), decisionFor("p1", "p2"), "single", func(_ context.Context, providerID, model string) (*types.Completion, error) {
		if providerID == "p1" {
			return nil, &types.ProviderError{Provider: "p1", Transient: false, Err: errors.New("invalid api key")}
		}
		return succeed(providerID, model), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "p2", comp.Provider)
}

func TestPermanentFailureOnFallbackEndsChain(t *testing.T) {
	_, x, _ := newFixture(t, "p1", "p2", "p3")

	var order []string
	_, err := x.Execute(context.Background(), decisionFor("p1", "p2", "p3"), "single", func(_ context.Context, providerID, _ string) (*types.Completion, error) {
		order = append(order, providerID)
		if providerID == "p2" {
			return nil, &types.ProviderError{Provider: "p2", Transient: false, Err: errors.New("bad request")}
		}
		return nil, &types.ProviderError{Provider: providerID, Transient: true, Err: errors.New("down")}
	})

	var allFailed *types.AllProvidersFailedError
	require.ErrorAs(t, err, &allFailed)
	assert.Equal(t, []string{"p1", "p2"}, order)
	assert.Len(t, allFailed.Attempts, 2)
}

func TestContextCancellationIsTerminal(t *testing.T) {
	_, x, _ := newFixture(t, "p1", "p2")

	ctx, cancel := context.WithCancel(context.Background())

	invoked := 0
	_, err := x.Execute(ctx, decisionFor("p1", "p2"), "single", func(ctx context.Context, _, _ string) (*types.Completion, error) {
		invoked++
		cancel()
		return nil, ctx.Err()
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, invoked)
}

func TestRemovedProviderIsSkipped(t *testing.T) {
	reg, x, counter := newFixture(t, "p1", "p2")
	require.NoError(t, reg.Remove("p1"))

	req := &types.CompletionRequest{ID: "r1", Prompt: "hello"}
	comp, err := x.Execute(context.Background(), decisionFor("p1", "p2"), "single", CompletionInvoker(reg, req))
	require.NoError(t, err)

	assert.Equal(t, "p2", comp.Provider)
	require.Len(t, counter.failures, 1)
	assert.Equal(t, "p1", counter.failures[0].Provider)
}

func TestInvokerSetsModelPerAttempt(t *testing.T) {
	reg, x, _ := newFixture(t, "p1")

	req := &types.CompletionRequest{ID: "r1", Prompt: "hello"}
	comp, err := x.Execute(context.Background(), decisionFor("p1"), "single", CompletionInvoker(reg, req))
	require.NoError(t, err)

	assert.Equal(t, "p1-model", comp.Model)
	assert.Equal(t, "hello", req.Prompt)
	assert.Empty(t, req.Model)
}
