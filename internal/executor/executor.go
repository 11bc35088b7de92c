package executor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lodestar-ai/lodestar/internal/events"
	"github.com/lodestar-ai/lodestar/internal/registry"
	"github.com/lodestar-ai/lodestar/internal/types"
)

// InvokeFunc performs one call attempt against a specific provider and
// model. The executor owns retry and fallback policy; the caller owns
// how a request is actually issued.
type InvokeFunc func(ctx context.Context, providerID, model string) (*types.Completion, error)

// Executor walks a routing decision's attempt chain (primary first,
// then fallbacks in order) until an attempt succeeds. Every attempt,
// successful or not, is tracked against its provider's usage stats.
type Executor struct {
	registry *registry.Registry
	bus      *events.Bus
	logger   *logrus.Logger
}

// New creates an executor over a registry and event bus.
func New(reg *registry.Registry, bus *events.Bus, logger *logrus.Logger) *Executor {
	return &Executor{registry: reg, bus: bus, logger: logger}
}

// CompletionInvoker returns an InvokeFunc that resolves the provider
// from the registry and issues req against it, with the model swapped
// per attempt.
func CompletionInvoker(reg *registry.Registry, req *types.CompletionRequest) InvokeFunc {
	return func(ctx context.Context, providerID, model string) (*types.Completion, error) {
		p, err := reg.Provider(providerID)
		if err != nil {
			return nil, err
		}
		attempt := *req
		attempt.Model = model
		return p.Complete(ctx, &attempt)
	}
}

// Execute runs the decision's attempt chain. The routing event is
// published exactly once, before the first attempt; each failed attempt
// publishes a request failure event.
//
// Chain-walking rules:
//   - context cancellation or deadline is terminal: no further attempts.
//   - a permanent failure on the primary still advances to fallbacks;
//     a permanent failure on a fallback ends the chain, because a
//     fallback rejected for a non-transient reason will not be saved
//     by yet another fallback of the same shape.
//   - a provider removed mid-chain is recorded and skipped.
func (x *Executor) Execute(ctx context.Context, decision *types.RoutingDecision, strategy string, invoke InvokeFunc) (*types.Completion, error) {
	x.bus.Publish(events.RoutingDecisionMade{
		Decision: *decision,
		Strategy: strategy,
		Time:     time.Now(),
	})

	chain := make([]types.ModelRef, 0, 1+len(decision.Fallbacks))
	chain = append(chain, types.ModelRef{Provider: decision.Provider, Model: decision.Model})
	chain = append(chain, decision.Fallbacks...)

	failure := &types.AllProvidersFailedError{}

	for i, ref := range chain {
		comp, err := x.attempt(ctx, ref, invoke)
		if err == nil {
			if i > 0 {
				x.logger.WithFields(logrus.Fields{
					"provider": ref.Provider,
					"model":    ref.Model,
					"attempt":  i + 1,
				}).Info("Fallback attempt succeeded")
			}
			return comp, nil
		}

		attemptErr := classify(ref, err)
		failure.Attempts = append(failure.Attempts, attemptErr)

		x.bus.Publish(events.RequestFailed{
			Provider:  ref.Provider,
			Model:     ref.Model,
			Error:     attemptErr.Message,
			Transient: attemptErr.Transient,
			Time:      time.Now(),
		})

		x.logger.WithFields(logrus.Fields{
			"provider":  ref.Provider,
			"model":     ref.Model,
			"attempt":   i + 1,
			"transient": attemptErr.Transient,
		}).WithError(err).Warn("Provider attempt failed")

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !attemptErr.Transient && i > 0 {
			break
		}
	}

	return nil, failure
}

// attempt issues one call and folds its outcome into the provider's
// usage stats. Failures are tracked with zero cost; a removed provider
// is not tracked at all.
func (x *Executor) attempt(ctx context.Context, ref types.ModelRef, invoke InvokeFunc) (*types.Completion, error) {
	start := time.Now()
	comp, err := invoke(ctx, ref.Provider, ref.Model)
	elapsed := time.Since(start)

	if err != nil {
		if trackErr := x.registry.TrackUsage(ref.Provider, 0, 0, elapsed, false); trackErr != nil {
			x.logger.WithField("provider", ref.Provider).WithError(trackErr).Debug("Skipping usage tracking for removed provider")
		}
		return nil, err
	}

	comp.Latency = elapsed
	var tokens int64
	if comp.Usage != nil {
		tokens = int64(comp.Usage.TotalTokens)
	}
	if trackErr := x.registry.TrackUsage(ref.Provider, comp.Cost, tokens, elapsed, true); trackErr != nil {
		x.logger.WithField("provider", ref.Provider).WithError(trackErr).Debug("Skipping usage tracking for removed provider")
	}
	return comp, nil
}
