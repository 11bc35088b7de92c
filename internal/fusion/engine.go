package fusion

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lodestar-ai/lodestar/internal/events"
	"github.com/lodestar-ai/lodestar/internal/registry"
	"github.com/lodestar-ai/lodestar/internal/routing"
	"github.com/lodestar-ai/lodestar/internal/types"
)

// Config bounds a fused call. MinAgreement is an advisory confidence
// floor: results below it are flagged, never rejected. Zero disables
// the flag.
type Config struct {
	MaxProviders        int           `yaml:"max_providers"`
	Timeout             time.Duration `yaml:"timeout"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	MinAgreement        float64       `yaml:"min_agreement"`
}

// DefaultConfig returns the production fusion settings.
func DefaultConfig() Config {
	return Config{
		MaxProviders:        3,
		Timeout:             30 * time.Second,
		SimilarityThreshold: 0.75,
	}
}

func (c *Config) normalize() {
	if c.MaxProviders <= 0 {
		c.MaxProviders = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		c.SimilarityThreshold = 0.75
	}
	if c.MinAgreement < 0 {
		c.MinAgreement = 0
	}
	if c.MinAgreement > 1 {
		c.MinAgreement = 1
	}
}

// Engine fans one request out to several providers concurrently and
// reduces the answers by majority vote: responses are clustered by
// text similarity and the largest cluster wins. Confidence is cluster
// size over providers invoked, so losing a provider mid-flight always
// shows up as lower confidence, and a single surviving answer is
// capped at 0.5 because one voice is not agreement.
type Engine struct {
	routing  *routing.Engine
	registry *registry.Registry
	bus      *events.Bus
	logger   *logrus.Logger
	cfg      Config
}

// NewEngine creates a fusion engine on top of the routing engine.
func NewEngine(router *routing.Engine, reg *registry.Registry, bus *events.Bus, logger *logrus.Logger, cfg Config) *Engine {
	cfg.normalize()
	return &Engine{
		routing:  router,
		registry: reg,
		bus:      bus,
		logger:   logger,
		cfg:      cfg,
	}
}

// Fuse routes the request, invokes the top providers concurrently under
// a shared deadline, and reduces the answers. Every invocation counts
// toward its provider's usage, success or not; the total cost covers
// all of them, not just the winner.
func (e *Engine) Fuse(ctx context.Context, rc types.RoutingContext, req *types.CompletionRequest) (*types.FusionResult, error) {
	refs, err := e.routing.TopProviders(rc, e.cfg.MaxProviders)
	if err != nil {
		return nil, err
	}

	e.bus.Publish(events.RoutingDecisionMade{
		Decision: types.RoutingDecision{
			Provider:  refs[0].Provider,
			Model:     refs[0].Model,
			Fallbacks: refs[1:],
			Timestamp: time.Now(),
		},
		Strategy: "fusion",
		Time:     time.Now(),
	})

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	responses := make([]types.FusionResponse, len(refs))
	var wg sync.WaitGroup
	for i, ref := range refs {
		wg.Add(1)
		go func(i int, ref types.ModelRef) {
			defer wg.Done()
			responses[i] = e.invoke(callCtx, ref, req)
		}(i, ref)
	}
	wg.Wait()

	minAgreement := rc.MinAgreement
	if minAgreement <= 0 {
		minAgreement = e.cfg.MinAgreement
	}
	if minAgreement > 1 {
		minAgreement = 1
	}

	return e.reduce(refs, responses, minAgreement)
}

func (e *Engine) invoke(ctx context.Context, ref types.ModelRef, req *types.CompletionRequest) types.FusionResponse {
	resp := types.FusionResponse{Provider: ref.Provider, Model: ref.Model}

	start := time.Now()
	var tokens int64
	p, err := e.registry.Provider(ref.Provider)
	if err == nil {
		attempt := *req
		attempt.Model = ref.Model
		var comp *types.Completion
		comp, err = p.Complete(ctx, &attempt)
		if err == nil {
			resp.Content = comp.Content
			resp.Cost = comp.Cost
			if comp.Usage != nil {
				tokens = int64(comp.Usage.TotalTokens)
			}
		}
	}
	resp.Latency = time.Since(start)

	if err != nil {
		resp.Err = err.Error()

		transient := true
		var provErr *types.ProviderError
		if errors.As(err, &provErr) {
			transient = provErr.Transient
		}
		e.bus.Publish(events.RequestFailed{
			Provider:  ref.Provider,
			Model:     ref.Model,
			Error:     resp.Err,
			Transient: transient,
			Time:      time.Now(),
		})
	}

	if trackErr := e.registry.TrackUsage(ref.Provider, resp.Cost, tokens, resp.Latency, err == nil); trackErr != nil {
		e.logger.WithField("provider", ref.Provider).WithError(trackErr).Debug("Skipping usage tracking for removed provider")
	}
	return resp
}

// reduce clusters the successful answers and elects the largest
// cluster's earliest response as the fused result. Ties go to the
// cluster that appeared first in routing order.
func (e *Engine) reduce(refs []types.ModelRef, responses []types.FusionResponse, minAgreement float64) (*types.FusionResult, error) {
	result := &types.FusionResult{Responses: responses}

	var succeeded []int
	for i, r := range responses {
		result.TotalCost += r.Cost
		if r.Err == "" {
			succeeded = append(succeeded, i)
		}
	}

	if len(succeeded) == 0 {
		failure := &types.AllProvidersFailedError{}
		for i, r := range responses {
			failure.Attempts = append(failure.Attempts, types.AttemptError{
				Provider: refs[i].Provider,
				Model:    refs[i].Model,
				Message:  r.Err,
			})
		}
		return nil, failure
	}

	// Greedy clustering: each response joins the first cluster whose
	// seed it resembles, else seeds its own.
	var clusters [][]int
	for _, idx := range succeeded {
		placed := false
		for ci, cluster := range clusters {
			seed := responses[cluster[0]].Content
			if similarity(responses[idx].Content, seed) >= e.cfg.SimilarityThreshold {
				clusters[ci] = append(clusters[ci], idx)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, []int{idx})
		}
	}

	winner := clusters[0]
	for _, cluster := range clusters[1:] {
		if len(cluster) > len(winner) {
			winner = cluster
		}
	}

	result.Result = responses[winner[0]].Content
	result.Confidence = float64(len(winner)) / float64(len(responses))
	if len(succeeded) < 2 && result.Confidence > 0.5 {
		result.Confidence = 0.5
	}
	result.Degraded = len(succeeded) < len(responses) || len(succeeded) < 2
	result.BelowAgreement = minAgreement > 0 && result.Confidence < minAgreement

	e.logger.WithFields(logrus.Fields{
		"invoked":         len(responses),
		"succeeded":       len(succeeded),
		"agreement":       len(winner),
		"confidence":      result.Confidence,
		"degraded":        result.Degraded,
		"below_agreement": result.BelowAgreement,
		"total_cost":      result.TotalCost,
	}).Info("Fusion completed")

	return result, nil
}
