package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/lodestar-ai/lodestar/internal/events"
	"github.com/lodestar-ai/lodestar/internal/executor"
	"github.com/lodestar-ai/lodestar/internal/fusion"
	"github.com/lodestar-ai/lodestar/internal/health"
	"github.com/lodestar-ai/lodestar/internal/history"
	"github.com/lodestar-ai/lodestar/internal/middleware"
	"github.com/lodestar-ai/lodestar/internal/registry"
	"github.com/lodestar-ai/lodestar/internal/routing"
	"github.com/lodestar-ai/lodestar/internal/security"
	"github.com/lodestar-ai/lodestar/internal/types"
)

// Config holds HTTP server settings.
type Config struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// Deps are the wired components the control plane exposes.
type Deps struct {
	Registry    *registry.Registry
	Router      *routing.Engine
	Executor    *executor.Executor
	Fusion      *fusion.Engine
	Monitor     *health.Monitor
	Bus         *events.Bus
	Auth        *security.Authenticator
	RateLimiter *security.RateLimiter
	Validation  *middleware.Validation
	History     *history.Store // nil disables request history
}

// Server is the HTTP control plane over the routing core.
type Server struct {
	deps       Deps
	config     *Config
	logger     *logrus.Logger
	httpServer *http.Server
}

// New creates a server. Start binds the listener.
func New(config *Config, deps Deps, logger *logrus.Logger) *Server {
	return &Server{deps: deps, config: config, logger: logger}
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.setupRoutes(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting control plane server")
	return s.httpServer.ListenAndServe()
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping control plane server")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the fully assembled route tree, exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.RequestLogging(s.logger))
	if s.deps.Auth != nil {
		r.Use(s.deps.Auth.Middleware())
	}
	if s.deps.RateLimiter != nil {
		r.Use(s.deps.RateLimiter.Middleware())
	}
	if s.deps.Validation != nil {
		r.Use(s.deps.Validation.Middleware)
	}

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/route", s.handleRoute).Methods("POST")
	api.HandleFunc("/completions", s.handleCompletions).Methods("POST")
	api.HandleFunc("/fuse", s.handleFuse).Methods("POST")
	api.HandleFunc("/providers", s.handleListProviders).Methods("GET")
	api.HandleFunc("/usage/{provider}", s.handleUsage).Methods("GET")
	api.HandleFunc("/budgets/{provider}", s.handleGetBudget).Methods("GET")
	api.HandleFunc("/budgets/{provider}", s.handleSetBudget).Methods("PUT")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/health/{provider}", s.handleProviderHealth).Methods("GET")
	api.HandleFunc("/events", s.handleEventStream).Methods("GET")

	s.setupDocsRoutes(r)
	return r
}

// completionRequest is the request body shared by the route,
// completions, and fuse endpoints.
type completionRequest struct {
	Prompt       string   `json:"prompt"`
	System       string   `json:"system,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
	Temperature  *float32 `json:"temperature,omitempty"`
	PromptTokens int      `json:"prompt_tokens,omitempty"`
	Complexity   string   `json:"complexity,omitempty"`
	Priority     string   `json:"priority,omitempty"`
	MaxCost      *float64 `json:"max_cost,omitempty"`
	Fusion       bool     `json:"fusion,omitempty"`
	MinAgreement *float64 `json:"min_agreement,omitempty"`
	Stream       bool     `json:"stream,omitempty"`
}

func (cr *completionRequest) routingContext() types.RoutingContext {
	rc := types.RoutingContext{
		Prompt:        cr.Prompt,
		PromptTokens:  cr.PromptTokens,
		Complexity:    types.Complexity(cr.Complexity),
		Priority:      types.Priority(cr.Priority),
		MaxCost:       cr.MaxCost,
		RequireFusion: cr.Fusion,
	}
	if cr.MinAgreement != nil {
		rc.MinAgreement = *cr.MinAgreement
	}
	return rc
}

func (cr *completionRequest) completion(id string) *types.CompletionRequest {
	return &types.CompletionRequest{
		ID:          id,
		Prompt:      cr.Prompt,
		System:      cr.System,
		MaxTokens:   cr.MaxTokens,
		Temperature: cr.Temperature,
		Timestamp:   time.Now(),
	}
}

func (s *Server) decodeCompletionRequest(w http.ResponseWriter, r *http.Request) (*completionRequest, bool) {
	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return nil, false
	}
	if req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return nil, false
	}
	if req.MinAgreement != nil && (*req.MinAgreement < 0 || *req.MinAgreement > 1) {
		s.writeError(w, http.StatusBadRequest, "min_agreement must be between 0 and 1")
		return nil, false
	}
	return &req, true
}

// handleRoute returns the routing decision without executing it.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCompletionRequest(w, r)
	if !ok {
		return
	}

	decision, err := s.deps.Router.Route(req.routingContext())
	if err != nil {
		s.writeRoutingError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, decision)
}

// handleCompletions routes and executes one completion, walking the
// fallback chain on failure. A fusion:true body delegates to the
// fusion path; stream:true streams the primary provider's chunks.
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCompletionRequest(w, r)
	if !ok {
		return
	}
	if req.Fusion {
		s.serveFusion(w, r, req)
		return
	}

	decision, err := s.deps.Router.Route(req.routingContext())
	if err != nil {
		s.writeRoutingError(w, err)
		return
	}

	requestID := middleware.GetRequestID(r.Context())
	completion := req.completion(requestID)

	if req.Stream {
		s.streamCompletion(w, r, decision, completion)
		return
	}

	comp, err := s.deps.Executor.Execute(r.Context(), decision, "single", executor.CompletionInvoker(s.deps.Registry, completion))
	if err != nil {
		s.recordHistory(requestID, decision.Provider, decision.Model, "single", nil, err)
		s.writeRoutingError(w, err)
		return
	}

	s.recordHistory(requestID, comp.Provider, comp.Model, "single", comp, nil)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"completion": comp,
		"routing":    decision,
	})
}

// handleFuse fans the request out to the top providers and returns the
// majority answer.
func (s *Server) handleFuse(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCompletionRequest(w, r)
	if !ok {
		return
	}
	s.serveFusion(w, r, req)
}

func (s *Server) serveFusion(w http.ResponseWriter, r *http.Request, req *completionRequest) {
	requestID := middleware.GetRequestID(r.Context())
	rc := req.routingContext()
	rc.RequireFusion = true

	result, err := s.deps.Fusion.Fuse(r.Context(), rc, req.completion(requestID))
	if err != nil {
		s.writeRoutingError(w, err)
		return
	}

	for _, resp := range result.Responses {
		var respErr error
		if resp.Err != "" {
			respErr = errors.New(resp.Err)
		}
		s.recordHistory(requestID, resp.Provider, resp.Model, "fusion", &types.Completion{
			Provider: resp.Provider,
			Model:    resp.Model,
			Cost:     resp.Cost,
			Latency:  resp.Latency,
		}, respErr)
	}

	s.writeJSON(w, http.StatusOK, result)
}

// streamCompletion streams chunks from the decision's primary provider
// as server-sent events. Fallbacks do not apply once streaming starts.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, decision *types.RoutingDecision, req *types.CompletionRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	p, err := s.deps.Registry.Provider(decision.Provider)
	if err != nil {
		s.writeRoutingError(w, err)
		return
	}

	req.Model = decision.Model
	chunks, err := p.CompleteStream(r.Context(), req)
	if err != nil {
		s.writeRoutingError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	meta, _ := json.Marshal(decision)
	fmt.Fprintf(w, "event: routing\ndata: %s\n\n", meta)
	flusher.Flush()

	start := time.Now()
	var totalTokens int64
	for chunk := range chunks {
		if chunk.Usage != nil {
			totalTokens = int64(chunk.Usage.TotalTokens)
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			s.logger.WithError(err).Error("Failed to marshal stream chunk")
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()

	if err := s.deps.Registry.TrackUsage(decision.Provider, 0, totalTokens, time.Since(start), true); err != nil {
		s.logger.WithError(err).Debug("Skipping usage tracking for removed provider")
	}
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	snaps := s.deps.Registry.Snapshots()

	providers := make([]map[string]interface{}, 0, len(snaps))
	for _, snap := range snaps {
		providers = append(providers, map[string]interface{}{
			"id":     snap.ID,
			"kind":   snap.Provider.Kind(),
			"health": snap.Health.State,
			"models": snap.Provider.ListModels(),
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": providers,
		"count":     len(providers),
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]

	stats, err := s.deps.Registry.UsageStats(provider)
	if err != nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("provider %s not found", provider))
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]

	budget, ok := s.deps.Registry.Budget(provider)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no budget configured for provider %s", provider))
		return
	}
	s.writeJSON(w, http.StatusOK, budget)
}

func (s *Server) handleSetBudget(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]

	var budget types.Budget
	if err := json.NewDecoder(r.Body).Decode(&budget); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	budget.Provider = provider

	if err := s.deps.Registry.SetBudget(budget); err != nil {
		var invalid *types.InvalidBudgetError
		if errors.As(err, &invalid) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, budget)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	all := s.deps.Registry.AllHealth()

	overall := "healthy"
	status := http.StatusOK
	for _, h := range all {
		if h.State == types.HealthUnhealthy {
			overall = "degraded"
			status = http.StatusServiceUnavailable
			break
		}
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":    overall,
		"providers": all,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]

	var status types.HealthStatus
	var err error
	if r.URL.Query().Get("probe") == "true" && s.deps.Monitor != nil {
		status, err = s.deps.Monitor.Probe(r.Context(), provider)
	} else {
		status, err = s.deps.Registry.HealthStatus(provider)
	}
	if err != nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("provider %s not found", provider))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider": provider,
		"status":   status,
	})
}

// handleEventStream pushes the typed event stream to the client as
// server-sent events until it disconnects. The subscription buffer
// drops events rather than block the bus.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch := make(chan events.Event, 64)
	unsubscribe := s.deps.Bus.SubscribeAll(func(e events.Event) {
		select {
		case ch <- e:
		default:
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-ch:
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind(), data)
			flusher.Flush()
		}
	}
}

// recordHistory persists one attempt outcome when the history store is
// enabled. Failures to record never fail the request.
func (s *Server) recordHistory(requestID, provider, model, strategy string, comp *types.Completion, execErr error) {
	if s.deps.History == nil {
		return
	}

	rec := history.Record{
		RequestID: requestID,
		Provider:  provider,
		Model:     model,
		Strategy:  strategy,
		Success:   execErr == nil,
	}
	if comp != nil {
		if comp.Usage != nil {
			rec.PromptTokens = comp.Usage.PromptTokens
			rec.CompletionTokens = comp.Usage.CompletionTokens
		}
		rec.Cost = comp.Cost
		rec.LatencyMS = comp.Latency.Milliseconds()
	}
	if execErr != nil {
		rec.ErrorMessage = execErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.History.Record(ctx, rec); err != nil {
		s.logger.WithError(err).Warn("Failed to record request history")
	}
}

func (s *Server) writeRoutingError(w http.ResponseWriter, err error) {
	var noProvider *types.NoEligibleProviderError
	if errors.As(err, &noProvider) {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	var allFailed *types.AllProvidersFailedError
	if errors.As(err, &allFailed) {
		s.writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error": map[string]interface{}{
				"message":  "all providers failed",
				"type":     "upstream_error",
				"code":     http.StatusBadGateway,
				"attempts": allFailed.Attempts,
			},
			"timestamp": time.Now().Unix(),
		})
		return
	}

	var removed *types.ProviderRemovedError
	if errors.As(err, &removed) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.writeError(w, http.StatusGatewayTimeout, "request cancelled or timed out")
		return
	}

	s.writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "api_error",
			"code":    status,
		},
		"timestamp": time.Now().Unix(),
	})
}
