package gateway

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/ai-gateway/internal/cache"
	"github.com/tributary-ai/ai-gateway/internal/providers"
	"github.com/tributary-ai/ai-gateway/internal/quota"
	"github.com/tributary-ai/ai-gateway/internal/routing"
	"github.com/tributary-ai/ai-gateway/internal/security"
	"github.com/tributary-ai/ai-gateway/internal/types"
	"github.com/tributary-ai/ai-gateway/internal/usage"
)

// Result is what one handled request produces: the provider response (or a
// cached copy of one) plus the decision that selected it.
type Result struct {
	Response *types.ProviderResponse  `json:"response"`
	Decision *routing.RoutingDecision `json:"decision,omitempty"`
	CacheHit bool                     `json:"cache_hit"`
}

// Gateway runs the request pipeline: authenticate, enforce quota, consult
// the cache, route, call the selected provider with fallback to the ranked
// alternatives, then record the outcome. It owns no transport concerns;
// the HTTP server layer sits on top.
type Gateway struct {
	guard    *quota.Guard
	cache    *cache.Layer
	engine   *routing.Engine
	clients  map[string]*providers.ResilientClient
	recorder *usage.Recorder
	audit    *security.AuditLogger
	logger   *logrus.Logger

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New assembles a gateway over its collaborators.
func New(guard *quota.Guard, cacheLayer *cache.Layer, engine *routing.Engine, clients map[string]*providers.ResilientClient, recorder *usage.Recorder, audit *security.AuditLogger, logger *logrus.Logger) *Gateway {
	if logger == nil {
		logger = logrus.New()
	}
	return &Gateway{
		guard:    guard,
		cache:    cacheLayer,
		engine:   engine,
		clients:  clients,
		recorder: recorder,
		audit:    audit,
		logger:   logger,
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Handle runs one non-streaming request through the full pipeline.
func (g *Gateway) Handle(ctx context.Context, cred types.TenantCredential, req *types.RoutingRequest) (*Result, error) {
	app, err := g.admit(ctx, cred, req, true)
	if err != nil {
		return nil, err
	}

	// Cache lookup happens before routing so a hit costs no decision work
	// and no provider call. The key folds in the optimization target since
	// different targets may legitimately produce different answers.
	key := cache.KeyFor(req, string(req.OptimizeFor))
	if cached, ok := g.cache.Get(ctx, key); ok {
		var resp types.ProviderResponse
		if err := json.Unmarshal([]byte(cached), &resp); err == nil {
			g.logger.WithFields(logrus.Fields{
				"request_id": req.ID,
				"tenant_id":  app.ID,
			}).Debug("Cache hit")
			g.audit.RecordDecisionFallback(app.ID, req.ID, "cache_hit", "served from response cache without routing")
			return &Result{Response: &resp, CacheHit: true}, nil
		}
		g.logger.WithField("key", key).Warn("Discarding undecodable cache entry")
	}

	decision, err := g.decide(app.ID, req)
	if err != nil {
		return nil, err
	}

	resp, err := g.callWithFallback(ctx, req, decision, app.ID)
	if err != nil {
		return nil, err
	}

	if payload, merr := json.Marshal(resp); merr == nil {
		ttl, category := g.cache.TTLFor(req)
		g.cache.Set(ctx, key, string(payload), ttl)
		g.logger.WithFields(logrus.Fields{
			"request_id": req.ID,
			"category":   category,
			"ttl":        ttl,
		}).Debug("Response cached")
	}

	g.recorder.Record(types.OutcomeObservation{
		RequestID: req.ID,
		TenantID:  app.ID,
		Provider:  resp.Provider,
		Model:     resp.Model,
		Cost:      g.actualCost(resp),
		Latency:   resp.Latency,
		Success:   true,
	})

	return &Result{Response: resp, Decision: decision}, nil
}

// HandleStream runs one streaming request. The response is not cached;
// outcome recording happens when the stream terminates.
func (g *Gateway) HandleStream(ctx context.Context, cred types.TenantCredential, req *types.RoutingRequest) (<-chan types.StreamEvent, *routing.RoutingDecision, error) {
	app, err := g.admit(ctx, cred, req, true)
	if err != nil {
		return nil, nil, err
	}
	if !app.Tier.AllowStreaming {
		err := types.NewValidationError("streaming is not available on the " + app.Tier.Name + " tier")
		g.audit.RecordDecisionFallback(app.ID, req.ID, "rejected_validation", err.Error())
		return nil, nil, err
	}

	decision, err := g.decide(app.ID, req)
	if err != nil {
		return nil, nil, err
	}

	client, ok := g.clients[decision.Provider]
	if !ok {
		return nil, nil, types.NewNoCandidateError("selected provider has no configured client")
	}

	start := time.Now()
	upstream, err := client.StreamCall(ctx, req, decision.Model)
	if err != nil {
		g.recordFailure(req.ID, app.ID, decision.Provider, decision.Model, err)
		return nil, nil, err
	}

	events := make(chan types.StreamEvent)
	go func() {
		defer close(events)
		failed := false
		record := func() {
			g.recorder.Record(types.OutcomeObservation{
				RequestID: req.ID,
				TenantID:  app.ID,
				Provider:  decision.Provider,
				Model:     decision.Model,
				Cost:      decision.EstimatedCost,
				Latency:   time.Since(start),
				Success:   !failed,
			})
		}
		for ev := range upstream {
			if ev.Err != nil {
				failed = true
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				// Consumer went away mid-stream; the resilient client stops
				// the upstream on the same signal. The outcome still gets
				// recorded.
				record()
				return
			}
		}
		record()
	}()
	return events, decision, nil
}

// Decide evaluates routing for a request without calling any provider.
// Useful for cost dry-runs; it does not consume quota.
func (g *Gateway) Decide(ctx context.Context, cred types.TenantCredential, req *types.RoutingRequest) (*routing.RoutingDecision, error) {
	app, err := g.admit(ctx, cred, req, false)
	if err != nil {
		return nil, err
	}
	return g.decide(app.ID, req)
}

// admit authenticates, validates and (optionally) consumes quota for a
// request, assigning its id and timestamp.
func (g *Gateway) admit(ctx context.Context, cred types.TenantCredential, req *types.RoutingRequest, consume bool) (*types.TenantApplication, error) {
	if req.ID == "" {
		req.ID = g.newRequestID()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	app, err := g.guard.Authenticate(ctx, cred)
	if err != nil {
		g.audit.RecordAuthFailure(cred.AppID, err.Error())
		g.audit.RecordDecisionFallback(cred.AppID, req.ID, "rejected_authentication", err.Error())
		return nil, err
	}

	if err := security.ValidateRequest(req); err != nil {
		g.audit.Record(security.ValidationFailure, "Request rejected by validation", security.AuditEvent{
			TenantID:  app.ID,
			RequestID: req.ID,
			Details:   map[string]interface{}{"reason": err.Error()},
		})
		g.audit.RecordDecisionFallback(app.ID, req.ID, "rejected_validation", err.Error())
		return nil, err
	}

	if consume {
		if _, err := g.guard.CheckAndConsume(ctx, app); err != nil {
			eventType := security.RateLimitExceeded
			if gerr, ok := types.AsGatewayError(err); ok && gerr.Kind == types.KindQuotaExceeded {
				eventType = security.QuotaExceeded
			}
			g.audit.Record(eventType, "Request rejected by quota guard", security.AuditEvent{
				TenantID:  app.ID,
				RequestID: req.ID,
			})
			g.audit.RecordDecisionFallback(app.ID, req.ID, "rejected_quota", err.Error())
			return nil, err
		}
	}
	return app, nil
}

// Capabilities lists each configured provider's model catalog.
func (g *Gateway) Capabilities() map[string][]types.ModelInfo {
	out := make(map[string][]types.ModelInfo, len(g.clients))
	for name, client := range g.clients {
		out[name] = client.Models()
	}
	return out
}

// decide runs the routing engine and writes the decision audit entry. The
// entry is written whether or not the subsequent provider call succeeds.
func (g *Gateway) decide(tenantID string, req *types.RoutingRequest) (*routing.RoutingDecision, error) {
	decision, err := g.engine.Decide(req)
	if err != nil {
		g.audit.RecordDecisionFallback(tenantID, req.ID, "no_candidate", err.Error())
		return nil, err
	}
	g.audit.RecordDecision(tenantID, decision)
	return decision, nil
}

// callWithFallback calls the selected provider and, when it fails with a
// retryable error, walks the decision's ranked alternatives in order. A
// non-retryable error stops the walk immediately.
func (g *Gateway) callWithFallback(ctx context.Context, req *types.RoutingRequest, decision *routing.RoutingDecision, tenantID string) (*types.ProviderResponse, error) {
	type attempt struct {
		provider string
		model    string
	}
	attempts := []attempt{{decision.Provider, decision.Model}}
	for _, alt := range decision.Alternatives {
		attempts = append(attempts, attempt{alt.Provider, alt.Model})
	}

	var lastErr error
	for i, at := range attempts {
		client, ok := g.clients[at.provider]
		if !ok {
			continue
		}

		resp, err := client.Call(ctx, req, at.model)
		if err == nil {
			if i > 0 {
				g.logger.WithFields(logrus.Fields{
					"request_id": req.ID,
					"provider":   at.provider,
					"attempt":    i + 1,
				}).Info("Request served by fallback provider")
			}
			return resp, nil
		}

		lastErr = err
		g.recordFailure(req.ID, tenantID, at.provider, at.model, err)

		if ctx.Err() != nil {
			return nil, err
		}
		if !types.IsRetryable(err) {
			return nil, err
		}
	}

	if lastErr == nil {
		lastErr = types.NewNoCandidateError("no configured client for any routed candidate")
	}
	return nil, lastErr
}

func (g *Gateway) recordFailure(requestID, tenantID, provider, model string, err error) {
	g.recorder.Record(types.OutcomeObservation{
		RequestID: requestID,
		TenantID:  tenantID,
		Provider:  provider,
		Model:     model,
	})
	g.audit.Record(security.ProviderCallFailed, "Provider call failed", security.AuditEvent{
		TenantID:  tenantID,
		RequestID: requestID,
		Provider:  provider,
		Model:     model,
		Details:   map[string]interface{}{"error": err.Error()},
	})
}

// actualCost prices a finished response against its model's cost table.
// Falls back to zero when the model is unknown.
func (g *Gateway) actualCost(resp *types.ProviderResponse) float64 {
	client, ok := g.clients[resp.Provider]
	if !ok {
		return 0
	}
	for _, m := range client.Models() {
		if m.Name == resp.Model {
			return float64(resp.Usage.PromptTokens)*m.InputCostPer1K/1000 +
				float64(resp.Usage.CompletionTokens)*m.OutputCostPer1K/1000
		}
	}
	return 0
}

func (g *Gateway) newRequestID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}
