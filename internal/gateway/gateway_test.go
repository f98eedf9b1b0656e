package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/ai-gateway/internal/cache"
	"github.com/tributary-ai/ai-gateway/internal/health"
	"github.com/tributary-ai/ai-gateway/internal/providers"
	"github.com/tributary-ai/ai-gateway/internal/quota"
	"github.com/tributary-ai/ai-gateway/internal/routing"
	"github.com/tributary-ai/ai-gateway/internal/security"
	"github.com/tributary-ai/ai-gateway/internal/types"
	"github.com/tributary-ai/ai-gateway/internal/usage"
)

type scriptedAdapter struct {
	name         string
	models       []types.ModelInfo
	fail         bool
	kind         types.ErrorKind
	calls        int
	streamChunks int
}

func (a *scriptedAdapter) Name() string                   { return a.name }
func (a *scriptedAdapter) Models() []types.ModelInfo      { return a.models }
func (a *scriptedAdapter) AuthHeaders() map[string]string { return nil }

func (a *scriptedAdapter) Complete(ctx context.Context, req *types.RoutingRequest, model string) (*types.ProviderResponse, error) {
	a.calls++
	if a.fail {
		return nil, errors.New("scripted failure")
	}
	return &types.ProviderResponse{
		Content:      "answer from " + a.name,
		Usage:        types.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		FinishReason: "stop",
	}, nil
}

func (a *scriptedAdapter) Stream(ctx context.Context, req *types.RoutingRequest, model string) (<-chan types.StreamEvent, error) {
	if a.fail {
		return nil, errors.New("scripted failure")
	}
	if a.streamChunks > 0 {
		out := make(chan types.StreamEvent)
		go func() {
			defer close(out)
			for i := 0; i < a.streamChunks; i++ {
				select {
				case out <- types.StreamEvent{Chunk: &types.StreamChunk{Content: "chunk"}}:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- types.StreamEvent{Chunk: &types.StreamChunk{FinishReason: "stop"}, Done: true}:
			case <-ctx.Done():
			}
		}()
		return out, nil
	}
	out := make(chan types.StreamEvent, 2)
	out <- types.StreamEvent{Chunk: &types.StreamChunk{Content: "chunk"}}
	out <- types.StreamEvent{Chunk: &types.StreamChunk{FinishReason: "stop"}, Done: true}
	close(out)
	return out, nil
}

func (a *scriptedAdapter) ClassifyError(err error) *types.GatewayError {
	kind := a.kind
	if kind == "" {
		kind = types.KindServer
	}
	return types.NewProviderError(kind, a.name, err.Error(), err)
}

type fixture struct {
	gateway  *Gateway
	store    *quota.MemoryStore
	recorder *usage.Recorder
	audit    *security.AuditLogger
	cheap    *scriptedAdapter
	premium  *scriptedAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	cheap := &scriptedAdapter{
		name: "cheap",
		models: []types.ModelInfo{{
			Name: "cheap-model", InputCostPer1K: 0.0001, OutputCostPer1K: 0.0004,
			MaxContextWindow: 100000, QualityScore: 0.7, BaselineLatency: 400 * time.Millisecond,
		}},
	}
	premium := &scriptedAdapter{
		name: "premium",
		models: []types.ModelInfo{{
			Name: "premium-model", InputCostPer1K: 0.005, OutputCostPer1K: 0.02,
			MaxContextWindow: 200000, QualityScore: 0.95, BaselineLatency: 1200 * time.Millisecond,
		}},
	}

	registry := health.NewRegistry(logger, prometheus.NewRegistry())
	clients := map[string]*providers.ResilientClient{
		"cheap":   providers.NewResilientClient(cheap, registry, providers.ClientConfig{}, logger),
		"premium": providers.NewResilientClient(premium, registry, providers.ClientConfig{}, logger),
	}
	catalog := map[string][]types.ModelInfo{
		"cheap":   cheap.models,
		"premium": premium.models,
	}

	store := quota.NewMemoryStore()
	tokens := quota.NewTokenIssuer([]byte("test-secret"), time.Hour)
	guard := quota.NewGuard(store, tokens, logger)

	aggregates := routing.NewAggregateStore()
	engine := routing.NewEngine(catalog, aggregates, registry, logger)
	cacheLayer := cache.New(cache.Config{}, logger)
	recorder := usage.NewRecorder(store, aggregates, usage.NoopSink{}, 16, logger)
	t.Cleanup(recorder.Close)
	audit := security.NewAuditLogger(security.AuditConfig{Enabled: true, BufferSize: 100}, logger)
	t.Cleanup(audit.Stop)

	return &fixture{
		gateway:  New(guard, cacheLayer, engine, clients, recorder, audit, logger),
		store:    store,
		recorder: recorder,
		audit:    audit,
		cheap:    cheap,
		premium:  premium,
	}
}

func (f *fixture) seedTenant(t *testing.T, tier types.Tier) types.TenantCredential {
	t.Helper()
	app := &types.TenantApplication{
		ID:         "tenant-1",
		Name:       "Test App",
		Tier:       tier,
		SecretHash: quota.HashSecret("s3cret"),
		Status:     types.TenantActive,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, f.store.CreateTenant(context.Background(), app))
	return types.TenantCredential{AppID: "tenant-1", Secret: "s3cret"}
}

func chatRequest() *types.RoutingRequest {
	return &types.RoutingRequest{
		Messages:    []types.Message{{Role: "user", Content: "Explain goroutines"}},
		OptimizeFor: types.OptimizeCost,
	}
}

func TestGateway_HandleSuccess(t *testing.T) {
	f := newFixture(t)
	cred := f.seedTenant(t, types.TierPro)

	result, err := f.gateway.Handle(context.Background(), cred, chatRequest())
	require.NoError(t, err)
	require.NotNil(t, result.Response)
	require.NotNil(t, result.Decision)
	assert.False(t, result.CacheHit)
	assert.Equal(t, "cheap", result.Decision.Provider)
	assert.Equal(t, "answer from cheap", result.Response.Content)
	assert.NotEmpty(t, result.Decision.RequestID)
}

func TestGateway_SecondIdenticalRequestHitsCache(t *testing.T) {
	f := newFixture(t)
	cred := f.seedTenant(t, types.TierPro)
	ctx := context.Background()

	first, err := f.gateway.Handle(ctx, cred, chatRequest())
	require.NoError(t, err)
	require.False(t, first.CacheHit)

	second, err := f.gateway.Handle(ctx, cred, chatRequest())
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Response.Content, second.Response.Content)
	assert.Equal(t, 1, f.cheap.calls)
}

func TestGateway_RejectsBadCredentials(t *testing.T) {
	f := newFixture(t)
	f.seedTenant(t, types.TierPro)

	_, err := f.gateway.Handle(context.Background(),
		types.TenantCredential{AppID: "tenant-1", Secret: "wrong"}, chatRequest())
	require.Error(t, err)
	gerr, ok := types.AsGatewayError(err)
	require.True(t, ok)
	assert.Equal(t, types.KindAuthentication, gerr.Kind)
}

func TestGateway_RejectsInvalidRequest(t *testing.T) {
	f := newFixture(t)
	cred := f.seedTenant(t, types.TierPro)

	req := chatRequest()
	req.Messages = nil

	_, err := f.gateway.Handle(context.Background(), cred, req)
	require.Error(t, err)
	gerr, ok := types.AsGatewayError(err)
	require.True(t, ok)
	assert.Equal(t, types.KindValidation, gerr.Kind)
}

func TestGateway_FallsBackToAlternative(t *testing.T) {
	f := newFixture(t)
	cred := f.seedTenant(t, types.TierPro)

	// Cost routing prefers cheap; a retryable failure there should land the
	// request on the premium alternative.
	f.cheap.fail = true

	result, err := f.gateway.Handle(context.Background(), cred, chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "answer from premium", result.Response.Content)
	assert.Equal(t, 1, f.cheap.calls)
	assert.Equal(t, 1, f.premium.calls)
}

func TestGateway_NonRetryableErrorStopsFallback(t *testing.T) {
	f := newFixture(t)
	cred := f.seedTenant(t, types.TierPro)

	f.cheap.fail = true
	f.cheap.kind = types.KindInvalidRequest

	_, err := f.gateway.Handle(context.Background(), cred, chatRequest())
	require.Error(t, err)
	gerr, ok := types.AsGatewayError(err)
	require.True(t, ok)
	assert.Equal(t, types.KindInvalidRequest, gerr.Kind)
	assert.Equal(t, 0, f.premium.calls)
}

func TestGateway_RateLimitPropagates(t *testing.T) {
	f := newFixture(t)
	tier := types.Tier{Name: "tiny", RequestsPerMinute: 2, RequestsPerMonth: -1, AllowStreaming: true}
	cred := f.seedTenant(t, tier)
	ctx := context.Background()

	// Distinct prompts so the cache cannot absorb them.
	for i := 0; i < 2; i++ {
		req := chatRequest()
		req.Messages[0].Content = req.Messages[0].Content + string(rune('a'+i))
		_, err := f.gateway.Handle(ctx, cred, req)
		require.NoError(t, err)
	}

	req := chatRequest()
	req.Messages[0].Content = "something entirely different"
	_, err := f.gateway.Handle(ctx, cred, req)
	require.Error(t, err)
	gerr, ok := types.AsGatewayError(err)
	require.True(t, ok)
	assert.Equal(t, types.KindRateLimit, gerr.Kind)
}

func TestGateway_DecideDoesNotConsumeQuota(t *testing.T) {
	f := newFixture(t)
	tier := types.Tier{Name: "tiny", RequestsPerMinute: 1, RequestsPerMonth: -1}
	cred := f.seedTenant(t, tier)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		decision, err := f.gateway.Decide(ctx, cred, chatRequest())
		require.NoError(t, err)
		assert.Equal(t, "cheap", decision.Provider)
	}

	// The single quota slot is still free for a real request.
	_, err := f.gateway.Handle(ctx, cred, chatRequest())
	require.NoError(t, err)
}

func TestGateway_StreamingRequiresTierSupport(t *testing.T) {
	f := newFixture(t)
	cred := f.seedTenant(t, types.TierFree) // streaming disabled

	req := chatRequest()
	req.Stream = true

	_, _, err := f.gateway.HandleStream(context.Background(), cred, req)
	require.Error(t, err)
	gerr, ok := types.AsGatewayError(err)
	require.True(t, ok)
	assert.Equal(t, types.KindValidation, gerr.Kind)
}

func TestGateway_StreamDeliversChunks(t *testing.T) {
	f := newFixture(t)
	cred := f.seedTenant(t, types.TierPro)

	req := chatRequest()
	req.Stream = true

	events, decision, err := f.gateway.HandleStream(context.Background(), cred, req)
	require.NoError(t, err)
	require.NotNil(t, decision)

	var chunks int
	var done bool
	for ev := range events {
		require.NoError(t, ev.Err)
		if ev.Chunk != nil {
			chunks++
		}
		if ev.Done {
			done = true
		}
	}
	assert.Equal(t, 2, chunks)
	assert.True(t, done)
}

func TestGateway_CacheHitStillAudited(t *testing.T) {
	f := newFixture(t)
	cred := f.seedTenant(t, types.TierPro)
	ctx := context.Background()

	first, err := f.gateway.Handle(ctx, cred, chatRequest())
	require.NoError(t, err)
	require.False(t, first.CacheHit)
	before := f.audit.EventCount()

	second, err := f.gateway.Handle(ctx, cred, chatRequest())
	require.NoError(t, err)
	require.True(t, second.CacheHit)
	assert.Greater(t, f.audit.EventCount(), before,
		"a cache hit must still leave a decision entry in the trail")
}

func TestGateway_RejectedPathsAudited(t *testing.T) {
	f := newFixture(t)
	cred := f.seedTenant(t, types.TierPro)
	ctx := context.Background()

	before := f.audit.EventCount()
	_, err := f.gateway.Handle(ctx,
		types.TenantCredential{AppID: "tenant-1", Secret: "wrong"}, chatRequest())
	require.Error(t, err)
	assert.Greater(t, f.audit.EventCount(), before)

	before = f.audit.EventCount()
	invalid := chatRequest()
	invalid.Messages = nil
	_, err = f.gateway.Handle(ctx, cred, invalid)
	require.Error(t, err)
	assert.Greater(t, f.audit.EventCount(), before)

	before = f.audit.EventCount()
	noCandidate := chatRequest()
	noCandidate.Constraints.ExcludeProviders = []string{"cheap", "premium"}
	_, err = f.gateway.Handle(ctx, cred, noCandidate)
	require.Error(t, err)
	assert.Greater(t, f.audit.EventCount(), before)
}

func TestGateway_StreamConsumerCancelRecordsOutcome(t *testing.T) {
	f := newFixture(t)
	cred := f.seedTenant(t, types.TierPro)

	// Enough chunks that the forwarding goroutine is mid-stream when the
	// consumer walks away.
	f.cheap.streamChunks = 64

	req := chatRequest()
	req.Stream = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, decision, err := f.gateway.HandleStream(ctx, cred, req)
	require.NoError(t, err)
	require.NotNil(t, decision)

	// Consume one event, then abandon the stream without draining.
	<-events
	cancel()
	for range events {
	}

	f.recorder.Close()
	rec, err := f.store.GetUsage(context.Background(), "tenant-1", types.BillingPeriod(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.SuccessCount+rec.FailureCount,
		"abandoned stream must still produce exactly one outcome")
}
