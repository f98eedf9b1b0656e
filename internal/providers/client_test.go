package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/ai-gateway/internal/health"
	"github.com/tributary-ai/ai-gateway/internal/types"
)

// fakeAdapter scripts provider behavior per call.
type fakeAdapter struct {
	name     string
	err      error
	kind     types.ErrorKind
	delay    time.Duration
	calls    int
	streamed []types.StreamEvent
}

func (f *fakeAdapter) Name() string                   { return f.name }
func (f *fakeAdapter) Models() []types.ModelInfo      { return []types.ModelInfo{{Name: "fake-model"}} }
func (f *fakeAdapter) AuthHeaders() map[string]string { return nil }

func (f *fakeAdapter) Complete(ctx context.Context, req *types.RoutingRequest, model string) (*types.ProviderResponse, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &types.ProviderResponse{Content: "ok", FinishReason: "stop"}, nil
}

func (f *fakeAdapter) Stream(ctx context.Context, req *types.RoutingRequest, model string) (<-chan types.StreamEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan types.StreamEvent, len(f.streamed))
	for _, ev := range f.streamed {
		out <- ev
	}
	close(out)
	return out, nil
}

func (f *fakeAdapter) ClassifyError(err error) *types.GatewayError {
	kind := f.kind
	if kind == "" {
		kind = types.KindServer
	}
	return types.NewProviderError(kind, f.name, err.Error(), err)
}

func testClient(t *testing.T, adapter *fakeAdapter, cfg ClientConfig) (*ResilientClient, *health.Registry) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	registry := health.NewRegistry(logger, prometheus.NewRegistry())
	return NewResilientClient(adapter, registry, cfg, logger), registry
}

func testReq() *types.RoutingRequest {
	return &types.RoutingRequest{
		ID:       "req-1",
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	}
}

func TestResilientClient_SuccessfulCall(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}
	client, registry := testClient(t, adapter, ClientConfig{})

	resp, err := client.Call(context.Background(), testReq(), "fake-model")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, "fake", resp.Provider)
	assert.Equal(t, "fake-model", resp.Model)
	assert.Greater(t, int64(resp.Latency), int64(0))
	assert.Equal(t, health.StateClosed, registry.State("fake"))
}

func TestResilientClient_FailuresOpenCircuitAndFailFast(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", err: errors.New("upstream down")}
	client, registry := testClient(t, adapter, ClientConfig{FailureThreshold: 3, Cooldown: time.Minute})

	for i := 0; i < 3; i++ {
		_, err := client.Call(context.Background(), testReq(), "fake-model")
		require.Error(t, err)
	}
	require.Equal(t, health.StateOpen, registry.State("fake"))

	callsBefore := adapter.calls
	_, err := client.Call(context.Background(), testReq(), "fake-model")
	require.Error(t, err)

	gerr, ok := types.AsGatewayError(err)
	require.True(t, ok)
	assert.Equal(t, types.KindCircuitOpen, gerr.Kind)
	assert.True(t, gerr.Retryable)
	assert.False(t, gerr.ResetTime.IsZero())
	// Fail-fast never reaches the adapter.
	assert.Equal(t, callsBefore, adapter.calls)
}

func TestResilientClient_ErrorClassificationPropagates(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", err: errors.New("bad key"), kind: types.KindAuthentication}
	client, _ := testClient(t, adapter, ClientConfig{})

	_, err := client.Call(context.Background(), testReq(), "fake-model")
	require.Error(t, err)

	gerr, ok := types.AsGatewayError(err)
	require.True(t, ok)
	assert.Equal(t, types.KindAuthentication, gerr.Kind)
	assert.Equal(t, "fake", gerr.Provider)
	assert.False(t, gerr.Retryable)
}

func TestResilientClient_AuthFailuresDoNotTripBreaker(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", err: errors.New("bad key"), kind: types.KindAuthentication}
	client, registry := testClient(t, adapter, ClientConfig{FailureThreshold: 2})

	for i := 0; i < 10; i++ {
		_, err := client.Call(context.Background(), testReq(), "fake-model")
		require.Error(t, err)
	}
	assert.Equal(t, health.StateClosed, registry.State("fake"))
}

func TestResilientClient_AuthErrorTrialReleasesCircuit(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", err: errors.New("upstream down")}
	client, registry := testClient(t, adapter, ClientConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond})

	_, err := client.Call(context.Background(), testReq(), "fake-model")
	require.Error(t, err)
	require.Equal(t, health.StateOpen, registry.State("fake"))

	// The trial call fails with an auth error, which never counts against
	// provider health. The circuit must return to OPEN, not stay HALF_OPEN.
	adapter.kind = types.KindAuthentication
	time.Sleep(20 * time.Millisecond)
	_, err = client.Call(context.Background(), testReq(), "fake-model")
	require.Error(t, err)
	assert.Equal(t, health.StateOpen, registry.State("fake"))

	// The provider recovers; the next trial succeeds and closes the circuit.
	adapter.err = nil
	adapter.kind = ""
	time.Sleep(20 * time.Millisecond)
	_, err = client.Call(context.Background(), testReq(), "fake-model")
	require.NoError(t, err)
	assert.Equal(t, health.StateClosed, registry.State("fake"))
}

func TestResilientClient_CancelledTrialDoesNotWedgeCircuit(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", err: errors.New("upstream down")}
	client, registry := testClient(t, adapter, ClientConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond})

	_, err := client.Call(context.Background(), testReq(), "fake-model")
	require.Error(t, err)
	require.Equal(t, health.StateOpen, registry.State("fake"))

	adapter.err = nil
	adapter.delay = time.Second
	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	_, err = client.Call(ctx, testReq(), "fake-model")
	cancel()
	require.Error(t, err)
	assert.Equal(t, health.StateOpen, registry.State("fake"))

	// A later caller can still win a trial.
	adapter.delay = 0
	time.Sleep(20 * time.Millisecond)
	_, err = client.Call(context.Background(), testReq(), "fake-model")
	require.NoError(t, err)
	assert.Equal(t, health.StateClosed, registry.State("fake"))
}

func TestResilientClient_CancellationNotCountedAsFailure(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", delay: time.Second}
	client, registry := testClient(t, adapter, ClientConfig{FailureThreshold: 2})

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		_, err := client.Call(ctx, testReq(), "fake-model")
		cancel()
		require.Error(t, err)
	}
	assert.Equal(t, health.StateClosed, registry.State("fake"))

	snap, ok := registry.Snapshot("fake")
	require.True(t, ok)
	assert.Equal(t, int64(0), snap.FailureCount)
}

func TestResilientClient_StreamForwardsEvents(t *testing.T) {
	adapter := &fakeAdapter{
		name: "fake",
		streamed: []types.StreamEvent{
			{Chunk: &types.StreamChunk{Content: "hel"}},
			{Chunk: &types.StreamChunk{Content: "lo"}},
			{Chunk: &types.StreamChunk{FinishReason: "stop"}, Done: true},
		},
	}
	client, registry := testClient(t, adapter, ClientConfig{})

	events, err := client.StreamCall(context.Background(), testReq(), "fake-model")
	require.NoError(t, err)

	var content string
	var done bool
	for ev := range events {
		require.NoError(t, ev.Err)
		if ev.Chunk != nil {
			content += ev.Chunk.Content
		}
		if ev.Done {
			done = true
		}
	}
	assert.Equal(t, "hello", content)
	assert.True(t, done)
	assert.Equal(t, health.StateClosed, registry.State("fake"))
}

func TestResilientClient_StreamSetupErrorHitsBreaker(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", err: errors.New("connect refused")}
	client, registry := testClient(t, adapter, ClientConfig{FailureThreshold: 1})

	_, err := client.StreamCall(context.Background(), testReq(), "fake-model")
	require.Error(t, err)
	assert.Equal(t, health.StateOpen, registry.State("fake"))
}
