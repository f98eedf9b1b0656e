package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/tributary-ai/ai-gateway/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func reqWithPrompt(prompt string) *types.RoutingRequest {
	return &types.RoutingRequest{
		Messages: []types.Message{{Role: "user", Content: prompt}},
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "hello world", Normalize("  Hello,   World!  "))
	assert.Equal(t, "whats the time", Normalize("What's the time?"))
	assert.Equal(t, Normalize("Fix  this\tbug"), Normalize("fix this bug"))
}

func TestKeyFor_NormalizedPromptsCollide(t *testing.T) {
	a := reqWithPrompt("  Explain   Goroutines!  ")
	b := reqWithPrompt("explain goroutines")

	assert.Equal(t, KeyFor(a, "gpt-4o"), KeyFor(b, "gpt-4o"))
}

func TestKeyFor_ParametersSeparateKeys(t *testing.T) {
	base := reqWithPrompt("explain goroutines")

	withTemp := reqWithPrompt("explain goroutines")
	temp := float32(0.9)
	withTemp.Temperature = &temp

	withTokens := reqWithPrompt("explain goroutines")
	tokens := 512
	withTokens.MaxTokens = &tokens

	baseKey := KeyFor(base, "gpt-4o")
	assert.NotEqual(t, baseKey, KeyFor(base, "gpt-4o-mini"))
	assert.NotEqual(t, baseKey, KeyFor(withTemp, "gpt-4o"))
	assert.NotEqual(t, baseKey, KeyFor(withTokens, "gpt-4o"))
}

func TestPatternRules_FirstMatchWins(t *testing.T) {
	p := newPatternCache(DefaultPatternRules(), 15*time.Minute)

	// Mentions both review and debugging; the review rule comes first.
	ttl, category := p.ttlFor(reqWithPrompt("Please do a code review, I hit an exception"))
	assert.Equal(t, "code-review", category)
	assert.Equal(t, 30*time.Minute, ttl)
}

func TestPatternRules_Categories(t *testing.T) {
	p := newPatternCache(DefaultPatternRules(), 15*time.Minute)

	cases := []struct {
		prompt   string
		category string
		ttl      time.Duration
	}{
		{"Write docstring comments for this module", "documentation", 24 * time.Hour},
		{"Help me debug this stack trace", "debugging", 5 * time.Minute},
		{"How do I optimize this loop for performance", "optimization", time.Hour},
		{"Write tests for the parser", "testing", 2 * time.Hour},
		{"Improve this SQL query with a join", "sql-help", 6 * time.Hour},
		{"Generate an OpenAPI description", "api-docs", 12 * time.Hour},
		{"Tell me a joke", "default", 15 * time.Minute},
	}
	for _, tc := range cases {
		ttl, category := p.ttlFor(reqWithPrompt(tc.prompt))
		assert.Equal(t, tc.category, category, "prompt: %s", tc.prompt)
		assert.Equal(t, tc.ttl, ttl, "prompt: %s", tc.prompt)
	}
}

func TestLayer_LocalOnlyRoundtrip(t *testing.T) {
	layer := New(Config{}, testLogger())
	ctx := context.Background()

	_, ok := layer.Get(ctx, "gw:missing")
	assert.False(t, ok)

	layer.Set(ctx, "gw:abc", `{"content":"hi"}`, time.Minute)
	value, ok := layer.Get(ctx, "gw:abc")
	assert.True(t, ok)
	assert.Equal(t, `{"content":"hi"}`, value)
}

func TestLayer_Expiry(t *testing.T) {
	layer := New(Config{}, testLogger())
	ctx := context.Background()

	layer.Set(ctx, "gw:short", "v", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	_, ok := layer.Get(ctx, "gw:short")
	assert.False(t, ok)
}

func TestLayer_ZeroTTLNotStored(t *testing.T) {
	layer := New(Config{}, testLogger())
	ctx := context.Background()

	layer.Set(ctx, "gw:none", "v", 0)
	_, ok := layer.Get(ctx, "gw:none")
	assert.False(t, ok)
}

func TestLocalStore_EvictsOldestOverCapacity(t *testing.T) {
	store := newLocalStore(3)

	for i := 0; i < 5; i++ {
		store.set(fmt.Sprintf("k%d", i), "v", time.Minute, "default")
	}

	assert.Equal(t, 3, store.len())
	_, ok := store.get("k0")
	assert.False(t, ok)
	_, ok = store.get("k1")
	assert.False(t, ok)
	_, ok = store.get("k4")
	assert.True(t, ok)
}

func TestLayer_UnreachableRedisDegradesToLocal(t *testing.T) {
	// Nothing listens on port 1; every Redis call fails fast.
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  50 * time.Millisecond,
		ReadTimeout:  50 * time.Millisecond,
		WriteTimeout: 50 * time.Millisecond,
	})
	layer := NewWithClient(client, Config{RedisTimeout: 50 * time.Millisecond}, testLogger())
	ctx := context.Background()

	layer.Set(ctx, "gw:degraded", `{"content":"hi"}`, time.Minute)
	value, ok := layer.Get(ctx, "gw:degraded")
	assert.True(t, ok, "local fallback must absorb the store outage")
	assert.Equal(t, `{"content":"hi"}`, value)

	_, ok = layer.Get(ctx, "gw:never-set")
	assert.False(t, ok)
}

func TestLayer_TTLForUsesPatterns(t *testing.T) {
	layer := New(Config{DefaultTTL: time.Minute}, testLogger())

	ttl, category := layer.TTLFor(reqWithPrompt("debug this exception for me"))
	assert.Equal(t, "debugging", category)
	assert.Equal(t, 5*time.Minute, ttl)

	ttl, category = layer.TTLFor(reqWithPrompt("what color is the sky"))
	assert.Equal(t, "default", category)
	assert.Equal(t, time.Minute, ttl)
}
