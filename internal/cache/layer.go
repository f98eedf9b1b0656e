package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/ai-gateway/internal/types"
)

// Config tunes the two-tier cache.
type Config struct {
	RedisURL      string        `yaml:"redis_url"`
	RedisTimeout  time.Duration `yaml:"redis_timeout"`
	LocalCapacity int           `yaml:"local_capacity"`
	DefaultTTL    time.Duration `yaml:"default_ttl"`
}

func (c *Config) setDefaults() {
	if c.RedisTimeout == 0 {
		c.RedisTimeout = 250 * time.Millisecond
	}
	if c.LocalCapacity == 0 {
		c.LocalCapacity = 1000
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = 15 * time.Minute
	}
}

// Layer is the two-tier response cache: a distributed Redis store fronted
// for resilience by a bounded in-process fallback. Store outages are
// absorbed silently; availability is rechecked optimistically on every call
// rather than latched off after one failure.
type Layer struct {
	redis    redis.Cmdable
	timeout  time.Duration
	local    *localStore
	patterns *patternCache
	logger   *logrus.Logger
}

// New builds the cache layer. A missing redis_url yields a local-only cache.
func New(cfg Config, logger *logrus.Logger) *Layer {
	cfg.setDefaults()

	var client redis.Cmdable
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("Invalid redis URL, running cache in local-only mode")
		} else {
			client = redis.NewClient(opts)
		}
	}

	return &Layer{
		redis:    client,
		timeout:  cfg.RedisTimeout,
		local:    newLocalStore(cfg.LocalCapacity),
		patterns: newPatternCache(DefaultPatternRules(), cfg.DefaultTTL),
		logger:   logger,
	}
}

// NewWithClient builds a cache layer around an existing Redis-compatible
// client. Used by tests to inject an unreachable or fake store.
func NewWithClient(client redis.Cmdable, cfg Config, logger *logrus.Logger) *Layer {
	cfg.setDefaults()
	return &Layer{
		redis:    client,
		timeout:  cfg.RedisTimeout,
		local:    newLocalStore(cfg.LocalCapacity),
		patterns: newPatternCache(DefaultPatternRules(), cfg.DefaultTTL),
		logger:   logger,
	}
}

// Get looks the key up in the distributed store first and degrades to the
// local fallback on any store failure. A miss in both tiers returns false;
// store unavailability is never surfaced as an error.
func (l *Layer) Get(ctx context.Context, key string) (string, bool) {
	if l.redis != nil {
		redisCtx, cancel := context.WithTimeout(ctx, l.timeout)
		value, err := l.redis.Get(redisCtx, key).Result()
		cancel()
		switch {
		case err == nil:
			return value, true
		case err == redis.Nil:
			// genuine miss in the distributed tier; fall through to local in
			// case a degraded-mode write only reached the fallback
		default:
			l.logger.WithError(err).Debug("Distributed cache unavailable, using local fallback")
		}
	}
	return l.local.get(key)
}

// Set writes to the distributed store when reachable and always mirrors
// into the local fallback so a store outage does not erase in-flight
// writes. TTLs must be positive; non-positive TTLs are dropped.
func (l *Layer) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	if l.redis != nil {
		redisCtx, cancel := context.WithTimeout(ctx, l.timeout)
		if err := l.redis.Set(redisCtx, key, value, ttl).Err(); err != nil {
			l.logger.WithError(err).Debug("Distributed cache write failed, local fallback only")
		}
		cancel()
	}
	l.local.set(key, value, ttl, "")
}

// TTLFor classifies the request against the pattern rules and returns the
// category-specific TTL.
func (l *Layer) TTLFor(req *types.RoutingRequest) (time.Duration, string) {
	return l.patterns.ttlFor(req)
}

// LocalSize reports the number of entries in the fallback store.
func (l *Layer) LocalSize() int {
	return l.local.len()
}
