package cache

import (
	"context"
)

// SimilarityIndex is an optional extension point for near-duplicate prompt
// matching. The exact and pattern-keyed tiers are the required baseline and
// work without it.
type SimilarityIndex interface {
	// Lookup returns the cache key of a sufficiently similar prior prompt.
	Lookup(ctx context.Context, prompt string) (string, bool)
	// Observe feeds a stored prompt into the index.
	Observe(ctx context.Context, prompt, key string)
}

// noopSimilarity always misses.
type noopSimilarity struct{}

func (noopSimilarity) Lookup(context.Context, string) (string, bool) { return "", false }
func (noopSimilarity) Observe(context.Context, string, string)       {}

// NewNoopSimilarity returns the default do-nothing similarity index.
func NewNoopSimilarity() SimilarityIndex {
	return noopSimilarity{}
}
