package routing

import (
	"sync"
	"time"
)

// ewmaAlpha is the weight given to a new observation when updating a rolling
// average.
const ewmaAlpha = 0.2

// bucketKey identifies one (provider, model) pair.
type bucketKey struct {
	provider string
	model    string
}

// bucket holds the rolling historical aggregate for one candidate pair.
type bucket struct {
	provider    string
	model       string
	avgCost     float64
	avgLatency  time.Duration
	quality     float64
	successRate float64
	samples     int
}

// AggregateStore keeps the per-candidate rolling aggregates that back
// routing predictions and records outcome feedback. Seed values come from
// configured model tables so cold-start decisions have something to work
// with; observations sharpen them over time.
type AggregateStore struct {
	mu      sync.RWMutex
	buckets map[bucketKey]*bucket
	seen    map[string]struct{}
}

// NewAggregateStore creates an empty aggregate store.
func NewAggregateStore() *AggregateStore {
	return &AggregateStore{
		buckets: make(map[bucketKey]*bucket),
		seen:    make(map[string]struct{}),
	}
}

// Seed installs the baseline aggregate for a candidate pair. Safe to call
// repeatedly; an existing bucket is left untouched so learned data survives
// reconfiguration.
func (s *AggregateStore) Seed(provider, model string, cost float64, latency time.Duration, quality float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bucketKey{provider, model}
	if _, exists := s.buckets[key]; exists {
		return
	}
	s.buckets[key] = &bucket{
		provider:    provider,
		model:       model,
		avgCost:     cost,
		avgLatency:  latency,
		quality:     quality,
		successRate: 1.0,
	}
}

// Estimate is the decision-time view of one candidate's aggregate.
type Estimate struct {
	Provider    string
	Model       string
	Cost        float64
	Latency     time.Duration
	Quality     float64
	SuccessRate float64
	Samples     int
}

// Estimate returns the current aggregate for a candidate pair.
func (s *AggregateStore) Estimate(provider, model string) (Estimate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.buckets[bucketKey{provider, model}]
	if !ok {
		return Estimate{}, false
	}
	return Estimate{
		Provider:    b.provider,
		Model:       b.model,
		Cost:        b.avgCost,
		Latency:     b.avgLatency,
		Quality:     b.quality,
		SuccessRate: b.successRate,
		Samples:     b.samples,
	}, true
}

// Candidates returns the estimates for every known (provider, model) pair.
func (s *AggregateStore) Candidates() []Estimate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Estimate, 0, len(s.buckets))
	for _, b := range s.buckets {
		out = append(out, Estimate{
			Provider:    b.provider,
			Model:       b.model,
			Cost:        b.avgCost,
			Latency:     b.avgLatency,
			Quality:     b.quality,
			SuccessRate: b.successRate,
			Samples:     b.samples,
		})
	}
	return out
}

// RecordOutcome folds an actual observation into the candidate's rolling
// aggregate. Idempotent per (request, provider, model): a redelivered
// observation is a no-op, while a fallback attempt on another provider
// under the same request id still counts. Returns true when the
// observation was applied.
func (s *AggregateStore) RecordOutcome(requestID, provider, model string, cost float64, latency time.Duration, success bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	dedupe := requestID + "|" + provider + "|" + model
	if _, dup := s.seen[dedupe]; dup {
		return false
	}
	// Bound the dedupe set; duplicates arrive close together in practice.
	if len(s.seen) > 100_000 {
		s.seen = make(map[string]struct{})
	}
	s.seen[dedupe] = struct{}{}

	key := bucketKey{provider, model}
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{provider: provider, model: model, successRate: 1.0}
		s.buckets[key] = b
	}

	if success {
		b.avgCost = ewma(b.avgCost, cost, b.samples)
		b.avgLatency = time.Duration(ewma(float64(b.avgLatency), float64(latency), b.samples))
		b.successRate = ewma(b.successRate, 1.0, b.samples)
	} else {
		b.successRate = ewma(b.successRate, 0.0, b.samples)
		// a failure also drags the success-weighted quality estimate down
		b.quality = ewma(b.quality, b.quality*0.5, b.samples)
	}
	b.samples++
	return true
}

// ewma blends a new observation into a rolling average. Until a few samples
// accumulate the new value is weighted more heavily so seeds wash out fast.
func ewma(current, observed float64, samples int) float64 {
	alpha := ewmaAlpha
	if samples < 5 {
		alpha = 0.5
	}
	return current*(1-alpha) + observed*alpha
}
