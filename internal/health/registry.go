package health

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// CircuitState is the breaker phase for a provider.
type CircuitState int64

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

const defaultSampleWindow = 100

// HealthSnapshot is a point-in-time view of one provider's health, used by
// the routing engine's latency/quality estimates and by observability
// endpoints.
type HealthSnapshot struct {
	Provider     string        `json:"provider"`
	State        string        `json:"circuit_state"`
	FailureCount int64         `json:"failure_count"`
	LastFailure  time.Time     `json:"last_failure,omitempty"`
	AvgLatency   time.Duration `json:"avg_latency"`
	SuccessRate  float64       `json:"success_rate"`
	SampleCount  int           `json:"sample_count"`
}

// Registry holds per-provider circuit breaker state and rolling call metrics.
// It is the single process-wide holder of provider health; it performs no
// I/O and is safe for concurrent use. State is not persisted across
// restarts: a cold start begins CLOSED.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*providerHealth
	logger    *logrus.Logger

	circuitState *prometheus.GaugeVec
	callsTotal   *prometheus.CounterVec
	latencyHist  *prometheus.HistogramVec
}

type providerHealth struct {
	state       int64 // CircuitState, atomic
	failures    int64 // consecutive failures, atomic
	lastFailure int64 // unix nanos, atomic

	threshold int64
	cooldown  time.Duration

	samplesMu sync.Mutex
	samples   []callSample
	next      int
	filled    bool
}

type callSample struct {
	latency time.Duration
	success bool
}

// NewRegistry creates an empty health registry. Metrics are registered on
// reg so tests can pass an isolated prometheus registry.
func NewRegistry(logger *logrus.Logger, reg prometheus.Registerer) *Registry {
	r := &Registry{
		providers: make(map[string]*providerHealth),
		logger:    logger,
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_provider_circuit_state",
			Help: "Circuit breaker state per provider (0=closed, 1=open, 2=half-open)",
		}, []string{"provider"}),
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_provider_calls_total",
			Help: "Provider call outcomes",
		}, []string{"provider", "outcome"}),
		latencyHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_provider_latency_seconds",
			Help:    "Latency of successful provider calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"provider"}),
	}
	if reg != nil {
		reg.MustRegister(r.circuitState, r.callsTotal, r.latencyHist)
	}
	return r
}

// Register adds a provider with its breaker tuning. threshold <= 0 and
// cooldown <= 0 fall back to the defaults (5 failures, 60s).
func (r *Registry) Register(provider string, threshold int, cooldown time.Duration) {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[provider]; exists {
		return
	}
	r.providers[provider] = &providerHealth{
		threshold: int64(threshold),
		cooldown:  cooldown,
		samples:   make([]callSample, defaultSampleWindow),
	}
	r.circuitState.WithLabelValues(provider).Set(float64(StateClosed))
	r.logger.WithFields(logrus.Fields{
		"provider":          provider,
		"failure_threshold": threshold,
		"cooldown":          cooldown,
	}).Info("Provider registered in health registry")
}

func (r *Registry) get(provider string) *providerHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[provider]
}

// Allow reports whether a call to the provider may proceed. While OPEN the
// call is denied until the cooldown elapses; the first caller after that
// wins a CAS into HALF_OPEN and is granted exactly one trial call. Further
// callers are denied until the trial resolves.
func (r *Registry) Allow(provider string) bool {
	ph := r.get(provider)
	if ph == nil {
		return false
	}

	switch CircuitState(atomic.LoadInt64(&ph.state)) {
	case StateClosed:
		return true
	case StateOpen:
		last := atomic.LoadInt64(&ph.lastFailure)
		if time.Now().UnixNano()-last >= int64(ph.cooldown) {
			if atomic.CompareAndSwapInt64(&ph.state, int64(StateOpen), int64(StateHalfOpen)) {
				r.circuitState.WithLabelValues(provider).Set(float64(StateHalfOpen))
				r.logger.WithField("provider", provider).Info("Circuit half-open, permitting trial call")
				return true
			}
		}
		return false
	case StateHalfOpen:
		// Trial call already in flight.
		return false
	default:
		return false
	}
}

// Available reports whether the provider is a viable routing candidate. It
// never consumes the HALF_OPEN trial: an OPEN circuit whose cooldown has
// elapsed counts as available because the next call may be the trial.
// Unknown providers are considered available so decisions can be evaluated
// against a catalog before any client is wired up.
func (r *Registry) Available(provider string) bool {
	ph := r.get(provider)
	if ph == nil {
		return true
	}
	if CircuitState(atomic.LoadInt64(&ph.state)) != StateOpen {
		return true
	}
	last := atomic.LoadInt64(&ph.lastFailure)
	return time.Now().UnixNano()-last >= int64(ph.cooldown)
}

// RetryAfter returns when the provider's cooldown elapses. Zero time when the
// circuit is not open.
func (r *Registry) RetryAfter(provider string) time.Time {
	ph := r.get(provider)
	if ph == nil {
		return time.Time{}
	}
	if CircuitState(atomic.LoadInt64(&ph.state)) != StateOpen {
		return time.Time{}
	}
	last := atomic.LoadInt64(&ph.lastFailure)
	return time.Unix(0, last).Add(ph.cooldown)
}

// RecordSuccess records a successful call. A HALF_OPEN trial success closes
// the circuit and resets the failure counter.
func (r *Registry) RecordSuccess(provider string, latency time.Duration) {
	ph := r.get(provider)
	if ph == nil {
		return
	}

	switch CircuitState(atomic.LoadInt64(&ph.state)) {
	case StateHalfOpen:
		atomic.StoreInt64(&ph.state, int64(StateClosed))
		atomic.StoreInt64(&ph.failures, 0)
		r.circuitState.WithLabelValues(provider).Set(float64(StateClosed))
		r.logger.WithField("provider", provider).Info("Circuit closed after successful trial call")
	case StateClosed:
		atomic.StoreInt64(&ph.failures, 0)
	}

	ph.addSample(callSample{latency: latency, success: true})
	r.callsTotal.WithLabelValues(provider, "success").Inc()
	r.latencyHist.WithLabelValues(provider).Observe(latency.Seconds())
}

// RecordFailure records a failed call. Reaching the failure threshold in
// CLOSED opens the circuit; any HALF_OPEN failure reopens it and restarts
// the cooldown clock.
func (r *Registry) RecordFailure(provider string) {
	ph := r.get(provider)
	if ph == nil {
		return
	}
	atomic.StoreInt64(&ph.lastFailure, time.Now().UnixNano())

	switch CircuitState(atomic.LoadInt64(&ph.state)) {
	case StateClosed:
		if atomic.AddInt64(&ph.failures, 1) >= ph.threshold {
			atomic.StoreInt64(&ph.state, int64(StateOpen))
			r.circuitState.WithLabelValues(provider).Set(float64(StateOpen))
			r.logger.WithFields(logrus.Fields{
				"provider": provider,
				"failures": atomic.LoadInt64(&ph.failures),
			}).Warn("Circuit opened")
		}
	case StateHalfOpen:
		atomic.AddInt64(&ph.failures, 1)
		atomic.StoreInt64(&ph.state, int64(StateOpen))
		r.circuitState.WithLabelValues(provider).Set(float64(StateOpen))
		r.logger.WithField("provider", provider).Warn("Circuit reopened after failed trial call")
	}

	ph.addSample(callSample{success: false})
	r.callsTotal.WithLabelValues(provider, "failure").Inc()
}

// RecordCancellation records a caller-cancelled call. Cancellations must not
// trip the breaker, but a cancelled HALF_OPEN trial must not leave the
// circuit wedged either, so an in-flight trial is released back to OPEN.
func (r *Registry) RecordCancellation(provider string) {
	if r.get(provider) == nil {
		return
	}
	r.ReleaseTrial(provider)
	r.callsTotal.WithLabelValues(provider, "cancelled").Inc()
}

// ReleaseTrial resolves an abandoned HALF_OPEN trial by returning the circuit
// to OPEN and restarting the cooldown, so a later call can be granted the
// next trial. Used when a trial call ends in an outcome that is neither a
// provider success nor a provider failure, such as a caller cancellation or
// an authentication error.
func (r *Registry) ReleaseTrial(provider string) {
	ph := r.get(provider)
	if ph == nil {
		return
	}
	if atomic.CompareAndSwapInt64(&ph.state, int64(StateHalfOpen), int64(StateOpen)) {
		atomic.StoreInt64(&ph.lastFailure, time.Now().UnixNano())
		r.circuitState.WithLabelValues(provider).Set(float64(StateOpen))
		r.logger.WithField("provider", provider).Info("Circuit reopened after unresolved trial call")
	}
}

// State returns the provider's current circuit state.
func (r *Registry) State(provider string) CircuitState {
	ph := r.get(provider)
	if ph == nil {
		return StateClosed
	}
	return CircuitState(atomic.LoadInt64(&ph.state))
}

// Snapshot returns a point-in-time health view for one provider.
func (r *Registry) Snapshot(provider string) (HealthSnapshot, bool) {
	ph := r.get(provider)
	if ph == nil {
		return HealthSnapshot{}, false
	}

	snap := HealthSnapshot{
		Provider:     provider,
		State:        CircuitState(atomic.LoadInt64(&ph.state)).String(),
		FailureCount: atomic.LoadInt64(&ph.failures),
	}
	if last := atomic.LoadInt64(&ph.lastFailure); last > 0 {
		snap.LastFailure = time.Unix(0, last)
	}

	ph.samplesMu.Lock()
	n := ph.next
	if ph.filled {
		n = len(ph.samples)
	}
	var totalLatency time.Duration
	var successes, latencySamples int
	for i := 0; i < n; i++ {
		s := ph.samples[i]
		if s.success {
			successes++
			totalLatency += s.latency
			latencySamples++
		}
	}
	ph.samplesMu.Unlock()

	snap.SampleCount = n
	if latencySamples > 0 {
		snap.AvgLatency = totalLatency / time.Duration(latencySamples)
	}
	if n > 0 {
		snap.SuccessRate = float64(successes) / float64(n)
	} else {
		// No data yet: assume healthy so cold-start routing is not starved.
		snap.SuccessRate = 1.0
	}
	return snap, true
}

// Snapshots returns health views for all registered providers.
func (r *Registry) Snapshots() map[string]HealthSnapshot {
	r.mu.RLock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	out := make(map[string]HealthSnapshot, len(names))
	for _, name := range names {
		if snap, ok := r.Snapshot(name); ok {
			out[name] = snap
		}
	}
	return out
}

func (ph *providerHealth) addSample(s callSample) {
	ph.samplesMu.Lock()
	ph.samples[ph.next] = s
	ph.next++
	if ph.next == len(ph.samples) {
		ph.next = 0
		ph.filled = true
	}
	ph.samplesMu.Unlock()
}
