package usage

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/ai-gateway/internal/quota"
	"github.com/tributary-ai/ai-gateway/internal/routing"
	"github.com/tributary-ai/ai-gateway/internal/types"
)

const defaultQueueSize = 1024

// Recorder applies finished-request observations off the hot path: it folds
// them into the tenant's monthly usage counters, feeds the routing engine's
// historical aggregates, and forwards them to the telemetry sink. Recording
// is best effort; a full queue drops the observation with a warning rather
// than stalling request handling.
type Recorder struct {
	store      quota.TenantStore
	aggregates *routing.AggregateStore
	sink       TelemetrySink
	logger     *logrus.Logger

	queue chan types.OutcomeObservation
	done  chan struct{}
	once  sync.Once
}

// NewRecorder starts a recorder with its worker goroutine. queueSize <= 0
// uses the default.
func NewRecorder(store quota.TenantStore, aggregates *routing.AggregateStore, sink TelemetrySink, queueSize int, logger *logrus.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if sink == nil {
		sink = NoopSink{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	r := &Recorder{
		store:      store,
		aggregates: aggregates,
		sink:       sink,
		logger:     logger,
		queue:      make(chan types.OutcomeObservation, queueSize),
		done:       make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues an observation. Never blocks.
func (r *Recorder) Record(obs types.OutcomeObservation) {
	select {
	case r.queue <- obs:
	default:
		r.logger.WithFields(logrus.Fields{
			"request_id": obs.RequestID,
			"tenant_id":  obs.TenantID,
		}).Warn("Usage queue full, dropping observation")
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for obs := range r.queue {
		r.apply(obs)
	}
}

func (r *Recorder) apply(obs types.OutcomeObservation) {
	// Aggregates dedupe by request id, so a redelivered observation cannot
	// double-count.
	if r.aggregates != nil {
		if applied := r.aggregates.RecordOutcome(obs.RequestID, obs.Provider, obs.Model, obs.Cost, obs.Latency, obs.Success); !applied {
			return
		}
	}

	if r.store != nil {
		delta := types.UsageDelta{Cost: obs.Cost}
		if obs.Success {
			delta.Successes = 1
		} else {
			delta.Failures = 1
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		period := types.BillingPeriod(time.Now())
		if _, err := r.store.IncrementUsage(ctx, obs.TenantID, period, delta); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"tenant_id": obs.TenantID,
				"period":    period,
			}).Error("Failed to record usage delta")
		}
		cancel()
	}

	if err := r.sink.Publish(obs); err != nil {
		r.logger.WithError(err).WithField("request_id", obs.RequestID).Debug("Telemetry publish failed")
	}
}

// Close drains the queue and stops the worker.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.queue)
		<-r.done
		if err := r.sink.Close(); err != nil {
			r.logger.WithError(err).Debug("Telemetry sink close failed")
		}
	})
}
