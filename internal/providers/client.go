package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tributary-ai/ai-gateway/internal/health"
	"github.com/tributary-ai/ai-gateway/internal/types"
)

// ClientConfig tunes the resilience wrapper around one provider.
type ClientConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	Cooldown          time.Duration `yaml:"cooldown"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

func (c *ClientConfig) setDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 120 * time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown == 0 {
		c.Cooldown = 60 * time.Second
	}
	if c.RequestsPerMinute == 0 {
		c.RequestsPerMinute = 600
	}
}

// ResilientClient wraps a provider adapter with circuit-breaker gating, an
// outbound rate window, a bounded timeout and error classification. One
// instance exists per backend provider; all state it mutates lives in the
// shared health registry.
type ResilientClient struct {
	adapter  Adapter
	registry *health.Registry
	limiter  *rate.Limiter
	timeout  time.Duration
	logger   *logrus.Logger
}

// NewResilientClient builds the resilience wrapper and registers the
// provider with the health registry.
func NewResilientClient(adapter Adapter, registry *health.Registry, cfg ClientConfig, logger *logrus.Logger) *ResilientClient {
	cfg.setDefaults()
	registry.Register(adapter.Name(), cfg.FailureThreshold, cfg.Cooldown)

	return &ResilientClient{
		adapter:  adapter,
		registry: registry,
		limiter:  rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute/10+1),
		timeout:  cfg.Timeout,
		logger:   logger,
	}
}

// Name returns the wrapped provider's identifier.
func (c *ResilientClient) Name() string {
	return c.adapter.Name()
}

// Models returns the wrapped provider's model table.
func (c *ResilientClient) Models() []types.ModelInfo {
	return c.adapter.Models()
}

// Snapshot returns the provider's current health view.
func (c *ResilientClient) Snapshot() health.HealthSnapshot {
	snap, _ := c.registry.Snapshot(c.adapter.Name())
	return snap
}

// Call executes one provider call under the breaker, rate window and
// timeout, classifying the result into the shared taxonomy. A caller
// cancellation is recorded as such and never counted as a provider failure.
func (c *ResilientClient) Call(ctx context.Context, req *types.RoutingRequest, model string) (*types.ProviderResponse, error) {
	name := c.adapter.Name()

	if err := c.gate(ctx, name); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.adapter.Complete(callCtx, req, model)
	latency := time.Since(start)

	if err != nil {
		return nil, c.recordFailure(ctx, name, err)
	}

	c.registry.RecordSuccess(name, latency)
	resp.Provider = name
	resp.Model = model
	resp.Latency = latency
	return resp, nil
}

// StreamCall executes a streaming provider call. The returned channel
// forwards adapter events; a post-first-byte failure arrives as a terminal
// event and is accounted against the breaker, while normal completion is
// recorded as a success.
func (c *ResilientClient) StreamCall(ctx context.Context, req *types.RoutingRequest, model string) (<-chan types.StreamEvent, error) {
	name := c.adapter.Name()

	if err := c.gate(ctx, name); err != nil {
		return nil, err
	}

	start := time.Now()
	upstream, err := c.adapter.Stream(ctx, req, model)
	if err != nil {
		return nil, c.recordFailure(ctx, name, err)
	}

	events := make(chan types.StreamEvent)
	go func() {
		defer close(events)
		failed := false
		for ev := range upstream {
			if ev.Err != nil {
				failed = true
				if ctx.Err() != nil {
					c.registry.RecordCancellation(name)
				} else {
					ev.Err = c.adapter.ClassifyError(ev.Err)
					c.registry.RecordFailure(name)
				}
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				c.registry.RecordCancellation(name)
				return
			}
		}
		if !failed {
			c.registry.RecordSuccess(name, time.Since(start))
		}
	}()
	return events, nil
}

// gate applies circuit-breaker and outbound rate-window checks before any
// network activity.
func (c *ResilientClient) gate(ctx context.Context, name string) error {
	if !c.registry.Allow(name) {
		retryAt := c.registry.RetryAfter(name)
		c.logger.WithFields(logrus.Fields{
			"provider": name,
			"retry_at": retryAt,
		}).Debug("Circuit open, failing fast")
		return types.NewCircuitOpenError(name, retryAt)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			c.registry.RecordCancellation(name)
			return fmt.Errorf("request cancelled while waiting for rate window: %w", ctx.Err())
		}
		return types.NewRateLimitError(
			fmt.Sprintf("outbound rate window exceeded for provider %s", name),
			time.Now().Add(time.Second),
		)
	}
	return nil
}

// recordFailure classifies err and updates the breaker. Authentication and
// invalid-request failures are caller problems and do not count against the
// provider; cancellations are tracked separately.
func (c *ResilientClient) recordFailure(ctx context.Context, name string, err error) error {
	if ctx.Err() != nil {
		c.registry.RecordCancellation(name)
		return fmt.Errorf("provider call cancelled: %w", ctx.Err())
	}

	gerr := c.adapter.ClassifyError(err)
	gerr.Provider = name

	switch gerr.Kind {
	case types.KindAuthentication, types.KindInvalidRequest:
		// Not a provider health signal, but if this call held the HALF_OPEN
		// trial the circuit must not stay wedged there.
		c.registry.ReleaseTrial(name)
	default:
		c.registry.RecordFailure(name)
	}

	c.logger.WithError(err).WithFields(logrus.Fields{
		"provider":  name,
		"kind":      gerr.Kind,
		"retryable": gerr.Retryable,
	}).Warn("Provider call failed")
	return gerr
}
