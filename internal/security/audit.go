package security

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/ai-gateway/internal/routing"
)

// AuditEventType labels one kind of recorded gateway event.
type AuditEventType string

const (
	AuthenticationSuccess   AuditEventType = "authentication_success"
	AuthenticationFailure   AuditEventType = "authentication_failure"
	RateLimitExceeded       AuditEventType = "rate_limit_exceeded"
	QuotaExceeded           AuditEventType = "quota_exceeded"
	ValidationFailure       AuditEventType = "validation_failure"
	CredentialRotated       AuditEventType = "credential_rotated"
	SessionTokenIssued      AuditEventType = "session_token_issued"
	TenantProvisioned       AuditEventType = "tenant_provisioned"
	RoutingDecisionRecorded AuditEventType = "routing_decision"
	ProviderCallFailed      AuditEventType = "provider_call_failed"
)

// AuditEvent is one entry in the gateway's audit trail.
type AuditEvent struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	EventType AuditEventType         `json:"event_type"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Provider  string                 `json:"provider,omitempty"`
	Model     string                 `json:"model,omitempty"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Severity  string                 `json:"severity"`
}

// AuditConfig tunes the audit trail buffer.
type AuditConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// AuditLogger buffers audit events and writes them to the structured log in
// batches. Event details pass through redaction so credentials never reach
// the trail. Every routed request produces at least one routing_decision
// event here.
type AuditLogger struct {
	config  AuditConfig
	logger  *logrus.Logger
	buffer  chan *AuditEvent
	stop    chan struct{}
	wg      sync.WaitGroup
	entropy *ulid.MonotonicEntropy

	mu      sync.Mutex
	count   int64
	stopped bool
}

// NewAuditLogger creates and starts an audit logger.
func NewAuditLogger(config AuditConfig, logger *logrus.Logger) *AuditLogger {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 10 * time.Second
	}

	a := &AuditLogger{
		config:  config,
		logger:  logger,
		buffer:  make(chan *AuditEvent, config.BufferSize),
		stop:    make(chan struct{}),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	if config.Enabled {
		a.wg.Add(1)
		go a.processor()
	}
	return a
}

// Record buffers an event. A full buffer drops the event with a warning
// rather than blocking the request path.
func (a *AuditLogger) Record(eventType AuditEventType, message string, event AuditEvent) {
	a.mu.Lock()
	if !a.config.Enabled || a.stopped {
		a.mu.Unlock()
		return
	}
	event.ID = ulid.MustNew(ulid.Timestamp(time.Now()), a.entropy).String()
	a.mu.Unlock()

	event.Timestamp = time.Now().UTC()
	event.EventType = eventType
	event.Message = message
	event.Details = redactDetails(event.Details)
	event.Severity = severityFor(eventType)

	select {
	case a.buffer <- &event:
		a.mu.Lock()
		a.count++
		a.mu.Unlock()
	default:
		a.logger.Warn("Audit buffer full, dropping event")
	}
}

// RecordDecision writes the audit entry for a routing decision. Called for
// every request that reaches the routing engine, whether or not the
// provider call afterwards succeeds.
func (a *AuditLogger) RecordDecision(tenantID string, d *routing.RoutingDecision) {
	a.Record(RoutingDecisionRecorded, "Routing decision made", AuditEvent{
		TenantID:  tenantID,
		RequestID: d.RequestID,
		Provider:  d.Provider,
		Model:     d.Model,
		Details: map[string]interface{}{
			"optimize_for":        string(d.OptimizeFor),
			"estimated_cost":      d.EstimatedCost,
			"estimated_latency":   d.EstimatedLatency.String(),
			"confidence":          d.Confidence,
			"reasoning":           d.Reasoning,
			"relaxed_constraints": d.Relaxed,
		},
	})
}

// RecordDecisionFallback writes a routing_decision entry for a request that
// terminated without reaching a routed provider call: cache hits and
// pre-routing rejections. Every request path produces a decision entry, so
// the trail stays a complete per-request record.
func (a *AuditLogger) RecordDecisionFallback(tenantID, requestID, outcome, detail string) {
	a.Record(RoutingDecisionRecorded, "Routing decision fallback", AuditEvent{
		TenantID:  tenantID,
		RequestID: requestID,
		Details: map[string]interface{}{
			"outcome": outcome,
			"detail":  detail,
		},
	})
}

// RecordAuthFailure writes an authentication failure entry.
func (a *AuditLogger) RecordAuthFailure(appID, reason string) {
	a.Record(AuthenticationFailure, "Authentication failed", AuditEvent{
		TenantID: appID,
		Details:  map[string]interface{}{"reason": reason},
	})
}

// EventCount returns the number of events accepted so far.
func (a *AuditLogger) EventCount() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Stop flushes remaining events and shuts the processor down.
func (a *AuditLogger) Stop() {
	a.mu.Lock()
	if !a.config.Enabled || a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	close(a.stop)
	a.wg.Wait()
	close(a.buffer)
	for event := range a.buffer {
		a.write(event)
	}
}

func (a *AuditLogger) processor() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*AuditEvent, 0, 100)
	flush := func() {
		for _, event := range batch {
			a.write(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-a.buffer:
			batch = append(batch, event)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-a.stop:
			flush()
			return
		}
	}
}

func (a *AuditLogger) write(event *AuditEvent) {
	fields := logrus.Fields{
		"audit_event": true,
		"event_id":    event.ID,
		"event_type":  event.EventType,
		"severity":    event.Severity,
		"timestamp":   event.Timestamp,
	}
	if event.TenantID != "" {
		fields["tenant_id"] = event.TenantID
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.Provider != "" {
		fields["provider"] = event.Provider
	}
	if event.Model != "" {
		fields["model"] = event.Model
	}
	for key, value := range event.Details {
		fields["detail_"+key] = value
	}

	entry := a.logger.WithFields(fields)
	switch event.Severity {
	case "high":
		entry.Warn(event.Message)
	case "medium":
		entry.Info(event.Message)
	default:
		entry.Debug(event.Message)
	}
}

var sensitiveFragments = []string{
	"password", "token", "secret", "key", "auth", "credential", "bearer",
}

func redactDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for key, value := range details {
		if isSensitiveField(key) {
			out[key] = "***REDACTED***"
		} else {
			out[key] = value
		}
	}
	return out
}

func isSensitiveField(field string) bool {
	lower := strings.ToLower(field)
	for _, fragment := range sensitiveFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

func severityFor(eventType AuditEventType) string {
	switch eventType {
	case AuthenticationFailure, QuotaExceeded:
		return "high"
	case RateLimitExceeded, ValidationFailure, CredentialRotated, TenantProvisioned, ProviderCallFailed:
		return "medium"
	default:
		return "low"
	}
}
