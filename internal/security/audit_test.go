package security

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/tributary-ai/ai-gateway/internal/routing"
)

func newTestAuditLogger() *AuditLogger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewAuditLogger(AuditConfig{Enabled: true, BufferSize: 100, FlushInterval: 50 * time.Millisecond}, logger)
}

func TestAuditLogger_RecordCounts(t *testing.T) {
	audit := newTestAuditLogger()
	defer audit.Stop()

	audit.RecordAuthFailure("tenant-1", "bad secret")
	audit.Record(TenantProvisioned, "Tenant provisioned", AuditEvent{TenantID: "tenant-2"})

	assert.Equal(t, int64(2), audit.EventCount())
}

func TestAuditLogger_DisabledDropsEverything(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	audit := NewAuditLogger(AuditConfig{Enabled: false}, logger)

	audit.RecordAuthFailure("tenant-1", "bad secret")
	assert.Equal(t, int64(0), audit.EventCount())
	audit.Stop()
}

func TestAuditLogger_RecordDecision(t *testing.T) {
	audit := newTestAuditLogger()
	defer audit.Stop()

	audit.RecordDecision("tenant-1", &routing.RoutingDecision{
		RequestID:        "req-1",
		Provider:         "openai",
		Model:            "gpt-4o-mini",
		EstimatedCost:    0.001,
		EstimatedLatency: 600 * time.Millisecond,
		Confidence:       0.8,
		Reasoning:        "lowest cost candidate",
	})
	assert.Equal(t, int64(1), audit.EventCount())
}

func TestAuditLogger_StopIsIdempotent(t *testing.T) {
	audit := newTestAuditLogger()
	audit.Record(SessionTokenIssued, "Session token issued", AuditEvent{TenantID: "tenant-1"})
	audit.Stop()
	audit.Stop()

	// After Stop, further events are dropped silently.
	audit.Record(SessionTokenIssued, "Session token issued", AuditEvent{TenantID: "tenant-1"})
	assert.Equal(t, int64(1), audit.EventCount())
}

func TestRedactDetails(t *testing.T) {
	out := redactDetails(map[string]interface{}{
		"reason":     "bad signature",
		"app_secret": "sk-live-abcdef",
		"AuthToken":  "xyz",
		"model":      "gpt-4o",
	})

	assert.Equal(t, "bad signature", out["reason"])
	assert.Equal(t, "***REDACTED***", out["app_secret"])
	assert.Equal(t, "***REDACTED***", out["AuthToken"])
	assert.Equal(t, "gpt-4o", out["model"])
	assert.Nil(t, redactDetails(nil))
}

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, "high", severityFor(AuthenticationFailure))
	assert.Equal(t, "high", severityFor(QuotaExceeded))
	assert.Equal(t, "medium", severityFor(RateLimitExceeded))
	assert.Equal(t, "medium", severityFor(ProviderCallFailed))
	assert.Equal(t, "low", severityFor(RoutingDecisionRecorded))
}
