package types

import (
	"time"
)

// TenantStatus is the lifecycle state of a tenant application. Tenants are
// never hard-deleted; offboarding soft-disables them.
type TenantStatus string

const (
	TenantActive        TenantStatus = "ACTIVE"
	TenantQuotaExceeded TenantStatus = "QUOTA_EXCEEDED"
	TenantDisabled      TenantStatus = "DISABLED"
)

// Tier bundles the limits and feature flags attached to a subscription level.
// RequestsPerMonth of -1 means unlimited.
type Tier struct {
	Name              string `json:"name"`
	RequestsPerMinute int    `json:"requests_per_minute"`
	RequestsPerMonth  int64  `json:"requests_per_month"`
	AllowStreaming    bool   `json:"allow_streaming"`
	PriorityRouting   bool   `json:"priority_routing"`
}

var (
	TierFree       = Tier{Name: "free", RequestsPerMinute: 10, RequestsPerMonth: 1000, AllowStreaming: false}
	TierStarter    = Tier{Name: "starter", RequestsPerMinute: 60, RequestsPerMonth: 50000, AllowStreaming: true}
	TierPro        = Tier{Name: "pro", RequestsPerMinute: 300, RequestsPerMonth: 1000000, AllowStreaming: true, PriorityRouting: true}
	TierEnterprise = Tier{Name: "enterprise", RequestsPerMinute: 1000, RequestsPerMonth: -1, AllowStreaming: true, PriorityRouting: true}
)

// TierByName resolves a tier name; unknown names fall back to free.
func TierByName(name string) Tier {
	switch name {
	case TierStarter.Name:
		return TierStarter
	case TierPro.Name:
		return TierPro
	case TierEnterprise.Name:
		return TierEnterprise
	default:
		return TierFree
	}
}

// TenantApplication is an authenticated caller of the gateway, scoped by tier
// and quota. SecretHash stores the SHA-256 of the current credential secret.
// TokenEpoch increments on every credential rotation so previously issued
// session tokens die with the old secret.
type TenantApplication struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Tier       Tier         `json:"tier"`
	SecretHash string       `json:"-"`
	Status     TenantStatus `json:"status"`
	TokenEpoch int          `json:"-"`
	LastUsed   time.Time    `json:"last_used"`
	CreatedAt  time.Time    `json:"created_at"`
}

// QuotaResult is the outcome of a successful quota check.
type QuotaResult struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// UsageRecord accumulates a tenant's counters within one billing period.
// Counters are monotonic non-negative; period rollover starts a new record
// rather than mutating the old one.
type UsageRecord struct {
	TenantID     string  `json:"tenant_id"`
	Period       string  `json:"period"` // "2026-01" style billing period key
	RequestCount int64   `json:"request_count"`
	SuccessCount int64   `json:"success_count"`
	FailureCount int64   `json:"failure_count"`
	TotalCost    float64 `json:"total_cost"`
}

// UsageDelta is one increment applied to a tenant's current-period record.
type UsageDelta struct {
	Requests  int64   `json:"requests"`
	Successes int64   `json:"successes"`
	Failures  int64   `json:"failures"`
	Cost      float64 `json:"cost"`
}

// OutcomeObservation records the actual result of a previously routed
// request. At most one observation exists per request id; it feeds the
// routing engine's historical aggregates.
type OutcomeObservation struct {
	RequestID string        `json:"request_id"`
	TenantID  string        `json:"tenant_id"`
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	Cost      float64       `json:"cost"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Quality   *float64      `json:"quality,omitempty"`
}

// BillingPeriod formats t as the billing period key.
func BillingPeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}
