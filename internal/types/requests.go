package types

import (
	"time"
)

// Message is a single role-tagged entry in a conversation.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// RoutingRequest is the logical "send this prompt" request accepted by the gateway.
type RoutingRequest struct {
	ID          string           `json:"id"`
	Messages    []Message        `json:"messages"`
	OptimizeFor OptimizationType `json:"optimize_for,omitempty"`
	Constraints Constraints      `json:"constraints,omitempty"`

	// Generation parameters forwarded to the selected provider
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stream      bool     `json:"stream"`

	Timestamp time.Time `json:"timestamp"`
}

// Constraints are optional hard limits applied before scoring. A candidate
// that violates any of them is filtered out.
type Constraints struct {
	MaxCost            *float64       `json:"max_cost,omitempty"`
	MinQuality         *float64       `json:"min_quality,omitempty"`
	MaxResponseTime    *time.Duration `json:"max_response_time,omitempty"`
	PreferredProviders []string       `json:"preferred_providers,omitempty"`
	ExcludeProviders   []string       `json:"exclude_providers,omitempty"`
}

// TenantCredential is the opaque appId + secret pair presented by a caller.
// Token, when set, is a session token previously issued by the gateway and
// replaces the secret check.
type TenantCredential struct {
	AppID  string `json:"app_id"`
	Secret string `json:"secret,omitempty"`
	Token  string `json:"token,omitempty"`
}

// OptimizationType selects the scoring objective for routing.
type OptimizationType string

const (
	OptimizeCost     OptimizationType = "cost"
	OptimizeSpeed    OptimizationType = "speed"
	OptimizeQuality  OptimizationType = "quality"
	OptimizeBalanced OptimizationType = "balanced"
)

// Valid reports whether t names a known objective.
func (t OptimizationType) Valid() bool {
	switch t {
	case OptimizeCost, OptimizeSpeed, OptimizeQuality, OptimizeBalanced:
		return true
	}
	return false
}

// PromptText concatenates the message contents for normalization and pattern
// matching.
func (r *RoutingRequest) PromptText() string {
	total := 0
	for _, m := range r.Messages {
		total += len(m.Content) + 1
	}
	buf := make([]byte, 0, total)
	for i, m := range r.Messages {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = append(buf, m.Content...)
	}
	return string(buf)
}
