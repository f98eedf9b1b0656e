package routing

import (
	"time"

	"github.com/tributary-ai/ai-gateway/internal/types"
)

// Alternative is a runner-up candidate recorded alongside a decision, with
// its own predicted metrics. Internal scoring values stay inside the engine.
type Alternative struct {
	Provider         string        `json:"provider"`
	Model            string        `json:"model"`
	EstimatedCost    float64       `json:"estimated_cost"`
	EstimatedLatency time.Duration `json:"estimated_latency"`
	EstimatedQuality float64       `json:"estimated_quality"`
	Reason           string        `json:"reason"`
}

// RoutingDecision is the outcome of evaluating one request against the
// current candidate set. It is returned to callers of the decision endpoint
// and recorded in the audit trail for every routed request.
type RoutingDecision struct {
	RequestID        string                 `json:"request_id"`
	Provider         string                 `json:"provider"`
	Model            string                 `json:"model"`
	EstimatedCost    float64                `json:"estimated_cost"`
	EstimatedLatency time.Duration          `json:"estimated_latency"`
	EstimatedQuality float64                `json:"estimated_quality"`
	Confidence       float64                `json:"confidence"`
	Reasoning        string                 `json:"reasoning"`
	Alternatives     []Alternative          `json:"alternatives,omitempty"`
	OptimizeFor      types.OptimizationType `json:"optimize_for"`
	Relaxed          []string               `json:"relaxed_constraints,omitempty"`
	Timestamp        time.Time              `json:"timestamp"`
}
