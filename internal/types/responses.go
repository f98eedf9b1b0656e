package types

import (
	"time"
)

// ProviderResponse is the normalized shape every provider adapter returns.
type ProviderResponse struct {
	Content      string        `json:"content"`
	Usage        Usage         `json:"usage"`
	FinishReason string        `json:"finish_reason"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Latency      time.Duration `json:"latency"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamEvent is one element of a streaming response. Exactly one terminal
// event is delivered: either a final chunk with Done set or an error. Errors
// that occur before the first byte are returned synchronously instead.
type StreamEvent struct {
	Chunk *StreamChunk `json:"chunk,omitempty"`
	Err   error        `json:"-"`
	Done  bool         `json:"done,omitempty"`
}

type StreamChunk struct {
	Content      string `json:"content,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// ModelInfo describes one model offered by a provider, including the cost
// table and baseline estimates used to seed routing aggregates.
type ModelInfo struct {
	Name             string        `yaml:"name" json:"name"`
	ProviderModelID  string        `yaml:"provider_model_id" json:"provider_model_id"`
	InputCostPer1K   float64       `yaml:"input_cost_per_1k" json:"input_cost_per_1k"`
	OutputCostPer1K  float64       `yaml:"output_cost_per_1k" json:"output_cost_per_1k"`
	MaxContextWindow int           `yaml:"max_context_window" json:"max_context_window"`
	MaxOutputTokens  int           `yaml:"max_output_tokens" json:"max_output_tokens"`
	QualityScore     float64       `yaml:"quality_score" json:"quality_score"`
	BaselineLatency  time.Duration `yaml:"baseline_latency" json:"baseline_latency"`
}

// EstimateCost computes the expected cost of a request against this model's
// cost table using a rough chars-per-token approximation.
func (m *ModelInfo) EstimateCost(req *RoutingRequest) float64 {
	inputTokens := len(req.PromptText()) / 4
	outputTokens := 256
	if req.MaxTokens != nil {
		outputTokens = *req.MaxTokens
	}
	return float64(inputTokens)*m.InputCostPer1K/1000 +
		float64(outputTokens)*m.OutputCostPer1K/1000
}
