package security

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/ai-gateway/internal/types"
)

func validRequest() *types.RoutingRequest {
	return &types.RoutingRequest{
		Messages: []types.Message{
			{Role: "system", Content: "You are helpful."},
			{Role: "user", Content: "Summarize this paragraph."},
		},
		OptimizeFor: types.OptimizeBalanced,
	}
}

func TestValidateRequest_Accepts(t *testing.T) {
	assert.NoError(t, ValidateRequest(validRequest()))
}

func TestValidateRequest_Rejects(t *testing.T) {
	temperature := func(v float32) *float32 { return &v }
	tokens := func(v int) *int { return &v }
	quality := func(v float64) *float64 { return &v }
	duration := func(v time.Duration) *time.Duration { return &v }

	tests := []struct {
		name    string
		mutate  func(*types.RoutingRequest)
		wantMsg string
	}{
		{
			name:    "empty messages",
			mutate:  func(r *types.RoutingRequest) { r.Messages = nil },
			wantMsg: "messages must not be empty",
		},
		{
			name: "too many messages",
			mutate: func(r *types.RoutingRequest) {
				for i := 0; i < 101; i++ {
					r.Messages = append(r.Messages, types.Message{Role: "user", Content: "x"})
				}
			},
			wantMsg: "too many messages",
		},
		{
			name:    "unknown role",
			mutate:  func(r *types.RoutingRequest) { r.Messages[0].Role = "tool" },
			wantMsg: "unsupported role",
		},
		{
			name:    "blank content",
			mutate:  func(r *types.RoutingRequest) { r.Messages[1].Content = "   " },
			wantMsg: "empty content",
		},
		{
			name: "oversized message",
			mutate: func(r *types.RoutingRequest) {
				r.Messages[1].Content = strings.Repeat("a", 200_001)
			},
			wantMsg: "maximum content length",
		},
		{
			name:    "bad optimization target",
			mutate:  func(r *types.RoutingRequest) { r.OptimizeFor = "cheapest" },
			wantMsg: "unknown optimization target",
		},
		{
			name:    "temperature out of range",
			mutate:  func(r *types.RoutingRequest) { r.Temperature = temperature(2.5) },
			wantMsg: "temperature",
		},
		{
			name:    "max tokens too large",
			mutate:  func(r *types.RoutingRequest) { r.MaxTokens = tokens(50_000) },
			wantMsg: "max_tokens",
		},
		{
			name:    "negative max cost",
			mutate:  func(r *types.RoutingRequest) { r.Constraints.MaxCost = quality(-0.01) },
			wantMsg: "max_cost",
		},
		{
			name:    "min quality above one",
			mutate:  func(r *types.RoutingRequest) { r.Constraints.MinQuality = quality(1.5) },
			wantMsg: "min_quality",
		},
		{
			name:    "non-positive response time",
			mutate:  func(r *types.RoutingRequest) { r.Constraints.MaxResponseTime = duration(0) },
			wantMsg: "max_response_time",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			err := ValidateRequest(req)
			require.Error(t, err)
			gerr, ok := types.AsGatewayError(err)
			require.True(t, ok)
			assert.Equal(t, types.KindValidation, gerr.Kind)
			assert.Contains(t, gerr.Message, tt.wantMsg)
		})
	}
}

func TestValidateRequest_RoleCaseInsensitive(t *testing.T) {
	req := validRequest()
	req.Messages[0].Role = "System"
	assert.NoError(t, ValidateRequest(req))
}
