package security

import (
	"fmt"
	"strings"

	"github.com/tributary-ai/ai-gateway/internal/types"
)

const (
	maxMessages      = 100
	maxContentLength = 200_000
	maxTotalLength   = 400_000
	maxTemperature   = 2.0
	maxTokensCeiling = 32_768
)

var allowedRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
}

// ValidateRequest checks a routing request's shape before it is admitted to
// the pipeline. Violations come back as validation errors that map to 400.
func ValidateRequest(req *types.RoutingRequest) error {
	if len(req.Messages) == 0 {
		return types.NewValidationError("messages must not be empty")
	}
	if len(req.Messages) > maxMessages {
		return types.NewValidationError(fmt.Sprintf("too many messages: %d (max %d)", len(req.Messages), maxMessages))
	}

	total := 0
	for i, msg := range req.Messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		if !allowedRoles[role] {
			return types.NewValidationError(fmt.Sprintf("message %d has unsupported role %q", i, msg.Role))
		}
		if strings.TrimSpace(msg.Content) == "" {
			return types.NewValidationError(fmt.Sprintf("message %d has empty content", i))
		}
		if len(msg.Content) > maxContentLength {
			return types.NewValidationError(fmt.Sprintf("message %d exceeds maximum content length", i))
		}
		total += len(msg.Content)
	}
	if total > maxTotalLength {
		return types.NewValidationError("request exceeds maximum total content length")
	}

	if req.OptimizeFor != "" && !req.OptimizeFor.Valid() {
		return types.NewValidationError(fmt.Sprintf("unknown optimization target %q", req.OptimizeFor))
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > maxTemperature) {
		return types.NewValidationError("temperature must be between 0 and 2")
	}
	if req.MaxTokens != nil && (*req.MaxTokens <= 0 || *req.MaxTokens > maxTokensCeiling) {
		return types.NewValidationError(fmt.Sprintf("max_tokens must be between 1 and %d", maxTokensCeiling))
	}

	c := req.Constraints
	if c.MaxCost != nil && *c.MaxCost <= 0 {
		return types.NewValidationError("max_cost must be positive")
	}
	if c.MinQuality != nil && (*c.MinQuality < 0 || *c.MinQuality > 1) {
		return types.NewValidationError("min_quality must be between 0 and 1")
	}
	if c.MaxResponseTime != nil && *c.MaxResponseTime <= 0 {
		return types.NewValidationError("max_response_time must be positive")
	}
	return nil
}
