package anthropic

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/ai-gateway/internal/providers"
	"github.com/tributary-ai/ai-gateway/internal/types"
)

// Config holds Anthropic-specific configuration.
type Config struct {
	APIKey  string                 `yaml:"api_key"`
	BaseURL string                 `yaml:"base_url"`
	Models  []types.ModelInfo      `yaml:"models"`
	Client  providers.ClientConfig `yaml:"client"`
}

// Adapter implements the provider Adapter interface for Anthropic Claude.
type Adapter struct {
	client *anthropic.Client
	config *Config
	logger *logrus.Logger
}

// NewAdapter creates a new Anthropic adapter.
func NewAdapter(config *Config, logger *logrus.Logger) *Adapter {
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	client := anthropic.NewClient(opts...)
	return &Adapter{
		client: &client,
		config: config,
		logger: logger,
	}
}

// Name returns the provider identifier.
func (a *Adapter) Name() string {
	return "anthropic"
}

// Models returns the configured model table.
func (a *Adapter) Models() []types.ModelInfo {
	return a.config.Models
}

// AuthHeaders returns the outbound auth headers. The SDK injects these
// itself; they are exposed for observability and request logging.
func (a *Adapter) AuthHeaders() map[string]string {
	return map[string]string{
		"x-api-key":         a.config.APIKey,
		"anthropic-version": "2023-06-01",
	}
}

// Complete performs a messages call and normalizes the response.
func (a *Adapter) Complete(ctx context.Context, req *types.RoutingRequest, model string) (*types.ProviderResponse, error) {
	resp, err := a.client.Messages.New(ctx, a.buildRequest(req, model))
	if err != nil {
		return nil, err
	}

	content := ""
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &types.ProviderResponse{
		Content:      content,
		FinishReason: string(resp.StopReason),
		Usage: types.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

// Stream performs a streaming messages call, forwarding text deltas and
// converting a mid-stream failure into a terminal error event.
func (a *Adapter) Stream(ctx context.Context, req *types.RoutingRequest, model string) (<-chan types.StreamEvent, error) {
	stream := a.client.Messages.NewStreaming(ctx, a.buildRequest(req, model))

	events := make(chan types.StreamEvent, 16)
	go func() {
		defer close(events)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			chunk := &types.StreamChunk{}
			switch variant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok {
					chunk.Content = delta.Text
				}
			case anthropic.MessageDeltaEvent:
				chunk.FinishReason = string(variant.Delta.StopReason)
			default:
				continue
			}

			select {
			case events <- types.StreamEvent{Chunk: chunk}:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			events <- types.StreamEvent{Err: err}
			return
		}
		events <- types.StreamEvent{Done: true}
	}()
	return events, nil
}

// ClassifyError translates Anthropic SDK failures into the shared taxonomy.
func (a *Adapter) ClassifyError(err error) *types.GatewayError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401:
			return types.NewAuthenticationError("anthropic rejected the configured credentials")
		case apiErr.StatusCode == 429:
			return types.NewProviderError(types.KindServer, "anthropic", "anthropic rate limited the gateway", err)
		case apiErr.StatusCode >= 500:
			return types.NewProviderError(types.KindServer, "anthropic", "anthropic server error", err)
		case apiErr.StatusCode >= 400:
			return types.NewProviderError(types.KindInvalidRequest, "anthropic", "anthropic rejected the request", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewProviderError(types.KindNetwork, "anthropic", "anthropic call timed out", err)
	}
	return types.NewProviderError(types.KindNetwork, "anthropic", "anthropic transport failure", err)
}

// buildRequest normalizes the gateway request into Anthropic's payload
// shape. Claude takes system prompts separately and requires max_tokens.
func (a *Adapter) buildRequest(req *types.RoutingRequest, model string) anthropic.MessageNewParams {
	var system string
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: 1024,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system, Type: "text"}}
	}
	if req.MaxTokens != nil {
		params.MaxTokens = int64(*req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*req.Temperature))
	}
	return params
}

var _ providers.Adapter = (*Adapter)(nil)
