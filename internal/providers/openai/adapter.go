package openai

import (
	"context"
	"errors"
	"io"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/ai-gateway/internal/providers"
	"github.com/tributary-ai/ai-gateway/internal/types"
)

// Config holds OpenAI-specific configuration.
type Config struct {
	APIKey  string            `yaml:"api_key"`
	BaseURL string            `yaml:"base_url"`
	OrgID   string            `yaml:"org_id"`
	Models  []types.ModelInfo `yaml:"models"`
	Client  providers.ClientConfig `yaml:"client"`
}

// Adapter implements the provider Adapter interface for OpenAI.
type Adapter struct {
	client *openai.Client
	config *Config
	logger *logrus.Logger
}

// NewAdapter creates a new OpenAI adapter.
func NewAdapter(config *Config, logger *logrus.Logger) *Adapter {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.OrgID != "" {
		clientConfig.OrgID = config.OrgID
	}

	return &Adapter{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger,
	}
}

// Name returns the provider identifier.
func (a *Adapter) Name() string {
	return "openai"
}

// Models returns the configured model table.
func (a *Adapter) Models() []types.ModelInfo {
	return a.config.Models
}

// AuthHeaders returns the outbound auth headers. The SDK injects these
// itself; they are exposed for observability and request logging.
func (a *Adapter) AuthHeaders() map[string]string {
	headers := map[string]string{
		"Authorization": "Bearer " + a.config.APIKey,
	}
	if a.config.OrgID != "" {
		headers["OpenAI-Organization"] = a.config.OrgID
	}
	return headers
}

// Complete performs a chat completion and normalizes the response.
func (a *Adapter) Complete(ctx context.Context, req *types.RoutingRequest, model string) (*types.ProviderResponse, error) {
	resp, err := a.client.CreateChatCompletion(ctx, a.buildRequest(req, model))
	if err != nil {
		return nil, err
	}

	out := &types.ProviderResponse{
		Usage: types.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.FinishReason = string(resp.Choices[0].FinishReason)
	}
	return out, nil
}

// Stream performs a streaming chat completion. The goroutine forwards deltas
// and converts a mid-stream failure into a terminal error event.
func (a *Adapter) Stream(ctx context.Context, req *types.RoutingRequest, model string) (<-chan types.StreamEvent, error) {
	openaiReq := a.buildRequest(req, model)
	openaiReq.Stream = true

	stream, err := a.client.CreateChatCompletionStream(ctx, openaiReq)
	if err != nil {
		return nil, err
	}

	events := make(chan types.StreamEvent, 16)
	go func() {
		defer close(events)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				events <- types.StreamEvent{Done: true}
				return
			}
			if err != nil {
				events <- types.StreamEvent{Err: err}
				return
			}

			chunk := &types.StreamChunk{}
			if len(resp.Choices) > 0 {
				chunk.Content = resp.Choices[0].Delta.Content
				chunk.FinishReason = string(resp.Choices[0].FinishReason)
			}
			select {
			case events <- types.StreamEvent{Chunk: chunk}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

// ClassifyError translates OpenAI SDK failures into the shared taxonomy.
func (a *Adapter) ClassifyError(err error) *types.GatewayError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 401:
			return types.NewAuthenticationError("openai rejected the configured credentials")
		case apiErr.HTTPStatusCode == 429:
			return types.NewProviderError(types.KindServer, "openai", "openai rate limited the gateway", err)
		case apiErr.HTTPStatusCode >= 500:
			return types.NewProviderError(types.KindServer, "openai", "openai server error", err)
		case apiErr.HTTPStatusCode >= 400:
			return types.NewProviderError(types.KindInvalidRequest, "openai", "openai rejected the request", err)
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == 401 {
			return types.NewAuthenticationError("openai rejected the configured credentials")
		}
		if reqErr.HTTPStatusCode >= 500 || reqErr.HTTPStatusCode == 429 {
			return types.NewProviderError(types.KindServer, "openai", "openai server error", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewProviderError(types.KindNetwork, "openai", "openai call timed out", err)
	}
	return types.NewProviderError(types.KindNetwork, "openai", "openai transport failure", err)
}

// buildRequest normalizes the gateway request into OpenAI's payload shape.
func (a *Adapter) buildRequest(req *types.RoutingRequest, model string) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	out := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	return out
}

var _ providers.Adapter = (*Adapter)(nil)
