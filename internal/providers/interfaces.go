package providers

import (
	"context"

	"github.com/tributary-ai/ai-gateway/internal/types"
)

// Adapter is the capability surface each backend provider implements. The
// gateway depends only on this interface; provider-specific auth, payload
// shapes and error mapping live behind it.
type Adapter interface {
	// Name returns the provider identifier used in decisions and metrics.
	Name() string

	// Models lists the models this provider serves, with cost tables.
	Models() []types.ModelInfo

	// AuthHeaders returns the headers injected on outbound calls.
	AuthHeaders() map[string]string

	// Complete executes a non-streaming call for the given model and returns
	// the normalized response.
	Complete(ctx context.Context, req *types.RoutingRequest, model string) (*types.ProviderResponse, error)

	// Stream executes a streaming call. Errors before the first byte are
	// returned synchronously; later failures arrive as a terminal event on
	// the channel. The channel is closed after the terminal event.
	Stream(ctx context.Context, req *types.RoutingRequest, model string) (<-chan types.StreamEvent, error)

	// ClassifyError translates a provider-specific failure into the shared
	// error taxonomy.
	ClassifyError(err error) *types.GatewayError
}
