package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/sovereignrag/gateway/pkg/openai"
)

// DefaultRetryable is the status set the router fails over on.
var DefaultRetryable = map[int]bool{429: true, 502: true, 503: true}

// Route records which providers a request attempted and which one answered.
type Route struct {
	ProviderName  string
	FallbackChain []string
	Attempts      int
}

// StreamRoute is the streaming variant of Route. FirstChunk is consumed
// inside the routing attempt so stream-init failures are fail-over points;
// it may be nil when the upstream stream was empty.
type StreamRoute struct {
	Route
	Stream     Stream
	FirstChunk *openai.ChatCompletionChunk
}

// Router walks the eligible provider chain, retrying on retryable upstream
// errors and propagating everything else immediately.
type Router struct {
	registry  *Registry
	retryable map[int]bool
}

// NewRouter builds a router over the registry with the default retryable
// set. Pass a non-nil retryable map to narrow or widen it.
func NewRouter(registry *Registry, retryable map[int]bool) *Router {
	if retryable == nil {
		retryable = DefaultRetryable
	}
	return &Router{registry: registry, retryable: retryable}
}

// Chat routes a chat completion through the eligible chain.
func (r *Router) Chat(ctx context.Context, primary, model string, messages []openai.ChatMessage, maxTokens int, allowed []string) (*openai.ChatCompletionResponse, Route, error) {
	chain := r.registry.EligibleChain(primary, OperationChat, model, false, allowed)
	if len(chain) == 0 {
		return nil, Route{}, NewError(503, "no_provider_match", "no eligible providers for requested chat operation")
	}

	var attempts []string
	var lastErr error
	for _, entry := range chain {
		attempts = append(attempts, entry.Name)
		resp, err := entry.Provider.Chat(ctx, model, messages, maxTokens)
		if err == nil {
			route := Route{ProviderName: entry.Name, FallbackChain: attempts, Attempts: len(attempts)}
			slog.Info("provider routed", "provider", entry.Name, "attempts", route.Attempts)
			return resp, route, nil
		}
		lastErr = err
		if !r.shouldRetry(err) {
			return nil, Route{FallbackChain: attempts, Attempts: len(attempts)}, err
		}
		slog.Warn("provider fallback", "failed_provider", entry.Name, "remaining", len(chain)-len(attempts), "error", err)
	}
	return nil, Route{FallbackChain: attempts, Attempts: len(attempts)}, lastErr
}

// Embeddings routes an embeddings request through the eligible chain.
func (r *Router) Embeddings(ctx context.Context, primary, model string, input []string, allowed []string) (*openai.EmbeddingsResponse, Route, error) {
	chain := r.registry.EligibleChain(primary, OperationEmbeddings, model, false, allowed)
	if len(chain) == 0 {
		return nil, Route{}, NewError(503, "no_provider_match", "no eligible providers for requested embeddings operation")
	}

	var attempts []string
	var lastErr error
	for _, entry := range chain {
		attempts = append(attempts, entry.Name)
		resp, err := entry.Provider.Embeddings(ctx, model, input)
		if err == nil {
			return resp, Route{ProviderName: entry.Name, FallbackChain: attempts, Attempts: len(attempts)}, nil
		}
		lastErr = err
		if !r.shouldRetry(err) {
			return nil, Route{FallbackChain: attempts, Attempts: len(attempts)}, err
		}
		slog.Warn("embeddings provider fallback", "failed_provider", entry.Name, "remaining", len(chain)-len(attempts), "error", err)
	}
	return nil, Route{FallbackChain: attempts, Attempts: len(attempts)}, lastErr
}

// ChatStream routes a streaming chat request. The first chunk is read
// inside the attempt so a provider that accepts the request but fails on
// stream start still fails over to the next entry.
func (r *Router) ChatStream(ctx context.Context, primary, model string, messages []openai.ChatMessage, maxTokens int, allowed []string) (StreamRoute, error) {
	chain := r.registry.EligibleChain(primary, OperationChat, model, true, allowed)
	if len(chain) == 0 {
		return StreamRoute{}, NewError(503, "no_provider_match", "no eligible providers for requested streaming chat operation")
	}

	var attempts []string
	var lastErr error
	for _, entry := range chain {
		attempts = append(attempts, entry.Name)
		stream, err := entry.Provider.ChatStream(ctx, model, messages, maxTokens)
		if err == nil {
			first, recvErr := stream.Recv()
			if recvErr != nil && !errors.Is(recvErr, io.EOF) {
				stream.Close()
				err = recvErr
			} else {
				route := Route{ProviderName: entry.Name, FallbackChain: attempts, Attempts: len(attempts)}
				return StreamRoute{Route: route, Stream: stream, FirstChunk: first}, nil
			}
		}
		lastErr = err
		if !r.shouldRetry(err) {
			return StreamRoute{Route: Route{FallbackChain: attempts, Attempts: len(attempts)}}, err
		}
		slog.Warn("stream provider fallback", "failed_provider", entry.Name, "remaining", len(chain)-len(attempts), "error", err)
	}
	return StreamRoute{Route: Route{FallbackChain: attempts, Attempts: len(attempts)}}, lastErr
}

func (r *Router) shouldRetry(err error) bool {
	var pErr *Error
	if errors.As(err, &pErr) {
		return r.retryable[pErr.StatusCode]
	}
	return false
}
