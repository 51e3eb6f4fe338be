// Package provider defines the upstream LLM provider contract, the registry
// of configured providers, and the fallback router that walks them in
// priority order when an upstream returns a retryable error.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/sovereignrag/gateway/pkg/openai"
)

// Error is a typed upstream failure. The router retries entries whose
// status code is in the retryable set; everything else propagates.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Type       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider: %s (%d %s)", e.Message, e.StatusCode, e.Code)
}

// NewError builds a provider error of type "provider".
func NewError(statusCode int, code, message string) *Error {
	return &Error{StatusCode: statusCode, Code: code, Message: message, Type: "provider"}
}

// Capabilities declares what operations a provider supports and which model
// namespaces it serves.
type Capabilities struct {
	Chat          bool
	Embeddings    bool
	Streaming     bool
	ModelPrefixes []string
}

// SupportsModel reports whether the model falls inside this provider's
// prefix filter. An empty filter accepts everything.
func (c Capabilities) SupportsModel(model string) bool {
	if len(c.ModelPrefixes) == 0 {
		return true
	}
	for _, prefix := range c.ModelPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// Cost is per-token pricing in USD. Advisory: the pipeline audits cost with
// its fixed scalars; registry costs drive CheapestForTokens reporting only.
type Cost struct {
	InputPerToken  float64
	OutputPerToken float64
}

// Stream yields chat completion chunks. Recv returns io.EOF after the final
// chunk; Close releases the underlying connection and is safe to call twice.
type Stream interface {
	Recv() (*openai.ChatCompletionChunk, error)
	Close() error
}

// Provider is one upstream LLM endpoint normalized to the OpenAI shapes.
type Provider interface {
	Chat(ctx context.Context, model string, messages []openai.ChatMessage, maxTokens int) (*openai.ChatCompletionResponse, error)
	ChatStream(ctx context.Context, model string, messages []openai.ChatMessage, maxTokens int) (Stream, error)
	Embeddings(ctx context.Context, model string, input []string) (*openai.EmbeddingsResponse, error)
}
