package provider

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sovereignrag/gateway/pkg/openai"
	"github.com/sovereignrag/gateway/pkg/retrieval"
)

// StubProvider is a deterministic in-process provider for local runs and
// tests. Chat echoes the last user message; embeddings come from the hash
// embedder. Models prefixed error-429 or error-502 raise the corresponding
// typed error, which exercises the fallback router end to end.
type StubProvider struct {
	embedder *retrieval.HashEmbedder
	clock    func() time.Time
}

// NewStubProvider builds a stub with the given embedding dimension.
func NewStubProvider(embeddingDim int) *StubProvider {
	return &StubProvider{
		embedder: retrieval.NewHashEmbedder(embeddingDim),
		clock:    time.Now,
	}
}

// WithClock overrides the timestamp source for testing.
func (p *StubProvider) WithClock(clock func() time.Time) *StubProvider {
	p.clock = clock
	return p
}

// Chat implements Provider.
func (p *StubProvider) Chat(ctx context.Context, model string, messages []openai.ChatMessage, maxTokens int) (*openai.ChatCompletionResponse, error) {
	if err := errorForModel(model); err != nil {
		return nil, err
	}

	lastUser := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			lastUser = messages[i].Content
			break
		}
	}
	if len(lastUser) > 120 {
		lastUser = lastUser[:120]
	}
	answer := "Stub response: " + lastUser

	promptTokens := 0
	for _, m := range messages {
		promptTokens += len(strings.Fields(m.Content))
	}
	if promptTokens < 1 {
		promptTokens = 1
	}
	completionTokens := len(strings.Fields(answer))
	if completionTokens < 1 {
		completionTokens = 1
	}

	return &openai.ChatCompletionResponse{
		ID:      "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Object:  openai.ObjectChatCompletion,
		Created: p.clock().Unix(),
		Model:   model,
		Choices: []openai.Choice{{
			Index:        0,
			Message:      openai.ChatMessage{Role: "assistant", Content: answer},
			FinishReason: openai.StringPtr("stop"),
		}},
		Usage: openai.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

// ChatStream implements Provider: the full chat response re-sliced into
// 32-character content chunks, then a finish chunk carrying usage.
func (p *StubProvider) ChatStream(ctx context.Context, model string, messages []openai.ChatMessage, maxTokens int) (Stream, error) {
	resp, err := p.Chat(ctx, model, messages, maxTokens)
	if err != nil {
		return nil, err
	}

	content := resp.FirstContent()
	const chunkSize = 32
	var pieces []string
	for i := 0; i < len(content); i += chunkSize {
		end := i + chunkSize
		if end > len(content) {
			end = len(content)
		}
		pieces = append(pieces, content[i:end])
	}
	if len(pieces) == 0 {
		pieces = []string{""}
	}

	chunks := make([]*openai.ChatCompletionChunk, 0, len(pieces)+1)
	for i, piece := range pieces {
		delta := openai.ChunkDelta{Content: piece}
		if i == 0 {
			delta.Role = "assistant"
		}
		chunks = append(chunks, &openai.ChatCompletionChunk{
			ID:      resp.ID,
			Object:  openai.ObjectChatCompletionChunk,
			Created: resp.Created,
			Model:   model,
			Choices: []openai.ChunkChoice{{Index: 0, Delta: delta}},
		})
	}
	usage := resp.Usage
	chunks = append(chunks, &openai.ChatCompletionChunk{
		ID:      resp.ID,
		Object:  openai.ObjectChatCompletionChunk,
		Created: resp.Created,
		Model:   model,
		Choices: []openai.ChunkChoice{{Index: 0, FinishReason: openai.StringPtr("stop")}},
		Usage:   &usage,
	})

	return &sliceStream{chunks: chunks}, nil
}

// Embeddings implements Provider.
func (p *StubProvider) Embeddings(ctx context.Context, model string, input []string) (*openai.EmbeddingsResponse, error) {
	if err := errorForModel(model); err != nil {
		return nil, err
	}

	data := make([]openai.EmbeddingItem, len(input))
	promptTokens := 0
	vectors := p.embedder.EmbedTexts(input)
	for i, text := range input {
		words := len(strings.Fields(text))
		if words < 1 {
			words = 1
		}
		promptTokens += words
		data[i] = openai.EmbeddingItem{Object: openai.ObjectEmbedding, Index: i, Embedding: vectors[i]}
	}

	return &openai.EmbeddingsResponse{
		Object: openai.ObjectList,
		Data:   data,
		Model:  model,
		Usage:  openai.Usage{PromptTokens: promptTokens, TotalTokens: promptTokens},
	}, nil
}

func errorForModel(model string) error {
	if strings.HasPrefix(model, "error-429") {
		return &Error{StatusCode: 429, Code: "provider_rate_limited", Message: "provider rate limit exceeded", Type: "rate_limit"}
	}
	if strings.HasPrefix(model, "error-502") {
		return NewError(502, "provider_bad_gateway", "provider upstream bad gateway")
	}
	return nil
}

// sliceStream replays a fixed chunk sequence.
type sliceStream struct {
	mu     sync.Mutex
	chunks []*openai.ChatCompletionChunk
	pos    int
	closed bool
}

func (s *sliceStream) Recv() (*openai.ChatCompletionChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pos >= len(s.chunks) {
		return nil, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *sliceStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// FixedStream wraps a prepared chunk slice as a Stream; test doubles and
// synthetic streams use it.
func FixedStream(chunks ...*openai.ChatCompletionChunk) Stream {
	return &sliceStream{chunks: chunks}
}
