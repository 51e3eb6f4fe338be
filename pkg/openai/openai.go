// Package openai defines the OpenAI-compatible wire types accepted and
// produced by the gateway. Every layer that inspects or rewrites a request
// (policy transforms, redaction, retrieval augmentation, providers) shares
// these structs so the shape on the wire is defined exactly once.
package openai

import (
	"encoding/json"
	"fmt"
)

// Object type discriminators used on responses.
const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
	ObjectEmbedding           = "embedding"
	ObjectList                = "list"
	ObjectModel               = "model"
)

// Defaults applied when the client omits optional fields.
const (
	DefaultTemperature  = 0.2
	DefaultMaxTokens    = 256
	DefaultRAGConnector = "filesystem"
	DefaultRAGTopK      = 3

	MaxTokensCeiling = 8192
	RAGTopKCeiling   = 20
)

// Citation is the provenance record attached to retrieval-augmented
// responses under choices[0].message.citations.
type Citation struct {
	SourceID  string  `json:"source_id"`
	Connector string  `json:"connector"`
	URI       string  `json:"uri"`
	ChunkID   string  `json:"chunk_id"`
	Score     float64 `json:"score"`
}

// ChatMessage is a single conversation turn.
type ChatMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Citations []Citation `json:"citations,omitempty"`
}

// RAGOptions is the gateway's retrieval extension on the chat request.
type RAGOptions struct {
	Enabled   bool              `json:"enabled"`
	Connector string            `json:"connector,omitempty"`
	TopK      int               `json:"top_k,omitempty"`
	Filters   map[string]string `json:"filters,omitempty"`
}

// ChatCompletionRequest is the body of POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	RAG         *RAGOptions   `json:"rag,omitempty"`
}

var validRoles = map[string]bool{"system": true, "user": true, "assistant": true}

// Validate checks the request against the wire contract. It returns a
// client-facing message describing the first violation found.
func (r *ChatCompletionRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must contain at least one entry")
	}
	for i, m := range r.Messages {
		if !validRoles[m.Role] {
			return fmt.Errorf("messages[%d].role must be one of system, user, assistant", i)
		}
		if m.Content == "" {
			return fmt.Errorf("messages[%d].content must not be empty", i)
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if r.MaxTokens != nil && (*r.MaxTokens < 1 || *r.MaxTokens > MaxTokensCeiling) {
		return fmt.Errorf("max_tokens must be between 1 and %d", MaxTokensCeiling)
	}
	if r.RAG != nil && r.RAG.TopK != 0 && (r.RAG.TopK < 1 || r.RAG.TopK > RAGTopKCeiling) {
		return fmt.Errorf("rag.top_k must be between 1 and %d", RAGTopKCeiling)
	}
	return nil
}

// ApplyDefaults fills optional fields so downstream stages and content
// hashes always see a fully populated request.
func (r *ChatCompletionRequest) ApplyDefaults() {
	if r.Temperature == nil {
		t := DefaultTemperature
		r.Temperature = &t
	}
	if r.MaxTokens == nil {
		n := DefaultMaxTokens
		r.MaxTokens = &n
	}
	if r.RAG != nil {
		if r.RAG.Connector == "" {
			r.RAG.Connector = DefaultRAGConnector
		}
		if r.RAG.TopK == 0 {
			r.RAG.TopK = DefaultRAGTopK
		}
	}
}

// Clone returns a deep copy. Policy transforms and redaction mutate the
// copy so the originally received payload stays intact for hashing.
func (r *ChatCompletionRequest) Clone() *ChatCompletionRequest {
	out := &ChatCompletionRequest{
		Model:  r.Model,
		Stream: r.Stream,
	}
	if r.Temperature != nil {
		t := *r.Temperature
		out.Temperature = &t
	}
	if r.MaxTokens != nil {
		n := *r.MaxTokens
		out.MaxTokens = &n
	}
	out.Messages = make([]ChatMessage, len(r.Messages))
	for i, m := range r.Messages {
		cm := ChatMessage{Role: m.Role, Content: m.Content}
		if len(m.Citations) > 0 {
			cm.Citations = append([]Citation(nil), m.Citations...)
		}
		out.Messages[i] = cm
	}
	if r.RAG != nil {
		rag := RAGOptions{
			Enabled:   r.RAG.Enabled,
			Connector: r.RAG.Connector,
			TopK:      r.RAG.TopK,
		}
		if r.RAG.Filters != nil {
			rag.Filters = make(map[string]string, len(r.RAG.Filters))
			for k, v := range r.RAG.Filters {
				rag.Filters[k] = v
			}
		}
		out.RAG = &rag
	}
	return out
}

// LastUserContent returns the content of the most recent user message, or
// "" when the conversation has none. Retrieval uses it as the query text.
func (r *ChatCompletionRequest) LastUserContent() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Usage reports token consumption as billed.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion alternative. FinishReason is a pointer because
// streaming deltas carry an explicit null until the final chunk.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason *string     `json:"finish_reason"`
}

// ChatCompletionResponse is the body returned by POST /v1/chat/completions.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// FirstContent returns choices[0].message.content, or "" when absent.
func (r *ChatCompletionResponse) FirstContent() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// ChunkDelta is the incremental payload inside a streaming choice.
type ChunkDelta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	Citations []Citation `json:"citations,omitempty"`
}

// ChunkChoice is one streaming choice. FinishReason marshals as null on
// intermediate chunks.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChatCompletionChunk is a single SSE frame payload.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// FirstContent returns choices[0].delta.content, or "" when absent.
func (c *ChatCompletionChunk) FirstContent() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Delta.Content
}

// InputStrings accepts either a single string or an array of strings on
// the wire and always marshals back as an array.
type InputStrings []string

func (s *InputStrings) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = InputStrings{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("input must be a string or an array of strings")
	}
	*s = InputStrings(many)
	return nil
}

// EmbeddingsRequest is the body of POST /v1/embeddings.
type EmbeddingsRequest struct {
	Model string       `json:"model"`
	Input InputStrings `json:"input"`
}

// Validate checks the embeddings request against the wire contract.
func (r *EmbeddingsRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Input) == 0 {
		return fmt.Errorf("input must contain at least one string")
	}
	for i, in := range r.Input {
		if in == "" {
			return fmt.Errorf("input[%d] must not be empty", i)
		}
	}
	return nil
}

// EmbeddingItem is one vector in an embeddings response.
type EmbeddingItem struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// EmbeddingsResponse is the body returned by POST /v1/embeddings.
type EmbeddingsResponse struct {
	Object string          `json:"object"`
	Data   []EmbeddingItem `json:"data"`
	Model  string          `json:"model"`
	Usage  Usage           `json:"usage"`
}

// ModelInfo is one entry in GET /v1/models.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the body returned by GET /v1/models.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// StringPtr returns a pointer to s. Streaming emitters use it for
// finish_reason values.
func StringPtr(s string) *string { return &s }
