package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sovereignrag/gateway/pkg/openai"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider calls the Anthropic Messages API and normalizes the
// result to the gateway's OpenAI shapes. Embeddings are not exposed.
type AnthropicProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	clock   func() time.Time
}

// NewAnthropicProvider builds a provider against baseURL with a per-call
// timeout.
func NewAnthropicProvider(baseURL, apiKey string, timeout time.Duration) *AnthropicProvider {
	return &AnthropicProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		clock:   time.Now,
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicChatBody struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Chat implements Provider.
func (p *AnthropicProvider) Chat(ctx context.Context, model string, messages []openai.ChatMessage, maxTokens int) (*openai.ChatCompletionResponse, error) {
	body := p.buildBody(model, messages, maxTokens, false)
	raw, err := p.post(ctx, "/v1/messages", body)
	if err != nil {
		return nil, err
	}

	var result anthropicResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, NewError(502, "provider_bad_response", fmt.Sprintf("undecodable messages response: %v", err))
	}

	var answer strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			answer.WriteString(block.Text)
		}
	}

	id := result.ID
	if id == "" {
		id = "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	respModel := result.Model
	if respModel == "" {
		respModel = model
	}

	return &openai.ChatCompletionResponse{
		ID:      id,
		Object:  openai.ObjectChatCompletion,
		Created: p.clock().Unix(),
		Model:   respModel,
		Choices: []openai.Choice{{
			Index:        0,
			Message:      openai.ChatMessage{Role: "assistant", Content: strings.TrimSpace(answer.String())},
			FinishReason: openai.StringPtr("stop"),
		}},
		Usage: openai.Usage{
			PromptTokens:     result.Usage.InputTokens,
			CompletionTokens: result.Usage.OutputTokens,
			TotalTokens:      result.Usage.InputTokens + result.Usage.OutputTokens,
		},
	}, nil
}

// ChatStream implements Provider over Anthropic SSE events
// (content_block_delta carries text; message_delta carries output tokens).
func (p *AnthropicProvider) ChatStream(ctx context.Context, model string, messages []openai.ChatMessage, maxTokens int) (Stream, error) {
	body := p.buildBody(model, messages, maxTokens, true)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("provider: encode stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("provider: build stream request: %w", err)
	}
	p.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	client := &http.Client{Transport: p.client.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	return &anthropicStream{
		body:    resp.Body,
		scanner: newSSEScanner(resp.Body),
		id:      "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		model:   model,
		created: p.clock().Unix(),
	}, nil
}

// Embeddings implements Provider. Anthropic has no embeddings endpoint.
func (p *AnthropicProvider) Embeddings(ctx context.Context, model string, input []string) (*openai.EmbeddingsResponse, error) {
	return nil, NewError(501, "provider_embeddings_unsupported", "anthropic provider does not expose embeddings")
}

// buildBody folds system messages into the system prompt and coerces any
// unknown role to user, matching the Messages API contract.
func (p *AnthropicProvider) buildBody(model string, messages []openai.ChatMessage, maxTokens int, stream bool) anthropicChatBody {
	var systemParts []string
	var normalized []anthropicMessage
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch m.Role {
		case "system":
			systemParts = append(systemParts, content)
		case "assistant":
			normalized = append(normalized, anthropicMessage{Role: "assistant", Content: content})
		default:
			normalized = append(normalized, anthropicMessage{Role: "user", Content: content})
		}
	}
	if len(normalized) == 0 {
		normalized = []anthropicMessage{{Role: "user", Content: "Continue."}}
	}
	if maxTokens <= 0 {
		maxTokens = openai.DefaultMaxTokens
	}
	return anthropicChatBody{
		Model:     model,
		Messages:  normalized,
		MaxTokens: maxTokens,
		System:    strings.Join(systemParts, "\n"),
		Stream:    stream,
	}
}

func (p *AnthropicProvider) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("provider: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("provider: build request: %w", err)
	}
	p.setHeaders(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(502, "provider_connection_error", fmt.Sprintf("read provider response: %v", err))
	}
	return raw, nil
}

func (p *AnthropicProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// anthropicStream adapts Anthropic SSE events to OpenAI-style chunks.
type anthropicStream struct {
	body        io.ReadCloser
	scanner     *bufio.Scanner
	id          string
	model       string
	created     int64
	inputTokens int
	done        bool
}

func (s *anthropicStream) Recv() (*openai.ChatCompletionChunk, error) {
	if s.done {
		return nil, io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return nil, NewError(502, "provider_bad_response", fmt.Sprintf("undecodable stream event: %v", err))
		}

		switch event.Type {
		case "message_start":
			s.inputTokens = event.Message.Usage.InputTokens
			return s.chunk(openai.ChunkDelta{Role: "assistant"}, nil, nil), nil
		case "content_block_delta":
			return s.chunk(openai.ChunkDelta{Content: event.Delta.Text}, nil, nil), nil
		case "message_delta":
			// Final event carrying output tokens; emit the finish chunk and
			// treat the trailing message_stop as end of stream.
			s.done = true
			usage := &openai.Usage{
				PromptTokens:     s.inputTokens,
				CompletionTokens: event.Usage.OutputTokens,
				TotalTokens:      s.inputTokens + event.Usage.OutputTokens,
			}
			return s.chunk(openai.ChunkDelta{}, openai.StringPtr("stop"), usage), nil
		case "message_stop":
			s.done = true
			return nil, io.EOF
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, NewError(502, "provider_connection_error", fmt.Sprintf("stream read failed: %v", err))
	}
	s.done = true
	return nil, io.EOF
}

func (s *anthropicStream) chunk(delta openai.ChunkDelta, finish *string, usage *openai.Usage) *openai.ChatCompletionChunk {
	return &openai.ChatCompletionChunk{
		ID:      s.id,
		Object:  openai.ObjectChatCompletionChunk,
		Created: s.created,
		Model:   s.model,
		Choices: []openai.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		Usage:   usage,
	}
}

func (s *anthropicStream) Close() error {
	s.done = true
	return s.body.Close()
}
