package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sovereignrag/gateway/pkg/openai"
)

// OpenAIProvider calls any OpenAI-compatible chat/embeddings endpoint,
// including SSE streaming.
type OpenAIProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpenAIProvider builds a provider against baseURL with a per-call
// timeout. The timeout is not applied to streaming responses; streams are
// bounded by the request context instead.
func NewOpenAIProvider(baseURL, apiKey string, timeout time.Duration) *OpenAIProvider {
	return &OpenAIProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type openAIChatBody struct {
	Model     string               `json:"model"`
	Messages  []openai.ChatMessage `json:"messages"`
	MaxTokens int                  `json:"max_tokens,omitempty"`
	Stream    bool                 `json:"stream,omitempty"`
}

// Chat implements Provider.
func (p *OpenAIProvider) Chat(ctx context.Context, model string, messages []openai.ChatMessage, maxTokens int) (*openai.ChatCompletionResponse, error) {
	body := openAIChatBody{Model: model, Messages: messages, MaxTokens: maxTokens}
	raw, err := p.post(ctx, "/v1/chat/completions", body)
	if err != nil {
		return nil, err
	}
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, NewError(502, "provider_bad_response", fmt.Sprintf("undecodable chat response: %v", err))
	}
	return &resp, nil
}

// Embeddings implements Provider.
func (p *OpenAIProvider) Embeddings(ctx context.Context, model string, input []string) (*openai.EmbeddingsResponse, error) {
	body := map[string]interface{}{"model": model, "input": input}
	raw, err := p.post(ctx, "/v1/embeddings", body)
	if err != nil {
		return nil, err
	}
	var resp openai.EmbeddingsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, NewError(502, "provider_bad_response", fmt.Sprintf("undecodable embeddings response: %v", err))
	}
	return &resp, nil
}

// ChatStream implements Provider. The response body stays open for the
// lifetime of the returned Stream.
func (p *OpenAIProvider) ChatStream(ctx context.Context, model string, messages []openai.ChatMessage, maxTokens int) (Stream, error) {
	body := openAIChatBody{Model: model, Messages: messages, MaxTokens: maxTokens, Stream: true}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("provider: encode stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("provider: build stream request: %w", err)
	}
	p.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	// Streams outlive any fixed timeout; rely on ctx for cancellation.
	client := &http.Client{Transport: p.client.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return &sseStream{body: resp.Body, scanner: newSSEScanner(resp.Body)}, nil
}

func (p *OpenAIProvider) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
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

func (p *OpenAIProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

func transportError(err error) *Error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return NewError(503, "provider_timeout", fmt.Sprintf("provider request timed out: %v", err))
	}
	return NewError(502, "provider_connection_error", fmt.Sprintf("cannot connect to provider: %v", err))
}

func statusError(resp *http.Response) *Error {
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return &Error{StatusCode: 429, Code: "provider_rate_limited", Message: "provider rate limit exceeded", Type: "rate_limit"}
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return NewError(resp.StatusCode, "provider_upstream_error", fmt.Sprintf("provider returned %d", resp.StatusCode))
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
	return NewError(resp.StatusCode, "provider_error", fmt.Sprintf("provider returned %d: %s", resp.StatusCode, snippet))
}

// sseStream decodes OpenAI-style "data: <json>" frames into chunks.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func newSSEScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 16*1024), 1024*1024)
	return scanner
}

func (s *sseStream) Recv() (*openai.ChatCompletionChunk, error) {
	if s.done {
		return nil, io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.done = true
			return nil, io.EOF
		}
		var chunk openai.ChatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, NewError(502, "provider_bad_response", fmt.Sprintf("undecodable stream chunk: %v", err))
		}
		return &chunk, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, NewError(502, "provider_connection_error", fmt.Sprintf("stream read failed: %v", err))
	}
	s.done = true
	return nil, io.EOF
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}
