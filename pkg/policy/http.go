package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sovereignrag/gateway/pkg/contracts"
)

// HTTPClient evaluates policy against a remote engine. The response body must
// satisfy the policy-decision contract; anything else is a ContractError, and
// a slow engine is a TimeoutError.
type HTTPClient struct {
	endpoint  string
	timeout   time.Duration
	contracts *contracts.Registry
	client    *http.Client
}

// NewHTTPClient builds a client for the engine at endpoint.
func NewHTTPClient(endpoint string, timeout time.Duration, reg *contracts.Registry) *HTTPClient {
	if timeout <= 0 {
		timeout = 150 * time.Millisecond
	}
	return &HTTPClient{
		endpoint:  endpoint,
		timeout:   timeout,
		contracts: reg,
		client:    &http.Client{Timeout: timeout},
	}
}

// Evaluate implements Client.
func (c *HTTPClient) Evaluate(ctx context.Context, input Input) (*Decision, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, &ContractError{Reason: "encode policy input", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &ContractError{Reason: "build policy request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, &TimeoutError{Err: err}
		}
		return nil, &ContractError{Reason: "policy engine unreachable", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if isTimeout(err) {
			return nil, &TimeoutError{Err: err}
		}
		return nil, &ContractError{Reason: "read policy response", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ContractError{Reason: fmt.Sprintf("policy engine returned status %d", resp.StatusCode)}
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, &ContractError{Reason: "policy response is not JSON", Err: err}
	}
	if err := c.contracts.ValidatePolicyDecision(generic); err != nil {
		return nil, &ContractError{Reason: "decision failed contract validation", Err: err}
	}

	var decision Decision
	if err := json.Unmarshal(raw, &decision); err != nil {
		return nil, &ContractError{Reason: "decode policy decision", Err: err}
	}
	return &decision, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return true
	}
	return false
}
