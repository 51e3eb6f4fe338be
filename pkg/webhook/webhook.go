// Package webhook fires HTTP notifications to registered receivers when
// qualifying gateway events occur. Delivery is best-effort with bounded
// retry; terminal failures land in a dead-letter store.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sovereignrag/gateway/pkg/canonicalize"
	"github.com/sovereignrag/gateway/pkg/version"
)

// Event types the gateway emits.
const (
	EventPolicyDenied     = "policy_denied"
	EventProviderFallback = "provider_fallback"
	EventBudgetWarning    = "budget_warning"
	EventBudgetExceeded   = "budget_exceeded"
	EventRedactionHit     = "redaction_hit"
	EventProviderError    = "provider_error"
)

// retryableStatuses are upstream statuses worth another attempt.
var retryableStatuses = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

const maxLogEntries = 500

// Endpoint is one registered webhook receiver. An empty EventTypes set
// subscribes the endpoint to everything.
type Endpoint struct {
	URL        string
	Secret     string
	EventTypes []string
	Disabled   bool
}

func (e Endpoint) subscribed(eventType string) bool {
	if len(e.EventTypes) == 0 {
		return true
	}
	for _, t := range e.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// DeliveryResult records one endpoint's delivery outcome.
type DeliveryResult struct {
	EndpointURL    string  `json:"endpoint_url"`
	EventType      string  `json:"event_type"`
	StatusCode     int     `json:"status_code,omitempty"`
	Success        bool    `json:"success"`
	Error          string  `json:"error,omitempty"`
	DurationMS     float64 `json:"duration_ms"`
	AttemptCount   int     `json:"attempt_count"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// Options configures a Dispatcher.
type Options struct {
	Endpoints   []Endpoint
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	DeadLetters Store // nil disables dead-lettering
	Logger      *slog.Logger
}

// Dispatcher delivers event envelopes to subscribed endpoints.
type Dispatcher struct {
	endpoints   []Endpoint
	client      *http.Client
	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration
	deadLetters Store
	logger      *slog.Logger
	clock       func() time.Time
	sleep       func(time.Duration)

	mu  sync.Mutex
	log []DeliveryResult
}

// NewDispatcher builds a dispatcher from options, applying defaults for any
// zero-valued timing knob.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BackoffBase < 0 {
		opts.BackoffBase = 0
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		endpoints:   opts.Endpoints,
		client:      &http.Client{Timeout: opts.Timeout},
		maxRetries:  opts.MaxRetries,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
		deadLetters: opts.DeadLetters,
		logger:      logger,
		clock:       time.Now,
		sleep:       time.Sleep,
	}
}

// EndpointCount reports how many receivers are registered.
func (d *Dispatcher) EndpointCount() int { return len(d.endpoints) }

// ShouldFire reports whether any enabled endpoint subscribes to eventType.
func (d *Dispatcher) ShouldFire(eventType string) bool {
	for _, ep := range d.endpoints {
		if !ep.Disabled && ep.subscribed(eventType) {
			return true
		}
	}
	return false
}

// Dispatch delivers one event to all subscribed endpoints, in registration
// order, and returns a result per delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload map[string]interface{}) []DeliveryResult {
	envelope := map[string]interface{}{
		"event_id":        "evt-" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		"event_type":      eventType,
		"timestamp":       d.clock().UTC().Format(time.RFC3339Nano),
		"gateway_version": version.Version,
		"payload":         payload,
	}
	body, err := canonicalize.JSON(envelope)
	if err != nil {
		d.logger.Warn("webhook_envelope_encode_failed", "event_type", eventType, "error", err)
		return nil
	}

	var results []DeliveryResult
	for _, endpoint := range d.endpoints {
		if endpoint.Disabled || !endpoint.subscribed(eventType) {
			continue
		}
		result := d.deliver(ctx, endpoint, eventType, body)
		if !result.Success {
			d.deadLetter(endpoint, eventType, body, result)
		}
		results = append(results, result)
		d.record(result)
	}
	return results
}

// RecentDeliveries returns up to limit results, most recent first.
func (d *Dispatcher) RecentDeliveries(limit int) []DeliveryResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	if limit <= 0 || limit > len(d.log) {
		limit = len(d.log)
	}
	out := make([]DeliveryResult, 0, limit)
	for i := len(d.log) - 1; i >= len(d.log)-limit; i-- {
		out = append(out, d.log[i])
	}
	return out
}

func (d *Dispatcher) deliver(ctx context.Context, endpoint Endpoint, eventType string, body []byte) DeliveryResult {
	idempotencyKey := canonicalize.HashBytes([]byte(endpoint.URL + ":" + string(body)))

	headers := map[string]string{
		"Content-Type":          "application/json",
		"User-Agent":            "SovereignRAGGateway/" + version.Version,
		"X-SRG-Idempotency-Key": idempotencyKey,
	}
	if endpoint.Secret != "" {
		mac := hmac.New(sha256.New, []byte(endpoint.Secret))
		mac.Write(body)
		headers["X-SRG-Signature"] = "sha256=" + hex.EncodeToString(mac.Sum(nil))
	}

	lastError := ""
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		started := d.clock()
		statusCode, err := d.post(ctx, endpoint.URL, body, headers)
		durationMS := math.Round(float64(d.clock().Sub(started).Microseconds())/1000*1000) / 1000

		if err != nil {
			lastError = fmt.Sprintf("attempt %d: %v", attempt+1, err)
			d.logger.Warn("webhook_delivery_failed",
				"endpoint", endpoint.URL, "attempt", attempt+1, "error", err)
			if attempt < d.maxRetries {
				d.sleep(d.backoff(attempt))
			}
			continue
		}

		success := statusCode >= 200 && statusCode < 300
		if !success && attempt < d.maxRetries && retryableStatuses[statusCode] {
			d.sleep(d.backoff(attempt))
			continue
		}
		return DeliveryResult{
			EndpointURL:    endpoint.URL,
			EventType:      eventType,
			StatusCode:     statusCode,
			Success:        success,
			DurationMS:     durationMS,
			AttemptCount:   attempt + 1,
			IdempotencyKey: idempotencyKey,
		}
	}

	return DeliveryResult{
		EndpointURL:    endpoint.URL,
		EventType:      eventType,
		Success:        false,
		Error:          lastError,
		AttemptCount:   d.maxRetries + 1,
		IdempotencyKey: idempotencyKey,
	}
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte, headers map[string]string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	backoff := d.backoffBase * time.Duration(1<<attempt)
	if backoff > d.backoffMax {
		backoff = d.backoffMax
	}
	return backoff
}

func (d *Dispatcher) deadLetter(endpoint Endpoint, eventType string, body []byte, result DeliveryResult) {
	if d.deadLetters == nil {
		return
	}
	record := Record{
		Timestamp:      d.clock().UTC().Format(time.RFC3339Nano),
		EventType:      eventType,
		EndpointURL:    endpoint.URL,
		StatusCode:     result.StatusCode,
		Error:          result.Error,
		AttemptCount:   result.AttemptCount,
		IdempotencyKey: result.IdempotencyKey,
		Body:           string(body),
	}
	if _, err := d.deadLetters.Write(record); err != nil {
		d.logger.Warn("webhook_dead_letter_write_failed",
			"endpoint", endpoint.URL, "error", err)
	}
}

func (d *Dispatcher) record(result DeliveryResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = append(d.log, result)
	if len(d.log) > maxLogEntries {
		d.log = d.log[len(d.log)-maxLogEntries:]
	}
}
