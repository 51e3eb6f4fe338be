// Package gateway orchestrates the request pipeline: policy evaluation,
// transforms, retrieval augmentation, redaction, budget enforcement,
// provider routing with fallback, audit persistence, and webhook/trace
// emission. Each operation runs its side effects in a fixed order so that
// audit events, budget accounting, and webhook notifications stay
// consistent under partial failure.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/sovereignrag/gateway/pkg/audit"
	"github.com/sovereignrag/gateway/pkg/budget"
	"github.com/sovereignrag/gateway/pkg/canonicalize"
	"github.com/sovereignrag/gateway/pkg/config"
	"github.com/sovereignrag/gateway/pkg/contracts"
	"github.com/sovereignrag/gateway/pkg/metrics"
	"github.com/sovereignrag/gateway/pkg/openai"
	"github.com/sovereignrag/gateway/pkg/policy"
	"github.com/sovereignrag/gateway/pkg/provider"
	"github.com/sovereignrag/gateway/pkg/redaction"
	"github.com/sovereignrag/gateway/pkg/retrieval"
	"github.com/sovereignrag/gateway/pkg/telemetry"
	"github.com/sovereignrag/gateway/pkg/webhook"
)

// RequestContext is created at ingress and immutable afterwards. RequestID
// doubles as the trace id and is preserved on every downstream record.
type RequestContext struct {
	RequestID      string
	TenantID       string
	UserID         string
	Classification string
	Endpoint       string
	StartedAt      time.Time
}

// Options wires the pipeline's collaborators. Budget, Webhooks, Tracer, and
// Metrics are optional; nil disables the corresponding stage.
type Options struct {
	Config    *config.Config
	Contracts *contracts.Registry
	Policy    policy.Client
	Redactor  *redaction.Engine
	Audit     *audit.Writer
	Retrieval *retrieval.Orchestrator
	Registry  *provider.Registry
	Router    *provider.Router
	Budget    budget.Tracker
	Webhooks  *webhook.Dispatcher
	Tracer    *telemetry.Collector
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Service is the pipeline orchestrator behind every API operation.
type Service struct {
	cfg       *config.Config
	contracts *contracts.Registry
	policy    policy.Client
	redactor  *redaction.Engine
	audit     *audit.Writer
	retrieval *retrieval.Orchestrator
	registry  *provider.Registry
	router    *provider.Router
	budget    budget.Tracker
	webhooks  *webhook.Dispatcher
	tracer    *telemetry.Collector
	metrics   *metrics.Metrics
	logger    *slog.Logger
	clock     func() time.Time
}

// New builds a Service from options.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		cfg:       opts.Config,
		contracts: opts.Contracts,
		policy:    opts.Policy,
		redactor:  opts.Redactor,
		audit:     opts.Audit,
		retrieval: opts.Retrieval,
		registry:  opts.Registry,
		router:    opts.Router,
		budget:    opts.Budget,
		webhooks:  opts.Webhooks,
		tracer:    opts.Tracer,
		metrics:   opts.Metrics,
		logger:    logger,
		clock:     clock,
	}
}

// Readiness reports the state of the dependencies a request needs.
func (s *Service) Readiness() map[string]string {
	schemas := "missing"
	if s.contracts != nil {
		schemas = "ok"
	}
	providers := "no_providers"
	if s.registry != nil && len(s.registry.List()) > 0 {
		providers = "ok"
	}
	return map[string]string{
		"policy_schema": schemas,
		"audit_schema":  schemas,
		"provider":      providers,
	}
}

// ListModels returns the configured model catalog in the OpenAI list shape.
func (s *Service) ListModels() openai.ModelList {
	data := make([]openai.ModelInfo, 0, len(s.cfg.ModelCatalog))
	for _, model := range s.cfg.ModelCatalog {
		data = append(data, openai.ModelInfo{
			ID:      model,
			Object:  openai.ObjectModel,
			Created: 0,
			OwnedBy: "srg",
		})
	}
	return openai.ModelList{Object: openai.ObjectList, Data: data}
}

// GetTrace returns the collected spans for a request id.
func (s *Service) GetTrace(requestID string) (map[string]interface{}, error) {
	if s.tracer == nil {
		return nil, NewError(503, "tracing_disabled", "provider", "Tracing is not enabled")
	}
	return map[string]interface{}{
		"trace_id": requestID,
		"spans":    s.tracer.GetTrace(requestID),
	}, nil
}

// span starts a span when tracing is enabled; returns nil otherwise.
func (s *Service) span(traceID, operation, parentSpanID string, attrs map[string]interface{}) *telemetry.SpanContext {
	if s.tracer == nil {
		return nil
	}
	return s.tracer.Span(traceID, operation, parentSpanID, attrs)
}

func endSpan(span *telemetry.SpanContext, err error) {
	if span != nil {
		span.End(err)
	}
}

func spanID(span *telemetry.SpanContext) string {
	if span == nil {
		return ""
	}
	return span.SpanID()
}

// sensitive reports whether the classification routes through redaction.
func (s *Service) sensitive(classification string) bool {
	if !s.cfg.RedactionEnabled || s.redactor == nil {
		return false
	}
	return classification == "phi" || classification == "pii"
}

// hashValue hashes any JSON-encodable value with canonical-JSON SHA-256.
func hashValue(v interface{}) string {
	h, err := canonicalize.Hash(v)
	if err != nil {
		return canonicalize.HashBytes([]byte(fmt.Sprint(v)))
	}
	return h
}

// messageMaps projects messages to role/content pairs so content hashes are
// insensitive to optional fields like citations.
func messageMaps(messages []openai.ChatMessage) []map[string]string {
	out := make([]map[string]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, map[string]string{"role": m.Role, "content": m.Content})
	}
	return out
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// promptTokenEstimate is the whitespace-word count across messages, floor 1.
func promptTokenEstimate(messages []openai.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += wordCount(m.Content)
	}
	if total < 1 {
		return 1
	}
	return total
}

// estimateRequestedTokens is the budget charge checked before a provider
// call: prompt estimate plus the completion ceiling.
func estimateRequestedTokens(messages []openai.ChatMessage, maxTokens int) int {
	estimate := promptTokenEstimate(messages)
	if maxTokens > 0 {
		estimate += maxTokens
	}
	return estimate
}

func roundUSD(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}

// chatCost applies the fixed per-token scalar for chat completions.
func chatCost(tokensIn, tokensOut int) float64 {
	return roundUSD(float64(tokensIn+tokensOut) * 0.000001)
}

// embeddingsCost applies the fixed per-token scalar for embeddings.
func embeddingsCost(tokensIn int) float64 {
	return roundUSD(float64(tokensIn) * 0.0000002)
}

// decisionLabel maps a policy decision to its audit label.
func (s *Service) decisionLabel(d *policy.Decision) string {
	if !d.Allow {
		return "deny"
	}
	if s.cfg.OPAMode == policy.ModeObserve && d.DenyReason != nil && *d.DenyReason != "" {
		return "observe"
	}
	if len(d.Transforms) > 0 {
		return "transform"
	}
	return "allow"
}

func transformTypes(transforms []policy.TransformAction) []string {
	out := make([]string, 0, len(transforms))
	for _, t := range transforms {
		out = append(out, t.Type)
	}
	return out
}

func errorTypeName(err error) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

// latencyMS measures elapsed time against the injected clock.
func (s *Service) latencyMS(started time.Time) int64 {
	return s.clock().Sub(started).Milliseconds()
}

// withoutCancel detaches post-response work (webhooks, budget records in
// stream finalizers) from a client context that may already be cancelled.
func withoutCancel(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
