package gateway

import (
	"context"
	"errors"
	"strconv"

	"github.com/sovereignrag/gateway/pkg/budget"
	"github.com/sovereignrag/gateway/pkg/metrics"
	"github.com/sovereignrag/gateway/pkg/openai"
	"github.com/sovereignrag/gateway/pkg/policy"
	"github.com/sovereignrag/gateway/pkg/provider"
	"github.com/sovereignrag/gateway/pkg/retrieval"
	"github.com/sovereignrag/gateway/pkg/telemetry"
	"github.com/sovereignrag/gateway/pkg/webhook"
)

// chatPrep is the outcome of the shared pre-flight stages: policy evaluated
// and enforced, transforms applied, retrieval context injected, input
// redacted, constraints validated, and the budget gate passed. Both the
// blocking and streaming chat paths consume it.
type chatPrep struct {
	decision            *policy.Decision
	label               string
	transformed         *openai.ChatCompletionRequest
	citations           []openai.Citation
	inputRedactions     int
	requestPayloadHash  string
	redactedPayloadHash string
	providerRequestHash string
	selectedModel       string
	maxTokens           int
	allowed             []string
	budgetSummary       *budget.Summary
	webhookEvents       []map[string]interface{}
	rootSpan            *telemetry.SpanContext
}

// prepareChat runs the pre-provider pipeline stages in order. On error the
// root span is closed here; on success the caller owns it.
func (s *Service) prepareChat(ctx context.Context, reqCtx RequestContext, req *openai.ChatCompletionRequest, streaming bool) (*chatPrep, error) {
	req.ApplyDefaults()

	prep := &chatPrep{
		requestPayloadHash: hashValue(req),
	}
	prep.rootSpan = s.span(reqCtx.RequestID, telemetry.RootOperation, "", map[string]interface{}{
		"endpoint":   reqCtx.Endpoint,
		"tenant_id":  reqCtx.TenantID,
		"user_id":    reqCtx.UserID,
		"request_id": reqCtx.RequestID,
		"streaming":  streaming,
	})
	fail := func(err error) (*chatPrep, error) {
		endSpan(prep.rootSpan, err)
		return nil, err
	}

	ragRequested := req.RAG != nil && req.RAG.Enabled && s.cfg.RAGEnabled
	connectorTargets := []string{}
	if ragRequested {
		connectorTargets = []string{req.RAG.Connector}
	}

	input := policy.Input{
		TenantID:         reqCtx.TenantID,
		UserID:           reqCtx.UserID,
		Endpoint:         reqCtx.Endpoint,
		RequestedModel:   req.Model,
		Classification:   reqCtx.Classification,
		EstimatedTokens:  promptTokenEstimate(req.Messages),
		ConnectorTargets: connectorTargets,
		RequestMetadata:  map[string]interface{}{"request_id": reqCtx.RequestID},
	}

	policySpan := s.span(reqCtx.RequestID, "policy.evaluate", spanID(prep.rootSpan), map[string]interface{}{
		"endpoint": reqCtx.Endpoint, "model": req.Model, "streaming": streaming,
	})
	decision, err := s.resolvePolicyDecision(ctx, input, reqCtx.RequestID)
	endSpan(policySpan, err)
	if err != nil {
		return fail(err)
	}
	prep.decision = decision
	prep.label = s.decisionLabel(decision)

	if !decision.Allow && s.cfg.OPAMode == policy.ModeEnforce {
		reason := "policy_denied"
		if decision.DenyReason != nil && *decision.DenyReason != "" {
			reason = *decision.DenyReason
		}
		s.queueWebhook(ctx, webhook.EventPolicyDenied, map[string]interface{}{
			"request_id":      reqCtx.RequestID,
			"tenant_id":       reqCtx.TenantID,
			"user_id":         reqCtx.UserID,
			"endpoint":        reqCtx.Endpoint,
			"requested_model": req.Model,
			"deny_reason":     reason,
		}, &prep.webhookEvents)
		s.writePolicyDenyAudit(reqCtx, req.Model, decision, reason, prep.requestPayloadHash, streaming, prep.webhookEvents)
		return fail(NewError(403, "policy_denied", "policy", reason))
	}

	prep.transformed = policy.ApplyTransforms(req, decision.Transforms)

	if ragRequested {
		ragSpan := s.span(reqCtx.RequestID, "rag.retrieve", spanID(prep.rootSpan), map[string]interface{}{
			"connector": req.RAG.Connector, "top_k": req.RAG.TopK,
		})
		chunks, rerr := s.retrieveChunks(ctx, retrieval.Request{
			Query:     req.LastUserContent(),
			Connector: req.RAG.Connector,
			K:         req.RAG.TopK,
			Filters:   req.RAG.Filters,
		}, decision)
		endSpan(ragSpan, rerr)
		if rerr != nil {
			return fail(rerr)
		}
		if len(chunks) > 0 {
			prep.transformed.Messages = append(prep.transformed.Messages, openai.ChatMessage{
				Role:    "system",
				Content: buildRetrievalContext(chunks),
			})
			prep.citations = citationsFromChunks(chunks)
		}
	}

	if s.sensitive(reqCtx.Classification) {
		redactSpan := s.span(reqCtx.RequestID, "redaction.scan", spanID(prep.rootSpan), map[string]interface{}{
			"direction": "request", "streaming": streaming,
		})
		result := s.redactor.RedactMessages(prep.transformed.Messages)
		prep.transformed.Messages = result.Messages
		prep.inputRedactions = result.Count
		endSpan(redactSpan, nil)
	}
	prep.redactedPayloadHash = hashValue(messageMaps(prep.transformed.Messages))

	prep.selectedModel = prep.transformed.Model
	if verr := validateModelConstraints(decision, prep.selectedModel); verr != nil {
		return fail(verr)
	}
	if prep.transformed.MaxTokens != nil {
		prep.maxTokens = *prep.transformed.MaxTokens
	}
	prep.allowed = allowedProviderNames(decision)
	if verr := s.validateProviderConstraints(prep.allowed); verr != nil {
		return fail(verr)
	}
	routable, verr := s.routingAllowList(prep.allowed)
	if verr != nil {
		return fail(verr)
	}
	prep.allowed = routable

	summary, berr := s.enforceBudget(ctx, budgetGate{
		reqCtx:             reqCtx,
		requestedModel:     req.Model,
		selectedModel:      prep.selectedModel,
		decision:           decision,
		requestPayloadHash: prep.requestPayloadHash,
		streaming:          streaming,
		requestedTokens:    estimateRequestedTokens(prep.transformed.Messages, prep.maxTokens),
		webhookEvents:      &prep.webhookEvents,
	})
	if berr != nil {
		return fail(berr)
	}
	prep.budgetSummary = summary

	prep.providerRequestHash = hashValue(map[string]interface{}{
		"model":      prep.selectedModel,
		"messages":   messageMaps(prep.transformed.Messages),
		"max_tokens": prep.maxTokens,
	})
	return prep, nil
}

// Chat runs the full blocking pipeline for POST /v1/chat/completions.
func (s *Service) Chat(ctx context.Context, reqCtx RequestContext, req *openai.ChatCompletionRequest) (resp *openai.ChatCompletionResponse, err error) {
	started := s.clock()

	prep, err := s.prepareChat(ctx, reqCtx, req, false)
	if err != nil {
		return nil, err
	}
	defer func() { endSpan(prep.rootSpan, err) }()

	callSpan := s.span(reqCtx.RequestID, "provider.call", spanID(prep.rootSpan), map[string]interface{}{
		"provider": s.cfg.ProviderName, "model": prep.selectedModel, "streaming": false,
	})
	resp, route, perr := s.router.Chat(ctx, s.cfg.ProviderName, prep.selectedModel, prep.transformed.Messages, prep.maxTokens, prep.allowed)
	endSpan(callSpan, perr)
	routedProvider := routedProviderName(route, s.cfg.ProviderName)
	if perr != nil {
		s.queueProviderError(ctx, reqCtx, routedProvider, prep.selectedModel, perr, false, &prep.webhookEvents)
		s.writeProviderErrorAudit(auditParams{
			reqCtx:              reqCtx,
			requestedModel:      req.Model,
			selectedModel:       prep.selectedModel,
			providerName:        routedProvider,
			decision:            prep.decision,
			label:               prep.label,
			redactionCount:      prep.inputRedactions,
			inputRedactionCount: prep.inputRedactions,
			requestPayloadHash:  prep.requestPayloadHash,
			redactedPayloadHash: prep.redactedPayloadHash,
			providerRequestHash: prep.providerRequestHash,
			citations:           prep.citations,
			streaming:           false,
			providerAttempts:    route.Attempts,
			fallbackChain:       route.FallbackChain,
			budget:              prep.budgetSummary,
			webhookEvents:       prep.webhookEvents,
		}, perr)
		return nil, errorFromProvider(perr)
	}

	outputRedactions := 0
	if s.sensitive(reqCtx.Classification) {
		redactSpan := s.span(reqCtx.RequestID, "redaction.scan", spanID(prep.rootSpan), map[string]interface{}{
			"direction": "response", "streaming": false,
		})
		for i := range resp.Choices {
			result := s.redactor.RedactText(resp.Choices[i].Message.Content)
			resp.Choices[i].Message.Content = result.Text
			outputRedactions += result.Count
		}
		endSpan(redactSpan, nil)
	}

	if len(prep.citations) > 0 && len(resp.Choices) > 0 {
		resp.Choices[0].Message.Citations = prep.citations
	}
	providerResponseHash := hashValue(resp)

	tokensIn := resp.Usage.PromptTokens
	tokensOut := resp.Usage.CompletionTokens
	costUSD := chatCost(tokensIn, tokensOut)
	redactionCount := prep.inputRedactions + outputRedactions

	prep.budgetSummary = s.recordBudgetUsage(ctx, reqCtx.TenantID, tokensIn+tokensOut, prep.budgetSummary)

	if route.Attempts > 1 {
		s.queueWebhook(ctx, webhook.EventProviderFallback, map[string]interface{}{
			"request_id":        reqCtx.RequestID,
			"tenant_id":         reqCtx.TenantID,
			"provider_attempts": route.Attempts,
			"fallback_chain":    route.FallbackChain,
			"streaming":         false,
		}, &prep.webhookEvents)
	}
	if redactionCount > 0 {
		s.queueWebhook(ctx, webhook.EventRedactionHit, map[string]interface{}{
			"request_id":             reqCtx.RequestID,
			"tenant_id":              reqCtx.TenantID,
			"input_redaction_count":  prep.inputRedactions,
			"output_redaction_count": outputRedactions,
			"redaction_count":        redactionCount,
			"streaming":              false,
		}, &prep.webhookEvents)
	}

	event := s.buildAuditEvent(auditParams{
		reqCtx:               reqCtx,
		requestedModel:       req.Model,
		selectedModel:        prep.selectedModel,
		providerName:         routedProvider,
		decision:             prep.decision,
		label:                prep.label,
		redactionCount:       redactionCount,
		inputRedactionCount:  prep.inputRedactions,
		outputRedactionCount: outputRedactions,
		requestPayloadHash:   prep.requestPayloadHash,
		redactedPayloadHash:  prep.redactedPayloadHash,
		providerRequestHash:  prep.providerRequestHash,
		providerResponseHash: providerResponseHash,
		citations:            prep.citations,
		streaming:            false,
		tokensIn:             tokensIn,
		tokensOut:            tokensOut,
		costUSD:              costUSD,
		providerAttempts:     route.Attempts,
		fallbackChain:        route.FallbackChain,
		budget:               prep.budgetSummary,
		webhookEvents:        prep.webhookEvents,
	})
	auditSpan := s.span(reqCtx.RequestID, "audit.persist", spanID(prep.rootSpan), map[string]interface{}{
		"streaming": false, "provider": routedProvider,
	})
	_, werr := s.audit.WriteEvent(event)
	endSpan(auditSpan, werr)
	if werr != nil {
		s.logger.Error("audit_write_failed",
			"request_id", reqCtx.RequestID, "provider", routedProvider, "error", werr)
		return nil, NewError(502, "audit_write_failed", "provider", "Failed to persist audit event")
	}

	latencyMS := s.latencyMS(started)
	s.logger.Info("chat_completed",
		"request_id", reqCtx.RequestID,
		"tenant_id", reqCtx.TenantID,
		"user_id", reqCtx.UserID,
		"model", prep.selectedModel,
		"policy_decision", prep.label,
		"redaction_count", redactionCount,
		"provider", routedProvider,
		"latency_ms", latencyMS,
		"tokens_in", tokensIn,
		"tokens_out", tokensOut,
		"cost_usd", costUSD,
		"provider_attempts", route.Attempts,
	)
	s.recordMetrics(reqCtx.Endpoint, routedProvider, prep.selectedModel, prep.label, 200,
		latencyMS, tokensIn, tokensOut, costUSD, redactionCount, route.Attempts)

	return resp, nil
}

// queueProviderError emits the provider_error webhook for a failed call.
func (s *Service) queueProviderError(ctx context.Context, reqCtx RequestContext, providerName, model string, err error, streaming bool, events *[]map[string]interface{}) {
	payload := map[string]interface{}{
		"request_id": reqCtx.RequestID,
		"tenant_id":  reqCtx.TenantID,
		"user_id":    reqCtx.UserID,
		"provider":   providerName,
		"model":      model,
		"streaming":  streaming,
	}
	var perr *provider.Error
	if errors.As(err, &perr) {
		payload["status_code"] = perr.StatusCode
		payload["code"] = perr.Code
	} else {
		payload["error"] = errorTypeName(err)
	}
	s.queueWebhook(ctx, webhook.EventProviderError, payload, events)
}

// routedProviderName picks the provider name to report when routing failed
// before any provider answered.
func routedProviderName(route provider.Route, fallback string) string {
	if route.ProviderName != "" {
		return route.ProviderName
	}
	if n := len(route.FallbackChain); n > 0 {
		return route.FallbackChain[n-1]
	}
	return fallback
}

func (s *Service) recordMetrics(endpoint, providerName, model, label string, status int, latencyMS int64, tokensIn, tokensOut int, costUSD float64, redactions, attempts int) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordRequest(metrics.RequestObservation{
		Endpoint:         endpoint,
		Provider:         providerName,
		Model:            model,
		PolicyDecision:   label,
		StatusCode:       strconv.Itoa(status),
		LatencySeconds:   float64(latencyMS) / 1000.0,
		TokensIn:         tokensIn,
		TokensOut:        tokensOut,
		CostUSD:          costUSD,
		RedactionCount:   redactions,
		ProviderAttempts: attempts,
	})
}
