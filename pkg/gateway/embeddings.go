package gateway

import (
	"context"

	"github.com/sovereignrag/gateway/pkg/openai"
	"github.com/sovereignrag/gateway/pkg/policy"
	"github.com/sovereignrag/gateway/pkg/telemetry"
	"github.com/sovereignrag/gateway/pkg/webhook"
)

// Embeddings runs the pipeline for POST /v1/embeddings. No retrieval stage
// and no output redaction: embedding vectors carry no prose to redact.
func (s *Service) Embeddings(ctx context.Context, reqCtx RequestContext, req *openai.EmbeddingsRequest) (resp *openai.EmbeddingsResponse, err error) {
	started := s.clock()
	var webhookEvents []map[string]interface{}

	if len(req.Input) == 0 {
		return nil, NewError(422, "request_validation_failed", "validation", "Input cannot be empty")
	}
	requestPayloadHash := hashValue(req)

	rootSpan := s.span(reqCtx.RequestID, telemetry.RootOperation, "", map[string]interface{}{
		"endpoint":   reqCtx.Endpoint,
		"tenant_id":  reqCtx.TenantID,
		"user_id":    reqCtx.UserID,
		"request_id": reqCtx.RequestID,
	})
	defer func() { endSpan(rootSpan, err) }()

	estimated := 0
	for _, item := range req.Input {
		estimated += wordCount(item)
	}
	input := policy.Input{
		TenantID:         reqCtx.TenantID,
		UserID:           reqCtx.UserID,
		Endpoint:         reqCtx.Endpoint,
		RequestedModel:   req.Model,
		Classification:   reqCtx.Classification,
		EstimatedTokens:  estimated,
		ConnectorTargets: []string{},
		RequestMetadata:  map[string]interface{}{"request_id": reqCtx.RequestID},
	}

	policySpan := s.span(reqCtx.RequestID, "policy.evaluate", spanID(rootSpan), map[string]interface{}{
		"endpoint": reqCtx.Endpoint, "model": req.Model,
	})
	decision, perr := s.resolvePolicyDecision(ctx, input, reqCtx.RequestID)
	endSpan(policySpan, perr)
	if perr != nil {
		return nil, perr
	}
	label := s.decisionLabel(decision)

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
		}, &webhookEvents)
		s.writePolicyDenyAudit(reqCtx, req.Model, decision, reason, requestPayloadHash, false, webhookEvents)
		return nil, NewError(403, "policy_denied", "policy", reason)
	}

	selectedModel := req.Model
	for _, transform := range decision.Transforms {
		if transform.Type == policy.TransformOverrideModel {
			if model, ok := transform.Args["model"].(string); ok && model != "" {
				selectedModel = model
			}
		}
	}
	if verr := validateModelConstraints(decision, selectedModel); verr != nil {
		return nil, verr
	}
	allowed := allowedProviderNames(decision)
	if verr := s.validateProviderConstraints(allowed); verr != nil {
		return nil, verr
	}
	allowed, perr = s.routingAllowList(allowed)
	if perr != nil {
		return nil, perr
	}

	inputs := append([]string(nil), req.Input...)
	inputRedactions := 0
	if s.sensitive(reqCtx.Classification) {
		redactSpan := s.span(reqCtx.RequestID, "redaction.scan", spanID(rootSpan), map[string]interface{}{
			"direction": "request", "operation_type": "embeddings",
		})
		for i, item := range inputs {
			result := s.redactor.RedactText(item)
			inputs[i] = result.Text
			inputRedactions += result.Count
		}
		endSpan(redactSpan, nil)
	}
	redactionCount := inputRedactions
	redactedPayloadHash := hashValue(inputs)

	requestedTokens := 0
	for _, item := range inputs {
		requestedTokens += wordCount(item)
	}
	if requestedTokens < 1 {
		requestedTokens = 1
	}
	summary, berr := s.enforceBudget(ctx, budgetGate{
		reqCtx:             reqCtx,
		requestedModel:     req.Model,
		selectedModel:      selectedModel,
		decision:           decision,
		requestPayloadHash: requestPayloadHash,
		streaming:          false,
		requestedTokens:    requestedTokens,
		webhookEvents:      &webhookEvents,
	})
	if berr != nil {
		return nil, berr
	}

	providerRequestHash := hashValue(map[string]interface{}{
		"model":  selectedModel,
		"inputs": inputs,
	})

	callSpan := s.span(reqCtx.RequestID, "provider.call", spanID(rootSpan), map[string]interface{}{
		"provider": s.cfg.ProviderName, "model": selectedModel, "operation_type": "embeddings",
	})
	resp, route, rerr := s.router.Embeddings(ctx, s.cfg.ProviderName, selectedModel, inputs, allowed)
	endSpan(callSpan, rerr)
	routedProvider := routedProviderName(route, s.cfg.ProviderName)
	if rerr != nil {
		s.queueProviderError(ctx, reqCtx, routedProvider, selectedModel, rerr, false, &webhookEvents)
		s.writeProviderErrorAudit(auditParams{
			reqCtx:              reqCtx,
			requestedModel:      req.Model,
			selectedModel:       selectedModel,
			providerName:        routedProvider,
			decision:            decision,
			label:               label,
			redactionCount:      redactionCount,
			inputRedactionCount: inputRedactions,
			requestPayloadHash:  requestPayloadHash,
			redactedPayloadHash: redactedPayloadHash,
			providerRequestHash: providerRequestHash,
			streaming:           false,
			providerAttempts:    route.Attempts,
			fallbackChain:       route.FallbackChain,
			budget:              summary,
			webhookEvents:       webhookEvents,
		}, rerr)
		return nil, errorFromProvider(rerr)
	}

	providerResponseHash := hashValue(resp)
	tokensIn := resp.Usage.PromptTokens
	costUSD := embeddingsCost(tokensIn)

	summary = s.recordBudgetUsage(ctx, reqCtx.TenantID, tokensIn, summary)

	if route.Attempts > 1 {
		s.queueWebhook(ctx, webhook.EventProviderFallback, map[string]interface{}{
			"request_id":        reqCtx.RequestID,
			"tenant_id":         reqCtx.TenantID,
			"provider_attempts": route.Attempts,
			"fallback_chain":    route.FallbackChain,
			"operation_type":    "embeddings",
		}, &webhookEvents)
	}
	if redactionCount > 0 {
		s.queueWebhook(ctx, webhook.EventRedactionHit, map[string]interface{}{
			"request_id":             reqCtx.RequestID,
			"tenant_id":              reqCtx.TenantID,
			"input_redaction_count":  inputRedactions,
			"output_redaction_count": 0,
			"redaction_count":        redactionCount,
			"operation_type":         "embeddings",
		}, &webhookEvents)
	}

	event := s.buildAuditEvent(auditParams{
		reqCtx:               reqCtx,
		requestedModel:       req.Model,
		selectedModel:        selectedModel,
		providerName:         routedProvider,
		decision:             decision,
		label:                label,
		redactionCount:       redactionCount,
		inputRedactionCount:  inputRedactions,
		outputRedactionCount: 0,
		requestPayloadHash:   requestPayloadHash,
		redactedPayloadHash:  redactedPayloadHash,
		providerRequestHash:  providerRequestHash,
		providerResponseHash: providerResponseHash,
		streaming:            false,
		tokensIn:             tokensIn,
		tokensOut:            0,
		costUSD:              costUSD,
		providerAttempts:     route.Attempts,
		fallbackChain:        route.FallbackChain,
		budget:               summary,
		webhookEvents:        webhookEvents,
	})
	auditSpan := s.span(reqCtx.RequestID, "audit.persist", spanID(rootSpan), map[string]interface{}{
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
	s.logger.Info("embeddings_completed",
		"request_id", reqCtx.RequestID,
		"tenant_id", reqCtx.TenantID,
		"user_id", reqCtx.UserID,
		"model", selectedModel,
		"policy_decision", label,
		"redaction_count", redactionCount,
		"provider", routedProvider,
		"latency_ms", latencyMS,
		"tokens_in", tokensIn,
		"cost_usd", costUSD,
	)
	s.recordMetrics(reqCtx.Endpoint, routedProvider, selectedModel, label, 200,
		latencyMS, tokensIn, 0, costUSD, redactionCount, route.Attempts)

	return resp, nil
}
