package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/sovereignrag/gateway/pkg/budget"
	"github.com/sovereignrag/gateway/pkg/openai"
	"github.com/sovereignrag/gateway/pkg/policy"
	"github.com/sovereignrag/gateway/pkg/retrieval"
	"github.com/sovereignrag/gateway/pkg/webhook"
)

// resolvePolicyDecision evaluates policy, honoring observe mode: in observe
// mode an engine failure synthesizes an allow decision carrying the failure
// in deny_reason; in enforce mode it fails the request closed.
func (s *Service) resolvePolicyDecision(ctx context.Context, input policy.Input, requestID string) (*policy.Decision, error) {
	decision, err := s.policy.Evaluate(ctx, input)
	if err == nil {
		return decision, nil
	}

	if s.cfg.OPAMode == policy.ModeObserve {
		s.logger.Warn("policy_observe_bypass",
			"request_id", requestID, "policy_decision", "observe", "error", err)
		return policy.SynthesizeObserveAllow(err, s.clock()), nil
	}

	var contractErr *policy.ContractError
	if errors.As(err, &contractErr) {
		return nil, NewError(503, "policy_contract_invalid", "policy", "Policy decision contract invalid")
	}
	return nil, NewError(503, "policy_unavailable", "policy", "Policy service unavailable")
}

// queueWebhook records the event on the request's webhook summary list and
// fires delivery on a detached goroutine. Delivery results never block or
// fail the request.
func (s *Service) queueWebhook(ctx context.Context, eventType string, payload map[string]interface{}, events *[]map[string]interface{}) {
	if s.webhooks == nil || !s.webhooks.ShouldFire(eventType) {
		return
	}
	if events != nil {
		*events = append(*events, map[string]interface{}{"event_type": eventType})
	}
	dispatchCtx := withoutCancel(ctx)
	go func() {
		results := s.webhooks.Dispatch(dispatchCtx, eventType, payload)
		delivered := 0
		for _, result := range results {
			if result.Success {
				delivered++
			}
		}
		s.logger.Debug("webhook_dispatched",
			"event_type", eventType, "deliveries", len(results), "delivered", delivered)
	}()
}

// allowedProviderNames extracts the provider allow-list from the decision.
// Nil means unrestricted.
func allowedProviderNames(d *policy.Decision) []string {
	if d.ProviderConstraints == nil || d.ProviderConstraints.AllowedProviders == nil {
		return nil
	}
	return d.ProviderConstraints.AllowedProviders
}

// validateModelConstraints enforces the decision's model allow-list.
func validateModelConstraints(d *policy.Decision, model string) error {
	if d.ProviderConstraints == nil || d.ProviderConstraints.AllowedModels == nil {
		return nil
	}
	for _, allowed := range d.ProviderConstraints.AllowedModels {
		if allowed == model {
			return nil
		}
	}
	return NewError(403, "model_forbidden", "policy", "Model not allowed by policy: "+model)
}

// validateProviderConstraints rejects requests whose allow-list excludes
// every registered provider.
func (s *Service) validateProviderConstraints(allowed []string) error {
	if allowed == nil || s.registry == nil {
		return nil
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		allowedSet[name] = true
	}
	for _, entry := range s.registry.List() {
		if allowedSet[entry.Name] {
			return nil
		}
	}
	return NewError(403, "provider_forbidden", "policy", "No configured provider allowed by policy")
}

// routingAllowList narrows routing to the primary provider when fallback
// is disabled. A policy allow-list that excludes the primary leaves no
// provider the gateway may call.
func (s *Service) routingAllowList(allowed []string) ([]string, error) {
	if s.cfg.ProviderFallbackEnabled {
		return allowed, nil
	}
	if allowed != nil {
		found := false
		for _, name := range allowed {
			if name == s.cfg.ProviderName {
				found = true
				break
			}
		}
		if !found {
			return nil, NewError(403, "provider_forbidden", "policy", "No configured provider allowed by policy")
		}
	}
	return []string{s.cfg.ProviderName}, nil
}

// allowedConnectors resolves the retrieval allow-list: decision constraints
// first, then the static configuration, nil when unrestricted.
func (s *Service) allowedConnectors(d *policy.Decision) []string {
	if list := d.AllowedConnectors(); list != nil {
		return list
	}
	if len(s.cfg.RAGAllowedConnectors) > 0 {
		return s.cfg.RAGAllowedConnectors
	}
	return nil
}

// retrieveChunks runs retrieval and maps its failures to client errors.
func (s *Service) retrieveChunks(ctx context.Context, req retrieval.Request, d *policy.Decision) ([]retrieval.DocumentChunk, error) {
	if s.retrieval == nil {
		return nil, NewError(503, "retrieval_unavailable", "provider", "Retrieval orchestrator is not configured")
	}
	chunks, err := s.retrieval.Retrieve(ctx, req, s.allowedConnectors(d))
	if err == nil {
		return chunks, nil
	}
	var denied *retrieval.DeniedError
	if errors.As(err, &denied) {
		return nil, NewError(403, "retrieval_forbidden", "policy", denied.Error())
	}
	var notFound *retrieval.NotFoundError
	if errors.As(err, &notFound) {
		return nil, NewError(422, "connector_not_found", "validation", "Connector not configured: "+req.Connector)
	}
	return nil, NewError(503, "retrieval_unavailable", "provider", "Retrieval failed")
}

// buildRetrievalContext formats ranked chunks as the injected system turn.
func buildRetrievalContext(chunks []retrieval.DocumentChunk) string {
	lines := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		lines = append(lines, fmt.Sprintf("[%s] %s", chunk.ChunkID, chunk.Text))
	}
	out := "Retrieved context chunks:\n"
	for i, line := range lines {
		if i > 0 {
			out += "\n"
		}
		out += line
	}
	return out
}

func citationsFromChunks(chunks []retrieval.DocumentChunk) []openai.Citation {
	out := make([]openai.Citation, 0, len(chunks))
	for _, chunk := range chunks {
		out = append(out, chunk.Citation())
	}
	return out
}

// budgetGate carries everything the budget check needs to write a deny
// audit when the tenant is over its ceiling.
type budgetGate struct {
	reqCtx             RequestContext
	requestedModel     string
	selectedModel      string
	decision           *policy.Decision
	requestPayloadHash string
	streaming          bool
	requestedTokens    int
	webhookEvents      *[]map[string]interface{}
}

// enforceBudget refuses the request when the tenant would cross its window
// ceiling, with a budget_exceeded webhook and a "budget-gate" deny audit.
// A backend outage fails closed with 503. On success it returns the
// tenant's current summary.
func (s *Service) enforceBudget(ctx context.Context, gate budgetGate) (*budget.Summary, error) {
	if s.budget == nil {
		return nil, nil
	}

	err := s.budget.Check(ctx, gate.reqCtx.TenantID, gate.requestedTokens)
	var backendErr *budget.BackendError
	if errors.As(err, &backendErr) {
		return nil, NewError(503, "budget_backend_unavailable", "policy", "Budget backend unavailable")
	}

	var exceeded *budget.ExceededError
	if errors.As(err, &exceeded) {
		summary, serr := s.budget.Summary(ctx, gate.reqCtx.TenantID)
		if serr != nil {
			remaining := exceeded.Ceiling - exceeded.Used
			if remaining < 0 {
				remaining = 0
			}
			pct := 0.0
			if exceeded.Ceiling > 0 {
				pct = float64(exceeded.Used) / float64(exceeded.Ceiling) * 100
			}
			summary = budget.Summary{
				TenantID:       gate.reqCtx.TenantID,
				WindowSeconds:  exceeded.WindowSeconds,
				Ceiling:        exceeded.Ceiling,
				Used:           exceeded.Used,
				Remaining:      remaining,
				UtilizationPct: pct,
			}
		}
		s.queueWebhook(ctx, webhook.EventBudgetExceeded, map[string]interface{}{
			"request_id":       gate.reqCtx.RequestID,
			"tenant_id":        gate.reqCtx.TenantID,
			"user_id":          gate.reqCtx.UserID,
			"endpoint":         gate.reqCtx.Endpoint,
			"requested_model":  gate.requestedModel,
			"selected_model":   gate.selectedModel,
			"requested_tokens": gate.requestedTokens,
			"used":             exceeded.Used,
			"ceiling":          exceeded.Ceiling,
			"window_seconds":   exceeded.WindowSeconds,
		}, gate.webhookEvents)
		s.writeBudgetDenyAudit(gate, &summary)
		return nil, NewError(429, "budget_exceeded", "policy", fmt.Sprintf(
			"Token budget exceeded for tenant %s: %d/%d in %ds window",
			gate.reqCtx.TenantID, exceeded.Used, exceeded.Ceiling, exceeded.WindowSeconds))
	}
	if err != nil {
		return nil, NewError(503, "budget_backend_unavailable", "policy", "Budget backend unavailable")
	}

	summary, serr := s.budget.Summary(ctx, gate.reqCtx.TenantID)
	if serr != nil {
		return nil, NewError(503, "budget_backend_unavailable", "policy", "Budget backend unavailable")
	}
	return &summary, nil
}

// recordBudgetUsage charges actual usage after the provider call. A backend
// failure here is logged but never unwinds a response already produced.
func (s *Service) recordBudgetUsage(ctx context.Context, tenantID string, usedTokens int, current *budget.Summary) *budget.Summary {
	if s.budget == nil {
		return current
	}
	if err := s.budget.Record(ctx, tenantID, usedTokens); err != nil {
		s.logger.Warn("budget_usage_record_failed",
			"tenant_id", tenantID, "used_tokens", usedTokens, "error", err)
		return current
	}
	summary, err := s.budget.Summary(ctx, tenantID)
	if err != nil {
		s.logger.Warn("budget_usage_record_failed",
			"tenant_id", tenantID, "used_tokens", usedTokens, "error", err)
		return current
	}
	return &summary
}
