package gateway

import (
	"errors"

	"github.com/sovereignrag/gateway/pkg/audit"
	"github.com/sovereignrag/gateway/pkg/budget"
	"github.com/sovereignrag/gateway/pkg/openai"
	"github.com/sovereignrag/gateway/pkg/policy"
	"github.com/sovereignrag/gateway/pkg/provider"
)

// auditParams gathers everything one audit event records. The builder fills
// schema-required defaults so callers only set what their path produced.
type auditParams struct {
	reqCtx               RequestContext
	requestedModel       string
	selectedModel        string
	providerName         string
	decision             *policy.Decision
	label                string
	redactionCount       int
	inputRedactionCount  int
	outputRedactionCount int
	requestPayloadHash   string
	redactedPayloadHash  string
	providerRequestHash  string
	providerResponseHash string
	citations            []openai.Citation
	streaming            bool
	tokensIn             int
	tokensOut            int
	costUSD              float64
	providerAttempts     int
	fallbackChain        []string
	budget               *budget.Summary
	webhookEvents        []map[string]interface{}
	denyReason           string
}

// buildAuditEvent assembles the audit record for one request. event_id,
// created_at, prev_hash, and payload_hash are added by the writer.
func (s *Service) buildAuditEvent(p auditParams) audit.Event {
	citations := p.citations
	if citations == nil {
		citations = []openai.Citation{}
	}
	chain := p.fallbackChain
	if chain == nil {
		chain = []string{}
	}

	event := audit.Event{
		"request_id":             p.reqCtx.RequestID,
		"tenant_id":              p.reqCtx.TenantID,
		"user_id":                p.reqCtx.UserID,
		"endpoint":               p.reqCtx.Endpoint,
		"requested_model":        p.requestedModel,
		"selected_model":         p.selectedModel,
		"provider":               p.providerName,
		"policy_decision":        p.label,
		"policy_decision_id":     p.decision.DecisionID,
		"policy_evaluated_at":    p.decision.EvaluatedAt,
		"policy_allow":           p.decision.Allow,
		"policy_mode":            s.cfg.OPAMode,
		"policy_hash":            p.decision.PolicyHash,
		"transforms_applied":     transformTypes(p.decision.Transforms),
		"redaction_count":        p.redactionCount,
		"input_redaction_count":  p.inputRedactionCount,
		"output_redaction_count": p.outputRedactionCount,
		"request_payload_hash":   p.requestPayloadHash,
		"redacted_payload_hash":  p.redactedPayloadHash,
		"retrieval_citations":    citations,
		"streaming":              p.streaming,
		"tokens_in":              p.tokensIn,
		"tokens_out":             p.tokensOut,
		"cost_usd":               p.costUSD,
		"provider_attempts":      p.providerAttempts,
		"fallback_chain":         chain,
		"trace_id":               p.reqCtx.RequestID,
	}
	if p.providerRequestHash != "" {
		event["provider_request_hash"] = p.providerRequestHash
	}
	if p.providerResponseHash != "" {
		event["provider_response_hash"] = p.providerResponseHash
	}
	if p.budget != nil {
		event["budget"] = p.budget
	}
	if len(p.webhookEvents) > 0 {
		event["webhook_events"] = p.webhookEvents
	}
	switch {
	case p.denyReason != "":
		event["deny_reason"] = p.denyReason
	case p.decision.DenyReason != nil:
		event["deny_reason"] = *p.decision.DenyReason
	}
	return event
}

// writePolicyDenyAudit records a policy refusal under the synthetic
// "policy-gate" provider. Audit failures on the deny path are logged, not
// raised: the client already receives the deny.
func (s *Service) writePolicyDenyAudit(reqCtx RequestContext, requestedModel string, d *policy.Decision, reason, requestPayloadHash string, streaming bool, webhookEvents []map[string]interface{}) {
	event := s.buildAuditEvent(auditParams{
		reqCtx:              reqCtx,
		requestedModel:      requestedModel,
		selectedModel:       requestedModel,
		providerName:        "policy-gate",
		decision:            d,
		label:               "deny",
		requestPayloadHash:  requestPayloadHash,
		redactedPayloadHash: requestPayloadHash,
		streaming:           streaming,
		providerAttempts:    1,
		webhookEvents:       webhookEvents,
		denyReason:          reason,
	})
	if _, err := s.audit.WriteEvent(event); err != nil {
		s.logger.Warn("audit_write_failed_policy_deny",
			"request_id", reqCtx.RequestID, "reason", reason, "error", err)
	}
}

// providerErrorCode labels an upstream failure for the audit record.
func providerErrorCode(err error) string {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	return errorTypeName(err)
}

// writeProviderErrorAudit records a request the upstream provider failed,
// attributed to the provider the router last reached. Audit failures here
// are logged, not raised: the client already receives the mapped provider
// error.
func (s *Service) writeProviderErrorAudit(p auditParams, perr error) {
	event := s.buildAuditEvent(p)
	event["provider_error"] = providerErrorCode(perr)
	if _, err := s.audit.WriteEvent(event); err != nil {
		s.logger.Warn("audit_write_failed_provider_error",
			"request_id", p.reqCtx.RequestID, "provider", p.providerName, "error", err)
	}
}

// writeBudgetDenyAudit records a budget refusal under the synthetic
// "budget-gate" provider.
func (s *Service) writeBudgetDenyAudit(gate budgetGate, summary *budget.Summary) {
	var events []map[string]interface{}
	if gate.webhookEvents != nil {
		events = *gate.webhookEvents
	}
	event := s.buildAuditEvent(auditParams{
		reqCtx:              gate.reqCtx,
		requestedModel:      gate.requestedModel,
		selectedModel:       gate.selectedModel,
		providerName:        "budget-gate",
		decision:            gate.decision,
		label:               "deny",
		requestPayloadHash:  gate.requestPayloadHash,
		redactedPayloadHash: gate.requestPayloadHash,
		streaming:           gate.streaming,
		providerAttempts:    1,
		budget:              summary,
		webhookEvents:       events,
		denyReason:          "budget_exceeded",
	})
	if _, err := s.audit.WriteEvent(event); err != nil {
		s.logger.Warn("audit_write_failed_budget_deny",
			"request_id", gate.reqCtx.RequestID, "error", err)
	}
}
