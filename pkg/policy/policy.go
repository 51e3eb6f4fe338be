// Package policy evaluates requests against the governing policy and applies
// the resulting transforms. The engine is either in-process (with an optional
// CEL rule) or a remote HTTP endpoint speaking the policy-decision contract.
package policy

import (
	"context"
	"fmt"
)

// Input is the bundle sent to the policy engine for one request.
type Input struct {
	TenantID         string                 `json:"tenant_id"`
	UserID           string                 `json:"user_id"`
	Endpoint         string                 `json:"endpoint"`
	RequestedModel   string                 `json:"requested_model"`
	Classification   string                 `json:"classification"`
	EstimatedTokens  int                    `json:"estimated_tokens"`
	ConnectorTargets []string               `json:"connector_targets"`
	RequestMetadata  map[string]interface{} `json:"request_metadata"`
}

// TransformAction is one request mutation ordered by the policy.
type TransformAction struct {
	Type string                 `json:"type"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// Transform types the policy may order.
const (
	TransformPrependSystemGuardrail = "prepend_system_guardrail"
	TransformOverrideModel          = "override_model"
	TransformSetMaxTokens           = "set_max_tokens"
)

// ProviderConstraints restricts which providers and models may serve the
// request. A nil slice leaves that axis unrestricted.
type ProviderConstraints struct {
	AllowedProviders []string `json:"allowed_providers,omitempty"`
	AllowedModels    []string `json:"allowed_models,omitempty"`
}

// ConnectorConstraints restricts which retrieval connectors may be used.
type ConnectorConstraints struct {
	AllowedConnectors []string `json:"allowed_connectors"`
}

// Decision is the structured verdict governing one request.
type Decision struct {
	DecisionID           string                `json:"decision_id"`
	Allow                bool                  `json:"allow"`
	DenyReason           *string               `json:"deny_reason,omitempty"`
	PolicyHash           string                `json:"policy_hash"`
	EvaluatedAt          string                `json:"evaluated_at"`
	Transforms           []TransformAction     `json:"transforms"`
	ProviderConstraints  *ProviderConstraints  `json:"provider_constraints,omitempty"`
	ConnectorConstraints *ConnectorConstraints `json:"connector_constraints,omitempty"`
	MaxTokensOverride    *int                  `json:"max_tokens_override,omitempty"`
}

// AllowedConnectors returns the connector allow-list, nil when unrestricted.
func (d *Decision) AllowedConnectors() []string {
	if d.ConnectorConstraints == nil {
		return nil
	}
	return d.ConnectorConstraints.AllowedConnectors
}

// Client evaluates a policy input into a decision.
type Client interface {
	Evaluate(ctx context.Context, input Input) (*Decision, error)
}

// TimeoutError reports that the policy engine did not answer in time.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("policy: evaluation timed out: %v", e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ContractError reports a decision that violates the policy-decision contract
// or an engine response that cannot be interpreted as one.
type ContractError struct {
	Reason string
	Err    error
}

func (e *ContractError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("policy: %s: %v", e.Reason, e.Err)
	}
	return "policy: " + e.Reason
}

func (e *ContractError) Unwrap() error { return e.Err }
