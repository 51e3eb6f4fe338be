package policy

import (
	"context"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/sovereignrag/gateway/pkg/canonicalize"
	"github.com/sovereignrag/gateway/pkg/contracts"
)

const guardrailText = "Do not expose sensitive identifiers. Use masked placeholders."

// Engine is the in-process policy evaluator. Its built-in rules deny models
// prefixed "forbidden" and attach a guardrail plus a token cap to phi and pii
// traffic; an optional CEL rule can deny anything else.
type Engine struct {
	contracts        *contracts.Registry
	allowedProviders []string
	policyHash       string
	celRule          string
	celProgram       cel.Program
	clock            func() time.Time
	newID            func() string
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithEngineClock replaces the timestamp source, for tests.
func WithEngineClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// WithEngineIDFunc replaces the decision id generator, for tests.
func WithEngineIDFunc(newID func() string) EngineOption {
	return func(e *Engine) { e.newID = newID }
}

// NewEngine builds the in-process evaluator. allowedProviders becomes the
// decision's provider allow-list (nil leaves providers unrestricted); celRule
// is an optional CEL expression over the policy input that must evaluate to
// true for the request to pass.
func NewEngine(reg *contracts.Registry, allowedProviders []string, celRule string, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		contracts:        reg,
		allowedProviders: allowedProviders,
		celRule:          celRule,
		clock:            time.Now,
		newID:            uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}

	// The hash commits to everything that shapes decisions, so two gateways
	// with the same rules report the same policy_hash.
	hash, err := canonicalize.Hash(map[string]interface{}{
		"engine":            "builtin/v1",
		"forbidden_prefix":  "forbidden",
		"cel_rule":          celRule,
		"allowed_providers": allowedProviders,
	})
	if err != nil {
		return nil, &ContractError{Reason: "hash ruleset", Err: err}
	}
	e.policyHash = hash

	if celRule != "" {
		env, err := cel.NewEnv(
			cel.Variable("tenant_id", cel.StringType),
			cel.Variable("user_id", cel.StringType),
			cel.Variable("endpoint", cel.StringType),
			cel.Variable("requested_model", cel.StringType),
			cel.Variable("classification", cel.StringType),
			cel.Variable("estimated_tokens", cel.IntType),
			cel.Variable("connector_targets", cel.ListType(cel.StringType)),
			cel.Variable("request_metadata", cel.DynType),
		)
		if err != nil {
			return nil, &ContractError{Reason: "cel environment", Err: err}
		}
		ast, issues := env.Compile(celRule)
		if issues != nil && issues.Err() != nil {
			return nil, &ContractError{Reason: "cel rule does not compile", Err: issues.Err()}
		}
		prg, err := env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
		if err != nil {
			return nil, &ContractError{Reason: "cel program", Err: err}
		}
		e.celProgram = prg
	}

	return e, nil
}

// Evaluate implements Client.
func (e *Engine) Evaluate(ctx context.Context, input Input) (*Decision, error) {
	allow := !strings.HasPrefix(input.RequestedModel, "forbidden")
	denyReason := ""
	if !allow {
		denyReason = "model_not_allowed"
	}

	if allow && e.celProgram != nil {
		passed, err := e.evalRule(input)
		if err != nil {
			return nil, err
		}
		if !passed {
			allow = false
			denyReason = "cel_rule_denied"
		}
	}

	var transforms []TransformAction
	if allow && (input.Classification == "phi" || input.Classification == "pii") {
		transforms = append(transforms,
			TransformAction{
				Type: TransformPrependSystemGuardrail,
				Args: map[string]interface{}{"text": guardrailText},
			},
			TransformAction{
				Type: TransformSetMaxTokens,
				Args: map[string]interface{}{"value": 256},
			},
		)
	}
	if transforms == nil {
		transforms = []TransformAction{}
	}

	decision := &Decision{
		DecisionID:  e.newID(),
		Allow:       allow,
		PolicyHash:  e.policyHash,
		EvaluatedAt: e.clock().UTC().Format(time.RFC3339Nano),
		Transforms:  transforms,
		ProviderConstraints: &ProviderConstraints{
			AllowedProviders: e.allowedProviders,
			AllowedModels:    []string{input.RequestedModel},
		},
	}
	if denyReason != "" {
		decision.DenyReason = &denyReason
	}
	if allow {
		capTokens := 256
		decision.MaxTokensOverride = &capTokens
	}

	if err := e.contracts.ValidatePolicyDecision(decision); err != nil {
		return nil, &ContractError{Reason: "decision failed contract validation", Err: err}
	}
	return decision, nil
}

func (e *Engine) evalRule(input Input) (bool, error) {
	targets := input.ConnectorTargets
	if targets == nil {
		targets = []string{}
	}
	metadata := input.RequestMetadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	out, _, err := e.celProgram.Eval(map[string]interface{}{
		"tenant_id":         input.TenantID,
		"user_id":           input.UserID,
		"endpoint":          input.Endpoint,
		"requested_model":   input.RequestedModel,
		"classification":    input.Classification,
		"estimated_tokens":  input.EstimatedTokens,
		"connector_targets": targets,
		"request_metadata":  metadata,
	})
	if err != nil {
		return false, &ContractError{Reason: "cel rule evaluation", Err: err}
	}
	passed, ok := out.Value().(bool)
	if !ok {
		return false, &ContractError{Reason: "cel rule did not produce a boolean"}
	}
	return passed, nil
}
