// Package contracts loads and compiles the versioned JSON Schemas that gate
// the gateway's externally visible records: policy decisions, audit events,
// the citations response extension, and evidence bundles. All four schemas
// must compile at startup; a gateway without its contracts must not serve.
package contracts

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/v1/*.schema.json
var embedded embed.FS

// Schema document names, as shipped under schemas/v1/.
const (
	PolicyDecisionSchema     = "policy-decision"
	AuditEventSchema         = "audit-event"
	CitationsExtensionSchema = "citations-extension"
	EvidenceBundleSchema     = "evidence-bundle"
)

var schemaNames = []string{
	PolicyDecisionSchema,
	AuditEventSchema,
	CitationsExtensionSchema,
	EvidenceBundleSchema,
}

// Registry holds the compiled contract schemas for the lifetime of the process.
type Registry struct {
	schemas map[string]*jsonschema.Schema
}

// Load compiles the four contract schemas. When dir is empty the embedded
// copies are used; otherwise each <name>.schema.json is read from dir so
// operators can pin externally versioned contracts. Any missing or
// uncompilable schema is a startup failure.
func Load(dir string) (*Registry, error) {
	r := &Registry{schemas: make(map[string]*jsonschema.Schema, len(schemaNames))}

	for _, name := range schemaNames {
		raw, err := readSchema(dir, name)
		if err != nil {
			return nil, err
		}

		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		schemaURL := fmt.Sprintf("https://sovereignrag.dev/contracts/v1/%s.schema.json", name)
		if err := c.AddResource(schemaURL, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("contracts: load %s: %w", name, err)
		}
		compiled, err := c.Compile(schemaURL)
		if err != nil {
			return nil, fmt.Errorf("contracts: compile %s: %w", name, err)
		}
		r.schemas[name] = compiled
	}

	return r, nil
}

func readSchema(dir, name string) ([]byte, error) {
	if dir == "" {
		raw, err := embedded.ReadFile("schemas/v1/" + name + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("contracts: embedded schema %s missing: %w", name, err)
		}
		return raw, nil
	}
	raw, err := os.ReadFile(filepath.Join(dir, name+".schema.json"))
	if err != nil {
		return nil, fmt.Errorf("contracts: schema %s missing from %s: %w", name, dir, err)
	}
	return raw, nil
}

// Validate checks v against the named schema. v is round-tripped through
// encoding/json first so Go-native structs and maps validate identically to
// their wire form.
func (r *Registry) Validate(name string, v interface{}) error {
	schema, ok := r.schemas[name]
	if !ok {
		return fmt.Errorf("contracts: unknown schema %q", name)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("contracts: marshal for validation: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("contracts: unmarshal for validation: %w", err)
	}

	if err := schema.Validate(generic); err != nil {
		return fmt.Errorf("contracts: %s validation failed: %w", name, err)
	}
	return nil
}

// ValidatePolicyDecision checks a decision document against the policy-decision contract.
func (r *Registry) ValidatePolicyDecision(v interface{}) error {
	return r.Validate(PolicyDecisionSchema, v)
}

// ValidateAuditEvent checks an event document against the audit-event contract.
func (r *Registry) ValidateAuditEvent(v interface{}) error {
	return r.Validate(AuditEventSchema, v)
}

// ValidateCitations checks a response body against the citations-extension contract.
func (r *Registry) ValidateCitations(v interface{}) error {
	return r.Validate(CitationsExtensionSchema, v)
}

// ValidateEvidenceBundle checks a bundle document against the evidence-bundle contract.
func (r *Registry) ValidateEvidenceBundle(v interface{}) error {
	return r.Validate(EvidenceBundleSchema, v)
}
