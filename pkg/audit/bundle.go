package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sovereignrag/gateway/pkg/canonicalize"
	"github.com/sovereignrag/gateway/pkg/contracts"
)

// Bundle is an exportable evidence document for a single request: the
// policy verdict, redaction counts, retrieval citations, provider routing,
// usage, and the chain-integrity check, all lifted from the audit event.
type Bundle map[string]interface{}

// BuildBundle locates the audit event for requestID in the log at logPath,
// verifies the full chain, and assembles the evidence bundle. When reg is
// non-nil the bundle is validated against the evidence-bundle contract.
func BuildBundle(logPath, requestID string, reg *contracts.Registry) (Bundle, error) {
	events, err := ReadLog(logPath)
	if err != nil {
		return nil, err
	}
	event := FindByRequestID(events, requestID)
	if event == nil {
		return nil, fmt.Errorf("audit: no event for request %q in %s", requestID, logPath)
	}

	chainVerified := VerifyChain(events) == nil

	bundle := Bundle{
		"bundle_version": "v1",
		"request_id":     requestID,
		"generated_at":   time.Now().UTC().Format(time.RFC3339),
		"policy": map[string]interface{}{
			"decision_id": event.String("policy_decision_id"),
			"policy_hash": event.String("policy_hash"),
			"policy_mode": event.String("policy_mode"),
			"allow":       event["policy_allow"],
			"deny_reason": event["deny_reason"],
		},
		"redaction": map[string]interface{}{
			"count":                 intField(event, "redaction_count"),
			"request_payload_hash":  event.String("request_payload_hash"),
			"redacted_payload_hash": event.String("redacted_payload_hash"),
		},
		"retrieval": map[string]interface{}{
			"enabled":   len(citations(event)) > 0,
			"citations": citations(event),
		},
		"provider": map[string]interface{}{
			"provider":               event.String("provider"),
			"selected_model":         event.String("selected_model"),
			"attempts":               intField(event, "provider_attempts"),
			"fallback_chain":         event["fallback_chain"],
			"provider_request_hash":  event["provider_request_hash"],
			"provider_response_hash": event["provider_response_hash"],
		},
		"usage": map[string]interface{}{
			"tokens_in":  intField(event, "tokens_in"),
			"tokens_out": intField(event, "tokens_out"),
			"cost_usd":   event["cost_usd"],
		},
		"integrity": map[string]interface{}{
			"prev_hash":      event.String("prev_hash"),
			"payload_hash":   event.String("payload_hash"),
			"chain_verified": chainVerified,
		},
		"source": map[string]interface{}{
			"audit_log_path": logPath,
			"event_id":       event.String("event_id"),
		},
	}

	if reg != nil {
		if err := reg.ValidateEvidenceBundle(bundle); err != nil {
			return nil, fmt.Errorf("audit: bundle for %s: %w", requestID, err)
		}
	}
	return bundle, nil
}

// WriteBundle writes <request_id>.bundle.json under outDir together with a
// .sha256 sidecar over the bundle bytes. Returns the bundle path.
func WriteBundle(bundle Bundle, outDir string) (string, error) {
	requestID, _ := bundle["request_id"].(string)
	if requestID == "" {
		return "", fmt.Errorf("audit: bundle missing request_id")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("audit: create bundle directory: %w", err)
	}

	raw, err := canonicalize.JSON(bundle)
	if err != nil {
		return "", fmt.Errorf("audit: encode bundle: %w", err)
	}
	raw = append(raw, '\n')

	path := filepath.Join(outDir, requestID+".bundle.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", fmt.Errorf("audit: write bundle: %w", err)
	}

	sidecar := canonicalize.HashBytes(raw) + "  " + filepath.Base(path) + "\n"
	if err := os.WriteFile(path+".sha256", []byte(sidecar), 0o600); err != nil {
		return "", fmt.Errorf("audit: write bundle digest: %w", err)
	}
	return path, nil
}

func intField(event Event, key string) int {
	switch v := event[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func citations(event Event) []interface{} {
	c, _ := event["retrieval_citations"].([]interface{})
	if c == nil {
		return []interface{}{}
	}
	return c
}
