package policy

import (
	"encoding/json"

	"github.com/sovereignrag/gateway/pkg/openai"
)

// ApplyTransforms returns a deep copy of the request with every transform
// applied in order. Unknown transform types are skipped; the caller already
// validated the decision against the contract.
func ApplyTransforms(req *openai.ChatCompletionRequest, transforms []TransformAction) *openai.ChatCompletionRequest {
	out := req.Clone()

	for _, transform := range transforms {
		switch transform.Type {
		case TransformSetMaxTokens:
			if value, ok := argInt(transform.Args, "value"); ok {
				out.MaxTokens = &value
			}
		case TransformOverrideModel:
			if model, ok := transform.Args["model"].(string); ok && model != "" {
				out.Model = model
			}
		case TransformPrependSystemGuardrail:
			text, _ := transform.Args["text"].(string)
			if text == "" {
				continue
			}
			guardrail := openai.ChatMessage{Role: "system", Content: text}
			out.Messages = append([]openai.ChatMessage{guardrail}, out.Messages...)
		}
	}

	return out
}

// argInt reads a numeric transform argument. Decoded JSON yields float64 or
// json.Number depending on the decoder, so both are accepted.
func argInt(args map[string]interface{}, key string) (int, bool) {
	switch v := args[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
