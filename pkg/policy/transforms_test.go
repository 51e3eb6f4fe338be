package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovereignrag/gateway/pkg/openai"
	"github.com/sovereignrag/gateway/pkg/policy"
)

func chatReq() *openai.ChatCompletionRequest {
	return &openai.ChatCompletionRequest{
		Model: "stub-chat",
		Messages: []openai.ChatMessage{
			{Role: "user", Content: "summarize the discharge note"},
		},
	}
}

func TestApplyTransformsGuardrail(t *testing.T) {
	req := chatReq()
	out := policy.ApplyTransforms(req, []policy.TransformAction{
		{Type: policy.TransformPrependSystemGuardrail, Args: map[string]interface{}{"text": "be careful"}},
	})

	require.Len(t, out.Messages, 2)
	assert.Equal(t, "system", out.Messages[0].Role)
	assert.Equal(t, "be careful", out.Messages[0].Content)
	// Source request is untouched.
	assert.Len(t, req.Messages, 1)
}

func TestApplyTransformsEmptyGuardrailSkipped(t *testing.T) {
	out := policy.ApplyTransforms(chatReq(), []policy.TransformAction{
		{Type: policy.TransformPrependSystemGuardrail, Args: map[string]interface{}{"text": ""}},
	})
	assert.Len(t, out.Messages, 1)
}

func TestApplyTransformsOverrideModel(t *testing.T) {
	out := policy.ApplyTransforms(chatReq(), []policy.TransformAction{
		{Type: policy.TransformOverrideModel, Args: map[string]interface{}{"model": "stub-safe"}},
	})
	assert.Equal(t, "stub-safe", out.Model)
}

func TestApplyTransformsSetMaxTokens(t *testing.T) {
	// Decoded JSON carries numbers as float64.
	out := policy.ApplyTransforms(chatReq(), []policy.TransformAction{
		{Type: policy.TransformSetMaxTokens, Args: map[string]interface{}{"value": float64(128)}},
	})
	require.NotNil(t, out.MaxTokens)
	assert.Equal(t, 128, *out.MaxTokens)
}

func TestApplyTransformsOrdered(t *testing.T) {
	out := policy.ApplyTransforms(chatReq(), []policy.TransformAction{
		{Type: policy.TransformSetMaxTokens, Args: map[string]interface{}{"value": 64}},
		{Type: policy.TransformSetMaxTokens, Args: map[string]interface{}{"value": 32}},
		{Type: policy.TransformPrependSystemGuardrail, Args: map[string]interface{}{"text": "first"}},
		{Type: policy.TransformPrependSystemGuardrail, Args: map[string]interface{}{"text": "second"}},
	})

	require.NotNil(t, out.MaxTokens)
	assert.Equal(t, 32, *out.MaxTokens)
	require.Len(t, out.Messages, 3)
	assert.Equal(t, "second", out.Messages[0].Content)
	assert.Equal(t, "first", out.Messages[1].Content)
}
