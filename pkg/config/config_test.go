package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovereignrag/gateway/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, []string{"dev-key"}, cfg.APIKeys)
	assert.Equal(t, "gpt-4o-mini", cfg.DefaultModel)
	assert.Equal(t, "enforce", cfg.OPAMode)
	assert.Equal(t, 150, cfg.OPATimeoutMS)
	assert.True(t, cfg.RAGEnabled)
	assert.Equal(t, 3, cfg.RAGDefaultTopK)
	assert.Equal(t, []string{"filesystem"}, cfg.RAGAllowedConnectors)
	assert.True(t, cfg.RedactionEnabled)
	assert.Equal(t, "stub", cfg.ProviderName)
	assert.False(t, cfg.BudgetEnabled)
	assert.Equal(t, "memory", cfg.BudgetBackend)
	assert.Equal(t, 100000, cfg.BudgetDefaultCeiling)
	assert.True(t, cfg.TracingEnabled)
	assert.True(t, cfg.MetricsEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SRG_API_KEYS", "key-a, key-b")
	t.Setenv("SRG_OPA_MODE", "observe")
	t.Setenv("SRG_BUDGET_ENABLED", "true")
	t.Setenv("SRG_BUDGET_DEFAULT_CEILING", "500")
	t.Setenv("SRG_BUDGET_TENANT_OVERRIDES", "tenant-a=10, tenant-b=2000")
	t.Setenv("SRG_OTLP_HEADERS", "authorization=Bearer abc, x-env=prod")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"key-a", "key-b"}, cfg.APIKeys)
	assert.Equal(t, "observe", cfg.OPAMode)
	assert.True(t, cfg.BudgetEnabled)
	assert.Equal(t, 500, cfg.BudgetDefaultCeiling)
	assert.Equal(t, 10, cfg.BudgetCeiling("tenant-a"))
	assert.Equal(t, 2000, cfg.BudgetCeiling("tenant-b"))
	assert.Equal(t, 500, cfg.BudgetCeiling("tenant-unknown"))
	assert.Equal(t, "Bearer abc", cfg.OTLPHeaders["authorization"])
	assert.Equal(t, "prod", cfg.OTLPHeaders["x-env"])
}

func TestLoad_InvalidMode(t *testing.T) {
	t.Setenv("SRG_OPA_MODE", "audit")
	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SRG_OPA_MODE")
}

func TestLoad_ProvidersJSON(t *testing.T) {
	t.Setenv("SRG_PROVIDERS_JSON", `[
		{"name":"primary","kind":"stub","priority":10},
		{"name":"backup","kind":"openai","base_url":"http://localhost:9999","api_key":"k","priority":20,"model_prefixes":["gpt-"]}
	]`)

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Len(t, cfg.ProviderSpecs, 2)
	assert.Equal(t, "primary", cfg.ProviderSpecs[0].Name)
	assert.True(t, cfg.ProviderSpecs[0].IsEnabled())
	assert.Equal(t, []string{"gpt-"}, cfg.ProviderSpecs[1].ModelPrefixes)
}

func TestLoad_ProvidersFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	yamlDoc := `
- name: primary
  kind: stub
  priority: 5
- name: claude
  kind: anthropic
  api_key: sk-test
  priority: 50
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))
	t.Setenv("SRG_PROVIDERS_FILE", path)

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Len(t, cfg.ProviderSpecs, 2)
	assert.Equal(t, "claude", cfg.ProviderSpecs[1].Name)
	assert.False(t, cfg.ProviderSpecs[1].IsEnabled())
}

func TestLoad_ProvidersBadKind(t *testing.T) {
	t.Setenv("SRG_PROVIDERS_JSON", `[{"name":"x","kind":"grpc"}]`)
	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestLoad_WebhookEndpoints(t *testing.T) {
	t.Setenv("SRG_WEBHOOK_ENDPOINTS", `[{"url":"http://hooks.local/a","secret":"s1","event_types":["policy_denied"]}]`)

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Len(t, cfg.WebhookEndpoints, 1)
	assert.Equal(t, "http://hooks.local/a", cfg.WebhookEndpoints[0].URL)
	assert.Equal(t, []string{"policy_denied"}, cfg.WebhookEndpoints[0].EventTypes)
}

func TestAPIKeySet(t *testing.T) {
	t.Setenv("SRG_API_KEYS", "a,b")
	cfg, err := config.Load()
	require.NoError(t, err)

	set := cfg.APIKeySet()
	assert.True(t, set["a"])
	assert.True(t, set["b"])
	assert.False(t, set["c"])
}
