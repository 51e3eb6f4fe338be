// Package config loads gateway configuration from SRG_-prefixed environment
// variables. Every knob has a default that yields a runnable local gateway
// (stub provider, filesystem connector, in-memory budget).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds gateway configuration.
type Config struct {
	ListenAddr   string
	LogLevel     string
	APIKeys      []string
	DefaultModel string
	ModelCatalog []string
	ContractsDir string

	// Policy engine.
	OPAURL        string
	OPAMode       string // enforce | observe
	OPATimeoutMS  int
	PolicyCELRule string

	// Retrieval.
	RAGEnabled             bool
	RAGDefaultTopK         int
	RAGAllowedConnectors   []string
	RAGFilesystemIndexPath string
	RAGPostgresDSN         string
	RAGPostgresTable       string
	RAGEmbeddingDim        int
	RAGS3Bucket            string
	RAGS3IndexKey          string
	RAGS3Region            string
	RAGS3Endpoint          string
	RAGGCSBucket           string
	RAGGCSIndexObject      string

	RedactionEnabled bool

	// Providers.
	ProviderName            string
	ProviderSpecs           []ProviderSpec
	ProviderFallbackEnabled bool
	ProviderTimeoutS        float64
	OpenAIBaseURL           string
	OpenAIAPIKey            string
	AnthropicBaseURL        string
	AnthropicAPIKey         string

	AuditLogPath string

	// Budget.
	BudgetEnabled         bool
	BudgetBackend         string // memory | redis
	BudgetDefaultCeiling  int
	BudgetWindowSeconds   int
	BudgetTenantOverrides map[string]int
	BudgetRedisURL        string
	BudgetRedisPrefix     string
	BudgetRedisTTLSeconds int

	// Webhooks.
	WebhooksEnabled            bool
	WebhookEndpoints           []WebhookEndpoint
	WebhookTimeoutS            float64
	WebhookMaxRetries          int
	WebhookBackoffBaseS        float64
	WebhookBackoffMaxS         float64
	WebhookDeadLetterBackend   string // jsonl | sqlite
	WebhookDeadLetterPath      string
	WebhookDeadLetterRetention int

	// Tracing.
	TracingEnabled   bool
	TracingMaxTraces int
	OTLPEndpoint     string
	OTLPTimeoutS     float64
	OTLPHeaders      map[string]string
	OTLPServiceName  string

	MetricsEnabled bool

	RateLimitRPS   float64
	RateLimitBurst int
}

// ProviderSpec describes one registered provider.
type ProviderSpec struct {
	Name            string   `json:"name" yaml:"name"`
	Kind            string   `json:"kind" yaml:"kind"` // stub | openai | anthropic
	BaseURL         string   `json:"base_url" yaml:"base_url"`
	APIKey          string   `json:"api_key" yaml:"api_key"`
	Priority        int      `json:"priority" yaml:"priority"`
	Enabled         *bool    `json:"enabled" yaml:"enabled"`
	ModelPrefixes   []string `json:"model_prefixes" yaml:"model_prefixes"`
	CostInputPer1K  float64  `json:"cost_input_per_1k" yaml:"cost_input_per_1k"`
	CostOutputPer1K float64  `json:"cost_output_per_1k" yaml:"cost_output_per_1k"`
}

// IsEnabled reports the effective enabled flag (unset means enabled).
func (p ProviderSpec) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// WebhookEndpoint is one configured webhook receiver.
type WebhookEndpoint struct {
	URL        string   `json:"url" yaml:"url"`
	Secret     string   `json:"secret" yaml:"secret"`
	EventTypes []string `json:"event_types" yaml:"event_types"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:   getEnv("SRG_LISTEN_ADDR", ":8080"),
		LogLevel:     getEnv("SRG_LOG_LEVEL", "info"),
		APIKeys:      splitCSV(getEnv("SRG_API_KEYS", "dev-key")),
		DefaultModel: getEnv("SRG_DEFAULT_MODEL", "gpt-4o-mini"),
		ModelCatalog: splitCSV(getEnv("SRG_MODEL_CATALOG", "gpt-4o-mini,text-embedding-3-small")),
		ContractsDir: getEnv("SRG_CONTRACTS_DIR", ""),

		OPAURL:        getEnv("SRG_OPA_URL", ""),
		OPAMode:       getEnv("SRG_OPA_MODE", "enforce"),
		OPATimeoutMS:  getInt("SRG_OPA_TIMEOUT_MS", 150),
		PolicyCELRule: getEnv("SRG_POLICY_CEL_RULE", ""),

		RAGEnabled:             getBool("SRG_RAG_ENABLED", true),
		RAGDefaultTopK:         getInt("SRG_RAG_DEFAULT_TOP_K", 3),
		RAGAllowedConnectors:   splitCSV(getEnv("SRG_RAG_ALLOWED_CONNECTORS", "filesystem")),
		RAGFilesystemIndexPath: getEnv("SRG_RAG_FILESYSTEM_INDEX_PATH", "artifacts/rag/index.jsonl"),
		RAGPostgresDSN:         getEnv("SRG_RAG_POSTGRES_DSN", ""),
		RAGPostgresTable:       getEnv("SRG_RAG_POSTGRES_TABLE", "rag_chunks"),
		RAGEmbeddingDim:        getInt("SRG_RAG_EMBEDDING_DIM", 16),
		RAGS3Bucket:            getEnv("SRG_RAG_S3_BUCKET", ""),
		RAGS3IndexKey:          getEnv("SRG_RAG_S3_INDEX_KEY", ""),
		RAGS3Region:            getEnv("SRG_RAG_S3_REGION", ""),
		RAGS3Endpoint:          getEnv("SRG_RAG_S3_ENDPOINT", ""),
		RAGGCSBucket:           getEnv("SRG_RAG_GCS_BUCKET", ""),
		RAGGCSIndexObject:      getEnv("SRG_RAG_GCS_INDEX_OBJECT", ""),

		RedactionEnabled: getBool("SRG_REDACTION_ENABLED", true),

		ProviderName:            getEnv("SRG_PROVIDER_NAME", "stub"),
		ProviderFallbackEnabled: getBool("SRG_PROVIDER_FALLBACK_ENABLED", true),
		ProviderTimeoutS:        getFloat("SRG_PROVIDER_TIMEOUT_S", 30),
		OpenAIBaseURL:           getEnv("SRG_OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIAPIKey:            getEnv("SRG_OPENAI_API_KEY", ""),
		AnthropicBaseURL:        getEnv("SRG_ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		AnthropicAPIKey:         getEnv("SRG_ANTHROPIC_API_KEY", ""),

		AuditLogPath: getEnv("SRG_AUDIT_LOG_PATH", "artifacts/audit/events.jsonl"),

		BudgetEnabled:         getBool("SRG_BUDGET_ENABLED", false),
		BudgetBackend:         getEnv("SRG_BUDGET_BACKEND", "memory"),
		BudgetDefaultCeiling:  getInt("SRG_BUDGET_DEFAULT_CEILING", 100000),
		BudgetWindowSeconds:   getInt("SRG_BUDGET_WINDOW_SECONDS", 3600),
		BudgetRedisURL:        getEnv("SRG_BUDGET_REDIS_URL", "redis://localhost:6379/0"),
		BudgetRedisPrefix:     getEnv("SRG_BUDGET_REDIS_PREFIX", "srg:budget"),
		BudgetRedisTTLSeconds: getInt("SRG_BUDGET_REDIS_TTL_SECONDS", 0),

		WebhooksEnabled:            getBool("SRG_WEBHOOKS_ENABLED", false),
		WebhookTimeoutS:            getFloat("SRG_WEBHOOK_TIMEOUT_S", 5),
		WebhookMaxRetries:          getInt("SRG_WEBHOOK_MAX_RETRIES", 2),
		WebhookBackoffBaseS:        getFloat("SRG_WEBHOOK_BACKOFF_BASE_S", 0.5),
		WebhookBackoffMaxS:         getFloat("SRG_WEBHOOK_BACKOFF_MAX_S", 8),
		WebhookDeadLetterBackend:   getEnv("SRG_WEBHOOK_DEAD_LETTER_BACKEND", "jsonl"),
		WebhookDeadLetterPath:      getEnv("SRG_WEBHOOK_DEAD_LETTER_PATH", "artifacts/webhooks/dead_letter.jsonl"),
		WebhookDeadLetterRetention: getInt("SRG_WEBHOOK_DEAD_LETTER_RETENTION_DAYS", 30),

		TracingEnabled:   getBool("SRG_TRACING_ENABLED", true),
		TracingMaxTraces: getInt("SRG_TRACING_MAX_TRACES", 1000),
		OTLPEndpoint:     getEnv("SRG_OTLP_ENDPOINT", ""),
		OTLPTimeoutS:     getFloat("SRG_OTLP_TIMEOUT_S", 5),
		OTLPHeaders:      splitKV(getEnv("SRG_OTLP_HEADERS", "")),
		OTLPServiceName:  getEnv("SRG_OTLP_SERVICE_NAME", "sovereign-rag-gateway"),

		MetricsEnabled: getBool("SRG_METRICS_ENABLED", true),

		RateLimitRPS:   getFloat("SRG_RATE_LIMIT_RPS", 0),
		RateLimitBurst: getInt("SRG_RATE_LIMIT_BURST", 20),
	}

	overrides, err := parseTenantOverrides(getEnv("SRG_BUDGET_TENANT_OVERRIDES", ""))
	if err != nil {
		return nil, err
	}
	cfg.BudgetTenantOverrides = overrides

	specs, err := loadProviderSpecs(
		getEnv("SRG_PROVIDERS_JSON", ""),
		getEnv("SRG_PROVIDERS_FILE", ""),
	)
	if err != nil {
		return nil, err
	}
	cfg.ProviderSpecs = specs

	endpoints, err := parseWebhookEndpoints(getEnv("SRG_WEBHOOK_ENDPOINTS", ""))
	if err != nil {
		return nil, err
	}
	cfg.WebhookEndpoints = endpoints

	if cfg.OPAMode != "enforce" && cfg.OPAMode != "observe" {
		return nil, fmt.Errorf("config: SRG_OPA_MODE must be enforce or observe, got %q", cfg.OPAMode)
	}
	if cfg.BudgetBackend != "memory" && cfg.BudgetBackend != "redis" {
		return nil, fmt.Errorf("config: SRG_BUDGET_BACKEND must be memory or redis, got %q", cfg.BudgetBackend)
	}
	if cfg.WebhookDeadLetterBackend != "jsonl" && cfg.WebhookDeadLetterBackend != "sqlite" {
		return nil, fmt.Errorf("config: SRG_WEBHOOK_DEAD_LETTER_BACKEND must be jsonl or sqlite, got %q", cfg.WebhookDeadLetterBackend)
	}

	return cfg, nil
}

// APIKeySet returns the configured keys as a membership set.
func (c *Config) APIKeySet() map[string]bool {
	set := make(map[string]bool, len(c.APIKeys))
	for _, k := range c.APIKeys {
		set[k] = true
	}
	return set
}

// BudgetCeiling returns the ceiling for a tenant, honoring overrides.
func (c *Config) BudgetCeiling(tenantID string) int {
	if ceiling, ok := c.BudgetTenantOverrides[tenantID]; ok {
		return ceiling
	}
	return c.BudgetDefaultCeiling
}

func loadProviderSpecs(jsonBlob, filePath string) ([]ProviderSpec, error) {
	var specs []ProviderSpec

	if jsonBlob != "" {
		if err := json.Unmarshal([]byte(jsonBlob), &specs); err != nil {
			return nil, fmt.Errorf("config: parse SRG_PROVIDERS_JSON: %w", err)
		}
	}

	if filePath != "" {
		raw, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("config: read SRG_PROVIDERS_FILE: %w", err)
		}
		var fromFile []ProviderSpec
		if err := yaml.Unmarshal(raw, &fromFile); err != nil {
			return nil, fmt.Errorf("config: parse SRG_PROVIDERS_FILE: %w", err)
		}
		specs = append(specs, fromFile...)
	}

	for i, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("config: provider spec %d missing name", i)
		}
		switch s.Kind {
		case "stub", "openai", "anthropic":
		default:
			return nil, fmt.Errorf("config: provider %q has unknown kind %q", s.Name, s.Kind)
		}
	}
	return specs, nil
}

func parseWebhookEndpoints(raw string) ([]WebhookEndpoint, error) {
	if raw == "" {
		return nil, nil
	}
	var endpoints []WebhookEndpoint
	if err := json.Unmarshal([]byte(raw), &endpoints); err != nil {
		return nil, fmt.Errorf("config: parse SRG_WEBHOOK_ENDPOINTS: %w", err)
	}
	for i, e := range endpoints {
		if e.URL == "" {
			return nil, fmt.Errorf("config: webhook endpoint %d missing url", i)
		}
	}
	return endpoints, nil
}

func parseTenantOverrides(raw string) (map[string]int, error) {
	overrides := make(map[string]int)
	if raw == "" {
		return overrides, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("config: malformed tenant override %q", pair)
		}
		ceiling, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("config: tenant override %q: %w", pair, err)
		}
		overrides[strings.TrimSpace(key)] = ceiling
	}
	return overrides, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func splitKV(raw string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if found {
			out[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	return out
}
