package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/sovereignrag/gateway/pkg/api"
	"github.com/sovereignrag/gateway/pkg/audit"
	"github.com/sovereignrag/gateway/pkg/budget"
	"github.com/sovereignrag/gateway/pkg/config"
	"github.com/sovereignrag/gateway/pkg/contracts"
	"github.com/sovereignrag/gateway/pkg/gateway"
	"github.com/sovereignrag/gateway/pkg/metrics"
	"github.com/sovereignrag/gateway/pkg/policy"
	"github.com/sovereignrag/gateway/pkg/provider"
	"github.com/sovereignrag/gateway/pkg/redaction"
	"github.com/sovereignrag/gateway/pkg/retrieval"
	"github.com/sovereignrag/gateway/pkg/telemetry"
	"github.com/sovereignrag/gateway/pkg/webhook"
)

func runServe(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("gateway_exited", "error", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// The four schemas are startup-mandatory; a gateway without them
	// cannot validate policy decisions or audit events.
	reg, err := contracts.Load(cfg.ContractsDir)
	if err != nil {
		return err
	}

	writer, err := audit.NewWriter(cfg.AuditLogPath, reg)
	if err != nil {
		return err
	}
	defer writer.Close()

	providers, err := buildProviders(cfg)
	if err != nil {
		return err
	}
	if cheapest := providers.CheapestForTokens(1000, 1000); cheapest != nil {
		logger.Info("provider_cost_projection",
			"provider", cheapest.Name,
			"input_per_token", cheapest.Cost.InputPerToken,
			"output_per_token", cheapest.Cost.OutputPerToken,
		)
	}

	policyClient, err := buildPolicyClient(cfg, reg, providers)
	if err != nil {
		return err
	}

	orchestrator, err := buildRetrieval(ctx, cfg, logger)
	if err != nil {
		return err
	}

	tracker, err := buildBudget(cfg)
	if err != nil {
		return err
	}

	dispatcher, closeWebhooks, err := buildWebhooks(cfg, logger)
	if err != nil {
		return err
	}
	if closeWebhooks != nil {
		defer closeWebhooks()
	}

	var collector *telemetry.Collector
	if cfg.TracingEnabled {
		var exporter telemetry.Exporter
		if cfg.OTLPEndpoint != "" {
			exporter = telemetry.NewOTLPExporter(
				cfg.OTLPEndpoint,
				time.Duration(cfg.OTLPTimeoutS*float64(time.Second)),
				cfg.OTLPHeaders,
				cfg.OTLPServiceName,
				logger,
			)
		}
		collector = telemetry.NewCollector(cfg.TracingMaxTraces, exporter)
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	svc := gateway.New(gateway.Options{
		Config:    cfg,
		Contracts: reg,
		Policy:    policyClient,
		Redactor:  redaction.New(),
		Audit:     writer,
		Retrieval: orchestrator,
		Registry:  providers,
		Router:    provider.NewRouter(providers, nil),
		Budget:    tracker,
		Webhooks:  dispatcher,
		Tracer:    collector,
		Metrics:   m,
		Logger:    logger,
	})

	server := api.NewServer(svc, cfg, m, logger)
	logger.Info("gateway_starting",
		"listen_addr", cfg.ListenAddr,
		"provider", cfg.ProviderName,
		"opa_mode", cfg.OPAMode,
		"rag_enabled", cfg.RAGEnabled,
		"budget_enabled", cfg.BudgetEnabled,
	)
	return api.Serve(ctx, cfg.ListenAddr, server.Handler(), logger)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func providerTimeout(cfg *config.Config) time.Duration {
	return time.Duration(cfg.ProviderTimeoutS * float64(time.Second))
}

// buildProviders registers the primary provider plus any configured
// secondaries. The primary gets priority 0 so fallback prefers it.
func buildProviders(cfg *config.Config) (*provider.Registry, error) {
	registry := provider.NewRegistry()

	primary, caps, err := newProvider(cfg, cfg.ProviderName, cfg.ProviderName)
	if err != nil {
		return nil, err
	}
	registry.Register(provider.Entry{
		Name:         cfg.ProviderName,
		Provider:     primary,
		Capabilities: caps,
		Priority:     0,
		Enabled:      true,
	})

	for _, spec := range cfg.ProviderSpecs {
		if spec.Name == cfg.ProviderName {
			continue
		}
		p, caps, err := newSpecProvider(cfg, spec)
		if err != nil {
			return nil, err
		}
		caps.ModelPrefixes = spec.ModelPrefixes
		registry.Register(provider.Entry{
			Name:         spec.Name,
			Provider:     p,
			Capabilities: caps,
			Priority:     spec.Priority,
			Enabled:      spec.IsEnabled(),
			Cost: provider.Cost{
				InputPerToken:  spec.CostInputPer1K / 1000,
				OutputPerToken: spec.CostOutputPer1K / 1000,
			},
		})
	}
	return registry, nil
}

func newProvider(cfg *config.Config, name, kind string) (provider.Provider, provider.Capabilities, error) {
	switch kind {
	case "stub":
		return provider.NewStubProvider(cfg.RAGEmbeddingDim),
			provider.Capabilities{Chat: true, Embeddings: true, Streaming: true}, nil
	case "openai":
		return provider.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, providerTimeout(cfg)),
			provider.Capabilities{Chat: true, Embeddings: true, Streaming: true}, nil
	case "anthropic":
		return provider.NewAnthropicProvider(cfg.AnthropicBaseURL, cfg.AnthropicAPIKey, providerTimeout(cfg)),
			provider.Capabilities{Chat: true, Streaming: true}, nil
	default:
		return nil, provider.Capabilities{}, fmt.Errorf("unknown provider kind %q for %q", kind, name)
	}
}

func newSpecProvider(cfg *config.Config, spec config.ProviderSpec) (provider.Provider, provider.Capabilities, error) {
	switch spec.Kind {
	case "stub":
		return provider.NewStubProvider(cfg.RAGEmbeddingDim),
			provider.Capabilities{Chat: true, Embeddings: true, Streaming: true}, nil
	case "openai":
		baseURL := spec.BaseURL
		if baseURL == "" {
			baseURL = cfg.OpenAIBaseURL
		}
		return provider.NewOpenAIProvider(baseURL, spec.APIKey, providerTimeout(cfg)),
			provider.Capabilities{Chat: true, Embeddings: true, Streaming: true}, nil
	case "anthropic":
		baseURL := spec.BaseURL
		if baseURL == "" {
			baseURL = cfg.AnthropicBaseURL
		}
		return provider.NewAnthropicProvider(baseURL, spec.APIKey, providerTimeout(cfg)),
			provider.Capabilities{Chat: true, Streaming: true}, nil
	default:
		return nil, provider.Capabilities{}, fmt.Errorf("provider %q has unknown kind %q", spec.Name, spec.Kind)
	}
}

func buildPolicyClient(cfg *config.Config, reg *contracts.Registry, providers *provider.Registry) (policy.Client, error) {
	if cfg.OPAURL != "" {
		timeout := time.Duration(cfg.OPATimeoutMS) * time.Millisecond
		return policy.NewHTTPClient(cfg.OPAURL, timeout, reg), nil
	}
	names := make([]string, 0)
	for _, entry := range providers.List() {
		names = append(names, entry.Name)
	}
	return policy.NewEngine(reg, names, cfg.PolicyCELRule)
}

func buildRetrieval(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*retrieval.Orchestrator, error) {
	if !cfg.RAGEnabled {
		return nil, nil
	}

	connectors := retrieval.NewRegistry()
	connectors.Register("filesystem", retrieval.NewFilesystemConnector(cfg.RAGFilesystemIndexPath))

	if cfg.RAGPostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.RAGPostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("rag postgres: %w", err)
		}
		pg, err := retrieval.NewPostgresConnector(db, cfg.RAGPostgresTable,
			retrieval.NewHashEmbedder(cfg.RAGEmbeddingDim))
		if err != nil {
			return nil, err
		}
		connectors.Register("postgres", pg)
	}

	if cfg.RAGS3Bucket != "" {
		s3c, err := retrieval.NewS3Connector(ctx, retrieval.S3ConnectorConfig{
			Bucket:   cfg.RAGS3Bucket,
			Key:      cfg.RAGS3IndexKey,
			Region:   cfg.RAGS3Region,
			Endpoint: cfg.RAGS3Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("rag s3: %w", err)
		}
		connectors.Register("s3", s3c)
	}

	if cfg.RAGGCSBucket != "" {
		gcs, err := retrieval.NewGCSConnector(ctx, retrieval.GCSConnectorConfig{
			Bucket: cfg.RAGGCSBucket,
			Object: cfg.RAGGCSIndexObject,
		})
		if err != nil {
			return nil, fmt.Errorf("rag gcs: %w", err)
		}
		connectors.Register("gcs", gcs)
	}

	logger.Info("rag_connectors_registered", "connectors", connectors.Names())
	return retrieval.NewOrchestrator(connectors, cfg.RAGDefaultTopK), nil
}

func buildBudget(cfg *config.Config) (budget.Tracker, error) {
	if !cfg.BudgetEnabled {
		return nil, nil
	}
	window := time.Duration(cfg.BudgetWindowSeconds) * time.Second
	ceiling := budget.CeilingFunc(cfg.BudgetCeiling)

	switch cfg.BudgetBackend {
	case "memory":
		return budget.NewMemoryTracker(window, ceiling), nil
	case "redis":
		opts, err := redis.ParseURL(cfg.BudgetRedisURL)
		if err != nil {
			return nil, fmt.Errorf("budget redis: %w", err)
		}
		ttl := time.Duration(cfg.BudgetRedisTTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = 2 * window
		}
		client := redis.NewClient(opts)
		return budget.NewRedisTracker(client, cfg.BudgetRedisPrefix, window, ttl, ceiling), nil
	default:
		return nil, fmt.Errorf("unknown budget backend %q", cfg.BudgetBackend)
	}
}

func buildWebhooks(cfg *config.Config, logger *slog.Logger) (*webhook.Dispatcher, func(), error) {
	if !cfg.WebhooksEnabled || len(cfg.WebhookEndpoints) == 0 {
		return nil, nil, nil
	}

	store, err := webhook.NewStore(cfg.WebhookDeadLetterBackend, cfg.WebhookDeadLetterPath, cfg.WebhookDeadLetterRetention)
	if err != nil {
		return nil, nil, fmt.Errorf("webhook dead letters: %w", err)
	}

	endpoints := make([]webhook.Endpoint, 0, len(cfg.WebhookEndpoints))
	for _, e := range cfg.WebhookEndpoints {
		endpoints = append(endpoints, webhook.Endpoint{
			URL:        e.URL,
			Secret:     e.Secret,
			EventTypes: e.EventTypes,
		})
	}

	dispatcher := webhook.NewDispatcher(webhook.Options{
		Endpoints:   endpoints,
		Timeout:     time.Duration(cfg.WebhookTimeoutS * float64(time.Second)),
		MaxRetries:  cfg.WebhookMaxRetries,
		BackoffBase: time.Duration(cfg.WebhookBackoffBaseS * float64(time.Second)),
		BackoffMax:  time.Duration(cfg.WebhookBackoffMaxS * float64(time.Second)),
		DeadLetters: store,
		Logger:      logger,
	})
	closer := func() {
		if c, ok := store.(io.Closer); ok {
			_ = c.Close()
		}
	}
	return dispatcher, closer, nil
}
