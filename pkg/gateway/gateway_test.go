package gateway_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sovereignrag/gateway/pkg/audit"
	"github.com/sovereignrag/gateway/pkg/budget"
	"github.com/sovereignrag/gateway/pkg/config"
	"github.com/sovereignrag/gateway/pkg/contracts"
	"github.com/sovereignrag/gateway/pkg/gateway"
	"github.com/sovereignrag/gateway/pkg/openai"
	"github.com/sovereignrag/gateway/pkg/policy"
	"github.com/sovereignrag/gateway/pkg/provider"
	"github.com/sovereignrag/gateway/pkg/redaction"
	"github.com/sovereignrag/gateway/pkg/retrieval"
	"github.com/sovereignrag/gateway/pkg/webhook"
)

// testEnv assembles pipeline collaborators; tests adjust fields before
// calling build.
type testEnv struct {
	cfg       *config.Config
	contracts *contracts.Registry
	providers *provider.Registry
	policy    policy.Client
	budget    budget.Tracker
	retrieval *retrieval.Orchestrator
	webhooks  *webhook.Dispatcher

	writer    *audit.Writer
	auditPath string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()

	reg, err := contracts.Load("")
	require.NoError(t, err)

	cfg := &config.Config{
		OPAMode:                 policy.ModeEnforce,
		RAGEnabled:              true,
		RAGDefaultTopK:          3,
		RedactionEnabled:        true,
		ProviderName:            "stub",
		ProviderFallbackEnabled: true,
		ModelCatalog:            []string{"stub-chat", "stub-embed"},
	}

	providers := provider.NewRegistry()
	providers.Register(provider.Entry{
		Name:         "stub",
		Provider:     provider.NewStubProvider(8),
		Capabilities: provider.Capabilities{Chat: true, Embeddings: true, Streaming: true},
		Priority:     1,
		Enabled:      true,
	})

	engine, err := policy.NewEngine(reg, []string{"stub"}, "")
	require.NoError(t, err)

	return &testEnv{
		cfg:       cfg,
		contracts: reg,
		providers: providers,
		policy:    engine,
	}
}

func (e *testEnv) build(t *testing.T) *gateway.Service {
	t.Helper()

	e.auditPath = filepath.Join(t.TempDir(), "audit.log")
	writer, err := audit.NewWriter(e.auditPath, e.contracts)
	require.NoError(t, err)
	e.writer = writer
	t.Cleanup(func() { writer.Close() })

	return gateway.New(gateway.Options{
		Config:    e.cfg,
		Contracts: e.contracts,
		Policy:    e.policy,
		Redactor:  redaction.New(),
		Audit:     writer,
		Retrieval: e.retrieval,
		Registry:  e.providers,
		Router:    provider.NewRouter(e.providers, nil),
		Budget:    e.budget,
		Webhooks:  e.webhooks,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func testCtx(endpoint string) gateway.RequestContext {
	return gateway.RequestContext{
		RequestID:      "req-0001",
		TenantID:       "tenant-a",
		UserID:         "user-1",
		Classification: "public",
		Endpoint:       endpoint,
		StartedAt:      time.Now(),
	}
}

func chatRequest(model, content string) *openai.ChatCompletionRequest {
	return &openai.ChatCompletionRequest{
		Model:    model,
		Messages: []openai.ChatMessage{{Role: "user", Content: content}},
	}
}

func readEvents(t *testing.T, path string) []audit.Event {
	t.Helper()
	events, err := audit.ReadLog(path)
	require.NoError(t, err)
	return events
}

func asGatewayError(t *testing.T, err error) *gateway.Error {
	t.Helper()
	require.Error(t, err)
	gerr, ok := err.(*gateway.Error)
	require.True(t, ok, "expected *gateway.Error, got %T: %v", err, err)
	return gerr
}

// policyFunc adapts a function to policy.Client.
type policyFunc func(ctx context.Context, input policy.Input) (*policy.Decision, error)

func (f policyFunc) Evaluate(ctx context.Context, input policy.Input) (*policy.Decision, error) {
	return f(ctx, input)
}

func allowDecision(model string) *policy.Decision {
	return &policy.Decision{
		DecisionID:  "dec-1",
		Allow:       true,
		PolicyHash:  "hash-1",
		EvaluatedAt: "2026-03-01T00:00:00Z",
		Transforms:  []policy.TransformAction{},
		ProviderConstraints: &policy.ProviderConstraints{
			AllowedProviders: []string{"stub"},
			AllowedModels:    []string{model},
		},
	}
}

// erroringProvider fails every operation with one scripted upstream error.
type erroringProvider struct {
	status int
	code   string
}

func (p *erroringProvider) Chat(ctx context.Context, model string, messages []openai.ChatMessage, maxTokens int) (*openai.ChatCompletionResponse, error) {
	return nil, provider.NewError(p.status, p.code, "scripted upstream failure")
}

func (p *erroringProvider) ChatStream(ctx context.Context, model string, messages []openai.ChatMessage, maxTokens int) (provider.Stream, error) {
	return nil, provider.NewError(p.status, p.code, "scripted upstream failure")
}

func (p *erroringProvider) Embeddings(ctx context.Context, model string, input []string) (*openai.EmbeddingsResponse, error) {
	return nil, provider.NewError(p.status, p.code, "scripted upstream failure")
}

// unconstrainedAllow is an allow decision with no provider or model
// constraints, for tests that register their own provider pairs.
func unconstrainedAllow() *policy.Decision {
	return &policy.Decision{
		DecisionID:  "dec-open",
		Allow:       true,
		PolicyHash:  "hash-1",
		EvaluatedAt: "2026-03-01T00:00:00Z",
		Transforms:  []policy.TransformAction{},
	}
}

// registerPair wires a failing primary ahead of a healthy stub secondary.
func registerPair(env *testEnv, primary *erroringProvider) {
	env.cfg.ProviderName = "primary"
	env.providers = provider.NewRegistry()
	env.providers.Register(provider.Entry{
		Name:         "primary",
		Provider:     primary,
		Capabilities: provider.Capabilities{Chat: true, Embeddings: true, Streaming: true},
		Priority:     0,
		Enabled:      true,
	})
	env.providers.Register(provider.Entry{
		Name:         "secondary",
		Provider:     provider.NewStubProvider(8),
		Capabilities: provider.Capabilities{Chat: true, Embeddings: true, Streaming: true},
		Priority:     1,
		Enabled:      true,
	})
	env.policy = policyFunc(func(ctx context.Context, input policy.Input) (*policy.Decision, error) {
		return unconstrainedAllow(), nil
	})
}

// fakeTracker scripts budget outcomes.
type fakeTracker struct {
	mu         sync.Mutex
	checkErr   error
	runningOK  bool
	runningErr error
	summary    budget.Summary
	summaryErr error
	recorded   []int
}

func (f *fakeTracker) Check(ctx context.Context, tenantID string, requested int) error {
	return f.checkErr
}

func (f *fakeTracker) Record(ctx context.Context, tenantID string, tokens int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, tokens)
	return nil
}

func (f *fakeTracker) CheckRunning(ctx context.Context, tenantID string, requested int) (bool, error) {
	return f.runningOK, f.runningErr
}

func (f *fakeTracker) Summary(ctx context.Context, tenantID string) (budget.Summary, error) {
	return f.summary, f.summaryErr
}

func (f *fakeTracker) recordedTokens() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.recorded...)
}

// fixedConnector returns a prepared chunk list for any query.
type fixedConnector struct {
	chunks []retrieval.DocumentChunk
}

func (c *fixedConnector) Search(ctx context.Context, query string, filters map[string]string, k int) ([]retrieval.DocumentChunk, error) {
	if k < len(c.chunks) {
		return c.chunks[:k], nil
	}
	return c.chunks, nil
}

func (c *fixedConnector) Fetch(ctx context.Context, docID string) (*retrieval.Document, error) {
	return nil, nil
}

func ragOrchestrator(chunks ...retrieval.DocumentChunk) *retrieval.Orchestrator {
	reg := retrieval.NewRegistry()
	reg.Register("filesystem", &fixedConnector{chunks: chunks})
	return retrieval.NewOrchestrator(reg, 3)
}

func sampleChunks() []retrieval.DocumentChunk {
	return []retrieval.DocumentChunk{
		{
			SourceID:  "doc-1",
			Connector: "filesystem",
			URI:       "file:///corpus/doc-1.txt",
			ChunkID:   "doc-1:0",
			Text:      "Discharge procedure requires attending sign-off.",
			Score:     1.0,
		},
		{
			SourceID:  "doc-2",
			Connector: "filesystem",
			URI:       "file:///corpus/doc-2.txt",
			ChunkID:   "doc-2:0",
			Text:      "Follow-up appointments are booked within 7 days.",
			Score:     0.5,
		},
	}
}
