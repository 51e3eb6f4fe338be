package provider_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovereignrag/gateway/pkg/provider"
)

func entry(name string, priority int, enabled bool, caps provider.Capabilities) provider.Entry {
	return provider.Entry{
		Name:         name,
		Provider:     provider.NewStubProvider(16),
		Capabilities: caps,
		Priority:     priority,
		Enabled:      enabled,
	}
}

func allCaps() provider.Capabilities {
	return provider.Capabilities{Chat: true, Embeddings: true, Streaming: true}
}

func names(entries []*provider.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestSupportsModel(t *testing.T) {
	open := provider.Capabilities{}
	assert.True(t, open.SupportsModel("anything"))

	scoped := provider.Capabilities{ModelPrefixes: []string{"gpt-", "o1-"}}
	assert.True(t, scoped.SupportsModel("gpt-4o-mini"))
	assert.True(t, scoped.SupportsModel("o1-preview"))
	assert.False(t, scoped.SupportsModel("claude-3-haiku"))
}

func TestFallbackChainPrimaryFirst(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register(entry("cheap", 1, true, allCaps()))
	reg.Register(entry("primary", 5, true, allCaps()))
	reg.Register(entry("backup", 2, true, allCaps()))

	chain := reg.FallbackChain("primary")
	assert.Equal(t, []string{"primary", "cheap", "backup"}, names(chain))
}

func TestFallbackChainPrimaryAbsent(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register(entry("b", 2, true, allCaps()))
	reg.Register(entry("a", 1, true, allCaps()))

	chain := reg.FallbackChain("missing")
	assert.Equal(t, []string{"a", "b"}, names(chain))
}

func TestFallbackChainSkipsDisabled(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register(entry("primary", 0, false, allCaps()))
	reg.Register(entry("backup", 1, true, allCaps()))

	chain := reg.FallbackChain("primary")
	assert.Equal(t, []string{"backup"}, names(chain))
}

func TestEligibleChainFilters(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register(entry("full", 0, true, allCaps()))
	reg.Register(entry("no-stream", 1, true, provider.Capabilities{Chat: true, Embeddings: true}))
	reg.Register(entry("embed-only", 2, true, provider.Capabilities{Embeddings: true}))
	reg.Register(entry("scoped", 3, true, provider.Capabilities{Chat: true, Streaming: true, ModelPrefixes: []string{"gpt-"}}))

	chat := reg.EligibleChain("full", provider.OperationChat, "claude-3", false, nil)
	assert.Equal(t, []string{"full", "no-stream"}, names(chat))

	streaming := reg.EligibleChain("full", provider.OperationChat, "gpt-4o-mini", true, nil)
	assert.Equal(t, []string{"full", "scoped"}, names(streaming))

	embeddings := reg.EligibleChain("full", provider.OperationEmbeddings, "text-embedding-3-small", false, nil)
	assert.Equal(t, []string{"full", "no-stream", "embed-only"}, names(embeddings))
}

func TestEligibleChainAllowList(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register(entry("a", 0, true, allCaps()))
	reg.Register(entry("b", 1, true, allCaps()))

	chain := reg.EligibleChain("a", provider.OperationChat, "m", false, []string{"b"})
	assert.Equal(t, []string{"b"}, names(chain))

	// An empty (non-nil) allow-list denies everything.
	chain = reg.EligibleChain("a", provider.OperationChat, "m", false, []string{})
	assert.Empty(t, chain)
}

func TestCheapestForTokens(t *testing.T) {
	reg := provider.NewRegistry()
	expensive := entry("expensive", 0, true, allCaps())
	expensive.Cost = provider.Cost{InputPerToken: 1e-5, OutputPerToken: 3e-5}
	cheap := entry("cheap", 1, true, allCaps())
	cheap.Cost = provider.Cost{InputPerToken: 1e-7, OutputPerToken: 2e-7}
	reg.Register(expensive)
	reg.Register(cheap)

	best := reg.CheapestForTokens(1000, 500)
	require.NotNil(t, best)
	assert.Equal(t, "cheap", best.Name)
}

func TestCheapestForTokensEmpty(t *testing.T) {
	assert.Nil(t, provider.NewRegistry().CheapestForTokens(10, 10))
}
