// Package retrieval augments chat requests with document context. A
// connector adapts one corpus (filesystem JSONL, Postgres pgvector, S3,
// GCS) behind a two-method interface; the orchestrator enforces the
// policy's connector allow-list and dispatches to the registry.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sovereignrag/gateway/pkg/openai"
)

// DocumentChunk is one scored retrieval hit.
type DocumentChunk struct {
	SourceID  string            `json:"source_id"`
	Connector string            `json:"connector"`
	URI       string            `json:"uri"`
	ChunkID   string            `json:"chunk_id"`
	Text      string            `json:"text"`
	Score     float64           `json:"score"`
	Metadata  map[string]string `json:"metadata"`
}

// Citation is the provenance projection attached to responses.
func (c DocumentChunk) Citation() openai.Citation {
	return openai.Citation{
		SourceID:  c.SourceID,
		Connector: c.Connector,
		URI:       c.URI,
		ChunkID:   c.ChunkID,
		Score:     c.Score,
	}
}

// Document is a full fetched source.
type Document struct {
	SourceID string            `json:"source_id"`
	URI      string            `json:"uri"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
}

// Connector adapts one external corpus.
type Connector interface {
	// Search returns up to k chunks ranked by relevance; filter keys must
	// match metadata exactly.
	Search(ctx context.Context, query string, filters map[string]string, k int) ([]DocumentChunk, error)
	// Fetch returns the full document for a source id, or nil when absent.
	Fetch(ctx context.Context, docID string) (*Document, error)
}

// DeniedError reports a connector outside the policy allow-list.
type DeniedError struct {
	Connector string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("retrieval: connector %q is not allowed", e.Connector)
}

// NotFoundError reports an unregistered connector.
type NotFoundError struct {
	Connector string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("retrieval: connector %q is not registered", e.Connector)
}

// Registry is the process-wide name to connector map.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds or replaces a connector by name.
func (r *Registry) Register(name string, connector Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[name] = connector
}

// Get returns the named connector, or a NotFoundError.
func (r *Registry) Get(name string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	if !ok {
		return nil, &NotFoundError{Connector: name}
	}
	return c, nil
}

// Names lists the registered connector names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Request names what to retrieve and from where.
type Request struct {
	Query     string
	Connector string
	K         int
	Filters   map[string]string
}

// Orchestrator enforces the allow-list and dispatches to connectors.
type Orchestrator struct {
	registry *Registry
	defaultK int
}

// NewOrchestrator builds an orchestrator; defaultK replaces non-positive k.
func NewOrchestrator(registry *Registry, defaultK int) *Orchestrator {
	if defaultK < 1 {
		defaultK = 3
	}
	return &Orchestrator{registry: registry, defaultK: defaultK}
}

// Retrieve runs a search, honoring the allow-list. A nil allow-list means
// unrestricted; an empty one denies everything.
func (o *Orchestrator) Retrieve(ctx context.Context, req Request, allowedConnectors []string) ([]DocumentChunk, error) {
	if allowedConnectors != nil {
		allowed := false
		for _, name := range allowedConnectors {
			if name == req.Connector {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, &DeniedError{Connector: req.Connector}
		}
	}

	connector, err := o.registry.Get(req.Connector)
	if err != nil {
		return nil, err
	}

	k := req.K
	if k <= 0 {
		k = o.defaultK
	}
	return connector.Search(ctx, req.Query, req.Filters, k)
}
