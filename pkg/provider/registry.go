package provider

import (
	"log/slog"
	"sort"
	"sync"
)

// Operation names the provider capability a route requires.
type Operation string

const (
	OperationChat       Operation = "chat"
	OperationEmbeddings Operation = "embeddings"
)

// Entry is one registered provider with its routing metadata.
type Entry struct {
	Name         string
	Provider     Provider
	Cost         Cost
	Capabilities Capabilities
	Priority     int
	Enabled      bool
}

// Registry holds the process-wide provider set. Registration happens at
// startup; reads afterwards are concurrent.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds or replaces an entry by name.
func (r *Registry) Register(entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.Name] = &entry
	slog.Info("provider registered", "provider", entry.Name, "priority", entry.Priority, "enabled", entry.Enabled)
}

// Get returns the entry by name, or nil.
func (r *Registry) Get(name string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// List returns the enabled entries sorted ascending by priority.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Enabled {
			out = append(out, e)
		}
	}
	sortByPriority(out)
	return out
}

// FallbackChain orders the enabled entries for routing: the primary first
// when present and enabled, then the rest ascending by priority.
func (r *Registry) FallbackChain(primary string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var enabled []*Entry
	for _, e := range r.entries {
		if e.Enabled {
			enabled = append(enabled, e)
		}
	}

	primaryEntry := r.entries[primary]
	if primaryEntry != nil && primaryEntry.Enabled {
		others := make([]*Entry, 0, len(enabled)-1)
		for _, e := range enabled {
			if e.Name != primary {
				others = append(others, e)
			}
		}
		sortByPriority(others)
		return append([]*Entry{primaryEntry}, others...)
	}

	sortByPriority(enabled)
	return enabled
}

// EligibleChain filters the fallback chain down to entries that can serve
// the operation, model, and streaming requirement, restricted to the
// allow-list when one is given (nil means unrestricted).
func (r *Registry) EligibleChain(primary string, op Operation, model string, requiresStream bool, allowed []string) []*Entry {
	var allowSet map[string]bool
	if allowed != nil {
		allowSet = make(map[string]bool, len(allowed))
		for _, name := range allowed {
			allowSet[name] = true
		}
	}

	var out []*Entry
	for _, e := range r.FallbackChain(primary) {
		if eligible(e, op, model, requiresStream, allowSet) {
			out = append(out, e)
		}
	}
	return out
}

// CheapestForTokens returns the enabled entry with the lowest projected
// cost for the token estimate, or nil when nothing is registered. Used for
// reporting; routing order is priority-based.
func (r *Registry) CheapestForTokens(estimatedInput, estimatedOutput int) *Entry {
	var best *Entry
	bestCost := 0.0
	for _, e := range r.List() {
		cost := e.Cost.InputPerToken*float64(estimatedInput) + e.Cost.OutputPerToken*float64(estimatedOutput)
		if best == nil || cost < bestCost {
			best = e
			bestCost = cost
		}
	}
	return best
}

func eligible(e *Entry, op Operation, model string, requiresStream bool, allowSet map[string]bool) bool {
	if !e.Enabled {
		return false
	}
	if allowSet != nil && !allowSet[e.Name] {
		return false
	}
	if op == OperationChat && !e.Capabilities.Chat {
		return false
	}
	if op == OperationEmbeddings && !e.Capabilities.Embeddings {
		return false
	}
	if requiresStream && !e.Capabilities.Streaming {
		return false
	}
	return e.Capabilities.SupportsModel(model)
}

func sortByPriority(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Priority < entries[j].Priority
	})
}
