// Package provider defines the adapter contract every model backend
// implements and ships the built-in adapters: Anthropic, OpenAI-compatible
// APIs, Gemini, and Ollama. Subprocess-backed providers live in
// internal/transport; this package covers the HTTP kinds.
package provider

import (
	"context"
	"sort"
	"sync"

	"github.com/switchyard-ai/switchyard/internal/catalog"
	"github.com/switchyard-ai/switchyard/pkg/models"
)

// Adapter is a completion backend. Complete is synchronous: it returns the
// fully accumulated response for one model turn. Implementations must honor
// ctx cancellation and must map provider-native stop reasons into the closed
// models.FinishReason set.
type Adapter interface {
	ID() catalog.ProviderID
	Complete(ctx context.Context, req *models.Request) (*models.Response, error)
}

// Embedder is implemented by adapters that can serve embedding requests.
type Embedder interface {
	Embed(ctx context.Context, model string, inputs []string) (*EmbedResult, error)
}

// EmbedResult is the normalized embedding response shared by all backends.
type EmbedResult struct {
	Embeddings [][]float64        `json:"embeddings"`
	Model      string             `json:"model"`
	Provider   catalog.ProviderID `json:"provider"`
	Usage      models.Usage       `json:"usage"`
	Dimensions int                `json:"dimensions"`
}

// Registry maps provider ids to adapters. Registration replaces.
type Registry struct {
	mu       sync.RWMutex
	adapters map[catalog.ProviderID]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[catalog.ProviderID]Adapter)}
}

// Register adds or replaces an adapter under its own id.
func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	r.adapters[a.ID()] = a
	r.mu.Unlock()
}

// Get returns the adapter for a provider id.
func (r *Registry) Get(id catalog.ProviderID) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// Embedder returns the adapter for id if it supports embeddings.
func (r *Registry) Embedder(id catalog.ProviderID) (Embedder, bool) {
	r.mu.RLock()
	a, ok := r.adapters[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e, ok := a.(Embedder)
	return e, ok
}

// IDs returns the registered provider ids sorted for stable iteration.
func (r *Registry) IDs() []catalog.ProviderID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]catalog.ProviderID, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
