// Package catalog maps provider identifiers to adapter kinds and carries
// model metadata used for routing decisions.
package catalog

import (
	"sort"
	"strings"
	"sync"
)

// ProviderID identifies an LLM provider. The known set below is closed for
// routing purposes; unknown identifiers are carried through as plain strings
// so late-bound adapters can still be addressed, they just route as api_http.
type ProviderID string

const (
	ProviderAnthropic  ProviderID = "anthropic"
	ProviderOpenAI     ProviderID = "openai"
	ProviderOpenRouter ProviderID = "openrouter"
	ProviderGemini     ProviderID = "gemini"
	ProviderCohere     ProviderID = "cohere"
	ProviderOllama     ProviderID = "ollama"
	ProviderLMStudio   ProviderID = "lmstudio"
	ProviderClaudeCLI  ProviderID = "claude_cli"
	ProviderCodexCLI   ProviderID = "codex_cli"
	// ProviderTest is the in-memory provider used by tests and the demo
	// harness. It is never selected unless explicitly requested or the
	// embedding router's dev fallback is enabled.
	ProviderTest ProviderID = "test"
)

// AdapterKind determines the transport strategy for a provider.
type AdapterKind string

const (
	// KindAPIHTTP is a stateless HTTPS API (anthropic, openai, ...).
	KindAPIHTTP AdapterKind = "api_http"
	// KindSubprocessSession is a long-lived local CLI subprocess speaking
	// NDJSON over stdio (claude_cli, codex_cli).
	KindSubprocessSession AdapterKind = "subprocess_session"
	// KindLocalHTTP is an HTTP server on localhost (ollama, lmstudio).
	KindLocalHTTP AdapterKind = "local_http"
	// KindACP is the agent-client protocol; reserved, no built-in adapter.
	KindACP AdapterKind = "acp"
)

// Entry describes one registered provider.
type Entry struct {
	ID                ProviderID `json:"id"`
	Kind              AdapterKind `json:"kind"`
	DefaultModel      string     `json:"default_model,omitempty"`
	SupportsEmbedding bool       `json:"supports_embedding,omitempty"`
	// Cloud marks providers hosted off-box; the embedding router's cloud
	// preference partitions on this.
	Cloud bool `json:"cloud,omitempty"`
}

// Registry maps provider ids to entries and model names to context windows.
type Registry struct {
	mu       sync.RWMutex
	entries  map[ProviderID]Entry
	contexts map[string]int
}

// NewRegistry creates a registry pre-populated with the built-in providers.
func NewRegistry() *Registry {
	r := &Registry{
		entries:  make(map[ProviderID]Entry),
		contexts: make(map[string]int),
	}
	r.registerBuiltins()
	return r
}

// Register adds or replaces a provider entry.
func (r *Registry) Register(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.ID] = e
}

// Get retrieves a provider entry.
func (r *Registry) Get(id ProviderID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// KindFor resolves a provider to its adapter kind. Unknown providers route
// as api_http so late-bound adapters keep working.
func (r *Registry) KindFor(id ProviderID) AdapterKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return e.Kind
	}
	return KindAPIHTTP
}

// DefaultModel returns the configured default model for a provider, or ""
// when the provider is unknown.
func (r *Registry) DefaultModel(id ProviderID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id].DefaultModel
}

// List returns all entries sorted by provider id.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RegisterContextWindow records a model's maximum context size in tokens.
func (r *Registry) RegisterContextWindow(model string, tokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contexts[normalizeModel(model)] = tokens
}

// ContextWindow looks up a model's context size. Lookup is by exact name
// first, then by the longest registered prefix, so dated releases resolve
// to their family entry.
func (r *Registry) ContextWindow(model string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := normalizeModel(model)
	if n, ok := r.contexts[m]; ok {
		return n, true
	}
	best := ""
	for prefix := range r.contexts {
		if strings.HasPrefix(m, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return r.contexts[best], true
	}
	return 0, false
}

// IsCloud reports whether the provider is hosted off-box. Unknown providers
// count as cloud, which is the conservative answer for routing.
func (r *Registry) IsCloud(id ProviderID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return e.Cloud
	}
	return true
}

func normalizeModel(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}

func (r *Registry) registerBuiltins() {
	for _, e := range []Entry{
		{ID: ProviderAnthropic, Kind: KindAPIHTTP, DefaultModel: "claude-sonnet-4-20250514", SupportsEmbedding: false, Cloud: true},
		{ID: ProviderOpenAI, Kind: KindAPIHTTP, DefaultModel: "gpt-4o", SupportsEmbedding: true, Cloud: true},
		{ID: ProviderOpenRouter, Kind: KindAPIHTTP, DefaultModel: "openai/gpt-4o", SupportsEmbedding: false, Cloud: true},
		{ID: ProviderGemini, Kind: KindAPIHTTP, DefaultModel: "gemini-2.0-flash-exp", SupportsEmbedding: true, Cloud: true},
		{ID: ProviderCohere, Kind: KindAPIHTTP, DefaultModel: "command-r-plus", SupportsEmbedding: true, Cloud: true},
		{ID: ProviderOllama, Kind: KindLocalHTTP, DefaultModel: "llama3.1", SupportsEmbedding: true, Cloud: false},
		{ID: ProviderLMStudio, Kind: KindLocalHTTP, DefaultModel: "local-model", SupportsEmbedding: true, Cloud: false},
		{ID: ProviderClaudeCLI, Kind: KindSubprocessSession, DefaultModel: "claude-sonnet-4-20250514", Cloud: false},
		{ID: ProviderCodexCLI, Kind: KindSubprocessSession, Cloud: false},
		{ID: ProviderTest, Kind: KindAPIHTTP, DefaultModel: "test-model", SupportsEmbedding: true, Cloud: false},
	} {
		r.entries[e.ID] = e
	}

	for model, tokens := range map[string]int{
		"claude-opus-4":        200000,
		"claude-sonnet-4":      200000,
		"claude-3-5-sonnet":    200000,
		"claude-3-5-haiku":     200000,
		"gpt-4o":               128000,
		"gpt-4o-mini":          128000,
		"gpt-4-turbo":          128000,
		"o1":                   200000,
		"o3-mini":              200000,
		"gemini-2.0-flash-exp": 1048576,
		"gemini-1.5-pro":       2097152,
		"llama3.1":             131072,
		"command-r-plus":       128000,
		"test-model":           100000,
	} {
		r.contexts[model] = tokens
	}
}

// Default is the process-wide registry.
var Default = NewRegistry()

// KindFor resolves against the default registry.
func KindFor(id ProviderID) AdapterKind {
	return Default.KindFor(id)
}

// IsCloud resolves against the default registry.
func IsCloud(id ProviderID) bool {
	return Default.IsCloud(id)
}
