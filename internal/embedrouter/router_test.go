package embedrouter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/switchyard-ai/switchyard/internal/catalog"
	"github.com/switchyard-ai/switchyard/internal/provider"
)

type fakeCatalogClient struct {
	listing []ProviderStatus
	err     error
}

func (f *fakeCatalogClient) ListProviders(context.Context) ([]ProviderStatus, error) {
	return f.listing, f.err
}

func newTestRouter(cfg Config, registry *provider.Registry, probe CatalogClient) *Router {
	if registry == nil {
		registry = provider.NewRegistry()
	}
	return New(cfg, registry, probe, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRouteKeepsConfiguredOrder(t *testing.T) {
	r := newTestRouter(Config{
		Preferred: PreferAuto,
		Providers: []Candidate{
			{Provider: catalog.ProviderOllama, Model: "nomic-embed-text"},
			{Provider: catalog.ProviderOpenAI, Model: "text-embedding-3-small"},
		},
	}, nil, nil)

	c, err := r.Route(context.Background())
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if c.Provider != catalog.ProviderOllama || c.Model != "nomic-embed-text" {
		t.Errorf("Route() = %+v, want ollama/nomic-embed-text", c)
	}
}

func TestCloudPreferencePartitionsStably(t *testing.T) {
	r := newTestRouter(Config{
		Preferred: PreferCloud,
		Providers: []Candidate{
			{Provider: catalog.ProviderOllama, Model: "nomic-embed-text"},
			{Provider: catalog.ProviderOpenAI, Model: "text-embedding-3-small"},
			{Provider: catalog.ProviderGemini, Model: "text-embedding-004"},
		},
	}, nil, nil)

	order := r.order()
	want := []catalog.ProviderID{catalog.ProviderOpenAI, catalog.ProviderGemini, catalog.ProviderOllama}
	for i, c := range order {
		if c.Provider != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, c.Provider, want[i])
		}
	}

	c, err := r.Route(context.Background())
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if c.Provider != catalog.ProviderOpenAI {
		t.Errorf("Route() = %s, want openai first under cloud preference", c.Provider)
	}
}

func TestProbeFiltersDeadProviders(t *testing.T) {
	probe := &fakeCatalogClient{listing: []ProviderStatus{
		{Provider: catalog.ProviderOllama, Available: false},
		{Provider: catalog.ProviderOpenAI, Available: true},
	}}
	r := newTestRouter(Config{
		Providers: []Candidate{
			{Provider: catalog.ProviderOllama, Model: "nomic-embed-text"},
			{Provider: catalog.ProviderOpenAI, Model: "text-embedding-3-small"},
		},
	}, nil, probe)

	c, err := r.Route(context.Background())
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if c.Provider != catalog.ProviderOpenAI {
		t.Errorf("Route() = %s, want openai when ollama is down", c.Provider)
	}
}

func TestUnreachableCatalogAssumesAvailable(t *testing.T) {
	probe := &fakeCatalogClient{err: errors.New("connection refused")}
	r := newTestRouter(Config{
		Providers: []Candidate{{Provider: catalog.ProviderOllama, Model: "nomic-embed-text"}},
	}, nil, probe)

	c, err := r.Route(context.Background())
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if c.Provider != catalog.ProviderOllama {
		t.Errorf("Route() = %s, want ollama despite unreachable catalog", c.Provider)
	}
}

func TestMissingFromListingCountsAvailable(t *testing.T) {
	probe := &fakeCatalogClient{listing: []ProviderStatus{
		{Provider: catalog.ProviderOpenAI, Available: true},
	}}
	r := newTestRouter(Config{
		Providers: []Candidate{{Provider: catalog.ProviderOllama, Model: "nomic-embed-text"}},
	}, nil, probe)

	c, err := r.Route(context.Background())
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if c.Provider != catalog.ProviderOllama {
		t.Errorf("Route() = %s, want unlisted provider treated as available", c.Provider)
	}
}

func TestFallbackToCloudIgnoresProbe(t *testing.T) {
	probe := &fakeCatalogClient{listing: []ProviderStatus{
		{Provider: catalog.ProviderOllama, Available: false},
		{Provider: catalog.ProviderOpenAI, Available: false},
	}}
	r := newTestRouter(Config{
		FallbackToCloud: true,
		Providers: []Candidate{
			{Provider: catalog.ProviderOllama, Model: "nomic-embed-text"},
			{Provider: catalog.ProviderOpenAI, Model: "text-embedding-3-small"},
		},
	}, nil, probe)

	c, err := r.Route(context.Background())
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if c.Provider != catalog.ProviderOpenAI {
		t.Errorf("Route() = %s, want cloud fallback to openai", c.Provider)
	}
}

func TestNoProviderAvailable(t *testing.T) {
	probe := &fakeCatalogClient{listing: []ProviderStatus{
		{Provider: catalog.ProviderOllama, Available: false},
	}}
	r := newTestRouter(Config{
		Providers: []Candidate{{Provider: catalog.ProviderOllama, Model: "nomic-embed-text"}},
	}, nil, probe)

	if _, err := r.Route(context.Background()); !errors.Is(err, ErrNoProvider) {
		t.Errorf("Route() error = %v, want ErrNoProvider", err)
	}
}

func TestTestProviderGatedByDevFlag(t *testing.T) {
	cfg := Config{Providers: []Candidate{{Provider: catalog.ProviderTest, Model: "scripted-embed"}}}

	r := newTestRouter(cfg, nil, nil)
	if _, err := r.Route(context.Background()); !errors.Is(err, ErrNoProvider) {
		t.Errorf("Route() without dev flag = %v, want ErrNoProvider", err)
	}

	cfg.AllowTestProvider = true
	r = newTestRouter(cfg, nil, nil)
	c, err := r.Route(context.Background())
	if err != nil {
		t.Fatalf("Route() with dev flag error = %v", err)
	}
	if c.Provider != catalog.ProviderTest {
		t.Errorf("Route() = %s, want test provider", c.Provider)
	}
}

func TestTestProviderIsFinalFallback(t *testing.T) {
	probe := &fakeCatalogClient{listing: []ProviderStatus{
		{Provider: catalog.ProviderOllama, Available: false},
	}}
	r := newTestRouter(Config{
		AllowTestProvider: true,
		Providers:         []Candidate{{Provider: catalog.ProviderOllama, Model: "nomic-embed-text"}},
	}, nil, probe)

	c, err := r.Route(context.Background())
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if c.Provider != catalog.ProviderTest {
		t.Errorf("Route() = %s, want test provider as final fallback", c.Provider)
	}
}

func TestEmbedBatchDelegates(t *testing.T) {
	registry := provider.NewRegistry()
	registry.Register(provider.NewScripted(catalog.ProviderOllama).SetEmbedDim(16))

	r := newTestRouter(Config{
		Providers: []Candidate{{Provider: catalog.ProviderOllama, Model: "nomic-embed-text"}},
	}, registry, nil)

	res, err := r.EmbedBatch(context.Background(), []string{"hello", "world"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if res.Provider != catalog.ProviderOllama {
		t.Errorf("Provider = %s, want ollama", res.Provider)
	}
	if res.Model != "nomic-embed-text" {
		t.Errorf("Model = %q, want nomic-embed-text", res.Model)
	}
	if len(res.Embeddings) != 2 {
		t.Errorf("embeddings = %d, want 2", len(res.Embeddings))
	}
	if res.Dimensions != 16 || len(res.Embeddings[0]) != 16 {
		t.Errorf("dimensions = %d/%d, want 16", res.Dimensions, len(res.Embeddings[0]))
	}
}

func TestEmbedSingleInput(t *testing.T) {
	registry := provider.NewRegistry()
	registry.Register(provider.NewScripted(catalog.ProviderOllama))

	r := newTestRouter(Config{
		Providers: []Candidate{{Provider: catalog.ProviderOllama, Model: "nomic-embed-text"}},
	}, registry, nil)

	res, err := r.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(res.Embeddings) != 1 {
		t.Errorf("embeddings = %d, want 1", len(res.Embeddings))
	}
}

func TestEmbedWithoutAdapter(t *testing.T) {
	r := newTestRouter(Config{
		Providers: []Candidate{{Provider: catalog.ProviderOllama, Model: "nomic-embed-text"}},
	}, provider.NewRegistry(), nil)

	if _, err := r.EmbedBatch(context.Background(), []string{"x"}); err == nil {
		t.Error("EmbedBatch() without a registered adapter = nil error, want failure")
	}
}
