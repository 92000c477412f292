// Package embedrouter picks an embedding backend from an ordered candidate
// list, honoring a local/cloud preference, a liveness probe against the
// orchestrator's provider catalog, and a cloud fallback. The probe is
// advisory: an unreachable catalog never blocks embedding.
package embedrouter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/switchyard-ai/switchyard/internal/catalog"
	"github.com/switchyard-ai/switchyard/internal/provider"
)

// Preference orders the candidate list.
type Preference string

const (
	PreferLocal Preference = "local"
	PreferCloud Preference = "cloud"
	PreferAuto  Preference = "auto"
)

// cloudEmbedders is the closed set of cloud-capable embedding providers.
var cloudEmbedders = map[catalog.ProviderID]bool{
	catalog.ProviderOpenAI:    true,
	catalog.ProviderAnthropic: true,
	catalog.ProviderGemini:    true,
	catalog.ProviderCohere:    true,
}

// ErrNoProvider means no candidate survived routing.
var ErrNoProvider = errors.New("embedrouter: no embedding provider available")

// Candidate is one (provider, model) routing option.
type Candidate struct {
	Provider catalog.ProviderID `json:"provider" yaml:"provider"`
	Model    string             `json:"model" yaml:"model"`
}

// CatalogClient is the liveness probe against the orchestrator's provider
// catalog. An error means the catalog is unreachable; every provider is then
// assumed available.
type CatalogClient interface {
	ListProviders(ctx context.Context) ([]ProviderStatus, error)
}

// ProviderStatus is one row of the catalog listing.
type ProviderStatus struct {
	Provider  catalog.ProviderID `json:"provider"`
	Available bool               `json:"available"`
}

// Config tunes routing.
type Config struct {
	Preferred       Preference
	Providers       []Candidate
	FallbackToCloud bool
	// AllowTestProvider admits the scripted test provider. Dev only.
	AllowTestProvider bool
}

// Router selects and invokes embedding backends. Safe for concurrent use.
type Router struct {
	cfg      Config
	registry *provider.Registry
	probe    CatalogClient
	logger   *slog.Logger
}

// New builds a router. probe may be nil (no liveness filtering); logger may
// be nil.
func New(cfg Config, registry *provider.Registry, probe CatalogClient, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Preferred == "" {
		cfg.Preferred = PreferAuto
	}
	return &Router{
		cfg:      cfg,
		registry: registry,
		probe:    probe,
		logger:   logger.With("component", "embedrouter"),
	}
}

// Route picks the first usable candidate: configured order (cloud-first
// under the cloud preference), filtered by the liveness probe, then the
// cloud candidates regardless of liveness when FallbackToCloud is set, then
// the test provider behind the dev flag.
func (r *Router) Route(ctx context.Context) (Candidate, error) {
	available := r.availability(ctx)
	order := r.order()

	for _, c := range order {
		if !r.admissible(c.Provider) {
			continue
		}
		if live, probed := available[c.Provider]; probed && !live {
			continue
		}
		return c, nil
	}

	// Cloud endpoints are managed services; when nothing local is live they
	// are worth trying even if the catalog disagrees.
	if r.cfg.FallbackToCloud {
		for _, c := range partitionCloudFirst(order) {
			if cloudEmbedders[c.Provider] && r.admissible(c.Provider) {
				r.logger.Debug("embedding fallback to cloud", "provider", string(c.Provider))
				return c, nil
			}
		}
	}

	if r.cfg.AllowTestProvider {
		return Candidate{Provider: catalog.ProviderTest}, nil
	}
	return Candidate{}, ErrNoProvider
}

// admissible gates the test provider behind the dev flag. Everything else
// passes; unknown providers may be late-bound adapters.
func (r *Router) admissible(id catalog.ProviderID) bool {
	if id == catalog.ProviderTest {
		return r.cfg.AllowTestProvider
	}
	return true
}

// availability returns the probed liveness map, or nil when the catalog is
// unreachable or not configured. Providers missing from the listing count
// as available.
func (r *Router) availability(ctx context.Context) map[catalog.ProviderID]bool {
	if r.probe == nil {
		return nil
	}
	listing, err := r.probe.ListProviders(ctx)
	if err != nil {
		r.logger.Debug("provider catalog unreachable, assuming available", "error", err)
		return nil
	}
	out := make(map[catalog.ProviderID]bool, len(listing))
	for _, row := range listing {
		out[row.Provider] = row.Available
	}
	return out
}

func (r *Router) order() []Candidate {
	list := append([]Candidate(nil), r.cfg.Providers...)
	if r.cfg.Preferred == PreferCloud {
		list = partitionCloudFirst(list)
	}
	return list
}

// partitionCloudFirst stable-partitions candidates so cloud-capable
// providers keep their relative order ahead of the rest.
func partitionCloudFirst(list []Candidate) []Candidate {
	out := make([]Candidate, 0, len(list))
	for _, c := range list {
		if cloudEmbedders[c.Provider] {
			out = append(out, c)
		}
	}
	for _, c := range list {
		if !cloudEmbedders[c.Provider] {
			out = append(out, c)
		}
	}
	return out
}

// Embed embeds a single input.
func (r *Router) Embed(ctx context.Context, text string) (*provider.EmbedResult, error) {
	return r.EmbedBatch(ctx, []string{text})
}

// EmbedBatch routes and delegates to the chosen provider's embedding
// endpoint. The result is normalized by the adapter contract.
func (r *Router) EmbedBatch(ctx context.Context, texts []string) (*provider.EmbedResult, error) {
	if len(texts) == 0 {
		return nil, errors.New("embedrouter: no inputs")
	}
	c, err := r.Route(ctx)
	if err != nil {
		return nil, err
	}
	emb, ok := r.registry.Embedder(c.Provider)
	if !ok {
		return nil, fmt.Errorf("embedrouter: provider %s has no embedding adapter", c.Provider)
	}
	res, err := emb.Embed(ctx, c.Model, texts)
	if err != nil {
		return nil, err
	}
	if res.Provider == "" {
		res.Provider = c.Provider
	}
	return res, nil
}
