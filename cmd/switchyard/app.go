package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/switchyard-ai/switchyard/internal/archive"
	"github.com/switchyard-ai/switchyard/internal/authz"
	"github.com/switchyard-ai/switchyard/internal/budget"
	"github.com/switchyard-ai/switchyard/internal/catalog"
	"github.com/switchyard-ai/switchyard/internal/config"
	"github.com/switchyard-ai/switchyard/internal/dispatch"
	"github.com/switchyard-ai/switchyard/internal/embedrouter"
	"github.com/switchyard-ai/switchyard/internal/hooks"
	"github.com/switchyard-ai/switchyard/internal/observability"
	"github.com/switchyard-ai/switchyard/internal/provider"
	"github.com/switchyard-ai/switchyard/internal/sessionpool"
	"github.com/switchyard-ai/switchyard/internal/signalbus"
	"github.com/switchyard-ai/switchyard/internal/stats"
	"github.com/switchyard-ai/switchyard/internal/sysprompt"
	"github.com/switchyard-ai/switchyard/internal/toolloop"
	"github.com/switchyard-ai/switchyard/internal/transport"
	"github.com/switchyard-ai/switchyard/pkg/models"
)

// app owns the wired component graph behind the serve command. Construction
// order follows the dependency direction: observability first, then the
// provider surface, then the accounting subsystems, then the dispatcher
// that ties them together.
type app struct {
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	traceStop  func(context.Context) error
	bus        *signalbus.InProcess
	providers  *provider.Registry
	tools      *toolloop.Registry
	pool       *sessionpool.Pool
	tracker    *stats.Tracker
	spend      *budget.Tracker
	store      archive.Store
	embeddings *embedrouter.Router
	dispatcher *dispatch.Dispatcher
	jobs       *cron.Cron
}

func newApp(ctx context.Context, cfg *config.Config, snapshot dispatch.SnapshotFunc, logger *slog.Logger) (*app, error) {
	metrics := observability.NewMetrics()

	traceCfg := observability.TraceConfig{
		ServiceName:    cfg.Telemetry.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Tracing.Environment,
		SamplingRate:   cfg.Telemetry.Tracing.SamplingRate,
		Attributes:     cfg.Telemetry.Tracing.Attributes,
		EnableInsecure: cfg.Telemetry.Tracing.Insecure,
	}
	if cfg.Telemetry.Tracing.Enabled {
		traceCfg.Endpoint = cfg.Telemetry.Tracing.Endpoint
	}
	tracer, traceStop := observability.NewTracer(traceCfg)

	bus := signalbus.New(logger)
	providers := buildProviders(ctx, cfg, logger)

	tools := toolloop.NewRegistry()
	if err := registerBuiltinTools(tools); err != nil {
		return nil, fmt.Errorf("builtin tools: %w", err)
	}

	tracker := stats.New(stats.Config{
		AlertThreshold:  cfg.Stats.AlertThreshold,
		MinRequests:     cfg.Stats.MinRequests,
		Retention:       time.Duration(cfg.Stats.RetentionDays) * 24 * time.Hour,
		PersistPath:     cfg.Stats.PersistPath,
		SummarySchedule: cfg.Stats.SummarySchedule,
	}, bus, logger)
	if err := tracker.Start(); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	spend := budget.New(budgetConfig(cfg), bus, logger, metrics)
	if err := spend.Start(); err != nil {
		tracker.Close()
		return nil, fmt.Errorf("budget: %w", err)
	}

	pool := sessionpool.New(poolConfig(cfg), transportFactory(snapshot, logger, metrics), logger, metrics)

	store, sink, err := buildArchive(ctx, cfg, logger, metrics)
	if err != nil {
		pool.Close()
		tracker.Close()
		spend.Close()
		return nil, err
	}

	var capStore authz.CapabilityStore
	if len(cfg.Authz.Grants) > 0 {
		capStore = authz.NewStaticStore(cfg.Authz.Grants)
	}

	prompt := sysprompt.New(promptConfig(cfg), sysprompt.Sources{}, catalog.Default, logger)

	embeddings := embedrouter.New(embedrouter.Config{
		Preferred:         embedrouter.Preference(cfg.Embeddings.Preferred),
		Providers:         embeddingCandidates(cfg),
		FallbackToCloud:   cfg.Embeddings.FallbackToCloud,
		AllowTestProvider: cfg.Embeddings.AllowTestProvider,
	}, providers, nil, logger)

	dispatcher := dispatch.New(dispatch.Deps{
		Snapshot:  snapshot,
		Catalog:   catalog.Default,
		Providers: providers,
		Tools:     tools,
		Hooks:     hooks.NewChain(logger),
		Pool:      pool,
		Store:     capStore,
		Mode:      authz.Mode(cfg.Authz.Mode),
		Stats:     tracker,
		Budget:    spend,
		Bus:       bus,
		Archive:   sink,
		Prompt:    prompt,
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracer,
	})

	a := &app{
		logger:     logger,
		metrics:    metrics,
		tracer:     tracer,
		traceStop:  traceStop,
		bus:        bus,
		providers:  providers,
		tools:      tools,
		pool:       pool,
		tracker:    tracker,
		spend:      spend,
		store:      store,
		embeddings: embeddings,
		dispatcher: dispatcher,
	}
	a.startJobs(cfg)
	return a, nil
}

// startJobs schedules the archive retention prune. Stats and budget run
// their own daily jobs.
func (a *app) startJobs(cfg *config.Config) {
	if cfg.Archive.RetentionDays <= 0 {
		return
	}
	retention := time.Duration(cfg.Archive.RetentionDays) * 24 * time.Hour
	a.jobs = cron.New()
	_, err := a.jobs.AddFunc("45 3 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := a.store.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			a.logger.Warn("archive prune failed", "error", err)
			return
		}
		if n > 0 {
			a.logger.Info("archive pruned", "records", n, "retention_days", cfg.Archive.RetentionDays)
		}
	})
	if err != nil {
		a.logger.Warn("archive prune not scheduled", "error", err)
		a.jobs = nil
		return
	}
	a.jobs.Start()
}

// Close tears the graph down in reverse dependency order. The pool goes
// first so in-flight sessions release before accounting shuts down.
func (a *app) Close(ctx context.Context) error {
	if a.jobs != nil {
		a.jobs.Stop()
	}
	a.pool.Close()
	a.tracker.Close()
	a.spend.Close()

	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("archive close: %w", err)
	}
	if a.traceStop != nil {
		if err := a.traceStop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tracer shutdown: %w", err)
		}
	}
	return firstErr
}

// buildProviders registers an adapter for every configured provider that
// has one. Failures skip the provider rather than aborting boot, so one
// bad API key does not take the whole gateway down.
func buildProviders(ctx context.Context, cfg *config.Config, logger *slog.Logger) *provider.Registry {
	reg := provider.NewRegistry()
	for name, pc := range cfg.Providers {
		id := catalog.ProviderID(name)
		switch id {
		case catalog.ProviderAnthropic:
			a, err := provider.NewAnthropic(provider.AnthropicConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.DefaultModel,
			})
			if err != nil {
				logger.Warn("skipping provider", "provider", name, "error", err)
				continue
			}
			reg.Register(a)
		case catalog.ProviderOpenAI, catalog.ProviderOpenRouter, catalog.ProviderLMStudio:
			a, err := provider.NewOpenAICompat(provider.OpenAICompatConfig{
				Provider:     id,
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.DefaultModel,
			})
			if err != nil {
				logger.Warn("skipping provider", "provider", name, "error", err)
				continue
			}
			reg.Register(a)
		case catalog.ProviderGemini:
			a, err := provider.NewGemini(ctx, provider.GeminiConfig{
				APIKey:       pc.APIKey,
				DefaultModel: pc.DefaultModel,
			})
			if err != nil {
				logger.Warn("skipping provider", "provider", name, "error", err)
				continue
			}
			reg.Register(a)
		case catalog.ProviderOllama:
			reg.Register(provider.NewOllama(provider.OllamaConfig{
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.DefaultModel,
			}))
		case catalog.ProviderTest:
			reg.Register(provider.NewScripted(catalog.ProviderTest))
		case catalog.ProviderClaudeCLI, catalog.ProviderCodexCLI:
			// Subprocess providers are served by the session pool, not an
			// API adapter.
		default:
			logger.Warn("no adapter for configured provider", "provider", name)
		}
	}
	return reg
}

// transportFactory builds pooled subprocess sessions. It reads the config
// through the snapshot so reloads apply to sessions spawned later.
func transportFactory(snapshot dispatch.SnapshotFunc, logger *slog.Logger, metrics *observability.Metrics) sessionpool.Factory {
	return func(ctx context.Context, id catalog.ProviderID) (sessionpool.Worker, error) {
		cfg := snapshot()
		model := cfg.Providers[string(id)].DefaultModel
		if model == "" {
			model = catalog.Default.DefaultModel(id)
		}
		tr := transport.New(transport.Options{
			Provider:          id,
			CLIPath:           cfg.Transport.CLIPath,
			SearchList:        cfg.Transport.SearchPaths,
			Model:             model,
			MaxTurns:          cfg.Routing.MaxTurns,
			MaxThinkingTokens: cfg.Transport.ThinkingBudget,
			PermissionMode:    transport.PermissionMode(cfg.Transport.PermissionMode),
			AllowedTools:      cfg.Transport.AllowedTools,
			DisallowedTools:   cfg.Transport.DisallowedTools,
			WorkDir:           cfg.Transport.WorkDir,
			BufferLimit:       int64(cfg.Transport.BufferLimitBytes),
		}, nil, logger, metrics)
		if err := tr.Start(ctx); err != nil {
			return nil, err
		}
		return tr, nil
	}
}

func poolConfig(cfg *config.Config) sessionpool.Config {
	out := sessionpool.Config{
		Default: sessionpool.Limits{
			Max:         cfg.Pool.MaxSessions,
			IdleTimeout: cfg.Pool.IdleTimeout(),
		},
		CleanupInterval: cfg.Pool.CleanupInterval(),
	}
	for name, pc := range cfg.Providers {
		if pc.MaxSessions <= 0 {
			continue
		}
		if out.Limits == nil {
			out.Limits = make(map[catalog.ProviderID]sessionpool.Limits)
		}
		out.Limits[catalog.ProviderID(name)] = sessionpool.Limits{
			Max:         pc.MaxSessions,
			IdleTimeout: cfg.Pool.IdleTimeout(),
		}
	}
	return out
}

func budgetConfig(cfg *config.Config) budget.Config {
	out := budget.Config{DailyCapUSD: cfg.Budget.DailyLimitUSD}
	if len(cfg.Budget.ProviderLimitsUSD) > 0 {
		out.ProviderCapsUSD = make(map[catalog.ProviderID]float64, len(cfg.Budget.ProviderLimitsUSD))
		for name, limit := range cfg.Budget.ProviderLimitsUSD {
			out.ProviderCapsUSD[catalog.ProviderID(name)] = limit
		}
	}
	if len(cfg.Budget.Prices) > 0 {
		out.Prices = make(map[string]budget.Price, len(cfg.Budget.Prices))
		for key, p := range cfg.Budget.Prices {
			out.Prices[key] = budget.Price{InputPer1M: p.InputUSD, OutputPer1M: p.OutputUSD}
		}
	}
	return out
}

func promptConfig(cfg *config.Config) sysprompt.Config {
	out := sysprompt.Config{MaxChars: cfg.Prompt.MaxChars}
	if len(cfg.Prompt.Sections) > 0 {
		out.Budgets = make(map[string]sysprompt.Budget, len(cfg.Prompt.Sections))
		for name, b := range cfg.Prompt.Sections {
			out.Budgets[name] = sysprompt.Budget{Fixed: b.Fixed, Min: b.Min, Max: b.Max, Pct: b.Pct}
		}
	}
	return out
}

// embeddingCandidates orders embedding-capable providers: locals first to
// match the auto preference, then cloud, then explicit fallbacks. Map
// iteration order never leaks into routing.
func embeddingCandidates(cfg *config.Config) []embedrouter.Candidate {
	order := []catalog.ProviderID{
		catalog.ProviderOllama,
		catalog.ProviderLMStudio,
		catalog.ProviderOpenAI,
		catalog.ProviderGemini,
		catalog.ProviderCohere,
	}
	seen := make(map[catalog.ProviderID]bool)
	var out []embedrouter.Candidate

	add := func(id catalog.ProviderID) {
		if seen[id] {
			return
		}
		seen[id] = true
		model := cfg.Embeddings.LocalModel
		if catalog.Default.IsCloud(id) {
			model = cfg.Embeddings.CloudModel
		}
		out = append(out, embedrouter.Candidate{Provider: id, Model: model})
	}

	for _, id := range order {
		if pc, ok := cfg.Providers[string(id)]; ok && pc.Embedding {
			add(id)
		}
	}
	for _, name := range cfg.Embeddings.Fallbacks {
		add(catalog.ProviderID(name))
	}
	return out
}

func buildArchive(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (archive.Store, *archive.Sink, error) {
	switch cfg.Archive.Driver {
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.Archive.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("archive: %w", err)
		}
		store := archive.NewSQLite(db)
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("archive migrate: %w", err)
		}
		return store, archive.NewSink(store, logger, metrics), nil
	default:
		store := archive.NewMemory()
		return store, archive.NewSink(store, logger, metrics), nil
	}
}

// currentTimeInput is the schema source for the built-in current_time tool.
type currentTimeInput struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name such as America/New_York. Defaults to UTC."`
}

// registerBuiltinTools installs the tools every deployment gets. Anything
// domain-specific arrives through dispatch.Options.Tools instead.
func registerBuiltinTools(reg *toolloop.Registry) error {
	schema, err := toolloop.SchemaFor(currentTimeInput{})
	if err != nil {
		return err
	}
	return reg.RegisterFunc(models.ToolDescriptor{
		Name:        "current_time",
		Description: "Returns the current date and time, optionally in a specific IANA timezone.",
		InputSchema: schema,
	}, func(ctx context.Context, input json.RawMessage) (string, error) {
		var in currentTimeInput
		if len(input) > 0 {
			if err := json.Unmarshal(input, &in); err != nil {
				return "", fmt.Errorf("current_time: %w", err)
			}
		}
		loc := time.UTC
		if in.Timezone != "" {
			l, err := time.LoadLocation(in.Timezone)
			if err != nil {
				return "", fmt.Errorf("current_time: unknown timezone %q", in.Timezone)
			}
			loc = l
		}
		return time.Now().In(loc).Format(time.RFC3339), nil
	})
}
