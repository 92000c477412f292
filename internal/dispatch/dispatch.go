// Package dispatch is the public request entry. A dispatch snapshots the
// routing config once, resolves provider and model eagerly, picks an
// execution path (tool loop, pooled subprocess session, or direct adapter),
// and settles stats, budget, signal, metric, and archive accounting on
// every terminal outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/switchyard-ai/switchyard/internal/archive"
	"github.com/switchyard-ai/switchyard/internal/authz"
	"github.com/switchyard-ai/switchyard/internal/budget"
	"github.com/switchyard-ai/switchyard/internal/catalog"
	"github.com/switchyard-ai/switchyard/internal/config"
	"github.com/switchyard-ai/switchyard/internal/hooks"
	"github.com/switchyard-ai/switchyard/internal/observability"
	"github.com/switchyard-ai/switchyard/internal/provider"
	"github.com/switchyard-ai/switchyard/internal/sessionpool"
	"github.com/switchyard-ai/switchyard/internal/signalbus"
	"github.com/switchyard-ai/switchyard/internal/stats"
	"github.com/switchyard-ai/switchyard/internal/sysprompt"
	"github.com/switchyard-ai/switchyard/internal/toolloop"
	"github.com/switchyard-ai/switchyard/pkg/models"
)

// Execution path labels, as reported in metrics and signals.
const (
	pathDirect   = "direct"
	pathToolLoop = "tool_loop"
	pathSession  = "session"
)

// Options shape one request. Zero values defer to the config snapshot taken
// at entry.
type Options struct {
	Provider string
	Model    string
	// System overrides the assembled system prompt.
	System      string
	MaxTokens   int
	Temperature *float64
	Thinking    models.ReasoningEffort
	Tools       []models.ToolDescriptor
	AgentID     string
	TraceID     string
	// Timeout overrides routing.request_timeout_ms when positive.
	Timeout time.Duration
}

// SnapshotFunc returns the current config. The dispatcher calls it exactly
// once per request; config.Watcher.Snapshot satisfies it.
type SnapshotFunc func() *config.Config

// Deps wires the dispatcher's collaborators. Providers is required for the
// direct and tool-loop paths, Pool for the session path; the rest degrade
// when nil (no stats, no budget cap, no archive, no signals, no prompt
// assembly).
type Deps struct {
	Snapshot  SnapshotFunc
	Catalog   *catalog.Registry
	Providers *provider.Registry
	Tools     *toolloop.Registry
	Hooks     *hooks.Chain
	Pool      *sessionpool.Pool
	Store     authz.CapabilityStore
	Mode      authz.Mode
	Stats     *stats.Tracker
	Budget    *budget.Tracker
	Bus       signalbus.Bus
	Archive   *archive.Sink
	Prompt    *sysprompt.Builder
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
}

// Dispatcher routes completion requests. Safe for concurrent use; all
// per-request state lives on the stack.
type Dispatcher struct {
	snapshotFn SnapshotFunc
	catalog    *catalog.Registry
	providers  *provider.Registry
	tools      *toolloop.Registry
	hooks      *hooks.Chain
	filter     *authz.Filter
	pool       *sessionpool.Pool
	store      authz.CapabilityStore
	mode       authz.Mode
	stats      *stats.Tracker
	budget     *budget.Tracker
	bus        signalbus.Bus
	archive    *archive.Sink
	prompt     *sysprompt.Builder
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
}

// New builds a dispatcher from deps.
func New(deps Deps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "dispatch")
	bus := deps.Bus
	if bus == nil {
		bus = signalbus.Nop{}
	}
	cat := deps.Catalog
	if cat == nil {
		cat = catalog.Default
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{ServiceName: "switchyard"})
	}
	return &Dispatcher{
		snapshotFn: deps.Snapshot,
		catalog:    cat,
		providers:  deps.Providers,
		tools:      deps.Tools,
		hooks:      deps.Hooks,
		filter:     authz.New(deps.Store, deps.Mode, bus, logger),
		pool:       deps.Pool,
		store:      deps.Store,
		mode:       deps.Mode,
		stats:      deps.Stats,
		budget:     deps.Budget,
		bus:        bus,
		archive:    deps.Archive,
		prompt:     deps.Prompt,
		logger:     logger,
		metrics:    deps.Metrics,
		tracer:     tracer,
	}
}

// Result is the outcome of an authorized dispatch. Exactly one of Response
// or ProposalID is set: a pending capability check parks the request and
// hands back the proposal id instead of dispatching.
type Result struct {
	Response   *models.Response
	ProposalID string
}

// Pending reports whether the request is parked on an approval.
func (r *Result) Pending() bool { return r != nil && r.ProposalID != "" }

// Generate runs one completion. Tools in opts route through the tool loop;
// subprocess providers route through the session pool; everything else goes
// straight to the adapter. On KindMaxTurns the returned response carries
// the partial accumulation alongside the error.
func (d *Dispatcher) Generate(ctx context.Context, prompt string, opts Options) (*models.Response, error) {
	return d.dispatch(ctx, d.snapshot(), prompt, opts)
}

// GenerateWithTools is Generate with the tool loop made mandatory.
func (d *Dispatcher) GenerateWithTools(ctx context.Context, prompt string, opts Options) (*models.Response, error) {
	if len(opts.Tools) == 0 {
		return nil, &Error{Kind: KindInvalidRequest, Reason: "at least one tool descriptor is required"}
	}
	return d.dispatch(ctx, d.snapshot(), prompt, opts)
}

// AuthorizedGenerate checks the agent's capability for ai/request/<provider>
// against the store before dispatching. A pending check returns the
// proposal id without dispatching; the same config snapshot covers both the
// check and the dispatch.
func (d *Dispatcher) AuthorizedGenerate(ctx context.Context, agentID, prompt string, opts Options) (*Result, error) {
	cfg := d.snapshot()
	opts.AgentID = agentID

	name := opts.Provider
	if name == "" {
		name = cfg.Routing.DefaultProvider
	}
	resource := "ai/request/" + name

	if d.store != nil {
		res, err := d.store.Authorize(ctx, agentID, resource, "request")
		if err != nil {
			res = authz.Result{Decision: authz.DecisionStoreUnavailable}
			d.logger.Warn("capability check failed", "agent_id", agentID, "resource", resource, "error", err)
		}
		switch res.Decision {
		case authz.DecisionAuthorized:
		case authz.DecisionPendingApproval:
			d.bus.Emit("ai", "authorization_pending", map[string]any{
				"agent_id": agentID, "resource": resource, "proposal_id": res.ProposalID,
			})
			return &Result{ProposalID: res.ProposalID}, nil
		case authz.DecisionStoreUnavailable:
			if d.mode != authz.ModeDev {
				return nil, d.deny(agentID, resource, "capability store unavailable")
			}
			d.logger.Warn("capability store unavailable, allowing in dev mode", "agent_id", agentID, "resource", resource)
		default:
			return nil, d.deny(agentID, resource, "")
		}
	}

	resp, err := d.dispatch(ctx, cfg, prompt, opts)
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp}, nil
}

func (d *Dispatcher) deny(agentID, resource, reason string) *Error {
	if reason == "" {
		reason = fmt.Sprintf("agent %s is not granted %s", agentID, resource)
	}
	d.bus.Emit("ai", "authorization_denied", map[string]any{
		"agent_id": agentID, "resource": resource, "reason": reason,
	})
	if d.metrics != nil {
		d.metrics.RecordError("dispatch", string(KindUnauthorized))
	}
	return &Error{Kind: KindUnauthorized, Reason: reason}
}

// requestMeta is the per-request accounting context captured at entry.
type requestMeta struct {
	start     time.Time
	provider  catalog.ProviderID
	model     string
	path      string
	agentID   string
	traceID   string
	timeoutMS int64
}

func (m requestMeta) signalData() map[string]any {
	data := map[string]any{
		"provider": string(m.provider),
		"model":    m.model,
		"path":     m.path,
	}
	if m.agentID != "" {
		data["agent_id"] = m.agentID
	}
	if m.traceID != "" {
		data["trace_id"] = m.traceID
	}
	return data
}

func (d *Dispatcher) snapshot() *config.Config {
	if d.snapshotFn != nil {
		if cfg := d.snapshotFn(); cfg != nil {
			return cfg
		}
	}
	return config.Default()
}

func (d *Dispatcher) dispatch(ctx context.Context, cfg *config.Config, prompt string, opts Options) (*models.Response, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, &Error{Kind: KindInvalidRequest, Reason: "empty prompt"}
	}

	id, model, derr := d.resolve(cfg, opts)
	if derr != nil {
		return nil, derr
	}

	timeout := cfg.Routing.RequestTimeout()
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	kind := d.catalog.KindFor(id)
	paths := orderPaths(kind, len(opts.Tools) > 0)
	meta := requestMeta{
		start:     time.Now(),
		provider:  id,
		model:     model,
		path:      paths[0],
		agentID:   opts.AgentID,
		traceID:   opts.TraceID,
		timeoutMS: timeout.Milliseconds(),
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := d.tracer.TraceDispatch(ctx, string(id), model, meta.path)
	defer span.End()
	if meta.traceID == "" {
		meta.traceID = observability.GetTraceID(ctx)
	}

	d.bus.Emit("ai", "request.started", meta.signalData())

	if d.budget != nil {
		if err := d.budget.CheckCap(id); err != nil {
			return nil, d.failPre(span, meta, classify(err, meta.timeoutMS))
		}
	}

	req := d.buildRequest(ctx, cfg, id, model, prompt, opts)

	resp, err := d.runOrdered(ctx, paths, &meta, cfg, id, req, prompt)
	return d.settle(ctx, span, meta, resp, err)
}

// orderPaths lists execution paths in attempt order. The first entry is the
// primary; later entries are tried only when the one before reports
// adapter_unavailable, so a provider migrating between adapter kinds keeps
// working throughout.
func orderPaths(kind catalog.AdapterKind, hasTools bool) []string {
	switch {
	case hasTools:
		return []string{pathToolLoop}
	case kind == catalog.KindSubprocessSession:
		return []string{pathSession, pathDirect}
	default:
		return []string{pathDirect, pathSession}
	}
}

func (d *Dispatcher) runOrdered(ctx context.Context, paths []string, meta *requestMeta, cfg *config.Config, id catalog.ProviderID, req *models.Request, prompt string) (*models.Response, error) {
	var firstErr error
	for i, path := range paths {
		meta.path = path
		resp, err := d.runPath(ctx, path, cfg, id, req, prompt)
		if err == nil {
			return resp, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		var de *Error
		if !errors.As(err, &de) || de.Kind != KindAdapterUnavailable || i == len(paths)-1 {
			return resp, err
		}
		d.logger.Debug("path unavailable, falling back", "provider", string(id), "path", path, "next", paths[i+1])
	}
	// Every path was unavailable; the primary path's error names the real
	// problem.
	meta.path = paths[0]
	return nil, firstErr
}

func (d *Dispatcher) runPath(ctx context.Context, path string, cfg *config.Config, id catalog.ProviderID, req *models.Request, prompt string) (*models.Response, error) {
	switch path {
	case pathToolLoop:
		return d.runToolLoop(ctx, cfg, id, req)
	case pathSession:
		return d.runSession(ctx, id, req.Model, prompt)
	default:
		return d.runDirect(ctx, id, req)
	}
}

// resolve maps opts onto a concrete provider and model using only the
// snapshot. Unknown provider names pass through as-is for late-bound
// adapters; missing models fall back through provider config, routing
// default, and catalog default in that order.
func (d *Dispatcher) resolve(cfg *config.Config, opts Options) (catalog.ProviderID, string, *Error) {
	name := opts.Provider
	if name == "" {
		name = cfg.Routing.DefaultProvider
	}
	if name == "" {
		return "", "", &Error{Kind: KindInvalidRequest, Reason: "no provider requested and no routing default configured"}
	}
	id := catalog.ProviderID(name)

	model := opts.Model
	if model == "" {
		if pc, ok := cfg.Providers[name]; ok {
			model = pc.DefaultModel
		}
	}
	if model == "" {
		model = cfg.Routing.DefaultModel
	}
	if model == "" {
		model = d.catalog.DefaultModel(id)
	}
	if model == "" {
		return "", "", &Error{Kind: KindUnknownModel, Provider: name, Reason: "no model requested and no default known"}
	}
	return id, model, nil
}

func (d *Dispatcher) buildRequest(ctx context.Context, cfg *config.Config, id catalog.ProviderID, model, prompt string, opts Options) *models.Request {
	system := opts.System
	if system == "" && d.prompt != nil && opts.AgentID != "" {
		system = d.prompt.Build(ctx, sysprompt.Input{AgentID: opts.AgentID, Model: model})
	}
	return &models.Request{
		Provider:    string(id),
		Model:       model,
		System:      system,
		Messages:    []models.Message{models.UserMessage(prompt)},
		Tools:       opts.Tools,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Reasoning:   opts.Thinking,
		AgentID:     opts.AgentID,
	}
}

// adapterFor resolves the registered adapter for a provider, distinguishing
// a provider nobody has heard of from one that is cataloged but not
// configured in this process.
func (d *Dispatcher) adapterFor(id catalog.ProviderID) (provider.Adapter, *Error) {
	if d.providers != nil {
		if a, ok := d.providers.Get(id); ok {
			return a, nil
		}
	}
	if _, known := d.catalog.Get(id); known {
		return nil, &Error{Kind: KindAdapterUnavailable, Provider: string(id), Reason: "no adapter configured"}
	}
	return nil, &Error{Kind: KindUnknownProvider, Provider: string(id)}
}

func (d *Dispatcher) runDirect(ctx context.Context, id catalog.ProviderID, req *models.Request) (*models.Response, error) {
	adapter, derr := d.adapterFor(id)
	if derr != nil {
		return nil, derr
	}
	return adapter.Complete(ctx, req)
}

func (d *Dispatcher) runToolLoop(ctx context.Context, cfg *config.Config, id catalog.ProviderID, req *models.Request) (*models.Response, error) {
	if d.catalog.KindFor(id) == catalog.KindSubprocessSession {
		return nil, &Error{
			Kind: KindInvalidRequest, Provider: string(id),
			Reason: "subprocess providers run their own tool loop; send the request without tools",
		}
	}
	adapter, derr := d.adapterFor(id)
	if derr != nil {
		return nil, derr
	}
	loop := toolloop.New(d.tools, d.hooks, d.filter, d.logger, d.metrics, toolloop.Config{
		MaxTurns: cfg.Routing.MaxTurns,
	})
	return loop.Run(ctx, adapter, req)
}

// settle records the terminal outcome: latency, stats, budget, signal,
// metrics, span status, and the archive record. It returns resp and err
// unchanged apart from error classification, so partial responses flow
// through to the caller.
func (d *Dispatcher) settle(ctx context.Context, span trace.Span, meta requestMeta, resp *models.Response, err error) (*models.Response, error) {
	latencyMS := float64(time.Since(meta.start)) / float64(time.Millisecond)

	if resp != nil {
		if resp.Provider == "" {
			resp.Provider = string(meta.provider)
		}
		if resp.Model == "" {
			resp.Model = meta.model
		}
		if resp.Timing.StartedAt.IsZero() {
			resp.Timing.StartedAt = meta.start
		}
		if resp.Timing.Duration == 0 {
			resp.Timing.Duration = time.Since(meta.start)
		}
		if d.budget != nil && (resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0) {
			estimated := d.budget.RecordUsage(meta.provider, budget.Usage{
				Model:        meta.model,
				InputTokens:  resp.Usage.InputTokens,
				OutputTokens: resp.Usage.OutputTokens,
			})
			// Adapter-reported cost wins over the price-table estimate.
			if resp.Usage.CostUSD == 0 {
				resp.Usage.CostUSD = estimated
			}
		}
	}

	if err != nil {
		derr := classify(err, meta.timeoutMS)
		if derr.Provider == "" {
			derr.Provider = string(meta.provider)
		}
		if derr.Model == "" {
			derr.Model = meta.model
		}
		if d.stats != nil {
			d.stats.RecordFailure(meta.provider, stats.Failure{
				Model:     meta.model,
				LatencyMS: latencyMS,
				Err:       derr.Error(),
			})
		}
		if d.metrics != nil {
			d.metrics.RecordDispatch(meta.path, "error")
			d.metrics.RecordError("dispatch", string(derr.Kind))
		}
		d.tracer.RecordError(span, derr)
		data := meta.signalData()
		data["latency_ms"] = latencyMS
		data["kind"] = string(derr.Kind)
		data["error"] = derr.Error()
		d.bus.Emit("ai", "request.failed", data)
		d.recordArchive(ctx, meta, resp, latencyMS, derr)
		d.logger.Warn("request failed",
			"provider", string(meta.provider), "model", meta.model, "path", meta.path,
			"kind", string(derr.Kind), "latency_ms", latencyMS, "error", derr)
		return resp, derr
	}

	if d.stats != nil {
		d.stats.RecordSuccess(meta.provider, stats.Success{
			Model:        meta.model,
			LatencyMS:    latencyMS,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			CostUSD:      resp.Usage.CostUSD,
		})
	}
	if d.metrics != nil {
		d.metrics.RecordDispatch(meta.path, "success")
		d.metrics.RecordLLMRequest(string(meta.provider), meta.model, "success",
			time.Since(meta.start).Seconds(), resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
	d.tracer.SetAttributes(span,
		"llm.input_tokens", resp.Usage.InputTokens,
		"llm.output_tokens", resp.Usage.OutputTokens,
		"llm.cost_usd", resp.Usage.CostUSD,
		"dispatch.turns", resp.Turns,
	)
	data := meta.signalData()
	data["latency_ms"] = latencyMS
	data["input_tokens"] = resp.Usage.InputTokens
	data["output_tokens"] = resp.Usage.OutputTokens
	data["cost_usd"] = resp.Usage.CostUSD
	data["finish_reason"] = string(resp.FinishReason)
	d.bus.Emit("ai", "request.completed", data)
	d.recordArchive(ctx, meta, resp, latencyMS, nil)
	d.logger.Info("request completed",
		"provider", string(meta.provider), "model", meta.model, "path", meta.path,
		"latency_ms", latencyMS, "input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens, "turns", resp.Turns)
	return resp, nil
}

// failPre settles a request rejected before any execution path ran. The
// provider was never attempted, so reliability stats are not charged; the
// failed signal and metrics still fire.
func (d *Dispatcher) failPre(span trace.Span, meta requestMeta, derr *Error) *Error {
	if derr.Provider == "" {
		derr.Provider = string(meta.provider)
	}
	if d.metrics != nil {
		d.metrics.RecordDispatch(meta.path, "error")
		d.metrics.RecordError("dispatch", string(derr.Kind))
	}
	d.tracer.RecordError(span, derr)
	data := meta.signalData()
	data["kind"] = string(derr.Kind)
	data["error"] = derr.Error()
	d.bus.Emit("ai", "request.failed", data)
	d.logger.Warn("request rejected",
		"provider", string(meta.provider), "model", meta.model,
		"kind", string(derr.Kind), "error", derr)
	return derr
}

func (d *Dispatcher) recordArchive(ctx context.Context, meta requestMeta, resp *models.Response, latencyMS float64, derr *Error) {
	if d.archive == nil {
		return
	}
	rec := &archive.Record{
		ID:        uuid.NewString(),
		TraceID:   meta.traceID,
		AgentID:   meta.agentID,
		Provider:  string(meta.provider),
		Model:     meta.model,
		LatencyMS: latencyMS,
		CreatedAt: time.Now().UTC(),
	}
	if resp != nil {
		rec.SessionID = resp.SessionID
		rec.InputTokens = resp.Usage.InputTokens
		rec.OutputTokens = resp.Usage.OutputTokens
		rec.CostUSD = resp.Usage.CostUSD
		rec.FinishReason = string(resp.FinishReason)
		rec.Turns = resp.Turns
	}
	if derr != nil {
		rec.Error = derr.Error()
	}
	d.archive.RecordRequest(ctx, rec)
	if resp != nil && len(resp.ToolUses) > 0 {
		events := make([]archive.ToolEvent, 0, len(resp.ToolUses))
		now := time.Now().UTC()
		for _, tu := range resp.ToolUses {
			ev := archive.ToolEvent{
				ID:         uuid.NewString(),
				RequestID:  rec.ID,
				CallID:     tu.ID,
				Tool:       tu.Name,
				HookResult: string(tu.HookResult),
				CreatedAt:  now,
			}
			if tu.Result != nil {
				ev.State = string(tu.Result.State)
				ev.Content = tu.Result.Content
			}
			events = append(events, ev)
		}
		d.archive.RecordToolEvents(ctx, rec.ID, events)
	}
}
