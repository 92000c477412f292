// Package stats tracks per-provider, per-model usage: request counts,
// token totals, cost, and a bounded latency ring. A single owner goroutine
// applies every mutation; readers work from immutable snapshots, so lookups
// and rankings never contend with the write path.
package stats

import (
	"errors"
	"io/fs"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/switchyard-ai/switchyard/internal/catalog"
	"github.com/switchyard-ai/switchyard/internal/signalbus"
)

const (
	// MaxLatencySamples bounds the per-entry latency ring. The 101st push
	// evicts the oldest sample.
	MaxLatencySamples = 100

	DefaultAlertThreshold = 0.8
	DefaultMinRequests    = 5
	DefaultRetention      = 7 * 24 * time.Hour
)

// Key identifies one stats entry.
type Key struct {
	Provider catalog.ProviderID
	Model    string
}

// Entry is the accounting for one (provider, model) pair. Entries inside a
// snapshot are immutable; mutate only through the tracker.
type Entry struct {
	Provider catalog.ProviderID `json:"provider"`
	Model    string             `json:"model"`

	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`

	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	TotalCostUSD      float64 `json:"total_cost_usd"`

	// Latencies is most-recent-first and holds at most MaxLatencySamples.
	Latencies []float64 `json:"latency_samples,omitempty"`

	LastSuccess   time.Time `json:"last_success_ts,omitempty"`
	LastFailure   time.Time `json:"last_failure_ts,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	FirstRecorded time.Time `json:"first_recorded_ts"`

	// alerted marks an active degradation so each crossing alerts once.
	alerted bool
}

// SuccessRate is successes over requests, or 1.0 before any request.
func (e *Entry) SuccessRate() float64 {
	if e.Requests == 0 {
		return 1.0
	}
	return float64(e.Successes) / float64(e.Requests)
}

// AvgLatency is the mean of the ring samples in milliseconds.
func (e *Entry) AvgLatency() float64 {
	if len(e.Latencies) == 0 {
		return 0
	}
	var sum float64
	for _, v := range e.Latencies {
		sum += v
	}
	return sum / float64(len(e.Latencies))
}

// P95Latency is the sample at position round(0.05*N)-1 of the ring sorted
// descending, or 0 with no samples.
func (e *Entry) P95Latency() float64 {
	n := len(e.Latencies)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), e.Latencies...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	idx := int(math.Round(0.05*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func (e *Entry) clone() *Entry {
	out := *e
	out.Latencies = append([]float64(nil), e.Latencies...)
	return &out
}

// merge folds other into e for provider-level aggregation. Latency rings
// concatenate most-recent-first and re-truncate.
func (e *Entry) merge(other *Entry) {
	e.Requests += other.Requests
	e.Successes += other.Successes
	e.Failures += other.Failures
	e.TotalInputTokens += other.TotalInputTokens
	e.TotalOutputTokens += other.TotalOutputTokens
	e.TotalCostUSD += other.TotalCostUSD
	e.Latencies = append(e.Latencies, other.Latencies...)
	if len(e.Latencies) > MaxLatencySamples {
		e.Latencies = e.Latencies[:MaxLatencySamples]
	}
	if other.LastSuccess.After(e.LastSuccess) {
		e.LastSuccess = other.LastSuccess
	}
	if other.LastFailure.After(e.LastFailure) {
		e.LastFailure = other.LastFailure
		e.LastError = other.LastError
	}
	if e.FirstRecorded.IsZero() || (!other.FirstRecorded.IsZero() && other.FirstRecorded.Before(e.FirstRecorded)) {
		e.FirstRecorded = other.FirstRecorded
	}
}

// Success is one successful request record.
type Success struct {
	Model        string
	LatencyMS    float64
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// Failure is one failed request record.
type Failure struct {
	Model     string
	LatencyMS float64
	Err       string
}

// ProviderReliability is one row of the reliability ranking.
type ProviderReliability struct {
	Provider    catalog.ProviderID `json:"provider"`
	SuccessRate float64            `json:"success_rate"`
	Requests    int64              `json:"requests"`
}

// Snapshot is an immutable view of the whole table. Entries must not be
// mutated by readers.
type Snapshot struct {
	Entries map[Key]*Entry
	// keyOrder and providerOrder preserve first-appearance order; the
	// ranking's tie-break depends on it.
	keyOrder      []Key
	providerOrder []catalog.ProviderID
	Taken         time.Time
}

// Config tunes thresholds, retention, and persistence.
type Config struct {
	// AlertThreshold is the success-rate floor. Default 0.8.
	AlertThreshold float64
	// MinRequests gates alerting until an entry has a sample. Default 5.
	MinRequests int
	// Retention is how long entries live past FirstRecorded. Default 7d.
	Retention time.Duration
	// PersistPath enables JSON persistence when set; the table is dumped
	// after every mutation and loaded by Start.
	PersistPath string
	// SummarySchedule overrides the daily summary cron spec. Default is
	// local midnight.
	SummarySchedule string
}

func (c Config) withDefaults() Config {
	if c.AlertThreshold <= 0 || c.AlertThreshold > 1 {
		c.AlertThreshold = DefaultAlertThreshold
	}
	if c.MinRequests <= 0 {
		c.MinRequests = DefaultMinRequests
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.SummarySchedule == "" {
		c.SummarySchedule = "0 0 * * *"
	}
	return c
}

type command struct {
	apply func(*tableState)
	done  chan struct{}
}

// tableState is the owner goroutine's mutable view. Nothing outside the
// owner ever touches it.
type tableState struct {
	entries       map[Key]*Entry
	keyOrder      []Key
	providerOrder []catalog.ProviderID
	providerSeen  map[catalog.ProviderID]bool
	dirty         bool
}

// Tracker owns the stats table.
type Tracker struct {
	cfg    Config
	bus    signalbus.Bus
	logger *slog.Logger

	commands chan command
	snapshot atomic.Pointer[Snapshot]

	cron      *cron.Cron
	stopOnce  sync.Once
	stop      chan struct{}
	ownerDone chan struct{}
}

// New builds a tracker. Call Start before recording.
func New(cfg Config, bus signalbus.Bus, logger *slog.Logger) *Tracker {
	if bus == nil {
		bus = signalbus.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		cfg:       cfg.withDefaults(),
		bus:       bus,
		logger:    logger.With("component", "stats"),
		commands:  make(chan command),
		stop:      make(chan struct{}),
		ownerDone: make(chan struct{}),
	}
	t.snapshot.Store(&Snapshot{Entries: map[Key]*Entry{}, Taken: time.Now()})
	return t
}

// Start loads persisted state, launches the owner goroutine, and schedules
// the daily summary and retention pruning.
func (t *Tracker) Start() error {
	state := &tableState{
		entries:      make(map[Key]*Entry),
		providerSeen: make(map[catalog.ProviderID]bool),
	}
	if t.cfg.PersistPath != "" {
		if err := loadInto(t.cfg.PersistPath, state); err != nil {
			// A missing or corrupt stats file must not block startup.
			if !errors.Is(err, fs.ErrNotExist) {
				t.logger.Warn("stats load failed, starting fresh", "path", t.cfg.PersistPath, "error", err)
			}
			state.entries = make(map[Key]*Entry)
			state.keyOrder = nil
			state.providerOrder = nil
			state.providerSeen = make(map[catalog.ProviderID]bool)
		}
		t.publish(state)
	}

	go t.run(state)

	t.cron = cron.New()
	if _, err := t.cron.AddFunc(t.cfg.SummarySchedule, t.emitDailySummary); err != nil {
		return err
	}
	if _, err := t.cron.AddFunc("5 0 * * *", t.PruneExpired); err != nil {
		return err
	}
	t.cron.Start()
	return nil
}

// Close stops the owner goroutine and the cron jobs. Records after Close
// are dropped.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() {
		if t.cron != nil {
			t.cron.Stop()
		}
		close(t.stop)
		<-t.ownerDone
	})
}

// run is the owner goroutine: it applies commands in arrival order and
// publishes a fresh snapshot after each one.
func (t *Tracker) run(state *tableState) {
	defer close(t.ownerDone)
	for {
		select {
		case cmd := <-t.commands:
			cmd.apply(state)
			t.publish(state)
			if state.dirty && t.cfg.PersistPath != "" {
				if err := dump(t.cfg.PersistPath, state); err != nil {
					t.logger.Warn("stats persistence failed", "path", t.cfg.PersistPath, "error", err)
				}
			}
			state.dirty = false
			if cmd.done != nil {
				close(cmd.done)
			}
		case <-t.stop:
			return
		}
	}
}

// do posts one mutation to the owner and waits for it to apply. Dropped
// silently once the tracker is closed: recording failures never propagate.
func (t *Tracker) do(apply func(*tableState)) {
	done := make(chan struct{})
	select {
	case t.commands <- command{apply: apply, done: done}:
	case <-t.stop:
		return
	}
	select {
	case <-done:
	case <-t.stop:
	}
}

func (t *Tracker) publish(state *tableState) {
	snap := &Snapshot{
		Entries:       make(map[Key]*Entry, len(state.entries)),
		keyOrder:      append([]Key(nil), state.keyOrder...),
		providerOrder: append([]catalog.ProviderID(nil), state.providerOrder...),
		Taken:         time.Now(),
	}
	for k, e := range state.entries {
		snap.Entries[k] = e.clone()
	}
	t.snapshot.Store(snap)
}

func (state *tableState) entry(provider catalog.ProviderID, model string, now time.Time) *Entry {
	k := Key{Provider: provider, Model: model}
	e, ok := state.entries[k]
	if !ok {
		e = &Entry{Provider: provider, Model: model, FirstRecorded: now}
		state.entries[k] = e
		state.keyOrder = append(state.keyOrder, k)
		if !state.providerSeen[provider] {
			state.providerSeen[provider] = true
			state.providerOrder = append(state.providerOrder, provider)
		}
	}
	return e
}

// pushLatency prepends one sample. Non-positive latencies are not sampled;
// they would poison the averages.
func pushLatency(e *Entry, ms float64) {
	if ms <= 0 {
		return
	}
	e.Latencies = append([]float64{ms}, e.Latencies...)
	if len(e.Latencies) > MaxLatencySamples {
		e.Latencies = e.Latencies[:MaxLatencySamples]
	}
}

// RecordSuccess applies one successful request to the table.
func (t *Tracker) RecordSuccess(provider catalog.ProviderID, rec Success) {
	now := time.Now()
	t.do(func(state *tableState) {
		e := state.entry(provider, rec.Model, now)
		e.Requests++
		e.Successes++
		e.TotalInputTokens += rec.InputTokens
		e.TotalOutputTokens += rec.OutputTokens
		e.TotalCostUSD += rec.CostUSD
		e.LastSuccess = now
		pushLatency(e, rec.LatencyMS)
		if e.alerted && e.SuccessRate() >= t.cfg.AlertThreshold {
			e.alerted = false
		}
		state.dirty = true
	})
}

// RecordFailure applies one failed request and fires the reliability alert
// when the entry first drops below the threshold.
func (t *Tracker) RecordFailure(provider catalog.ProviderID, rec Failure) {
	now := time.Now()
	var alert *Entry
	t.do(func(state *tableState) {
		e := state.entry(provider, rec.Model, now)
		e.Requests++
		e.Failures++
		e.LastFailure = now
		e.LastError = rec.Err
		pushLatency(e, rec.LatencyMS)
		if !e.alerted && e.Requests >= int64(t.cfg.MinRequests) && e.SuccessRate() < t.cfg.AlertThreshold {
			e.alerted = true
			alert = e.clone()
		}
		state.dirty = true
	})

	if alert != nil {
		t.logger.Warn("provider reliability degraded",
			"provider", string(provider),
			"model", alert.Model,
			"success_rate", alert.SuccessRate(),
			"requests", alert.Requests)
		t.bus.Emit("stats", "reliability_alert", map[string]any{
			"provider":     string(provider),
			"model":        alert.Model,
			"success_rate": alert.SuccessRate(),
			"requests":     alert.Requests,
			"threshold":    t.cfg.AlertThreshold,
		})
	}
}

// Snapshot returns the current immutable view.
func (t *Tracker) Snapshot() *Snapshot {
	return t.snapshot.Load()
}

// GetModel returns the entry for one (provider, model), or false.
func (t *Tracker) GetModel(provider catalog.ProviderID, model string) (*Entry, bool) {
	e, ok := t.Snapshot().Entries[Key{Provider: provider, Model: model}]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// Get aggregates every model of one provider, or returns false when the
// provider has never been recorded.
func (t *Tracker) Get(provider catalog.ProviderID) (*Entry, bool) {
	snap := t.Snapshot()
	var agg *Entry
	for _, k := range snap.keyOrder {
		if k.Provider != provider {
			continue
		}
		e := snap.Entries[k]
		if agg == nil {
			agg = e.clone()
			agg.Model = ""
			continue
		}
		agg.merge(e)
	}
	if agg == nil {
		return nil, false
	}
	return agg, true
}

// ReliabilityRanking returns providers sorted by aggregate success rate,
// descending. The sort is stable: ties keep first-appearance order.
func (t *Tracker) ReliabilityRanking() []ProviderReliability {
	snap := t.Snapshot()

	totals := make(map[catalog.ProviderID]*struct{ requests, successes int64 })
	for _, k := range snap.keyOrder {
		e := snap.Entries[k]
		agg, ok := totals[k.Provider]
		if !ok {
			agg = &struct{ requests, successes int64 }{}
			totals[k.Provider] = agg
		}
		agg.requests += e.Requests
		agg.successes += e.Successes
	}

	out := make([]ProviderReliability, 0, len(snap.providerOrder))
	for _, p := range snap.providerOrder {
		agg := totals[p]
		rate := 1.0
		if agg.requests > 0 {
			rate = float64(agg.successes) / float64(agg.requests)
		}
		out = append(out, ProviderReliability{Provider: p, SuccessRate: rate, Requests: agg.requests})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SuccessRate > out[j].SuccessRate })
	return out
}

// Reset clears the whole table.
func (t *Tracker) Reset() {
	t.do(func(state *tableState) {
		state.entries = make(map[Key]*Entry)
		state.keyOrder = nil
		state.providerOrder = nil
		state.providerSeen = make(map[catalog.ProviderID]bool)
		state.dirty = true
	})
}

// ResetProvider clears every model entry of one provider.
func (t *Tracker) ResetProvider(provider catalog.ProviderID) {
	t.do(func(state *tableState) {
		kept := state.keyOrder[:0]
		for _, k := range state.keyOrder {
			if k.Provider == provider {
				delete(state.entries, k)
				continue
			}
			kept = append(kept, k)
		}
		state.keyOrder = kept

		keptProviders := state.providerOrder[:0]
		for _, p := range state.providerOrder {
			if p == provider {
				delete(state.providerSeen, p)
				continue
			}
			keptProviders = append(keptProviders, p)
		}
		state.providerOrder = keptProviders
		state.dirty = true
	})
}

// PruneExpired removes entries whose first record is older than the
// retention window. Runs daily; callable directly for tests and the CLI.
func (t *Tracker) PruneExpired() {
	cutoff := time.Now().Add(-t.cfg.Retention)
	var pruned int
	t.do(func(state *tableState) {
		kept := state.keyOrder[:0]
		providersLeft := make(map[catalog.ProviderID]bool)
		for _, k := range state.keyOrder {
			e := state.entries[k]
			if e.FirstRecorded.Before(cutoff) {
				delete(state.entries, k)
				pruned++
				continue
			}
			kept = append(kept, k)
			providersLeft[k.Provider] = true
		}
		state.keyOrder = kept

		keptProviders := state.providerOrder[:0]
		for _, p := range state.providerOrder {
			if providersLeft[p] {
				keptProviders = append(keptProviders, p)
				continue
			}
			delete(state.providerSeen, p)
		}
		state.providerOrder = keptProviders
		if pruned > 0 {
			state.dirty = true
		}
	})
	if pruned > 0 {
		t.logger.Info("pruned expired stats entries", "count", pruned)
	}
}

// emitDailySummary publishes totals and the best and worst backends.
func (t *Tracker) emitDailySummary() {
	snap := t.Snapshot()
	var requests, successes, failures, inputTokens, outputTokens int64
	var cost float64
	for _, e := range snap.Entries {
		requests += e.Requests
		successes += e.Successes
		failures += e.Failures
		inputTokens += e.TotalInputTokens
		outputTokens += e.TotalOutputTokens
		cost += e.TotalCostUSD
	}

	data := map[string]any{
		"requests":      requests,
		"successes":     successes,
		"failures":      failures,
		"input_tokens":  inputTokens,
		"output_tokens": outputTokens,
		"cost_usd":      cost,
	}
	if ranking := t.ReliabilityRanking(); len(ranking) > 0 {
		data["best_provider"] = string(ranking[0].Provider)
		data["best_success_rate"] = ranking[0].SuccessRate
		worst := ranking[len(ranking)-1]
		data["worst_provider"] = string(worst.Provider)
		data["worst_success_rate"] = worst.SuccessRate
	}
	t.bus.Emit("stats", "daily_summary", data)
	t.logger.Info("daily stats summary", "requests", requests, "failures", failures, "cost_usd", cost)
}
