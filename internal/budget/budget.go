// Package budget meters daily spend per provider against a global cap.
// Costs come from a model price table; counters roll over at UTC midnight,
// both lazily on access and via a scheduled job so gauges reset even when
// the gateway sits idle.
package budget

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/switchyard-ai/switchyard/internal/catalog"
	"github.com/switchyard-ai/switchyard/internal/observability"
	"github.com/switchyard-ai/switchyard/internal/signalbus"
)

// ErrExceeded reports that today's spend has reached the daily cap.
var ErrExceeded = errors.New("budget: daily cap exceeded")

// Config tunes the tracker.
type Config struct {
	// DailyCapUSD is the global daily budget. Zero disables enforcement.
	DailyCapUSD float64
	// ProviderCapsUSD caps daily spend for individual providers. A provider
	// with no entry is bounded only by the global cap.
	ProviderCapsUSD map[catalog.ProviderID]float64
	// Prices overrides the built-in table, keyed "provider:model".
	Prices map[string]Price
	// WarnAtPct logs a warning when spend crosses this share of the cap.
	// Default 0.8.
	WarnAtPct float64
}

// Usage is one request's token consumption.
type Usage struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Status is a point-in-time view of today's spend.
type Status struct {
	Day              string                         `json:"day"`
	DailyCapUSD      float64                        `json:"daily_cap_usd"`
	SpentTodayUSD    float64                        `json:"spent_today_usd"`
	RemainingUSD     float64                        `json:"remaining_usd"`
	PercentRemaining float64                        `json:"percent_remaining"`
	PerProvider      map[catalog.ProviderID]float64 `json:"per_provider"`
}

// Tracker is safe for concurrent use. State is small enough that a mutex
// with snapshot reads beats an owner goroutine here.
type Tracker struct {
	cfg     Config
	bus     signalbus.Bus
	logger  *slog.Logger
	metrics *observability.Metrics

	mu          sync.Mutex
	day         string
	total       float64
	perProvider map[catalog.ProviderID]float64
	warned      bool
	capAlerted  bool

	cron *cron.Cron
	now  func() time.Time
}

// New builds a tracker. bus, logger, and metrics may be nil.
func New(cfg Config, bus signalbus.Bus, logger *slog.Logger, metrics *observability.Metrics) *Tracker {
	if bus == nil {
		bus = signalbus.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WarnAtPct <= 0 || cfg.WarnAtPct >= 1 {
		cfg.WarnAtPct = 0.8
	}
	t := &Tracker{
		cfg:         cfg,
		bus:         bus,
		logger:      logger.With("component", "budget"),
		metrics:     metrics,
		perProvider: make(map[catalog.ProviderID]float64),
		now:         time.Now,
	}
	t.day = dayKey(t.now())
	return t
}

// Start schedules the midnight rollover. The tracker works without Start;
// rollover then happens lazily on the next access.
func (t *Tracker) Start() error {
	t.cron = cron.New(cron.WithLocation(time.UTC))
	if _, err := t.cron.AddFunc("0 0 * * *", func() { t.rollIfNeeded() }); err != nil {
		return err
	}
	t.cron.Start()
	return nil
}

// Close stops the rollover job.
func (t *Tracker) Close() {
	if t.cron != nil {
		t.cron.Stop()
	}
}

func dayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// rollLocked resets the counters for a new UTC day. Caller holds mu.
func (t *Tracker) rollLocked(today string) {
	if t.total > 0 {
		t.logger.Info("daily budget rollover",
			"day", t.day,
			"spent_usd", t.total,
			"cap_usd", t.cfg.DailyCapUSD)
	}
	if t.metrics != nil {
		for p := range t.perProvider {
			t.metrics.SetBudgetSpend(string(p), 0)
		}
	}
	t.day = today
	t.total = 0
	t.perProvider = make(map[catalog.ProviderID]float64)
	t.warned = false
	t.capAlerted = false
}

func (t *Tracker) rollIfNeeded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if today := dayKey(t.now()); today != t.day {
		t.rollLocked(today)
	}
}

// EstimateCost prices a token pair without recording it.
func (t *Tracker) EstimateCost(provider catalog.ProviderID, model string, inputTokens, outputTokens int64) float64 {
	price, ok := ResolvePrice(provider, model, t.cfg.Prices)
	if !ok {
		return 0
	}
	return price.Estimate(inputTokens, outputTokens)
}

// RecordUsage prices the usage, adds it to today's spend, and returns the
// cost. Recording never fails; unpriced models record zero.
func (t *Tracker) RecordUsage(provider catalog.ProviderID, rec Usage) float64 {
	cost := t.EstimateCost(provider, rec.Model, rec.InputTokens, rec.OutputTokens)

	t.mu.Lock()
	if today := dayKey(t.now()); today != t.day {
		t.rollLocked(today)
	}
	t.total += cost
	t.perProvider[provider] += cost
	total := t.total
	providerSpend := t.perProvider[provider]
	capUSD := t.cfg.DailyCapUSD

	warnNow := capUSD > 0 && !t.warned && total >= capUSD*t.cfg.WarnAtPct
	if warnNow {
		t.warned = true
	}
	capNow := capUSD > 0 && !t.capAlerted && total >= capUSD
	if capNow {
		t.capAlerted = true
	}
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.SetBudgetSpend(string(provider), providerSpend)
	}
	if warnNow && !capNow {
		t.logger.Warn("daily budget nearly exhausted",
			"spent_usd", total, "cap_usd", capUSD, "provider", string(provider))
	}
	if capNow {
		t.logger.Warn("daily budget exhausted", "spent_usd", total, "cap_usd", capUSD)
		t.bus.Emit("budget", "cap_exceeded", map[string]any{
			"spent_usd": total,
			"cap_usd":   capUSD,
			"day":       dayKey(t.now()),
		})
	}
	return cost
}

// CheckCap returns ErrExceeded when today's spend has reached the global
// cap, or the per-provider cap for the given provider. Dispatchers call
// this before sending a request upstream.
func (t *Tracker) CheckCap(provider catalog.ProviderID) error {
	if t.cfg.DailyCapUSD <= 0 && len(t.cfg.ProviderCapsUSD) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if today := dayKey(t.now()); today != t.day {
		t.rollLocked(today)
	}
	if t.cfg.DailyCapUSD > 0 && t.total >= t.cfg.DailyCapUSD {
		return ErrExceeded
	}
	if capUSD := t.cfg.ProviderCapsUSD[provider]; capUSD > 0 && t.perProvider[provider] >= capUSD {
		return ErrExceeded
	}
	return nil
}

// GetStatus reports today's spend. PercentRemaining is 100 with no cap.
func (t *Tracker) GetStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if today := dayKey(t.now()); today != t.day {
		t.rollLocked(today)
	}

	st := Status{
		Day:           t.day,
		DailyCapUSD:   t.cfg.DailyCapUSD,
		SpentTodayUSD: t.total,
		PerProvider:   make(map[catalog.ProviderID]float64, len(t.perProvider)),
	}
	for p, v := range t.perProvider {
		st.PerProvider[p] = v
	}
	if t.cfg.DailyCapUSD > 0 {
		st.RemainingUSD = t.cfg.DailyCapUSD - t.total
		if st.RemainingUSD < 0 {
			st.RemainingUSD = 0
		}
		st.PercentRemaining = st.RemainingUSD / t.cfg.DailyCapUSD * 100
	} else {
		st.PercentRemaining = 100
	}
	return st
}
