// Package sessionpool checks session workers out to callers and back in,
// with per-provider capacity caps, caller-death auto-checkin, and idle
// reaping. The pool never queues: at capacity, checkout fails immediately.
package sessionpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/switchyard-ai/switchyard/internal/catalog"
	"github.com/switchyard-ai/switchyard/internal/observability"
)

const (
	DefaultMaxSessions     = 4
	DefaultIdleTimeout     = 10 * time.Minute
	DefaultCleanupInterval = time.Minute
)

// ErrPoolExhausted means the provider is at capacity with nothing idle.
var ErrPoolExhausted = errors.New("sessionpool: exhausted")

// ErrNotFound means the handle does not name a pooled session.
var ErrNotFound = errors.New("sessionpool: session not found")

// ErrClosed means the pool has been shut down.
var ErrClosed = errors.New("sessionpool: closed")

// SpawnError wraps a worker factory failure.
type SpawnError struct {
	Provider catalog.ProviderID
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("sessionpool: spawn %s: %v", e.Provider, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Worker is the live session subprocess as the pool sees it. A transport
// satisfies this directly.
type Worker interface {
	Alive() bool
	Done() <-chan struct{}
	SessionID() string
	Close()
}

// Factory spawns a new worker for a provider. The context carries the
// checkout deadline.
type Factory func(ctx context.Context, provider catalog.ProviderID) (Worker, error)

// Limits cap one provider's session count and idle lifetime.
type Limits struct {
	Max         int
	IdleTimeout time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.Max <= 0 {
		l.Max = DefaultMaxSessions
	}
	if l.IdleTimeout <= 0 {
		l.IdleTimeout = DefaultIdleTimeout
	}
	return l
}

// Config sets per-provider limits and the reap cadence.
type Config struct {
	// Limits apply per provider; providers absent from the map get Default.
	Limits  map[catalog.ProviderID]Limits
	Default Limits

	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	c.Default = c.Default.withDefaults()
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	return c
}

// Handle names one checked-out session.
type Handle struct {
	Ref      string
	Provider catalog.ProviderID
	Worker   Worker
}

// ProviderStatus is one provider's row in a status snapshot.
type ProviderStatus struct {
	Idle       int `json:"idle"`
	CheckedOut int `json:"checked_out"`
	Total      int `json:"total"`
	Max        int `json:"max"`
}

type session struct {
	ref        string
	provider   catalog.ProviderID
	worker     Worker
	checkedOut bool
	lastActive time.Time

	// watchStop ends the current checkout's caller watch; gone is closed
	// when the session leaves the pool for any reason.
	watchStop chan struct{}
	gone      chan struct{}
}

// Pool owns the session table. All map mutation happens under one mutex;
// worker Close calls happen outside it.
type Pool struct {
	cfg     Config
	factory Factory
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	sessions map[string]*session
	pending  map[catalog.ProviderID]int
	closed   bool

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// New builds a pool and starts its reaper.
func New(cfg Config, factory Factory, logger *slog.Logger, metrics *observability.Metrics) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		cfg:        cfg.withDefaults(),
		factory:    factory,
		logger:     logger.With("component", "sessionpool"),
		metrics:    metrics,
		sessions:   make(map[string]*session),
		pending:    make(map[catalog.ProviderID]int),
		reaperStop: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	go p.reap()
	return p
}

func (p *Pool) limitsFor(provider catalog.ProviderID) Limits {
	if l, ok := p.cfg.Limits[provider]; ok {
		return l.withDefaults()
	}
	return p.cfg.Default
}

// Checkout hands out an idle session for the provider, or spawns one when
// under the cap. At capacity it fails immediately with ErrPoolExhausted.
// The caller context doubles as the liveness monitor: when it is canceled
// while the session is held, the session is checked back in.
func (p *Pool) Checkout(ctx context.Context, provider catalog.ProviderID) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	// Idle-first. Dead idle workers are dropped on the way past.
	for _, s := range p.sessions {
		if s.provider != provider || s.checkedOut {
			continue
		}
		if !s.worker.Alive() {
			p.removeLocked(s)
			p.publishLocked(provider)
			continue
		}
		p.checkoutLocked(s, ctx)
		p.publishLocked(provider)
		h := &Handle{Ref: s.ref, Provider: provider, Worker: s.worker}
		p.mu.Unlock()
		return h, nil
	}

	limits := p.limitsFor(provider)
	if p.countLocked(provider)+p.pending[provider] >= limits.Max {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}

	// Reserve the slot, then spawn outside the lock.
	p.pending[provider]++
	p.mu.Unlock()

	worker, err := p.factory(ctx, provider)

	p.mu.Lock()
	p.pending[provider]--
	if err != nil {
		p.mu.Unlock()
		return nil, &SpawnError{Provider: provider, Err: err}
	}
	if p.closed {
		p.mu.Unlock()
		worker.Close()
		return nil, ErrClosed
	}

	s := &session{
		ref:        uuid.NewString(),
		provider:   provider,
		worker:     worker,
		lastActive: time.Now(),
		gone:       make(chan struct{}),
	}
	p.sessions[s.ref] = s
	go p.watchWorker(s)
	p.checkoutLocked(s, ctx)
	p.publishLocked(provider)
	h := &Handle{Ref: s.ref, Provider: provider, Worker: worker}
	p.mu.Unlock()

	p.logger.Info("session spawned", "provider", string(provider), "ref", s.ref)
	return h, nil
}

// Checkin marks the session idle again and drops the caller watch.
func (p *Pool) Checkin(h *Handle) error {
	if h == nil {
		return ErrNotFound
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[h.Ref]
	if !ok {
		return ErrNotFound
	}
	if !s.checkedOut {
		return nil
	}
	s.checkedOut = false
	s.lastActive = time.Now()
	if s.watchStop != nil {
		close(s.watchStop)
		s.watchStop = nil
	}
	p.publishLocked(s.provider)
	return nil
}

// CloseSession removes the session from the pool and kills its worker.
func (p *Pool) CloseSession(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	s, ok := p.sessions[h.Ref]
	if ok {
		p.removeLocked(s)
		p.publishLocked(s.provider)
	}
	p.mu.Unlock()
	if ok {
		s.worker.Close()
	}
}

// Status returns a consistent snapshot of every provider's counts.
// Providers with configured limits appear even when they have no sessions.
func (p *Pool) Status() map[catalog.ProviderID]ProviderStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[catalog.ProviderID]ProviderStatus)
	for provider := range p.cfg.Limits {
		out[provider] = ProviderStatus{Max: p.limitsFor(provider).Max}
	}
	for _, s := range p.sessions {
		st := out[s.provider]
		st.Max = p.limitsFor(s.provider).Max
		st.Total++
		if s.checkedOut {
			st.CheckedOut++
		} else {
			st.Idle++
		}
		out[s.provider] = st
	}
	return out
}

// Close shuts the pool: the reaper stops, every worker is killed, and all
// future checkouts fail with ErrClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.reaperDone
		return
	}
	p.closed = true
	victims := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		victims = append(victims, s)
	}
	for _, s := range victims {
		p.removeLocked(s)
	}
	p.mu.Unlock()

	close(p.reaperStop)
	<-p.reaperDone
	for _, s := range victims {
		s.worker.Close()
	}
}

// checkoutLocked marks the session held and starts the caller watch.
func (p *Pool) checkoutLocked(s *session, callerCtx context.Context) {
	s.checkedOut = true
	s.lastActive = time.Now()
	stop := make(chan struct{})
	s.watchStop = stop
	go func() {
		select {
		case <-callerCtx.Done():
			p.autoCheckin(s.ref, stop)
		case <-stop:
		case <-s.gone:
		}
	}()
}

// autoCheckin is the caller-death path. The stop identity check keeps a
// stale watcher from releasing a later checkout of the same session.
func (p *Pool) autoCheckin(ref string, stop chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[ref]
	if !ok || !s.checkedOut || s.watchStop != stop {
		return
	}
	s.checkedOut = false
	s.lastActive = time.Now()
	s.watchStop = nil
	p.publishLocked(s.provider)
	p.logger.Info("caller gone, session checked in", "provider", string(s.provider), "ref", ref)
}

// watchWorker removes the session when its worker dies. No respawn.
func (p *Pool) watchWorker(s *session) {
	select {
	case <-s.worker.Done():
		p.mu.Lock()
		if _, ok := p.sessions[s.ref]; ok {
			p.removeLocked(s)
			p.publishLocked(s.provider)
			p.logger.Warn("worker died, session removed", "provider", string(s.provider), "ref", s.ref)
		}
		p.mu.Unlock()
	case <-s.gone:
	}
}

func (p *Pool) removeLocked(s *session) {
	delete(p.sessions, s.ref)
	close(s.gone)
	if s.watchStop != nil {
		close(s.watchStop)
		s.watchStop = nil
	}
}

func (p *Pool) countLocked(provider catalog.ProviderID) int {
	n := 0
	for _, s := range p.sessions {
		if s.provider == provider {
			n++
		}
	}
	return n
}

func (p *Pool) publishLocked(provider catalog.ProviderID) {
	if p.metrics == nil {
		return
	}
	idle, out := 0, 0
	for _, s := range p.sessions {
		if s.provider != provider {
			continue
		}
		if s.checkedOut {
			out++
		} else {
			idle++
		}
	}
	p.metrics.SetPoolSessions(string(provider), idle, out)
}

func (p *Pool) reap() {
	defer close(p.reaperDone)
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapOnce()
		case <-p.reaperStop:
			return
		}
	}
}

// reapOnce closes sessions idle longer than their provider's timeout.
func (p *Pool) reapOnce() {
	var victims []*session
	p.mu.Lock()
	now := time.Now()
	for _, s := range p.sessions {
		if s.checkedOut {
			continue
		}
		if now.Sub(s.lastActive) > p.limitsFor(s.provider).IdleTimeout {
			p.removeLocked(s)
			p.publishLocked(s.provider)
			victims = append(victims, s)
		}
	}
	p.mu.Unlock()

	for _, s := range victims {
		s.worker.Close()
		p.logger.Info("idle session reaped", "provider", string(s.provider), "ref", s.ref)
	}
}
