package sessionpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/switchyard-ai/switchyard/internal/catalog"
)

type fakeWorker struct {
	mu     sync.Mutex
	alive  bool
	closed bool
	done   chan struct{}
	sid    string
}

func newFakeWorker(sid string) *fakeWorker {
	return &fakeWorker{alive: true, done: make(chan struct{}), sid: sid}
}

func (w *fakeWorker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive
}

func (w *fakeWorker) Done() <-chan struct{} { return w.done }
func (w *fakeWorker) SessionID() string     { return w.sid }

func (w *fakeWorker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.alive = false
	close(w.done)
}

func (w *fakeWorker) wasClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// markDead flips liveness without firing the death monitor, modeling a
// worker whose state machine stopped but whose handle lingers.
func (w *fakeWorker) markDead() {
	w.mu.Lock()
	w.alive = false
	w.mu.Unlock()
}

type fakeFactory struct {
	mu      sync.Mutex
	spawned []*fakeWorker
	err     error
}

func (f *fakeFactory) spawn(ctx context.Context, provider catalog.ProviderID) (Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	w := newFakeWorker("sess")
	f.spawned = append(f.spawned, w)
	return w, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func (f *fakeFactory) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeFactory) worker(t *testing.T, i int) *fakeWorker {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.spawned) <= i {
		t.Fatalf("worker %d never spawned (have %d)", i, len(f.spawned))
	}
	return f.spawned[i]
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeFactory) {
	t.Helper()
	f := &fakeFactory{}
	p := New(cfg, f.spawn, nil, nil)
	t.Cleanup(p.Close)
	return p, f
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPoolSpawnAndReuse(t *testing.T) {
	p, f := newTestPool(t, Config{})

	h1, err := p.Checkout(context.Background(), catalog.ProviderAnthropic)
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if f.count() != 1 {
		t.Fatalf("spawn count = %d, want 1", f.count())
	}

	if err := p.Checkin(h1); err != nil {
		t.Fatalf("Checkin() error = %v", err)
	}

	h2, err := p.Checkout(context.Background(), catalog.ProviderAnthropic)
	if err != nil {
		t.Fatalf("second Checkout() error = %v", err)
	}
	if h2.Ref != h1.Ref {
		t.Errorf("second checkout ref = %q, want reused %q", h2.Ref, h1.Ref)
	}
	if f.count() != 1 {
		t.Errorf("spawn count after reuse = %d, want 1", f.count())
	}
}

func TestPoolExhaustedFailsImmediately(t *testing.T) {
	p, _ := newTestPool(t, Config{
		Limits: map[catalog.ProviderID]Limits{catalog.ProviderAnthropic: {Max: 1}},
	})

	if _, err := p.Checkout(context.Background(), catalog.ProviderAnthropic); err != nil {
		t.Fatalf("first Checkout() error = %v", err)
	}

	start := time.Now()
	_, err := p.Checkout(context.Background(), catalog.ProviderAnthropic)
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("second Checkout() error = %v, want ErrPoolExhausted", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("exhausted checkout took %v, want immediate failure", elapsed)
	}
}

func TestPoolPerProviderIsolation(t *testing.T) {
	p, f := newTestPool(t, Config{
		Limits: map[catalog.ProviderID]Limits{catalog.ProviderAnthropic: {Max: 1}},
	})

	if _, err := p.Checkout(context.Background(), catalog.ProviderAnthropic); err != nil {
		t.Fatalf("Checkout(anthropic) error = %v", err)
	}
	// A full anthropic pool does not block other providers.
	if _, err := p.Checkout(context.Background(), catalog.ProviderOpenAI); err != nil {
		t.Fatalf("Checkout(openai) error = %v", err)
	}
	if f.count() != 2 {
		t.Errorf("spawn count = %d, want 2", f.count())
	}
}

func TestPoolCallerDeathAutoCheckin(t *testing.T) {
	p, _ := newTestPool(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	h, err := p.Checkout(ctx, catalog.ProviderAnthropic)
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}

	cancel()
	eventually(t, func() bool {
		st := p.Status()[catalog.ProviderAnthropic]
		return st.Idle == 1 && st.CheckedOut == 0
	}, "session never returned to idle after caller death")

	h2, err := p.Checkout(context.Background(), catalog.ProviderAnthropic)
	if err != nil {
		t.Fatalf("Checkout() after auto-checkin error = %v", err)
	}
	if h2.Ref != h.Ref {
		t.Errorf("checkout after caller death ref = %q, want reused %q", h2.Ref, h.Ref)
	}
}

func TestPoolCallerDeathAfterCheckinIsNoOp(t *testing.T) {
	p, _ := newTestPool(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	h, err := p.Checkout(ctx, catalog.ProviderAnthropic)
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if err := p.Checkin(h); err != nil {
		t.Fatalf("Checkin() error = %v", err)
	}

	// A second caller holds the session when the first context dies. The
	// stale watcher must not release it.
	h2, err := p.Checkout(context.Background(), catalog.ProviderAnthropic)
	if err != nil {
		t.Fatalf("second Checkout() error = %v", err)
	}
	cancel()
	time.Sleep(20 * time.Millisecond)

	st := p.Status()[catalog.ProviderAnthropic]
	if st.CheckedOut != 1 {
		t.Errorf("CheckedOut = %d, want 1 (stale watcher released the session)", st.CheckedOut)
	}
	_ = h2
}

func TestPoolWorkerDeathRemovesSession(t *testing.T) {
	p, f := newTestPool(t, Config{})

	if _, err := p.Checkout(context.Background(), catalog.ProviderAnthropic); err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}

	f.worker(t, 0).Close()
	eventually(t, func() bool {
		return p.Status()[catalog.ProviderAnthropic].Total == 0
	}, "dead worker's session never removed")

	// No automatic respawn; the next checkout spawns fresh.
	if _, err := p.Checkout(context.Background(), catalog.ProviderAnthropic); err != nil {
		t.Fatalf("Checkout() after worker death error = %v", err)
	}
	if f.count() != 2 {
		t.Errorf("spawn count = %d, want 2", f.count())
	}
}

func TestPoolSkipsDeadIdleWorker(t *testing.T) {
	p, f := newTestPool(t, Config{})

	h, err := p.Checkout(context.Background(), catalog.ProviderAnthropic)
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if err := p.Checkin(h); err != nil {
		t.Fatalf("Checkin() error = %v", err)
	}

	f.worker(t, 0).markDead()

	h2, err := p.Checkout(context.Background(), catalog.ProviderAnthropic)
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if h2.Ref == h.Ref {
		t.Error("checkout returned the dead idle session")
	}
	if f.count() != 2 {
		t.Errorf("spawn count = %d, want 2", f.count())
	}
	if st := p.Status()[catalog.ProviderAnthropic]; st.Total != 1 {
		t.Errorf("Total = %d, want 1 (dead entry dropped)", st.Total)
	}
}

func TestPoolSpawnFailureReleasesSlot(t *testing.T) {
	p, f := newTestPool(t, Config{
		Limits: map[catalog.ProviderID]Limits{catalog.ProviderAnthropic: {Max: 1}},
	})

	f.setErr(errors.New("no binary"))
	_, err := p.Checkout(context.Background(), catalog.ProviderAnthropic)
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Checkout() error = %v, want a SpawnError", err)
	}
	if spawnErr.Provider != catalog.ProviderAnthropic {
		t.Errorf("SpawnError.Provider = %v, want anthropic", spawnErr.Provider)
	}

	// The reserved slot was released, so a later attempt can succeed.
	f.setErr(nil)
	if _, err := p.Checkout(context.Background(), catalog.ProviderAnthropic); err != nil {
		t.Fatalf("Checkout() after recovery error = %v", err)
	}
}

func TestPoolReaperClosesIdleSessions(t *testing.T) {
	p, f := newTestPool(t, Config{
		Default:         Limits{IdleTimeout: time.Millisecond},
		CleanupInterval: 5 * time.Millisecond,
	})

	h, err := p.Checkout(context.Background(), catalog.ProviderAnthropic)
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if err := p.Checkin(h); err != nil {
		t.Fatalf("Checkin() error = %v", err)
	}

	eventually(t, func() bool {
		return p.Status()[catalog.ProviderAnthropic].Total == 0
	}, "idle session never reaped")
	if !f.worker(t, 0).wasClosed() {
		t.Error("reaped worker was not closed")
	}
}

func TestPoolReaperSparesCheckedOut(t *testing.T) {
	p, _ := newTestPool(t, Config{
		Default:         Limits{IdleTimeout: time.Millisecond},
		CleanupInterval: 5 * time.Millisecond,
	})

	if _, err := p.Checkout(context.Background(), catalog.ProviderAnthropic); err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if st := p.Status()[catalog.ProviderAnthropic]; st.CheckedOut != 1 {
		t.Errorf("CheckedOut = %d, want 1 (reaper touched a held session)", st.CheckedOut)
	}
}

func TestPoolCloseSession(t *testing.T) {
	p, f := newTestPool(t, Config{})

	h, err := p.Checkout(context.Background(), catalog.ProviderAnthropic)
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}

	p.CloseSession(h)
	if !f.worker(t, 0).wasClosed() {
		t.Error("CloseSession did not close the worker")
	}
	if st := p.Status()[catalog.ProviderAnthropic]; st.Total != 0 {
		t.Errorf("Total = %d, want 0", st.Total)
	}
	if err := p.Checkin(h); !errors.Is(err, ErrNotFound) {
		t.Errorf("Checkin() after close error = %v, want ErrNotFound", err)
	}
}

func TestPoolStatusSnapshot(t *testing.T) {
	p, _ := newTestPool(t, Config{
		Limits: map[catalog.ProviderID]Limits{catalog.ProviderAnthropic: {Max: 3}},
	})

	h1, err := p.Checkout(context.Background(), catalog.ProviderAnthropic)
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if _, err := p.Checkout(context.Background(), catalog.ProviderAnthropic); err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if err := p.Checkin(h1); err != nil {
		t.Fatalf("Checkin() error = %v", err)
	}

	st := p.Status()[catalog.ProviderAnthropic]
	want := ProviderStatus{Idle: 1, CheckedOut: 1, Total: 2, Max: 3}
	if st != want {
		t.Errorf("Status() = %+v, want %+v", st, want)
	}
	if st.Idle+st.CheckedOut != st.Total {
		t.Errorf("idle+checked_out = %d, want total %d", st.Idle+st.CheckedOut, st.Total)
	}
}

func TestPoolClose(t *testing.T) {
	p, f := newTestPool(t, Config{})

	if _, err := p.Checkout(context.Background(), catalog.ProviderAnthropic); err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}

	p.Close()
	if !f.worker(t, 0).wasClosed() {
		t.Error("Close did not close a live worker")
	}
	if _, err := p.Checkout(context.Background(), catalog.ProviderAnthropic); !errors.Is(err, ErrClosed) {
		t.Errorf("Checkout() after Close error = %v, want ErrClosed", err)
	}
}

func TestPoolCheckinUnknownHandle(t *testing.T) {
	p, _ := newTestPool(t, Config{})
	err := p.Checkin(&Handle{Ref: "nope", Provider: catalog.ProviderAnthropic})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Checkin() error = %v, want ErrNotFound", err)
	}
}
