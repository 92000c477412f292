// Package signalbus provides a small in-process signal bus with pattern
// subscriptions. Emission is best-effort: handler panics are swallowed and
// a failed delivery never propagates to the emitter.
package signalbus

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Signal is a single event on the bus.
type Signal struct {
	Category string
	Type     string
	Data     map[string]any
	Time     time.Time
}

// Name returns the dotted full name, e.g. "ai.request.completed".
func (s Signal) Name() string {
	if s.Type == "" {
		return s.Category
	}
	return s.Category + "." + s.Type
}

// Handler receives signals matching a subscription pattern.
type Handler func(Signal)

// Bus is the emit side consumed throughout the codebase. Implementations
// must never block the emitter on subscriber failures.
type Bus interface {
	Emit(category, typ string, data map[string]any)
	Subscribe(pattern string, fn Handler) string
	Unsubscribe(id string)
}

type subscription struct {
	id      string
	pattern string
	fn      Handler
	seq     int
}

// InProcess is the default Bus. Delivery is synchronous and serialized per
// bus, so subscribers observe per-category emission order.
type InProcess struct {
	mu     sync.Mutex
	subs   []subscription
	nextSeq int
	logger *slog.Logger
}

// New creates an in-process bus. A nil logger disables delivery logging.
func New(logger *slog.Logger) *InProcess {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcess{logger: logger.With("component", "signalbus")}
}

// Emit delivers the signal to every matching subscription in registration
// order. Handler panics are recovered and logged.
func (b *InProcess) Emit(category, typ string, data map[string]any) {
	if b == nil {
		return
	}
	sig := Signal{Category: category, Type: typ, Data: data, Time: time.Now()}

	b.mu.Lock()
	matched := make([]subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if matchPattern(sub.pattern, sig) {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range matched {
		b.deliver(sub, sig)
	}
}

func (b *InProcess) deliver(sub subscription, sig Signal) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("signal handler panicked",
				"signal", sig.Name(),
				"subscription", sub.id,
				"panic", r)
		}
	}()
	sub.fn(sig)
}

// Subscribe registers fn for signals matching pattern and returns a
// subscription id. Patterns are exact names, "category.*" suffix wildcards,
// or "*" for everything.
func (b *InProcess) Subscribe(pattern string, fn Handler) string {
	if fn == nil {
		return ""
	}
	id := uuid.New().String()
	b.mu.Lock()
	b.subs = append(b.subs, subscription{id: id, pattern: pattern, fn: fn, seq: b.nextSeq})
	b.nextSeq++
	b.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *InProcess) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// matchPattern reports whether a signal matches a subscription pattern.
// "*" matches everything. "prefix.*" matches the category itself and any
// dotted descendant. Anything else is an exact full-name match.
func matchPattern(pattern string, sig Signal) bool {
	if pattern == "*" {
		return true
	}
	name := sig.Name()
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		return name == prefix || strings.HasPrefix(name, prefix+".")
	}
	return name == pattern
}

// Nop is a Bus that drops everything. Useful as a default collaborator.
type Nop struct{}

func (Nop) Emit(string, string, map[string]any)  {}
func (Nop) Subscribe(string, Handler) string     { return "" }
func (Nop) Unsubscribe(string)                   {}
