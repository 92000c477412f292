package archive

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is the in-process archive store used when no path is configured
// and in tests.
type Memory struct {
	mu       sync.RWMutex
	requests []Record
	events   []ToolEvent
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) SaveRequest(ctx context.Context, rec *Record) error {
	if rec == nil {
		return nil
	}
	cp := *rec
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.requests {
		if m.requests[i].ID == cp.ID {
			m.requests[i] = cp
			return nil
		}
	}
	m.requests = append(m.requests, cp)
	return nil
}

func (m *Memory) SaveToolEvents(ctx context.Context, requestID string, events []ToolEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		ev.RequestID = requestID
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = time.Now().UTC()
		}
		ev.Content = clampContent(ev.Content)
		m.events = append(m.events, ev)
	}
	return nil
}

func (m *Memory) ListRequests(ctx context.Context, opts ListOptions) ([]Record, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	m.mu.RLock()
	var out []Record
	for _, rec := range m.requests {
		if opts.Provider != "" && rec.Provider != opts.Provider {
			continue
		}
		if opts.Model != "" && rec.Model != opts.Model {
			continue
		}
		if opts.AgentID != "" && rec.AgentID != opts.AgentID {
			continue
		}
		if !opts.Since.IsZero() && rec.CreatedAt.Before(opts.Since) {
			continue
		}
		out = append(out, rec)
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Summarize(ctx context.Context, since time.Time) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := &Summary{Since: since}
	for _, rec := range m.requests {
		if rec.CreatedAt.Before(since) {
			continue
		}
		sum.Requests++
		if rec.Error != "" {
			sum.Failures++
		}
		sum.InputTokens += rec.InputTokens
		sum.OutputTokens += rec.OutputTokens
		sum.CostUSD += rec.CostUSD
	}
	return sum, nil
}

func (m *Memory) Prune(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keepIDs := make(map[string]bool, len(m.requests))
	kept := m.requests[:0]
	var pruned int64
	for _, rec := range m.requests {
		if rec.CreatedAt.Before(before) {
			pruned++
			continue
		}
		keepIDs[rec.ID] = true
		kept = append(kept, rec)
	}
	m.requests = kept

	keptEvents := m.events[:0]
	for _, ev := range m.events {
		if keepIDs[ev.RequestID] {
			keptEvents = append(keptEvents, ev)
		}
	}
	m.events = keptEvents
	return pruned, nil
}

// ToolEventsFor returns archived events for a request in insertion order.
func (m *Memory) ToolEventsFor(requestID string) []ToolEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ToolEvent
	for _, ev := range m.events {
		if ev.RequestID == requestID {
			out = append(out, ev)
		}
	}
	return out
}

func (m *Memory) Close() error {
	return nil
}
