// Package archive persists terminal request outcomes and their tool events
// for offline inspection. Writes are best-effort: the dispatcher must never
// fail a caller because the archive is down.
package archive

import (
	"context"
	"log/slog"
	"time"

	"github.com/switchyard-ai/switchyard/internal/observability"
)

// MaxContentLength bounds archived tool output. Full text lives in the
// session transcript; the archive keeps enough to diagnose.
const MaxContentLength = 4096

// Record is one terminal request outcome.
type Record struct {
	ID           string    `json:"id"`
	TraceID      string    `json:"trace_id,omitempty"`
	AgentID      string    `json:"agent_id,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMS    float64   `json:"latency_ms"`
	FinishReason string    `json:"finish_reason,omitempty"`
	Turns        int       `json:"turns,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ToolEvent is one resolved tool invocation within a request.
type ToolEvent struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	CallID     string    `json:"call_id"`
	Tool       string    `json:"tool"`
	HookResult string    `json:"hook_result,omitempty"`
	State      string    `json:"state"`
	Content    string    `json:"content,omitempty"`
	DurationMS float64   `json:"duration_ms,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListOptions filters request listings. Zero values mean no filter.
type ListOptions struct {
	Provider string
	Model    string
	AgentID  string
	Since    time.Time
	Limit    int
}

// Summary aggregates archived requests from a point in time.
type Summary struct {
	Since        time.Time `json:"since"`
	Requests     int64     `json:"requests"`
	Failures     int64     `json:"failures"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

// Store is the archive persistence contract.
type Store interface {
	SaveRequest(ctx context.Context, rec *Record) error
	SaveToolEvents(ctx context.Context, requestID string, events []ToolEvent) error
	ListRequests(ctx context.Context, opts ListOptions) ([]Record, error)
	Summarize(ctx context.Context, since time.Time) (*Summary, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// Sink wraps a Store with the best-effort write policy. A nil Sink or a
// Sink around a nil Store discards everything.
type Sink struct {
	store   Store
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewSink builds a sink. logger and metrics may be nil.
func NewSink(store Store, logger *slog.Logger, metrics *observability.Metrics) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{store: store, logger: logger.With("component", "archive"), metrics: metrics}
}

// RecordRequest archives one terminal outcome, swallowing failures.
func (s *Sink) RecordRequest(ctx context.Context, rec *Record) {
	if s == nil || s.store == nil || rec == nil {
		return
	}
	started := time.Now()
	err := s.store.SaveRequest(ctx, rec)
	if s.metrics != nil {
		s.metrics.RecordArchiveQuery("save_request", time.Since(started).Seconds())
	}
	if err != nil {
		s.logger.Warn("archive write dropped", "op", "save_request", "error", err)
		if s.metrics != nil {
			s.metrics.RecordError("archive", "save_request")
		}
	}
}

// RecordToolEvents archives the tool events of one request, swallowing
// failures.
func (s *Sink) RecordToolEvents(ctx context.Context, requestID string, events []ToolEvent) {
	if s == nil || s.store == nil || len(events) == 0 {
		return
	}
	started := time.Now()
	err := s.store.SaveToolEvents(ctx, requestID, events)
	if s.metrics != nil {
		s.metrics.RecordArchiveQuery("save_tool_events", time.Since(started).Seconds())
	}
	if err != nil {
		s.logger.Warn("archive write dropped", "op", "save_tool_events", "error", err)
		if s.metrics != nil {
			s.metrics.RecordError("archive", "save_tool_events")
		}
	}
}

// clampContent enforces MaxContentLength on archived tool output.
func clampContent(s string) string {
	if len(s) <= MaxContentLength {
		return s
	}
	return s[:MaxContentLength]
}
