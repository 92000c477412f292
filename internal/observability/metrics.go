package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Dispatch outcomes per provider and model
//   - LLM request latency and token consumption
//   - Tool execution patterns and latencies
//   - Session pool occupancy and transport restarts
//   - Archive store query performance
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4", "success", 1.25, 100, 500)
type Metrics struct {
	// DispatchCounter tracks dispatcher entries by path and outcome.
	// Labels: path (direct|tool_loop|session), status (success|error)
	DispatchCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider, model, and status.
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|denied|pending)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and error kind.
	ErrorCounter *prometheus.CounterVec

	// PoolSessions is a gauge of pool occupancy.
	// Labels: provider, state (idle|checked_out)
	PoolSessions *prometheus.GaugeVec

	// TransportRestarts counts subprocess reconnect attempts.
	// Labels: provider, outcome (scheduled|resumed|failed)
	TransportRestarts *prometheus.CounterVec

	// BudgetSpend is a gauge of today's spend in USD per provider.
	BudgetSpend *prometheus.GaugeVec

	// ArchiveQueryDuration measures archive store query latency.
	// Labels: operation (insert|select|prune)
	ArchiveQueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with the default Prometheus
// registry. Call once at startup; the metrics surface at /metrics when the
// promhttp handler is mounted.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics against the supplied registerer.
// Tests pass a fresh prometheus.NewRegistry to avoid duplicate-registration
// panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DispatchCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchyard_dispatches_total",
				Help: "Total dispatcher entries by path and status",
			},
			[]string{"path", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchyard_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchyard_llm_requests_total",
				Help: "Total LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchyard_llm_tokens_total",
				Help: "Total tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchyard_tool_executions_total",
				Help: "Total tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchyard_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchyard_errors_total",
				Help: "Total errors by component and error kind",
			},
			[]string{"component", "error_kind"},
		),

		PoolSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "switchyard_pool_sessions",
				Help: "Current pool sessions by provider and state",
			},
			[]string{"provider", "state"},
		),

		TransportRestarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchyard_transport_restarts_total",
				Help: "Subprocess transport reconnect attempts by outcome",
			},
			[]string{"provider", "outcome"},
		),

		BudgetSpend: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "switchyard_budget_spend_usd",
				Help: "Spend recorded today in USD by provider",
			},
			[]string{"provider"},
		),

		ArchiveQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchyard_archive_query_duration_seconds",
				Help:    "Duration of archive store queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation"},
		),
	}
}

// RecordDispatch records one dispatcher entry outcome.
func (m *Metrics) RecordDispatch(path, status string) {
	m.DispatchCounter.WithLabelValues(path, status).Inc()
}

// RecordLLMRequest records metrics for one LLM call.
//
// Example:
//
//	start := time.Now()
//	// ... call provider ...
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4", "success", time.Since(start).Seconds(), 100, 500)
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int64) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records metrics for one tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a component and error kind.
func (m *Metrics) RecordError(component, errorKind string) {
	m.ErrorCounter.WithLabelValues(component, errorKind).Inc()
}

// SetPoolSessions sets the pool occupancy gauges for a provider.
func (m *Metrics) SetPoolSessions(provider string, idle, checkedOut int) {
	m.PoolSessions.WithLabelValues(provider, "idle").Set(float64(idle))
	m.PoolSessions.WithLabelValues(provider, "checked_out").Set(float64(checkedOut))
}

// RecordTransportRestart counts one reconnect attempt outcome.
func (m *Metrics) RecordTransportRestart(provider, outcome string) {
	m.TransportRestarts.WithLabelValues(provider, outcome).Inc()
}

// SetBudgetSpend updates the per-provider spend gauge.
func (m *Metrics) SetBudgetSpend(provider string, usd float64) {
	m.BudgetSpend.WithLabelValues(provider).Set(usd)
}

// RecordArchiveQuery records one archive store query.
func (m *Metrics) RecordArchiveQuery(operation string, durationSeconds float64) {
	m.ArchiveQueryDuration.WithLabelValues(operation).Observe(durationSeconds)
}
