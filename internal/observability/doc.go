// Package observability provides monitoring and debugging capabilities for
// the routing core through metrics, structured logging, and distributed
// tracing.
//
// # Overview
//
// The package implements the three pillars of observability:
//
//  1. Metrics - Prometheus counters, histograms, and gauges
//  2. Logging - slog-based structured logs with sensitive data redaction
//  3. Tracing - OpenTelemetry spans exported over OTLP gRPC
//
// # Metrics
//
// Metrics cover dispatch outcomes, LLM request latency and token usage, tool
// execution, session pool occupancy, transport restarts, budget spend, and
// archive store queries. All metric names carry the switchyard_ prefix.
//
//	metrics := observability.NewMetrics()
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4", "success", 1.2, 100, 500)
//
// Useful dashboard queries:
//
//	# LLM request latency (95th percentile)
//	histogram_quantile(0.95, rate(switchyard_llm_request_duration_seconds_bucket[5m]))
//
//	# Error rate
//	rate(switchyard_errors_total[5m])
//
//	# Pool occupancy
//	switchyard_pool_sessions
//
// # Logging
//
// The Logger redacts API keys, bearer tokens, and password-like values
// before emission and pulls request/session/agent/provider correlation ids
// from the context.
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info"})
//	ctx = observability.AddRequestID(ctx, uuid.NewString())
//	logger.Info(ctx, "request dispatched", "provider", provider)
//
// # Tracing
//
// Tracing is opt-in: with no OTLP endpoint configured the Tracer is a no-op.
// Spans cover dispatch, adapter calls, tool executions, and archive queries.
// Call the returned shutdown function during graceful shutdown.
package observability
