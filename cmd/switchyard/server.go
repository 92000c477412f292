package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/switchyard-ai/switchyard/internal/dispatch"
	"github.com/switchyard-ai/switchyard/pkg/models"
)

// adminServer is the gateway's HTTP surface: dispatch and embeddings under
// /v1, plus health, metrics, and the accounting read endpoints.
type adminServer struct {
	app    *app
	logger *slog.Logger
	srv    *http.Server
	start  time.Time
}

func newAdminServer(a *app, addr string, logger *slog.Logger) *adminServer {
	s := &adminServer{
		app:    a,
		logger: logger.With("component", "http"),
		start:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/generate", s.handleGenerate)
	mux.HandleFunc("/v1/agent/generate", s.handleAgentGenerate)
	mux.HandleFunc("/v1/embeddings", s.handleEmbeddings)
	mux.HandleFunc("/v1/stats", s.handleStats)
	mux.HandleFunc("/v1/budget", s.handleBudget)
	mux.HandleFunc("/v1/pool", s.handlePool)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start blocks until the listener fails or Stop is called.
func (s *adminServer) Start() error {
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *adminServer) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *adminServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        version,
		"uptime_seconds": int64(time.Since(s.start).Seconds()),
		"providers":      s.app.providers.IDs(),
	})
}

// generateRequest is the wire form of one dispatch call.
type generateRequest struct {
	Prompt      string                  `json:"prompt"`
	Provider    string                  `json:"provider,omitempty"`
	Model       string                  `json:"model,omitempty"`
	System      string                  `json:"system,omitempty"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	Temperature *float64                `json:"temperature,omitempty"`
	Thinking    models.ReasoningEffort  `json:"thinking,omitempty"`
	Tools       []models.ToolDescriptor `json:"tools,omitempty"`
	AgentID     string                  `json:"agent_id,omitempty"`
	TraceID     string                  `json:"trace_id,omitempty"`
	TimeoutMS   int64                   `json:"timeout_ms,omitempty"`
}

func (g generateRequest) options() dispatch.Options {
	return dispatch.Options{
		Provider:    g.Provider,
		Model:       g.Model,
		System:      g.System,
		MaxTokens:   g.MaxTokens,
		Temperature: g.Temperature,
		Thinking:    g.Thinking,
		Tools:       g.Tools,
		AgentID:     g.AgentID,
		TraceID:     g.TraceID,
		Timeout:     time.Duration(g.TimeoutMS) * time.Millisecond,
	}
}

func (s *adminServer) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_request", err.Error()))
		return
	}

	var (
		resp *models.Response
		err  error
	)
	if len(req.Tools) > 0 {
		resp, err = s.app.dispatcher.GenerateWithTools(r.Context(), req.Prompt, req.options())
	} else {
		resp, err = s.app.dispatcher.Generate(r.Context(), req.Prompt, req.options())
	}
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAgentGenerate is the capability-gated entry. A pending authorization
// returns 202 with the proposal id instead of a response.
func (s *adminServer) handleAgentGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_request", err.Error()))
		return
	}
	if req.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_request", "agent_id is required"))
		return
	}

	result, err := s.app.dispatcher.AuthorizedGenerate(r.Context(), req.AgentID, req.Prompt, req.options())
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	if result.Pending() {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":      "pending",
			"proposal_id": result.ProposalID,
		})
		return
	}
	writeJSON(w, http.StatusOK, result.Response)
}

type embeddingsRequest struct {
	Input []string `json:"input"`
}

func (s *adminServer) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req embeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_request", err.Error()))
		return
	}
	res, err := s.app.embeddings.EmbedBatch(r.Context(), req.Input)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorBody("embedding_failed", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *adminServer) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.app.tracker.Snapshot()
	entries := make([]any, 0, len(snap.Entries))
	keys := make([]string, 0, len(snap.Entries))
	byKey := make(map[string]any, len(snap.Entries))
	for k, e := range snap.Entries {
		id := string(k.Provider) + ":" + k.Model
		keys = append(keys, id)
		byKey[id] = e
	}
	sort.Strings(keys)
	for _, id := range keys {
		entries = append(entries, byKey[id])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"ranking": s.app.tracker.ReliabilityRanking(),
	})
}

func (s *adminServer) handleBudget(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.spend.GetStatus())
}

func (s *adminServer) handlePool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.pool.Status())
}

// writeDispatchError maps the dispatch error taxonomy onto HTTP status
// codes. Unknown errors are internal.
func (s *adminServer) writeDispatchError(w http.ResponseWriter, err error) {
	var de *dispatch.Error
	if !errors.As(err, &de) {
		s.logger.Error("dispatch failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal", err.Error()))
		return
	}

	status := http.StatusBadGateway
	switch de.Kind {
	case dispatch.KindInvalidRequest, dispatch.KindUnknownProvider, dispatch.KindUnknownModel:
		status = http.StatusBadRequest
	case dispatch.KindUnauthorized, dispatch.KindPermissionDenied, dispatch.KindHookDenied:
		status = http.StatusForbidden
	case dispatch.KindBudgetExceeded:
		status = http.StatusTooManyRequests
	case dispatch.KindPoolExhausted, dispatch.KindAdapterUnavailable, dispatch.KindCLINotFound:
		status = http.StatusServiceUnavailable
	case dispatch.KindTimeout:
		status = http.StatusGatewayTimeout
	case dispatch.KindCanceled:
		// 499 in nginx convention; the stdlib has no constant for it.
		status = 499
	}
	writeJSON(w, status, errorBody(string(de.Kind), de.Error()))
}

func errorBody(kind, message string) map[string]any {
	return map[string]any{
		"error": map[string]string{
			"kind":    kind,
			"message": message,
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if err := enc.Encode(payload); err != nil {
		// Best-effort: the client may have disconnected.
		return
	}
}
