package toolloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/switchyard-ai/switchyard/internal/authz"
	"github.com/switchyard-ai/switchyard/internal/hooks"
	"github.com/switchyard-ai/switchyard/internal/observability"
	"github.com/switchyard-ai/switchyard/internal/provider"
	"github.com/switchyard-ai/switchyard/pkg/models"
)

const (
	DefaultMaxTurns    = 10
	DefaultToolTimeout = 30 * time.Second
)

// ErrMaxTurns is returned alongside the accumulated partial response when
// the model keeps calling tools past the turn budget.
var ErrMaxTurns = errors.New("toolloop: max turns exceeded")

// Config tunes one loop instance.
type Config struct {
	// MaxTurns bounds the number of model round-trips. Default 10.
	MaxTurns int
	// DefaultToolTimeout bounds each tool execution unless the tool
	// overrides it. Default 30s.
	DefaultToolTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.DefaultToolTimeout <= 0 {
		c.DefaultToolTimeout = DefaultToolTimeout
	}
	return c
}

// Loop executes tool-calling conversations against an adapter. Safe for
// concurrent use; all per-request state lives on the stack.
type Loop struct {
	registry *Registry
	hooks    *hooks.Chain
	filter   *authz.Filter
	logger   *slog.Logger
	metrics  *observability.Metrics
	cfg      Config
}

// New builds a loop. filter, logger, and metrics may be nil; hooks may be
// nil for a chain-free loop.
func New(registry *Registry, chain *hooks.Chain, filter *authz.Filter, logger *slog.Logger, metrics *observability.Metrics, cfg Config) *Loop {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		registry: registry,
		hooks:    chain,
		filter:   filter,
		logger:   logger.With("component", "toolloop"),
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
	}
}

// Run drives the conversation until the model stops calling tools or the
// turn budget is exhausted. On ErrMaxTurns the returned response carries
// everything accumulated so far.
func (l *Loop) Run(ctx context.Context, adapter provider.Adapter, req *models.Request) (*models.Response, error) {
	work := req.Clone()
	work.Tools = models.DedupeTools(work.Tools)
	l.preflight(ctx, &work)

	acc := &models.Response{}
	started := time.Now()

	for turn := 1; ; turn++ {
		resp, err := adapter.Complete(ctx, &work)
		if err != nil {
			return nil, err
		}
		acc.Turns = turn
		mergeTurn(acc, resp)

		if len(resp.ToolUses) == 0 {
			acc.FinishReason = resp.FinishReason
			if acc.FinishReason == models.FinishUnknown {
				acc.FinishReason = models.FinishStop
			}
			acc.Timing = models.Timing{StartedAt: started, Duration: time.Since(started)}
			return acc, nil
		}

		calls := make([]models.ToolCall, 0, len(resp.ToolUses))
		results := make([]models.ToolResult, 0, len(resp.ToolUses))
		for _, tu := range resp.ToolUses {
			processed, result := l.runTool(ctx, work, tu)
			acc.ToolUses = append(acc.ToolUses, processed)
			calls = append(calls, models.ToolCall{ID: processed.ID, Name: processed.Name, Input: processed.Input})
			if result != nil {
				results = append(results, *result)
			}
		}

		// Every call pending means nothing to feed back to the model; the
		// caller's adapter owns completion of those calls.
		if len(results) == 0 {
			acc.FinishReason = resp.FinishReason
			if acc.FinishReason == models.FinishUnknown {
				acc.FinishReason = models.FinishToolUse
			}
			acc.Timing = models.Timing{StartedAt: started, Duration: time.Since(started)}
			return acc, nil
		}

		assistant := models.Message{Role: models.RoleAssistant, Content: resp.Text, ToolCalls: calls}
		resultMsg := models.ToolResultMessage(results)
		work.Messages = append(work.Messages, assistant, resultMsg)
		l.hooks.RunMessage(ctx, assistant)
		l.hooks.RunMessage(ctx, resultMsg)

		if turn >= l.cfg.MaxTurns {
			l.logger.Warn("tool loop hit turn budget",
				"max_turns", l.cfg.MaxTurns,
				"tool_uses", len(acc.ToolUses))
			acc.FinishReason = models.FinishError
			acc.Timing = models.Timing{StartedAt: started, Duration: time.Since(started)}
			return acc, ErrMaxTurns
		}
	}
}

// preflight drops tools the agent is not authorized to execute. Without an
// agent id the filter is the identity.
func (l *Loop) preflight(ctx context.Context, req *models.Request) {
	if l.filter == nil || req.AgentID == "" || len(req.Tools) == 0 {
		return
	}
	names := make([]string, len(req.Tools))
	for i, t := range req.Tools {
		names[i] = t.Name
	}
	allowed := l.filter.Allowed(ctx, req.AgentID, names)
	allowedSet := make(map[string]bool, len(allowed))
	for _, n := range allowed {
		allowedSet[n] = true
	}
	kept := req.Tools[:0]
	for _, t := range req.Tools {
		if allowedSet[t.Name] {
			kept = append(kept, t)
		}
	}
	req.Tools = kept
}

// runTool takes one tool_use through hooks, validation, and execution. The
// returned ToolResult is nil only for pending invocations, which external
// executors complete.
func (l *Loop) runTool(ctx context.Context, req models.Request, tu models.ToolUse) (models.ToolUse, *models.ToolResult) {
	inv := hooks.Invocation{Tool: tu.Name, CallID: tu.ID, AgentID: req.AgentID, SessionID: req.SessionID}

	pre := l.hooks.RunPre(ctx, inv, tu.Input)
	if pre.Decision == models.HookDeny {
		tu.HookResult = models.HookDeny
		tu.Result = &models.ToolUseResult{
			State:   models.ToolStateErr,
			Content: fmt.Sprintf("hook_denied: %s", pre.Reason),
		}
		l.recordExecution(tu.Name, "denied", 0)
		return tu, &models.ToolResult{ToolCallID: tu.ID, Content: tu.Result.Content, IsError: true}
	}
	tu.HookResult = models.HookAllow
	if pre.Input != nil {
		tu.Input = pre.Input
	}

	tool, ok := l.registry.Get(tu.Name)
	if !ok {
		tu.Result = &models.ToolUseResult{State: models.ToolStatePending}
		return tu, nil
	}

	if err := l.registry.ValidateInput(tu.Name, tu.Input); err != nil {
		tu.Result = &models.ToolUseResult{
			State:   models.ToolStateErr,
			Content: fmt.Sprintf("invalid_input: %v", err),
		}
		l.hooks.RunPost(ctx, inv, tu.Input, *tu.Result)
		l.recordExecution(tu.Name, "invalid_input", 0)
		return tu, &models.ToolResult{ToolCallID: tu.ID, Content: tu.Result.Content, IsError: true}
	}

	startedAt := time.Now()
	content, err := l.execute(ctx, tool, tu.Input)
	elapsed := time.Since(startedAt)

	if err != nil {
		tu.Result = &models.ToolUseResult{State: models.ToolStateErr, Content: err.Error()}
		l.logger.Warn("tool execution failed", "tool", tu.Name, "call_id", tu.ID, "error", err)
		l.recordExecution(tu.Name, "error", elapsed)
	} else {
		tu.Result = &models.ToolUseResult{State: models.ToolStateOK, Content: content}
		l.recordExecution(tu.Name, "success", elapsed)
	}

	l.hooks.RunPost(ctx, inv, tu.Input, *tu.Result)
	return tu, &models.ToolResult{
		ToolCallID: tu.ID,
		Content:    tu.Result.Content,
		IsError:    tu.Result.State == models.ToolStateErr,
	}
}

// execute runs the handler under the per-tool timeout, recovering panics.
// The goroutine may outlive a timed-out call; the buffered channel keeps it
// from leaking.
func (l *Loop) execute(ctx context.Context, tool Tool, input json.RawMessage) (string, error) {
	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = l.cfg.DefaultToolTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		content string
		err     error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		content, err := tool.Handler(execCtx, input)
		resultCh <- outcome{content: content, err: err}
	}()

	select {
	case out := <-resultCh:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && execCtx.Err() != nil {
			return "", fmt.Errorf("timeout: execution exceeded %s", timeout)
		}
		return out.content, out.err
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("timeout: execution exceeded %s", timeout)
		}
		return "", execCtx.Err()
	}
}

func (l *Loop) recordExecution(name, status string, elapsed time.Duration) {
	if l.metrics == nil {
		return
	}
	l.metrics.RecordToolExecution(name, status, elapsed.Seconds())
}

// mergeTurn folds one model turn into the accumulated response. Text from
// later turns is separated by a newline; identity fields track the latest
// turn.
func mergeTurn(acc, resp *models.Response) {
	if resp.Text != "" {
		if acc.Text != "" {
			acc.Text += "\n"
		}
		acc.Text += resp.Text
	}
	acc.Thinking = append(acc.Thinking, resp.Thinking...)
	acc.Usage.Add(resp.Usage)
	if resp.SessionID != "" {
		acc.SessionID = resp.SessionID
	}
	if resp.Model != "" {
		acc.Model = resp.Model
	}
	if resp.Provider != "" {
		acc.Provider = resp.Provider
	}
	if resp.Raw != nil {
		acc.Raw = resp.Raw
	}
}
