// Package hooks implements the interceptor chains that wrap tool execution
// and message delivery. Pre-tool hooks run as an ordered fold that can allow,
// rewrite, or deny a call before it executes; post-tool and on-message hooks
// are fire-and-forget observers. A panicking hook never takes down the loop.
package hooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/switchyard-ai/switchyard/pkg/models"
)

// DefaultDenyReason is used when a pre-hook denies without giving one.
const DefaultDenyReason = "denied by hook"

// Invocation carries the identity of the tool call being intercepted.
type Invocation struct {
	Tool      string
	CallID    string
	AgentID   string
	SessionID string
}

// PreResult is the outcome of one pre-hook or of the whole pre chain.
type PreResult struct {
	Decision models.HookDecision
	// Input is the (possibly rewritten) tool input the call should proceed
	// with. Only meaningful when Decision is allow.
	Input  json.RawMessage
	Reason string
}

// Allow continues the chain with the input unchanged.
func Allow() PreResult {
	return PreResult{Decision: models.HookAllow}
}

// Modify continues the chain with a rewritten input.
func Modify(input json.RawMessage) PreResult {
	return PreResult{Decision: models.HookAllow, Input: input}
}

// Deny stops the chain. An empty reason is replaced with DefaultDenyReason.
func Deny(reason string) PreResult {
	if reason == "" {
		reason = DefaultDenyReason
	}
	return PreResult{Decision: models.HookDeny, Reason: reason}
}

// PreHook inspects a tool call before execution. Returning Modify rewrites
// the input seen by later hooks and by the handler; returning Deny stops the
// chain and the call is never executed.
type PreHook func(ctx context.Context, inv Invocation, input json.RawMessage) PreResult

// PostHook observes a completed tool call. Return values do not exist by
// construction; errors must be handled inside the hook.
type PostHook func(ctx context.Context, inv Invocation, input json.RawMessage, result models.ToolUseResult)

// MessageHook observes each message appended to the conversation.
type MessageHook func(ctx context.Context, msg models.Message)

// Chain holds the three hook lanes. The zero value and nil are both usable
// and behave as empty chains.
type Chain struct {
	mu      sync.RWMutex
	pre     []PreHook
	post    []PostHook
	message []MessageHook
	logger  *slog.Logger
}

// NewChain creates an empty chain.
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{logger: logger.With("component", "hooks")}
}

// AddPre appends pre-tool hooks in execution order.
func (c *Chain) AddPre(hooks ...PreHook) *Chain {
	c.mu.Lock()
	c.pre = append(c.pre, hooks...)
	c.mu.Unlock()
	return c
}

// AddPost appends post-tool hooks in execution order.
func (c *Chain) AddPost(hooks ...PostHook) *Chain {
	c.mu.Lock()
	c.post = append(c.post, hooks...)
	c.mu.Unlock()
	return c
}

// AddMessage appends on-message hooks in execution order.
func (c *Chain) AddMessage(hooks ...MessageHook) *Chain {
	c.mu.Lock()
	c.message = append(c.message, hooks...)
	c.mu.Unlock()
	return c
}

// RunPre folds the pre-tool lane over the input. The fold starts at
// (allow, input); each hook sees the current input and may pass it through,
// rewrite it, or deny. The first deny wins and later hooks do not run. An
// empty lane is the identity. A panicking hook is logged and skipped, which
// leaves the current input in force.
func (c *Chain) RunPre(ctx context.Context, inv Invocation, input json.RawMessage) PreResult {
	if c == nil {
		return PreResult{Decision: models.HookAllow, Input: input}
	}
	c.mu.RLock()
	lane := c.pre
	c.mu.RUnlock()

	current := input
	for i, hook := range lane {
		res, panicked := c.invokePre(ctx, hook, inv, current, i)
		if panicked {
			continue
		}
		switch res.Decision {
		case models.HookDeny:
			if res.Reason == "" {
				res.Reason = DefaultDenyReason
			}
			return res
		default:
			if res.Input != nil {
				current = res.Input
			}
		}
	}
	return PreResult{Decision: models.HookAllow, Input: current}
}

func (c *Chain) invokePre(ctx context.Context, hook PreHook, inv Invocation, input json.RawMessage, idx int) (res PreResult, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			c.logger.Warn("pre-tool hook panicked",
				"tool", inv.Tool,
				"call_id", inv.CallID,
				"hook_index", idx,
				"panic", r)
		}
	}()
	return hook(ctx, inv, input), false
}

// RunPost delivers a completed call to every post-tool hook. Panics are
// logged and swallowed; remaining hooks still run.
func (c *Chain) RunPost(ctx context.Context, inv Invocation, input json.RawMessage, result models.ToolUseResult) {
	if c == nil {
		return
	}
	c.mu.RLock()
	lane := c.post
	c.mu.RUnlock()

	for i, hook := range lane {
		c.invokePost(ctx, hook, inv, input, result, i)
	}
}

func (c *Chain) invokePost(ctx context.Context, hook PostHook, inv Invocation, input json.RawMessage, result models.ToolUseResult, idx int) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("post-tool hook panicked",
				"tool", inv.Tool,
				"call_id", inv.CallID,
				"hook_index", idx,
				"panic", r)
		}
	}()
	hook(ctx, inv, input, result)
}

// RunMessage delivers a message to every on-message hook. Panics are logged
// and swallowed.
func (c *Chain) RunMessage(ctx context.Context, msg models.Message) {
	if c == nil {
		return
	}
	c.mu.RLock()
	lane := c.message
	c.mu.RUnlock()

	for i, hook := range lane {
		c.invokeMessage(ctx, hook, msg, i)
	}
}

func (c *Chain) invokeMessage(ctx context.Context, hook MessageHook, msg models.Message, idx int) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("message hook panicked",
				"role", msg.Role,
				"hook_index", idx,
				"panic", r)
		}
	}()
	hook(ctx, msg)
}
