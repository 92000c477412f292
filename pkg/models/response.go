package models

import (
	"encoding/json"
	"time"
)

// FinishReason is the normalized reason a provider stopped generating.
// Adapters map provider-native values into this closed set; anything
// unrecognized maps to FinishError with detail preserved in Response.Raw.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishMaxTokens FinishReason = "max_tokens"
	FinishToolUse   FinishReason = "tool_use"
	FinishError     FinishReason = "error"
	// FinishUnknown is the zero value: the provider reported no reason,
	// for example on a mid-stream snapshot.
	FinishUnknown FinishReason = ""
)

// HookDecision records what the pre-tool hook chain decided for a call.
type HookDecision string

const (
	HookAllow HookDecision = "allow"
	HookDeny  HookDecision = "deny"
)

// ToolState is the execution state of one tool invocation.
type ToolState string

const (
	// ToolStateOK means the handler ran and returned content.
	ToolStateOK ToolState = "ok"
	// ToolStateErr means the handler failed, timed out, panicked, or the
	// call was denied before execution.
	ToolStateErr ToolState = "err"
	// ToolStatePending means no local handler is registered; execution is
	// deferred to an external executor.
	ToolStatePending ToolState = "pending"
)

// ToolUseResult is the outcome attached to a ToolUse after the loop kernel
// has processed it.
type ToolUseResult struct {
	State   ToolState `json:"state"`
	Content string    `json:"content,omitempty"`
}

// ToolUse is one normalized tool invocation from a model turn. ID is the
// primary key for matching results; result events without a matching ID are
// dropped.
type ToolUse struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
	HookResult HookDecision    `json:"hook_result,omitempty"`
	Result     *ToolUseResult  `json:"result,omitempty"`
}

// ThinkingBlock is one extended-thinking segment. Signature carries the
// provider's integrity token when present; it must round-trip untouched on
// continuation turns.
type ThinkingBlock struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

// Timing captures wall-clock measurements for one request.
type Timing struct {
	StartedAt  time.Time     `json:"started_at,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	FirstToken time.Duration `json:"first_token,omitempty"`
}

// Response is the normalized result of one completion request, regardless
// of which adapter produced it.
type Response struct {
	Text         string          `json:"text,omitempty"`
	Thinking     []ThinkingBlock `json:"thinking,omitempty"`
	ToolUses     []ToolUse       `json:"tool_uses,omitempty"`
	Usage        Usage           `json:"usage"`
	SessionID    string          `json:"session_id,omitempty"`
	Model        string          `json:"model,omitempty"`
	Provider     string          `json:"provider,omitempty"`
	FinishReason FinishReason    `json:"finish_reason,omitempty"`
	// Turns counts the model round-trips it took to produce this response;
	// 1 for a plain completion, more when the tool loop iterated.
	Turns  int    `json:"turns,omitempty"`
	Timing Timing `json:"timing"`
	// Raw preserves provider-specific detail that the normalized fields
	// cannot express, such as unmapped stop reasons.
	Raw map[string]any `json:"raw,omitempty"`
}

// HasToolUses reports whether the model asked for at least one tool call.
func (r *Response) HasToolUses() bool {
	return len(r.ToolUses) > 0
}

// PendingToolUses returns the invocations deferred to external executors.
func (r *Response) PendingToolUses() []ToolUse {
	var out []ToolUse
	for _, tu := range r.ToolUses {
		if tu.Result != nil && tu.Result.State == ToolStatePending {
			out = append(out, tu)
		}
	}
	return out
}
