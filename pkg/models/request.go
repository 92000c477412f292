package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ReasoningEffort selects how much extended-thinking budget a provider
// should spend on a request. Providers that do not support reasoning
// silently ignore it.
type ReasoningEffort string

const (
	ReasoningOff    ReasoningEffort = ""
	ReasoningLow    ReasoningEffort = "low"
	ReasoningMedium ReasoningEffort = "medium"
	ReasoningHigh   ReasoningEffort = "high"
)

// ToolDescriptor declares a tool the model may call during a request.
// Name must be unique within one request; when callers pass duplicates the
// last descriptor wins. Handler names a registered local handler; an empty
// Handler marks the tool as externally executed, so its invocations come
// back in the pending state.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Handler     string          `json:"handler,omitempty"`
}

// Request is a single completion request as submitted by a caller. Requests
// are value types and must not be mutated after submission; the tool loop
// derives continuation requests by copying.
type Request struct {
	Provider        string           `json:"provider,omitempty"`
	Model           string           `json:"model,omitempty"`
	System          string           `json:"system,omitempty"`
	Messages        []Message        `json:"messages"`
	Tools           []ToolDescriptor `json:"tools,omitempty"`
	MaxTokens       int              `json:"max_tokens,omitempty"`
	Temperature     *float64         `json:"temperature,omitempty"`
	Reasoning       ReasoningEffort  `json:"reasoning,omitempty"`
	SessionID       string           `json:"session_id,omitempty"`
	AgentID         string           `json:"agent_id,omitempty"`
	ProviderOptions map[string]any   `json:"provider_options,omitempty"`
}

// ErrNoMessages is returned when a request carries no conversation turns.
var ErrNoMessages = errors.New("request has no messages")

// Validate checks structural requirements that hold for every provider.
func (r *Request) Validate() error {
	if len(r.Messages) == 0 {
		return ErrNoMessages
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		default:
			return fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
	}
	return nil
}

// DedupeTools resolves duplicate tool names with last-wins semantics while
// preserving the position of each name's first appearance.
func DedupeTools(tools []ToolDescriptor) []ToolDescriptor {
	if len(tools) == 0 {
		return nil
	}
	index := make(map[string]int, len(tools))
	out := make([]ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		if at, ok := index[t.Name]; ok {
			out[at] = t
			continue
		}
		index[t.Name] = len(out)
		out = append(out, t)
	}
	return out
}

// Clone returns a deep-enough copy for continuation turns: the message
// slice is fresh so appends never alias the caller's request.
func (r Request) Clone() Request {
	out := r
	out.Messages = make([]Message, len(r.Messages))
	copy(out.Messages, r.Messages)
	if r.Tools != nil {
		out.Tools = make([]ToolDescriptor, len(r.Tools))
		copy(out.Tools, r.Tools)
	}
	return out
}
