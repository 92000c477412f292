// Package streamparse turns decoded subprocess stream events into an
// accumulated assistant turn. One Parser belongs to one transport; it is
// not safe for concurrent use.
package streamparse

import (
	"encoding/json"
	"strings"

	"github.com/switchyard-ai/switchyard/pkg/models"
)

// Event is the envelope for one NDJSON line on the subprocess stdout.
// Unknown fields are ignored so protocol additions do not break parsing.
type Event struct {
	Type         string        `json:"type"`
	Subtype      string        `json:"subtype,omitempty"`
	Message      *EventMessage `json:"message,omitempty"`
	Event        *InnerEvent   `json:"event,omitempty"`
	Usage        *EventUsage   `json:"usage,omitempty"`
	SessionID    string        `json:"session_id,omitempty"`
	DurationMS   int64         `json:"duration_ms,omitempty"`
	TotalCostUSD float64       `json:"total_cost_usd,omitempty"`
	IsError      bool          `json:"is_error,omitempty"`
}

// EventMessage is the message body of assistant and user events.
type EventMessage struct {
	Role    string            `json:"role,omitempty"`
	Model   string            `json:"model,omitempty"`
	Content []json.RawMessage `json:"content,omitempty"`
	IsError bool              `json:"is_error,omitempty"`
}

// InnerEvent is the payload of stream_event envelopes. Only the type is
// inspected; everything else passes through untouched.
type InnerEvent struct {
	Type string `json:"type"`
}

// EventUsage matches the token accounting shape of result events.
type EventUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

// blockProbe extracts just enough of a content block to switch on its type.
type blockProbe struct {
	Type string `json:"type"`
}

type textBlock struct {
	Text string `json:"text"`
}

type thinkingBlock struct {
	Thinking  string `json:"thinking"`
	Signature string `json:"signature,omitempty"`
}

type toolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

type toolResultBlock struct {
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Turn is the finalized snapshot of one assistant turn.
type Turn struct {
	Text       string
	Thinking   []models.ThinkingBlock
	ToolUses   []models.ToolUse
	Usage      models.Usage
	SessionID  string
	Model      string
	DurationMS int64
	CostUSD    float64
	ResultSeen bool
}

// Parser accumulates one assistant turn from a stream of events. Malformed
// inner structures are dropped rather than surfaced; the transport owns the
// decode of the outer envelope.
type Parser struct {
	text      strings.Builder
	thinking  []models.ThinkingBlock
	open      *models.ThinkingBlock
	toolUses  []models.ToolUse
	usage     models.Usage
	sessionID string
	model     string
	duration  int64
	costUSD   float64
	result    bool
}

// New returns an empty parser ready for the first event.
func New() *Parser {
	return &Parser{}
}

// Feed consumes one decoded event and updates the accumulators.
func (p *Parser) Feed(ev Event) {
	switch ev.Type {
	case "assistant":
		p.feedAssistant(ev.Message)
	case "user":
		p.feedUser(ev.Message)
	case "stream_event":
		if ev.Event != nil && ev.Event.Type == "content_block_stop" {
			p.sealThinking()
		}
	case "result":
		p.feedResult(ev)
	}
}

func (p *Parser) feedAssistant(msg *EventMessage) {
	if msg == nil {
		return
	}
	if msg.Model != "" {
		p.model = msg.Model
	}
	for _, raw := range msg.Content {
		var probe blockProbe
		if err := json.Unmarshal(raw, &probe); err != nil {
			continue
		}
		switch probe.Type {
		case "text":
			var b textBlock
			if err := json.Unmarshal(raw, &b); err == nil {
				p.text.WriteString(b.Text)
			}
		case "thinking":
			var b thinkingBlock
			if err := json.Unmarshal(raw, &b); err != nil {
				continue
			}
			if p.open == nil {
				p.open = &models.ThinkingBlock{}
			}
			p.open.Text += b.Thinking
			if b.Signature != "" {
				p.open.Signature = b.Signature
			}
		case "tool_use":
			var b toolUseBlock
			if err := json.Unmarshal(raw, &b); err != nil {
				continue
			}
			p.toolUses = append(p.toolUses, models.ToolUse{
				ID:    b.ID,
				Name:  b.Name,
				Input: b.Input,
			})
		}
	}
}

// feedUser attaches tool results to previously seen tool_use blocks.
// Results without a matching id are dropped.
func (p *Parser) feedUser(msg *EventMessage) {
	if msg == nil {
		return
	}
	for _, raw := range msg.Content {
		var probe blockProbe
		if err := json.Unmarshal(raw, &probe); err != nil || probe.Type != "tool_result" {
			continue
		}
		var b toolResultBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			continue
		}
		for i := range p.toolUses {
			if p.toolUses[i].ID != b.ToolUseID {
				continue
			}
			state := models.ToolStateOK
			if b.IsError || msg.IsError {
				state = models.ToolStateErr
			}
			p.toolUses[i].Result = &models.ToolUseResult{
				State:   state,
				Content: resultContent(b.Content),
			}
			break
		}
	}
}

func (p *Parser) feedResult(ev Event) {
	p.result = true
	if ev.Usage != nil {
		p.usage = models.Usage{
			InputTokens:         ev.Usage.InputTokens,
			OutputTokens:        ev.Usage.OutputTokens,
			CacheReadTokens:     ev.Usage.CacheReadInputTokens,
			CacheCreationTokens: ev.Usage.CacheCreationInputTokens,
		}
		p.usage.TotalTokens = p.usage.InputTokens + p.usage.OutputTokens
	}
	if ev.SessionID != "" {
		p.sessionID = ev.SessionID
	}
	if ev.DurationMS > 0 {
		p.duration = ev.DurationMS
	}
	if ev.TotalCostUSD > 0 {
		p.costUSD = ev.TotalCostUSD
		p.usage.CostUSD = ev.TotalCostUSD
	}
}

// sealThinking closes the open thinking block, if any, and appends it to
// the finished list. Empty blocks are discarded.
func (p *Parser) sealThinking() {
	if p.open == nil {
		return
	}
	if p.open.Text != "" || p.open.Signature != "" {
		p.thinking = append(p.thinking, *p.open)
	}
	p.open = nil
}

// SessionID returns the latest session id reported by a result event, or ""
// if none has arrived yet.
func (p *Parser) SessionID() string {
	return p.sessionID
}

// ResultSeen reports whether a result event has arrived for this turn.
func (p *Parser) ResultSeen() bool {
	return p.result
}

// HasThinking reports whether any sealed thinking blocks have accumulated
// this turn.
func (p *Parser) HasThinking() bool {
	return len(p.thinking) > 0
}

// Finalize seals any open thinking block and returns the accumulated turn.
// The parser keeps its state; call Reset to start the next turn.
func (p *Parser) Finalize() Turn {
	p.sealThinking()
	return Turn{
		Text:       p.text.String(),
		Thinking:   append([]models.ThinkingBlock(nil), p.thinking...),
		ToolUses:   append([]models.ToolUse(nil), p.toolUses...),
		Usage:      p.usage,
		SessionID:  p.sessionID,
		Model:      p.model,
		DurationMS: p.duration,
		CostUSD:    p.costUSD,
		ResultSeen: p.result,
	}
}

// Reset clears all accumulators for a new turn. The session id survives the
// reset because it identifies the worker, not the turn.
func (p *Parser) Reset() {
	sid := p.sessionID
	*p = Parser{sessionID: sid}
}

// resultContent renders a tool_result content value as text. The protocol
// allows a plain string or a list of {type:"text",text} blocks.
func resultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []json.RawMessage
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var sb strings.Builder
	for _, b := range blocks {
		var t textBlock
		if err := json.Unmarshal(b, &t); err == nil && t.Text != "" {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}
