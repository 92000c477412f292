package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/switchyard-ai/switchyard/internal/catalog"
	"github.com/switchyard-ai/switchyard/pkg/models"
)

// maxEmptyStreamEvents bounds consecutive no-op events before the stream is
// treated as malformed.
const maxEmptyStreamEvents = 300

// Thinking budgets in tokens for each reasoning effort. The API rejects
// budgets under 1024.
const (
	thinkingBudgetLow    = 2048
	thinkingBudgetMedium = 10000
	thinkingBudgetHigh   = 32000
)

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// Anthropic adapts the Messages API. Responses are accumulated from the
// SSE stream so thinking signatures and tool-use input arrive intact.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

var _ Adapter = (*Anthropic)(nil)

// NewAnthropic creates the adapter. The API key is required.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = catalog.Default.DefaultModel(catalog.ProviderAnthropic)
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

// ID reports the catalog identity.
func (p *Anthropic) ID() catalog.ProviderID {
	return catalog.ProviderAnthropic
}

// Complete runs one model turn, retrying transient failures with
// exponential backoff.
func (p *Anthropic) Complete(ctx context.Context, req *models.Request) (*models.Response, error) {
	if req == nil {
		return nil, errors.New("anthropic: request is nil")
	}
	model := p.model(req.Model)
	started := time.Now()

	var resp *models.Response
	var err error
	for attempt := 0; ; attempt++ {
		resp, err = p.once(ctx, req, model, started)
		if err == nil || attempt >= p.maxRetries || !Retryable(err) {
			break
		}
		backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	if err != nil {
		return nil, err
	}
	resp.Provider = string(catalog.ProviderAnthropic)
	if resp.Model == "" {
		resp.Model = model
	}
	resp.Timing.StartedAt = started
	resp.Timing.Duration = time.Since(started)
	return resp, nil
}

func (p *Anthropic) once(ctx context.Context, req *models.Request, model string, started time.Time) (*models.Response, error) {
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, err
	}
	stream := p.client.Messages.NewStreaming(ctx, params)
	return p.consume(stream, model, started)
}

func (p *Anthropic) buildParams(req *models.Request, model string) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, NewError(catalog.ProviderAnthropic, model, err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(models.DedupeTools(req.Tools))
		if err != nil {
			return anthropic.MessageNewParams{}, NewError(catalog.ProviderAnthropic, model, err)
		}
		params.Tools = tools
	}
	if budget := thinkingBudget(req.Reasoning); budget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	return params, nil
}

func thinkingBudget(effort models.ReasoningEffort) int64 {
	switch effort {
	case models.ReasoningLow:
		return thinkingBudgetLow
	case models.ReasoningMedium:
		return thinkingBudgetMedium
	case models.ReasoningHigh:
		return thinkingBudgetHigh
	default:
		return 0
	}
}

// consume accumulates one assistant turn from the event stream. Thinking
// signatures round-trip verbatim; tool-use input JSON is assembled from
// partial deltas and sealed on content_block_stop.
func (p *Anthropic) consume(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], model string, started time.Time) (*models.Response, error) {
	out := &models.Response{}
	var text strings.Builder
	var curThinking *models.ThinkingBlock
	var curTool *models.ToolUse
	var toolInput strings.Builder
	stopReason := ""
	emptyEvents := 0
	done := false

	for !done && stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			out.Usage.InputTokens = ms.Message.Usage.InputTokens
			out.Usage.CacheReadTokens = ms.Message.Usage.CacheReadInputTokens
			out.Usage.CacheCreationTokens = ms.Message.Usage.CacheCreationInputTokens
			if ms.Message.Model != "" {
				out.Model = string(ms.Message.Model)
			}
			processed = true

		case "content_block_start":
			cbs := event.AsContentBlockStart()
			switch cbs.ContentBlock.Type {
			case "thinking":
				curThinking = &models.ThinkingBlock{}
				processed = true
			case "tool_use":
				tu := cbs.ContentBlock.AsToolUse()
				curTool = &models.ToolUse{ID: tu.ID, Name: tu.Name}
				toolInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if text.Len() == 0 && out.Timing.FirstToken == 0 {
						out.Timing.FirstToken = time.Since(started)
					}
					text.WriteString(delta.Text)
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" && curThinking != nil {
					curThinking.Text += delta.Thinking
					processed = true
				}
			case "signature_delta":
				if delta.Signature != "" && curThinking != nil {
					curThinking.Signature += delta.Signature
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if curThinking != nil {
				out.Thinking = append(out.Thinking, *curThinking)
				curThinking = nil
				processed = true
			} else if curTool != nil {
				input := toolInput.String()
				if input == "" {
					input = "{}"
				}
				curTool.Input = json.RawMessage(input)
				out.ToolUses = append(out.ToolUses, *curTool)
				curTool = nil
				processed = true
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				out.Usage.OutputTokens = md.Usage.OutputTokens
			}
			if md.Delta.StopReason != "" {
				stopReason = string(md.Delta.StopReason)
			}
			processed = true

		case "message_stop":
			done = true
			processed = true

		case "error":
			return nil, p.wrapError(errors.New("anthropic stream error"), model)
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				return nil, p.wrapError(
					fmt.Errorf("stream appears malformed: %d consecutive empty events", emptyEvents), model)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, p.wrapError(err, model)
	}

	out.Text = text.String()
	out.FinishReason = mapAnthropicStop(stopReason)
	if out.FinishReason == models.FinishUnknown && len(out.ToolUses) > 0 {
		out.FinishReason = models.FinishToolUse
	}
	if out.FinishReason == models.FinishError {
		out.Raw = map[string]any{"stop_reason": stopReason}
	}
	return out, nil
}

func mapAnthropicStop(reason string) models.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return models.FinishStop
	case "max_tokens":
		return models.FinishMaxTokens
	case "tool_use":
		return models.FinishToolUse
	case "":
		return models.FinishUnknown
	default:
		return models.FinishError
	}
}

func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		// System content rides in params.System, not the transcript.
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool turns are both user-side in this API.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []models.ToolDescriptor) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
			}
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Anthropic) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		perr := &Error{
			Provider: catalog.ProviderAnthropic,
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}
		perr = perr.WithStatus(apiErr.StatusCode)

		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					perr = perr.WithMessage(payload.Error.Message)
				}
				if payload.Error.Type != "" {
					perr = perr.WithCode(payload.Error.Type)
				}
			}
		}
		if perr.Message == "" {
			perr.Message = "anthropic request failed"
		}
		return perr
	}

	return NewError(catalog.ProviderAnthropic, model, err)
}

func (p *Anthropic) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}
