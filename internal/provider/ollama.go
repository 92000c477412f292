package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/switchyard-ai/switchyard/internal/catalog"
	"github.com/switchyard-ai/switchyard/pkg/models"
)

const (
	defaultOllamaBaseURL = "http://localhost:11434"
	defaultOllamaTimeout = 2 * time.Minute
)

// OllamaConfig configures the local Ollama adapter.
type OllamaConfig struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// Ollama speaks the local Ollama HTTP API. There is no official Go client,
// so the wire types live here.
type Ollama struct {
	baseURL      string
	defaultModel string
	httpClient   *http.Client
}

var (
	_ Adapter  = (*Ollama)(nil)
	_ Embedder = (*Ollama)(nil)
)

// NewOllama creates the adapter. No API key is needed for a local daemon.
func NewOllama(cfg OllamaConfig) *Ollama {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultOllamaTimeout
	}
	return &Ollama{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		defaultModel: cfg.DefaultModel,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

// ID reports the catalog identity.
func (p *Ollama) ID() catalog.ProviderID {
	return catalog.ProviderOllama
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []ollamaTool        `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaToolCallFunction `json:"function"`
}

type ollamaToolCallFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ollamaChatResponse struct {
	Model           string            `json:"model"`
	Message         ollamaChatMessage `json:"message"`
	Done            bool              `json:"done"`
	DoneReason      string            `json:"done_reason"`
	Error           string            `json:"error"`
	PromptEvalCount int64             `json:"prompt_eval_count"`
	EvalCount       int64             `json:"eval_count"`
}

// Complete runs one non-streaming chat turn against the local daemon.
func (p *Ollama) Complete(ctx context.Context, req *models.Request) (*models.Response, error) {
	if req == nil {
		return nil, errors.New("ollama: request is nil")
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return nil, NewError(catalog.ProviderOllama, "", errors.New("no model configured"))
	}
	started := time.Now()

	body := ollamaChatRequest{
		Model:    model,
		Messages: convertOllamaMessages(req.Messages, req.System),
		Stream:   false,
	}
	if len(req.Tools) > 0 {
		body.Tools = convertOllamaTools(models.DedupeTools(req.Tools))
	}
	options := map[string]any{}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if len(options) > 0 {
		body.Options = options
	}

	var chatResp ollamaChatResponse
	if err := p.post(ctx, "/api/chat", body, &chatResp); err != nil {
		return nil, p.wrapError(err, model)
	}
	if chatResp.Error != "" {
		return nil, NewError(catalog.ProviderOllama, model, errors.New(chatResp.Error))
	}

	out := &models.Response{
		Text:     chatResp.Message.Content,
		Provider: string(catalog.ProviderOllama),
		Model:    model,
		Timing:   models.Timing{StartedAt: started, Duration: time.Since(started)},
		Usage: models.Usage{
			InputTokens:  chatResp.PromptEvalCount,
			OutputTokens: chatResp.EvalCount,
		},
	}
	for i, tc := range chatResp.Message.ToolCalls {
		args := tc.Function.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		out.ToolUses = append(out.ToolUses, models.ToolUse{
			ID:    fmt.Sprintf("call_%s_%d_%d", tc.Function.Name, time.Now().UnixNano(), i),
			Name:  tc.Function.Name,
			Input: args,
		})
	}

	if len(out.ToolUses) > 0 {
		out.FinishReason = models.FinishToolUse
	} else {
		switch chatResp.DoneReason {
		case "stop", "":
			out.FinishReason = models.FinishStop
		case "length":
			out.FinishReason = models.FinishMaxTokens
		default:
			out.FinishReason = models.FinishError
			out.Raw = map[string]any{"done_reason": chatResp.DoneReason}
		}
	}
	return out, nil
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Model           string      `json:"model"`
	Embeddings      [][]float64 `json:"embeddings"`
	Error           string      `json:"error"`
	PromptEvalCount int64       `json:"prompt_eval_count"`
}

// Embed calls the daemon's batch embedding endpoint.
func (p *Ollama) Embed(ctx context.Context, model string, inputs []string) (*EmbedResult, error) {
	if len(inputs) == 0 {
		return nil, NewError(catalog.ProviderOllama, model, errNoInputs)
	}
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return nil, NewError(catalog.ProviderOllama, "", errors.New("no model configured"))
	}

	var embedResp ollamaEmbedResponse
	if err := p.post(ctx, "/api/embed", ollamaEmbedRequest{Model: model, Input: inputs}, &embedResp); err != nil {
		return nil, p.wrapError(err, model)
	}
	if embedResp.Error != "" {
		return nil, NewError(catalog.ProviderOllama, model, errors.New(embedResp.Error))
	}
	if len(embedResp.Embeddings) == 0 {
		return nil, NewError(catalog.ProviderOllama, model, errors.New("response has no embeddings"))
	}

	result := &EmbedResult{
		Embeddings: embedResp.Embeddings,
		Model:      model,
		Provider:   catalog.ProviderOllama,
		Usage:      models.Usage{InputTokens: embedResp.PromptEvalCount},
		Dimensions: len(embedResp.Embeddings[0]),
	}
	if embedResp.Model != "" {
		result.Model = embedResp.Model
	}
	return result, nil
}

func (p *Ollama) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 8<<10))
		return &Error{
			Provider: catalog.ProviderOllama,
			Status:   httpResp.StatusCode,
			Message:  strings.TrimSpace(string(snippet)),
			Reason:   classifyStatus(httpResp.StatusCode),
		}
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (p *Ollama) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if perr, ok := AsError(err); ok {
		if perr.Model == "" {
			perr.Model = model
		}
		return perr
	}
	return NewError(catalog.ProviderOllama, model, err)
}

func convertOllamaMessages(messages []models.Message, system string) []ollamaChatMessage {
	var result []ollamaChatMessage
	if system != "" {
		result = append(result, ollamaChatMessage{Role: "system", Content: system})
	}
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			out := ollamaChatMessage{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, ollamaToolCall{
					Function: ollamaToolCallFunction{Name: tc.Name, Arguments: tc.Input},
				})
			}
			result = append(result, out)
		case models.RoleTool:
			// One wire message per tool result.
			for _, tr := range msg.ToolResults {
				result = append(result, ollamaChatMessage{
					Role:     "tool",
					Content:  tr.Content,
					ToolName: toolNameForCallID(tr.ToolCallID, messages),
				})
			}
		case models.RoleSystem:
			result = append(result, ollamaChatMessage{Role: "system", Content: msg.Content})
		default:
			result = append(result, ollamaChatMessage{Role: "user", Content: msg.Content})
		}
	}
	return result
}

func convertOllamaTools(tools []models.ToolDescriptor) []ollamaTool {
	result := make([]ollamaTool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, ollamaTool{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return result
}
