package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/switchyard-ai/switchyard/internal/catalog"
	"github.com/switchyard-ai/switchyard/pkg/models"
)

// OpenAICompatConfig configures an adapter for any OpenAI-compatible API.
// The same adapter serves openai itself, openrouter, and lmstudio; only the
// base URL and the catalog identity differ.
type OpenAICompatConfig struct {
	// Provider is the catalog identity this adapter registers under.
	Provider     catalog.ProviderID
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// OpenAICompat adapts chat-completions APIs that speak the OpenAI wire
// format. It also serves embeddings for backends that offer them.
type OpenAICompat struct {
	client       *openai.Client
	provider     catalog.ProviderID
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

var (
	_ Adapter  = (*OpenAICompat)(nil)
	_ Embedder = (*OpenAICompat)(nil)
)

// NewOpenAICompat creates the adapter. Local backends such as lmstudio run
// without an API key; hosted ones require it.
func NewOpenAICompat(cfg OpenAICompatConfig) (*OpenAICompat, error) {
	if cfg.Provider == "" {
		cfg.Provider = catalog.ProviderOpenAI
	}
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s: API key is required", cfg.Provider)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = catalog.Default.DefaultModel(cfg.Provider)
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAICompat{
		client:       openai.NewClientWithConfig(clientConfig),
		provider:     cfg.Provider,
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

// ID reports the catalog identity.
func (p *OpenAICompat) ID() catalog.ProviderID {
	return p.provider
}

// Complete runs one chat-completion turn, retrying transient failures.
func (p *OpenAICompat) Complete(ctx context.Context, req *models.Request) (*models.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("%s: request is nil", p.provider)
	}
	model := p.model(req.Model)
	chatReq := p.buildRequest(req, model)
	started := time.Now()

	var resp openai.ChatCompletionResponse
	var err error
	for attempt := 0; ; attempt++ {
		resp, err = p.client.CreateChatCompletion(ctx, chatReq)
		if err == nil || attempt >= p.maxRetries {
			break
		}
		wrapped := p.wrapError(err, model)
		if !Retryable(wrapped) {
			return nil, wrapped
		}
		backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	return p.normalize(resp, model, started)
}

func (p *OpenAICompat) buildRequest(req *models.Request, model string) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if req.Reasoning != models.ReasoningOff {
		chatReq.ReasoningEffort = string(req.Reasoning)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(models.DedupeTools(req.Tools))
	}
	return chatReq
}

func (p *OpenAICompat) normalize(resp openai.ChatCompletionResponse, model string, started time.Time) (*models.Response, error) {
	if len(resp.Choices) == 0 {
		return nil, NewError(p.provider, model, errors.New("response has no choices"))
	}
	choice := resp.Choices[0]

	out := &models.Response{
		Text:     choice.Message.Content,
		Provider: string(p.provider),
		Model:    resp.Model,
		Usage: models.Usage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		},
		Timing: models.Timing{StartedAt: started, Duration: time.Since(started)},
	}
	if out.Model == "" {
		out.Model = model
	}
	if choice.Message.ReasoningContent != "" {
		out.Thinking = []models.ThinkingBlock{{Text: choice.Message.ReasoningContent}}
	}
	for _, tc := range choice.Message.ToolCalls {
		input := tc.Function.Arguments
		if input == "" {
			input = "{}"
		}
		out.ToolUses = append(out.ToolUses, models.ToolUse{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: []byte(input),
		})
	}

	out.FinishReason = mapOpenAIFinish(choice.FinishReason)
	if out.FinishReason == models.FinishUnknown && len(out.ToolUses) > 0 {
		out.FinishReason = models.FinishToolUse
	}
	if out.FinishReason == models.FinishError {
		out.Raw = map[string]any{"finish_reason": string(choice.FinishReason)}
	}
	return out, nil
}

// Embed serves the embeddings endpoint of the same backend.
func (p *OpenAICompat) Embed(ctx context.Context, model string, inputs []string) (*EmbedResult, error) {
	if len(inputs) == 0 {
		return nil, NewError(p.provider, model, errNoInputs)
	}
	if model == "" {
		model = "text-embedding-3-small"
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: inputs,
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	embeddings := make([][]float64, 0, len(resp.Data))
	for _, item := range resp.Data {
		vec := make([]float64, len(item.Embedding))
		for i, v := range item.Embedding {
			vec[i] = float64(v)
		}
		embeddings = append(embeddings, vec)
	}

	result := &EmbedResult{
		Embeddings: embeddings,
		Model:      string(resp.Model),
		Provider:   p.provider,
		Usage: models.Usage{
			InputTokens: int64(resp.Usage.PromptTokens),
			TotalTokens: int64(resp.Usage.TotalTokens),
		},
	}
	if len(embeddings) > 0 {
		result.Dimensions = len(embeddings[0])
	}
	if result.Model == "" {
		result.Model = model
	}
	return result, nil
}

func mapOpenAIFinish(reason openai.FinishReason) models.FinishReason {
	switch reason {
	case openai.FinishReasonStop:
		return models.FinishStop
	case openai.FinishReasonLength:
		return models.FinishMaxTokens
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return models.FinishToolUse
	case openai.FinishReasonNull, "":
		return models.FinishUnknown
	default:
		return models.FinishError
	}
}

func convertOpenAIMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			result = append(result, oaiMsg)

		case models.RoleTool:
			// One wire message per tool result.
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result
}

func convertOpenAITools(tools []models.ToolDescriptor) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		fn := &openai.FunctionDefinition{
			Name:        tool.Name,
			Description: tool.Description,
		}
		if len(tool.InputSchema) > 0 {
			fn.Parameters = tool.InputSchema
		}
		result = append(result, openai.Tool{
			Type:     openai.ToolTypeFunction,
			Function: fn,
		})
	}
	return result
}

func (p *OpenAICompat) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr := &Error{
			Provider: p.provider,
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}
		perr = perr.WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			perr = perr.WithMessage(apiErr.Message)
		}
		if apiErr.Type != "" {
			perr = perr.WithCode(apiErr.Type)
		}
		return perr
	}

	return NewError(p.provider, model, err)
}

func (p *OpenAICompat) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}
