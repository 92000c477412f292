package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/switchyard-ai/switchyard/internal/catalog"
	"github.com/switchyard-ai/switchyard/pkg/models"
)

// defaultGeminiEmbedModel is used when an embed call names no model.
const defaultGeminiEmbedModel = "text-embedding-004"

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	APIKey       string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// Gemini adapts the Gemini API for completions and embeddings.
type Gemini struct {
	client       *genai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

var (
	_ Adapter  = (*Gemini)(nil)
	_ Embedder = (*Gemini)(nil)
)

// NewGemini creates the adapter. The API key is required.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = catalog.Default.DefaultModel(catalog.ProviderGemini)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}

	return &Gemini{
		client:       client,
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

// ID reports the catalog identity.
func (p *Gemini) ID() catalog.ProviderID {
	return catalog.ProviderGemini
}

// Complete runs one model turn, retrying transient failures.
func (p *Gemini) Complete(ctx context.Context, req *models.Request) (*models.Response, error) {
	if req == nil {
		return nil, errors.New("gemini: request is nil")
	}
	model := p.model(req.Model)
	contents := convertGeminiMessages(req.Messages)
	config := p.buildConfig(req)
	started := time.Now()

	var resp *genai.GenerateContentResponse
	var err error
	for attempt := 0; ; attempt++ {
		resp, err = p.client.Models.GenerateContent(ctx, model, contents, config)
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

func (p *Gemini) buildConfig(req *models.Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		config.MaxOutputTokens = int32(maxTokens)
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if budget := thinkingBudget(req.Reasoning); budget > 0 {
		budget32 := int32(budget)
		config.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  &budget32,
		}
	}
	if len(req.Tools) > 0 {
		config.Tools = convertGeminiTools(models.DedupeTools(req.Tools))
	}
	return config
}

func (p *Gemini) normalize(resp *genai.GenerateContentResponse, model string, started time.Time) (*models.Response, error) {
	out := &models.Response{
		Provider: string(catalog.ProviderGemini),
		Model:    model,
		Timing:   models.Timing{StartedAt: started, Duration: time.Since(started)},
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, NewError(catalog.ProviderGemini, model, errors.New("response has no candidates"))
	}
	if resp.UsageMetadata != nil {
		out.Usage.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		out.Usage.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}

	candidate := resp.Candidates[0]
	var text strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				if part.Thought {
					block := models.ThinkingBlock{Text: part.Text}
					if len(part.ThoughtSignature) > 0 {
						block.Signature = base64.StdEncoding.EncodeToString(part.ThoughtSignature)
					}
					out.Thinking = append(out.Thinking, block)
				} else {
					text.WriteString(part.Text)
				}
			}
			if part.FunctionCall != nil {
				args, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					args = []byte("{}")
				}
				id := part.FunctionCall.ID
				if id == "" {
					id = fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, time.Now().UnixNano())
				}
				out.ToolUses = append(out.ToolUses, models.ToolUse{
					ID:    id,
					Name:  part.FunctionCall.Name,
					Input: args,
				})
			}
		}
	}
	out.Text = text.String()

	if len(out.ToolUses) > 0 {
		out.FinishReason = models.FinishToolUse
	} else {
		out.FinishReason = mapGeminiFinish(candidate.FinishReason)
		if out.FinishReason == models.FinishError {
			out.Raw = map[string]any{"finish_reason": string(candidate.FinishReason)}
		}
	}
	return out, nil
}

func mapGeminiFinish(reason genai.FinishReason) models.FinishReason {
	switch reason {
	case genai.FinishReasonStop:
		return models.FinishStop
	case genai.FinishReasonMaxTokens:
		return models.FinishMaxTokens
	case genai.FinishReasonUnspecified, "":
		return models.FinishUnknown
	default:
		return models.FinishError
	}
}

// Embed serves single and batch embedding through the same call.
func (p *Gemini) Embed(ctx context.Context, model string, inputs []string) (*EmbedResult, error) {
	if len(inputs) == 0 {
		return nil, NewError(catalog.ProviderGemini, model, errNoInputs)
	}
	if model == "" {
		model = defaultGeminiEmbedModel
	}

	contents := make([]*genai.Content, 0, len(inputs))
	for _, input := range inputs {
		contents = append(contents, &genai.Content{
			Parts: []*genai.Part{{Text: input}},
		})
	}

	resp, err := p.client.Models.EmbedContent(ctx, model, contents, nil)
	if err != nil {
		return nil, p.wrapError(err, model)
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, NewError(catalog.ProviderGemini, model, errors.New("response has no embeddings"))
	}

	embeddings := make([][]float64, 0, len(resp.Embeddings))
	for _, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		vec := make([]float64, len(emb.Values))
		for i, v := range emb.Values {
			vec[i] = float64(v)
		}
		embeddings = append(embeddings, vec)
	}

	result := &EmbedResult{
		Embeddings: embeddings,
		Model:      model,
		Provider:   catalog.ProviderGemini,
	}
	if len(embeddings) > 0 {
		result.Dimensions = len(embeddings[0])
	}
	return result, nil
}

func convertGeminiMessages(messages []models.Message) []*genai.Content {
	var result []*genai.Content
	for _, msg := range messages {
		// System content rides in SystemInstruction, not the transcript.
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{}
		switch msg.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			// User and tool turns are both user-side in this API.
			content.Role = genai.RoleUser
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Input, &args); err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}
		for _, tr := range msg.ToolResults {
			var response map[string]any
			if err := json.Unmarshal([]byte(tr.Content), &response); err != nil {
				response = map[string]any{"result": tr.Content, "error": tr.IsError}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     toolNameForCallID(tr.ToolCallID, messages),
					Response: response,
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

// toolNameForCallID recovers the function name for a tool result. The API
// keys responses by function name, not call id.
func toolNameForCallID(toolCallID string, messages []models.Message) string {
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID == toolCallID {
				return tc.Name
			}
		}
	}
	// Generated ids carry the name: call_<name>_<timestamp>.
	parts := strings.Split(toolCallID, "_")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

func convertGeminiTools(tools []models.ToolDescriptor) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schemaMap); err != nil {
				continue
			}
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema converts a JSON Schema map to the API's schema type. Only
// the subset the function-calling API understands is carried over.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}

func (p *Gemini) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		perr := &Error{
			Provider: catalog.ProviderGemini,
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}
		perr = perr.WithStatus(apiErr.Code)
		if apiErr.Message != "" {
			perr = perr.WithMessage(apiErr.Message)
		}
		if apiErr.Status != "" {
			perr = perr.WithCode(apiErr.Status)
		}
		return perr
	}

	return NewError(catalog.ProviderGemini, model, err)
}

func (p *Gemini) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}
