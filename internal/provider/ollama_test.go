package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/switchyard-ai/switchyard/pkg/models"
)

func TestConvertOllamaMessagesToolCallsAndResults(t *testing.T) {
	messages := []models.Message{
		models.UserMessage("hi"),
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call-1", Name: "lookup", Input: json.RawMessage(`{"q":"test"}`)},
			},
		},
		models.ToolResultMessage([]models.ToolResult{
			{ToolCallID: "call-1", Content: "ok"},
		}),
	}

	msgs := convertOllamaMessages(messages, "sys")
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "sys" {
		t.Fatalf("system message mismatch: %+v", msgs[0])
	}
	if msgs[2].Role != "assistant" || len(msgs[2].ToolCalls) != 1 {
		t.Fatalf("assistant tool calls missing: %+v", msgs[2])
	}
	if msgs[2].ToolCalls[0].Function.Name != "lookup" {
		t.Errorf("tool name = %q, want %q", msgs[2].ToolCalls[0].Function.Name, "lookup")
	}
	if string(msgs[2].ToolCalls[0].Function.Arguments) != `{"q":"test"}` {
		t.Errorf("tool args = %s, want %s", string(msgs[2].ToolCalls[0].Function.Arguments), `{"q":"test"}`)
	}
	if msgs[3].Role != "tool" || msgs[3].ToolName != "lookup" || msgs[3].Content != "ok" {
		t.Errorf("tool result message mismatch: %+v", msgs[3])
	}
}

func TestOllamaComplete(t *testing.T) {
	var gotBody ollamaChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Model:           "llama3.2",
			Message:         ollamaChatMessage{Role: "assistant", Content: "hello there"},
			Done:            true,
			DoneReason:      "stop",
			PromptEvalCount: 12,
			EvalCount:       7,
		})
	}))
	defer server.Close()

	p := NewOllama(OllamaConfig{BaseURL: server.URL})
	temp := 0.5
	resp, err := p.Complete(context.Background(), &models.Request{
		Model:       "llama3.2",
		Messages:    []models.Message{models.UserMessage("hi")},
		MaxTokens:   64,
		Temperature: &temp,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if gotBody.Stream {
		t.Error("request stream = true, want false")
	}
	if gotBody.Model != "llama3.2" {
		t.Errorf("request model = %q, want llama3.2", gotBody.Model)
	}
	if got := gotBody.Options["num_predict"]; got != float64(64) {
		t.Errorf("num_predict = %v, want 64", got)
	}

	if resp.Text != "hello there" {
		t.Errorf("Text = %q, want %q", resp.Text, "hello there")
	}
	if resp.FinishReason != models.FinishStop {
		t.Errorf("FinishReason = %s, want stop", resp.FinishReason)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 7 {
		t.Errorf("Usage = %+v, want 12 in / 7 out", resp.Usage)
	}
}

func TestOllamaCompleteToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: ollamaChatMessage{
				Role: "assistant",
				ToolCalls: []ollamaToolCall{
					{Function: ollamaToolCallFunction{Name: "lookup", Arguments: json.RawMessage(`{"q":"x"}`)}},
				},
			},
			Done:       true,
			DoneReason: "stop",
		})
	}))
	defer server.Close()

	p := NewOllama(OllamaConfig{BaseURL: server.URL, DefaultModel: "llama3.2"})
	resp, err := p.Complete(context.Background(), &models.Request{
		Messages: []models.Message{models.UserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if len(resp.ToolUses) != 1 {
		t.Fatalf("ToolUses = %d, want 1", len(resp.ToolUses))
	}
	if resp.ToolUses[0].Name != "lookup" {
		t.Errorf("tool name = %q, want lookup", resp.ToolUses[0].Name)
	}
	if resp.ToolUses[0].ID == "" {
		t.Error("tool use has no generated id")
	}
	if resp.FinishReason != models.FinishToolUse {
		t.Errorf("FinishReason = %s, want tool_use", resp.FinishReason)
	}
}

func TestOllamaCompleteServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer server.Close()

	p := NewOllama(OllamaConfig{BaseURL: server.URL, DefaultModel: "llama3.2"})
	_, err := p.Complete(context.Background(), &models.Request{
		Messages: []models.Message{models.UserMessage("hi")},
	})
	if err == nil {
		t.Fatal("Complete should fail on 500")
	}

	perr, ok := AsError(err)
	if !ok {
		t.Fatalf("error %v is not a provider *Error", err)
	}
	if perr.Status != http.StatusInternalServerError {
		t.Errorf("Status = %d, want 500", perr.Status)
	}
	if perr.Reason != ReasonServerError {
		t.Errorf("Reason = %s, want server_error", perr.Reason)
	}
	if perr.Model != "llama3.2" {
		t.Errorf("Model = %q, want llama3.2", perr.Model)
	}
}

func TestOllamaEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %q, want /api/embed", r.URL.Path)
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Input) != 2 {
			t.Errorf("inputs = %d, want 2", len(req.Input))
		}
		json.NewEncoder(w).Encode(ollamaEmbedResponse{
			Model:           "nomic-embed-text",
			Embeddings:      [][]float64{{0.1, 0.2}, {0.3, 0.4}},
			PromptEvalCount: 6,
		})
	}))
	defer server.Close()

	p := NewOllama(OllamaConfig{BaseURL: server.URL})
	result, err := p.Embed(context.Background(), "nomic-embed-text", []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	if len(result.Embeddings) != 2 {
		t.Fatalf("embeddings = %d, want 2", len(result.Embeddings))
	}
	if result.Dimensions != 2 {
		t.Errorf("Dimensions = %d, want 2", result.Dimensions)
	}
	if result.Usage.InputTokens != 6 {
		t.Errorf("InputTokens = %d, want 6", result.Usage.InputTokens)
	}
}
