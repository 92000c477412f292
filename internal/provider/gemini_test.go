package provider

import (
	"encoding/json"
	"testing"

	"google.golang.org/genai"

	"github.com/switchyard-ai/switchyard/pkg/models"
)

func TestToGeminiSchema(t *testing.T) {
	var schemaMap map[string]any
	raw := `{
		"type": "object",
		"description": "query input",
		"properties": {
			"q": {"type": "string", "enum": ["a", "b"]},
			"tags": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["q"]
	}`
	if err := json.Unmarshal([]byte(raw), &schemaMap); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}

	schema := toGeminiSchema(schemaMap)
	if schema.Type != genai.TypeObject {
		t.Errorf("Type = %q, want OBJECT", schema.Type)
	}
	if schema.Description != "query input" {
		t.Errorf("Description = %q", schema.Description)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "q" {
		t.Errorf("Required = %v, want [q]", schema.Required)
	}

	q := schema.Properties["q"]
	if q == nil || q.Type != genai.TypeString {
		t.Fatalf("properties.q mismatch: %+v", q)
	}
	if len(q.Enum) != 2 {
		t.Errorf("enum = %v, want two values", q.Enum)
	}

	tags := schema.Properties["tags"]
	if tags == nil || tags.Type != genai.TypeArray {
		t.Fatalf("properties.tags mismatch: %+v", tags)
	}
	if tags.Items == nil || tags.Items.Type != genai.TypeString {
		t.Errorf("tags.items mismatch: %+v", tags.Items)
	}

	if toGeminiSchema(nil) != nil {
		t.Error("nil schema map should convert to nil")
	}
}

func TestConvertGeminiMessages(t *testing.T) {
	messages := []models.Message{
		models.SystemMessage("ignored here"),
		models.UserMessage("hi"),
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call_lookup_1", Name: "lookup", Input: json.RawMessage(`{"q":"test"}`)},
			},
		},
		models.ToolResultMessage([]models.ToolResult{
			{ToolCallID: "call_lookup_1", Content: `{"answer":42}`},
		}),
	}

	contents := convertGeminiMessages(messages)
	if len(contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(contents))
	}

	if contents[0].Role != genai.RoleUser || contents[0].Parts[0].Text != "hi" {
		t.Errorf("user content mismatch: %+v", contents[0])
	}

	if contents[1].Role != genai.RoleModel {
		t.Errorf("role[1] = %q, want model", contents[1].Role)
	}
	call := contents[1].Parts[0].FunctionCall
	if call == nil || call.Name != "lookup" {
		t.Fatalf("function call mismatch: %+v", contents[1].Parts[0])
	}
	if call.Args["q"] != "test" {
		t.Errorf("args = %v, want q=test", call.Args)
	}

	// Tool results ride user-side with the function name resolved from the
	// originating call.
	if contents[2].Role != genai.RoleUser {
		t.Errorf("role[2] = %q, want user", contents[2].Role)
	}
	fr := contents[2].Parts[0].FunctionResponse
	if fr == nil || fr.Name != "lookup" {
		t.Fatalf("function response mismatch: %+v", contents[2].Parts[0])
	}
	if fr.Response["answer"] != float64(42) {
		t.Errorf("response payload = %v", fr.Response)
	}
}

func TestConvertGeminiMessagesWrapsPlainToolContent(t *testing.T) {
	messages := []models.Message{
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call_echo_9", Name: "echo", Input: json.RawMessage(`{}`)},
			},
		},
		models.ToolResultMessage([]models.ToolResult{
			{ToolCallID: "call_echo_9", Content: "plain text output", IsError: true},
		}),
	}

	contents := convertGeminiMessages(messages)
	fr := contents[1].Parts[0].FunctionResponse
	if fr == nil {
		t.Fatal("missing function response part")
	}
	if fr.Response["result"] != "plain text output" {
		t.Errorf("result = %v, want wrapped plain text", fr.Response["result"])
	}
	if fr.Response["error"] != true {
		t.Errorf("error flag = %v, want true", fr.Response["error"])
	}
}

func TestToolNameForCallID(t *testing.T) {
	messages := []models.Message{
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "toolu_abc", Name: "lookup", Input: json.RawMessage(`{}`)},
			},
		},
	}

	if got := toolNameForCallID("toolu_abc", messages); got != "lookup" {
		t.Errorf("resolved name = %q, want lookup", got)
	}
	// Generated ids encode the name when the call is not in the transcript.
	if got := toolNameForCallID("call_search_1712345", nil); got != "search" {
		t.Errorf("parsed name = %q, want search", got)
	}
	if got := toolNameForCallID("opaque", nil); got != "" {
		t.Errorf("name for opaque id = %q, want empty", got)
	}
}

func TestMapGeminiFinish(t *testing.T) {
	tests := []struct {
		reason   genai.FinishReason
		expected models.FinishReason
	}{
		{genai.FinishReasonStop, models.FinishStop},
		{genai.FinishReasonMaxTokens, models.FinishMaxTokens},
		{genai.FinishReasonUnspecified, models.FinishUnknown},
		{genai.FinishReason(""), models.FinishUnknown},
		{genai.FinishReasonSafety, models.FinishError},
	}

	for _, tt := range tests {
		name := string(tt.reason)
		if name == "" {
			name = "empty"
		}
		t.Run(name, func(t *testing.T) {
			if got := mapGeminiFinish(tt.reason); got != tt.expected {
				t.Errorf("mapGeminiFinish(%q) = %s, want %s", tt.reason, got, tt.expected)
			}
		})
	}
}

func TestConvertGeminiTools(t *testing.T) {
	tools := convertGeminiTools([]models.ToolDescriptor{
		{
			Name:        "lookup",
			Description: "Search things",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`),
		},
	})
	if len(tools) != 1 || len(tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("tools shape mismatch: %+v", tools)
	}
	decl := tools[0].FunctionDeclarations[0]
	if decl.Name != "lookup" || decl.Description != "Search things" {
		t.Errorf("declaration mismatch: %+v", decl)
	}
	if decl.Parameters == nil || decl.Parameters.Type != genai.TypeObject {
		t.Errorf("parameters mismatch: %+v", decl.Parameters)
	}
}
