package models

import (
	"testing"
)

func TestFinishReason_Constants(t *testing.T) {
	tests := []struct {
		constant FinishReason
		expected string
	}{
		{FinishStop, "stop"},
		{FinishMaxTokens, "max_tokens"},
		{FinishToolUse, "tool_use"},
		{FinishError, "error"},
		{FinishUnknown, ""},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestToolState_Constants(t *testing.T) {
	if string(ToolStateOK) != "ok" {
		t.Errorf("ToolStateOK = %q, want %q", ToolStateOK, "ok")
	}
	if string(ToolStateErr) != "err" {
		t.Errorf("ToolStateErr = %q, want %q", ToolStateErr, "err")
	}
	if string(ToolStatePending) != "pending" {
		t.Errorf("ToolStatePending = %q, want %q", ToolStatePending, "pending")
	}
}

func TestResponse_HasToolUses(t *testing.T) {
	r := Response{Text: "plain"}
	if r.HasToolUses() {
		t.Error("HasToolUses() = true for response without tool uses")
	}

	r.ToolUses = []ToolUse{{ID: "tu-1", Name: "search"}}
	if !r.HasToolUses() {
		t.Error("HasToolUses() = false for response with tool uses")
	}
}

func TestResponse_PendingToolUses(t *testing.T) {
	r := Response{
		ToolUses: []ToolUse{
			{ID: "tu-1", Name: "search", Result: &ToolUseResult{State: ToolStateOK, Content: "hit"}},
			{ID: "tu-2", Name: "deploy", Result: &ToolUseResult{State: ToolStatePending}},
			{ID: "tu-3", Name: "calc", Result: &ToolUseResult{State: ToolStateErr, Content: "boom"}},
			{ID: "tu-4", Name: "unset"},
		},
	}

	pending := r.PendingToolUses()
	if len(pending) != 1 {
		t.Fatalf("pending length = %d, want 1", len(pending))
	}
	if pending[0].ID != "tu-2" {
		t.Errorf("pending[0].ID = %q, want tu-2", pending[0].ID)
	}
}
