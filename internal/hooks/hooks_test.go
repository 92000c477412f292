package hooks

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/switchyard-ai/switchyard/pkg/models"
)

func TestRunPreEmptyChainIsIdentity(t *testing.T) {
	chain := NewChain(nil)
	input := json.RawMessage(`{"cmd":"ls"}`)

	res := chain.RunPre(context.Background(), Invocation{Tool: "shell"}, input)
	if res.Decision != models.HookAllow {
		t.Fatalf("decision = %q, want allow", res.Decision)
	}
	if string(res.Input) != string(input) {
		t.Errorf("input = %s, want unchanged %s", res.Input, input)
	}
}

func TestRunPreNilChainIsIdentity(t *testing.T) {
	var chain *Chain
	input := json.RawMessage(`{}`)

	res := chain.RunPre(context.Background(), Invocation{}, input)
	if res.Decision != models.HookAllow || string(res.Input) != "{}" {
		t.Fatalf("nil chain returned %+v", res)
	}
}

func TestRunPreModifyFlowsToNextHook(t *testing.T) {
	chain := NewChain(nil)
	var secondSaw string
	chain.AddPre(
		func(ctx context.Context, inv Invocation, input json.RawMessage) PreResult {
			return Modify(json.RawMessage(`{"cmd":"ls -la"}`))
		},
		func(ctx context.Context, inv Invocation, input json.RawMessage) PreResult {
			secondSaw = string(input)
			return Allow()
		},
	)

	res := chain.RunPre(context.Background(), Invocation{Tool: "shell"}, json.RawMessage(`{"cmd":"ls"}`))
	if secondSaw != `{"cmd":"ls -la"}` {
		t.Errorf("second hook saw %q, want modified input", secondSaw)
	}
	if string(res.Input) != `{"cmd":"ls -la"}` {
		t.Errorf("final input = %s, want modified input", res.Input)
	}
}

func TestRunPreDenyShortCircuits(t *testing.T) {
	chain := NewChain(nil)
	laterRan := false
	chain.AddPre(
		func(ctx context.Context, inv Invocation, input json.RawMessage) PreResult {
			return Deny("blocked")
		},
		func(ctx context.Context, inv Invocation, input json.RawMessage) PreResult {
			laterRan = true
			return Allow()
		},
	)

	res := chain.RunPre(context.Background(), Invocation{Tool: "shell"}, nil)
	if res.Decision != models.HookDeny {
		t.Fatalf("decision = %q, want deny", res.Decision)
	}
	if res.Reason != "blocked" {
		t.Errorf("reason = %q, want blocked", res.Reason)
	}
	if laterRan {
		t.Error("hook after deny still ran")
	}
}

func TestRunPreDenyWithoutReasonGetsDefault(t *testing.T) {
	chain := NewChain(nil)
	chain.AddPre(func(ctx context.Context, inv Invocation, input json.RawMessage) PreResult {
		return PreResult{Decision: models.HookDeny}
	})

	res := chain.RunPre(context.Background(), Invocation{}, nil)
	if res.Reason != DefaultDenyReason {
		t.Errorf("reason = %q, want %q", res.Reason, DefaultDenyReason)
	}
}

func TestRunPrePanickingHookIsSkipped(t *testing.T) {
	chain := NewChain(nil)
	chain.AddPre(
		func(ctx context.Context, inv Invocation, input json.RawMessage) PreResult {
			panic("boom")
		},
		func(ctx context.Context, inv Invocation, input json.RawMessage) PreResult {
			return Modify(json.RawMessage(`{"ok":true}`))
		},
	)

	res := chain.RunPre(context.Background(), Invocation{Tool: "shell"}, json.RawMessage(`{}`))
	if res.Decision != models.HookAllow {
		t.Fatalf("decision = %q, want allow after recovered panic", res.Decision)
	}
	if string(res.Input) != `{"ok":true}` {
		t.Errorf("input = %s, want second hook's modification", res.Input)
	}
}

func TestRunPreConditionalDeny(t *testing.T) {
	chain := NewChain(nil)
	chain.AddPre(func(ctx context.Context, inv Invocation, input json.RawMessage) PreResult {
		var args struct {
			Cmd string `json:"cmd"`
		}
		if err := json.Unmarshal(input, &args); err == nil && strings.HasPrefix(args.Cmd, "rm ") {
			return Deny("blocked")
		}
		return Allow()
	})

	if res := chain.RunPre(context.Background(), Invocation{Tool: "shell"}, json.RawMessage(`{"cmd":"rm -rf /"}`)); res.Decision != models.HookDeny {
		t.Errorf("rm command: decision = %q, want deny", res.Decision)
	}
	if res := chain.RunPre(context.Background(), Invocation{Tool: "shell"}, json.RawMessage(`{"cmd":"ls"}`)); res.Decision != models.HookAllow {
		t.Errorf("ls command: decision = %q, want allow", res.Decision)
	}
}

func TestRunPostAllHooksRunDespitePanic(t *testing.T) {
	chain := NewChain(nil)
	ran := make([]int, 0, 2)
	chain.AddPost(
		func(ctx context.Context, inv Invocation, input json.RawMessage, result models.ToolUseResult) {
			ran = append(ran, 1)
			panic("boom")
		},
		func(ctx context.Context, inv Invocation, input json.RawMessage, result models.ToolUseResult) {
			ran = append(ran, 2)
		},
	)

	chain.RunPost(context.Background(), Invocation{Tool: "echo"}, nil, models.ToolUseResult{State: models.ToolStateOK})
	if len(ran) != 2 || ran[0] != 1 || ran[1] != 2 {
		t.Errorf("post hooks ran = %v, want [1 2]", ran)
	}
}

func TestRunPostReceivesResult(t *testing.T) {
	chain := NewChain(nil)
	var got models.ToolUseResult
	chain.AddPost(func(ctx context.Context, inv Invocation, input json.RawMessage, result models.ToolUseResult) {
		got = result
	})

	want := models.ToolUseResult{State: models.ToolStateErr, Content: "timeout"}
	chain.RunPost(context.Background(), Invocation{Tool: "slow"}, nil, want)
	if got != want {
		t.Errorf("post hook got %+v, want %+v", got, want)
	}
}

func TestRunMessageOrderAndRecovery(t *testing.T) {
	chain := NewChain(nil)
	var seen []string
	chain.AddMessage(
		func(ctx context.Context, msg models.Message) {
			seen = append(seen, "first:"+msg.Content)
		},
		func(ctx context.Context, msg models.Message) {
			panic("boom")
		},
		func(ctx context.Context, msg models.Message) {
			seen = append(seen, "third:"+msg.Content)
		},
	)

	chain.RunMessage(context.Background(), models.AssistantMessage("hi"))
	if len(seen) != 2 || seen[0] != "first:hi" || seen[1] != "third:hi" {
		t.Errorf("message hooks saw %v", seen)
	}
}
