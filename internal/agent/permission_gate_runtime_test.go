package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/nexus-core/pkg/models"
)

// TestProcessPermissionGateBypassSkipsApproval verifies that a
// RuntimeOptions.PermissionGate in SessionModeBypass allows a tool that would
// otherwise require approval, without ever consulting ApprovalChecker.
func TestProcessPermissionGateBypassSkipsApproval(t *testing.T) {
	provider := &onceToolProvider{
		toolCall: &models.ToolCall{
			ID:    "call-1",
			Name:  "danger_tool",
			Input: json.RawMessage(`{}`),
		},
	}
	tool := &testTool{name: "danger_tool"}
	checker := NewApprovalChecker(&ApprovalPolicy{RequireApproval: []string{"danger_tool"}, AskFallback: true})
	gate := NewPermissionGate(checker, nil, GateConfig{Mode: SessionModeBypass})

	runtime := NewRuntimeWithOptions(provider, stubStore{}, RuntimeOptions{
		MaxIterations:   2,
		ToolParallelism: 1,
		PermissionGate:  gate,
	})
	runtime.RegisterTool(tool)

	session := &models.Session{ID: "session-1", Channel: models.ChannelTelegram}
	msg := &models.Message{Role: models.RoleUser, Content: "hi"}
	ch, err := runtime.Process(context.Background(), session, msg)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	for chunk := range ch {
		if chunk.ToolEvent != nil && chunk.ToolEvent.Stage == models.ToolEventApprovalRequired {
			t.Fatal("expected bypass mode to skip approval entirely")
		}
	}

	if !tool.executed {
		t.Fatal("expected tool to execute under session mode bypass")
	}
}

// TestProcessPermissionGateDisallowedToolsWins verifies that the gate's
// disallowed_tools precedence denies a call before it ever reaches the
// wrapped ApprovalChecker's allow/deny chain.
func TestProcessPermissionGateDisallowedToolsWins(t *testing.T) {
	provider := &onceToolProvider{
		toolCall: &models.ToolCall{
			ID:    "call-1",
			Name:  "danger_tool",
			Input: json.RawMessage(`{}`),
		},
	}
	tool := &testTool{name: "danger_tool"}
	checker := NewApprovalChecker(&ApprovalPolicy{Allowlist: []string{"danger_tool"}})
	gate := NewPermissionGate(checker, nil, GateConfig{DisallowedTools: []string{"danger_tool"}})

	runtime := NewRuntimeWithOptions(provider, stubStore{}, RuntimeOptions{
		MaxIterations:   2,
		ToolParallelism: 1,
		PermissionGate:  gate,
	})
	runtime.RegisterTool(tool)

	session := &models.Session{ID: "session-1", Channel: models.ChannelTelegram}
	msg := &models.Message{Role: models.RoleUser, Content: "hi"}
	ch, err := runtime.Process(context.Background(), session, msg)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	var gotResult *models.ToolResult
	for chunk := range ch {
		if chunk.ToolResult != nil {
			gotResult = chunk.ToolResult
		}
	}

	if tool.executed {
		t.Fatal("expected tool not to execute when denied by session disallowed_tools")
	}
	if gotResult == nil || !gotResult.IsError {
		t.Fatalf("expected denied error result, got %+v", gotResult)
	}
	if !strings.Contains(gotResult.Content, "disallowed_tools") {
		t.Fatalf("expected disallowed_tools reason in result, got %q", gotResult.Content)
	}
}

// TestProcessPermissionGateFallsThroughToChecker verifies that with no
// session-level restriction configured, the gate's final fallthrough still
// reaches the wrapped ApprovalChecker's require_approval precedence.
func TestProcessPermissionGateFallsThroughToChecker(t *testing.T) {
	provider := &onceToolProvider{
		toolCall: &models.ToolCall{
			ID:    "call-1",
			Name:  "danger_tool",
			Input: json.RawMessage(`{}`),
		},
	}
	tool := &testTool{name: "danger_tool"}
	checker := NewApprovalChecker(&ApprovalPolicy{RequireApproval: []string{"danger_tool"}, AskFallback: true})
	gate := NewPermissionGate(checker, nil, GateConfig{})

	runtime := NewRuntimeWithOptions(provider, stubStore{}, RuntimeOptions{
		MaxIterations:   2,
		ToolParallelism: 1,
		PermissionGate:  gate,
	})
	runtime.RegisterTool(tool)

	session := &models.Session{ID: "session-1", Channel: models.ChannelTelegram}
	msg := &models.Message{Role: models.RoleUser, Content: "hi"}
	ch, err := runtime.Process(context.Background(), session, msg)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	var gotApprovalEvent *models.ToolEvent
	for chunk := range ch {
		if chunk.ToolEvent != nil && chunk.ToolEvent.Stage == models.ToolEventApprovalRequired {
			gotApprovalEvent = chunk.ToolEvent
		}
	}

	if gotApprovalEvent == nil {
		t.Fatal("expected approval required tool event via gate fallthrough to checker")
	}
	if tool.executed {
		t.Fatal("expected tool not to execute when approval is required")
	}
}
