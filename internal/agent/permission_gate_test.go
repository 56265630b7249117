package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/nexus-core/pkg/models"
)

func TestPermissionGate_BypassAllowsEverything(t *testing.T) {
	policy := DefaultApprovalPolicy()
	policy.DefaultDecision = ApprovalDenied
	checker := NewApprovalChecker(policy)
	gate := NewPermissionGate(checker, nil, GateConfig{Mode: SessionModeBypass})

	decision, _ := gate.Adjudicate(context.Background(), "", models.ToolCall{Name: "anything"})
	if decision != ApprovalAllowed {
		t.Fatalf("expected bypass to allow, got %v", decision)
	}
}

func TestPermissionGate_PlanModeDeniesNonReadOnly(t *testing.T) {
	checker := NewApprovalChecker(DefaultApprovalPolicy())
	gate := NewPermissionGate(checker, nil, GateConfig{Mode: SessionModePlan})

	decision, _ := gate.Adjudicate(context.Background(), "", models.ToolCall{Name: "write"})
	if decision != ApprovalDenied {
		t.Fatalf("expected plan mode to deny write, got %v", decision)
	}

	decision, _ = gate.Adjudicate(context.Background(), "", models.ToolCall{Name: "read"})
	if decision == ApprovalDenied {
		t.Fatalf("expected plan mode to allow read-only tool through to policy chain")
	}
}

func TestPermissionGate_DisallowedToolsWins(t *testing.T) {
	policy := DefaultApprovalPolicy()
	policy.Allowlist = []string{"*"}
	checker := NewApprovalChecker(policy)
	gate := NewPermissionGate(checker, nil, GateConfig{DisallowedTools: []string{"bash"}})

	decision, _ := gate.Adjudicate(context.Background(), "", models.ToolCall{Name: "bash"})
	if decision != ApprovalDenied {
		t.Fatalf("expected disallowed_tools to deny bash, got %v", decision)
	}
}

func TestPermissionGate_AllowedToolsIsAllowOnly(t *testing.T) {
	checker := NewApprovalChecker(DefaultApprovalPolicy())
	gate := NewPermissionGate(checker, nil, GateConfig{AllowedTools: []string{"read"}})

	decision, _ := gate.Adjudicate(context.Background(), "", models.ToolCall{Name: "read"})
	if decision != ApprovalAllowed {
		t.Fatalf("expected read in allowed_tools to be allowed, got %v", decision)
	}

	decision, _ = gate.Adjudicate(context.Background(), "", models.ToolCall{Name: "write"})
	if decision != ApprovalDenied {
		t.Fatalf("expected write outside allowed_tools to be denied, got %v", decision)
	}
}

func TestPermissionGate_DenyUnknownWithNoAllowlist(t *testing.T) {
	checker := NewApprovalChecker(DefaultApprovalPolicy())
	gate := NewPermissionGate(checker, nil, GateConfig{Mode: SessionModeDenyUnknown})

	decision, _ := gate.Adjudicate(context.Background(), "", models.ToolCall{Name: "read"})
	if decision != ApprovalDenied {
		t.Fatalf("expected deny_unknown with empty allowlist to deny everything, got %v", decision)
	}
}

func TestPermissionGate_AcceptEditsAllowsFileEdits(t *testing.T) {
	checker := NewApprovalChecker(DefaultApprovalPolicy())
	gate := NewPermissionGate(checker, nil, GateConfig{Mode: SessionModeAcceptEdits})

	decision, _ := gate.Adjudicate(context.Background(), "", models.ToolCall{Name: "edit"})
	if decision != ApprovalAllowed {
		t.Fatalf("expected accept_edits to allow edit tool, got %v", decision)
	}
}

func TestPermissionGate_BashCommandInjectionDenied(t *testing.T) {
	policy := DefaultApprovalPolicy()
	policy.Allowlist = []string{"*"}
	checker := NewApprovalChecker(policy)
	gate := NewPermissionGate(checker, nil, GateConfig{})

	input, _ := json.Marshal(map[string]string{"command": "ls; rm -rf /"})
	decision, reason := gate.Adjudicate(context.Background(), "", models.ToolCall{Name: "bash", Input: input})
	if decision != ApprovalDenied {
		t.Fatalf("expected command injection to be denied, got %v (%s)", decision, reason)
	}
}

func TestPermissionGate_PathTraversalDenied(t *testing.T) {
	policy := DefaultApprovalPolicy()
	policy.Allowlist = []string{"*"}
	checker := NewApprovalChecker(policy)
	gate := NewPermissionGate(checker, nil, GateConfig{})

	input, _ := json.Marshal(map[string]string{"path": "../../etc/passwd"})
	decision, _ := gate.Adjudicate(context.Background(), "", models.ToolCall{Name: "read", Input: input})
	if decision != ApprovalDenied {
		t.Fatalf("expected path traversal to be denied, got %v", decision)
	}
}

func TestPermissionGate_FallsThroughToApprovalChecker(t *testing.T) {
	policy := DefaultApprovalPolicy()
	policy.Denylist = []string{"danger"}
	checker := NewApprovalChecker(policy)
	gate := NewPermissionGate(checker, nil, GateConfig{})

	decision, _ := gate.Adjudicate(context.Background(), "", models.ToolCall{Name: "danger"})
	if decision != ApprovalDenied {
		t.Fatalf("expected underlying checker denylist to apply, got %v", decision)
	}
}
