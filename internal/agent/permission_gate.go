package agent

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/haasonsaas/nexus-core/pkg/models"
)

// SessionMode is the coarse-grained permission posture for one session,
// checked before the tool-specific ApprovalChecker precedence chain runs.
type SessionMode string

const (
	// SessionModeDefault applies the ordinary ApprovalChecker precedence chain
	// with no additional restriction.
	SessionModeDefault SessionMode = "default"

	// SessionModeAcceptEdits auto-allows file-editing tools while leaving every
	// other tool to the ordinary precedence chain.
	SessionModeAcceptEdits SessionMode = "accept_edits"

	// SessionModePlan denies every tool that is not read-only, regardless of
	// allow/deny lists.
	SessionModePlan SessionMode = "plan"

	// SessionModeBypass allows every tool call unconditionally.
	SessionModeBypass SessionMode = "bypass"

	// SessionModeDenyUnknown denies any tool call not explicitly present on the
	// session's AllowedTools list.
	SessionModeDenyUnknown SessionMode = "deny_unknown"
)

// ReadOnlyTool is implemented by tools that never mutate state, so they remain
// available under SessionModePlan.
type ReadOnlyTool interface {
	IsReadOnly() bool
}

// EditTool is implemented by tools that modify files, so SessionModeAcceptEdits
// can auto-allow them.
type EditTool interface {
	IsFileEdit() bool
}

// GateConfig holds the per-session state the PermissionGate checks before
// delegating to the underlying ApprovalChecker.
type GateConfig struct {
	Mode            SessionMode
	AllowedTools    []string
	DisallowedTools []string
}

// PermissionGate adjudicates tool calls by running, in order: plan-mode
// restriction, bypass, disallowed_tools, allowed_tools, tool-specific
// heuristics (command injection / path traversal), then the underlying
// ApprovalChecker's allow/deny/require_approval precedence chain.
type PermissionGate struct {
	checker  *ApprovalChecker
	registry *ToolRegistry
	config   GateConfig
}

// NewPermissionGate builds a gate wrapping an existing ApprovalChecker.
// registry is used to resolve ReadOnlyTool/EditTool markers; it may be nil,
// in which case plan-mode and accept_edits heuristics fall back to name
// pattern matching only.
func NewPermissionGate(checker *ApprovalChecker, registry *ToolRegistry, config GateConfig) *PermissionGate {
	if config.Mode == "" {
		config.Mode = SessionModeDefault
	}
	return &PermissionGate{checker: checker, registry: registry, config: config}
}

// SetMode updates the session's permission mode.
func (g *PermissionGate) SetMode(mode SessionMode) { g.config.Mode = mode }

// Mode returns the session's current permission mode.
func (g *PermissionGate) Mode() SessionMode { return g.config.Mode }

// Allow implements PermissionChecker for use by ToolExecutionQueue.
func (g *PermissionGate) Allow(ctx context.Context, call models.ToolCall) (bool, error) {
	decision, _ := g.Adjudicate(ctx, "", call)
	return decision == ApprovalAllowed, nil
}

// Adjudicate runs the full precedence chain and returns a decision plus the
// reason it was reached. A decision of ApprovalPending means the caller must
// prompt interactively; PermissionGate never blocks on that itself.
func (g *PermissionGate) Adjudicate(ctx context.Context, agentID string, call models.ToolCall) (ApprovalDecision, string) {
	// 1. bypass allows everything.
	if g.config.Mode == SessionModeBypass {
		return ApprovalAllowed, "session mode: bypass"
	}

	// 2. plan mode denies non-read-only tools outright.
	if g.config.Mode == SessionModePlan && !g.isReadOnly(call.Name) {
		return ApprovalDenied, "session mode: plan (tool is not read-only)"
	}

	// 3. disallowed_tools denies regardless of anything else.
	if matchesPattern(g.config.DisallowedTools, call.Name) {
		return ApprovalDenied, "tool in session disallowed_tools"
	}

	// 4. allowed_tools, if present, is an allow-only-if-member list.
	if len(g.config.AllowedTools) > 0 {
		if !matchesPattern(g.config.AllowedTools, call.Name) {
			return ApprovalDenied, "tool not in session allowed_tools"
		}
		return ApprovalAllowed, "tool in session allowed_tools"
	}

	// 5. deny_unknown with no allowed_tools configured denies everything.
	if g.config.Mode == SessionModeDenyUnknown {
		return ApprovalDenied, "session mode: deny_unknown (no allowed_tools configured)"
	}

	// 6. accept_edits auto-allows file-editing tools.
	if g.config.Mode == SessionModeAcceptEdits && g.isFileEdit(call.Name) {
		return ApprovalAllowed, "session mode: accept_edits"
	}

	// 7. tool-specific heuristics: command injection and path traversal.
	if reason, dangerous := g.heuristicDeny(call); dangerous {
		return ApprovalDenied, reason
	}

	// 8. fall through to the ordinary allow/deny/require_approval chain.
	if g.checker == nil {
		return ApprovalPending, "no approval policy configured"
	}
	return g.checker.Check(ctx, agentID, call)
}

func (g *PermissionGate) isReadOnly(toolName string) bool {
	if g.registry != nil {
		if tool, ok := g.registry.Get(toolName); ok {
			if ro, ok := tool.(ReadOnlyTool); ok {
				return ro.IsReadOnly()
			}
		}
	}
	return matchesPattern(readOnlyToolNames, toolName)
}

func (g *PermissionGate) isFileEdit(toolName string) bool {
	if g.registry != nil {
		if tool, ok := g.registry.Get(toolName); ok {
			if et, ok := tool.(EditTool); ok {
				return et.IsFileEdit()
			}
		}
	}
	return matchesPattern(fileEditToolNames, toolName)
}

// readOnlyToolNames covers the teacher's own tool naming conventions for the
// built-in read/search tools; it is a fallback for tools that don't implement
// ReadOnlyTool.
var readOnlyToolNames = []string{"read", "grep", "glob", "ls", "websearch", "webfetch", "web_search", "web_fetch"}

var fileEditToolNames = []string{"edit", "write", "apply-patch", "apply_patch"}

// shellMetacharacters flags command strings that chain or substitute commands,
// which could let a crafted tool input escape the intended invocation.
var shellMetacharacters = regexp.MustCompile("[;&|`$(){}<>]")

// pathTraversalPattern flags inputs attempting to climb out of an intended
// working directory.
var pathTraversalPattern = regexp.MustCompile(`\.\./|\.\.\\`)

// heuristicDeny applies tool-specific safety checks that hold regardless of
// allow/deny-list configuration: a Bash-family tool whose command contains
// shell metacharacters chaining unrelated commands, or any tool whose path-like
// input attempts directory traversal.
func (g *PermissionGate) heuristicDeny(call models.ToolCall) (string, bool) {
	if isBashLikeTool(call.Name) {
		if cmd, ok := extractStringField(call.Input, "command"); ok {
			if shellMetacharacters.MatchString(cmd) {
				return "command contains shell metacharacters that chain or substitute commands", true
			}
		}
	}
	for _, field := range []string{"path", "file_path", "file", "directory"} {
		if val, ok := extractStringField(call.Input, field); ok {
			if pathTraversalPattern.MatchString(val) {
				return "path input attempts directory traversal", true
			}
		}
	}
	return "", false
}

func isBashLikeTool(name string) bool {
	switch strings.ToLower(name) {
	case "bash", "shell", "exec", "execute_code", "sandbox":
		return true
	default:
		return false
	}
}

func extractStringField(input json.RawMessage, field string) (string, bool) {
	if len(input) == 0 {
		return "", false
	}
	var m map[string]any
	if err := json.Unmarshal(input, &m); err != nil {
		return "", false
	}
	v, ok := m[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
