// Package main is the entry point for nexus-core, the bare agent runtime:
// ProviderClient, ConversationLoop, ToolExecutionQueue, ContextManager,
// SubAgentScheduler, McpMultiplexer, SessionStore, and PermissionGate wired
// together behind a thin HTTP control surface. It does not carry the
// teacher's channel gateway (Telegram/Discord/Slack) or CLI subcommand
// surface — those are a separate concern.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/agent/providers"
	"github.com/haasonsaas/nexus-core/internal/auth"
	"github.com/haasonsaas/nexus-core/internal/config"
	"github.com/haasonsaas/nexus-core/internal/jobs"
	"github.com/haasonsaas/nexus-core/internal/mcp"
	"github.com/haasonsaas/nexus-core/internal/multiagent"
	"github.com/haasonsaas/nexus-core/internal/sessions"
	"github.com/haasonsaas/nexus-core/internal/tools/files"
	"github.com/haasonsaas/nexus-core/internal/tools/websearch"
	"github.com/haasonsaas/nexus-core/pkg/models"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "nexus-core",
		Short:        "Minimal entrypoint for the nexus-core agent runtime",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "nexus.yaml", "path to YAML config file")
	return root
}

// runtimeStack holds the eight components constructed in dependency order
// (spec §2): SessionStore and PermissionGate have no upstream dependencies,
// McpMultiplexer and ProviderClient depend on config alone, ToolExecutionQueue
// depends on the registry PermissionGate adjudicates for, SubAgentScheduler
// and the ConversationLoop (Runtime) depend on the provider and store.
type runtimeStack struct {
	store      sessions.Store
	gate       *agent.PermissionGate
	mcpManager *mcp.Manager
	provider   agent.LLMProvider
	queue      *agent.ToolExecutionQueue
	scheduler  *multiagent.SubAgentScheduler
	runtime    *agent.Runtime
	authSvc    *auth.Service
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := buildRuntimeStack(cfg)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	if stack.mcpManager != nil {
		if err := stack.mcpManager.Start(ctx); err != nil {
			slog.Warn("mcp manager start returned an error; continuing without failed servers", "error", err)
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           stack.controlSurface(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("control surface listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("control surface: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildRuntimeStack constructs SessionStore, PermissionGate, McpMultiplexer,
// ProviderClient, ToolExecutionQueue, SubAgentScheduler and the
// ConversationLoop (Runtime) in that dependency order (spec §2).
func buildRuntimeStack(cfg *config.Config) (*runtimeStack, error) {
	store, err := buildSessionStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}

	checker := buildApprovalChecker(cfg)
	gate := agent.NewPermissionGate(checker, nil, agent.GateConfig{})

	mcpManager := mcp.NewManager(&cfg.MCP, slog.Default())

	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}

	// The ToolExecutionQueue is the spec's standalone concurrency-safe-prefix
	// dispatcher (§4.3), reachable directly off the control surface at
	// POST /tools/execute rather than through the ConversationLoop: callers
	// that want to run a tool batch without a conversation turn (probes,
	// out-of-band automation) hit the queue directly, sharing the same
	// registry and PermissionGate as the conversation runtime.
	queueRegistry := agent.NewToolRegistry()
	registerDirectTools(queueRegistry, cfg)
	queue := agent.NewToolExecutionQueue(queueRegistry, agent.QueueConfig{MaxConcurrency: cfg.Tools.Execution.Parallelism}, gate)

	scheduler := multiagent.NewSubAgentScheduler(multiagent.SchedulerConfig{
		StateDir: cfg.Workspace.Path,
	}, provider)

	runtimeOpts := agent.DefaultRuntimeOptions()
	runtimeOpts.PermissionGate = gate
	runtimeOpts.ApprovalChecker = checker
	if cfg.Tools.Execution.MaxIterations > 0 {
		runtimeOpts.MaxIterations = cfg.Tools.Execution.MaxIterations
	}
	if cfg.Tools.Execution.Parallelism > 0 {
		runtimeOpts.ToolParallelism = cfg.Tools.Execution.Parallelism
	}
	if cfg.Tools.Execution.Timeout > 0 {
		runtimeOpts.ToolTimeout = cfg.Tools.Execution.Timeout
	}
	runtimeOpts.AsyncTools = cfg.Tools.Execution.Async
	runtimeOpts.JobStore = jobs.NewMemoryStore()
	rg := cfg.Tools.Execution.ResultGuard
	runtimeOpts.ToolResultGuard = agent.ToolResultGuard{
		Enabled:         rg.Enabled,
		MaxChars:        rg.MaxChars,
		Denylist:        rg.Denylist,
		RedactPatterns:  rg.RedactPatterns,
		RedactionText:   rg.RedactionText,
		TruncateSuffix:  rg.TruncateSuffix,
		SanitizeSecrets: rg.SanitizeSecrets,
	}
	runtime := agent.NewRuntimeWithOptions(provider, store, runtimeOpts)
	if settings := config.EffectiveContextPruningSettings(cfg.Session.ContextPruning); settings != nil {
		runtime.SetContextPruning(settings)
	}

	authSvc := auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
		APIKeys:     convertAPIKeys(cfg.Auth.APIKeys),
	})

	return &runtimeStack{
		store:      store,
		gate:       gate,
		mcpManager: mcpManager,
		provider:   provider,
		queue:      queue,
		scheduler:  scheduler,
		runtime:    runtime,
		authSvc:    authSvc,
	}, nil
}

// registerDirectTools registers the filesystem and web-search tools onto the
// ToolExecutionQueue's registry so POST /tools/execute has real tools to run
// instead of an empty registry that would reject every call as not found.
func registerDirectTools(registry *agent.ToolRegistry, cfg *config.Config) {
	fileCfg := files.Config{Workspace: cfg.Workspace.Path}
	registry.Register(files.NewReadTool(fileCfg))
	registry.Register(files.NewWriteTool(fileCfg))
	registry.Register(files.NewEditTool(fileCfg))
	registry.Register(files.NewApplyPatchTool(fileCfg))

	if cfg.Tools.WebSearch.Enabled {
		backend := websearch.BackendDuckDuckGo
		switch strings.ToLower(cfg.Tools.WebSearch.Provider) {
		case "searxng":
			backend = websearch.BackendSearXNG
		case "brave":
			backend = websearch.BackendBraveSearch
		}
		registry.Register(websearch.NewWebSearchTool(&websearch.Config{
			SearXNGURL:     cfg.Tools.WebSearch.URL,
			BraveAPIKey:    cfg.Tools.WebSearch.BraveAPIKey,
			DefaultBackend: backend,
		}))
	}
}

func buildSessionStore(cfg *config.Config) (sessions.Store, error) {
	if strings.TrimSpace(cfg.Database.URL) == "" {
		return sessions.NewMemoryStore(), nil
	}
	dbCfg := sessions.DefaultCockroachConfig()
	if cfg.Database.MaxConnections > 0 {
		dbCfg.MaxOpenConns = cfg.Database.MaxConnections
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		dbCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}
	store, err := sessions.NewCockroachStoreFromDSN(cfg.Database.URL, dbCfg)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func buildApprovalChecker(cfg *config.Config) *agent.ApprovalChecker {
	policy := cfg.Tools.Execution.Approval
	approvalPolicy := &agent.ApprovalPolicy{
		Allowlist:       policy.Allowlist,
		Denylist:        policy.Denylist,
		RequireApproval: cfg.Tools.Execution.RequireApproval,
		SafeBins:        policy.SafeBins,
		DefaultDecision: agent.ApprovalPending,
		RequestTTL:      policy.RequestTTL,
	}
	if policy.SkillAllowlist != nil {
		approvalPolicy.SkillAllowlist = *policy.SkillAllowlist
	}
	if policy.AskFallback != nil {
		approvalPolicy.AskFallback = *policy.AskFallback
	}
	if policy.DefaultDecision != "" {
		approvalPolicy.DefaultDecision = agent.ApprovalDecision(policy.DefaultDecision)
	}
	return agent.NewApprovalChecker(approvalPolicy)
}

func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	providerID := strings.ToLower(strings.TrimSpace(cfg.LLM.DefaultProvider))
	if providerID == "" {
		providerID = "anthropic"
	}
	providerCfg, ok := cfg.LLM.Providers[providerID]
	if !ok {
		return nil, fmt.Errorf("llm.providers missing entry for %q", providerID)
	}

	switch providerID {
	case "anthropic":
		if providerCfg.APIKey == "" {
			return nil, errors.New("anthropic api key is required")
		}
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       providerCfg.APIKey,
			DefaultModel: providerCfg.DefaultModel,
			BaseURL:      providerCfg.BaseURL,
		})
	case "openai", "openrouter":
		if providerCfg.APIKey == "" {
			return nil, fmt.Errorf("%s api key is required", providerID)
		}
		return providers.NewOpenAIProvider(providerCfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q for the minimal core entrypoint", providerID)
	}
}

func convertAPIKeys(entries []config.APIKeyConfig) []auth.APIKeyConfig {
	out := make([]auth.APIKeyConfig, 0, len(entries))
	for _, e := range entries {
		out = append(out, auth.APIKeyConfig{Key: e.Key, UserID: e.UserID, Email: e.Email, Name: e.Name})
	}
	return out
}

// controlSurface builds the thin HTTP control surface: session list/get and
// background-task status, bearer-authenticated when auth is configured.
func (s *runtimeStack) controlSurface() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /tools/execute", s.handleExecuteTools)
	return bearerMiddleware(s.authSvc, mux)
}

// handleExecuteTools runs a batch of tool calls directly through the
// ToolExecutionQueue (spec §4.3), independent of any conversation session.
func (s *runtimeStack) handleExecuteTools(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToolCalls []models.ToolCall `json:"tool_calls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.ToolCalls) == 0 {
		writeJSONError(w, http.StatusBadRequest, errors.New("tool_calls must not be empty"))
		return
	}
	results := s.queue.Run(r.Context(), req.ToolCalls)
	writeJSON(w, http.StatusOK, results)
}

func (s *runtimeStack) handleListSessions(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	opts := sessions.ListOptions{Limit: 50}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if parsed, err := strconv.Atoi(limit); err == nil {
			opts.Limit = parsed
		}
	}
	list, err := s.store.List(r.Context(), agentID, opts)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *runtimeStack) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *runtimeStack) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.List())
}

func (s *runtimeStack) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, ok := s.scheduler.Get(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, errors.New("task not found"))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// bearerMiddleware verifies a JWT bearer token on every request using
// internal/auth's JWTService (golang-jwt/jwt/v5 under the hood). Auth is a
// no-op when the service has no secret/keys configured, matching the
// teacher's "auth disabled" posture for local/dev use.
func bearerMiddleware(svc *auth.Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || !svc.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			writeJSONError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		user, err := svc.ValidateJWT(token)
		if err != nil {
			if apiUser, apiErr := svc.ValidateAPIKey(token); apiErr == nil {
				user = apiUser
			} else {
				writeJSONError(w, http.StatusUnauthorized, err)
				return
			}
		}

		r = r.WithContext(auth.WithUser(r.Context(), user))
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
