package multiagent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// BackgroundTaskStatus mirrors the spec's BackgroundTask.status field.
type BackgroundTaskStatus string

const (
	BackgroundTaskPending   BackgroundTaskStatus = "pending"
	BackgroundTaskRunning   BackgroundTaskStatus = "running"
	BackgroundTaskCompleted BackgroundTaskStatus = "completed"
	BackgroundTaskFailed    BackgroundTaskStatus = "failed"
	BackgroundTaskCancelled BackgroundTaskStatus = "cancelled"
)

func (s BackgroundTaskStatus) terminal() bool {
	switch s {
	case BackgroundTaskCompleted, BackgroundTaskFailed, BackgroundTaskCancelled:
		return true
	default:
		return false
	}
}

// SpawnMode selects whether spawn() blocks the caller.
type SpawnMode string

const (
	ModeForeground SpawnMode = "foreground"
	ModeBackground SpawnMode = "background"
)

// HistoryEntry records one message appended to a background task's private session.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskSpec is the caller-supplied description of work to run in a sub-agent.
type TaskSpec struct {
	AgentType  string         `json:"agent_type"`
	Prompt     string         `json:"prompt"`
	Priority   int            `json:"priority"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	Thoroughness string       `json:"thoroughness,omitempty"` // explore agent-type only: quick|medium|thorough
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// BackgroundTask is the persisted record of one spawned sub-conversation (spec §3).
type BackgroundTask struct {
	ID                  string                 `json:"id"`
	AgentType           string                 `json:"agent_type"`
	Prompt              string                 `json:"prompt"`
	Status              BackgroundTaskStatus   `json:"status"`
	History             []HistoryEntry         `json:"history,omitempty"`
	IntermediateResults []json.RawMessage      `json:"intermediate_results,omitempty"`
	OutputOffset        int                    `json:"output_offset"`
	LastReportedOutput  string                 `json:"last_reported_output,omitempty"`
	Notified            bool                   `json:"notified"`
	Priority            int                    `json:"priority"`
	DependsOn           []string               `json:"depends_on,omitempty"`
	Result              string                 `json:"result,omitempty"`
	Error               string                 `json:"error,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
	StartedAt           *time.Time             `json:"started_at,omitempty"`
	EndedAt             *time.Time             `json:"ended_at,omitempty"`
	cancel              context.CancelFunc
}

// IsTerminal reports whether the task has reached a terminal status.
func (t *BackgroundTask) IsTerminal() bool { return t.Status.terminal() }

// TaskHandle is returned by spawn(); background callers poll or wait on it.
type TaskHandle struct {
	ID   string
	Done <-chan struct{}
}

// TaskAttachment is a synthetic message the scheduler injects into the main loop's
// conversation to report sub-agent progress or terminal status (spec §4.5).
type TaskAttachment struct {
	Kind        string // "task_status" | "task_progress"
	TaskID      string
	Status      BackgroundTaskStatus
	DeltaSummary string
	Message     string
}

// AgentTypeConfig describes one registered sub-agent type (spec §4.5).
type AgentTypeConfig struct {
	Name           string
	AllowedTools   []string
	ReadOnly       bool
	DefaultModel   string
	DefaultSystem  string
	// Thoroughness controls result caps/search breadth for the "explore" type;
	// ignored by other types.
	ThoroughnessLevels []string
}

// DefaultAgentTypes returns the three built-in sub-agent types (spec §4.5).
func DefaultAgentTypes() map[string]*AgentTypeConfig {
	return map[string]*AgentTypeConfig{
		"general-purpose": {
			Name:          "general-purpose",
			AllowedTools:  nil, // nil = all tools
			ReadOnly:      false,
			DefaultSystem: "You are a general-purpose sub-agent. Complete the assigned task and report back.",
		},
		"explore": {
			Name:               "explore",
			AllowedTools:       []string{"read", "grep", "websearch", "webfetch"},
			ReadOnly:           true,
			DefaultSystem:      "You are a read-only exploration sub-agent. Investigate and report findings; do not modify anything.",
			ThoroughnessLevels: []string{"quick", "medium", "thorough"},
		},
		"plan": {
			Name:          "plan",
			AllowedTools:  []string{"read", "grep"},
			ReadOnly:      true,
			DefaultSystem: "You are a planning sub-agent. Produce a structured, step-by-step plan artifact; do not execute it.",
		},
	}
}

// SchedulerConfig configures the SubAgentScheduler.
type SchedulerConfig struct {
	// MaxConcurrency bounds simultaneously-running background tasks
	// (spec: MAX_SUBAGENT_CONCURRENCY, default 5).
	MaxConcurrency int

	// ProgressInterval is how many main-loop turns elapse between task_progress
	// attachments for a given running task (default 3).
	ProgressInterval int

	// StateDir is where the JSONL per-task log files are written.
	// One file per task id: <StateDir>/<id>.jsonl.
	StateDir string

	Logger *slog.Logger
}

func (c *SchedulerConfig) setDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 5
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// SubAgentScheduler runs bounded sub-conversations on behalf of a main ConversationLoop,
// enforcing priority+dependency ordering and a global concurrency cap (spec §4.5).
type SubAgentScheduler struct {
	mu         sync.Mutex
	cfg        SchedulerConfig
	provider   agent.LLMProvider
	agentTypes map[string]*AgentTypeConfig
	tasks      map[string]*BackgroundTask
	pending    []*BackgroundTask // awaiting dependency/concurrency slot, priority-ordered
	sem        chan struct{}
	turnCount  map[string]int // per-task turns since last progress report
}

// NewSubAgentScheduler constructs a scheduler. If cfg.StateDir is non-empty, any
// previously-persisted tasks are reloaded and any still "running" are marked
// failed{reason: crashed} per spec §4.5 crash semantics.
func NewSubAgentScheduler(cfg SchedulerConfig, provider agent.LLMProvider) *SubAgentScheduler {
	cfg.setDefaults()
	s := &SubAgentScheduler{
		cfg:        cfg,
		provider:   provider,
		agentTypes: DefaultAgentTypes(),
		tasks:      make(map[string]*BackgroundTask),
		sem:        make(chan struct{}, cfg.MaxConcurrency),
		turnCount:  make(map[string]int),
	}
	s.recoverFromDisk()
	return s
}

// RegisterAgentType adds or overrides a user-defined sub-agent type, e.g. discovered
// from a configuration directory at startup (spec §4.5).
func (s *SubAgentScheduler) RegisterAgentType(cfg *AgentTypeConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentTypes[cfg.Name] = cfg
}

// Spawn enqueues a new sub-agent task. Foreground mode blocks until the task reaches
// a terminal state and returns its result; background mode returns immediately with
// a handle the caller may poll (spec §4.5 Launch API).
func (s *SubAgentScheduler) Spawn(ctx context.Context, spec TaskSpec, mode SpawnMode) (*TaskHandle, error) {
	if _, ok := s.agentTypes[spec.AgentType]; !ok {
		return nil, fmt.Errorf("unknown agent type %q", spec.AgentType)
	}

	s.mu.Lock()
	if err := s.wouldCreateCycle(spec.DependsOn, ""); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	task := &BackgroundTask{
		ID:        uuid.NewString(),
		AgentType: spec.AgentType,
		Prompt:    spec.Prompt,
		Status:    BackgroundTaskPending,
		Priority:  spec.Priority,
		DependsOn: append([]string(nil), spec.DependsOn...),
		CreatedAt: time.Now(),
	}
	s.tasks[task.ID] = task
	s.enqueuePendingLocked(task)
	s.persist(task)
	s.mu.Unlock()

	done := make(chan struct{})
	go s.drainReady(context.Background(), done, task.ID)

	handle := &TaskHandle{ID: task.ID, Done: done}

	if mode == ModeForeground {
		select {
		case <-done:
		case <-ctx.Done():
			s.Cancel(task.ID)
			return handle, ctx.Err()
		}
	}
	return handle, nil
}

// wouldCreateCycle runs a topological check across all known tasks plus the
// candidate's proposed dependency edges, returning an error if a cycle is found
// (spec §4.5/§9: "dependency cycles detected by topological check at spawn time").
func (s *SubAgentScheduler) wouldCreateCycle(dependsOn []string, selfID string) error {
	edges := make(map[string][]string, len(s.tasks)+1)
	for id, t := range s.tasks {
		edges[id] = t.DependsOn
	}
	candidateID := selfID
	if candidateID == "" {
		candidateID = "__pending__"
	}
	edges[candidateID] = dependsOn

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("dependency cycle detected at task %q", id)
		}
		color[id] = gray
		for _, dep := range edges[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	return visit(candidateID)
}

// enqueuePendingLocked inserts a task into the priority-ordered pending queue.
// Caller must hold s.mu.
func (s *SubAgentScheduler) enqueuePendingLocked(task *BackgroundTask) {
	s.pending = append(s.pending, task)
	sort.SliceStable(s.pending, func(i, j int) bool {
		return s.pending[i].Priority > s.pending[j].Priority
	})
}

// dependenciesSatisfied reports whether every task this one depends_on has
// completed successfully. Caller must hold s.mu.
func (s *SubAgentScheduler) dependenciesSatisfied(task *BackgroundTask) bool {
	for _, dep := range task.DependsOn {
		d, ok := s.tasks[dep]
		if !ok || d.Status != BackgroundTaskCompleted {
			return false
		}
	}
	return true
}

// drainReady waits for a concurrency slot and satisfied dependencies, then runs the
// task; it keeps trying (re-checking the pending queue) until this task has started
// or been cancelled.
func (s *SubAgentScheduler) drainReady(ctx context.Context, done chan struct{}, taskID string) {
	for {
		s.mu.Lock()
		task := s.tasks[taskID]
		if task == nil || task.IsTerminal() {
			s.mu.Unlock()
			close(done)
			return
		}
		ready := s.dependenciesSatisfied(task)
		s.mu.Unlock()

		if !ready {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		select {
		case s.sem <- struct{}{}:
		case <-time.After(50 * time.Millisecond):
			continue
		}

		s.runTask(ctx, task)
		<-s.sem
		close(done)
		return
	}
}

// runTask executes one task to completion against its agent-type runtime.
func (s *SubAgentScheduler) runTask(parentCtx context.Context, task *BackgroundTask) {
	taskCtx, cancel := context.WithCancel(parentCtx)

	s.mu.Lock()
	now := time.Now()
	task.Status = BackgroundTaskRunning
	task.StartedAt = &now
	task.cancel = cancel
	s.persist(task)
	s.mu.Unlock()

	atype := s.agentTypes[task.AgentType]
	runtime := agent.NewRuntime(s.provider, nil)
	if atype.DefaultSystem != "" {
		runtime.SetSystemPrompt(atype.DefaultSystem)
	}

	session := &models.Session{ID: "subagent-" + task.ID, CreatedAt: now, UpdatedAt: now}
	msg := &models.Message{ID: uuid.NewString(), SessionID: session.ID, Role: models.RoleUser, Content: task.Prompt, CreatedAt: now}

	chunks, err := runtime.Process(taskCtx, session, msg)
	var result string
	if err != nil {
		s.complete(task, "", err)
		return
	}
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			s.complete(task, result, chunk.Error)
			return
		}
		if chunk.Text != "" {
			result += chunk.Text
			s.recordHistory(task, "assistant", chunk.Text)
		}
	}
	s.complete(task, result, nil)
}

func (s *SubAgentScheduler) recordHistory(task *BackgroundTask, role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task.History = append(task.History, HistoryEntry{Role: role, Content: content, Timestamp: time.Now()})
}

func (s *SubAgentScheduler) complete(task *BackgroundTask, result string, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	task.EndedAt = &now
	task.Result = result
	if runErr != nil {
		task.Status = BackgroundTaskFailed
		task.Error = runErr.Error()
	} else {
		task.Status = BackgroundTaskCompleted
	}
	s.persist(task)
}

// Cancel propagates cancellation to a running task's provider stream and pending
// tool invocations (spec §4.5 Cancellation & crash).
func (s *SubAgentScheduler) Cancel(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}
	if task.IsTerminal() {
		return nil
	}
	if task.cancel != nil {
		task.cancel()
	}
	now := time.Now()
	task.Status = BackgroundTaskCancelled
	task.EndedAt = &now
	s.persist(task)
	return nil
}

// Get returns a copy of a task's current state.
func (s *SubAgentScheduler) Get(taskID string) (*BackgroundTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	copied := *t
	return &copied, true
}

// List returns a copy of every known task's current state, sorted by ID for
// stable output (used by the HTTP control surface's background-task status
// endpoint).
func (s *SubAgentScheduler) List() []*BackgroundTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*BackgroundTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		copied := *t
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PollAttachments returns any task_status/task_progress attachments due to be
// surfaced to the main loop, advancing each running task's turn counter by one
// (spec §4.5: "task_progress at most once per progress_interval main-loop turns").
func (s *SubAgentScheduler) PollAttachments(ctx context.Context) []TaskAttachment {
	s.mu.Lock()
	var due []*BackgroundTask
	for id, t := range s.tasks {
		if t.IsTerminal() && !t.Notified {
			t.Notified = true
			due = append(due, t)
			continue
		}
		if t.Status == BackgroundTaskRunning {
			s.turnCount[id]++
			if s.turnCount[id] >= s.cfg.ProgressInterval {
				s.turnCount[id] = 0
				due = append(due, t)
			}
		}
	}
	s.mu.Unlock()

	var attachments []TaskAttachment
	for _, t := range due {
		if t.IsTerminal() {
			attachments = append(attachments, TaskAttachment{
				Kind:   "task_status",
				TaskID: t.ID,
				Status: t.Status,
			})
			continue
		}
		summary := s.deltaSummary(ctx, t)
		if summary == "" {
			// Empty (or nil) delta summary suppresses the attachment entirely
			// (spec §9 Open Question, resolved: stricter reading).
			continue
		}
		attachments = append(attachments, TaskAttachment{
			Kind:         "task_progress",
			TaskID:       t.ID,
			DeltaSummary: summary,
		})
	}
	return attachments
}

// deltaSummary asks the provider for a 1-2 sentence summary of messages appended
// since the task's last report (spec §4.5 Delta summary generation).
func (s *SubAgentScheduler) deltaSummary(ctx context.Context, t *BackgroundTask) string {
	s.mu.Lock()
	newHistory := t.History[min(len(t.History), t.OutputOffset):]
	s.mu.Unlock()
	if len(newHistory) == 0 {
		return ""
	}

	var body string
	for _, h := range newHistory {
		body += h.Content + "\n"
	}

	req := &agent.CompletionRequest{
		System: "Summarize, in 1-2 sentences, the progress represented by these new sub-agent messages. If there is no meaningful progress, respond with an empty string.",
		Messages: []agent.CompletionMessage{
			{Role: "user", Content: body},
		},
		MaxTokens: 200,
	}

	var summary string
	chunks, err := s.provider.Complete(ctx, req)
	if err != nil {
		return ""
	}
	for chunk := range chunks {
		if chunk.Error != nil {
			break
		}
		summary += chunk.Text
	}

	s.mu.Lock()
	t.OutputOffset = len(t.History)
	t.LastReportedOutput = summary
	s.mu.Unlock()
	return summary
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// persist appends the task's current state as one JSONL line to its per-task log
// file (spec §3 BackgroundTask persistence: "per-process state directory as JSONL
// append-only log keyed by task id"). Caller must hold s.mu.
func (s *SubAgentScheduler) persist(task *BackgroundTask) {
	if s.cfg.StateDir == "" {
		return
	}
	if err := os.MkdirAll(s.cfg.StateDir, 0o755); err != nil {
		s.cfg.Logger.Error("subagent scheduler: failed to create state dir", "error", err)
		return
	}
	path := filepath.Join(s.cfg.StateDir, task.ID+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.cfg.Logger.Error("subagent scheduler: failed to open task log", "task", task.ID, "error", err)
		return
	}
	defer f.Close()

	line, err := json.Marshal(task)
	if err != nil {
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		s.cfg.Logger.Error("subagent scheduler: failed to append task log", "task", task.ID, "error", err)
	}
}

// recoverFromDisk replays each <id>.jsonl file's last line to reconstruct task
// state at startup, marking any task still "running" as failed{reason: crashed}
// (spec §4.5 Cancellation & crash: "On process crash, persisted state is reloaded
// at startup and running tasks are marked failed{reason: crashed}").
func (s *SubAgentScheduler) recoverFromDisk() {
	if s.cfg.StateDir == "" {
		return
	}
	entries, err := os.ReadDir(s.cfg.StateDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		path := filepath.Join(s.cfg.StateDir, entry.Name())
		task, err := replayLastLine(path)
		if err != nil || task == nil {
			continue
		}
		if task.Status == BackgroundTaskRunning {
			now := time.Now()
			task.Status = BackgroundTaskFailed
			task.Error = "crashed"
			task.EndedAt = &now
		}
		s.tasks[task.ID] = task
	}
}

func replayLastLine(path string) (*BackgroundTask, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var last []byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var probe BackgroundTask
		if err := json.Unmarshal(line, &probe); err != nil {
			// A partially-written final line is discarded, matching SessionStore
			// crash semantics (spec §4.7).
			continue
		}
		last = append(last[:0], line...)
	}
	if last == nil {
		return nil, nil
	}
	var task BackgroundTask
	if err := json.Unmarshal(last, &task); err != nil {
		return nil, err
	}
	return &task, nil
}
