package multiagent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-core/internal/agent"
)

// fakeProvider is a minimal agent.LLMProvider that echoes a canned response.
type fakeProvider struct {
	reply string
}

func (f *fakeProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 2)
	go func() {
		defer close(ch)
		reply := f.reply
		if reply == "" {
			reply = "done"
		}
		ch <- &agent.CompletionChunk{Text: reply}
		ch <- &agent.CompletionChunk{Done: true}
	}()
	return ch, nil
}

func (f *fakeProvider) Name() string                   { return "fake" }
func (f *fakeProvider) Models() []agent.Model           { return nil }
func (f *fakeProvider) SupportsTools() bool             { return false }

func newTestScheduler(t *testing.T) *SubAgentScheduler {
	t.Helper()
	dir := t.TempDir()
	return NewSubAgentScheduler(SchedulerConfig{
		MaxConcurrency: 2,
		StateDir:       dir,
	}, &fakeProvider{reply: "sub-agent result"})
}

func TestSubAgentScheduler_SpawnForegroundCompletes(t *testing.T) {
	s := newTestScheduler(t)

	handle, err := s.Spawn(context.Background(), TaskSpec{
		AgentType: "general-purpose",
		Prompt:    "say hi",
		Priority:  1,
	}, ModeForeground)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	task, ok := s.Get(handle.ID)
	if !ok {
		t.Fatalf("expected task %s to exist", handle.ID)
	}
	if task.Status != BackgroundTaskCompleted {
		t.Fatalf("expected completed, got %s (err=%s)", task.Status, task.Error)
	}
	if task.Result == "" {
		t.Fatalf("expected non-empty result")
	}
}

func TestSubAgentScheduler_UnknownAgentTypeRejected(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.Spawn(context.Background(), TaskSpec{AgentType: "nonexistent", Prompt: "x"}, ModeForeground)
	if err == nil {
		t.Fatal("expected error for unknown agent type")
	}
}

func TestSubAgentScheduler_DependencyCycleRejected(t *testing.T) {
	s := newTestScheduler(t)

	handle, err := s.Spawn(context.Background(), TaskSpec{AgentType: "plan", Prompt: "p1"}, ModeBackground)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	<-handle.Done

	// Force the completed task to depend on a not-yet-created task whose id we
	// control, then attempt to spawn that task depending back on the first —
	// closing the cycle.
	s.mu.Lock()
	s.tasks[handle.ID].DependsOn = []string{"future-task"}
	s.mu.Unlock()

	_, err = s.Spawn(context.Background(), TaskSpec{
		AgentType: "plan",
		Prompt:    "p2",
		DependsOn: []string{handle.ID},
	}, ModeBackground)
	if err == nil {
		t.Fatal("expected cycle detection error")
	}
}

func TestSubAgentScheduler_BackgroundRespectsDependsOn(t *testing.T) {
	s := newTestScheduler(t)

	first, err := s.Spawn(context.Background(), TaskSpec{AgentType: "general-purpose", Prompt: "first"}, ModeBackground)
	if err != nil {
		t.Fatalf("spawn first: %v", err)
	}

	second, err := s.Spawn(context.Background(), TaskSpec{
		AgentType: "general-purpose",
		Prompt:    "second",
		DependsOn: []string{first.ID},
	}, ModeBackground)
	if err != nil {
		t.Fatalf("spawn second: %v", err)
	}

	select {
	case <-second.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dependent task")
	}

	secondTask, _ := s.Get(second.ID)
	if secondTask.Status != BackgroundTaskCompleted {
		t.Fatalf("expected second task completed, got %s", secondTask.Status)
	}
}

func TestSubAgentScheduler_ConcurrencyCap(t *testing.T) {
	s := newTestScheduler(t)
	s.cfg.MaxConcurrency = 1
	s.sem = make(chan struct{}, 1)

	var handles []*TaskHandle
	for i := 0; i < 3; i++ {
		h, err := s.Spawn(context.Background(), TaskSpec{AgentType: "general-purpose", Prompt: "x"}, ModeBackground)
		if err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		select {
		case <-h.Done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for task under concurrency cap")
		}
	}
}

func TestSubAgentScheduler_CrashRecoveryMarksRunningAsFailed(t *testing.T) {
	dir := t.TempDir()
	s := NewSubAgentScheduler(SchedulerConfig{MaxConcurrency: 1, StateDir: dir}, &fakeProvider{})

	handle, err := s.Spawn(context.Background(), TaskSpec{AgentType: "plan", Prompt: "slow"}, ModeBackground)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	<-handle.Done

	// Simulate a crash mid-run by writing a "running" snapshot directly to the
	// task's log file, then constructing a fresh scheduler over the same dir.
	s.mu.Lock()
	task := s.tasks[handle.ID]
	task.Status = BackgroundTaskRunning
	s.persist(task)
	s.mu.Unlock()

	if _, err := os.Stat(filepath.Join(dir, handle.ID+".jsonl")); err != nil {
		t.Fatalf("expected log file to exist: %v", err)
	}

	recovered := NewSubAgentScheduler(SchedulerConfig{MaxConcurrency: 1, StateDir: dir}, &fakeProvider{})
	rt, ok := recovered.Get(handle.ID)
	if !ok {
		t.Fatalf("expected recovered task %s", handle.ID)
	}
	if rt.Status != BackgroundTaskFailed || rt.Error != "crashed" {
		t.Fatalf("expected failed{crashed}, got status=%s error=%s", rt.Status, rt.Error)
	}
}

func TestSubAgentScheduler_CancelStopsPendingTask(t *testing.T) {
	s := newTestScheduler(t)
	s.cfg.MaxConcurrency = 0
	s.sem = make(chan struct{}, 1)

	handle, err := s.Spawn(context.Background(), TaskSpec{AgentType: "general-purpose", Prompt: "x"}, ModeBackground)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := s.Cancel(handle.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	task, _ := s.Get(handle.ID)
	if task.Status != BackgroundTaskCancelled {
		t.Fatalf("expected cancelled, got %s", task.Status)
	}
}
