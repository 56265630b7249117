package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-core/pkg/models"
)

// queueTestTool is a Tool optionally implementing ConcurrencySafeTool.
type queueTestTool struct {
	name      string
	safe      bool
	delay     time.Duration
	fail      bool
	execCount atomic.Int32
	mu        sync.Mutex
	started   []time.Time
}

func (t *queueTestTool) Name() string            { return t.name }
func (t *queueTestTool) Description() string     { return "test" }
func (t *queueTestTool) Schema() json.RawMessage { return json.RawMessage(`{}`) }
func (t *queueTestTool) IsConcurrencySafe(input json.RawMessage) bool { return t.safe }

func (t *queueTestTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	t.execCount.Add(1)
	t.mu.Lock()
	t.started = append(t.started, time.Now())
	t.mu.Unlock()
	if t.delay > 0 {
		time.Sleep(t.delay)
	}
	if t.fail {
		return nil, errors.New("boom")
	}
	return &ToolResult{Content: "ok"}, nil
}

func newQueueRegistry(tools ...*queueTestTool) *ToolRegistry {
	reg := NewToolRegistry()
	for _, tool := range tools {
		reg.Register(tool)
	}
	return reg
}

func TestToolExecutionQueue_AllSafeRunConcurrently(t *testing.T) {
	a := &queueTestTool{name: "a", safe: true, delay: 30 * time.Millisecond}
	b := &queueTestTool{name: "b", safe: true, delay: 30 * time.Millisecond}
	reg := newQueueRegistry(a, b)
	q := NewToolExecutionQueue(reg, QueueConfig{MaxConcurrency: 5}, nil)

	calls := []models.ToolCall{{ID: "1", Name: "a"}, {ID: "2", Name: "b"}}
	start := time.Now()
	results := q.Run(context.Background(), calls)
	elapsed := time.Since(start)

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("unexpected error: %v", r.Err)
		}
	}
	if elapsed > 55*time.Millisecond {
		t.Fatalf("expected concurrent execution (~30ms), took %s", elapsed)
	}
}

func TestToolExecutionQueue_UnsafeItemSerializes(t *testing.T) {
	a := &queueTestTool{name: "a", safe: true, delay: 20 * time.Millisecond}
	unsafe := &queueTestTool{name: "unsafe", safe: false, delay: 20 * time.Millisecond}
	c := &queueTestTool{name: "c", safe: true, delay: 20 * time.Millisecond}
	reg := newQueueRegistry(a, unsafe, c)
	q := NewToolExecutionQueue(reg, QueueConfig{MaxConcurrency: 5}, nil)

	calls := []models.ToolCall{{ID: "1", Name: "a"}, {ID: "2", Name: "unsafe"}, {ID: "3", Name: "c"}}
	start := time.Now()
	results := q.Run(context.Background(), calls)
	elapsed := time.Since(start)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	// a runs, then unsafe waits for a to finish and blocks c until it finishes:
	// total wall time should be roughly 3x a single delay, not ~1x.
	if elapsed < 50*time.Millisecond {
		t.Fatalf("expected serialized execution around 60ms, took %s", elapsed)
	}
}

func TestToolExecutionQueue_ResultsInSubmissionOrder(t *testing.T) {
	slow := &queueTestTool{name: "slow", safe: true, delay: 40 * time.Millisecond}
	fast := &queueTestTool{name: "fast", safe: true, delay: 5 * time.Millisecond}
	reg := newQueueRegistry(slow, fast)
	q := NewToolExecutionQueue(reg, QueueConfig{MaxConcurrency: 5}, nil)

	calls := []models.ToolCall{{ID: "slow-1", Name: "slow"}, {ID: "fast-1", Name: "fast"}}
	results := q.Run(context.Background(), calls)

	if results[0].ToolCallID != "slow-1" || results[1].ToolCallID != "fast-1" {
		t.Fatalf("expected results in submission order, got %s then %s", results[0].ToolCallID, results[1].ToolCallID)
	}
}

func TestToolExecutionQueue_FailurePropagatesToUnstartedSiblings(t *testing.T) {
	failing := &queueTestTool{name: "failing", safe: false, fail: true}
	never := &queueTestTool{name: "never", safe: false}
	reg := newQueueRegistry(failing, never)
	q := NewToolExecutionQueue(reg, QueueConfig{MaxConcurrency: 5}, nil)

	calls := []models.ToolCall{{ID: "1", Name: "failing"}, {ID: "2", Name: "never"}}
	results := q.Run(context.Background(), calls)

	if results[0].Err == nil {
		t.Fatalf("expected first call to fail")
	}
	if !results[1].SiblingError {
		t.Fatalf("expected second call to be a synthetic sibling error")
	}
	if never.execCount.Load() != 0 {
		t.Fatalf("expected never-started tool to not execute, ran %d times", never.execCount.Load())
	}
}

func TestToolExecutionQueue_ConcurrencyCapRespected(t *testing.T) {
	tools := make([]*queueTestTool, 4)
	calls := make([]models.ToolCall, 4)
	for i := range tools {
		tools[i] = &queueTestTool{name: string(rune('a' + i)), safe: true, delay: 25 * time.Millisecond}
		calls[i] = models.ToolCall{ID: string(rune('1' + i)), Name: tools[i].name}
	}
	reg := newQueueRegistry(tools...)
	q := NewToolExecutionQueue(reg, QueueConfig{MaxConcurrency: 2}, nil)

	start := time.Now()
	results := q.Run(context.Background(), calls)
	elapsed := time.Since(start)

	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	// With a cap of 2 and 4 safe items at 25ms each, expect ~2 waves (~50ms),
	// not one wave (~25ms) or fully serial (~100ms).
	if elapsed < 40*time.Millisecond {
		t.Fatalf("expected cap to force at least two waves, took %s", elapsed)
	}
}

// denyAllGate rejects every tool call.
type denyAllGate struct{}

func (denyAllGate) Allow(ctx context.Context, call models.ToolCall) (bool, error) { return false, nil }

func TestToolExecutionQueue_PermissionGateDenies(t *testing.T) {
	a := &queueTestTool{name: "a", safe: true}
	reg := newQueueRegistry(a)
	q := NewToolExecutionQueue(reg, QueueConfig{MaxConcurrency: 5}, denyAllGate{})

	results := q.Run(context.Background(), []models.ToolCall{{ID: "1", Name: "a"}})
	if results[0].Err == nil {
		t.Fatalf("expected permission denial error")
	}
	if a.execCount.Load() != 0 {
		t.Fatalf("expected denied tool to never execute")
	}
}
