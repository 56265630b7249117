package agent

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/haasonsaas/nexus-core/pkg/models"
)

// ConcurrencySafeTool is implemented by tools that can safely run in parallel
// with other concurrency-safe tools for some or all inputs (e.g. a read-only
// file read, a web search). Tools that do not implement this interface are
// treated as unsafe for any input and always run serially.
type ConcurrencySafeTool interface {
	// IsConcurrencySafe reports whether this particular invocation (given its
	// input) is safe to run alongside other concurrency-safe invocations.
	IsConcurrencySafe(input json.RawMessage) bool
}

// QueueConfig configures a ToolExecutionQueue.
type QueueConfig struct {
	// MaxConcurrency bounds how many concurrency-safe calls may execute
	// simultaneously. Default: 10.
	MaxConcurrency int
}

func (c *QueueConfig) setDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 10
	}
}

// ToolExecutionQueue schedules one batch of tool calls produced by a single
// assistant turn. Unlike Executor.ExecuteAll (which fires every call in
// parallel), the queue enforces a specific ordering discipline:
//
//  1. Scan the batch head to tail, building a "concurrency-safe prefix": an
//     item joins the prefix if it is concurrency-safe for its input AND the
//     number of currently-executing items is below the concurrency cap AND
//     every currently-executing item is itself concurrency-safe.
//  2. The first item that breaks that chain (because it is not
//     concurrency-safe, or the cap is reached) serializes the queue: nothing
//     after it may start until it, and everything started before it, has
//     finished.
//  3. Results are always yielded to the caller in original submission order,
//     regardless of the order in which calls actually complete.
//  4. If any call produces an error, every call at a higher index that has
//     not yet started is resolved immediately with a synthetic sibling-error
//     result; calls already executing are allowed to finish normally.
type ToolExecutionQueue struct {
	registry *ToolRegistry
	config   QueueConfig
	gate     PermissionChecker
}

// PermissionChecker is consulted once per tool call before it is allowed to
// start. Implementations typically wrap a PermissionGate.
type PermissionChecker interface {
	Allow(ctx context.Context, call models.ToolCall) (bool, error)
}

// NewToolExecutionQueue builds a queue over the given registry. gate may be
// nil, in which case every call is allowed.
func NewToolExecutionQueue(registry *ToolRegistry, config QueueConfig, gate PermissionChecker) *ToolExecutionQueue {
	config.setDefaults()
	return &ToolExecutionQueue{registry: registry, config: config, gate: gate}
}

// QueueResult is one batch item's outcome, indexed identically to the input
// calls slice.
type QueueResult struct {
	ToolCallID string
	Result     *ToolResult
	Err        error
	// SiblingError is true when this result is synthetic, produced because an
	// earlier sibling in the same batch failed before this item started.
	SiblingError bool
}

type queueItem struct {
	index  int
	call   models.ToolCall
	safe   bool
	done   chan struct{}
	result *QueueResult
}

// Run executes one batch according to the discipline documented on
// ToolExecutionQueue, returning results in submission order.
func (q *ToolExecutionQueue) Run(ctx context.Context, calls []models.ToolCall) []*QueueResult {
	if len(calls) == 0 {
		return nil
	}

	items := make([]*queueItem, len(calls))
	for i, call := range calls {
		items[i] = &queueItem{index: i, call: call, safe: q.isSafe(call), done: make(chan struct{})}
	}

	var mu sync.Mutex
	failed := false
	executing := 0
	var wg sync.WaitGroup

	start := func(it *queueItem) {
		mu.Lock()
		executing++
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				mu.Lock()
				executing--
				mu.Unlock()
				close(it.done)
			}()

			allowed, permErr := q.checkPermission(ctx, it.call)
			if permErr != nil || !allowed {
				mu.Lock()
				failed = true
				mu.Unlock()
				it.result = &QueueResult{ToolCallID: it.call.ID, Err: permissionErr(permErr, allowed)}
				return
			}

			res, err := q.registry.Execute(ctx, it.call.Name, it.call.Input)
			if err != nil {
				mu.Lock()
				failed = true
				mu.Unlock()
			}
			it.result = &QueueResult{ToolCallID: it.call.ID, Result: res, Err: err}
		}()
	}

	i := 0
	for i < len(items) {
		mu.Lock()
		curFailed := failed
		curExecuting := executing
		mu.Unlock()

		if curFailed {
			break
		}

		it := items[i]
		if it.safe && curExecuting < q.config.MaxConcurrency {
			// Extend the concurrency-safe prefix: start this item alongside
			// whatever is already running, then continue scanning without
			// waiting for it.
			start(it)
			i++
			continue
		}

		// Serializing item: wait for everything already running to drain
		// before starting it, then wait for it alone before continuing.
		wg.Wait()
		mu.Lock()
		curFailed = failed
		mu.Unlock()
		if curFailed {
			break
		}
		start(it)
		wg.Wait()
		i++
	}

	// A failure occurred: resolve every not-yet-started item with a synthetic
	// sibling-error result, then let started items finish naturally.
	wg.Wait()
	for _, it := range items {
		if it.result == nil {
			it.result = &QueueResult{ToolCallID: it.call.ID, SiblingError: true, Err: errSiblingFailed}
		}
	}

	results := make([]*QueueResult, len(items))
	for idx, it := range items {
		results[idx] = it.result
	}
	return results
}

func (q *ToolExecutionQueue) isSafe(call models.ToolCall) bool {
	tool, ok := q.registry.Get(call.Name)
	if !ok || tool == nil {
		return false
	}
	safeTool, ok := tool.(ConcurrencySafeTool)
	if !ok {
		return false
	}
	return safeTool.IsConcurrencySafe(call.Input)
}

func (q *ToolExecutionQueue) checkPermission(ctx context.Context, call models.ToolCall) (bool, error) {
	if q.gate == nil {
		return true, nil
	}
	return q.gate.Allow(ctx, call)
}

func permissionErr(err error, allowed bool) error {
	if err != nil {
		return err
	}
	if !allowed {
		return ErrPermissionDenied
	}
	return nil
}
