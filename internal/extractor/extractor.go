// Package extractor bridges memcore to an external LLM extraction
// collaborator: given raw conversation messages, it proposes memories,
// entities, and relations to persist. The collaborator itself is a
// non-goal; this package only defines the contract and best-effort /
// asynchronous wrappers around it.
package extractor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"memcore/internal/logging"
	"memcore/pkg/types"
)

// Memory is one memory candidate an extraction run proposed.
type Memory struct {
	Content string   `json:"content"`
	Type    string   `json:"type"`
	Tags    []string `json:"tags"`
}

// Relation is a proposed (from, type, to) edge between extracted
// entities or memories.
type Relation struct {
	From string `json:"from"`
	Type string `json:"type"`
	To   string `json:"to"`
}

// Result is the extraction collaborator's output for one call.
type Result struct {
	Memories  []Memory   `json:"memories"`
	Entities  []string   `json:"entities"`
	Relations []Relation `json:"relations"`
}

// Gateway extracts structured memories, entities, and relations from raw
// conversation messages.
type Gateway interface {
	Extract(ctx context.Context, messages []string) (Result, error)
}

// BestEffortGateway wraps a Gateway so extraction failures never
// propagate: the coordinator treats extraction as optional enrichment,
// never a reason to fail create_memory.
type BestEffortGateway struct {
	inner  Gateway
	logger logging.Logger
}

// NewBestEffortGateway wraps inner.
func NewBestEffortGateway(inner Gateway, logger logging.Logger) *BestEffortGateway {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO)
	}
	return &BestEffortGateway{inner: inner, logger: logger.WithComponent("extractor")}
}

// Extract implements Gateway, swallowing any inner failure to an empty
// Result.
func (g *BestEffortGateway) Extract(ctx context.Context, messages []string) (Result, error) {
	if g.inner == nil {
		return Result{}, nil
	}
	result, err := g.inner.Extract(ctx, messages)
	if err != nil {
		g.logger.WarnContext(ctx, "extraction failed, continuing with empty result", "error", err.Error())
		return Result{}, nil
	}
	return result, nil
}

// AsyncGateway runs extraction in the background and tracks progress
// through types.AsyncTask, for collaborators too slow to block a
// create_memory call on.
type AsyncGateway struct {
	inner Gateway

	mu    sync.RWMutex
	tasks map[string]*types.AsyncTask
}

// NewAsyncGateway wraps inner for asynchronous extraction.
func NewAsyncGateway(inner Gateway) *AsyncGateway {
	return &AsyncGateway{inner: inner, tasks: make(map[string]*types.AsyncTask)}
}

// Submit starts extraction in a background goroutine and returns
// immediately with a task ID the caller can poll via GetTask.
func (g *AsyncGateway) Submit(ctx context.Context, messages []string) string {
	taskID := uuid.NewString()
	now := time.Now().UTC()
	task := &types.AsyncTask{TaskID: taskID, Status: types.TaskPending, CreatedAt: now, UpdatedAt: now}

	g.mu.Lock()
	g.tasks[taskID] = task
	g.mu.Unlock()

	go g.run(ctx, taskID, messages)
	return taskID
}

func (g *AsyncGateway) run(ctx context.Context, taskID string, messages []string) {
	g.setStatus(taskID, types.TaskRunning, nil, "")

	result, err := g.inner.Extract(ctx, messages)
	if err != nil {
		g.setStatus(taskID, types.TaskFailed, nil, err.Error())
		return
	}
	g.setStatus(taskID, types.TaskSuccess, result, "")
}

func (g *AsyncGateway) setStatus(taskID string, status types.TaskStatus, result interface{}, errMsg string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.tasks[taskID]
	if !ok {
		return
	}
	task.Status = status
	task.Result = result
	task.Error = errMsg
	task.UpdatedAt = time.Now().UTC()
}

// GetTask returns the current state of a submitted task.
func (g *AsyncGateway) GetTask(taskID string) (*types.AsyncTask, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, ok := g.tasks[taskID]
	if !ok {
		return nil, false
	}
	clone := *task
	return &clone, true
}

// NoopGateway is a Gateway with no collaborator configured: every call
// returns an empty Result and a descriptive error, so BestEffortGateway
// degrades it to "no extraction happened" without a panic.
type NoopGateway struct{}

// Extract implements Gateway.
func (NoopGateway) Extract(context.Context, []string) (Result, error) {
	return Result{}, fmt.Errorf("extractor: no gateway configured")
}

var (
	_ Gateway = (*BestEffortGateway)(nil)
	_ Gateway = NoopGateway{}
)
