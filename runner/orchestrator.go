package runner

import (
	"context"
	"time"

	"github.com/ryehq/rye-core/capability"
	"github.com/ryehq/rye-core/harness"
	"github.com/ryehq/rye-core/registry"
)

// SpawnRequest describes a child thread for an Orchestrator to start on
// behalf of a spawn_thread tool call.
type SpawnRequest struct {
	Directive   string
	Inputs      map[string]any
	ParentID    string
	ParentToken *capability.Token
	ParentDepth int
	OriginSpace registry.OriginSpace

	// Async starts the child without blocking for completion. Fork
	// additionally requests the cross-process tier; Async without Fork runs
	// the child as an in-process goroutine.
	Async bool
	Fork  bool
}

// SpawnResult is returned immediately by SpawnThread.
type SpawnResult struct {
	ThreadID string
	PID      int // 0 for in-process children
}

// ThreadResult is one thread's outcome as reported by WaitThreads/AggregateResults.
type ThreadResult struct {
	ThreadID string
	Status   registry.Status
	Outputs  map[string]any
	Cost     harness.Usage
	Err      error
}

// WaitResult is the outcome of waiting on, or snapshotting, a set of thread ids.
type WaitResult struct {
	PerID            map[string]ThreadResult
	AggregateSuccess bool
}

// Orchestrator is the contract the spawn_thread/wait_threads/aggregate_results/
// get_status/list_active/kill_thread tool calls dispatch directly against,
// bypassing the generic Tool Dispatcher since these operations construct and
// run other Runners rather than resolving a dotted-id item.
type Orchestrator interface {
	SpawnThread(ctx context.Context, req SpawnRequest) (SpawnResult, error)
	WaitThreads(ctx context.Context, ids []string, timeout time.Duration) (WaitResult, error)
	AggregateResults(ctx context.Context, ids []string) (WaitResult, error)
	GetStatus(ctx context.Context, id string) (registry.Record, error)
	ListActive(ctx context.Context) ([]registry.Record, error)
	KillThread(ctx context.Context, id string, grace time.Duration) error
}
