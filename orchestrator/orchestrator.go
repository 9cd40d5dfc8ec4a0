// Package orchestrator implements thread spawning, waiting, aggregation,
// and cancellation across the two concurrency tiers: cooperative in-process
// goroutines and forked OS processes. Both tiers share the Thread Registry
// and Budget Ledger as their only channel of durable state; in-process
// threads additionally get a zero-latency completion event.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ryehq/rye-core/budget"
	"github.com/ryehq/rye-core/harness"
	"github.com/ryehq/rye-core/registry"
	"github.com/ryehq/rye-core/runner"
	"github.com/ryehq/rye-core/telemetry"
)

// RunnerFunc runs one thread to a terminal Result. A runner.Runner's Run
// method satisfies this directly.
type RunnerFunc func(ctx context.Context, req runner.Request) (runner.Result, error)

// PollBackoff configures the exponential backoff used to observe
// cross-process children, whose completion is not signaled in-process.
type PollBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultPollBackoff is the 1s -> 10s capped backoff spec.md §4.10 specifies.
var DefaultPollBackoff = PollBackoff{Initial: time.Second, Max: 10 * time.Second}

// inProcessHandle tracks one in-process child thread's lifecycle.
type inProcessHandle struct {
	done   chan struct{}
	cancel context.CancelFunc

	mu     sync.Mutex
	result runner.Result
	err    error
}

// Orchestrator drives spawn_thread/wait_threads/aggregate_results/get_status/
// list_active/kill_thread (spec.md §4.10) over a Registry, a Budget Ledger,
// and a RunnerFunc that actually executes one thread. It implements
// runner.Orchestrator so it can be wired directly into a Runner's tool
// dispatch for spawn_thread and friends.
type Orchestrator struct {
	registry registry.Registry
	ledger   budget.Ledger
	run      RunnerFunc
	launcher ProcessLauncher
	backoff  PollBackoff

	mu        sync.Mutex
	inProcess map[string]*inProcessHandle
	processes map[string]ChildHandle

	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// Options configures an Orchestrator. Backoff defaults to DefaultPollBackoff
// and Launcher defaults to OSProcessLauncher when zero-valued. Logger and
// Metrics default to no-ops.
type Options struct {
	Registry registry.Registry
	Ledger   budget.Ledger
	Run      RunnerFunc
	Launcher ProcessLauncher
	Backoff  PollBackoff

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// New constructs an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil || opts.Ledger == nil || opts.Run == nil {
		return nil, fmt.Errorf("orchestrator: Registry, Ledger, and Run are required")
	}
	if opts.Launcher == nil {
		opts.Launcher = OSProcessLauncher{}
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = DefaultPollBackoff
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Orchestrator{
		registry:  opts.Registry,
		ledger:    opts.Ledger,
		run:       opts.Run,
		launcher:  opts.Launcher,
		backoff:   opts.Backoff,
		inProcess: make(map[string]*inProcessHandle),
		processes: make(map[string]ChildHandle),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}, nil
}

func newChildThreadID(directive string) string {
	return fmt.Sprintf("%s-%s", directive, uuid.New().String())
}

// SpawnThread starts a child thread. Sync (Async=false) blocks until the
// child reaches a terminal status; async forks an OS process (Fork=true) or
// launches an in-process goroutine (Fork=false) and returns immediately.
// A child's budget reservation is made against ParentID and forfeited if the
// spawn itself fails before the child ever runs.
func (o *Orchestrator) SpawnThread(ctx context.Context, req runner.SpawnRequest) (runner.SpawnResult, error) {
	threadID := newChildThreadID(req.Directive)
	o.logger.Info(ctx, "spawning thread", "thread_id", threadID, "directive", req.Directive, "parent_id", req.ParentID, "async", req.Async, "fork", req.Fork)
	o.metrics.IncCounter("rye.orchestrator.spawned", 1, "directive", req.Directive)

	childReq := runner.Request{
		ThreadID:         threadID,
		DirectiveName:    req.Directive,
		Inputs:           req.Inputs,
		ParentToken:      req.ParentToken,
		ParentID:         req.ParentID,
		Depth:            req.ParentDepth + 1,
		OriginSpace:      req.OriginSpace,
		ParentBudgetLine: req.ParentID,
	}

	if !req.Async {
		if _, err := o.run(ctx, childReq); err != nil {
			_ = o.ledger.Forfeit(ctx, threadID)
			return runner.SpawnResult{}, fmt.Errorf("orchestrator: running thread %s: %w", threadID, err)
		}
		return runner.SpawnResult{ThreadID: threadID}, nil
	}

	if req.Fork {
		proc, err := o.launcher.Launch(ctx, childReq)
		if err != nil {
			_ = o.ledger.Forfeit(ctx, threadID)
			return runner.SpawnResult{}, fmt.Errorf("orchestrator: forking thread %s: %w", threadID, err)
		}
		o.mu.Lock()
		o.processes[threadID] = proc
		o.mu.Unlock()
		return runner.SpawnResult{ThreadID: threadID, PID: proc.PID()}, nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	handle := &inProcessHandle{done: make(chan struct{}), cancel: cancel}
	o.mu.Lock()
	o.inProcess[threadID] = handle
	o.mu.Unlock()

	go func() {
		defer close(handle.done)
		result, err := o.run(runCtx, childReq)
		handle.mu.Lock()
		handle.result, handle.err = result, err
		handle.mu.Unlock()
		if err != nil {
			_ = o.ledger.Forfeit(context.Background(), threadID)
		}
	}()

	return runner.SpawnResult{ThreadID: threadID}, nil
}

// WaitThreads blocks until every id reaches a terminal status (resolved
// through its continuation chain) or timeout elapses, whichever comes
// first. In-process children resolve via their completion channel;
// cross-process and unknown (already-durable) children are observed by
// polling the Registry with exponential backoff.
func (o *Orchestrator) WaitThreads(ctx context.Context, ids []string, timeout time.Duration) (runner.WaitResult, error) {
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := runner.WaitResult{PerID: make(map[string]runner.ThreadResult, len(ids)), AggregateSuccess: true}
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			tr := o.waitOne(waitCtx, id)
			mu.Lock()
			res.PerID[id] = tr
			if tr.Err != nil || tr.Status == registry.StatusError || tr.Status == registry.StatusCancelled {
				res.AggregateSuccess = false
			}
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return res, nil
}

func (o *Orchestrator) waitOne(ctx context.Context, id string) runner.ThreadResult {
	o.mu.Lock()
	handle, inProc := o.inProcess[id]
	o.mu.Unlock()

	if inProc {
		select {
		case <-handle.done:
			handle.mu.Lock()
			defer handle.mu.Unlock()
			rec, _ := o.resolveChain(ctx, id)
			return runner.ThreadResult{ThreadID: id, Status: handle.result.Status, Outputs: handle.result.Outputs, Cost: handle.result.Cost, Err: firstNonNilErr(handle.err, terminalErr(rec))}
		case <-ctx.Done():
			return runner.ThreadResult{ThreadID: id, Status: registry.StatusRunning, Err: ctx.Err()}
		}
	}
	return o.pollUntilTerminal(ctx, id)
}

func (o *Orchestrator) pollUntilTerminal(ctx context.Context, id string) runner.ThreadResult {
	delay := o.backoff.Initial
	for {
		rec, err := o.resolveChain(ctx, id)
		if err == nil && rec.Status.Terminal() {
			return runner.ThreadResult{
				ThreadID: id, Status: rec.Status,
				Cost: harness.Usage{InputTokens: rec.InputTokens, OutputTokens: rec.OutputTokens, Spend: rec.Spend, WallSeconds: rec.DurationSeconds},
				Err:  terminalErr(rec),
			}
		}
		select {
		case <-ctx.Done():
			return runner.ThreadResult{ThreadID: id, Status: registry.StatusRunning, Err: ctx.Err()}
		case <-time.After(delay):
		}
		delay *= 2
		if delay > o.backoff.Max {
			delay = o.backoff.Max
		}
	}
}

func (o *Orchestrator) resolveChain(ctx context.Context, id string) (registry.Record, error) {
	return o.registry.ResolveChain(ctx, id)
}

func terminalErr(rec registry.Record) error {
	if rec.Status == registry.StatusError {
		return fmt.Errorf("orchestrator: thread %s ended in error", rec.ThreadID)
	}
	return nil
}

func firstNonNilErr(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// AggregateResults returns a non-blocking snapshot of every id's current
// state: the in-process cache when available, the Registry otherwise.
func (o *Orchestrator) AggregateResults(ctx context.Context, ids []string) (runner.WaitResult, error) {
	res := runner.WaitResult{PerID: make(map[string]runner.ThreadResult, len(ids)), AggregateSuccess: true}
	for _, id := range ids {
		o.mu.Lock()
		handle, inProc := o.inProcess[id]
		o.mu.Unlock()

		var tr runner.ThreadResult
		if inProc {
			select {
			case <-handle.done:
				handle.mu.Lock()
				tr = runner.ThreadResult{ThreadID: id, Status: handle.result.Status, Outputs: handle.result.Outputs, Cost: handle.result.Cost, Err: handle.err}
				handle.mu.Unlock()
			default:
				tr = runner.ThreadResult{ThreadID: id, Status: registry.StatusRunning}
			}
		} else {
			rec, err := o.registry.Get(ctx, id)
			if err != nil {
				tr = runner.ThreadResult{ThreadID: id, Err: err}
			} else {
				tr = runner.ThreadResult{ThreadID: id, Status: rec.Status, Cost: harness.Usage{InputTokens: rec.InputTokens, OutputTokens: rec.OutputTokens, Spend: rec.Spend}}
			}
		}
		if tr.Err != nil || tr.Status == registry.StatusError {
			res.AggregateSuccess = false
		}
		res.PerID[id] = tr
	}
	return res, nil
}

// GetStatus returns one thread's current registry record.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (registry.Record, error) {
	return o.registry.Get(ctx, id)
}

// ListActive returns every non-terminal thread.
func (o *Orchestrator) ListActive(ctx context.Context) ([]registry.Record, error) {
	return o.registry.ListActive(ctx)
}

// KillThread cancels a running thread: an in-process child has its
// cancellation flag flipped; a cross-process child is sent SIGTERM, given a
// grace period, then SIGKILL. Any pending budget reservation for id is
// forfeited.
func (o *Orchestrator) KillThread(ctx context.Context, id string, grace time.Duration) error {
	o.mu.Lock()
	handle, inProc := o.inProcess[id]
	proc, crossProc := o.processes[id]
	o.mu.Unlock()

	o.logger.Info(ctx, "killing thread", "thread_id", id, "grace", grace.String())
	o.metrics.IncCounter("rye.orchestrator.killed", 1)

	switch {
	case inProc:
		handle.cancel()
	case crossProc:
		if err := proc.Terminate(); err != nil {
			return fmt.Errorf("orchestrator: sending SIGTERM to thread %s: %w", id, err)
		}
		go func() {
			select {
			case <-proc.Done():
			case <-time.After(grace):
				_ = proc.Kill()
			}
		}()
	default:
		return fmt.Errorf("orchestrator: thread %s is not tracked by this orchestrator instance", id)
	}
	return o.ledger.Forfeit(ctx, id)
}

var _ runner.Orchestrator = (*Orchestrator)(nil)
