// Package temporal implements orchestrator.ProcessLauncher on top of
// Temporal: spawn_thread(async=true, fork=true) starts RunThreadWorkflow
// instead of forking an OS process, trading an extra server dependency for
// durable replay of long-running child threads. RegisterWorker wires the
// other half — a worker that actually executes RunThreadWorkflow's activity
// by closing over a RunnerFunc — mirroring the teacher's workflow-delegates-
// to-runtime / activity-delegates-to-runtime split in
// runtime/agent/engine/temporal, simplified to one workflow and one
// activity since a single thread run has no intermediate signals to expose.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/ryehq/rye-core/orchestrator"
	"github.com/ryehq/rye-core/runner"
)

// WorkflowName and ActivityName are the Temporal registration names
// RegisterWorker and Launcher agree on.
const (
	WorkflowName = "rye.run_thread"
	ActivityName = "rye.run_thread_activity"
)

// RunThreadWorkflow delegates to RunThreadActivity and returns its Result.
// A child thread's entire turn loop runs inside the one activity call rather
// than being decomposed into per-turn activities, since the Runner already
// owns checkpointing; Temporal's contribution here is durable restart of
// the activity attempt, not step-level replay of the thread's own loop.
func RunThreadWorkflow(ctx workflow.Context, req runner.Request) (runner.Result, error) {
	ao := workflow.ActivityOptions{StartToCloseTimeout: 24 * time.Hour}
	ctx = workflow.WithActivityOptions(ctx, ao)
	var result runner.Result
	err := workflow.ExecuteActivity(ctx, ActivityName, req).Get(ctx, &result)
	return result, err
}

// RegisterWorker registers RunThreadWorkflow and an activity that invokes
// run (typically a runner.Runner's Run method) with w. Call this once per
// worker process before starting it; Launcher only starts workflow
// executions, it does not run them.
func RegisterWorker(w worker.Worker, run orchestrator.RunnerFunc) {
	w.RegisterWorkflowWithOptions(RunThreadWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivityWithOptions(func(actx context.Context, req runner.Request) (runner.Result, error) {
		return run(actx, req)
	}, activity.RegisterOptions{Name: ActivityName})
}

// Launcher implements orchestrator.ProcessLauncher by starting a Temporal
// workflow execution in place of forking an OS process.
type Launcher struct {
	Client    client.Client
	TaskQueue string
}

// Launch starts RunThreadWorkflow for req.
func (l *Launcher) Launch(ctx context.Context, req runner.Request) (orchestrator.ChildHandle, error) {
	opts := client.StartWorkflowOptions{
		ID:        "rye-thread-" + req.ThreadID,
		TaskQueue: l.TaskQueue,
	}
	run, err := l.Client.ExecuteWorkflow(ctx, opts, RunThreadWorkflow, req)
	if err != nil {
		return nil, fmt.Errorf("temporal: starting workflow for thread %s: %w", req.ThreadID, err)
	}
	h := &handle{client: l.Client, run: run, done: make(chan struct{})}
	go h.wait()
	return h, nil
}

// handle adapts a client.WorkflowRun to orchestrator.ChildHandle.
type handle struct {
	client client.Client
	run    client.WorkflowRun
	done   chan struct{}
	err    error
}

func (h *handle) wait() {
	defer close(h.done)
	h.err = h.run.Get(context.Background(), nil)
}

// PID has no meaning for a Temporal-backed child; callers use the workflow
// ID (rye-thread-<thread_id>) to correlate instead.
func (h *handle) PID() int { return 0 }

func (h *handle) Done() <-chan struct{} { return h.done }

// Terminate requests a graceful cancellation, letting the workflow's
// activity observe ctx cancellation and return early. A workflow that
// already completed is not an error — KillThread may race a thread that
// finished between the registry read and this call.
func (h *handle) Terminate() error {
	err := h.client.CancelWorkflow(context.Background(), h.run.GetID(), h.run.GetRunID())
	return ignoreNotFound(err)
}

// Kill force-terminates the workflow, the Temporal equivalent of SIGKILL
// once the grace period following Terminate has elapsed.
func (h *handle) Kill() error {
	err := h.client.TerminateWorkflow(context.Background(), h.run.GetID(), h.run.GetRunID(), "orchestrator: kill grace period elapsed")
	return ignoreNotFound(err)
}

func ignoreNotFound(err error) error {
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}
