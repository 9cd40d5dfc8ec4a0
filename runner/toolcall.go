package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ryehq/rye-core/capability"
	"github.com/ryehq/rye-core/checkpoint"
	"github.com/ryehq/rye-core/directive"
	"github.com/ryehq/rye-core/dispatch"
	"github.com/ryehq/rye-core/harness"
	"github.com/ryehq/rye-core/hooks"
	"github.com/ryehq/rye-core/hooks/condition"
	"github.com/ryehq/rye-core/provider"
	"github.com/ryehq/rye-core/registry"
	"github.com/ryehq/rye-core/transcript"
)

// The six tool names the Orchestrator answers directly, bypassing the
// generic Tool Dispatcher: spawn_thread constructs and runs a child Runner,
// the rest observe or cancel threads it (or an earlier spawn_thread call)
// started.
const (
	toolSpawnThread       = "spawn_thread"
	toolWaitThreads       = "wait_threads"
	toolAggregateResults  = "aggregate_results"
	toolGetStatus         = "get_status"
	toolListActive        = "list_active"
	toolKillThread        = "kill_thread"
	defaultKillGraceSecs  = 5.0
	defaultWaitTimeoutSec = 600.0
)

// handleToolCall dispatches one tool call, appends its result to the
// message/checkpoint history, and records the transcript events the
// contract requires. A capability denial or dispatch error never aborts
// the thread on its own — only an explicit "abort" hook action does, which
// handleToolCall reports back via the abort return value.
func (r *Runner) handleToolCall(ctx context.Context, req Request, d directive.Directive, token *capability.Token, h *harness.Harness, tw transcript.Writer, state *checkpoint.State, call provider.ToolUsePart) (abort bool, err error) {
	var params map[string]any
	if len(call.Input) > 0 {
		_ = json.Unmarshal(call.Input, &params)
	}
	if params == nil {
		params = map[string]any{}
	}

	if _, werr := tw.Write(ctx, req.ThreadID, req.DirectiveName, transcript.TypeToolCallStart, "",
		map[string]any{"tool": call.Name, "call_id": call.ID, "input": params}); werr != nil {
		return false, werr
	}

	result := r.dispatchToolCall(ctx, req, token, call.Name, params)

	var (
		resultPart checkpoint.ToolResult
		replayText string
	)
	switch {
	case result.Denied:
		payload := dispatch.PermissionDeniedPayload(result.Reason)
		resultPart = checkpoint.ToolResult{CallID: call.ID, Tool: call.Name, Output: payload, Error: result.Reason, Done: true}
		replayText = fmt.Sprintf("tool %s denied: %s", call.Name, result.Reason)
		if _, werr := tw.Write(ctx, req.ThreadID, req.DirectiveName, transcript.TypeToolCallResult, "",
			transcript.ToolCallResultPayload(call.ID, nil, result.Reason, 0)); werr != nil {
			return false, werr
		}

	case result.Err != nil:
		cls := h.ClassifyError(result.Err)
		if _, werr := tw.Write(ctx, req.ThreadID, req.DirectiveName, transcript.TypeErrorClassified, "",
			map[string]any{"error_code": string(cls.Category), "category": string(cls.Category), "retryable": cls.Retryable,
				"metadata": map[string]any{"tool": call.Name, "message": result.Err.Error()}}); werr != nil {
			return false, werr
		}
		action, _, matched := r.opts.Hooks.Evaluate(hooks.EventError, condition.Context{
			"category": string(cls.Category), "retryable": cls.Retryable, "tool": call.Name,
		})
		if !matched {
			action = hooks.DefaultAction(hooks.EventError, 0)
		}
		resultPart = checkpoint.ToolResult{CallID: call.ID, Tool: call.Name, Error: result.Err.Error(), Done: true}
		replayText = fmt.Sprintf("tool %s failed: %v", call.Name, result.Err)
		if _, werr := tw.Write(ctx, req.ThreadID, req.DirectiveName, transcript.TypeToolCallResult, "",
			transcript.ToolCallResultPayload(call.ID, nil, result.Err.Error(), 0)); werr != nil {
			return false, werr
		}
		if action.Kind == hooks.ActionAbort {
			abort = true
		}

	default:
		data, _ := json.Marshal(result.Data)
		resultPart = checkpoint.ToolResult{CallID: call.ID, Tool: call.Name, Output: data, Done: true}
		replayText = fmt.Sprintf("tool %s -> %v", call.Name, result.Data)
		if _, werr := tw.Write(ctx, req.ThreadID, req.DirectiveName, transcript.TypeToolCallResult, "",
			transcript.ToolCallResultPayload(call.ID, result.Data, "", 0)); werr != nil {
			return false, werr
		}
	}

	state.PendingTools = append(state.PendingTools, resultPart)
	state.Messages = append(state.Messages, checkpoint.Message{Role: "user", Content: replayText})
	return abort, nil
}

// dispatchToolCall routes an orchestrator tool name directly to r.opts.Orchestrator,
// and everything else through the generic capability-gated Tool Dispatcher.
func (r *Runner) dispatchToolCall(ctx context.Context, req Request, token *capability.Token, name string, params map[string]any) dispatch.Result {
	switch name {
	case toolSpawnThread, toolWaitThreads, toolAggregateResults, toolGetStatus, toolListActive, toolKillThread:
		return r.dispatchOrchestratorCall(ctx, req, token, name, params)
	default:
		return r.opts.Dispatcher.Dispatch(ctx, token, capability.PrimaryExecute, "tool", name, params)
	}
}

func (r *Runner) dispatchOrchestratorCall(ctx context.Context, req Request, token *capability.Token, name string, params map[string]any) dispatch.Result {
	if r.opts.Orchestrator == nil {
		return dispatch.Result{Denied: true, Reason: fmt.Sprintf("no orchestrator configured for %s", name)}
	}
	switch name {
	case toolSpawnThread:
		return r.spawnThread(ctx, req, token, params)
	case toolWaitThreads:
		return r.waitThreads(ctx, params)
	case toolAggregateResults:
		return r.aggregateResults(ctx, params)
	case toolGetStatus:
		return r.getStatus(ctx, params)
	case toolListActive:
		return r.listActive(ctx)
	case toolKillThread:
		return r.killThread(ctx, params)
	default:
		return dispatch.Result{Denied: true, Reason: "unknown orchestrator tool " + name}
	}
}

func (r *Runner) spawnThread(ctx context.Context, req Request, token *capability.Token, params map[string]any) dispatch.Result {
	directiveName, _ := params["directive"].(string)
	if directiveName == "" {
		return dispatch.Result{Err: fmt.Errorf("spawn_thread: missing required param %q", "directive")}
	}
	inputs, _ := params["inputs"].(map[string]any)
	async, _ := params["async"].(bool)
	fork, _ := params["fork"].(bool)

	spawnReq := SpawnRequest{
		Directive:   directiveName,
		Inputs:      inputs,
		ParentID:    req.ThreadID,
		ParentToken: token,
		ParentDepth: req.Depth,
		OriginSpace: req.OriginSpace,
		Async:       async,
		Fork:        fork,
	}
	res, err := r.opts.Orchestrator.SpawnThread(ctx, spawnReq)
	if err != nil {
		return dispatch.Result{Err: err}
	}
	data := map[string]any{"thread_id": res.ThreadID}
	if res.PID != 0 {
		data["pid"] = res.PID
	}
	return dispatch.Result{OK: true, Data: data}
}

func (r *Runner) waitThreads(ctx context.Context, params map[string]any) dispatch.Result {
	ids, err := stringSlice(params["ids"])
	if err != nil {
		return dispatch.Result{Err: fmt.Errorf("wait_threads: %w", err)}
	}
	timeout := floatParam(params["timeout_seconds"], defaultWaitTimeoutSec)
	res, err := r.opts.Orchestrator.WaitThreads(ctx, ids, time.Duration(timeout*float64(time.Second)))
	if err != nil {
		return dispatch.Result{Err: err}
	}
	return dispatch.Result{OK: true, Data: waitResultPayload(res)}
}

func (r *Runner) aggregateResults(ctx context.Context, params map[string]any) dispatch.Result {
	ids, err := stringSlice(params["ids"])
	if err != nil {
		return dispatch.Result{Err: fmt.Errorf("aggregate_results: %w", err)}
	}
	res, err := r.opts.Orchestrator.AggregateResults(ctx, ids)
	if err != nil {
		return dispatch.Result{Err: err}
	}
	return dispatch.Result{OK: true, Data: waitResultPayload(res)}
}

func (r *Runner) getStatus(ctx context.Context, params map[string]any) dispatch.Result {
	id, _ := params["thread_id"].(string)
	if id == "" {
		return dispatch.Result{Err: fmt.Errorf("get_status: missing required param %q", "thread_id")}
	}
	rec, err := r.opts.Orchestrator.GetStatus(ctx, id)
	if err != nil {
		return dispatch.Result{Err: err}
	}
	return dispatch.Result{OK: true, Data: recordPayload(rec)}
}

func (r *Runner) listActive(ctx context.Context) dispatch.Result {
	recs, err := r.opts.Orchestrator.ListActive(ctx)
	if err != nil {
		return dispatch.Result{Err: err}
	}
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordPayload(rec))
	}
	return dispatch.Result{OK: true, Data: map[string]any{"threads": out}}
}

func (r *Runner) killThread(ctx context.Context, params map[string]any) dispatch.Result {
	id, _ := params["thread_id"].(string)
	if id == "" {
		return dispatch.Result{Err: fmt.Errorf("kill_thread: missing required param %q", "thread_id")}
	}
	grace := floatParam(params["grace_seconds"], defaultKillGraceSecs)
	if err := r.opts.Orchestrator.KillThread(ctx, id, time.Duration(grace*float64(time.Second))); err != nil {
		return dispatch.Result{Err: err}
	}
	return dispatch.Result{OK: true, Data: map[string]any{"thread_id": id, "killed": true}}
}

func waitResultPayload(res WaitResult) map[string]any {
	perID := make(map[string]any, len(res.PerID))
	for id, tr := range res.PerID {
		entry := map[string]any{"status": string(tr.Status)}
		if tr.Outputs != nil {
			entry["outputs"] = tr.Outputs
		}
		if tr.Err != nil {
			entry["error"] = tr.Err.Error()
		}
		entry["cost"] = map[string]any{
			"input_tokens": tr.Cost.InputTokens, "output_tokens": tr.Cost.OutputTokens, "spend": tr.Cost.Spend,
		}
		perID[id] = entry
	}
	return map[string]any{"results": perID, "aggregate_success": res.AggregateSuccess}
}

func recordPayload(rec registry.Record) map[string]any {
	return map[string]any{
		"thread_id":         rec.ThreadID,
		"directive":         rec.Directive,
		"status":            string(rec.Status),
		"parent_id":         rec.ParentID,
		"continuation_next": rec.ContinuationNext,
		"turns":             rec.Turns,
		"spend":             rec.Spend,
	}
}

func stringSlice(v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected array for %q", "ids")
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("expected string elements for %q", "ids")
		}
		out = append(out, s)
	}
	return out, nil
}

func floatParam(v any, def float64) float64 {
	f, ok := v.(float64)
	if !ok || f <= 0 {
		return def
	}
	return f
}
