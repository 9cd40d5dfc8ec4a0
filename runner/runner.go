// Package runner implements the Thread Runner: the single-thread loop that
// loads a directive, mints a capability token, reserves budget, and drives
// the build-prompt / call-LLM / dispatch-tools / checkpoint cycle to a
// terminal status.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ryehq/rye-core/approval"
	"github.com/ryehq/rye-core/budget"
	"github.com/ryehq/rye-core/capability"
	"github.com/ryehq/rye-core/checkpoint"
	"github.com/ryehq/rye-core/directive"
	"github.com/ryehq/rye-core/dispatch"
	"github.com/ryehq/rye-core/harness"
	"github.com/ryehq/rye-core/hooks"
	"github.com/ryehq/rye-core/hooks/condition"
	"github.com/ryehq/rye-core/interpolate"
	"github.com/ryehq/rye-core/provider"
	"github.com/ryehq/rye-core/registry"
	"github.com/ryehq/rye-core/telemetry"
	"github.com/ryehq/rye-core/transcript"
)

// TranscriptFactory opens (or reopens, on resume) the transcript journal for
// a thread.
type TranscriptFactory func(threadID, directiveName string) (transcript.Writer, error)

// ContinuationFunc is invoked when context-window pressure crosses the
// handoff threshold; it returns the new successor thread's id. A nil
// ContinuationFunc means the Runner only fires the pressure hook/event and
// never hands off.
type ContinuationFunc func(ctx context.Context, parent Request, summary string) (successorThreadID string, err error)

// Options wires the Runner to its collaborators. All fields are required
// except Hooks, Classifier, Continuation, and Now, which default sensibly.
type Options struct {
	Directives  directive.Loader
	Registry    registry.Registry
	Ledger      budget.Ledger
	Checkpoints checkpoint.Checkpointer
	Transcripts TranscriptFactory
	Dispatcher  *dispatch.Dispatcher
	Provider    provider.Client
	Signer      capability.Signer

	Hooks           *hooks.Engine
	Classifier      capability.Classifier
	ErrorClassifier harness.Classifier
	Continuation    ContinuationFunc

	// Approvals backs `escalate` hook actions (spec.md §6.6). A nil
	// Approvals makes an escalate action degrade to the same suspend
	// behavior as ActionSuspend, since there is nowhere to request
	// approval from.
	Approvals approval.Store

	// Orchestrator, when set, is what spawn_thread/wait_threads/
	// aggregate_results/get_status/list_active/kill_thread tool calls
	// dispatch against directly. A nil Orchestrator makes those tool names
	// denied-as-data, the same as any other unrecognized capability.
	Orchestrator Orchestrator

	// ContextWindowTokens is the model's context window, used to compute
	// context-pressure ratio (output tokens used / window). Zero disables
	// the pressure check entirely.
	ContextWindowTokens int

	// Logger, Metrics, and Tracer default to no-ops; set them to observe a
	// thread's run (span per Run call, turn/spend counters and gauges, a
	// log line at each terminal status).
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer

	Now func() time.Time
}

// Request is one invocation of the Runner.
type Request struct {
	ThreadID      string
	DirectiveName string
	Inputs        map[string]any

	ParentToken      *capability.Token
	ParentID         string
	Depth            int
	OriginSpace      registry.OriginSpace
	ParentBudgetLine string // parent thread id the budget reservation is made against; empty for root

	// ContinuationOf, when set, is the predecessor thread this one was
	// spawned to succeed by the Continuation Manager; it is carried onto
	// the registry record but does not otherwise change how this thread runs.
	ContinuationOf string

	// Resume, when true, loads the latest checkpoint for ThreadID instead
	// of starting fresh.
	Resume bool
}

// Result is what the Runner reports back to its caller (the Orchestrator,
// typically) once the thread reaches a terminal status.
type Result struct {
	Status     registry.Status
	Outputs    map[string]any
	ParseError string
	Cost       harness.Usage
	Turns      int
}

// Runner drives a single thread's loop to completion.
type Runner struct {
	opts Options
}

// New constructs a Runner bound to opts.
func New(opts Options) (*Runner, error) {
	if opts.Directives == nil || opts.Registry == nil || opts.Ledger == nil ||
		opts.Checkpoints == nil || opts.Transcripts == nil || opts.Dispatcher == nil ||
		opts.Provider == nil {
		return nil, fmt.Errorf("runner: all of Directives, Registry, Ledger, Checkpoints, Transcripts, Dispatcher, Provider are required")
	}
	if opts.Hooks == nil {
		opts.Hooks = hooks.NewEngine()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	return &Runner{opts: opts}, nil
}

// SetOrchestrator wires an Orchestrator into the Runner after construction,
// for the common case where the Orchestrator itself needs a RunnerFunc that
// closes over this Runner's Run method (cmd/ryed builds the Runner first,
// then the Orchestrator, then calls this rather than threading the
// not-yet-constructed Orchestrator back through Options).
func (r *Runner) SetOrchestrator(o Orchestrator) {
	r.opts.Orchestrator = o
}

// SetContinuation wires a ContinuationFunc into the Runner after
// construction, for the same forward-reference reason as SetOrchestrator:
// continuation.Manager's Options.Run closes over this Runner's Run method.
func (r *Runner) SetContinuation(fn ContinuationFunc) {
	r.opts.Continuation = fn
}

// Run executes the Thread Runner's loop for req and returns its terminal
// Result.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	start := r.opts.Now()

	ctx, span := r.opts.Tracer.Start(ctx, "runner.Run")
	defer span.End()
	span.AddEvent("thread_started", "thread_id", req.ThreadID, "directive", req.DirectiveName)
	r.opts.Logger.Info(ctx, "thread run starting", "thread_id", req.ThreadID, "directive", req.DirectiveName)

	// Step 1: load directive, resolve extends-chain.
	raw, err := r.opts.Directives.Load(req.DirectiveName)
	if err != nil {
		return Result{}, fmt.Errorf("runner: loading directive %q: %w", req.DirectiveName, err)
	}
	d, err := directive.Resolve(raw, r.opts.Directives)
	if err != nil {
		return Result{}, fmt.Errorf("runner: resolving extends chain for %q: %w", req.DirectiveName, err)
	}
	if err := d.CompileInputSchema(); err != nil {
		return Result{}, fmt.Errorf("runner: compiling input schema: %w", err)
	}
	inputs, err := d.ValidateInputs(req.Inputs)
	if err != nil {
		return Result{}, err
	}

	// Step 2+3: mint capability token (enforces attenuation and risk
	// acknowledgments internally).
	token, err := capability.Mint(capability.MintOptions{
		ParentToken:     req.ParentToken,
		Requested:       flattenPermissions(d.Permissions),
		ThreadID:        req.ThreadID,
		Acknowledgments: d.RiskAcknowledgments,
		Classifier:      r.opts.Classifier,
		Signer:          r.opts.Signer,
		Now:             r.opts.Now,
	})
	if err != nil {
		return Result{}, fmt.Errorf("runner: minting capability token: %w", err)
	}

	// Step 4: reserve budget from parent (skipped for root threads).
	if err := r.opts.Ledger.Open(ctx, req.ThreadID, d.Limits.MaxSpend); err != nil {
		return Result{}, fmt.Errorf("runner: opening budget account: %w", err)
	}
	if req.ParentBudgetLine != "" {
		if err := r.opts.Ledger.Reserve(ctx, req.ParentBudgetLine, req.ThreadID, d.Limits.MaxSpend); err != nil {
			return Result{}, fmt.Errorf("runner: reserving budget: %w", err)
		}
	}

	// Step 5: registry entry, transcript, thread_started.
	if !req.Resume {
		rec := registry.Record{
			ThreadID:          req.ThreadID,
			Directive:         req.DirectiveName,
			Model:             d.Model.ID,
			ParentID:          req.ParentID,
			Depth:             req.Depth,
			OriginSpace:       req.OriginSpace,
			ContinuationOf:    req.ContinuationOf,
			CapabilityTokenID: token.ID,
			Limits:            registry.Limits{MaxTurns: d.Limits.MaxTurns, MaxTokens: d.Limits.MaxTokens, MaxSpend: d.Limits.MaxSpend},
		}
		if err := r.opts.Registry.Create(ctx, rec); err != nil {
			return Result{}, fmt.Errorf("runner: creating registry entry: %w", err)
		}
	}
	tw, err := r.opts.Transcripts(req.ThreadID, req.DirectiveName)
	if err != nil {
		return Result{}, fmt.Errorf("runner: opening transcript: %w", err)
	}
	defer tw.Close()

	state, resumed, err := r.loadState(req, d)
	if err != nil {
		return Result{}, err
	}
	if !resumed {
		if _, err := tw.Write(ctx, req.ThreadID, req.DirectiveName, transcript.TypeThreadStarted, string(req.OriginSpace),
			transcript.ThreadStartedPayload(d.Model.ID, d.Model.Tier, inputs, threadMode(req))); err != nil {
			return Result{}, err
		}
	}

	h := harness.New(harness.Limits{
		MaxTurns:        d.Limits.MaxTurns,
		MaxOutputTokens: d.Limits.MaxTokens,
		MaxSpend:        d.Limits.MaxSpend,
	}, r.opts.ErrorClassifier)

	// Step 6: system prompt, seeded once on a fresh thread.
	if !resumed {
		sys := BuildSystemPrompt(d)
		state.Messages = append(state.Messages, checkpoint.Message{Role: "system", Content: sys})
		userTurn := interpolate.Inputs(d.ProcessBody, inputs)
		state.Messages = append(state.Messages, checkpoint.Message{Role: "user", Content: userTurn})
		if _, err := tw.Write(ctx, req.ThreadID, req.DirectiveName, transcript.TypeCognitionIn, "", map[string]any{"text": userTurn, "role": "user"}); err != nil {
			return Result{}, err
		}
	}

	result, err := r.loop(ctx, req, d, token, h, tw, &state)
	if err != nil {
		span.RecordError(err)
		r.opts.Metrics.IncCounter("rye.thread.errors", 1, "directive", req.DirectiveName)
		return Result{}, err
	}

	// Step 8: finalize.
	duration := r.opts.Now().Sub(start).Seconds()
	usage := h.Snapshot()
	if req.ParentBudgetLine != "" {
		_ = r.opts.Ledger.Report(ctx, req.ThreadID, usage.Spend)
	}
	finalTurns := h.Turns()
	_ = r.opts.Registry.UpdateStatus(ctx, req.ThreadID, registry.StatusUpdate{
		Status: result.Status, Turns: &finalTurns,
		InputTokens: &usage.InputTokens, OutputTokens: &usage.OutputTokens,
		Spend: &usage.Spend, Duration: &duration,
	})
	finishType := transcript.TypeThreadCompleted
	if result.Status == registry.StatusError {
		finishType = transcript.TypeThreadError
	}
	_, _ = tw.Write(ctx, req.ThreadID, req.DirectiveName, finishType, "",
		map[string]any{"cost": transcript.CostPayload(finalTurns, usage.InputTokens+usage.OutputTokens, usage.Spend, duration)})

	result.Cost = usage
	result.Turns = finalTurns

	tags := []string{"directive", req.DirectiveName, "status", string(result.Status)}
	r.opts.Metrics.IncCounter("rye.thread.completed", 1, tags...)
	r.opts.Metrics.RecordTimer("rye.thread.duration", r.opts.Now().Sub(start), tags...)
	r.opts.Metrics.RecordGauge("rye.thread.spend", usage.Spend, tags...)
	r.opts.Logger.Info(ctx, "thread run finished", "thread_id", req.ThreadID, "status", string(result.Status), "turns", finalTurns, "spend", usage.Spend)

	return result, nil
}

func (r *Runner) loadState(req Request, d directive.Directive) (checkpoint.State, bool, error) {
	if !req.Resume {
		return checkpoint.State{
			ThreadID: req.ThreadID, Directive: req.DirectiveName,
			MaxTurns: d.Limits.MaxTurns, MaxTokens: d.Limits.MaxTokens, MaxSpend: d.Limits.MaxSpend,
		}, false, nil
	}
	state, ok, err := r.opts.Checkpoints.Resume(req.ThreadID)
	if err != nil {
		return checkpoint.State{}, false, fmt.Errorf("runner: resuming checkpoint: %w", err)
	}
	return state, ok, nil
}

// loop runs step 7 of the contract until a terminal condition is reached.
func (r *Runner) loop(ctx context.Context, req Request, d directive.Directive, token *capability.Token, h *harness.Harness, tw transcript.Writer, state *checkpoint.State) (Result, error) {
	for {
		turn := h.Turns() + 1
		if _, err := tw.Write(ctx, req.ThreadID, req.DirectiveName, transcript.TypeStepStart, "", map[string]any{"turn_number": turn}); err != nil {
			return Result{}, err
		}

		text, thinking, toolCalls, usage, stopReason, err := r.invokeModel(ctx, req, d, state, tw)
		if err != nil {
			return r.terminate(ctx, req, tw, registry.StatusError, nil, "", fmt.Sprintf("model invocation failed: %v", err))
		}
		_ = thinking

		state.Messages = append(state.Messages, checkpoint.Message{Role: "assistant", Content: text})

		for _, call := range toolCalls {
			aborted, err := r.handleToolCall(ctx, req, d, token, h, tw, state, call)
			if err != nil {
				return Result{}, err
			}
			if aborted {
				return r.terminate(ctx, req, tw, registry.StatusError, nil, "", "aborted by error hook")
			}
		}

		h.RecordTurn(harness.Usage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens})
		if _, err := tw.Write(ctx, req.ThreadID, req.DirectiveName, transcript.TypeStepFinish, "",
			map[string]any{"cost": usage.Spend(), "tokens": map[string]any{"input": usage.InputTokens, "output": usage.OutputTokens}, "finish_reason": stopReason}); err != nil {
			return Result{}, err
		}

		state.Turns = h.Turns()
		snap := h.Snapshot()
		state.InputTokens, state.OutputTokens, state.Spend = snap.InputTokens, snap.OutputTokens, snap.Spend
		if err := r.opts.Checkpoints.Save(req.ThreadID, *state); err != nil {
			return Result{}, fmt.Errorf("runner: checkpointing: %w", err)
		}

		if hits := h.CheckLimits(); len(hits) > 0 {
			action, _, matched := r.opts.Hooks.Evaluate(hooks.EventLimit, limitContext(hits))
			if !matched {
				action = hooks.DefaultAction(hooks.EventLimit, 0)
			}
			switch action.Kind {
			case hooks.ActionSuspend:
				return r.terminate(ctx, req, tw, registry.StatusSuspended, nil, "", fmt.Sprintf("limit hit: %s", hits[0].Code))
			case hooks.ActionEscalate:
				result, handled, err := r.escalate(ctx, req, h, tw, hits[0], action)
				if err != nil {
					return Result{}, err
				}
				if handled {
					return result, nil
				}
				// approved: ceiling raised in place, loop continues below.
			}
		}

		if r.opts.ContextWindowTokens > 0 {
			pressure := float64(snap.OutputTokens) / float64(r.opts.ContextWindowTokens)
			if pressure >= 0.8 {
				action, _, matched := r.opts.Hooks.Evaluate(hooks.EventContextWindowPressure, condition.Context{"pressure_ratio": pressure})
				if !matched {
					action = hooks.DefaultAction(hooks.EventContextWindowPressure, pressure)
				}
				if action.Kind == hooks.ActionEmitEvent {
					_, _ = tw.Write(ctx, req.ThreadID, req.DirectiveName, transcript.TypeContextCompactionStart, "",
						map[string]any{"triggered_by": "context_window_pressure", "pressure_ratio": pressure})
				}
				if pressure >= 0.9 && r.opts.Continuation != nil {
					successor, err := r.opts.Continuation(ctx, req, text)
					if err == nil && successor != "" {
						_ = r.opts.Registry.SetContinuationNext(ctx, req.ThreadID, successor)
						return r.terminate(ctx, req, tw, registry.StatusCompleted, nil, "continuation_handoff", "")
					}
				}
			}
		}

		if stopReason == "end_turn" && len(toolCalls) == 0 {
			outputs, parseErr := extractOutputs(text, d.Outputs)
			return Result{Status: registry.StatusCompleted, Outputs: outputs, ParseError: parseErr}, nil
		}
	}
}

// escalate carries out an ActionEscalate resolution for the limit hit that
// fired it: it writes an approval request, suspends the thread, and blocks
// (bounded by action.Timeout) for the approver's response. handled=true
// means the caller should return result as the thread's terminal outcome
// (denied, timed out, or an approval-path error); handled=false means the
// ceiling was raised in place and the loop should keep running.
func (r *Runner) escalate(ctx context.Context, req Request, h *harness.Harness, tw transcript.Writer, hit harness.LimitHit, action hooks.Action) (result Result, handled bool, err error) {
	if r.opts.Approvals == nil {
		result, err = r.terminate(ctx, req, tw, registry.StatusSuspended, nil, fmt.Sprintf("limit hit: %s (no approval store configured)", hit.Code), "")
		return result, true, err
	}

	proposedMax := action.ProposedMax
	if proposedMax <= hit.CurrentMax {
		proposedMax = hit.CurrentMax * 2
	}
	requestID := uuid.New().String()
	if err := r.opts.Approvals.Request(req.ThreadID, approval.Request{
		ID:             requestID,
		Prompt:         fmt.Sprintf("thread %s hit %s (%.2f/%.2f) — approve raising the ceiling to %.2f?", req.ThreadID, hit.Code, hit.CurrentValue, hit.CurrentMax, proposedMax),
		ThreadID:       req.ThreadID,
		CreatedAt:      r.opts.Now(),
		TimeoutSeconds: action.Timeout,
	}); err != nil {
		return Result{}, false, fmt.Errorf("runner: writing approval request: %w", err)
	}

	if _, err := tw.Write(ctx, req.ThreadID, req.DirectiveName, transcript.TypeLimitEscalationRequested, "",
		transcript.LimitEscalationPayload(string(hit.Code), hit.CurrentValue, hit.CurrentMax, proposedMax, requestID)); err != nil {
		return Result{}, false, err
	}
	if err := r.opts.Registry.UpdateStatus(ctx, req.ThreadID, registry.StatusUpdate{Status: registry.StatusSuspended}); err != nil {
		return Result{}, false, fmt.Errorf("runner: marking thread suspended pending approval: %w", err)
	}
	r.opts.Logger.Info(ctx, "escalation requested, awaiting approval", "thread_id", req.ThreadID, "limit_code", string(hit.Code), "approval_request_id", requestID)

	timeout := time.Duration(action.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	resp, ok, err := r.opts.Approvals.Poll(req.ThreadID, requestID, timeout)
	if err != nil {
		return Result{}, false, fmt.Errorf("runner: polling approval response: %w", err)
	}
	if !ok {
		result, err = r.terminate(ctx, req, tw, registry.StatusError, nil, "", fmt.Sprintf("escalation for %s timed out waiting for approval", hit.Code))
		return result, true, err
	}
	if !resp.Approved {
		reason := resp.Message
		if reason == "" {
			reason = fmt.Sprintf("escalation for %s was denied", hit.Code)
		}
		result, err = r.terminate(ctx, req, tw, registry.StatusError, nil, "", reason)
		return result, true, err
	}

	h.RaiseLimit(hit.Code, proposedMax)
	if err := r.opts.Registry.UpdateStatus(ctx, req.ThreadID, registry.StatusUpdate{Status: registry.StatusRunning}); err != nil {
		return Result{}, false, fmt.Errorf("runner: resuming thread after approval: %w", err)
	}
	r.opts.Logger.Info(ctx, "escalation approved, resuming", "thread_id", req.ThreadID, "limit_code", string(hit.Code), "new_max", proposedMax)
	return Result{}, false, nil
}

func (r *Runner) terminate(ctx context.Context, req Request, tw transcript.Writer, status registry.Status, outputs map[string]any, reason, errMsg string) (Result, error) {
	if errMsg != "" {
		_, _ = tw.Write(ctx, req.ThreadID, req.DirectiveName, transcript.TypeErrorClassified, "", map[string]any{"error_code": "runner_error", "category": "internal", "retryable": false, "metadata": map[string]any{"message": errMsg}})
	}
	if reason != "" {
		_, _ = tw.Write(ctx, req.ThreadID, req.DirectiveName, transcript.TypeThreadSuspended, "", map[string]any{"suspend_reason": reason})
	}
	return Result{Status: status, Outputs: outputs, ParseError: errMsg}, nil
}

func threadMode(req Request) string {
	if req.ParentID == "" {
		return "root"
	}
	return "child"
}

func flattenPermissions(perm map[string][]string) []capability.Pattern {
	var out []capability.Pattern
	for _, list := range perm {
		for _, p := range list {
			out = append(out, capability.Pattern(p))
		}
	}
	return out
}

func limitContext(hits []harness.LimitHit) condition.Context {
	ctx := condition.Context{}
	if len(hits) > 0 {
		ctx["code"] = string(hits[0].Code)
		ctx["current_value"] = hits[0].CurrentValue
		ctx["current_max"] = hits[0].CurrentMax
	}
	return ctx
}

// extractOutputs best-effort parses the final assistant message as a JSON
// object matching the directive's declared outputs. A parse failure never
// fails the thread; it is reported alongside a nil outputs map.
func extractOutputs(text string, declared map[string]string) (map[string]any, string) {
	if len(declared) == 0 {
		return nil, ""
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, err.Error()
	}
	return out, ""
}

// modelUsage is the internal per-turn usage accumulator returned by
// invokeModel, kept separate from harness.Usage so Spend (derived
// separately by a pricing table outside this package's scope) can be
// attached without widening provider.TokenUsage.
type modelUsage struct {
	InputTokens  int
	OutputTokens int
	SpendAmount  float64
}

func (u modelUsage) Spend() float64 { return u.SpendAmount }
