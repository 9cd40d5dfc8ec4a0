package runner_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"time"

	"github.com/ryehq/rye-core/approval"
	"github.com/ryehq/rye-core/budget"
	"github.com/ryehq/rye-core/capability"
	"github.com/ryehq/rye-core/checkpoint"
	"github.com/ryehq/rye-core/directive"
	"github.com/ryehq/rye-core/dispatch"
	"github.com/ryehq/rye-core/harness"
	"github.com/ryehq/rye-core/hooks"
	"github.com/ryehq/rye-core/hooks/condition"
	"github.com/ryehq/rye-core/provider"
	"github.com/ryehq/rye-core/registry"
	"github.com/ryehq/rye-core/runner"
	"github.com/ryehq/rye-core/transcript"
)

// fakeApprovalStore is an in-memory approval.Store: Poll resolves
// immediately to whatever response is preset rather than touching disk,
// keeping the escalation tests deterministic.
type fakeApprovalStore struct {
	requests []approval.Request
	resp     approval.Response
	ok       bool
}

func (f *fakeApprovalStore) Request(threadID string, req approval.Request) error {
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeApprovalStore) Poll(threadID, requestID string, timeout time.Duration) (approval.Response, bool, error) {
	return f.resp, f.ok, nil
}

func testSigner(t *testing.T) *capability.Ed25519Signer {
	t.Helper()
	s, err := capability.NewEd25519Signer("test-key")
	require.NoError(t, err)
	return s
}

func baseOptions(t *testing.T, p provider.Client, dispatcher *dispatch.Dispatcher, loader directive.Loader) runner.Options {
	t.Helper()
	dir := t.TempDir()
	tw, err := transcript.NewFileWriter(filepath.Join(dir, "transcripts"))
	require.NoError(t, err)
	cp := checkpoint.NewFileCheckpointer(filepath.Join(dir, "checkpoints"))

	return runner.Options{
		Directives:  loader,
		Registry:    registry.NewInMemory(),
		Ledger:      budget.NewInMemory(),
		Checkpoints: cp,
		Transcripts: func(threadID, directiveName string) (transcript.Writer, error) { return tw, nil },
		Dispatcher:  dispatcher,
		Provider:    p,
		Signer:      testSigner(t),
	}
}

func simpleDirective(name string) directive.Directive {
	d := directive.Directive{
		Name:        name,
		Version:     "1.0.0",
		Description: "test directive",
		Model:       directive.ModelSpec{ID: "test-model"},
		Limits:      directive.Limits{MaxTurns: 10, MaxTokens: 100000, MaxSpend: 10},
		ProcessBody: "do the thing with {input:topic}",
		Permissions: map[string][]string{"search": {"rye.search.tool.placeholder"}},
		Outputs:     map[string]string{},
	}
	return d
}

func emptyDispatcher() *dispatch.Dispatcher {
	return dispatch.New(map[dispatch.Space]dispatch.Store{}, nil, nil, nil)
}

func TestRunHappyPathCompletesWithOutputs(t *testing.T) {
	d := simpleDirective("summarize")
	d.Outputs = map[string]string{"summary": "string"}
	loader := fakeLoader{"summarize": d}

	p := newScriptedProvider(turnScript{Text: `{"summary":"done"}`})
	opts := baseOptions(t, p, emptyDispatcher(), loader)
	r, err := runner.New(opts)
	require.NoError(t, err)

	res, err := r.Run(context.Background(), runner.Request{
		ThreadID: "t1", DirectiveName: "summarize",
		Inputs: map[string]any{"topic": "go"},
	})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCompleted, res.Status)
	assert.Equal(t, "done", res.Outputs["summary"])
	assert.Empty(t, res.ParseError)
	assert.Equal(t, 1, res.Turns)
}

func TestRunOutputParseFailureStillCompletes(t *testing.T) {
	d := simpleDirective("summarize")
	d.Outputs = map[string]string{"summary": "string"}
	loader := fakeLoader{"summarize": d}

	p := newScriptedProvider(turnScript{Text: `not json`})
	opts := baseOptions(t, p, emptyDispatcher(), loader)
	r, err := runner.New(opts)
	require.NoError(t, err)

	res, err := r.Run(context.Background(), runner.Request{ThreadID: "t2", DirectiveName: "summarize"})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCompleted, res.Status)
	assert.NotEmpty(t, res.ParseError)
}

func TestRunToolCallDispatchSuccess(t *testing.T) {
	d := simpleDirective("runner_tool")
	d.Permissions = map[string][]string{"execute": {"rye.execute.tool.search.web"}}
	loader := fakeLoader{"runner_tool": d}

	exec := &fakeExecutor{result: map[string]any{"hits": 3}}
	store := &singleItemStore{dottedID: "search.web", itemType: "tool"}
	dispatcher := dispatch.New(
		map[dispatch.Space]dispatch.Store{dispatch.SpaceProject: store},
		nil, func(dispatch.Space) bool { return true },
		map[string]dispatch.Executor{"tool": exec},
	)

	p := newScriptedProvider(
		turnScript{ToolCalls: []provider.ToolUsePart{{ID: "call1", Name: "search.web", Input: json.RawMessage(`{"q":"go"}`)}}},
		turnScript{Text: "final answer"},
	)
	opts := baseOptions(t, p, dispatcher, loader)
	r, err := runner.New(opts)
	require.NoError(t, err)

	res, err := r.Run(context.Background(), runner.Request{ThreadID: "t3", DirectiveName: "runner_tool"})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCompleted, res.Status)
	assert.Equal(t, 1, exec.calls)
	assert.Equal(t, 2, res.Turns)
}

func TestRunToolCallDeniedContinuesThread(t *testing.T) {
	d := simpleDirective("no_perms")
	// No execute permissions granted, so any tool call is denied by the
	// capability check before dispatch ever resolves an item.
	loader := fakeLoader{"no_perms": d}

	p := newScriptedProvider(
		turnScript{ToolCalls: []provider.ToolUsePart{{ID: "call1", Name: "search.web", Input: json.RawMessage(`{}`)}}},
		turnScript{Text: "recovered"},
	)
	opts := baseOptions(t, p, emptyDispatcher(), loader)
	r, err := runner.New(opts)
	require.NoError(t, err)

	res, err := r.Run(context.Background(), runner.Request{ThreadID: "t4", DirectiveName: "no_perms"})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Turns)
}

func TestRunToolCallErrorAbortsViaHook(t *testing.T) {
	d := simpleDirective("flaky_tool")
	d.Permissions = map[string][]string{"execute": {"rye.execute.tool.flaky"}}
	loader := fakeLoader{"flaky_tool": d}

	exec := &fakeExecutor{err: assertErr("boom")}
	store := &singleItemStore{dottedID: "flaky", itemType: "tool"}
	dispatcher := dispatch.New(
		map[dispatch.Space]dispatch.Store{dispatch.SpaceProject: store},
		nil, func(dispatch.Space) bool { return true },
		map[string]dispatch.Executor{"tool": exec},
	)

	p := newScriptedProvider(
		turnScript{ToolCalls: []provider.ToolUsePart{{ID: "call1", Name: "flaky", Input: json.RawMessage(`{}`)}}},
	)
	opts := baseOptions(t, p, dispatcher, loader)
	opts.Hooks = hooks.NewEngine(hooks.Rule{
		Name: "abort-on-permanent", Event: hooks.EventError,
		Condition: condition.Condition{Path: "category", Op: condition.OpEq, Value: "permanent"},
		Action:    hooks.Action{Kind: hooks.ActionAbort},
	})

	r, err := runner.New(opts)
	require.NoError(t, err)

	res, err := r.Run(context.Background(), runner.Request{ThreadID: "t5", DirectiveName: "flaky_tool"})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusError, res.Status)
}

func TestRunLimitHitSuspends(t *testing.T) {
	d := simpleDirective("capped")
	d.Limits.MaxTurns = 1
	loader := fakeLoader{"capped": d}

	// Turn 1 asks for a (denied) tool call, so the model is not done; the
	// post-turn MaxTurns=1 check then suspends the thread before a second
	// turn runs.
	p := newScriptedProvider(
		turnScript{ToolCalls: []provider.ToolUsePart{{ID: "call1", Name: "search.web", Input: json.RawMessage(`{}`)}}},
		turnScript{Text: "never reached"},
	)
	opts := baseOptions(t, p, emptyDispatcher(), loader)
	r, err := runner.New(opts)
	require.NoError(t, err)

	res, err := r.Run(context.Background(), runner.Request{ThreadID: "t6", DirectiveName: "capped"})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusSuspended, res.Status)
	assert.Equal(t, 1, res.Turns)
}

func TestRunLimitHitEscalatesAndApprovalApproves(t *testing.T) {
	d := simpleDirective("capped_escalate")
	d.Limits.MaxTurns = 1
	loader := fakeLoader{"capped_escalate": d}

	p := newScriptedProvider(
		turnScript{ToolCalls: []provider.ToolUsePart{{ID: "call1", Name: "search.web", Input: json.RawMessage(`{}`)}}},
		turnScript{Text: "resumed after approval"},
	)
	store := &fakeApprovalStore{resp: approval.Response{Approved: true}, ok: true}
	opts := baseOptions(t, p, emptyDispatcher(), loader)
	opts.Approvals = store
	opts.Hooks = hooks.NewEngine(hooks.Rule{
		Name: "escalate-on-turns", Event: hooks.EventLimit,
		Condition: condition.Condition{Path: "code", Op: condition.OpEq, Value: string(harness.LimitTurns)},
		Action:    hooks.Action{Kind: hooks.ActionEscalate, Timeout: 5, ProposedMax: 3},
	})

	r, err := runner.New(opts)
	require.NoError(t, err)

	res, err := r.Run(context.Background(), runner.Request{ThreadID: "t8", DirectiveName: "capped_escalate"})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Turns)
	require.Len(t, store.requests, 1)
	assert.Equal(t, "t8", store.requests[0].ThreadID)
}

func TestRunLimitHitEscalationDeniedErrors(t *testing.T) {
	d := simpleDirective("capped_escalate_deny")
	d.Limits.MaxTurns = 1
	loader := fakeLoader{"capped_escalate_deny": d}

	p := newScriptedProvider(
		turnScript{ToolCalls: []provider.ToolUsePart{{ID: "call1", Name: "search.web", Input: json.RawMessage(`{}`)}}},
		turnScript{Text: "never reached"},
	)
	store := &fakeApprovalStore{resp: approval.Response{Approved: false, Message: "budget owner said no"}, ok: true}
	opts := baseOptions(t, p, emptyDispatcher(), loader)
	opts.Approvals = store
	opts.Hooks = hooks.NewEngine(hooks.Rule{
		Name: "escalate-on-turns", Event: hooks.EventLimit,
		Condition: condition.Condition{Path: "code", Op: condition.OpEq, Value: string(harness.LimitTurns)},
		Action:    hooks.Action{Kind: hooks.ActionEscalate, Timeout: 5, ProposedMax: 2},
	})

	r, err := runner.New(opts)
	require.NoError(t, err)

	res, err := r.Run(context.Background(), runner.Request{ThreadID: "t9", DirectiveName: "capped_escalate_deny"})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusError, res.Status)
	assert.Equal(t, "budget owner said no", res.ParseError)
}

func TestRunLimitHitEscalatesWithoutApprovalsConfiguredSuspends(t *testing.T) {
	d := simpleDirective("capped_escalate_noapprovals")
	d.Limits.MaxTurns = 1
	loader := fakeLoader{"capped_escalate_noapprovals": d}

	p := newScriptedProvider(
		turnScript{ToolCalls: []provider.ToolUsePart{{ID: "call1", Name: "search.web", Input: json.RawMessage(`{}`)}}},
		turnScript{Text: "never reached"},
	)
	opts := baseOptions(t, p, emptyDispatcher(), loader)
	opts.Hooks = hooks.NewEngine(hooks.Rule{
		Name: "escalate-on-turns", Event: hooks.EventLimit,
		Condition: condition.Condition{Path: "code", Op: condition.OpEq, Value: string(harness.LimitTurns)},
		Action:    hooks.Action{Kind: hooks.ActionEscalate, Timeout: 5, ProposedMax: 2},
	})

	r, err := runner.New(opts)
	require.NoError(t, err)

	res, err := r.Run(context.Background(), runner.Request{ThreadID: "t10", DirectiveName: "capped_escalate_noapprovals"})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusSuspended, res.Status)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	d := simpleDirective("resumable")
	loader := fakeLoader{"resumable": d}

	dir := t.TempDir()
	tw, err := transcript.NewFileWriter(filepath.Join(dir, "transcripts"))
	require.NoError(t, err)
	cp := checkpoint.NewFileCheckpointer(filepath.Join(dir, "checkpoints"))

	seed := checkpoint.State{
		ThreadID:  "t7",
		Directive: "resumable",
		Messages:  []checkpoint.Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "go"}},
	}
	require.NoError(t, cp.Save("t7", seed))

	p := newScriptedProvider(turnScript{Text: "resumed answer"})
	opts := runner.Options{
		Directives:  loader,
		Registry:    registry.NewInMemory(),
		Ledger:      budget.NewInMemory(),
		Checkpoints: cp,
		Transcripts: func(threadID, directiveName string) (transcript.Writer, error) { return tw, nil },
		Dispatcher:  emptyDispatcher(),
		Provider:    p,
		Signer:      testSigner(t),
	}
	r, err := runner.New(opts)
	require.NoError(t, err)

	res, err := r.Run(context.Background(), runner.Request{ThreadID: "t7", DirectiveName: "resumable", Resume: true})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCompleted, res.Status)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
