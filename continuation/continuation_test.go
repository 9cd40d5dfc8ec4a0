package continuation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryehq/rye-core/capability"
	"github.com/ryehq/rye-core/continuation"
	"github.com/ryehq/rye-core/registry"
	"github.com/ryehq/rye-core/runner"
)

// memArtifactStore records every artifact written, keyed by thread id.
type memArtifactStore struct {
	written map[string]continuation.Artifact
}

func newMemArtifactStore() *memArtifactStore {
	return &memArtifactStore{written: map[string]continuation.Artifact{}}
}

func (s *memArtifactStore) Write(a continuation.Artifact) error {
	s.written[a.ThreadID] = a
	return nil
}

func fixedNow() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func TestContinueRunsFiveStepHandoff(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemory()
	require.NoError(t, reg.Create(ctx, registry.Record{ThreadID: "t1", Directive: "long_task"}))

	signer, err := capability.NewEd25519Signer("test-key")
	require.NoError(t, err)
	artifacts := newMemArtifactStore()

	var sawSummaryDirective, sawSuccessorDirective bool
	var successorInputs map[string]any
	var successorContinuationOf string

	run := func(ctx context.Context, req runner.Request) (runner.Result, error) {
		switch req.DirectiveName {
		case "thread_summary":
			sawSummaryDirective = true
			return runner.Result{Status: registry.StatusCompleted, Outputs: map[string]any{"summary": "condensed progress so far"}}, nil
		case "long_task":
			sawSuccessorDirective = true
			successorInputs = req.Inputs
			successorContinuationOf = req.ContinuationOf
			require.NoError(t, reg.Create(ctx, registry.Record{ThreadID: req.ThreadID, Directive: req.DirectiveName}))
			return runner.Result{Status: registry.StatusRunning}, nil
		default:
			t.Fatalf("unexpected directive %q", req.DirectiveName)
			return runner.Result{}, nil
		}
	}

	mgr, err := continuation.New(continuation.Options{
		Run: run, Registry: reg, Artifacts: artifacts, Signer: signer, Now: fixedNow,
	})
	require.NoError(t, err)

	parent := runner.Request{ThreadID: "t1", DirectiveName: "long_task", Inputs: map[string]any{"topic": "go"}}
	successorID, err := mgr.Continue(ctx, parent, "raw transcript excerpt")
	require.NoError(t, err)
	assert.NotEmpty(t, successorID)

	// Step 1: thread_summary was invoked synchronously.
	assert.True(t, sawSummaryDirective)
	// Step 2: the summary landed as a signed artifact.
	artifact, ok := artifacts.written["t1"]
	require.True(t, ok)
	assert.Equal(t, "condensed progress so far", artifact.Summary)
	assert.NotEmpty(t, artifact.Signature)
	// Step 3: successor got the same directive, seeded summary, and a
	// continuation_of link back to the parent.
	assert.True(t, sawSuccessorDirective)
	assert.Equal(t, "condensed progress so far", successorInputs["continuation_summary"])
	assert.Equal(t, "go", successorInputs["topic"])
	assert.Equal(t, "t1", successorContinuationOf)
	// Step 4: parent's continuation_next now points at the successor.
	parentRec, err := reg.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, successorID, parentRec.ContinuationNext)
}

func TestContinueFailsWhenSummaryDirectiveErrors(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemory()
	require.NoError(t, reg.Create(ctx, registry.Record{ThreadID: "t2", Directive: "long_task"}))
	signer, err := capability.NewEd25519Signer("test-key")
	require.NoError(t, err)

	run := func(ctx context.Context, req runner.Request) (runner.Result, error) {
		return runner.Result{}, assertErr("summary directive failed")
	}
	mgr, err := continuation.New(continuation.Options{Run: run, Registry: reg, Artifacts: newMemArtifactStore(), Signer: signer, Now: fixedNow})
	require.NoError(t, err)

	_, err = mgr.Continue(ctx, runner.Request{ThreadID: "t2", DirectiveName: "long_task"}, "excerpt")
	require.Error(t, err)
}

func TestContinueFallsBackToRawSummaryWhenDirectiveOmitsOutput(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemory()
	require.NoError(t, reg.Create(ctx, registry.Record{ThreadID: "t3", Directive: "long_task"}))
	signer, err := capability.NewEd25519Signer("test-key")
	require.NoError(t, err)
	artifacts := newMemArtifactStore()

	run := func(ctx context.Context, req runner.Request) (runner.Result, error) {
		if req.DirectiveName == "thread_summary" {
			return runner.Result{Status: registry.StatusCompleted}, nil
		}
		require.NoError(t, reg.Create(ctx, registry.Record{ThreadID: req.ThreadID, Directive: req.DirectiveName}))
		return runner.Result{Status: registry.StatusRunning}, nil
	}
	mgr, err := continuation.New(continuation.Options{Run: run, Registry: reg, Artifacts: artifacts, Signer: signer, Now: fixedNow})
	require.NoError(t, err)

	_, err = mgr.Continue(ctx, runner.Request{ThreadID: "t3", DirectiveName: "long_task"}, "raw excerpt")
	require.NoError(t, err)
	assert.Equal(t, "raw excerpt", artifacts.written["t3"].Summary)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
