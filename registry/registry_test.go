package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryehq/rye-core/registry"
)

func mustCreate(t *testing.T, reg registry.Registry, id, parent string) {
	t.Helper()
	require.NoError(t, reg.Create(context.Background(), registry.Record{
		ThreadID: id, Directive: "d", Model: "m", ParentID: parent, OriginSpace: registry.OriginProject,
	}))
}

func TestCreateForcesRunningStatus(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemory()
	require.NoError(t, reg.Create(ctx, registry.Record{ThreadID: "t1", Status: registry.StatusCompleted}))
	rec, err := reg.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRunning, rec.Status)
}

func TestCreateDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemory()
	mustCreate(t, reg, "t1", "")
	err := reg.Create(ctx, registry.Record{ThreadID: "t1"})
	require.ErrorIs(t, err, registry.ErrAlreadyExists)
}

func TestUpdateStatusIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemory()
	mustCreate(t, reg, "t1", "")
	turns := 3
	upd := registry.StatusUpdate{Status: registry.StatusCompleted, Turns: &turns}
	require.NoError(t, reg.UpdateStatus(ctx, "t1", upd))
	require.NoError(t, reg.UpdateStatus(ctx, "t1", upd))
	rec, err := reg.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Turns)
}

func TestListByParent(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemory()
	mustCreate(t, reg, "parent", "")
	mustCreate(t, reg, "c1", "parent")
	mustCreate(t, reg, "c2", "parent")

	children, err := reg.ListByParent(ctx, "parent")
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestListActiveExcludesTerminal(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemory()
	mustCreate(t, reg, "t1", "")
	mustCreate(t, reg, "t2", "")
	require.NoError(t, reg.UpdateStatus(ctx, "t2", registry.StatusUpdate{Status: registry.StatusCompleted}))

	active, err := reg.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "t1", active[0].ThreadID)
}

func TestResolveChainFollowsContinuationLinks(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemory()
	mustCreate(t, reg, "a", "")
	mustCreate(t, reg, "b", "")
	mustCreate(t, reg, "c", "")
	require.NoError(t, reg.SetContinuationNext(ctx, "a", "b"))
	require.NoError(t, reg.SetContinuationNext(ctx, "b", "c"))

	final, err := reg.ResolveChain(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "c", final.ThreadID)
}

// TestSetContinuationNextRejectsCycle checks that
// continuation chain cycles are rejected at link time, not at traversal
// time: linking c back to a (which already points, transitively, to c)
// must fail immediately.
func TestSetContinuationNextRejectsCycle(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemory()
	mustCreate(t, reg, "a", "")
	mustCreate(t, reg, "b", "")
	mustCreate(t, reg, "c", "")
	require.NoError(t, reg.SetContinuationNext(ctx, "a", "b"))
	require.NoError(t, reg.SetContinuationNext(ctx, "b", "c"))

	err := reg.SetContinuationNext(ctx, "c", "a")
	require.ErrorIs(t, err, registry.ErrCycle)
}

func TestSetContinuationNextRejectsSelfLink(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemory()
	mustCreate(t, reg, "a", "")
	err := reg.SetContinuationNext(ctx, "a", "a")
	require.ErrorIs(t, err, registry.ErrCycle)
}

func TestSetContinuationNextUnknownSuccessorRejected(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemory()
	mustCreate(t, reg, "a", "")
	err := reg.SetContinuationNext(ctx, "a", "ghost")
	require.ErrorIs(t, err, registry.ErrNotFound)
}
