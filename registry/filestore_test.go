package registry_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryehq/rye-core/registry"
)

func TestFileRegistryPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.json")

	reg, err := registry.NewFileRegistry(path)
	require.NoError(t, err)
	require.NoError(t, reg.Create(ctx, registry.Record{ThreadID: "t1", Directive: "d", ParentID: ""}))

	reg2, err := registry.NewFileRegistry(path)
	require.NoError(t, err)
	rec, err := reg2.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "d", rec.Directive)
	assert.Equal(t, registry.StatusRunning, rec.Status)
}

func TestFileRegistryReclaimOrphaned(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.json")
	reg, err := registry.NewFileRegistry(path)
	require.NoError(t, err)
	require.NoError(t, reg.Create(ctx, registry.Record{ThreadID: "dead"}))
	require.NoError(t, reg.Create(ctx, registry.Record{ThreadID: "alive"}))

	reclaimed, err := reg.ReclaimOrphaned(ctx, func(id string) bool { return id == "alive" })
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"dead"}, reclaimed)

	rec, err := reg.Get(ctx, "dead")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusError, rec.Status)

	rec, err = reg.Get(ctx, "alive")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRunning, rec.Status)
}
