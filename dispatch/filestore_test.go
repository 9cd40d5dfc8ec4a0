package dispatch_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryehq/rye-core/dispatch"
)

func writeItemFile(t *testing.T, root, itemType, dottedID string, doc map[string]any) {
	t.Helper()
	dir := filepath.Join(root, itemType)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, dottedID+".json"), data, 0o644))
}

func TestFileStoreLookupFindsItem(t *testing.T) {
	root := t.TempDir()
	writeItemFile(t, root, "tool", "shell.run", map[string]any{
		"item_type":   "tool",
		"dotted_id":   "shell.run",
		"executor_id": "",
		"params":      map[string]any{"timeout": 30},
		"body":        json.RawMessage(`{"foo":"bar"}`),
	})

	store := dispatch.NewFileStore(root)
	item, found, err := store.Lookup(dispatch.SpaceProject, "tool", "shell.run")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "shell.run", item.DottedID)
	assert.Equal(t, float64(30), item.Params["timeout"])
}

func TestFileStoreLookupMissingReturnsNotFound(t *testing.T) {
	store := dispatch.NewFileStore(t.TempDir())
	_, found, err := store.Lookup(dispatch.SpaceProject, "tool", "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFileStoreLookupWithSignatureHeader(t *testing.T) {
	root := t.TempDir()
	writeItemFile(t, root, "tool", "signed.thing", map[string]any{
		"item_type": "tool",
		"dotted_id": "signed.thing",
		"body":      json.RawMessage(`{}`),
		"signature": map[string]any{
			"timestamp":       "2026-01-01T00:00:00Z",
			"content_sha256":  "abc",
			"signature":       []byte("sig-bytes"),
			"key_fingerprint": "fp-1",
		},
	})

	store := dispatch.NewFileStore(root)
	item, found, err := store.Lookup(dispatch.SpaceProject, "tool", "signed.thing")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "fp-1", item.Signature.KeyFingerprint)
	assert.NotEmpty(t, item.Signature.Signature)
}
