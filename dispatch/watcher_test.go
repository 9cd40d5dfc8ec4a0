package dispatch_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryehq/rye-core/dispatch"
)

func TestWatcherDebouncesReload(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "tool"), 0o755))

	var mu sync.Mutex
	var reloads []string
	w, err := dispatch.NewWatcher([]string{root}, 50*time.Millisecond, func(path string) {
		mu.Lock()
		reloads = append(reloads, path)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	target := filepath.Join(root, "tool", "shell.run.json")
	require.NoError(t, os.WriteFile(target, []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(target, []byte(`{"v":2}`), 0o644))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reloads) >= 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNewWatcherRejectsNilReloadFunc(t *testing.T) {
	_, err := dispatch.NewWatcher([]string{t.TempDir()}, 0, nil)
	require.Error(t, err)
}
