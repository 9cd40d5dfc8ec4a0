package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc is invoked once per settled path after its debounce window
// elapses. Typical wiring re-parses the changed item file and swaps it into
// whatever cache sits in front of a FileStore.
type ReloadFunc func(path string)

// Watcher watches one or more item-space roots for changes and debounces
// bursts of writes (editors commonly emit several events per save) into a
// single ReloadFunc call per path. Intended for dev-mode hot reload of
// project/user/system item directories; production deployments can run
// without a Watcher and rely on FileStore's on-demand Lookup instead.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	onReload ReloadFunc
	roots    []string

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}

	pendingMu sync.Mutex
	pending   map[string]time.Time
}

// NewWatcher builds a Watcher over the given space-root directories.
// debounce defaults to 200ms when zero.
func NewWatcher(roots []string, debounce time.Duration, onReload ReloadFunc) (*Watcher, error) {
	if onReload == nil {
		return nil, fmt.Errorf("dispatch: watcher requires a non-nil ReloadFunc")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("dispatch: creating fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &Watcher{
		fsw:      fsw,
		debounce: debounce,
		onReload: onReload,
		roots:    roots,
		stopCh:   make(chan struct{}),
		pending:  make(map[string]time.Time),
	}, nil
}

// Start begins watching. Safe to call once; a second call is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addRoots(); err != nil {
		return fmt.Errorf("dispatch: watching item roots: %w", err)
	}

	go w.processEvents()
	go w.processDebounced()
	return nil
}

// Stop halts watching and releases the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false
	close(w.stopCh)
	return w.fsw.Close()
}

func (w *Watcher) addRoots() error {
	for _, root := range w.roots {
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return filepath.SkipDir
				}
				return err
			}
			if !info.IsDir() {
				return nil
			}
			if err := w.fsw.Add(path); err != nil {
				fmt.Fprintf(os.Stderr, "dispatch: warning: cannot watch %s: %v\n", path, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) processEvents() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.pendingMu.Lock()
			w.pending[event.Name] = time.Now()
			w.pendingMu.Unlock()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "dispatch: watcher error: %v\n", err)
		}
	}
}

func (w *Watcher) processDebounced() {
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.flushSettled()
		}
	}
}

func (w *Watcher) flushSettled() {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	now := time.Now()
	for path, ts := range w.pending {
		if now.Sub(ts) < w.debounce {
			continue
		}
		delete(w.pending, path)
		w.onReload(path)
	}
}
