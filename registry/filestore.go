package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileRegistry persists records to a single JSON document via
// write-temp-then-rename, matching the checkpointer's durability pattern
// so a crash mid-write never corrupts the previously durable
// registry state.
type FileRegistry struct {
	path string

	mu       sync.Mutex
	records  map[string]*Record
	byParent map[string][]string
}

type fileRegistryDoc struct {
	Records map[string]*Record `json:"records"`
}

// NewFileRegistry opens (or creates) the registry document at path.
func NewFileRegistry(path string) (*FileRegistry, error) {
	r := &FileRegistry{
		path:     path,
		records:  make(map[string]*Record),
		byParent: make(map[string][]string),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRegistry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var doc fileRegistryDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("registry: corrupt registry file %s: %w", r.path, err)
	}
	for id, rec := range doc.Records {
		r.records[id] = rec
		if rec.ParentID != "" {
			r.byParent[rec.ParentID] = append(r.byParent[rec.ParentID], id)
		}
	}
	return nil
}

// flush writes the current state via temp file + atomic rename. Caller must
// hold r.mu.
func (r *FileRegistry) flush() error {
	doc := fileRegistryDoc{Records: r.records}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, r.path)
}

// Create implements Registry.
func (r *FileRegistry) Create(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.ThreadID]; ok {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, rec.ThreadID)
	}
	rec.Status = StatusRunning
	cp := rec
	r.records[rec.ThreadID] = &cp
	if rec.ParentID != "" {
		r.byParent[rec.ParentID] = append(r.byParent[rec.ParentID], rec.ThreadID)
	}
	return r.flush()
}

// UpdateStatus implements Registry.
func (r *FileRegistry) UpdateStatus(_ context.Context, id string, upd StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if rec.Status == upd.Status &&
		(upd.Turns == nil || *upd.Turns == rec.Turns) &&
		(upd.InputTokens == nil || *upd.InputTokens == rec.InputTokens) &&
		(upd.OutputTokens == nil || *upd.OutputTokens == rec.OutputTokens) &&
		(upd.Spend == nil || *upd.Spend == rec.Spend) &&
		(upd.Duration == nil || *upd.Duration == rec.DurationSeconds) {
		return nil
	}
	rec.Status = upd.Status
	if upd.Turns != nil {
		rec.Turns = *upd.Turns
	}
	if upd.InputTokens != nil {
		rec.InputTokens = *upd.InputTokens
	}
	if upd.OutputTokens != nil {
		rec.OutputTokens = *upd.OutputTokens
	}
	if upd.Spend != nil {
		rec.Spend = *upd.Spend
	}
	if upd.Duration != nil {
		rec.DurationSeconds = *upd.Duration
	}
	return r.flush()
}

// SetContinuationNext implements Registry.
func (r *FileRegistry) SetContinuationNext(_ context.Context, id, next string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[next]; !ok {
		return fmt.Errorf("%w: successor %q does not exist", ErrNotFound, next)
	}
	if err := detectCycleLocked(r.records, next, id); err != nil {
		return err
	}
	r.records[id].ContinuationNext = next
	return r.flush()
}

// Get implements Registry.
func (r *FileRegistry) Get(_ context.Context, id string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return *rec, nil
}

// ListByParent implements Registry.
func (r *FileRegistry) ListByParent(_ context.Context, parentID string) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.byParent[parentID]
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := r.records[id]; ok {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// ListActive implements Registry.
func (r *FileRegistry) ListActive(_ context.Context) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.records {
		if !rec.Status.Terminal() {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// ResolveChain implements Registry.
func (r *FileRegistry) ResolveChain(_ context.Context, id string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	cur := id
	var rec *Record
	for {
		if seen[cur] {
			return Record{}, fmt.Errorf("%w: chain from %q loops at %q", ErrCycle, id, cur)
		}
		seen[cur] = true
		r2, ok := r.records[cur]
		if !ok {
			return Record{}, fmt.Errorf("%w: %q", ErrNotFound, cur)
		}
		rec = r2
		if rec.ContinuationNext == "" {
			return *rec, nil
		}
		cur = rec.ContinuationNext
	}
}

// ReclaimOrphaned reclassifies threads left in StatusRunning with no live
// owning process to StatusError. alive
// reports whether the process recorded for a thread is still running; the
// registry itself does not track process ownership, so callers supply the
// liveness check (e.g. consulting the orchestrator's process table).
func (r *FileRegistry) ReclaimOrphaned(ctx context.Context, alive func(threadID string) bool) ([]string, error) {
	r.mu.Lock()
	var toReclaim []string
	for id, rec := range r.records {
		if rec.Status == StatusRunning && !alive(id) {
			toReclaim = append(toReclaim, id)
		}
	}
	r.mu.Unlock()

	for _, id := range toReclaim {
		if err := r.UpdateStatus(ctx, id, StatusUpdate{Status: StatusError}); err != nil {
			return toReclaim, err
		}
	}
	return toReclaim, nil
}

var _ Registry = (*FileRegistry)(nil)
