// Package registry implements the Thread Registry: a durable, keyed index of
// every thread's metadata, status, lineage, and cost totals, with listing by
// parent id and of active (non-terminal) threads.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is a Thread's lifecycle state.
type Status string

// The six status variants a Thread may hold.
const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is one from which no further
// transition happens in normal operation (completed/error/cancelled).
// Suspended and paused are not terminal: they may resume to running.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// Limits mirrors a Directive's declared ceilings for a thread.
type Limits struct {
	MaxTurns  int
	MaxTokens int
	MaxSpend  float64
}

// OriginSpace is the item space (project/user/system) a thread's directive
// was resolved from.
type OriginSpace string

// The three origin spaces.
const (
	OriginProject OriginSpace = "project"
	OriginUser    OriginSpace = "user"
	OriginSystem  OriginSpace = "system"
)

// Record is one Thread's registry row.
type Record struct {
	ThreadID         string
	Directive        string
	Model            string
	Status           Status
	ParentID         string
	ChainRootID      string
	ContinuationOf   string
	ContinuationNext string
	Depth            int
	OriginSpace      OriginSpace

	Turns           int
	InputTokens     int
	OutputTokens    int
	Spend           float64
	DurationSeconds float64

	CreatedAt time.Time
	UpdatedAt time.Time

	CapabilityTokenID string
	Limits            Limits
}

// StatusUpdate describes a status transition plus the metric fields that
// accompany it. A nil metric field is treated as "no change" by
// UpdateStatus implementations.
type StatusUpdate struct {
	Status       Status
	Turns        *int
	InputTokens  *int
	OutputTokens *int
	Spend        *float64
	Duration     *float64
}

// Sentinel errors.
var (
	ErrNotFound      = errors.New("registry: thread not found")
	ErrCycle         = errors.New("registry: continuation chain cycle detected")
	ErrAlreadyExists = errors.New("registry: thread already exists")
)

// Registry is the thread registry contract.
type Registry interface {
	// Create inserts a new record; the record's Status is forced to
	// StatusRunning. Returns ErrAlreadyExists if the thread id is taken.
	Create(ctx context.Context, rec Record) error

	// UpdateStatus atomically applies a status and metric update. Applying
	// the same transition twice is a no-op (idempotent).
	UpdateStatus(ctx context.Context, id string, upd StatusUpdate) error

	// SetContinuationNext links id to the id of its successor thread. The
	// successor record must already exist; the link is written only after
	// that existence check and a reachability check from next back to id,
	// rejecting cycles at link time.
	SetContinuationNext(ctx context.Context, id, next string) error

	Get(ctx context.Context, id string) (Record, error)
	ListByParent(ctx context.Context, parentID string) ([]Record, error)
	ListActive(ctx context.Context) ([]Record, error)

	// ResolveChain follows ContinuationNext links from id to the terminal
	// record, guarded by a cycle detector.
	ResolveChain(ctx context.Context, id string) (Record, error)
}

// inmemRegistry is an in-process Registry guarded by a single mutex.
type inmemRegistry struct {
	mu       sync.RWMutex
	records  map[string]*Record
	byParent map[string][]string
}

// NewInMemory constructs a Registry held entirely in process memory.
func NewInMemory() Registry {
	return &inmemRegistry{
		records:  make(map[string]*Record),
		byParent: make(map[string][]string),
	}
}

func (r *inmemRegistry) Create(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.ThreadID]; ok {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, rec.ThreadID)
	}
	rec.Status = StatusRunning
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.UpdatedAt = rec.CreatedAt
	cp := rec
	r.records[rec.ThreadID] = &cp
	if rec.ParentID != "" {
		r.byParent[rec.ParentID] = append(r.byParent[rec.ParentID], rec.ThreadID)
	}
	return nil
}

func (r *inmemRegistry) UpdateStatus(_ context.Context, id string, upd StatusUpdate) error {
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
		// Idempotent no-op: identical transition applied twice.
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
	rec.UpdatedAt = time.Now()
	return nil
}

func (r *inmemRegistry) SetContinuationNext(_ context.Context, id, next string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[next]; !ok {
		return fmt.Errorf("%w: successor %q does not exist", ErrNotFound, next)
	}
	if err := detectCycleLocked(r.records, next, id); err != nil {
		return err
	}
	r.records[id].ContinuationNext = next
	r.records[id].UpdatedAt = time.Now()
	return nil
}

// detectCycleLocked walks ContinuationNext links starting at start looking
// for target; callers hold the registry lock. Returns ErrCycle if target is
// reachable from start, meaning linking target -> ... -> start would close a
// loop.
func detectCycleLocked(records map[string]*Record, start, target string) error {
	seen := make(map[string]bool)
	cur := start
	for cur != "" {
		if cur == target {
			return fmt.Errorf("%w: linking would close a loop at %q", ErrCycle, target)
		}
		if seen[cur] {
			return fmt.Errorf("%w: pre-existing cycle detected at %q", ErrCycle, cur)
		}
		seen[cur] = true
		rec, ok := records[cur]
		if !ok {
			break
		}
		cur = rec.ContinuationNext
	}
	return nil
}

func (r *inmemRegistry) Get(_ context.Context, id string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return *rec, nil
}

func (r *inmemRegistry) ListByParent(_ context.Context, parentID string) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byParent[parentID]
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := r.records[id]; ok {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (r *inmemRegistry) ListActive(_ context.Context) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Record
	for _, rec := range r.records {
		if !rec.Status.Terminal() {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (r *inmemRegistry) ResolveChain(_ context.Context, id string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
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
