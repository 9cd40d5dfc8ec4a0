// Package redisstore implements registry.Registry on Redis for cross-process
// deployments: one hash per thread record, a set per parent for
// ListByParent, and a set of active thread ids for ListActive.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ryehq/rye-core/registry"
)

const (
	defaultKeyPrefix = "rye:thread:"
	activeSetSuffix  = "active"
	parentSetPrefix  = "children:"
)

// Store implements registry.Registry against a Redis instance.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix overrides the default "rye:thread:" key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New constructs a Redis-backed Registry.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, keyPrefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) recordKey(id string) string       { return s.keyPrefix + id }
func (s *Store) activeKey() string                { return s.keyPrefix + activeSetSuffix }
func (s *Store) childrenKey(parent string) string { return s.keyPrefix + parentSetPrefix + parent }

// Create implements registry.Registry.
func (s *Store) Create(ctx context.Context, rec registry.Record) error {
	key := s.recordKey(rec.ThreadID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("%w: %q", registry.ErrAlreadyExists, rec.ThreadID)
	}
	rec.Status = registry.StatusRunning
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.SAdd(ctx, s.activeKey(), rec.ThreadID)
	if rec.ParentID != "" {
		pipe.SAdd(ctx, s.childrenKey(rec.ParentID), rec.ThreadID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) load(ctx context.Context, id string) (registry.Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return registry.Record{}, fmt.Errorf("%w: %q", registry.ErrNotFound, id)
		}
		return registry.Record{}, err
	}
	var rec registry.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return registry.Record{}, err
	}
	return rec, nil
}

func (s *Store) save(ctx context.Context, rec registry.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.recordKey(rec.ThreadID), data, 0).Err()
}

// UpdateStatus implements registry.Registry.
func (s *Store) UpdateStatus(ctx context.Context, id string, upd registry.StatusUpdate) error {
	rec, err := s.load(ctx, id)
	if err != nil {
		return err
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
	if err := s.save(ctx, rec); err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return s.client.SRem(ctx, s.activeKey(), id).Err()
	}
	return nil
}

// SetContinuationNext implements registry.Registry.
func (s *Store) SetContinuationNext(ctx context.Context, id, next string) error {
	if _, err := s.load(ctx, next); err != nil {
		return fmt.Errorf("%w: successor %q does not exist", registry.ErrNotFound, next)
	}
	if err := s.detectCycle(ctx, next, id); err != nil {
		return err
	}
	rec, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	rec.ContinuationNext = next
	return s.save(ctx, rec)
}

func (s *Store) detectCycle(ctx context.Context, start, target string) error {
	seen := make(map[string]bool)
	cur := start
	for cur != "" {
		if cur == target {
			return fmt.Errorf("%w: linking would close a loop at %q", registry.ErrCycle, target)
		}
		if seen[cur] {
			return fmt.Errorf("%w: pre-existing cycle detected at %q", registry.ErrCycle, cur)
		}
		seen[cur] = true
		rec, err := s.load(ctx, cur)
		if err != nil {
			break
		}
		cur = rec.ContinuationNext
	}
	return nil
}

// Get implements registry.Registry.
func (s *Store) Get(ctx context.Context, id string) (registry.Record, error) {
	return s.load(ctx, id)
}

// ListByParent implements registry.Registry.
func (s *Store) ListByParent(ctx context.Context, parentID string) ([]registry.Record, error) {
	ids, err := s.client.SMembers(ctx, s.childrenKey(parentID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]registry.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.load(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListActive implements registry.Registry.
func (s *Store) ListActive(ctx context.Context) ([]registry.Record, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]registry.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.load(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ResolveChain implements registry.Registry.
func (s *Store) ResolveChain(ctx context.Context, id string) (registry.Record, error) {
	seen := make(map[string]bool)
	cur := id
	for {
		if seen[cur] {
			return registry.Record{}, fmt.Errorf("%w: chain from %q loops at %q", registry.ErrCycle, id, cur)
		}
		seen[cur] = true
		rec, err := s.load(ctx, cur)
		if err != nil {
			return registry.Record{}, err
		}
		if rec.ContinuationNext == "" {
			return rec, nil
		}
		cur = rec.ContinuationNext
	}
}

var _ registry.Registry = (*Store)(nil)
