// Package pgstore implements registry.Registry on PostgreSQL via pgx,
// applying its schema with embedded golang-migrate migrations the way the
// teacher pack's database client does (codeready-toolchain-tarsy/pkg/database
// /client.go), minus the ent ORM layer: here the queries are plain SQL
// through a pgxpool.Pool.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ryehq/rye-core/registry"
)

//go:embed migrations
var migrationsFS embed.FS

// Store implements registry.Registry against a PostgreSQL pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, runs pending migrations, and returns a ready Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if err := applyMigrations(dsn); err != nil {
		return nil, fmt.Errorf("pgstore: migration failed: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping failed: %w", err)
	}
	return &Store{pool: pool}, nil
}

func applyMigrations(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return src.Close()
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Create implements registry.Registry.
func (s *Store) Create(ctx context.Context, rec registry.Record) error {
	rec.Status = registry.StatusRunning
	_, err := s.pool.Exec(ctx, `
		INSERT INTO threads (
			thread_id, directive, model, status, parent_id, chain_root_id,
			continuation_of, continuation_next, depth, origin_space,
			turns, input_tokens, output_tokens, spend, duration_seconds,
			capability_token_id, max_turns, max_tokens, max_spend
		) VALUES ($1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),NULLIF($7,''),NULLIF($8,''),$9,$10,
			$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		rec.ThreadID, rec.Directive, rec.Model, string(rec.Status), rec.ParentID, rec.ChainRootID,
		rec.ContinuationOf, rec.ContinuationNext, rec.Depth, string(rec.OriginSpace),
		rec.Turns, rec.InputTokens, rec.OutputTokens, rec.Spend, rec.DurationSeconds,
		rec.CapabilityTokenID, rec.Limits.MaxTurns, rec.Limits.MaxTokens, rec.Limits.MaxSpend,
	)
	if err != nil {
		var pgErr interface{ SQLState() string }
		if errors.As(err, &pgErr) && pgErr.SQLState() == "23505" {
			return fmt.Errorf("%w: %q", registry.ErrAlreadyExists, rec.ThreadID)
		}
		return err
	}
	return nil
}

const selectColumns = `thread_id, directive, model, status, COALESCE(parent_id,''), COALESCE(chain_root_id,''),
	COALESCE(continuation_of,''), COALESCE(continuation_next,''), depth, origin_space,
	turns, input_tokens, output_tokens, spend, duration_seconds, created_at, updated_at,
	COALESCE(capability_token_id,''), max_turns, max_tokens, max_spend`

func scanRecord(row pgx.Row) (registry.Record, error) {
	var rec registry.Record
	var status, origin string
	err := row.Scan(
		&rec.ThreadID, &rec.Directive, &rec.Model, &status, &rec.ParentID, &rec.ChainRootID,
		&rec.ContinuationOf, &rec.ContinuationNext, &rec.Depth, &origin,
		&rec.Turns, &rec.InputTokens, &rec.OutputTokens, &rec.Spend, &rec.DurationSeconds,
		&rec.CreatedAt, &rec.UpdatedAt,
		&rec.CapabilityTokenID, &rec.Limits.MaxTurns, &rec.Limits.MaxTokens, &rec.Limits.MaxSpend,
	)
	rec.Status = registry.Status(status)
	rec.OriginSpace = registry.OriginSpace(origin)
	return rec, err
}

// Get implements registry.Registry.
func (s *Store) Get(ctx context.Context, id string) (registry.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM threads WHERE thread_id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return registry.Record{}, fmt.Errorf("%w: %q", registry.ErrNotFound, id)
	}
	return rec, err
}

// UpdateStatus implements registry.Registry.
func (s *Store) UpdateStatus(ctx context.Context, id string, upd registry.StatusUpdate) error {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	turns, input, output, spend, dur := cur.Turns, cur.InputTokens, cur.OutputTokens, cur.Spend, cur.DurationSeconds
	if upd.Turns != nil {
		turns = *upd.Turns
	}
	if upd.InputTokens != nil {
		input = *upd.InputTokens
	}
	if upd.OutputTokens != nil {
		output = *upd.OutputTokens
	}
	if upd.Spend != nil {
		spend = *upd.Spend
	}
	if upd.Duration != nil {
		dur = *upd.Duration
	}
	if cur.Status == upd.Status && turns == cur.Turns && input == cur.InputTokens &&
		output == cur.OutputTokens && spend == cur.Spend && dur == cur.DurationSeconds {
		return nil
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE threads SET status=$2, turns=$3, input_tokens=$4, output_tokens=$5,
			spend=$6, duration_seconds=$7, updated_at=now()
		WHERE thread_id=$1`,
		id, string(upd.Status), turns, input, output, spend, dur)
	return err
}

// SetContinuationNext implements registry.Registry.
func (s *Store) SetContinuationNext(ctx context.Context, id, next string) error {
	if _, err := s.Get(ctx, next); err != nil {
		return fmt.Errorf("%w: successor %q does not exist", registry.ErrNotFound, next)
	}
	if err := s.detectCycle(ctx, next, id); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `UPDATE threads SET continuation_next=$2, updated_at=now() WHERE thread_id=$1`, id, next)
	return err
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
		rec, err := s.Get(ctx, cur)
		if err != nil {
			break
		}
		cur = rec.ContinuationNext
	}
	return nil
}

// ListByParent implements registry.Registry.
func (s *Store) ListByParent(ctx context.Context, parentID string) ([]registry.Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM threads WHERE parent_id = $1`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []registry.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListActive implements registry.Registry.
func (s *Store) ListActive(ctx context.Context) ([]registry.Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM threads WHERE status IN ('running','paused','suspended')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []registry.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
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
		rec, err := s.Get(ctx, cur)
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
