package journal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the translation_turns table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS translation_turns (
    id             BIGSERIAL PRIMARY KEY,
    direction      TEXT NOT NULL,
    context_id     TEXT NOT NULL,
    source         TEXT NOT NULL,
    translation    TEXT NOT NULL DEFAULT '',
    chunks         INTEGER NOT NULL DEFAULT 0,
    started_at     TIMESTAMPTZ NOT NULL,
    first_chunk_ms BIGINT NOT NULL DEFAULT 0,
    duration_ms    BIGINT NOT NULL DEFAULT 0,
    outcome        TEXT NOT NULL,
    error          TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_translation_turns_direction ON translation_turns(direction, started_at);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Recorder] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Recorder = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Open connects a pool to dsn, applies the schema and returns the store
// together with a function that closes the pool.
func Open(ctx context.Context, dsn string) (*PostgresStore, func(), error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("journal: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("journal: ping: %w", err)
	}
	store := NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// Ping reports whether the underlying database is reachable. Stores built on
// a [DB] without a Ping method are always considered healthy.
func (s *PostgresStore) Ping(ctx context.Context) error {
	p, ok := s.db.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("journal: ping: %w", err)
	}
	return nil
}

// RecordTurn inserts one turn row.
func (s *PostgresStore) RecordTurn(ctx context.Context, turn Turn) error {
	const query = `
		INSERT INTO translation_turns (
			direction, context_id, source, translation, chunks,
			started_at, first_chunk_ms, duration_ms, outcome, error
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	_, err := s.db.Exec(ctx, query,
		turn.Direction, turn.ContextID, turn.Source, turn.Translation, turn.Chunks,
		turn.StartedAt, turn.FirstChunk.Milliseconds(), turn.Duration.Milliseconds(),
		string(turn.Outcome), turn.Error,
	)
	if err != nil {
		return fmt.Errorf("journal: record turn: %w", err)
	}
	return nil
}
