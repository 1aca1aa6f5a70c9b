// Package postgres provides a PostgreSQL-backed [knowledge.Index] using a
// pgvector HNSW index for fast approximate nearest-neighbour search.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/voxflow/voxflow/pkg/knowledge"
)

// Compile-time interface assertion.
var _ knowledge.Index = (*Store)(nil)

// Store is a PostgreSQL-backed snippet index. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// ddlSnippets returns the DDL with the embedding dimension substituted. The
// vector dimension is baked into the column type at schema creation time.
func ddlSnippets(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS knowledge_snippets (
    id          TEXT         PRIMARY KEY,
    source_id   TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_knowledge_snippets_source_id
    ON knowledge_snippets (source_id);

CREATE INDEX IF NOT EXISTS idx_knowledge_snippets_embedding
    ON knowledge_snippets USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures the snippets table and pgvector extension exist.
// It is idempotent and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for your
// deployment (e.g., 1536 for OpenAI text-embedding-3-small). Changing this
// value after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddlSnippets(embeddingDimensions)); err != nil {
		return fmt.Errorf("knowledge postgres: migrate: %w", err)
	}
	return nil
}

// NewStore establishes a connection pool to the PostgreSQL database at dsn,
// registers pgvector types on every connection, and runs [Migrate] to ensure
// the schema exists.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("knowledge postgres: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("knowledge postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("knowledge postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

// IndexSnippet implements [knowledge.Index]. An existing snippet with the
// same ID is completely replaced.
func (s *Store) IndexSnippet(ctx context.Context, snippet knowledge.Snippet) error {
	const q = `
		INSERT INTO knowledge_snippets
		    (id, source_id, content, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    source_id  = EXCLUDED.source_id,
		    content    = EXCLUDED.content,
		    embedding  = EXCLUDED.embedding,
		    updated_at = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, q,
		snippet.ID,
		snippet.SourceID,
		snippet.Content,
		pgvector.NewVector(snippet.Embedding),
		snippet.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("knowledge postgres: index snippet: %w", err)
	}
	return nil
}

// Search implements [knowledge.Index]. Results are ordered by ascending
// cosine distance (most similar first).
func (s *Store) Search(ctx context.Context, embedding []float32, topK int, sourceID string) ([]knowledge.Result, error) {
	const q = `
		SELECT id, source_id, content, embedding, updated_at,
		       embedding <=> $1 AS distance
		FROM   knowledge_snippets
		WHERE  source_id = $2
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), sourceID, topK)
	if err != nil {
		return nil, fmt.Errorf("knowledge postgres: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (knowledge.Result, error) {
		var (
			res knowledge.Result
			vec pgvector.Vector
		)
		if err := row.Scan(
			&res.Snippet.ID,
			&res.Snippet.SourceID,
			&res.Snippet.Content,
			&vec,
			&res.Snippet.UpdatedAt,
			&res.Distance,
		); err != nil {
			return knowledge.Result{}, err
		}
		res.Snippet.Embedding = vec.Slice()
		return res, nil
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge postgres: scan rows: %w", err)
	}
	if results == nil {
		results = []knowledge.Result{}
	}
	return results, nil
}

// DeleteSource implements [knowledge.Index].
func (s *Store) DeleteSource(ctx context.Context, sourceID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM knowledge_snippets WHERE source_id = $1`, sourceID); err != nil {
		return fmt.Errorf("knowledge postgres: delete source: %w", err)
	}
	return nil
}

// Ping verifies database connectivity. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
