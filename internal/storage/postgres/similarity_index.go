package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/chronicle/internal/search"
	"github.com/scrypster/chronicle/pkg/types"
)

// SimilarityIndex is a vector-similarity service backed by pgvector.
// Documents live in the similarity_documents table next to the fact store.
type SimilarityIndex struct {
	db         *sql.DB
	dimensions int
}

var _ search.Index = (*SimilarityIndex)(nil)

// NewSimilarityIndex enables the pgvector extension and creates the document
// table for embeddings of the given dimension.
func NewSimilarityIndex(ctx context.Context, db *sql.DB, dimensions int) (*SimilarityIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("postgres: embedding dimensions must be positive, got %d", dimensions)
	}

	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return nil, fmt.Errorf("postgres: pgvector extension not available: %w", err)
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS similarity_documents (
			id        TEXT PRIMARY KEY,
			content   TEXT NOT NULL,
			metadata  JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding vector(%d) NOT NULL
		)`, dimensions)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("postgres: create similarity table: %w", err)
	}

	// HNSW needs pgvector >= 0.5; older servers fall back to sequential scans.
	if _, err := db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_similarity_documents_embedding
		ON similarity_documents USING hnsw (embedding vector_cosine_ops)`); err != nil {
		slog.Warn("postgres: hnsw index unavailable, similarity search will scan", "error", err)
	}

	return &SimilarityIndex{db: db, dimensions: dimensions}, nil
}

// SimilarityIndex returns a pgvector index sharing the store's connection pool.
func (s *Store) SimilarityIndex(ctx context.Context, dimensions int) (*SimilarityIndex, error) {
	return NewSimilarityIndex(ctx, s.db, dimensions)
}

// Upsert stores documents with their embeddings, replacing existing ids.
func (idx *SimilarityIndex) Upsert(ctx context.Context, docs []search.Document, vectors [][]float32) error {
	if len(docs) != len(vectors) {
		return fmt.Errorf("postgres: %d documents but %d vectors", len(docs), len(vectors))
	}

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO similarity_documents (id, content, metadata, embedding)
		VALUES ($1, $2, $3::jsonb, $4)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding`)
	if err != nil {
		return fmt.Errorf("postgres: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i, doc := range docs {
		if len(vectors[i]) != idx.dimensions {
			return fmt.Errorf("postgres: document %s has %d dimensions, index expects %d", doc.ID, len(vectors[i]), idx.dimensions)
		}
		meta, err := json.Marshal(doc.Fields())
		if err != nil {
			return fmt.Errorf("postgres: encode metadata for %s: %w", doc.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, doc.ID, doc.Content, string(meta), pgvector.NewVector(vectors[i])); err != nil {
			return fmt.Errorf("postgres: upsert document %s: %w", doc.ID, err)
		}
	}

	return tx.Commit()
}

// Search returns documents ordered by cosine similarity (1 - cosine distance).
func (idx *SimilarityIndex) Search(ctx context.Context, req search.Request) ([]types.SimilarityHit, error) {
	if len(req.Vector) == 0 {
		return nil, nil
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	filters := "{}"
	if len(req.Filters) > 0 {
		b, err := json.Marshal(req.Filters)
		if err != nil {
			return nil, fmt.Errorf("postgres: encode filters: %w", err)
		}
		filters = string(b)
	}

	rows, err := idx.db.QueryContext(ctx, `
		SELECT id, content, metadata, 1 - (embedding <=> $1) AS score
		FROM similarity_documents
		WHERE metadata @> $2::jsonb
		  AND 1 - (embedding <=> $1) >= $3
		ORDER BY embedding <=> $1
		LIMIT $4`,
		pgvector.NewVector(req.Vector), filters, req.Threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: similarity search: %w", err)
	}
	defer rows.Close()

	var hits []types.SimilarityHit
	for rows.Next() {
		var (
			hit  types.SimilarityHit
			meta []byte
		)
		if err := rows.Scan(&hit.ID, &hit.Content, &meta, &hit.Score); err != nil {
			return nil, fmt.Errorf("postgres: scan similarity hit: %w", err)
		}
		if err := json.Unmarshal(meta, &hit.Metadata); err != nil {
			return nil, fmt.Errorf("postgres: decode metadata for %s: %w", hit.ID, err)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}
