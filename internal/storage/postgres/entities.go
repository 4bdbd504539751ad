package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/scrypster/chronicle/internal/storage"
	"github.com/scrypster/chronicle/pkg/types"
)

// EnsureEntity creates a canonical entity record if id is unseen.
func (s *Store) EnsureEntity(ctx context.Context, id string, at time.Time) error {
	if id == "" {
		return fmt.Errorf("%w: entity id is required", storage.ErrValidation)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, canonical_id, aliases, merged_from, last_updated)
		VALUES ($1, NULL, '[]'::jsonb, '[]'::jsonb, $2)
		ON CONFLICT (id) DO NOTHING`,
		id, pgTime(at))
	if err != nil {
		return fmt.Errorf("postgres: ensure entity %s: %w", id, err)
	}
	return nil
}

// GetEntity retrieves an entity record by ID.
func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	var (
		e         types.Entity
		canonical sql.NullString
		aliases   []byte
		merged    []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, canonical_id, aliases, merged_from, last_updated FROM entities WHERE id = $1`, id).
		Scan(&e.ID, &canonical, &aliases, &merged, &e.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: entity %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get entity %s: %w", id, err)
	}

	e.CanonicalID = canonical.String
	e.LastUpdated = e.LastUpdated.UTC()
	if err := json.Unmarshal(aliases, &e.Aliases); err != nil {
		return nil, fmt.Errorf("postgres: decode aliases for %s: %w", id, err)
	}
	if err := json.Unmarshal(merged, &e.MergedFrom); err != nil {
		return nil, fmt.Errorf("postgres: decode merged_from for %s: %w", id, err)
	}
	return &e, nil
}

// ExistingEntities returns the subset of ids that have an entity record.
func (s *Store) ExistingEntities(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var found []string
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(array_agg(id ORDER BY id), '{}') FROM entities WHERE id = ANY($1)`,
		pq.Array(ids)).Scan(pq.Array(&found))
	if err != nil {
		return nil, fmt.Errorf("postgres: existing entities: %w", err)
	}
	if len(found) == 0 {
		return nil, nil
	}
	return found, nil
}

// LoadRedirects returns every alias id mapped to its canonical id.
func (s *Store) LoadRedirects(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, canonical_id FROM entities WHERE canonical_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load redirects: %w", err)
	}
	defer rows.Close()

	redirects := make(map[string]string)
	for rows.Next() {
		var id, canonical string
		if err := rows.Scan(&id, &canonical); err != nil {
			return nil, fmt.Errorf("postgres: scan redirect: %w", err)
		}
		redirects[id] = canonical
	}
	return redirects, rows.Err()
}

// ApplyMerge rewrites fact references and entity records in one transaction.
func (s *Store) ApplyMerge(ctx context.Context, plan storage.MergePlan) error {
	if plan.CanonicalID == "" {
		return fmt.Errorf("%w: canonical id is required", storage.ErrValidation)
	}

	aliases, err := json.Marshal(nonNil(plan.Aliases))
	if err != nil {
		return fmt.Errorf("postgres: encode aliases: %w", err)
	}
	merged, err := json.Marshal(nonNil(plan.MergedFrom))
	if err != nil {
		return fmt.Errorf("postgres: encode merged_from: %w", err)
	}
	at := pgTime(plan.At)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin merge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(plan.Absorbed) > 0 {
		absorbed := pq.Array(plan.Absorbed)
		if _, err := tx.ExecContext(ctx,
			`UPDATE facts SET subject = $1 WHERE subject = ANY($2)`, plan.CanonicalID, absorbed); err != nil {
			return fmt.Errorf("postgres: rewrite subjects: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE facts SET object = $1 WHERE object_kind = 'entity' AND object = ANY($2)`, plan.CanonicalID, absorbed); err != nil {
			return fmt.Errorf("postgres: rewrite objects: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entities (id, canonical_id, aliases, merged_from, last_updated)
			SELECT a, $1, '[]'::jsonb, '[]'::jsonb, $2 FROM unnest($3::text[]) AS a
			ON CONFLICT (id) DO UPDATE SET
				canonical_id = EXCLUDED.canonical_id,
				aliases = '[]'::jsonb,
				merged_from = '[]'::jsonb,
				last_updated = EXCLUDED.last_updated`,
			plan.CanonicalID, at, absorbed); err != nil {
			return fmt.Errorf("postgres: record aliases: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entities (id, canonical_id, aliases, merged_from, last_updated)
		VALUES ($1, NULL, $2::jsonb, $3::jsonb, $4)
		ON CONFLICT (id) DO UPDATE SET
			canonical_id = NULL,
			aliases = EXCLUDED.aliases,
			merged_from = EXCLUDED.merged_from,
			last_updated = EXCLUDED.last_updated`,
		plan.CanonicalID, string(aliases), string(merged), at); err != nil {
		return fmt.Errorf("postgres: record canonical %s: %w", plan.CanonicalID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit merge: %w", err)
	}
	return nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
