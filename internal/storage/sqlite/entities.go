package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

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
		VALUES (?, NULL, '[]', '[]', ?)
		ON CONFLICT(id) DO NOTHING`,
		id, toNanos(at))
	if err != nil {
		return fmt.Errorf("sqlite: ensure entity %s: %w", id, err)
	}
	return nil
}

// GetEntity retrieves an entity record by ID.
func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	var (
		e         types.Entity
		canonical sql.NullString
		aliases   string
		merged    string
		updated   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, canonical_id, aliases, merged_from, last_updated FROM entities WHERE id = ?`, id).
		Scan(&e.ID, &canonical, &aliases, &merged, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: entity %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get entity %s: %w", id, err)
	}

	e.CanonicalID = canonical.String
	e.LastUpdated = fromNanos(updated)
	if err := json.Unmarshal([]byte(aliases), &e.Aliases); err != nil {
		return nil, fmt.Errorf("sqlite: decode aliases for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(merged), &e.MergedFrom); err != nil {
		return nil, fmt.Errorf("sqlite: decode merged_from for %s: %w", id, err)
	}
	return &e, nil
}

// ExistingEntities returns the subset of ids that have an entity record.
func (s *Store) ExistingEntities(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM entities WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`,
		stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: existing entities: %w", err)
	}
	defer rows.Close()

	var found []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan entity id: %w", err)
		}
		found = append(found, id)
	}
	return found, rows.Err()
}

// LoadRedirects returns every alias id mapped to its canonical id.
func (s *Store) LoadRedirects(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, canonical_id FROM entities WHERE canonical_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load redirects: %w", err)
	}
	defer rows.Close()

	redirects := make(map[string]string)
	for rows.Next() {
		var id, canonical string
		if err := rows.Scan(&id, &canonical); err != nil {
			return nil, fmt.Errorf("sqlite: scan redirect: %w", err)
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
		return fmt.Errorf("sqlite: encode aliases: %w", err)
	}
	merged, err := json.Marshal(nonNil(plan.MergedFrom))
	if err != nil {
		return fmt.Errorf("sqlite: encode merged_from: %w", err)
	}
	at := toNanos(plan.At)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin merge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(plan.Absorbed) > 0 {
		in := placeholders(len(plan.Absorbed))
		args := append([]any{plan.CanonicalID}, stringArgs(plan.Absorbed)...)

		if _, err := tx.ExecContext(ctx,
			`UPDATE facts SET subject = ? WHERE subject IN (`+in+`)`, args...); err != nil {
			return fmt.Errorf("sqlite: rewrite subjects: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE facts SET object = ? WHERE object_kind = 'entity' AND object IN (`+in+`)`, args...); err != nil {
			return fmt.Errorf("sqlite: rewrite objects: %w", err)
		}
	}

	for _, id := range plan.Absorbed {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entities (id, canonical_id, aliases, merged_from, last_updated)
			VALUES (?, ?, '[]', '[]', ?)
			ON CONFLICT(id) DO UPDATE SET
				canonical_id = excluded.canonical_id,
				aliases = '[]',
				merged_from = '[]',
				last_updated = excluded.last_updated`,
			id, plan.CanonicalID, at); err != nil {
			return fmt.Errorf("sqlite: record alias %s: %w", id, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entities (id, canonical_id, aliases, merged_from, last_updated)
		VALUES (?, NULL, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			canonical_id = NULL,
			aliases = excluded.aliases,
			merged_from = excluded.merged_from,
			last_updated = excluded.last_updated`,
		plan.CanonicalID, string(aliases), string(merged), at); err != nil {
		return fmt.Errorf("sqlite: record canonical %s: %w", plan.CanonicalID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit merge: %w", err)
	}
	return nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
