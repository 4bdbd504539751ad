package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/scrypster/chronicle/internal/storage"
	"github.com/scrypster/chronicle/pkg/types"
)

// InsertEpisode stores the episode envelope and links its facts.
func (s *Store) InsertEpisode(ctx context.Context, ep *types.Episode) error {
	if ep == nil || ep.ID == "" {
		return fmt.Errorf("%w: episode ID is required", storage.ErrValidation)
	}
	ctxJSON := []byte("{}")
	if ep.Context != nil {
		b, err := json.Marshal(ep.Context)
		if err != nil {
			return fmt.Errorf("%w: episode context: %v", storage.ErrValidation, err)
		}
		ctxJSON = b
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin insert episode: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO episodes (id, user_id, query, ts, context, outcome)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)`,
		ep.ID, ep.UserID, ep.Query, pgTime(ep.Timestamp), string(ctxJSON), nullableString(ep.Outcome))
	if err != nil {
		return fmt.Errorf("postgres: insert episode %s: %w", ep.ID, err)
	}

	for _, factID := range ep.FactIDs {
		if err := appendEpisodeFact(ctx, tx, ep.ID, factID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit insert episode: %w", err)
	}
	return nil
}

// GetEpisode retrieves an episode and its ordered fact ids.
func (s *Store) GetEpisode(ctx context.Context, id string) (*types.Episode, error) {
	var (
		ep      types.Episode
		ctxJSON []byte
		outcome sql.NullString
		factIDs []string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT e.id, e.user_id, e.query, e.ts, e.context, e.outcome,
		       COALESCE((SELECT array_agg(f.fact_id ORDER BY f.position)
		                 FROM episode_facts f WHERE f.episode_id = e.id), '{}')
		FROM episodes e WHERE e.id = $1`, id).
		Scan(&ep.ID, &ep.UserID, &ep.Query, &ep.Timestamp, &ctxJSON, &outcome, pq.Array(&factIDs))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: episode %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get episode %s: %w", id, err)
	}
	ep.Timestamp = ep.Timestamp.UTC()
	ep.Outcome = outcome.String
	if len(factIDs) > 0 {
		ep.FactIDs = factIDs
	}
	if err := json.Unmarshal(ctxJSON, &ep.Context); err != nil {
		return nil, fmt.Errorf("postgres: decode episode context %s: %w", id, err)
	}
	return &ep, nil
}

// AppendEpisodeFacts appends fact references to an existing episode.
func (s *Store) AppendEpisodeFacts(ctx context.Context, episodeID string, factIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin append episode facts: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the envelope so concurrent appends compute positions in turn.
	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM episodes WHERE id = $1 FOR UPDATE`, episodeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: episode %s", storage.ErrNotFound, episodeID)
	}
	if err != nil {
		return fmt.Errorf("postgres: check episode %s: %w", episodeID, err)
	}

	for _, factID := range factIDs {
		if err := appendEpisodeFact(ctx, tx, episodeID, factID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit append episode facts: %w", err)
	}
	return nil
}

// appendEpisodeFact claims factID for episodeID when it has no episode yet
// (first writer wins) and appends it to the episode's ordered list. The list
// entry is written even when another episode holds the claim.
func appendEpisodeFact(ctx context.Context, tx *sql.Tx, episodeID, factID string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE facts SET episode_id = $1 WHERE id = $2 AND episode_id IS NULL`, episodeID, factID)
	if err != nil {
		return fmt.Errorf("postgres: claim fact %s: %w", factID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM facts WHERE id = $1`, factID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: fact %s", storage.ErrNotFound, factID)
		}
		if err != nil {
			return fmt.Errorf("postgres: check fact %s: %w", factID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO episode_facts (episode_id, fact_id, position)
		SELECT $1, $2, COALESCE(MAX(position), -1) + 1 FROM episode_facts WHERE episode_id = $1
		ON CONFLICT (episode_id, fact_id) DO NOTHING`,
		episodeID, factID)
	if err != nil {
		return fmt.Errorf("postgres: link fact %s to episode %s: %w", factID, episodeID, err)
	}
	return nil
}
