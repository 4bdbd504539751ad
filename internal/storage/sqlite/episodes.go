package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/scrypster/chronicle/internal/storage"
	"github.com/scrypster/chronicle/pkg/types"
)

// InsertEpisode stores the episode envelope and links its facts.
func (s *Store) InsertEpisode(ctx context.Context, ep *types.Episode) error {
	if ep == nil || ep.ID == "" {
		return fmt.Errorf("%w: episode ID is required", storage.ErrValidation)
	}

	ctxJSON, err := json.Marshal(ep.Context)
	if err != nil {
		return fmt.Errorf("%w: episode context: %v", storage.ErrValidation, err)
	}
	if ep.Context == nil {
		ctxJSON = []byte("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin insert episode: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO episodes (id, user_id, query, ts, context, outcome)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.UserID, ep.Query, toNanos(ep.Timestamp), string(ctxJSON), nullableString(ep.Outcome))
	if err != nil {
		return fmt.Errorf("sqlite: insert episode %s: %w", ep.ID, err)
	}

	for _, factID := range ep.FactIDs {
		if err := appendEpisodeFact(ctx, tx, ep.ID, factID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit insert episode: %w", err)
	}
	return nil
}

// GetEpisode retrieves an episode and its ordered fact ids.
func (s *Store) GetEpisode(ctx context.Context, id string) (*types.Episode, error) {
	var (
		ep      types.Episode
		ts      int64
		ctxJSON string
		outcome sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, query, ts, context, outcome FROM episodes WHERE id = ?`, id).
		Scan(&ep.ID, &ep.UserID, &ep.Query, &ts, &ctxJSON, &outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: episode %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get episode %s: %w", id, err)
	}
	ep.Timestamp = fromNanos(ts)
	ep.Outcome = outcome.String
	if err := json.Unmarshal([]byte(ctxJSON), &ep.Context); err != nil {
		return nil, fmt.Errorf("sqlite: decode episode context %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT fact_id FROM episode_facts WHERE episode_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: episode facts %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var factID string
		if err := rows.Scan(&factID); err != nil {
			return nil, fmt.Errorf("sqlite: scan episode fact: %w", err)
		}
		ep.FactIDs = append(ep.FactIDs, factID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &ep, nil
}

// AppendEpisodeFacts appends fact references to an existing episode.
func (s *Store) AppendEpisodeFacts(ctx context.Context, episodeID string, factIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin append episode facts: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM episodes WHERE id = ?`, episodeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: episode %s", storage.ErrNotFound, episodeID)
	}
	if err != nil {
		return fmt.Errorf("sqlite: check episode %s: %w", episodeID, err)
	}

	for _, factID := range factIDs {
		if err := appendEpisodeFact(ctx, tx, episodeID, factID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit append episode facts: %w", err)
	}
	return nil
}

// appendEpisodeFact claims factID for episodeID when it has no episode yet
// (first writer wins) and appends it to the episode's ordered list. The list
// entry is written even when another episode holds the claim.
func appendEpisodeFact(ctx context.Context, tx *sql.Tx, episodeID, factID string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE facts SET episode_id = ? WHERE id = ? AND episode_id IS NULL`, episodeID, factID)
	if err != nil {
		return fmt.Errorf("sqlite: claim fact %s: %w", factID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM facts WHERE id = ?`, factID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: fact %s", storage.ErrNotFound, factID)
		}
		if err != nil {
			return fmt.Errorf("sqlite: check fact %s: %w", factID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO episode_facts (episode_id, fact_id, position)
		SELECT ?, ?, COALESCE(MAX(position), -1) + 1 FROM episode_facts WHERE episode_id = ?
		ON CONFLICT(episode_id, fact_id) DO NOTHING`,
		episodeID, factID, episodeID)
	if err != nil {
		return fmt.Errorf("sqlite: link fact %s to episode %s: %w", factID, episodeID, err)
	}
	return nil
}
