package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lib/pq"

	"github.com/scrypster/chronicle/internal/storage"
	"github.com/scrypster/chronicle/pkg/types"
)

const factColumns = `id, subject, predicate, object, object_kind, confidence, valid_from, valid_to, source, episode_id`

// InsertFact stores a new fact.
func (s *Store) InsertFact(ctx context.Context, fact *types.Fact) error {
	if err := checkNewFact(fact); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin insert fact: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertFact(ctx, tx, fact); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit insert fact: %w", err)
	}
	return nil
}

// SupersedeFact closes oldID and inserts replacement in one transaction. The
// row lock on oldID serialises racing supersedes; only one sees it open.
func (s *Store) SupersedeFact(ctx context.Context, oldID string, validTo time.Time, replacement *types.Fact) error {
	if err := checkNewFact(replacement); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin supersede fact: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	to := pgTime(validTo)
	res, err := tx.ExecContext(ctx,
		`UPDATE facts SET valid_to = $1 WHERE id = $2 AND valid_to IS NULL AND valid_from < $1`,
		to, oldID)
	if err != nil {
		return fmt.Errorf("postgres: supersede fact %s: %w", oldID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		var from time.Time
		var current sql.NullTime
		err := tx.QueryRowContext(ctx, `SELECT valid_from, valid_to FROM facts WHERE id = $1`, oldID).Scan(&from, &current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: fact %s", storage.ErrNotFound, oldID)
		}
		if err != nil {
			return fmt.Errorf("postgres: supersede fact %s: %w", oldID, err)
		}
		if err := closeOutcome(oldID, from, current, to); err != nil {
			return err
		}
		return fmt.Errorf("%w: fact %s", storage.ErrAlreadyClosed, oldID)
	}

	if err := insertFact(ctx, tx, replacement); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit supersede fact: %w", err)
	}
	return nil
}

func checkNewFact(fact *types.Fact) error {
	if fact == nil {
		return fmt.Errorf("%w: fact is required", storage.ErrValidation)
	}
	if fact.ID == "" {
		return fmt.Errorf("%w: fact ID is required", storage.ErrValidation)
	}
	if err := fact.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}
	return nil
}

// insertFact writes fact and its episode link inside tx.
func insertFact(ctx context.Context, tx *sql.Tx, fact *types.Fact) error {
	if fact.EpisodeID != "" {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM episodes WHERE id = $1 FOR UPDATE`, fact.EpisodeID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: episode %s", storage.ErrNotFound, fact.EpisodeID)
		}
		if err != nil {
			return fmt.Errorf("postgres: check episode: %w", err)
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO facts (`+factColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		fact.ID, fact.Subject, fact.Predicate, fact.Object, string(fact.ObjectKind),
		fact.Confidence, pgTime(fact.ValidFrom), nullableTime(fact.ValidTo),
		fact.Source, nullableString(fact.EpisodeID),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert fact %s: %w", fact.ID, err)
	}

	if fact.EpisodeID != "" {
		return appendEpisodeFact(ctx, tx, fact.EpisodeID, fact.ID)
	}
	return nil
}

// GetFact retrieves a fact by ID.
func (s *Store) GetFact(ctx context.Context, id string) (*types.Fact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+factColumns+` FROM facts WHERE id = $1`, id)
	fact, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: fact %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get fact %s: %w", id, err)
	}
	return fact, nil
}

// CloseFact sets valid_to on an open fact. The row lock taken by UPDATE makes
// concurrent closes of the same fact serialise; only the first one matches.
func (s *Store) CloseFact(ctx context.Context, id string, validTo time.Time) error {
	to := pgTime(validTo)
	res, err := s.db.ExecContext(ctx,
		`UPDATE facts SET valid_to = $1 WHERE id = $2 AND valid_to IS NULL AND valid_from < $1`,
		to, id)
	if err != nil {
		return fmt.Errorf("postgres: close fact %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var from time.Time
	var current sql.NullTime
	err = s.db.QueryRowContext(ctx, `SELECT valid_from, valid_to FROM facts WHERE id = $1`, id).Scan(&from, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: fact %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("postgres: close fact %s: %w", id, err)
	}

	return closeOutcome(id, from, current, to)
}

// closeOutcome explains why a CAS close matched no row.
func closeOutcome(id string, from time.Time, current sql.NullTime, to time.Time) error {
	switch {
	case !current.Valid && !to.After(from):
		return fmt.Errorf("%w: valid_to must be after valid_from for fact %s", storage.ErrValidation, id)
	case !current.Valid:
		return fmt.Errorf("postgres: close fact %s: concurrent update", id)
	case current.Time.Equal(to):
		return nil
	default:
		return fmt.Errorf("%w: fact %s closed at %s", storage.ErrAlreadyClosed, id, current.Time.UTC().Format(time.RFC3339Nano))
	}
}

// ScaleConfidence multiplies confidence in a single statement.
func (s *Store) ScaleConfidence(ctx context.Context, id string, factor float64) (float64, error) {
	if math.IsNaN(factor) || factor <= 0 || factor > 1 {
		return 0, fmt.Errorf("%w: decay rate %v outside (0,1]", storage.ErrValidation, factor)
	}
	var c float64
	err := s.db.QueryRowContext(ctx,
		`UPDATE facts SET confidence = GREATEST(0.0, LEAST(1.0, confidence * $1)) WHERE id = $2 RETURNING confidence`,
		factor, id).Scan(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: fact %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: decay fact %s: %w", id, err)
	}
	return c, nil
}

// BoostConfidence moves confidence toward 1.0 without ever lowering it.
func (s *Store) BoostConfidence(ctx context.Context, id string, boost, limit float64) (float64, error) {
	var c float64
	err := s.db.QueryRowContext(ctx,
		`UPDATE facts SET confidence = GREATEST(confidence, LEAST($1, confidence + (1.0 - confidence) * $2))
		 WHERE id = $3 RETURNING confidence`,
		limit, boost, id).Scan(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: fact %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: boost fact %s: %w", id, err)
	}
	return c, nil
}

// FactsForEntities returns facts where any id participates as subject or
// entity object, ordered by valid_from descending.
func (s *Store) FactsForEntities(ctx context.Context, entityIDs []string, q storage.FactQuery) ([]types.Fact, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}

	query := `SELECT ` + factColumns + ` FROM facts
		WHERE (subject = ANY($1) OR (object_kind = 'entity' AND object = ANY($1)))`
	args := []any{pq.Array(entityIDs)}

	if !q.AsOf.IsZero() {
		args = append(args, pgTime(q.AsOf))
		query += fmt.Sprintf(` AND valid_from <= $%d AND (valid_to IS NULL OR valid_to > $%d)`, len(args), len(args))
	}
	query += ` ORDER BY valid_from DESC, id ASC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	return s.queryFacts(ctx, query, args...)
}

// FactsBySubjectPredicate returns facts for a subject whose predicate matches
// case-insensitively.
func (s *Store) FactsBySubjectPredicate(ctx context.Context, subject, predicate string, openOnly bool) ([]types.Fact, error) {
	query := `SELECT ` + factColumns + ` FROM facts WHERE subject = $1 AND lower(predicate) = lower($2)`
	if openOnly {
		query += ` AND valid_to IS NULL`
	}
	query += ` ORDER BY valid_from DESC, id ASC`
	return s.queryFacts(ctx, query, subject, predicate)
}

// StaleFacts pages through open facts older than cutoff.
func (s *Store) StaleFacts(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]types.Fact, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryFacts(ctx, `SELECT `+factColumns+` FROM facts
		WHERE valid_to IS NULL AND valid_from < $1 AND id > $2
		ORDER BY id ASC LIMIT $3`,
		pgTime(cutoff), afterID, limit)
}

func (s *Store) queryFacts(ctx context.Context, query string, args ...any) ([]types.Fact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query facts: %w", err)
	}
	defer rows.Close()

	var facts []types.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan fact: %w", err)
		}
		facts = append(facts, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate facts: %w", err)
	}
	return facts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFact(row rowScanner) (*types.Fact, error) {
	var (
		f       types.Fact
		kind    string
		to      sql.NullTime
		episode sql.NullString
	)
	if err := row.Scan(&f.ID, &f.Subject, &f.Predicate, &f.Object, &kind,
		&f.Confidence, &f.ValidFrom, &to, &f.Source, &episode); err != nil {
		return nil, err
	}
	f.ObjectKind = types.ObjectKind(kind)
	f.ValidFrom = f.ValidFrom.UTC()
	if to.Valid {
		t := to.Time.UTC()
		f.ValidTo = &t
	}
	f.EpisodeID = episode.String
	return &f, nil
}
