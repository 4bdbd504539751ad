package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/scrypster/chronicle/internal/storage"
	"github.com/scrypster/chronicle/pkg/types"
)

const factColumns = `id, subject, predicate, object, object_kind, confidence, valid_from, valid_to, source, episode_id`

// InsertFact stores a new fact. Facts are never upserted: a duplicate id is an error.
func (s *Store) InsertFact(ctx context.Context, fact *types.Fact) error {
	if err := checkNewFact(fact); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin insert fact: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertFact(ctx, tx, fact); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit insert fact: %w", err)
	}
	return nil
}

// SupersedeFact closes oldID and inserts replacement in one transaction.
func (s *Store) SupersedeFact(ctx context.Context, oldID string, validTo time.Time, replacement *types.Fact) error {
	if err := checkNewFact(replacement); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin supersede fact: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	to := toNanos(validTo)
	res, err := tx.ExecContext(ctx,
		`UPDATE facts SET valid_to = ? WHERE id = ? AND valid_to IS NULL AND valid_from < ?`,
		to, oldID, to)
	if err != nil {
		return fmt.Errorf("sqlite: supersede fact %s: %w", oldID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		var from int64
		var current sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT valid_from, valid_to FROM facts WHERE id = ?`, oldID).Scan(&from, &current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: fact %s", storage.ErrNotFound, oldID)
		}
		if err != nil {
			return fmt.Errorf("sqlite: supersede fact %s: %w", oldID, err)
		}
		if err := closeOutcome(oldID, from, current, to); err != nil {
			return err
		}
		// Closed at this exact instant by someone else: that writer owns the replacement.
		return fmt.Errorf("%w: fact %s", storage.ErrAlreadyClosed, oldID)
	}

	if err := insertFact(ctx, tx, replacement); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit supersede fact: %w", err)
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
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM episodes WHERE id = ?`, fact.EpisodeID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: episode %s", storage.ErrNotFound, fact.EpisodeID)
		}
		if err != nil {
			return fmt.Errorf("sqlite: check episode: %w", err)
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO facts (`+factColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fact.ID, fact.Subject, fact.Predicate, fact.Object, string(fact.ObjectKind),
		fact.Confidence, toNanos(fact.ValidFrom), nullableNanos(fact.ValidTo),
		fact.Source, nullableString(fact.EpisodeID),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert fact %s: %w", fact.ID, err)
	}

	if fact.EpisodeID != "" {
		return appendEpisodeFact(ctx, tx, fact.EpisodeID, fact.ID)
	}
	return nil
}

// GetFact retrieves a fact by ID.
func (s *Store) GetFact(ctx context.Context, id string) (*types.Fact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+factColumns+` FROM facts WHERE id = ?`, id)
	fact, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: fact %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get fact %s: %w", id, err)
	}
	return fact, nil
}

// CloseFact sets valid_to on an open fact. The UPDATE only matches open rows,
// so two racing closes cannot both succeed.
func (s *Store) CloseFact(ctx context.Context, id string, validTo time.Time) error {
	to := toNanos(validTo)
	res, err := s.db.ExecContext(ctx,
		`UPDATE facts SET valid_to = ? WHERE id = ? AND valid_to IS NULL AND valid_from < ?`,
		to, id, to)
	if err != nil {
		return fmt.Errorf("sqlite: close fact %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var from int64
	var current sql.NullInt64
	err = s.db.QueryRowContext(ctx, `SELECT valid_from, valid_to FROM facts WHERE id = ?`, id).Scan(&from, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: fact %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("sqlite: close fact %s: %w", id, err)
	}
	return closeOutcome(id, from, current, to)
}

// closeOutcome explains why a CAS close matched no row.
func closeOutcome(id string, from int64, current sql.NullInt64, to int64) error {
	switch {
	case !current.Valid && to <= from:
		return fmt.Errorf("%w: valid_to must be after valid_from for fact %s", storage.ErrValidation, id)
	case !current.Valid:
		return fmt.Errorf("sqlite: close fact %s: concurrent update", id)
	case current.Int64 == to:
		return nil
	default:
		return fmt.Errorf("%w: fact %s closed at %s", storage.ErrAlreadyClosed, id, fromNanos(current.Int64).Format(time.RFC3339Nano))
	}
}

// ScaleConfidence multiplies confidence in a single statement.
func (s *Store) ScaleConfidence(ctx context.Context, id string, factor float64) (float64, error) {
	if math.IsNaN(factor) || factor <= 0 || factor > 1 {
		return 0, fmt.Errorf("%w: decay rate %v outside (0,1]", storage.ErrValidation, factor)
	}
	var c float64
	err := s.db.QueryRowContext(ctx,
		`UPDATE facts SET confidence = MAX(0.0, MIN(1.0, confidence * ?)) WHERE id = ? RETURNING confidence`,
		factor, id).Scan(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: fact %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: decay fact %s: %w", id, err)
	}
	return c, nil
}

// BoostConfidence moves confidence toward 1.0 without ever lowering it.
func (s *Store) BoostConfidence(ctx context.Context, id string, boost, limit float64) (float64, error) {
	var c float64
	err := s.db.QueryRowContext(ctx,
		`UPDATE facts SET confidence = MAX(confidence, MIN(?, confidence + (1.0 - confidence) * ?))
		 WHERE id = ? RETURNING confidence`,
		limit, boost, id).Scan(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: fact %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: boost fact %s: %w", id, err)
	}
	return c, nil
}

// FactsForEntities returns facts where any id participates as subject or
// entity object, ordered by valid_from descending.
func (s *Store) FactsForEntities(ctx context.Context, entityIDs []string, q storage.FactQuery) ([]types.Fact, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}

	in := placeholders(len(entityIDs))
	query := `SELECT ` + factColumns + ` FROM facts
		WHERE (subject IN (` + in + `) OR (object_kind = 'entity' AND object IN (` + in + `)))`
	args := append(stringArgs(entityIDs), stringArgs(entityIDs)...)

	if !q.AsOf.IsZero() {
		at := toNanos(q.AsOf)
		query += ` AND valid_from <= ? AND (valid_to IS NULL OR valid_to > ?)`
		args = append(args, at, at)
	}
	query += ` ORDER BY valid_from DESC, id ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	return s.queryFacts(ctx, query, args...)
}

// FactsBySubjectPredicate returns facts for a subject whose predicate matches
// case-insensitively.
func (s *Store) FactsBySubjectPredicate(ctx context.Context, subject, predicate string, openOnly bool) ([]types.Fact, error) {
	query := `SELECT ` + factColumns + ` FROM facts WHERE subject = ? AND lower(predicate) = lower(?)`
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
		WHERE valid_to IS NULL AND valid_from < ? AND id > ?
		ORDER BY id ASC LIMIT ?`,
		toNanos(cutoff), afterID, limit)
}

func (s *Store) queryFacts(ctx context.Context, query string, args ...any) ([]types.Fact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query facts: %w", err)
	}
	defer rows.Close()

	var facts []types.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan fact: %w", err)
		}
		facts = append(facts, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate facts: %w", err)
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
		from    int64
		to      sql.NullInt64
		episode sql.NullString
	)
	if err := row.Scan(&f.ID, &f.Subject, &f.Predicate, &f.Object, &kind,
		&f.Confidence, &from, &to, &f.Source, &episode); err != nil {
		return nil, err
	}
	f.ObjectKind = types.ObjectKind(kind)
	f.ValidFrom = fromNanos(from)
	if to.Valid {
		t := fromNanos(to.Int64)
		f.ValidTo = &t
	}
	f.EpisodeID = episode.String
	return &f, nil
}
