package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest removes all rows from the Chronicle tables. Exported so the
// postgres_test package can reset state between tests.
func (s *Store) TruncateForTest(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		"TRUNCATE TABLE episode_facts, facts, entities, episodes CASCADE")
	if err != nil {
		return fmt.Errorf("postgres: failed to truncate: %w", err)
	}
	_, _ = s.db.ExecContext(ctx, "TRUNCATE TABLE similarity_documents")
	return nil
}
