// Package storage provides composable storage interfaces for the Chronicle
// fact store.
//
// The storage layer is split into small, focused interfaces (facts, entities,
// episodes) that a backend implements together. Backends only persist and
// enforce per-row atomicity; alias resolution, corroboration and scoring live
// in the engine.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/chronicle/pkg/types"
)

// FactStore persists bitemporal facts.
type FactStore interface {
	// InsertFact stores a fully-formed fact. Subject and entity objects must
	// already be canonical ids and the fact ID must be set.
	// Returns ErrNotFound when EpisodeID names an episode that does not exist.
	InsertFact(ctx context.Context, fact *types.Fact) error

	// GetFact retrieves a fact by ID. Returns ErrNotFound if it doesn't exist.
	GetFact(ctx context.Context, id string) (*types.Fact, error)

	// CloseFact sets valid_to on an open fact (compare-and-set keyed by id).
	// Returns ErrNotFound for unknown ids and ErrAlreadyClosed when the fact is
	// already closed with a different value. Closing again with the identical
	// value is a no-op.
	CloseFact(ctx context.Context, id string, validTo time.Time) error

	// SupersedeFact closes the open fact oldID at validTo and inserts
	// replacement in one transaction. Nothing is written if either step fails.
	// Returns ErrAlreadyClosed when oldID is no longer open.
	SupersedeFact(ctx context.Context, oldID string, validTo time.Time, replacement *types.Fact) error

	// ScaleConfidence atomically multiplies a fact's confidence by factor
	// (0 < factor <= 1) and returns the new value.
	ScaleConfidence(ctx context.Context, id string, factor float64) (float64, error)

	// BoostConfidence atomically moves a fact's confidence toward 1.0:
	// c' = max(c, min(limit, c + (1-c)*boost)). Returns the new value.
	BoostConfidence(ctx context.Context, id string, boost, limit float64) (float64, error)

	// FactsForEntities returns facts in which any of entityIDs participates as
	// subject or entity object, filtered by q.
	FactsForEntities(ctx context.Context, entityIDs []string, q FactQuery) ([]types.Fact, error)

	// FactsBySubjectPredicate returns facts with the given subject and a
	// case-insensitively equal predicate. Used for corroboration lookups.
	FactsBySubjectPredicate(ctx context.Context, subject, predicate string, openOnly bool) ([]types.Fact, error)

	// StaleFacts pages through open facts whose valid_from is before cutoff,
	// ordered by id. afterID is the last id of the previous page ("" for the first).
	StaleFacts(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]types.Fact, error)
}

// EntityStore persists entities and alias redirects.
type EntityStore interface {
	// EnsureEntity creates a canonical entity record if id is unseen.
	EnsureEntity(ctx context.Context, id string, at time.Time) error

	// GetEntity retrieves an entity record by ID. Returns ErrNotFound if it doesn't exist.
	GetEntity(ctx context.Context, id string) (*types.Entity, error)

	// ExistingEntities returns the subset of ids that have an entity record.
	ExistingEntities(ctx context.Context, ids []string) ([]string, error)

	// LoadRedirects returns every alias id mapped to its canonical id.
	LoadRedirects(ctx context.Context) (map[string]string, error)

	// ApplyMerge rewrites fact references and alias records for plan in one
	// transaction.
	ApplyMerge(ctx context.Context, plan MergePlan) error
}

// EpisodeStore persists episodes. Episodes are append-only.
type EpisodeStore interface {
	// InsertEpisode stores the envelope and links ep.FactIDs to it. Facts
	// without an episode are claimed by this one; facts already claimed keep
	// their episode. Either way every id is listed in the episode's FactIDs:
	// the list records what the episode discovered, the claim records which
	// episode saw the fact first. Returns ErrNotFound if any fact id is unknown.
	InsertEpisode(ctx context.Context, ep *types.Episode) error

	// GetEpisode retrieves an episode with its ordered fact ids.
	GetEpisode(ctx context.Context, id string) (*types.Episode, error)

	// AppendEpisodeFacts appends fact references to an existing episode,
	// skipping ids already listed, and claims unclaimed facts.
	AppendEpisodeFacts(ctx context.Context, episodeID string, factIDs []string) error
}

// Backend is the full persistence surface used by the engine.
type Backend interface {
	FactStore
	EntityStore
	EpisodeStore

	// Close releases any resources held by the backend.
	Close() error
}
