package storage

import (
	"errors"
	"time"
)

var (
	// ErrValidation indicates malformed input (confidence, timestamps, ids).
	// Rejected at the API boundary, never persisted.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates that the requested fact, entity or episode was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyClosed indicates an attempt to change the validity interval of
	// a fact that has already been closed.
	ErrAlreadyClosed = errors.New("fact already closed")

	// ErrUpstreamTimeout indicates that the similarity service or the store
	// exceeded its time budget.
	ErrUpstreamTimeout = errors.New("upstream timeout")
)

// FactQuery filters fact lookups.
type FactQuery struct {
	// AsOf restricts results to facts current at this instant. Zero value
	// returns facts across all time, including closed ones.
	AsOf time.Time

	// Limit caps the number of rows returned. Zero means no limit.
	Limit int
}

// MergePlan is the precomputed effect of an entity merge.
type MergePlan struct {
	// CanonicalID is the surviving entity.
	CanonicalID string

	// Absorbed are the ids that now redirect to CanonicalID. Fact references to
	// any of them are rewritten.
	Absorbed []string

	// Aliases is the full alias set of CanonicalID after the merge.
	Aliases []string

	// MergedFrom is the full set of ids CanonicalID has absorbed.
	MergedFrom []string

	// At is the merge timestamp.
	At time.Time
}
