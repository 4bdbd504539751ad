package types

import "time"

// Entity is a canonical identity for a real-world thing (person, organization, ...).
//
// Entities are created lazily on first reference and never deleted. An entity
// that has been merged into another becomes an alias: CanonicalID points at
// the surviving entity and no new fact is ever written against it.
type Entity struct {
	ID          string    `json:"id"`                     // Stable identifier, assigned once
	CanonicalID string    `json:"canonical_id,omitempty"` // Set only when this entity is an alias
	Aliases     []string  `json:"aliases,omitempty"`      // Ids ever merged into this entity
	MergedFrom  []string  `json:"merged_from,omitempty"`  // Ids absorbed by merge operations
	LastUpdated time.Time `json:"last_updated"`           // Last create/merge timestamp
}

// IsAlias reports whether the entity redirects to another canonical entity.
func (e *Entity) IsAlias() bool {
	return e.CanonicalID != "" && e.CanonicalID != e.ID
}

// Canonical returns the id facts about this entity are stored under.
func (e *Entity) Canonical() string {
	if e.IsAlias() {
		return e.CanonicalID
	}
	return e.ID
}

// Resolution returns the entity's resolution record.
func (e *Entity) Resolution() ResolutionRecord {
	return ResolutionRecord{
		CanonicalID: e.Canonical(),
		Aliases:     e.Aliases,
		MergedFrom:  e.MergedFrom,
		LastUpdated: e.LastUpdated,
	}
}

// ResolutionRecord describes how a set of raw ids collapses onto one canonical id.
type ResolutionRecord struct {
	CanonicalID string    `json:"canonical_id"`
	Aliases     []string  `json:"aliases"`
	MergedFrom  []string  `json:"merged_from"`
	LastUpdated time.Time `json:"last_updated"`
}
