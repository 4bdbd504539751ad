// Package search holds the similarity-service collaborators: the request and
// document shapes shared by every index implementation, and a circuit
// breaker that wraps any of them.
package search

import (
	"context"

	"github.com/scrypster/chronicle/pkg/types"
)

// Request is a similarity search over a query embedding.
type Request struct {
	Vector    []float32
	Limit     int
	Threshold float64           // Minimum similarity score in [0,1]; 0 disables the cut-off
	Filters   map[string]string // Exact-match metadata filters
}

// Searcher is a vector-similarity search service. Implementations should
// return promptly once ctx is done; callers stop waiting at that point either
// way and drop any late result.
type Searcher interface {
	Search(ctx context.Context, req Request) ([]types.SimilarityHit, error)
}

// Document is a unit of indexed content.
type Document struct {
	ID       string            `yaml:"id" json:"id"`
	Content  string            `yaml:"content" json:"content"`
	EntityID string            `yaml:"entity_id,omitempty" json:"entity_id,omitempty"`
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Fields returns the document metadata with the entity id folded in under
// types.MetadataEntityID.
func (d Document) Fields() map[string]string {
	out := make(map[string]string, len(d.Metadata)+1)
	for k, v := range d.Metadata {
		out[k] = v
	}
	if d.EntityID != "" {
		out[types.MetadataEntityID] = d.EntityID
	}
	return out
}

// Indexer stores documents with their embeddings.
type Indexer interface {
	Upsert(ctx context.Context, docs []Document, vectors [][]float32) error
}

// Index is a similarity service that can also be populated.
type Index interface {
	Searcher
	Indexer
}
