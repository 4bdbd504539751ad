package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/scrypster/chronicle/internal/storage"
	"github.com/scrypster/chronicle/pkg/types"
)

// RelationQuery configures a relational traversal.
type RelationQuery struct {
	// AsOf selects the facts that are walked; zero means now.
	AsOf time.Time

	// MaxHops bounds the distance from the seeds; zero uses the service default.
	MaxHops int

	// MaxNodes caps how many entities are expanded.
	MaxNodes int

	// Limit caps the number of hits returned; zero uses the service default.
	Limit int

	// IncludeProvisional keeps found_relevant usage facts in the walk.
	IncludeProvisional bool
}

// QueryRelations walks facts current at q.AsOf breadth-first from the seed
// entities. Each fact is reported once, at the hop it was first reached.
// Hits are ordered by hops, then confidence, then recency.
//
// Exhausting the hop, node or time budget truncates the walk without error;
// context cancellation is returned to the caller.
func (s *FactService) QueryRelations(ctx context.Context, seeds []string, q RelationQuery) ([]types.RelationalHit, error) {
	frontier := s.resolver.ResolveAll(seeds)
	if len(frontier) == 0 {
		return nil, nil
	}

	asOf := q.AsOf
	if asOf.IsZero() {
		asOf = s.now()
	}
	bounds := TraversalBounds{MaxHops: q.MaxHops, MaxNodes: q.MaxNodes}
	if bounds.MaxHops == 0 {
		bounds.MaxHops = s.maxHops
	}
	limit := q.Limit
	if limit <= 0 {
		limit = s.limit
	}

	checker := newBoundsChecker(bounds)
	visited := make(map[string]bool, len(frontier))
	for _, id := range frontier {
		visited[id] = true
	}
	seenFacts := make(map[string]bool)

	var hits []types.RelationalHit
	for depth := 0; len(frontier) > 0; depth++ {
		if err := checker.canExpand(ctx, depth); err != nil {
			if errors.Is(err, errBoundsExceeded) {
				break
			}
			return nil, err
		}
		checker.recordNodes(len(frontier))

		facts, err := s.store.FactsForEntities(ctx, frontier, storage.FactQuery{AsOf: asOf.UTC()})
		if err != nil {
			return nil, fmt.Errorf("expand hop %d: %w", depth+1, err)
		}

		inFrontier := make(map[string]bool, len(frontier))
		for _, id := range frontier {
			inFrontier[id] = true
		}

		var next []string
		for _, f := range facts {
			if seenFacts[f.ID] {
				continue
			}
			seenFacts[f.ID] = true
			if !q.IncludeProvisional && strings.EqualFold(f.Predicate, types.PredicateFoundRelevant) {
				continue
			}

			reached := reachedEntity(&f, inFrontier)
			hits = append(hits, types.RelationalHit{Fact: f, Entity: reached, Hops: depth + 1})
			if !visited[reached] {
				visited[reached] = true
				next = append(next, reached)
			}
		}
		frontier = next
	}

	slices.SortStableFunc(hits, func(a, b types.RelationalHit) int {
		if a.Hops != b.Hops {
			return a.Hops - b.Hops
		}
		return compareByConfidence(a.Fact, b.Fact)
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// reachedEntity returns the entity a fact leads to from the frontier. Facts
// with a literal object lead back to their subject.
func reachedEntity(f *types.Fact, frontier map[string]bool) string {
	if frontier[f.Subject] {
		if obj := f.ObjectEntityID(); obj != "" {
			return obj
		}
	}
	return f.Subject
}
