package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/scrypster/chronicle/internal/observe"
	"github.com/scrypster/chronicle/internal/storage"
)

// EntityResolver maps raw entity ids to canonical ids.
//
// Resolution is lazy: an id with no redirect record is its own canonical id.
// The redirect table is kept fully compressed (every alias points straight
// at a root), so Resolve is a single map lookup.
//
// Writers that must not race a merge run inside ResolveWith, which holds the
// read lock across resolution and the write. Merge takes the write lock, so a
// fact write observes either the pre-merge or the post-merge mapping, never a
// mix of both.
type EntityResolver struct {
	store   storage.EntityStore
	metrics *observe.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	redirects map[string]string // alias -> canonical root
}

// MergeResult reports the effect of a merge.
type MergeResult struct {
	CanonicalID string   `json:"canonical_id"`
	Absorbed    []string `json:"absorbed"` // Ids newly redirected to CanonicalID
	Aliases     []string `json:"aliases"`  // Full alias set of CanonicalID
	Applied     bool     `json:"applied"`  // False when the merge was a no-op
}

// NewEntityResolver creates a resolver backed by store. Call Load to pick
// up redirects persisted by earlier runs.
func NewEntityResolver(store storage.EntityStore, metrics *observe.Metrics) *EntityResolver {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &EntityResolver{
		store:     store,
		metrics:   metrics,
		now:       time.Now,
		redirects: make(map[string]string),
	}
}

// Load replaces the in-memory redirect table with the persisted one.
func (r *EntityResolver) Load(ctx context.Context) error {
	raw, err := r.store.LoadRedirects(ctx)
	if err != nil {
		return fmt.Errorf("load redirects: %w", err)
	}

	compressed := make(map[string]string, len(raw))
	for id := range raw {
		root := followRedirects(raw, id)
		if root != id {
			compressed[id] = root
		}
	}

	r.mu.Lock()
	r.redirects = compressed
	r.mu.Unlock()
	return nil
}

// followRedirects walks an uncompressed chain, stopping on cycles.
func followRedirects(m map[string]string, id string) string {
	seen := map[string]bool{id: true}
	cur := id
	for {
		next, ok := m[cur]
		if !ok || next == cur || seen[next] {
			return cur
		}
		seen[next] = true
		cur = next
	}
}

// Resolve returns the canonical id for rawID.
func (r *EntityResolver) Resolve(rawID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(rawID)
}

// ResolveAll resolves ids, dropping blanks and duplicates while keeping order.
func (r *EntityResolver) ResolveAll(ids []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveAllLocked(ids)
}

// ResolveWith resolves ids and calls fn with the canonical ids (same order,
// same length) while holding the resolver's read lock. fn must not call back
// into the resolver.
func (r *EntityResolver) ResolveWith(ids []string, fn func(canonical []string) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	canonical := make([]string, len(ids))
	for i, id := range ids {
		canonical[i] = r.resolveLocked(id)
	}
	return fn(canonical)
}

func (r *EntityResolver) resolveLocked(rawID string) string {
	id := strings.TrimSpace(rawID)
	if root, ok := r.redirects[id]; ok {
		return root
	}
	return id
}

func (r *EntityResolver) resolveAllLocked(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		c := r.resolveLocked(id)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// Aliases returns every id currently redirecting to canonicalID, sorted.
func (r *EntityResolver) Aliases(canonicalID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aliasesLocked(canonicalID)
}

func (r *EntityResolver) aliasesLocked(canonicalID string) []string {
	var out []string
	for alias, root := range r.redirects {
		if root == canonicalID {
			out = append(out, alias)
		}
	}
	slices.Sort(out)
	return out
}

// Merge folds ids into canonicalID.
//
// Every id in ids, every root they currently resolve to, and the previous
// root of canonicalID (if canonicalID was itself an alias) are absorbed:
// their fact references are rewritten and they, along with anything that
// already redirected to them, now resolve to canonicalID. Ids with no entity
// record are pre-registered as aliases. Merging an already-merged set is a
// no-op. Concurrent merges of overlapping sets are serialised; the last one
// decides the canonical id.
func (r *EntityResolver) Merge(ctx context.Context, ids []string, canonicalID string) (*MergeResult, error) {
	canonicalID = strings.TrimSpace(canonicalID)
	if canonicalID == "" {
		return nil, fmt.Errorf("%w: canonical id is required", storage.ErrValidation)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one id to merge is required", storage.ErrValidation)
	}
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("%w: merge ids must not be blank", storage.ErrValidation)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Roots that stop being canonical.
	roots := make(map[string]bool)
	for _, id := range ids {
		roots[r.resolveLocked(id)] = true
	}
	roots[r.resolveLocked(canonicalID)] = true
	delete(roots, canonicalID)

	if len(roots) == 0 {
		r.metrics.RecordMerge(ctx, "noop")
		return &MergeResult{
			CanonicalID: canonicalID,
			Aliases:     r.aliasesLocked(canonicalID),
		}, nil
	}

	absorbed := make(map[string]bool, len(roots))
	for id := range roots {
		absorbed[id] = true
	}
	for alias, root := range r.redirects {
		if roots[root] {
			absorbed[alias] = true
		}
	}
	delete(absorbed, canonicalID)

	mergedFrom, err := r.mergedFromLocked(ctx, canonicalID, roots)
	if err != nil {
		return nil, err
	}

	aliasSet := make(map[string]bool)
	for _, a := range r.aliasesLocked(canonicalID) {
		aliasSet[a] = true
	}
	for a := range absorbed {
		aliasSet[a] = true
	}

	plan := storage.MergePlan{
		CanonicalID: canonicalID,
		Absorbed:    sortedKeys(absorbed),
		Aliases:     sortedKeys(aliasSet),
		MergedFrom:  mergedFrom,
		At:          r.now().UTC(),
	}
	if err := r.store.ApplyMerge(ctx, plan); err != nil {
		r.metrics.RecordMerge(ctx, "failed")
		return nil, fmt.Errorf("apply merge into %s: %w", canonicalID, err)
	}

	for _, a := range plan.Absorbed {
		r.redirects[a] = canonicalID
	}
	delete(r.redirects, canonicalID)

	r.metrics.RecordMerge(ctx, "applied")
	observe.Logger(ctx).Info("entities merged",
		"canonical_id", canonicalID,
		"absorbed", plan.Absorbed,
	)

	return &MergeResult{
		CanonicalID: canonicalID,
		Absorbed:    plan.Absorbed,
		Aliases:     plan.Aliases,
		Applied:     true,
	}, nil
}

// mergedFromLocked accumulates the merged-from history of canonicalID and of
// every absorbed root, plus the roots themselves.
func (r *EntityResolver) mergedFromLocked(ctx context.Context, canonicalID string, roots map[string]bool) ([]string, error) {
	set := make(map[string]bool)
	for _, id := range append([]string{canonicalID}, sortedKeys(roots)...) {
		e, err := r.store.GetEntity(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read entity %s: %w", id, err)
		}
		for _, m := range e.MergedFrom {
			set[m] = true
		}
	}
	for id := range roots {
		set[id] = true
	}
	delete(set, canonicalID)
	return sortedKeys(set), nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
