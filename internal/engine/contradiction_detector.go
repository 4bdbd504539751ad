package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/scrypster/chronicle/pkg/types"
)

// Contradiction is a set of facts that are current at the same instant but
// assert different values for a single-valued predicate of one subject.
// Contradictions are reported, never repaired: the fix is to close the
// stale claim.
type Contradiction struct {
	Subject   string   `json:"subject"`
	Predicate string   `json:"predicate"`
	Objects   []string `json:"objects"`
	FactIDs   []string `json:"fact_ids"`
}

// defaultSingleValued lists predicates (normalised) that hold at most one
// value per subject at a time.
var defaultSingleValued = []string{
	"married_to",
	"reports_to",
	"title",
	"role",
	"headquartered_in",
	"lives_in",
}

// ContradictionDetector finds silently contradicting current facts.
type ContradictionDetector struct {
	facts *FactService

	mu           sync.RWMutex
	singleValued map[string]bool
}

// NewContradictionDetector creates a detector with the default
// single-valued predicate set.
func NewContradictionDetector(facts *FactService) *ContradictionDetector {
	d := &ContradictionDetector{facts: facts}
	d.SetSingleValued(defaultSingleValued)
	return d
}

// SetSingleValued replaces the single-valued predicate set.
func (d *ContradictionDetector) SetSingleValued(predicates []string) {
	set := make(map[string]bool, len(predicates))
	for _, p := range predicates {
		set[normalizePredicate(p)] = true
	}
	d.mu.Lock()
	d.singleValued = set
	d.mu.Unlock()
}

func normalizePredicate(p string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(p)), " ", "_")
}

// Detect returns the contradictions among facts with entityID as subject
// that are current at asOf (zero means now).
func (d *ContradictionDetector) Detect(ctx context.Context, entityID string, asOf time.Time) ([]Contradiction, error) {
	facts, err := d.facts.GetCurrentFacts(ctx, entityID, asOf)
	if err != nil {
		return nil, fmt.Errorf("detect contradictions: %w", err)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	canonical := d.facts.resolver.Resolve(entityID)
	groups := make(map[string][]types.Fact)
	for _, f := range facts {
		if f.Subject != canonical {
			continue
		}
		p := normalizePredicate(f.Predicate)
		if !d.singleValued[p] {
			continue
		}
		groups[p] = append(groups[p], f)
	}

	var out []Contradiction
	for p, group := range groups {
		objects := make(map[string]bool)
		for _, f := range group {
			objects[f.Triple().Normalized().Object] = true
		}
		if len(objects) < 2 {
			continue
		}
		c := Contradiction{
			Subject:   canonical,
			Predicate: p,
			Objects:   sortedKeys(objects),
		}
		for _, f := range group {
			c.FactIDs = append(c.FactIDs, f.ID)
		}
		slices.Sort(c.FactIDs)
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Contradiction) int {
		return strings.Compare(a.Predicate, b.Predicate)
	})
	return out, nil
}
