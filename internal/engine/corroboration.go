package engine

import (
	"strings"

	"github.com/scrypster/chronicle/pkg/types"
)

// CorroborationMatcher reports whether candidate independently agrees with
// fact. Implementations must be symmetric.
type CorroborationMatcher func(fact, candidate *types.Fact) bool

// DefaultCorroborationMatcher treats two facts as agreeing when they come
// from different sources and assert the same triple: identical canonical
// subject, and predicate and object equal after case folding and
// whitespace collapsing. A republication through the same channel never
// corroborates.
func DefaultCorroborationMatcher(fact, candidate *types.Fact) bool {
	if fact.ID == candidate.ID {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(fact.Source), strings.TrimSpace(candidate.Source)) {
		return false
	}
	if fact.ObjectKind != candidate.ObjectKind {
		return false
	}
	return fact.Triple().Normalized() == candidate.Triple().Normalized()
}
