package types

import "strings"

// Strategy is the search approach chosen for a query.
type Strategy string

const (
	StrategySimilarity Strategy = "similarity" // Vector similarity search only
	StrategyRelational Strategy = "relational" // Relationship traversal over current facts
	StrategyFused      Strategy = "fused"      // Both, run concurrently and merged
)

// ValidStrategies lists every strategy token.
var ValidStrategies = []Strategy{StrategySimilarity, StrategyRelational, StrategyFused}

// IsValid reports whether s is one of the three strategy tokens.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategySimilarity, StrategyRelational, StrategyFused:
		return true
	}
	return false
}

// ParseStrategy normalises raw and reports whether it names a valid strategy.
func ParseStrategy(raw string) (Strategy, bool) {
	s := Strategy(strings.ToLower(strings.TrimSpace(raw)))
	return s, s.IsValid()
}

// Intent is the query category extracted before strategy selection.
type Intent string

const (
	IntentRelationship  Intent = "relationship"
	IntentIntroduction  Intent = "introduction"
	IntentTemporal      Intent = "temporal"
	IntentSimilarity    Intent = "similarity"
	IntentGeneral       Intent = "general"
	IntentDecisionMaker Intent = "decision_maker"
	IntentSales         Intent = "sales"
	IntentComposite     Intent = "composite"
)

// ValidIntents lists the closed intent vocabulary.
var ValidIntents = []Intent{
	IntentRelationship,
	IntentIntroduction,
	IntentTemporal,
	IntentSimilarity,
	IntentGeneral,
	IntentDecisionMaker,
	IntentSales,
	IntentComposite,
}

// ParseIntent normalises raw and reports whether it names a known intent.
func ParseIntent(raw string) (Intent, bool) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_")
	normalized = strings.TrimSuffix(normalized, "_lookup")
	for _, intent := range ValidIntents {
		if string(intent) == normalized {
			return intent, true
		}
	}
	return "", false
}
