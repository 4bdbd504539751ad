package engine

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/scrypster/chronicle/internal/observe"
	"github.com/scrypster/chronicle/pkg/types"
)

// intentStrategy is the fixed intent -> strategy table.
var intentStrategy = map[types.Intent]types.Strategy{
	types.IntentRelationship:  types.StrategyRelational,
	types.IntentIntroduction:  types.StrategyRelational,
	types.IntentTemporal:      types.StrategyRelational,
	types.IntentSimilarity:    types.StrategySimilarity,
	types.IntentGeneral:       types.StrategySimilarity,
	types.IntentDecisionMaker: types.StrategyFused,
	types.IntentSales:         types.StrategyFused,
	types.IntentComposite:     types.StrategyFused,
}

// StrategyFor returns the default strategy for intent. Unknown intents map
// to similarity.
func StrategyFor(intent types.Intent) types.Strategy {
	if s, ok := intentStrategy[intent]; ok {
		return s
	}
	return types.StrategySimilarity
}

// intentRule matches whole-word phrases in a normalised query.
type intentRule struct {
	intent  types.Intent
	phrases []string
}

// intentRules are checked in order; the first matching rule wins unless
// rules that map to different strategies both match (composite).
var intentRules = []intentRule{
	{types.IntentDecisionMaker, []string{
		"decision maker", "decision makers", "decision-maker", "who decides", "who approves",
		"budget holder", "signs off", "sign off", "final say", "economic buyer", "buyer",
	}},
	{types.IntentSales, []string{
		"deal", "deals", "pipeline", "prospect", "prospects", "sell", "selling", "sales",
		"quota", "pitch", "close the deal", "opportunity", "renewal", "upsell",
	}},
	{types.IntentIntroduction, []string{
		"introduce", "introduction", "intro", "introduce me", "connect me", "warm intro",
		"put me in touch", "get in touch",
	}},
	{types.IntentRelationship, []string{
		"who knows", "knows", "relationship", "relationships", "works at", "works for",
		"work at", "works with", "reports to", "connected to", "connection", "connections",
		"colleague", "colleagues", "related to", "worked with", "manager of", "team",
	}},
	{types.IntentTemporal, []string{
		"when", "since", "until", "before", "after", "history", "used to", "previously",
		"formerly", "last year", "timeline", "as of", "changed", "anymore",
	}},
	{types.IntentSimilarity, []string{
		"similar", "similar to", "resembles", "resemble", "examples of", "more like",
		"alike", "comparable",
	}},
}

// Classification is an externally supplied hint (e.g. from a generation
// service). Either field may be empty. Values outside the closed
// vocabularies are ignored.
type Classification struct {
	Intent   string `json:"intent,omitempty"`
	Strategy string `json:"strategy,omitempty"`
}

// Selection source labels.
const (
	SelectedByKeyword  = "keyword"
	SelectedByExternal = "external"
	SelectedByRouting  = "routing"
	SelectedByDefault  = "default"
)

// Selection is the outcome of strategy selection.
type Selection struct {
	Strategy types.Strategy `json:"strategy"`
	Intent   types.Intent   `json:"intent"`
	Source   string         `json:"source"`
}

// RoutingSignals answers whether the fact store already knows something
// current about the entities a query mentions.
type RoutingSignals interface {
	HasCurrentFacts(ctx context.Context, entityIDs []string, at time.Time) (bool, error)
}

// StrategySelector classifies queries and picks a search strategy. It keeps
// no state between queries and never fails: anything it cannot interpret
// resolves to similarity.
type StrategySelector struct {
	signals RoutingSignals
	now     func() time.Time
}

// NewStrategySelector creates a selector. signals may be nil, which
// disables the context-aware override.
func NewStrategySelector(signals RoutingSignals) *StrategySelector {
	return &StrategySelector{signals: signals, now: time.Now}
}

// Classify extracts the query intent by keyword matching.
func (s *StrategySelector) Classify(query string) types.Intent {
	text := normalizeQuery(query)
	if text == "" {
		return types.IntentGeneral
	}

	var (
		first      types.Intent
		strategies = make(map[types.Strategy]bool)
	)
	for _, rule := range intentRules {
		if !matchesAny(text, rule.phrases) {
			continue
		}
		if first == "" {
			first = rule.intent
		}
		strategies[StrategyFor(rule.intent)] = true
	}

	switch {
	case first == "":
		return types.IntentGeneral
	case len(strategies) > 1:
		return types.IntentComposite
	default:
		return first
	}
}

// Select chooses the strategy for query. mentions are canonical entity ids
// found in the query; they feed the routing override.
//
// Order of precedence: an unparseable query is always similarity; a valid
// external strategy token wins; otherwise the (external or keyword) intent
// is mapped through the fixed table, and a similarity choice is upgraded to
// fused when a mentioned entity has current facts.
func (s *StrategySelector) Select(ctx context.Context, query string, hint Classification, mentions []string) Selection {
	if normalizeQuery(query) == "" {
		return Selection{Strategy: types.StrategySimilarity, Intent: types.IntentGeneral, Source: SelectedByDefault}
	}

	intent, source := s.Classify(query), SelectedByKeyword
	if external, ok := types.ParseIntent(hint.Intent); ok {
		intent, source = external, SelectedByExternal
	}

	if strategy, ok := types.ParseStrategy(hint.Strategy); ok {
		return Selection{Strategy: strategy, Intent: intent, Source: SelectedByExternal}
	}

	sel := Selection{Strategy: StrategyFor(intent), Intent: intent, Source: source}

	if sel.Strategy == types.StrategySimilarity && len(mentions) > 0 && s.signals != nil {
		known, err := s.signals.HasCurrentFacts(ctx, mentions, s.now())
		if err != nil {
			observe.Logger(ctx).Warn("routing signal lookup failed", "err", err)
			return sel
		}
		if known {
			sel.Strategy = types.StrategyFused
			sel.Source = SelectedByRouting
		}
	}
	return sel
}

// normalizeQuery lower-cases query and reduces it to space-separated words.
// It returns "" when the query has no letters or digits.
func normalizeQuery(query string) string {
	return strings.Join(queryWords(query), " ")
}

// queryWords splits query into lower-case words of letters, digits, '-' and
// '\''. Words without a letter or digit are dropped.
func queryWords(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '\''
	})
	words := fields[:0]
	for _, f := range fields {
		if strings.IndexFunc(f, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) >= 0 {
			words = append(words, f)
		}
	}
	return words
}

func matchesAny(text string, phrases []string) bool {
	padded := " " + text + " "
	for _, p := range phrases {
		if strings.Contains(padded, " "+p+" ") {
			return true
		}
	}
	return false
}
