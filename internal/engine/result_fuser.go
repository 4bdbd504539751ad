package engine

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/scrypster/chronicle/internal/observe"
	"github.com/scrypster/chronicle/pkg/types"
)

// hopDiscount scales relational scores per extra hop from the seeds.
const hopDiscount = 0.8

// Context item kinds.
const (
	ItemSimilarity = "similarity"
	ItemRelational = "relational"
)

// ContextItem is one deduplicated entry of the fused answer context.
type ContextItem struct {
	Key            string      `json:"key"`                 // Canonical entity id, or "doc:<id>" for unlinked documents
	Kind           string      `json:"kind"`                // Kind of the representative hit
	EntityID       string      `json:"entity_id,omitempty"` // Canonical entity, when known
	Content        string      `json:"content"`
	Score          float64     `json:"score"`
	Corroborations int         `json:"corroborations"`       // Other hits merged into this one
	Supporting     []string    `json:"supporting,omitempty"` // Content of the merged hits
	Fact           *types.Fact `json:"fact,omitempty"`
	DocumentID     string      `json:"document_id,omitempty"`
	Hops           int         `json:"hops,omitempty"`
}

// Metadata describes how a fused context was produced.
type Metadata struct {
	Strategy       types.Strategy `json:"strategy"`
	Intent         types.Intent   `json:"intent"`
	ResultCount    int            `json:"result_count"`
	ProcessingTime time.Duration  `json:"processing_time"`
	FallbackUsed   bool           `json:"fallback_used"`
	Warnings       []string       `json:"warnings,omitempty"`
}

// FusedContext is the ranked context handed to answer generation.
type FusedContext struct {
	Items    []ContextItem `json:"items"`
	Metadata Metadata      `json:"metadata"`
}

// Render formats the context as plain text for a generation prompt.
func (c *FusedContext) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "strategy: %s (intent: %s)\n", c.Metadata.Strategy, c.Metadata.Intent)
	if len(c.Items) == 0 {
		b.WriteString("no relevant context found\n")
	}
	for i, item := range c.Items {
		fmt.Fprintf(&b, "%d. [%s %.2f] %s\n", i+1, item.Kind, item.Score, item.Content)
		for _, s := range item.Supporting {
			fmt.Fprintf(&b, "   also: %s\n", s)
		}
	}
	for _, w := range c.Metadata.Warnings {
		fmt.Fprintf(&b, "warning: %s\n", w)
	}
	return b.String()
}

// ResultFuser merges similarity and relational hits into one ranked,
// deduplicated context, and records what the query surfaced back into the
// fact store.
type ResultFuser struct {
	resolver *EntityResolver
	scorer   *ConfidenceScorer
	facts    *FactService

	provisionalConfidence float64
}

// NewResultFuser creates a fuser. provisionalConfidence is the confidence
// given to found_relevant facts.
func NewResultFuser(resolver *EntityResolver, scorer *ConfidenceScorer, facts *FactService, provisionalConfidence float64) *ResultFuser {
	if provisionalConfidence <= 0 || provisionalConfidence > 1 {
		provisionalConfidence = 0.3
	}
	return &ResultFuser{
		resolver:              resolver,
		scorer:                scorer,
		facts:                 facts,
		provisionalConfidence: provisionalConfidence,
	}
}

// Fuse ranks and deduplicates hits. Hits that reference the same canonical
// entity collapse into the highest-scoring one; the others are counted as
// corroborations and add the scorer's corroboration bonus.
func (f *ResultFuser) Fuse(sim []types.SimilarityHit, rel []types.RelationalHit, now time.Time) []ContextItem {
	byKey := make(map[string]*ContextItem)
	var order []string

	add := func(item ContextItem) {
		existing, ok := byKey[item.Key]
		if !ok {
			byKey[item.Key] = &item
			order = append(order, item.Key)
			return
		}
		if item.Score > existing.Score {
			item.Corroborations = existing.Corroborations + 1
			item.Supporting = append(existing.Supporting, existing.Content)
			*existing = item
			return
		}
		existing.Corroborations++
		existing.Supporting = append(existing.Supporting, item.Content)
	}

	for _, h := range sim {
		item := ContextItem{
			Kind:       ItemSimilarity,
			Content:    h.Content,
			Score:      clamp01(h.Score),
			DocumentID: h.ID,
		}
		if id := h.EntityID(); id != "" {
			item.EntityID = f.resolver.Resolve(id)
			item.Key = item.EntityID
		} else {
			item.Key = "doc:" + h.ID
		}
		add(item)
	}

	for _, h := range rel {
		fact := h.Fact
		entity := f.resolver.Resolve(h.Entity)
		hops := max(h.Hops, 1)
		add(ContextItem{
			Key:      entity,
			Kind:     ItemRelational,
			EntityID: entity,
			Content:  describeFact(&fact),
			Score:    f.scorer.Score(&fact, now, 0) * math.Pow(hopDiscount, float64(hops-1)),
			Fact:     &fact,
			Hops:     hops,
		})
	}

	items := make([]ContextItem, 0, len(order))
	for _, k := range order {
		item := *byKey[k]
		item.Score = clamp01(item.Score + f.scorer.CorroborationBonus(item.Corroborations))
		items = append(items, item)
	}
	slices.SortStableFunc(items, func(a, b ContextItem) int {
		if a.Score != b.Score {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Key, b.Key)
	})
	return items
}

// describeFact renders a fact for the answer context.
func describeFact(f *types.Fact) string {
	s := fmt.Sprintf("%s %s %s (since %s", f.Subject, f.Predicate, f.Object, f.ValidFrom.Format(time.DateOnly))
	if f.ValidTo != nil {
		s += ", until " + f.ValidTo.Format(time.DateOnly)
	}
	return s + ")"
}

// OverallConfidence is the mean score of the top n items (0 when empty).
func OverallConfidence(items []ContextItem, n int) float64 {
	if n <= 0 || n > len(items) {
		n = len(items)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for _, item := range items[:n] {
		sum += item.Score
	}
	return sum / float64(n)
}

// RecordProvisional stores a low-confidence "user:<id> found_relevant X"
// fact for every entity the relational hits reached, tagged with the
// episode. It returns the stored fact ids; failures are logged and returned
// as warnings. Stored facts stay durable even if the caller has gone away.
func (f *ResultFuser) RecordProvisional(ctx context.Context, userID, episodeID string, hits []types.RelationalHit, at time.Time) ([]string, []string) {
	subject := UserEntityID(userID)
	seen := make(map[string]bool)

	var ids, warnings []string
	for _, h := range hits {
		entity := f.resolver.Resolve(h.Entity)
		if entity == "" || entity == subject || seen[entity] {
			continue
		}
		seen[entity] = true

		if err := ctx.Err(); err != nil {
			warnings = append(warnings, "extraction: abandoned: "+err.Error())
			break
		}
		fact, err := f.facts.StoreFact(ctx, FactInput{
			Subject:    subject,
			Predicate:  types.PredicateFoundRelevant,
			Object:     entity,
			ObjectKind: types.ObjectEntity,
			Confidence: f.provisionalConfidence,
			ValidFrom:  at,
			Source:     types.SourceSearchExtraction,
			EpisodeID:  episodeID,
		})
		if err != nil {
			observe.Logger(ctx).Warn("provisional fact not stored",
				"entity_id", entity, "episode_id", episodeID, "err", err)
			warnings = append(warnings, fmt.Sprintf("extraction: %s: %v", entity, err))
			continue
		}
		ids = append(ids, fact.ID)
	}
	return ids, warnings
}

// UserEntityID is the entity id under which a user's usage facts are stored.
func UserEntityID(userID string) string {
	return "user:" + strings.TrimSpace(userID)
}
