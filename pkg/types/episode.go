package types

import "time"

// Well-known episode context keys.
const (
	EpisodeContextStrategy    = "strategy"
	EpisodeContextIntent      = "intent"
	EpisodeContextResultCount = "result_count"
	EpisodeContextWarnings    = "warnings"
	EpisodeContextFallback    = "fallback_used"
	EpisodeContextSelectedBy  = "selected_by"
)

// Episode is the provenance envelope for the facts discovered while
// answering one query. Episodes are append-only.
type Episode struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Query     string         `json:"query"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
	FactIDs   []string       `json:"fact_ids"`
	Outcome   string         `json:"outcome,omitempty"`
}
