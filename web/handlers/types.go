package handlers

import (
	"time"

	"github.com/scrypster/chronicle/internal/engine"
	"github.com/scrypster/chronicle/pkg/types"
)

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// QueryRequest is the body of POST /api/query.
type QueryRequest struct {
	Query          string                `json:"query"`
	UserID         string                `json:"user_id"`
	EntityIDs      []string              `json:"entity_ids,omitempty"`
	Classification engine.Classification `json:"classification,omitempty"`
}

// QueryResponse is the answer to a query. ContextText is the rendered
// prompt-ready form of Context.
type QueryResponse struct {
	*engine.QueryResult
	ContextText string `json:"context_text"`
}

// CloseFactRequest is the body of POST /api/facts/{id}/close.
type CloseFactRequest struct {
	ValidTo time.Time `json:"valid_to"`
}

// DecayFactRequest is the body of POST /api/facts/{id}/decay.
type DecayFactRequest struct {
	Rate float64 `json:"rate"`
}

// DecayFactResponse reports a fact's confidence after decay.
type DecayFactResponse struct {
	ID         string  `json:"id"`
	Confidence float64 `json:"confidence"`
}

// MergeRequest is the body of POST /api/entities/merge.
type MergeRequest struct {
	IDs         []string `json:"ids"`
	CanonicalID string   `json:"canonical_id"`
}

// FactsResponse wraps a fact listing.
type FactsResponse struct {
	EntityID string       `json:"entity_id"`
	AsOf     *time.Time   `json:"as_of,omitempty"`
	Facts    []types.Fact `json:"facts"`
	Count    int          `json:"count"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
