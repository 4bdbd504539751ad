// Package handlers provides the HTTP handlers and middleware for the
// Chronicle API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/scrypster/chronicle/internal/engine"
	"github.com/scrypster/chronicle/internal/storage"
	"github.com/scrypster/chronicle/pkg/types"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Engine is the subset of *engine.Engine the API serves.
type Engine interface {
	ProcessQuery(ctx context.Context, query string, opts engine.QueryOptions) (*engine.QueryResult, error)
	StoreFact(ctx context.Context, in engine.FactInput) (*types.Fact, error)
	GetFact(ctx context.Context, id string) (*types.Fact, error)
	CloseFact(ctx context.Context, id string, validTo time.Time) error
	Supersede(ctx context.Context, oldID string, in engine.FactInput) (*types.Fact, error)
	DecayConfidence(ctx context.Context, id string, rate float64) (float64, error)
	GetCurrentFacts(ctx context.Context, entityID string, asOf time.Time) ([]types.Fact, error)
	GetEntityHistory(ctx context.Context, entityID string) ([]types.Fact, error)
	DetectContradictions(ctx context.Context, entityID string, asOf time.Time) ([]engine.Contradiction, error)
	ResolveEntity(ctx context.Context, id string) (*types.ResolutionRecord, error)
	MergeEntities(ctx context.Context, ids []string, canonicalID string) (*engine.MergeResult, error)
	GetEpisode(ctx context.Context, id string) (*types.Episode, error)
	Sweep(ctx context.Context) (engine.SweepStats, error)
}

// APIHandlers contains HTTP handlers for the REST API.
type APIHandlers struct {
	engine Engine
	now    func() time.Time
}

// NewAPIHandlers creates a new APIHandlers instance.
func NewAPIHandlers(eng Engine) *APIHandlers {
	return &APIHandlers{engine: eng, now: time.Now}
}

// Query handles POST /api/query.
func (h *APIHandlers) Query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.engine.ProcessQuery(r.Context(), req.Query, engine.QueryOptions{
		UserID:         req.UserID,
		EntityIDs:      req.EntityIDs,
		Classification: req.Classification,
	})
	if err != nil {
		respondEngineError(w, "query failed", err)
		return
	}

	resp := QueryResponse{QueryResult: res}
	if res.Context != nil {
		resp.ContextText = res.Context.Render()
	}
	respondJSON(w, http.StatusOK, resp)
}

// CreateFact handles POST /api/facts.
func (h *APIHandlers) CreateFact(w http.ResponseWriter, r *http.Request) {
	var in engine.FactInput
	if !decodeBody(w, r, &in) {
		return
	}

	fact, err := h.engine.StoreFact(r.Context(), in)
	if err != nil {
		respondEngineError(w, "failed to store fact", err)
		return
	}
	respondJSON(w, http.StatusCreated, fact)
}

// GetFact handles GET /api/facts/{id}.
func (h *APIHandlers) GetFact(w http.ResponseWriter, r *http.Request) {
	fact, err := h.engine.GetFact(r.Context(), r.PathValue("id"))
	if err != nil {
		respondEngineError(w, "failed to get fact", err)
		return
	}
	respondJSON(w, http.StatusOK, fact)
}

// CloseFact handles POST /api/facts/{id}/close.
func (h *APIHandlers) CloseFact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req CloseFactRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ValidTo.IsZero() {
		respondError(w, http.StatusBadRequest, "valid_to is required", nil)
		return
	}

	if err := h.engine.CloseFact(r.Context(), id, req.ValidTo); err != nil {
		respondEngineError(w, "failed to close fact", err)
		return
	}

	fact, err := h.engine.GetFact(r.Context(), id)
	if err != nil {
		respondEngineError(w, "failed to get fact", err)
		return
	}
	respondJSON(w, http.StatusOK, fact)
}

// SupersedeFact handles POST /api/facts/{id}/supersede. The body is the
// replacement fact; the old fact is closed at its valid_from.
func (h *APIHandlers) SupersedeFact(w http.ResponseWriter, r *http.Request) {
	var in engine.FactInput
	if !decodeBody(w, r, &in) {
		return
	}

	fact, err := h.engine.Supersede(r.Context(), r.PathValue("id"), in)
	if err != nil {
		respondEngineError(w, "failed to supersede fact", err)
		return
	}
	respondJSON(w, http.StatusCreated, fact)
}

// DecayFact handles POST /api/facts/{id}/decay.
func (h *APIHandlers) DecayFact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req DecayFactRequest
	if !decodeBody(w, r, &req) {
		return
	}

	conf, err := h.engine.DecayConfidence(r.Context(), id, req.Rate)
	if err != nil {
		respondEngineError(w, "failed to decay fact", err)
		return
	}
	respondJSON(w, http.StatusOK, DecayFactResponse{ID: id, Confidence: conf})
}

// EntityHistory handles GET /api/entities/{id}/history.
func (h *APIHandlers) EntityHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	facts, err := h.engine.GetEntityHistory(r.Context(), id)
	if err != nil {
		respondEngineError(w, "failed to get entity history", err)
		return
	}
	respondJSON(w, http.StatusOK, FactsResponse{EntityID: id, Facts: nonNil(facts), Count: len(facts)})
}

// EntityFacts handles GET /api/entities/{id}/facts?as_of=RFC3339.
// as_of defaults to now.
func (h *APIHandlers) EntityFacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	asOf, ok := h.parseAsOf(w, r)
	if !ok {
		return
	}

	facts, err := h.engine.GetCurrentFacts(r.Context(), id, asOf)
	if err != nil {
		respondEngineError(w, "failed to get entity facts", err)
		return
	}
	respondJSON(w, http.StatusOK, FactsResponse{EntityID: id, AsOf: &asOf, Facts: nonNil(facts), Count: len(facts)})
}

// EntityContradictions handles GET /api/entities/{id}/contradictions.
func (h *APIHandlers) EntityContradictions(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.parseAsOf(w, r)
	if !ok {
		return
	}

	found, err := h.engine.DetectContradictions(r.Context(), r.PathValue("id"), asOf)
	if err != nil {
		respondEngineError(w, "failed to detect contradictions", err)
		return
	}
	if found == nil {
		found = []engine.Contradiction{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"contradictions": found,
		"count":          len(found),
	})
}

// GetEntity handles GET /api/entities/{id}.
func (h *APIHandlers) GetEntity(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.ResolveEntity(r.Context(), r.PathValue("id"))
	if err != nil {
		respondEngineError(w, "failed to resolve entity", err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// MergeEntities handles POST /api/entities/merge.
func (h *APIHandlers) MergeEntities(w http.ResponseWriter, r *http.Request) {
	var req MergeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.engine.MergeEntities(r.Context(), req.IDs, req.CanonicalID)
	if err != nil {
		respondEngineError(w, "failed to merge entities", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// GetEpisode handles GET /api/episodes/{id}.
func (h *APIHandlers) GetEpisode(w http.ResponseWriter, r *http.Request) {
	ep, err := h.engine.GetEpisode(r.Context(), r.PathValue("id"))
	if err != nil {
		respondEngineError(w, "failed to get episode", err)
		return
	}
	respondJSON(w, http.StatusOK, ep)
}

// Sweep handles POST /api/maintenance/sweep.
func (h *APIHandlers) Sweep(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Sweep(r.Context())
	if err != nil {
		respondEngineError(w, "decay sweep failed", err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *APIHandlers) parseAsOf(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("as_of"))
	if raw == "" {
		return h.now().UTC(), true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "as_of must be RFC3339", err)
		return time.Time{}, false
	}
	return t, true
}

func nonNil(facts []types.Fact) []types.Fact {
	if facts == nil {
		return []types.Fact{}
	}
	return facts
}

// decodeBody decodes a JSON request body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

// statusFor maps engine and storage errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrAlreadyClosed):
		return http.StatusConflict
	case errors.Is(err, storage.ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, engine.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondEngineError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error(message, "error", err)
	}
	respondError(w, status, message, err)
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent.
		slog.Warn("failed to encode JSON response", "error", err)
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	}

	if err != nil {
		errResp.Details = map[string]interface{}{
			"error": err.Error(),
		}
	}

	respondJSON(w, statusCode, errResp)
}
