package types

// MetadataEntityID is the similarity-hit metadata key that links a hit to an entity.
const MetadataEntityID = "entity_id"

// SimilarityHit is one ranked result from the similarity search service.
type SimilarityHit struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Score    float64        `json:"similarity_score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// EntityID returns the entity the hit refers to, if its metadata names one.
func (h *SimilarityHit) EntityID() string {
	if h.Metadata == nil {
		return ""
	}
	if id, ok := h.Metadata[MetadataEntityID].(string); ok {
		return id
	}
	return ""
}

// RelationalHit is one fact reached by relationship traversal.
type RelationalHit struct {
	Fact   Fact   `json:"fact"`
	Entity string `json:"entity"` // Entity the traversal reached through Fact
	Hops   int    `json:"hops"`   // Distance from the nearest seed entity (1 = direct)
}
