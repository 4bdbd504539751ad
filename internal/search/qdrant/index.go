// Package qdrant provides a similarity index backed by Qdrant over gRPC.
package qdrant

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/scrypster/chronicle/internal/search"
	"github.com/scrypster/chronicle/pkg/types"
)

const (
	payloadDocID   = "doc_id"
	payloadContent = "content"
)

// Config holds connection settings for Qdrant.
type Config struct {
	Host       string
	Port       int
	Collection string
}

// Index implements search.Index using a Qdrant collection.
type Index struct {
	collections pb.CollectionsClient
	points      pb.PointsClient
	collection  string
	conn        *grpc.ClientConn
}

var _ search.Index = (*Index)(nil)

// NewIndex connects to Qdrant.
func NewIndex(cfg Config) (*Index, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant: connecting to %s: %w", addr, err)
	}

	idx := NewIndexWithClients(pb.NewCollectionsClient(conn), pb.NewPointsClient(conn), cfg.Collection)
	idx.conn = conn
	return idx, nil
}

// NewIndexWithClients builds an Index from existing gRPC clients.
func NewIndexWithClients(collections pb.CollectionsClient, points pb.PointsClient, collection string) *Index {
	return &Index{collections: collections, points: points, collection: collection}
}

// Close closes the gRPC connection.
func (i *Index) Close() error {
	if i.conn != nil {
		return i.conn.Close()
	}
	return nil
}

// EnsureCollection creates the collection if it doesn't exist.
func (i *Index) EnsureCollection(ctx context.Context, vectorSize uint64) error {
	if _, err := i.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: i.collection}); err == nil {
		return nil
	}

	_, err := i.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: i.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     vectorSize,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant: creating collection %s: %w", i.collection, err)
	}
	return nil
}

// Upsert stores documents with their embeddings.
func (i *Index) Upsert(ctx context.Context, docs []search.Document, vectors [][]float32) error {
	if len(docs) != len(vectors) {
		return fmt.Errorf("qdrant: %d documents but %d vectors", len(docs), len(vectors))
	}
	if len(docs) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, 0, len(docs))
	for n, doc := range docs {
		payload := map[string]*pb.Value{
			payloadDocID:   stringValue(doc.ID),
			payloadContent: stringValue(doc.Content),
		}
		for k, v := range doc.Fields() {
			payload[k] = stringValue(v)
		}

		points = append(points, &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(doc.ID)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: vectors[n]},
				},
			},
			Payload: payload,
		})
	}

	_, err := i.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: i.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upserting points: %w", err)
	}
	return nil
}

// Search performs a cosine similarity search.
func (i *Index) Search(ctx context.Context, req search.Request) ([]types.SimilarityHit, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	sp := &pb.SearchPoints{
		CollectionName: i.collection,
		Vector:         req.Vector,
		Limit:          uint64(limit),
		Filter:         keywordFilter(req.Filters),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	}
	if req.Threshold > 0 {
		threshold := float32(req.Threshold)
		sp.ScoreThreshold = &threshold
	}

	resp, err := i.points.Search(ctx, sp)
	if err != nil {
		return nil, fmt.Errorf("qdrant: searching points: %w", err)
	}

	hits := make([]types.SimilarityHit, 0, len(resp.GetResult()))
	for _, point := range resp.GetResult() {
		hits = append(hits, scoredPointToHit(point))
	}
	return hits, nil
}

// PointID maps a document id onto the UUID space Qdrant requires. UUIDs pass
// through; any other id gets a stable name-based UUID.
func PointID(docID string) string {
	if u, err := uuid.Parse(docID); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("chronicle:"+docID)).String()
}

func keywordFilter(filters map[string]string) *pb.Filter {
	if len(filters) == 0 {
		return nil
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	must := make([]*pb.Condition, 0, len(keys))
	for _, k := range keys {
		must = append(must, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key: k,
					Match: &pb.Match{
						MatchValue: &pb.Match_Keyword{Keyword: filters[k]},
					},
				},
			},
		})
	}
	return &pb.Filter{Must: must}
}

func scoredPointToHit(point *pb.ScoredPoint) types.SimilarityHit {
	payload := point.GetPayload()

	id := getStringValue(payload, payloadDocID)
	if id == "" {
		id = point.GetId().GetUuid()
	}

	meta := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == payloadDocID || k == payloadContent {
			continue
		}
		meta[k] = v.GetStringValue()
	}

	return types.SimilarityHit{
		ID:       id,
		Content:  getStringValue(payload, payloadContent),
		Score:    float64(point.GetScore()),
		Metadata: meta,
	}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func getStringValue(payload map[string]*pb.Value, key string) string {
	if v, ok := payload[key]; ok {
		return v.GetStringValue()
	}
	return ""
}
