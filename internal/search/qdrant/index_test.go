package qdrant

import (
	"context"
	"errors"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/scrypster/chronicle/internal/search"
	"github.com/scrypster/chronicle/pkg/types"
)

// fakePoints records requests; unimplemented methods panic via the nil embed.
type fakePoints struct {
	pb.PointsClient

	upserted *pb.UpsertPoints
	searched *pb.SearchPoints
	result   []*pb.ScoredPoint
	err      error
}

func (f *fakePoints) Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	f.upserted = in
	return &pb.PointsOperationResponse{}, f.err
}

func (f *fakePoints) Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error) {
	f.searched = in
	if f.err != nil {
		return nil, f.err
	}
	return &pb.SearchResponse{Result: f.result}, nil
}

type fakeCollections struct {
	pb.CollectionsClient

	exists  bool
	created *pb.CreateCollection
}

func (f *fakeCollections) Get(ctx context.Context, in *pb.GetCollectionInfoRequest, opts ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error) {
	if f.exists {
		return &pb.GetCollectionInfoResponse{}, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeCollections) Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	f.created = in
	return &pb.CollectionOperationResponse{}, nil
}

func TestPointIDStable(t *testing.T) {
	assert.Equal(t, PointID("doc-1"), PointID("doc-1"))
	assert.NotEqual(t, PointID("doc-1"), PointID("doc-2"))

	u := "6f1c1b7e-0b43-4c1a-9f4e-9b7f0e5a2c11"
	assert.Equal(t, u, PointID(u))
}

func TestEnsureCollection(t *testing.T) {
	cols := &fakeCollections{}
	idx := NewIndexWithClients(cols, &fakePoints{}, "chronicle")

	require.NoError(t, idx.EnsureCollection(context.Background(), 1536))
	require.NotNil(t, cols.created)
	params := cols.created.GetVectorsConfig().GetParams()
	assert.Equal(t, uint64(1536), params.GetSize())
	assert.Equal(t, pb.Distance_Cosine, params.GetDistance())

	cols = &fakeCollections{exists: true}
	idx = NewIndexWithClients(cols, &fakePoints{}, "chronicle")
	require.NoError(t, idx.EnsureCollection(context.Background(), 1536))
	assert.Nil(t, cols.created)
}

func TestUpsertBuildsPayload(t *testing.T) {
	points := &fakePoints{}
	idx := NewIndexWithClients(&fakeCollections{}, points, "chronicle")

	docs := []search.Document{{ID: "d1", Content: "Acme builds rockets", EntityID: "acme"}}
	require.NoError(t, idx.Upsert(context.Background(), docs, [][]float32{{0.1, 0.2}}))

	require.NotNil(t, points.upserted)
	require.Len(t, points.upserted.Points, 1)
	p := points.upserted.Points[0]
	assert.Equal(t, PointID("d1"), p.GetId().GetUuid())
	assert.Equal(t, "d1", p.Payload[payloadDocID].GetStringValue())
	assert.Equal(t, "acme", p.Payload[types.MetadataEntityID].GetStringValue())

	err := idx.Upsert(context.Background(), docs, nil)
	assert.Error(t, err)
}

func TestSearchMapsHits(t *testing.T) {
	points := &fakePoints{result: []*pb.ScoredPoint{{
		Id:    &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID("d1")}},
		Score: 0.87,
		Payload: map[string]*pb.Value{
			payloadDocID:           stringValue("d1"),
			payloadContent:         stringValue("Acme builds rockets"),
			types.MetadataEntityID: stringValue("acme"),
		},
	}}}
	idx := NewIndexWithClients(&fakeCollections{}, points, "chronicle")

	hits, err := idx.Search(context.Background(), search.Request{
		Vector:    []float32{0.1, 0.2},
		Limit:     3,
		Threshold: 0.5,
		Filters:   map[string]string{"kind": "note"},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "d1", hits[0].ID)
	assert.Equal(t, "Acme builds rockets", hits[0].Content)
	assert.InDelta(t, 0.87, hits[0].Score, 1e-6)
	assert.Equal(t, "acme", hits[0].EntityID())

	req := points.searched
	require.NotNil(t, req.ScoreThreshold)
	assert.InDelta(t, 0.5, *req.ScoreThreshold, 1e-6)
	assert.Equal(t, uint64(3), req.Limit)
	require.Len(t, req.GetFilter().GetMust(), 1)
	assert.Equal(t, "kind", req.GetFilter().GetMust()[0].GetField().GetKey())
}

func TestSearchError(t *testing.T) {
	idx := NewIndexWithClients(&fakeCollections{}, &fakePoints{err: errors.New("unavailable")}, "chronicle")
	_, err := idx.Search(context.Background(), search.Request{Vector: []float32{1}})
	assert.Error(t, err)
}
