package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrypster/chronicle/internal/config"
	"github.com/scrypster/chronicle/internal/search"
	"github.com/scrypster/chronicle/internal/storage/sqlite"
	"github.com/scrypster/chronicle/pkg/types"
)

// testNow is the wall clock seen by every engine built with newTestEngine.
var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// newTestEngine creates a started Engine backed by an in-memory SQLite
// store, with the sweeper loop disabled and the clock pinned to testNow.
func newTestEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	return newTestEngineWithConfig(t, config.Default(), opts...)
}

func newTestEngineWithConfig(t *testing.T, cfg *config.Config, opts ...EngineOption) *Engine {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.NewStore(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg.Engine.SweepInterval = 0
	all := append([]EngineOption{WithEngineClock(func() time.Time { return testNow })}, opts...)
	eng, err := New(store, cfg, all...)
	require.NoError(t, err)

	require.NoError(t, eng.Start(ctx))
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })
	return eng
}

// storeFact stores an entity fact from a user statement.
func storeFact(t *testing.T, eng *Engine, subject, predicate, object string, from time.Time) *types.Fact {
	t.Helper()
	return storeFactInput(t, eng, FactInput{
		Subject:    subject,
		Predicate:  predicate,
		Object:     object,
		Confidence: 0.9,
		ValidFrom:  from,
	})
}

func storeFactInput(t *testing.T, eng *Engine, in FactInput) *types.Fact {
	t.Helper()
	f, err := eng.StoreFact(context.Background(), in)
	require.NoError(t, err)
	return f
}

func factIDs(facts []types.Fact) []string {
	ids := make([]string, len(facts))
	for i, f := range facts {
		ids[i] = f.ID
	}
	return ids
}

// fakeEmbedder returns a fixed vector, or err when set.
type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0, 0}, nil
}

// fakeSearcher returns canned hits. block makes Search wait for ctx.
type fakeSearcher struct {
	mu    sync.Mutex
	hits  []types.SimilarityHit
	err   error
	block bool
	calls int
}

func (f *fakeSearcher) Search(ctx context.Context, req search.Request) ([]types.SimilarityHit, error) {
	f.mu.Lock()
	f.calls++
	hits, err, block := f.hits, f.err, f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return hits, nil
}

func (f *fakeSearcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var errSearchDown = errors.New("similarity service unavailable")

func simHit(id, content, entityID string, score float64) types.SimilarityHit {
	h := types.SimilarityHit{ID: id, Content: content, Score: score}
	if entityID != "" {
		h.Metadata = map[string]any{types.MetadataEntityID: entityID}
	}
	return h
}

func parseDay(s string) (time.Time, error) {
	return time.Parse(time.DateOnly, s)
}

func nilIfEmpty(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	return ids
}
