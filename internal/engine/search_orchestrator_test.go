package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/chronicle/internal/config"
	"github.com/scrypster/chronicle/internal/search"
	"github.com/scrypster/chronicle/internal/storage"
	"github.com/scrypster/chronicle/pkg/types"
)

func hasWarning(res *QueryResult, prefix string) bool {
	for _, w := range res.Context.Metadata.Warnings {
		if strings.HasPrefix(w, prefix) {
			return true
		}
	}
	return false
}

func itemKinds(res *QueryResult) []string {
	var kinds []string
	for _, item := range res.Context.Items {
		kinds = append(kinds, item.Kind)
	}
	return kinds
}

func TestFusedDegradesToRelationalWhenSimilarityFails(t *testing.T) {
	searcher := &fakeSearcher{err: errSearchDown}
	eng := newTestEngine(t, WithSearcher(searcher, &fakeEmbedder{}))
	ctx := context.Background()

	fact := storeFact(t, eng, "alice", "works_at", "acme", day(2024, 1, 1))

	res, err := eng.ProcessQuery(ctx, "Who is the decision maker at Acme?", QueryOptions{UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, types.StrategyFused, res.Strategy)
	assert.Equal(t, types.IntentDecisionMaker, res.Intent)
	assert.Equal(t, 1, searcher.Calls())
	assert.True(t, hasWarning(res, "similarity:"), "warnings: %v", res.Context.Metadata.Warnings)
	assert.False(t, res.Context.Metadata.FallbackUsed)

	require.Len(t, res.Context.Items, 1)
	assert.Equal(t, ItemRelational, res.Context.Items[0].Kind)
	assert.Equal(t, fact.ID, res.Context.Items[0].Fact.ID)
	assert.Greater(t, res.Confidence, 0.0)
}

func TestFusedSimilarityTimeout(t *testing.T) {
	cfg := config.Default()
	cfg.Similarity.Timeout = 50 * time.Millisecond
	eng := newTestEngineWithConfig(t, cfg, WithSearcher(&fakeSearcher{block: true}, &fakeEmbedder{}))
	ctx := context.Background()

	storeFact(t, eng, "alice", "works_at", "acme", day(2024, 1, 1))

	start := time.Now()
	res, err := eng.ProcessQuery(ctx, "what deals does acme have", QueryOptions{UserID: "u1"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, types.StrategyFused, res.Strategy)
	assert.True(t, hasWarning(res, "similarity: upstream timeout"), "warnings: %v", res.Context.Metadata.Warnings)
	assert.Equal(t, []string{ItemRelational}, itemKinds(res))
}

// stuckSearcher never looks at ctx; Search returns only once release is closed.
type stuckSearcher struct {
	release chan struct{}
}

func (s *stuckSearcher) Search(ctx context.Context, req search.Request) ([]types.SimilarityHit, error) {
	<-s.release
	return nil, nil
}

func TestFusedSimilarityTimeoutWhenSearcherIgnoresContext(t *testing.T) {
	cfg := config.Default()
	cfg.Similarity.Timeout = 50 * time.Millisecond
	searcher := &stuckSearcher{release: make(chan struct{})}
	t.Cleanup(func() { close(searcher.release) })
	eng := newTestEngineWithConfig(t, cfg, WithSearcher(searcher, &fakeEmbedder{}))
	ctx := context.Background()

	storeFact(t, eng, "alice", "works_at", "acme", day(2024, 1, 1))

	start := time.Now()
	res, err := eng.ProcessQuery(ctx, "what deals does acme have", QueryOptions{UserID: "u1"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.True(t, hasWarning(res, "similarity: upstream timeout"), "warnings: %v", res.Context.Metadata.Warnings)
	assert.Equal(t, []string{ItemRelational}, itemKinds(res))
}

func TestAwaitBranch(t *testing.T) {
	t.Run("returns result", func(t *testing.T) {
		v, err := awaitBranch(context.Background(), func(context.Context) (int, error) { return 7, nil })
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	})

	t.Run("abandons call that ignores ctx", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		v, err := awaitBranch(ctx, func(context.Context) (int, error) {
			<-release
			return 7, nil
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Zero(t, v)
	})
}

func TestFusedMergesBothBranches(t *testing.T) {
	searcher := &fakeSearcher{hits: []types.SimilarityHit{
		simHit("d1", "Acme board minutes", "acme", 0.7),
		simHit("d2", "Industry newsletter", "", 0.4),
	}}
	eng := newTestEngine(t, WithSearcher(searcher, &fakeEmbedder{}))
	ctx := context.Background()

	storeFact(t, eng, "alice", "works_at", "acme", day(2024, 1, 1))

	res, err := eng.ProcessQuery(ctx, "who signs off on acme's budget", QueryOptions{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, types.StrategyFused, res.Strategy)
	assert.Empty(t, res.Context.Metadata.Warnings)

	keys := make(map[string]ContextItem)
	for _, item := range res.Context.Items {
		keys[item.Key] = item
	}
	assert.Contains(t, keys, "alice") // Reached from acme
	assert.Contains(t, keys, "acme")  // Document about acme
	assert.Contains(t, keys, "doc:d2")
	assert.Equal(t, len(res.Context.Items), res.Context.Metadata.ResultCount)
}

func TestRelationalFallsBackToSimilarity(t *testing.T) {
	searcher := &fakeSearcher{hits: []types.SimilarityHit{simHit("d1", "Zed's profile", "", 0.8)}}
	eng := newTestEngine(t, WithSearcher(searcher, &fakeEmbedder{}))

	res, err := eng.ProcessQuery(context.Background(), "who knows zed", QueryOptions{UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, types.StrategyRelational, res.Strategy)
	assert.True(t, res.Context.Metadata.FallbackUsed)
	assert.Equal(t, []string{ItemSimilarity}, itemKinds(res))
	assert.Equal(t, 1, searcher.Calls())
}

func TestSimilarityWithoutServiceStillAnswers(t *testing.T) {
	eng := newTestEngine(t)

	res, err := eng.ProcessQuery(context.Background(), "tell me about kubernetes", QueryOptions{UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, types.StrategySimilarity, res.Strategy)
	assert.Equal(t, types.IntentGeneral, res.Intent)
	assert.True(t, res.Context.Metadata.FallbackUsed)
	assert.True(t, hasWarning(res, "similarity:"))
	assert.Empty(t, res.Context.Items)
	assert.Zero(t, res.Confidence)
	assert.NotEmpty(t, res.EpisodeID)
}

func TestRoutingUpgradesKnownEntityQueries(t *testing.T) {
	searcher := &fakeSearcher{}
	eng := newTestEngine(t, WithSearcher(searcher, &fakeEmbedder{}))

	storeFact(t, eng, "alice", "works_at", "acme", day(2024, 1, 1))

	res, err := eng.ProcessQuery(context.Background(), "tell me about Acme", QueryOptions{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, types.StrategyFused, res.Strategy)
	assert.Equal(t, types.IntentGeneral, res.Intent)
	assert.Equal(t, []string{ItemRelational}, itemKinds(res))

	ep, err := eng.Episodes().GetEpisode(context.Background(), res.EpisodeID)
	require.NoError(t, err)
	assert.Equal(t, SelectedByRouting, ep.Context[types.EpisodeContextSelectedBy])
}

func TestExternalStrategyOverride(t *testing.T) {
	searcher := &fakeSearcher{}
	eng := newTestEngine(t, WithSearcher(searcher, &fakeEmbedder{}))
	storeFact(t, eng, "alice", "works_at", "acme", day(2024, 1, 1))

	res, err := eng.ProcessQuery(context.Background(), "who knows acme", QueryOptions{
		UserID:         "u1",
		Classification: Classification{Strategy: "fused"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.StrategyFused, res.Strategy)
	assert.Equal(t, types.IntentRelationship, res.Intent)
	assert.Equal(t, 1, searcher.Calls())
}

func TestProcessQueryRecordsEpisodeAndProvisionalFacts(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	var (
		mu        sync.Mutex
		published []*types.Episode
	)
	eng.SetOnEpisodeRecorded(func(ep *types.Episode) {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, ep)
	})

	storeFact(t, eng, "alice", "works_at", "acme", day(2024, 1, 1))
	storeFact(t, eng, "bob", "works_at", "acme", day(2024, 2, 1))

	res, err := eng.ProcessQuery(ctx, "who works at acme", QueryOptions{UserID: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, res.EpisodeID)

	ep, err := eng.Episodes().GetEpisode(ctx, res.EpisodeID)
	require.NoError(t, err)
	assert.Equal(t, "u1", ep.UserID)
	assert.Equal(t, "who works at acme", ep.Query)
	assert.True(t, ep.Timestamp.Equal(testNow))
	assert.Equal(t, "relational", ep.Context[types.EpisodeContextStrategy])
	assert.Equal(t, "relationship", ep.Context[types.EpisodeContextIntent])
	require.Len(t, ep.FactIDs, 2)

	reached := make(map[string]bool)
	for _, id := range ep.FactIDs {
		f, err := eng.Facts().GetFact(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "user:u1", f.Subject)
		assert.Equal(t, types.PredicateFoundRelevant, f.Predicate)
		assert.Equal(t, res.EpisodeID, f.EpisodeID)
		reached[f.Object] = true
	}
	assert.Equal(t, map[string]bool{"alice": true, "bob": true}, reached)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, published, 1)
	assert.Equal(t, res.EpisodeID, published[0].ID)
	assert.ElementsMatch(t, ep.FactIDs, published[0].FactIDs)

	// Provisional facts do not leak into the next answer.
	again, err := eng.ProcessQuery(ctx, "who works at acme", QueryOptions{UserID: "u1"})
	require.NoError(t, err)
	for _, item := range again.Context.Items {
		if item.Fact != nil {
			assert.NotEqual(t, types.PredicateFoundRelevant, item.Fact.Predicate)
		}
	}
}

func TestProcessQueryExplicitSeeds(t *testing.T) {
	eng := newTestEngine(t)
	storeFact(t, eng, "alice", "works_at", "acme", day(2024, 1, 1))

	res, err := eng.ProcessQuery(context.Background(), "who are the colleagues", QueryOptions{
		UserID:    "u1",
		EntityIDs: []string{"acme"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.StrategyRelational, res.Strategy)
	assert.Equal(t, []string{ItemRelational}, itemKinds(res))
}

func TestProcessQueryValidation(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.ProcessQuery(ctx, "who knows alice", QueryOptions{})
	assert.ErrorIs(t, err, storage.ErrValidation)

	_, err = eng.ProcessQuery(ctx, "   ", QueryOptions{UserID: "u1"})
	assert.ErrorIs(t, err, storage.ErrValidation)
}

func TestProcessQueryCancelled(t *testing.T) {
	eng := newTestEngine(t, WithSearcher(&fakeSearcher{block: true}, &fakeEmbedder{}))
	storeFact(t, eng, "alice", "works_at", "acme", day(2024, 1, 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.ProcessQuery(ctx, "who decides at acme", QueryOptions{UserID: "u1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOrchestratorConfigDefaults(t *testing.T) {
	var cfg OrchestratorConfig
	cfg.normalize()
	assert.Equal(t, 10, cfg.SimilarityLimit)
	assert.Equal(t, 2*time.Second, cfg.SimilarityTimeout)
	assert.Equal(t, 2*time.Second, cfg.RelationalTimeout)
	assert.Equal(t, 20, cfg.RelationalLimit)
	assert.Equal(t, 5, cfg.ConfidenceTopN)

	from := OrchestratorConfigFrom(config.Default())
	assert.Equal(t, 2, from.MaxHops)
	assert.InDelta(t, 0.3, from.ProvisionalConfidence, 1e-9)
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "", failureReason(nil))
	assert.Equal(t, "disabled", failureReason(errSimilarityDisabled))
	assert.Equal(t, "canceled", failureReason(context.Canceled))
	assert.Equal(t, "error", failureReason(errSearchDown))

	parent := context.Background()
	err := branchError(parent, context.DeadlineExceeded, branchSimilarity, time.Second)
	assert.ErrorIs(t, err, storage.ErrUpstreamTimeout)
	assert.Equal(t, "timeout", failureReason(err))
}
