package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/chronicle/internal/storage"
)

func TestResolveUnknownIsIdentity(t *testing.T) {
	eng := newTestEngine(t)
	r := eng.Resolver()

	assert.Equal(t, "nobody", r.Resolve("nobody"))
	assert.Equal(t, "nobody", r.Resolve("  nobody "))
	assert.Equal(t, []string{"a", "b"}, r.ResolveAll([]string{"a", " ", "a", "b"}))
	assert.Empty(t, r.Aliases("nobody"))
}

func TestMergeRewritesFacts(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	f := storeFact(t, eng, "alice", "works_at", "acme-inc", day(2024, 1, 1))

	res, err := eng.MergeEntities(ctx, []string{"acme-inc"}, "acme")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, []string{"acme-inc"}, res.Absorbed)
	assert.Equal(t, "acme", eng.Resolver().Resolve("acme-inc"))

	got, err := eng.Facts().GetFact(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Object)

	// Reads through the alias land on the canonical entity.
	current, err := eng.Facts().GetCurrentFacts(ctx, "acme-inc", testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{f.ID}, factIDs(current))
}

func TestMergeIsTransitive(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	storeFact(t, eng, "alice", "works_at", "acme-inc", day(2024, 1, 1))
	storeFact(t, eng, "bob", "works_at", "acme", day(2024, 2, 1))

	_, err := eng.MergeEntities(ctx, []string{"acme-inc", "acme"}, "acme")
	require.NoError(t, err)
	_, err = eng.MergeEntities(ctx, []string{"acme", "acme-corp"}, "acme-corp")
	require.NoError(t, err)

	r := eng.Resolver()
	for _, id := range []string{"acme-inc", "acme", "acme-corp"} {
		assert.Equal(t, "acme-corp", r.Resolve(id), id)
	}
	assert.Equal(t, []string{"acme", "acme-inc"}, r.Aliases("acme-corp"))

	current, err := eng.Facts().GetCurrentFacts(ctx, "acme-inc", testNow)
	require.NoError(t, err)
	require.Len(t, current, 2)
	for _, f := range current {
		assert.Equal(t, "acme-corp", f.Object)
	}

	ent, err := eng.store.GetEntity(ctx, "acme-corp")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"acme", "acme-inc"}, ent.MergedFrom)
}

func TestMergeIsIdempotent(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.MergeEntities(ctx, []string{"a", "b"}, "c")
	require.NoError(t, err)

	again, err := eng.MergeEntities(ctx, []string{"a", "b"}, "c")
	require.NoError(t, err)
	assert.False(t, again.Applied)
	assert.Empty(t, again.Absorbed)
	assert.Equal(t, []string{"a", "b"}, again.Aliases)
}

func TestMergeIntoFormerAlias(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	storeFact(t, eng, "alice", "knows", "bob", day(2024, 1, 1))
	_, err := eng.MergeEntities(ctx, []string{"robert"}, "bob")
	require.NoError(t, err)

	// Reverse the direction: bob now becomes an alias of robert.
	_, err = eng.MergeEntities(ctx, []string{"bob"}, "robert")
	require.NoError(t, err)

	r := eng.Resolver()
	assert.Equal(t, "robert", r.Resolve("bob"))
	assert.Equal(t, "robert", r.Resolve("robert"))

	current, err := eng.Facts().GetCurrentFacts(ctx, "alice", testNow)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "robert", current[0].Object)
}

func TestWritesThroughAliasLandOnCanonical(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	// Merging ids that were never seen pre-registers them as aliases.
	_, err := eng.MergeEntities(ctx, []string{"jsmith"}, "john-smith")
	require.NoError(t, err)

	f := storeFact(t, eng, "jsmith", "works_at", "acme", day(2024, 3, 1))
	assert.Equal(t, "john-smith", f.Subject)

	history, err := eng.GetEntityHistory(ctx, "john-smith")
	require.NoError(t, err)
	assert.Equal(t, []string{f.ID}, factIDs(history))
}

func TestConcurrentWritesDuringMergeLandOnCanonical(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	const writers = 20

	var wg sync.WaitGroup
	errs := make(chan error, writers+1)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.StoreFact(ctx, FactInput{
				Subject:    "acme",
				Predicate:  "employs",
				Object:     fmt.Sprintf("worker-%d", i),
				Confidence: 0.9,
				ValidFrom:  day(2024, 1, 1),
			})
			errs <- err
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := eng.MergeEntities(ctx, []string{"acme", "acme-inc"}, "acme-inc"); err != nil {
			errs <- err
			return
		}
		_, err := eng.MergeEntities(ctx, []string{"acme-inc", "acme-corp"}, "acme-corp")
		errs <- err
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	r := eng.Resolver()
	canonical := r.Resolve("acme")
	assert.Equal(t, "acme-corp", canonical)
	assert.Equal(t, canonical, r.Resolve("acme-corp"))
	assert.Equal(t, canonical, r.Resolve("acme-inc"))

	history, err := eng.GetEntityHistory(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, history, writers)
	for _, f := range history {
		assert.Equal(t, canonical, f.Subject, "fact %s", f.ID)
	}

	// No fact may be left behind on an absorbed id.
	for _, id := range []string{"acme", "acme-inc"} {
		stale, err := eng.store.FactsBySubjectPredicate(ctx, id, "employs", false)
		require.NoError(t, err)
		assert.Empty(t, stale, id)
	}
}

func TestMergeValidation(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.MergeEntities(ctx, []string{"a"}, " ")
	assert.ErrorIs(t, err, storage.ErrValidation)

	_, err = eng.MergeEntities(ctx, nil, "a")
	assert.ErrorIs(t, err, storage.ErrValidation)

	_, err = eng.MergeEntities(ctx, []string{"a", ""}, "b")
	assert.ErrorIs(t, err, storage.ErrValidation)
}

func TestLoadRestoresRedirects(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.MergeEntities(ctx, []string{"a"}, "b")
	require.NoError(t, err)
	_, err = eng.MergeEntities(ctx, []string{"b"}, "c")
	require.NoError(t, err)

	fresh := NewEntityResolver(eng.store, nil)
	require.NoError(t, fresh.Load(ctx))
	assert.Equal(t, "c", fresh.Resolve("a"))
	assert.Equal(t, "c", fresh.Resolve("b"))
	assert.Equal(t, []string{"a", "b"}, fresh.Aliases("c"))
}

func TestFollowRedirectsStopsOnCycle(t *testing.T) {
	m := map[string]string{"a": "b", "b": "a"}
	assert.Contains(t, []string{"a", "b"}, followRedirects(m, "a"))
	assert.Equal(t, "z", followRedirects(m, "z"))
}
