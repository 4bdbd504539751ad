package engine

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/chronicle/internal/storage"
	"github.com/scrypster/chronicle/pkg/types"
)

func TestEmploymentHistory(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	facts := eng.Facts()

	acme := storeFact(t, eng, "alice", "works_at", "acme", day(2020, 1, 1))
	require.NoError(t, facts.CloseFact(ctx, acme.ID, day(2023, 6, 1)))
	globex := storeFact(t, eng, "alice", "works_at", "globex", day(2023, 6, 1))

	tests := []struct {
		name string
		asOf string
		want []string
	}{
		{"before any fact", "2019-06-01", nil},
		{"while at acme", "2022-01-01", []string{acme.ID}},
		{"on the switch day", "2023-06-01", []string{globex.ID}},
		{"after the switch", "2024-01-01", []string{globex.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at, err := parseDay(tt.asOf)
			require.NoError(t, err)
			got, err := facts.GetCurrentFacts(ctx, "alice", at)
			require.NoError(t, err)
			assert.Equal(t, tt.want, nilIfEmpty(factIDs(got)))
		})
	}

	history, err := facts.GetEntityHistory(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{globex.ID, acme.ID}, factIDs(history))
	require.NotNil(t, history[1].ValidTo)
	assert.True(t, history[1].ValidTo.Equal(day(2023, 6, 1)))

	// The organisation sees its side of the relationship too.
	history, err = facts.GetEntityHistory(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{acme.ID}, factIDs(history))
}

func TestGetCurrentFactsOrdering(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	low := storeFactInput(t, eng, FactInput{Subject: "alice", Predicate: "knows", Object: "bob", Confidence: 0.4, ValidFrom: day(2024, 1, 1)})
	highOld := storeFactInput(t, eng, FactInput{Subject: "alice", Predicate: "knows", Object: "carol", Confidence: 0.8, ValidFrom: day(2023, 1, 1)})
	highNew := storeFactInput(t, eng, FactInput{Subject: "alice", Predicate: "knows", Object: "dave", Confidence: 0.8, ValidFrom: day(2024, 1, 1)})

	got, err := eng.Facts().GetCurrentFacts(ctx, "alice", testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{highNew.ID, highOld.ID, low.ID}, factIDs(got))
}

func TestStoreFactValidation(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   FactInput
	}{
		{"missing subject", FactInput{Predicate: "knows", Object: "bob", Confidence: 0.5, ValidFrom: testNow}},
		{"missing predicate", FactInput{Subject: "alice", Object: "bob", Confidence: 0.5, ValidFrom: testNow}},
		{"missing object", FactInput{Subject: "alice", Predicate: "knows", Confidence: 0.5, ValidFrom: testNow}},
		{"confidence above one", FactInput{Subject: "alice", Predicate: "knows", Object: "bob", Confidence: 1.5, ValidFrom: testNow}},
		{"negative confidence", FactInput{Subject: "alice", Predicate: "knows", Object: "bob", Confidence: -0.1, ValidFrom: testNow}},
		{"NaN confidence", FactInput{Subject: "alice", Predicate: "knows", Object: "bob", Confidence: math.NaN(), ValidFrom: testNow}},
		{"missing valid_from", FactInput{Subject: "alice", Predicate: "knows", Object: "bob", Confidence: 0.5}},
		{"unknown object kind", FactInput{Subject: "alice", Predicate: "knows", Object: "bob", ObjectKind: "blob", Confidence: 0.5, ValidFrom: testNow}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Facts().StoreFact(ctx, tt.in)
			assert.ErrorIs(t, err, storage.ErrValidation)
		})
	}

	// Nothing was persisted.
	history, err := eng.Facts().GetEntityHistory(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStoreFactDefaults(t *testing.T) {
	eng := newTestEngine(t)

	f := storeFact(t, eng, " alice ", "knows", "bob", day(2024, 1, 1))
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, "alice", f.Subject)
	assert.Equal(t, types.ObjectEntity, f.ObjectKind)
	assert.Equal(t, types.SourceUserStatement, f.Source)
	assert.Nil(t, f.ValidTo)

	existing, err := eng.store.ExistingEntities(context.Background(), []string{"alice", "bob", "carol"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, existing)
}

func TestLiteralObjectsAreNotEntities(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	storeFactInput(t, eng, FactInput{
		Subject: "alice", Predicate: "title", Object: "VP Sales",
		ObjectKind: types.ObjectLiteral, Confidence: 0.9, ValidFrom: day(2024, 1, 1),
	})

	existing, err := eng.store.ExistingEntities(ctx, []string{"alice", "VP Sales"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, existing)

	// A merge touching a same-named entity leaves the literal alone.
	_, err = eng.MergeEntities(ctx, []string{"VP Sales"}, "vp-sales")
	require.NoError(t, err)
	current, err := eng.Facts().GetCurrentFacts(ctx, "alice", testNow)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "VP Sales", current[0].Object)
}

func TestCloseFact(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	facts := eng.Facts()

	f := storeFact(t, eng, "alice", "works_at", "acme", day(2020, 1, 1))

	require.NoError(t, facts.CloseFact(ctx, f.ID, day(2023, 1, 1)))
	// Closing again with the same value is a no-op.
	require.NoError(t, facts.CloseFact(ctx, f.ID, day(2023, 1, 1)))

	err := facts.CloseFact(ctx, f.ID, day(2024, 1, 1))
	assert.ErrorIs(t, err, storage.ErrAlreadyClosed)

	err = facts.CloseFact(ctx, "missing", day(2024, 1, 1))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	other := storeFact(t, eng, "alice", "knows", "bob", day(2020, 1, 1))
	err = facts.CloseFact(ctx, other.ID, day(2019, 1, 1))
	assert.ErrorIs(t, err, storage.ErrValidation)
	err = facts.CloseFact(ctx, other.ID, day(2020, 1, 1))
	assert.ErrorIs(t, err, storage.ErrValidation, "valid_to must be strictly after valid_from")

	got, err := facts.GetFact(ctx, f.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ValidTo)
	assert.True(t, got.ValidTo.Equal(day(2023, 1, 1)))
}

func TestSupersede(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	facts := eng.Facts()

	old := storeFact(t, eng, "alice", "reports_to", "bob", day(2022, 1, 1))

	_, err := facts.Supersede(ctx, old.ID, FactInput{
		Subject: "alice", Predicate: "reports_to", Object: "carol", Confidence: 0.9, ValidFrom: day(2021, 1, 1),
	})
	assert.ErrorIs(t, err, storage.ErrValidation)

	_, err = facts.Supersede(ctx, old.ID, FactInput{Subject: "alice", Predicate: "reports_to", ValidFrom: day(2024, 1, 1)})
	assert.ErrorIs(t, err, storage.ErrValidation)

	unchanged, err := facts.GetFact(ctx, old.ID)
	require.NoError(t, err)
	assert.Nil(t, unchanged.ValidTo, "failed supersede must not close the old fact")

	replacement, err := facts.Supersede(ctx, old.ID, FactInput{
		Subject: "alice", Predicate: "reports_to", Object: "carol", Confidence: 0.9, ValidFrom: day(2024, 1, 1),
	})
	require.NoError(t, err)

	closed, err := facts.GetFact(ctx, old.ID)
	require.NoError(t, err)
	require.NotNil(t, closed.ValidTo)
	assert.True(t, closed.ValidTo.Equal(day(2024, 1, 1)))

	current, err := facts.GetCurrentFacts(ctx, "alice", testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{replacement.ID}, factIDs(current))

	_, err = facts.Supersede(ctx, "missing", FactInput{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSupersedeFailureKeepsOldFactCurrent(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	facts := eng.Facts()

	old := storeFact(t, eng, "alice", "works_at", "acme", day(2020, 1, 1))

	_, err := facts.Supersede(ctx, old.ID, FactInput{
		Subject: "alice", Predicate: "works_at", Object: "globex", Confidence: 0.9,
		ValidFrom: day(2023, 1, 1), EpisodeID: "no-such-episode",
	})
	require.ErrorIs(t, err, storage.ErrNotFound)

	got, err := facts.GetFact(ctx, old.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ValidTo)

	current, err := facts.GetCurrentFacts(ctx, "alice", testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, factIDs(current))

	history, err := facts.GetEntityHistory(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, history, 1, "no replacement was written")
}

func TestSupersedeRequiresSameSubjectAndPredicate(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	facts := eng.Facts()

	old := storeFact(t, eng, "alice", "works_at", "acme", day(2020, 1, 1))

	tests := []struct {
		name string
		in   FactInput
	}{
		{"other subject and predicate", FactInput{Subject: "bob", Predicate: "LIVES_IN", Object: "paris"}},
		{"other subject", FactInput{Subject: "bob", Predicate: "works_at", Object: "globex"}},
		{"other predicate", FactInput{Subject: "alice", Predicate: "lives_in", Object: "paris"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.Confidence = 0.9
			tt.in.ValidFrom = day(2023, 1, 1)
			_, err := facts.Supersede(ctx, old.ID, tt.in)
			assert.ErrorIs(t, err, storage.ErrValidation)

			got, err := facts.GetFact(ctx, old.ID)
			require.NoError(t, err)
			assert.Nil(t, got.ValidTo)
		})
	}

	// An alias of the subject and a differently cased predicate still match.
	_, err := eng.MergeEntities(ctx, []string{"al"}, "alice")
	require.NoError(t, err)
	replacement, err := facts.Supersede(ctx, old.ID, FactInput{
		Subject: "al", Predicate: "WORKS_AT", Object: "globex", Confidence: 0.9, ValidFrom: day(2023, 1, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", replacement.Subject)

	current, err := facts.GetCurrentFacts(ctx, "alice", testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{replacement.ID}, factIDs(current))

	_, err = facts.Supersede(ctx, old.ID, FactInput{
		Subject: "alice", Predicate: "works_at", Object: "initech", Confidence: 0.9, ValidFrom: day(2024, 1, 1),
	})
	assert.ErrorIs(t, err, storage.ErrAlreadyClosed)
}

func TestDecayConfidence(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	facts := eng.Facts()

	f := storeFactInput(t, eng, FactInput{Subject: "alice", Predicate: "knows", Object: "bob", Confidence: 0.8, ValidFrom: day(2024, 1, 1)})

	prev := f.Confidence
	for _, rate := range []float64{0.9, 1, 0.5, 0.99} {
		c, err := facts.DecayConfidence(ctx, f.ID, rate)
		require.NoError(t, err)
		assert.LessOrEqual(t, c, prev)
		assert.InDelta(t, prev*rate, c, 1e-9)
		prev = c
	}

	for _, rate := range []float64{0, -0.5, 1.01, math.NaN()} {
		_, err := facts.DecayConfidence(ctx, f.ID, rate)
		assert.ErrorIs(t, err, storage.ErrValidation, "rate %v", rate)
	}

	_, err := facts.DecayConfidence(ctx, "missing", 0.5)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCorroborationBoostsAgreeingFacts(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	facts := eng.Facts()

	first := storeFactInput(t, eng, FactInput{Subject: "alice", Predicate: "works_at", Object: "acme", Confidence: 0.5, ValidFrom: day(2024, 1, 1)})

	// Same source again: a republication, not corroboration.
	storeFactInput(t, eng, FactInput{Subject: "alice", Predicate: "works_at", Object: "acme", Confidence: 0.5, ValidFrom: day(2024, 2, 1)})
	got, err := facts.GetFact(ctx, first.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got.Confidence, 1e-9)

	// Different source, same claim modulo case.
	storeFactInput(t, eng, FactInput{Subject: "alice", Predicate: "WORKS_AT", Object: "acme", Confidence: 0.7, ValidFrom: day(2024, 3, 1), Source: "document"})
	got, err = facts.GetFact(ctx, first.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.65, got.Confidence, 1e-9) // 0.5 + 0.5*0.3

	// Disagreeing claims are left alone.
	storeFactInput(t, eng, FactInput{Subject: "alice", Predicate: "works_at", Object: "globex", Confidence: 0.7, ValidFrom: day(2024, 4, 1), Source: "email"})
	got, err = facts.GetFact(ctx, first.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.65, got.Confidence, 1e-9)
}

func TestCorroborationRespectsCap(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	first := storeFactInput(t, eng, FactInput{Subject: "alice", Predicate: "title", Object: "VP Sales", ObjectKind: types.ObjectLiteral, Confidence: 0.9, ValidFrom: day(2024, 1, 1)})
	for _, src := range []string{"document", "email", "note"} {
		storeFactInput(t, eng, FactInput{Subject: "alice", Predicate: "title", Object: "vp  sales", ObjectKind: types.ObjectLiteral, Confidence: 0.9, ValidFrom: day(2024, 2, 1), Source: src})
	}

	got, err := eng.Facts().GetFact(ctx, first.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.95, got.Confidence, 1e-9)
}

func TestCustomCorroborationMatcher(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	eng.Facts().SetCorroborationMatcher(func(fact, candidate *types.Fact) bool {
		return fact.ID != candidate.ID && fact.Subject == candidate.Subject
	})

	first := storeFactInput(t, eng, FactInput{Subject: "alice", Predicate: "works_at", Object: "acme", Confidence: 0.5, ValidFrom: day(2024, 1, 1)})
	storeFactInput(t, eng, FactInput{Subject: "alice", Predicate: "works_at", Object: "globex", Confidence: 0.5, ValidFrom: day(2024, 2, 1)})

	got, err := eng.Facts().GetFact(ctx, first.ID)
	require.NoError(t, err)
	assert.Greater(t, got.Confidence, 0.5)
}

func TestHasCurrentFacts(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	facts := eng.Facts()

	f := storeFact(t, eng, "alice", "works_at", "acme", day(2020, 1, 1))
	require.NoError(t, facts.CloseFact(ctx, f.ID, day(2023, 1, 1)))

	ok, err := facts.HasCurrentFacts(ctx, []string{"acme"}, day(2022, 1, 1))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = facts.HasCurrentFacts(ctx, []string{"acme"}, testNow)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = facts.HasCurrentFacts(ctx, nil, testNow)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngineRequiresStart(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Shutdown(ctx))
	_, err := eng.StoreFact(ctx, FactInput{Subject: "a", Predicate: "knows", Object: "b", Confidence: 1, ValidFrom: testNow})
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = eng.ProcessQuery(ctx, "who knows a", QueryOptions{UserID: "u1"})
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, eng.Shutdown(ctx), ErrNotStarted)

	require.NoError(t, eng.Start(ctx))
	assert.Error(t, eng.Start(ctx))
}
