package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/chronicle/internal/config"
	"github.com/scrypster/chronicle/internal/observe"
	"github.com/scrypster/chronicle/internal/storage"
	"github.com/scrypster/chronicle/pkg/types"
)

// FactInput describes a new claim. Subject and entity objects may be raw or
// alias ids; they are resolved before storage.
type FactInput struct {
	Subject    string           `json:"subject"`
	Predicate  string           `json:"predicate"`
	Object     string           `json:"object"`
	ObjectKind types.ObjectKind `json:"object_kind,omitempty"` // default: entity
	Confidence float64          `json:"confidence"`
	ValidFrom  time.Time        `json:"valid_from"`
	Source     string           `json:"source,omitempty"` // default: user_statement
	EpisodeID  string           `json:"episode_id,omitempty"`
}

// FactService is the fact store API: append-only bitemporal writes,
// interval-aware reads, and confidence maintenance.
type FactService struct {
	store    storage.Backend
	resolver *EntityResolver
	scorer   *ConfidenceScorer
	matcher  CorroborationMatcher
	metrics  *observe.Metrics
	now      func() time.Time

	boost    float64
	boostCap float64
	maxHops  int
	limit    int
}

// NewFactService wires a fact service over store.
func NewFactService(store storage.Backend, resolver *EntityResolver, scorer *ConfidenceScorer, cfg config.EngineConfig, metrics *observe.Metrics) *FactService {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	s := &FactService{
		store:    store,
		resolver: resolver,
		scorer:   scorer,
		matcher:  DefaultCorroborationMatcher,
		metrics:  metrics,
		now:      time.Now,
		boost:    cfg.CorroborationBoost,
		boostCap: cfg.CorroborationCap,
		maxHops:  cfg.MaxHops,
		limit:    cfg.RelationalLimit,
	}
	if s.boostCap <= 0 || s.boostCap > 1 {
		s.boostCap = 1
	}
	return s
}

// SetCorroborationMatcher replaces the predicate deciding which facts agree.
func (s *FactService) SetCorroborationMatcher(m CorroborationMatcher) {
	if m != nil {
		s.matcher = m
	}
}

// Scorer returns the scorer used for ranking.
func (s *FactService) Scorer() *ConfidenceScorer {
	return s.scorer
}

// StoreFact validates, resolves and persists a new fact, creating entity
// records for unseen ids. Duplicate claims are stored as independent facts;
// open facts from other sources that agree with the new one are boosted.
func (s *FactService) StoreFact(ctx context.Context, in FactInput) (*types.Fact, error) {
	fact, err := newFact(in)
	if err != nil {
		return nil, err
	}
	kind := fact.ObjectKind

	refs := []string{fact.Subject}
	if kind == types.ObjectEntity {
		refs = append(refs, fact.Object)
	}

	var boosted int
	err = s.resolver.ResolveWith(refs, func(canonical []string) error {
		fact.Subject = canonical[0]
		if kind == types.ObjectEntity {
			fact.Object = canonical[1]
		}

		at := s.now().UTC()
		for _, id := range canonical {
			if err := s.store.EnsureEntity(ctx, id, at); err != nil {
				return err
			}
		}
		if err := s.store.InsertFact(ctx, fact); err != nil {
			return err
		}
		boosted = s.corroborate(ctx, fact)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store fact: %w", err)
	}

	s.metrics.RecordFactStored(ctx, fact.Source)
	s.metrics.RecordCorroborations(ctx, boosted)
	return fact, nil
}

// newFact builds and validates a fact from in, applying defaults.
func newFact(in FactInput) (*types.Fact, error) {
	kind := in.ObjectKind
	if kind == "" {
		kind = types.ObjectEntity
	}
	source := strings.TrimSpace(in.Source)
	if source == "" {
		source = types.SourceUserStatement
	}

	fact := &types.Fact{
		ID:         uuid.NewString(),
		Subject:    strings.TrimSpace(in.Subject),
		Predicate:  strings.TrimSpace(in.Predicate),
		Object:     strings.TrimSpace(in.Object),
		ObjectKind: kind,
		Confidence: in.Confidence,
		ValidFrom:  in.ValidFrom.UTC(),
		Source:     source,
		EpisodeID:  strings.TrimSpace(in.EpisodeID),
	}
	if err := fact.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}
	return fact, nil
}

// corroborate boosts open facts that agree with fact. Failures are logged;
// the new fact is already durable.
func (s *FactService) corroborate(ctx context.Context, fact *types.Fact) int {
	if s.boost <= 0 {
		return 0
	}
	candidates, err := s.store.FactsBySubjectPredicate(ctx, fact.Subject, fact.Predicate, true)
	if err != nil {
		observe.Logger(ctx).Warn("corroboration lookup failed", "fact_id", fact.ID, "err", err)
		return 0
	}

	boosted := 0
	for i := range candidates {
		c := &candidates[i]
		if !s.matcher(fact, c) {
			continue
		}
		if _, err := s.store.BoostConfidence(ctx, c.ID, s.boost, s.boostCap); err != nil {
			observe.Logger(ctx).Warn("corroboration boost failed", "fact_id", c.ID, "err", err)
			continue
		}
		boosted++
	}
	return boosted
}

// GetFact returns a fact by id.
func (s *FactService) GetFact(ctx context.Context, id string) (*types.Fact, error) {
	return s.store.GetFact(ctx, id)
}

// GetCurrentFacts returns the facts entityID (or its canonical entity)
// participates in that are current at asOf, most confident first, then most
// recent. A zero asOf means now.
func (s *FactService) GetCurrentFacts(ctx context.Context, entityID string, asOf time.Time) ([]types.Fact, error) {
	canonical := s.resolver.Resolve(entityID)
	if canonical == "" {
		return nil, fmt.Errorf("%w: entity id is required", storage.ErrValidation)
	}
	if asOf.IsZero() {
		asOf = s.now()
	}

	facts, err := s.store.FactsForEntities(ctx, []string{canonical}, storage.FactQuery{AsOf: asOf.UTC()})
	if err != nil {
		return nil, fmt.Errorf("current facts for %s: %w", canonical, err)
	}
	slices.SortStableFunc(facts, compareByConfidence)
	return facts, nil
}

// compareByConfidence orders by confidence desc, then validFrom desc, then id.
func compareByConfidence(a, b types.Fact) int {
	if a.Confidence != b.Confidence {
		if a.Confidence > b.Confidence {
			return -1
		}
		return 1
	}
	if c := b.ValidFrom.Compare(a.ValidFrom); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// HasCurrentFacts reports whether any of entityIDs has a fact current at at.
func (s *FactService) HasCurrentFacts(ctx context.Context, entityIDs []string, at time.Time) (bool, error) {
	ids := s.resolver.ResolveAll(entityIDs)
	if len(ids) == 0 {
		return false, nil
	}
	facts, err := s.store.FactsForEntities(ctx, ids, storage.FactQuery{AsOf: at.UTC(), Limit: 1})
	if err != nil {
		return false, err
	}
	return len(facts) > 0, nil
}

// CloseFact ends an open fact's validity at validTo. It is the only
// mutation a fact's interval ever receives.
func (s *FactService) CloseFact(ctx context.Context, id string, validTo time.Time) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: fact id is required", storage.ErrValidation)
	}
	if validTo.IsZero() {
		return fmt.Errorf("%w: valid_to is required", storage.ErrValidation)
	}
	if err := s.store.CloseFact(ctx, id, validTo.UTC()); err != nil {
		return err
	}
	s.metrics.RecordFactClosed(ctx)
	return nil
}

// Supersede records a change in truth: old is closed at the replacement's
// ValidFrom and the replacement is stored, atomically. The replacement must
// name the same subject (after alias resolution) and predicate as old and
// start after it. On any error old is left as it was.
func (s *FactService) Supersede(ctx context.Context, oldID string, in FactInput) (*types.Fact, error) {
	old, err := s.store.GetFact(ctx, oldID)
	if err != nil {
		return nil, err
	}
	fact, err := newFact(in)
	if err != nil {
		return nil, err
	}
	if old.ValidTo != nil {
		return nil, fmt.Errorf("%w: fact %s", storage.ErrAlreadyClosed, oldID)
	}
	if !fact.ValidFrom.After(old.ValidFrom) {
		return nil, fmt.Errorf("%w: replacement must start after %s", storage.ErrValidation, old.ValidFrom.Format(time.RFC3339))
	}
	if !strings.EqualFold(fact.Predicate, old.Predicate) {
		return nil, fmt.Errorf("%w: replacement predicate %q does not match %q", storage.ErrValidation, fact.Predicate, old.Predicate)
	}
	kind := fact.ObjectKind

	refs := []string{old.Subject, fact.Subject}
	if kind == types.ObjectEntity {
		refs = append(refs, fact.Object)
	}

	var boosted int
	err = s.resolver.ResolveWith(refs, func(canonical []string) error {
		if canonical[0] != canonical[1] {
			return fmt.Errorf("%w: replacement subject %q does not match %q", storage.ErrValidation, canonical[1], canonical[0])
		}
		fact.Subject = canonical[1]
		if kind == types.ObjectEntity {
			fact.Object = canonical[2]
		}

		at := s.now().UTC()
		for _, id := range canonical[1:] {
			if err := s.store.EnsureEntity(ctx, id, at); err != nil {
				return err
			}
		}
		if err := s.store.SupersedeFact(ctx, oldID, fact.ValidFrom, fact); err != nil {
			return err
		}
		boosted = s.corroborate(ctx, fact)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("supersede fact %s: %w", oldID, err)
	}

	s.metrics.RecordFactClosed(ctx)
	s.metrics.RecordFactStored(ctx, fact.Source)
	s.metrics.RecordCorroborations(ctx, boosted)
	return fact, nil
}

// DecayConfidence multiplies a fact's confidence by rate (0 < rate <= 1)
// and returns the new value.
func (s *FactService) DecayConfidence(ctx context.Context, id string, rate float64) (float64, error) {
	return s.decay(ctx, id, rate, "api")
}

func (s *FactService) decay(ctx context.Context, id string, rate float64, trigger string) (float64, error) {
	if !validDecayRate(rate) {
		return 0, fmt.Errorf("%w: decay rate must be in (0,1], got %v", storage.ErrValidation, rate)
	}
	c, err := s.store.ScaleConfidence(ctx, id, rate)
	if err != nil {
		return 0, err
	}
	s.metrics.RecordDecay(ctx, trigger, 1)
	return c, nil
}

// GetEntityHistory returns every fact about the entity across all time,
// closed ones included, newest first.
func (s *FactService) GetEntityHistory(ctx context.Context, entityID string) ([]types.Fact, error) {
	canonical := s.resolver.Resolve(entityID)
	if canonical == "" {
		return nil, fmt.Errorf("%w: entity id is required", storage.ErrValidation)
	}
	facts, err := s.store.FactsForEntities(ctx, []string{canonical}, storage.FactQuery{})
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", canonical, err)
	}
	slices.SortStableFunc(facts, func(a, b types.Fact) int {
		if c := b.ValidFrom.Compare(a.ValidFrom); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return facts, nil
}
