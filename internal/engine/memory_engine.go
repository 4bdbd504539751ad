package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scrypster/chronicle/internal/config"
	"github.com/scrypster/chronicle/internal/observe"
	"github.com/scrypster/chronicle/internal/search"
	"github.com/scrypster/chronicle/internal/storage"
	"github.com/scrypster/chronicle/pkg/types"
)

// ErrNotStarted is returned by Engine operations called before Start.
var ErrNotStarted = errors.New("engine not started")

// Engine wires the fact store, entity resolver, scorer, orchestrator and
// decay sweeper over one storage backend, and owns their lifecycle.
type Engine struct {
	store   storage.Backend
	cfg     *config.Config
	metrics *observe.Metrics

	resolver       *EntityResolver
	scorer         *ConfidenceScorer
	facts          *FactService
	episodes       *EpisodeRecorder
	contradictions *ContradictionDetector
	orchestrator   *Orchestrator
	sweeper        *DecaySweeper

	// Background sweeper
	sweepWG     sync.WaitGroup
	sweepCancel context.CancelFunc

	// State management
	started bool
	mu      sync.RWMutex
}

// EngineOption configures an Engine.
type EngineOption func(*engineOptions)

type engineOptions struct {
	searcher search.Searcher
	embedder Embedder
	metrics  *observe.Metrics
	now      func() time.Time
}

// WithSearcher enables the similarity branch of query processing.
func WithSearcher(searcher search.Searcher, embedder Embedder) EngineOption {
	return func(o *engineOptions) {
		o.searcher = searcher
		o.embedder = embedder
	}
}

// WithEngineMetrics sets the metrics sink shared by every component.
func WithEngineMetrics(m *observe.Metrics) EngineOption {
	return func(o *engineOptions) { o.metrics = m }
}

// WithEngineClock overrides the wall clock used by every component.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(o *engineOptions) { o.now = now }
}

// New creates an engine over store. A nil cfg uses config.Default().
func New(store storage.Backend, cfg *config.Config, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("storage backend is required")
	}
	if cfg == nil {
		cfg = config.Default()
	}

	o := engineOptions{metrics: observe.DefaultMetrics(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.now == nil {
		o.now = time.Now
	}

	e := &Engine{store: store, cfg: cfg, metrics: o.metrics}
	e.resolver = NewEntityResolver(store, o.metrics)
	e.resolver.now = o.now
	e.scorer = NewConfidenceScorer(cfg.Scorer)
	e.facts = NewFactService(store, e.resolver, e.scorer, cfg.Engine, o.metrics)
	e.facts.now = o.now
	e.episodes = NewEpisodeRecorder(store)
	e.episodes.now = o.now
	e.contradictions = NewContradictionDetector(e.facts)
	e.sweeper = NewDecaySweeper(e.facts, cfg.Engine)

	orchOpts := []Option{WithMetrics(o.metrics), WithClock(o.now)}
	if o.searcher != nil && o.embedder != nil {
		orchOpts = append(orchOpts, WithSimilarity(o.searcher, o.embedder))
	}
	e.orchestrator = NewOrchestrator(e.facts, e.episodes, store, OrchestratorConfigFrom(cfg), orchOpts...)
	return e, nil
}

// Start loads persisted entity redirects and starts the decay sweeper.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("engine already started")
	}
	if err := e.resolver.Load(ctx); err != nil {
		return fmt.Errorf("load entity redirects: %w", err)
	}

	sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.sweepCancel = cancel
	e.sweepWG.Add(1)
	go func() {
		defer e.sweepWG.Done()
		e.sweeper.Run(sweepCtx)
	}()

	e.started = true
	slog.Info("engine started",
		"sweep_interval", e.cfg.Engine.SweepInterval,
		"similarity", e.orchestrator.searcher != nil,
	)
	return nil
}

// Shutdown stops the sweeper and waits for it to exit or ctx to expire.
// The storage backend is left open; its owner closes it.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return ErrNotStarted
	}
	if e.sweepCancel != nil {
		e.sweepCancel()
	}

	done := make(chan struct{})
	go func() {
		e.sweepWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown: waiting for sweeper: %w", ctx.Err())
	}

	e.started = false
	slog.Info("engine shut down")
	return nil
}

func (e *Engine) checkStarted() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.started {
		return ErrNotStarted
	}
	return nil
}

// Facts returns the fact service.
func (e *Engine) Facts() *FactService { return e.facts }

// Resolver returns the entity resolver.
func (e *Engine) Resolver() *EntityResolver { return e.resolver }

// Episodes returns the episode recorder.
func (e *Engine) Episodes() *EpisodeRecorder { return e.episodes }

// Orchestrator returns the query orchestrator.
func (e *Engine) Orchestrator() *Orchestrator { return e.orchestrator }

// Contradictions returns the contradiction detector.
func (e *Engine) Contradictions() *ContradictionDetector { return e.contradictions }

// Sweeper returns the decay sweeper.
func (e *Engine) Sweeper() *DecaySweeper { return e.sweeper }

// ProcessQuery answers a query through the orchestrator.
func (e *Engine) ProcessQuery(ctx context.Context, query string, opts QueryOptions) (*QueryResult, error) {
	if err := e.checkStarted(); err != nil {
		return nil, err
	}
	return e.orchestrator.ProcessQuery(ctx, query, opts)
}

// StoreFact stores a new fact.
func (e *Engine) StoreFact(ctx context.Context, in FactInput) (*types.Fact, error) {
	if err := e.checkStarted(); err != nil {
		return nil, err
	}
	return e.facts.StoreFact(ctx, in)
}

// GetEntityHistory returns all facts about an entity, newest first.
func (e *Engine) GetEntityHistory(ctx context.Context, entityID string) ([]types.Fact, error) {
	return e.facts.GetEntityHistory(ctx, entityID)
}

// MergeEntities declares ids to be the same real-world entity as canonicalID.
func (e *Engine) MergeEntities(ctx context.Context, ids []string, canonicalID string) (*MergeResult, error) {
	if err := e.checkStarted(); err != nil {
		return nil, err
	}
	return e.resolver.Merge(ctx, ids, canonicalID)
}

// SetOnEpisodeRecorded registers a callback fired after each query episode
// is finalised.
func (e *Engine) SetOnEpisodeRecorded(fn func(*types.Episode)) {
	e.episodes.OnRecorded(fn)
}

// GetFact returns a fact by id.
func (e *Engine) GetFact(ctx context.Context, id string) (*types.Fact, error) {
	return e.facts.GetFact(ctx, id)
}

// CloseFact ends an open fact's validity at validTo.
func (e *Engine) CloseFact(ctx context.Context, id string, validTo time.Time) error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	return e.facts.CloseFact(ctx, id, validTo)
}

// Supersede closes oldID at in.ValidFrom and stores in.
func (e *Engine) Supersede(ctx context.Context, oldID string, in FactInput) (*types.Fact, error) {
	if err := e.checkStarted(); err != nil {
		return nil, err
	}
	return e.facts.Supersede(ctx, oldID, in)
}

// DecayConfidence multiplies a fact's confidence by rate.
func (e *Engine) DecayConfidence(ctx context.Context, id string, rate float64) (float64, error) {
	if err := e.checkStarted(); err != nil {
		return 0, err
	}
	return e.facts.DecayConfidence(ctx, id, rate)
}

// GetCurrentFacts returns the facts about an entity current at asOf.
func (e *Engine) GetCurrentFacts(ctx context.Context, entityID string, asOf time.Time) ([]types.Fact, error) {
	return e.facts.GetCurrentFacts(ctx, entityID, asOf)
}

// DetectContradictions reports conflicting current facts about an entity.
func (e *Engine) DetectContradictions(ctx context.Context, entityID string, asOf time.Time) ([]Contradiction, error) {
	return e.contradictions.Detect(ctx, entityID, asOf)
}

// ResolveEntity returns the resolution record for a raw entity id.
func (e *Engine) ResolveEntity(ctx context.Context, id string) (*types.ResolutionRecord, error) {
	canonical := e.resolver.Resolve(id)
	if canonical == "" {
		return nil, fmt.Errorf("%w: entity id is required", storage.ErrValidation)
	}
	ent, err := e.store.GetEntity(ctx, canonical)
	if err != nil {
		return nil, err
	}
	rec := ent.Resolution()
	rec.Aliases = e.resolver.Aliases(canonical)
	return &rec, nil
}

// GetEpisode returns an episode by id.
func (e *Engine) GetEpisode(ctx context.Context, id string) (*types.Episode, error) {
	return e.episodes.GetEpisode(ctx, id)
}

// Sweep runs one decay sweep immediately.
func (e *Engine) Sweep(ctx context.Context) (SweepStats, error) {
	return e.sweeper.Sweep(ctx)
}
