package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/chronicle/internal/config"
	"github.com/scrypster/chronicle/internal/observe"
	"github.com/scrypster/chronicle/internal/search"
	"github.com/scrypster/chronicle/internal/storage"
	"github.com/scrypster/chronicle/pkg/types"
)

// Branch names used in warnings, metrics and spans.
const (
	branchSimilarity = "similarity"
	branchRelational = "relational"
)

// errSimilarityDisabled is returned by the similarity branch when no
// searcher or embedder is configured.
var errSimilarityDisabled = errors.New("similarity service not configured")

// Embedder turns query text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OrchestratorConfig tunes query processing.
type OrchestratorConfig struct {
	SimilarityLimit       int
	SimilarityThreshold   float64
	SimilarityTimeout     time.Duration
	RelationalTimeout     time.Duration
	MaxHops               int
	RelationalLimit       int
	ProvisionalConfidence float64
	ConfidenceTopN        int // Items averaged into QueryResult.Confidence
	MaxMentionWords       int // Query words considered for entity mentions
}

// OrchestratorConfigFrom derives an OrchestratorConfig from the application config.
func OrchestratorConfigFrom(cfg *config.Config) OrchestratorConfig {
	return OrchestratorConfig{
		SimilarityLimit:       cfg.Similarity.Limit,
		SimilarityThreshold:   cfg.Similarity.Threshold,
		SimilarityTimeout:     cfg.Similarity.Timeout,
		RelationalTimeout:     cfg.Engine.RelationalTimeout,
		MaxHops:               cfg.Engine.MaxHops,
		RelationalLimit:       cfg.Engine.RelationalLimit,
		ProvisionalConfidence: cfg.Engine.ProvisionalConfidence,
	}
}

func (c *OrchestratorConfig) normalize() {
	if c.SimilarityLimit <= 0 {
		c.SimilarityLimit = 10
	}
	if c.SimilarityTimeout <= 0 {
		c.SimilarityTimeout = 2 * time.Second
	}
	if c.RelationalTimeout <= 0 {
		c.RelationalTimeout = 2 * time.Second
	}
	if c.RelationalLimit <= 0 {
		c.RelationalLimit = 20
	}
	if c.ConfidenceTopN <= 0 {
		c.ConfidenceTopN = 5
	}
	if c.MaxMentionWords <= 0 {
		c.MaxMentionWords = 32
	}
}

// QueryOptions carries the per-query inputs besides the query text.
type QueryOptions struct {
	UserID         string
	EntityIDs      []string       // Extra relational seeds
	Classification Classification // Optional external hint
}

// QueryResult is the orchestrator's answer to one query.
type QueryResult struct {
	Strategy   types.Strategy `json:"strategy"`
	Intent     types.Intent   `json:"intent"`
	Context    *FusedContext  `json:"context"`
	EpisodeID  string         `json:"episode_id,omitempty"`
	Confidence float64        `json:"confidence"`
}

// Orchestrator is the single entry point for query processing: it selects
// a strategy, runs the similarity and relational branches, fuses their hits,
// records the episode and grows the graph with provisional facts.
//
// Branch failures never fail a query. They are logged, counted and
// reported as warnings in the result metadata.
type Orchestrator struct {
	facts    *FactService
	resolver *EntityResolver
	entities storage.EntityStore
	episodes *EpisodeRecorder
	selector *StrategySelector
	fuser    *ResultFuser

	searcher search.Searcher
	embedder Embedder

	cfg     OrchestratorConfig
	metrics *observe.Metrics
	now     func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSimilarity enables the similarity branch.
func WithSimilarity(searcher search.Searcher, embedder Embedder) Option {
	return func(o *Orchestrator) {
		o.searcher = searcher
		o.embedder = embedder
	}
}

// WithMetrics sets the metrics sink (default: observe.DefaultMetrics()).
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator wires an orchestrator. entities is used to recognise
// entity mentions in query text.
func NewOrchestrator(facts *FactService, episodes *EpisodeRecorder, entities storage.EntityStore, cfg OrchestratorConfig, opts ...Option) *Orchestrator {
	cfg.normalize()
	o := &Orchestrator{
		facts:    facts,
		resolver: facts.resolver,
		entities: entities,
		episodes: episodes,
		selector: NewStrategySelector(facts),
		fuser:    NewResultFuser(facts.resolver, facts.scorer, facts, cfg.ProvisionalConfidence),
		cfg:      cfg,
		metrics:  observe.DefaultMetrics(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.selector.now = o.now
	return o
}

// Selector returns the strategy selector.
func (o *Orchestrator) Selector() *StrategySelector {
	return o.selector
}

// branchOutcome collects what the strategy branches produced.
type branchOutcome struct {
	sim      []types.SimilarityHit
	rel      []types.RelationalHit
	warnings []string
	fallback bool
}

func (b *branchOutcome) warn(branch string, err error) {
	b.warnings = append(b.warnings, branch+": "+err.Error())
}

// ProcessQuery answers query for opts.UserID. It returns an error only for
// invalid input or when ctx is cancelled before the results are fused.
func (o *Orchestrator) ProcessQuery(ctx context.Context, query string, opts QueryOptions) (res *QueryResult, err error) {
	if strings.TrimSpace(opts.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", storage.ErrValidation)
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", storage.ErrValidation)
	}

	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "engine.ProcessQuery")
	defer func() { observe.EndSpan(span, err) }()
	log := observe.Logger(ctx)

	mentions := o.mentions(ctx, query, opts.EntityIDs)
	sel := o.selector.Select(ctx, query, opts.Classification, mentions)
	span.SetAttributes(
		attribute.String("strategy", string(sel.Strategy)),
		attribute.String("intent", string(sel.Intent)),
		attribute.Int("mentions", len(mentions)),
	)

	out := o.run(ctx, sel.Strategy, query, mentions)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := o.now().UTC()
	items := o.fuser.Fuse(out.sim, out.rel, now)
	fc := &FusedContext{
		Items: items,
		Metadata: Metadata{
			Strategy:     sel.Strategy,
			Intent:       sel.Intent,
			ResultCount:  len(items),
			FallbackUsed: out.fallback,
			Warnings:     out.warnings,
		},
	}
	res = &QueryResult{
		Strategy:   sel.Strategy,
		Intent:     sel.Intent,
		Context:    fc,
		Confidence: OverallConfidence(items, o.cfg.ConfidenceTopN),
	}

	ep, epErr := o.episodes.CreateEpisode(ctx, EpisodeInput{
		UserID:    opts.UserID,
		Query:     query,
		Timestamp: now,
		Context: map[string]any{
			types.EpisodeContextStrategy:    string(sel.Strategy),
			types.EpisodeContextIntent:      string(sel.Intent),
			types.EpisodeContextResultCount: len(items),
			types.EpisodeContextWarnings:    out.warnings,
			types.EpisodeContextFallback:    out.fallback,
			types.EpisodeContextSelectedBy:  sel.Source,
		},
	})
	if epErr != nil {
		log.Warn("episode not recorded", "err", epErr)
		fc.Metadata.Warnings = append(fc.Metadata.Warnings, "episode: "+epErr.Error())
	} else {
		res.EpisodeID = ep.ID
		ids, warnings := o.fuser.RecordProvisional(ctx, opts.UserID, ep.ID, out.rel, now)
		ep.FactIDs = append(ep.FactIDs, ids...)
		fc.Metadata.Warnings = append(fc.Metadata.Warnings, warnings...)
		o.episodes.Publish(ep)
	}

	fc.Metadata.ProcessingTime = time.Since(start)
	o.metrics.RecordQuery(ctx, string(sel.Strategy), string(sel.Intent), out.fallback, fc.Metadata.ProcessingTime.Seconds())
	log.Debug("query processed",
		"strategy", sel.Strategy,
		"intent", sel.Intent,
		"selected_by", sel.Source,
		"results", len(items),
		"warnings", len(fc.Metadata.Warnings),
		"duration", fc.Metadata.ProcessingTime,
	)
	return res, nil
}

// run executes the chosen strategy. Fused runs both branches concurrently
// and joins them here; single-branch strategies fall back to the other
// branch once when theirs fails or comes back empty.
func (o *Orchestrator) run(ctx context.Context, strategy types.Strategy, query string, mentions []string) *branchOutcome {
	out := &branchOutcome{}

	switch strategy {
	case types.StrategyFused:
		var simErr, relErr error
		eg, egCtx := errgroup.WithContext(ctx)
		eg.Go(func() error {
			out.sim, simErr = o.similarity(egCtx, query)
			return nil
		})
		eg.Go(func() error {
			out.rel, relErr = o.relational(egCtx, mentions)
			return nil
		})
		_ = eg.Wait()
		if simErr != nil {
			out.warn(branchSimilarity, simErr)
		}
		if relErr != nil {
			out.warn(branchRelational, relErr)
		}

	case types.StrategyRelational:
		rel, err := o.relational(ctx, mentions)
		if err != nil {
			out.warn(branchRelational, err)
		}
		out.rel = rel
		if (err != nil || len(rel) == 0) && ctx.Err() == nil {
			out.fallback = true
			sim, simErr := o.similarity(ctx, query)
			if simErr != nil {
				out.warn(branchSimilarity, simErr)
			}
			out.sim = sim
		}

	default:
		sim, err := o.similarity(ctx, query)
		if err != nil {
			out.warn(branchSimilarity, err)
		}
		out.sim = sim
		if (err != nil || len(sim) == 0) && ctx.Err() == nil {
			out.fallback = true
			rel, relErr := o.relational(ctx, mentions)
			if relErr != nil {
				out.warn(branchRelational, relErr)
			}
			out.rel = rel
		}
	}
	return out
}

// similarity embeds the query and searches the similarity service within
// the similarity timeout.
func (o *Orchestrator) similarity(ctx context.Context, query string) (hits []types.SimilarityHit, err error) {
	if o.searcher == nil || o.embedder == nil {
		return nil, errSimilarityDisabled
	}

	start := time.Now()
	parent := ctx
	ctx, span := observe.StartSpan(ctx, "engine.branch.similarity")
	ctx, cancel := context.WithTimeout(ctx, o.cfg.SimilarityTimeout)
	defer cancel()
	defer func() {
		err = branchError(parent, err, branchSimilarity, o.cfg.SimilarityTimeout)
		o.metrics.RecordBranch(parent, branchSimilarity, failureReason(err), time.Since(start).Seconds())
		observe.EndSpan(span, err)
		if err != nil {
			observe.Logger(parent).Warn("similarity branch degraded", "branch", branchSimilarity, "err", err)
		}
	}()

	return awaitBranch(ctx, func(ctx context.Context) ([]types.SimilarityHit, error) {
		vec, err := o.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		return o.searcher.Search(ctx, search.Request{
			Vector:    vec,
			Limit:     o.cfg.SimilarityLimit,
			Threshold: o.cfg.SimilarityThreshold,
		})
	})
}

// relational walks current facts from the mentioned entities within the
// relational timeout. No mentions means nothing to walk.
func (o *Orchestrator) relational(ctx context.Context, seeds []string) (hits []types.RelationalHit, err error) {
	if len(seeds) == 0 {
		return nil, nil
	}

	start := time.Now()
	parent := ctx
	ctx, span := observe.StartSpan(ctx, "engine.branch.relational")
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RelationalTimeout)
	defer cancel()
	defer func() {
		err = branchError(parent, err, branchRelational, o.cfg.RelationalTimeout)
		o.metrics.RecordBranch(parent, branchRelational, failureReason(err), time.Since(start).Seconds())
		observe.EndSpan(span, err)
		if err != nil {
			observe.Logger(parent).Warn("relational branch degraded", "branch", branchRelational, "err", err)
		}
	}()

	q := RelationQuery{
		AsOf:    o.now(),
		MaxHops: o.cfg.MaxHops,
		Limit:   o.cfg.RelationalLimit,
	}
	return awaitBranch(ctx, func(ctx context.Context) ([]types.RelationalHit, error) {
		return o.facts.QueryRelations(ctx, seeds, q)
	})
}

// awaitBranch runs call on its own goroutine and returns when it finishes or
// ctx is done, whichever is first. A collaborator that ignores ctx cannot
// hold the query past its budget; its late result is dropped.
func awaitBranch[T any](ctx context.Context, call func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := call(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// branchError maps a deadline hit by the branch's own timeout (parent still
// live) to ErrUpstreamTimeout.
func branchError(parent context.Context, err error, branch string, budget time.Duration) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%w: %s exceeded %v", storage.ErrUpstreamTimeout, branch, budget)
	}
	return err
}

// failureReason labels a branch error for metrics.
func failureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, storage.ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, search.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, errSimilarityDisabled):
		return "disabled"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// mentions returns the canonical ids of entities named in query plus the
// explicit seeds. A failed lookup only loses the text mentions.
func (o *Orchestrator) mentions(ctx context.Context, query string, explicit []string) []string {
	ids := append([]string{}, explicit...)
	if candidates := mentionCandidates(query, o.cfg.MaxMentionWords); len(candidates) > 0 && o.entities != nil {
		found, err := o.entities.ExistingEntities(ctx, candidates)
		if err != nil {
			observe.Logger(ctx).Warn("entity mention lookup failed", "err", err)
		} else {
			ids = append(ids, found...)
		}
	}
	return o.resolver.ResolveAll(ids)
}

// mentionCandidates slugifies every 1-3 word n-gram of query, joining words
// with '-' and '_'. Possessive suffixes are dropped.
func mentionCandidates(query string, maxWords int) []string {
	var words []string
	for _, w := range queryWords(query) {
		if w = strings.Trim(strings.TrimSuffix(w, "'s"), "-'"); w != "" {
			words = append(words, w)
		}
	}
	if len(words) > maxWords {
		words = words[:maxWords]
	}

	seen := make(map[string]bool)
	var out []string
	addCandidate := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for n := 1; n <= 3; n++ {
		for i := 0; i+n <= len(words); i++ {
			gram := words[i : i+n]
			addCandidate(strings.Join(gram, "-"))
			if n > 1 {
				addCandidate(strings.Join(gram, "_"))
			}
		}
	}
	return out
}
