package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/scrypster/chronicle/internal/config"
	"github.com/scrypster/chronicle/internal/observe"
	"github.com/scrypster/chronicle/internal/storage"
	"github.com/scrypster/chronicle/pkg/types"
)

const (
	defaultSweepBatch     = 500
	defaultSweepDecayRate = 0.95
	defaultFreshness      = 30 * 24 * time.Hour
)

// SweepStats summarises one decay sweep.
type SweepStats struct {
	Scanned      int `json:"scanned"`
	Decayed      int `json:"decayed"`
	Corroborated int `json:"corroborated"` // Skipped: fresh agreeing evidence
	Failed       int `json:"failed"`
}

// DecaySweeper periodically decays the confidence of open facts that have
// gone stale. A fact is stale when its ValidFrom is older than the freshness
// threshold and no agreeing fact from another source has arrived within the
// threshold; fresh corroboration resets its decay clock.
type DecaySweeper struct {
	facts    *FactService
	store    storage.FactStore
	rate     float64
	fresh    time.Duration
	batch    int
	interval time.Duration
}

// NewDecaySweeper creates a sweeper from the engine config.
func NewDecaySweeper(facts *FactService, cfg config.EngineConfig) *DecaySweeper {
	s := &DecaySweeper{
		facts:    facts,
		store:    facts.store,
		rate:     cfg.SweepDecayRate,
		fresh:    cfg.FreshnessThreshold,
		batch:    cfg.SweepBatch,
		interval: cfg.SweepInterval,
	}
	if !validDecayRate(s.rate) {
		s.rate = defaultSweepDecayRate
	}
	if s.fresh <= 0 {
		s.fresh = defaultFreshness
	}
	if s.batch <= 0 {
		s.batch = defaultSweepBatch
	}
	return s
}

// Sweep decays every stale open fact once.
func (s *DecaySweeper) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	cutoff := s.facts.now().UTC().Add(-s.fresh)
	corroborated := make(map[string]bool) // fact id -> has fresh agreeing evidence
	checked := make(map[[2]string]bool)   // subject, predicate already examined

	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		page, err := s.store.StaleFacts(ctx, cutoff, afterID, s.batch)
		if err != nil {
			return stats, fmt.Errorf("sweep: list stale facts: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			f := &page[i]
			stats.Scanned++

			key := [2]string{f.Subject, f.Predicate}
			if !checked[key] {
				checked[key] = true
				if err := s.markCorroborated(ctx, f, cutoff, corroborated); err != nil {
					observe.Logger(ctx).Warn("sweep: corroboration check failed",
						"subject", f.Subject, "predicate", f.Predicate, "err", err)
				}
			}
			if corroborated[f.ID] {
				stats.Corroborated++
				continue
			}

			if _, err := s.facts.decay(ctx, f.ID, s.rate, "sweep"); err != nil {
				stats.Failed++
				observe.Logger(ctx).Warn("sweep: decay failed", "fact_id", f.ID, "err", err)
				continue
			}
			stats.Decayed++
		}
		afterID = page[len(page)-1].ID
	}

	observe.Logger(ctx).Info("decay sweep finished",
		"scanned", stats.Scanned,
		"decayed", stats.Decayed,
		"corroborated", stats.Corroborated,
		"failed", stats.Failed,
	)
	return stats, nil
}

// markCorroborated flags every fact sharing f's subject and predicate that
// has an agreeing fact newer than cutoff from a different source.
func (s *DecaySweeper) markCorroborated(ctx context.Context, f *types.Fact, cutoff time.Time, out map[string]bool) error {
	group, err := s.store.FactsBySubjectPredicate(ctx, f.Subject, f.Predicate, false)
	if err != nil {
		return err
	}
	for i := range group {
		fresh := &group[i]
		if fresh.ValidFrom.Before(cutoff) {
			continue
		}
		for j := range group {
			old := &group[j]
			if old.ValidFrom.Before(cutoff) && s.facts.matcher(old, fresh) {
				out[old.ID] = true
			}
		}
	}
	return nil
}

// Run sweeps every interval until ctx is cancelled. A non-positive
// interval disables the loop.
func (s *DecaySweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				observe.Logger(ctx).Error("decay sweep failed", "err", err)
			}
		}
	}
}
