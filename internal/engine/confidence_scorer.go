package engine

import (
	"math"
	"strings"
	"time"

	"github.com/scrypster/chronicle/internal/config"
	"github.com/scrypster/chronicle/pkg/types"
)

const (
	defaultOpenHalfLife   = 180 * 24 * time.Hour
	defaultClosedHalfLife = 60 * 24 * time.Hour
	defaultReliability    = 0.5
)

// defaultSourceReliability maps provenance channels to how far their claims
// are trusted. Explicit user statements are taken at face value; facts
// synthesized from search usage are the weakest evidence.
var defaultSourceReliability = map[string]float64{
	types.SourceUserStatement:    1.0,
	"manual":                     1.0,
	"note":                       0.95,
	"document":                   0.85,
	types.SourceImport:           0.8,
	"email":                      0.8,
	"message":                    0.75,
	types.SourceInference:        0.7,
	types.SourceSearchExtraction: 0.6,
}

// ConfidenceScorer computes the effective confidence of a fact:
//
//	score = confidence * reliability(source) * 2^(-age/halfLife)
//	      + min(maxBonus, corroborations*bonusPerSource)
//
// clamped to [0,1]. Age is measured from ValidFrom. Open facts use the open
// half-life; closed facts decay on the shorter closed half-life.
//
// The scorer holds no mutable state and never touches storage.
type ConfidenceScorer struct {
	openHalfLife   time.Duration
	closedHalfLife time.Duration
	bonusPerSource float64
	maxBonus       float64
	reliability    map[string]float64
}

// ScoreBreakdown itemises a score.
type ScoreBreakdown struct {
	Base        float64 `json:"base"`
	Reliability float64 `json:"reliability"`
	Decay       float64 `json:"decay"`
	Bonus       float64 `json:"bonus"`
	Overall     float64 `json:"overall"`
}

// NewConfidenceScorer builds a scorer from cfg. Zero fields fall back to the
// built-in defaults; SourceReliability entries override the built-in table.
func NewConfidenceScorer(cfg config.ScorerConfig) *ConfidenceScorer {
	s := &ConfidenceScorer{
		openHalfLife:   cfg.OpenHalfLife,
		closedHalfLife: cfg.ClosedHalfLife,
		bonusPerSource: cfg.BonusPerSource,
		maxBonus:       cfg.MaxBonus,
		reliability:    make(map[string]float64, len(defaultSourceReliability)+len(cfg.SourceReliability)),
	}
	if s.openHalfLife <= 0 {
		s.openHalfLife = defaultOpenHalfLife
	}
	if s.closedHalfLife <= 0 {
		s.closedHalfLife = defaultClosedHalfLife
	}
	for k, v := range defaultSourceReliability {
		s.reliability[k] = v
	}
	for k, v := range cfg.SourceReliability {
		s.reliability[strings.ToLower(k)] = clamp01(v)
	}
	return s
}

// Reliability returns the trust weight of a provenance channel.
func (s *ConfidenceScorer) Reliability(source string) float64 {
	if r, ok := s.reliability[strings.ToLower(strings.TrimSpace(source))]; ok {
		return r
	}
	return defaultReliability
}

// HalfLife returns the half-life applied to f.
func (s *ConfidenceScorer) HalfLife(f *types.Fact) time.Duration {
	if f.IsOpen() {
		return s.openHalfLife
	}
	return s.closedHalfLife
}

// CorroborationBonus returns the additive bonus for n independent agreeing sources.
func (s *ConfidenceScorer) CorroborationBonus(n int) float64 {
	if n <= 0 {
		return 0
	}
	return math.Min(s.maxBonus, float64(n)*s.bonusPerSource)
}

// Score returns the effective confidence of f at now.
func (s *ConfidenceScorer) Score(f *types.Fact, now time.Time, corroborations int) float64 {
	return s.Explain(f, now, corroborations).Overall
}

// Explain returns the components that make up Score.
func (s *ConfidenceScorer) Explain(f *types.Fact, now time.Time, corroborations int) ScoreBreakdown {
	b := ScoreBreakdown{
		Base:        clamp01(f.Confidence),
		Reliability: s.Reliability(f.Source),
		Decay:       DecayFactor(now.Sub(f.ValidFrom), s.HalfLife(f)),
		Bonus:       s.CorroborationBonus(corroborations),
	}
	b.Overall = clamp01(b.Base*b.Reliability*b.Decay + b.Bonus)
	return b
}
