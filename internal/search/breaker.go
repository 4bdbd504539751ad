package search

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/scrypster/chronicle/pkg/types"
)

// ErrCircuitOpen is returned when the breaker is open and rejects requests
// to the similarity service without calling it.
var ErrCircuitOpen = errors.New("similarity circuit breaker is open")

// BreakerConfig holds the configuration for the circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures required to trip the circuit.
	// Default: 5
	MaxFailures uint32

	// OpenTimeout is how long the circuit stays open before allowing a probe.
	// Default: 30 seconds
	OpenTimeout time.Duration

	// HalfOpenMaxRequests is the number of probe requests allowed while half-open.
	// Default: 1
	HalfOpenMaxRequests uint32
}

// BreakerMetrics holds counters about breaker operations.
type BreakerMetrics struct {
	TotalRequests        uint64
	TotalSuccesses       uint64
	TotalFailures        uint64
	Rejected             uint64
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
}

// Breaker wraps a Searcher with a circuit breaker so a failing similarity
// service is skipped quickly instead of timing out on every query.
//
// Caller cancellation is not counted as a service failure.
type Breaker struct {
	next    Searcher
	breaker *gobreaker.CircuitBreaker

	mu      sync.Mutex
	metrics BreakerMetrics
}

var _ Searcher = (*Breaker)(nil)

// NewBreaker wraps next. Zero config fields take their defaults.
func NewBreaker(next Searcher, cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests == 0 {
		cfg.HalfOpenMaxRequests = 1
	}

	b := &Breaker{next: next}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "similarity",
		MaxRequests: cfg.HalfOpenMaxRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("search: circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return b
}

// Search calls the wrapped searcher through the breaker.
func (b *Breaker) Search(ctx context.Context, req Request) ([]types.SimilarityHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.next.Search(ctx, req)
	})
	b.record(err)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	if err != nil {
		return nil, err
	}
	hits, _ := result.([]types.SimilarityHit)
	return hits, nil
}

// State returns "closed", "open" or "half-open".
func (b *Breaker) State() string {
	return b.breaker.State().String()
}

// Metrics returns a snapshot of the breaker counters.
func (b *Breaker) Metrics() BreakerMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	counts := b.breaker.Counts()
	m := b.metrics
	m.ConsecutiveFailures = counts.ConsecutiveFailures
	m.ConsecutiveSuccesses = counts.ConsecutiveSuccesses
	return m
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.metrics.Rejected++
		return
	case err == nil:
		b.metrics.TotalSuccesses++
	default:
		b.metrics.TotalFailures++
	}
	b.metrics.TotalRequests++
}
