// Package observe provides observability primitives for Chronicle:
// OpenTelemetry metrics, tracing, trace-aware structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are exported through a Prometheus bridge configured by
// [InitProvider]. Tests should build their own [Metrics] with [NewMetrics]
// and an SDK ManualReader instead of using [DefaultMetrics].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Chronicle metrics.
const meterName = "github.com/scrypster/chronicle"

// Metrics holds all OpenTelemetry metric instruments for the application.
type Metrics struct {
	// QueryDuration tracks ProcessQuery latency. Attributes: strategy.
	QueryDuration metric.Float64Histogram

	// BranchDuration tracks per-branch latency. Attributes: branch.
	BranchDuration metric.Float64Histogram

	// Queries counts processed queries. Attributes: strategy, intent, fallback.
	Queries metric.Int64Counter

	// BranchFailures counts degraded branches. Attributes: branch, reason.
	BranchFailures metric.Int64Counter

	// FactsStored counts inserted facts. Attributes: source.
	FactsStored metric.Int64Counter

	// FactsClosed counts successful closes.
	FactsClosed metric.Int64Counter

	// FactsDecayed counts decay applications. Attributes: trigger (sweep|api).
	FactsDecayed metric.Int64Counter

	// Corroborations counts confidence boosts from agreeing facts.
	Corroborations metric.Int64Counter

	// Merges counts entity merges. Attributes: outcome (applied|noop).
	Merges metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request latency. Attributes: method, path, status.
	HTTPRequestDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.QueryDuration, err = m.Float64Histogram("chronicle.query.duration",
		metric.WithDescription("Latency of query processing."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BranchDuration, err = m.Float64Histogram("chronicle.branch.duration",
		metric.WithDescription("Latency of a similarity or relational branch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("chronicle.http.request.duration",
		metric.WithDescription("HTTP request latency by method, path and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.Queries, "chronicle.queries", "Processed queries by strategy and intent."},
		{&met.BranchFailures, "chronicle.branch.failures", "Degraded search branches by branch and reason."},
		{&met.FactsStored, "chronicle.facts.stored", "Facts inserted by source."},
		{&met.FactsClosed, "chronicle.facts.closed", "Facts closed."},
		{&met.FactsDecayed, "chronicle.facts.decayed", "Confidence decay applications by trigger."},
		{&met.Corroborations, "chronicle.facts.corroborations", "Confidence boosts from corroborating facts."},
		{&met.Merges, "chronicle.entity.merges", "Entity merges by outcome."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, created on
// first call from the global MeterProvider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordQuery records a processed query.
func (m *Metrics) RecordQuery(ctx context.Context, strategy, intent string, fallback bool, seconds float64) {
	m.Queries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("intent", intent),
		attribute.Bool("fallback", fallback),
	))
	m.QueryDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("strategy", strategy)))
}

// RecordBranch records a branch completion; reason is "" on success.
func (m *Metrics) RecordBranch(ctx context.Context, branch, reason string, seconds float64) {
	m.BranchDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("branch", branch)))
	if reason != "" {
		m.BranchFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("branch", branch),
			attribute.String("reason", reason),
		))
	}
}

// RecordFactStored counts an inserted fact.
func (m *Metrics) RecordFactStored(ctx context.Context, source string) {
	m.FactsStored.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordDecay counts decay applications.
func (m *Metrics) RecordDecay(ctx context.Context, trigger string, n int) {
	m.FactsDecayed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordMerge counts an entity merge.
func (m *Metrics) RecordMerge(ctx context.Context, outcome string) {
	m.Merges.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordFactClosed counts a closed fact.
func (m *Metrics) RecordFactClosed(ctx context.Context) {
	m.FactsClosed.Add(ctx, 1)
}

// RecordCorroborations counts confidence boosts applied to agreeing facts.
func (m *Metrics) RecordCorroborations(ctx context.Context, n int) {
	if n > 0 {
		m.Corroborations.Add(ctx, int64(n))
	}
}
