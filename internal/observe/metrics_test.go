package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func counterTotal(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum[int64], got %T", m.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestRecordQuery(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordQuery(ctx, "fused", "composite", false, 0.12)
	m.RecordQuery(ctx, "similarity", "general", true, 0.05)

	rm := collect(t, reader)
	assert.Equal(t, int64(2), counterTotal(t, findMetric(rm, "chronicle.queries")))

	hist := findMetric(rm, "chronicle.query.duration")
	require.NotNil(t, hist)
	data, ok := hist.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range data.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}

func TestRecordBranchCountsOnlyFailures(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBranch(ctx, "similarity", "", 0.01)
	m.RecordBranch(ctx, "similarity", "timeout", 2.0)

	rm := collect(t, reader)
	failures := findMetric(rm, "chronicle.branch.failures")
	assert.Equal(t, int64(1), counterTotal(t, failures))

	sum := failures.Data.(metricdata.Sum[int64])
	reason, ok := sum.DataPoints[0].Attributes.Value(attribute.Key("reason"))
	require.True(t, ok)
	assert.Equal(t, "timeout", reason.AsString())
}

func TestFactCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFactStored(ctx, "user_statement")
	m.RecordDecay(ctx, "sweep", 3)
	m.RecordMerge(ctx, "applied")
	m.RecordFactClosed(ctx)
	m.RecordCorroborations(ctx, 2)
	m.RecordCorroborations(ctx, 0)

	rm := collect(t, reader)
	assert.Equal(t, int64(1), counterTotal(t, findMetric(rm, "chronicle.facts.stored")))
	assert.Equal(t, int64(3), counterTotal(t, findMetric(rm, "chronicle.facts.decayed")))
	assert.Equal(t, int64(1), counterTotal(t, findMetric(rm, "chronicle.entity.merges")))
	assert.Equal(t, int64(1), counterTotal(t, findMetric(rm, "chronicle.facts.closed")))
	assert.Equal(t, int64(2), counterTotal(t, findMetric(rm, "chronicle.facts.corroborations")))
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	m, reader := newTestMetrics(t)

	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rm := collect(t, reader)
	hist := findMetric(rm, "chronicle.http.request.duration")
	require.NotNil(t, hist)
	data := hist.Data.(metricdata.Histogram[float64])
	require.Len(t, data.DataPoints, 1)
	status, ok := data.DataPoints[0].Attributes.Value(attribute.Key("status"))
	require.True(t, ok)
	assert.Equal(t, "418", status.AsString())
}

func TestLoggerWithoutSpan(t *testing.T) {
	assert.NotNil(t, Logger(context.Background()))
	assert.Empty(t, CorrelationID(context.Background()))
}
