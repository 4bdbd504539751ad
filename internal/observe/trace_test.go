package observe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func TestEndSpanRecordsError(t *testing.T) {
	rec := installRecorder(t)

	_, span := StartSpan(context.Background(), "branch.similarity")
	EndSpan(span, errors.New("upstream timeout"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "branch.similarity", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	require.Len(t, spans[0].Events(), 1)
}

func TestCorrelationIDFromSpan(t *testing.T) {
	installRecorder(t)

	ctx, span := StartSpan(context.Background(), "query")
	defer span.End()

	cid := CorrelationID(ctx)
	assert.Len(t, cid, 32)
	assert.Equal(t, span.SpanContext().TraceID().String(), cid)
}
