package core

import (
	"context"
	"testing"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func sumCounter(t *testing.T, reader *sdkmetric.ManualReader, name string, match func(attribute.Set) bool) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if match == nil || match(dp.Attributes) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestTelemetryRecordsOperationsAndErrors(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	te := newTestEngine(t, WithMeterProvider(mp), WithTracerProvider(tp))
	id := te.create(t, "commerce.checkout", map[string]any{"orderId": "o-1"}).Instance.InstanceID

	_, err := te.ApplyEvent(context.Background(), EventRequest{InstanceID: id, Event: "SUCCEEDED"})
	require.Error(t, err)
	te.apply(t, id, "CONFIRM", nil)

	assert.Equal(t, int64(3), sumCounter(t, reader, "flow.operations.total", nil))
	assert.Equal(t, int64(1), sumCounter(t, reader, "flow.errors.total", func(set attribute.Set) bool {
		code, ok := set.Value(attrErrorCode)
		return ok && code.AsString() == orchestrator.ErrCodeInvalidTransition
	}))

	var failed, ok int
	for _, span := range spans.Ended() {
		if span.Name() != "flow.apply_event" {
			continue
		}
		switch span.Status().Code {
		case codes.Error:
			failed++
		case codes.Ok:
			ok++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, ok)
}

func TestTelemetryCountsConflicts(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	st := &racingStore{Store: store.NewMemoryStore()}
	te := newTestEngineWithStore(t, st, WithMeterProvider(mp))
	id := te.create(t, "ops.counter", nil).Instance.InstanceID

	st.interfere.Store(2)
	te.apply(t, id, "BUMP", nil)

	assert.Equal(t, int64(2), sumCounter(t, reader, "flow.conflicts.total", nil))
}
