package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordingProvider wires a Provider to in-memory readers.
func recordingProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	inst, err := newInstruments(mp.Meter(scope))
	require.NoError(t, err)
	p := Noop()
	p.tracer = tp.Tracer(scope)
	p.inst = inst
	p.shutdown = append(p.shutdown, tp.Shutdown, mp.Shutdown)
	return p, reader, spans
}

func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestNew_WithoutEndpointIsNoop(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, p.shutdown)

	_, finish := p.TrackOperation(context.Background(), "egress.fetch", EgressOperation("GET", "api.example.com")...)
	finish(errors.New("upstream failed"))
	p.RecordDecision(context.Background(), "value_cap", "denied")
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackOperation_CountsAndSpans(t *testing.T) {
	p, reader, spans := recordingProvider(t)

	_, finish := p.TrackOperation(context.Background(), "signing.submit", SigningOperation(1)...)
	finish(nil)
	_, finish = p.TrackOperation(context.Background(), "actions.invoke", ActionOperation("weather", "http")...)
	finish(errors.New("boom"))

	assert.EqualValues(t, 2, sumOf(t, reader, "warden.operations"))
	assert.EqualValues(t, 1, sumOf(t, reader, "warden.operation.failures"))
	assert.EqualValues(t, 0, sumOf(t, reader, "warden.operations.inflight"))

	ended := spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "signing.submit", ended[0].Name())
	assert.Len(t, ended[1].Events(), 1, "error recorded on the span")
}

func TestRecordDecision(t *testing.T) {
	p, reader, spans := recordingProvider(t)

	ctx, finish := p.TrackOperation(context.Background(), "signing.submit")
	p.RecordDecision(ctx, "rate_limit", "denied")
	p.RecordDecision(ctx, "allowed", "allowed")
	finish(nil)

	assert.EqualValues(t, 2, sumOf(t, reader, "warden.policy.decisions"))
	ended := spans.Ended()
	require.Len(t, ended, 1)
	require.Len(t, ended[0].Events(), 2)
	assert.Equal(t, "policy.evaluated", ended[0].Events()[0].Name)
}

func TestActionOperation(t *testing.T) {
	attrs := ActionOperation("weather", "http")
	require.Len(t, attrs, 2)
	assert.Equal(t, "warden.action.name", string(attrs[0].Key))
	assert.Equal(t, "http", attrs[1].Value.AsString())
}
