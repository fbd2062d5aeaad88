package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitDisabledRecordsNothing(t *testing.T) {
	t.Parallel()

	p, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	_, span := p.Tracer("test").Start(context.Background(), "cycle")
	assert.False(t, span.SpanContext().IsSampled())
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	t.Parallel()

	assert.Contains(t, Sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, Sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, Sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestProviderShutdownWithoutProvider(t *testing.T) {
	t.Parallel()

	require.NoError(t, (&Provider{}).Shutdown(context.Background()))
}

func TestSampledProviderRecordsSpans(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	p := &Provider{tp: sdktrace.NewTracerProvider(
		sdktrace.WithSampler(Sampler(1)),
		sdktrace.WithSyncer(exporter),
	)}
	_, span := p.Tracer("test").Start(context.Background(), "cycle")
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "cycle", spans[0].Name)
}
