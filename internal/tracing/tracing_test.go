package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Enabled: false, Endpoint: "localhost:4318"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	shutdown, err = Init(context.Background(), Config{Enabled: true})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_HTTPExporter(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{
		Enabled:     true,
		Endpoint:    "http://127.0.0.1:4318",
		SampleRate:  1,
		ServiceName: "kubilitics-anomaly-test",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

func TestNormalizeEndpoint(t *testing.T) {
	ep, insecure := normalizeEndpoint("collector:4318", false)
	assert.Equal(t, "collector:4318", ep)
	assert.False(t, insecure)

	ep, insecure = normalizeEndpoint("http://collector:4318", false)
	assert.Equal(t, "collector:4318", ep)
	assert.True(t, insecure)

	ep, insecure = normalizeEndpoint("https://collector.example.com", false)
	assert.Equal(t, "collector.example.com", ep)
	assert.False(t, insecure)
}

func TestNewSampler(t *testing.T) {
	assert.Equal(t, "AlwaysOnSampler", newSampler(1).Description())
	assert.Equal(t, "AlwaysOffSampler", newSampler(0).Description())
	assert.Equal(t, "TraceIDRatioBased{0.25}", newSampler(0.25).Description())
}

func TestTraceIDFromContext(t *testing.T) {
	assert.Empty(t, TraceIDFromContext(context.Background()))

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(tracetest.NewInMemoryExporter()))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "anomaly.detect")
	defer span.End()
	assert.Len(t, TraceIDFromContext(ctx), 32)
}
