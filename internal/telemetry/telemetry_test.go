package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/watzon/funcbox/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{}, "test")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupEnabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{
		Enabled:     true,
		Endpoint:    "127.0.0.1:4318",
		Insecure:    true,
		ServiceName: "funcbox-test",
		SampleRatio: 1,
	}, "test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestProviderSampling(t *testing.T) {
	tests := []struct {
		ratio float64
		want  int
	}{
		{1, 1},
		{0, 0},
	}

	for _, tt := range tests {
		exp := tracetest.NewInMemoryExporter()
		tp := newProvider(sdktrace.NewSimpleSpanProcessor(exp), resource.Empty(), tt.ratio)

		_, span := tp.Tracer("test").Start(context.Background(), "function.execute")
		span.End()

		require.Len(t, exp.GetSpans(), tt.want, "ratio %v", tt.ratio)
		require.NoError(t, tp.Shutdown(context.Background()))
	}
}
