package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerProviderExportsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "fleet-test", Version: "1.2.3"}, exporter)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "poll")
	span.End()
	require.NoError(t, tp.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "poll", spans[0].Name)
	name, ok := spans[0].Resource.Set().Value("service.name")
	require.True(t, ok)
	require.Equal(t, "fleet-test", name.AsString())

	carrier := propagation.MapCarrier{}
	ctx, parent := otel.Tracer("test").Start(context.Background(), "push")
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	parent.End()
	require.NotEmpty(t, carrier.Get("traceparent"))

	require.NoError(t, tp.Shutdown(context.Background()))
}
