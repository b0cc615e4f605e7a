package observability

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestInitTracing(t *testing.T) {
	ctx := context.Background()
	t.Cleanup(func() {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator())
	})

	t.Run("Disabled", func(t *testing.T) {
		shutdown, err := InitTracing(ctx, domain.TracingConfig{Enabled: false}, "test")
		require.NoError(t, err)
		assert.NoError(t, shutdown(ctx))
	})

	t.Run("EnabledWithoutExporter", func(t *testing.T) {
		shutdown, err := InitTracing(ctx, domain.TracingConfig{
			Enabled:     true,
			ServiceName: "kestrel-test",
		}, "test")
		require.NoError(t, err)

		_, span := otel.Tracer("kestrel-test").Start(ctx, "score")
		sc := span.SpanContext()
		span.End()

		assert.True(t, sc.TraceID().IsValid())
		assert.True(t, sc.IsSampled())

		header := http.Header{}
		spanCtx, child := otel.Tracer("kestrel-test").Start(ctx, "record")
		otel.GetTextMapPropagator().Inject(spanCtx, propagation.HeaderCarrier(header))
		child.End()
		assert.Contains(t, header.Get("traceparent"), child.SpanContext().TraceID().String())

		assert.NoError(t, shutdown(ctx))
	})
}
