package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestNewProvider_RegistersGlobally(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	tp, err := NewProvider("http://localhost:14268/api/traces", "loyalty-ledger-test", 0)
	require.NoError(t, err)

	assert.Same(t, tp, otel.GetTracerProvider())

	// Nothing sampled, so shutdown has nothing to flush.
	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsSampled())
	span.End()
	assert.NoError(t, Shutdown(context.Background(), tp))
}

func TestShutdown_NilProvider(t *testing.T) {
	assert.NoError(t, Shutdown(context.Background(), nil))
}
