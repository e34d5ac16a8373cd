package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/smartdevs17/eas-logbook/internal/config"
)

func TestDisabledTracerIsNoop(t *testing.T) {
	shutdown, err := InitTracer(config.TelemetryConfig{Enabled: false}, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestTracerExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := initTracer("eas-logbook-test", "0.0.1", &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "retrieval.fetch")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "retrieval.fetch")
	assert.Contains(t, buf.String(), "eas-logbook-test")
	t.Logf("✓ Span exported")
}
