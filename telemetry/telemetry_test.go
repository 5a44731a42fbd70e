package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupConsole(t *testing.T) {
	t.Setenv("OTEL_EXPORTER", "console")
	var buf bytes.Buffer

	tracer, shutdown, err := Setup(context.Background(), "test", &buf)
	require.NoError(t, err)

	_, span := tracer.Start(context.Background(), "unit-test-span")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "unit-test-span")
	assert.Contains(t, buf.String(), "cfddns")
}

func TestSetupNone(t *testing.T) {
	t.Setenv("OTEL_EXPORTER", "")
	var buf bytes.Buffer

	tracer, shutdown, err := Setup(context.Background(), "test", &buf)
	require.NoError(t, err)
	_, span := tracer.Start(context.Background(), "quiet")
	span.End()
	require.NoError(t, shutdown(context.Background()))
	assert.Empty(t, buf.String())
}

func TestSetupUnknownExporter(t *testing.T) {
	t.Setenv("OTEL_EXPORTER", "zipkin")
	_, _, err := Setup(context.Background(), "test", &bytes.Buffer{})
	assert.ErrorContains(t, err, "zipkin")
}
