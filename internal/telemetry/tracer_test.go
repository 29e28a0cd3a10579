// SPDX-License-Identifier: MIT

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

func TestNewProvider_Disabled(t *testing.T) {
	cfg := Config{
		Enabled:      false,
		ServiceName:  "labrigd-test",
		ExporterType: "grpc",
	}

	provider, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, provider.tp)

	tracer := otel.Tracer("test")
	_, span := tracer.Start(context.Background(), "noop-check")
	assert.False(t, span.IsRecording())
	span.End()
}

func TestNewProvider_InvalidExporter(t *testing.T) {
	cfg := Config{
		Enabled:      true,
		ServiceName:  "labrigd-test",
		ExporterType: "invalid",
	}

	_, err := NewProvider(context.Background(), cfg)
	require.Error(t, err)
	assert.Equal(t, "unsupported exporter type: invalid (supported: grpc, http)", err.Error())
}

func TestProvider_Shutdown(t *testing.T) {
	provider := &Provider{tp: nil}
	assert.NoError(t, provider.Shutdown(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, provider.Shutdown(ctx))
}

func TestTracer(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{Enabled: false, ServiceName: "labrigd-test"})
	require.NoError(t, err)

	tracer := Tracer("test-tracer")
	require.NotNil(t, tracer)

	ctx, span := tracer.Start(context.Background(), "test-span")
	require.NotNil(t, span)
	span.End()

	assert.NotNil(t, trace.SpanFromContext(ctx))
}
