package otel_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/aptforge/aptforge/pkg/otel"
)

func TestSetupOTelSDK(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	// The same resource shape the CLI builds: service identity plus the
	// backend attributes detected from the repository flags.
	res, err := otel.NewResource(ctx, "aptforge", "0.0.1", semconv.SchemaURL,
		attribute.String("aptforge.db_type", "sqlite"),
		attribute.String("aptforge.lock_type", "local"),
	)
	require.NoError(t, err)

	t.Run("disabled still returns a working shutdown", func(t *testing.T) {
		t.Parallel()

		shutdown, err := otel.SetupOTelSDK(ctx, false, "", res)
		require.NoError(t, err)
		assert.NotNil(t, shutdown)
		assert.NoError(t, shutdown(ctx))
	})

	t.Run("enabled without a collector URL exports to stdout", func(t *testing.T) {
		t.Parallel()

		shutdown, err := otel.SetupOTelSDK(ctx, true, "", res)
		require.NoError(t, err)
		assert.NotNil(t, shutdown)
		assert.NoError(t, shutdown(ctx))
	})

	// We refrain from testing the gRPC path as it would require a running collector
}
