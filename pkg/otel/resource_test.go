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

func TestNewResource(t *testing.T) {
	t.Parallel()

	t.Run("ensure semconv points to the same version", func(t *testing.T) {
		t.Parallel()

		_, err := otel.NewResource(context.Background(), "aptforge", "0.0.1", semconv.SchemaURL)
		require.NoError(t, err)
	})

	t.Run("extra attributes are carried", func(t *testing.T) {
		t.Parallel()

		res, err := otel.NewResource(context.Background(), "aptforge", "0.0.1", semconv.SchemaURL,
			attribute.String("aptforge.db_type", "postgresql"),
		)
		require.NoError(t, err)

		attrs := res.Attributes()
		assert.Contains(t, attrs, semconv.ServiceName("aptforge"))
		assert.Contains(t, attrs, semconv.ServiceVersionKey.String("0.0.1"))
		assert.Contains(t, attrs, attribute.String("aptforge.db_type", "postgresql"))
	})
}
