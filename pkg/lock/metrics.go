package lock

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const otelPackageName = "github.com/aptforge/aptforge/pkg/lock"

// Lock acquisition results reported as metric attributes.
const (
	ResultSuccess    = "success"
	ResultContention = "contention"
	ResultFailure    = "failure"
)

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	//nolint:gochecknoglobals
	acquisitionsTotal metric.Int64Counter

	//nolint:gochecknoglobals
	holdDuration metric.Float64Histogram
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageName)

	var err error

	acquisitionsTotal, err = meter.Int64Counter(
		"aptforge_lock_acquisitions_total",
		metric.WithDescription("Counts lock acquisition attempts by backend and result."),
		metric.WithUnit("{acquisition}"),
	)
	if err != nil {
		panic(err)
	}

	holdDuration, err = meter.Float64Histogram(
		"aptforge_lock_hold_duration_seconds",
		metric.WithDescription("Duration locks are held."),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}
}

// RecordAcquisition records one lock acquisition attempt.
func RecordAcquisition(ctx context.Context, backend, result string) {
	acquisitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("result", result),
	))
}

// RecordHoldDuration records how long a lock was held, in seconds.
func RecordHoldDuration(ctx context.Context, backend string, seconds float64) {
	holdDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("backend", backend),
	))
}
