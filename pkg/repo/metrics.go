package repo

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const otelPackageName = "github.com/aptforge/aptforge/pkg/repo"

//nolint:gochecknoglobals
var (
	meter  metric.Meter
	tracer trace.Tracer

	packagesUploadedTotal metric.Int64Counter

	packagesRemovedTotal metric.Int64Counter

	instancesPrunedTotal metric.Int64Counter

	releaseRebuildsTotal metric.Int64Counter

	releaseRebuildDuration metric.Float64Histogram
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageName)
	tracer = otel.Tracer(otelPackageName)

	var err error

	packagesUploadedTotal, err = meter.Int64Counter(
		"aptforge_packages_uploaded_total",
		metric.WithDescription("Counts the number of packages uploaded."),
		metric.WithUnit("{package}"),
	)
	if err != nil {
		panic(err)
	}

	packagesRemovedTotal, err = meter.Int64Counter(
		"aptforge_packages_removed_total",
		metric.WithDescription("Counts the number of package instances removed."),
		metric.WithUnit("{package}"),
	)
	if err != nil {
		panic(err)
	}

	instancesPrunedTotal, err = meter.Int64Counter(
		"aptforge_instances_pruned_total",
		metric.WithDescription("Counts the number of package instances removed by pruning."),
		metric.WithUnit("{instance}"),
	)
	if err != nil {
		panic(err)
	}

	releaseRebuildsTotal, err = meter.Int64Counter(
		"aptforge_release_rebuilds_total",
		metric.WithDescription("Counts the number of Release metadata rebuilds."),
		metric.WithUnit("{rebuild}"),
	)
	if err != nil {
		panic(err)
	}

	releaseRebuildDuration, err = meter.Float64Histogram(
		"aptforge_release_rebuild_duration_seconds",
		metric.WithDescription("Duration of Release metadata rebuilds."),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}
}

func distributionAttr(name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("distribution", name))
}

func recordRebuild(ctx context.Context, distribution string, seconds float64) {
	releaseRebuildsTotal.Add(ctx, 1, distributionAttr(distribution))
	releaseRebuildDuration.Record(ctx, seconds, distributionAttr(distribution))
}
