package difftree

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/chenyanchen/difftree"

type telemetry struct {
	tracer trace.Tracer

	batches      metric.Int64Counter
	batchKeys    metric.Int64Counter
	orphans      metric.Int64Counter
	rebuilds     metric.Int64Counter
	labelFlush   metric.Int64Histogram
	batchLatency metric.Float64Histogram
}

func newTelemetry(mp metric.MeterProvider, tp trace.TracerProvider) (*telemetry, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	meter := mp.Meter(instrumentationName)
	t := &telemetry{tracer: tp.Tracer(instrumentationName)}

	var err error
	if t.batches, err = meter.Int64Counter(
		"difftree_batches_total",
		metric.WithDescription("Total number of change batches applied"),
	); err != nil {
		return nil, err
	}
	if t.batchKeys, err = meter.Int64Counter(
		"difftree_batch_keys_total",
		metric.WithDescription("Total number of keys processed per phase"),
	); err != nil {
		return nil, err
	}
	if t.orphans, err = meter.Int64Counter(
		"difftree_orphaned_additions_total",
		metric.WithDescription("Total number of additions dropped for a missing parent"),
	); err != nil {
		return nil, err
	}
	if t.rebuilds, err = meter.Int64Counter(
		"difftree_rebuilds_total",
		metric.WithDescription("Total number of full tree rebuilds"),
	); err != nil {
		return nil, err
	}
	if t.labelFlush, err = meter.Int64Histogram(
		"difftree_label_flush_size",
		metric.WithDescription("Number of ancestors relabeled per batch"),
	); err != nil {
		return nil, err
	}
	if t.batchLatency, err = meter.Float64Histogram(
		"difftree_batch_duration_seconds",
		metric.WithDescription("Duration of batch processing"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *telemetry) startBatch(ctx context.Context, b Batch) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "difftree.Synchronizer.OnBatch",
		trace.WithAttributes(
			attribute.Int("batch.removed", len(b.Removed)),
			attribute.Int("batch.added", len(b.Added)),
			attribute.Int("batch.changed", len(b.Changed)),
		),
	)
}

func (t *telemetry) startRebuild(ctx context.Context) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "difftree.Synchronizer.Rebuild")
}

func (t *telemetry) recordBatch(ctx context.Context, b Batch, flushed int, started time.Time) {
	t.batches.Add(ctx, 1)
	t.batchKeys.Add(ctx, int64(len(b.Removed)), metric.WithAttributes(attribute.String("phase", "removals")))
	t.batchKeys.Add(ctx, int64(len(b.Added)), metric.WithAttributes(attribute.String("phase", "additions")))
	t.batchKeys.Add(ctx, int64(len(b.Changed)), metric.WithAttributes(attribute.String("phase", "changes")))
	t.labelFlush.Record(ctx, int64(flushed))
	t.batchLatency.Record(ctx, time.Since(started).Seconds())
}

func (t *telemetry) recordOrphan(ctx context.Context) {
	t.orphans.Add(ctx, 1)
}

func (t *telemetry) recordRebuild(ctx context.Context, result string) {
	t.rebuilds.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
