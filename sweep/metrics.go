package sweep

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds sweep-related OpenTelemetry metric instruments.
type Metrics struct {
	runsTotal        metric.Int64Counter
	runDuration      metric.Float64Histogram
	bucketsSwept     metric.Int64Counter
	recordsSwept     metric.Int64Counter
	blobsDeleted     metric.Int64Counter
	errorsTotal      metric.Int64Counter
	lastRunTimestamp metric.Float64Gauge
	lastRunSuccess   metric.Float64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runsTotal, err := meter.Int64Counter(
		"paste_cache_sweep_runs_total",
		metric.WithDescription("Total number of sweep runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"paste_cache_sweep_run_duration_seconds",
		metric.WithDescription("Sweep run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	bucketsSwept, err := meter.Int64Counter(
		"paste_cache_sweep_buckets_total",
		metric.WithDescription("Total number of ledger buckets swept"),
		metric.WithUnit("{bucket}"),
	)
	if err != nil {
		return nil, err
	}

	recordsSwept, err := meter.Int64Counter(
		"paste_cache_sweep_records_total",
		metric.WithDescription("Total number of ledger records processed by sweeps"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	blobsDeleted, err := meter.Int64Counter(
		"paste_cache_sweep_blobs_deleted_total",
		metric.WithDescription("Total number of paste blobs deleted by sweeps"),
		metric.WithUnit("{blob}"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"paste_cache_sweep_errors_total",
		metric.WithDescription("Total number of sweep errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"paste_cache_sweep_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of last sweep run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastRunSuccess, err := meter.Float64Gauge(
		"paste_cache_sweep_last_run_success",
		metric.WithDescription("Whether last sweep run was successful (1=success, 0=failure)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsTotal:        runsTotal,
		runDuration:      runDuration,
		bucketsSwept:     bucketsSwept,
		recordsSwept:     recordsSwept,
		blobsDeleted:     blobsDeleted,
		errorsTotal:      errorsTotal,
		lastRunTimestamp: lastRunTimestamp,
		lastRunSuccess:   lastRunSuccess,
	}, nil
}

func (m *Metrics) record(ctx context.Context, result *Result) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("trigger", string(result.Trigger)))

	m.runsTotal.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, result.Duration.Seconds(), attrs)
	m.bucketsSwept.Add(ctx, int64(result.BucketsSwept), attrs)
	m.recordsSwept.Add(ctx, int64(result.Records), attrs)
	m.blobsDeleted.Add(ctx, int64(result.BlobsDeleted), attrs)
	m.errorsTotal.Add(ctx, int64(len(result.Errors)), attrs)
	m.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))

	if len(result.Errors) == 0 {
		m.lastRunSuccess.Record(ctx, 1)
	} else {
		m.lastRunSuccess.Record(ctx, 0)
	}
}
