package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/paste-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	pasteWriteSize     metric.Float64Histogram
	pasteLookupsTotal  metric.Int64Counter
	cacheEvictedTotal  metric.Int64Counter
	reconstructRecords metric.Int64Counter
	reconstructSeconds metric.Float64Histogram

	allocationsTotal         metric.Int64Counter
	allocationAttempts       metric.Int64Histogram
	allocatorRebuildsTotal   metric.Int64Counter
	allocatorRebuildDuration metric.Float64Histogram
	allocatorRebuildKeys     metric.Int64Gauge

	ledgerOpsTotal metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

// Meter returns the meter used for paste-cache instruments. Before
// InitMetrics it returns the global (no-op) meter.
func Meter() metric.Meter {
	return otel.GetMeterProvider().Meter(meterName)
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "paste-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"paste_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"paste_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"paste_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.requestsByEndpointTotal, err = meter.Int64Counter(
		"paste_cache_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.pasteWriteSize, err = meter.Float64Histogram(
		"paste_cache_paste_write_size_bytes",
		metric.WithDescription("Size of pastes accepted for storage"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(64, 256, 1024, 4096, 16384, 32768, 65536, 131072),
	); err != nil {
		return nil, err
	}

	if m.pasteLookupsTotal, err = meter.Int64Counter(
		"paste_cache_expiry_lookups_total",
		metric.WithDescription("Total expiry cache lookups by result"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}

	if m.cacheEvictedTotal, err = meter.Int64Counter(
		"paste_cache_expiry_evicted_total",
		metric.WithDescription("Total expiry cache entries removed by reason"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.reconstructRecords, err = meter.Int64Counter(
		"paste_cache_expiry_reconstruct_records_total",
		metric.WithDescription("Ledger records processed while reconstructing the expiry cache"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}

	if m.reconstructSeconds, err = meter.Float64Histogram(
		"paste_cache_expiry_reconstruct_duration_seconds",
		metric.WithDescription("Duration of expiry cache reconstruction"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60),
	); err != nil {
		return nil, err
	}

	if m.allocationsTotal, err = meter.Int64Counter(
		"paste_cache_allocations_total",
		metric.WithDescription("Total identifier allocations by outcome"),
		metric.WithUnit("{id}"),
	); err != nil {
		return nil, err
	}

	if m.allocationAttempts, err = meter.Int64Histogram(
		"paste_cache_allocation_attempts",
		metric.WithDescription("Candidates tried per identifier allocation"),
		metric.WithUnit("{attempt}"),
		metric.WithExplicitBucketBoundaries(1, 2, 4, 8, 16, 32, 64, 128, 256),
	); err != nil {
		return nil, err
	}

	if m.allocatorRebuildsTotal, err = meter.Int64Counter(
		"paste_cache_allocator_rebuilds_total",
		metric.WithDescription("Total allocator filter rebuilds by outcome"),
		metric.WithUnit("{rebuild}"),
	); err != nil {
		return nil, err
	}

	if m.allocatorRebuildDuration, err = meter.Float64Histogram(
		"paste_cache_allocator_rebuild_duration_seconds",
		metric.WithDescription("Duration of allocator filter rebuilds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	if m.allocatorRebuildKeys, err = meter.Int64Gauge(
		"paste_cache_allocator_keys",
		metric.WithDescription("Identifiers seeded into the filter by the last rebuild"),
		metric.WithUnit("{id}"),
	); err != nil {
		return nil, err
	}

	if m.ledgerOpsTotal, err = meter.Int64Counter(
		"paste_cache_ledger_operations_total",
		metric.WithDescription("Total deletion ledger operations by op and outcome"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"paste_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"paste_cache_backend_requests_total",
		metric.WithDescription("Total number of backend storage operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"paste_cache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Endpoint and cache result are read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	cacheResult := string(CacheNA)
	endpoint := ""
	if tags != nil {
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {method, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("method", r.Method),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("method", r.Method),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordPasteWrite records an accepted paste with its size.
func RecordPasteWrite(ctx context.Context, size int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.pasteWriteSize.Record(ctx, float64(size))
}

// RecordCacheLookup records an expiry cache lookup.
func RecordCacheLookup(ctx context.Context, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.pasteLookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(result))))
}

// RecordCacheEviction records expiry cache entries removed.
// reason is "deleted", "expired" or "swept".
func RecordCacheEviction(ctx context.Context, reason string, n int) {
	if globalMetrics == nil || n <= 0 {
		return
	}
	globalMetrics.cacheEvictedTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordReconstruct records one expiry cache reconstruction.
func RecordReconstruct(ctx context.Context, restored, skipped, malformed int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.reconstructRecords.Add(ctx, int64(restored), metric.WithAttributes(attribute.String("result", "restored")))
	globalMetrics.reconstructRecords.Add(ctx, int64(skipped), metric.WithAttributes(attribute.String("result", "expired")))
	globalMetrics.reconstructRecords.Add(ctx, int64(malformed), metric.WithAttributes(attribute.String("result", "malformed")))
	globalMetrics.reconstructSeconds.Record(ctx, duration.Seconds())
}

// RecordAllocation records one identifier allocation.
// outcome is "success" or "exhausted".
func RecordAllocation(ctx context.Context, outcome string, attempts int) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.allocationsTotal.Add(ctx, 1, attrs)
	globalMetrics.allocationAttempts.Record(ctx, int64(attempts), attrs)
}

// RecordAllocatorRebuild records one allocator filter rebuild.
func RecordAllocatorRebuild(ctx context.Context, keys int, duration time.Duration, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.allocatorRebuildsTotal.Add(ctx, 1, attrs)
	globalMetrics.allocatorRebuildDuration.Record(ctx, duration.Seconds(), attrs)
	if outcome == "success" {
		globalMetrics.allocatorRebuildKeys.Record(ctx, int64(keys))
	}
}

// RecordLedgerOp records a deletion ledger operation.
func RecordLedgerOp(ctx context.Context, op, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.ledgerOpsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
