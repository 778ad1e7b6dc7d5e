package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func sumWith(dps []metricdata.DataPoint[int64], key, value string) int64 {
	var total int64
	for _, dp := range dps {
		if hasAttr(dp.Attributes, key, value) {
			total += dp.Value
		}
	}
	return total
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/aB3x", nil)
	r = InjectTags(r)
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "paste_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "method", "GET"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	bytesDps := findCounter(rm, "paste_cache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "paste_cache_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	// Shared metrics must NOT include endpoint attribute
	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodPost, "/1d", nil)
	r = InjectTags(r)
	SetEndpoint(r, "upload")

	RecordHTTP(context.Background(), r, http.StatusOK, 40, 100*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "paste_cache_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "method", "POST"))
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "upload"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "na"))
}

func TestRecordHTTP_NoDetailMetricWithoutEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r = InjectTags(r)

	RecordHTTP(context.Background(), r, http.StatusOK, 15, 1*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "paste_cache_http_requests_total")
	require.Len(t, dps, 1)

	detailDps := findCounter(rm, "paste_cache_http_requests_by_endpoint_total")
	require.Empty(t, detailDps)
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	// Request without InjectTags simulates a request that bypasses middleware
	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)

	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, 1*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "paste_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "na"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
}

func TestRecordHTTP_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r = InjectTags(r)

	// Should not panic
	RecordHTTP(context.Background(), r, http.StatusOK, 0, 1*time.Millisecond)
	RecordAllocation(context.Background(), "success", 1)
	RecordLedgerOp(context.Background(), "append", "success")
	RecordReconstruct(context.Background(), 1, 2, 3, time.Second)
}

func TestRecordAllocation(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordAllocation(ctx, "success", 1)
	RecordAllocation(ctx, "success", 3)
	RecordAllocation(ctx, "exhausted", 512)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "paste_cache_allocations_total")
	require.EqualValues(t, 2, sumWith(dps, "outcome", "success"))
	require.EqualValues(t, 1, sumWith(dps, "outcome", "exhausted"))
}

func TestRecordAllocatorRebuild(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordAllocatorRebuild(ctx, 42, 10*time.Millisecond, "success")
	RecordAllocatorRebuild(ctx, 0, time.Millisecond, "error")

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "paste_cache_allocator_rebuilds_total")
	require.EqualValues(t, 1, sumWith(dps, "outcome", "success"))
	require.EqualValues(t, 1, sumWith(dps, "outcome", "error"))

	gauge := findGauge(rm, "paste_cache_allocator_keys")
	require.Len(t, gauge, 1)
	require.EqualValues(t, 42, gauge[0].Value)
}

func TestRecordCacheLookupAndEviction(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordCacheLookup(ctx, CacheHit)
	RecordCacheLookup(ctx, CacheHit)
	RecordCacheLookup(ctx, CacheMiss)
	RecordCacheEviction(ctx, "expired", 5)
	RecordCacheEviction(ctx, "deleted", 0)

	rm := collectMetrics(t, reader)

	lookups := findCounter(rm, "paste_cache_expiry_lookups_total")
	require.EqualValues(t, 2, sumWith(lookups, "result", "hit"))
	require.EqualValues(t, 1, sumWith(lookups, "result", "miss"))

	evicted := findCounter(rm, "paste_cache_expiry_evicted_total")
	require.EqualValues(t, 5, sumWith(evicted, "reason", "expired"))
	require.EqualValues(t, 0, sumWith(evicted, "reason", "deleted"))
}

func TestRecordReconstruct(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordReconstruct(context.Background(), 10, 2, 1, 250*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "paste_cache_expiry_reconstruct_records_total")
	require.EqualValues(t, 10, sumWith(dps, "result", "restored"))
	require.EqualValues(t, 2, sumWith(dps, "result", "expired"))
	require.EqualValues(t, 1, sumWith(dps, "result", "malformed"))

	hist := findHistogram(rm, "paste_cache_expiry_reconstruct_duration_seconds")
	require.Len(t, hist, 1)
	require.Equal(t, uint64(1), hist[0].Count)
}

func TestRecordLedgerOp(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordLedgerOp(ctx, "append", "success")
	RecordLedgerOp(ctx, "remove", "integrity")

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "paste_cache_ledger_operations_total")
	require.EqualValues(t, 1, sumWith(dps, "op", "append"))
	require.EqualValues(t, 1, sumWith(dps, "outcome", "integrity"))
}

func TestPrometheusHandler_NotEnabled(t *testing.T) {
	setupTestMetrics(t)

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{299, "2xx"},
		{301, "3xx"},
		{304, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{413, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
