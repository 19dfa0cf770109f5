// Package telemetry provides the engine's OpenTelemetry metrics:
// sync outcomes, tier operation latencies, and crypto engine load.
// Metrics are optional; until Init is called every Record function is a
// no-op, so library code can instrument unconditionally.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/speedyibbi/runestone"

// Config configures the metrics system.
type Config struct {
	// ServiceName is the name reported in resource attributes.
	ServiceName string

	// ServiceVersion is the version reported in resource attributes.
	ServiceVersion string
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	syncRunsTotal    metric.Int64Counter
	syncDuration     metric.Float64Histogram
	syncItemsTotal   metric.Int64Counter
	syncConflicts    metric.Int64Counter
	tierOpDuration   metric.Float64Histogram
	tierOpTotal      metric.Int64Counter
	tierBytesTotal   metric.Int64Counter
	cryptoOpDuration metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Init sets up the global metrics with a Prometheus exporter.
func Init(cfg Config) (*Metrics, error) {
	exporter, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	)

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	m := &Metrics{
		meterProvider: provider,
		promHandler:   promhttp.Handler(),
	}
	meter := provider.Meter(meterName)

	if m.syncRunsTotal, err = meter.Int64Counter("sync_runs_total",
		metric.WithDescription("Completed sync runs by outcome")); err != nil {
		return nil, err
	}
	if m.syncDuration, err = meter.Float64Histogram("sync_duration_seconds",
		metric.WithDescription("Duration of sync runs")); err != nil {
		return nil, err
	}
	if m.syncItemsTotal, err = meter.Int64Counter("sync_items_total",
		metric.WithDescription("Items transferred or deleted during sync, by action")); err != nil {
		return nil, err
	}
	if m.syncConflicts, err = meter.Int64Counter("sync_conflicts_total",
		metric.WithDescription("Merge conflicts resolved during sync")); err != nil {
		return nil, err
	}
	if m.tierOpDuration, err = meter.Float64Histogram("tier_op_duration_seconds",
		metric.WithDescription("Duration of tier store operations")); err != nil {
		return nil, err
	}
	if m.tierOpTotal, err = meter.Int64Counter("tier_ops_total",
		metric.WithDescription("Tier store operations by tier, op, and outcome")); err != nil {
		return nil, err
	}
	if m.tierBytesTotal, err = meter.Int64Counter("tier_bytes_total",
		metric.WithDescription("Bytes moved through tier stores")); err != nil {
		return nil, err
	}
	if m.cryptoOpDuration, err = meter.Float64Histogram("crypto_op_duration_seconds",
		metric.WithDescription("Duration of crypto engine operations")); err != nil {
		return nil, err
	}

	globalMu.Lock()
	globalMetrics = m
	globalMu.Unlock()
	return m, nil
}

// Handler returns the Prometheus scrape handler.
func (m *Metrics) Handler() http.Handler {
	return m.promHandler
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	globalMu.Lock()
	if globalMetrics == m {
		globalMetrics = nil
	}
	globalMu.Unlock()
	return m.meterProvider.Shutdown(ctx)
}

func get() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// RecordSyncRun records the outcome of one sync run.
func RecordSyncRun(ctx context.Context, notebook string, success bool, conflicts int, d time.Duration) {
	m := get()
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("target", notebook),
		attribute.String("outcome", outcome),
	)
	m.syncRunsTotal.Add(ctx, 1, attrs)
	m.syncDuration.Record(ctx, d.Seconds(), attrs)
	if conflicts > 0 {
		m.syncConflicts.Add(ctx, int64(conflicts))
	}
}

// RecordSyncItems records items handled during a sync phase.
func RecordSyncItems(ctx context.Context, action string, count int) {
	m := get()
	if m == nil || count == 0 {
		return
	}
	m.syncItemsTotal.Add(ctx, int64(count),
		metric.WithAttributes(attribute.String("action", action)))
}

// RecordTierOp records one tier store operation.
func RecordTierOp(ctx context.Context, tier, op, outcome string, d time.Duration, bytes int64) {
	m := get()
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	m.tierOpTotal.Add(ctx, 1, attrs)
	m.tierOpDuration.Record(ctx, d.Seconds(), attrs)
	if bytes > 0 {
		m.tierBytesTotal.Add(ctx, bytes, metric.WithAttributes(
			attribute.String("tier", tier),
			attribute.String("op", op),
		))
	}
}

// RecordCryptoOp records the duration of one crypto engine operation.
func RecordCryptoOp(ctx context.Context, op string, d time.Duration) {
	m := get()
	if m == nil {
		return
	}
	m.cryptoOpDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("op", op)))
}
