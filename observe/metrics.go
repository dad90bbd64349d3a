package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records cache activity.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: must return quickly.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordFetch records one remote fetch with duration and error status.
	RecordFetch(ctx context.Context, meta QueryMeta, duration time.Duration, err error)

	// RecordInvalidation records one invalidated query or object type.
	RecordInvalidation(ctx context.Context, meta QueryMeta)

	// RecordLookup records a store read that did or did not find an entry.
	RecordLookup(ctx context.Context, kind string, hit bool)
}

type metricsImpl struct {
	totalCount   metric.Int64Counter
	errorCount   metric.Int64Counter
	durationHist metric.Float64Histogram
	invalidated  metric.Int64Counter
	hits         metric.Int64Counter
	misses       metric.Int64Counter
}

// NewMetrics creates the cache instruments on meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	m := &metricsImpl{}
	var err error

	if m.totalCount, err = meter.Int64Counter(
		"objectcache.fetch.total",
		metric.WithDescription("Total number of remote fetches"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}

	if m.errorCount, err = meter.Int64Counter(
		"objectcache.fetch.errors",
		metric.WithDescription("Total number of failed remote fetches"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}

	if m.durationHist, err = meter.Float64Histogram(
		"objectcache.fetch.duration_ms",
		metric.WithDescription("Remote fetch duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	if m.invalidated, err = meter.Int64Counter(
		"objectcache.invalidations.total",
		metric.WithDescription("Total number of invalidations"),
		metric.WithUnit("{invalidation}"),
	); err != nil {
		return nil, err
	}

	if m.hits, err = meter.Int64Counter(
		"objectcache.store.hits",
		metric.WithDescription("Store reads that found an entry"),
		metric.WithUnit("{read}"),
	); err != nil {
		return nil, err
	}

	if m.misses, err = meter.Int64Counter(
		"objectcache.store.misses",
		metric.WithDescription("Store reads that found nothing"),
		metric.WithUnit("{read}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *metricsImpl) RecordFetch(ctx context.Context, meta QueryMeta, duration time.Duration, err error) {
	opt := metric.WithAttributes(meta.attributes()...)

	m.totalCount.Add(ctx, 1, opt)
	if err != nil {
		m.errorCount.Add(ctx, 1, opt)
	}
	m.durationHist.Record(ctx, float64(duration.Milliseconds()), opt)
}

func (m *metricsImpl) RecordInvalidation(ctx context.Context, meta QueryMeta) {
	m.invalidated.Add(ctx, 1, metric.WithAttributes(meta.attributes()...))
}

func (m *metricsImpl) RecordLookup(ctx context.Context, kind string, hit bool) {
	opt := metric.WithAttributes(attribute.String("query.kind", kind))
	if hit {
		m.hits.Add(ctx, 1, opt)
		return
	}
	m.misses.Add(ctx, 1, opt)
}

// NopMetrics returns a Metrics that records nothing.
func NopMetrics() Metrics { return noopMetrics{} }

type noopMetrics struct{}

func (noopMetrics) RecordFetch(context.Context, QueryMeta, time.Duration, error) {}
func (noopMetrics) RecordInvalidation(context.Context, QueryMeta)                {}
func (noopMetrics) RecordLookup(context.Context, string, bool)                   {}
