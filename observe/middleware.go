package observe

import (
	"context"
	"time"
)

// FetchFunc is one remote round trip performed on behalf of a query.
type FetchFunc func(ctx context.Context, meta QueryMeta) error

// Middleware wraps remote fetches with observability (tracing, metrics,
// logging).
//
// Contract:
//   - Concurrency: Wrap() returns a thread-safe FetchFunc.
//   - Context: Propagates context through tracing spans.
//   - Errors: Errors from the wrapped function are recorded and propagated unchanged.
type Middleware struct {
	tracer  Tracer
	metrics Metrics
	logger  Logger
}

// NewMiddleware creates a new Middleware with the given observability
// components. Nil components are replaced by no-ops.
func NewMiddleware(tracer Tracer, metrics Metrics, logger Logger) *Middleware {
	if tracer == nil {
		tracer = newNoopTracer()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &Middleware{
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
	}
}

// NopMiddleware returns a Middleware that records nothing.
func NopMiddleware() *Middleware {
	return NewMiddleware(nil, nil, nil)
}

// MiddlewareFromObserver creates a Middleware from an Observer.
func MiddlewareFromObserver(obs Observer) (*Middleware, error) {
	metrics, err := NewMetrics(obs.Meter())
	if err != nil {
		return nil, err
	}
	return NewMiddleware(NewTracer(obs.Tracer()), metrics, obs.Logger()), nil
}

// Logger returns the middleware's logger.
func (m *Middleware) Logger() Logger { return m.logger }

// Metrics returns the middleware's metrics.
func (m *Middleware) Metrics() Metrics { return m.metrics }

// Wrap wraps a FetchFunc with tracing, metrics, and logging.
// Failures are logged at warn; the caller decides whether they matter.
func (m *Middleware) Wrap(fn FetchFunc) FetchFunc {
	return func(ctx context.Context, meta QueryMeta) error {
		ctx, span := m.tracer.StartSpan(ctx, meta)
		start := time.Now()

		err := fn(ctx, meta)

		duration := time.Since(start)
		m.tracer.EndSpan(span, err)
		m.metrics.RecordFetch(ctx, meta, duration, err)

		logger := m.logger.WithQuery(meta)
		fields := []Field{
			{Key: "duration_ms", Value: float64(duration.Milliseconds())},
		}
		if meta.Op != "" {
			fields = append(fields, Field{Key: "op", Value: meta.Op})
		}

		if err != nil {
			fields = append(fields, Err(err))
			logger.Warn(ctx, "fetch failed", fields...)
		} else {
			logger.Debug(ctx, "fetch completed", fields...)
		}
		return err
	}
}

// Do runs fn through Wrap.
func (m *Middleware) Do(ctx context.Context, meta QueryMeta, fn func(ctx context.Context) error) error {
	return m.Wrap(func(ctx context.Context, _ QueryMeta) error {
		return fn(ctx)
	})(ctx, meta)
}
