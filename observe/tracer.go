package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// QueryMeta describes a cache query or action for telemetry purposes.
type QueryMeta struct {
	Kind string // object|list|links|function|action
	Type string // object type, interface, function or action api name
	Key  string // rendered cache key (optional)
	Op   string // fetch|fetchMore|revalidate|apply (optional)
}

// SpanName returns the deterministic span name for this query.
// Format: objectcache.fetch.<kind>.<type> or objectcache.fetch.<kind>
func (m QueryMeta) SpanName() string {
	if m.Type != "" {
		return "objectcache.fetch." + m.Kind + "." + m.Type
	}
	return "objectcache.fetch." + m.Kind
}

// Validate reports whether the meta carries the required kind.
func (m QueryMeta) Validate() error {
	if m.Kind == "" {
		return ErrMissingQueryKind
	}
	return nil
}

func (m QueryMeta) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("query.kind", m.Kind),
	}
	if m.Type != "" {
		attrs = append(attrs, attribute.String("query.type", m.Type))
	}
	if m.Op != "" {
		attrs = append(attrs, attribute.String("query.op", m.Op))
	}
	return attrs
}

// Tracer wraps OpenTelemetry tracing with query span management.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: EndSpan must be best-effort and must not panic.
type Tracer interface {
	// StartSpan starts a new span for one remote fetch.
	StartSpan(ctx context.Context, meta QueryMeta) (context.Context, trace.Span)

	// EndSpan ends the span, recording any error.
	EndSpan(span trace.Span, err error)
}

type tracerImpl struct {
	tracer trace.Tracer
}

// NewTracer wraps an OpenTelemetry tracer.
func NewTracer(t trace.Tracer) Tracer {
	return &tracerImpl{tracer: t}
}

// StartSpan starts a new span with query metadata as attributes.
func (t *tracerImpl) StartSpan(ctx context.Context, meta QueryMeta) (context.Context, trace.Span) {
	attrs := append(meta.attributes(), attribute.Bool("query.error", false))
	if meta.Key != "" {
		attrs = append(attrs, attribute.String("query.key", meta.Key))
	}

	return t.tracer.Start(ctx, meta.SpanName(),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan ends the span and records the error status if present.
func (t *tracerImpl) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.Bool("query.error", true))
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

type noopTracer struct {
	noop trace.Tracer
}

func newNoopTracer() Tracer {
	return &noopTracer{noop: tracenoop.NewTracerProvider().Tracer("noop")}
}

func (t *noopTracer) StartSpan(ctx context.Context, meta QueryMeta) (context.Context, trace.Span) {
	return t.noop.Start(ctx, meta.SpanName())
}

func (t *noopTracer) EndSpan(span trace.Span, _ error) {
	span.End()
}
