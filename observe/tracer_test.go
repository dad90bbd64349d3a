package observe

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestQueryMeta_SpanName(t *testing.T) {
	tests := []struct {
		meta QueryMeta
		want string
	}{
		{QueryMeta{Kind: "object", Type: "Employee"}, "objectcache.fetch.object.Employee"},
		{QueryMeta{Kind: "list", Type: "Office", Key: "ignored"}, "objectcache.fetch.list.Office"},
		{QueryMeta{Kind: "function"}, "objectcache.fetch.function"},
	}
	for _, tt := range tests {
		if got := tt.meta.SpanName(); got != tt.want {
			t.Errorf("SpanName() = %q, want %q", got, tt.want)
		}
	}
}

func TestQueryMeta_Validate(t *testing.T) {
	if err := (QueryMeta{}).Validate(); !errors.Is(err, ErrMissingQueryKind) {
		t.Errorf("Validate() error = %v, want %v", err, ErrMissingQueryKind)
	}
	if err := (QueryMeta{Kind: "object"}).Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}

func spanAttrs(s sdktrace.ReadOnlySpan) map[string]attribute.Value {
	out := make(map[string]attribute.Value)
	for _, a := range s.Attributes() {
		out[string(a.Key)] = a.Value
	}
	return out
}

func TestTracer_SpanAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tr := NewTracer(tp.Tracer("test"))

	_, span := tr.StartSpan(context.Background(), QueryMeta{
		Kind: "list",
		Type: "Employee",
		Key:  "list:Employee",
		Op:   "fetch",
	})
	tr.EndSpan(span, nil)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Name() != "objectcache.fetch.list.Employee" {
		t.Errorf("span name = %q", s.Name())
	}
	attrs := spanAttrs(s)
	if attrs["query.kind"].AsString() != "list" {
		t.Errorf("query.kind = %v", attrs["query.kind"])
	}
	if attrs["query.key"].AsString() != "list:Employee" {
		t.Errorf("query.key = %v", attrs["query.key"])
	}
	if attrs["query.error"].AsBool() {
		t.Error("query.error should be false")
	}
	if s.Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", s.Status().Code)
	}
}

func TestTracer_ErrorRecording(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tr := NewTracer(tp.Tracer("test"))

	_, span := tr.StartSpan(context.Background(), QueryMeta{Kind: "object", Type: "Employee"})
	tr.EndSpan(span, errors.New("not found"))

	s := recorder.Ended()[0]
	if s.Status().Code != codes.Error || s.Status().Description != "not found" {
		t.Errorf("status = %v %q", s.Status().Code, s.Status().Description)
	}
	if !spanAttrs(s)["query.error"].AsBool() {
		t.Error("query.error should be true")
	}
	if len(s.Events()) == 0 {
		t.Error("expected a recorded error event")
	}
}

func TestTracer_ContextPropagation(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tr := NewTracer(tp.Tracer("test"))

	ctx, parent := tr.StartSpan(context.Background(), QueryMeta{Kind: "list", Type: "Employee"})
	_, child := tr.StartSpan(ctx, QueryMeta{Kind: "object", Type: "Employee"})
	tr.EndSpan(child, nil)
	tr.EndSpan(parent, nil)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Parent().SpanID() != spans[1].SpanContext().SpanID() {
		t.Error("child span should be parented to the outer fetch")
	}
}
