package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Well-known operation names.
const (
	OpGetAccount   = "aggregator.get_account"
	OpForceRefresh = "aggregator.force_refresh"
	OpSync         = "aggregator.sync"
	OpFetch        = "upstream.fetch"
)

// Meta identifies the operation and the (owner, scope) it runs for.
type Meta struct {
	Op    string // Operation name, e.g. OpGetAccount (required)
	Owner string // End user the data belongs to
	Scope string // Upstream account
	Type  string // Data type for per-resource operations (optional)
}

// SpanName returns the deterministic span name for this operation.
// Format: <op>.<type> or <op>
func (m Meta) SpanName() string {
	if m.Type != "" {
		return m.Op + "." + m.Type
	}
	return m.Op
}

// Validate reports whether the metadata is usable for telemetry.
func (m Meta) Validate() error {
	if m.Op == "" {
		return ErrMissingOp
	}
	return nil
}

func (m Meta) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("op", m.Op),
	}
	if m.Owner != "" {
		attrs = append(attrs, attribute.String("owner", m.Owner))
	}
	if m.Scope != "" {
		attrs = append(attrs, attribute.String("scope", m.Scope))
	}
	if m.Type != "" {
		attrs = append(attrs, attribute.String("data.type", m.Type))
	}
	return attrs
}

// Tracer wraps OpenTelemetry tracing with aggregator span management.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: EndSpan must be best-effort and must not panic.
type Tracer interface {
	// StartSpan starts a new span for the operation.
	StartSpan(ctx context.Context, meta Meta) (context.Context, trace.Span)

	// EndSpan ends the span, recording any error.
	EndSpan(span trace.Span, err error)
}

// tracerImpl is the concrete implementation of Tracer.
type tracerImpl struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer wrapping the given OpenTelemetry tracer.
func NewTracer(t trace.Tracer) Tracer {
	return &tracerImpl{tracer: t}
}

// StartSpan starts a new span with the operation metadata as attributes.
func (t *tracerImpl) StartSpan(ctx context.Context, meta Meta) (context.Context, trace.Span) {
	attrs := append(meta.attributes(), attribute.Bool("error", false))

	kind := trace.SpanKindInternal
	if meta.Op == OpFetch {
		kind = trace.SpanKindClient
	}

	return t.tracer.Start(ctx, meta.SpanName(),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(kind),
	)
}

// EndSpan ends the span and records the error status if present.
func (t *tracerImpl) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.Bool("error", true))
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// noopTracer is a tracer that does nothing.
type noopTracer struct {
	noop trace.Tracer
}

// NopTracer returns a tracer that records nothing.
func NopTracer() Tracer {
	return &noopTracer{
		noop: tracenoop.NewTracerProvider().Tracer("noop"),
	}
}

func (t *noopTracer) StartSpan(ctx context.Context, meta Meta) (context.Context, trace.Span) {
	return t.noop.Start(ctx, meta.SpanName())
}

func (t *noopTracer) EndSpan(span trace.Span, err error) {
	span.End()
}
