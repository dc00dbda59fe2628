package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Request outcomes recorded by RecordRequest.
const (
	OutcomeFresh   = "fresh"
	OutcomeCached  = "cached"
	OutcomeStale   = "stale"
	OutcomePartial = "partial"
	OutcomeError   = "error"
)

// Metrics records aggregator and upstream metrics.
//
// Owner and scope identifiers are never used as metric attributes.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: must honor cancellation/deadlines and return quickly.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordRequest records one GetAccountData outcome and its latency.
	RecordRequest(ctx context.Context, outcome string, duration time.Duration)

	// RecordUpstreamCall records one upstream fetch for a data type.
	RecordUpstreamCall(ctx context.Context, dataType string, duration time.Duration, err error)

	// RecordBreakerTransition records a circuit breaker state change.
	RecordBreakerTransition(ctx context.Context, from, to string)
}

// metricsImpl is the concrete implementation of Metrics.
type metricsImpl struct {
	requests        metric.Int64Counter
	requestDuration metric.Float64Histogram
	upstreamCalls   metric.Int64Counter
	upstreamErrors  metric.Int64Counter
	upstreamHist    metric.Float64Histogram
	transitions     metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	requests, err := meter.Int64Counter(
		"aggregator.requests",
		metric.WithDescription("Account data requests by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"aggregator.request.duration_ms",
		metric.WithDescription("Account data request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	upstreamCalls, err := meter.Int64Counter(
		"upstream.calls",
		metric.WithDescription("Upstream brokerage calls issued"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	upstreamErrors, err := meter.Int64Counter(
		"upstream.errors",
		metric.WithDescription("Upstream brokerage calls that failed"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	upstreamHist, err := meter.Float64Histogram(
		"upstream.duration_ms",
		metric.WithDescription("Upstream call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter(
		"breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsImpl{
		requests:        requests,
		requestDuration: requestDuration,
		upstreamCalls:   upstreamCalls,
		upstreamErrors:  upstreamErrors,
		upstreamHist:    upstreamHist,
		transitions:     transitions,
	}, nil
}

func (m *metricsImpl) RecordRequest(ctx context.Context, outcome string, duration time.Duration) {
	opt := metric.WithAttributes(attribute.String("outcome", outcome))
	m.requests.Add(ctx, 1, opt)
	m.requestDuration.Record(ctx, float64(duration.Milliseconds()), opt)
}

func (m *metricsImpl) RecordUpstreamCall(ctx context.Context, dataType string, duration time.Duration, err error) {
	opt := metric.WithAttributes(
		attribute.String("data.type", dataType),
		attribute.Bool("error", err != nil),
	)

	m.upstreamCalls.Add(ctx, 1, opt)
	if err != nil {
		m.upstreamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("data.type", dataType)))
	}
	m.upstreamHist.Record(ctx, float64(duration.Milliseconds()), opt)
}

func (m *metricsImpl) RecordBreakerTransition(ctx context.Context, from, to string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// NopMetrics returns a Metrics that records nothing.
func NopMetrics() Metrics {
	return &noopMetrics{}
}

// noopMetrics is a metrics implementation that does nothing.
type noopMetrics struct{}

func (m *noopMetrics) RecordRequest(ctx context.Context, outcome string, duration time.Duration) {}

func (m *noopMetrics) RecordUpstreamCall(ctx context.Context, dataType string, duration time.Duration, err error) {
}

func (m *noopMetrics) RecordBreakerTransition(ctx context.Context, from, to string) {}
