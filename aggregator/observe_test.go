package aggregator_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jonwraymond/brokeragg/aggregator"
	"github.com/jonwraymond/brokeragg/observe"
	"github.com/jonwraymond/brokeragg/upstream/upstreamtest"
)

func counterByAttr(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is %T", name, m.Data)
			var total int64
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
					total += dp.Value
				}
			}
			return total
		}
	}
	return 0
}

func TestAggregator_Observability(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := observe.NewMetrics(mp.Meter("test"))
	require.NoError(t, err)

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	var logs bytes.Buffer
	logger := observe.NewLoggerWithWriter("debug", &logs)

	fake := upstreamtest.New()
	fake.SetAccount(live.Scope, testAccount(500))

	cfg := aggregator.Config{}
	cfg.Batch.Window = time.Millisecond
	agg := aggregator.New(cfg, fake,
		aggregator.WithClock(clockwork.NewFakeClock()),
		aggregator.WithMetrics(metrics),
		aggregator.WithTracer(observe.NewTracer(tp.Tracer("test"))),
		aggregator.WithLogger(logger),
	)
	t.Cleanup(func() { _ = agg.Close(context.Background()) })
	ctx := context.Background()

	_, err = agg.GetAccountData(ctx, request(live))
	require.NoError(t, err)
	_, err = agg.GetAccountData(ctx, request(live))
	require.NoError(t, err)

	fake.FailAll(demo.Scope, errBoom)
	for range 3 {
		_, err = agg.GetAccountData(ctx, request(demo))
		require.Error(t, err)
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	assert.EqualValues(t, 1, counterByAttr(t, rm, "aggregator.requests", "outcome", observe.OutcomeFresh))
	assert.EqualValues(t, 1, counterByAttr(t, rm, "aggregator.requests", "outcome", observe.OutcomeCached))
	assert.EqualValues(t, 3, counterByAttr(t, rm, "aggregator.requests", "outcome", observe.OutcomeError))
	assert.EqualValues(t, 4, counterByAttr(t, rm, "upstream.calls", "data.type", "summary"))
	assert.EqualValues(t, 1, counterByAttr(t, rm, "breaker.transitions", "to", "open"))

	names := map[string]int{}
	for _, s := range rec.Ended() {
		names[s.Name()]++
	}
	assert.Equal(t, 5, names[observe.OpGetAccount])
	assert.Equal(t, 4, names[observe.OpFetch+".summary"])

	assert.Contains(t, logs.String(), "circuit opened")
	assert.NotContains(t, logs.String(), "demo-key")
}

type durationRecorder struct {
	mu        sync.Mutex
	durations []time.Duration
}

func (r *durationRecorder) RecordRequest(_ context.Context, _ string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations = append(r.durations, d)
}

func (r *durationRecorder) RecordUpstreamCall(context.Context, string, time.Duration, error) {}

func (r *durationRecorder) RecordBreakerTransition(context.Context, string, string) {}

func TestAggregator_RequestDurationUsesClock(t *testing.T) {
	rec := &durationRecorder{}
	fake := upstreamtest.New()
	fake.SetAccount(live.Scope, testAccount(500))

	cfg := aggregator.Config{}
	cfg.Batch.Window = time.Millisecond
	agg := aggregator.New(cfg, fake,
		aggregator.WithClock(clockwork.NewFakeClock()),
		aggregator.WithMetrics(rec),
	)
	t.Cleanup(func() { _ = agg.Close(context.Background()) })

	for range 2 {
		_, err := agg.GetAccountData(context.Background(), request(live))
		require.NoError(t, err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []time.Duration{0, 0}, rec.durations, "a clock that never moves reports zero latency")
}
