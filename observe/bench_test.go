package observe

import (
	"context"
	"io"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func BenchmarkLogger_Info(b *testing.B) {
	logger := NewLoggerWithWriter("info", io.Discard).WithScope(Meta{Op: OpGetAccount, Owner: "u", Scope: "s"})
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info(ctx, "served", Field{Key: "duration_ms", Value: 1.5})
	}
}

func BenchmarkMetrics_RecordRequest(b *testing.B) {
	reader := sdkmetric.NewManualReader()
	m, err := NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("bench"))
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordRequest(ctx, OutcomeCached, time.Millisecond)
	}
}

func BenchmarkMiddleware_Wrap(b *testing.B) {
	mw := NewMiddleware(NopTracer(), NopMetrics(), NopLogger())
	fetch := mw.Wrap(func(ctx context.Context, meta Meta) ([]byte, error) {
		return nil, nil
	})
	ctx := context.Background()
	meta := Meta{Op: OpFetch, Type: "summary"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = fetch(ctx, meta)
	}
}
