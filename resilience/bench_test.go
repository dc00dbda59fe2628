package resilience

import (
	"context"
	"strconv"
	"testing"
	"time"
)

// BenchmarkSlidingWindow_Allow measures admission on a single hot key.
func BenchmarkSlidingWindow_Allow(b *testing.B) {
	l := NewSlidingWindow(SlidingWindowConfig{Window: time.Minute, MaxRequests: 1 << 30})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Allow("k")
	}
}

// BenchmarkSlidingWindow_ManyKeys measures admission spread over keys.
func BenchmarkSlidingWindow_ManyKeys(b *testing.B) {
	l := NewSlidingWindow(SlidingWindowConfig{})
	keys := make([]string, 1024)
	for i := range keys {
		keys[i] = "user:" + strconv.Itoa(i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Allow(keys[i%len(keys)])
	}
}

// BenchmarkCircuitBreaker_Execute_Closed measures happy path execution.
func BenchmarkCircuitBreaker_Execute_Closed(b *testing.B) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cb.Execute(ctx, func(ctx context.Context) error {
			return nil
		})
	}
}

// BenchmarkBreakerGroup_Get measures keyed lookup.
func BenchmarkBreakerGroup_Get(b *testing.B) {
	g := NewBreakerGroup(CircuitBreakerConfig{}, nil)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = g.Get("user-1:isa")
		}
	})
}

// BenchmarkCall measures the timeout combinator overhead.
func BenchmarkCall(b *testing.B) {
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Call(ctx, time.Second, func(ctx context.Context) (int, error) {
			return i, nil
		})
	}
}
